// MIT License
//
// Copyright (c) 2017 stacktitan
// Copyright (c) 2023 Jimmy Fjällid for extensions beyond login for SMB 2.1
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.
package ntlmssp

import (
	"crypto/hmac"
	"crypto/md5"
	"crypto/rc4"
	"strings"
	"time"

	"golang.org/x/crypto/md4"

	"github.com/ikas-mc/jcifs-ng-dotnet-sub003/smb/encoder"
)

// Ntowfv1 is the NT hash of a password.
func Ntowfv1(pass string) []byte {
	h := md4.New()
	h.Write(encoder.ToUnicode(pass))
	return h.Sum(nil)
}

// Ntowfv2 keys the NTLMv2 response with the upper case user and the domain.
func Ntowfv2(ntHash []byte, user, domain string) []byte {
	h := hmac.New(md5.New, ntHash)
	h.Write(encoder.ToUnicode(strings.ToUpper(user) + domain))
	return h.Sum(nil)
}

// FileTime converts t to a Windows FILETIME.
func FileTime(t time.Time) uint64 {
	return uint64(t.UnixNano())/100 + 116444736000000000
}

// ntlmv2Response returns the NtChallengeResponse and the session base key.
// MS-NLMP 3.3.2
func ntlmv2Response(respKey, serverChallenge, clientChallenge, timestamp, targetInfo []byte) (response, sessionBaseKey []byte) {
	blob := []byte{0x01, 0x01, 0, 0, 0, 0, 0, 0}
	blob = append(blob, timestamp...)
	blob = append(blob, clientChallenge...)
	blob = append(blob, 0, 0, 0, 0)
	blob = append(blob, targetInfo...)
	blob = append(blob, 0, 0, 0, 0)

	h := hmac.New(md5.New, respKey)
	h.Write(serverChallenge)
	h.Write(blob)
	proof := h.Sum(nil)

	h = hmac.New(md5.New, respKey)
	h.Write(proof)
	return append(proof, blob...), h.Sum(nil)
}

func keyWithMagic(key []byte, magic string) []byte {
	h := md5.New()
	h.Write(key)
	h.Write([]byte(magic))
	return h.Sum(nil)
}

// signKey and sealKey assume extended session security. MS-NLMP 3.4.5.2/3
func signKey(sessionKey []byte, client bool) []byte {
	if client {
		return keyWithMagic(sessionKey, "session key to client-to-server signing key magic constant\x00")
	}
	return keyWithMagic(sessionKey, "session key to server-to-client signing key magic constant\x00")
}

func sealKey(flags uint32, sessionKey []byte, client bool) []byte {
	key := sessionKey
	switch {
	case flags&FlgNeg128 != 0:
	case flags&FlgNeg56 != 0:
		key = sessionKey[:7]
	default:
		key = sessionKey[:5]
	}
	if client {
		return keyWithMagic(key, "session key to client-to-server sealing key magic constant\x00")
	}
	return keyWithMagic(key, "session key to server-to-client sealing key magic constant\x00")
}

// signature computes an NTLMSSP_MESSAGE_SIGNATURE with extended session
// security. MS-NLMP 3.4.4.2
func signature(flags uint32, handle *rc4.Cipher, key []byte, seq uint32, msg []byte) []byte {
	sig := make([]byte, 16)
	le.PutUint32(sig[0:4], 1)
	le.PutUint32(sig[12:16], seq)
	h := hmac.New(md5.New, key)
	h.Write(sig[12:16])
	h.Write(msg)
	copy(sig[4:12], h.Sum(nil))
	if flags&FlgNegKeyExch != 0 {
		handle.XORKeyStream(sig[4:12], sig[4:12])
	}
	return sig
}
