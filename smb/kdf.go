// MIT License
//
// # Copyright (c) 2023 Jimmy Fjällid
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
package smb

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
)

/*
NIST SP 800-108 Section 5.1, KDF in counter mode as used by MS-SMB2 3.1.4.2.

r = 32, h = 256 and the PRF is HMAC-SHA256.

	K(i) := PRF (KI, [i]2 || Label || 0x00 || Context || [L]2)
	KO := the leftmost L bits of K(1) || K(2) || ...
*/
func kdf(ki, label, context []byte, L uint32) []byte {
	h := hmac.New(sha256.New, ki)
	n := (L + 255) / 256
	var result []byte
	for i := uint32(1); i <= n; i++ {
		h.Reset()
		h.Write(binary.BigEndian.AppendUint32(nil, i))
		h.Write(label)
		h.Write([]byte{0x00})
		h.Write(context)
		h.Write(binary.BigEndian.AppendUint32(nil, L))
		result = h.Sum(result)
	}
	return result[:L/8]
}

type KeyPurpose int

const (
	PurposeSigning KeyPurpose = iota
	PurposeApplication
	// Encryption is the client to server cipher key.
	PurposeEncryption
	// Decryption is the server to client cipher key.
	PurposeDecryption
)

func (p KeyPurpose) String() string {
	switch p {
	case PurposeSigning:
		return "signing"
	case PurposeApplication:
		return "application"
	case PurposeEncryption:
		return "encryption"
	case PurposeDecryption:
		return "decryption"
	}
	return fmt.Sprintf("KeyPurpose(%d)", int(p))
}

// LabelAndContext returns the KDF inputs for purpose. Dialect 3.1.1 uses the
// preauth integrity hash as context, earlier 3.x dialects fixed strings.
func LabelAndContext(purpose KeyPurpose, dialect uint16, preauth []byte) (label, context []byte, err error) {
	if dialect == DialectSmb_3_1_1 {
		if len(preauth) == 0 {
			return nil, nil, fmt.Errorf("dialect 3.1.1 key derivation requires the preauth integrity hash")
		}
		switch purpose {
		case PurposeSigning:
			return []byte("SMBSigningKey\x00"), preauth, nil
		case PurposeApplication:
			return []byte("SMBAppKey\x00"), preauth, nil
		case PurposeEncryption:
			return []byte("SMBC2SCipherKey\x00"), preauth, nil
		case PurposeDecryption:
			return []byte("SMBS2CCipherKey\x00"), preauth, nil
		}
		return nil, nil, fmt.Errorf("unknown key purpose %v", purpose)
	}
	switch purpose {
	case PurposeSigning:
		return []byte("SMB2AESCMAC\x00"), []byte("SmbSign\x00"), nil
	case PurposeApplication:
		return []byte("SMB2APP\x00"), []byte("SmbRpc\x00"), nil
	case PurposeEncryption:
		return []byte("SMB2AESCCM\x00"), []byte("ServerIn \x00"), nil
	case PurposeDecryption:
		return []byte("SMB2AESCCM\x00"), []byte("ServerOut\x00"), nil
	}
	return nil, nil, fmt.Errorf("unknown key purpose %v", purpose)
}

// keyLength returns L for purpose. Only the cipher keys of the AES-256
// ciphers are 256 bits long.
func keyLength(purpose KeyPurpose, cipherId uint16) uint32 {
	if purpose == PurposeEncryption || purpose == PurposeDecryption {
		if cipherId == AES256CCM || cipherId == AES256GCM {
			return 256
		}
	}
	return 128
}

// DeriveKey derives an SMB 3.x session sub key. Dialects before 3.0 have no
// derived keys and get the session key itself, truncated or zero extended to
// 16 bytes.
func DeriveKey(sessionKey []byte, purpose KeyPurpose, dialect uint16, preauth []byte, cipherId uint16) ([]byte, error) {
	if len(sessionKey) == 0 {
		return nil, fmt.Errorf("empty session key")
	}
	if dialect < DialectSmb_3_0 {
		key := make([]byte, 16)
		copy(key, sessionKey)
		return key, nil
	}
	label, context, err := LabelAndContext(purpose, dialect, preauth)
	if err != nil {
		return nil, err
	}
	return kdf(sessionKey, label, context, keyLength(purpose, cipherId)), nil
}
