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
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"

	"github.com/ikas-mc/jcifs-ng-dotnet-sub003/smb/crypto/ccm"
	"github.com/ikas-mc/jcifs-ng-dotnet-sub003/smb/encoder"
)

const transformHeaderSize = 52

// MS-SMB2 2.2.41
type TransformHeader struct {
	ProtocolID          [4]byte
	Signature           [16]byte
	Nonce               [16]byte // 11 bytes for CCM, 12 for GCM, rest zero
	OriginalMessageSize uint32
	Reserved            uint16
	Flags               uint16 // Encrypted
	SessionID           uint64
}

// sessionCipher encrypts requests and decrypts responses of one session.
type sessionCipher struct {
	encrypter cipher.AEAD
	decrypter cipher.AEAD
}

func newAEAD(cipherId uint16, key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	switch cipherId {
	case AES128GCM, AES256GCM:
		return cipher.NewGCMWithNonceSize(block, 12)
	case AES128CCM, AES256CCM:
		return ccm.NewCCMWithNonceAndTagSizes(block, 11, 16)
	}
	return nil, fmt.Errorf("unsupported cipher %d", cipherId)
}

// newSessionCipher derives the cipher keys of a session. Dialects 3.0 and
// 3.0.2 have no encryption context and always use AES-128-CCM.
func newSessionCipher(sessionKey []byte, dialect, cipherId uint16, preauth []byte) (*sessionCipher, error) {
	if dialect < DialectSmb_3_0 {
		return nil, fmt.Errorf("encryption requires dialect 3.0 or later")
	}
	if dialect != DialectSmb_3_1_1 {
		cipherId = AES128CCM
	}
	encKey, err := DeriveKey(sessionKey, PurposeEncryption, dialect, preauth, cipherId)
	if err != nil {
		return nil, err
	}
	decKey, err := DeriveKey(sessionKey, PurposeDecryption, dialect, preauth, cipherId)
	if err != nil {
		return nil, err
	}
	sc := &sessionCipher{}
	if sc.encrypter, err = newAEAD(cipherId, encKey); err != nil {
		return nil, err
	}
	if sc.decrypter, err = newAEAD(cipherId, decKey); err != nil {
		return nil, err
	}
	return sc, nil
}

func sealTransform(aead cipher.AEAD, sessionID uint64, pkt []byte) ([]byte, error) {
	hdr := TransformHeader{
		OriginalMessageSize: uint32(len(pkt)),
		Flags:               0x0001,
		SessionID:           sessionID,
	}
	copy(hdr.ProtocolID[:], ProtocolTransformHdr)
	if _, err := rand.Read(hdr.Nonce[:aead.NonceSize()]); err != nil {
		return nil, err
	}
	hdrBuf, err := encoder.Marshal(&hdr)
	if err != nil {
		return nil, err
	}
	// The fields after the signature are authenticated as additional data.
	sealed := aead.Seal(nil, hdr.Nonce[:aead.NonceSize()], pkt, hdrBuf[20:])
	tagStart := len(sealed) - aead.Overhead()
	copy(hdrBuf[4:20], sealed[tagStart:])
	return append(hdrBuf, sealed[:tagStart]...), nil
}

func parseTransformHeader(buf []byte) (*TransformHeader, error) {
	if len(buf) < transformHeaderSize {
		return nil, decodingError(nil, "short transform header: %d bytes", len(buf))
	}
	var hdr TransformHeader
	if err := encoder.Unmarshal(buf[:transformHeaderSize], &hdr); err != nil {
		return nil, decodingError(err, "transform header")
	}
	if string(hdr.ProtocolID[:]) != ProtocolTransformHdr {
		return nil, decodingError(nil, "unexpected protocol id %x", hdr.ProtocolID)
	}
	return &hdr, nil
}

func openTransform(aead cipher.AEAD, buf []byte) ([]byte, error) {
	hdr, err := parseTransformHeader(buf)
	if err != nil {
		return nil, err
	}
	ciphertext := make([]byte, 0, len(buf)-transformHeaderSize+len(hdr.Signature))
	ciphertext = append(ciphertext, buf[transformHeaderSize:]...)
	ciphertext = append(ciphertext, hdr.Signature[:]...)
	pkt, err := aead.Open(nil, hdr.Nonce[:aead.NonceSize()], ciphertext, buf[20:transformHeaderSize])
	if err != nil {
		return nil, decodingError(err, "decrypting message for session 0x%x", hdr.SessionID)
	}
	if uint32(len(pkt)) != hdr.OriginalMessageSize {
		return nil, decodingError(nil, "decrypted %d bytes, expected %d", len(pkt), hdr.OriginalMessageSize)
	}
	return pkt, nil
}
