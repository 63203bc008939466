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
	"fmt"

	"github.com/ikas-mc/jcifs-ng-dotnet-sub003/smb/crypto/cmac"
	"github.com/ikas-mc/jcifs-ng-dotnet-sub003/smb/crypto/gmac"
)

// SigningContext holds the frozen signing state of a session. It is safe for
// concurrent use since every operation works on its own hash instance.
type SigningContext struct {
	dialect   uint16
	algorithm uint16
	key       []byte
	gmac      *gmac.MAC
}

// NewSigningContext selects the signing algorithm for dialect and derives the
// signing key from sessionKey. algorithm is the value negotiated through the
// SMB2_SIGNING_CAPABILITIES context and is only honoured for dialect 3.1.1.
func NewSigningContext(dialect, algorithm uint16, sessionKey, preauth []byte) (*SigningContext, error) {
	s := &SigningContext{dialect: dialect}
	switch {
	case dialect < DialectSmb_3_0:
		s.algorithm = HMAC_SHA256
	case dialect == DialectSmb_3_1_1 && algorithm == AES_GMAC:
		s.algorithm = AES_GMAC
	default:
		s.algorithm = AES_CMAC
	}
	key, err := DeriveKey(sessionKey, PurposeSigning, dialect, preauth, 0)
	if err != nil {
		return nil, err
	}
	s.key = key
	if s.algorithm == AES_GMAC {
		s.gmac, err = gmac.New(key)
		if err != nil {
			return nil, err
		}
	}
	log.Debugf("Signing with algorithm %d for dialect %s\n", s.algorithm, DialectString(dialect))
	return s, nil
}

func (s *SigningContext) Algorithm() uint16 { return s.algorithm }
func (s *SigningContext) Dialect() uint16   { return s.dialect }

// Key returns a copy of the derived signing key.
func (s *SigningContext) Key() []byte { return append([]byte(nil), s.key...) }

// gmacNonce is MessageId followed by a 32 bit word where bit 0 marks a
// message sent by the server and bit 1 a cancel request.
func gmacNonce(msg []byte) []byte {
	nonce := make([]byte, gmac.NonceSize)
	copy(nonce[0:8], msg[messageIDOff:messageIDOff+8])
	var role uint32
	if le.Uint32(msg[flagsOff:])&SMB2_FLAGS_SERVER_TO_REDIR != 0 {
		role |= 1
	}
	if le.Uint16(msg[12:14]) == CommandCancel {
		role |= 2
	}
	le.PutUint32(nonce[8:12], role)
	return nonce
}

// compute returns the 16 byte MAC of msg, whose signature field must already
// be zero.
func (s *SigningContext) compute(msg []byte) ([]byte, error) {
	switch s.algorithm {
	case HMAC_SHA256:
		h := hmac.New(sha256.New, s.key)
		h.Write(msg)
		return h.Sum(nil)[:signatureSize], nil
	case AES_CMAC:
		h, err := cmac.New(s.key)
		if err != nil {
			return nil, err
		}
		h.Write(msg)
		return h.Sum(nil), nil
	case AES_GMAC:
		return s.gmac.Tag(gmacNonce(msg), msg)
	}
	return nil, fmt.Errorf("unsupported signing algorithm %d", s.algorithm)
}

// Sign sets SMB2_FLAGS_SIGNED, zeroes the signature field and writes the MAC
// of the whole message into it.
func (s *SigningContext) Sign(msg []byte) error {
	if len(msg) < HeaderSize {
		return fmt.Errorf("message too short to sign: %d bytes", len(msg))
	}
	flags := le.Uint32(msg[flagsOff:]) | SMB2_FLAGS_SIGNED
	le.PutUint32(msg[flagsOff:], flags)
	sig := msg[signatureOff : signatureOff+signatureSize]
	for i := range sig {
		sig[i] = 0
	}
	mac, err := s.compute(msg)
	if err != nil {
		return err
	}
	copy(sig, mac)
	return nil
}

// Verify recomputes the MAC over a copy of msg with the signature zeroed and
// compares it to the received one in constant time. msg is not modified.
func (s *SigningContext) Verify(msg []byte) error {
	if len(msg) < HeaderSize {
		return decodingError(nil, "message too short to verify: %d bytes", len(msg))
	}
	buf := make([]byte, len(msg))
	copy(buf, msg)
	received := msg[signatureOff : signatureOff+signatureSize]
	for i := signatureOff; i < signatureOff+signatureSize; i++ {
		buf[i] = 0
	}
	expected, err := s.compute(buf)
	if err != nil {
		return err
	}
	if !hmac.Equal(expected, received) {
		log.Debugf("Signature mismatch: got %x expected %x\n", received, expected)
		return &SignatureVerificationError{
			MessageID: le.Uint64(msg[messageIDOff:]),
			Command:   le.Uint16(msg[12:14]),
		}
	}
	return nil
}
