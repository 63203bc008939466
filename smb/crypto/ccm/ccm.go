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
// Package ccm implements the CCM mode of NIST SP 800-38C for 128-bit block
// ciphers. SMB 3.x uses it with an 11 byte nonce and a 16 byte tag.
package ccm

import (
	"crypto/cipher"
	"crypto/subtle"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/jfjallid/golog"
)

var log = golog.Get("github.com/ikas-mc/jcifs-ng-dotnet-sub003/smb/crypto/ccm")

var ErrOpen = errors.New("ccm: message authentication failed")

type ccm struct {
	b         cipher.Block
	nonceSize int
	tagSize   int
}

// NewCCMWithNonceAndTagSizes wraps a 128-bit block cipher in counter mode with
// CBC-MAC. nonceSize must be 7..13 and tagSize an even number in 4..16.
func NewCCMWithNonceAndTagSizes(b cipher.Block, nonceSize, tagSize int) (cipher.AEAD, error) {
	if b.BlockSize() != 16 {
		return nil, fmt.Errorf("ccm: requires a 128-bit block cipher, got %d bytes", b.BlockSize())
	}
	if nonceSize < 7 || nonceSize > 13 {
		return nil, fmt.Errorf("ccm: invalid nonce size %d", nonceSize)
	}
	if tagSize < 4 || tagSize > 16 || tagSize%2 != 0 {
		return nil, fmt.Errorf("ccm: invalid tag size %d", tagSize)
	}
	return &ccm{b: b, nonceSize: nonceSize, tagSize: tagSize}, nil
}

func (c *ccm) NonceSize() int { return c.nonceSize }

func (c *ccm) Overhead() int { return c.tagSize }

// maxPayload is the largest payload whose length fits the q = 15-n octets
// left over by the nonce.
func (c *ccm) maxPayload() uint64 {
	q := 15 - c.nonceSize
	if q >= 8 {
		return 1<<64 - 1
	}
	return 1<<(8*uint(q)) - 1
}

// counter returns Ctr_0 for nonce.
func (c *ccm) counter(nonce []byte) []byte {
	ctr := make([]byte, 16)
	ctr[0] = byte(14 - c.nonceSize)
	copy(ctr[1:], nonce)
	return ctr
}

// crypt applies the CTR keystream starting at Ctr_1.
func (c *ccm) crypt(nonce, dst, src []byte) {
	ctr := c.counter(nonce)
	ctr[15] = 1
	cipher.NewCTR(c.b, ctr).XORKeyStream(dst, src)
}

// tag computes T xor MSB_Tlen(S_0).
func (c *ccm) tag(nonce, plaintext, additionalData []byte) []byte {
	b0 := make([]byte, 16)
	b0[0] = byte(14-c.nonceSize) | byte((c.tagSize-2)/2)<<3
	if len(additionalData) > 0 {
		b0[0] |= 1 << 6
	}
	copy(b0[1:], nonce)
	putLength(b0[1+c.nonceSize:], uint64(len(plaintext)))

	m := newMAC(c.b)
	m.Write(b0)
	if n := uint64(len(additionalData)); n > 0 {
		var hdr []byte
		switch {
		case n < 0xff00:
			hdr = binary.BigEndian.AppendUint16(nil, uint16(n))
		case n <= 0xffffffff:
			hdr = binary.BigEndian.AppendUint32([]byte{0xff, 0xfe}, uint32(n))
		default:
			hdr = binary.BigEndian.AppendUint64([]byte{0xff, 0xff}, n)
		}
		m.Write(hdr)
		m.Write(additionalData)
		m.PadZero()
	}
	m.Write(plaintext)
	m.PadZero()

	s0 := make([]byte, 16)
	c.b.Encrypt(s0, c.counter(nonce))
	t := m.Sum(nil)[:c.tagSize]
	subtle.XORBytes(t, t, s0)
	return t
}

// Seal panics on a wrong nonce size like the standard library AEADs do.
func (c *ccm) Seal(dst, nonce, plaintext, additionalData []byte) []byte {
	if len(nonce) != c.nonceSize {
		panic("ccm: incorrect nonce length given to CCM")
	}
	if uint64(len(plaintext)) > c.maxPayload() {
		panic("ccm: message too large for nonce size")
	}
	t := c.tag(nonce, plaintext, additionalData)
	ret, out := sliceForAppend(dst, len(plaintext)+c.tagSize)
	c.crypt(nonce, out[:len(plaintext)], plaintext)
	copy(out[len(plaintext):], t)
	return ret
}

func (c *ccm) Open(dst, nonce, ciphertext, additionalData []byte) ([]byte, error) {
	if len(nonce) != c.nonceSize {
		return nil, fmt.Errorf("ccm: nonce must be %d bytes, got %d", c.nonceSize, len(nonce))
	}
	if len(ciphertext) < c.tagSize {
		return nil, ErrOpen
	}
	n := len(ciphertext) - c.tagSize
	if uint64(n) > c.maxPayload() {
		return nil, ErrOpen
	}
	ret, out := sliceForAppend(dst, n)
	c.crypt(nonce, out, ciphertext[:n])
	expected := c.tag(nonce, out, additionalData)
	if subtle.ConstantTimeCompare(expected, ciphertext[n:]) != 1 {
		for i := range out {
			out[i] = 0
		}
		log.Debugln("ccm: tag mismatch")
		return nil, ErrOpen
	}
	return ret, nil
}

// putLength writes v big-endian into all of buf.
func putLength(buf []byte, v uint64) {
	for i := len(buf) - 1; i >= 0; i-- {
		buf[i] = byte(v)
		v >>= 8
	}
}

// sliceForAppend extends in by n bytes, reusing its capacity when possible,
// and returns the whole slice plus the new tail.
func sliceForAppend(in []byte, n int) (head, tail []byte) {
	if total := len(in) + n; cap(in) >= total {
		head = in[:total]
	} else {
		head = make([]byte, total)
		copy(head, in)
	}
	tail = head[len(in):]
	return
}
