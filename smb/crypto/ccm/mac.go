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
package ccm

import "crypto/cipher"

// cbcMAC is a CBC-MAC with a zero IV. A full block is only enciphered once
// the next byte arrives or PadZero is called.
type cbcMAC struct {
	b   cipher.Block
	y   []byte
	pos int
}

func newMAC(b cipher.Block) *cbcMAC {
	return &cbcMAC{b: b, y: make([]byte, b.BlockSize())}
}

func (m *cbcMAC) Write(p []byte) (int, error) {
	for _, v := range p {
		if m.pos == len(m.y) {
			m.b.Encrypt(m.y, m.y)
			m.pos = 0
		}
		m.y[m.pos] ^= v
		m.pos++
	}
	return len(p), nil
}

// PadZero completes the current block with zero bytes.
func (m *cbcMAC) PadZero() {
	if m.pos != 0 {
		m.b.Encrypt(m.y, m.y)
		m.pos = 0
	}
}

func (m *cbcMAC) Sum(in []byte) []byte {
	return append(in, m.y...)
}
