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

// Package cmac implements AES-CMAC as described in RFC 4493.
package cmac

import (
	"crypto/aes"
	"crypto/cipher"
	"fmt"
	"hash"
)

const Bsize = 16

type digest struct {
	c      cipher.Block
	k1, k2 [Bsize]byte
	x      [Bsize]byte // chaining value
	buf    [Bsize]byte // last, possibly partial, block
	n      int
}

// New returns a hash.Hash computing AES-CMAC with a 128 bit key.
func New(key []byte) (hash.Hash, error) {
	if len(key) != Bsize {
		return nil, fmt.Errorf("Invalid key size. Only support 128 bit keys")
	}
	c, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	d := &digest{c: c}
	d.k1, d.k2 = subkeys(c)
	return d, nil
}

// shift1 returns b << 1, xoring in the Rb constant on carry.
func shift1(b [Bsize]byte) (out [Bsize]byte) {
	var carry byte
	for i := Bsize - 1; i >= 0; i-- {
		out[i] = b[i]<<1 | carry
		carry = b[i] >> 7
	}
	if carry != 0 {
		out[Bsize-1] ^= 0x87
	}
	return
}

func subkeys(c cipher.Block) (k1, k2 [Bsize]byte) {
	var l [Bsize]byte
	c.Encrypt(l[:], l[:])
	k1 = shift1(l)
	k2 = shift1(k1)
	return
}

func (d *digest) Write(p []byte) (int, error) {
	written := len(p)
	for len(p) > 0 {
		// A full block is only processed once more data follows, since the
		// final block is treated differently.
		if d.n == Bsize {
			for i := range d.x {
				d.x[i] ^= d.buf[i]
			}
			d.c.Encrypt(d.x[:], d.x[:])
			d.n = 0
		}
		k := copy(d.buf[d.n:], p)
		d.n += k
		p = p[k:]
	}
	return written, nil
}

func (d *digest) Sum(b []byte) []byte {
	var last [Bsize]byte
	copy(last[:], d.buf[:d.n])
	key := d.k1
	if d.n < Bsize {
		last[d.n] = 0x80
		key = d.k2
	}
	var t [Bsize]byte
	for i := range t {
		t[i] = d.x[i] ^ last[i] ^ key[i]
	}
	d.c.Encrypt(t[:], t[:])
	return append(b, t[:]...)
}

func (d *digest) Reset() {
	d.x = [Bsize]byte{}
	d.n = 0
}

func (d *digest) Size() int      { return Bsize }
func (d *digest) BlockSize() int { return Bsize }
