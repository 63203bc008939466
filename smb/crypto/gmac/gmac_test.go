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
package gmac

import (
	"crypto/aes"
	"crypto/cipher"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTagMatchesGCMWithEmptyPlaintext(t *testing.T) {
	key := []byte("0123456789abcdef")
	nonce := make([]byte, NonceSize)
	nonce[0] = 5
	msg := []byte("authenticated but not encrypted")

	m, err := New(key)
	require.NoError(t, err)
	tag, err := m.Tag(nonce, msg)
	require.NoError(t, err)
	assert.Len(t, tag, TagSize)

	block, _ := aes.NewCipher(key)
	aead, _ := cipher.NewGCM(block)
	_, err = aead.Open(nil, nonce, tag, msg)
	assert.NoError(t, err)

	msg[0] ^= 1
	other, _ := m.Tag(nonce, msg)
	assert.NotEqual(t, tag, other)
}

func TestBadNonce(t *testing.T) {
	m, err := New(make([]byte, 16))
	require.NoError(t, err)
	_, err = m.Tag(make([]byte, 8), nil)
	assert.Error(t, err)
}
