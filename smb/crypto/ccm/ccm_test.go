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

import (
	"crypto/aes"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func unhex(t *testing.T, s string) []byte {
	t.Helper()
	b, err := hex.DecodeString(s)
	require.NoError(t, err)
	return b
}

// NIST SP 800-38C Appendix C examples 1 to 3.
func TestKnownAnswer(t *testing.T) {
	tests := []struct {
		nonce, ad, pt, ct string
		tagSize           int
	}{
		{"10111213141516", "0001020304050607", "20212223", "7162015b4dac255d", 4},
		{
			"1011121314151617",
			"000102030405060708090a0b0c0d0e0f",
			"202122232425262728292a2b2c2d2e2f",
			"d2a1f0e051ea5f62081a7792073d593d1fc64fbfaccd",
			6,
		},
		{
			"101112131415161718191a1b",
			"000102030405060708090a0b0c0d0e0f10111213",
			"202122232425262728292a2b2c2d2e2f3031323334353637",
			"e3b201a9f5b71a7a9b1ceaeccd97e70b6176aad9a4428aa5484392fbc1b09951",
			8,
		},
	}
	block, err := aes.NewCipher(unhex(t, "404142434445464748494a4b4c4d4e4f"))
	require.NoError(t, err)
	for _, tt := range tests {
		nonce := unhex(t, tt.nonce)
		aead, err := NewCCMWithNonceAndTagSizes(block, len(nonce), tt.tagSize)
		require.NoError(t, err)

		ct := aead.Seal(nil, nonce, unhex(t, tt.pt), unhex(t, tt.ad))
		assert.Equal(t, tt.ct, hex.EncodeToString(ct))

		pt, err := aead.Open(nil, nonce, ct, unhex(t, tt.ad))
		require.NoError(t, err)
		assert.Equal(t, tt.pt, hex.EncodeToString(pt))
	}
}

func TestSealOpen(t *testing.T) {
	msg := []byte("Lorem ipsum dolor sit amet, consectetur adipiscing elit. Nunc accumsan ante urna.")
	nonce := []byte("LOREM IPSUM")
	block, err := aes.NewCipher([]byte("YELLOW SUBMARINE"))
	require.NoError(t, err)
	aead, err := NewCCMWithNonceAndTagSizes(block, len(nonce), 16)
	require.NoError(t, err)
	assert.Equal(t, 11, aead.NonceSize())
	assert.Equal(t, 16, aead.Overhead())

	ad := []byte("header")
	prefix := []byte("dst:")
	sealed := aead.Seal(prefix, nonce, msg, ad)
	require.Len(t, sealed, len(prefix)+len(msg)+16)
	assert.Equal(t, prefix, sealed[:len(prefix)])

	out, err := aead.Open(nil, nonce, sealed[len(prefix):], ad)
	require.NoError(t, err)
	assert.Equal(t, msg, out)

	empty := aead.Seal(nil, nonce, nil, ad)
	assert.Len(t, empty, 16)
	out, err = aead.Open(nil, nonce, empty, ad)
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestOpenRejectsTampering(t *testing.T) {
	nonce := make([]byte, 11)
	block, err := aes.NewCipher(make([]byte, 16))
	require.NoError(t, err)
	aead, err := NewCCMWithNonceAndTagSizes(block, 11, 16)
	require.NoError(t, err)
	sealed := aead.Seal(nil, nonce, []byte("payload"), []byte("ad"))

	bad := append([]byte(nil), sealed...)
	bad[0] ^= 1
	_, err = aead.Open(nil, nonce, bad, []byte("ad"))
	assert.ErrorIs(t, err, ErrOpen)

	_, err = aead.Open(nil, nonce, sealed, []byte("AD"))
	assert.ErrorIs(t, err, ErrOpen)

	_, err = aead.Open(nil, nonce, sealed[:15], nil)
	assert.ErrorIs(t, err, ErrOpen)

	_, err = aead.Open(nil, nonce[:7], sealed, []byte("ad"))
	assert.Error(t, err)
	assert.Panics(t, func() { aead.Seal(nil, nonce[:7], nil, nil) })
}

func TestInvalidParameters(t *testing.T) {
	block, err := aes.NewCipher(make([]byte, 16))
	require.NoError(t, err)
	for _, sizes := range [][2]int{{6, 16}, {14, 16}, {11, 3}, {11, 5}, {11, 18}} {
		_, err := NewCCMWithNonceAndTagSizes(block, sizes[0], sizes[1])
		assert.Error(t, err, "nonce %d tag %d", sizes[0], sizes[1])
	}
}
