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
package cmac

import (
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Test vectors from RFC 4493 section 4.
var rfcKey = mustHex("2b7e151628aed2a6abf7158809cf4f3c")

func mustHex(s string) []byte {
	b, err := hex.DecodeString(s)
	if err != nil {
		panic(err)
	}
	return b
}

func TestSubkeys(t *testing.T) {
	c, err := New(rfcKey)
	require.NoError(t, err)
	d := c.(*digest)
	assert.Equal(t, "fbeed618357133667c85e08f7236a8de", hex.EncodeToString(d.k1[:]))
	assert.Equal(t, "f7ddac306ae266ccf90bc11ee46d513b", hex.EncodeToString(d.k2[:]))
}

func TestCmac(t *testing.T) {
	msg := mustHex("6bc1bee22e409f96e93d7e117393172aae2d8a571e03ac9c9eb76fac45af8e5130c81c46a35ce411e5fbc1191a0a52eff69f2445df4f9b17ad2b417be66c3710")
	tests := []struct {
		n   int
		mac string
	}{
		{0, "bb1d6929e95937287fa37d129b756746"},
		{16, "070a16b46b4d4144f79bdd9dd04a287c"},
		{40, "dfa66747de9ae63030ca32611497c827"},
		{64, "51f0bebf7e3b9d92fc49741779363cfe"},
	}
	c, err := New(rfcKey)
	require.NoError(t, err)
	for _, tt := range tests {
		c.Reset()
		c.Write(msg[:tt.n])
		assert.Equal(t, tt.mac, hex.EncodeToString(c.Sum(nil)), "len %d", tt.n)
	}

	// Same result when fed in uneven chunks.
	c.Reset()
	c.Write(msg[:7])
	c.Write(msg[7:16])
	c.Write(msg[16:33])
	c.Write(msg[33:])
	assert.Equal(t, "51f0bebf7e3b9d92fc49741779363cfe", hex.EncodeToString(c.Sum(nil)))
}

func TestInvalidKey(t *testing.T) {
	_, err := New(make([]byte, 32))
	assert.Error(t, err)
}
