// MIT License
//
// # Copyright (c) 2025 Jimmy Fjällid
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
package mslsad

import (
	"context"
	"testing"

	"github.com/jfjallid/mstypes"
	"github.com/stretchr/testify/require"
)

type fakeCaller struct {
	opnum uint16
	stub  []byte
	reply []byte
	err   error
}

func (f *fakeCaller) Call(ctx context.Context, opnum uint16, stub []byte) ([]byte, error) {
	f.opnum = opnum
	f.stub = stub
	return f.reply, f.err
}

func unicodeString(s string) *mstypes.PRPCUnicodeString {
	return &mstypes.PRPCUnicodeString{Data: &mstypes.RPCUnicodeString{
		Length:        uint16(len(s) * 2),
		MaximumLength: uint16(len(s) * 2),
		Value:         s,
	}}
}

func TestGetUserName(t *testing.T) {
	res := LsarGetUserNameRes{
		UserName:   unicodeString("Administrator"),
		DomainName: unicodeString("CORP"),
	}
	reply, err := res.Marshal()
	require.NoError(t, err)

	c := &fakeCaller{reply: reply}
	user, domain, err := GetUserName(context.Background(), c)
	require.NoError(t, err)
	require.Equal(t, LsarGetUserName, c.opnum)
	require.NotEmpty(t, c.stub)
	require.Equal(t, "Administrator", user)
	require.Equal(t, "CORP", domain)
}

func TestGetUserNameErrorStatus(t *testing.T) {
	res := LsarGetUserNameRes{
		UserName:   unicodeString("x"),
		DomainName: unicodeString("y"),
		ReturnCode: 0xc0000022,
	}
	reply, err := res.Marshal()
	require.NoError(t, err)

	_, _, err = GetUserName(context.Background(), &fakeCaller{reply: reply})
	require.ErrorContains(t, err, "0xc0000022")
}

func TestGetUserNameShortReply(t *testing.T) {
	_, _, err := GetUserName(context.Background(), &fakeCaller{reply: []byte{0, 0, 0, 0}})
	require.Error(t, err)
}
