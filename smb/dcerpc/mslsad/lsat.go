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

// Package mslsad implements the parts of MS-LSAD and MS-LSAT used by this
// module. Requests and responses are marshalled with github.com/jfjallid/ndr.
package mslsad

import (
	"context"
	"fmt"

	"github.com/jfjallid/golog"
	"github.com/jfjallid/mstypes"
)

var log = golog.Get("github.com/ikas-mc/jcifs-ng-dotnet-sub003/smb/dcerpc/mslsad")

// MS-LSAT Operations
const (
	LsarGetUserName uint16 = 45
)

// Caller performs one RPC call. *dcerpc.Client implements it.
type Caller interface {
	Call(ctx context.Context, opnum uint16, stub []byte) ([]byte, error)
}

// GetUserName returns the name and domain of the user the connection is
// authenticated as. The call has to be made on a client bound to lsarpc.
func GetUserName(ctx context.Context, c Caller) (username, domain string, err error) {
	log.Debugln("In LsarGetUserName")

	req := LsarGetUserNameReq{
		SystemName: "",
		UserName:   &mstypes.PRPCUnicodeString{},
		DomainName: &mstypes.PRPCUnicodeString{Data: &mstypes.RPCUnicodeString{}},
	}
	stub, err := req.Marshal()
	if err != nil {
		log.Errorln(err)
		return
	}

	buffer, err := c.Call(ctx, LsarGetUserName, stub)
	if err != nil {
		return
	}
	if len(buffer) < 12 {
		return "", "", fmt.Errorf("Server response to LsarGetUserName was too small. Expected at least 12 bytes")
	}

	res := newGetUserNameRes()
	if err = res.Unmarshal(buffer); err != nil {
		log.Errorln(err)
		return
	}
	if res.ReturnCode != 0 {
		return "", "", fmt.Errorf("LsarGetUserName returned NTSTATUS 0x%08x", res.ReturnCode)
	}
	username = res.UserName.Data.String()
	if res.DomainName != nil && res.DomainName.Data != nil {
		domain = res.DomainName.Data.String()
	}
	return
}
