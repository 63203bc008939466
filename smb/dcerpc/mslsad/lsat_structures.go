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
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/jfjallid/mstypes"
	"github.com/jfjallid/ndr"
)

// MS-LSAT opnum 45
//
//	NTSTATUS LsarGetUserName(
//	  [in, unique, string] wchar_t* SystemName,
//	  [in, out] PRPC_UNICODE_STRING* UserName,
//	  [in, out, unique] PRPC_UNICODE_STRING* DomainName
//	);
type LsarGetUserNameReq struct {
	SystemName string                     `ndr:"toppointer,fullpointer,conformant,varying"`
	UserName   *mstypes.PRPCUnicodeString `ndr:"toppointer"` // Top-level ref ptr, so can never be NULL
	DomainName *mstypes.PRPCUnicodeString `ndr:"toppointer,fullpointer"`
}

// MS-LSAT opnum 45
type LsarGetUserNameRes struct {
	UserName   *mstypes.PRPCUnicodeString `ndr:"toppointer"`
	DomainName *mstypes.PRPCUnicodeString `ndr:"toppointer,fullpointer"`
	ReturnCode uint32
}

func newGetUserNameRes() *LsarGetUserNameRes {
	return &LsarGetUserNameRes{
		UserName:   &mstypes.PRPCUnicodeString{Data: &mstypes.RPCUnicodeString{}},
		DomainName: &mstypes.PRPCUnicodeString{Data: &mstypes.RPCUnicodeString{}},
	}
}

func marshal(v interface{}, name string) ([]byte, error) {
	enc := ndr.NewEncoder(bytes.NewBuffer([]byte{}), false)
	enc.SetEndianness(binary.LittleEndian)
	b, err := enc.Encode(v)
	if err != nil {
		return nil, fmt.Errorf("error marshaling %s: %v", name, err)
	}
	return b, nil
}

func unmarshal(b []byte, v interface{}, name string) error {
	dec := ndr.NewDecoder(bytes.NewReader(b), false)
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("error unmarshaling %s: %v", name, err)
	}
	return nil
}

func (self *LsarGetUserNameReq) Marshal() ([]byte, error) {
	return marshal(self, "LsarGetUserNameReq")
}

func (self *LsarGetUserNameReq) Unmarshal(b []byte) error {
	return unmarshal(b, self, "LsarGetUserNameReq")
}

func (self *LsarGetUserNameRes) Marshal() ([]byte, error) {
	return marshal(self, "LsarGetUserNameRes")
}

func (self *LsarGetUserNameRes) Unmarshal(b []byte) error {
	return unmarshal(b, self, "LsarGetUserNameRes")
}
