// MIT License
//
// Copyright (c) 2017 stacktitan
// Copyright (c) 2023 Jimmy Fjällid for extensions beyond login for SMB 2.1
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
package ntlmssp

import (
	"fmt"

	"github.com/ikas-mc/jcifs-ng-dotnet-sub003/smb/encoder"
)

const Signature = "NTLMSSP\x00"

const (
	TypeNtLmNegotiate    uint32 = 1
	TypeNtLmChallenge    uint32 = 2
	TypeNtLmAuthenticate uint32 = 3
)

// MS-NLMP 2.2.2.5
const (
	FlgNegUnicode                 uint32 = 0x00000001
	FlgNegOEM                     uint32 = 0x00000002
	FlgNegRequestTarget           uint32 = 0x00000004
	FlgNegSign                    uint32 = 0x00000010
	FlgNegSeal                    uint32 = 0x00000020
	FlgNegLmKey                   uint32 = 0x00000080
	FlgNegNtLm                    uint32 = 0x00000200
	FlgNegAnonymous               uint32 = 0x00000800
	FlgNegOEMDomainSupplied       uint32 = 0x00001000
	FlgNegOEMWorkstationSupplied  uint32 = 0x00002000
	FlgNegAlwaysSign              uint32 = 0x00008000
	FlgNegTargetTypeDomain        uint32 = 0x00010000
	FlgNegTargetTypeServer        uint32 = 0x00020000
	FlgNegExtendedSessionSecurity uint32 = 0x00080000
	FlgNegTargetInfo              uint32 = 0x00800000
	FlgNegVersion                 uint32 = 0x02000000
	FlgNeg128                     uint32 = 0x20000000
	FlgNegKeyExch                 uint32 = 0x40000000
	FlgNeg56                      uint32 = 0x80000000
)

// MS-NLMP 2.2.2.1 AvId
const (
	MsvAvEOL             uint16 = 0x0000
	MsvAvNbComputerName  uint16 = 0x0001
	MsvAvNbDomainName    uint16 = 0x0002
	MsvAvDnsComputerName uint16 = 0x0003
	MsvAvDnsDomainName   uint16 = 0x0004
	MsvAvDnsTreeName     uint16 = 0x0005
	MsvAvFlags           uint16 = 0x0006
	MsvAvTimestamp       uint16 = 0x0007
	MsvAvSingleHost      uint16 = 0x0008
	MsvAvTargetName      uint16 = 0x0009
	MsvAvChannelBindings uint16 = 0x000a
)

// Windows 10.0, NTLM revision 15
var defaultVersion = [8]byte{0x0a, 0x00, 0, 0, 0, 0, 0, 0x0f}

type Header struct {
	Signature   []byte `smb:"fixed:8"`
	MessageType uint32
}

func newHeader(t uint32) Header {
	return Header{Signature: []byte(Signature), MessageType: t}
}

type Negotiate struct {
	Header
	NegotiateFlags          uint32
	DomainNameLen           uint16 `smb:"len:DomainName"`
	DomainNameMaxLen        uint16 `smb:"len:DomainName"`
	DomainNameBufferOffset  uint32 `smb:"offset:DomainName"`
	WorkstationLen          uint16 `smb:"len:Workstation"`
	WorkstationMaxLen       uint16 `smb:"len:Workstation"`
	WorkstationBufferOffset uint32 `smb:"offset:Workstation"`
	Version                 [8]byte
	DomainName              []byte
	Workstation             []byte
}

type Challenge struct {
	Header
	TargetNameLen          uint16 `smb:"len:TargetName"`
	TargetNameMaxLen       uint16 `smb:"len:TargetName"`
	TargetNameBufferOffset uint32 `smb:"offset:TargetName"`
	NegotiateFlags         uint32
	ServerChallenge        [8]byte
	Reserved               uint64
	TargetInfoLen          uint16 `smb:"len:TargetInfo"`
	TargetInfoMaxLen       uint16 `smb:"len:TargetInfo"`
	TargetInfoBufferOffset uint32 `smb:"offset:TargetInfo"`
	Version                [8]byte
	TargetName             []byte
	TargetInfo             []byte
}

type Authenticate struct {
	Header
	LmChallengeResponseLen                uint16 `smb:"len:LmChallengeResponse"`
	LmChallengeResponseMaxLen             uint16 `smb:"len:LmChallengeResponse"`
	LmChallengeResponseBufferOffset       uint32 `smb:"offset:LmChallengeResponse"`
	NtChallengeResponseLen                uint16 `smb:"len:NtChallengeResponse"`
	NtChallengeResponseMaxLen             uint16 `smb:"len:NtChallengeResponse"`
	NtChallengeResponseBufferOffset       uint32 `smb:"offset:NtChallengeResponse"`
	DomainNameLen                         uint16 `smb:"len:DomainName"`
	DomainNameMaxLen                      uint16 `smb:"len:DomainName"`
	DomainNameBufferOffset                uint32 `smb:"offset:DomainName"`
	UserNameLen                           uint16 `smb:"len:UserName"`
	UserNameMaxLen                        uint16 `smb:"len:UserName"`
	UserNameBufferOffset                  uint32 `smb:"offset:UserName"`
	WorkstationLen                        uint16 `smb:"len:Workstation"`
	WorkstationMaxLen                     uint16 `smb:"len:Workstation"`
	WorkstationBufferOffset               uint32 `smb:"offset:Workstation"`
	EncryptedRandomSessionKeyLen          uint16 `smb:"len:EncryptedRandomSessionKey"`
	EncryptedRandomSessionKeyMaxLen       uint16 `smb:"len:EncryptedRandomSessionKey"`
	EncryptedRandomSessionKeyBufferOffset uint32 `smb:"offset:EncryptedRandomSessionKey"`
	NegotiateFlags                        uint32
	Version                               [8]byte
	MIC                                   []byte `smb:"fixed:16"`
	DomainName                            []byte
	UserName                              []byte
	Workstation                           []byte
	LmChallengeResponse                   []byte
	NtChallengeResponse                   []byte
	EncryptedRandomSessionKey             []byte
}

// micOffset is the position of the MIC within an AUTHENTICATE_MESSAGE.
const micOffset = 72

type AvPair struct {
	AvID  uint16
	Value []byte
}

// ParseAvPairs decodes a TargetInfo buffer up to and excluding MsvAvEOL.
func ParseAvPairs(buf []byte) ([]AvPair, error) {
	var pairs []AvPair
	for off := 0; ; {
		if len(buf)-off < 4 {
			return nil, fmt.Errorf("truncated AV pair at offset %d", off)
		}
		id := le.Uint16(buf[off:])
		n := int(le.Uint16(buf[off+2:]))
		off += 4
		if id == MsvAvEOL {
			return pairs, nil
		}
		if len(buf)-off < n {
			return nil, fmt.Errorf("AV pair %d of %d bytes exceeds target info", id, n)
		}
		pairs = append(pairs, AvPair{AvID: id, Value: append([]byte(nil), buf[off:off+n]...)})
		off += n
	}
}

// EncodeAvPairs encodes pairs followed by MsvAvEOL.
func EncodeAvPairs(pairs []AvPair) []byte {
	var out []byte
	for _, p := range pairs {
		out = le.AppendUint16(out, p.AvID)
		out = le.AppendUint16(out, uint16(len(p.Value)))
		out = append(out, p.Value...)
	}
	return append(out, 0, 0, 0, 0)
}

func marshal(v interface{}) ([]byte, error) {
	buf, err := encoder.Marshal(v)
	if err != nil {
		log.Errorln(err)
		return nil, err
	}
	return buf, nil
}
