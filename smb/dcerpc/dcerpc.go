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

// Package dcerpc implements connection-oriented DCE/RPC (C706 chapter 12)
// over an SMB named pipe: binding an interface and calling operations on it.
// Stub data is marshalled by the interface packages, e.g. mslsad.
package dcerpc

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/jfjallid/golog"
)

var log = golog.Get("github.com/ikas-mc/jcifs-ng-dotnet-sub003/smb/dcerpc")

var le = binary.LittleEndian

// C706 12.6.4 PDU types
const (
	PacketTypeRequest  uint8 = 0
	PacketTypeResponse uint8 = 2
	PacketTypeFault    uint8 = 3
	PacketTypeBind     uint8 = 11
	PacketTypeBindAck  uint8 = 12
	PacketTypeBindNak  uint8 = 13
)

// C706 12.6.3.1 pfc_flags
const (
	PfcFirstFrag  uint8 = 0x01
	PfcLastFrag   uint8 = 0x02
	PfcPendCancel uint8 = 0x04
	PfcConcMpx    uint8 = 0x10
	PfcDidNotExec uint8 = 0x20
	PfcMaybe      uint8 = 0x40
	PfcObjectUUID uint8 = 0x80
)

// Little endian integers, ASCII characters and IEEE floats.
const dataRepresentation uint32 = 0x00000010

const (
	headerSize   = 16
	requestSize  = 24
	responseSize = 24
)

// Default fragment sizes offered in a bind.
const (
	DefaultMaxXmitFrag uint16 = 4280
	DefaultMaxRecvFrag uint16 = 4280
)

// C706 12.6.3.1 p_cont_def_result_t
const (
	resultAcceptance        uint16 = 0
	resultUserRejection     uint16 = 1
	resultProviderRejection uint16 = 2
)

var ErrUnknownInterface = errors.New("unknown RPC interface")

// BindError is returned when the server rejects a bind with bind_nak or
// refuses the presentation context.
type BindError struct {
	Interface string
	Result    uint16
	Reason    uint16
}

func (e *BindError) Error() string {
	return fmt.Sprintf("bind to %s rejected: result %d, reason %d", e.Interface, e.Result, e.Reason)
}

// FaultError carries the status of a fault PDU.
type FaultError struct {
	CallID uint32
	Status uint32
}

func (e *FaultError) Error() string {
	if s, ok := faultNames[e.Status]; ok {
		return fmt.Sprintf("RPC fault %s (0x%08x)", s, e.Status)
	}
	return fmt.Sprintf("RPC fault 0x%08x", e.Status)
}

// MS-RPCE 2.2.2.11 and C706 appendix E
var faultNames = map[uint32]string{
	0x00000005: "nca_s_fault_access_denied",
	0x000006d8: "nca_s_fault_cant_perform",
	0x1c010002: "nca_s_op_rng_error",
	0x1c010003: "nca_s_unk_if",
	0x1c00001c: "nca_s_fault_remote_no_memory",
	0x1c000011: "nca_s_proto_error",
	0x1c00000d: "nca_s_fault_ndr",
	0x1c00000e: "nca_s_fault_object_not_found",
}
