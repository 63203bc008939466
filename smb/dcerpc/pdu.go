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
package dcerpc

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/google/uuid"
)

// Defined in C706 (DCE 1.1: Remote Procedure Call) section 12.6.3.1 as "common fields"
type Header struct {
	MajorVersion   byte // rpc_vers
	MinorVersion   byte // rpc_vers_minor
	Type           byte
	Flags          byte
	Representation uint32 // NDR data representation
	FragLength     uint16
	AuthLength     uint16
	CallID         uint32
}

func newHeader(ptype uint8, flags uint8, callID uint32) Header {
	return Header{
		MajorVersion:   5,
		MinorVersion:   0,
		Type:           ptype,
		Flags:          flags,
		Representation: dataRepresentation,
		CallID:         callID,
	}
}

func (h *Header) IsLast() bool { return h.Flags&PfcLastFrag != 0 }

func (h *Header) marshal(w *bytes.Buffer) {
	w.Write([]byte{h.MajorVersion, h.MinorVersion, h.Type, h.Flags})
	binary.Write(w, le, h.Representation)
	binary.Write(w, le, h.FragLength)
	binary.Write(w, le, h.AuthLength)
	binary.Write(w, le, h.CallID)
}

func DecodeHeader(buf []byte) (h Header, err error) {
	if len(buf) < headerSize {
		return h, fmt.Errorf("buffer of %d bytes is too small for an RPC header", len(buf))
	}
	h.MajorVersion = buf[0]
	h.MinorVersion = buf[1]
	h.Type = buf[2]
	h.Flags = buf[3]
	h.Representation = le.Uint32(buf[4:8])
	h.FragLength = le.Uint16(buf[8:10])
	h.AuthLength = le.Uint16(buf[10:12])
	h.CallID = le.Uint32(buf[12:16])
	if h.MajorVersion != 5 {
		return h, fmt.Errorf("unsupported RPC version %d.%d", h.MajorVersion, h.MinorVersion)
	}
	if h.Representation&0xf0 != 0x10 {
		return h, fmt.Errorf("unsupported data representation 0x%08x", h.Representation)
	}
	if int(h.FragLength) < headerSize {
		return h, fmt.Errorf("invalid fragment length %d", h.FragLength)
	}
	return h, nil
}

// SyntaxID identifies an interface or a transfer syntax by UUID and version.
// Major version is encoded in the 16 least significant bits, minor version
// in the 16 most significant bits.
type SyntaxID struct {
	UUID    uuid.UUID
	Version uint32
}

func NewSyntaxID(id uuid.UUID, major, minor uint16) SyntaxID {
	return SyntaxID{UUID: id, Version: uint32(minor)<<16 | uint32(major)}
}

// NDR transfer syntax version 2.0
var NDRSyntax = NewSyntaxID(uuid.MustParse("8a885d04-1ceb-11c9-9fe8-08002b104860"), 2, 0)

// uuid.UUID is kept in RFC 4122 byte order while NDR encodes the first three
// fields little endian.
func putUUID(w *bytes.Buffer, id uuid.UUID) {
	var b [16]byte
	binary.LittleEndian.PutUint32(b[0:4], binary.BigEndian.Uint32(id[0:4]))
	binary.LittleEndian.PutUint16(b[4:6], binary.BigEndian.Uint16(id[4:6]))
	binary.LittleEndian.PutUint16(b[6:8], binary.BigEndian.Uint16(id[6:8]))
	copy(b[8:], id[8:])
	w.Write(b[:])
}

func readUUID(r io.Reader) (id uuid.UUID, err error) {
	var b [16]byte
	if _, err = io.ReadFull(r, b[:]); err != nil {
		return
	}
	binary.BigEndian.PutUint32(id[0:4], binary.LittleEndian.Uint32(b[0:4]))
	binary.BigEndian.PutUint16(id[4:6], binary.LittleEndian.Uint16(b[4:6]))
	binary.BigEndian.PutUint16(id[6:8], binary.LittleEndian.Uint16(b[6:8]))
	copy(id[8:], b[8:])
	return
}

/*
C706 Section 12.6.3.1

	typedef struct {
	  p_context_id_t p_cont_id;
	  u_int8 n_transfer_syn;               // number of items
	  u_int8 reserved;                     // alignment pad, m.b.z.
	  p_syntax_id_t abstract_syntax;       // transfer syntax list
	  p_syntax_id_t [size_is(n_transfer_syn)] transfer_syntaxes[];
	} p_cont_elem_t;
*/
type ContextItem struct {
	ID             uint16
	AbstractSyntax SyntaxID
	TransferSyntax []SyntaxID
}

// C706 Section 12.6.4.3
type BindReq struct {
	Header
	MaxXmitFrag uint16
	MaxRecvFrag uint16
	// A value of 0 means a request for a new association group
	AssocGroup uint32
	Contexts   []ContextItem
}

func NewBindReq(callID uint32, abstract SyntaxID, maxXmit, maxRecv uint16) *BindReq {
	return &BindReq{
		Header:      newHeader(PacketTypeBind, PfcFirstFrag|PfcLastFrag, callID),
		MaxXmitFrag: maxXmit,
		MaxRecvFrag: maxRecv,
		Contexts: []ContextItem{{
			ID:             0,
			AbstractSyntax: abstract,
			TransferSyntax: []SyntaxID{NDRSyntax},
		}},
	}
}

func (self *BindReq) MarshalBinary() ([]byte, error) {
	if len(self.Contexts) > 0xff {
		return nil, fmt.Errorf("too many presentation contexts: %d", len(self.Contexts))
	}
	var body bytes.Buffer
	binary.Write(&body, le, self.MaxXmitFrag)
	binary.Write(&body, le, self.MaxRecvFrag)
	binary.Write(&body, le, self.AssocGroup)
	body.Write([]byte{byte(len(self.Contexts)), 0, 0, 0})
	for _, item := range self.Contexts {
		binary.Write(&body, le, item.ID)
		body.Write([]byte{byte(len(item.TransferSyntax)), 0})
		putUUID(&body, item.AbstractSyntax.UUID)
		binary.Write(&body, le, item.AbstractSyntax.Version)
		for _, ts := range item.TransferSyntax {
			putUUID(&body, ts.UUID)
			binary.Write(&body, le, ts.Version)
		}
	}
	return finish(&self.Header, body.Bytes()), nil
}

// finish sets FragLength and returns header followed by body.
func finish(h *Header, body []byte) []byte {
	h.FragLength = uint16(headerSize + len(body))
	var w bytes.Buffer
	w.Grow(int(h.FragLength))
	h.marshal(&w)
	w.Write(body)
	return w.Bytes()
}

/*
C706 12.6.3.1

	typedef struct {
	  p_cont_def_result_t result;
	  p_provider_reason_t reason; // only relevant if result != acceptance
	  p_syntax_id_t transfer_syntax; // tr syntax selected 0 if result not accepted
	} p_result_t;
*/
type ContextResult struct {
	Result         uint16
	Reason         uint16
	TransferSyntax SyntaxID
}

// C706 Section 12.6.4.4 (bind_ack)
type BindAck struct {
	Header
	MaxXmitFrag uint16
	MaxRecvFrag uint16
	AssocGroup  uint32
	SecAddr     string
	Results     []ContextResult
}

func (self *BindAck) UnmarshalBinary(buf []byte) (err error) {
	if self.Header, err = DecodeHeader(buf); err != nil {
		return
	}
	if len(buf) < int(self.FragLength) || self.FragLength < headerSize+10 {
		return fmt.Errorf("bind_ack of %d bytes is truncated", len(buf))
	}
	body := buf[headerSize:self.FragLength]
	self.MaxXmitFrag = le.Uint16(body[0:2])
	self.MaxRecvFrag = le.Uint16(body[2:4])
	self.AssocGroup = le.Uint32(body[4:8])
	secLen := int(le.Uint16(body[8:10]))
	off := 10
	if len(body) < off+secLen {
		return fmt.Errorf("bind_ack secondary address exceeds fragment")
	}
	self.SecAddr = string(bytes.TrimRight(body[off:off+secLen], "\x00"))
	off += secLen
	// Align to 4 bytes relative to the start of the PDU
	off += (4 - (headerSize+off)%4) % 4
	if len(body) < off+4 {
		return fmt.Errorf("bind_ack result list exceeds fragment")
	}
	n := int(body[off])
	r := bytes.NewReader(body[off+4:])
	for i := 0; i < n; i++ {
		var item ContextResult
		if err = binary.Read(r, le, &item.Result); err != nil {
			return
		}
		if err = binary.Read(r, le, &item.Reason); err != nil {
			return
		}
		if item.TransferSyntax.UUID, err = readUUID(r); err != nil {
			return
		}
		if err = binary.Read(r, le, &item.TransferSyntax.Version); err != nil {
			return
		}
		self.Results = append(self.Results, item)
	}
	return nil
}

// C706 Section 12.6.4.5 (bind_nak)
type BindNak struct {
	Header
	RejectReason uint16
}

func (self *BindNak) UnmarshalBinary(buf []byte) (err error) {
	if self.Header, err = DecodeHeader(buf); err != nil {
		return
	}
	if len(buf) < headerSize+2 {
		return fmt.Errorf("bind_nak is truncated")
	}
	self.RejectReason = le.Uint16(buf[headerSize:])
	return nil
}

// C706 Section 12.6.4.9
type RequestReq struct {
	Header
	// AllocHint is the total size of the stub data of the call
	AllocHint uint32
	ContextID uint16
	Opnum     uint16
	Buffer    []byte
}

func (self *RequestReq) MarshalBinary() ([]byte, error) {
	var body bytes.Buffer
	binary.Write(&body, le, self.AllocHint)
	binary.Write(&body, le, self.ContextID)
	binary.Write(&body, le, self.Opnum)
	body.Write(self.Buffer)
	return finish(&self.Header, body.Bytes()), nil
}

// C706 Section 12.6.4.10
type RequestRes struct {
	Header
	AllocHint   uint32
	ContextID   uint16
	CancelCount byte
	Buffer      []byte
}

func (self *RequestRes) UnmarshalBinary(buf []byte) (err error) {
	if self.Header, err = DecodeHeader(buf); err != nil {
		return
	}
	if len(buf) < int(self.FragLength) || self.FragLength < responseSize {
		return fmt.Errorf("provided buffer is too small to unmarshal a response PDU")
	}
	self.AllocHint = le.Uint32(buf[16:20])
	self.ContextID = le.Uint16(buf[20:22])
	self.CancelCount = buf[22]
	end := int(self.FragLength) - int(self.AuthLength)
	if self.AuthLength != 0 {
		// auth_verifier is preceded by an 8 byte sec_trailer
		end -= 8
	}
	if end < responseSize {
		return fmt.Errorf("invalid auth length %d", self.AuthLength)
	}
	self.Buffer = buf[responseSize:end]
	return nil
}

// C706 Section 12.6.4.7
type Fault struct {
	Header
	AllocHint   uint32
	ContextID   uint16
	CancelCount byte
	Status      uint32
}

func (self *Fault) UnmarshalBinary(buf []byte) (err error) {
	if self.Header, err = DecodeHeader(buf); err != nil {
		return
	}
	if len(buf) < 28 {
		return fmt.Errorf("fault PDU is truncated")
	}
	self.AllocHint = le.Uint32(buf[16:20])
	self.ContextID = le.Uint16(buf[20:22])
	self.CancelCount = buf[22]
	self.Status = le.Uint32(buf[24:28])
	return nil
}
