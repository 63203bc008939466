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
package smb

import (
	"github.com/ikas-mc/jcifs-ng-dotnet-sub003/smb/encoder"
)

// Body is the command specific part of an SMB2 message. The set of
// implementations is closed: every request and response type of the commands
// this client speaks, ErrorRes for error responses and RawBody for anything
// else.
type Body interface {
	Command() uint16
	isBody()
}

// Message is one SMB2 request or response.
type Message struct {
	Header Header
	Body   Body
}

func NewMessage(body Body) *Message {
	return &Message{
		Header: Header{Command: body.Command(), CreditCharge: 1},
		Body:   body,
	}
}

type FileID [16]byte

type NegotiateReq struct {
	StructureSize uint16
	DialectCount  uint16 `smb:"count:Dialects"`
	SecurityMode  uint16
	Reserved      uint16
	Capabilities  uint32
	ClientGuid    [16]byte
	ContextOffset uint32 `smb:"offset:ContextList"`
	ContextCount  uint16 `smb:"count:ContextList"`
	Reserved2     uint16
	Dialects      []uint16
	Padding       []byte `smb:"align:8"`
	ContextList   []NegContext
}

type NegotiateRes struct {
	StructureSize        uint16
	SecurityMode         uint16
	DialectRevision      uint16
	ContextCount         uint16 `smb:"count:ContextList"`
	ServerGuid           [16]byte
	Capabilities         uint32
	MaxTransactSize      uint32
	MaxReadSize          uint32
	MaxWriteSize         uint32
	SystemTime           uint64
	ServerStartTime      uint64
	SecurityBufferOffset uint16 `smb:"offset:SecurityBlob"`
	SecurityBufferLength uint16 `smb:"len:SecurityBlob"`
	ContextOffset        uint32 `smb:"offset:ContextList"`
	SecurityBlob         []byte
	Padding              []byte `smb:"align:8"`
	ContextList          []NegContext
}

type NegContext struct {
	ContextType uint16
	DataLength  uint16 `smb:"len:Data"`
	Reserved    uint32
	Data        []byte
	Padd        []byte `smb:"align:8"`
}

type SessionSetupReq struct {
	StructureSize        uint16
	Flags                byte
	SecurityMode         byte
	Capabilities         uint32
	Channel              uint32
	SecurityBufferOffset uint16 `smb:"offset:SecurityBlob"`
	SecurityBufferLength uint16 `smb:"len:SecurityBlob"`
	PreviousSessionID    uint64
	SecurityBlob         []byte
}

type SessionSetupRes struct {
	StructureSize        uint16
	Flags                uint16
	SecurityBufferOffset uint16 `smb:"offset:SecurityBlob"`
	SecurityBufferLength uint16 `smb:"len:SecurityBlob"`
	SecurityBlob         []byte
}

type LogoffReq struct {
	StructureSize uint16
	Reserved      uint16
}

type LogoffRes struct {
	StructureSize uint16
	Reserved      uint16
}

type TreeConnectReq struct {
	StructureSize uint16
	Flags         uint16
	PathOffset    uint16 `smb:"offset:Path"`
	PathLength    uint16 `smb:"len:Path"`
	Path          []byte
}

type TreeConnectRes struct {
	StructureSize uint16
	ShareType     byte
	Reserved      byte
	ShareFlags    uint32
	Capabilities  uint32
	MaximalAccess uint32
}

type TreeDisconnectReq struct {
	StructureSize uint16
	Reserved      uint16
}

type TreeDisconnectRes struct {
	StructureSize uint16
	Reserved      uint16
}

type CreateReq struct {
	StructureSize        uint16
	SecurityFlags        byte
	RequestedOplockLevel byte
	ImpersonationLevel   uint32
	SmbCreateFlags       uint64
	Reserved             uint64
	DesiredAccess        uint32
	FileAttributes       uint32
	ShareAccess          uint32
	CreateDisposition    uint32
	CreateOptions        uint32
	NameOffset           uint16 `smb:"offset:Name"`
	NameLength           uint16 `smb:"len:Name"`
	CreateContextsOffset uint32 `smb:"offset:Contexts"`
	CreateContextsLength uint32 `smb:"len:Contexts"`
	Name                 []byte
	Contexts             []byte
}

type CreateRes struct {
	StructureSize        uint16
	OplockLevel          byte
	Flags                byte
	CreateAction         uint32
	CreationTime         uint64
	LastAccessTime       uint64
	LastWriteTime        uint64
	ChangeTime           uint64
	AllocationSize       uint64
	EndOfFile            uint64
	FileAttributes       uint32
	Reserved2            uint32
	FileID               FileID
	CreateContextsOffset uint32 `smb:"offset:Contexts"`
	CreateContextsLength uint32 `smb:"len:Contexts"`
	Contexts             []byte
}

type CloseReq struct {
	StructureSize uint16
	Flags         uint16
	Reserved      uint32
	FileID        FileID
}

type CloseRes struct {
	StructureSize  uint16
	Flags          uint16
	Reserved       uint32
	CreationTime   uint64
	LastAccessTime uint64
	LastWriteTime  uint64
	ChangeTime     uint64
	AllocationSize uint64
	EndOfFile      uint64
	FileAttributes uint32
}

type ReadReq struct {
	StructureSize         uint16
	Padding               byte
	Flags                 byte
	Length                uint32
	Offset                uint64
	FileID                FileID
	MinimumCount          uint32
	Channel               uint32
	RemainingBytes        uint32
	ReadChannelInfoOffset uint16 `smb:"offset:ReadChannelInfo"`
	ReadChannelInfoLength uint16 `smb:"len:ReadChannelInfo"`
	ReadChannelInfo       []byte
	Buffer                byte
}

type ReadRes struct {
	StructureSize uint16
	DataOffset    byte `smb:"offset:Data"`
	Reserved      byte
	DataLength    uint32 `smb:"len:Data"`
	DataRemaining uint32
	Reserved2     uint32
	Data          []byte
}

type WriteReq struct {
	StructureSize          uint16
	DataOffset             uint16 `smb:"offset:Data"`
	Length                 uint32 `smb:"len:Data"`
	Offset                 uint64
	FileID                 FileID
	Channel                uint32
	RemainingBytes         uint32
	WriteChannelInfoOffset uint16
	WriteChannelInfoLength uint16
	Flags                  uint32
	Data                   []byte
}

type WriteRes struct {
	StructureSize          uint16
	Reserved               uint16
	Count                  uint32
	Remaining              uint32
	WriteChannelInfoOffset uint16
	WriteChannelInfoLength uint16
}

type IoCtlReq struct {
	StructureSize     uint16
	Reserved          uint16
	CtlCode           uint32
	FileID            FileID
	InputOffset       uint32 `smb:"offset:Input"`
	InputCount        uint32 `smb:"len:Input"`
	MaxInputResponse  uint32
	OutputOffset      uint32
	OutputCount       uint32
	MaxOutputResponse uint32
	Flags             uint32
	Reserved2         uint32
	Input             []byte
}

type IoCtlRes struct {
	StructureSize uint16
	Reserved      uint16
	CtlCode       uint32
	FileID        FileID
	InputOffset   uint32
	InputCount    uint32
	OutputOffset  uint32 `smb:"offset:Output"`
	OutputCount   uint32 `smb:"len:Output"`
	Flags         uint32
	Reserved2     uint32
	Output        []byte
}

type CancelReq struct {
	StructureSize uint16
	Reserved      uint16
}

type EchoReq struct {
	StructureSize uint16
	Reserved      uint16
}

type EchoRes struct {
	StructureSize uint16
	Reserved      uint16
}

// ErrorRes is the body of any response carrying an error status.
type ErrorRes struct {
	StructureSize     uint16
	ErrorContextCount byte
	Reserved          byte
	ByteCount         uint32 `smb:"len:ErrorData"`
	ErrorData         []byte
}

// RawBody keeps the bytes of a command this package does not model.
type RawBody struct {
	Cmd  uint16
	Data []byte
}

func (*NegotiateReq) Command() uint16      { return CommandNegotiate }
func (*NegotiateRes) Command() uint16      { return CommandNegotiate }
func (*SessionSetupReq) Command() uint16   { return CommandSessionSetup }
func (*SessionSetupRes) Command() uint16   { return CommandSessionSetup }
func (*LogoffReq) Command() uint16         { return CommandLogoff }
func (*LogoffRes) Command() uint16         { return CommandLogoff }
func (*TreeConnectReq) Command() uint16    { return CommandTreeConnect }
func (*TreeConnectRes) Command() uint16    { return CommandTreeConnect }
func (*TreeDisconnectReq) Command() uint16 { return CommandTreeDisconnect }
func (*TreeDisconnectRes) Command() uint16 { return CommandTreeDisconnect }
func (*CreateReq) Command() uint16         { return CommandCreate }
func (*CreateRes) Command() uint16         { return CommandCreate }
func (*CloseReq) Command() uint16          { return CommandClose }
func (*CloseRes) Command() uint16          { return CommandClose }
func (*ReadReq) Command() uint16           { return CommandRead }
func (*ReadRes) Command() uint16           { return CommandRead }
func (*WriteReq) Command() uint16          { return CommandWrite }
func (*WriteRes) Command() uint16          { return CommandWrite }
func (*IoCtlReq) Command() uint16          { return CommandIOCtl }
func (*IoCtlRes) Command() uint16          { return CommandIOCtl }
func (*CancelReq) Command() uint16         { return CommandCancel }
func (*EchoReq) Command() uint16           { return CommandEcho }
func (*EchoRes) Command() uint16           { return CommandEcho }
func (*ErrorRes) Command() uint16          { return 0xffff }
func (b *RawBody) Command() uint16         { return b.Cmd }

func (*NegotiateReq) isBody()      {}
func (*NegotiateRes) isBody()      {}
func (*SessionSetupReq) isBody()   {}
func (*SessionSetupRes) isBody()   {}
func (*LogoffReq) isBody()         {}
func (*LogoffRes) isBody()         {}
func (*TreeConnectReq) isBody()    {}
func (*TreeConnectRes) isBody()    {}
func (*TreeDisconnectReq) isBody() {}
func (*TreeDisconnectRes) isBody() {}
func (*CreateReq) isBody()         {}
func (*CreateRes) isBody()         {}
func (*CloseReq) isBody()          {}
func (*CloseRes) isBody()          {}
func (*ReadReq) isBody()           {}
func (*ReadRes) isBody()           {}
func (*WriteReq) isBody()          {}
func (*WriteRes) isBody()          {}
func (*IoCtlReq) isBody()          {}
func (*IoCtlRes) isBody()          {}
func (*CancelReq) isBody()         {}
func (*EchoReq) isBody()           {}
func (*EchoRes) isBody()           {}
func (*ErrorRes) isBody()          {}
func (*RawBody) isBody()           {}

// structure sizes indexed by command
var requestSizes = map[uint16]uint16{
	CommandNegotiate:      36,
	CommandSessionSetup:   25,
	CommandLogoff:         4,
	CommandTreeConnect:    9,
	CommandTreeDisconnect: 4,
	CommandCreate:         57,
	CommandClose:          24,
	CommandRead:           49,
	CommandWrite:          49,
	CommandIOCtl:          57,
	CommandCancel:         4,
	CommandEcho:           4,
}

var responseSizes = map[uint16]uint16{
	CommandNegotiate:      65,
	CommandSessionSetup:   9,
	CommandLogoff:         4,
	CommandTreeConnect:    16,
	CommandTreeDisconnect: 4,
	CommandCreate:         89,
	CommandClose:          60,
	CommandRead:           17,
	CommandWrite:          17,
	CommandIOCtl:          49,
	CommandEcho:           4,
}

const errorResSize = 9

func newBody(cmd uint16, response bool) Body {
	if response {
		switch cmd {
		case CommandNegotiate:
			return &NegotiateRes{}
		case CommandSessionSetup:
			return &SessionSetupRes{}
		case CommandLogoff:
			return &LogoffRes{}
		case CommandTreeConnect:
			return &TreeConnectRes{}
		case CommandTreeDisconnect:
			return &TreeDisconnectRes{}
		case CommandCreate:
			return &CreateRes{}
		case CommandClose:
			return &CloseRes{}
		case CommandRead:
			return &ReadRes{}
		case CommandWrite:
			return &WriteRes{}
		case CommandIOCtl:
			return &IoCtlRes{}
		case CommandEcho:
			return &EchoRes{}
		}
		return nil
	}
	switch cmd {
	case CommandNegotiate:
		return &NegotiateReq{}
	case CommandSessionSetup:
		return &SessionSetupReq{}
	case CommandLogoff:
		return &LogoffReq{}
	case CommandTreeConnect:
		return &TreeConnectReq{}
	case CommandTreeDisconnect:
		return &TreeDisconnectReq{}
	case CommandCreate:
		return &CreateReq{}
	case CommandClose:
		return &CloseReq{}
	case CommandRead:
		return &ReadReq{}
	case CommandWrite:
		return &WriteReq{}
	case CommandIOCtl:
		return &IoCtlReq{}
	case CommandCancel:
		return &CancelReq{}
	case CommandEcho:
		return &EchoReq{}
	}
	return nil
}

func encodeBody(b Body) ([]byte, error) {
	if raw, ok := b.(*RawBody); ok {
		return raw.Data, nil
	}
	return encoder.MarshalAt(b, HeaderSize)
}

// EncodeMessage serializes the header followed by the body.
func EncodeMessage(m *Message) ([]byte, error) {
	var body []byte
	if m.Body != nil {
		var err error
		body, err = encodeBody(m.Body)
		if err != nil {
			log.Errorln(err)
			return nil, err
		}
	}
	buf := make([]byte, HeaderSize+len(body))
	if _, err := EncodeHeader(&m.Header, buf, 0); err != nil {
		return nil, err
	}
	copy(buf[HeaderSize:], body)
	return buf, nil
}

// isErrorBody decides whether a response body is an ErrorRes rather than the
// command specific structure.
func isErrorBody(h *Header, size uint16) bool {
	if size != errorResSize || h.Status == StatusOk {
		return false
	}
	if responseSizes[h.Command] != errorResSize {
		return true
	}
	// SessionSetupRes shares the structure size of ErrorRes.
	return IsErrorStatus(h.Status) && h.Status != StatusMoreProcessingRequired
}

// DecodeMessage parses a single, uncompounded SMB2 message. Interim
// STATUS_PENDING responses are returned without a body.
func DecodeMessage(buf []byte) (*Message, error) {
	h, n, err := DecodeHeader(buf, 0)
	if err != nil {
		return nil, err
	}
	m := &Message{Header: h}
	if h.IsResponse() && h.IsAsync() && h.Status == StatusPending {
		return m, nil
	}
	data := buf[n:]
	if len(data) < 2 {
		return nil, decodingError(nil, "missing body for command %d", h.Command)
	}
	size := le.Uint16(data[0:2])

	var body Body
	if h.IsResponse() && isErrorBody(&h, size) {
		body = &ErrorRes{}
	} else {
		body = newBody(h.Command, h.IsResponse())
		if body == nil {
			m.Body = &RawBody{Cmd: h.Command, Data: append([]byte(nil), data...)}
			return m, nil
		}
		expected := requestSizes[h.Command]
		if h.IsResponse() {
			expected = responseSizes[h.Command]
		}
		if size != expected {
			return nil, decodingError(nil, "command %d: structure size %d, expected %d", h.Command, size, expected)
		}
	}
	if err := encoder.UnmarshalAt(data, body, HeaderSize); err != nil {
		return nil, decodingError(err, "command %d", h.Command)
	}
	m.Body = body
	return m, nil
}

// Err returns a StatusError for responses with an unexpected status.
func (m *Message) Err(accept ...uint32) error {
	if m.Header.Status == StatusOk {
		return nil
	}
	for _, s := range accept {
		if m.Header.Status == s {
			return nil
		}
	}
	return &StatusError{Status: m.Header.Status, Command: m.Header.Command}
}

func NewNegotiateReq() *NegotiateReq {
	return &NegotiateReq{StructureSize: 36}
}

func NewSessionSetupReq(blob []byte) *SessionSetupReq {
	return &SessionSetupReq{StructureSize: 25, SecurityBlob: blob}
}

func NewLogoffReq() *LogoffReq { return &LogoffReq{StructureSize: 4} }

func NewTreeConnectReq(path string) *TreeConnectReq {
	return &TreeConnectReq{StructureSize: 9, Path: encoder.ToUnicode(path)}
}

func NewTreeDisconnectReq() *TreeDisconnectReq { return &TreeDisconnectReq{StructureSize: 4} }

func NewCreateReq(name string) *CreateReq {
	return &CreateReq{
		StructureSize:      57,
		ImpersonationLevel: ImpersonationLevelImpersonation,
		FileAttributes:     FileAttrNormal,
		CreateDisposition:  FileOpen,
		Name:               encoder.ToUnicode(name),
	}
}

func NewCloseReq(id FileID) *CloseReq { return &CloseReq{StructureSize: 24, FileID: id} }

func NewReadReq(id FileID, length uint32, offset uint64) *ReadReq {
	return &ReadReq{StructureSize: 49, FileID: id, Length: length, Offset: offset}
}

func NewWriteReq(id FileID, data []byte, offset uint64) *WriteReq {
	return &WriteReq{StructureSize: 49, FileID: id, Data: data, Offset: offset}
}

func NewIoCtlReq(ctlCode uint32, id FileID, input []byte, maxOutput uint32) *IoCtlReq {
	return &IoCtlReq{
		StructureSize:     57,
		CtlCode:           ctlCode,
		FileID:            id,
		Input:             input,
		MaxOutputResponse: maxOutput,
		Flags:             IoctlIsFsctl,
	}
}

func NewCancelReq() *CancelReq { return &CancelReq{StructureSize: 4} }

func NewEchoReq() *EchoReq { return &EchoReq{StructureSize: 4} }
