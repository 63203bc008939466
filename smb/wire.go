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
package smb

import (
	"encoding/binary"
	"fmt"
)

var le = binary.LittleEndian

const (
	HeaderSize    = 64
	signatureOff  = 48
	signatureSize = 16
	flagsOff      = 16
	nextCmdOff    = 20
	messageIDOff  = 24
)

// Header is the fixed 64 byte SMB2 packet header. AsyncID replaces the
// Reserved and TreeID fields when SMB2_FLAGS_ASYNC_COMMAND is set.
type Header struct {
	CreditCharge uint16
	Status       uint32 // ChannelSequence/Reserved on requests
	Command      uint16
	Credits      uint16 // CreditRequest or CreditResponse
	Flags        uint32
	NextCommand  uint32
	MessageID    uint64
	AsyncID      uint64
	TreeID       uint32
	SessionID    uint64
	Signature    [16]byte
}

func (h *Header) IsResponse() bool { return h.Flags&SMB2_FLAGS_SERVER_TO_REDIR != 0 }
func (h *Header) IsAsync() bool    { return h.Flags&SMB2_FLAGS_ASYNC_COMMAND != 0 }
func (h *Header) IsSigned() bool   { return h.Flags&SMB2_FLAGS_SIGNED != 0 }
func (h *Header) IsRelated() bool  { return h.Flags&SMB2_FLAGS_RELATED_OPERATIONS != 0 }

// EncodeHeader writes h into buf at offset and returns the number of bytes
// written. Reserved fields are always written as zero.
func EncodeHeader(h *Header, buf []byte, offset int) (int, error) {
	if len(buf)-offset < HeaderSize || offset < 0 {
		return 0, fmt.Errorf("header needs %d bytes, have %d", HeaderSize, len(buf)-offset)
	}
	b := buf[offset : offset+HeaderSize]
	copy(b[0:4], ProtocolSmb2)
	le.PutUint16(b[4:6], HeaderSize)
	le.PutUint16(b[6:8], h.CreditCharge)
	le.PutUint32(b[8:12], h.Status)
	le.PutUint16(b[12:14], h.Command)
	le.PutUint16(b[14:16], h.Credits)
	le.PutUint32(b[16:20], h.Flags)
	le.PutUint32(b[20:24], h.NextCommand)
	le.PutUint64(b[24:32], h.MessageID)
	if h.IsAsync() {
		le.PutUint64(b[32:40], h.AsyncID)
	} else {
		le.PutUint32(b[32:36], 0)
		le.PutUint32(b[36:40], h.TreeID)
	}
	le.PutUint64(b[40:48], h.SessionID)
	copy(b[48:64], h.Signature[:])
	return HeaderSize, nil
}

// DecodeHeader parses the header at buf[offset:].
func DecodeHeader(buf []byte, offset int) (Header, int, error) {
	var h Header
	if offset < 0 || len(buf)-offset < HeaderSize {
		return h, 0, decodingError(nil, "short header: %d bytes", len(buf)-offset)
	}
	b := buf[offset : offset+HeaderSize]
	if string(b[0:4]) != ProtocolSmb2 {
		return h, 0, decodingError(nil, "unexpected protocol id %x", b[0:4])
	}
	if size := le.Uint16(b[4:6]); size != HeaderSize {
		return h, 0, decodingError(nil, "invalid header structure size %d", size)
	}
	h.CreditCharge = le.Uint16(b[6:8])
	h.Status = le.Uint32(b[8:12])
	h.Command = le.Uint16(b[12:14])
	h.Credits = le.Uint16(b[14:16])
	h.Flags = le.Uint32(b[16:20])
	h.NextCommand = le.Uint32(b[20:24])
	h.MessageID = le.Uint64(b[24:32])
	if h.IsAsync() {
		h.AsyncID = le.Uint64(b[32:40])
	} else {
		h.TreeID = le.Uint32(b[36:40])
	}
	h.SessionID = le.Uint64(b[40:48])
	copy(h.Signature[:], b[48:64])
	if h.NextCommand%8 != 0 {
		return h, 0, decodingError(nil, "next command offset %d is not 8 byte aligned", h.NextCommand)
	}
	return h, HeaderSize, nil
}

// Pad8 returns the number of padding bytes needed to bring an offset,
// relative to the start of a header, to the next 8 byte boundary.
func Pad8(offset int) int {
	return (8 - offset%8) % 8
}

// CreditCost returns the number of credits a request or response with a
// payload of n bytes consumes.
func CreditCost(n int) uint16 {
	if n <= 0 {
		return 1
	}
	return uint16((n-1)/65536 + 1)
}

// peekMessageID reads the message id of the header at buf[0] without
// decoding the rest of the packet.
func peekMessageID(buf []byte) (uint64, bool) {
	if len(buf) < HeaderSize || string(buf[0:4]) != ProtocolSmb2 {
		return 0, false
	}
	return le.Uint64(buf[messageIDOff : messageIDOff+8]), true
}

// SplitCompound splits a (possibly compounded) SMB2 packet into its members.
// Every member but the last includes its trailing padding, which is covered by
// that member's signature.
func SplitCompound(buf []byte) ([][]byte, error) {
	var parts [][]byte
	off := 0
	for {
		if len(buf)-off < HeaderSize {
			return nil, decodingError(nil, "compound member at %d is shorter than a header", off)
		}
		if string(buf[off:off+4]) != ProtocolSmb2 {
			return nil, decodingError(nil, "compound member at %d has protocol id %x", off, buf[off:off+4])
		}
		next := int(le.Uint32(buf[off+nextCmdOff:]))
		if next == 0 {
			parts = append(parts, buf[off:])
			return parts, nil
		}
		if next%8 != 0 {
			return nil, decodingError(nil, "next command offset %d is not 8 byte aligned", next)
		}
		if next < HeaderSize || off+next > len(buf) {
			return nil, decodingError(nil, "next command offset %d out of bounds", next)
		}
		parts = append(parts, buf[off:off+next])
		off += next
	}
}
