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
	"bytes"
	"crypto/md5"
	"crypto/subtle"
	"fmt"
	"sync"
)

const (
	SMB1CommandEcho      byte = 0x2b
	SMB1CommandNegotiate byte = 0x72
)

const SMB1HeaderSize = 32

// MS-CIFS 2.2.3.1 Flags2
const (
	SMB1Flags2LongNames         uint16 = 0x0001
	SMB1Flags2SecuritySignature uint16 = 0x0004
	SMB1Flags2ExtendedSecurity  uint16 = 0x0800
	SMB1Flags2NTStatus          uint16 = 0x4000
	SMB1Flags2Unicode           uint16 = 0x8000
)

const smb1FlagsReply byte = 0x80

const (
	smb1SignatureOff        = 14
	smb1SignatureSize       = 8
	smb1MIDOff              = 30
	smb1DialectNTLM         = "NT LM 0.12"
	smb1DialectSMB2002      = "SMB 2.002"
	smb1DialectSMB2Wildcard = "SMB 2.???"
)

// SMB1Header is the 32 byte MS-CIFS header.
type SMB1Header struct {
	Command   byte
	Status    uint32
	Flags     byte
	Flags2    uint16
	PIDHigh   uint16
	Signature [8]byte
	TID       uint16
	PIDLow    uint16
	UID       uint16
	MID       uint16
}

// SMB1Message is the single variant of the SMB1 protocol generation: a header
// followed by the parameter words and the data bytes of the command.
type SMB1Message struct {
	Header SMB1Header
	Words  []byte
	Data   []byte
}

func (m *SMB1Message) IsResponse() bool { return m.Header.Flags&smb1FlagsReply != 0 }

func (m *SMB1Message) Encode() ([]byte, error) {
	if len(m.Words)%2 != 0 || len(m.Words) > 0x1fe {
		return nil, fmt.Errorf("invalid SMB1 parameter block of %d bytes", len(m.Words))
	}
	if len(m.Data) > 0xffff {
		return nil, fmt.Errorf("SMB1 data block too large: %d bytes", len(m.Data))
	}
	buf := make([]byte, SMB1HeaderSize, SMB1HeaderSize+3+len(m.Words)+len(m.Data))
	h := &m.Header
	copy(buf[0:4], ProtocolSmb)
	buf[4] = h.Command
	le.PutUint32(buf[5:9], h.Status)
	buf[9] = h.Flags
	le.PutUint16(buf[10:12], h.Flags2)
	le.PutUint16(buf[12:14], h.PIDHigh)
	copy(buf[14:22], h.Signature[:])
	le.PutUint16(buf[24:26], h.TID)
	le.PutUint16(buf[26:28], h.PIDLow)
	le.PutUint16(buf[28:30], h.UID)
	le.PutUint16(buf[30:32], h.MID)
	buf = append(buf, byte(len(m.Words)/2))
	buf = append(buf, m.Words...)
	buf = le.AppendUint16(buf, uint16(len(m.Data)))
	buf = append(buf, m.Data...)
	return buf, nil
}

func DecodeSMB1Message(buf []byte) (*SMB1Message, error) {
	if len(buf) < SMB1HeaderSize+1 {
		return nil, decodingError(nil, "short SMB1 message: %d bytes", len(buf))
	}
	if string(buf[0:4]) != ProtocolSmb {
		return nil, decodingError(nil, "unexpected protocol id %x", buf[0:4])
	}
	m := &SMB1Message{}
	h := &m.Header
	h.Command = buf[4]
	h.Status = le.Uint32(buf[5:9])
	h.Flags = buf[9]
	h.Flags2 = le.Uint16(buf[10:12])
	h.PIDHigh = le.Uint16(buf[12:14])
	copy(h.Signature[:], buf[14:22])
	h.TID = le.Uint16(buf[24:26])
	h.PIDLow = le.Uint16(buf[26:28])
	h.UID = le.Uint16(buf[28:30])
	h.MID = le.Uint16(buf[30:32])

	off := SMB1HeaderSize
	wc := int(buf[off]) * 2
	off++
	if len(buf) < off+wc+2 {
		// Error responses may omit the byte count entirely.
		if len(buf) == off+wc && wc == 0 {
			return m, nil
		}
		return nil, decodingError(nil, "SMB1 parameter block of %d bytes exceeds message", wc)
	}
	m.Words = append([]byte(nil), buf[off:off+wc]...)
	off += wc
	bc := int(le.Uint16(buf[off:]))
	off += 2
	if len(buf) < off+bc {
		return nil, decodingError(nil, "SMB1 data block of %d bytes exceeds message", bc)
	}
	m.Data = append([]byte(nil), buf[off:off+bc]...)
	return m, nil
}

func newSMB1Header(cmd byte) SMB1Header {
	return SMB1Header{
		Command: cmd,
		Flags:   0x18, // Canonicalized Pathnames, Case sensitivity (path names are caseless)
		Flags2:  SMB1Flags2Unicode | SMB1Flags2NTStatus | SMB1Flags2ExtendedSecurity | SMB1Flags2LongNames,
		TID:     0xffff,
	}
}

// NewSMB1NegotiateReq builds the multi-protocol negotiate request. Dialects
// are ordered in increasing preference.
func NewSMB1NegotiateReq(includeSMB2 bool) *SMB1Message {
	dialects := []string{smb1DialectNTLM}
	if includeSMB2 {
		dialects = append(dialects, smb1DialectSMB2002, smb1DialectSMB2Wildcard)
	}
	var data []byte
	for _, d := range dialects {
		data = append(data, 0x02)
		data = append(data, d...)
		data = append(data, 0x00)
	}
	return &SMB1Message{Header: newSMB1Header(SMB1CommandNegotiate), Data: data}
}

// SMB1NegotiateRes holds the fields of an NT LM 0.12 negotiate response this
// client uses.
type SMB1NegotiateRes struct {
	DialectIndex  uint16
	SecurityMode  byte
	MaxMpxCount   uint16
	MaxBufferSize uint32
	SessionKey    uint32
	Capabilities  uint32
}

func ParseSMB1NegotiateRes(m *SMB1Message) (*SMB1NegotiateRes, error) {
	if m.Header.Command != SMB1CommandNegotiate {
		return nil, decodingError(nil, "unexpected SMB1 command 0x%02x", m.Header.Command)
	}
	if len(m.Words) < 2 {
		return nil, decodingError(nil, "empty SMB1 negotiate response")
	}
	res := &SMB1NegotiateRes{DialectIndex: le.Uint16(m.Words[0:2])}
	if res.DialectIndex == 0xffff {
		return res, nil
	}
	// NT LM 0.12 responses carry 17 words.
	if len(m.Words) < 34 {
		return nil, decodingError(nil, "SMB1 negotiate response has %d words", len(m.Words)/2)
	}
	res.SecurityMode = m.Words[2]
	res.MaxMpxCount = le.Uint16(m.Words[3:5])
	res.MaxBufferSize = le.Uint32(m.Words[7:11])
	res.SessionKey = le.Uint32(m.Words[15:19])
	res.Capabilities = le.Uint32(m.Words[19:23])
	return res, nil
}

// NewSMB1EchoReq asks the server to echo data back once.
func NewSMB1EchoReq(data []byte) *SMB1Message {
	return &SMB1Message{
		Header: newSMB1Header(SMB1CommandEcho),
		Words:  []byte{0x01, 0x00},
		Data:   data,
	}
}

var smb1BypassSignature = []byte("BSRSPYL ")

// SMB1Signer computes the MS-CIFS MD5 message authentication code. It owns
// the sequence numbers: a request is signed with seq, its response is
// verified with seq+1, and the counter then advances by two. A cancel has no
// response and advances the counter by one.
type SMB1Signer struct {
	mu     sync.Mutex
	key    []byte
	seq    uint32
	bypass bool
}

// NewSMB1Signer takes the MAC key, which is the session key followed by the
// NT challenge response.
func NewSMB1Signer(macKey []byte) *SMB1Signer {
	return &SMB1Signer{key: append([]byte(nil), macKey...)}
}

// Bypass makes the next signed message carry the fixed "BSRSPYL " literal
// instead of a MAC. The sequence number still advances.
func (s *SMB1Signer) Bypass() {
	s.mu.Lock()
	s.bypass = true
	s.mu.Unlock()
}

func (s *SMB1Signer) Seq() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seq
}

func (s *SMB1Signer) mac(msg []byte, seq uint32) []byte {
	var field [smb1SignatureSize]byte
	le.PutUint32(field[:4], seq)
	h := md5.New()
	h.Write(s.key)
	h.Write(msg[:smb1SignatureOff])
	h.Write(field[:])
	h.Write(msg[smb1SignatureOff+smb1SignatureSize:])
	return h.Sum(nil)[:smb1SignatureSize]
}

// Sign writes the signature of msg in place and returns the sequence number
// the matching response has to be verified with.
func (s *SMB1Signer) Sign(msg []byte, cancel bool) (uint32, error) {
	if len(msg) < SMB1HeaderSize {
		return 0, fmt.Errorf("SMB1 message too short to sign")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	seq := s.seq
	flags2 := le.Uint16(msg[10:12]) | SMB1Flags2SecuritySignature
	le.PutUint16(msg[10:12], flags2)
	if s.bypass {
		copy(msg[smb1SignatureOff:], smb1BypassSignature)
		s.bypass = false
	} else {
		copy(msg[smb1SignatureOff:], s.mac(msg, seq))
	}
	if cancel {
		s.seq++
	} else {
		s.seq += 2
	}
	return seq + 1, nil
}

// Verify checks the signature of a response that was expected with seq.
func (s *SMB1Signer) Verify(msg []byte, seq uint32) error {
	if len(msg) < SMB1HeaderSize {
		return decodingError(nil, "SMB1 message too short to verify")
	}
	if le.Uint16(msg[10:12])&SMB1Flags2SecuritySignature == 0 {
		log.Errorf("Unsigned SMB1 response for message %d on a signing connection\n", le.Uint16(msg[smb1MIDOff:]))
		return &SignatureVerificationError{MessageID: uint64(le.Uint16(msg[smb1MIDOff:])), Command: uint16(msg[4])}
	}
	s.mu.Lock()
	expected := s.mac(msg, seq)
	s.mu.Unlock()
	received := msg[smb1SignatureOff : smb1SignatureOff+smb1SignatureSize]
	if subtle.ConstantTimeCompare(expected, received) != 1 {
		log.Debugf("SMB1 signature mismatch: got %x expected %x\n", received, expected)
		return &SignatureVerificationError{MessageID: uint64(le.Uint16(msg[smb1MIDOff:])), Command: uint16(msg[4])}
	}
	return nil
}

// smb1DialectName returns the dialect string at index i of a negotiate
// request.
func smb1DialectName(req *SMB1Message, i int) string {
	parts := bytes.Split(req.Data, []byte{0x00})
	n := 0
	for _, p := range parts {
		if len(p) == 0 {
			continue
		}
		if n == i {
			return string(bytes.TrimPrefix(p, []byte{0x02}))
		}
		n++
	}
	return ""
}
