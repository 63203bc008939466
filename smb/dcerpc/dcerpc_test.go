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
	"context"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestBindReq(t *testing.T) {
	// Simple test to verify that the packet structure is valid
	pkt, err := hex.DecodeString("05000b0310000000480000004204cb9ab810b81000000000010000000000010081bb7a364498f135ad3298f03800100302000000045d888aeb1cc9119fe808002b10486002000000")
	if err != nil {
		t.Fatal(err)
	}

	svcctl := NewSyntaxID(uuid.MustParse("367abb81-9844-35f1-ad32-98f038001003"), 2, 0)
	req := NewBindReq(2596996162, svcctl, 4280, 4280)
	buf, err := req.MarshalBinary()
	if err != nil {
		t.Fatal(err)
	}

	if !bytes.Equal(pkt, buf) {
		t.Errorf("Fail: got %x", buf)
	}
}

func TestBindAck(t *testing.T) {
	resPkt, err := hex.DecodeString("05000c0310000000440000004204cb9ab810b810d75400000d005c706970655c6e747376637300000100000000000000045d888aeb1cc9119fe808002b10486002000000")
	if err != nil {
		t.Fatal(err)
	}
	res := &BindAck{}
	if err = res.UnmarshalBinary(resPkt); err != nil {
		t.Fatal(err)
	}

	if res.MajorVersion != 5 {
		t.Error("Fail")
	}
	if res.Flags != 3 {
		t.Error("Fail")
	}
	if res.Representation != 16 {
		t.Error("Fail")
	}
	if res.FragLength != 68 {
		t.Error("Fail")
	}
	if res.CallID != 2596996162 {
		t.Error("Fail")
	}
	if res.MaxXmitFrag != 4280 || res.MaxRecvFrag != 4280 {
		t.Error("Fail")
	}
	if res.AssocGroup != 0x54d7 {
		t.Error("Fail")
	}
	if res.SecAddr != `\pipe\ntsvcs` {
		t.Errorf("Fail: got %q", res.SecAddr)
	}
	if len(res.Results) != 1 || res.Results[0].Result != resultAcceptance {
		t.Fatal("Fail")
	}
	if res.Results[0].TransferSyntax != NDRSyntax {
		t.Error("Fail")
	}
}

func TestDecodeHeaderRejectsGarbage(t *testing.T) {
	_, err := DecodeHeader([]byte{0x05, 0x00, 0x02})
	require.Error(t, err)

	pkt := make([]byte, headerSize)
	pkt[0] = 4
	pkt[4] = 0x10
	le.PutUint16(pkt[8:], headerSize)
	_, err = DecodeHeader(pkt)
	require.Error(t, err)

	pkt[0] = 5
	le.PutUint16(pkt[8:], 8)
	_, err = DecodeHeader(pkt)
	require.Error(t, err)
}

func TestRegistry(t *testing.T) {
	reg := DefaultRegistry()
	require.Equal(t, []string{"lsarpc", "netdfs", "samr", "srvsvc", "svcctl", "winreg", "wkssvc"}, reg.Names())

	lsa, err := reg.Lookup("LSARPC")
	require.NoError(t, err)
	require.Equal(t, `\PIPE\lsarpc`, lsa.Pipe)
	require.Equal(t, uuid.MustParse("12345778-1234-abcd-ef00-0123456789ab"), lsa.Syntax.UUID)

	srv, err := reg.Lookup("srvsvc")
	require.NoError(t, err)
	require.Equal(t, uint32(3), srv.Syntax.Version)

	_, err = reg.Lookup("eventlog")
	require.True(t, errors.Is(err, ErrUnknownInterface))

	require.NoError(t, reg.Register("eventlog", `\PIPE\eventlog`, "82273fdc-e32a-18c3-3f78-827929dc23ea", "0.0"))
	_, err = reg.Lookup("eventlog")
	require.NoError(t, err)

	// Registries do not share state.
	_, err = DefaultRegistry().Lookup("eventlog")
	require.Error(t, err)

	require.Error(t, reg.Register("bad", `\PIPE\bad`, "not-a-uuid", "1.0"))
	require.Error(t, reg.Register("bad", `\PIPE\bad`, "82273fdc-e32a-18c3-3f78-827929dc23ea", "one"))
}

// fakePipe is a message mode named pipe. handler receives the fragments of
// one request and returns the pipe messages of the reply.
type fakePipe struct {
	maxOut  int
	pending [][]byte
	queue   [][]byte
	partial []byte
	handler func(frags [][]byte) [][]byte
	writes  [][]byte
}

func (p *fakePipe) take() ([]byte, bool) {
	if len(p.partial) == 0 {
		if len(p.queue) == 0 {
			return nil, false
		}
		p.partial, p.queue = p.queue[0], p.queue[1:]
	}
	n := len(p.partial)
	if p.maxOut > 0 && n > p.maxOut {
		n = p.maxOut
	}
	out := p.partial[:n]
	p.partial = p.partial[n:]
	return out, len(p.partial) > 0
}

func (p *fakePipe) Transceive(ctx context.Context, in []byte) ([]byte, bool, error) {
	p.writes = append(p.writes, in)
	frags := append(p.pending, in)
	p.pending = nil
	p.queue = append(p.queue, p.handler(frags)...)
	out, more := p.take()
	return out, more, nil
}

func (p *fakePipe) WriteFragment(ctx context.Context, frag []byte) error {
	p.writes = append(p.writes, frag)
	p.pending = append(p.pending, frag)
	return nil
}

func (p *fakePipe) ReadFragment(ctx context.Context) ([]byte, bool, error) {
	out, more := p.take()
	return out, more, nil
}

func (p *fakePipe) Peek(ctx context.Context) (uint32, error) {
	n := len(p.partial)
	for _, m := range p.queue {
		n += len(m)
	}
	return uint32(n), nil
}

func bindAck(callID uint32, maxXmit, maxRecv uint16, result uint16) []byte {
	var body bytes.Buffer
	binary.Write(&body, le, maxXmit)
	binary.Write(&body, le, maxRecv)
	binary.Write(&body, le, uint32(0x1234))
	sec := []byte("\\PIPE\\lsass\x00")
	binary.Write(&body, le, uint16(len(sec)))
	body.Write(sec)
	for (headerSize+body.Len())%4 != 0 {
		body.WriteByte(0)
	}
	body.Write([]byte{1, 0, 0, 0})
	binary.Write(&body, le, result)
	binary.Write(&body, le, uint16(0))
	putUUID(&body, NDRSyntax.UUID)
	binary.Write(&body, le, NDRSyntax.Version)
	h := newHeader(PacketTypeBindAck, PfcFirstFrag|PfcLastFrag, callID)
	return finish(&h, body.Bytes())
}

func response(callID uint32, flags uint8, allocHint int, stub []byte) []byte {
	var body bytes.Buffer
	binary.Write(&body, le, uint32(allocHint))
	body.Write([]byte{0, 0, 0, 0})
	body.Write(stub)
	h := newHeader(PacketTypeResponse, flags, callID)
	return finish(&h, body.Bytes())
}

func fault(callID uint32, status uint32) []byte {
	var body bytes.Buffer
	binary.Write(&body, le, uint32(0))
	body.Write([]byte{0, 0, 0, 0})
	binary.Write(&body, le, status)
	body.Write([]byte{0, 0, 0, 0})
	h := newHeader(PacketTypeFault, PfcFirstFrag|PfcLastFrag|PfcDidNotExec, callID)
	return finish(&h, body.Bytes())
}

type rpcServer struct {
	t       *testing.T
	maxRecv uint16
	result  uint16
	// call handles one reassembled request.
	call func(callID uint32, opnum uint16, stub []byte) [][]byte
}

func (s *rpcServer) handle(frags [][]byte) [][]byte {
	first, err := DecodeHeader(frags[0])
	require.NoError(s.t, err)
	if first.Type == PacketTypeBind {
		require.Len(s.t, frags, 1)
		return [][]byte{bindAck(first.CallID, 4280, s.maxRecv, s.result)}
	}
	var stub []byte
	var opnum uint16
	for i, f := range frags {
		h, err := DecodeHeader(f)
		require.NoError(s.t, err)
		require.Equal(s.t, PacketTypeRequest, h.Type)
		require.Equal(s.t, first.CallID, h.CallID)
		require.Equal(s.t, i == 0, h.Flags&PfcFirstFrag != 0)
		require.Equal(s.t, i == len(frags)-1, h.IsLast())
		opnum = le.Uint16(f[22:24])
		stub = append(stub, f[requestSize:h.FragLength]...)
	}
	return s.call(first.CallID, opnum, stub)
}

func bind(t *testing.T, srv *rpcServer, pipe *fakePipe) *Client {
	pipe.handler = srv.handle
	c, err := NewBinder(nil).Bind(context.Background(), pipe, "lsarpc")
	require.NoError(t, err)
	return c
}

func TestBindNegotiatesFragmentSize(t *testing.T) {
	srv := &rpcServer{t: t, maxRecv: 1024}
	// A small read size makes the bind_ack arrive in pieces.
	pipe := &fakePipe{maxOut: 10}
	c := bind(t, srv, pipe)
	require.Equal(t, uint16(1024), c.MaxXmitFrag())
	require.Equal(t, uint32(0x1234), c.AssocGroup())
	require.Equal(t, "lsarpc", c.Interface().Name)
}

func TestBindRejected(t *testing.T) {
	srv := &rpcServer{t: t, maxRecv: 4280, result: resultProviderRejection}
	pipe := &fakePipe{handler: srv.handle}
	_, err := NewBinder(nil).Bind(context.Background(), pipe, "lsarpc")
	var be *BindError
	require.True(t, errors.As(err, &be))
	require.Equal(t, resultProviderRejection, be.Result)

	_, err = NewBinder(NewRegistry()).Bind(context.Background(), pipe, "lsarpc")
	require.True(t, errors.Is(err, ErrUnknownInterface))
}

func TestBindNak(t *testing.T) {
	pipe := &fakePipe{}
	pipe.handler = func(frags [][]byte) [][]byte {
		h, _ := DecodeHeader(frags[0])
		nak := newHeader(PacketTypeBindNak, PfcFirstFrag|PfcLastFrag, h.CallID)
		return [][]byte{finish(&nak, []byte{0x04, 0x00, 0x00, 0x00})}
	}
	_, err := NewBinder(nil).Bind(context.Background(), pipe, "samr")
	var be *BindError
	require.True(t, errors.As(err, &be))
	require.Equal(t, uint16(4), be.Reason)
}

func TestCallFragmentsRequestAndReassemblesResponse(t *testing.T) {
	stub := make([]byte, 100)
	for i := range stub {
		stub[i] = byte(i)
	}
	srv := &rpcServer{t: t, maxRecv: 64}
	srv.call = func(callID uint32, opnum uint16, in []byte) [][]byte {
		require.Equal(t, uint16(45), opnum)
		require.Equal(t, stub, in)
		out := make([]byte, len(in))
		for i := range in {
			out[len(in)-1-i] = in[i]
		}
		return [][]byte{
			response(callID, PfcFirstFrag, len(out), out[:60]),
			response(callID, PfcLastFrag, len(out), out[60:]),
		}
	}
	pipe := &fakePipe{}
	c := bind(t, srv, pipe)
	require.Equal(t, uint16(64), c.MaxXmitFrag())

	pipe.writes = nil
	res, err := c.Call(context.Background(), 45, stub)
	require.NoError(t, err)
	require.Len(t, res, 100)
	require.Equal(t, byte(99), res[0])
	require.Equal(t, byte(0), res[99])

	// 40 bytes of stub fit in a 64 byte fragment.
	require.Len(t, pipe.writes, 3)
	for i, n := range []int{40, 40, 20} {
		require.Len(t, pipe.writes[i], requestSize+n)
		require.Equal(t, uint32(100), le.Uint32(pipe.writes[i][16:20]))
	}
}

func TestCallFault(t *testing.T) {
	srv := &rpcServer{t: t, maxRecv: 4280}
	srv.call = func(callID uint32, opnum uint16, in []byte) [][]byte {
		return [][]byte{fault(callID, 0x1c010002)}
	}
	c := bind(t, srv, &fakePipe{})
	_, err := c.Call(context.Background(), 99, []byte{1, 2, 3, 4})
	var fe *FaultError
	require.True(t, errors.As(err, &fe))
	require.Equal(t, uint32(0x1c010002), fe.Status)
	require.Contains(t, err.Error(), "nca_s_op_rng_error")
}

func TestCallDiscardsStaleReply(t *testing.T) {
	srv := &rpcServer{t: t, maxRecv: 4280}
	calls := 0
	srv.call = func(callID uint32, opnum uint16, in []byte) [][]byte {
		calls++
		if calls == 1 {
			// Reply with a wrong call id, leaving a second message behind.
			return [][]byte{
				response(callID+100, PfcFirstFrag|PfcLastFrag, 4, []byte{9, 9, 9, 9}),
				response(callID, PfcFirstFrag|PfcLastFrag, 4, []byte{8, 8, 8, 8}),
			}
		}
		return [][]byte{response(callID, PfcFirstFrag|PfcLastFrag, 4, []byte{1, 2, 3, 4})}
	}
	pipe := &fakePipe{}
	c := bind(t, srv, pipe)

	_, err := c.Call(context.Background(), 1, []byte{0, 0, 0, 0})
	require.Error(t, err)
	require.Len(t, pipe.queue, 1)

	res, err := c.Call(context.Background(), 1, []byte{0, 0, 0, 0})
	require.NoError(t, err)
	require.Equal(t, []byte{1, 2, 3, 4}, res)
}

func TestCallTruncatedFragment(t *testing.T) {
	srv := &rpcServer{t: t, maxRecv: 4280}
	srv.call = func(callID uint32, opnum uint16, in []byte) [][]byte {
		pdu := response(callID, PfcFirstFrag|PfcLastFrag, 8, make([]byte, 8))
		return [][]byte{pdu[:len(pdu)-4]}
	}
	c := bind(t, srv, &fakePipe{})
	_, err := c.Call(context.Background(), 1, nil)
	require.Error(t, err)
}
