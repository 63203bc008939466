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
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
)

// Pipe is the byte stream an RPC association runs over. *smb.Pipe
// implements it.
type Pipe interface {
	// Transceive writes one fragment and returns the first part of the
	// reply. more is set when the reply did not fit.
	Transceive(ctx context.Context, in []byte) (out []byte, more bool, err error)
	WriteFragment(ctx context.Context, frag []byte) error
	ReadFragment(ctx context.Context) (data []byte, more bool, err error)
}

// peeker is implemented by pipes that can report buffered bytes.
type peeker interface {
	Peek(ctx context.Context) (uint32, error)
}

// Binder binds interfaces looked up in its registry.
type Binder struct {
	reg         *Registry
	MaxXmitFrag uint16
	MaxRecvFrag uint16
}

// NewBinder returns a binder using reg, or the built-in table when reg is
// nil.
func NewBinder(reg *Registry) *Binder {
	if reg == nil {
		reg = DefaultRegistry()
	}
	return &Binder{reg: reg, MaxXmitFrag: DefaultMaxXmitFrag, MaxRecvFrag: DefaultMaxRecvFrag}
}

func (b *Binder) Registry() *Registry { return b.reg }

// Client is a bound RPC association. Calls are serialized since a named pipe
// carries one message at a time.
type Client struct {
	mu        sync.Mutex
	pipe      Pipe
	iface     Interface
	callID    uint32
	maxXmit   uint16
	maxRecv   uint16
	assoc     uint32
	contextID uint16
	// dirty is set when a call failed after its request was written and
	// the reply may still be queued on the pipe.
	dirty bool
}

// Bind negotiates a presentation context for the interface name on pipe.
func (b *Binder) Bind(ctx context.Context, pipe Pipe, name string) (*Client, error) {
	iface, err := b.reg.Lookup(name)
	if err != nil {
		return nil, err
	}
	c := &Client{
		pipe:    pipe,
		iface:   iface,
		callID:  uint32(rand.Int31()),
		maxXmit: b.MaxXmitFrag,
		maxRecv: b.MaxRecvFrag,
	}
	req := NewBindReq(c.nextCallID(), iface.Syntax, b.MaxXmitFrag, b.MaxRecvFrag)
	buf, err := req.MarshalBinary()
	if err != nil {
		return nil, err
	}
	log.Debugf("Binding %s (%s v%d.%d)\n", iface.Name, iface.Syntax.UUID, iface.Syntax.Version&0xffff, iface.Syntax.Version>>16)
	out, more, err := pipe.Transceive(ctx, buf)
	if err != nil {
		return nil, err
	}
	pdu, _, _, err := c.readPDU(ctx, out, more)
	if err != nil {
		return nil, err
	}
	h, _ := DecodeHeader(pdu)
	if h.CallID != req.CallID {
		return nil, fmt.Errorf("bind reply has call id %d, expected %d", h.CallID, req.CallID)
	}
	switch h.Type {
	case PacketTypeBindAck:
		ack := &BindAck{}
		if err := ack.UnmarshalBinary(pdu); err != nil {
			return nil, err
		}
		if len(ack.Results) == 0 {
			return nil, fmt.Errorf("bind_ack without results")
		}
		if r := ack.Results[0]; r.Result != resultAcceptance {
			return nil, &BindError{Interface: iface.Name, Result: r.Result, Reason: r.Reason}
		}
		// Our transmit size is bounded by what the server receives.
		if ack.MaxRecvFrag != 0 && ack.MaxRecvFrag < c.maxXmit {
			c.maxXmit = ack.MaxRecvFrag
		}
		if ack.MaxXmitFrag != 0 && ack.MaxXmitFrag < c.maxRecv {
			c.maxRecv = ack.MaxXmitFrag
		}
		c.assoc = ack.AssocGroup
		log.Debugf("Bound %s on %s, max xmit %d, max recv %d\n", iface.Name, ack.SecAddr, c.maxXmit, c.maxRecv)
		return c, nil
	case PacketTypeBindNak:
		nak := &BindNak{}
		if err := nak.UnmarshalBinary(pdu); err != nil {
			return nil, err
		}
		return nil, &BindError{Interface: iface.Name, Result: resultProviderRejection, Reason: nak.RejectReason}
	}
	return nil, fmt.Errorf("unexpected reply to bind: PDU type %d", h.Type)
}

func (c *Client) Interface() Interface { return c.iface }
func (c *Client) MaxXmitFrag() uint16  { return c.maxXmit }
func (c *Client) AssocGroup() uint32   { return c.assoc }

func (c *Client) nextCallID() uint32 {
	c.callID++
	return c.callID
}

// readPDU returns one complete fragment starting at buf, reading more from
// the pipe as needed, plus whatever followed it. more reports whether the
// current pipe message has unread bytes.
func (c *Client) readPDU(ctx context.Context, buf []byte, more bool) (pdu, rest []byte, stillMore bool, err error) {
	for {
		if len(buf) >= headerSize {
			h, err := DecodeHeader(buf)
			if err != nil {
				return nil, nil, false, err
			}
			if len(buf) >= int(h.FragLength) {
				return buf[:h.FragLength], buf[h.FragLength:], more, nil
			}
		}
		if !more && len(buf) > 0 {
			// The pipe message ended inside the fragment.
			return nil, nil, false, fmt.Errorf("truncated RPC fragment of %d bytes", len(buf))
		}
		var data []byte
		data, more, err = c.pipe.ReadFragment(ctx)
		if err != nil {
			return nil, nil, false, err
		}
		if len(data) == 0 && !more {
			return nil, nil, false, fmt.Errorf("empty read from pipe %s", c.iface.Pipe)
		}
		buf = append(buf, data...)
	}
}

// drain discards bytes left in the pipe by an abandoned call.
func (c *Client) drain(ctx context.Context) error {
	p, ok := c.pipe.(peeker)
	if !ok {
		return nil
	}
	n, err := p.Peek(ctx)
	if err != nil || n == 0 {
		return err
	}
	log.Debugf("Discarding %d stale bytes on %s\n", n, c.iface.Pipe)
	for n > 0 {
		data, _, err := c.pipe.ReadFragment(ctx)
		if err != nil {
			return err
		}
		if len(data) == 0 || uint32(len(data)) >= n {
			return nil
		}
		n -= uint32(len(data))
	}
	return nil
}

// Call invokes opnum with the marshalled stub and returns the stub data of
// the response. Requests larger than one fragment are split, multi fragment
// responses reassembled.
func (c *Client) Call(ctx context.Context, opnum uint16, stub []byte) (_ []byte, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.dirty {
		if err := c.drain(ctx); err != nil {
			return nil, err
		}
		c.dirty = false
	}
	callID := c.nextCallID()
	frags, err := c.fragment(callID, opnum, stub)
	if err != nil {
		return nil, err
	}
	defer func() {
		var fault *FaultError
		if err != nil && !errors.As(err, &fault) {
			c.dirty = true
		}
	}()
	for _, f := range frags[:len(frags)-1] {
		if err := c.pipe.WriteFragment(ctx, f); err != nil {
			return nil, err
		}
	}
	out, more, err := c.pipe.Transceive(ctx, frags[len(frags)-1])
	if err != nil {
		return nil, err
	}

	var result []byte
	buf := out
	for {
		var pdu []byte
		pdu, buf, more, err = c.readPDU(ctx, buf, more)
		if err != nil {
			return nil, err
		}
		h, _ := DecodeHeader(pdu)
		if h.CallID != callID {
			return nil, fmt.Errorf("response has call id %d, expected %d", h.CallID, callID)
		}
		switch h.Type {
		case PacketTypeResponse:
			res := &RequestRes{}
			if err := res.UnmarshalBinary(pdu); err != nil {
				return nil, err
			}
			result = append(result, res.Buffer...)
			if h.IsLast() {
				return result, nil
			}
		case PacketTypeFault:
			f := &Fault{}
			if err := f.UnmarshalBinary(pdu); err != nil {
				return nil, err
			}
			return nil, &FaultError{CallID: callID, Status: f.Status}
		default:
			return nil, fmt.Errorf("unexpected PDU type %d in response to opnum %d", h.Type, opnum)
		}
	}
}

// fragment splits stub into request PDUs no larger than the negotiated
// transmit size.
func (c *Client) fragment(callID uint32, opnum uint16, stub []byte) ([][]byte, error) {
	limit := int(c.maxXmit) - requestSize
	if limit <= 0 {
		return nil, fmt.Errorf("max transmit fragment %d is too small", c.maxXmit)
	}
	var frags [][]byte
	off := 0
	for {
		n := len(stub) - off
		var flags uint8
		if off == 0 {
			flags |= PfcFirstFrag
		}
		if n > limit {
			n = limit
		} else {
			flags |= PfcLastFrag
		}
		req := &RequestReq{
			Header:    newHeader(PacketTypeRequest, flags, callID),
			AllocHint: uint32(len(stub)),
			ContextID: c.contextID,
			Opnum:     opnum,
			Buffer:    stub[off : off+n],
		}
		buf, err := req.MarshalBinary()
		if err != nil {
			return nil, err
		}
		frags = append(frags, buf)
		off += n
		if flags&PfcLastFrag != 0 {
			return frags, nil
		}
	}
}

func (c *Client) String() string {
	return fmt.Sprintf("%s over %s", c.iface.Name, strings.ToLower(c.iface.Pipe))
}
