// Copyright (c) 2016 Hiroshi Ioka. All rights reserved.
//
// Redistribution and use in source and binary forms, with or without
// modification, are permitted provided that the following conditions are
// met:
//
//   - Redistributions of source code must retain the above copyright
//
// notice, this list of conditions and the following disclaimer.
//   - Redistributions in binary form must reproduce the above
//
// copyright notice, this list of conditions and the following disclaimer
// in the documentation and/or other materials provided with the
// distribution.
//
// THIS SOFTWARE IS PROVIDED BY THE COPYRIGHT HOLDERS AND CONTRIBUTORS
// "AS IS" AND ANY EXPRESS OR IMPLIED WARRANTIES, INCLUDING, BUT NOT
// LIMITED TO, THE IMPLIED WARRANTIES OF MERCHANTABILITY AND FITNESS FOR
// A PARTICULAR PURPOSE ARE DISCLAIMED. IN NO EVENT SHALL THE COPYRIGHT
// OWNER OR CONTRIBUTORS BE LIABLE FOR ANY DIRECT, INDIRECT, INCIDENTAL,
// SPECIAL, EXEMPLARY, OR CONSEQUENTIAL DAMAGES (INCLUDING, BUT NOT
// LIMITED TO, PROCUREMENT OF SUBSTITUTE GOODS OR SERVICES; LOSS OF USE,
// DATA, OR PROFITS; OR BUSINESS INTERRUPTION) HOWEVER CAUSED AND ON ANY
// THEORY OF LIABILITY, WHETHER IN CONTRACT, STRICT LIABILITY, OR TORT
// (INCLUDING NEGLIGENCE OR OTHERWISE) ARISING IN ANY WAY OUT OF THE USE
// OF THIS SOFTWARE, EVEN IF ADVISED OF THE POSSIBILITY OF SUCH DAMAGE.
package smb

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/net/proxy"
)

type TransportState int32

const (
	StateIdle TransportState = iota
	StateConnecting
	StateRunConnected
	StateConnected
	StateError
	StateDisconnecting
	StateDisconnected
)

func (s TransportState) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateConnecting:
		return "Connecting"
	case StateRunConnected:
		return "RunConnected"
	case StateConnected:
		return "Connected"
	case StateError:
		return "Error"
	case StateDisconnecting:
		return "Disconnecting"
	case StateDisconnected:
		return "Disconnected"
	}
	return fmt.Sprintf("TransportState(%d)", int32(s))
}

// sessionState is what the transport needs to know about an authenticated
// session to protect its messages.
type sessionState struct {
	signer  *SigningContext
	sign    bool
	cipher  *sessionCipher
	encrypt bool
}

// Transport multiplexes concurrent requests over one SMB connection. A single
// goroutine reads the socket and hands every response to the slot of the
// request that is waiting for it.
type Transport struct {
	opt     Options
	metrics *Metrics

	state atomic.Int32

	mu         sync.Mutex // guards connecting, connErr and conn
	connecting chan struct{}
	connErr    error
	conn       net.Conn

	writeMu sync.Mutex // guards nextMID and socket writes
	nextMID uint64

	credits *creditWindow
	pending *pendingTable

	negotiator *Negotiator
	result     *NegotiateResult
	compress   bool

	sessMu   sync.RWMutex
	sessions map[uint64]*sessionState

	smb1Signer atomic.Pointer[SMB1Signer]

	closeOnce sync.Once
	done      chan struct{}
}

func NewTransport(opt Options) (*Transport, error) {
	opt.applyDefaults()
	if err := validateOptions(opt); err != nil {
		log.Errorln(err)
		return nil, err
	}
	t := &Transport{
		opt:      opt,
		metrics:  opt.Metrics,
		credits:  newCreditWindow(opt.MaxCredits, 1),
		pending:  newPendingTable(),
		sessions: make(map[uint64]*sessionState),
		done:     make(chan struct{}),
	}
	t.metrics.setCredits(t.credits.available())
	return t, nil
}

func (t *Transport) State() TransportState { return TransportState(t.state.Load()) }

func (t *Transport) setState(s TransportState) {
	old := TransportState(t.state.Swap(int32(s)))
	if old != s {
		log.Debugf("Transport state %s -> %s\n", old, s)
	}
}

// Result returns the negotiated parameters, nil before Connect succeeded.
func (t *Transport) Result() *NegotiateResult {
	if t.State() != StateConnected {
		return nil
	}
	return t.result
}

// Done is closed once the transport reached a terminal state.
func (t *Transport) Done() <-chan struct{} { return t.done }

// Connect dials the server and negotiates the dialect. It is idempotent;
// concurrent callers wait for the same attempt.
func (t *Transport) Connect(ctx context.Context) error {
	t.mu.Lock()
	switch t.State() {
	case StateConnected:
		t.mu.Unlock()
		return nil
	case StateIdle:
		t.connecting = make(chan struct{})
		t.setState(StateConnecting)
		go t.run()
	case StateConnecting, StateRunConnected:
	default:
		err := t.connErr
		t.mu.Unlock()
		if err == nil {
			err = ErrClosed
		}
		return err
	}
	ch := t.connecting
	t.mu.Unlock()

	select {
	case <-ch:
	case <-ctx.Done():
		return ctx.Err()
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connErr
}

func (t *Transport) run() {
	err := t.doConnect()
	t.mu.Lock()
	t.connErr = err
	close(t.connecting)
	t.mu.Unlock()
	if err != nil {
		log.Errorf("Failed to connect to %s: %v\n", t.opt.Host, err)
		t.shutdown(StateError, err)
		return
	}
	t.receiveLoop()
}

func (t *Transport) dial(ctx context.Context) (net.Conn, error) {
	addr := net.JoinHostPort(t.opt.Host, strconv.Itoa(t.opt.Port))
	var d proxy.Dialer
	switch {
	case t.opt.DialContext != nil:
		return t.opt.DialContext(ctx, "tcp", addr)
	case t.opt.ProxyDialer != nil:
		d = t.opt.ProxyDialer
	case t.opt.ProxyURL != "":
		u, err := url.Parse(t.opt.ProxyURL)
		if err != nil {
			return nil, err
		}
		d, err = proxy.FromURL(u, &net.Dialer{Timeout: t.opt.ConnectTimeout})
		if err != nil {
			return nil, err
		}
	default:
		return (&net.Dialer{}).DialContext(ctx, "tcp", addr)
	}
	if cd, ok := d.(proxy.ContextDialer); ok {
		return cd.DialContext(ctx, "tcp", addr)
	}
	return d.Dial("tcp", addr)
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func (t *Transport) doConnect() error {
	ctx, cancel := context.WithTimeout(context.Background(), t.opt.ConnectTimeout)
	defer cancel()
	conn, err := t.dial(ctx)
	if err != nil {
		if isTimeout(err) {
			return &ConnectionTimeoutError{Addr: t.opt.Host, After: t.opt.ConnectTimeout, Err: err}
		}
		return &TransportError{Op: "dial", Err: err}
	}
	t.mu.Lock()
	t.conn = conn
	t.mu.Unlock()
	if !t.state.CompareAndSwap(int32(StateConnecting), int32(StateRunConnected)) {
		conn.Close()
		return ErrClosed
	}

	log.Debugln("Negotiating protocol")
	if err := t.negotiate(withInline(context.Background())); err != nil {
		return err
	}
	if !t.state.CompareAndSwap(int32(StateRunConnected), int32(StateConnected)) {
		return ErrClosed
	}
	log.Debugf("Connected to %s\n", t.opt.Host)
	return nil
}

type inlineKey struct{}

// withInline marks ctx as running on the goroutine that owns the socket
// reads. Requests made with it read their own response from the socket.
func withInline(ctx context.Context) context.Context {
	return context.WithValue(ctx, inlineKey{}, true)
}

func isInline(ctx context.Context) bool {
	v, _ := ctx.Value(inlineKey{}).(bool)
	return v
}

func (t *Transport) negotiate(ctx context.Context) error {
	n := NewNegotiator(&t.opt)
	t.negotiator = n

	if t.opt.SMB1Negotiate {
		req := NewSMB1NegotiateReq(t.opt.MaxDialect >= DialectSmb_2_0_2)
		r, err := t.roundTripSMB1(ctx, req)
		if err != nil {
			return err
		}
		if r.smb1 != nil {
			res, err := n.AcceptSMB1(req, r.smb1)
			if err != nil {
				return err
			}
			t.result = res
			log.Noticeln("Server selected SMB1 dialect NT LM 0.12")
			return nil
		}
		res, err := n.AcceptSMB2Reply(r.msg)
		if err != nil {
			return err
		}
		if res != nil {
			t.result = res
			return nil
		}
	}

	msg, err := n.BuildRequest()
	if err != nil {
		return err
	}
	slots, raws, err := t.send(ctx, []*Message{msg})
	if err != nil {
		return err
	}
	if err := n.MarkSent(raws[0]); err != nil {
		t.pending.remove(slots[0])
		return err
	}
	r := t.await(ctx, slots[0])
	if r.err != nil {
		return r.err
	}
	res, err := n.Validate(r.msg, r.raw)
	if err != nil {
		return err
	}
	t.result = res
	if t.opt.Compression && contains(res.CompressionAlgorithms, CompressionLZ4) {
		t.compress = true
	}
	return nil
}

// Preauth returns an independent copy of the connection preauth integrity
// hash, the starting point of every session's hash.
func (t *Transport) Preauth() *PreauthHash {
	if t.negotiator == nil {
		return &PreauthHash{}
	}
	return t.negotiator.Preauth().Clone()
}

func (t *Transport) bindSession(id uint64, s *sessionState) {
	t.sessMu.Lock()
	t.sessions[id] = s
	t.sessMu.Unlock()
}

func (t *Transport) unbindSession(id uint64) {
	t.sessMu.Lock()
	delete(t.sessions, id)
	t.sessMu.Unlock()
}

func (t *Transport) session(id uint64) *sessionState {
	t.sessMu.RLock()
	defer t.sessMu.RUnlock()
	return t.sessions[id]
}

func (t *Transport) sessionIDs() []uint64 {
	t.sessMu.RLock()
	defer t.sessMu.RUnlock()
	ids := make([]uint64, 0, len(t.sessions))
	for id := range t.sessions {
		ids = append(ids, id)
	}
	return ids
}

// EnableSMB1Signing starts signing SMB1 exchanges with macKey.
func (t *Transport) EnableSMB1Signing(macKey []byte) *SMB1Signer {
	s := NewSMB1Signer(macKey)
	t.smb1Signer.Store(s)
	return s
}

// payloadSize is the larger of the request and expected response payload,
// which determines the credit charge.
func payloadSize(m *Message) int {
	switch b := m.Body.(type) {
	case *ReadReq:
		return int(b.Length)
	case *WriteReq:
		return len(b.Data)
	case *IoCtlReq:
		n := len(b.Input)
		if int(b.MaxOutputResponse) > n {
			n = int(b.MaxOutputResponse)
		}
		return n
	}
	return 0
}

func (t *Transport) multiCredit() bool {
	return t.result != nil && t.result.Dialect > DialectSmb_2_0_2 &&
		t.result.Capabilities&GlobalCapLargeMTU != 0
}

func (t *Transport) checkUsable(ctx context.Context) error {
	switch t.State() {
	case StateConnected:
		return nil
	case StateRunConnected:
		if isInline(ctx) {
			return nil
		}
	case StateIdle, StateConnecting:
		return ErrNotConnected
	}
	t.mu.Lock()
	err := t.connErr
	t.mu.Unlock()
	if err != nil {
		return err
	}
	return ErrClosed
}

// send assigns message ids, registers one pending slot per member and writes
// msgs as a single compound. It returns the slots and the encoded members.
func (t *Transport) send(ctx context.Context, msgs []*Message) ([]*pendingSlot, [][]byte, error) {
	if err := t.checkUsable(ctx); err != nil {
		return nil, nil, err
	}
	multi := t.multiCredit()
	var total uint16
	charges := make([]uint16, len(msgs))
	for i, m := range msgs {
		charges[i] = 1
		if multi {
			charges[i] = CreditCost(payloadSize(m))
		}
		total += charges[i]
	}
	if err := t.credits.acquire(ctx, total); err != nil {
		return nil, nil, err
	}
	t.metrics.setCredits(t.credits.available())

	c := &Compound{}
	for _, m := range msgs {
		c.Append(m)
	}
	head := msgs[0]

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	slots := make([]*pendingSlot, len(msgs))
	for i, m := range msgs {
		m.Header.MessageID = t.nextMID
		t.nextMID += uint64(charges[i])
		if multi {
			m.Header.CreditCharge = charges[i]
		} else if t.result != nil && t.result.Dialect == DialectSmb_2_0_2 {
			m.Header.CreditCharge = 0
		}
		if m.Header.Credits == 0 {
			m.Header.Credits = t.opt.CreditRequest
		}
		slots[i] = newPendingSlot(m.Header.MessageID, m.Header.Command, head.Header.SessionID, t.opt.ResponseTimeout)
	}
	raws, err := c.Encode()
	if err != nil {
		t.credits.grant(total)
		return nil, nil, err
	}
	pkt, err := t.protect(head.Header.SessionID, head.Header.Command, raws)
	if err != nil {
		t.credits.grant(total)
		return nil, nil, err
	}
	for i, s := range slots {
		t.pending.set(s)
		t.metrics.requestSent(msgs[i].Header.Command)
	}
	if err := t.write(pkt); err != nil {
		for _, s := range slots {
			t.pending.remove(s)
			t.metrics.requestDone()
		}
		return nil, nil, err
	}
	return slots, raws, nil
}

// protect signs every member, joins them and applies compression and
// encryption as the session requires.
func (t *Transport) protect(sessionID uint64, cmd uint16, members [][]byte) ([]byte, error) {
	sess := t.session(sessionID)
	if sess != nil && sess.sign && !sess.encrypt {
		for _, m := range members {
			if err := sess.signer.Sign(m); err != nil {
				return nil, err
			}
		}
	}
	var pkt []byte
	if len(members) == 1 {
		pkt = members[0]
	} else {
		for _, m := range members {
			pkt = append(pkt, m...)
		}
	}
	if t.compress && cmd == CommandWrite {
		c, err := compressMessage(pkt)
		if err != nil {
			return nil, err
		}
		if c != nil {
			pkt = c
		}
	}
	if sess != nil && sess.encrypt && cmd != CommandSessionSetup && cmd != CommandNegotiate {
		return sealTransform(sess.cipher.encrypter, sessionID, pkt)
	}
	return pkt, nil
}

func (t *Transport) write(pkt []byte) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	if err := writeFrame(conn, pkt); err != nil {
		terr := &TransportError{Op: "write", Err: err}
		go t.fail(terr)
		return terr
	}
	return nil
}

// SendRecv sends m and waits for its response. A response carrying an error
// status is returned without error; use Message.Err to check it.
func (t *Transport) SendRecv(ctx context.Context, m *Message) (*Message, error) {
	r, _, err := t.roundTrip(ctx, m)
	if err != nil {
		return nil, err
	}
	return r.msg, nil
}

// roundTrip also returns the encoded request and keeps the raw response,
// which session setup needs for the preauth integrity hash.
func (t *Transport) roundTrip(ctx context.Context, m *Message) (result, []byte, error) {
	slots, raws, err := t.send(ctx, []*Message{m})
	if err != nil {
		return result{}, nil, err
	}
	r := t.await(ctx, slots[0])
	if r.err != nil {
		return r, raws[0], r.err
	}
	return r, raws[0], nil
}

// SendRecvCompound sends every member of c in one write and returns the
// responses in member order.
func (t *Transport) SendRecvCompound(ctx context.Context, c *Compound) ([]*Message, error) {
	if c.Len() == 0 {
		return nil, fmt.Errorf("empty compound")
	}
	slots, _, err := t.send(ctx, c.Messages())
	if err != nil {
		return nil, err
	}
	out := make([]*Message, 0, len(slots))
	for i, s := range slots {
		r := t.await(ctx, s)
		if r.err != nil {
			for _, rest := range slots[i+1:] {
				t.abandon(rest, false)
			}
			return out, r.err
		}
		out = append(out, r.msg)
	}
	return out, nil
}

// SendRecvSMB1 exchanges a raw SMB1 message. It is only available on
// connections that negotiated NT LM 0.12.
func (t *Transport) SendRecvSMB1(ctx context.Context, m *SMB1Message) (*SMB1Message, error) {
	if err := t.checkUsable(ctx); err != nil {
		return nil, err
	}
	if t.result == nil || !t.result.SMB1 {
		return nil, fmt.Errorf("connection did not negotiate SMB1")
	}
	r, err := t.roundTripSMB1(ctx, m)
	if err != nil {
		return nil, err
	}
	if r.smb1 == nil {
		return nil, decodingError(nil, "expected an SMB1 response")
	}
	return r.smb1, nil
}

func (t *Transport) roundTripSMB1(ctx context.Context, m *SMB1Message) (result, error) {
	if err := t.checkUsable(ctx); err != nil {
		return result{}, err
	}
	t.writeMu.Lock()
	mid := t.nextMID
	t.nextMID++
	m.Header.MID = uint16(mid)
	pkt, err := m.Encode()
	if err != nil {
		t.writeMu.Unlock()
		return result{}, err
	}
	slot := newPendingSlot(mid&0xffff, uint16(m.Header.Command), 0, t.opt.ResponseTimeout)
	if s := t.smb1Signer.Load(); s != nil {
		if slot.respSeq, err = s.Sign(pkt, false); err != nil {
			t.writeMu.Unlock()
			return result{}, err
		}
	}
	t.pending.set(slot)
	t.metrics.requestSent(uint16(m.Header.Command))
	err = t.write(pkt)
	t.writeMu.Unlock()
	if err != nil {
		t.pending.remove(slot)
		t.metrics.requestDone()
		return result{}, err
	}
	r := t.await(ctx, slot)
	return r, r.err
}

// await blocks until the slot is completed, its deadline passes or ctx is
// done. An interim response pushes the deadline out by another
// ResponseTimeout.
func (t *Transport) await(ctx context.Context, slot *pendingSlot) result {
	if isInline(ctx) {
		return t.awaitInline(slot)
	}
	timer := time.NewTimer(time.Until(time.Unix(0, slot.deadline.Load())))
	defer timer.Stop()
	for {
		select {
		case r := <-slot.ch:
			t.metrics.requestDone()
			return r
		case <-slot.interim:
			slot.deadline.Store(time.Now().Add(t.opt.ResponseTimeout).UnixNano())
			timer.Reset(t.opt.ResponseTimeout)
		case <-timer.C:
			return result{err: t.timeout(slot)}
		case <-ctx.Done():
			t.abandon(slot, t.opt.CancelOnTimeout)
			return result{err: ctx.Err()}
		}
	}
}

// awaitInline reads the socket itself until the slot completes. It is used
// while the receive loop is not running or by the receive loop itself.
func (t *Transport) awaitInline(slot *pendingSlot) result {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	defer conn.SetReadDeadline(time.Time{})
	for {
		select {
		case r := <-slot.ch:
			t.metrics.requestDone()
			return r
		case <-slot.interim:
			slot.deadline.Store(time.Now().Add(t.opt.ResponseTimeout).UnixNano())
		default:
		}
		conn.SetReadDeadline(time.Unix(0, slot.deadline.Load()))
		pkt, err := readFrame(conn)
		if err != nil {
			if isTimeout(err) {
				return result{err: t.timeout(slot)}
			}
			t.pending.remove(slot)
			t.metrics.requestDone()
			return result{err: &TransportError{Op: "receive", Err: err}}
		}
		if err := t.handlePacket(pkt); err != nil {
			t.pending.remove(slot)
			t.metrics.requestDone()
			return result{err: &TransportError{Op: "decode", Err: err}}
		}
	}
}

func (t *Transport) timeout(slot *pendingSlot) error {
	log.Debugf("Request %d timed out after %s\n", slot.mid, t.opt.ResponseTimeout)
	t.metrics.timeout()
	t.abandon(slot, t.opt.CancelOnTimeout)
	return &RequestTimeoutError{MessageID: slot.mid, Command: slot.cmd, After: t.opt.ResponseTimeout}
}

// abandon gives up on a slot. The slot stays registered for CancelGrace so
// that a late response is still consumed and its credits granted.
func (t *Transport) abandon(slot *pendingSlot, cancel bool) {
	t.metrics.requestDone()
	if cancel {
		if err := t.sendCancel(slot); err != nil {
			log.Debugf("Failed to cancel request %d: %v\n", slot.mid, err)
		}
	}
	time.AfterFunc(t.opt.CancelGrace, func() {
		t.pending.remove(slot)
	})
}

// Cancel asks the server to cancel the outstanding request mid. The waiting
// caller still gets the final response, typically STATUS_CANCELLED.
func (t *Transport) Cancel(mid uint64) error {
	slot := t.pending.get(mid)
	if slot == nil {
		return fmt.Errorf("no outstanding request with message id %d", mid)
	}
	return t.sendCancel(slot)
}

func (t *Transport) sendCancel(slot *pendingSlot) error {
	if s := t.State(); s != StateConnected {
		return ErrNotConnected
	}
	m := NewMessage(NewCancelReq())
	m.Header.MessageID = slot.mid
	m.Header.SessionID = slot.sessionID
	m.Header.CreditCharge = 0
	m.Header.Credits = 0
	if aid := slot.asyncID.Load(); aid != 0 {
		m.Header.Flags |= SMB2_FLAGS_ASYNC_COMMAND
		m.Header.AsyncID = aid
	}
	buf, err := EncodeMessage(m)
	if err != nil {
		return err
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	pkt, err := t.protect(slot.sessionID, CommandCancel, [][]byte{buf})
	if err != nil {
		return err
	}
	t.metrics.requestSent(CommandCancel)
	t.metrics.requestDone()
	return t.write(pkt)
}

func (t *Transport) receiveLoop() {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	for {
		if t.opt.IdleTimeout > 0 {
			conn.SetReadDeadline(time.Now().Add(t.opt.IdleTimeout))
		}
		pkt, err := readFrame(conn)
		if err != nil {
			if t.State() == StateDisconnecting {
				t.shutdown(StateDisconnected, ErrClosed)
				return
			}
			if isTimeout(err) && t.pending.len() == 0 {
				log.Debugln("Connection idle, disconnecting")
				t.logoffIdle()
				t.shutdown(StateDisconnected, ErrClosed)
				return
			}
			t.fail(&TransportError{Op: "receive", Err: err})
			return
		}
		if err := t.handlePacket(pkt); err != nil {
			t.fail(&TransportError{Op: "decode", Err: err})
			return
		}
	}
}

// logoffIdle logs off every bound session before an idle disconnect. It runs
// on the receive loop goroutine and therefore uses inline requests.
func (t *Transport) logoffIdle() {
	ctx := withInline(context.Background())
	for _, id := range t.sessionIDs() {
		m := NewMessage(NewLogoffReq())
		m.Header.SessionID = id
		// The receive loop is the only one granting credits.
		if t.credits.available() == 0 {
			return
		}
		if _, err := t.SendRecv(ctx, m); err != nil {
			log.Debugf("Logoff of session 0x%x failed: %v\n", id, err)
		}
		t.unbindSession(id)
	}
}

// handlePacket dispatches one frame. An error means the stream can no longer
// be trusted.
func (t *Transport) handlePacket(pkt []byte) error {
	if len(pkt) < 4 {
		return decodingError(nil, "short packet of %d bytes", len(pkt))
	}
	encrypted := false
	if string(pkt[0:4]) == ProtocolTransformHdr {
		hdr, err := parseTransformHeader(pkt)
		if err != nil {
			return err
		}
		sess := t.session(hdr.SessionID)
		if sess == nil || sess.cipher == nil {
			return decodingError(nil, "encrypted message for unknown session 0x%x", hdr.SessionID)
		}
		if pkt, err = openTransform(sess.cipher.decrypter, pkt); err != nil {
			return err
		}
		encrypted = true
	}
	if len(pkt) >= 4 && string(pkt[0:4]) == ProtocolCompressionHdr {
		var err error
		if pkt, err = decompressMessage(pkt); err != nil {
			return err
		}
	}
	if len(pkt) >= 4 && string(pkt[0:4]) == ProtocolSmb {
		t.handleSMB1(pkt)
		return nil
	}
	members, err := SplitCompound(pkt)
	if err != nil {
		return err
	}
	for _, m := range members {
		if err := t.handleMember(m, encrypted); err != nil {
			return err
		}
	}
	return nil
}

func (t *Transport) handleMember(raw []byte, encrypted bool) error {
	h, _, err := DecodeHeader(raw, 0)
	if err != nil {
		return err
	}
	t.credits.grant(h.Credits)
	t.metrics.setCredits(t.credits.available())
	t.metrics.responseReceived(h.Status)

	slot := t.pending.get(h.MessageID)
	if slot == nil {
		log.Debugf("Discarding response for unknown message id %d (command %d)\n", h.MessageID, h.Command)
		return nil
	}
	if h.IsAsync() && h.Status == StatusPending {
		slot.asyncID.Store(h.AsyncID)
		select {
		case slot.interim <- struct{}{}:
		default:
		}
		return nil
	}
	t.pending.remove(slot)

	if !encrypted {
		if err := t.verify(&h, raw); err != nil {
			t.metrics.signatureFailure()
			slot.deliver(result{err: err})
			return nil
		}
	}
	msg, err := DecodeMessage(raw)
	if err != nil {
		slot.deliver(result{err: err})
		return nil
	}
	slot.deliver(result{msg: msg, raw: raw})
	return nil
}

// verify checks the signature of a response of a signing session. The final
// session setup response is verified by the session itself once its keys
// are known.
func (t *Transport) verify(h *Header, raw []byte) error {
	sess := t.session(h.SessionID)
	if sess == nil || sess.signer == nil {
		return nil
	}
	if !h.IsSigned() {
		if sess.sign && h.Status != StatusPending {
			log.Errorf("Unsigned response for message %d on a signing session\n", h.MessageID)
			return &SignatureVerificationError{MessageID: h.MessageID, Command: h.Command}
		}
		return nil
	}
	return sess.signer.Verify(raw)
}

func (t *Transport) handleSMB1(raw []byte) {
	if len(raw) < SMB1HeaderSize {
		log.Debugln("Discarding short SMB1 message")
		return
	}
	mid := uint64(le.Uint16(raw[smb1MIDOff:]))
	slot := t.pending.pop(mid)
	if slot == nil {
		log.Debugf("Discarding SMB1 response for unknown message id %d\n", mid)
		return
	}
	m, err := DecodeSMB1Message(raw)
	if err != nil {
		slot.deliver(result{err: err})
		return
	}
	t.metrics.responseReceived(m.Header.Status)
	if s := t.smb1Signer.Load(); s != nil {
		if err := s.Verify(raw, slot.respSeq); err != nil {
			t.metrics.signatureFailure()
			slot.deliver(result{err: err})
			return
		}
	}
	slot.deliver(result{smb1: m, raw: raw})
}

// fail tears the connection down and delivers err to every waiting request.
func (t *Transport) fail(err error) {
	log.Errorln(err)
	t.shutdown(StateError, err)
}

func (t *Transport) shutdown(final TransportState, err error) {
	t.closeOnce.Do(func() {
		t.mu.Lock()
		if t.connErr == nil && final == StateError {
			t.connErr = err
		}
		conn := t.conn
		t.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		t.setState(final)
		n := t.pending.failAll(err)
		if n > 0 {
			log.Debugf("Failed %d outstanding requests: %v\n", n, err)
		}
		close(t.done)
	})
}

// Disconnect closes the connection. Outstanding requests fail with
// ErrClosed.
func (t *Transport) Disconnect() error {
	switch t.State() {
	case StateIdle:
		t.shutdown(StateDisconnected, ErrClosed)
		return nil
	case StateDisconnected, StateError:
		return nil
	}
	t.setState(StateDisconnecting)
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		// Still dialing; run() notices the closed transport.
		t.shutdown(StateDisconnected, ErrClosed)
		return nil
	}
	err := conn.Close()
	<-t.done
	return err
}
