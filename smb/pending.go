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
	"sync"
	"sync/atomic"
	"time"
)

type result struct {
	msg  *Message
	smb1 *SMB1Message
	raw  []byte
	err  error
}

// pendingSlot is the waiting side of one in-flight request. The receive loop
// is the only producer on ch, the requesting caller the only consumer.
type pendingSlot struct {
	mid       uint64
	cmd       uint16
	sessionID uint64
	asyncID   atomic.Uint64
	deadline  atomic.Int64 // unix nanoseconds
	respSeq   uint32       // SMB1 signing sequence of the response
	ch        chan result
	interim   chan struct{}
}

func newPendingSlot(mid uint64, cmd uint16, sessionID uint64, timeout time.Duration) *pendingSlot {
	s := &pendingSlot{
		mid:       mid,
		cmd:       cmd,
		sessionID: sessionID,
		ch:        make(chan result, 1),
		interim:   make(chan struct{}, 1),
	}
	s.deadline.Store(time.Now().Add(timeout).UnixNano())
	return s
}

func (s *pendingSlot) deliver(r result) {
	select {
	case s.ch <- r:
	default:
		log.Debugf("Dropping duplicate response for message %d\n", s.mid)
	}
}

// pendingTable maps message ids to waiting requests.
type pendingTable struct {
	mu    sync.Mutex
	slots map[uint64]*pendingSlot
}

func newPendingTable() *pendingTable {
	return &pendingTable{slots: make(map[uint64]*pendingSlot)}
}

func (p *pendingTable) set(s *pendingSlot) {
	p.mu.Lock()
	p.slots[s.mid] = s
	p.mu.Unlock()
}

func (p *pendingTable) get(mid uint64) *pendingSlot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.slots[mid]
}

func (p *pendingTable) pop(mid uint64) *pendingSlot {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.slots[mid]
	if ok {
		delete(p.slots, mid)
	}
	return s
}

// remove deletes s only if it is still the slot registered for its id.
func (p *pendingTable) remove(s *pendingSlot) {
	p.mu.Lock()
	if p.slots[s.mid] == s {
		delete(p.slots, s.mid)
	}
	p.mu.Unlock()
}

func (p *pendingTable) len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.slots)
}

// failAll delivers err to every pending slot at once and empties the table.
func (p *pendingTable) failAll(err error) int {
	p.mu.Lock()
	slots := p.slots
	p.slots = make(map[uint64]*pendingSlot)
	p.mu.Unlock()
	for _, s := range slots {
		s.deliver(result{err: err})
	}
	return len(slots)
}
