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
	"fmt"
)

// Compound is an ordered chain of requests sent in a single write. Members
// after the head are related operations; responses are correlated back to
// members by position and message id.
type Compound struct {
	msgs []*Message
}

// Chain builds a compound from msgs in order.
func Chain(msgs ...*Message) *Compound {
	c := &Compound{}
	for _, m := range msgs {
		c.Append(m)
	}
	return c
}

// Append adds m to the end of the chain. Every member but the head is marked
// as a related operation and has its session and tree ids cleared; they are
// filled in from the head when the chain is encoded.
func (c *Compound) Append(m *Message) {
	if len(c.msgs) > 0 {
		m.Header.Flags |= SMB2_FLAGS_RELATED_OPERATIONS
		m.Header.SessionID = 0
		m.Header.TreeID = 0
	}
	c.msgs = append(c.msgs, m)
}

func (c *Compound) Len() int { return len(c.msgs) }

func (c *Compound) Messages() []*Message { return c.msgs }

func (c *Compound) Head() *Message {
	if len(c.msgs) == 0 {
		return nil
	}
	return c.msgs[0]
}

// Split detaches the members starting at index i and returns them as a new
// chain whose head is no longer a related operation.
func (c *Compound) Split(i int) (*Compound, error) {
	if i <= 0 || i >= len(c.msgs) {
		return nil, fmt.Errorf("cannot split compound of %d members at %d", len(c.msgs), i)
	}
	tail := &Compound{msgs: append([]*Message(nil), c.msgs[i:]...)}
	c.msgs = c.msgs[:i:i]
	head := tail.msgs[0]
	head.Header.Flags &^= SMB2_FLAGS_RELATED_OPERATIONS
	head.Header.SessionID = c.msgs[0].Header.SessionID
	head.Header.TreeID = c.msgs[0].Header.TreeID
	return tail, nil
}

// Encode serializes every member. All but the last are padded to a multiple
// of 8 bytes with NextCommand pointing at the following member. The members
// are returned separately since each is signed on its own.
func (c *Compound) Encode() ([][]byte, error) {
	if len(c.msgs) == 0 {
		return nil, fmt.Errorf("empty compound")
	}
	head := c.msgs[0]
	out := make([][]byte, 0, len(c.msgs))
	for i, m := range c.msgs {
		if i > 0 {
			m.Header.SessionID = head.Header.SessionID
			if !m.Header.IsAsync() {
				m.Header.TreeID = head.Header.TreeID
			}
		}
		m.Header.NextCommand = 0
		buf, err := EncodeMessage(m)
		if err != nil {
			return nil, err
		}
		if i < len(c.msgs)-1 {
			pad := Pad8(len(buf))
			buf = append(buf, make([]byte, pad)...)
			m.Header.NextCommand = uint32(len(buf))
			le.PutUint32(buf[nextCmdOff:], m.Header.NextCommand)
		}
		out = append(out, buf)
	}
	return out, nil
}
