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
	"fmt"

	"github.com/ikas-mc/jcifs-ng-dotnet-sub003/spnego"
)

// Initiator produces the security blobs of a session setup exchange.
type Initiator interface {
	// InitSecContext returns the next token. inputToken is nil for the
	// first call and the server's blob afterwards. GSS_Init_sec_context
	InitSecContext(inputToken []byte) ([]byte, error)
	// SessionKey is available once the exchange completed.
	SessionKey() []byte
}

// finisher is implemented by initiators that check the server's final token.
type finisher interface {
	Finish(outputToken []byte) error
}

// NTLMCredentials are the inputs of an NTLMv2 session setup. Hash replaces
// Password when set.
type NTLMCredentials struct {
	User        string
	Password    string
	Hash        []byte
	Domain      string
	Workstation string
	NullSession bool
}

// NewNTLMInitiator returns an SPNEGO initiator with NTLMv2 as the single
// mechanism.
func NewNTLMInitiator(c NTLMCredentials, host string) (Initiator, error) {
	if !c.NullSession && c.User == "" {
		return nil, fmt.Errorf("NTLM authentication requires a user name")
	}
	if !c.NullSession && c.Password == "" && len(c.Hash) == 0 {
		log.Noticeln("Authenticating with an empty password")
	}
	mech := &spnego.NTLMInitiator{
		User:        c.User,
		Password:    c.Password,
		Hash:        c.Hash,
		Domain:      c.Domain,
		Workstation: c.Workstation,
		NullSession: c.NullSession,
		TargetSPN:   "cifs/" + host,
	}
	return spnego.NewClient([]spnego.Mechanism{mech})
}
