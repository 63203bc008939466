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
package spnego

import (
	"fmt"

	"github.com/jfjallid/gofork/encoding/asn1"

	"github.com/ikas-mc/jcifs-ng-dotnet-sub003/ntlmssp"
)

// NTLMInitiator implements session setup through NTLMv2. Hash may be given
// instead of Password.
type NTLMInitiator struct {
	User        string
	Password    string
	Hash        []byte
	Domain      string
	Workstation string
	TargetSPN   string
	NullSession bool

	ntlm *ntlmssp.Client
}

func (i *NTLMInitiator) Oid() asn1.ObjectIdentifier {
	return NtLmSSPMechTypeOid
}

func (i *NTLMInitiator) InitSecContext(inputToken []byte) ([]byte, error) {
	if inputToken == nil {
		i.ntlm = &ntlmssp.Client{
			User:        i.User,
			Password:    i.Password,
			Hash:        i.Hash,
			Domain:      i.Domain,
			Workstation: i.Workstation,
			TargetSPN:   i.TargetSPN,
			NullSession: i.NullSession,
		}
		return i.ntlm.Negotiate()
	}
	if i.ntlm == nil {
		return nil, fmt.Errorf("NTLM exchange not started")
	}
	return i.ntlm.Authenticate(inputToken)
}

func (i *NTLMInitiator) Sum(bs []byte) []byte {
	if s := i.session(); s != nil {
		return s.Sign(bs)
	}
	return nil
}

func (i *NTLMInitiator) Verify(mic, bs []byte) error {
	s := i.session()
	if s == nil {
		return fmt.Errorf("NTLM exchange not completed")
	}
	return s.Verify(mic, bs)
}

func (i *NTLMInitiator) SessionKey() []byte {
	if s := i.session(); s != nil {
		return s.SessionKey()
	}
	return nil
}

func (i *NTLMInitiator) session() *ntlmssp.Session {
	if i.ntlm == nil {
		return nil
	}
	return i.ntlm.Session()
}

// GetUsername returns DOMAIN\user.
func (i *NTLMInitiator) GetUsername() string {
	if i.Domain != "" {
		return i.Domain + "\\" + i.User
	}
	return i.User
}
