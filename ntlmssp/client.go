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
package ntlmssp

import (
	"bytes"
	"crypto/hmac"
	"crypto/md5"
	"crypto/rand"
	"crypto/rc4"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/jfjallid/golog"

	"github.com/ikas-mc/jcifs-ng-dotnet-sub003/smb/encoder"
)

var le = binary.LittleEndian

var log = golog.Get("github.com/ikas-mc/jcifs-ng-dotnet-sub003/ntlmssp")

// Client performs the client side of an NTLMv2 exchange. Hash, when set,
// replaces Password as the NT hash.
type Client struct {
	User        string
	Password    string
	Hash        []byte
	Domain      string
	Workstation string
	TargetSPN   string
	// NullSession authenticates anonymously.
	NullSession bool

	now func() time.Time

	negMsg  []byte
	flags   uint32
	session *Session
}

func (c *Client) Negotiate() ([]byte, error) {
	flags := FlgNegUnicode | FlgNegRequestTarget | FlgNegSign | FlgNegSeal |
		FlgNegNtLm | FlgNegAlwaysSign | FlgNegExtendedSessionSecurity |
		FlgNegTargetInfo | FlgNegVersion | FlgNeg128 | FlgNegKeyExch | FlgNeg56
	if c.NullSession {
		flags |= FlgNegAnonymous
	}
	msg := Negotiate{
		Header:         newHeader(TypeNtLmNegotiate),
		NegotiateFlags: flags,
		Version:        defaultVersion,
	}
	buf, err := marshal(&msg)
	if err != nil {
		return nil, err
	}
	c.flags = flags
	c.negMsg = buf
	return buf, nil
}

// Authenticate answers the server's CHALLENGE_MESSAGE.
func (c *Client) Authenticate(challengeMsg []byte) ([]byte, error) {
	if c.negMsg == nil {
		return nil, fmt.Errorf("Authenticate called before Negotiate")
	}
	var chall Challenge
	if err := encoder.Unmarshal(challengeMsg, &chall); err != nil {
		log.Errorln(err)
		return nil, err
	}
	if !bytes.Equal(chall.Signature, []byte(Signature)) {
		return nil, fmt.Errorf("invalid NTLMSSP signature %x", chall.Signature)
	}
	if chall.MessageType != TypeNtLmChallenge {
		return nil, fmt.Errorf("unexpected NTLMSSP message type %d", chall.MessageType)
	}
	flags := c.flags & chall.NegotiateFlags
	if flags&FlgNegExtendedSessionSecurity == 0 {
		return nil, fmt.Errorf("server does not support NTLMv2 session security")
	}

	auth := Authenticate{
		Header:         newHeader(TypeNtLmAuthenticate),
		NegotiateFlags: flags,
		Version:        defaultVersion,
		MIC:            make([]byte, 16),
		Workstation:    encoder.ToUnicode(c.Workstation),
	}
	sess := &Session{flags: flags, user: c.User}

	if c.NullSession {
		// MS-NLMP 3.2.5.1.2, anonymous responses are empty.
		auth.LmChallengeResponse = []byte{0}
		auth.MIC = nil
		auth.Version = [8]byte{}
		buf, err := marshal(&auth)
		if err != nil {
			return nil, err
		}
		c.session = sess
		return buf, nil
	}

	domain := c.Domain
	if domain == "" {
		var err error
		if domain, err = encoder.FromUnicodeString(chall.TargetName); err != nil {
			return nil, err
		}
	}
	auth.DomainName = encoder.ToUnicode(domain)
	auth.UserName = encoder.ToUnicode(c.User)

	pairs, err := ParseAvPairs(chall.TargetInfo)
	if err != nil {
		log.Errorln(err)
		return nil, err
	}
	timestamp, targetInfo := c.targetInfo(pairs)

	ntHash := c.Hash
	if len(ntHash) == 0 {
		ntHash = Ntowfv1(c.Password)
	}
	respKey := Ntowfv2(ntHash, c.User, domain)
	clientChallenge := make([]byte, 8)
	if _, err := rand.Read(clientChallenge); err != nil {
		return nil, err
	}
	response, sessionBaseKey := ntlmv2Response(respKey, chall.ServerChallenge[:], clientChallenge, timestamp, targetInfo)
	auth.NtChallengeResponse = response
	// A timestamp from the server means LMv2 must be Z(24).
	auth.LmChallengeResponse = make([]byte, 24)

	sess.sessionKey = sessionBaseKey
	if flags&FlgNegKeyExch != 0 {
		sess.sessionKey = make([]byte, 16)
		if _, err := rand.Read(sess.sessionKey); err != nil {
			return nil, err
		}
		rc, err := rc4.NewCipher(sessionBaseKey)
		if err != nil {
			return nil, err
		}
		auth.EncryptedRandomSessionKey = make([]byte, 16)
		rc.XORKeyStream(auth.EncryptedRandomSessionKey, sess.sessionKey)
	}

	buf, err := marshal(&auth)
	if err != nil {
		return nil, err
	}
	mac := hmac.New(md5.New, sess.sessionKey)
	mac.Write(c.negMsg)
	mac.Write(challengeMsg)
	mac.Write(buf)
	copy(buf[micOffset:micOffset+16], mac.Sum(nil))

	if err := sess.init(); err != nil {
		return nil, err
	}
	c.session = sess
	return buf, nil
}

// targetInfo returns the timestamp to use and the AV pairs echoed back to
// the server with MsvAvFlags announcing the MIC.
func (c *Client) targetInfo(pairs []AvPair) (timestamp, encoded []byte) {
	var out []AvPair
	hasFlags := false
	for _, p := range pairs {
		switch p.AvID {
		case MsvAvTimestamp:
			timestamp = p.Value
		case MsvAvFlags:
			hasFlags = true
			v := make([]byte, 4)
			copy(v, p.Value)
			le.PutUint32(v, le.Uint32(v)|0x02)
			p = AvPair{AvID: MsvAvFlags, Value: v}
		case MsvAvChannelBindings, MsvAvTargetName:
			continue
		}
		out = append(out, p)
	}
	if !hasFlags {
		out = append(out, AvPair{AvID: MsvAvFlags, Value: []byte{0x02, 0, 0, 0}})
	}
	out = append(out, AvPair{AvID: MsvAvChannelBindings, Value: make([]byte, 16)})
	out = append(out, AvPair{AvID: MsvAvTargetName, Value: encoder.ToUnicode(c.TargetSPN)})
	if timestamp == nil {
		now := time.Now
		if c.now != nil {
			now = c.now
		}
		timestamp = le.AppendUint64(nil, FileTime(now()))
	}
	return timestamp, EncodeAvPairs(out)
}

// Session returns the security context after Authenticate, nil before.
func (c *Client) Session() *Session { return c.session }

// Session is the established NTLM security context.
type Session struct {
	mu         sync.Mutex
	flags      uint32
	user       string
	sessionKey []byte

	clientSignKey []byte
	serverSignKey []byte
	clientHandle  *rc4.Cipher
	serverHandle  *rc4.Cipher
	clientSeq     uint32
	serverSeq     uint32
}

func (s *Session) init() error {
	var err error
	s.clientSignKey = signKey(s.sessionKey, true)
	s.serverSignKey = signKey(s.sessionKey, false)
	if s.clientHandle, err = rc4.NewCipher(sealKey(s.flags, s.sessionKey, true)); err != nil {
		return err
	}
	s.serverHandle, err = rc4.NewCipher(sealKey(s.flags, s.sessionKey, false))
	return err
}

func (s *Session) User() string { return s.user }

// SessionKey is the exported session key, nil for anonymous sessions.
func (s *Session) SessionKey() []byte { return s.sessionKey }

// Sign returns the signature of msg and advances the client sequence number.
func (s *Session) Sign(msg []byte) []byte {
	if s.clientHandle == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sig := signature(s.flags, s.clientHandle, s.clientSignKey, s.clientSeq, msg)
	s.clientSeq++
	return sig
}

// Verify checks a signature produced by the server.
func (s *Session) Verify(sig, msg []byte) error {
	if s.serverHandle == nil {
		return fmt.Errorf("no NTLM security context")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	expected := signature(s.flags, s.serverHandle, s.serverSignKey, s.serverSeq, msg)
	s.serverSeq++
	if !hmac.Equal(expected, sig) {
		return fmt.Errorf("NTLM signature mismatch")
	}
	return nil
}
