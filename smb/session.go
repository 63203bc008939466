// MIT License
//
// Copyright (c) 2017 stacktitan
// Copyright (c) 2023 Jimmy Fjällid for extensions beyond login for SMB 2.1
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
	"context"
	"fmt"
	"strings"
	"sync"
)

// Session is an authenticated SMB2 session on a Transport.
type Session struct {
	t *Transport

	mu         sync.Mutex
	id         uint64
	flags      uint16
	preauth    *PreauthHash
	signer     *SigningContext
	sessionKey []byte
	appKey     []byte
	trees      map[string]uint32
	user       string
}

func NewSession(t *Transport) *Session {
	return &Session{t: t, trees: make(map[string]uint32)}
}

func (s *Session) ID() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

func (s *Session) IsGuest() bool { return s.flags&SessionFlagIsGuest != 0 }
func (s *Session) IsNull() bool  { return s.flags&SessionFlagIsNull != 0 }

// Signer returns the frozen signing context, nil for anonymous sessions.
func (s *Session) Signer() *SigningContext { return s.signer }

// ApplicationKey is the key exposed to RPC layers, MS-SMB2 3.3.5.5.3.
func (s *Session) ApplicationKey() []byte { return s.appKey }

// SessionSetup authenticates with init, looping while the server asks for
// more processing.
func (s *Session) SessionSetup(ctx context.Context, init Initiator) error {
	res := s.t.Result()
	if res == nil {
		return ErrNotConnected
	}
	if res.SMB1 {
		return fmt.Errorf("session setup over SMB1 is not supported")
	}
	if init == nil {
		return fmt.Errorf("missing initiator")
	}
	s.preauth = s.t.Preauth()
	token, err := init.InitSecContext(nil)
	if err != nil {
		log.Errorln(err)
		return err
	}
	for {
		req := NewSessionSetupReq(token)
		req.SecurityMode = byte(SecurityModeSigningEnabled)
		if s.t.opt.RequireMessageSigning {
			req.SecurityMode = byte(SecurityModeSigningRequired)
		}
		m := NewMessage(req)
		m.Header.SessionID = s.ID()

		r, reqRaw, err := s.t.roundTrip(ctx, m)
		if err != nil {
			return err
		}
		if res.Dialect == DialectSmb_3_1_1 {
			s.preauth.Update(reqRaw)
		}
		rm := r.msg
		s.mu.Lock()
		s.id = rm.Header.SessionID
		s.mu.Unlock()

		switch rm.Header.Status {
		case StatusMoreProcessingRequired:
			if res.Dialect == DialectSmb_3_1_1 {
				s.preauth.Update(r.raw)
			}
			body, ok := rm.Body.(*SessionSetupRes)
			if !ok {
				return decodingError(nil, "unexpected session setup body %T", rm.Body)
			}
			if token, err = init.InitSecContext(body.SecurityBlob); err != nil {
				log.Errorln(err)
				return err
			}
		case StatusOk:
			body, ok := rm.Body.(*SessionSetupRes)
			if !ok {
				return decodingError(nil, "unexpected session setup body %T", rm.Body)
			}
			if f, ok := init.(finisher); ok {
				if err := f.Finish(body.SecurityBlob); err != nil {
					log.Errorln(err)
					return err
				}
			}
			s.flags = body.Flags
			return s.activate(res, init.SessionKey(), r.raw)
		default:
			err := rm.Err()
			log.Errorln(err)
			return err
		}
	}
}

// activate derives the session keys and hands them to the transport.
func (s *Session) activate(res *NegotiateResult, key []byte, finalRaw []byte) error {
	opt := &s.t.opt
	anonymous := s.IsNull() || s.IsGuest() || len(key) == 0
	st := &sessionState{}

	if !anonymous {
		signer, err := NewSigningContext(res.Dialect, res.SigningAlgorithm, key, s.preauth.Sum())
		if err != nil {
			return err
		}
		st.signer = signer
		st.sign = !opt.DisableSigning && (res.SigningRequired || opt.RequireMessageSigning)
		h, _, err := DecodeHeader(finalRaw, 0)
		if err != nil {
			return err
		}
		if h.IsSigned() {
			if err := signer.Verify(finalRaw); err != nil {
				s.t.metrics.signatureFailure()
				return err
			}
		} else if st.sign {
			return &SignatureVerificationError{MessageID: h.MessageID, Command: h.Command}
		}
		if res.Dialect >= DialectSmb_3_0 {
			if s.appKey, err = DeriveKey(key, PurposeApplication, res.Dialect, s.preauth.Sum(), 0); err != nil {
				return err
			}
		}
		s.signer = signer
		s.sessionKey = key
	} else if opt.RequireMessageSigning {
		return fmt.Errorf("signing is required but the session is anonymous")
	}

	wantEncrypt := s.flags&SessionFlagEncryptData != 0 || opt.RequireEncryption
	if wantEncrypt && !opt.DisableEncryption {
		if anonymous || !res.SupportsEncryption() {
			return fmt.Errorf("encryption is required but not available")
		}
		c, err := newSessionCipher(key, res.Dialect, res.Cipher, s.preauth.Sum())
		if err != nil {
			return err
		}
		st.cipher = c
		st.encrypt = true
	}
	id := s.ID()
	s.t.bindSession(id, st)
	log.Debugf("Session 0x%x established, signing: %v, encryption: %v\n", id, st.sign, st.encrypt)
	return nil
}

func (s *Session) send(ctx context.Context, treeID uint32, body Body) (*Message, error) {
	m := NewMessage(body)
	m.Header.SessionID = s.ID()
	m.Header.TreeID = treeID
	return s.t.SendRecv(ctx, m)
}

// TreeConnect connects to share, given as a name or a \\host\share path, and
// returns the tree id.
func (s *Session) TreeConnect(ctx context.Context, share string) (uint32, error) {
	path := share
	if !strings.HasPrefix(share, `\\`) {
		path = fmt.Sprintf(`\\%s\%s`, s.t.opt.Host, share)
	}
	s.mu.Lock()
	if id, ok := s.trees[strings.ToLower(path)]; ok {
		s.mu.Unlock()
		return id, nil
	}
	s.mu.Unlock()

	res, err := s.send(ctx, 0, NewTreeConnectReq(path))
	if err != nil {
		return 0, err
	}
	if err := res.Err(); err != nil {
		log.Errorf("Tree connect to %s failed: %v\n", path, err)
		return 0, err
	}
	id := res.Header.TreeID
	s.mu.Lock()
	s.trees[strings.ToLower(path)] = id
	s.mu.Unlock()
	log.Debugf("Connected to %s with tree id %d\n", path, id)
	return id, nil
}

func (s *Session) TreeDisconnect(ctx context.Context, treeID uint32) error {
	res, err := s.send(ctx, treeID, NewTreeDisconnectReq())
	if err != nil {
		return err
	}
	s.mu.Lock()
	for k, v := range s.trees {
		if v == treeID {
			delete(s.trees, k)
		}
	}
	s.mu.Unlock()
	return res.Err()
}

func (s *Session) Logoff(ctx context.Context) error {
	res, err := s.send(ctx, 0, NewLogoffReq())
	s.t.unbindSession(s.ID())
	if err != nil {
		return err
	}
	return res.Err()
}

// OpenPipe opens the named pipe name on IPC$.
func (s *Session) OpenPipe(ctx context.Context, name string) (*Pipe, error) {
	treeID, err := s.TreeConnect(ctx, "IPC$")
	if err != nil {
		return nil, err
	}
	req := NewCreateReq(strings.TrimPrefix(name, `\`))
	req.DesiredAccess = FAccMaskFileReadData | FAccMaskFileWriteData | FAccMaskFileAppendData |
		FAccMaskFileReadEA | FAccMaskFileWriteEA | FAccMaskFileReadAttributes |
		FAccMaskFileWriteAttributes | FAccMaskReadControl | FAccMaskSynchronize
	req.ShareAccess = FileShareRead | FileShareWrite
	req.CreateOptions = FileNonDirectoryFile
	res, err := s.send(ctx, treeID, req)
	if err != nil {
		return nil, err
	}
	if err := res.Err(); err != nil {
		log.Errorf("Failed to open pipe %s: %v\n", name, err)
		return nil, err
	}
	body, ok := res.Body.(*CreateRes)
	if !ok {
		return nil, decodingError(nil, "unexpected create body %T", res.Body)
	}
	return &Pipe{s: s, name: name, treeID: treeID, fid: body.FileID}, nil
}

// Close disconnects every tree and logs off.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	ids := make([]uint32, 0, len(s.trees))
	for _, id := range s.trees {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	for _, id := range ids {
		if err := s.TreeDisconnect(ctx, id); err != nil {
			log.Debugf("Tree disconnect of %d failed: %v\n", id, err)
		}
	}
	return s.Logoff(ctx)
}
