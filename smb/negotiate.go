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
	"crypto/rand"
	"crypto/sha512"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/ikas-mc/jcifs-ng-dotnet-sub003/smb/encoder"
)

type NegotiationState int

const (
	Unnegotiated NegotiationState = iota
	ContextsBuilt
	Sent
	Validated
	Rejected
)

func (s NegotiationState) String() string {
	switch s {
	case Unnegotiated:
		return "Unnegotiated"
	case ContextsBuilt:
		return "ContextsBuilt"
	case Sent:
		return "Sent"
	case Validated:
		return "Validated"
	case Rejected:
		return "Rejected"
	}
	return fmt.Sprintf("NegotiationState(%d)", int(s))
}

// MS-SMB2 2.2.3.1.1
type PreauthIntegrityContext struct {
	HashAlgorithmCount uint16 `smb:"count:HashAlgorithms"`
	SaltLength         uint16 `smb:"len:Salt"`
	HashAlgorithms     []uint16
	Salt               []byte
}

// MS-SMB2 2.2.3.1.2
type EncryptionContext struct {
	CipherCount uint16 `smb:"count:Ciphers"`
	Ciphers     []uint16
}

// MS-SMB2 2.2.3.1.3
type CompressionContext struct {
	CompressionAlgorithmCount uint16 `smb:"count:CompressionAlgorithms"`
	Padding                   uint16
	Flags                     uint32
	CompressionAlgorithms     []uint16
}

// MS-SMB2 2.2.3.1.7
type SigningCapabilitiesContext struct {
	SigningAlgorithmCount uint16 `smb:"count:SigningAlgorithms"`
	SigningAlgorithms     []uint16
}

// PreauthHash is the running SHA-512 preauth integrity hash.
type PreauthHash struct {
	mu    sync.Mutex
	value [64]byte
}

func (p *PreauthHash) Update(pkt []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	h := sha512.New()
	h.Write(p.value[:])
	h.Write(pkt)
	h.Sum(p.value[:0])
}

func (p *PreauthHash) Sum() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]byte(nil), p.value[:]...)
}

// Clone returns an independent copy, used to fork the connection hash into a
// per session hash.
func (p *PreauthHash) Clone() *PreauthHash {
	p.mu.Lock()
	defer p.mu.Unlock()
	return &PreauthHash{value: p.value}
}

// NegotiateResult is frozen once negotiation is validated.
type NegotiateResult struct {
	Dialect               uint16
	SecurityMode          uint16
	SigningRequired       bool
	Capabilities          uint32
	ServerGuid            uuid.UUID
	MaxTransactSize       uint32
	MaxReadSize           uint32
	MaxWriteSize          uint32
	HashAlgorithm         uint16
	Cipher                uint16
	SigningAlgorithm      uint16
	CompressionAlgorithms []uint16
	SecurityBlob          []byte
	// SMB1 is set when the server picked NT LM 0.12 in a multi-protocol
	// negotiate.
	SMB1 bool
}

func (r *NegotiateResult) SupportsEncryption() bool {
	if r.Dialect == DialectSmb_3_1_1 {
		return r.Cipher != 0
	}
	return r.Dialect >= DialectSmb_3_0 && r.Capabilities&GlobalCapEncryption != 0
}

// Negotiator drives dialect selection and negotiate context validation.
type Negotiator struct {
	MinDialect            uint16
	MaxDialect            uint16
	RequireSigning        bool
	HashAlgorithms        []uint16
	Ciphers               []uint16
	SigningAlgorithms     []uint16
	CompressionAlgorithms []uint16
	ServerName            string
	ClientGuid            uuid.UUID
	Salt                  []byte

	state   NegotiationState
	req     *NegotiateReq
	result  *NegotiateResult
	preauth PreauthHash
}

// NewNegotiator returns a negotiator with the default offers: SHA-512, the
// GCM and CCM ciphers, all signing algorithms and, if enabled, LZ4 compression.
func NewNegotiator(opt *Options) *Negotiator {
	n := &Negotiator{
		MinDialect:        opt.MinDialect,
		MaxDialect:        opt.MaxDialect,
		RequireSigning:    opt.RequireMessageSigning,
		HashAlgorithms:    []uint16{SHA512},
		SigningAlgorithms: []uint16{AES_GMAC, AES_CMAC, HMAC_SHA256},
		ServerName:        opt.Host,
		ClientGuid:        uuid.New(),
	}
	if !opt.DisableEncryption {
		n.Ciphers = []uint16{AES128GCM, AES256GCM, AES128CCM, AES256CCM}
	}
	if opt.Compression {
		n.CompressionAlgorithms = []uint16{CompressionLZ4}
	}
	if n.MinDialect == 0 {
		n.MinDialect = DialectSmb_2_0_2
	}
	if n.MaxDialect == 0 {
		n.MaxDialect = DialectSmb_3_1_1
	}
	return n
}

func (n *Negotiator) State() NegotiationState { return n.state }

// Result returns the frozen negotiation outcome, nil unless Validated.
func (n *Negotiator) Result() *NegotiateResult {
	if n.state != Validated {
		return nil
	}
	return n.result
}

// Preauth returns the connection preauth integrity hash after the negotiate
// exchange.
func (n *Negotiator) Preauth() *PreauthHash { return &n.preauth }

// Dialects returns the offered dialects within [MinDialect, MaxDialect].
func (n *Negotiator) Dialects() []uint16 {
	var out []uint16
	for _, d := range knownDialects {
		if d >= n.MinDialect && d <= n.MaxDialect {
			out = append(out, d)
		}
	}
	return out
}

func (n *Negotiator) offers311() bool {
	return n.MaxDialect >= DialectSmb_3_1_1 && n.MinDialect <= DialectSmb_3_1_1
}

func newNegContext(ctxType uint16, v interface{}) (NegContext, error) {
	var data []byte
	switch t := v.(type) {
	case []byte:
		data = t
	default:
		var err error
		data, err = encoder.Marshal(v)
		if err != nil {
			return NegContext{}, err
		}
	}
	return NegContext{ContextType: ctxType, Data: data}, nil
}

// BuildRequest moves Unnegotiated to ContextsBuilt and returns the
// negotiate request.
func (n *Negotiator) BuildRequest() (*Message, error) {
	if n.state != Unnegotiated {
		return nil, fmt.Errorf("cannot build negotiate request in state %s", n.state)
	}
	dialects := n.Dialects()
	if len(dialects) == 0 {
		return nil, fmt.Errorf("no dialects between 0x%04x and 0x%04x", n.MinDialect, n.MaxDialect)
	}
	req := NewNegotiateReq()
	req.Dialects = dialects
	req.SecurityMode = SecurityModeSigningEnabled
	if n.RequireSigning {
		req.SecurityMode = SecurityModeSigningRequired
	}
	req.Capabilities = GlobalCapLargeMTU
	if len(n.Ciphers) > 0 && n.MaxDialect >= DialectSmb_3_0 {
		req.Capabilities |= GlobalCapEncryption
	}
	// SMB Dialects other than 3.x requires clientGuid to be zero
	if n.MaxDialect >= DialectSmb_2_1 {
		copy(req.ClientGuid[:], n.ClientGuid[:])
	}

	if n.offers311() {
		if len(n.Salt) == 0 {
			n.Salt = make([]byte, 32)
			if _, err := rand.Read(n.Salt); err != nil {
				log.Errorln(err)
				return nil, err
			}
		}
		ctx, err := newNegContext(PreauthIntegrityCapabilities, PreauthIntegrityContext{
			HashAlgorithms: n.HashAlgorithms,
			Salt:           n.Salt,
		})
		if err != nil {
			return nil, err
		}
		req.ContextList = append(req.ContextList, ctx)
		if len(n.Ciphers) > 0 {
			ctx, err = newNegContext(EncryptionCapabilities, EncryptionContext{Ciphers: n.Ciphers})
			if err != nil {
				return nil, err
			}
			req.ContextList = append(req.ContextList, ctx)
		}
		if len(n.CompressionAlgorithms) > 0 {
			ctx, err = newNegContext(CompressionCapabilities, CompressionContext{CompressionAlgorithms: n.CompressionAlgorithms})
			if err != nil {
				return nil, err
			}
			req.ContextList = append(req.ContextList, ctx)
		}
		if n.ServerName != "" {
			ctx, err = newNegContext(NetNameNegotiateContextId, encoder.ToUnicode(n.ServerName))
			if err != nil {
				return nil, err
			}
			req.ContextList = append(req.ContextList, ctx)
		}
		if len(n.SigningAlgorithms) > 0 {
			ctx, err = newNegContext(SigningCapabilities, SigningCapabilitiesContext{SigningAlgorithms: n.SigningAlgorithms})
			if err != nil {
				return nil, err
			}
			req.ContextList = append(req.ContextList, ctx)
		}
	}
	n.req = req
	n.state = ContextsBuilt
	return NewMessage(req), nil
}

// MarkSent records the encoded request and moves to Sent.
func (n *Negotiator) MarkSent(pkt []byte) error {
	if n.state != ContextsBuilt {
		return fmt.Errorf("cannot send negotiate request in state %s", n.state)
	}
	n.preauth.Update(pkt)
	n.state = Sent
	return nil
}

func (n *Negotiator) reject(format string, a ...interface{}) error {
	n.state = Rejected
	err := &NegotiationRejected{Reason: fmt.Sprintf(format, a...)}
	log.Errorln(err)
	return err
}

func contains(list []uint16, v uint16) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

// Validate checks the negotiate response against the request and moves to
// Validated or Rejected. pkt is the raw response used for the preauth hash.
func (n *Negotiator) Validate(res *Message, pkt []byte) (*NegotiateResult, error) {
	if n.state != Sent {
		return nil, fmt.Errorf("cannot validate negotiate response in state %s", n.state)
	}
	if res.Header.Status != StatusOk {
		return nil, n.reject("server returned %s", StatusText(res.Header.Status))
	}
	body, ok := res.Body.(*NegotiateRes)
	if !ok {
		return nil, n.reject("unexpected negotiate response body %T", res.Body)
	}
	if n.RequireSigning && body.SecurityMode&(SecurityModeSigningEnabled|SecurityModeSigningRequired) == 0 {
		return nil, n.reject("signing is required but not supported by the server")
	}
	dialect := body.DialectRevision
	if dialect < n.MinDialect || dialect > n.MaxDialect || !contains(n.req.Dialects, dialect) {
		return nil, n.reject("server selected dialect %s outside of the offered range", DialectString(dialect))
	}

	r := &NegotiateResult{
		Dialect:         dialect,
		SecurityMode:    body.SecurityMode,
		SigningRequired: n.RequireSigning || body.SecurityMode&SecurityModeSigningRequired != 0,
		Capabilities:    body.Capabilities,
		MaxTransactSize: body.MaxTransactSize,
		MaxReadSize:     body.MaxReadSize,
		MaxWriteSize:    body.MaxWriteSize,
		SecurityBlob:    body.SecurityBlob,
	}
	copy(r.ServerGuid[:], body.ServerGuid[:])

	if dialect == DialectSmb_3_1_1 {
		if err := n.validateContexts(body.ContextList, r); err != nil {
			return nil, err
		}
		n.preauth.Update(pkt)
	}
	n.result = r
	n.state = Validated
	log.Debugf("Negotiated dialect %s\n", DialectString(dialect))
	return r, nil
}

func (n *Negotiator) validateContexts(list []NegContext, r *NegotiateResult) error {
	byType := make(map[uint16][]NegContext)
	for _, c := range list {
		byType[c.ContextType] = append(byType[c.ContextType], c)
	}
	for t, cs := range byType {
		if len(cs) > 1 {
			return n.reject("duplicate negotiate context of type %d", t)
		}
	}

	pics := byType[PreauthIntegrityCapabilities]
	if len(pics) != 1 {
		return n.reject("missing preauth integrity context")
	}
	var pic PreauthIntegrityContext
	if err := encoder.Unmarshal(pics[0].Data, &pic); err != nil {
		return n.reject("malformed preauth integrity context: %v", err)
	}
	if len(pic.HashAlgorithms) != 1 {
		return n.reject("server selected %d hash algorithms", len(pic.HashAlgorithms))
	}
	if !contains(n.HashAlgorithms, pic.HashAlgorithms[0]) {
		return n.reject("server selected hash algorithm %d which was not offered", pic.HashAlgorithms[0])
	}
	r.HashAlgorithm = pic.HashAlgorithms[0]

	ecs := byType[EncryptionCapabilities]
	if len(ecs) == 0 && n.req.Capabilities&r.Capabilities&GlobalCapEncryption != 0 {
		return n.reject("encryption capability is common but the encryption context is missing")
	}
	if len(ecs) == 1 {
		if len(n.Ciphers) == 0 {
			return n.reject("server returned an encryption context that was not offered")
		}
		var ec EncryptionContext
		if err := encoder.Unmarshal(ecs[0].Data, &ec); err != nil {
			return n.reject("malformed encryption context: %v", err)
		}
		if len(ec.Ciphers) != 1 {
			return n.reject("server selected %d ciphers", len(ec.Ciphers))
		}
		// Zero means no common cipher.
		if ec.Ciphers[0] != 0 && !contains(n.Ciphers, ec.Ciphers[0]) {
			return n.reject("server selected cipher %d which was not offered", ec.Ciphers[0])
		}
		r.Cipher = ec.Ciphers[0]
	}

	if scs := byType[SigningCapabilities]; len(scs) == 1 {
		if len(n.SigningAlgorithms) == 0 {
			return n.reject("server returned a signing context that was not offered")
		}
		var sc SigningCapabilitiesContext
		if err := encoder.Unmarshal(scs[0].Data, &sc); err != nil {
			return n.reject("malformed signing context: %v", err)
		}
		if len(sc.SigningAlgorithms) != 1 || !contains(n.SigningAlgorithms, sc.SigningAlgorithms[0]) {
			return n.reject("invalid signing algorithm selection %v", sc.SigningAlgorithms)
		}
		r.SigningAlgorithm = sc.SigningAlgorithms[0]
	} else {
		r.SigningAlgorithm = AES_CMAC
	}

	if ccs := byType[CompressionCapabilities]; len(ccs) == 1 {
		if len(n.CompressionAlgorithms) == 0 {
			return n.reject("server returned a compression context that was not offered")
		}
		var cc CompressionContext
		if err := encoder.Unmarshal(ccs[0].Data, &cc); err != nil {
			return n.reject("malformed compression context: %v", err)
		}
		for _, a := range cc.CompressionAlgorithms {
			if a != CompressionNone && !contains(n.CompressionAlgorithms, a) {
				return n.reject("server selected compression algorithm %d which was not offered", a)
			}
		}
		r.CompressionAlgorithms = cc.CompressionAlgorithms
	}
	return nil
}

// AcceptSMB1 validates an NT LM 0.12 reply to a multi-protocol negotiate.
// The connection is then restricted to raw SMB1 exchanges.
func (n *Negotiator) AcceptSMB1(req, res *SMB1Message) (*NegotiateResult, error) {
	if n.state != Unnegotiated && n.state != ContextsBuilt {
		return nil, fmt.Errorf("cannot accept SMB1 negotiate in state %s", n.state)
	}
	if res.Header.Status != StatusOk {
		return nil, n.reject("server returned %s", StatusText(res.Header.Status))
	}
	parsed, err := ParseSMB1NegotiateRes(res)
	if err != nil {
		n.state = Rejected
		return nil, err
	}
	if name := smb1DialectName(req, int(parsed.DialectIndex)); name != smb1DialectNTLM {
		return nil, n.reject("server selected unsupported SMB1 dialect %q", name)
	}
	// Bit 0x08 of SecurityMode is NEGOTIATE_SECURITY_SIGNATURES_REQUIRED,
	// 0x04 NEGOTIATE_SECURITY_SIGNATURES_ENABLED.
	if n.RequireSigning && parsed.SecurityMode&0x0c == 0 {
		return nil, n.reject("signing is required but not supported by the server")
	}
	n.result = &NegotiateResult{
		SMB1:            true,
		SigningRequired: n.RequireSigning || parsed.SecurityMode&0x08 != 0,
		MaxTransactSize: parsed.MaxBufferSize,
		MaxReadSize:     parsed.MaxBufferSize,
		MaxWriteSize:    parsed.MaxBufferSize,
		Capabilities:    parsed.Capabilities,
	}
	n.state = Validated
	return n.result, nil
}

// AcceptSMB2Reply handles an SMB2 negotiate response to a multi-protocol
// negotiate. It returns nil, nil when the server answered with the wildcard
// dialect 0x02FF and a regular SMB2 negotiate has to follow.
func (n *Negotiator) AcceptSMB2Reply(res *Message) (*NegotiateResult, error) {
	if n.state != Unnegotiated {
		return nil, fmt.Errorf("cannot accept multi-protocol reply in state %s", n.state)
	}
	if res.Header.Status != StatusOk {
		return nil, n.reject("server returned %s", StatusText(res.Header.Status))
	}
	body, ok := res.Body.(*NegotiateRes)
	if !ok {
		return nil, n.reject("unexpected negotiate response body %T", res.Body)
	}
	switch body.DialectRevision {
	case DialectSmb2_ALL:
		log.Debugln("Server selected SMB2 wildcard dialect")
		return nil, nil
	case DialectSmb_2_0_2:
		if n.MinDialect > DialectSmb_2_0_2 {
			return nil, n.reject("server selected dialect 2.0.2 below the minimum %s", DialectString(n.MinDialect))
		}
	default:
		return nil, n.reject("server selected dialect %s in a multi-protocol negotiate", DialectString(body.DialectRevision))
	}
	if n.RequireSigning && body.SecurityMode&(SecurityModeSigningEnabled|SecurityModeSigningRequired) == 0 {
		return nil, n.reject("signing is required but not supported by the server")
	}
	n.result = &NegotiateResult{
		Dialect:         DialectSmb_2_0_2,
		SecurityMode:    body.SecurityMode,
		SigningRequired: n.RequireSigning || body.SecurityMode&SecurityModeSigningRequired != 0,
		Capabilities:    body.Capabilities,
		MaxTransactSize: body.MaxTransactSize,
		MaxReadSize:     body.MaxReadSize,
		MaxWriteSize:    body.MaxWriteSize,
		SecurityBlob:    body.SecurityBlob,
	}
	copy(n.result.ServerGuid[:], body.ServerGuid[:])
	n.state = Validated
	return n.result, nil
}
