// Package spnego wraps GSS mechanisms in SPNEGO negotiation tokens as used by
// SMB session setup. MS-SPNG, RFC 4178
package spnego

import (
	"fmt"

	"github.com/jfjallid/gofork/encoding/asn1"
	"github.com/jfjallid/golog"
)

var log = golog.Get("github.com/ikas-mc/jcifs-ng-dotnet-sub003/spnego")

var (
	SpnegoOid          = asn1.ObjectIdentifier([]int{1, 3, 6, 1, 5, 5, 2})
	MsKerberosOid      = asn1.ObjectIdentifier([]int{1, 2, 840, 48018, 1, 2, 2})
	KerberosOid        = asn1.ObjectIdentifier([]int{1, 2, 840, 113554, 1, 2, 2})
	NtLmSSPMechTypeOid = asn1.ObjectIdentifier([]int{1, 3, 6, 1, 4, 1, 311, 2, 2, 10})
)

const (
	StateAcceptCompleted  = 0
	StateAcceptIncomplete = 1
	StateReject           = 2
	StateRequestMic       = 3
)

type NegTokenInitData struct {
	MechTypes    []asn1.ObjectIdentifier `asn1:"explicit,tag:0"`
	ReqFlags     asn1.BitString          `asn1:"explicit,optional,omitempty,tag:1"`
	MechToken    []byte                  `asn1:"explicit,optional,omitempty,tag:2"`
	MechTokenMIC []byte                  `asn1:"explicit,optional,omitempty,tag:3"`
}

type NegTokenInit struct {
	OID  asn1.ObjectIdentifier
	Data NegTokenInitData `asn1:"explicit"`
}

type NegTokenResp struct {
	State         asn1.Enumerated       `asn1:"explicit,optional,omitempty,tag:0"`
	SupportedMech asn1.ObjectIdentifier `asn1:"explicit,optional,omitempty,tag:1"`
	ResponseToken []byte                `asn1:"explicit,optional,omitempty,tag:2"`
	MechListMIC   []byte                `asn1:"explicit,optional,omitempty,tag:3"`
}

// wrapped forces the outer sequence that the [1] tag replaces.
type wrapped struct{ Resp NegTokenResp }

// EncodeNegTokenInit returns the GSS-API initial context token.
func EncodeNegTokenInit(mechTypes []asn1.ObjectIdentifier, token []byte) ([]byte, error) {
	buf, err := asn1.Marshal(NegTokenInit{
		OID: SpnegoOid,
		Data: NegTokenInitData{
			MechTypes: mechTypes,
			MechToken: token,
		},
	})
	if err != nil {
		log.Errorln(err)
		return nil, err
	}
	// [APPLICATION 0] instead of SEQUENCE
	buf[0] = 0x60
	return buf, nil
}

func DecodeNegTokenInit(buf []byte) (*NegTokenInit, error) {
	var t NegTokenInit
	if _, err := asn1.UnmarshalWithParams(buf, &t, "application"); err != nil {
		return nil, err
	}
	return &t, nil
}

func EncodeNegTokenResp(r NegTokenResp) ([]byte, error) {
	buf, err := asn1.Marshal(wrapped{r})
	if err != nil {
		log.Errorln(err)
		return nil, err
	}
	// [1] instead of SEQUENCE
	buf[0] = 0xa1
	return buf, nil
}

func DecodeNegTokenResp(buf []byte) (*NegTokenResp, error) {
	var r NegTokenResp
	if _, err := asn1.UnmarshalWithParams(buf, &r, "explicit,tag:1"); err != nil {
		log.Debugln(err)
		return nil, err
	}
	return &r, nil
}

// Mechanism is a GSS mechanism that can be negotiated.
type Mechanism interface {
	Oid() asn1.ObjectIdentifier
	InitSecContext(inputToken []byte) ([]byte, error)
	// Sum signs the encoded mechanism list.
	Sum(bs []byte) []byte
	// Verify checks the mechanism list MIC sent by the server.
	Verify(mic, bs []byte) error
	SessionKey() []byte
}

// Client negotiates one of mechs, offered in order of preference.
type Client struct {
	mechs        []Mechanism
	mechTypes    []asn1.ObjectIdentifier
	selectedMech Mechanism
}

func NewClient(mechs []Mechanism) (*Client, error) {
	if len(mechs) == 0 {
		return nil, fmt.Errorf("SPNEGO requires at least one mechanism")
	}
	c := &Client{mechs: mechs, mechTypes: make([]asn1.ObjectIdentifier, len(mechs))}
	for i := range mechs {
		c.mechTypes[i] = mechs[i].Oid()
	}
	return c, nil
}

// InitSecContext returns the next token to send. A nil inputToken starts the
// exchange with an optimistic token of the preferred mechanism.
func (c *Client) InitSecContext(inputToken []byte) ([]byte, error) {
	if inputToken == nil {
		mechToken, err := c.mechs[0].InitSecContext(nil)
		if err != nil {
			return nil, err
		}
		c.selectedMech = c.mechs[0]
		return EncodeNegTokenInit(c.mechTypes, mechToken)
	}

	token, err := DecodeNegTokenResp(inputToken)
	if err != nil {
		return nil, err
	}
	if token.State == StateReject {
		return nil, fmt.Errorf("server rejected the security context")
	}
	if len(token.SupportedMech) > 0 {
		c.selectedMech = nil
		for i := range c.mechTypes {
			if c.mechTypes[i].Equal(token.SupportedMech) {
				c.selectedMech = c.mechs[i]
				break
			}
		}
		if c.selectedMech == nil {
			return nil, fmt.Errorf("server selected unknown mechanism %v", token.SupportedMech)
		}
	}
	responseToken, err := c.selectedMech.InitSecContext(token.ResponseToken)
	if err != nil {
		return nil, err
	}
	ms, err := asn1.Marshal(c.mechTypes)
	if err != nil {
		return nil, err
	}
	return EncodeNegTokenResp(NegTokenResp{
		State:         StateAcceptIncomplete,
		ResponseToken: responseToken,
		MechListMIC:   c.selectedMech.Sum(ms),
	})
}

// Finish checks the server's final token, if it sent one.
func (c *Client) Finish(outputToken []byte) error {
	if len(outputToken) == 0 || c.selectedMech == nil {
		return nil
	}
	token, err := DecodeNegTokenResp(outputToken)
	if err != nil {
		return err
	}
	if token.State != StateAcceptCompleted {
		return fmt.Errorf("security context not completed, state %d", token.State)
	}
	if len(token.MechListMIC) == 0 {
		return nil
	}
	ms, err := asn1.Marshal(c.mechTypes)
	if err != nil {
		return err
	}
	return c.selectedMech.Verify(token.MechListMIC, ms)
}

func (c *Client) SessionKey() []byte {
	if c.selectedMech == nil {
		return nil
	}
	return c.selectedMech.SessionKey()
}
