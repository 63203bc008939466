package smb

import (
	"context"
	"fmt"
	"net"
	"time"

	"golang.org/x/net/proxy"
)

type Options struct {
	Host string
	Port int

	// Dialing
	ConnectTimeout time.Duration
	ProxyURL       string       // socks5://[user:pass@]host:port
	ProxyDialer    proxy.Dialer // takes precedence over ProxyURL
	// DialContext replaces the network dialer, mainly for in-memory tests.
	DialContext func(ctx context.Context, network, addr string) (net.Conn, error)

	// Dialect range and negotiation policy
	MinDialect            uint16
	MaxDialect            uint16
	RequireMessageSigning bool
	DisableSigning        bool
	DisableEncryption     bool
	RequireEncryption     bool
	Compression           bool
	// SMB1Negotiate starts with an SMB1 multi-protocol negotiate.
	SMB1Negotiate bool

	// Request handling
	ResponseTimeout time.Duration
	// IdleTimeout disconnects a connection without outstanding requests
	// after this long. Zero disables it.
	IdleTimeout     time.Duration
	CancelOnTimeout bool
	CancelGrace     time.Duration
	MaxCredits      uint16
	CreditRequest   uint16

	Initiator Initiator
	Metrics   *Metrics
}

const (
	defaultPort            = 445
	defaultConnectTimeout  = 5 * time.Second
	defaultResponseTimeout = 30 * time.Second
	defaultCancelGrace     = 5 * time.Second
	defaultCreditRequest   = 64
)

func (o *Options) applyDefaults() {
	if o.Port == 0 {
		o.Port = defaultPort
	}
	if o.ConnectTimeout == 0 {
		o.ConnectTimeout = defaultConnectTimeout
	}
	if o.ResponseTimeout == 0 {
		o.ResponseTimeout = defaultResponseTimeout
	}
	if o.CancelGrace == 0 {
		o.CancelGrace = defaultCancelGrace
	}
	if o.MaxCredits == 0 {
		o.MaxCredits = DefaultMaxCredits
	}
	if o.CreditRequest == 0 {
		o.CreditRequest = defaultCreditRequest
	}
	if o.MinDialect == 0 {
		o.MinDialect = DialectSmb_2_0_2
	}
	if o.MaxDialect == 0 {
		o.MaxDialect = DialectSmb_3_1_1
	}
}

func validateOptions(opt Options) error {
	if opt.Host == "" {
		return fmt.Errorf("Missing required option: Host")
	}
	if opt.Port < 1 || opt.Port > 65535 {
		return fmt.Errorf("Invalid or missing value: Port")
	}
	if opt.MinDialect > opt.MaxDialect {
		return fmt.Errorf("Invalid dialect range 0x%04x-0x%04x", opt.MinDialect, opt.MaxDialect)
	}
	if opt.RequireMessageSigning && opt.DisableSigning {
		return fmt.Errorf("Signing cannot be both required and disabled")
	}
	if opt.RequireEncryption && opt.DisableEncryption {
		return fmt.Errorf("Encryption cannot be both required and disabled")
	}
	if opt.RequireEncryption && opt.MaxDialect < DialectSmb_3_0 {
		return fmt.Errorf("Encryption requires at least dialect 3.0")
	}
	if opt.CreditRequest > opt.MaxCredits {
		return fmt.Errorf("CreditRequest %d exceeds MaxCredits %d", opt.CreditRequest, opt.MaxCredits)
	}
	return nil
}
