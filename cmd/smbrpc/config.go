package main

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/ikas-mc/jcifs-ng-dotnet-sub003/smb"
)

// Config is the merged view of flags, SMBRPC_* environment variables and the
// optional YAML file, in that order of precedence.
type Config struct {
	Host        string        `mapstructure:"host"`
	Port        int           `mapstructure:"port"`
	User        string        `mapstructure:"user"`
	Password    string        `mapstructure:"password"`
	Hash        string        `mapstructure:"hash"`
	Domain      string        `mapstructure:"domain"`
	Workstation string        `mapstructure:"workstation"`
	NullSession bool          `mapstructure:"null"`
	Proxy       string        `mapstructure:"proxy"`
	Timeout     time.Duration `mapstructure:"timeout"`
	Dialect     string        `mapstructure:"dialect"`
	SMB1        bool          `mapstructure:"smb1"`
	Sign        bool          `mapstructure:"sign"`
	Encrypt     bool          `mapstructure:"encrypt"`
	Compress    bool          `mapstructure:"compress"`
	Debug       bool          `mapstructure:"debug"`
}

// loadConfig reads configuration into a fresh viper instance. A missing
// config file is only an error when it was named explicitly.
func loadConfig(flags *pflag.FlagSet, path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SMBRPC")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()
	v.SetDefault("port", 445)
	v.SetDefault("timeout", 10*time.Second)
	v.SetDefault("dialect", "3.1.1")

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}
	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &cfg, nil
}

var dialects = map[string]uint16{
	"2.0.2": smb.DialectSmb_2_0_2,
	"2.1":   smb.DialectSmb_2_1,
	"3.0":   smb.DialectSmb_3_0,
	"3.0.2": smb.DialectSmb_3_0_2,
	"3.1.1": smb.DialectSmb_3_1_1,
}

// Options converts the configuration into transport options.
func (c *Config) Options() (smb.Options, error) {
	maxDialect, ok := dialects[c.Dialect]
	if !ok {
		return smb.Options{}, fmt.Errorf("unknown dialect %q", c.Dialect)
	}
	opt := smb.Options{
		Host:                  c.Host,
		Port:                  c.Port,
		ProxyURL:              c.Proxy,
		ConnectTimeout:        c.Timeout,
		ResponseTimeout:       c.Timeout,
		MaxDialect:            maxDialect,
		SMB1Negotiate:         c.SMB1,
		RequireMessageSigning: c.Sign,
		RequireEncryption:     c.Encrypt,
		Compression:           c.Compress,
	}
	return opt, nil
}

// Credentials returns the NTLM credentials of the configuration.
func (c *Config) Credentials() (smb.NTLMCredentials, error) {
	creds := smb.NTLMCredentials{
		User:        c.User,
		Password:    c.Password,
		Domain:      c.Domain,
		Workstation: c.Workstation,
		NullSession: c.NullSession,
	}
	if c.Hash != "" {
		h, err := hex.DecodeString(c.Hash)
		if err != nil || len(h) != 16 {
			return creds, fmt.Errorf("hash must be 32 hex characters")
		}
		creds.Hash = h
	}
	return creds, nil
}
