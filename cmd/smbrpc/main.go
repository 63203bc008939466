// Command smbrpc performs administrative RPC calls over SMB named pipes.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/jfjallid/golog"
	"github.com/spf13/cobra"

	"github.com/ikas-mc/jcifs-ng-dotnet-sub003/smb"
	"github.com/ikas-mc/jcifs-ng-dotnet-sub003/smb/dcerpc"
	"github.com/ikas-mc/jcifs-ng-dotnet-sub003/smb/dcerpc/mslsad"
)

var log = golog.Get("main")

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "smbrpc",
	Short: "Call DCE/RPC interfaces over SMB named pipes",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if d, _ := cmd.Flags().GetBool("debug"); d {
			for _, pkg := range []string{
				"github.com/ikas-mc/jcifs-ng-dotnet-sub003/smb",
				"github.com/ikas-mc/jcifs-ng-dotnet-sub003/smb/dcerpc",
				"github.com/ikas-mc/jcifs-ng-dotnet-sub003/smb/dcerpc/mslsad",
				"github.com/ikas-mc/jcifs-ng-dotnet-sub003/ntlmssp",
				"github.com/ikas-mc/jcifs-ng-dotnet-sub003/spnego",
			} {
				golog.Set(pkg, "smbrpc", golog.LevelDebug, golog.LstdFlags|golog.Lshortfile, golog.DefaultOutput, golog.DefaultErrOutput)
			}
		}
	},
	SilenceUsage:  true,
	SilenceErrors: true,
}

var getUserNameCmd = &cobra.Command{
	Use:   "getusername",
	Short: "Print the account the connection is authenticated as (LsarGetUserName)",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd.Flags(), cfgFile)
		if err != nil {
			return err
		}
		return runGetUserName(cmd.Context(), cfg)
	},
}

var negotiateCmd = &cobra.Command{
	Use:   "negotiate",
	Short: "Print the dialect and algorithms the server negotiates",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd.Flags(), cfgFile)
		if err != nil {
			return err
		}
		return runNegotiate(cmd.Context(), cfg)
	},
}

func init() {
	f := rootCmd.PersistentFlags()
	f.StringVar(&cfgFile, "config", "", "YAML config file")
	f.String("host", "", "server name or address")
	f.Int("port", 445, "server port")
	f.String("user", "", "user name")
	f.String("password", "", "password")
	f.String("hash", "", "NT hash as hex instead of a password")
	f.String("domain", "", "domain name")
	f.String("workstation", "", "workstation name sent during authentication")
	f.Bool("null", false, "use an anonymous session")
	f.String("proxy", "", "SOCKS5 proxy, e.g. socks5://127.0.0.1:1080")
	f.Duration("timeout", 10*time.Second, "connect and response timeout")
	f.String("dialect", "3.1.1", "highest dialect to offer")
	f.Bool("smb1", false, "start with an SMB1 multi-protocol negotiate")
	f.Bool("sign", false, "require message signing")
	f.Bool("encrypt", false, "require encryption")
	f.Bool("compress", false, "offer LZ4 compression")
	f.Bool("debug", false, "enable debug logging")

	rootCmd.AddCommand(getUserNameCmd, negotiateCmd)
}

func connect(ctx context.Context, cfg *Config) (*smb.Transport, error) {
	opt, err := cfg.Options()
	if err != nil {
		return nil, err
	}
	t, err := smb.NewTransport(opt)
	if err != nil {
		return nil, err
	}
	if err := t.Connect(ctx); err != nil {
		return nil, err
	}
	return t, nil
}

func runNegotiate(ctx context.Context, cfg *Config) error {
	t, err := connect(ctx, cfg)
	if err != nil {
		return err
	}
	defer t.Disconnect()
	r := t.Result()
	fmt.Printf("Dialect:           %s\n", smb.DialectString(r.Dialect))
	if r.SMB1 {
		return nil
	}
	fmt.Printf("Server GUID:       %s\n", r.ServerGuid)
	fmt.Printf("Signing required:  %v\n", r.SigningRequired)
	fmt.Printf("Signing algorithm: %d\n", r.SigningAlgorithm)
	fmt.Printf("Cipher:            %d\n", r.Cipher)
	fmt.Printf("Compression:       %v\n", r.CompressionAlgorithms)
	fmt.Printf("Max transact size: %d\n", r.MaxTransactSize)
	return nil
}

func runGetUserName(ctx context.Context, cfg *Config) error {
	creds, err := cfg.Credentials()
	if err != nil {
		return err
	}
	auth, err := smb.NewNTLMInitiator(creds, cfg.Host)
	if err != nil {
		return err
	}
	t, err := connect(ctx, cfg)
	if err != nil {
		return err
	}
	defer t.Disconnect()

	s := smb.NewSession(t)
	if err := s.SessionSetup(ctx, auth); err != nil {
		return err
	}
	defer s.Close(context.Background())

	binder := dcerpc.NewBinder(nil)
	iface, err := binder.Registry().Lookup("lsarpc")
	if err != nil {
		return err
	}
	pipe, err := s.OpenPipe(ctx, iface.Pipe[len(`\PIPE\`):])
	if err != nil {
		return err
	}
	defer pipe.Close(context.Background())

	client, err := binder.Bind(ctx, pipe, iface.Name)
	if err != nil {
		return err
	}
	user, domain, err := mslsad.GetUserName(ctx, client)
	if err != nil {
		return err
	}
	fmt.Printf("%s\\%s\n", domain, user)
	return nil
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		log.Errorln(err)
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
