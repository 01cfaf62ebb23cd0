package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"carbon/cli"
	"carbon/config"
	"carbon/keystore"
	"carbon/logging"
	"carbon/message"
	"carbon/revocation"
	"carbon/transport"
)

const commandTimeout = 60 * time.Second

// jsonFlag removes "--json" from args and reports whether it was there.
func jsonFlag(args []string) ([]string, bool) {
	if !slices.Contains(args, "--json") {
		return args, false
	}
	return slices.DeleteFunc(slices.Clone(args), func(a string) bool { return a == "--json" }), true
}

// loadCommand loads the config for a one-shot command. Log entries would
// interleave with JSON output, so quiet runs get a no-op logger.
func loadCommand(configPath string, quiet bool) (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	if quiet {
		return cfg, zap.NewNop(), nil
	}
	log, err := logging.New("warn", "")
	if err != nil {
		return nil, nil, err
	}
	return cfg, log, nil
}

func printJSON(v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

type getOutput struct {
	URL      string              `json:"url"`
	Protocol string              `json:"protocol"`
	Status   int                 `json:"status"`
	Headers  map[string][]string `json:"headers"`
	Trailers map[string][]string `json:"trailers,omitempty"`
	Body     string              `json:"body"`
}

func headerMap(h *message.Headers) map[string][]string {
	if h.Len() == 0 {
		return nil
	}
	m := make(map[string][]string, h.Len())
	h.Each(func(name, value string) {
		m[name] = append(m[name], value)
	})
	return m
}

func get(configPath string, args []string) error {
	args, asJSON := jsonFlag(args)
	if len(args) < 1 {
		return errors.New("please specify a URL. Example: carbon get https://example.com/")
	}
	dest := args[0]
	u, err := url.Parse(dest)
	if err != nil {
		return err
	}

	cfg, log, err := loadCommand(configPath, asJSON)
	if err != nil {
		return err
	}
	defer log.Sync()
	client, err := transport.NewClientFromConfig(cfg, log)
	if err != nil {
		return err
	}
	defer client.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	req := message.NewRequest("GET", u.RequestURI())
	req.Headers.Set("User-Agent", "Carbon/"+config.VERSION)
	if cfg.Client.Decompress {
		req.Headers.Set("Accept-Encoding", strings.Join(transport.Encodings, ", "))
	}
	resp, err := client.WriteOutbound(ctx, req, dest)
	if err != nil {
		return err
	}
	body, err := resp.Content().ReadAll(ctx)
	if err != nil {
		return err
	}

	if asJSON {
		return printJSON(getOutput{
			URL:      dest,
			Protocol: resp.Protocol,
			Status:   resp.Status,
			Headers:  headerMap(&resp.Headers),
			Trailers: headerMap(&resp.Trailers),
			Body:     string(body),
		})
	}
	fmt.Printf("%s %d\n", resp.Protocol, resp.Status)
	resp.Headers.Each(func(name, value string) {
		fmt.Printf("%s: %s\n", name, value)
	})
	fmt.Println()
	os.Stdout.Write(body)
	return nil
}

type certStatus struct {
	Subject string `json:"subject"`
	Serial  string `json:"serial"`
	Issuer  string `json:"issuer"`
}

type ocspOutput struct {
	Address string       `json:"address"`
	Stapled bool         `json:"stapled"`
	Chain   []certStatus `json:"chain"`
	Status  string       `json:"status"`
	Error   string       `json:"error,omitempty"`
}

// revocationStatus names the outcome of a chain check.
func revocationStatus(err error) string {
	switch {
	case err == nil:
		return "good"
	case errors.Is(err, revocation.ErrCertificateRevoked):
		return "revoked"
	case errors.Is(err, revocation.ErrRevocationUnavailable):
		return "unavailable"
	case errors.Is(err, revocation.ErrStapleRejected):
		return "staple rejected"
	default:
		return "error"
	}
}

func checkOCSP(configPath string, args []string) error {
	args, asJSON := jsonFlag(args)
	if len(args) < 1 {
		return errors.New("please specify an address. Example: carbon ocsp example.com:443")
	}
	addr := args[0]
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host, addr = addr, net.JoinHostPort(addr, "443")
	}

	cfg, log, err := loadCommand(configPath, asJSON)
	if err != nil {
		return err
	}
	defer log.Sync()

	tc, err := transport.ClientTLS(cfg.TLS, "1.1", nil)
	if err != nil {
		return err
	}
	tc.ServerName = host
	dialTimeout := cfg.Client.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = 15 * time.Second
	}
	conn, err := tls.DialWithDialer(&net.Dialer{Timeout: dialTimeout}, "tcp", addr, tc)
	if err != nil {
		return &transport.TransportError{Op: "handshake", Addr: addr, Err: err}
	}
	cs := conn.ConnectionState()
	conn.Close()

	chain := cs.PeerCertificates
	if len(cs.VerifiedChains) > 0 {
		chain = cs.VerifiedChains[0]
	}
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()
	v := revocation.NewVerifier(transport.VerifierConfig(cfg.Revocation), log)
	checkErr := v.CheckChain(ctx, chain, cs.OCSPResponse)

	out := ocspOutput{
		Address: addr,
		Stapled: len(cs.OCSPResponse) > 0,
		Status:  revocationStatus(checkErr),
	}
	for _, c := range chain {
		out.Chain = append(out.Chain, certStatus{
			Subject: c.Subject.String(),
			Serial:  c.SerialNumber.Text(16),
			Issuer:  c.Issuer.String(),
		})
	}
	if checkErr != nil {
		out.Error = checkErr.Error()
	}

	if asJSON {
		if err := printJSON(out); err != nil {
			return err
		}
	} else {
		fmt.Printf("%s (stapled: %t)\n", out.Address, out.Stapled)
		for i, c := range out.Chain {
			fmt.Printf("  %d: %s\n     serial %s\n     issued by %s\n", i, c.Subject, c.Serial, c.Issuer)
		}
		fmt.Printf("Status: %s\n", out.Status)
	}
	return checkErr
}

func validate(configPath string) error {
	println("Validating configuration...")
	path := configPath
	if path == "" {
		path = config.GetConfigPath()
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		println("Configuration file does not exist. Did you run Carbon at least once?")
		return nil
	}
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if cfg.TLS.KeystorePath != "" {
		if _, err := keystore.Load(cfg.TLS.KeystorePath, cfg.TLS.KeystorePassword, cfg.TLS.KeystoreType); err != nil {
			return fmt.Errorf("tls.keystore_path: %w", err)
		}
	}
	if cfg.TLS.RootCAFile != "" {
		if _, err := transport.ClientTLS(cfg.TLS, cfg.Client.HTTPVersion, nil); err != nil {
			return fmt.Errorf("tls.root_ca_file: %w", err)
		}
	}
	fmt.Printf("%s is valid\n", path)
	return nil
}

// configValue looks key up in the configuration file as written, without
// defaults. Sections print as JSON.
func configValue(cfg *config.Config, key string) (string, error) {
	v := cfg.Value(key, nil)
	switch v := v.(type) {
	case nil:
		return "", fmt.Errorf("%s is not set in the configuration file", key)
	case map[string]interface{}:
		out, err := json.Marshal(v)
		return string(out), err
	default:
		return fmt.Sprint(v), nil
	}
}

func showConfig(configPath string, args []string) error {
	if len(args) < 1 {
		return errors.New("please specify a key. Example: carbon config server.address")
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	v, err := configValue(cfg, args[0])
	if err != nil {
		return err
	}
	fmt.Println(v)
	return nil
}

func cert(configPath string, args []string) error {
	if len(args) < 2 {
		println("Please specify 'generate' or 'obtain' and a host. Example: carbon cert generate example.com")
		return nil
	}
	dataDir := config.GetDataDirectory()
	if configPath != "" {
		dataDir = filepath.Dir(configPath)
	}
	dir := filepath.Join(dataDir, "certs")
	host := args[1]

	var path string
	var err error
	switch args[0] {
	case "generate":
		path, err = cli.GenerateSelfSigned(dir, host, 365*24*time.Hour)
	case "obtain":
		fmt.Println("Obtaining TLS certificate using Let's Encrypt...")
		log, lerr := logging.New("info", "")
		if lerr != nil {
			return lerr
		}
		defer log.Sync()
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()
		path, err = cli.ObtainACME(ctx, dir, filepath.Join(dataDir, "acme"), host, ":80", log)
	default:
		println("Unknown cert command:", args[0])
		return nil
	}
	if err != nil {
		return err
	}
	fmt.Printf("Keystore written to %s\n", path)
	fmt.Println("Set tls.keystore_path to this file and tls.keystore_type to PEM to serve it.")
	return nil
}
