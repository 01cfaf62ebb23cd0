package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const DefaultConfig = `# Carbon Transport Configuration File

server:
  address: ":8443"
  # Timeouts use Go duration syntax, e.g. 30s, 2m.
  read_timeout: 30s
  write_timeout: 30s
  idle_timeout: 2m
  # Maximum number of requests handed to the dispatcher at the same time.
  max_dispatch_workers: 256
  # HTTP/2 limits advertised to peers.
  max_concurrent_streams: 250
  initial_window_size: 1048576
  # Options: auto, always, never
  compression: auto
  # With TLS enabled, plain HTTP requests to this address are redirected
  # to https. Empty disables the redirector.
  redirect_address: ""

client:
  # Options: "1.1", "2.0"
  http_version: "2.0"
  max_active_connections_per_pool: 50
  max_idle_per_pool: 50
  idle_timeout: 90s
  # How long an acquire waits for a free connection. Negative rejects immediately.
  wait_timeout: 60s
  dial_timeout: 15s
  decompress: true

tls:
  keystore_path: ""
  keystore_password: ""
  # Options: PEM, PKCS12
  keystore_type: PEM
  # Reload the keystore when the file changes.
  watch_keystore: false
  # Attach an OCSP response for the server certificate to TLS handshakes.
  ocsp_stapling: false
  insecure_skip_verify: false
  root_ca_file: ""

revocation:
  enabled: false
  # Entries kept in the OCSP response cache (between 50 and 10000).
  ocsp_cache_size: 50
  # Minutes an OCSP response is served from cache (between 1 and 1440).
  ocsp_cache_delay_minutes: 15
  crl_fallback: true
  # Accept peers whose revocation status could not be determined.
  fail_open: false
  responder_timeout: 10s

logging:
  # Options: debug, info, warn, error
  level: info
  file: carbon.log

metrics:
  # Empty disables the /metrics endpoint.
  address: ""
`

// VERSION is reported in the Server header and by the CLI.
const VERSION = "1.0.0"

const (
	DefaultOCSPCacheSize  = 50
	MinOCSPCacheSize      = 50
	MaxOCSPCacheSize      = 10000
	DefaultOCSPCacheDelay = 15
	MinOCSPCacheDelay     = 1
	MaxOCSPCacheDelay     = 1440
)

type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Client     ClientConfig     `yaml:"client"`
	TLS        TLSConfig        `yaml:"tls"`
	Revocation RevocationConfig `yaml:"revocation"`
	Logging    LoggingConfig    `yaml:"logging"`
	Metrics    MetricsConfig    `yaml:"metrics"`

	raw map[string]interface{}
}

type ServerConfig struct {
	Address              string        `yaml:"address"`
	ReadTimeout          time.Duration `yaml:"read_timeout"`
	WriteTimeout         time.Duration `yaml:"write_timeout"`
	IdleTimeout          time.Duration `yaml:"idle_timeout"`
	MaxDispatchWorkers   int64         `yaml:"max_dispatch_workers"`
	MaxConcurrentStreams uint32        `yaml:"max_concurrent_streams"`
	InitialWindowSize    uint32        `yaml:"initial_window_size"`
	Compression          string        `yaml:"compression"`
	RedirectAddress      string        `yaml:"redirect_address"`
}

type ClientConfig struct {
	HTTPVersion                 string        `yaml:"http_version"`
	MaxActiveConnectionsPerPool int           `yaml:"max_active_connections_per_pool"`
	MaxIdlePerPool              int           `yaml:"max_idle_per_pool"`
	IdleTimeout                 time.Duration `yaml:"idle_timeout"`
	WaitTimeout                 time.Duration `yaml:"wait_timeout"`
	DialTimeout                 time.Duration `yaml:"dial_timeout"`
	Decompress                  bool          `yaml:"decompress"`
}

type TLSConfig struct {
	KeystorePath       string `yaml:"keystore_path"`
	KeystorePassword   string `yaml:"keystore_password"`
	KeystoreType       string `yaml:"keystore_type"`
	WatchKeystore      bool   `yaml:"watch_keystore"`
	OCSPStapling       bool   `yaml:"ocsp_stapling"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify"`
	RootCAFile         string `yaml:"root_ca_file"`
}

type RevocationConfig struct {
	Enabled               bool          `yaml:"enabled"`
	OCSPCacheSize         int           `yaml:"ocsp_cache_size"`
	OCSPCacheDelayMinutes int           `yaml:"ocsp_cache_delay_minutes"`
	CRLFallback           bool          `yaml:"crl_fallback"`
	FailOpen              bool          `yaml:"fail_open"`
	ResponderTimeout      time.Duration `yaml:"responder_timeout"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

type MetricsConfig struct {
	Address string `yaml:"address"`
}

// CacheSize returns the configured OCSP cache size, or the default when
// it is not strictly between the allowed bounds.
func (r RevocationConfig) CacheSize() int {
	if r.OCSPCacheSize != 0 && r.OCSPCacheSize > MinOCSPCacheSize && r.OCSPCacheSize < MaxOCSPCacheSize {
		return r.OCSPCacheSize
	}
	return DefaultOCSPCacheSize
}

// CacheDelay returns how long OCSP responses are served from cache.
func (r RevocationConfig) CacheDelay() time.Duration {
	m := r.OCSPCacheDelayMinutes
	if m == 0 || m <= MinOCSPCacheDelay || m >= MaxOCSPCacheDelay {
		m = DefaultOCSPCacheDelay
	}
	return time.Duration(m) * time.Minute
}

func CreateDefaultConfig() error {
	path := GetConfigPath()
	if _, err := os.Stat(GetDataDirectory()); os.IsNotExist(err) {
		err := os.MkdirAll(GetDataDirectory(), 0755)
		if err != nil {
			return fmt.Errorf("failed to create data directory: %w", err)
		}
	}
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	return os.WriteFile(path, []byte(DefaultConfig), 0644)
}

func GetConfigPath() string {
	return GetDataDirectory() + string(os.PathSeparator) + "config.yaml"
}

// Default returns the configuration described by DefaultConfig.
func Default() *Config {
	conf, err := Parse([]byte(DefaultConfig))
	if err != nil {
		panic("config: default document does not parse: " + err.Error())
	}
	return conf
}

// Parse reads a YAML document on top of the defaults.
func Parse(data []byte) (*Config, error) {
	var conf Config
	if err := yaml.Unmarshal([]byte(DefaultConfig), &conf); err != nil {
		return nil, fmt.Errorf("failed to parse default config: %w", err)
	}
	if err := yaml.Unmarshal(data, &conf); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	var confMap map[string]interface{}
	if err := yaml.Unmarshal(data, &confMap); err != nil {
		return nil, fmt.Errorf("failed to parse config file into map: %w", err)
	}
	conf.raw = confMap
	return &conf, nil
}

// Load reads the config file at path, creating the default file in the
// data directory when path is empty and nothing exists yet. Environment
// overrides are applied last.
func Load(path string) (*Config, error) {
	if path == "" {
		path = GetConfigPath()
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			if err := CreateDefaultConfig(); err != nil {
				return nil, fmt.Errorf("failed to create default config file: %w", err)
			}
		}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	conf, err := Parse(data)
	if err != nil {
		return nil, err
	}
	if err := conf.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	return conf, nil
}

// ApplyEnv applies the CARBON_* overrides.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	ints := []struct {
		name string
		dst  *int
	}{
		{"CARBON_MAX_ACTIVE_CONNECTIONS_PER_POOL", &c.Client.MaxActiveConnectionsPerPool},
		{"CARBON_OCSP_CACHE_SIZE", &c.Revocation.OCSPCacheSize},
		{"CARBON_OCSP_CACHE_DELAY_MINUTES", &c.Revocation.OCSPCacheDelayMinutes},
	}
	for _, v := range ints {
		s, ok := lookup(v.name)
		if !ok || s == "" {
			continue
		}
		n, err := strconv.Atoi(s)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", v.name, err)
		}
		*v.dst = n
	}

	strs := []struct {
		name string
		dst  *string
	}{
		{"CARBON_KEYSTORE_PATH", &c.TLS.KeystorePath},
		{"CARBON_KEYSTORE_PASSWORD", &c.TLS.KeystorePassword},
		{"CARBON_KEYSTORE_TYPE", &c.TLS.KeystoreType},
	}
	for _, v := range strs {
		if s, ok := lookup(v.name); ok && s != "" {
			*v.dst = s
		}
	}
	return nil
}

// Validate reports every invalid setting.
func (c *Config) Validate() error {
	var errs []error
	switch c.Server.Compression {
	case "auto", "always", "never":
	default:
		errs = append(errs, fmt.Errorf("server.compression: unknown mode %q", c.Server.Compression))
	}
	switch c.Client.HTTPVersion {
	case "1.1", "2.0":
	default:
		errs = append(errs, fmt.Errorf("client.http_version: unsupported version %q", c.Client.HTTPVersion))
	}
	if c.Client.MaxActiveConnectionsPerPool <= 0 {
		errs = append(errs, errors.New("client.max_active_connections_per_pool must be positive"))
	}
	if c.Server.MaxDispatchWorkers <= 0 {
		errs = append(errs, errors.New("server.max_dispatch_workers must be positive"))
	}
	switch strings.ToUpper(c.TLS.KeystoreType) {
	case "PEM", "PKCS12":
	default:
		errs = append(errs, fmt.Errorf("tls.keystore_type: unknown type %q", c.TLS.KeystoreType))
	}
	if c.TLS.KeystorePath != "" {
		if _, err := os.Stat(c.TLS.KeystorePath); err != nil {
			errs = append(errs, fmt.Errorf("tls.keystore_path: %w", err))
		}
	}
	if c.TLS.OCSPStapling && c.TLS.KeystorePath == "" {
		errs = append(errs, errors.New("tls.ocsp_stapling requires tls.keystore_path"))
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("logging.level: unknown level %q", c.Logging.Level))
	}
	return errors.Join(errs...)
}

// Value looks a dotted key up in the raw document, e.g. "client.http_version".
func (c *Config) Value(key string, def interface{}) interface{} {
	if c.raw == nil {
		return def
	}
	if val, ok := c.raw[key]; ok {
		return val
	}
	if !strings.Contains(key, ".") {
		return def
	}
	parts := strings.Split(key, ".")
	curr := c.raw
	for i, part := range parts {
		v, ok := curr[part]
		if !ok {
			return def
		}
		if i == len(parts)-1 {
			return v
		}
		next, ok := v.(map[string]interface{})
		if !ok {
			return def
		}
		curr = next
	}
	return def
}
