package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	c := Default()
	if err := c.Validate(); err != nil {
		t.Fatalf("default config does not validate: %v", err)
	}
	if c.Client.WaitTimeout != time.Minute {
		t.Errorf("wait_timeout = %s, want 1m", c.Client.WaitTimeout)
	}
	if c.Server.Compression != "auto" {
		t.Errorf("compression = %q, want auto", c.Server.Compression)
	}
	if got := c.Value("client.http_version", ""); got != "2.0" {
		t.Errorf("Value(client.http_version) = %v, want 2.0", got)
	}
	if got := c.Value("client.missing", "def"); got != "def" {
		t.Errorf("Value(client.missing) = %v, want def", got)
	}
}

func TestParseOverridesDefaults(t *testing.T) {
	c, err := Parse([]byte("client:\n  max_active_connections_per_pool: 5\n  wait_timeout: -1s\n"))
	if err != nil {
		t.Fatal(err)
	}
	if c.Client.MaxActiveConnectionsPerPool != 5 {
		t.Errorf("max active = %d, want 5", c.Client.MaxActiveConnectionsPerPool)
	}
	if c.Client.WaitTimeout >= 0 {
		t.Errorf("wait_timeout = %s, want negative", c.Client.WaitTimeout)
	}
	if c.Client.DialTimeout != 15*time.Second {
		t.Errorf("dial_timeout = %s, want default 15s", c.Client.DialTimeout)
	}
}

func TestOCSPCacheClamps(t *testing.T) {
	tests := []struct {
		size, delay int
		wantSize    int
		wantDelay   time.Duration
	}{
		{0, 0, 50, 15 * time.Minute},
		{50, 1, 50, 15 * time.Minute},
		{51, 2, 51, 2 * time.Minute},
		{9999, 1439, 9999, 1439 * time.Minute},
		{10000, 1440, 50, 15 * time.Minute},
		{-3, -3, 50, 15 * time.Minute},
	}
	for _, tt := range tests {
		r := RevocationConfig{OCSPCacheSize: tt.size, OCSPCacheDelayMinutes: tt.delay}
		if got := r.CacheSize(); got != tt.wantSize {
			t.Errorf("CacheSize(%d) = %d, want %d", tt.size, got, tt.wantSize)
		}
		if got := r.CacheDelay(); got != tt.wantDelay {
			t.Errorf("CacheDelay(%d) = %s, want %s", tt.delay, got, tt.wantDelay)
		}
	}
}

func TestApplyEnv(t *testing.T) {
	c := Default()
	env := map[string]string{
		"CARBON_MAX_ACTIVE_CONNECTIONS_PER_POOL": "7",
		"CARBON_OCSP_CACHE_SIZE":                 "120",
		"CARBON_KEYSTORE_TYPE":                   "PKCS12",
	}
	err := c.ApplyEnv(func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	})
	if err != nil {
		t.Fatal(err)
	}
	if c.Client.MaxActiveConnectionsPerPool != 7 {
		t.Errorf("max active = %d, want 7", c.Client.MaxActiveConnectionsPerPool)
	}
	if c.Revocation.CacheSize() != 120 {
		t.Errorf("cache size = %d, want 120", c.Revocation.CacheSize())
	}
	if c.TLS.KeystoreType != "PKCS12" {
		t.Errorf("keystore type = %q, want PKCS12", c.TLS.KeystoreType)
	}

	bad := func(k string) (string, bool) {
		if k == "CARBON_OCSP_CACHE_SIZE" {
			return "lots", true
		}
		return "", false
	}
	if err := c.ApplyEnv(bad); err == nil {
		t.Error("non-numeric override accepted")
	}
}

func TestValidateReportsErrors(t *testing.T) {
	c := Default()
	c.Server.Compression = "brotli"
	c.Client.HTTPVersion = "3"
	c.TLS.KeystoreType = "JKS"
	if err := c.Validate(); err == nil {
		t.Fatal("invalid config accepted")
	}
}

func TestLoadCreatesDefaultFile(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("CARBON_HOME", dir)

	c, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(dir, "config.yaml")); err != nil {
		t.Errorf("default config file not created: %v", err)
	}
	if c.Logging.Level != "info" {
		t.Errorf("level = %q, want info", c.Logging.Level)
	}
}
