// Package cli holds the certificate tooling behind `carbon cert`.
package cli

import (
	"bytes"
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/acme/autocert"
)

// KeystorePath is where a keystore for host is written in dir.
func KeystorePath(dir, host string) string {
	return filepath.Join(dir, host+".pem")
}

// GenerateSelfSigned writes a PEM keystore holding a self-signed
// certificate for host and its key, and returns the file path.
func GenerateSelfSigned(dir, host string, validFor time.Duration) (string, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return "", fmt.Errorf("failed to generate private key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return "", err
	}
	now := time.Now()
	template := x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: host},
		NotBefore:             now.Add(-time.Minute),
		NotAfter:              now.Add(validFor),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}
	if ip := net.ParseIP(host); ip != nil {
		template.IPAddresses = []net.IP{ip}
	} else {
		template.DNSNames = []string{host}
	}

	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &priv.PublicKey, priv)
	if err != nil {
		return "", fmt.Errorf("failed to create certificate: %w", err)
	}
	path := KeystorePath(dir, host)
	if err := writeKeystore(path, [][]byte{der}, priv); err != nil {
		return "", err
	}
	return path, nil
}

// writeKeystore writes the chain, leaf first, followed by the key.
func writeKeystore(path string, chain [][]byte, key crypto.PrivateKey) error {
	keyDER, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return fmt.Errorf("failed to encode private key: %w", err)
	}
	var buf bytes.Buffer
	for _, der := range chain {
		pem.Encode(&buf, &pem.Block{Type: "CERTIFICATE", Bytes: der})
	}
	pem.Encode(&buf, &pem.Block{Type: "PRIVATE KEY", Bytes: keyDER})
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, buf.Bytes(), 0o600)
}

// ObtainACME gets a certificate for domain from Let's Encrypt through the
// HTTP-01 challenge, answered on addr (normally ":80"), and writes it as a
// PEM keystore in dir. Account data is kept in cacheDir.
func ObtainACME(ctx context.Context, dir, cacheDir, domain, addr string, log *zap.Logger) (string, error) {
	m := &autocert.Manager{
		Prompt:     autocert.AcceptTOS,
		Cache:      autocert.DirCache(cacheDir),
		HostPolicy: autocert.HostWhitelist(domain),
	}

	challenge := m.HTTPHandler(nil)
	srv := &http.Server{
		Addr: addr,
		Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			log.Info("ACME challenge requested", zap.String("path", r.URL.Path))
			challenge.ServeHTTP(w, r)
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return "", fmt.Errorf("failed to start HTTP server for ACME challenge: %w", err)
	}
	go srv.Serve(ln)
	defer srv.Close()
	log.Info("answering ACME challenges", zap.String("address", ln.Addr().String()))

	type result struct {
		cert *tls.Certificate
		err  error
	}
	done := make(chan result, 1)
	go func() {
		cert, err := m.GetCertificate(&tls.ClientHelloInfo{ServerName: domain})
		done <- result{cert, err}
	}()
	var res result
	select {
	case res = <-done:
	case <-ctx.Done():
		return "", ctx.Err()
	}
	if res.err != nil {
		return "", fmt.Errorf("failed to obtain certificate: %w", res.err)
	}
	if res.cert.PrivateKey == nil {
		return "", errors.New("issued certificate carries no private key")
	}

	path := KeystorePath(dir, domain)
	if err := writeKeystore(path, res.cert.Certificate, res.cert.PrivateKey); err != nil {
		return "", err
	}
	return path, nil
}
