package keystore

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"
)

type issued struct {
	cert *x509.Certificate
	key  *ecdsa.PrivateKey
}

func issue(t *testing.T, cn string, parent *issued) *issued {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(time.Now().UnixNano()),
		Subject:               pkix.Name{CommonName: cn},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		BasicConstraintsValid: true,
	}
	signer, signerKey := tmpl, key
	if parent == nil {
		tmpl.IsCA = true
		tmpl.KeyUsage = x509.KeyUsageCertSign
	} else {
		tmpl.DNSNames = []string{cn}
		signer, signerKey = parent.cert, parent.key
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, signer, &key.PublicKey, signerKey)
	if err != nil {
		t.Fatal(err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatal(err)
	}
	return &issued{cert: cert, key: key}
}

func pemFile(t *testing.T, leaf *issued, chain ...*issued) []byte {
	t.Helper()
	out := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: leaf.cert.Raw})
	der, err := x509.MarshalECPrivateKey(leaf.key)
	if err != nil {
		t.Fatal(err)
	}
	out = append(out, pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: der})...)
	for _, c := range chain {
		out = append(out, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: c.cert.Raw})...)
	}
	return out
}

func commonName(t *testing.T, der []byte) string {
	t.Helper()
	c, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatal(err)
	}
	return c.Subject.CommonName
}

func TestParsePEMOrdersChain(t *testing.T) {
	root := issue(t, "root", nil)
	leaf := issue(t, "www.example.com", root)

	cert, err := Parse(pemFile(t, leaf, root), "", TypePEM)
	if err != nil {
		t.Fatal(err)
	}
	if len(cert.Certificate) != 2 {
		t.Fatalf("chain length = %d, want 2", len(cert.Certificate))
	}
	if cn := commonName(t, cert.Certificate[0]); cn != "www.example.com" {
		t.Errorf("chain[0] = %q, want the leaf", cn)
	}
	if cn := commonName(t, cert.Certificate[1]); cn != "root" {
		t.Errorf("chain[1] = %q, want the issuer", cn)
	}
	if cert.Leaf == nil || cert.Leaf.Subject.CommonName != "www.example.com" {
		t.Error("leaf not populated")
	}
}

func TestParsePKCS12(t *testing.T) {
	data, err := os.ReadFile("testdata/keystore.p12")
	if err != nil {
		t.Fatal(err)
	}
	cert, err := Parse(data, "changeit", "pkcs12")
	if err != nil {
		t.Fatal(err)
	}
	if len(cert.Certificate) != 2 {
		t.Fatalf("chain length = %d, want 2", len(cert.Certificate))
	}
	if cn := commonName(t, cert.Certificate[0]); cn != "localhost" {
		t.Errorf("chain[0] = %q, want localhost", cn)
	}
	if cn := commonName(t, cert.Certificate[len(cert.Certificate)-1]); cn != "Carbon Test CA" {
		t.Errorf("issuer = %q, want Carbon Test CA", cn)
	}

	if _, err := Parse(data, "wrong", TypePKCS12); err == nil {
		t.Error("wrong password accepted")
	}
}

func TestParseErrors(t *testing.T) {
	root := issue(t, "root", nil)
	certOnly := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: root.cert.Raw})

	if _, err := Parse(certOnly, "", TypePEM); !errors.Is(err, ErrNoKeyEntry) {
		t.Errorf("certificate without key: err = %v, want ErrNoKeyEntry", err)
	}
	if _, err := Parse(certOnly, "", "JKS"); !errors.Is(err, ErrUnknownType) {
		t.Errorf("JKS: err = %v, want ErrUnknownType", err)
	}
}

func writeAtomic(t *testing.T, path string, data []byte) {
	t.Helper()
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.Rename(tmp, path); err != nil {
		t.Fatal(err)
	}
}

func TestStoreReload(t *testing.T) {
	root := issue(t, "root", nil)
	path := filepath.Join(t.TempDir(), "keystore.pem")
	writeAtomic(t, path, pemFile(t, issue(t, "one.example.com", root), root))

	s, err := Open(path, "", TypePEM, nil)
	if err != nil {
		t.Fatal(err)
	}
	var seen []string
	s.OnReload(func(c *tls.Certificate) {
		seen = append(seen, c.Leaf.Subject.CommonName)
		c.OCSPStaple = []byte("staple")
	})

	writeAtomic(t, path, pemFile(t, issue(t, "two.example.com", root), root))
	if err := s.Reload(); err != nil {
		t.Fatal(err)
	}
	cert, _ := s.GetCertificate(nil)
	if cert.Leaf.Subject.CommonName != "two.example.com" {
		t.Errorf("served %q after reload", cert.Leaf.Subject.CommonName)
	}
	if string(cert.OCSPStaple) != "staple" {
		t.Error("reload hook changes were not served")
	}
	if len(seen) != 1 || seen[0] != "two.example.com" {
		t.Errorf("hook saw %v", seen)
	}

	writeAtomic(t, path, []byte("garbage"))
	if err := s.Reload(); err == nil {
		t.Fatal("broken keystore reloaded")
	}
	if s.Certificate().Leaf.Subject.CommonName != "two.example.com" {
		t.Error("failed reload replaced the certificate")
	}
}

func TestStoreWatch(t *testing.T) {
	root := issue(t, "root", nil)
	path := filepath.Join(t.TempDir(), "keystore.pem")
	writeAtomic(t, path, pemFile(t, issue(t, "before.example.com", root), root))

	s, err := Open(path, "", TypePEM, nil)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Watch(ctx)

	next := pemFile(t, issue(t, "after.example.com", root), root)
	deadline := time.Now().Add(5 * time.Second)
	for s.Certificate().Leaf.Subject.CommonName != "after.example.com" {
		if time.Now().After(deadline) {
			t.Fatal("watcher did not reload the keystore")
		}
		// Rewrite until the watcher is set up and sees it.
		writeAtomic(t, path, next)
		time.Sleep(250 * time.Millisecond)
	}
}
