// Package keystore loads the server's certificate chain and private key
// from a PEM or PKCS12 keystore and keeps it current when the file changes.
package keystore

import (
	"bytes"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/crypto/pkcs12"
)

const (
	TypePEM    = "PEM"
	TypePKCS12 = "PKCS12"
)

var (
	ErrNoKeyEntry  = errors.New("keystore has no private key entry")
	ErrUnknownType = errors.New("unknown keystore type")
)

// Load reads the key entry of a keystore. The returned chain has the leaf
// at index 0 and its issuers after it, the top-most one last.
func Load(path, password, typ string) (*tls.Certificate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data, password, typ)
}

// Parse is Load on keystore bytes.
func Parse(data []byte, password, typ string) (*tls.Certificate, error) {
	var blocks []*pem.Block
	switch strings.ToUpper(typ) {
	case "", TypePEM:
		for rest := data; ; {
			var b *pem.Block
			b, rest = pem.Decode(rest)
			if b == nil {
				break
			}
			blocks = append(blocks, b)
		}
	case TypePKCS12:
		var err error
		blocks, err = pkcs12.ToPEM(data, password)
		if err != nil {
			return nil, fmt.Errorf("failed to decode PKCS12 keystore: %w", err)
		}
	default:
		return nil, fmt.Errorf("%w %q", ErrUnknownType, typ)
	}
	return keyEntry(blocks)
}

// keyEntry picks the private key and orders the certificates into its chain.
func keyEntry(blocks []*pem.Block) (*tls.Certificate, error) {
	var key *pem.Block
	var certs []*pem.Block
	for _, b := range blocks {
		switch {
		case b.Type == "CERTIFICATE":
			certs = append(certs, b)
		case strings.HasSuffix(b.Type, "PRIVATE KEY"):
			if key == nil {
				key = b
			}
		}
	}
	if key == nil || len(certs) == 0 {
		return nil, ErrNoKeyEntry
	}

	parsed := make([]*x509.Certificate, len(certs))
	for i, b := range certs {
		c, err := x509.ParseCertificate(b.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse certificate %d: %w", i, err)
		}
		parsed[i] = c
	}

	// PKCS12 bags tag the leaf with the key's local key id; PEM files list
	// the leaf first.
	leaf := 0
	if id := key.Headers["localKeyId"]; id != "" {
		for i, b := range certs {
			if b.Headers["localKeyId"] == id {
				leaf = i
				break
			}
		}
	}

	var chain bytes.Buffer
	for _, c := range orderChain(parsed, leaf) {
		pem.Encode(&chain, &pem.Block{Type: "CERTIFICATE", Bytes: c.Raw})
	}
	cert, err := tls.X509KeyPair(chain.Bytes(), pem.EncodeToMemory(&pem.Block{Type: key.Type, Bytes: key.Bytes}))
	if err != nil {
		return nil, err
	}
	if cert.Leaf == nil {
		cert.Leaf = parsed[leaf]
	}
	return &cert, nil
}

// orderChain follows issuer links from the leaf. Certificates that do not
// belong to the path are appended in their original order.
func orderChain(certs []*x509.Certificate, leaf int) []*x509.Certificate {
	used := make([]bool, len(certs))
	out := []*x509.Certificate{certs[leaf]}
	used[leaf] = true
	for cur := certs[leaf]; !bytes.Equal(cur.RawIssuer, cur.RawSubject); {
		next := -1
		for i, c := range certs {
			if !used[i] && bytes.Equal(c.RawSubject, cur.RawIssuer) {
				next = i
				break
			}
		}
		if next < 0 {
			break
		}
		used[next] = true
		cur = certs[next]
		out = append(out, cur)
	}
	for i, c := range certs {
		if !used[i] {
			out = append(out, c)
		}
	}
	return out
}

// Store holds the current key entry of a keystore file.
type Store struct {
	path     string
	password string
	typ      string
	log      *zap.Logger

	mu       sync.RWMutex
	cert     *tls.Certificate
	onReload []func(*tls.Certificate)
}

// Open loads the keystore at path.
func Open(path, password, typ string, log *zap.Logger) (*Store, error) {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Store{path: path, password: password, typ: typ, log: log.Named("keystore")}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) Path() string {
	return s.path
}

// Certificate returns the current key entry.
func (s *Store) Certificate() *tls.Certificate {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cert
}

// GetCertificate serves tls.Config.GetCertificate.
func (s *Store) GetCertificate(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	return s.Certificate(), nil
}

// OnReload registers fn to run with every newly loaded key entry, before
// it is served. fn may modify the certificate, e.g. to attach a staple.
func (s *Store) OnReload(fn func(*tls.Certificate)) {
	s.mu.Lock()
	s.onReload = append(s.onReload, fn)
	s.mu.Unlock()
}

// Reload reads the keystore again. On failure the previous entry stays.
func (s *Store) Reload() error {
	cert, err := Load(s.path, s.password, s.typ)
	if err != nil {
		return fmt.Errorf("failed to load keystore %s: %w", s.path, err)
	}
	s.mu.RLock()
	hooks := append(([]func(*tls.Certificate))(nil), s.onReload...)
	s.mu.RUnlock()
	for _, fn := range hooks {
		fn(cert)
	}

	s.mu.Lock()
	s.cert = cert
	s.mu.Unlock()
	s.log.Info("keystore loaded", zap.String("path", s.path), zap.String("subject", cert.Leaf.Subject.String()), zap.Int("chain", len(cert.Certificate)))
	return nil
}
