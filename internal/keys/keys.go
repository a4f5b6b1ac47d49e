// internal/keys/keys.go
package keys

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"database/sql"
	"encoding/pem"
	"errors"
	"fmt"
	"strings"
	"sync"
)

/*
Signing-key access for the roster-sync client.

The client only ever reads the current key; generation and rotation belong
to the platform service. Keys are RS256 RSA private keys stored as PEM.
*/

var (
	ErrNoSigningKey      = errors.New("keys: no signing key available")
	ErrUnsupportedKeyAlg = errors.New("keys: unsupported key algorithm (only RS256)")
)

// SigningKey is the current assertion-signing key.
type SigningKey struct {
	KID string
	Alg string // must be "RS256"
	Key *rsa.PrivateKey
}

// Provider supplies the current signing key. Returns ErrNoSigningKey when
// none is configured.
type Provider interface {
	CurrentSigningKey(ctx context.Context) (*SigningKey, error)
}

// ParseRS256 builds a SigningKey from stored fields. Any algorithm other
// than RS256 is a hard error; assertions must never downgrade.
func ParseRS256(kid, alg, privateKeyPEM string) (*SigningKey, error) {
	if !strings.EqualFold(strings.TrimSpace(alg), "RS256") {
		return nil, fmt.Errorf("%w: got %q", ErrUnsupportedKeyAlg, alg)
	}
	block, _ := pem.Decode([]byte(privateKeyPEM))
	if block == nil {
		return nil, errors.New("keys: invalid PEM block")
	}
	var key *rsa.PrivateKey
	switch block.Type {
	case "RSA PRIVATE KEY":
		k, err := x509.ParsePKCS1PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("keys: parse pkcs1: %w", err)
		}
		key = k
	default:
		k, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("keys: parse pkcs8: %w", err)
		}
		rk, ok := k.(*rsa.PrivateKey)
		if !ok {
			return nil, ErrUnsupportedKeyAlg
		}
		key = rk
	}
	return &SigningKey{KID: kid, Alg: "RS256", Key: key}, nil
}

// SQLProvider reads the active key from the signing_keys table.
type SQLProvider struct{ DB *sql.DB }

func (p *SQLProvider) CurrentSigningKey(ctx context.Context) (*SigningKey, error) {
	var kid, alg, pemStr string
	err := p.DB.QueryRowContext(ctx, `
		SELECT kid, alg, private_key_pem
		FROM signing_keys
		WHERE active = TRUE
		ORDER BY created_at DESC LIMIT 1`).
		Scan(&kid, &alg, &pemStr)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoSigningKey
	}
	if err != nil {
		return nil, err
	}
	return ParseRS256(kid, alg, pemStr)
}

// Static is a fixed-key provider for dev and tests.
type Static struct {
	mu  sync.RWMutex
	key *SigningKey
}

func NewStatic(k *SigningKey) *Static { return &Static{key: k} }

func (s *Static) CurrentSigningKey(context.Context) (*SigningKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.key == nil {
		return nil, ErrNoSigningKey
	}
	return s.key, nil
}

func (s *Static) Set(k *SigningKey) {
	s.mu.Lock()
	s.key = k
	s.mu.Unlock()
}
