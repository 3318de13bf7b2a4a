package auth

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

const (
	KeyActive  = "active"
	KeyRevoked = "revoked"
)

// KeyRecord holds public key metadata for one signing key.
type KeyRecord struct {
	Kid       string
	Signer    string // authority that owns the key, e.g. "orchestrator"
	PublicKey []byte
	Status    string // active|revoked
}

type KeyStore interface {
	GetKey(ctx context.Context, kid string) (*KeyRecord, error)
}

var ErrKeyNotFound = errors.New("key not found")

// KeyID is the hex sha256 of the PEM-encoded public key.
func KeyID(pub ed25519.PublicKey) (string, error) {
	pemBytes, err := MarshalPublicKeyPEM(pub)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(pemBytes)
	return hex.EncodeToString(sum[:]), nil
}

func MarshalPublicKeyPEM(pub ed25519.PublicKey) ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("marshal public key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), nil
}

func MarshalPrivateKeyPEM(priv ed25519.PrivateKey) ([]byte, error) {
	der, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("marshal private key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), nil
}

func ParsePublicKeyPEM(raw []byte) (ed25519.PublicKey, error) {
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, errors.New("no PEM block in public key")
	}
	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}
	pub, ok := parsed.(ed25519.PublicKey)
	if !ok {
		return nil, errors.New("public key is not ed25519")
	}
	return pub, nil
}

func ParsePrivateKeyPEM(raw []byte) (ed25519.PrivateKey, error) {
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, errors.New("no PEM block in private key")
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	priv, ok := parsed.(ed25519.PrivateKey)
	if !ok {
		return nil, errors.New("private key is not ed25519")
	}
	return priv, nil
}

// LoadPublicKeyFile reads a PEM public key and returns its record.
func LoadPublicKeyFile(path, signer string) (*KeyRecord, error) {
	raw, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("read public key %s: %w", path, err)
	}
	pub, err := ParsePublicKeyPEM(raw)
	if err != nil {
		return nil, err
	}
	kid, err := KeyID(pub)
	if err != nil {
		return nil, err
	}
	return &KeyRecord{Kid: kid, Signer: signer, PublicKey: pub, Status: KeyActive}, nil
}

// StaticKeyStore is an in-process KeyStore populated from pinned key files.
type StaticKeyStore struct {
	mu   sync.RWMutex
	keys map[string]KeyRecord
}

func NewStaticKeyStore(records ...KeyRecord) *StaticKeyStore {
	s := &StaticKeyStore{keys: map[string]KeyRecord{}}
	for _, r := range records {
		s.Put(r)
	}
	return s
}

func (s *StaticKeyStore) Put(r KeyRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r.Status == "" {
		r.Status = KeyActive
	}
	s.keys[strings.TrimSpace(r.Kid)] = r
}

func (s *StaticKeyStore) Revoke(kid string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.keys[kid]; ok {
		r.Status = KeyRevoked
		s.keys[kid] = r
	}
}

func (s *StaticKeyStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.keys)
}

func (s *StaticKeyStore) GetKey(_ context.Context, kid string) (*KeyRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.keys[strings.TrimSpace(kid)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, kid)
	}
	out := r
	out.PublicKey = append([]byte(nil), r.PublicKey...)
	return &out, nil
}

// ChainKeyStore tries each store in order and returns the first hit.
type ChainKeyStore []KeyStore

func (c ChainKeyStore) GetKey(ctx context.Context, kid string) (*KeyRecord, error) {
	var lastErr error
	for _, ks := range c {
		if ks == nil {
			continue
		}
		rec, err := ks.GetKey(ctx, kid)
		if err == nil && rec != nil {
			return rec, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("%w: %s", ErrKeyNotFound, kid)
	}
	return nil, lastErr
}
