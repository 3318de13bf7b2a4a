package auth

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	vault "github.com/hashicorp/vault/api"
)

// VaultConfig addresses one Transit key.
type VaultConfig struct {
	Address   string
	Token     string
	Namespace string
	Mount     string // defaults to "transit"
	KeyName   string
	Timeout   time.Duration
}

func NewVaultClient(cfg VaultConfig) (*vault.Client, error) {
	if strings.TrimSpace(cfg.Address) == "" {
		return nil, errors.New("vault addr required")
	}
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("vault token required")
	}
	vc := vault.DefaultConfig()
	vc.Address = strings.TrimRight(strings.TrimSpace(cfg.Address), "/")
	if cfg.Timeout > 0 {
		vc.Timeout = cfg.Timeout
	}
	vc.MaxRetries = 0
	client, err := vault.NewClient(vc)
	if err != nil {
		return nil, fmt.Errorf("vault client: %w", err)
	}
	client.SetToken(cfg.Token)
	if ns := strings.TrimSpace(cfg.Namespace); ns != "" {
		client.SetNamespace(ns)
	}
	return client, nil
}

func transitMount(m string) string {
	m = strings.Trim(strings.TrimSpace(m), "/")
	if m == "" {
		return "transit"
	}
	return m
}

// VaultTransitSigner signs through Vault Transit so the private key never
// leaves Vault. The key id is derived from the latest public key version.
type VaultTransitSigner struct {
	client  *vault.Client
	mount   string
	keyName string
	kid     string
	pub     ed25519.PublicKey
}

func NewVaultTransitSigner(ctx context.Context, client *vault.Client, mount, keyName string) (*VaultTransitSigner, error) {
	if client == nil {
		return nil, errors.New("vault client required")
	}
	keyName = strings.TrimSpace(keyName)
	if keyName == "" {
		return nil, errors.New("vault transit key name required")
	}
	s := &VaultTransitSigner{client: client, mount: transitMount(mount), keyName: keyName}
	pub, err := readTransitPublicKey(ctx, client, s.mount, keyName)
	if err != nil {
		return nil, err
	}
	kid, err := KeyID(pub)
	if err != nil {
		return nil, err
	}
	s.pub = pub
	s.kid = kid
	return s, nil
}

func (s *VaultTransitSigner) KeyID() string { return s.kid }

func (s *VaultTransitSigner) PublicKey() ed25519.PublicKey { return s.pub }

func (s *VaultTransitSigner) Sign(ctx context.Context, payload []byte) ([]byte, error) {
	path := s.mount + "/sign/" + s.keyName
	secret, err := s.client.Logical().WriteWithContext(ctx, path, map[string]interface{}{
		"input": base64.StdEncoding.EncodeToString(payload),
	})
	if err != nil {
		return nil, fmt.Errorf("vault transit sign: %w", err)
	}
	if secret == nil || secret.Data == nil {
		return nil, errors.New("vault transit sign: empty response")
	}
	raw, _ := secret.Data["signature"].(string)
	return decodeVaultValue(raw)
}

// VaultTransitKeyStore resolves ed25519 public keys for the listed Transit
// keys. Records are cached by derived kid for TTL.
type VaultTransitKeyStore struct {
	Client    *vault.Client
	Mount     string
	KeyNames  []string
	SignerTag string
	TTL       time.Duration

	mu        sync.Mutex
	byKid     map[string]KeyRecord
	fetchedAt time.Time
	now       func() time.Time
}

func (s *VaultTransitKeyStore) GetKey(ctx context.Context, kid string) (*KeyRecord, error) {
	kid = strings.TrimSpace(kid)
	if kid == "" {
		return nil, errors.New("kid required")
	}
	if s.Client == nil {
		return nil, ErrNoKeyMaterial
	}
	now := time.Now
	if s.now != nil {
		now = s.now
	}
	ttl := s.TTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.byKid == nil || now().Sub(s.fetchedAt) > ttl {
		next := map[string]KeyRecord{}
		for _, name := range s.KeyNames {
			pub, err := readTransitPublicKey(ctx, s.Client, transitMount(s.Mount), name)
			if err != nil {
				// Stale cache is never served past its TTL.
				s.byKid = nil
				return nil, err
			}
			id, err := KeyID(pub)
			if err != nil {
				return nil, err
			}
			next[id] = KeyRecord{Kid: id, Signer: s.signerTag(name), PublicKey: pub, Status: KeyActive}
		}
		s.byKid = next
		s.fetchedAt = now()
	}
	rec, ok := s.byKid[kid]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, kid)
	}
	out := rec
	return &out, nil
}

func (s *VaultTransitKeyStore) signerTag(name string) string {
	if s.SignerTag != "" {
		return s.SignerTag
	}
	return "vault-transit:" + name
}

func readTransitPublicKey(ctx context.Context, client *vault.Client, mount, keyName string) (ed25519.PublicKey, error) {
	secret, err := client.Logical().ReadWithContext(ctx, mount+"/keys/"+keyName)
	if err != nil {
		return nil, fmt.Errorf("vault transit key lookup: %w", err)
	}
	if secret == nil || secret.Data == nil {
		return nil, fmt.Errorf("%w: vault transit key %q", ErrKeyNotFound, keyName)
	}
	return parseTransitKeys(secret.Data)
}

func parseTransitKeys(data map[string]interface{}) (ed25519.PublicKey, error) {
	keys, ok := data["keys"].(map[string]interface{})
	if !ok || len(keys) == 0 {
		return nil, errors.New("vault response missing key versions")
	}
	version := 0
	switch v := data["latest_version"].(type) {
	case json.Number:
		n, _ := v.Int64()
		version = int(n)
	case float64:
		version = int(v)
	case int:
		version = v
	}
	if version <= 0 {
		for k := range keys {
			if n, err := strconv.Atoi(k); err == nil && n > version {
				version = n
			}
		}
	}
	item, ok := keys[strconv.Itoa(version)].(map[string]interface{})
	if !ok {
		return nil, errors.New("vault response missing latest public key")
	}
	raw, _ := item["public_key"].(string)
	pub, err := decodeVaultValue(raw)
	if err != nil {
		return nil, fmt.Errorf("vault public key decode failed: %w", err)
	}
	if len(pub) != ed25519.PublicKeySize {
		return nil, errors.New("vault public key is not ed25519")
	}
	return ed25519.PublicKey(pub), nil
}

// decodeVaultValue strips "vault:v1:" or "ed25519:" style prefixes and
// base64-decodes the remainder.
func decodeVaultValue(raw string) ([]byte, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, errors.New("empty value")
	}
	if i := strings.LastIndex(raw, ":"); i >= 0 {
		raw = raw[i+1:]
	}
	return base64.StdEncoding.DecodeString(raw)
}
