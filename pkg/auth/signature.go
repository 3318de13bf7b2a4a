package auth

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"ransomeye/pkg/models"
)

// Signer produces a signature with a key identified by KeyID.
type Signer interface {
	KeyID() string
	Sign(ctx context.Context, payload []byte) ([]byte, error)
}

// Verifier checks a signature against the key named by keyID.
type Verifier interface {
	Verify(ctx context.Context, keyID string, payload, sig []byte) (*KeyRecord, error)
}

var (
	ErrNoKeyMaterial    = errors.New("no key material configured")
	ErrInvalidSignature = errors.New("invalid signature")
	ErrKeyRevoked       = errors.New("key revoked")
)

// Ed25519Signer signs with a local private key.
type Ed25519Signer struct {
	priv ed25519.PrivateKey
	kid  string
}

func NewEd25519Signer(priv ed25519.PrivateKey) (*Ed25519Signer, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return nil, errors.New("invalid ed25519 private key")
	}
	kid, err := KeyID(priv.Public().(ed25519.PublicKey))
	if err != nil {
		return nil, err
	}
	return &Ed25519Signer{priv: priv, kid: kid}, nil
}

func (s *Ed25519Signer) KeyID() string { return s.kid }

func (s *Ed25519Signer) PublicKey() ed25519.PublicKey {
	return s.priv.Public().(ed25519.PublicKey)
}

func (s *Ed25519Signer) Sign(_ context.Context, payload []byte) ([]byte, error) {
	return ed25519.Sign(s.priv, payload), nil
}

// KeyStoreVerifier resolves keys through a KeyStore and verifies ed25519.
// A nil store always fails closed.
type KeyStoreVerifier struct {
	Keys KeyStore
}

func (v KeyStoreVerifier) Verify(ctx context.Context, keyID string, payload, sig []byte) (*KeyRecord, error) {
	if v.Keys == nil {
		return nil, ErrNoKeyMaterial
	}
	if keyID == "" {
		return nil, errors.New("signing key id required")
	}
	rec, err := v.Keys.GetKey(ctx, keyID)
	if err != nil {
		return nil, fmt.Errorf("lookup key: %w", err)
	}
	if rec.Status != KeyActive {
		return nil, ErrKeyRevoked
	}
	if len(rec.PublicKey) != ed25519.PublicKeySize {
		return nil, errors.New("invalid ed25519 public key")
	}
	if !ed25519.Verify(ed25519.PublicKey(rec.PublicKey), payload, sig) {
		return nil, ErrInvalidSignature
	}
	return rec, nil
}

// SignCommand stamps the signer key id and signs the canonical command bytes.
func SignCommand(ctx context.Context, s Signer, cmd models.Command) (models.Command, error) {
	if s == nil {
		return models.Command{}, ErrNoKeyMaterial
	}
	cmd.SigningKeyID = s.KeyID()
	payload, err := models.CommandSigningBytes(cmd)
	if err != nil {
		return models.Command{}, err
	}
	sig, err := s.Sign(ctx, payload)
	if err != nil {
		return models.Command{}, fmt.Errorf("sign command: %w", err)
	}
	cmd.Signature = base64.StdEncoding.EncodeToString(sig)
	return cmd, nil
}

// VerifyCommand recomputes the canonical bytes and checks the signature.
func VerifyCommand(ctx context.Context, v Verifier, cmd models.Command) (*KeyRecord, error) {
	if v == nil {
		return nil, ErrNoKeyMaterial
	}
	sig, err := base64.StdEncoding.DecodeString(cmd.Signature)
	if err != nil || len(sig) == 0 {
		return nil, ErrInvalidSignature
	}
	payload, err := models.CommandSigningBytes(cmd)
	if err != nil {
		return nil, err
	}
	return v.Verify(ctx, cmd.SigningKeyID, payload, sig)
}

// SignApproval signs a decided approval request.
func SignApproval(ctx context.Context, s Signer, a models.ApprovalRequest) (models.ApprovalRequest, error) {
	if s == nil {
		return models.ApprovalRequest{}, ErrNoKeyMaterial
	}
	a.DecisionKeyID = s.KeyID()
	payload, err := models.ApprovalSigningBytes(a)
	if err != nil {
		return models.ApprovalRequest{}, err
	}
	sig, err := s.Sign(ctx, payload)
	if err != nil {
		return models.ApprovalRequest{}, fmt.Errorf("sign approval: %w", err)
	}
	a.SignedDecision = base64.StdEncoding.EncodeToString(sig)
	return a, nil
}

func VerifyApproval(ctx context.Context, v Verifier, a models.ApprovalRequest) (*KeyRecord, error) {
	if v == nil {
		return nil, ErrNoKeyMaterial
	}
	sig, err := base64.StdEncoding.DecodeString(a.SignedDecision)
	if err != nil || len(sig) == 0 {
		return nil, ErrInvalidSignature
	}
	payload, err := models.ApprovalSigningBytes(a)
	if err != nil {
		return nil, err
	}
	return v.Verify(ctx, a.DecisionKeyID, payload, sig)
}

func SignReceipt(ctx context.Context, s Signer, r models.ExecutionReceipt) (models.ExecutionReceipt, error) {
	if s == nil {
		return r, ErrNoKeyMaterial
	}
	r.AgentKeyID = s.KeyID()
	payload, err := models.ReceiptSigningBytes(r)
	if err != nil {
		return r, err
	}
	sig, err := s.Sign(ctx, payload)
	if err != nil {
		return r, fmt.Errorf("sign receipt: %w", err)
	}
	r.Signature = base64.StdEncoding.EncodeToString(sig)
	return r, nil
}

func VerifyReceipt(ctx context.Context, v Verifier, r models.ExecutionReceipt) (*KeyRecord, error) {
	if v == nil {
		return nil, ErrNoKeyMaterial
	}
	sig, err := base64.StdEncoding.DecodeString(r.Signature)
	if err != nil || len(sig) == 0 {
		return nil, ErrInvalidSignature
	}
	payload, err := models.ReceiptSigningBytes(r)
	if err != nil {
		return nil, err
	}
	return v.Verify(ctx, r.AgentKeyID, payload, sig)
}

// LoadSignerFile reads a PKCS#8 PEM ed25519 private key.
func LoadSignerFile(path string) (*Ed25519Signer, error) {
	raw, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("read private key %s: %w", path, err)
	}
	priv, err := ParsePrivateKeyPEM(raw)
	if err != nil {
		return nil, err
	}
	return NewEd25519Signer(priv)
}
