package span

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
)

// CanonicalBytes returns the RFC 8785 canonical JSON form of v.
func CanonicalBytes(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonical: pre-marshal failed: %w", err)
	}
	canon, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("canonical: jcs transform failed: %w", err)
	}
	return canon, nil
}

// CanonicalHash returns the sha256 hex digest of the canonical form of v.
func CanonicalHash(v any) (string, error) {
	b, err := CanonicalBytes(v)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// signable is the portion of a span covered by the signature. The assigned
// timeline position is excluded so a draft can be signed before admission.
type signable struct {
	ID           string   `json:"id"`
	ActorID      string   `json:"actor_id"`
	Kind         string   `json:"kind"`
	Payload      *Payload `json:"payload"`
	ParentSpanID string   `json:"parent_span_id,omitempty"`
	Timestamp    string   `json:"timestamp"`
}

func signableOf(s Span) signable {
	return signable{
		ID:           s.ID,
		ActorID:      s.ActorID,
		Kind:         s.Kind,
		Payload:      s.Payload,
		ParentSpanID: s.ParentSpanID,
		Timestamp:    s.Timestamp.UTC().Format("2006-01-02T15:04:05.999999999Z07:00"),
	}
}

// Signer signs spans with an ed25519 key.
type Signer struct {
	priv  ed25519.PrivateKey
	pub   ed25519.PublicKey
	KeyID string
}

// NewSigner generates a fresh ed25519 keypair.
func NewSigner(keyID string) (*Signer, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("key generation failed: %w", err)
	}
	return &Signer{priv: priv, pub: pub, KeyID: keyID}, nil
}

// NewSignerFromKey wraps an existing private key.
func NewSignerFromKey(priv ed25519.PrivateKey, keyID string) *Signer {
	return &Signer{priv: priv, pub: priv.Public().(ed25519.PublicKey), KeyID: keyID}
}

// PublicKey returns the hex-encoded public key.
func (s *Signer) PublicKey() string {
	return hex.EncodeToString(s.pub)
}

// Sign returns the hex signature over the span's canonical signable form.
func (s *Signer) Sign(sp Span) (string, error) {
	b, err := CanonicalBytes(signableOf(sp))
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(ed25519.Sign(s.priv, b)), nil
}

// Verify checks a span signature against a hex-encoded public key.
func Verify(pubKeyHex string, sp Span) (bool, error) {
	pub, err := hex.DecodeString(pubKeyHex)
	if err != nil {
		return false, fmt.Errorf("invalid public key hex: %w", err)
	}
	sig, err := hex.DecodeString(sp.Signature)
	if err != nil {
		return false, fmt.Errorf("invalid signature hex: %w", err)
	}
	b, err := CanonicalBytes(signableOf(sp))
	if err != nil {
		return false, err
	}
	return ed25519.Verify(pub, b, sig), nil
}
