// Package signing provides the key and signature types used to sign and
// verify registry records and checkpoints.
//
// Keys are Ed25519. The text encoding for keys and signatures is
// "ed25519:<base64>", and key IDs are the SHA-256 digest of the public
// key's text encoding. Signatures are computed over a domain-separation
// prefix followed by the canonical encoding of the signed content, so a
// signature for one record type can never verify as another.
package signing

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/opencontainers/go-digest"
)

const algorithm = "ed25519"

// Sentinel errors for key and signature handling.
var (
	// ErrMalformedKey is returned when a key string cannot be parsed.
	ErrMalformedKey = errors.New("signing: malformed key")

	// ErrMalformedSignature is returned when a signature string cannot be parsed.
	ErrMalformedSignature = errors.New("signing: malformed signature")

	// ErrInvalidSignature is returned when signature verification fails.
	ErrInvalidSignature = errors.New("signing: invalid signature")
)

// KeyID uniquely identifies a public key. It is the SHA-256 digest of
// the key's text encoding.
type KeyID string

func (id KeyID) String() string { return string(id) }

// PublicKey is an Ed25519 public key.
type PublicKey struct {
	key ed25519.PublicKey
}

// PrivateKey is an Ed25519 private key.
type PrivateKey struct {
	key ed25519.PrivateKey
}

// Signature is an encoded Ed25519 signature.
type Signature struct {
	raw []byte
}

// GenerateKey creates a new Ed25519 keypair.
func GenerateKey() (PublicKey, PrivateKey, error) {
	public, private, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return PublicKey{}, PrivateKey{}, fmt.Errorf("generating Ed25519 keypair: %w", err)
	}
	return PublicKey{key: public}, PrivateKey{key: private}, nil
}

// ParsePublicKey parses a public key from its "ed25519:<base64>" form.
func ParsePublicKey(s string) (PublicKey, error) {
	raw, err := parseEncoded(s)
	if err != nil {
		return PublicKey{}, err
	}
	if len(raw) != ed25519.PublicKeySize {
		return PublicKey{}, fmt.Errorf("%w: public key has %d bytes, want %d", ErrMalformedKey, len(raw), ed25519.PublicKeySize)
	}
	return PublicKey{key: ed25519.PublicKey(raw)}, nil
}

// ParsePrivateKey parses a private key from its "ed25519:<base64>" form.
// The encoded portion is the 32-byte Ed25519 seed.
func ParsePrivateKey(s string) (PrivateKey, error) {
	raw, err := parseEncoded(s)
	if err != nil {
		return PrivateKey{}, err
	}
	if len(raw) != ed25519.SeedSize {
		return PrivateKey{}, fmt.Errorf("%w: private key seed has %d bytes, want %d", ErrMalformedKey, len(raw), ed25519.SeedSize)
	}
	return PrivateKey{key: ed25519.NewKeyFromSeed(raw)}, nil
}

func parseEncoded(s string) ([]byte, error) {
	algo, encoded, ok := strings.Cut(s, ":")
	if !ok {
		return nil, fmt.Errorf("%w: missing algorithm prefix", ErrMalformedKey)
	}
	if algo != algorithm {
		return nil, fmt.Errorf("%w: unsupported algorithm %q", ErrMalformedKey, algo)
	}
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedKey, err)
	}
	return raw, nil
}

// String returns the "ed25519:<base64>" encoding of the key.
func (p PublicKey) String() string {
	return algorithm + ":" + base64.StdEncoding.EncodeToString(p.key)
}

// ID returns the key's identifier: the SHA-256 digest of its text encoding.
func (p PublicKey) ID() KeyID {
	return KeyID(digest.SHA256.FromString(p.String()))
}

// IsZero reports whether the key is the zero value.
func (p PublicKey) IsZero() bool { return len(p.key) == 0 }

// Verify checks sig over the domain-prefixed content.
func (p PublicKey) Verify(domain string, content []byte, sig Signature) error {
	if len(p.key) != ed25519.PublicKeySize {
		return ErrMalformedKey
	}
	if !ed25519.Verify(p.key, signedContent(domain, content), sig.raw) {
		return ErrInvalidSignature
	}
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (p PublicKey) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *PublicKey) UnmarshalText(text []byte) error {
	parsed, err := ParsePublicKey(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// String returns the "ed25519:<base64>" encoding of the private key seed.
func (k PrivateKey) String() string {
	return algorithm + ":" + base64.StdEncoding.EncodeToString(k.key.Seed())
}

// Public returns the corresponding public key.
func (k PrivateKey) Public() PublicKey {
	return PublicKey{key: k.key.Public().(ed25519.PublicKey)}
}

// Sign signs the domain-prefixed content.
func (k PrivateKey) Sign(domain string, content []byte) Signature {
	return Signature{raw: ed25519.Sign(k.key, signedContent(domain, content))}
}

// signedContent prefixes content with the signature domain so signatures
// for different record types are never interchangeable.
func signedContent(domain string, content []byte) []byte {
	msg := make([]byte, 0, len(domain)+1+len(content))
	msg = append(msg, domain...)
	msg = append(msg, ':')
	msg = append(msg, content...)
	return msg
}

// ParseSignature parses a signature from its "ed25519:<base64>" form.
func ParseSignature(s string) (Signature, error) {
	algo, encoded, ok := strings.Cut(s, ":")
	if !ok {
		return Signature{}, fmt.Errorf("%w: missing algorithm prefix", ErrMalformedSignature)
	}
	if algo != algorithm {
		return Signature{}, fmt.Errorf("%w: unsupported algorithm %q", ErrMalformedSignature, algo)
	}
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return Signature{}, fmt.Errorf("%w: %v", ErrMalformedSignature, err)
	}
	if len(raw) != ed25519.SignatureSize {
		return Signature{}, fmt.Errorf("%w: signature has %d bytes, want %d", ErrMalformedSignature, len(raw), ed25519.SignatureSize)
	}
	return Signature{raw: raw}, nil
}

// String returns the "ed25519:<base64>" encoding of the signature.
func (s Signature) String() string {
	return algorithm + ":" + base64.StdEncoding.EncodeToString(s.raw)
}

// IsZero reports whether the signature is the zero value.
func (s Signature) IsZero() bool { return len(s.raw) == 0 }

// MarshalText implements encoding.TextMarshaler.
func (s Signature) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Signature) UnmarshalText(text []byte) error {
	parsed, err := ParseSignature(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}
