package registry

import (
	"fmt"

	"github.com/opencontainers/go-digest"

	"github.com/tidelog/tidelog/internal/codec"
	"github.com/tidelog/tidelog/signing"
)

// Envelope is a signed record as it travels on the wire and at rest:
// the record's canonical content bytes, the ID of the signing key, and
// the signature over the domain-prefixed content.
//
// The envelope does not verify itself; the log validators verify the
// signature against the key set their log currently authorizes.
type Envelope struct {
	Content   []byte            `json:"contentBytes" cbor:"1,keyasint"`
	KeyID     signing.KeyID     `json:"keyId" cbor:"2,keyasint"`
	Signature signing.Signature `json:"signature" cbor:"3,keyasint"`
}

// SignEnvelope encodes content with the canonical codec, signs it under
// the given domain, and wraps it in an envelope.
func SignEnvelope(key signing.PrivateKey, domain string, content any) (Envelope, error) {
	encoded, err := codec.Marshal(content)
	if err != nil {
		return Envelope{}, fmt.Errorf("encoding record content: %w", err)
	}
	return Envelope{
		Content:   encoded,
		KeyID:     key.Public().ID(),
		Signature: key.Sign(domain, encoded),
	}, nil
}

// Verify checks the envelope signature under the given domain.
func (e *Envelope) Verify(key signing.PublicKey, domain string) error {
	return key.Verify(domain, e.Content, e.Signature)
}

// Decode unmarshals the envelope's content bytes into v.
func (e *Envelope) Decode(v any) error {
	return codec.Unmarshal(e.Content, v)
}

// RecordID returns the envelope's content-addressed identifier: the
// SHA-256 digest of its canonical encoding.
func (e *Envelope) RecordID() (RecordID, error) {
	encoded, err := codec.Marshal(e)
	if err != nil {
		return "", fmt.Errorf("encoding envelope: %w", err)
	}
	return RecordID(digest.SHA256.FromBytes(encoded)), nil
}

// PublishedRecord is an envelope after the registry has appended it:
// the envelope plus its position in the global sequence and the fetch
// token that resumes pagination just past it.
type PublishedRecord struct {
	Envelope      Envelope `json:"envelope"`
	RegistryIndex uint64   `json:"registryIndex"`
	FetchToken    string   `json:"fetchToken"`
}
