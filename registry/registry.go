// Package registry defines the data model shared between the client, the
// log validators, and the registry API: log and record identifiers,
// checkpoints, inclusion leaves, and package names.
package registry

import (
	"errors"
	"fmt"
	"strings"

	"github.com/opencontainers/go-digest"

	"github.com/tidelog/tidelog/internal/codec"
	"github.com/tidelog/tidelog/signing"
)

// Signature and identifier domain prefixes. Changing any of these is a
// protocol break: identifiers and signatures are computed over them.
const (
	logIDDomain          = "TIDELOG-LOG-ID-V1"
	checkpointSignDomain = "TIDELOG-CHECKPOINT-SIGNATURE-V1"
	operatorLogName      = "tidelog:operator"
)

// ErrInvalidPackageName is returned when a package name is malformed.
var ErrInvalidPackageName = errors.New("registry: invalid package name")

// LogID is the stable identifier of a single log: the SHA-256 digest of
// the domain-prefixed log name. Equal names always produce equal IDs.
type LogID string

// PackageLogID derives the log ID for a package log.
func PackageLogID(name PackageName) LogID {
	return logID(name.String())
}

// OperatorLogID returns the fixed log ID of the operator log.
func OperatorLogID() LogID {
	return logID(operatorLogName)
}

func logID(name string) LogID {
	return LogID(digest.SHA256.FromString(logIDDomain + ":" + name))
}

func (id LogID) String() string { return string(id) }

// RecordID is the content-addressed identifier of a single log record:
// the SHA-256 digest of the record envelope's canonical encoding.
type RecordID string

func (id RecordID) String() string { return string(id) }

// PackageName is a validated package name of the form "namespace:name".
// Each segment is lowercase alphanumeric with interior dashes.
type PackageName struct {
	namespace string
	name      string
}

// ParsePackageName validates and parses a package name.
func ParsePackageName(s string) (PackageName, error) {
	namespace, name, ok := strings.Cut(s, ":")
	if !ok {
		return PackageName{}, fmt.Errorf("%w: %q must be of the form \"namespace:name\"", ErrInvalidPackageName, s)
	}
	if !validSegment(namespace) || !validSegment(name) {
		return PackageName{}, fmt.Errorf("%w: %q", ErrInvalidPackageName, s)
	}
	return PackageName{namespace: namespace, name: name}, nil
}

func validSegment(s string) bool {
	if s == "" || s[0] == '-' || s[len(s)-1] == '-' {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z':
		case c >= '0' && c <= '9':
		case c == '-':
		default:
			return false
		}
	}
	return true
}

// Namespace returns the namespace segment of the name.
func (n PackageName) Namespace() string { return n.namespace }

// Name returns the name segment of the name.
func (n PackageName) Name() string { return n.name }

// String returns the "namespace:name" form.
func (n PackageName) String() string {
	return n.namespace + ":" + n.name
}

// IsZero reports whether the name is the zero value.
func (n PackageName) IsZero() bool { return n.namespace == "" && n.name == "" }

// MarshalText implements encoding.TextMarshaler.
func (n PackageName) MarshalText() ([]byte, error) {
	return []byte(n.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (n *PackageName) UnmarshalText(text []byte) error {
	parsed, err := ParsePackageName(string(text))
	if err != nil {
		return err
	}
	*n = parsed
	return nil
}

// Checkpoint is a registry-wide snapshot: the global log length and the
// root digests of the log tree and the log-to-record map. A checkpoint
// uniquely determines the set of records included up to LogLength.
type Checkpoint struct {
	LogLength uint64        `json:"logLength" cbor:"1,keyasint"`
	LogRoot   digest.Digest `json:"logRoot" cbor:"2,keyasint"`
	MapRoot   digest.Digest `json:"mapRoot" cbor:"3,keyasint"`
}

// Equal reports whether two checkpoints are identical.
func (c Checkpoint) Equal(other Checkpoint) bool {
	return c.LogLength == other.LogLength &&
		c.LogRoot == other.LogRoot &&
		c.MapRoot == other.MapRoot
}

// TimestampedCheckpoint is a checkpoint plus the time the registry
// produced it, in seconds since the Unix epoch. This is the content that
// the registry operator signs.
type TimestampedCheckpoint struct {
	Checkpoint Checkpoint `json:"checkpoint" cbor:"1,keyasint"`
	Timestamp  int64      `json:"timestamp" cbor:"2,keyasint"`
}

// SignedCheckpoint is a timestamped checkpoint together with the key ID
// and signature asserting it.
type SignedCheckpoint struct {
	TimestampedCheckpoint TimestampedCheckpoint `json:"timestampedCheckpoint"`
	KeyID                 signing.KeyID         `json:"keyId"`
	Signature             signing.Signature     `json:"signature"`
}

// Checkpoint returns the inner checkpoint.
func (s *SignedCheckpoint) Checkpoint() Checkpoint {
	return s.TimestampedCheckpoint.Checkpoint
}

// SignCheckpoint signs a timestamped checkpoint, producing the envelope
// the registry publishes.
func SignCheckpoint(key signing.PrivateKey, tc TimestampedCheckpoint) (SignedCheckpoint, error) {
	content, err := codec.Marshal(tc)
	if err != nil {
		return SignedCheckpoint{}, fmt.Errorf("encoding checkpoint: %w", err)
	}
	return SignedCheckpoint{
		TimestampedCheckpoint: tc,
		KeyID:                 key.Public().ID(),
		Signature:             key.Sign(checkpointSignDomain, content),
	}, nil
}

// Verify checks the checkpoint signature against the given public key.
// The caller is responsible for resolving the checkpoint's KeyID to a
// currently trusted key.
func (s *SignedCheckpoint) Verify(key signing.PublicKey) error {
	content, err := codec.Marshal(s.TimestampedCheckpoint)
	if err != nil {
		return fmt.Errorf("encoding checkpoint: %w", err)
	}
	return key.Verify(checkpointSignDomain, content, s.Signature)
}

// LogLeaf asserts that the record with RecordID is the head of the log
// with LogID. Its canonical encoding is the Merkle leaf content used for
// inclusion proofs.
type LogLeaf struct {
	LogID    LogID    `json:"logId" cbor:"1,keyasint"`
	RecordID RecordID `json:"recordId" cbor:"2,keyasint"`
}

// Encode returns the leaf's canonical encoding.
func (l LogLeaf) Encode() ([]byte, error) {
	return codec.Marshal(l)
}
