// Package operator implements the operator log: the append-only record
// sequence through which the registry operator manages its signing keys.
// The replayed state of this log is the trust anchor for checkpoint
// signature verification.
package operator

import (
	"errors"

	"github.com/tidelog/tidelog/registry"
	"github.com/tidelog/tidelog/signing"
)

// SignatureDomain is the signature domain for operator records.
const SignatureDomain = "TIDELOG-OPERATOR-RECORD-SIGNATURE-V1"

// ProtocolVersion is the only record protocol version this validator
// accepts.
const ProtocolVersion = 1

// Permission is a capability granted to a key on the operator log.
type Permission string

// Permissions a key may hold on the operator log.
const (
	// PermissionCommit allows a key to sign new operator records.
	PermissionCommit Permission = "commit"
)

// Record is the decoded content of one operator log record.
type Record struct {
	// Prev is the record ID of the log head this record extends, or
	// empty for the first record.
	Prev registry.RecordID `cbor:"1,keyasint,omitempty"`

	// Version is the record protocol version.
	Version uint32 `cbor:"2,keyasint"`

	// Timestamp is when the record was created, in seconds since the
	// Unix epoch. Must be strictly greater than the previous record's.
	Timestamp int64 `cbor:"3,keyasint"`

	// Entries are the operations the record applies, in order.
	Entries []Entry `cbor:"4,keyasint"`
}

// Entry is one operation within an operator record. Exactly one field
// must be set.
type Entry struct {
	Init   *Init   `cbor:"1,keyasint,omitempty"`
	Grant  *Grant  `cbor:"2,keyasint,omitempty"`
	Revoke *Revoke `cbor:"3,keyasint,omitempty"`
}

// Init establishes the operator log. It must be the first entry of the
// first record and may never appear again.
type Init struct {
	// Key is the initial operator key. The first record must be signed
	// by this key.
	Key signing.PublicKey `cbor:"1,keyasint"`
}

// Grant authorizes a key with the given permissions.
type Grant struct {
	Key         signing.PublicKey `cbor:"1,keyasint"`
	Permissions []Permission      `cbor:"2,keyasint"`
}

// Revoke removes permissions from a previously authorized key.
type Revoke struct {
	KeyID       signing.KeyID `cbor:"1,keyasint"`
	Permissions []Permission  `cbor:"2,keyasint"`
}

// Validation errors.
var (
	ErrUnsupportedVersion = errors.New("operator: unsupported record protocol version")
	ErrHeadMismatch       = errors.New("operator: record does not extend the current log head")
	ErrTimestampOrder     = errors.New("operator: record timestamp does not advance")
	ErrNotInitialized     = errors.New("operator: log is not initialized")
	ErrAlreadyInitialized = errors.New("operator: log is already initialized")
	ErrNoEntries          = errors.New("operator: record has no entries")
	ErrUnknownKey         = errors.New("operator: record signed with unknown key")
	ErrPermissionDenied   = errors.New("operator: signing key lacks required permission")
	ErrUnknownPermission  = errors.New("operator: unknown permission")
)
