// Package pkglog implements the per-package log: the append-only record
// sequence of key grants, releases, and yanks for a single package. The
// replayed state of this log is the local mirror a client resolves
// versions against.
package pkglog

import (
	"errors"

	"github.com/opencontainers/go-digest"

	"github.com/tidelog/tidelog/registry"
	"github.com/tidelog/tidelog/signing"
)

// SignatureDomain is the signature domain for package records.
const SignatureDomain = "TIDELOG-PACKAGE-RECORD-SIGNATURE-V1"

// ProtocolVersion is the only record protocol version this validator
// accepts.
const ProtocolVersion = 1

// Permission is a capability granted to a key on a package log.
type Permission string

// Permissions a key may hold on a package log.
const (
	// PermissionRelease allows a key to publish releases.
	PermissionRelease Permission = "release"

	// PermissionYank allows a key to yank releases.
	PermissionYank Permission = "yank"
)

// Record is the decoded content of one package log record.
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

// Entry is one operation within a package record. Exactly one field
// must be set.
type Entry struct {
	Init    *Init    `cbor:"1,keyasint,omitempty"`
	Grant   *Grant   `cbor:"2,keyasint,omitempty"`
	Revoke  *Revoke  `cbor:"3,keyasint,omitempty"`
	Release *Release `cbor:"4,keyasint,omitempty"`
	Yank    *Yank    `cbor:"5,keyasint,omitempty"`
}

// Init establishes the package log. It must be the first entry of the
// first record and may never appear again.
type Init struct {
	// Key is the initial package key. The first record must be signed
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

// Release publishes a version with the digest of its content.
type Release struct {
	Version string        `cbor:"1,keyasint"`
	Content digest.Digest `cbor:"2,keyasint"`
}

// Yank retracts a previously released version. The version stays in the
// log's history but no longer resolves to content.
type Yank struct {
	Version string `cbor:"1,keyasint"`
}

// Validation errors.
var (
	ErrUnsupportedVersion = errors.New("pkglog: unsupported record protocol version")
	ErrHeadMismatch       = errors.New("pkglog: record does not extend the current log head")
	ErrTimestampOrder     = errors.New("pkglog: record timestamp does not advance")
	ErrNotInitialized     = errors.New("pkglog: log is not initialized")
	ErrAlreadyInitialized = errors.New("pkglog: log is already initialized")
	ErrNoEntries          = errors.New("pkglog: record has no entries")
	ErrUnknownKey         = errors.New("pkglog: record signed with unknown key")
	ErrPermissionDenied   = errors.New("pkglog: signing key lacks required permission")
	ErrUnknownPermission  = errors.New("pkglog: unknown permission")
	ErrInvalidVersion     = errors.New("pkglog: invalid release version")
	ErrReleaseExists      = errors.New("pkglog: version already released")
	ErrReleaseNotFound    = errors.New("pkglog: version was never released")
	ErrReleaseYanked      = errors.New("pkglog: version is already yanked")
)
