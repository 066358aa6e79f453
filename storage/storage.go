// Package storage defines the persistence boundary consumed by the
// client: registry storage for validated log state, checkpoints, and
// staged publishes, and content storage for digest-addressed blobs.
package storage

import (
	"errors"
	"io"

	"github.com/opencontainers/go-digest"

	"github.com/tidelog/tidelog/operator"
	"github.com/tidelog/tidelog/pkglog"
	"github.com/tidelog/tidelog/registry"
)

// Sentinel errors for storage operations.
var (
	// ErrContentNotFound is returned when digest-addressed content is
	// not present in content storage.
	ErrContentNotFound = errors.New("storage: content not found")

	// ErrLocked is returned by TryLock constructors when another
	// process holds the storage directory lock.
	ErrLocked = errors.New("storage: directory is locked by another process")
)

// RegistryStorage persists the client's mirror of registry state. One
// client owns the storage for its lifetime; implementations guard the
// backing directory with a lock acquired at construction.
type RegistryStorage interface {
	// LoadCheckpoint returns the latest trusted checkpoint, or nil
	// when none has been recorded yet.
	LoadCheckpoint() (*registry.SignedCheckpoint, error)

	// StoreCheckpoint records the latest trusted checkpoint.
	StoreCheckpoint(checkpoint *registry.SignedCheckpoint) error

	// LoadOperator returns the operator mirror, or nil when the
	// operator log has never been synchronized.
	LoadOperator() (*OperatorInfo, error)

	// StoreOperator persists the operator mirror.
	StoreOperator(info *OperatorInfo) error

	// LoadPackage returns the mirror for one package, or nil when the
	// package has never been synchronized.
	LoadPackage(name registry.PackageName) (*PackageInfo, error)

	// StorePackage persists the mirror for one package.
	StorePackage(info *PackageInfo) error

	// LoadPackages returns the mirrors of every known package.
	LoadPackages() ([]*PackageInfo, error)

	// LoadPublish returns the staged publish, or nil when none is
	// staged.
	LoadPublish() (*PublishInfo, error)

	// StorePublish stages a publish. A nil info clears any staged
	// publish.
	StorePublish(info *PublishInfo) error

	// Reset removes mirrored state. When all is false only the
	// current registry's state is removed; when true, all registries'.
	Reset(all bool) error
}

// ContentStorage persists digest-addressed content blobs.
type ContentStorage interface {
	// ContentLocation returns the local path of stored content, or
	// false when the digest is not present.
	ContentLocation(dgst digest.Digest) (string, bool)

	// LoadContent opens stored content for reading. Returns
	// ErrContentNotFound when the digest is not present.
	LoadContent(dgst digest.Digest) (io.ReadCloser, error)

	// StoreContent streams content into storage, returning the digest
	// of what was written. When expected is non-empty, content whose
	// digest differs is discarded and an error returned.
	StoreContent(r io.Reader, expected digest.Digest) (digest.Digest, error)

	// Clear removes all stored content.
	Clear() error
}

// OperatorInfo is the local mirror of the operator log: the replayed
// validator state plus the fetch position it was last advanced to.
type OperatorInfo struct {
	State             *operator.LogState `json:"state,omitempty"`
	HeadRegistryIndex *uint64            `json:"headRegistryIndex,omitempty"`
	HeadFetchToken    string             `json:"headFetchToken,omitempty"`
}

// PackageInfo is the local mirror of one package's log: the replayed
// validator state, the fetch position, and the checkpoint the mirror
// was last synchronized against. Keyed by package name in storage.
type PackageInfo struct {
	Name              registry.PackageName `json:"name"`
	State             *pkglog.LogState     `json:"state,omitempty"`
	Checkpoint        *registry.Checkpoint `json:"checkpoint,omitempty"`
	HeadRegistryIndex *uint64              `json:"headRegistryIndex,omitempty"`
	HeadFetchToken    string               `json:"headFetchToken,omitempty"`
}

// NewPackageInfo returns an empty mirror for a package that has never
// been synchronized.
func NewPackageInfo(name registry.PackageName) *PackageInfo {
	return &PackageInfo{Name: name}
}
