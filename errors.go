package tidelog

import (
	"errors"
	"fmt"

	"github.com/tidelog/tidelog/api"
	"github.com/tidelog/tidelog/registry"
)

// Sentinel errors for client operations.
var (
	// ErrNoDefaultRegistry is returned when no registry URL is given
	// and the configuration has no default.
	ErrNoDefaultRegistry = errors.New("tidelog: no default registry URL is configured")

	// ErrInvalidCheckpointSignature is returned when a checkpoint
	// signature fails verification.
	ErrInvalidCheckpointSignature = errors.New("tidelog: invalid checkpoint signature")

	// ErrUnknownCheckpointKey is returned when a checkpoint's key ID
	// does not resolve against the operator log's key set.
	ErrUnknownCheckpointKey = errors.New("tidelog: checkpoint signed with unknown key")

	// ErrNoOperatorRecords is returned when the registry provides no
	// operator records; the operator log must never be empty.
	ErrNoOperatorRecords = errors.New("tidelog: registry provided no operator records")

	// ErrPackageLogEmpty is returned when a package log exists on the
	// registry but yields no records.
	ErrPackageLogEmpty = errors.New("tidelog: package log is empty")

	// ErrFetchStalled is returned when the registry reports more
	// records to fetch without advancing any fetch cursor.
	ErrFetchStalled = errors.New("tidelog: registry reported more records without advancing")

	// ErrCannotInitialize is returned when publishing initializes a
	// package that already exists.
	ErrCannotInitialize = errors.New("tidelog: package already exists and cannot be initialized")

	// ErrMustInitialize is returned when publishing to a package that
	// has never been initialized without an init entry.
	ErrMustInitialize = errors.New("tidelog: package must be initialized before publishing")

	// ErrNotPublishing is returned by Publish when no publish is
	// staged in client storage.
	ErrNotPublishing = errors.New("tidelog: no publish operation is staged")

	// ErrNothingToPublish is returned when a staged publish has no
	// entries.
	ErrNothingToPublish = errors.New("tidelog: nothing to publish")

	// ErrPackageDoesNotExist is returned when the registry does not
	// know a requested package.
	ErrPackageDoesNotExist = errors.New("tidelog: package does not exist")

	// ErrVersionDoesNotExist is returned when a requested package
	// version does not exist or has no content.
	ErrVersionDoesNotExist = errors.New("tidelog: package version does not exist")

	// ErrPublishIncomplete is returned when a record is still missing
	// content after every upload completed.
	ErrPublishIncomplete = errors.New("tidelog: record is still missing content after upload")

	// ErrCheckpointRewound is returned when the registry presents a
	// checkpoint shorter than a previously trusted one.
	ErrCheckpointRewound = errors.New("tidelog: registry rewound its checkpoint log length")

	// ErrCheckpointEquivocated is returned when the registry presents
	// a checkpoint with the same length but different roots than a
	// previously trusted one.
	ErrCheckpointEquivocated = errors.New("tidelog: registry equivocated: same checkpoint log length with different roots")

	// ErrReleaseMissingContent is returned when a resolved, non-yanked
	// release carries no content digest; this indicates corrupted
	// local state, not a missing package.
	ErrReleaseMissingContent = errors.New("tidelog: resolved release has no content digest")
)

// OperatorValidationError reports that an operator record failed
// validation during synchronization.
type OperatorValidationError struct {
	Inner error
}

func (e *OperatorValidationError) Error() string {
	return fmt.Sprintf("tidelog: operator log failed validation: %v", e.Inner)
}

func (e *OperatorValidationError) Unwrap() error { return e.Inner }

// PackageValidationError reports that a package record failed
// validation during synchronization.
type PackageValidationError struct {
	Name  registry.PackageName
	Inner error
}

func (e *PackageValidationError) Error() string {
	return fmt.Sprintf("tidelog: package %s failed validation: %v", e.Name, e.Inner)
}

func (e *PackageValidationError) Unwrap() error { return e.Inner }

// PublishRejectedError reports that the registry rejected a publish.
type PublishRejectedError struct {
	Name     registry.PackageName
	RecordID registry.RecordID
	Reason   string
}

func (e *PublishRejectedError) Error() string {
	return fmt.Sprintf("tidelog: publishing package %s was rejected: %s", e.Name, e.Reason)
}

// translateLogNotFound converts a registry log-not-found error into
// ErrPackageDoesNotExist when the unresolved log ID belongs to a
// package this client asked about; other errors pass through.
func translateLogNotFound(err error, lookup func(registry.LogID) (registry.PackageName, bool)) error {
	if id, ok := api.LogNotFoundID(err); ok {
		if name, ok := lookup(id); ok {
			return fmt.Errorf("%w: %s", ErrPackageDoesNotExist, name)
		}
	}
	return err
}
