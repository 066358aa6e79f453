// Package tidelog provides a client for verifiable, append-only
// package-registry transparency logs.
//
// The client maintains a local, incrementally updated mirror of the
// registry's operator log and any package logs it has seen, all
// synchronized against the registry's signed checkpoints. Every
// synchronization replays new records through append-only validators,
// verifies the checkpoint signature against the operator log's own key
// set, proves inclusion of every log head in the checkpoint, and proves
// consistency with the previously trusted checkpoint before committing
// anything to storage. A cycle either fully commits new trusted state
// or commits nothing.
//
// On top of the mirror the client drives the publish workflow (staging,
// submitting, and uploading content for signed package records) and the
// download workflow (resolving a version requirement against a
// synchronized package log and materializing its content locally).
package tidelog
