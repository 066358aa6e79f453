package storage

import (
	"errors"
	"time"

	"github.com/opencontainers/go-digest"

	"github.com/tidelog/tidelog/pkglog"
	"github.com/tidelog/tidelog/registry"
	"github.com/tidelog/tidelog/signing"
)

// ErrEmptyPublishEntry is returned when a publish entry has no operation.
var ErrEmptyPublishEntry = errors.New("storage: publish entry has no operation")

// PublishInfo is a staged, not-yet-submitted set of edits to one
// package's log.
type PublishInfo struct {
	// Name is the package being published.
	Name registry.PackageName `json:"name"`

	// Head is the record ID the new record should extend. When empty
	// and the package is not being initialized, the client discovers
	// the head by synchronizing before publishing.
	Head registry.RecordID `json:"head,omitempty"`

	// Entries are the staged operations, in order.
	Entries []PublishEntry `json:"entries"`
}

// PublishEntry is one staged operation. Exactly one field must be set.
type PublishEntry struct {
	Init    bool            `json:"init,omitempty"`
	Grant   *PublishGrant   `json:"grant,omitempty"`
	Revoke  *PublishRevoke  `json:"revoke,omitempty"`
	Release *PublishRelease `json:"release,omitempty"`
	Yank    *PublishYank    `json:"yank,omitempty"`
}

// PublishGrant stages a key grant.
type PublishGrant struct {
	Key         signing.PublicKey   `json:"key"`
	Permissions []pkglog.Permission `json:"permissions"`
}

// PublishRevoke stages a key revocation.
type PublishRevoke struct {
	KeyID       signing.KeyID       `json:"keyId"`
	Permissions []pkglog.Permission `json:"permissions"`
}

// PublishRelease stages a release of a version with its content digest.
type PublishRelease struct {
	Version string        `json:"version"`
	Content digest.Digest `json:"content"`
}

// PublishYank stages a yank of a previously released version.
type PublishYank struct {
	Version string `json:"version"`
}

// Initializing reports whether the staged entries initialize a new
// package log.
func (i *PublishInfo) Initializing() bool {
	for _, entry := range i.Entries {
		if entry.Init {
			return true
		}
	}
	return false
}

// ContentDigests returns the digests of all staged release content.
func (i *PublishInfo) ContentDigests() []digest.Digest {
	var digests []digest.Digest
	for _, entry := range i.Entries {
		if entry.Release != nil {
			digests = append(digests, entry.Release.Content)
		}
	}
	return digests
}

// Finalize converts the staged entries into a signed package record
// extending head. The init entry embeds the signing key's public half
// as the package's initial key.
func (i *PublishInfo) Finalize(key signing.PrivateKey) (registry.Envelope, error) {
	record := pkglog.Record{
		Prev:      i.Head,
		Version:   pkglog.ProtocolVersion,
		Timestamp: time.Now().Unix(),
	}
	for _, entry := range i.Entries {
		switch {
		case entry.Init:
			record.Entries = append(record.Entries, pkglog.Entry{
				Init: &pkglog.Init{Key: key.Public()},
			})
		case entry.Grant != nil:
			record.Entries = append(record.Entries, pkglog.Entry{
				Grant: &pkglog.Grant{Key: entry.Grant.Key, Permissions: entry.Grant.Permissions},
			})
		case entry.Revoke != nil:
			record.Entries = append(record.Entries, pkglog.Entry{
				Revoke: &pkglog.Revoke{KeyID: entry.Revoke.KeyID, Permissions: entry.Revoke.Permissions},
			})
		case entry.Release != nil:
			record.Entries = append(record.Entries, pkglog.Entry{
				Release: &pkglog.Release{Version: entry.Release.Version, Content: entry.Release.Content},
			})
		case entry.Yank != nil:
			record.Entries = append(record.Entries, pkglog.Entry{
				Yank: &pkglog.Yank{Version: entry.Yank.Version},
			})
		default:
			return registry.Envelope{}, ErrEmptyPublishEntry
		}
	}
	return registry.SignEnvelope(key, pkglog.SignatureDomain, record)
}
