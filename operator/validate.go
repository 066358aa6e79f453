package operator

import (
	"fmt"

	"github.com/tidelog/tidelog/registry"
	"github.com/tidelog/tidelog/signing"
)

// Head identifies the most recently accepted record.
type Head struct {
	RecordID  registry.RecordID `json:"recordId"`
	Timestamp int64             `json:"timestamp"`
}

// LogState is the replayed result of validating every accepted operator
// record in order. The zero value is the state of an empty log.
//
// Validate never mutates its receiver: it either returns a new state
// with the record applied or the validation error, so a failed record
// can never leave a half-applied state behind.
type LogState struct {
	Head        *Head                               `json:"head,omitempty"`
	Keys        map[signing.KeyID]signing.PublicKey `json:"keys,omitempty"`
	Permissions map[signing.KeyID][]Permission      `json:"permissions,omitempty"`
}

// HeadRecordID returns the record ID of the log head, or "" when the
// log is empty.
func (s *LogState) HeadRecordID() registry.RecordID {
	if s == nil || s.Head == nil {
		return ""
	}
	return s.Head.RecordID
}

// PublicKey resolves a key ID against the currently authorized key set.
func (s *LogState) PublicKey(id signing.KeyID) (signing.PublicKey, bool) {
	if s == nil {
		return signing.PublicKey{}, false
	}
	key, ok := s.Keys[id]
	return key, ok
}

// Validate applies one signed record to the state, returning the next
// state. It is pure and performs no I/O. The caller must feed records
// in registry order; duplicate or out-of-order delivery is the caller's
// responsibility to filter.
func (s *LogState) Validate(env *registry.Envelope) (*LogState, error) {
	var record Record
	if err := env.Decode(&record); err != nil {
		return nil, fmt.Errorf("operator: decoding record: %w", err)
	}

	if record.Version != ProtocolVersion {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, record.Version)
	}
	if len(record.Entries) == 0 {
		return nil, ErrNoEntries
	}

	next := s.clone()

	if err := next.checkChain(&record); err != nil {
		return nil, err
	}
	if err := next.checkSignature(env, &record); err != nil {
		return nil, err
	}

	signer := env.KeyID
	for _, entry := range record.Entries {
		if err := next.apply(signer, entry); err != nil {
			return nil, err
		}
	}

	recordID, err := env.RecordID()
	if err != nil {
		return nil, err
	}
	next.Head = &Head{RecordID: recordID, Timestamp: record.Timestamp}
	return next, nil
}

// checkChain verifies the record extends the current head with a
// strictly advancing timestamp.
func (s *LogState) checkChain(record *Record) error {
	if s.Head == nil {
		if record.Prev != "" {
			return fmt.Errorf("%w: log is empty but record claims prev %s", ErrHeadMismatch, record.Prev)
		}
		return nil
	}
	if record.Prev != s.Head.RecordID {
		return fmt.Errorf("%w: prev %s, head %s", ErrHeadMismatch, record.Prev, s.Head.RecordID)
	}
	if record.Timestamp <= s.Head.Timestamp {
		return fmt.Errorf("%w: %d <= %d", ErrTimestampOrder, record.Timestamp, s.Head.Timestamp)
	}
	return nil
}

// checkSignature verifies the envelope signature against the key the
// log authorizes. For the first record the signing key comes from the
// record's own init entry.
func (s *LogState) checkSignature(env *registry.Envelope, record *Record) error {
	if s.Head == nil {
		init := record.Entries[0].Init
		if init == nil {
			return ErrNotInitialized
		}
		if init.Key.ID() != env.KeyID {
			return fmt.Errorf("%w: first record must be signed by the init key", ErrUnknownKey)
		}
		return env.Verify(init.Key, SignatureDomain)
	}

	key, ok := s.Keys[env.KeyID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownKey, env.KeyID)
	}
	if !s.hasPermission(env.KeyID, PermissionCommit) {
		return fmt.Errorf("%w: key %s cannot commit", ErrPermissionDenied, env.KeyID)
	}
	return env.Verify(key, SignatureDomain)
}

func (s *LogState) apply(signer signing.KeyID, entry Entry) error {
	switch {
	case entry.Init != nil:
		if s.Head != nil || len(s.Keys) > 0 {
			return ErrAlreadyInitialized
		}
		id := entry.Init.Key.ID()
		s.Keys[id] = entry.Init.Key
		s.Permissions[id] = []Permission{PermissionCommit}
		return nil

	case entry.Grant != nil:
		if err := validPermissions(entry.Grant.Permissions); err != nil {
			return err
		}
		id := entry.Grant.Key.ID()
		s.Keys[id] = entry.Grant.Key
		s.Permissions[id] = mergePermissions(s.Permissions[id], entry.Grant.Permissions)
		return nil

	case entry.Revoke != nil:
		if _, ok := s.Keys[entry.Revoke.KeyID]; !ok {
			return fmt.Errorf("%w: cannot revoke unknown key %s", ErrUnknownKey, entry.Revoke.KeyID)
		}
		if err := validPermissions(entry.Revoke.Permissions); err != nil {
			return err
		}
		s.Permissions[entry.Revoke.KeyID] = removePermissions(s.Permissions[entry.Revoke.KeyID], entry.Revoke.Permissions)
		return nil

	default:
		return fmt.Errorf("operator: entry has no operation")
	}
}

func (s *LogState) hasPermission(id signing.KeyID, p Permission) bool {
	for _, held := range s.Permissions[id] {
		if held == p {
			return true
		}
	}
	return false
}

func (s *LogState) clone() *LogState {
	next := &LogState{
		Keys:        make(map[signing.KeyID]signing.PublicKey),
		Permissions: make(map[signing.KeyID][]Permission),
	}
	if s == nil {
		return next
	}
	next.Head = s.Head
	for id, key := range s.Keys {
		next.Keys[id] = key
	}
	for id, perms := range s.Permissions {
		next.Permissions[id] = append([]Permission(nil), perms...)
	}
	return next
}

func validPermissions(perms []Permission) error {
	for _, p := range perms {
		if p != PermissionCommit {
			return fmt.Errorf("%w: %q", ErrUnknownPermission, p)
		}
	}
	return nil
}

func mergePermissions(held, granted []Permission) []Permission {
	merged := append([]Permission(nil), held...)
	for _, p := range granted {
		found := false
		for _, h := range merged {
			if h == p {
				found = true
				break
			}
		}
		if !found {
			merged = append(merged, p)
		}
	}
	return merged
}

func removePermissions(held, revoked []Permission) []Permission {
	var remaining []Permission
	for _, h := range held {
		keep := true
		for _, r := range revoked {
			if h == r {
				keep = false
				break
			}
		}
		if keep {
			remaining = append(remaining, h)
		}
	}
	return remaining
}
