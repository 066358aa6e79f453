// Package testutil provides in-memory storage implementations and an
// in-process fake registry for tests.
package testutil

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/opencontainers/go-digest"

	"github.com/tidelog/tidelog/registry"
	"github.com/tidelog/tidelog/storage"
)

// MemoryRegistryStorage is an in-memory storage.RegistryStorage. Values
// round-trip through JSON on every store and load, so tests observe the
// same serialization behavior as filesystem storage.
type MemoryRegistryStorage struct {
	mu         sync.Mutex
	checkpoint []byte
	operator   []byte
	packages   map[registry.LogID][]byte
	publish    []byte
}

// NewMemoryRegistryStorage creates an empty in-memory registry storage.
func NewMemoryRegistryStorage() *MemoryRegistryStorage {
	return &MemoryRegistryStorage{
		packages: make(map[registry.LogID][]byte),
	}
}

func (s *MemoryRegistryStorage) LoadCheckpoint() (*registry.SignedCheckpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.checkpoint == nil {
		return nil, nil
	}
	var checkpoint registry.SignedCheckpoint
	if err := json.Unmarshal(s.checkpoint, &checkpoint); err != nil {
		return nil, err
	}
	return &checkpoint, nil
}

func (s *MemoryRegistryStorage) StoreCheckpoint(checkpoint *registry.SignedCheckpoint) error {
	data, err := json.Marshal(checkpoint)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkpoint = data
	return nil
}

func (s *MemoryRegistryStorage) LoadOperator() (*storage.OperatorInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.operator == nil {
		return nil, nil
	}
	var info storage.OperatorInfo
	if err := json.Unmarshal(s.operator, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

func (s *MemoryRegistryStorage) StoreOperator(info *storage.OperatorInfo) error {
	data, err := json.Marshal(info)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.operator = data
	return nil
}

func (s *MemoryRegistryStorage) LoadPackage(name registry.PackageName) (*storage.PackageInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.packages[registry.PackageLogID(name)]
	if !ok {
		return nil, nil
	}
	var info storage.PackageInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

func (s *MemoryRegistryStorage) StorePackage(info *storage.PackageInfo) error {
	data, err := json.Marshal(info)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.packages[registry.PackageLogID(info.Name)] = data
	return nil
}

func (s *MemoryRegistryStorage) LoadPackages() ([]*storage.PackageInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	infos := make([]*storage.PackageInfo, 0, len(s.packages))
	for _, data := range s.packages {
		var info storage.PackageInfo
		if err := json.Unmarshal(data, &info); err != nil {
			return nil, err
		}
		infos = append(infos, &info)
	}
	return infos, nil
}

func (s *MemoryRegistryStorage) LoadPublish() (*storage.PublishInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.publish == nil {
		return nil, nil
	}
	var info storage.PublishInfo
	if err := json.Unmarshal(s.publish, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

func (s *MemoryRegistryStorage) StorePublish(info *storage.PublishInfo) error {
	if info == nil {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.publish = nil
		return nil
	}
	data, err := json.Marshal(info)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.publish = data
	return nil
}

func (s *MemoryRegistryStorage) Reset(all bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkpoint = nil
	s.operator = nil
	s.publish = nil
	s.packages = make(map[registry.LogID][]byte)
	return nil
}

// MemoryContentStorage is an in-memory storage.ContentStorage.
type MemoryContentStorage struct {
	mu      sync.Mutex
	content map[digest.Digest][]byte
}

// NewMemoryContentStorage creates an empty in-memory content storage.
func NewMemoryContentStorage() *MemoryContentStorage {
	return &MemoryContentStorage{
		content: make(map[digest.Digest][]byte),
	}
}

// Put stores content directly, returning its digest.
func (s *MemoryContentStorage) Put(data []byte) digest.Digest {
	dgst := digest.SHA256.FromBytes(data)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.content[dgst] = append([]byte(nil), data...)
	return dgst
}

// Get returns stored content, if present.
func (s *MemoryContentStorage) Get(dgst digest.Digest) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.content[dgst]
	return data, ok
}

func (s *MemoryContentStorage) ContentLocation(dgst digest.Digest) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.content[dgst]; !ok {
		return "", false
	}
	return "mem://" + dgst.String(), true
}

func (s *MemoryContentStorage) LoadContent(dgst digest.Digest) (io.ReadCloser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.content[dgst]
	if !ok {
		return nil, fmt.Errorf("%w: %s", storage.ErrContentNotFound, dgst)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (s *MemoryContentStorage) StoreContent(r io.Reader, expected digest.Digest) (digest.Digest, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	dgst := digest.SHA256.FromBytes(data)
	if expected != "" && dgst != expected {
		return "", fmt.Errorf("content digest %s does not match expected %s", dgst, expected)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.content[dgst] = data
	return dgst, nil
}

func (s *MemoryContentStorage) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.content = make(map[digest.Digest][]byte)
	return nil
}
