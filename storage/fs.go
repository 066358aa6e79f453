package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/opencontainers/go-digest"

	"github.com/tidelog/tidelog/registry"
)

const (
	dirPerm  = 0o700
	filePerm = 0o600

	checkpointFile = "checkpoint.json"
	operatorFile   = "operator.json"
	publishFile    = "publish.json"
	packagesDir    = "packages"
)

// FileSystemRegistryStorage implements RegistryStorage with one JSON
// file per key under a per-registry directory. The directory is guarded
// by an advisory lock held for the storage's lifetime.
//
// Layout, rooted at the registries directory:
//
//	<root>/.lock
//	<root>/<registry>/checkpoint.json
//	<root>/<registry>/operator.json
//	<root>/<registry>/publish.json
//	<root>/<registry>/packages/<log id hex>.json
type FileSystemRegistryStorage struct {
	root     string
	registry string
	lock     *dirLock
}

// LockRegistryStorage creates registry storage rooted at root for the
// named registry, blocking until the directory lock is acquired.
func LockRegistryStorage(root, registryName string) (*FileSystemRegistryStorage, error) {
	return lockRegistryStorage(root, registryName, true)
}

// TryLockRegistryStorage is like LockRegistryStorage but fails with
// ErrLocked instead of blocking when another process holds the lock.
func TryLockRegistryStorage(root, registryName string) (*FileSystemRegistryStorage, error) {
	return lockRegistryStorage(root, registryName, false)
}

func lockRegistryStorage(root, registryName string, block bool) (*FileSystemRegistryStorage, error) {
	if root == "" {
		return nil, errors.New("storage: registries directory is empty")
	}
	if registryName == "" {
		return nil, errors.New("storage: registry name is empty")
	}
	if err := os.MkdirAll(root, dirPerm); err != nil {
		return nil, err
	}
	lock, err := acquireDirLock(root, block)
	if err != nil {
		return nil, err
	}
	return &FileSystemRegistryStorage{root: root, registry: registryName, lock: lock}, nil
}

// Dir returns the locked registries directory.
func (s *FileSystemRegistryStorage) Dir() string { return s.root }

// Close releases the directory lock.
func (s *FileSystemRegistryStorage) Close() error { return s.lock.release() }

func (s *FileSystemRegistryStorage) registryDir() string {
	return filepath.Join(s.root, s.registry)
}

// LoadCheckpoint implements RegistryStorage.
func (s *FileSystemRegistryStorage) LoadCheckpoint() (*registry.SignedCheckpoint, error) {
	var checkpoint registry.SignedCheckpoint
	ok, err := loadJSON(filepath.Join(s.registryDir(), checkpointFile), &checkpoint)
	if err != nil || !ok {
		return nil, err
	}
	return &checkpoint, nil
}

// StoreCheckpoint implements RegistryStorage.
func (s *FileSystemRegistryStorage) StoreCheckpoint(checkpoint *registry.SignedCheckpoint) error {
	return storeJSON(filepath.Join(s.registryDir(), checkpointFile), checkpoint)
}

// LoadOperator implements RegistryStorage.
func (s *FileSystemRegistryStorage) LoadOperator() (*OperatorInfo, error) {
	var info OperatorInfo
	ok, err := loadJSON(filepath.Join(s.registryDir(), operatorFile), &info)
	if err != nil || !ok {
		return nil, err
	}
	return &info, nil
}

// StoreOperator implements RegistryStorage.
func (s *FileSystemRegistryStorage) StoreOperator(info *OperatorInfo) error {
	return storeJSON(filepath.Join(s.registryDir(), operatorFile), info)
}

func (s *FileSystemRegistryStorage) packagePath(name registry.PackageName) string {
	logID := registry.PackageLogID(name)
	return filepath.Join(s.registryDir(), packagesDir, digestHex(string(logID))+".json")
}

// LoadPackage implements RegistryStorage.
func (s *FileSystemRegistryStorage) LoadPackage(name registry.PackageName) (*PackageInfo, error) {
	var info PackageInfo
	ok, err := loadJSON(s.packagePath(name), &info)
	if err != nil || !ok {
		return nil, err
	}
	return &info, nil
}

// StorePackage implements RegistryStorage.
func (s *FileSystemRegistryStorage) StorePackage(info *PackageInfo) error {
	return storeJSON(s.packagePath(info.Name), info)
}

// LoadPackages implements RegistryStorage.
func (s *FileSystemRegistryStorage) LoadPackages() ([]*PackageInfo, error) {
	dir := filepath.Join(s.registryDir(), packagesDir)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	var packages []*PackageInfo
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		var info PackageInfo
		ok, err := loadJSON(filepath.Join(dir, entry.Name()), &info)
		if err != nil {
			return nil, err
		}
		if ok {
			packages = append(packages, &info)
		}
	}
	return packages, nil
}

// LoadPublish implements RegistryStorage.
func (s *FileSystemRegistryStorage) LoadPublish() (*PublishInfo, error) {
	var info PublishInfo
	ok, err := loadJSON(filepath.Join(s.registryDir(), publishFile), &info)
	if err != nil || !ok {
		return nil, err
	}
	return &info, nil
}

// StorePublish implements RegistryStorage.
func (s *FileSystemRegistryStorage) StorePublish(info *PublishInfo) error {
	path := filepath.Join(s.registryDir(), publishFile)
	if info == nil {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
		return nil
	}
	return storeJSON(path, info)
}

// Reset implements RegistryStorage.
func (s *FileSystemRegistryStorage) Reset(all bool) error {
	if !all {
		return os.RemoveAll(s.registryDir())
	}
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if entry.Name() == lockFileName {
			continue
		}
		if err := os.RemoveAll(filepath.Join(s.root, entry.Name())); err != nil {
			return err
		}
	}
	return nil
}

// FileSystemContentStorage implements ContentStorage with one file per
// digest under an algorithm subdirectory, e.g. <root>/sha256/<hex>.
type FileSystemContentStorage struct {
	root string
	lock *dirLock
}

// LockContentStorage creates content storage rooted at root, blocking
// until the directory lock is acquired.
func LockContentStorage(root string) (*FileSystemContentStorage, error) {
	return lockContentStorage(root, true)
}

// TryLockContentStorage is like LockContentStorage but fails with
// ErrLocked instead of blocking when another process holds the lock.
func TryLockContentStorage(root string) (*FileSystemContentStorage, error) {
	return lockContentStorage(root, false)
}

func lockContentStorage(root string, block bool) (*FileSystemContentStorage, error) {
	if root == "" {
		return nil, errors.New("storage: content directory is empty")
	}
	if err := os.MkdirAll(root, dirPerm); err != nil {
		return nil, err
	}
	lock, err := acquireDirLock(root, block)
	if err != nil {
		return nil, err
	}
	return &FileSystemContentStorage{root: root, lock: lock}, nil
}

// Dir returns the locked content directory.
func (s *FileSystemContentStorage) Dir() string { return s.root }

// Close releases the directory lock.
func (s *FileSystemContentStorage) Close() error { return s.lock.release() }

func (s *FileSystemContentStorage) contentPath(dgst digest.Digest) string {
	return filepath.Join(s.root, string(dgst.Algorithm()), dgst.Encoded())
}

// ContentLocation implements ContentStorage.
func (s *FileSystemContentStorage) ContentLocation(dgst digest.Digest) (string, bool) {
	if dgst.Validate() != nil {
		return "", false
	}
	path := s.contentPath(dgst)
	if _, err := os.Stat(path); err != nil {
		return "", false
	}
	return path, true
}

// LoadContent implements ContentStorage.
func (s *FileSystemContentStorage) LoadContent(dgst digest.Digest) (io.ReadCloser, error) {
	if err := dgst.Validate(); err != nil {
		return nil, fmt.Errorf("storage: invalid digest %q: %w", dgst, err)
	}
	f, err := os.Open(s.contentPath(dgst))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrContentNotFound, dgst)
		}
		return nil, err
	}
	return f, nil
}

// StoreContent implements ContentStorage. Content is streamed into a
// temporary file while its digest is computed, then renamed into place
// under the computed digest.
func (s *FileSystemContentStorage) StoreContent(r io.Reader, expected digest.Digest) (digest.Digest, error) {
	if expected != "" {
		if err := expected.Validate(); err != nil {
			return "", fmt.Errorf("storage: invalid digest %q: %w", expected, err)
		}
	}

	tmp, err := os.CreateTemp(s.root, "content-*")
	if err != nil {
		return "", err
	}
	tmpPath := tmp.Name()

	digester := digest.SHA256.Digester()
	if _, err := io.Copy(io.MultiWriter(tmp, digester.Hash()), r); err != nil {
		tmp.Close()
		_ = os.Remove(tmpPath)
		return "", err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return "", err
	}

	dgst := digester.Digest()
	if expected != "" && dgst != expected {
		_ = os.Remove(tmpPath)
		return "", fmt.Errorf("storage: content digest %s does not match expected %s", dgst, expected)
	}

	path := s.contentPath(dgst)
	if err := os.MkdirAll(filepath.Dir(path), dirPerm); err != nil {
		_ = os.Remove(tmpPath)
		return "", err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		// Lost the race to another writer; identical content is
		// already in place.
		if _, statErr := os.Stat(path); statErr == nil {
			_ = os.Remove(tmpPath)
			return dgst, nil
		}
		_ = os.Remove(tmpPath)
		return "", err
	}
	return dgst, nil
}

// Clear implements ContentStorage.
func (s *FileSystemContentStorage) Clear() error {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if entry.Name() == lockFileName {
			continue
		}
		if err := os.RemoveAll(filepath.Join(s.root, entry.Name())); err != nil {
			return err
		}
	}
	return nil
}

// digestHex returns the encoded portion of an algorithm-prefixed digest
// string, for use as a file name.
func digestHex(s string) string {
	if _, hex, ok := strings.Cut(s, ":"); ok {
		return hex
	}
	return s
}

// loadJSON reads a JSON state file into v. Returns false with no error
// when the file does not exist.
func loadJSON(path string, v any) (bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("storage: decoding %s: %w", path, err)
	}
	return true, nil
}

// storeJSON writes v to a JSON state file via a temp-file rename so a
// crash mid-write never leaves a truncated state file behind.
func storeJSON(path string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("storage: encoding %s: %w", path, err)
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "state-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		_ = os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	if err := os.Chmod(tmpPath, filePerm); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	return nil
}
