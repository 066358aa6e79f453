package tidelog

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/tidwall/jsonc"

	"github.com/tidelog/tidelog/storage"
)

// Config is the client configuration file. Files may contain comments
// and trailing commas.
type Config struct {
	// DefaultURL is the registry used when no URL is given explicitly.
	DefaultURL string `json:"defaultUrl,omitempty"`

	// RegistriesDir overrides where per-registry log mirrors are
	// stored. Defaults to a "registries" directory under the user
	// cache directory.
	RegistriesDir string `json:"registriesDir,omitempty"`

	// ContentDir overrides where downloaded content is stored.
	// Defaults to a "content" directory under the user cache
	// directory.
	ContentDir string `json:"contentDir,omitempty"`
}

// DefaultConfigPath returns the default location of the configuration
// file.
func DefaultConfigPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "tidelog", "config.json"), nil
}

// LoadConfig reads a configuration file. A missing file yields an
// empty configuration, not an error.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &Config{}, nil
		}
		return nil, err
	}
	var cfg Config
	if err := json.Unmarshal(jsonc.ToJSON(data), &cfg); err != nil {
		return nil, fmt.Errorf("tidelog: parsing config %s: %w", path, err)
	}
	return &cfg, nil
}

// LoadDefaultConfig reads the configuration file from its default
// location.
func LoadDefaultConfig() (*Config, error) {
	path, err := DefaultConfigPath()
	if err != nil {
		return nil, err
	}
	return LoadConfig(path)
}

// StoragePaths is the resolved storage layout for one registry.
type StoragePaths struct {
	// URL is the resolved registry URL.
	URL string

	// RegistriesDir is the root directory holding per-registry
	// mirrors; it carries the storage lock.
	RegistriesDir string

	// RegistryName is the directory name of this registry's mirror
	// under RegistriesDir.
	RegistryName string

	// ContentDir is the content storage directory.
	ContentDir string
}

// StoragePaths resolves the storage layout for the given registry URL.
// An empty URL falls back to the configured default; with neither,
// ErrNoDefaultRegistry is returned.
func (c *Config) StoragePaths(registryURL string) (StoragePaths, error) {
	if registryURL == "" {
		registryURL = c.DefaultURL
	}
	if registryURL == "" {
		return StoragePaths{}, ErrNoDefaultRegistry
	}

	name, err := registryDirName(registryURL)
	if err != nil {
		return StoragePaths{}, err
	}

	registriesDir := c.RegistriesDir
	contentDir := c.ContentDir
	if registriesDir == "" || contentDir == "" {
		cacheDir, err := os.UserCacheDir()
		if err != nil {
			return StoragePaths{}, err
		}
		if registriesDir == "" {
			registriesDir = filepath.Join(cacheDir, "tidelog", "registries")
		}
		if contentDir == "" {
			contentDir = filepath.Join(cacheDir, "tidelog", "content")
		}
	}

	return StoragePaths{
		URL:           registryURL,
		RegistriesDir: registriesDir,
		RegistryName:  name,
		ContentDir:    contentDir,
	}, nil
}

// registryDirName derives a filesystem-safe directory name from a
// registry URL.
func registryDirName(raw string) (string, error) {
	withScheme := raw
	if !strings.Contains(withScheme, "://") {
		withScheme = "https://" + withScheme
	}
	u, err := url.Parse(withScheme)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("tidelog: invalid registry URL %q", raw)
	}
	name := u.Host
	if u.Path != "" && u.Path != "/" {
		name += strings.ReplaceAll(u.Path, "/", "_")
	}
	return strings.ReplaceAll(name, ":", "_"), nil
}

// NewClientFromConfig creates a client for the given registry URL
// using filesystem storage at the configured paths, blocking until the
// storage locks are acquired. An empty URL uses the configured
// default.
func NewClientFromConfig(registryURL string, cfg *Config, opts ...Option) (*Client, error) {
	paths, err := cfg.StoragePaths(registryURL)
	if err != nil {
		return nil, err
	}
	registryStorage, err := storage.LockRegistryStorage(paths.RegistriesDir, paths.RegistryName)
	if err != nil {
		return nil, err
	}
	contentStorage, err := storage.LockContentStorage(paths.ContentDir)
	if err != nil {
		registryStorage.Close()
		return nil, err
	}
	return New(paths.URL, registryStorage, contentStorage, opts...)
}

// TryNewClientFromConfig is like NewClientFromConfig but fails with an
// error matching storage.ErrLocked instead of blocking when another
// process holds a storage lock.
func TryNewClientFromConfig(registryURL string, cfg *Config, opts ...Option) (*Client, error) {
	paths, err := cfg.StoragePaths(registryURL)
	if err != nil {
		return nil, err
	}
	registryStorage, err := storage.TryLockRegistryStorage(paths.RegistriesDir, paths.RegistryName)
	if err != nil {
		return nil, err
	}
	contentStorage, err := storage.TryLockContentStorage(paths.ContentDir)
	if err != nil {
		registryStorage.Close()
		return nil, err
	}
	return New(paths.URL, registryStorage, contentStorage, opts...)
}
