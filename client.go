package tidelog

import (
	"context"
	"errors"
	"io"
	"log/slog"

	"github.com/opencontainers/go-digest"

	"github.com/tidelog/tidelog/api"
	"github.com/tidelog/tidelog/registry"
	"github.com/tidelog/tidelog/storage"
)

// RegistryAPI is the registry transport boundary the client depends on.
// The default implementation is *api.Client; tests substitute an
// in-process fake.
type RegistryAPI interface {
	URL() string
	LatestCheckpoint(ctx context.Context) (*registry.SignedCheckpoint, error)
	FetchLogs(ctx context.Context, req *api.FetchLogsRequest) (*api.FetchLogsResponse, error)
	PublishPackageRecord(ctx context.Context, logID registry.LogID, req *api.PublishRecordRequest) (*api.PublishRecordResponse, error)
	GetPackageRecord(ctx context.Context, logID registry.LogID, recordID registry.RecordID) (*api.PackageRecord, error)
	UploadContent(ctx context.Context, endpoint api.UploadEndpoint, content io.Reader) error
	DownloadContent(ctx context.Context, dgst digest.Digest) (io.ReadCloser, error)
	ProveInclusion(ctx context.Context, req *api.InclusionRequest, checkpoint registry.Checkpoint, leaves []registry.LogLeaf) error
	ProveLogConsistency(ctx context.Context, req *api.ConsistencyRequest, fromRoot, toRoot digest.Digest) error
}

// Client is a registry client bound to one registry URL, one registry
// storage, and one content storage. Callers must not run two
// synchronizations concurrently against the same storage.
type Client struct {
	api      RegistryAPI
	registry storage.RegistryStorage
	content  storage.ContentStorage
	logger   *slog.Logger

	// apiOpts are options passed through to the default API client
	// when no custom RegistryAPI is provided.
	apiOpts []api.Option
}

// New creates a client for the registry at url using the given storage.
//
// If no RegistryAPI is provided via WithRegistryAPI, a default HTTP
// client is created for url using any pass-through options
// (WithHTTPClient, etc.).
func New(url string, registryStorage storage.RegistryStorage, contentStorage storage.ContentStorage, opts ...Option) (*Client, error) {
	c := &Client{
		registry: registryStorage,
		content:  contentStorage,
	}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}

	if c.api == nil {
		apiClient, err := api.New(url, c.apiOpts...)
		if err != nil {
			return nil, err
		}
		c.api = apiClient
	}

	return c, nil
}

// log returns the logger, falling back to a discard logger if nil.
func (c *Client) log() *slog.Logger {
	if c.logger == nil {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return c.logger
}

// URL returns the URL of the registry the client talks to.
func (c *Client) URL() string { return c.api.URL() }

// Registry returns the registry storage used by the client.
func (c *Client) Registry() storage.RegistryStorage { return c.registry }

// Content returns the content storage used by the client.
func (c *Client) Content() storage.ContentStorage { return c.content }

// Reset removes mirrored registry state from client storage. When all
// is true, state for every registry sharing the storage is removed.
func (c *Client) Reset(all bool) error {
	c.log().Info("resetting registry local state", "all", all)
	return c.registry.Reset(all)
}

// ClearContentCache removes all locally stored content.
func (c *Client) ClearContentCache() error {
	c.log().Info("clearing content cache")
	return c.content.Clear()
}

// Close releases the underlying storages if they hold resources, such
// as the lock files of filesystem storage.
func (c *Client) Close() error {
	var errs []error
	if closer, ok := c.registry.(io.Closer); ok {
		errs = append(errs, closer.Close())
	}
	if closer, ok := c.content.(io.Closer); ok {
		errs = append(errs, closer.Close())
	}
	return errors.Join(errs...)
}
