package tidelog

import (
	"log/slog"
	"net/http"

	"github.com/tidelog/tidelog/api"
)

// Option configures a Client.
type Option func(*Client) error

// WithLogger sets the logger used by the client. Without it, logging
// is discarded.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) error {
		c.logger = logger
		return nil
	}
}

// WithRegistryAPI replaces the default HTTP API client. The url passed
// to New is ignored when this option is used.
func WithRegistryAPI(registryAPI RegistryAPI) Option {
	return func(c *Client) error {
		c.api = registryAPI
		return nil
	}
}

// WithHTTPClient sets the HTTP client used by the default API client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) error {
		c.apiOpts = append(c.apiOpts, api.WithHTTPClient(client))
		return nil
	}
}
