package api

import (
	"context"

	"github.com/tidelog/tidelog/registry"
)

// FetchLogsRequest asks for records appended to the given logs up to
// checkpoint log length LogLength, resuming each log after its cursor.
type FetchLogsRequest struct {
	// LogLength is the checkpoint log length to fetch up to.
	LogLength uint64 `json:"logLength"`

	// Operator is the operator log's resume cursor. Empty fetches from
	// the beginning.
	Operator string `json:"operator,omitempty"`

	// Limit caps how many records are returned per log. Zero lets the
	// registry choose.
	Limit uint16 `json:"limit,omitempty"`

	// Packages maps each requested package log to its resume cursor.
	Packages map[registry.LogID]string `json:"packages"`
}

// FetchLogsResponse carries one page of records per requested log.
type FetchLogsResponse struct {
	// Operator holds new operator log records, oldest first.
	Operator []registry.PublishedRecord `json:"operator,omitempty"`

	// Packages holds new package log records grouped by log, oldest
	// first within each log.
	Packages map[registry.LogID][]registry.PublishedRecord `json:"packages,omitempty"`

	// More reports whether further pages remain; resume with the
	// fetch tokens of the last records received.
	More bool `json:"more"`
}

// LatestCheckpoint returns the registry's most recently published
// signed checkpoint.
func (c *Client) LatestCheckpoint(ctx context.Context) (*registry.SignedCheckpoint, error) {
	var checkpoint registry.SignedCheckpoint
	if err := c.getJSON(ctx, "/v1/checkpoint", &checkpoint); err != nil {
		return nil, err
	}
	return &checkpoint, nil
}

// FetchLogs retrieves one page of new records for the operator log and
// the requested package logs.
func (c *Client) FetchLogs(ctx context.Context, req *FetchLogsRequest) (*FetchLogsResponse, error) {
	var resp FetchLogsResponse
	if err := c.postJSON(ctx, "/v1/fetch/logs", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}
