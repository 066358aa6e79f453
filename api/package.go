package api

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/opencontainers/go-digest"

	"github.com/tidelog/tidelog/registry"
)

// RecordState is the remotely observed lifecycle state of a published
// record.
type RecordState string

// Record lifecycle states.
const (
	// RecordStateProcessing means the registry has accepted the record
	// and is validating it.
	RecordStateProcessing RecordState = "processing"

	// RecordStateSourcing means the registry is waiting for content
	// uploads referenced by the record.
	RecordStateSourcing RecordState = "sourcing"

	// RecordStatePublished means the record is in the log.
	RecordStatePublished RecordState = "published"

	// RecordStateRejected means the registry refused the record.
	RecordStateRejected RecordState = "rejected"
)

// PublishRecordRequest submits a signed package record for inclusion.
type PublishRecordRequest struct {
	// PackageName is the package the record belongs to.
	PackageName registry.PackageName `json:"packageName"`

	// Record is the signed record envelope.
	Record registry.Envelope `json:"record"`
}

// UploadEndpoint describes where to upload one missing content blob.
type UploadEndpoint struct {
	Method  string            `json:"method"`
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`
}

// MissingContent describes upload endpoints for one missing digest. An
// empty Upload list means the registry will source the content itself.
type MissingContent struct {
	Upload []UploadEndpoint `json:"upload,omitempty"`
}

// PublishRecordResponse identifies the accepted record and any content
// the registry still needs.
type PublishRecordResponse struct {
	RecordID       registry.RecordID                `json:"recordId"`
	State          RecordState                      `json:"state"`
	MissingContent map[digest.Digest]MissingContent `json:"missingContent,omitempty"`
}

// PackageRecord is the registry's view of one published record.
type PackageRecord struct {
	RecordID      registry.RecordID `json:"recordId"`
	State         RecordState       `json:"state"`
	RegistryIndex *uint64           `json:"registryIndex,omitempty"`

	// Reason is set when State is RecordStateRejected.
	Reason string `json:"reason,omitempty"`

	// MissingContent is set when State is RecordStateSourcing.
	MissingContent map[digest.Digest]MissingContent `json:"missingContent,omitempty"`
}

// PublishPackageRecord submits a signed record to the given package log.
func (c *Client) PublishPackageRecord(ctx context.Context, logID registry.LogID, req *PublishRecordRequest) (*PublishRecordResponse, error) {
	var resp PublishRecordResponse
	path := fmt.Sprintf("/v1/package/%s/record", logID)
	if err := c.postJSON(ctx, path, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetPackageRecord returns the current state of a published record.
func (c *Client) GetPackageRecord(ctx context.Context, logID registry.LogID, recordID registry.RecordID) (*PackageRecord, error) {
	var record PackageRecord
	path := fmt.Sprintf("/v1/package/%s/record/%s", logID, recordID)
	if err := c.getJSON(ctx, path, &record); err != nil {
		return nil, err
	}
	return &record, nil
}

// UploadContent streams a content blob to an upload endpoint the
// registry returned for a missing digest.
func (c *Client) UploadContent(ctx context.Context, endpoint UploadEndpoint, content io.Reader) error {
	method := endpoint.Method
	if method == "" {
		method = http.MethodPost
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint.URL, content)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	for key, value := range endpoint.Headers {
		req.Header.Set(key, value)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return responseError(resp)
	}
	return nil
}
