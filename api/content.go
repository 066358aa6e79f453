package api

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/klauspost/compress/zstd"
	"github.com/opencontainers/go-digest"
)

// DownloadContent opens a stream of the content with the given digest.
// Transfers advertise zstd support; a zstd-encoded response is decoded
// transparently, so the returned stream always carries the raw bytes
// the digest was computed over.
func (c *Client) DownloadContent(ctx context.Context, dgst digest.Digest) (io.ReadCloser, error) {
	if err := dgst.Validate(); err != nil {
		return nil, fmt.Errorf("api: invalid content digest %q: %w", dgst, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/content/"+dgst.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept-Encoding", "zstd")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, responseError(resp)
	}

	if resp.Header.Get("Content-Encoding") != "zstd" {
		return resp.Body, nil
	}

	decoder, err := zstd.NewReader(resp.Body)
	if err != nil {
		resp.Body.Close()
		return nil, fmt.Errorf("api: creating zstd decoder: %w", err)
	}
	return &zstdBody{decoder: decoder, body: resp.Body}, nil
}

// zstdBody decodes a zstd response body and closes both the decoder and
// the underlying connection.
type zstdBody struct {
	decoder *zstd.Decoder
	body    io.ReadCloser
}

func (z *zstdBody) Read(p []byte) (int, error) {
	return z.decoder.Read(p)
}

func (z *zstdBody) Close() error {
	z.decoder.Close()
	return z.body.Close()
}
