package api

import (
	"context"
	"io"
	"net/http"
	"testing"

	"github.com/klauspost/compress/zstd"
	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDownloadContentPlain(t *testing.T) {
	t.Parallel()

	content := []byte("release tarball")
	dgst := digest.SHA256.FromBytes(content)

	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/content/"+dgst.String(), r.URL.Path)
		assert.Equal(t, "zstd", r.Header.Get("Accept-Encoding"))
		_, _ = w.Write(content)
	}))

	stream, err := client.DownloadContent(context.Background(), dgst)
	require.NoError(t, err)
	defer stream.Close()

	got, err := io.ReadAll(stream)
	require.NoError(t, err)
	assert.Equal(t, content, got)
}

func TestDownloadContentZstd(t *testing.T) {
	t.Parallel()

	content := []byte("release tarball, but compressed on the wire")
	dgst := digest.SHA256.FromBytes(content)

	encoder, err := zstd.NewWriter(nil)
	require.NoError(t, err)
	compressed := encoder.EncodeAll(content, nil)
	require.NoError(t, encoder.Close())

	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Encoding", "zstd")
		_, _ = w.Write(compressed)
	}))

	stream, err := client.DownloadContent(context.Background(), dgst)
	require.NoError(t, err)
	defer stream.Close()

	got, err := io.ReadAll(stream)
	require.NoError(t, err)
	assert.Equal(t, content, got)
}

func TestDownloadContentNotFound(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))

	_, err := client.DownloadContent(context.Background(), digest.SHA256.FromString("missing"))
	require.Error(t, err)

	var apiErr *Error
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.Status)
}

func TestDownloadContentInvalidDigest(t *testing.T) {
	t.Parallel()

	client, err := New("https://registry.example.com")
	require.NoError(t, err)

	_, err = client.DownloadContent(context.Background(), "not-a-digest")
	assert.Error(t, err)
}
