package tidelog

import (
	"context"
	"testing"
	"time"

	goversion "github.com/hashicorp/go-version"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tidelog/tidelog/api"
	"github.com/tidelog/tidelog/registry"
	"github.com/tidelog/tidelog/signing"
	"github.com/tidelog/tidelog/storage"
)

const pollInterval = 5 * time.Millisecond

func mustConstraint(t *testing.T, s string) goversion.Constraints {
	t.Helper()
	req, err := goversion.NewConstraint(s)
	require.NoError(t, err)
	return req
}

func TestPublishNewPackage(t *testing.T) {
	t.Parallel()

	client, _, content := newTestSetup(t)
	name := mustPackageName(t, "acme:widgets")

	_, key, err := signing.GenerateKey()
	require.NoError(t, err)

	dgst := content.Put([]byte("the 1.0.0 tarball"))
	require.NoError(t, client.Registry().StorePublish(&storage.PublishInfo{
		Name: name,
		Entries: []storage.PublishEntry{
			{Init: true},
			{Release: &storage.PublishRelease{Version: "1.0.0", Content: dgst}},
		},
	}))

	recordID, err := client.Publish(context.Background(), key)
	require.NoError(t, err)
	assert.NotEmpty(t, recordID)

	// Publishing consumes the staged publish.
	staged, err := client.Registry().LoadPublish()
	require.NoError(t, err)
	assert.Nil(t, staged)

	// The registry was missing the release content, so the client must
	// have uploaded it before the record can publish.
	require.NoError(t, client.WaitForPublish(context.Background(), name, recordID, pollInterval))

	require.NoError(t, client.Upsert(context.Background(), name))
	download, err := client.Download(context.Background(), name, mustConstraint(t, ">= 1.0.0"))
	require.NoError(t, err)
	require.NotNil(t, download)
	assert.Equal(t, "1.0.0", download.Version.String())
	assert.Equal(t, dgst, download.Digest)
}

func TestPublishNotStaged(t *testing.T) {
	t.Parallel()

	client, _, _ := newTestSetup(t)
	_, key, err := signing.GenerateKey()
	require.NoError(t, err)

	_, err = client.Publish(context.Background(), key)
	assert.ErrorIs(t, err, ErrNotPublishing)
}

func TestPublishNothingToPublish(t *testing.T) {
	t.Parallel()

	client, _, _ := newTestSetup(t)
	name := mustPackageName(t, "acme:widgets")
	_, key, err := signing.GenerateKey()
	require.NoError(t, err)

	require.NoError(t, client.Registry().StorePublish(&storage.PublishInfo{Name: name}))

	_, err = client.Publish(context.Background(), key)
	assert.ErrorIs(t, err, ErrNothingToPublish)

	// A failed publish is still consumed.
	staged, err := client.Registry().LoadPublish()
	require.NoError(t, err)
	assert.Nil(t, staged)
}

func TestPublishCannotInitializeWithExplicitHead(t *testing.T) {
	t.Parallel()

	client, _, _ := newTestSetup(t)
	name := mustPackageName(t, "acme:widgets")
	_, key, err := signing.GenerateKey()
	require.NoError(t, err)

	_, err = client.PublishWith(context.Background(), key, storage.PublishInfo{
		Name:    name,
		Head:    registry.RecordID("sha256:0000000000000000000000000000000000000000000000000000000000000000"),
		Entries: []storage.PublishEntry{{Init: true}},
	})
	assert.ErrorIs(t, err, ErrCannotInitialize)
}

func TestPublishMustInitialize(t *testing.T) {
	t.Parallel()

	client, fake, content := newTestSetup(t)
	name := mustPackageName(t, "acme:widgets")
	_, key, err := signing.GenerateKey()
	require.NoError(t, err)

	// Mirror the package as empty at the current checkpoint so head
	// discovery has nothing to find.
	checkpoint, err := fake.LatestCheckpoint(context.Background())
	require.NoError(t, err)
	cp := checkpoint.Checkpoint()
	require.NoError(t, client.Registry().StorePackage(&storage.PackageInfo{
		Name:       name,
		Checkpoint: &cp,
	}))

	dgst := content.Put([]byte("content"))
	_, err = client.PublishWith(context.Background(), key, storage.PublishInfo{
		Name: name,
		Entries: []storage.PublishEntry{
			{Release: &storage.PublishRelease{Version: "1.0.0", Content: dgst}},
		},
	})
	assert.ErrorIs(t, err, ErrMustInitialize)
}

func TestPublishToUnknownPackageWithoutInit(t *testing.T) {
	t.Parallel()

	client, _, content := newTestSetup(t)
	name := mustPackageName(t, "acme:widgets")
	_, key, err := signing.GenerateKey()
	require.NoError(t, err)

	// Head discovery syncs a package the registry has never heard of.
	dgst := content.Put([]byte("content"))
	_, err = client.PublishWith(context.Background(), key, storage.PublishInfo{
		Name: name,
		Entries: []storage.PublishEntry{
			{Release: &storage.PublishRelease{Version: "1.0.0", Content: dgst}},
		},
	})
	assert.ErrorIs(t, err, ErrPackageDoesNotExist)
}

func TestPublishExtendsExistingPackage(t *testing.T) {
	t.Parallel()

	client, fake, _ := newTestSetup(t)
	name := mustPackageName(t, "acme:widgets")
	key := seedPackage(t, fake, name, "1.0.0")

	require.NoError(t, client.Upsert(context.Background(), name))

	// Yank through the publish pipeline; head discovery finds the
	// current log head to extend.
	recordID, err := client.PublishWith(context.Background(), key, storage.PublishInfo{
		Name:    name,
		Entries: []storage.PublishEntry{{Yank: &storage.PublishYank{Version: "1.0.0"}}},
	})
	require.NoError(t, err)
	require.NoError(t, client.WaitForPublish(context.Background(), name, recordID, pollInterval))

	require.NoError(t, client.Update(context.Background()))
	info, err := client.Registry().LoadPackage(name)
	require.NoError(t, err)
	release := info.State.Release(mustVersion(t, "1.0.0"))
	require.NotNil(t, release)
	assert.True(t, release.Yanked)
}

func TestPublishRejectedRecord(t *testing.T) {
	t.Parallel()

	client, fake, content := newTestSetup(t)
	name := mustPackageName(t, "acme:widgets")
	key := seedPackage(t, fake, name, "1.0.0")
	require.NoError(t, client.Upsert(context.Background(), name))

	// Releasing an already released version is refused by the
	// registry's validator.
	dgst := content.Put([]byte("duplicate"))
	fake.AddContent([]byte("duplicate"))

	recordID, err := client.PublishWith(context.Background(), key, storage.PublishInfo{
		Name: name,
		Entries: []storage.PublishEntry{
			{Release: &storage.PublishRelease{Version: "1.0.0", Content: dgst}},
		},
	})
	require.NoError(t, err)

	err = client.WaitForPublish(context.Background(), name, recordID, pollInterval)
	var rejected *PublishRejectedError
	require.ErrorAs(t, err, &rejected)
	assert.Equal(t, name, rejected.Name)
	assert.Equal(t, recordID, rejected.RecordID)
	assert.NotEmpty(t, rejected.Reason)
}

func TestPublishUploadRejected(t *testing.T) {
	t.Parallel()

	client, fake, content := newTestSetup(t)
	name := mustPackageName(t, "acme:widgets")
	fake.RejectUploads = true

	_, key, err := signing.GenerateKey()
	require.NoError(t, err)
	dgst := content.Put([]byte("content"))

	_, err = client.PublishWith(context.Background(), key, storage.PublishInfo{
		Name: name,
		Entries: []storage.PublishEntry{
			{Init: true},
			{Release: &storage.PublishRelease{Version: "1.0.0", Content: dgst}},
		},
	})
	var rejected *PublishRejectedError
	require.ErrorAs(t, err, &rejected)
	assert.Equal(t, name, rejected.Name)
}

func TestPublishMissingLocalContent(t *testing.T) {
	t.Parallel()

	client, _, content := newTestSetup(t)
	name := mustPackageName(t, "acme:widgets")
	_, key, err := signing.GenerateKey()
	require.NoError(t, err)

	// The digest is staged in the record but the content was never
	// stored locally, so the upload cannot be satisfied.
	dgst := content.Put([]byte("content"))
	require.NoError(t, content.Clear())

	_, err = client.PublishWith(context.Background(), key, storage.PublishInfo{
		Name: name,
		Entries: []storage.PublishEntry{
			{Init: true},
			{Release: &storage.PublishRelease{Version: "1.0.0", Content: dgst}},
		},
	})
	assert.ErrorIs(t, err, storage.ErrContentNotFound)
}

func TestWaitForPublishProcessing(t *testing.T) {
	t.Parallel()

	client, fake, _ := newTestSetup(t)
	name := mustPackageName(t, "acme:widgets")
	fake.Manual = true

	_, key, err := signing.GenerateKey()
	require.NoError(t, err)
	recordID, err := client.PublishWith(context.Background(), key, storage.PublishInfo{
		Name:    name,
		Entries: []storage.PublishEntry{{Init: true}},
	})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		done <- client.WaitForPublish(context.Background(), name, recordID, pollInterval)
	}()

	// Let it poll the processing state at least once.
	time.Sleep(3 * pollInterval)
	require.NoError(t, fake.Process())

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("WaitForPublish did not return after the record was processed")
	}
}

func TestWaitForPublishStillSourcing(t *testing.T) {
	t.Parallel()

	client, fake, _ := newTestSetup(t)
	name := mustPackageName(t, "acme:widgets")

	// Submit a record referencing content nobody ever uploads, so the
	// registry keeps it in the sourcing state.
	_, key, err := signing.GenerateKey()
	require.NoError(t, err)
	info := storage.PublishInfo{
		Name: name,
		Entries: []storage.PublishEntry{
			{Init: true},
			{Release: &storage.PublishRelease{Version: "1.0.0", Content: "sha256:1111111111111111111111111111111111111111111111111111111111111111"}},
		},
	}
	env, err := info.Finalize(key)
	require.NoError(t, err)
	resp, err := fake.PublishPackageRecord(context.Background(), registry.PackageLogID(name), &api.PublishRecordRequest{
		PackageName: name,
		Record:      env,
	})
	require.NoError(t, err)
	require.Equal(t, api.RecordStateSourcing, resp.State)

	err = client.WaitForPublish(context.Background(), name, resp.RecordID, pollInterval)
	assert.ErrorIs(t, err, ErrPublishIncomplete)
}
