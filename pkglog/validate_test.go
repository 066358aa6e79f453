package pkglog

import (
	"testing"

	goversion "github.com/hashicorp/go-version"
	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tidelog/tidelog/registry"
	"github.com/tidelog/tidelog/signing"
)

func signRecord(t *testing.T, key signing.PrivateKey, record Record) registry.Envelope {
	t.Helper()
	env, err := registry.SignEnvelope(key, SignatureDomain, record)
	require.NoError(t, err)
	return env
}

func initLog(t *testing.T) (*LogState, signing.PrivateKey) {
	t.Helper()
	pub, priv, err := signing.GenerateKey()
	require.NoError(t, err)

	env := signRecord(t, priv, Record{
		Version:   ProtocolVersion,
		Timestamp: 1,
		Entries:   []Entry{{Init: &Init{Key: pub}}},
	})
	var empty *LogState
	state, err := empty.Validate(&env)
	require.NoError(t, err)
	return state, priv
}

// apply validates one record built from the given entries against
// state, advancing the timestamp past the current head.
func apply(t *testing.T, state *LogState, key signing.PrivateKey, entries ...Entry) (*LogState, error) {
	t.Helper()
	env := signRecord(t, key, Record{
		Prev:      state.HeadRecordID(),
		Version:   ProtocolVersion,
		Timestamp: state.Head.Timestamp + 1,
		Entries:   entries,
	})
	return state.Validate(&env)
}

func mustApply(t *testing.T, state *LogState, key signing.PrivateKey, entries ...Entry) *LogState {
	t.Helper()
	next, err := apply(t, state, key, entries...)
	require.NoError(t, err)
	return next
}

func version(t *testing.T, s string) *goversion.Version {
	t.Helper()
	v, err := goversion.NewVersion(s)
	require.NoError(t, err)
	return v
}

func TestValidateInitGrantsReleaseAndYank(t *testing.T) {
	t.Parallel()

	state, priv := initLog(t)
	perms := state.Permissions[priv.Public().ID()]
	assert.ElementsMatch(t, []Permission{PermissionRelease, PermissionYank}, perms)
}

func TestValidateRelease(t *testing.T) {
	t.Parallel()

	state, priv := initLog(t)
	content := digest.SHA256.FromString("v1 tarball")

	state = mustApply(t, state, priv, Entry{
		Release: &Release{Version: "1.0.0", Content: content},
	})

	release := state.Release(version(t, "1.0.0"))
	require.NotNil(t, release)
	assert.Equal(t, "1.0.0", release.Version)
	assert.False(t, release.Yanked)

	dgst, ok := release.ContentDigest()
	require.True(t, ok)
	assert.Equal(t, content, dgst)
}

func TestValidateRejectsDuplicateRelease(t *testing.T) {
	t.Parallel()

	state, priv := initLog(t)
	content := digest.SHA256.FromString("content")

	state = mustApply(t, state, priv, Entry{
		Release: &Release{Version: "1.0.0", Content: content},
	})

	// Equivalent version spellings collide on the canonical form.
	_, err := apply(t, state, priv, Entry{
		Release: &Release{Version: "v1.0.0", Content: content},
	})
	assert.ErrorIs(t, err, ErrReleaseExists)
}

func TestValidateRejectsInvalidVersion(t *testing.T) {
	t.Parallel()

	state, priv := initLog(t)
	_, err := apply(t, state, priv, Entry{
		Release: &Release{Version: "not-a-version", Content: digest.SHA256.FromString("content")},
	})
	assert.ErrorIs(t, err, ErrInvalidVersion)
}

func TestValidateRejectsReleaseWithoutContent(t *testing.T) {
	t.Parallel()

	state, priv := initLog(t)
	_, err := apply(t, state, priv, Entry{
		Release: &Release{Version: "1.0.0"},
	})
	assert.ErrorIs(t, err, ErrInvalidVersion)
}

func TestValidateYank(t *testing.T) {
	t.Parallel()

	state, priv := initLog(t)
	state = mustApply(t, state, priv, Entry{
		Release: &Release{Version: "1.0.0", Content: digest.SHA256.FromString("content")},
	})
	state = mustApply(t, state, priv, Entry{Yank: &Yank{Version: "1.0.0"}})

	release := state.Release(version(t, "1.0.0"))
	require.NotNil(t, release)
	assert.True(t, release.Yanked)
	_, ok := release.ContentDigest()
	assert.False(t, ok)
}

func TestValidateRejectsYankOfUnknownVersion(t *testing.T) {
	t.Parallel()

	state, priv := initLog(t)
	_, err := apply(t, state, priv, Entry{Yank: &Yank{Version: "1.0.0"}})
	assert.ErrorIs(t, err, ErrReleaseNotFound)
}

func TestValidateRejectsDoubleYank(t *testing.T) {
	t.Parallel()

	state, priv := initLog(t)
	state = mustApply(t, state, priv, Entry{
		Release: &Release{Version: "1.0.0", Content: digest.SHA256.FromString("content")},
	})
	state = mustApply(t, state, priv, Entry{Yank: &Yank{Version: "1.0.0"}})

	_, err := apply(t, state, priv, Entry{Yank: &Yank{Version: "1.0.0"}})
	assert.ErrorIs(t, err, ErrReleaseYanked)
}

func TestValidatePermissionScoping(t *testing.T) {
	t.Parallel()

	state, priv := initLog(t)

	// A key granted only release cannot yank.
	pub2, priv2, err := signing.GenerateKey()
	require.NoError(t, err)
	state = mustApply(t, state, priv, Entry{
		Grant: &Grant{Key: pub2, Permissions: []Permission{PermissionRelease}},
	})

	state = mustApply(t, state, priv2, Entry{
		Release: &Release{Version: "1.0.0", Content: digest.SHA256.FromString("content")},
	})

	_, err = apply(t, state, priv2, Entry{Yank: &Yank{Version: "1.0.0"}})
	assert.ErrorIs(t, err, ErrPermissionDenied)
}

func TestValidateRevokedKeyCannotRelease(t *testing.T) {
	t.Parallel()

	state, priv := initLog(t)

	pub2, priv2, err := signing.GenerateKey()
	require.NoError(t, err)
	state = mustApply(t, state, priv, Entry{
		Grant: &Grant{Key: pub2, Permissions: []Permission{PermissionRelease}},
	})
	state = mustApply(t, state, priv, Entry{
		Revoke: &Revoke{KeyID: pub2.ID(), Permissions: []Permission{PermissionRelease}},
	})

	_, err = apply(t, state, priv2, Entry{
		Release: &Release{Version: "1.0.0", Content: digest.SHA256.FromString("content")},
	})
	assert.ErrorIs(t, err, ErrPermissionDenied)
}

func TestValidateDoesNotMutateReceiver(t *testing.T) {
	t.Parallel()

	state, priv := initLog(t)
	state = mustApply(t, state, priv, Entry{
		Release: &Release{Version: "1.0.0", Content: digest.SHA256.FromString("content")},
	})

	next := mustApply(t, state, priv, Entry{Yank: &Yank{Version: "1.0.0"}})

	assert.False(t, state.Release(version(t, "1.0.0")).Yanked)
	assert.True(t, next.Release(version(t, "1.0.0")).Yanked)
}

func TestFindLatestRelease(t *testing.T) {
	t.Parallel()

	state, priv := initLog(t)
	for _, v := range []string{"1.0.0", "1.1.0", "1.2.0", "2.0.0"} {
		state = mustApply(t, state, priv, Entry{
			Release: &Release{Version: v, Content: digest.SHA256.FromString(v)},
		})
	}
	state = mustApply(t, state, priv, Entry{Yank: &Yank{Version: "1.2.0"}})

	req, err := goversion.NewConstraint(">= 1.0.0, < 2.0.0")
	require.NoError(t, err)

	// 1.2.0 matches but is yanked; the next best wins.
	release := state.FindLatestRelease(req)
	require.NotNil(t, release)
	assert.Equal(t, "1.1.0", release.Version)

	any, err := goversion.NewConstraint(">= 0.0.0")
	require.NoError(t, err)
	release = state.FindLatestRelease(any)
	require.NotNil(t, release)
	assert.Equal(t, "2.0.0", release.Version)

	none, err := goversion.NewConstraint(">= 3.0.0")
	require.NoError(t, err)
	assert.Nil(t, state.FindLatestRelease(none))
}

func TestNilStateAccessors(t *testing.T) {
	t.Parallel()

	var state *LogState
	assert.Empty(t, state.HeadRecordID())
	assert.Nil(t, state.Release(version(t, "1.0.0")))

	req, err := goversion.NewConstraint(">= 0.0.0")
	require.NoError(t, err)
	assert.Nil(t, state.FindLatestRelease(req))
}
