package tidelog

import (
	"context"
	"fmt"

	goversion "github.com/hashicorp/go-version"
	"github.com/opencontainers/go-digest"

	"github.com/tidelog/tidelog/registry"
	"github.com/tidelog/tidelog/storage"
)

// Download is a package version resolved and materialized in client
// storage.
type Download struct {
	// Version is the resolved package version.
	Version *goversion.Version

	// Digest identifies the release content.
	Digest digest.Digest

	// Path is the location of the content in client storage.
	Path string
}

// Download resolves the latest release of the package satisfying req
// and materializes its content in client storage.
//
// If the package log is not mirrored locally it is fetched from the
// registry first. A nil Download with a nil error means no release
// satisfies the requirement.
func (c *Client) Download(ctx context.Context, name registry.PackageName, req goversion.Constraints) (*Download, error) {
	c.log().Info("downloading package", "package", name, "requirement", req.String())

	info, err := c.fetchPackage(ctx, name)
	if err != nil {
		return nil, err
	}

	release := info.State.FindLatestRelease(req)
	if release == nil {
		return nil, nil
	}

	dgst, ok := release.ContentDigest()
	if !ok {
		// FindLatestRelease never returns yanked releases, so a
		// missing digest here means the mirror state is corrupt.
		return nil, fmt.Errorf("%w: package %s version %s", ErrReleaseMissingContent, name, release.Version)
	}

	version, err := goversion.NewVersion(release.Version)
	if err != nil {
		return nil, fmt.Errorf("tidelog: stored release version %q: %w", release.Version, err)
	}

	path, err := c.DownloadContent(ctx, dgst)
	if err != nil {
		return nil, err
	}
	return &Download{Version: version, Digest: dgst, Path: path}, nil
}

// DownloadExact materializes the exact version of the package in
// client storage. A version that does not exist or no longer has
// content (yanked) returns ErrVersionDoesNotExist.
func (c *Client) DownloadExact(ctx context.Context, name registry.PackageName, version *goversion.Version) (*Download, error) {
	c.log().Info("downloading package version", "package", name, "version", version)

	info, err := c.fetchPackage(ctx, name)
	if err != nil {
		return nil, err
	}

	release := info.State.Release(version)
	if release == nil {
		return nil, fmt.Errorf("%w: %s version %s", ErrVersionDoesNotExist, name, version)
	}
	dgst, ok := release.ContentDigest()
	if !ok {
		return nil, fmt.Errorf("%w: %s version %s", ErrVersionDoesNotExist, name, version)
	}

	path, err := c.DownloadContent(ctx, dgst)
	if err != nil {
		return nil, err
	}
	return &Download{Version: version, Digest: dgst, Path: path}, nil
}

// DownloadContent materializes the content with the given digest in
// client storage, returning its local path. Content already present is
// returned without a network round trip.
func (c *Client) DownloadContent(ctx context.Context, dgst digest.Digest) (string, error) {
	if path, ok := c.content.ContentLocation(dgst); ok {
		c.log().Debug("content already in storage", "digest", dgst)
		return path, nil
	}

	stream, err := c.api.DownloadContent(ctx, dgst)
	if err != nil {
		return "", err
	}
	defer stream.Close()

	if _, err := c.content.StoreContent(stream, dgst); err != nil {
		return "", err
	}

	path, ok := c.content.ContentLocation(dgst)
	if !ok {
		return "", fmt.Errorf("%w: %s just stored but not resolvable", storage.ErrContentNotFound, dgst)
	}
	return path, nil
}

// fetchPackage returns the local mirror of a package, synchronizing it
// from the registry on first use.
func (c *Client) fetchPackage(ctx context.Context, name registry.PackageName) (*storage.PackageInfo, error) {
	info, err := c.registry.LoadPackage(name)
	if err != nil {
		return nil, err
	}
	if info != nil {
		c.log().Debug("package log already mirrored", "package", name)
		return info, nil
	}

	info = storage.NewPackageInfo(name)
	checkpoint, err := c.api.LatestCheckpoint(ctx)
	if err != nil {
		return nil, err
	}
	if err := c.updateCheckpoint(ctx, checkpoint, []*storage.PackageInfo{info}); err != nil {
		return nil, err
	}
	return info, nil
}
