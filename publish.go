package tidelog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tidelog/tidelog/api"
	"github.com/tidelog/tidelog/registry"
	"github.com/tidelog/tidelog/signing"
	"github.com/tidelog/tidelog/storage"
)

// Publish submits the publish staged in client storage, signing the
// record with key.
//
// The staged publish is cleared regardless of outcome, so a failed
// publish is never silently retried.
//
// Returns the identifier of the submitted record; use WaitForPublish
// to wait for it to reach the published state.
func (c *Client) Publish(ctx context.Context, key signing.PrivateKey) (registry.RecordID, error) {
	info, err := c.registry.LoadPublish()
	if err != nil {
		return "", err
	}
	if info == nil {
		return "", ErrNotPublishing
	}

	recordID, err := c.PublishWith(ctx, key, *info)
	if storeErr := c.registry.StorePublish(nil); storeErr != nil {
		return "", storeErr
	}
	return recordID, err
}

// PublishWith submits the provided publish, ignoring anything staged
// in client storage.
//
// If the publish does not initialize a new package and no head was set
// explicitly, the package log is first synchronized to the latest
// checkpoint to discover the current head.
func (c *Client) PublishWith(ctx context.Context, key signing.PrivateKey, info storage.PublishInfo) (registry.RecordID, error) {
	if len(info.Entries) == 0 {
		return "", fmt.Errorf("%w: package %s", ErrNothingToPublish, info.Name)
	}

	initializing := info.Initializing()
	c.log().Info("publishing package", "package", info.Name, "initializing", initializing)

	pkg, err := c.registry.LoadPackage(info.Name)
	if err != nil {
		return "", err
	}
	if pkg == nil {
		pkg = storage.NewPackageInfo(info.Name)
	}

	if !initializing && info.Head == "" {
		checkpoint, err := c.api.LatestCheckpoint(ctx)
		if err != nil {
			return "", err
		}
		if err := c.updateCheckpoint(ctx, checkpoint, []*storage.PackageInfo{pkg}); err != nil {
			return "", err
		}
		info.Head = pkg.State.HeadRecordID()
	}

	// Exactly one of new-package-with-no-head or
	// existing-package-with-known-head may hold.
	switch {
	case initializing && info.Head != "":
		return "", fmt.Errorf("%w: %s", ErrCannotInitialize, info.Name)
	case !initializing && info.Head == "":
		return "", fmt.Errorf("%w: %s", ErrMustInitialize, info.Name)
	}

	envelope, err := info.Finalize(key)
	if err != nil {
		return "", err
	}

	logID := registry.PackageLogID(info.Name)
	resp, err := c.api.PublishPackageRecord(ctx, logID, &api.PublishRecordRequest{
		PackageName: info.Name,
		Record:      envelope,
	})
	if err != nil {
		return "", translateLogNotFound(err, func(id registry.LogID) (registry.PackageName, bool) {
			return info.Name, id == logID
		})
	}

	if err := c.uploadMissingContent(ctx, info.Name, resp); err != nil {
		return "", err
	}
	return resp.RecordID, nil
}

// uploadMissingContent uploads every content blob the registry
// reported missing. Uploads run in parallel; any failure fails the
// publish as a whole. A digest with no upload endpoint is skipped (the
// registry sources it itself).
func (c *Client) uploadMissingContent(ctx context.Context, name registry.PackageName, resp *api.PublishRecordResponse) error {
	g, gctx := errgroup.WithContext(ctx)

	for dgst, missing := range resp.MissingContent {
		dgst := dgst
		if len(missing.Upload) == 0 {
			continue
		}
		endpoint := missing.Upload[0]

		g.Go(func() error {
			c.log().Debug("uploading missing content", "package", name, "digest", dgst)

			content, err := c.content.LoadContent(dgst)
			if err != nil {
				// Content never staged locally cannot be published.
				return err
			}
			defer content.Close()

			if err := c.api.UploadContent(gctx, endpoint, content); err != nil {
				var apiErr *api.Error
				if errors.As(err, &apiErr) && apiErr.Code == "rejected" {
					return &PublishRejectedError{
						Name:     name,
						RecordID: resp.RecordID,
						Reason:   apiErr.Message,
					}
				}
				return err
			}
			return nil
		})
	}

	return g.Wait()
}

// WaitForPublish polls a record's remote state every interval until it
// is published (nil) or rejected (PublishRejectedError). A record
// still sourcing content is an error: uploads should have completed
// before waiting.
//
// There is no built-in timeout; cancel ctx to bound the wait.
func (c *Client) WaitForPublish(ctx context.Context, name registry.PackageName, recordID registry.RecordID, interval time.Duration) error {
	logID := registry.PackageLogID(name)

	for {
		record, err := c.getPackageRecord(ctx, name, logID, recordID)
		if err != nil {
			return err
		}

		switch record.State {
		case api.RecordStatePublished:
			return nil

		case api.RecordStateRejected:
			return &PublishRejectedError{Name: name, RecordID: recordID, Reason: record.Reason}

		case api.RecordStateSourcing:
			return fmt.Errorf("%w: record %s", ErrPublishIncomplete, recordID)

		case api.RecordStateProcessing:
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(interval):
			}

		default:
			return fmt.Errorf("tidelog: registry reported unknown record state %q", record.State)
		}
	}
}

func (c *Client) getPackageRecord(ctx context.Context, name registry.PackageName, logID registry.LogID, recordID registry.RecordID) (*api.PackageRecord, error) {
	record, err := c.api.GetPackageRecord(ctx, logID, recordID)
	if err != nil {
		return nil, translateLogNotFound(err, func(id registry.LogID) (registry.PackageName, bool) {
			return name, id == logID
		})
	}
	return record, nil
}
