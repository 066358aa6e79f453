package tidelog

import (
	"context"
	"fmt"

	"github.com/tidelog/tidelog/api"
	"github.com/tidelog/tidelog/registry"
	"github.com/tidelog/tidelog/storage"
)

// Update synchronizes every package log in client storage, plus the
// operator log, to the registry's latest checkpoint.
func (c *Client) Update(ctx context.Context) error {
	c.log().Info("updating all packages to latest checkpoint")

	packages, err := c.registry.LoadPackages()
	if err != nil {
		return err
	}
	checkpoint, err := c.api.LatestCheckpoint(ctx)
	if err != nil {
		return err
	}
	return c.updateCheckpoint(ctx, checkpoint, packages)
}

// Upsert synchronizes the named packages to the registry's latest
// checkpoint, fetching their logs for the first time if they are not
// yet mirrored locally.
func (c *Client) Upsert(ctx context.Context, names ...registry.PackageName) error {
	c.log().Info("updating packages to latest checkpoint", "count", len(names))

	updating := make([]*storage.PackageInfo, 0, len(names))
	for _, name := range names {
		info, err := c.registry.LoadPackage(name)
		if err != nil {
			return err
		}
		if info == nil {
			info = storage.NewPackageInfo(name)
		}
		updating = append(updating, info)
	}

	checkpoint, err := c.api.LatestCheckpoint(ctx)
	if err != nil {
		return err
	}
	return c.updateCheckpoint(ctx, checkpoint, updating)
}

// updateCheckpoint brings the operator log and the given package
// mirrors up to the target checkpoint. Every verification step runs
// before any persistence: a failure anywhere leaves prior storage
// untouched. Progression against the stored checkpoint is verified
// before any inclusion proof so that a rewound or equivocated
// checkpoint surfaces as such instead of as a proof failure.
func (c *Client) updateCheckpoint(ctx context.Context, signedCheckpoint *registry.SignedCheckpoint, packages []*storage.PackageInfo) error {
	checkpoint := signedCheckpoint.Checkpoint()
	c.log().Info("updating to checkpoint", "logLength", checkpoint.LogLength)

	operatorInfo, err := c.registry.LoadOperator()
	if err != nil {
		return err
	}
	if operatorInfo == nil {
		operatorInfo = &storage.OperatorInfo{}
	}

	// Packages already at the target checkpoint have nothing to do.
	pending := make(map[registry.LogID]*storage.PackageInfo)
	for _, p := range packages {
		if p.Checkpoint != nil && p.Checkpoint.Equal(checkpoint) {
			continue
		}
		c.log().Info("package will be updated", "package", p.Name)
		pending[registry.PackageLogID(p.Name)] = p
	}
	if len(pending) == 0 {
		return nil
	}

	lookupName := func(id registry.LogID) (registry.PackageName, bool) {
		if p, ok := pending[id]; ok {
			return p.Name, true
		}
		return registry.PackageName{}, false
	}

	cursors := make(map[registry.LogID]string, len(pending))
	for id, p := range pending {
		cursors[id] = p.HeadFetchToken
	}

	for {
		operatorCursor := operatorInfo.HeadFetchToken
		resp, err := c.api.FetchLogs(ctx, &api.FetchLogsRequest{
			LogLength: checkpoint.LogLength,
			Operator:  operatorInfo.HeadFetchToken,
			Packages:  cursors,
		})
		if err != nil {
			return translateLogNotFound(err, lookupName)
		}

		for _, record := range resp.Operator {
			// Fetch windows may overlap; skip records already
			// validated. Comparison on the registry index is strict.
			if operatorInfo.HeadRegistryIndex != nil && record.RegistryIndex <= *operatorInfo.HeadRegistryIndex {
				continue
			}
			next, err := operatorInfo.State.Validate(&record.Envelope)
			if err != nil {
				return &OperatorValidationError{Inner: err}
			}
			index := record.RegistryIndex
			operatorInfo.State = next
			operatorInfo.HeadRegistryIndex = &index
			operatorInfo.HeadFetchToken = record.FetchToken
		}

		for logID, records := range resp.Packages {
			p, ok := pending[logID]
			if !ok {
				return fmt.Errorf("tidelog: registry returned records for unrequested log %s", logID)
			}

			for _, record := range records {
				if p.HeadRegistryIndex != nil && record.RegistryIndex <= *p.HeadRegistryIndex {
					continue
				}
				next, err := p.State.Validate(&record.Envelope)
				if err != nil {
					return &PackageValidationError{Name: p.Name, Inner: err}
				}
				index := record.RegistryIndex
				p.State = next
				p.HeadRegistryIndex = &index
				p.HeadFetchToken = record.FetchToken
			}

			// A log the registry reports on must never be empty.
			if p.State.HeadRecordID() == "" {
				return fmt.Errorf("%w: %s", ErrPackageLogEmpty, p.Name)
			}
		}

		if !resp.More {
			break
		}

		// A page that claims more records but advanced no cursor would
		// fetch the same page forever.
		progressed := operatorInfo.HeadFetchToken != operatorCursor
		for id := range cursors {
			next := pending[id].HeadFetchToken
			if next != cursors[id] {
				progressed = true
			}
			cursors[id] = next
		}
		if !progressed {
			return ErrFetchStalled
		}
	}

	// The checkpoint key resolves against the operator state that was
	// just brought up to date, never an externally supplied key.
	key, ok := operatorInfo.State.PublicKey(signedCheckpoint.KeyID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownCheckpointKey, signedCheckpoint.KeyID)
	}
	if err := signedCheckpoint.Verify(key); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidCheckpointSignature, err)
	}

	// Prove the new checkpoint extends the previously trusted one.
	previous, err := c.registry.LoadCheckpoint()
	if err != nil {
		return err
	}
	if err := c.verifyProgression(ctx, previous, signedCheckpoint); err != nil {
		return err
	}

	// Prove inclusion of every log head in the checkpoint.
	if operatorInfo.HeadRegistryIndex == nil {
		return ErrNoOperatorRecords
	}
	leafIndices := make([]uint64, 0, len(pending)+1)
	leaves := make([]registry.LogLeaf, 0, len(pending)+1)
	leafIndices = append(leafIndices, *operatorInfo.HeadRegistryIndex)
	leaves = append(leaves, registry.LogLeaf{
		LogID:    registry.OperatorLogID(),
		RecordID: operatorInfo.State.HeadRecordID(),
	})
	for logID, p := range pending {
		if p.HeadRegistryIndex == nil {
			return fmt.Errorf("%w: %s", ErrPackageLogEmpty, p.Name)
		}
		leafIndices = append(leafIndices, *p.HeadRegistryIndex)
		leaves = append(leaves, registry.LogLeaf{
			LogID:    logID,
			RecordID: p.State.HeadRecordID(),
		})
	}
	err = c.api.ProveInclusion(ctx, &api.InclusionRequest{
		LogLength:   checkpoint.LogLength,
		LeafIndices: leafIndices,
	}, checkpoint, leaves)
	if err != nil {
		return err
	}

	// Commit. Everything above has passed; persistence failures from
	// here surface to the caller but can only leave a strictly older,
	// still-verified view behind.
	if err := c.registry.StoreOperator(operatorInfo); err != nil {
		return err
	}
	for _, p := range pending {
		cp := checkpoint
		p.Checkpoint = &cp
		if err := c.registry.StorePackage(p); err != nil {
			return err
		}
	}
	return c.registry.StoreCheckpoint(signedCheckpoint)
}

// verifyProgression checks that next is a monotonic, non-contradictory
// extension of the previously trusted checkpoint.
func (c *Client) verifyProgression(ctx context.Context, previous, next *registry.SignedCheckpoint) error {
	if previous == nil {
		// First synchronization; nothing to compare against.
		return nil
	}
	from := previous.Checkpoint()
	to := next.Checkpoint()

	switch {
	case from.LogLength > to.LogLength:
		return fmt.Errorf("%w: from %d to %d", ErrCheckpointRewound, from.LogLength, to.LogLength)

	case from.LogLength == to.LogLength:
		if from.LogRoot != to.LogRoot || from.MapRoot != to.MapRoot {
			return fmt.Errorf("%w: log length %d", ErrCheckpointEquivocated, from.LogLength)
		}
		return nil

	default:
		return c.api.ProveLogConsistency(ctx, &api.ConsistencyRequest{
			From: from.LogLength,
			To:   to.LogLength,
		}, from.LogRoot, to.LogRoot)
	}
}
