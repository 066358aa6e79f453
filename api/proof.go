package api

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/opencontainers/go-digest"
	"golang.org/x/mod/sumdb/tlog"

	"github.com/tidelog/tidelog/registry"
)

// ErrProofInvalid is returned when a proof fetched from the registry
// fails local verification.
var ErrProofInvalid = errors.New("api: proof failed verification")

// InclusionRequest asks the registry to prove that specific leaves are
// included in the log of the given length.
type InclusionRequest struct {
	LogLength   uint64   `json:"logLength"`
	LeafIndices []uint64 `json:"leafIndices"`
}

// inclusionResponse carries one record proof per requested leaf, in
// request order. Each proof is a list of hex-encoded sibling hashes.
type inclusionResponse struct {
	Proofs [][]string `json:"proofs"`
}

// ConsistencyRequest asks the registry to prove that the log of length
// To extends the log of length From.
type ConsistencyRequest struct {
	From uint64 `json:"from"`
	To   uint64 `json:"to"`
}

type consistencyResponse struct {
	Proof []string `json:"proof"`
}

// ProveInclusion fetches inclusion proofs for the given leaves and
// verifies them against the checkpoint's log root. The i-th leaf index
// must be the registry index of the i-th leaf.
func (c *Client) ProveInclusion(ctx context.Context, req *InclusionRequest, checkpoint registry.Checkpoint, leaves []registry.LogLeaf) error {
	if len(req.LeafIndices) != len(leaves) {
		return fmt.Errorf("api: %d leaf indices for %d leaves", len(req.LeafIndices), len(leaves))
	}

	root, err := treeHash(checkpoint.LogRoot)
	if err != nil {
		return err
	}

	var resp inclusionResponse
	if err := c.postJSON(ctx, "/v1/proof/inclusion", req, &resp); err != nil {
		return err
	}
	if len(resp.Proofs) != len(leaves) {
		return fmt.Errorf("%w: registry returned %d proofs for %d leaves", ErrProofInvalid, len(resp.Proofs), len(leaves))
	}

	for i, leaf := range leaves {
		index := req.LeafIndices[i]
		if index >= req.LogLength {
			return fmt.Errorf("%w: leaf index %d outside log of length %d", ErrProofInvalid, index, req.LogLength)
		}

		encoded, err := leaf.Encode()
		if err != nil {
			return err
		}
		proof, err := decodeHashes(resp.Proofs[i])
		if err != nil {
			return err
		}
		err = tlog.CheckRecord(tlog.RecordProof(proof), int64(req.LogLength), root, int64(index), tlog.RecordHash(encoded))
		if err != nil {
			return fmt.Errorf("%w: leaf %d (log %s): %v", ErrProofInvalid, index, leaf.LogID, err)
		}
	}
	return nil
}

// ProveLogConsistency fetches a consistency proof and verifies that the
// log at length To is an extension of the log at length From.
func (c *Client) ProveLogConsistency(ctx context.Context, req *ConsistencyRequest, fromRoot, toRoot digest.Digest) error {
	// An empty log is a prefix of every log.
	if req.From == 0 {
		return nil
	}

	from, err := treeHash(fromRoot)
	if err != nil {
		return err
	}
	to, err := treeHash(toRoot)
	if err != nil {
		return err
	}

	var resp consistencyResponse
	if err := c.postJSON(ctx, "/v1/proof/consistency", req, &resp); err != nil {
		return err
	}
	proof, err := decodeHashes(resp.Proof)
	if err != nil {
		return err
	}

	err = tlog.CheckTree(tlog.TreeProof(proof), int64(req.To), to, int64(req.From), from)
	if err != nil {
		return fmt.Errorf("%w: consistency %d -> %d: %v", ErrProofInvalid, req.From, req.To, err)
	}
	return nil
}

// treeHash converts a SHA-256 root digest to a tlog hash.
func treeHash(d digest.Digest) (tlog.Hash, error) {
	if err := d.Validate(); err != nil {
		return tlog.Hash{}, fmt.Errorf("api: invalid root digest %q: %w", d, err)
	}
	if d.Algorithm() != digest.SHA256 {
		return tlog.Hash{}, fmt.Errorf("api: unsupported root digest algorithm %q", d.Algorithm())
	}
	raw, err := hex.DecodeString(d.Encoded())
	if err != nil || len(raw) != tlog.HashSize {
		return tlog.Hash{}, fmt.Errorf("api: malformed root digest %q", d)
	}
	var h tlog.Hash
	copy(h[:], raw)
	return h, nil
}

// decodeHashes converts hex-encoded proof hashes from the wire.
func decodeHashes(encoded []string) ([]tlog.Hash, error) {
	hashes := make([]tlog.Hash, len(encoded))
	for i, s := range encoded {
		raw, err := hex.DecodeString(s)
		if err != nil || len(raw) != tlog.HashSize {
			return nil, fmt.Errorf("%w: malformed proof hash %q", ErrProofInvalid, s)
		}
		copy(hashes[i][:], raw)
	}
	return hashes, nil
}
