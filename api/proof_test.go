package api

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"testing"

	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/mod/sumdb/tlog"

	"github.com/tidelog/tidelog/registry"
)

// testTree is a Merkle tree over log leaves, serving real proofs the
// way a registry would.
type testTree struct {
	hashes []tlog.Hash
	size   int64
	leaves []registry.LogLeaf
}

func newTestTree(t *testing.T, leaves []registry.LogLeaf) *testTree {
	t.Helper()
	tree := &testTree{leaves: leaves}
	for _, leaf := range leaves {
		encoded, err := leaf.Encode()
		require.NoError(t, err)
		hashes, err := tlog.StoredHashes(tree.size, encoded, tree)
		require.NoError(t, err)
		tree.hashes = append(tree.hashes, hashes...)
		tree.size++
	}
	return tree
}

func (tt *testTree) ReadHashes(indexes []int64) ([]tlog.Hash, error) {
	out := make([]tlog.Hash, len(indexes))
	for i, index := range indexes {
		if index < 0 || index >= int64(len(tt.hashes)) {
			return nil, fmt.Errorf("hash index %d out of range", index)
		}
		out[i] = tt.hashes[index]
	}
	return out, nil
}

func (tt *testTree) root(t *testing.T, size int64) digest.Digest {
	t.Helper()
	root, err := tlog.TreeHash(size, tt)
	require.NoError(t, err)
	return digest.NewDigestFromEncoded(digest.SHA256, hex.EncodeToString(root[:]))
}

// handler serves inclusion and consistency proofs from the tree.
func (tt *testTree) handler(t *testing.T) http.Handler {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/proof/inclusion", func(w http.ResponseWriter, r *http.Request) {
		var req InclusionRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		proofs := make([][]string, len(req.LeafIndices))
		for i, index := range req.LeafIndices {
			proof, err := tlog.ProveRecord(int64(req.LogLength), int64(index), tt)
			require.NoError(t, err)
			proofs[i] = encodeHashes(proof)
		}
		require.NoError(t, json.NewEncoder(w).Encode(inclusionResponse{Proofs: proofs}))
	})
	mux.HandleFunc("/v1/proof/consistency", func(w http.ResponseWriter, r *http.Request) {
		var req ConsistencyRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		proof, err := tlog.ProveTree(int64(req.To), int64(req.From), tt)
		require.NoError(t, err)
		require.NoError(t, json.NewEncoder(w).Encode(consistencyResponse{Proof: encodeHashes(proof)}))
	})
	return mux
}

func encodeHashes(hashes []tlog.Hash) []string {
	encoded := make([]string, len(hashes))
	for i, h := range hashes {
		encoded[i] = hex.EncodeToString(h[:])
	}
	return encoded
}

func testLeaves(t *testing.T, n int) []registry.LogLeaf {
	t.Helper()
	leaves := make([]registry.LogLeaf, n)
	for i := range leaves {
		name, err := registry.ParsePackageName(fmt.Sprintf("acme:pkg%d", i))
		require.NoError(t, err)
		leaves[i] = registry.LogLeaf{
			LogID:    registry.PackageLogID(name),
			RecordID: registry.RecordID(digest.SHA256.FromString(fmt.Sprintf("record %d", i))),
		}
	}
	return leaves
}

func TestProveInclusion(t *testing.T) {
	t.Parallel()

	leaves := testLeaves(t, 5)
	tree := newTestTree(t, leaves)
	client := newTestClient(t, tree.handler(t))

	checkpoint := registry.Checkpoint{
		LogLength: 5,
		LogRoot:   tree.root(t, 5),
	}
	err := client.ProveInclusion(context.Background(), &InclusionRequest{
		LogLength:   5,
		LeafIndices: []uint64{0, 3, 4},
	}, checkpoint, []registry.LogLeaf{leaves[0], leaves[3], leaves[4]})
	require.NoError(t, err)
}

func TestProveInclusionTamperedRoot(t *testing.T) {
	t.Parallel()

	leaves := testLeaves(t, 5)
	tree := newTestTree(t, leaves)
	client := newTestClient(t, tree.handler(t))

	checkpoint := registry.Checkpoint{
		LogLength: 5,
		LogRoot:   digest.SHA256.FromString("not the real root"),
	}
	err := client.ProveInclusion(context.Background(), &InclusionRequest{
		LogLength:   5,
		LeafIndices: []uint64{0},
	}, checkpoint, leaves[:1])
	assert.ErrorIs(t, err, ErrProofInvalid)
}

func TestProveInclusionWrongLeaf(t *testing.T) {
	t.Parallel()

	leaves := testLeaves(t, 5)
	tree := newTestTree(t, leaves)
	client := newTestClient(t, tree.handler(t))

	checkpoint := registry.Checkpoint{
		LogLength: 5,
		LogRoot:   tree.root(t, 5),
	}

	// Claim leaf 1's content sits at index 0.
	err := client.ProveInclusion(context.Background(), &InclusionRequest{
		LogLength:   5,
		LeafIndices: []uint64{0},
	}, checkpoint, []registry.LogLeaf{leaves[1]})
	assert.ErrorIs(t, err, ErrProofInvalid)
}

func TestProveInclusionIndexOutOfRange(t *testing.T) {
	t.Parallel()

	leaves := testLeaves(t, 3)
	tree := newTestTree(t, leaves)
	client := newTestClient(t, tree.handler(t))

	checkpoint := registry.Checkpoint{
		LogLength: 3,
		LogRoot:   tree.root(t, 3),
	}
	err := client.ProveInclusion(context.Background(), &InclusionRequest{
		LogLength:   3,
		LeafIndices: []uint64{3},
	}, checkpoint, leaves[:1])
	assert.ErrorIs(t, err, ErrProofInvalid)
}

func TestProveInclusionMismatchedLengths(t *testing.T) {
	t.Parallel()

	client, err := New("https://registry.example.com")
	require.NoError(t, err)

	err = client.ProveInclusion(context.Background(), &InclusionRequest{
		LogLength:   3,
		LeafIndices: []uint64{0, 1},
	}, registry.Checkpoint{LogLength: 3, LogRoot: digest.SHA256.FromString("root")}, testLeaves(t, 1))
	assert.Error(t, err)
}

func TestProveLogConsistency(t *testing.T) {
	t.Parallel()

	leaves := testLeaves(t, 8)
	tree := newTestTree(t, leaves)
	client := newTestClient(t, tree.handler(t))

	err := client.ProveLogConsistency(context.Background(), &ConsistencyRequest{
		From: 3,
		To:   8,
	}, tree.root(t, 3), tree.root(t, 8))
	require.NoError(t, err)
}

func TestProveLogConsistencyFromEmpty(t *testing.T) {
	t.Parallel()

	// An empty prior log needs no proof, so no server is required.
	client, err := New("https://registry.example.com")
	require.NoError(t, err)

	err = client.ProveLogConsistency(context.Background(), &ConsistencyRequest{
		From: 0,
		To:   8,
	}, digest.SHA256.FromString("irrelevant"), digest.SHA256.FromString("also irrelevant"))
	require.NoError(t, err)
}

func TestProveLogConsistencyWrongRoot(t *testing.T) {
	t.Parallel()

	leaves := testLeaves(t, 8)
	tree := newTestTree(t, leaves)
	client := newTestClient(t, tree.handler(t))

	err := client.ProveLogConsistency(context.Background(), &ConsistencyRequest{
		From: 3,
		To:   8,
	}, digest.SHA256.FromString("a different history"), tree.root(t, 8))
	assert.ErrorIs(t, err, ErrProofInvalid)
}
