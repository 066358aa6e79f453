package testutil

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/opencontainers/go-digest"
	"golang.org/x/mod/sumdb/tlog"

	"github.com/tidelog/tidelog/api"
	"github.com/tidelog/tidelog/operator"
	"github.com/tidelog/tidelog/pkglog"
	"github.com/tidelog/tidelog/registry"
	"github.com/tidelog/tidelog/signing"
)

// uploadURLPrefix is the synthetic endpoint scheme the fake hands out
// for missing content.
const uploadURLPrefix = "fake:///content/"

// FakeRegistry is an in-process registry implementing the client's
// RegistryAPI interface. It keeps a real Merkle tree over its log and
// signs real checkpoints, so client-side proof verification runs
// unmodified against it.
//
// The zero value is not usable; construct with NewFakeRegistry, which
// initializes the operator log with a fresh key.
type FakeRegistry struct {
	mu sync.Mutex

	key     signing.PrivateKey // operator key, authorized by the operator log
	signKey signing.PrivateKey // key signing checkpoints; normally key

	hashes []tlog.Hash
	size   int64

	logs   map[registry.LogID][]registry.PublishedRecord
	heads  map[registry.LogID]registry.RecordID
	states map[registry.LogID]*pkglog.LogState
	clocks map[registry.LogID]int64

	records map[registry.RecordID]*recordStatus
	content map[digest.Digest][]byte

	current registry.SignedCheckpoint
	history []registry.SignedCheckpoint

	// PageLimit caps records per log per FetchLogs page. Zero means
	// unlimited.
	PageLimit int

	// Overlap makes every resumed page re-send the record before the
	// cursor, exercising client-side duplicate skipping.
	Overlap bool

	// Manual holds submitted records in the processing state until
	// Process is called.
	Manual bool

	// RejectUploads makes every content upload fail as rejected.
	RejectUploads bool
}

type recordStatus struct {
	logID    registry.LogID
	name     registry.PackageName
	envelope registry.Envelope
	state    api.RecordState
	reason   string
	index    *uint64
	missing  map[digest.Digest]api.MissingContent
}

// NewFakeRegistry creates a fake registry whose operator log holds a
// single init record for a freshly generated key.
func NewFakeRegistry() (*FakeRegistry, error) {
	pub, priv, err := signing.GenerateKey()
	if err != nil {
		return nil, err
	}
	f := &FakeRegistry{
		key:     priv,
		signKey: priv,
		logs:    make(map[registry.LogID][]registry.PublishedRecord),
		heads:   make(map[registry.LogID]registry.RecordID),
		states:  make(map[registry.LogID]*pkglog.LogState),
		clocks:  make(map[registry.LogID]int64),
		records: make(map[registry.RecordID]*recordStatus),
		content: make(map[digest.Digest][]byte),
	}

	operatorID := registry.OperatorLogID()
	record := operator.Record{
		Version:   operator.ProtocolVersion,
		Timestamp: f.tick(operatorID),
		Entries:   []operator.Entry{{Init: &operator.Init{Key: pub}}},
	}
	env, err := registry.SignEnvelope(priv, operator.SignatureDomain, record)
	if err != nil {
		return nil, err
	}
	if _, err := f.append(operatorID, env); err != nil {
		return nil, err
	}
	if err := f.refreshCheckpoint(); err != nil {
		return nil, err
	}
	return f, nil
}

// OperatorKey returns the private key authorized on the operator log.
func (f *FakeRegistry) OperatorKey() signing.PrivateKey { return f.key }

func (f *FakeRegistry) URL() string { return "https://fake.registry.test" }

func (f *FakeRegistry) tick(logID registry.LogID) int64 {
	f.clocks[logID]++
	return f.clocks[logID]
}

// append adds a record to a log and to the Merkle tree, returning its
// registry index. Callers hold f.mu and refresh the checkpoint after.
func (f *FakeRegistry) append(logID registry.LogID, env registry.Envelope) (uint64, error) {
	recordID, err := env.RecordID()
	if err != nil {
		return 0, err
	}
	leaf, err := (registry.LogLeaf{LogID: logID, RecordID: recordID}).Encode()
	if err != nil {
		return 0, err
	}
	hashes, err := tlog.StoredHashes(f.size, leaf, hashSlice(f.hashes))
	if err != nil {
		return 0, err
	}
	f.hashes = append(f.hashes, hashes...)

	index := uint64(f.size)
	f.size++
	f.logs[logID] = append(f.logs[logID], registry.PublishedRecord{
		Envelope:      env,
		RegistryIndex: index,
		FetchToken:    strconv.FormatInt(f.size, 10),
	})
	f.heads[logID] = recordID
	return index, nil
}

// refreshCheckpoint signs a checkpoint over the current tree state.
func (f *FakeRegistry) refreshCheckpoint() error {
	root, err := tlog.TreeHash(f.size, hashSlice(f.hashes))
	if err != nil {
		return err
	}
	tc := registry.TimestampedCheckpoint{
		Checkpoint: registry.Checkpoint{
			LogLength: uint64(f.size),
			LogRoot:   digest.NewDigestFromEncoded(digest.SHA256, hex.EncodeToString(root[:])),
			MapRoot:   f.mapRoot(),
		},
		Timestamp: int64(len(f.history) + 1),
	}
	signed, err := registry.SignCheckpoint(f.signKey, tc)
	if err != nil {
		return err
	}
	f.current = signed
	f.history = append(f.history, signed)
	return nil
}

// mapRoot deterministically digests the set of current log heads.
func (f *FakeRegistry) mapRoot() digest.Digest {
	lines := make([]string, 0, len(f.heads))
	for logID, recordID := range f.heads {
		lines = append(lines, logID.String()+"="+recordID.String())
	}
	sort.Strings(lines)
	return digest.SHA256.FromString(strings.Join(lines, "\n"))
}

// AppendOperatorRecord appends an operator record with the given
// entries, signed by the operator key.
func (f *FakeRegistry) AppendOperatorRecord(entries ...operator.Entry) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	operatorID := registry.OperatorLogID()
	record := operator.Record{
		Prev:      f.heads[operatorID],
		Version:   operator.ProtocolVersion,
		Timestamp: f.tick(operatorID),
		Entries:   entries,
	}
	env, err := registry.SignEnvelope(f.key, operator.SignatureDomain, record)
	if err != nil {
		return err
	}
	if _, err := f.append(operatorID, env); err != nil {
		return err
	}
	return f.refreshCheckpoint()
}

// AppendPackageRecord validates and appends a package record with the
// given entries, signed by key. The record must pass log validation.
func (f *FakeRegistry) AppendPackageRecord(name registry.PackageName, key signing.PrivateKey, entries ...pkglog.Entry) (registry.RecordID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	logID := registry.PackageLogID(name)
	record := pkglog.Record{
		Prev:      f.heads[logID],
		Version:   pkglog.ProtocolVersion,
		Timestamp: f.tick(logID),
		Entries:   entries,
	}
	env, err := registry.SignEnvelope(key, pkglog.SignatureDomain, record)
	if err != nil {
		return "", err
	}
	next, err := f.states[logID].Validate(&env)
	if err != nil {
		return "", err
	}
	if _, err := f.append(logID, env); err != nil {
		return "", err
	}
	f.states[logID] = next
	if err := f.refreshCheckpoint(); err != nil {
		return "", err
	}
	return next.HeadRecordID(), nil
}

// AddContent stores content server-side, returning its digest.
func (f *FakeRegistry) AddContent(data []byte) digest.Digest {
	f.mu.Lock()
	defer f.mu.Unlock()
	dgst := digest.SHA256.FromBytes(data)
	f.content[dgst] = append([]byte(nil), data...)
	return dgst
}

// Rewind replaces the current checkpoint with the first one ever
// signed, presenting a shorter log than clients have already trusted.
func (f *FakeRegistry) Rewind() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.current = f.history[0]
}

// Equivocate re-signs the current checkpoint with a different map root
// at the same log length.
func (f *FakeRegistry) Equivocate() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	tc := f.current.TimestampedCheckpoint
	tc.Checkpoint.MapRoot = digest.SHA256.FromString("equivocation:" + tc.Checkpoint.MapRoot.String())
	signed, err := registry.SignCheckpoint(f.signKey, tc)
	if err != nil {
		return err
	}
	f.current = signed
	return nil
}

// SignCheckpointWith re-signs the current checkpoint with an arbitrary
// key, which clients should refuse unless the operator log grants it.
func (f *FakeRegistry) SignCheckpointWith(key signing.PrivateKey) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	signed, err := registry.SignCheckpoint(key, f.current.TimestampedCheckpoint)
	if err != nil {
		return err
	}
	f.current = signed
	f.signKey = key
	return nil
}

func (f *FakeRegistry) LatestCheckpoint(ctx context.Context) (*registry.SignedCheckpoint, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	checkpoint := f.current
	return &checkpoint, nil
}

func (f *FakeRegistry) FetchLogs(ctx context.Context, req *api.FetchLogsRequest) (*api.FetchLogsResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	limit := f.PageLimit
	if req.Limit != 0 && (limit == 0 || int(req.Limit) < limit) {
		limit = int(req.Limit)
	}

	resp := &api.FetchLogsResponse{
		Packages: make(map[registry.LogID][]registry.PublishedRecord),
	}
	page, more, err := f.page(registry.OperatorLogID(), req.Operator, req.LogLength, limit)
	if err != nil {
		return nil, err
	}
	resp.Operator = page
	resp.More = more

	for logID, cursor := range req.Packages {
		if _, ok := f.logs[logID]; !ok {
			return nil, &api.Error{
				Status:  http.StatusNotFound,
				Code:    "log_not_found",
				Message: "log not found",
				LogID:   logID,
			}
		}
		page, more, err := f.page(logID, cursor, req.LogLength, limit)
		if err != nil {
			return nil, err
		}
		resp.Packages[logID] = page
		resp.More = resp.More || more
	}
	return resp, nil
}

// page returns one page of a log's records below logLength, resuming
// at cursor.
func (f *FakeRegistry) page(logID registry.LogID, cursor string, logLength uint64, limit int) ([]registry.PublishedRecord, bool, error) {
	var start uint64
	if cursor != "" {
		parsed, err := strconv.ParseUint(cursor, 10, 64)
		if err != nil {
			return nil, false, &api.Error{
				Status:  http.StatusBadRequest,
				Code:    "invalid_cursor",
				Message: fmt.Sprintf("invalid fetch token %q", cursor),
			}
		}
		start = parsed
	}
	if f.Overlap && start > 0 {
		start--
	}

	var page []registry.PublishedRecord
	for _, record := range f.logs[logID] {
		if record.RegistryIndex < start || record.RegistryIndex >= logLength {
			continue
		}
		page = append(page, record)
	}
	if limit > 0 && len(page) > limit {
		return page[:limit], true, nil
	}
	return page, false, nil
}

func (f *FakeRegistry) PublishPackageRecord(ctx context.Context, logID registry.LogID, req *api.PublishRecordRequest) (*api.PublishRecordResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if registry.PackageLogID(req.PackageName) != logID {
		return nil, &api.Error{
			Status:  http.StatusBadRequest,
			Code:    "invalid_request",
			Message: fmt.Sprintf("log %s does not belong to package %s", logID, req.PackageName),
		}
	}
	recordID, err := req.Record.RecordID()
	if err != nil {
		return nil, err
	}

	var record pkglog.Record
	if err := req.Record.Decode(&record); err != nil {
		return nil, &api.Error{
			Status:  http.StatusBadRequest,
			Code:    "invalid_request",
			Message: fmt.Sprintf("undecodable record: %v", err),
		}
	}
	missing := make(map[digest.Digest]api.MissingContent)
	for _, entry := range record.Entries {
		if entry.Release == nil {
			continue
		}
		if _, ok := f.content[entry.Release.Content]; ok {
			continue
		}
		missing[entry.Release.Content] = api.MissingContent{
			Upload: []api.UploadEndpoint{{
				Method: http.MethodPut,
				URL:    uploadURLPrefix + entry.Release.Content.String(),
			}},
		}
	}

	status := &recordStatus{
		logID:    logID,
		name:     req.PackageName,
		envelope: req.Record,
		state:    api.RecordStateProcessing,
		missing:  missing,
	}
	f.records[recordID] = status
	if len(missing) > 0 {
		status.state = api.RecordStateSourcing
	} else if !f.Manual {
		if err := f.finalize(status); err != nil {
			return nil, err
		}
	}

	return &api.PublishRecordResponse{
		RecordID:       recordID,
		State:          status.state,
		MissingContent: copyMissing(status.missing),
	}, nil
}

// finalize validates a record against its log and either appends it or
// rejects it. Callers hold f.mu.
func (f *FakeRegistry) finalize(status *recordStatus) error {
	next, err := f.states[status.logID].Validate(&status.envelope)
	if err != nil {
		status.state = api.RecordStateRejected
		status.reason = err.Error()
		return nil
	}
	index, err := f.append(status.logID, status.envelope)
	if err != nil {
		return err
	}
	f.states[status.logID] = next
	if err := f.refreshCheckpoint(); err != nil {
		return err
	}
	status.state = api.RecordStatePublished
	status.index = &index
	return nil
}

// Process advances every processing record to its final state. Only
// meaningful with Manual set.
func (f *FakeRegistry) Process() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, status := range f.records {
		if status.state != api.RecordStateProcessing {
			continue
		}
		if err := f.finalize(status); err != nil {
			return err
		}
	}
	return nil
}

func (f *FakeRegistry) GetPackageRecord(ctx context.Context, logID registry.LogID, recordID registry.RecordID) (*api.PackageRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	status, ok := f.records[recordID]
	if !ok || status.logID != logID {
		return nil, &api.Error{
			Status:  http.StatusNotFound,
			Code:    "record_not_found",
			Message: fmt.Sprintf("record %s not found", recordID),
		}
	}

	if status.state == api.RecordStateSourcing {
		sourced := true
		for dgst := range status.missing {
			if _, ok := f.content[dgst]; ok {
				delete(status.missing, dgst)
				continue
			}
			sourced = false
		}
		if sourced {
			status.state = api.RecordStateProcessing
		}
	}
	if status.state == api.RecordStateProcessing && !f.Manual {
		if err := f.finalize(status); err != nil {
			return nil, err
		}
	}

	return &api.PackageRecord{
		RecordID:       recordID,
		State:          status.state,
		RegistryIndex:  status.index,
		Reason:         status.reason,
		MissingContent: copyMissing(status.missing),
	}, nil
}

func (f *FakeRegistry) UploadContent(ctx context.Context, endpoint api.UploadEndpoint, content io.Reader) error {
	data, err := io.ReadAll(content)
	if err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.RejectUploads {
		return &api.Error{
			Status:  http.StatusUnprocessableEntity,
			Code:    "rejected",
			Message: "content upload rejected",
		}
	}
	encoded, ok := strings.CutPrefix(endpoint.URL, uploadURLPrefix)
	if !ok {
		return fmt.Errorf("unexpected upload endpoint %q", endpoint.URL)
	}
	expected, err := digest.Parse(encoded)
	if err != nil {
		return err
	}
	if got := digest.SHA256.FromBytes(data); got != expected {
		return &api.Error{
			Status:  http.StatusUnprocessableEntity,
			Code:    "rejected",
			Message: fmt.Sprintf("content digest %s does not match %s", got, expected),
		}
	}
	f.content[expected] = data
	return nil
}

func (f *FakeRegistry) DownloadContent(ctx context.Context, dgst digest.Digest) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.content[dgst]
	if !ok {
		return nil, &api.Error{
			Status:  http.StatusNotFound,
			Code:    "content_not_found",
			Message: fmt.Sprintf("content %s not found", dgst),
		}
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (f *FakeRegistry) ProveInclusion(ctx context.Context, req *api.InclusionRequest, checkpoint registry.Checkpoint, leaves []registry.LogLeaf) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if int64(req.LogLength) > f.size {
		return fmt.Errorf("%w: log length %d exceeds log size %d", api.ErrProofInvalid, req.LogLength, f.size)
	}
	root, err := tlogHash(checkpoint.LogRoot)
	if err != nil {
		return err
	}
	for i, leaf := range leaves {
		index := req.LeafIndices[i]
		if index >= req.LogLength {
			return fmt.Errorf("%w: leaf index %d outside log of length %d", api.ErrProofInvalid, index, req.LogLength)
		}
		encoded, err := leaf.Encode()
		if err != nil {
			return err
		}
		proof, err := tlog.ProveRecord(int64(req.LogLength), int64(index), hashSlice(f.hashes))
		if err != nil {
			return err
		}
		err = tlog.CheckRecord(proof, int64(req.LogLength), root, int64(index), tlog.RecordHash(encoded))
		if err != nil {
			return fmt.Errorf("%w: leaf %d (log %s): %v", api.ErrProofInvalid, index, leaf.LogID, err)
		}
	}
	return nil
}

func (f *FakeRegistry) ProveLogConsistency(ctx context.Context, req *api.ConsistencyRequest, fromRoot, toRoot digest.Digest) error {
	if req.From == 0 {
		return nil
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	from, err := tlogHash(fromRoot)
	if err != nil {
		return err
	}
	to, err := tlogHash(toRoot)
	if err != nil {
		return err
	}
	proof, err := tlog.ProveTree(int64(req.To), int64(req.From), hashSlice(f.hashes))
	if err != nil {
		return err
	}
	err = tlog.CheckTree(proof, int64(req.To), to, int64(req.From), from)
	if err != nil {
		return fmt.Errorf("%w: consistency %d -> %d: %v", api.ErrProofInvalid, req.From, req.To, err)
	}
	return nil
}

func copyMissing(missing map[digest.Digest]api.MissingContent) map[digest.Digest]api.MissingContent {
	if len(missing) == 0 {
		return nil
	}
	out := make(map[digest.Digest]api.MissingContent, len(missing))
	for dgst, mc := range missing {
		out[dgst] = mc
	}
	return out
}

func tlogHash(d digest.Digest) (tlog.Hash, error) {
	raw, err := hex.DecodeString(d.Encoded())
	if err != nil || len(raw) != tlog.HashSize {
		return tlog.Hash{}, fmt.Errorf("malformed root digest %q", d)
	}
	var h tlog.Hash
	copy(h[:], raw)
	return h, nil
}

// hashSlice adapts stored tree hashes to tlog.HashReader.
type hashSlice []tlog.Hash

func (h hashSlice) ReadHashes(indexes []int64) ([]tlog.Hash, error) {
	out := make([]tlog.Hash, len(indexes))
	for i, index := range indexes {
		if index < 0 || index >= int64(len(h)) {
			return nil, fmt.Errorf("hash index %d out of range", index)
		}
		out[i] = h[index]
	}
	return out, nil
}
