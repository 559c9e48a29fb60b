package replication

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/im7mortal/kmutex"
	gc "gopkg.in/check.v1"

	"github.com/forkmeplease/powersync-service/internal/domain"
	"github.com/forkmeplease/powersync-service/internal/oplog"
	"github.com/forkmeplease/powersync-service/internal/syncrules"
)

type WriterSuite struct{}

var _ = gc.Suite(&WriterSuite{})

// fakeStore is an in-memory Store good enough to exercise the batch
// writer's algorithm without a real database.
type fakeStore struct {
	mu          sync.Mutex
	nextID      uint64
	ops         []domain.BucketOp
	current     map[string]domain.CurrentData // "table\x00key" -> row
	params      []domain.ParameterRow
	status      map[string]domain.SyncRulesStatus
}

func newFakeStore() *fakeStore {
	return &fakeStore{current: make(map[string]domain.CurrentData), status: make(map[string]domain.SyncRulesStatus)}
}

func currentKey(table, key string) string { return table + "\x00" + key }

func (f *fakeStore) NextOpID(context.Context) (domain.OpID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	return domain.OpID(f.nextID), nil
}
func (f *fakeStore) Append(ctx context.Context, op domain.BucketOp) error {
	return f.AppendBatch(ctx, []domain.BucketOp{op})
}
func (f *fakeStore) AppendBatch(_ context.Context, ops []domain.BucketOp) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ops = append(f.ops, ops...)
	return nil
}
func (f *fakeStore) Scan(context.Context, string, string, domain.OpID, domain.OpID, int) (oplog.Iterator, error) {
	return nil, nil
}
func (f *fakeStore) SumChecksum(context.Context, string, string, domain.OpID, domain.OpID) (oplog.ChecksumSum, error) {
	return oplog.ChecksumSum{}, nil
}
func (f *fakeStore) GetCurrentData(_ context.Context, _, table, key string) (domain.CurrentData, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cd, ok := f.current[currentKey(table, key)]
	return cd, ok, nil
}
func (f *fakeStore) UpsertCurrentData(_ context.Context, cd domain.CurrentData) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.current[currentKey(cd.SourceTable, cd.SourceKey)] = cd
	return nil
}
func (f *fakeStore) DeleteCurrentData(_ context.Context, _, table, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.current, currentKey(table, key))
	return nil
}
func (f *fakeStore) ScanCurrentDataByTable(_ context.Context, _, table string) ([]domain.CurrentData, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.CurrentData
	for k, cd := range f.current {
		if cd.SourceTable == table {
			out = append(out, cd)
			_ = k
		}
	}
	return out, nil
}
func (f *fakeStore) UpsertParameterRow(_ context.Context, p domain.ParameterRow) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.params = append(f.params, p)
	return nil
}
func (f *fakeStore) DeleteParameterRow(context.Context, string, string, string, string) error {
	return nil
}
func (f *fakeStore) SyncRulesStatus(_ context.Context, id string) (domain.SyncRulesStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.status[id]
	if !ok {
		return domain.SyncRulesStatus{}, errors.Trace(domain.ErrNoActiveSyncRules)
	}
	return st, nil
}
func (f *fakeStore) UpsertSyncRulesStatus(_ context.Context, st domain.SyncRulesStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status[st.ID] = st
	return nil
}

// fakeRules routes every row into bucket "b1" with a fixed row id derived
// from its values["id"] field, and emits no parameter lookups by default.
type fakeRules struct {
	lookups []syncrules.ParameterLookup
}

func (r *fakeRules) Version() string                            { return "v1" }
func (r *fakeRules) StaticBuckets() []syncrules.BucketDefinition { return nil }
func (r *fakeRules) DynamicBucketNames() []string                { return nil }
func (r *fakeRules) EvaluateDataQueries(row syncrules.SourceRow) ([]syncrules.DataQueryResult, error) {
	id, _ := row.Values["id"].(string)
	return []syncrules.DataQueryResult{{Bucket: "b1", RowID: id, ObjectType: row.Table.Name, ObjectID: id}}, nil
}
func (r *fakeRules) EvaluateParameterQueries(syncrules.SourceRow) ([]syncrules.ParameterLookup, error) {
	return r.lookups, nil
}
func (r *fakeRules) QueryDynamicBucketDescriptions(syncrules.RequestParameters, domain.OpID) ([]string, error) {
	return nil, nil
}

func newWriter(store *fakeStore, rules *fakeRules) *Writer {
	return NewWriter("g1", rules, store, clock.WallClock, kmutex.New())
}

func (s *WriterSuite) TestInsertEmitsPutAndStoresCurrentData(c *gc.C) {
	store := newFakeStore()
	w := newWriter(store, &fakeRules{})
	rec := Record{
		Tag:              TagInsert,
		Table:            SourceTableID{GroupID: "g1", Name: "users"},
		ReplicaIDColumns: []string{"id"},
		After:            map[string]any{"id": "1", "name": "alice"},
	}
	err := w.handleRecord(context.Background(), rec)
	c.Assert(err, gc.IsNil)
	c.Assert(store.ops, gc.HasLen, 1)
	c.Assert(store.ops[0].Op, gc.Equals, domain.OpPut)
	c.Assert(store.ops[0].OpID, gc.Equals, domain.OpID(1))

	cd, ok, err := store.GetCurrentData(context.Background(), "g1", "users", "1")
	c.Assert(err, gc.IsNil)
	c.Assert(ok, gc.Equals, true)
	c.Assert(cd.Buckets, gc.HasLen, 1)
	c.Assert(cd.Buckets[0].Bucket, gc.Equals, "b1")
}

func (s *WriterSuite) TestDeleteEmitsRemoveAndClearsCurrentData(c *gc.C) {
	store := newFakeStore()
	w := newWriter(store, &fakeRules{})
	ins := Record{Tag: TagInsert, Table: SourceTableID{Name: "users"}, ReplicaIDColumns: []string{"id"}, After: map[string]any{"id": "1"}}
	c.Assert(w.handleRecord(context.Background(), ins), gc.IsNil)

	del := Record{Tag: TagDelete, Table: SourceTableID{Name: "users"}, ReplicaIDColumns: []string{"id"}, Before: map[string]any{"id": "1"}}
	c.Assert(w.handleRecord(context.Background(), del), gc.IsNil)

	c.Assert(store.ops, gc.HasLen, 2)
	c.Assert(store.ops[1].Op, gc.Equals, domain.OpRemove)
	_, ok, err := store.GetCurrentData(context.Background(), "g1", "users", "1")
	c.Assert(err, gc.IsNil)
	c.Assert(ok, gc.Equals, false)
}

func (s *WriterSuite) TestDeleteOfUnknownRowIsANoop(c *gc.C) {
	store := newFakeStore()
	w := newWriter(store, &fakeRules{})
	del := Record{Tag: TagDelete, Table: SourceTableID{Name: "users"}, ReplicaIDColumns: []string{"id"}, Before: map[string]any{"id": "missing"}}
	c.Assert(w.handleRecord(context.Background(), del), gc.IsNil)
	c.Assert(store.ops, gc.HasLen, 0)
}

func (s *WriterSuite) TestTruncateRemovesEveryRowInTable(c *gc.C) {
	store := newFakeStore()
	w := newWriter(store, &fakeRules{})
	for _, id := range []string{"1", "2"} {
		rec := Record{Tag: TagInsert, Table: SourceTableID{Name: "users"}, ReplicaIDColumns: []string{"id"}, After: map[string]any{"id": id}}
		c.Assert(w.handleRecord(context.Background(), rec), gc.IsNil)
	}
	trunc := Record{Tag: TagTruncate, Table: SourceTableID{Name: "users"}}
	c.Assert(w.handleRecord(context.Background(), trunc), gc.IsNil)

	rows, err := store.ScanCurrentDataByTable(context.Background(), "g1", "users")
	c.Assert(err, gc.IsNil)
	c.Assert(rows, gc.HasLen, 0)

	var removeCount int
	for _, op := range store.ops {
		if op.Op == domain.OpRemove {
			removeCount++
		}
	}
	c.Assert(removeCount, gc.Equals, 2)
}

func (s *WriterSuite) TestOversizedRowGetsPlaceholderPayload(c *gc.C) {
	store := newFakeStore()
	w := newWriter(store, &fakeRules{})
	huge := make([]byte, domain.MaxRowSizeBytes)
	rec := Record{
		Tag: TagInsert, Table: SourceTableID{Name: "blobs"}, ReplicaIDColumns: []string{"id"},
		After: map[string]any{"id": "1", "blob": string(huge)},
	}
	c.Assert(w.handleRecord(context.Background(), rec), gc.IsNil)

	cd, ok, err := store.GetCurrentData(context.Background(), "g1", "blobs", "1")
	c.Assert(err, gc.IsNil)
	c.Assert(ok, gc.Equals, true)
	var decoded map[string]any
	c.Assert(json.Unmarshal(cd.Data, &decoded), gc.IsNil)
	c.Assert(decoded, gc.HasLen, 0)
}

func (s *WriterSuite) TestTableOnlyToastPlaceholderWithoutPriorRowSkipsEmission(c *gc.C) {
	store := newFakeStore()
	w := newWriter(store, &fakeRules{})
	rec := Record{
		Tag: TagUpdate, Table: SourceTableID{Name: "users"}, ReplicaIDColumns: []string{"id"},
		After: map[string]any{"id": "1", "big_col": ToastPlaceholder},
	}
	c.Assert(w.handleRecord(context.Background(), rec), gc.IsNil)
	c.Assert(store.ops, gc.HasLen, 0)
}

func (s *WriterSuite) TestCommitIdempotentAtSameLSN(c *gc.C) {
	store := newFakeStore()
	w := newWriter(store, &fakeRules{})
	c.Assert(w.commit(context.Background(), "100"), gc.IsNil)
	status := store.status["g1"]
	c.Assert(status.LastCheckpointLSN, gc.Equals, "100")

	c.Assert(w.commit(context.Background(), "100"), gc.IsNil)
	c.Assert(store.status["g1"].LastCheckpointLSN, gc.Equals, "100") // unchanged, not double-applied
}

func (s *WriterSuite) TestKeepaliveAdvancesWithoutPendingOpsWhenNoKeepaliveOp(c *gc.C) {
	store := newFakeStore()
	w := newWriter(store, &fakeRules{})
	c.Assert(w.commit(context.Background(), "50"), gc.IsNil)
	c.Assert(w.keepalive(context.Background(), "60"), gc.IsNil)
	c.Assert(store.status["g1"].LastCheckpointLSN, gc.Equals, "60")
}

func (s *WriterSuite) TestParameterLookupsTrackedAsUpdated(c *gc.C) {
	store := newFakeStore()
	rules := &fakeRules{lookups: []syncrules.ParameterLookup{{Lookup: "by_user", BucketParameters: map[string]any{"user_id": "1"}}}}
	w := newWriter(store, rules)
	rec := Record{Tag: TagInsert, Table: SourceTableID{Name: "users"}, ReplicaIDColumns: []string{"id"}, After: map[string]any{"id": "1"}}
	c.Assert(w.handleRecord(context.Background(), rec), gc.IsNil)

	updated := w.TakeUpdatedLookups()
	_, ok := updated["by_user"]
	c.Assert(ok, gc.Equals, true)

	// TakeUpdatedLookups clears the set.
	c.Assert(w.TakeUpdatedLookups(), gc.HasLen, 0)
}
