package replication

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/im7mortal/kmutex"
	"github.com/juju/clock"
	"github.com/juju/errors"

	"github.com/forkmeplease/powersync-service/internal/domain"
	"github.com/forkmeplease/powersync-service/internal/metrics"
	"github.com/forkmeplease/powersync-service/internal/obslog"
	"github.com/forkmeplease/powersync-service/internal/syncrules"
)

var logger = obslog.Get("replication")

// Writer is component B: the replication batch writer. One Writer owns a
// single group_id's worth of replication state; spec.md §4.1's "a single
// in-process exclusive lock serializes flushes" is provided here by
// kmutex keyed on group_id, guarding the rare case of two Writer
// instances sharing a group in a pathological configuration, on top of
// the ordinary guarantee that a single Writer only ever flushes from its
// own Run goroutine.
type Writer struct {
	GroupID string
	Rules   syncrules.Rules
	Store   Store
	Clock   clock.Clock

	flushLocks *kmutex.Kmutex

	mu                    sync.Mutex
	noCheckpointBeforeLSN string
	pendingOps            []domain.BucketOp
	updatedLookups        map[string]struct{}
}

// NewWriter constructs a Writer. flushLocks is shared process-wide so
// distinct Writer instances for the same group_id still serialize.
func NewWriter(groupID string, rules syncrules.Rules, store Store, clk clock.Clock, flushLocks *kmutex.Kmutex) *Writer {
	return &Writer{
		GroupID:        groupID,
		Rules:          rules,
		Store:          store,
		Clock:          clk,
		flushLocks:     flushLocks,
		updatedLookups: make(map[string]struct{}),
	}
}

// Run consumes src's event stream until ctx is done or src reports a
// fatal error.
func (w *Writer) Run(ctx context.Context, src SourceAdapter) error {
	events, errs := src.Events(ctx)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if err := w.handleEvent(ctx, ev); err != nil {
				return errors.Trace(err)
			}
		case err, ok := <-errs:
			if !ok {
				return nil
			}
			return errors.Trace(err)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (w *Writer) handleEvent(ctx context.Context, ev Event) error {
	if ev.Control != nil {
		return w.handleControl(ctx, *ev.Control)
	}
	return w.handleRecord(ctx, *ev.Record)
}

func (w *Writer) handleControl(ctx context.Context, c Control) error {
	switch c.Kind {
	case ControlCommit:
		return w.commit(ctx, c.LSN)
	case ControlKeepalive:
		return w.keepalive(ctx, c.LSN)
	default:
		return errors.Annotatef(domain.ErrAssertion, "unknown control kind %q", c.Kind)
	}
}

// commit implements spec.md §4.1's commit(lsn) policy.
func (w *Writer) commit(ctx context.Context, lsn string) error {
	return w.withFlushLock(ctx, func() error {
		status, err := w.Store.SyncRulesStatus(ctx, w.GroupID)
		if err != nil && !errors.Is(err, domain.ErrNoActiveSyncRules) {
			return errors.Trace(err)
		}

		if w.noCheckpointBeforeLSN != "" && lsn < w.noCheckpointBeforeLSN {
			status.KeepaliveOp = w.lastOpLocked()
			return errors.Trace(w.Store.UpsertSyncRulesStatus(ctx, status))
		}
		if status.LastCheckpointLSN != "" && lsn <= status.LastCheckpointLSN {
			return nil // idempotent skip: already committed at or past this LSN
		}

		status.ID = w.GroupID
		status.LastCheckpointLSN = lsn
		if last := w.lastOpLocked(); last != 0 {
			status.LastCheckpoint = last
		}
		status.SnapshotDone = true
		status.State = domain.SyncRulesActive

		if err := w.Store.UpsertSyncRulesStatus(ctx, status); err != nil {
			return errors.Trace(err)
		}
		metrics.CheckpointLagOps.WithLabelValues(w.GroupID).Set(0)
		return nil
	})
}

// keepalive implements spec.md §4.1's keepalive(lsn) policy.
func (w *Writer) keepalive(ctx context.Context, lsn string) error {
	return w.withFlushLock(ctx, func() error {
		status, err := w.Store.SyncRulesStatus(ctx, w.GroupID)
		if errors.Is(err, domain.ErrNoActiveSyncRules) {
			return nil
		} else if err != nil {
			return errors.Trace(err)
		}
		if status.KeepaliveOp != 0 {
			return w.commitLocked(ctx, lsn, status)
		}
		status.LastCheckpointLSN = lsn
		return errors.Trace(w.Store.UpsertSyncRulesStatus(ctx, status))
	})
}

func (w *Writer) commitLocked(ctx context.Context, lsn string, status domain.SyncRulesStatus) error {
	status.ID = w.GroupID
	status.LastCheckpointLSN = lsn
	status.LastCheckpoint = status.KeepaliveOp
	status.KeepaliveOp = 0
	status.SnapshotDone = true
	status.State = domain.SyncRulesActive
	return errors.Trace(w.Store.UpsertSyncRulesStatus(ctx, status))
}

func (w *Writer) lastOpLocked() domain.OpID {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.pendingOps) == 0 {
		return 0
	}
	return w.pendingOps[len(w.pendingOps)-1].OpID
}

// withFlushLock serializes against any other Writer sharing GroupID. It
// adds no retry or time bound of its own.
func (w *Writer) withFlushLock(ctx context.Context, fn func() error) error {
	w.flushLocks.Lock(w.GroupID)
	defer w.flushLocks.Unlock(w.GroupID)
	return fn()
}

// handleRecord implements the per-record algorithm of spec.md §4.1.
func (w *Writer) handleRecord(ctx context.Context, rec Record) error {
	switch rec.Tag {
	case TagInsert, TagUpdate:
		return w.handleUpsert(ctx, rec)
	case TagDelete:
		return w.handleDelete(ctx, rec)
	case TagTruncate:
		return w.handleTruncate(ctx, rec)
	default:
		return errors.Annotatef(domain.ErrAssertion, "unknown record tag %q", rec.Tag)
	}
}

func sourceKey(replicaIDColumns []string, values map[string]any) string {
	parts := make([]string, 0, len(replicaIDColumns))
	for _, col := range replicaIDColumns {
		parts = append(parts, fmt.Sprintf("%v", values[col]))
	}
	return strings.Join(parts, "\x1f")
}

func (w *Writer) handleUpsert(ctx context.Context, rec Record) error {
	newKey := sourceKey(rec.ReplicaIDColumns, rec.After)
	oldKey := newKey
	if rec.Tag == TagUpdate && len(rec.Before) > 0 {
		oldKey = sourceKey(rec.ReplicaIDColumns, rec.Before)
	}

	old, hasOld, err := w.Store.GetCurrentData(ctx, w.GroupID, rec.Table.Name, oldKey)
	if err != nil {
		return errors.Trace(err)
	}

	merged, complete := mergeToastColumns(rec.After, old, hasOld)
	if !complete {
		logger.Warningf("record for %s/%s has unmerged TOAST columns and no prior row; skipping bucket emission pending resnapshot", rec.Table.Name, newKey)
		return nil // caller is expected to trigger a resnapshot out of band
	}

	payload, err := json.Marshal(merged)
	if err != nil {
		return errors.Annotate(err, "serializing row")
	}
	if len(payload) >= domain.MaxRowSizeBytes {
		metrics.RowTooLargeTotal.WithLabelValues(w.GroupID, rec.Table.Name).Inc()
		logger.Warningf("row %s/%s (%d bytes) exceeds size ceiling, replacing with placeholder", rec.Table.Name, newKey, len(payload))
		payload, err = json.Marshal(map[string]any{})
		if err != nil {
			return errors.Trace(err)
		}
	}

	row := syncrules.SourceRow{Table: toDomainTable(rec.Table), Values: merged}
	results, err := w.Rules.EvaluateDataQueries(row)
	if err != nil {
		return errors.Annotate(err, "evaluating data queries")
	}

	newByBucket := make(map[string]syncrules.DataQueryResult, len(results))
	for _, r := range results {
		newByBucket[r.Bucket] = r
	}
	oldByBucket := make(map[string]domain.BucketMembership, len(old.Buckets))
	if hasOld {
		for _, m := range old.Buckets {
			oldByBucket[m.Bucket] = m
		}
	}

	var ops []domain.BucketOp
	for bucket, mem := range oldByBucket {
		if _, stillPresent := newByBucket[bucket]; !stillPresent {
			ops = append(ops, domain.BucketOp{GroupID: w.GroupID, Bucket: bucket, Op: domain.OpRemove, RowID: mem.ID})
		}
	}
	newMemberships := make([]domain.BucketMembership, 0, len(newByBucket))
	for bucket, res := range newByBucket {
		rowPayload := payload
		if res.Payload != nil {
			rowPayload = res.Payload
		}
		ops = append(ops, domain.BucketOp{
			GroupID: w.GroupID, Bucket: bucket, Op: domain.OpPut,
			RowID: res.RowID, ObjectType: res.ObjectType, ObjectID: res.ObjectID, Subkey: res.Subkey,
			Data: rowPayload,
		})
		newMemberships = append(newMemberships, domain.BucketMembership{Bucket: bucket, Table: rec.Table.Name, ID: res.RowID})
	}
	sortOps(ops)
	if err := w.assignAndAppend(ctx, ops); err != nil {
		return errors.Trace(err)
	}

	if err := w.diffParameters(ctx, rec, row, oldKey); err != nil {
		return errors.Trace(err)
	}

	if oldKey != newKey && hasOld {
		if err := w.Store.DeleteCurrentData(ctx, w.GroupID, rec.Table.Name, oldKey); err != nil {
			return errors.Trace(err)
		}
	}
	if len(newMemberships) == 0 {
		// invariant 5: CurrentData exists iff the row satisfies some
		// data query.
		return errors.Trace(w.Store.DeleteCurrentData(ctx, w.GroupID, rec.Table.Name, newKey))
	}
	return errors.Trace(w.Store.UpsertCurrentData(ctx, domain.CurrentData{
		GroupID: w.GroupID, SourceTable: rec.Table.Name, SourceKey: newKey,
		Data: payload, Buckets: newMemberships,
	}))
}

func (w *Writer) handleDelete(ctx context.Context, rec Record) error {
	key := sourceKey(rec.ReplicaIDColumns, rec.Before)
	old, hasOld, err := w.Store.GetCurrentData(ctx, w.GroupID, rec.Table.Name, key)
	if err != nil {
		return errors.Trace(err)
	}
	if !hasOld {
		return nil
	}
	ops := make([]domain.BucketOp, 0, len(old.Buckets))
	for _, mem := range old.Buckets {
		ops = append(ops, domain.BucketOp{GroupID: w.GroupID, Bucket: mem.Bucket, Op: domain.OpRemove, RowID: mem.ID})
	}
	sortOps(ops)
	if err := w.assignAndAppend(ctx, ops); err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(w.Store.DeleteCurrentData(ctx, w.GroupID, rec.Table.Name, key))
}

func (w *Writer) handleTruncate(ctx context.Context, rec Record) error {
	for {
		rows, err := w.Store.ScanCurrentDataByTable(ctx, w.GroupID, rec.Table.Name)
		if err != nil {
			return errors.Trace(err)
		}
		if len(rows) == 0 {
			return nil
		}
		var ops []domain.BucketOp
		for _, cd := range rows {
			for _, mem := range cd.Buckets {
				ops = append(ops, domain.BucketOp{GroupID: w.GroupID, Bucket: mem.Bucket, Op: domain.OpRemove, RowID: mem.ID})
			}
		}
		sortOps(ops)
		if err := w.assignAndAppend(ctx, ops); err != nil {
			return errors.Trace(err)
		}
		for _, cd := range rows {
			if err := w.Store.DeleteCurrentData(ctx, w.GroupID, rec.Table.Name, cd.SourceKey); err != nil {
				return errors.Trace(err)
			}
		}
	}
}

// diffParameters evaluates parameter queries for the row and upserts a
// bucket_parameters row for every lookup it produces now. Rows for
// lookups the row no longer produces are not deleted.
func (w *Writer) diffParameters(ctx context.Context, rec Record, row syncrules.SourceRow, key string) error {
	lookups, err := w.Rules.EvaluateParameterQueries(row)
	if err != nil {
		return errors.Annotate(err, "evaluating parameter queries")
	}
	for _, l := range lookups {
		if err := w.Store.UpsertParameterRow(ctx, domain.ParameterRow{
			GroupID: w.GroupID, Lookup: l.Lookup, SourceTable: rec.Table.Name, SourceKey: key,
			BucketParameters: l.BucketParameters,
		}); err != nil {
			return errors.Trace(err)
		}
		w.markLookupUpdated(l.Lookup)
	}
	return nil
}

func (w *Writer) markLookupUpdated(lookup string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.updatedLookups[lookup] = struct{}{}
}

// TakeUpdatedLookups returns and clears the set of parameter-lookup keys
// touched since the last call, for component E's dynamic-bucket
// invalidation signal (spec.md §4.5).
func (w *Writer) TakeUpdatedLookups() map[string]struct{} {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := w.updatedLookups
	w.updatedLookups = make(map[string]struct{})
	return out
}

// assignAndAppend gives every op a fresh, ordered op id and appends them
// as one batch (spec.md §4.1: "Each emitted op gets a fresh op_id from
// A").
func (w *Writer) assignAndAppend(ctx context.Context, ops []domain.BucketOp) error {
	if len(ops) == 0 {
		return nil
	}
	for i := range ops {
		id, err := w.Store.NextOpID(ctx)
		if err != nil {
			return errors.Trace(err)
		}
		ops[i].OpID = id
		ops[i].Checksum = checksumOp(ops[i])
	}
	if err := w.Store.AppendBatch(ctx, ops); err != nil {
		return errors.Trace(err)
	}
	w.mu.Lock()
	w.pendingOps = append(w.pendingOps, ops...)
	w.mu.Unlock()
	return nil
}

// sortOps keeps REMOVE before PUT within one record's emission, which is
// cosmetic (ops already get strictly increasing ids in assignAndAppend)
// but makes diffs between runs of this code deterministic for tests.
func sortOps(ops []domain.BucketOp) {
	sort.SliceStable(ops, func(i, j int) bool {
		if ops[i].Op != ops[j].Op {
			return ops[i].Op == domain.OpRemove
		}
		return ops[i].Bucket < ops[j].Bucket
	})
}

func toDomainTable(t SourceTableID) domain.SourceTable {
	return domain.SourceTable{GroupID: t.GroupID, ConnectionID: t.ConnectionID, RelationID: t.RelationID, Schema: t.Schema, Name: t.Name}
}

// mergeToastColumns merges unchanged TOAST-placeholder columns from old
// into after, per spec.md §4.1. complete is false when after still has a
// placeholder column with nothing to merge from.
func mergeToastColumns(after map[string]any, old domain.CurrentData, hasOld bool) (map[string]any, bool) {
	merged := make(map[string]any, len(after))
	var oldValues map[string]any
	if hasOld {
		_ = json.Unmarshal(old.Data, &oldValues)
	}
	for k, v := range after {
		if _, isPlaceholder := v.(toastPlaceholder); isPlaceholder {
			if oldValues == nil {
				return nil, false
			}
			merged[k] = oldValues[k]
			continue
		}
		merged[k] = v
	}
	return merged, true
}
