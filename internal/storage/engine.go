package storage

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/juju/clock"
	"github.com/juju/errors"

	_ "github.com/mattn/go-sqlite3"

	"github.com/forkmeplease/powersync-service/internal/domain"
	"github.com/forkmeplease/powersync-service/internal/oplog"
	"github.com/forkmeplease/powersync-service/internal/syncstream"
)

// Engine is the concrete storage adapter. It implements oplog.OpLog plus
// the CurrentData/ParameterRow/checkpoint operations the replication
// batch writer and checkpoint watcher need. A single Engine is shared by
// every component that touches durable state; internal statement-level
// locking is left to the underlying SQL engine, with retry() absorbing
// transient busy errors.
type Engine struct {
	db    *sql.DB
	clock clock.Clock

	notify chan struct{} // closed-and-replaced to fan out checkpoint changes
}

var _ oplog.OpLog = (*Engine)(nil)

// Open opens a SQLite-backed engine at dsn and ensures the schema exists.
// This is the default single-node storage backend.
func Open(ctx context.Context, dsn string, clk clock.Clock) (*Engine, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errors.Annotate(err, "opening sqlite storage")
	}
	db.SetMaxOpenConns(1) // sqlite3 driver is not safe for concurrent writers
	return newEngine(ctx, db, clk)
}

func newEngine(ctx context.Context, db *sql.DB, clk clock.Clock) (*Engine, error) {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return nil, errors.Annotate(err, "applying storage schema")
	}
	return &Engine{db: db, clock: clk, notify: make(chan struct{})}, nil
}

// Close releases the underlying database handle.
func (e *Engine) Close() error { return e.db.Close() }

// Notify returns a channel that is closed whenever a checkpoint commits.
// Component D (checkpoint watcher) treats this as its single upstream
// subscription source; callers must re-fetch Notify after each close to
// keep observing future commits.
func (e *Engine) Notify() <-chan struct{} { return e.notify }

func (e *Engine) fireNotify() {
	old := e.notify
	e.notify = make(chan struct{})
	close(old)
}

// NextOpID implements oplog.OpLog.
func (e *Engine) NextOpID(ctx context.Context) (domain.OpID, error) {
	return e.nextOpIDForGroup(ctx, "default")
}

func (e *Engine) nextOpIDForGroup(ctx context.Context, groupID string) (domain.OpID, error) {
	var next int64
	err := withRetry(ctx, e.clock, func() error {
		return txn(ctx, e.db, func(ctx context.Context, tx *sql.Tx) error {
			row := tx.QueryRowContext(ctx, `SELECT next_op FROM op_sequence WHERE group_id = ?`, groupID)
			if err := row.Scan(&next); errors.Is(err, sql.ErrNoRows) {
				next = 1
				_, err = tx.ExecContext(ctx, `INSERT INTO op_sequence (group_id, next_op) VALUES (?, ?)`, groupID, next+1)
				return errors.Trace(err)
			} else if err != nil {
				return errors.Trace(err)
			}
			_, err := tx.ExecContext(ctx, `UPDATE op_sequence SET next_op = ? WHERE group_id = ?`, next+1, groupID)
			return errors.Trace(err)
		})
	})
	if err != nil {
		return 0, errors.Trace(err)
	}
	return domain.OpID(next), nil
}

// Append implements oplog.OpLog.
func (e *Engine) Append(ctx context.Context, op domain.BucketOp) error {
	return e.AppendBatch(ctx, []domain.BucketOp{op})
}

// AppendBatch implements oplog.OpLog.
func (e *Engine) AppendBatch(ctx context.Context, ops []domain.BucketOp) error {
	if len(ops) == 0 {
		return nil
	}
	err := withRetry(ctx, e.clock, func() error {
		return txn(ctx, e.db, func(ctx context.Context, tx *sql.Tx) error {
			stmt, err := tx.PrepareContext(ctx, `
				INSERT INTO bucket_data
					(group_id, bucket, op_id, op, row_id, object_type, object_id, subkey, checksum, data, target_op)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
			if err != nil {
				return errors.Trace(err)
			}
			defer stmt.Close()
			for _, op := range ops {
				if _, err := stmt.ExecContext(ctx, op.GroupID, op.Bucket, uint64(op.OpID), string(op.Op),
					op.RowID, op.ObjectType, op.ObjectID, op.Subkey, op.Checksum, op.Data, uint64(op.TargetOp)); err != nil {
					return errors.Annotatef(err, "appending op %d to bucket %q", op.OpID, op.Bucket)
				}
			}
			return nil
		})
	})
	return errors.Trace(err)
}

// Scan implements oplog.OpLog.
func (e *Engine) Scan(ctx context.Context, groupID, bucket string, start, end domain.OpID, limit int) (oplog.Iterator, error) {
	q := `SELECT op_id, op, row_id, object_type, object_id, subkey, checksum, data, target_op
	      FROM bucket_data
	      WHERE group_id = ? AND bucket = ? AND op_id > ? AND op_id <= ?
	      ORDER BY op_id ASC`
	args := []any{groupID, bucket, uint64(start), uint64(end)}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := e.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, errors.Annotate(err, "scanning bucket_data")
	}
	return &rowIterator{rows: rows, groupID: groupID, bucket: bucket}, nil
}

type rowIterator struct {
	rows          *sql.Rows
	groupID       string
	bucket        string
	current       domain.BucketOp
	err           error
}

func (it *rowIterator) Next(ctx context.Context) bool {
	if it.err != nil || !it.rows.Next() {
		return false
	}
	var opID, targetOp uint64
	var opType string
	op := domain.BucketOp{GroupID: it.groupID, Bucket: it.bucket}
	if it.err = it.rows.Scan(&opID, &opType, &op.RowID, &op.ObjectType, &op.ObjectID, &op.Subkey, &op.Checksum, &op.Data, &targetOp); it.err != nil {
		return false
	}
	op.OpID = domain.OpID(opID)
	op.Op = domain.OpType(opType)
	op.TargetOp = domain.OpID(targetOp)
	it.current = op
	return true
}

func (it *rowIterator) Op() domain.BucketOp { return it.current }
func (it *rowIterator) Err() error {
	if it.err != nil {
		return it.err
	}
	return it.rows.Err()
}
func (it *rowIterator) Close() error { return it.rows.Close() }

// SumChecksum implements oplog.OpLog.
func (e *Engine) SumChecksum(ctx context.Context, groupID, bucket string, start, end domain.OpID) (oplog.ChecksumSum, error) {
	row := e.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(checksum), 0), COALESCE(SUM(CASE WHEN op = 'CLEAR' THEN 1 ELSE 0 END), 0)
		FROM bucket_data
		WHERE group_id = ? AND bucket = ? AND op_id > ? AND op_id <= ?`,
		groupID, bucket, uint64(start), uint64(end))
	var count, clears int64
	var sum int64
	if err := row.Scan(&count, &sum, &clears); err != nil {
		return oplog.ChecksumSum{}, errors.Annotate(err, "summing bucket checksum")
	}
	return oplog.ChecksumSum{
		Count:    count,
		Checksum: int32(sum), // truncation is intentional: 32-bit two's complement wraparound (invariant 2)
		HasClear: clears > 0,
	}, nil
}

// UpsertCurrentData writes the latest serialized form of a row.
func (e *Engine) UpsertCurrentData(ctx context.Context, cd domain.CurrentData) error {
	buckets, err := json.Marshal(cd.Buckets)
	if err != nil {
		return errors.Trace(err)
	}
	lookups, err := json.Marshal(cd.Lookups)
	if err != nil {
		return errors.Trace(err)
	}
	return withRetry(ctx, e.clock, func() error {
		return txn(ctx, e.db, func(ctx context.Context, tx *sql.Tx) error {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO current_data (group_id, source_table, source_key, data, buckets, lookups)
				VALUES (?, ?, ?, ?, ?, ?)
				ON CONFLICT(group_id, source_table, source_key)
				DO UPDATE SET data = excluded.data, buckets = excluded.buckets, lookups = excluded.lookups`,
				cd.GroupID, cd.SourceTable, cd.SourceKey, cd.Data, buckets, lookups)
			return errors.Trace(err)
		})
	})
}

// DeleteCurrentData removes CurrentData for one row, per invariant 5.
func (e *Engine) DeleteCurrentData(ctx context.Context, groupID, sourceTable, sourceKey string) error {
	return withRetry(ctx, e.clock, func() error {
		return txn(ctx, e.db, func(ctx context.Context, tx *sql.Tx) error {
			_, err := tx.ExecContext(ctx, `DELETE FROM current_data WHERE group_id = ? AND source_table = ? AND source_key = ?`,
				groupID, sourceTable, sourceKey)
			return errors.Trace(err)
		})
	})
}

// GetCurrentData fetches CurrentData for a row, or (CurrentData{}, false)
// if it doesn't currently satisfy any data query (invariant 5).
func (e *Engine) GetCurrentData(ctx context.Context, groupID, sourceTable, sourceKey string) (domain.CurrentData, bool, error) {
	row := e.db.QueryRowContext(ctx, `SELECT data, buckets, lookups FROM current_data WHERE group_id = ? AND source_table = ? AND source_key = ?`,
		groupID, sourceTable, sourceKey)
	cd := domain.CurrentData{GroupID: groupID, SourceTable: sourceTable, SourceKey: sourceKey}
	var bucketsRaw, lookupsRaw []byte
	if err := row.Scan(&cd.Data, &bucketsRaw, &lookupsRaw); errors.Is(err, sql.ErrNoRows) {
		return domain.CurrentData{}, false, nil
	} else if err != nil {
		return domain.CurrentData{}, false, errors.Trace(err)
	}
	if err := json.Unmarshal(bucketsRaw, &cd.Buckets); err != nil {
		return domain.CurrentData{}, false, errors.Trace(err)
	}
	if err := json.Unmarshal(lookupsRaw, &cd.Lookups); err != nil {
		return domain.CurrentData{}, false, errors.Trace(err)
	}
	return cd, true, nil
}

// ScanCurrentDataByTable returns up to domain.TruncateBatchSize
// CurrentData rows for a source table, used by TRUNCATE handling.
func (e *Engine) ScanCurrentDataByTable(ctx context.Context, groupID, sourceTable string) ([]domain.CurrentData, error) {
	rows, err := e.db.QueryContext(ctx, `
		SELECT source_key, data, buckets, lookups FROM current_data
		WHERE group_id = ? AND source_table = ? LIMIT ?`,
		groupID, sourceTable, domain.TruncateBatchSize)
	if err != nil {
		return nil, errors.Trace(err)
	}
	defer rows.Close()

	var out []domain.CurrentData
	for rows.Next() {
		cd := domain.CurrentData{GroupID: groupID, SourceTable: sourceTable}
		var bucketsRaw, lookupsRaw []byte
		if err := rows.Scan(&cd.SourceKey, &cd.Data, &bucketsRaw, &lookupsRaw); err != nil {
			return nil, errors.Trace(err)
		}
		if err := json.Unmarshal(bucketsRaw, &cd.Buckets); err != nil {
			return nil, errors.Trace(err)
		}
		if err := json.Unmarshal(lookupsRaw, &cd.Lookups); err != nil {
			return nil, errors.Trace(err)
		}
		out = append(out, cd)
	}
	return out, errors.Trace(rows.Err())
}

// UpsertParameterRow inserts or replaces one parameter lookup row.
func (e *Engine) UpsertParameterRow(ctx context.Context, p domain.ParameterRow) error {
	params, err := json.Marshal(p.BucketParameters)
	if err != nil {
		return errors.Trace(err)
	}
	return withRetry(ctx, e.clock, func() error {
		return txn(ctx, e.db, func(ctx context.Context, tx *sql.Tx) error {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO bucket_parameters (group_id, lookup, source_table, source_key, id, bucket_parameters)
				VALUES (?, ?, ?, ?, ?, ?)
				ON CONFLICT(group_id, lookup, source_table, source_key)
				DO UPDATE SET bucket_parameters = excluded.bucket_parameters`,
				p.GroupID, p.Lookup, p.SourceTable, p.SourceKey, p.ID, params)
			return errors.Trace(err)
		})
	})
}

// DeleteParameterRow removes one parameter lookup row.
func (e *Engine) DeleteParameterRow(ctx context.Context, groupID, lookup, sourceTable, sourceKey string) error {
	return withRetry(ctx, e.clock, func() error {
		return txn(ctx, e.db, func(ctx context.Context, tx *sql.Tx) error {
			_, err := tx.ExecContext(ctx, `DELETE FROM bucket_parameters WHERE group_id = ? AND lookup = ? AND source_table = ? AND source_key = ?`,
				groupID, lookup, sourceTable, sourceKey)
			return errors.Trace(err)
		})
	})
}

// LookupParameterRows returns every ParameterRow indexed under lookup.
func (e *Engine) LookupParameterRows(ctx context.Context, groupID, lookup string) ([]domain.ParameterRow, error) {
	rows, err := e.db.QueryContext(ctx, `SELECT source_table, source_key, id, bucket_parameters FROM bucket_parameters WHERE group_id = ? AND lookup = ?`,
		groupID, lookup)
	if err != nil {
		return nil, errors.Trace(err)
	}
	defer rows.Close()
	var out []domain.ParameterRow
	for rows.Next() {
		p := domain.ParameterRow{GroupID: groupID, Lookup: lookup}
		var raw []byte
		if err := rows.Scan(&p.SourceTable, &p.SourceKey, &p.ID, &raw); err != nil {
			return nil, errors.Trace(err)
		}
		if err := json.Unmarshal(raw, &p.BucketParameters); err != nil {
			return nil, errors.Trace(err)
		}
		out = append(out, p)
	}
	return out, errors.Trace(rows.Err())
}

// SyncRulesStatus returns the durable sync_rules row for id.
func (e *Engine) SyncRulesStatus(ctx context.Context, id string) (domain.SyncRulesStatus, error) {
	row := e.db.QueryRowContext(ctx, `
		SELECT state, last_checkpoint, last_checkpoint_lsn, no_checkpoint_before, keepalive_op, snapshot_lsn, snapshot_done, last_fatal_error
		FROM sync_rules WHERE id = ?`, id)
	var s domain.SyncRulesStatus
	s.ID = id
	var state string
	var lastCheckpoint, keepalive uint64
	var snapshotDone int
	if err := row.Scan(&state, &lastCheckpoint, &s.LastCheckpointLSN, &s.NoCheckpointBefore, &keepalive, &s.SnapshotLSN, &snapshotDone, &s.LastFatalError); errors.Is(err, sql.ErrNoRows) {
		return domain.SyncRulesStatus{}, errors.Trace(domain.ErrNoActiveSyncRules)
	} else if err != nil {
		return domain.SyncRulesStatus{}, errors.Trace(err)
	}
	s.State = domain.SyncRulesState(state)
	s.LastCheckpoint = domain.OpID(lastCheckpoint)
	s.KeepaliveOp = domain.OpID(keepalive)
	s.SnapshotDone = snapshotDone != 0
	return s, nil
}

// UpsertSyncRulesStatus writes the full sync_rules row.
func (e *Engine) UpsertSyncRulesStatus(ctx context.Context, s domain.SyncRulesStatus) error {
	err := withRetry(ctx, e.clock, func() error {
		return txn(ctx, e.db, func(ctx context.Context, tx *sql.Tx) error {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO sync_rules (id, state, last_checkpoint, last_checkpoint_lsn, no_checkpoint_before, keepalive_op, snapshot_lsn, snapshot_done, last_fatal_error)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
				ON CONFLICT(id) DO UPDATE SET
					state = excluded.state,
					last_checkpoint = excluded.last_checkpoint,
					last_checkpoint_lsn = excluded.last_checkpoint_lsn,
					no_checkpoint_before = excluded.no_checkpoint_before,
					keepalive_op = excluded.keepalive_op,
					snapshot_lsn = excluded.snapshot_lsn,
					snapshot_done = excluded.snapshot_done,
					last_fatal_error = excluded.last_fatal_error`,
				s.ID, string(s.State), uint64(s.LastCheckpoint), s.LastCheckpointLSN, s.NoCheckpointBefore,
				uint64(s.KeepaliveOp), s.SnapshotLSN, boolToInt(s.SnapshotDone), s.LastFatalError)
			return errors.Trace(err)
		})
	})
	if err != nil {
		return errors.Trace(err)
	}
	if s.State == domain.SyncRulesActive {
		e.fireNotify()
	}
	return nil
}

// CurrentCheckpoint returns the latest committed checkpoint for the
// active sync rules version id, satisfying checkpointwatcher.Upstream.
func (e *Engine) CurrentCheckpoint(ctx context.Context, id string) (domain.Checkpoint, error) {
	status, err := e.SyncRulesStatus(ctx, id)
	if err != nil {
		return domain.Checkpoint{}, errors.Trace(err)
	}
	return domain.Checkpoint{CheckpointOpID: status.LastCheckpoint, LSN: status.LastCheckpointLSN}, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// DB exposes the underlying handle for callers that need raw SQL access
// outside this package's curated operations.
func (e *Engine) DB() *sql.DB { return e.db }

// bucketDataBatchSize bounds how many ops a single GetBucketDataBatch
// call returns per bucket, so one connection can't monopolize the
// engine scanning an enormous backlog in one round trip.
const bucketDataBatchSize = 500

// GetBucketDataBatch implements syncstream.BatchSource, scoped to one
// sync-rules group (one connection == one group): for each bucket in
// positions (bucket -> last-delivered op_id), it scans
// (position, checkpoint] up to bucketDataBatchSize ops.
func (e *Engine) GetBucketDataBatch(ctx context.Context, groupID string, checkpoint domain.OpID, positions map[string]domain.OpID) ([]syncstream.BucketBatch, error) {
	out := make([]syncstream.BucketBatch, 0, len(positions))
	for bucket, after := range positions {
		rows, err := e.db.QueryContext(ctx, `
			SELECT op_id, op, row_id, object_type, object_id, subkey, checksum, data, target_op
			FROM bucket_data
			WHERE group_id = ? AND bucket = ? AND op_id > ? AND op_id <= ?
			ORDER BY op_id ASC LIMIT ?`,
			groupID, bucket, uint64(after), uint64(checkpoint), bucketDataBatchSize+1)
		if err != nil {
			return nil, errors.Annotatef(err, "fetching bucket data batch for %q", bucket)
		}
		batch, err := scanBucketBatch(rows, groupID, bucket, after)
		if err != nil {
			return nil, errors.Trace(err)
		}
		out = append(out, batch)
	}
	return out, nil
}

func scanBucketBatch(rows *sql.Rows, groupID, bucket string, after domain.OpID) (syncstream.BucketBatch, error) {
	defer rows.Close()
	batch := syncstream.BucketBatch{Bucket: bucket, NextAfter: after}
	var targetOp domain.OpID
	for rows.Next() {
		if len(batch.Ops) >= bucketDataBatchSize {
			batch.HasMore = true
			break
		}
		var opID, tOp uint64
		var opType string
		op := domain.BucketOp{GroupID: groupID, Bucket: bucket}
		if err := rows.Scan(&opID, &opType, &op.RowID, &op.ObjectType, &op.ObjectID, &op.Subkey, &op.Checksum, &op.Data, &tOp); err != nil {
			return syncstream.BucketBatch{}, errors.Trace(err)
		}
		op.OpID = domain.OpID(opID)
		op.Op = domain.OpType(opType)
		op.TargetOp = domain.OpID(tOp)
		batch.Ops = append(batch.Ops, op)
		batch.NextAfter = op.OpID
		if op.TargetOp > targetOp {
			targetOp = op.TargetOp
		}
	}
	batch.TargetOp = targetOp
	return batch, errors.Trace(rows.Err())
}
