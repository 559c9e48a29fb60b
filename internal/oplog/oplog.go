// Package oplog defines the contract of component A of the sync
// pipeline: the operation log and id sequence, which assigns monotonic
// op ids and persists (bucket, op_id, op, row_id, checksum, data) rows.
// This package holds only the interface; the storage engine in
// internal/storage implements it.
package oplog

import (
	"context"

	"github.com/forkmeplease/powersync-service/internal/domain"
)

// ChecksumSum is the result of summing checksums over a bucket range
// (spec.md §4.2: sumChecksum).
type ChecksumSum struct {
	Count    int64
	Checksum int32
	HasClear bool
}

// Iterator walks BucketOps in ascending op_id order.
type Iterator interface {
	// Next advances the iterator. It returns false when exhausted or on
	// error; check Err() after Next returns false.
	Next(ctx context.Context) bool
	Op() domain.BucketOp
	Err() error
	Close() error
}

// OpLog is the contract component A exposes to the rest of the pipeline.
type OpLog interface {
	// NextOpID is strictly monotonic across the process; persisted so
	// restarts don't regress (spec.md §4.2).
	NextOpID(ctx context.Context) (domain.OpID, error)

	// Append persists one bucket op. Callers must have obtained op.OpID
	// from NextOpID (or reserved a contiguous range) before calling.
	Append(ctx context.Context, op domain.BucketOp) error

	// AppendBatch persists many ops as a single storage-level unit; used
	// by the batch writer's per-transaction flush.
	AppendBatch(ctx context.Context, ops []domain.BucketOp) error

	// Scan returns ops for bucket with start < op_id <= end, ascending,
	// capped at limit (0 means unlimited).
	Scan(ctx context.Context, groupID, bucket string, start, end domain.OpID, limit int) (Iterator, error)

	// SumChecksum computes the additive checksum over (start, end] for
	// bucket, flagging any CLEAR encountered (spec.md §4.2, §4.3).
	SumChecksum(ctx context.Context, groupID, bucket string, start, end domain.OpID) (ChecksumSum, error)
}
