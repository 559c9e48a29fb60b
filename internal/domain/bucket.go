package domain

import (
	"fmt"
	"strings"
)

// OpID is an opaque, strictly monotonic 64-bit identifier assigned by the
// operation log (component A). It is always encoded as a decimal string
// on the wire so JSON's float64 precision never clips it (spec.md §9).
type OpID uint64

// String renders the op id the way every wire payload flavor expects it.
func (o OpID) String() string {
	return fmt.Sprintf("%d", uint64(o))
}

// OpType is one of the four bucket operation kinds.
type OpType string

const (
	OpPut    OpType = "PUT"
	OpRemove OpType = "REMOVE"
	OpMove   OpType = "MOVE"
	OpClear  OpType = "CLEAR"
)

// Priority is an integer 0..3; 0 ships first within a checkpoint.
type Priority int

const (
	PriorityHighest Priority = 0
	PriorityLowest  Priority = 3
)

// Valid reports whether p is one of the four defined priority levels.
func (p Priority) Valid() bool { return p >= PriorityHighest && p <= PriorityLowest }

// BucketOp is one row of a bucket's operation log, uniquely keyed by
// (group_id, bucket_name, op_id) (spec.md §3).
type BucketOp struct {
	GroupID    string
	Bucket     string
	OpID       OpID
	Op         OpType
	RowID      string // source row id; empty for CLEAR
	ObjectType string
	ObjectID   string
	Subkey     string
	Checksum   int32
	Data       []byte // nil for REMOVE/CLEAR
	TargetOp   OpID   // set for MOVE/CLEAR: ops at or below this id are absorbed
}

// Checksum32 returns the op's stored 32-bit checksum, the value additive
// composition sums (invariant 2 in spec.md §3). It computes nothing
// itself; the batch writer fills Checksum when it creates the op.
func (op BucketOp) Checksum32() int32 { return op.Checksum }

// Checkpoint is {checkpoint: op_id, lsn: source_position} (spec.md §3).
type Checkpoint struct {
	CheckpointOpID OpID
	LSN            string
}

// BucketChecksum is {bucket, count, checksum} (spec.md §3).
type BucketChecksum struct {
	Bucket   string
	Count    int64
	Checksum int32
	Priority Priority
	// IsFull marks a checksum that is full from zero (its range starts at
	// op 0, or it contains a CLEAR) rather than a true partial range
	// (spec.md invariant 3).
	IsFull bool
}

// Add composes two adjacent checksum ranges per invariant 2:
// checksum(a,c) = checksum(a,b) + checksum(b,c) mod 2^32, counts add the
// same way. A CLEAR anywhere in the composed range makes the result full.
func (b BucketChecksum) Add(next BucketChecksum) BucketChecksum {
	return BucketChecksum{
		Bucket:   b.Bucket,
		Count:    b.Count + next.Count,
		Checksum: b.Checksum + next.Checksum, // wraps mod 2^32 by Go's int32 overflow semantics
		Priority: next.Priority,
		IsFull:   b.IsFull || next.IsFull,
	}
}

// ParameterRow is keyed by (lookup, source_table, source_key) with
// associated bucket_parameters; it drives dynamic bucket queries
// (spec.md §3).
type ParameterRow struct {
	GroupID          string
	Lookup           string
	SourceTable      string
	SourceKey        string
	ID               string
	BucketParameters map[string]any
}

// CurrentData is the latest serialized form of a replicated row, the
// buckets it currently belongs to, and its parameter-lookup keys
// (spec.md §3). Exists iff the row currently satisfies some data query
// (invariant 5).
type CurrentData struct {
	GroupID     string
	SourceTable string
	SourceKey   string
	Data        []byte
	Buckets     []BucketMembership
	Lookups     [][]byte
}

// BucketMembership is one entry of CurrentData.Buckets.
type BucketMembership struct {
	Bucket string
	Table  string
	ID     string
}

// SourceTable identifies a replicated source relation (spec.md §3).
type SourceTable struct {
	GroupID          string
	ConnectionID     string
	RelationID       string
	Schema           string
	Name             string
	ReplicaIDColumns []string
}

// Identity returns the comparable identity tuple, replica id columns
// included; SourceTable rows with a differing identity are considered
// "dropped" in the same transaction that introduces the new one
// (spec.md §3).
func (t SourceTable) Identity() [6]string {
	return [6]string{t.GroupID, t.ConnectionID, t.RelationID, t.Schema, t.Name, strings.Join(t.ReplicaIDColumns, "\x00")}
}

// SyncRulesState is the lifecycle of one sync-rules deployment
// (spec.md §3).
type SyncRulesState string

const (
	SyncRulesProcessing SyncRulesState = "PROCESSING"
	SyncRulesActive     SyncRulesState = "ACTIVE"
	SyncRulesStop       SyncRulesState = "STOP"
	SyncRulesErrored    SyncRulesState = "ERRORED"
	SyncRulesTerminated SyncRulesState = "TERMINATED"
)

// SyncRulesStatus is the durable row tracking one sync-rules version's
// replication progress (spec.md §6 durable state layout: sync_rules).
type SyncRulesStatus struct {
	ID                string
	State             SyncRulesState
	LastCheckpoint    OpID
	LastCheckpointLSN string
	NoCheckpointBefore string
	KeepaliveOp       OpID
	SnapshotLSN       string
	SnapshotDone      bool
	LastFatalError    string
}
