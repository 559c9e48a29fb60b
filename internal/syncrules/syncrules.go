// Package syncrules specifies the evaluator contract the replication
// batch writer and the bucket parameter resolver depend on. The DSL that
// compiles a sync-rules document into a Rules value is explicitly out of
// scope (spec.md §1); only the contract is specified here.
package syncrules

import (
	"github.com/forkmeplease/powersync-service/internal/domain"
)

// SourceRow is the input to a data or parameter query: a single
// replicated row, before or after a change.
type SourceRow struct {
	Table  domain.SourceTable
	Values map[string]any
}

// DataQueryResult is one {bucket, row_id, payload} output of evaluating
// a data query over a row (spec.md §4.1).
type DataQueryResult struct {
	Bucket     string
	RowID      string
	ObjectType string
	ObjectID   string
	Subkey     string
	Payload    []byte
}

// ParameterLookup is one (lookup, bucket_parameters) pair a parameter
// query produces for a row.
type ParameterLookup struct {
	Lookup           string
	BucketParameters map[string]any
}

// BucketDefinition is one static or dynamic bucket definition along with
// its priority and whether it requires parameters to resolve.
type BucketDefinition struct {
	Name     string
	Priority domain.Priority
	Dynamic  bool
}

// Rules is the evaluator contract a compiled sync-rules version must
// satisfy. A concrete implementation is produced by the out-of-scope DSL
// compiler; the pipeline only ever calls through this interface.
type Rules interface {
	// Version identifies this compiled rules document.
	Version() string

	// StaticBuckets lists buckets that exist independent of any
	// parameter query.
	StaticBuckets() []BucketDefinition

	// DynamicBucketNames lists the parameter-lookup keys any dynamic
	// bucket depends on, used by the resolver's coarse invalidation
	// check (spec.md §4.5).
	DynamicBucketNames() []string

	// EvaluateDataQueries evaluates every data query against row,
	// returning the bucket/row_id/payload tuples it belongs to.
	EvaluateDataQueries(row SourceRow) ([]DataQueryResult, error)

	// EvaluateParameterQueries evaluates every parameter query against
	// row, returning the lookup keys it should be indexed under.
	EvaluateParameterQueries(row SourceRow) ([]ParameterLookup, error)

	// QueryDynamicBucketDescriptions resolves a client's parameter set
	// into concrete dynamic bucket names at the given checkpoint. This
	// is the expensive re-run path component E falls back to when a
	// coarse invalidation signal fires (spec.md §4.5).
	QueryDynamicBucketDescriptions(params RequestParameters, checkpoint domain.OpID) ([]string, error)
}

// RequestParameters is the parameter set derived from a verified JWT
// (spec.md §4.5): claims plus any client-supplied request parameters the
// sync rules are allowed to reference.
type RequestParameters struct {
	UserID string
	Claims map[string]any
	Params map[string]any
}
