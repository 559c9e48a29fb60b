// Package domain holds the types and sentinel errors shared by every
// sync-pipeline component: buckets, checkpoints, sync rules and the
// error taxonomy they raise.
package domain

import "github.com/juju/errors"

// Auth errors (spec taxonomy §7).
var (
	ErrAudMismatch         = errors.New("token audience does not overlap configured audience")
	ErrTokenExpired        = errors.New("token expired")
	ErrAlgMismatch         = errors.New("token algorithm does not match key algorithm")
	ErrKeyNotFound         = errors.New("no matching signing key found")
	ErrMaxLifetimeExceeded = errors.New("token lifetime exceeds configured maximum")
	ErrMissingClaim        = errors.New("token is missing a required claim")
	ErrJWKSFetchFailed     = errors.New("fetching remote JWKS failed")
)

// Replication errors.
var (
	ErrRowTooLarge        = errors.New("row serialization exceeds maximum size")
	ErrReplicationSlotGone = errors.New("replication slot is missing")
	ErrMaxTxRetries       = errors.New("exceeded maximum transaction retries")
	ErrAssertion          = errors.New("internal invariant violated")
)

// Sync errors.
var (
	ErrTooManyBuckets          = errors.New("too many buckets requested for this connection")
	ErrTooManyParameterResults = errors.New("too many parameter query results")
	ErrSyncLockTimeout         = errors.New("timed out waiting for a data-fetch slot")
	ErrNoActiveSyncRules       = errors.New("no active sync rules")
	ErrLastRunMigrationUnknown = errors.New("last run migration version is unknown")
)

// Storage errors.
var (
	ErrCheckpointNotFound = errors.New("checkpoint not found")
	ErrFatalStorage       = errors.New("fatal storage error")
)

// MaxRowSizeBytes is the size ceiling from spec.md §4.1: a single row
// serialization at or above this size is rejected with ErrRowTooLarge
// and replaced by an empty-column placeholder so streaming doesn't wedge.
const MaxRowSizeBytes = 15 * 1024 * 1024

// TruncateBatchSize is the fixed batch size TRUNCATE scanning uses to
// avoid holding the whole table's CurrentData in memory at once.
const TruncateBatchSize = 2000

// MaxTxRetries and MaxTxRetryWindow bound the batch writer's flush retry
// loop (spec.md §4.1, §5).
const (
	MaxTxRetries     = 20
	MaxTxRetryWindow = 90 // seconds
)
