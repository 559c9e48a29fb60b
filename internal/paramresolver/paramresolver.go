// Package paramresolver implements component E: resolving the set of
// buckets one connection sees at a given checkpoint from its verified
// request parameters, and tracking which buckets need rechecksumming.
package paramresolver

import (
	"context"

	"github.com/juju/errors"

	"github.com/forkmeplease/powersync-service/internal/domain"
	"github.com/forkmeplease/powersync-service/internal/obslog"
	"github.com/forkmeplease/powersync-service/internal/syncrules"
)

var logger = obslog.Get("paramresolver")

// MaxParameterQueryResults bounds queryDynamicBucketDescriptions. It is
// a fixed limit: config.SyncConfig's max_parameter_query_results is not
// read by this package.
const MaxParameterQueryResults = 1000

// Update is the result of re-resolving a connection's bucket set against
// a new checkpoint.
type Update struct {
	Buckets []string
	// UpdatedBuckets lists buckets whose membership or checksum may have
	// changed since the last call. InvalidateAll, when true, means the
	// caller must treat every bucket in Buckets as updated (the dynamic
	// set changed shape, so per-bucket diffing isn't meaningful).
	UpdatedBuckets []string
	InvalidateAll  bool
}

// Resolver is component E, scoped to one connection.
type Resolver struct {
	rules  syncrules.Rules
	params syncrules.RequestParameters

	static           map[string]struct{}
	dynamic          map[string]struct{}
	dynamicResolved  bool
	updatedStatic    map[string]struct{}
	lookupsOfInterest map[string]struct{}
}

// New builds a Resolver for one connection's request parameters. The
// set of parameter-lookup keys this connection's dynamic buckets depend
// on starts empty; Resolve recomputes it from rules.DynamicBucketNames
// whenever queryDynamicBucketDescriptions re-runs.
func New(rules syncrules.Rules, params syncrules.RequestParameters) *Resolver {
	static := make(map[string]struct{})
	for _, b := range rules.StaticBuckets() {
		static[b.Name] = struct{}{}
	}
	return &Resolver{
		rules:             rules,
		params:            params,
		static:            static,
		dynamic:           make(map[string]struct{}),
		updatedStatic:     make(map[string]struct{}),
		lookupsOfInterest: make(map[string]struct{}),
	}
}

// MarkStaticUpdated records that a static bucket was touched by the
// latest replication batch; the resolver maintains this exact set per
// spec.md §4.5 ("only buckets touched since the last checkpoint need
// rechecksum").
func (r *Resolver) MarkStaticUpdated(bucket string) {
	if _, ok := r.static[bucket]; ok {
		r.updatedStatic[bucket] = struct{}{}
	}
}

// Resolve recomputes this connection's bucket set at checkpoint,
// consulting updatedLookups (the replication batch's touched
// parameter-lookup keys) and invalidate (storage's
// invalidateParameterBuckets signal) to decide whether dynamic buckets
// need a fresh query.
func (r *Resolver) Resolve(ctx context.Context, checkpoint domain.OpID, updatedLookups map[string]struct{}, invalidate bool) (Update, error) {
	needsDynamicRefresh := !r.dynamicResolved || invalidate
	if !needsDynamicRefresh {
		for lookup := range updatedLookups {
			if _, ok := r.lookupsOfInterest[lookup]; ok {
				needsDynamicRefresh = true
				break
			}
		}
	}

	invalidateAll := false
	if needsDynamicRefresh {
		names, lookups, err := r.refreshDynamic(ctx, checkpoint)
		if err != nil {
			return Update{}, errors.Trace(err)
		}
		r.dynamic = names
		r.lookupsOfInterest = lookups
		r.dynamicResolved = true
		invalidateAll = true
	}

	all := make([]string, 0, len(r.static)+len(r.dynamic))
	for b := range r.static {
		all = append(all, b)
	}
	for b := range r.dynamic {
		all = append(all, b)
	}

	update := Update{Buckets: all, InvalidateAll: invalidateAll}
	if invalidateAll {
		update.UpdatedBuckets = append([]string(nil), all...)
	} else {
		for b := range r.updatedStatic {
			update.UpdatedBuckets = append(update.UpdatedBuckets, b)
		}
	}
	r.updatedStatic = make(map[string]struct{})
	return update, nil
}

func (r *Resolver) refreshDynamic(ctx context.Context, checkpoint domain.OpID) (map[string]struct{}, map[string]struct{}, error) {
	names, err := r.rules.QueryDynamicBucketDescriptions(r.params, checkpoint)
	if err != nil {
		return nil, nil, errors.Trace(err)
	}
	if len(names) > MaxParameterQueryResults {
		return nil, nil, errors.Annotatef(domain.ErrTooManyParameterResults, "got %d, limit %d", len(names), MaxParameterQueryResults)
	}
	set := make(map[string]struct{}, len(names))
	for _, n := range names {
		set[n] = struct{}{}
	}
	lookups := make(map[string]struct{})
	for _, name := range r.rules.DynamicBucketNames() {
		lookups[name] = struct{}{}
	}
	return set, lookups, nil
}
