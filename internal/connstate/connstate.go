// Package connstate implements component F: per-connection checkpoint
// state — the last checksums sent to one client, its per-bucket fetch
// positions, and the set of buckets still mid-delivery.
package connstate

import (
	"context"
	"sort"

	"github.com/juju/errors"

	"github.com/forkmeplease/powersync-service/internal/checksumcache"
	"github.com/forkmeplease/powersync-service/internal/domain"
	"github.com/forkmeplease/powersync-service/internal/paramresolver"
)

// MaxBucketsPerConnection bounds buildNextCheckpointLine's fetch set
// (spec.md §4.6). It is a fixed limit: config.SyncConfig's
// max_buckets_per_connection is not read by this package.
const MaxBucketsPerConnection = 1000

// StorageUpdate is one upstream checkpoint notification, carrying enough
// context for the resolver to decide whether dynamic buckets changed.
type StorageUpdate struct {
	Checkpoint        domain.Checkpoint
	UpdatedLookups    map[string]struct{}
	InvalidateBuckets bool
}

// Line is the result of one buildNextCheckpointLine call: either "no
// line" (Empty) or a Checkpoint/Diff frame plus the buckets to fetch
// data for.
type Line struct {
	Empty bool

	IsFirst         bool
	LastOpID        domain.OpID
	WriteCheckpoint string
	Full            []domain.BucketChecksum // populated when IsFirst
	Updated         []domain.BucketChecksum // populated on diffs
	Removed         []string

	BucketsToFetch []string
}

// State is component F, scoped to one connection.
type State struct {
	groupID string
	cache   *checksumcache.Cache
	params  *paramresolver.Resolver

	lastChecksums       map[string]domain.BucketChecksum
	lastWriteCheckpoint string
	bucketDataPositions map[string]domain.OpID
	pendingDownloads    map[string]struct{}
}

// New builds connection state seeded with the client-supplied initial
// bucket positions (bucket name -> last-seen op_id), if any.
func New(groupID string, cache *checksumcache.Cache, params *paramresolver.Resolver, initialPositions map[string]domain.OpID) *State {
	positions := make(map[string]domain.OpID, len(initialPositions))
	for k, v := range initialPositions {
		positions[k] = v
	}
	return &State{
		groupID:             groupID,
		cache:               cache,
		params:              params,
		bucketDataPositions: positions,
		pendingDownloads:    make(map[string]struct{}),
	}
}

// BuildNextCheckpointLine implements spec.md §4.6's primary operation.
func (s *State) BuildNextCheckpointLine(ctx context.Context, update StorageUpdate) (Line, error) {
	resolved, err := s.params.Resolve(ctx, update.Checkpoint.CheckpointOpID, update.UpdatedLookups, update.InvalidateBuckets)
	if err != nil {
		return Line{}, errors.Trace(err)
	}

	unchanged := update.Checkpoint.LSN == s.lastWriteCheckpoint && len(resolved.UpdatedBuckets) == 0 && s.lastChecksums != nil
	if unchanged {
		return Line{Empty: true}, nil
	}

	toFetch := s.bucketsNeedingFetch(resolved)
	if len(toFetch) > MaxBucketsPerConnection {
		return Line{}, errors.Annotatef(domain.ErrTooManyBuckets, "got %d, limit %d", len(toFetch), MaxBucketsPerConnection)
	}

	changed, err := s.computeChecksums(ctx, update.Checkpoint.CheckpointOpID, resolved)
	if err != nil {
		return Line{}, errors.Trace(err)
	}

	line := s.diffAgainstLast(update.Checkpoint, changed, resolved.Buckets)
	line.BucketsToFetch = toFetch

	s.lastWriteCheckpoint = update.Checkpoint.LSN
	s.pendingDownloads = make(map[string]struct{}, len(toFetch))
	for _, b := range toFetch {
		s.pendingDownloads[b] = struct{}{}
	}
	return line, nil
}

// bucketsNeedingFetch is union(updated buckets, previously pending
// buckets that still exist) per spec.md §4.6 step 5.
func (s *State) bucketsNeedingFetch(resolved paramresolver.Update) []string {
	live := make(map[string]struct{}, len(resolved.Buckets))
	for _, b := range resolved.Buckets {
		live[b] = struct{}{}
	}
	set := make(map[string]struct{})
	for _, b := range resolved.UpdatedBuckets {
		set[b] = struct{}{}
	}
	for b := range s.pendingDownloads {
		if _, ok := live[b]; ok {
			set[b] = struct{}{}
		}
	}
	out := make([]string, 0, len(set))
	for b := range set {
		out = append(out, b)
	}
	sort.Strings(out)
	return out
}

func (s *State) computeChecksums(ctx context.Context, checkpoint domain.OpID, resolved paramresolver.Update) (map[string]domain.BucketChecksum, error) {
	out := make(map[string]domain.BucketChecksum, len(resolved.Buckets))
	needFetch := make([]string, 0)
	needFetchSet := make(map[string]struct{})
	if resolved.InvalidateAll {
		needFetch = append(needFetch, resolved.Buckets...)
	} else {
		updated := make(map[string]struct{}, len(resolved.UpdatedBuckets))
		for _, b := range resolved.UpdatedBuckets {
			updated[b] = struct{}{}
		}
		for _, b := range resolved.Buckets {
			if cached, ok := s.lastChecksums[b]; ok {
				if _, isUpdated := updated[b]; !isUpdated {
					out[b] = cached
					continue
				}
			}
			if _, seen := needFetchSet[b]; !seen {
				needFetch = append(needFetch, b)
				needFetchSet[b] = struct{}{}
			}
		}
	}

	if len(needFetch) > 0 {
		fetched, err := s.cache.GetChecksums(ctx, s.groupID, checkpoint, needFetch)
		if err != nil {
			return nil, errors.Trace(err)
		}
		for b, cs := range fetched {
			out[b] = cs
		}
	}
	return out, nil
}

func (s *State) diffAgainstLast(checkpoint domain.Checkpoint, current map[string]domain.BucketChecksum, allBuckets []string) Line {
	line := Line{LastOpID: checkpoint.CheckpointOpID, WriteCheckpoint: checkpoint.LSN}

	if s.lastChecksums == nil {
		line.IsFirst = true
		line.Full = make([]domain.BucketChecksum, 0, len(allBuckets))
		for _, b := range allBuckets {
			line.Full = append(line.Full, current[b])
		}
		sort.Slice(line.Full, func(i, j int) bool { return line.Full[i].Bucket < line.Full[j].Bucket })
		s.lastChecksums = current
		return line
	}

	live := make(map[string]struct{}, len(allBuckets))
	for _, b := range allBuckets {
		live[b] = struct{}{}
	}
	for b := range s.lastChecksums {
		if _, ok := live[b]; !ok {
			line.Removed = append(line.Removed, b)
		}
	}
	for b, cs := range current {
		if prev, ok := s.lastChecksums[b]; !ok || prev != cs {
			line.Updated = append(line.Updated, cs)
		}
	}
	sort.Strings(line.Removed)
	sort.Slice(line.Updated, func(i, j int) bool { return line.Updated[i].Bucket < line.Updated[j].Bucket })

	merged := make(map[string]domain.BucketChecksum, len(live))
	for b := range live {
		if cs, ok := current[b]; ok {
			merged[b] = cs
		} else {
			merged[b] = s.lastChecksums[b]
		}
	}
	s.lastChecksums = merged
	return line
}

// UpdateBucketPosition records a bucket's fetch progress after a
// bucketData batch, per spec.md §4.7's inner loop.
func (s *State) UpdateBucketPosition(bucket string, nextAfter domain.OpID, hasMore bool) {
	s.bucketDataPositions[bucket] = nextAfter
	if hasMore {
		s.pendingDownloads[bucket] = struct{}{}
	} else {
		delete(s.pendingDownloads, bucket)
	}
}

// PositionFor returns the next op_id to fetch for bucket, defaulting to
// the zero value (fetch from the start) if unseen.
func (s *State) PositionFor(bucket string) domain.OpID {
	return s.bucketDataPositions[bucket]
}

// BucketPriority returns the priority last reported for bucket, the
// conservative PriorityLowest if this connection hasn't seen a checksum
// for it yet (spec.md §4.7 groups bucketData fetches by priority).
func (s *State) BucketPriority(bucket string) domain.Priority {
	if cs, ok := s.lastChecksums[bucket]; ok {
		return cs.Priority
	}
	return domain.PriorityLowest
}

// MarkStaticUpdated forwards to the resolver (spec.md §4.5's exact
// per-bucket updated set for static buckets).
func (s *State) MarkStaticUpdated(bucket string) {
	s.params.MarkStaticUpdated(bucket)
}
