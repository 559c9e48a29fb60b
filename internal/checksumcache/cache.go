// Package checksumcache implements component C: a read-through,
// de-duplicating cache over the operation log's SumChecksum operation.
package checksumcache

import (
	"container/list"
	"context"
	"fmt"
	"sync"

	"github.com/juju/errors"
	"golang.org/x/sync/singleflight"

	"github.com/forkmeplease/powersync-service/internal/domain"
	"github.com/forkmeplease/powersync-service/internal/obslog"
	"github.com/forkmeplease/powersync-service/internal/oplog"
)

var logger = obslog.Get("checksumcache")

// entry is a completed, immutable checksum total from 0 to end for one
// bucket (spec.md §4.3: "entries are never mutated after insertion").
type entry struct {
	key string
	end domain.OpID
	sum domain.BucketChecksum
}

// Cache memoizes bucket checksum totals and composes partial ranges. No
// suitable off-the-shelf LRU library appears anywhere in the retrieved
// example corpus (hashicorp/golang-lru is absent from every go.mod), so
// eviction is a small stdlib container/list-backed LRU — see DESIGN.md.
type Cache struct {
	log oplog.OpLog

	mu        sync.Mutex
	capacity  int
	items     map[string]*list.Element // bucket -> element holding *entry
	order     *list.List
	inFlight  map[string]int // bucket -> number of fetches currently running for it

	group singleflight.Group
}

// New creates a Cache backed by log, holding up to capacity bucket
// entries before evicting the least recently used.
func New(log oplog.OpLog, capacity int) *Cache {
	if capacity <= 0 {
		capacity = 4096
	}
	return &Cache{
		log:      log,
		capacity: capacity,
		items:    make(map[string]*list.Element),
		order:    list.New(),
		inFlight: make(map[string]int),
	}
}

// bucketKey scopes cache entries by group and bucket name.
func bucketKey(groupID, bucket string) string { return groupID + "\x00" + bucket }

// GetChecksums answers spec.md §4.5's getChecksums(checkpoint, buckets):
// the additive checksum from 0 to checkpoint for every named bucket.
func (c *Cache) GetChecksums(ctx context.Context, groupID string, checkpoint domain.OpID, buckets []string) (map[string]domain.BucketChecksum, error) {
	out := make(map[string]domain.BucketChecksum, len(buckets))
	var mu sync.Mutex
	var wg sync.WaitGroup
	errs := make([]error, len(buckets))

	for i, bucket := range buckets {
		i, bucket := i, bucket
		wg.Add(1)
		go func() {
			defer wg.Done()
			sum, err := c.getOne(ctx, groupID, bucket, checkpoint)
			if err != nil {
				errs[i] = err
				return
			}
			mu.Lock()
			out[bucket] = sum
			mu.Unlock()
		}()
	}
	wg.Wait()
	for _, err := range errs {
		if err != nil {
			return nil, errors.Trace(err)
		}
	}
	return out, nil
}

func (c *Cache) getOne(ctx context.Context, groupID, bucket string, end domain.OpID) (domain.BucketChecksum, error) {
	key := bucketKey(groupID, bucket)

	// A single-flight key on the exact (bucket, end) pair collapses
	// literally identical concurrent requests into one underlying fetch
	// (spec.md §4.3, testable property 8, first half).
	sfKey := fmt.Sprintf("%s@%d", key, end)
	v, err, _ := c.group.Do(sfKey, func() (any, error) {
		return c.resolve(ctx, groupID, bucket, key, end)
	})
	if err != nil {
		return domain.BucketChecksum{}, errors.Trace(err)
	}
	return v.(domain.BucketChecksum), nil
}

func (c *Cache) resolve(ctx context.Context, groupID, bucket, key string, end domain.OpID) (domain.BucketChecksum, error) {
	c.mu.Lock()
	cached, hasCached := c.peekLocked(key)
	// A caller only gets to exploit the cached partial if it is the sole
	// fetch running for this bucket right now: concurrent callers cannot
	// know whether "cached" will still be valid by the time they'd need
	// it, so they must not assume its range is settled (spec.md §4.3).
	exclusive := c.inFlight[key] == 0
	c.inFlight[key]++
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.inFlight[key]--
		c.mu.Unlock()
	}()

	var sum domain.BucketChecksum
	switch {
	case hasCached && cached.end == end:
		sum = cached.sum
	case hasCached && exclusive && cached.end < end:
		// Serial reuse: the prior fetch settled before this one started,
		// so only the delta (cached.end, end] needs fetching. A CLEAR in
		// either half makes the composition full (BucketChecksum.Add
		// ORs IsFull), matching invariant 3.
		partial, err := c.fetchRange(ctx, groupID, bucket, cached.end, end)
		if err != nil {
			return domain.BucketChecksum{}, errors.Trace(err)
		}
		sum = cached.sum.Add(partial)
	default:
		logger.Debugf("full checksum fetch for bucket %q (exclusive=%v cached=%v)", bucket, exclusive, hasCached)
		full, err := c.fetchRange(ctx, groupID, bucket, 0, end)
		if err != nil {
			return domain.BucketChecksum{}, errors.Trace(err)
		}
		sum = full
	}

	c.storeLocked(key, entry{key: key, end: end, sum: sum})
	return sum, nil
}

func (c *Cache) fetchRange(ctx context.Context, groupID, bucket string, start, end domain.OpID) (domain.BucketChecksum, error) {
	res, err := c.log.SumChecksum(ctx, groupID, bucket, start, end)
	if err != nil {
		return domain.BucketChecksum{}, errors.Annotatef(err, "summing checksum for bucket %q", bucket)
	}
	return domain.BucketChecksum{
		Bucket:   bucket,
		Count:    res.Count,
		Checksum: res.Checksum,
		IsFull:   res.HasClear || start == 0,
	}, nil
}

func (c *Cache) peekLocked(key string) (entry, bool) {
	el, ok := c.items[key]
	if !ok {
		return entry{}, false
	}
	return el.Value.(*entry).clone(), true
}

func (c *Cache) storeLocked(key string, e entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[key]; ok {
		c.order.Remove(el)
	}
	el := c.order.PushFront(&e)
	c.items[key] = el
	for c.order.Len() > c.capacity {
		oldest := c.order.Back()
		if oldest == nil {
			break
		}
		c.order.Remove(oldest)
		delete(c.items, oldest.Value.(*entry).key)
	}
}

func (e *entry) clone() entry { return *e }
