// Package syncstream implements component G: the per-connection sync
// stream orchestrator. Its global semaphore is grounded on
// internal/resource's weighted-limiter idiom from the teacher repo.
package syncstream

import (
	"context"
	"sort"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"golang.org/x/sync/semaphore"

	"github.com/forkmeplease/powersync-service/internal/checkpointwatcher"
	"github.com/forkmeplease/powersync-service/internal/connstate"
	"github.com/forkmeplease/powersync-service/internal/domain"
	"github.com/forkmeplease/powersync-service/internal/metrics"
	"github.com/forkmeplease/powersync-service/internal/obslog"
	"github.com/forkmeplease/powersync-service/internal/wire"
)

var logger = obslog.Get("syncstream")

// MaxActiveConnections bounds concurrent bucketData fetches process-wide
// (spec.md §4.7/§5).
const MaxActiveConnections = 10

// SemaphoreTimeout is the hard wait bound before ERR_SYNC_TIMEOUT
// (spec.md §5).
const SemaphoreTimeout = 30 * time.Second

// PreemptionOpThreshold is the "≥1000 ops" trigger for mid-checkpoint
// preemption (spec.md §4.7, tunable per the §9 open question).
var PreemptionOpThreshold = 1000

// BatchSource supplies bucket data batches from storage, scoped to one
// sync-rules group (one connection == one group).
type BatchSource interface {
	GetBucketDataBatch(ctx context.Context, groupID string, checkpoint domain.OpID, positions map[string]domain.OpID) ([]BucketBatch, error)
}

// CheckpointSource is the narrow slice of *checkpointwatcher.Subscription
// that Connection needs: waiting for the next upstream checkpoint. A
// *checkpointwatcher.Subscription satisfies this without any change on
// its side.
type CheckpointSource interface {
	Next(ctx context.Context) (domain.Checkpoint, error)
}

// ConnState is the slice of *connstate.State that Connection's
// orchestration loop depends on. A *connstate.State satisfies this
// without any change on its side.
type ConnState interface {
	BuildNextCheckpointLine(ctx context.Context, update connstate.StorageUpdate) (connstate.Line, error)
	BucketPriority(bucket string) domain.Priority
	PositionFor(bucket string) domain.OpID
	UpdateBucketPosition(bucket string, nextAfter domain.OpID, hasMore bool)
}

// BucketBatch is one bucket's worth of ops returned from a single
// getBucketDataBatch call.
type BucketBatch struct {
	Bucket    string
	Ops       []domain.BucketOp
	NextAfter domain.OpID
	HasMore   bool
	TargetOp  domain.OpID // 0 if none
}

// Sink is the transport-facing side of one connection: encoding and
// flushing frames, grounded on the teacher's gorilla/websocket usage in
// apiserver/websocket.go.
type Sink interface {
	SendCheckpoint(wire.CheckpointFrame) error
	SendCheckpointDiff(wire.CheckpointDiffFrame) error
	SendData(wire.StreamingSyncData) error
	SendNullSentinel() error
	SendCheckpointComplete(wire.CheckpointCompleteFrame) error
	SendPartialCheckpointComplete(wire.PartialCheckpointCompleteFrame) error
}

// Connection runs component G's main loop for one client.
type Connection struct {
	GroupID string
	Sink    Sink
	State   ConnState
	Storage BatchSource
	Sub     CheckpointSource
	Clock   clock.Clock
	Flavor  wire.Flavor

	sem *semaphore.Weighted
}

// NewConnection builds a Connection sharing the process-wide semaphore
// sem (size MaxActiveConnections).
func NewConnection(groupID string, sink Sink, state ConnState, storage BatchSource, sub CheckpointSource, clk clock.Clock, flavor wire.Flavor, sem *semaphore.Weighted) *Connection {
	return &Connection{GroupID: groupID, Sink: sink, State: state, Storage: storage, Sub: sub, Clock: clk, Flavor: flavor, sem: sem}
}

// NewSharedSemaphore builds the global data-fetch semaphore all
// connections in a process share.
func NewSharedSemaphore() *semaphore.Weighted {
	return semaphore.NewWeighted(MaxActiveConnections)
}

// Run executes the main loop of spec.md §4.7 until ctx is done (client
// disconnect, token expiry, or shutdown). A checkpoint that preempted a
// still-streaming cycle is fed straight into the next cycle rather than
// dropped: the outer Sub.Next(ctx) call is only used to wait for a
// checkpoint when nothing is already pending.
func (c *Connection) Run(ctx context.Context) error {
	var pending *domain.Checkpoint
	for {
		cp := domain.Checkpoint{}
		if pending != nil {
			cp, pending = *pending, nil
		} else {
			next, err := c.Sub.Next(ctx)
			if err != nil {
				if errors.Is(err, checkpointwatcher.ErrUpstreamClosed) || errors.Is(err, context.Canceled) {
					return nil
				}
				return errors.Trace(err)
			}
			cp = next
		}

		preempted, err := c.runCheckpointCycle(ctx, cp)
		if err != nil {
			return errors.Trace(err)
		}
		if preempted != nil {
			pending = preempted
			continue
		}

		select {
		case <-c.Clock.After(10 * time.Millisecond):
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.Canceled) {
				return nil
			}
			return ctx.Err()
		}
	}
}

// runCheckpointCycle streams cp's bucket data in priority order. It
// returns a non-nil checkpoint if mid-cycle preemption fired and a
// newer checkpoint is already waiting to be streamed next.
func (c *Connection) runCheckpointCycle(ctx context.Context, cp domain.Checkpoint) (*domain.Checkpoint, error) {
	line, err := c.State.BuildNextCheckpointLine(ctx, connstate.StorageUpdate{Checkpoint: cp})
	if err != nil {
		return nil, errors.Trace(err)
	}
	if line.Empty {
		return nil, nil
	}
	if err := c.emitCheckpointLine(line); err != nil {
		return nil, errors.Trace(err)
	}

	groups := groupByPriority(line.BucketsToFetch, c.State.BucketPriority)

	batchCtx, cancelBatch := context.WithCancel(ctx)
	defer cancelBatch()

	var watch *preemptionWatch
	aborted := false
	syncedOps := 0
	completedFirstPriority := false
	checkpointInvalidated := false

	for i, g := range groups {
		if batchCtx.Err() != nil {
			aborted = true
			break
		}

		n, invalidated, err := c.streamPriorityGroup(batchCtx, cp.CheckpointOpID, g)
		if err != nil {
			return nil, errors.Trace(err)
		}
		syncedOps += n
		checkpointInvalidated = checkpointInvalidated || invalidated

		if i == 0 {
			completedFirstPriority = true
		}
		// Start the preemption watcher once, as soon as we're eligible;
		// it runs alongside the remaining groups rather than blocking
		// them, and only cancels batchCtx if a newer checkpoint actually
		// arrives (spec.md §4.7).
		if watch == nil && completedFirstPriority && syncedOps >= PreemptionOpThreshold {
			watch = c.startPreemptionWatch(batchCtx, cancelBatch)
		}

		if g.priority != domain.PriorityLowest && !checkpointInvalidated {
			if err := c.Sink.SendPartialCheckpointComplete(wire.PartialCheckpointCompleteFrame{
				LastOpID: cp.CheckpointOpID.String(), Priority: int(g.priority),
			}); err != nil {
				return nil, errors.Trace(err)
			}
		}
	}
	if batchCtx.Err() != nil {
		aborted = true
	}

	var preempted *domain.Checkpoint
	if watch != nil {
		cancelBatch()
		if next, ok := watch.take(); ok {
			preempted = &next
		}
	}

	if !aborted && !checkpointInvalidated {
		if err := c.Sink.SendCheckpointComplete(wire.CheckpointCompleteFrame{LastOpID: cp.CheckpointOpID.String()}); err != nil {
			return nil, errors.Trace(err)
		}
	}
	return preempted, nil
}

// preemptionWatch is a speculative, non-blocking await of the next
// upstream checkpoint: started once a cycle has streamed enough of the
// highest-priority group to be worth preempting, it races against the
// rest of the cycle rather than pausing it. If the checkpoint arrives
// first, it cancels the batch and hands the new checkpoint to take().
type preemptionWatch struct {
	result chan domain.Checkpoint
}

func (c *Connection) startPreemptionWatch(ctx context.Context, cancel context.CancelFunc) *preemptionWatch {
	w := &preemptionWatch{result: make(chan domain.Checkpoint, 1)}
	go func() {
		defer close(w.result)
		cp, err := c.Sub.Next(ctx)
		if err != nil {
			return
		}
		w.result <- cp
		cancel()
	}()
	return w
}

// take waits for the watch goroutine to exit (the caller cancels its
// context first) and returns the checkpoint it read, if any, so a
// checkpoint the watch consumed is never lost.
func (w *preemptionWatch) take() (domain.Checkpoint, bool) {
	cp, ok := <-w.result
	return cp, ok
}

func (c *Connection) emitCheckpointLine(line connstate.Line) error {
	if line.IsFirst {
		buckets := make([]wire.BucketDescription, 0, len(line.Full))
		for _, b := range line.Full {
			buckets = append(buckets, wire.BucketDescription{Bucket: b.Bucket, Checksum: b.Checksum, Count: b.Count, Priority: int(b.Priority)})
		}
		return c.Sink.SendCheckpoint(wire.CheckpointFrame{LastOpID: line.LastOpID.String(), WriteCheckpoint: line.WriteCheckpoint, Buckets: buckets})
	}
	updated := make([]wire.BucketDescription, 0, len(line.Updated))
	for _, b := range line.Updated {
		updated = append(updated, wire.BucketDescription{Bucket: b.Bucket, Checksum: b.Checksum, Count: b.Count, Priority: int(b.Priority)})
	}
	return c.Sink.SendCheckpointDiff(wire.CheckpointDiffFrame{
		LastOpID: line.LastOpID.String(), WriteCheckpoint: line.WriteCheckpoint,
		UpdatedBuckets: updated, RemovedBuckets: line.Removed,
	})
}

type priorityGroup struct {
	priority domain.Priority
	buckets  []string
}

// groupByPriority buckets names by priorityOf(name) and orders the
// groups highest-priority (0) first, so streamPriorityGroup ships the
// most important buckets' data before any others (spec.md §4.7).
func groupByPriority(buckets []string, priorityOf func(string) domain.Priority) []priorityGroup {
	byPriority := make(map[domain.Priority][]string)
	for _, b := range buckets {
		p := priorityOf(b)
		byPriority[p] = append(byPriority[p], b)
	}
	groups := make([]priorityGroup, 0, len(byPriority))
	for p, bs := range byPriority {
		sort.Strings(bs)
		groups = append(groups, priorityGroup{priority: p, buckets: bs})
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i].priority < groups[j].priority })
	return groups
}

// streamPriorityGroup implements the bucketData inner loop of spec.md
// §4.7.
func (c *Connection) streamPriorityGroup(ctx context.Context, checkpoint domain.OpID, g priorityGroup) (syncedOps int, invalidated bool, err error) {
	semCtx, cancel := context.WithTimeout(ctx, SemaphoreTimeout)
	defer cancel()
	if err := c.sem.Acquire(semCtx, 1); err != nil {
		return 0, false, errors.Annotate(domain.ErrSyncLockTimeout, "waiting for data-fetch semaphore")
	}
	defer c.sem.Release(1)
	metrics.ActiveConnections.Inc()
	defer metrics.ActiveConnections.Dec()

	positions := make(map[string]domain.OpID, len(g.buckets))
	for _, b := range g.buckets {
		positions[b] = c.State.PositionFor(b)
	}

	for {
		if ctx.Err() != nil {
			return syncedOps, invalidated, nil
		}
		batches, err := c.Storage.GetBucketDataBatch(ctx, c.GroupID, checkpoint, positions)
		if err != nil {
			return syncedOps, invalidated, errors.Trace(err)
		}
		if len(batches) == 0 {
			return syncedOps, invalidated, nil
		}

		anyMore := false
		for _, batch := range batches {
			if batch.TargetOp != 0 && batch.TargetOp > checkpoint {
				invalidated = true
			}

			frames, err := wire.EncodeOps(batch.Ops, c.Flavor)
			if err != nil {
				return syncedOps, invalidated, errors.Trace(err)
			}
			frame := wire.StreamingSyncData{Data: wire.StreamingSyncDataBody{
				Bucket: batch.Bucket, After: positions[batch.Bucket].String(), NextAfter: batch.NextAfter.String(),
				HasMore: batch.HasMore, Data: frames,
			}}
			if err := c.Sink.SendData(frame); err != nil {
				return syncedOps, invalidated, errors.Trace(err)
			}
			if wire.FrameByteSize(frame) >= 50*1024 {
				if err := c.Sink.SendNullSentinel(); err != nil {
					return syncedOps, invalidated, errors.Trace(err)
				}
			}

			c.State.UpdateBucketPosition(batch.Bucket, batch.NextAfter, batch.HasMore)
			positions[batch.Bucket] = batch.NextAfter
			syncedOps += len(batch.Ops)

			if batch.HasMore {
				anyMore = true
			}

			if ctx.Err() != nil {
				return syncedOps, invalidated, nil
			}
		}
		if !anyMore {
			return syncedOps, invalidated, nil
		}
	}
}
