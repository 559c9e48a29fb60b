package syncstream

import (
	"context"
	"sync"
	"time"

	"github.com/juju/clock"
	gc "gopkg.in/check.v1"
	"golang.org/x/sync/semaphore"

	"github.com/forkmeplease/powersync-service/internal/connstate"
	"github.com/forkmeplease/powersync-service/internal/domain"
	"github.com/forkmeplease/powersync-service/internal/wire"
)

type ConnectionSuite struct{}

var _ = gc.Suite(&ConnectionSuite{})

// fakeState is a minimal ConnState the orchestration tests drive
// directly, sidestepping checksumcache's real bucket checksums so the
// tests can put buckets in distinct priority groups.
type fakeState struct {
	mu         sync.Mutex
	line       connstate.Line
	priorities map[string]domain.Priority
	positions  map[string]domain.OpID
}

func (f *fakeState) BuildNextCheckpointLine(context.Context, connstate.StorageUpdate) (connstate.Line, error) {
	return f.line, nil
}

func (f *fakeState) BucketPriority(bucket string) domain.Priority { return f.priorities[bucket] }

func (f *fakeState) PositionFor(bucket string) domain.OpID {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.positions[bucket]
}

func (f *fakeState) UpdateBucketPosition(bucket string, nextAfter domain.OpID, hasMore bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.positions[bucket] = nextAfter
}

// fakeBatchSource replays a fixed script of GetBucketDataBatch results,
// one entry per call, and reports back to the test how many calls have
// landed so tests can synchronize with the streaming loop.
type fakeBatchSource struct {
	mu     sync.Mutex
	script [][]BucketBatch
	calls  int
	onCall func(call int)
}

func (f *fakeBatchSource) GetBucketDataBatch(ctx context.Context, groupID string, checkpoint domain.OpID, positions map[string]domain.OpID) ([]BucketBatch, error) {
	f.mu.Lock()
	i := f.calls
	f.calls++
	f.mu.Unlock()
	if f.onCall != nil {
		f.onCall(i)
	}
	if i >= len(f.script) {
		return nil, nil
	}
	return f.script[i], nil
}

func (f *fakeBatchSource) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// fakeCheckpointSource hands out checkpoints pushed onto ch, or blocks
// until ctx is done.
type fakeCheckpointSource struct {
	ch chan domain.Checkpoint
}

func (f *fakeCheckpointSource) Next(ctx context.Context) (domain.Checkpoint, error) {
	select {
	case cp := <-f.ch:
		return cp, nil
	case <-ctx.Done():
		return domain.Checkpoint{}, ctx.Err()
	}
}

// recordingSink counts frame sends instead of encoding anything.
type recordingSink struct {
	mu                     sync.Mutex
	dataFrames             int
	partialCompletesByPrio []int
	checkpointCompletes    int
}

func (s *recordingSink) SendCheckpoint(wire.CheckpointFrame) error         { return nil }
func (s *recordingSink) SendCheckpointDiff(wire.CheckpointDiffFrame) error { return nil }
func (s *recordingSink) SendNullSentinel() error                          { return nil }

func (s *recordingSink) SendData(wire.StreamingSyncData) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dataFrames++
	return nil
}

func (s *recordingSink) SendPartialCheckpointComplete(f wire.PartialCheckpointCompleteFrame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.partialCompletesByPrio = append(s.partialCompletesByPrio, f.Priority)
	return nil
}

func (s *recordingSink) SendCheckpointComplete(wire.CheckpointCompleteFrame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkpointCompletes++
	return nil
}

func (s *recordingSink) counts() (data, checkpointComplete int, partials []int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dataFrames, s.checkpointCompletes, append([]int(nil), s.partialCompletesByPrio...)
}

func batchOf(bucket string, ops int, after domain.OpID, hasMore bool) []BucketBatch {
	return []BucketBatch{{
		Bucket:    bucket,
		Ops:       make([]domain.BucketOp, ops),
		NextAfter: after,
		HasMore:   hasMore,
	}}
}

// TestPreemptionWatchDoesNotBlockRemainingGroups drives a checkpoint
// with two priority groups. Once group 0 crosses PreemptionOpThreshold,
// a newer checkpoint is pushed through the fake CheckpointSource; group
// 1 must still be streamed and captured for the next cycle rather than
// the whole call hanging or aborting the still-unread group early.
func (s *ConnectionSuite) TestPreemptionWatchDoesNotBlockRemainingGroups(c *gc.C) {
	orig := PreemptionOpThreshold
	PreemptionOpThreshold = 5
	defer func() { PreemptionOpThreshold = orig }()

	state := &fakeState{
		line: connstate.Line{BucketsToFetch: []string{"high", "low"}},
		priorities: map[string]domain.Priority{
			"high": domain.PriorityHighest,
			"low":  domain.Priority(1),
		},
		positions: map[string]domain.OpID{},
	}

	newCP := domain.Checkpoint{CheckpointOpID: domain.OpID(99), LSN: "lsn2"}
	sub := &fakeCheckpointSource{ch: make(chan domain.Checkpoint, 1)}

	pushed := false
	batches := &fakeBatchSource{
		script: [][]BucketBatch{
			batchOf("high", 3, domain.OpID(3), true),
			batchOf("high", 3, domain.OpID(6), false), // crosses threshold of 5
			batchOf("low", 2, domain.OpID(2), false),
		},
	}
	batches.onCall = func(call int) {
		if call == 2 && !pushed {
			pushed = true
			sub.ch <- newCP
			// Give the watcher goroutine real wall-clock time to read
			// newCP and cancel batchCtx before this (already in-flight)
			// low-priority fetch returns, so the race is exercised
			// deterministically rather than by scheduler luck.
			time.Sleep(50 * time.Millisecond)
		}
	}

	sink := &recordingSink{}
	conn := &Connection{
		GroupID: "g1",
		Sink:    sink,
		State:   state,
		Storage: batches,
		Sub:     sub,
		Clock:   clock.WallClock,
		Flavor:  wire.FlavorDefault,
		sem:     semaphore.NewWeighted(1),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	preempted, err := conn.runCheckpointCycle(ctx, domain.Checkpoint{CheckpointOpID: domain.OpID(1), LSN: "lsn1"})
	c.Assert(err, gc.IsNil)

	c.Assert(batches.callCount(), gc.Equals, 3, gc.Commentf("group 1 (low priority) must still be fetched after group 0 crosses the preemption threshold"))

	c.Assert(preempted, gc.NotNil)
	c.Assert(*preempted, gc.Equals, newCP)

	_, checkpointCompletes, partials := sink.counts()
	c.Assert(checkpointCompletes, gc.Equals, 0, gc.Commentf("preempted cycles must not send checkpoint_complete"))
	c.Assert(partials, gc.DeepEquals, []int{0, 1})
}

// TestRunFeedsPreemptingCheckpointIntoNextCycle exercises Run end to
// end: a preempting checkpoint captured mid-cycle must drive the very
// next cycle instead of being dropped while Sub.Next waits for a third
// notification that never comes.
func (s *ConnectionSuite) TestRunFeedsPreemptingCheckpointIntoNextCycle(c *gc.C) {
	orig := PreemptionOpThreshold
	PreemptionOpThreshold = 1
	defer func() { PreemptionOpThreshold = orig }()

	c1 := domain.Checkpoint{CheckpointOpID: domain.OpID(1), LSN: "lsn1"}
	c2 := domain.Checkpoint{CheckpointOpID: domain.OpID(2), LSN: "lsn2"}

	state := &fakeState{
		line: connstate.Line{BucketsToFetch: []string{"high", "low"}},
		priorities: map[string]domain.Priority{
			"high": domain.PriorityHighest,
			"low":  domain.Priority(1),
		},
		positions: map[string]domain.OpID{},
	}

	sub := &fakeCheckpointSource{ch: make(chan domain.Checkpoint, 1)}
	sub.ch <- c1 // Run's first Sub.Next call picks this up

	var pushedC2 sync.Once
	batches := &fakeBatchSource{
		script: [][]BucketBatch{
			batchOf("high", 2, domain.OpID(2), false), // crosses threshold of 1
			batchOf("low", 1, domain.OpID(1), false),
		},
	}
	batches.onCall = func(call int) {
		if call == 0 {
			pushedC2.Do(func() { sub.ch <- c2 })
		}
	}

	sink := &recordingSink{}
	conn := &Connection{
		GroupID: "g1",
		Sink:    sink,
		State:   state,
		Storage: batches,
		Sub:     sub,
		Clock:   clock.WallClock,
		Flavor:  wire.FlavorDefault,
		sem:     semaphore.NewWeighted(1),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	go func() {
		time.Sleep(200 * time.Millisecond)
		cancel()
	}()

	// Run treats the eventual ctx cancellation (surfacing through the
	// outer Sub.Next wait) as a clean shutdown, not an error.
	err := conn.Run(ctx)
	c.Assert(err, gc.IsNil)

	// c2 must have been consumed as a real cycle (not lost): with two
	// checkpoints and two groups run in full, at least 3 GetBucketDataBatch
	// calls happen (cycle 1's high group hits the preemption race, cycle 2
	// resumes with c2 and streams both groups again from where left off).
	c.Assert(batches.callCount() >= 3, gc.Equals, true, gc.Commentf("calls=%d", batches.callCount()))
}

// TestInvalidatedCheckpointSuppressesCompletion covers spec.md §4.7's
// rule that no completion frame is sent once a batch reports its
// checkpoint invalidated (a later checkpoint line supersedes it).
func (s *ConnectionSuite) TestInvalidatedCheckpointSuppressesCompletion(c *gc.C) {
	state := &fakeState{
		line:       connstate.Line{BucketsToFetch: []string{"b1"}},
		priorities: map[string]domain.Priority{"b1": domain.PriorityHighest},
		positions:  map[string]domain.OpID{},
	}
	batches := &fakeBatchSource{
		script: [][]BucketBatch{
			{{Bucket: "b1", Ops: make([]domain.BucketOp, 1), NextAfter: domain.OpID(1), HasMore: false, TargetOp: domain.OpID(50)}},
		},
	}
	sink := &recordingSink{}
	conn := &Connection{
		GroupID: "g1",
		Sink:    sink,
		State:   state,
		Storage: batches,
		Sub:     &fakeCheckpointSource{ch: make(chan domain.Checkpoint)},
		Clock:   clock.WallClock,
		Flavor:  wire.FlavorDefault,
		sem:     semaphore.NewWeighted(1),
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	// TargetOp (50) > checkpoint (10) marks the line invalidated.
	preempted, err := conn.runCheckpointCycle(ctx, domain.Checkpoint{CheckpointOpID: domain.OpID(10), LSN: "lsn1"})
	c.Assert(err, gc.IsNil)
	c.Assert(preempted, gc.IsNil)

	_, checkpointCompletes, partials := sink.counts()
	c.Assert(checkpointCompletes, gc.Equals, 0)
	c.Assert(partials, gc.HasLen, 0)
}
