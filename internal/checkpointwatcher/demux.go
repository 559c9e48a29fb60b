// Package checkpointwatcher implements component D: a single upstream
// subscription to the storage layer's checkpoint-change notifications,
// multiplexed to many per-connection subscribers. The lazy
// subscribe/teardown and per-goroutine supervision follow the tomb
// idiom used throughout the teacher (mstate/watcher.go, worker/state,
// worker/bootstrap).
package checkpointwatcher

import (
	"context"
	"io"
	"sync"

	"github.com/juju/errors"
	"gopkg.in/tomb.v2"

	"github.com/forkmeplease/powersync-service/internal/domain"
	"github.com/forkmeplease/powersync-service/internal/obslog"
)

var logger = obslog.Get("checkpointwatcher")

// ErrUpstreamClosed is returned by Subscription.Next once the
// subscription's error channel has been closed, which happens after an
// upstream failure has been delivered to it: the first Next call after
// the failure returns the upstream error, later calls return this.
// Upstream has no end-of-stream signal, so no subscriber is closed
// without a preceding error.
var ErrUpstreamClosed = io.EOF

// Upstream is the single change-notification source the demultiplexer
// subscribes to. Notify's returned channel is closed exactly once per
// change; callers must call Notify again to observe the next one (this
// matches storage.Engine.Notify's close-and-replace semantics).
type Upstream interface {
	Notify() <-chan struct{}
	Fetch(ctx context.Context) (domain.Checkpoint, error)
}

// FirstValueFunc synthesizes the value a newly-subscribed key should see
// before it observes the live stream (spec.md §4.4: getFirstValue(key)).
type FirstValueFunc func(ctx context.Context, key string) (domain.Checkpoint, error)

// Demux fans a single upstream subscription out to many keyed
// subscribers, starting the upstream loop lazily on first subscribe and
// tearing it down when the last subscriber leaves.
type Demux struct {
	upstream   Upstream
	firstValue FirstValueFunc

	mu   sync.Mutex
	subs map[*Subscription]struct{}
	tomb *tomb.Tomb
}

// New creates a Demux over upstream, synthesizing each subscriber's
// initial value with firstValue.
func New(upstream Upstream, firstValue FirstValueFunc) *Demux {
	return &Demux{
		upstream:   upstream,
		firstValue: firstValue,
		subs:       make(map[*Subscription]struct{}),
	}
}

// Subscribe registers a new subscriber under key, starting the upstream
// loop if this is the first subscriber overall.
func (d *Demux) Subscribe(ctx context.Context, key string) (*Subscription, error) {
	first, err := d.firstValue(ctx, key)
	if err != nil {
		return nil, errors.Annotatef(err, "synthesizing first checkpoint value for %q", key)
	}

	sub := &Subscription{
		key:    key,
		demux:  d,
		box:    newMailbox(),
		errCh:  make(chan error, 1),
	}
	sub.box.put(first)

	d.mu.Lock()
	d.subs[sub] = struct{}{}
	if d.tomb == nil {
		d.startUpstreamLocked()
	}
	d.mu.Unlock()

	return sub, nil
}

func (d *Demux) startUpstreamLocked() {
	t := new(tomb.Tomb)
	d.tomb = t
	t.Go(func() error {
		return d.upstreamLoop(t)
	})
}

func (d *Demux) upstreamLoop(t *tomb.Tomb) error {
	notify := d.upstream.Notify()
	for {
		select {
		case <-notify:
			notify = d.upstream.Notify()
			cp, err := d.upstream.Fetch(context.Background())
			if err != nil {
				logger.Errorf("upstream checkpoint fetch failed: %v", err)
				d.broadcastError(err)
				return errors.Trace(err)
			}
			d.broadcastValue(cp)
		case <-t.Dying():
			return tomb.ErrDying
		}
	}
}

func (d *Demux) broadcastValue(cp domain.Checkpoint) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for sub := range d.subs {
		sub.box.put(cp)
	}
}

// broadcastError fans an upstream failure out to every current
// subscriber and clears subscriber/tomb state so a future Subscribe call
// starts a fresh upstream loop (spec.md §4.4: "upstream errors fan out
// to every subscriber").
func (d *Demux) broadcastError(err error) {
	d.mu.Lock()
	subs := d.subs
	d.subs = make(map[*Subscription]struct{})
	d.tomb = nil
	d.mu.Unlock()

	for sub := range subs {
		select {
		case sub.errCh <- err:
		default:
		}
		close(sub.errCh)
	}
}

// unsubscribe removes sub and, if it was the last one, kills the
// upstream tomb. Cancellation is immediate for sub; the upstream loop
// unwinds on its own time but no longer holds any subscriber reference
// (spec.md §4.4, testable property 7).
func (d *Demux) unsubscribe(sub *Subscription) {
	d.mu.Lock()
	delete(d.subs, sub)
	var dying *tomb.Tomb
	if len(d.subs) == 0 && d.tomb != nil {
		dying = d.tomb
		d.tomb = nil
	}
	d.mu.Unlock()

	if dying != nil {
		dying.Kill(nil)
	}
}
