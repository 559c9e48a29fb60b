package checkpointwatcher

import (
	"context"

	"github.com/forkmeplease/powersync-service/internal/domain"
)

// Subscription is one subscriber's view of the demultiplexed checkpoint
// stream.
type Subscription struct {
	key   string
	demux *Demux
	box   *mailbox
	errCh chan error
}

// Key returns the routing key this subscription was created with.
func (s *Subscription) Key() string { return s.key }

// Next blocks until a new checkpoint value is available, the upstream
// errors (later calls then return ErrUpstreamClosed), or ctx is done.
func (s *Subscription) Next(ctx context.Context) (domain.Checkpoint, error) {
	for {
		select {
		case <-s.box.signal:
			if v, ok := s.box.take(); ok {
				return v, nil
			}
			// Spurious wake (take lost a race with a concurrent put
			// that refilled the box): loop and wait again.
		case err, ok := <-s.errCh:
			if !ok {
				return domain.Checkpoint{}, ErrUpstreamClosed
			}
			return domain.Checkpoint{}, err
		case <-ctx.Done():
			return domain.Checkpoint{}, ctx.Err()
		}
	}
}

// Cancel unsubscribes immediately. If this was the last subscriber, the
// upstream subscription tears down; remaining subscribers are
// unaffected.
func (s *Subscription) Cancel() {
	s.demux.unsubscribe(s)
}
