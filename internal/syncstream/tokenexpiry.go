package syncstream

import (
	"context"
	"time"

	"github.com/juju/clock"
)

// DefaultExpirySkew is subtracted from a token's exp before the
// connection is torn down, so clients have time to refresh before the
// token is rejected outright by component H.
const DefaultExpirySkew = 5 * time.Second

// WatchTokenExpiry races checkpoint delivery against token expiry per
// spec.md §4.7: it cancels the returned context at exp-skew, without
// producing an error (the caller's Run loop simply observes ctx.Done()
// and returns nil).
func WatchTokenExpiry(parent context.Context, clk clock.Clock, exp time.Time, skew time.Duration) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	deadline := exp.Add(-skew)
	d := deadline.Sub(clk.Now())
	if d < 0 {
		d = 0
	}
	timer := clk.NewTimer(d)
	go func() {
		defer timer.Stop()
		select {
		case <-timer.Chan():
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}
