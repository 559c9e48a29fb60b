package checkpointwatcher

import (
	gc "gopkg.in/check.v1"

	"github.com/forkmeplease/powersync-service/internal/domain"
)

type MailboxSuite struct{}

var _ = gc.Suite(&MailboxSuite{})

func (s *MailboxSuite) TestTakeEmptyReturnsFalse(c *gc.C) {
	m := newMailbox()
	_, ok := m.take()
	c.Assert(ok, gc.Equals, false)
}

func (s *MailboxSuite) TestPutThenTakeRoundTrips(c *gc.C) {
	m := newMailbox()
	m.put(domain.Checkpoint{CheckpointOpID: domain.OpID(7)})
	v, ok := m.take()
	c.Assert(ok, gc.Equals, true)
	c.Assert(v.CheckpointOpID, gc.Equals, domain.OpID(7))

	_, ok = m.take()
	c.Assert(ok, gc.Equals, false)
}

// A slow consumer should only ever observe the latest value, not a
// backlog: two puts before a take leave only the second value visible.
func (s *MailboxSuite) TestOverwriteKeepsOnlyLatestValue(c *gc.C) {
	m := newMailbox()
	m.put(domain.Checkpoint{CheckpointOpID: domain.OpID(1)})
	m.put(domain.Checkpoint{CheckpointOpID: domain.OpID(2)})

	v, ok := m.take()
	c.Assert(ok, gc.Equals, true)
	c.Assert(v.CheckpointOpID, gc.Equals, domain.OpID(2))

	_, ok = m.take()
	c.Assert(ok, gc.Equals, false)
}

func (s *MailboxSuite) TestSignalFiresAtMostOncePerPut(c *gc.C) {
	m := newMailbox()
	m.put(domain.Checkpoint{})
	m.put(domain.Checkpoint{}) // second put must not block on a full signal channel
	select {
	case <-m.signal:
	default:
		c.Fatal("expected a signal")
	}
	select {
	case <-m.signal:
		c.Fatal("expected no second signal")
	default:
	}
}
