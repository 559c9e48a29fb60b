package syncstream

import (
	"testing"

	gc "gopkg.in/check.v1"

	"github.com/forkmeplease/powersync-service/internal/domain"
)

func Test(t *testing.T) { gc.TestingT(t) }

type GroupByPrioritySuite struct{}

var _ = gc.Suite(&GroupByPrioritySuite{})

func (s *GroupByPrioritySuite) TestOrdersHighestPriorityFirst(c *gc.C) {
	priorities := map[string]domain.Priority{
		"low":    domain.PriorityLowest,
		"high":   domain.PriorityHighest,
		"medium": domain.Priority(1),
	}
	groups := groupByPriority([]string{"low", "high", "medium"}, func(b string) domain.Priority { return priorities[b] })

	c.Assert(groups, gc.HasLen, 3)
	c.Assert(groups[0].priority, gc.Equals, domain.PriorityHighest)
	c.Assert(groups[0].buckets, gc.DeepEquals, []string{"high"})
	c.Assert(groups[1].priority, gc.Equals, domain.Priority(1))
	c.Assert(groups[2].priority, gc.Equals, domain.PriorityLowest)
}

func (s *GroupByPrioritySuite) TestGroupsSameLevelTogetherSorted(c *gc.C) {
	priorities := map[string]domain.Priority{"b": 0, "a": 0, "c": 0}
	groups := groupByPriority([]string{"b", "a", "c"}, func(b string) domain.Priority { return priorities[b] })
	c.Assert(groups, gc.HasLen, 1)
	c.Assert(groups[0].buckets, gc.DeepEquals, []string{"a", "b", "c"})
}

func (s *GroupByPrioritySuite) TestEmptyInput(c *gc.C) {
	groups := groupByPriority(nil, func(string) domain.Priority { return domain.PriorityHighest })
	c.Assert(groups, gc.HasLen, 0)
}
