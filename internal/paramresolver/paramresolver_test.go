package paramresolver_test

import (
	"context"
	"testing"

	gc "gopkg.in/check.v1"

	"github.com/forkmeplease/powersync-service/internal/domain"
	"github.com/forkmeplease/powersync-service/internal/paramresolver"
	"github.com/forkmeplease/powersync-service/internal/syncrules"
)

func Test(t *testing.T) { gc.TestingT(t) }

type ResolverSuite struct{}

var _ = gc.Suite(&ResolverSuite{})

// fakeRules is a minimal syncrules.Rules stand-in whose dynamic bucket
// results and lookup names are set directly by the test.
type fakeRules struct {
	static      []syncrules.BucketDefinition
	dynamicKeys []string
	dynamicOut  []string
	dynamicErr  error
	calls       int
}

func (r *fakeRules) Version() string                                { return "v1" }
func (r *fakeRules) StaticBuckets() []syncrules.BucketDefinition     { return r.static }
func (r *fakeRules) DynamicBucketNames() []string                   { return r.dynamicKeys }
func (r *fakeRules) EvaluateDataQueries(syncrules.SourceRow) ([]syncrules.DataQueryResult, error) {
	return nil, nil
}
func (r *fakeRules) EvaluateParameterQueries(syncrules.SourceRow) ([]syncrules.ParameterLookup, error) {
	return nil, nil
}
func (r *fakeRules) QueryDynamicBucketDescriptions(syncrules.RequestParameters, domain.OpID) ([]string, error) {
	r.calls++
	return r.dynamicOut, r.dynamicErr
}

func (s *ResolverSuite) TestFirstResolveRunsDynamicQueryAndInvalidatesAll(c *gc.C) {
	rules := &fakeRules{
		static:      []syncrules.BucketDefinition{{Name: "b1"}},
		dynamicKeys: []string{"lookup1"},
		dynamicOut:  []string{"user_42"},
	}
	r := paramresolver.New(rules, syncrules.RequestParameters{UserID: "42"})
	update, err := r.Resolve(context.Background(), domain.OpID(1), nil, false)
	c.Assert(err, gc.IsNil)
	c.Assert(rules.calls, gc.Equals, 1)
	c.Assert(update.InvalidateAll, gc.Equals, true)
	c.Assert(len(update.Buckets), gc.Equals, 2)
}

func (s *ResolverSuite) TestSubsequentResolveSkipsDynamicQueryWhenNoRelevantLookupChanged(c *gc.C) {
	rules := &fakeRules{dynamicKeys: []string{"lookup1"}, dynamicOut: []string{"user_42"}}
	r := paramresolver.New(rules, syncrules.RequestParameters{})
	_, err := r.Resolve(context.Background(), domain.OpID(1), nil, false)
	c.Assert(err, gc.IsNil)
	c.Assert(rules.calls, gc.Equals, 1)

	update, err := r.Resolve(context.Background(), domain.OpID(2), map[string]struct{}{"unrelated": {}}, false)
	c.Assert(err, gc.IsNil)
	c.Assert(rules.calls, gc.Equals, 1) // not re-run
	c.Assert(update.InvalidateAll, gc.Equals, false)
}

func (s *ResolverSuite) TestUpdatedLookupTriggersDynamicRefresh(c *gc.C) {
	rules := &fakeRules{dynamicKeys: []string{"lookup1"}, dynamicOut: []string{"user_42"}}
	r := paramresolver.New(rules, syncrules.RequestParameters{})
	_, err := r.Resolve(context.Background(), domain.OpID(1), nil, false)
	c.Assert(err, gc.IsNil)

	_, err = r.Resolve(context.Background(), domain.OpID(2), map[string]struct{}{"lookup1": {}}, false)
	c.Assert(err, gc.IsNil)
	c.Assert(rules.calls, gc.Equals, 2)
}

func (s *ResolverSuite) TestExplicitInvalidateForcesRefresh(c *gc.C) {
	rules := &fakeRules{dynamicOut: []string{"a"}}
	r := paramresolver.New(rules, syncrules.RequestParameters{})
	_, err := r.Resolve(context.Background(), domain.OpID(1), nil, false)
	c.Assert(err, gc.IsNil)
	_, err = r.Resolve(context.Background(), domain.OpID(2), nil, true)
	c.Assert(err, gc.IsNil)
	c.Assert(rules.calls, gc.Equals, 2)
}

func (s *ResolverSuite) TestMarkStaticUpdatedOnlyTracksKnownStaticBuckets(c *gc.C) {
	rules := &fakeRules{static: []syncrules.BucketDefinition{{Name: "b1"}}}
	r := paramresolver.New(rules, syncrules.RequestParameters{})

	// First resolve seeds dynamicResolved and clears updatedStatic
	// unconditionally, so mark buckets afterward.
	_, err := r.Resolve(context.Background(), domain.OpID(1), nil, false)
	c.Assert(err, gc.IsNil)

	r.MarkStaticUpdated("b1")
	r.MarkStaticUpdated("not-a-bucket")

	update, err := r.Resolve(context.Background(), domain.OpID(2), nil, false)
	c.Assert(err, gc.IsNil)
	c.Assert(update.InvalidateAll, gc.Equals, false)
	c.Assert(update.UpdatedBuckets, gc.DeepEquals, []string{"b1"})
}

func (s *ResolverSuite) TestTooManyDynamicBucketsErrors(c *gc.C) {
	names := make([]string, paramresolver.MaxParameterQueryResults+1)
	for i := range names {
		names[i] = "b"
	}
	rules := &fakeRules{dynamicOut: names}
	r := paramresolver.New(rules, syncrules.RequestParameters{})
	_, err := r.Resolve(context.Background(), domain.OpID(1), nil, false)
	c.Assert(err, gc.ErrorMatches, ".*too many parameter query results.*")
}
