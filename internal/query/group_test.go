package query

import (
	"context"
	"testing"

	"github.com/flashvec/corevdb/internal/where"
)

func TestGroupsAggregatorCapsBySizeAndOrdersByDistance(t *testing.T) {
	a := NewGroupsAggregator(10, 2, []string{"color"})
	red := map[string]where.Value{"color": where.StringValue("red")}
	a.Add(1, 5.0, red)
	a.Add(2, 1.0, red)
	a.Add(3, 3.0, red)

	groups := a.Groups()
	entries, ok := groups[mustGroupKey(t, a, red)]
	if !ok {
		t.Fatal("expected a group for color=red")
	}
	if len(entries) != 2 {
		t.Fatalf("expected group_size cap of 2, got %d: %+v", len(entries), entries)
	}
	if entries[0].OffsetID != 2 || entries[1].OffsetID != 3 {
		t.Fatalf("expected [offset2(1.0), offset3(3.0)] ascending by distance, got %+v", entries)
	}
}

func mustGroupKey(t *testing.T, a *GroupsAggregator, md map[string]where.Value) GroupKey {
	t.Helper()
	gk, ok := groupKeyOf(md, a.Keys)
	if !ok {
		t.Fatal("expected metadata to carry every grouping key")
	}
	return gk
}

func TestGroupsAggregatorRejectsNewGroupsPastLimit(t *testing.T) {
	a := NewGroupsAggregator(1, 5, []string{"color"})
	a.Add(1, 1.0, map[string]where.Value{"color": where.StringValue("red")})
	a.Add(2, 1.0, map[string]where.Value{"color": where.StringValue("blue")})

	if len(a.Groups()) != 1 {
		t.Fatalf("expected the second, distinct group to be rejected once limit=1 is reached, got %d groups", len(a.Groups()))
	}
}

func TestGroupsAggregatorSkipsRecordsMissingGroupingKey(t *testing.T) {
	a := NewGroupsAggregator(10, 5, []string{"color"})
	a.Add(1, 1.0, map[string]where.Value{"other": where.StringValue("x")})
	if len(a.Groups()) != 0 {
		t.Fatalf("expected a record missing the grouping key to be excluded, got %+v", a.Groups())
	}
}

func TestGroupsAggregatorFullRequiresEveryGroupSaturated(t *testing.T) {
	a := NewGroupsAggregator(1, 2, []string{"color"})
	red := map[string]where.Value{"color": where.StringValue("red")}
	if a.Full() {
		t.Fatal("expected an empty aggregator to not be full")
	}
	a.Add(1, 1.0, red)
	if a.Full() {
		t.Fatal("expected a partially-filled group to not be full")
	}
	a.Add(2, 2.0, red)
	if !a.Full() {
		t.Fatal("expected the group to be full once it reaches group_size under limit groups")
	}
}

func TestGroupSearchCoordinatorStopsOnceFull(t *testing.T) {
	recordReader, metaReader := committedFixture(t)
	coordinator := &GroupSearchCoordinator{Metadata: metaReader, Records: recordReader}

	calls := 0
	run := func(_ context.Context, _ int) ([]RecordDistance, error) {
		calls++
		return []RecordDistance{
			{OffsetID: 1, Distance: 0.1},
			{OffsetID: 2, Distance: 0.2},
		}, nil
	}

	agg, err := coordinator.Run(context.Background(), run, 2, 1, []string{"color"})
	if err != nil {
		t.Fatal(err)
	}
	if !agg.Full() {
		t.Fatalf("expected both color groups (red, blue) filled in one discovery pass, got %+v", agg.Groups())
	}
	if calls != 1 {
		t.Fatalf("expected the loop to stop after the aggregator filled on its first call, got %d calls", calls)
	}
}

func TestGroupSearchCoordinatorStopsWhenRunReturnsNothing(t *testing.T) {
	recordReader, metaReader := committedFixture(t)
	coordinator := &GroupSearchCoordinator{Metadata: metaReader, Records: recordReader}

	calls := 0
	run := func(_ context.Context, _ int) ([]RecordDistance, error) {
		calls++
		return nil, nil
	}

	agg, err := coordinator.Run(context.Background(), run, 5, 5, []string{"color"})
	if err != nil {
		t.Fatal(err)
	}
	if len(agg.Groups()) != 0 {
		t.Fatalf("expected no groups when every iteration returns nothing, got %+v", agg.Groups())
	}
	if calls != 2 {
		t.Fatalf("expected exactly one empty discovery call and one empty filling call (each loop breaks on empty), got %d", calls)
	}
}
