package query

import (
	"context"
	"fmt"
	"sort"

	"github.com/flashvec/corevdb/internal/segment"
	"github.com/flashvec/corevdb/internal/where"
)

const maxGroupIterations = 5 // spec §4.13 "(<= 5 iterations)", both loops

// GroupKey is the typed tuple extracted from a record's metadata at the
// configured group_by keys (spec §4.13 "Grouping keys extract a typed
// tuple from metadata").
type GroupKey string

func groupKeyOf(metadata map[string]where.Value, keys []string) (GroupKey, bool) {
	var gk GroupKey
	for i, k := range keys {
		v, ok := metadata[k]
		if !ok {
			return "", false
		}
		if i > 0 {
			gk += "\x00"
		}
		gk += GroupKey(valueString(v))
	}
	return gk, true
}

func valueString(v where.Value) string {
	switch {
	case v.IsStr:
		return v.Str
	case v.IsBool:
		if v.Bool {
			return "true"
		}
		return "false"
	case v.IsInt:
		return fmt.Sprintf("%d", v.Int)
	case v.IsFlt:
		return fmt.Sprintf("%g", v.Float)
	default:
		return ""
	}
}

// GroupEntry is one (offset, distance) tuple filed under a group.
type GroupEntry struct {
	OffsetID uint32
	Distance float32
}

// GroupsAggregator keeps at most `limit` groups and at most `group_size`
// records per group, ordered by distance (spec §4.13 "The aggregator
// keeps at most limit groups and at most group_size records per group").
type GroupsAggregator struct {
	Limit     int
	GroupSize int
	Keys      []string

	groups map[GroupKey][]GroupEntry
	order  []GroupKey
}

func NewGroupsAggregator(limit, groupSize int, keys []string) *GroupsAggregator {
	return &GroupsAggregator{Limit: limit, GroupSize: groupSize, Keys: keys, groups: map[GroupKey][]GroupEntry{}}
}

// Add files (offsetID, distance) under the group its metadata maps to.
// Records missing any grouping key are excluded (spec §4.13).
func (a *GroupsAggregator) Add(offsetID uint32, distance float32, metadata map[string]where.Value) {
	gk, ok := groupKeyOf(metadata, a.Keys)
	if !ok {
		return
	}
	if _, exists := a.groups[gk]; !exists {
		if len(a.order) >= a.Limit {
			return
		}
		a.order = append(a.order, gk)
	}
	entries := append(a.groups[gk], GroupEntry{OffsetID: offsetID, Distance: distance})
	sort.Slice(entries, func(i, j int) bool { return entries[i].Distance < entries[j].Distance })
	if len(entries) > a.GroupSize {
		entries = entries[:a.GroupSize]
	}
	a.groups[gk] = entries
}

// Full reports whether at least Limit groups are known and every known
// group has reached GroupSize.
func (a *GroupsAggregator) Full() bool {
	if len(a.order) < a.Limit {
		return false
	}
	for _, gk := range a.order {
		if len(a.groups[gk]) < a.GroupSize {
			return false
		}
	}
	return true
}

// Groups returns the aggregated groups as a map keyed by group key; the
// map carries no discovery order.
func (a *GroupsAggregator) Groups() map[GroupKey][]GroupEntry { return a.groups }

// GroupSearchCoordinator wraps a KNN orchestrator for grouped queries
// (spec §4.13 "GroupSearchCoordinator").
type GroupSearchCoordinator struct {
	Metadata where.MetadataLookup
	Records  *segment.RecordReader
}

// metadataOf loads a record's metadata for grouping; results missing from
// the record segment (e.g. deleted mid-query) are simply skipped.
func (c *GroupSearchCoordinator) metadataOf(ctx context.Context, offsetID uint32) (map[string]where.Value, bool) {
	rec, ok, err := c.Records.GetDataForOffsetID(ctx, offsetID)
	if err != nil || !ok {
		return nil, false
	}
	return rec.Metadata, true
}

// runKnnIteration is the caller-supplied single KNN pass: run with an
// oversampled limit (limit * group_size, spec §4.13) and return the
// merged, sorted RecordDistances.
type runKnnIteration func(ctx context.Context, oversampledLimit int) ([]RecordDistance, error)

// Run executes the discovery loop followed by the filling loop, both
// bounded to maxGroupIterations, per spec §4.13's two-phase protocol.
func (c *GroupSearchCoordinator) Run(ctx context.Context, run runKnnIteration, limit, groupSize int, keys []string) (*GroupsAggregator, error) {
	agg := NewGroupsAggregator(limit, groupSize, keys)
	oversampled := limit * groupSize
	if oversampled <= 0 {
		oversampled = limit
	}

	for i := 0; i < maxGroupIterations && !agg.Full(); i++ {
		rows, err := run(ctx, oversampled)
		if err != nil {
			return nil, fmt.Errorf("query: group discovery iteration %d: %w", i, err)
		}
		if len(rows) == 0 {
			break
		}
		for _, r := range rows {
			if md, ok := c.metadataOf(ctx, r.OffsetID); ok {
				agg.Add(r.OffsetID, r.Distance, md)
			}
		}
	}

	for i := 0; i < maxGroupIterations && !agg.Full(); i++ {
		rows, err := run(ctx, oversampled)
		if err != nil {
			return nil, fmt.Errorf("query: group filling iteration %d: %w", i, err)
		}
		if len(rows) == 0 {
			break
		}
		for _, r := range rows {
			if md, ok := c.metadataOf(ctx, r.OffsetID); ok {
				agg.Add(r.OffsetID, r.Distance, md)
			}
		}
	}

	return agg, nil
}
