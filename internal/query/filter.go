// Package query implements spec §4.13's query executor: a graph of
// orchestrators communicating by message passing, each owning its
// substrate readers and short-lived task actors.
//
// Grounded on spec §4.13 directly; the actor shape (goroutine per
// orchestrator, result delivered over a channel) follows the teacher's
// WALWriter/heap-tender loop idiom (buffered channel + single consuming
// goroutine) generalized from "one writer loop" to "one orchestrator per
// query component", and on spec §5's "orchestrators are single-threaded
// actors: incoming messages are processed in the order received".
package query

import (
	"context"
	"fmt"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/flashvec/corevdb/internal/materialize"
	"github.com/flashvec/corevdb/internal/segment"
	"github.com/flashvec/corevdb/internal/where"
)

// FilterResult is the FilterOrchestrator's output (spec §4.13
// "{ compact_offset_ids, log_offset_ids, hnsw_reader?, record_segment,
// logs, distance_function }").
type FilterResult struct {
	CompactOffsetIDs *roaring.Bitmap
	LogOffsetIDs     *roaring.Bitmap
	Logs             []materialize.LogRecord
	RecordSegment    *segment.RecordReader
}

// FilterOrchestrator loads the materialised log, the record segment
// reader, the metadata segment reader, and evaluates the Where tree
// against both the committed segment and the uncommitted log tail.
type FilterOrchestrator struct {
	Records  *segment.RecordReader
	Metadata where.MetadataLookup
	Logs     []materialize.LogRecord
}

// logMetadataLookup evaluates a Where tree against the in-memory log
// tail's materialised metadata, since the uncommitted tail has no
// blockfile-backed inverted index yet (spec §4.13 "log-knn task
// (materialised deltas only, brute force)" — the filter side of that same
// brute-force-over-the-tail principle).
type logMetadataLookup struct {
	byOffset map[uint32]map[string]where.Value
	docs     map[uint32]string
}

func newLogMetadataLookup(logs []materialize.LogRecord, alloc *sequentialAllocator) *logMetadataLookup {
	l := &logMetadataLookup{byOffset: map[uint32]map[string]where.Value{}, docs: map[uint32]string{}}
	for _, rec := range logs {
		offsetID := alloc.offsetFor(rec.ID)
		if rec.Metadata != nil {
			l.byOffset[offsetID] = rec.Metadata
		}
		if rec.Document != nil {
			l.docs[offsetID] = *rec.Document
		}
	}
	return l
}

// sequentialAllocator assigns stable synthetic offset ids to log-tail
// user ids within the scope of a single query, purely so the log-tail
// brute-force path can speak the same offset-id currency as the
// committed segment's KNN results (these ids never touch storage).
type sequentialAllocator struct {
	next uint32
	ids  map[string]uint32
}

func newSequentialAllocator(base uint32) *sequentialAllocator {
	return &sequentialAllocator{next: base, ids: map[string]uint32{}}
}

func (a *sequentialAllocator) offsetFor(id string) uint32 {
	if v, ok := a.ids[id]; ok {
		return v
	}
	a.next++
	a.ids[id] = a.next
	return a.next
}

func (l *logMetadataLookup) Eq(key string, v where.Value) (*roaring.Bitmap, error) {
	out := roaring.New()
	for offsetID, md := range l.byOffset {
		if existing, ok := md[key]; ok && valueEqual(existing, v) {
			out.Add(offsetID)
		}
	}
	return out, nil
}

func (l *logMetadataLookup) ordered(key string, keep func(where.Value) bool) (*roaring.Bitmap, error) {
	out := roaring.New()
	for offsetID, md := range l.byOffset {
		if existing, ok := md[key]; ok && keep(existing) {
			out.Add(offsetID)
		}
	}
	return out, nil
}

func (l *logMetadataLookup) Lt(key string, v where.Value) (*roaring.Bitmap, error) {
	return l.ordered(key, func(e where.Value) bool { return valueLess(e, v) })
}
func (l *logMetadataLookup) Lte(key string, v where.Value) (*roaring.Bitmap, error) {
	return l.ordered(key, func(e where.Value) bool { return valueLess(e, v) || valueEqual(e, v) })
}
func (l *logMetadataLookup) Gt(key string, v where.Value) (*roaring.Bitmap, error) {
	return l.ordered(key, func(e where.Value) bool { return valueLess(v, e) })
}
func (l *logMetadataLookup) Gte(key string, v where.Value) (*roaring.Bitmap, error) {
	return l.ordered(key, func(e where.Value) bool { return valueLess(v, e) || valueEqual(e, v) })
}
func (l *logMetadataLookup) allOffsetIDs() []uint32 {
	seen := map[uint32]bool{}
	for id := range l.byOffset {
		seen[id] = true
	}
	for id := range l.docs {
		seen[id] = true
	}
	out := make([]uint32, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	return out
}

func (l *logMetadataLookup) DocumentContains(text string) (*roaring.Bitmap, error) {
	out := roaring.New()
	for offsetID, doc := range l.docs {
		if containsToken(doc, text) {
			out.Add(offsetID)
		}
	}
	return out, nil
}

func valueEqual(a, b where.Value) bool {
	switch {
	case a.IsStr && b.IsStr:
		return a.Str == b.Str
	case a.IsBool && b.IsBool:
		return a.Bool == b.Bool
	case a.IsInt && b.IsInt:
		return a.Int == b.Int
	case a.IsFlt && b.IsFlt:
		return a.Float == b.Float
	default:
		return false
	}
}

func valueLess(a, b where.Value) bool {
	switch {
	case a.IsStr && b.IsStr:
		return a.Str < b.Str
	case a.IsInt && b.IsInt:
		return a.Int < b.Int
	case a.IsFlt && b.IsFlt:
		return a.Float < b.Float
	default:
		return false
	}
}

func containsToken(doc, needle string) bool {
	return len(needle) == 0 || (len(doc) >= len(needle) && indexOf(doc, needle) >= 0)
}

func indexOf(haystack, needle string) int {
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if haystack[i:i+len(needle)] == needle {
			return i
		}
	}
	return -1
}

// Run evaluates w against both the committed metadata segment and the
// log tail, returning a FilterResult ready for the KNN orchestrators
// (spec §4.13 FilterOrchestrator).
func (f *FilterOrchestrator) Run(ctx context.Context, w *where.Where, alloc *sequentialAllocator) (FilterResult, error) {
	compact, err := where.Eval(w, f.Metadata)
	if err != nil {
		return FilterResult{}, fmt.Errorf("query: filter segment: %w", err)
	}
	logLookup := newLogMetadataLookup(f.Logs, alloc)
	logSigned, err := where.Eval(w, logLookup)
	if err != nil {
		return FilterResult{}, fmt.Errorf("query: filter log tail: %w", err)
	}

	universe, err := f.Records.AllOffsetIDs(ctx)
	if err != nil {
		return FilterResult{}, fmt.Errorf("query: universe: %w", err)
	}
	uniBitmap := roaring.New()
	uniBitmap.AddMany(universe)

	logUniverse := roaring.New()
	for _, offsetID := range logLookup.allOffsetIDs() {
		logUniverse.Add(offsetID)
	}

	return FilterResult{
		CompactOffsetIDs: compact.Materialize(uniBitmap),
		LogOffsetIDs:     logSigned.Materialize(logUniverse),
		Logs:             f.Logs,
		RecordSegment:    f.Records,
	}, nil
}
