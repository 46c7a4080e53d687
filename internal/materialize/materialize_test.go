package materialize

import (
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/flashvec/corevdb/internal/segment"
	"github.com/flashvec/corevdb/internal/where"
)

type fakeLookup struct {
	offsets map[string]uint32
	records map[uint32]segment.Record
}

func newFakeLookup() *fakeLookup {
	return &fakeLookup{offsets: map[string]uint32{}, records: map[uint32]segment.Record{}}
}

func (l *fakeLookup) GetOffsetForID(_ context.Context, id string) (uint32, bool, error) {
	off, ok := l.offsets[id]
	return off, ok, nil
}

func (l *fakeLookup) GetDataForOffsetID(_ context.Context, offsetID uint32) (segment.Record, bool, error) {
	rec, ok := l.records[offsetID]
	return rec, ok, nil
}

type fakeAllocator struct{ next uint32 }

func (a *fakeAllocator) Next() uint32 {
	a.next++
	return a.next
}

func TestMaterializeAddOnAbsentID(t *testing.T) {
	lookup := newFakeLookup()
	alloc := &fakeAllocator{}

	doc := "hello"
	ops, err := Materialize(context.Background(), []LogRecord{
		{ID: "a", Operation: Add, Embedding: []float32{1, 2}, Document: &doc},
	}, lookup, alloc)
	if err != nil {
		t.Fatal(err)
	}
	if len(ops) != 1 {
		t.Fatalf("expected 1 op, got %d", len(ops))
	}
	if ops[0].Kind != AddNew {
		t.Fatalf("expected AddNew, got %v", ops[0].Kind)
	}
	if ops[0].OffsetID != 1 {
		t.Fatalf("expected offset 1, got %d", ops[0].OffsetID)
	}
}

func TestMaterializeUpdateOnExistingID(t *testing.T) {
	lookup := newFakeLookup()
	lookup.offsets["a"] = 42
	lookup.records[42] = segment.Record{ID: "a", Embedding: []float32{1}, Document: "old"}
	alloc := &fakeAllocator{}

	newDoc := "new"
	ops, err := Materialize(context.Background(), []LogRecord{
		{ID: "a", Operation: Update, Document: &newDoc},
	}, lookup, alloc)
	if err != nil {
		t.Fatal(err)
	}
	if len(ops) != 1 {
		t.Fatalf("expected 1 op, got %+v", ops)
	}
	prior := lookup.records[42]
	want := MaterialisedOp{
		ID:           "a",
		Kind:         UpdateExisting,
		OffsetID:     42,
		PriorRecord:  &prior,
		NewEmbedding: []float32{1}, // carried over unchanged from the prior record
		NewDocument:  "new",
	}
	// A plain %+v diff on a struct this wide (two slices, a map, a nested
	// pointer) hides which field actually disagrees; cmp.Diff pinpoints it.
	if diff := cmp.Diff(want, ops[0]); diff != "" {
		t.Fatalf("materialised op mismatch (-want +got):\n%s", diff)
	}
}

func TestMaterializeUpdateOnAbsentIDIsNoOp(t *testing.T) {
	lookup := newFakeLookup()
	alloc := &fakeAllocator{}

	doc := "x"
	ops, err := Materialize(context.Background(), []LogRecord{
		{ID: "ghost", Operation: Update, Document: &doc},
	}, lookup, alloc)
	if err != nil {
		t.Fatal(err)
	}
	if len(ops) != 0 {
		t.Fatalf("expected no materialised ops, got %+v", ops)
	}
}

func TestMaterializeDeleteThenAddOverwrites(t *testing.T) {
	lookup := newFakeLookup()
	lookup.offsets["a"] = 7
	lookup.records[7] = segment.Record{ID: "a", Embedding: []float32{9}}
	alloc := &fakeAllocator{}

	doc := "fresh"
	ops, err := Materialize(context.Background(), []LogRecord{
		{ID: "a", Operation: Delete},
		{ID: "a", Operation: Add, Embedding: []float32{1, 1}, Document: &doc},
	}, lookup, alloc)
	if err != nil {
		t.Fatal(err)
	}
	if len(ops) != 1 {
		t.Fatalf("expected 1 op, got %d", len(ops))
	}
	if ops[0].Kind != OverwriteExisting {
		t.Fatalf("expected OverwriteExisting, got %v", ops[0].Kind)
	}
	if ops[0].OffsetID == 7 {
		t.Fatalf("overwrite should assign a fresh offset id, got the old one")
	}
}

func TestMaterializeUpsertCreatesWhenAbsent(t *testing.T) {
	lookup := newFakeLookup()
	alloc := &fakeAllocator{}

	meta := map[string]where.Value{"k": where.IntValue(1)}
	ops, err := Materialize(context.Background(), []LogRecord{
		{ID: "new-id", Operation: Upsert, Embedding: []float32{1}, Metadata: meta},
	}, lookup, alloc)
	if err != nil {
		t.Fatal(err)
	}
	if len(ops) != 1 || ops[0].Kind != AddNew {
		t.Fatalf("expected AddNew for upsert on absent id, got %+v", ops)
	}
}

func TestMaterializeAddThenDeleteOnAbsentIDVanishes(t *testing.T) {
	lookup := newFakeLookup()
	alloc := &fakeAllocator{}

	doc := "x"
	ops, err := Materialize(context.Background(), []LogRecord{
		{ID: "a", Operation: Add, Embedding: []float32{1}, Document: &doc},
		{ID: "a", Operation: Delete},
	}, lookup, alloc)
	if err != nil {
		t.Fatal(err)
	}
	if len(ops) != 0 {
		t.Fatalf("expected an add immediately deleted within the same chunk to vanish, got %+v", ops)
	}
}

func TestMaterializeOrderPreservesFirstSeen(t *testing.T) {
	lookup := newFakeLookup()
	alloc := &fakeAllocator{}

	ops, err := Materialize(context.Background(), []LogRecord{
		{ID: "b", Operation: Add, Embedding: []float32{1}},
		{ID: "a", Operation: Add, Embedding: []float32{2}},
		{ID: "b", Operation: Update, Embedding: []float32{3}},
	}, lookup, alloc)
	if err != nil {
		t.Fatal(err)
	}
	if len(ops) != 2 || ops[0].ID != "b" || ops[1].ID != "a" {
		t.Fatalf("expected order [b, a] (first-seen), got %+v", ops)
	}
}
