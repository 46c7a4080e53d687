package segment

import (
	"context"
	"testing"

	"github.com/google/uuid"

	"github.com/flashvec/corevdb/internal/blockfile"
	"github.com/flashvec/corevdb/internal/cache"
	"github.com/flashvec/corevdb/internal/sparseindex"
	"github.com/flashvec/corevdb/internal/storage"
	"github.com/flashvec/corevdb/internal/where"
)

const testSparseIndexPrefix = "sparseindex/"

func newSegmentTestStack(t *testing.T) (storage.Store, *cache.Of[uuid.UUID, any]) {
	t.Helper()
	store, err := storage.NewLocal(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	bc, err := cache.New[uuid.UUID, any](64)
	if err != nil {
		t.Fatal(err)
	}
	return store, bc
}

func mustLoadSparse(t *testing.T, ctx context.Context, store storage.Store, idStr string) *sparseindex.SparseIndex {
	t.Helper()
	id, err := uuid.Parse(idStr)
	if err != nil {
		t.Fatal(err)
	}
	sparse, err := blockfile.LoadSparseIndex(ctx, store, testSparseIndexPrefix, id)
	if err != nil {
		t.Fatal(err)
	}
	return sparse
}

func TestRecordSegmentPutThenGetOffsetForID(t *testing.T) {
	store, bc := newSegmentTestStack(t)
	ctx := context.Background()
	s := NewRecordSegment(store, bc)

	rec := Record{ID: "a", Embedding: []float32{1, 2, 3}, Document: "hello"}
	if err := s.Put(ctx, 7, rec); err != nil {
		t.Fatal(err)
	}

	offsetID, ok, err := s.GetOffsetForID(ctx, "a")
	if err != nil {
		t.Fatal(err)
	}
	if !ok || offsetID != 7 {
		t.Fatalf("expected offset 7 for id 'a', got %d ok=%v", offsetID, ok)
	}

	got, ok, err := s.GetDataForOffsetID(ctx, 7)
	if err != nil {
		t.Fatal(err)
	}
	if !ok || got.ID != "a" || got.Document != "hello" {
		t.Fatalf("expected the stored record back, got %+v ok=%v", got, ok)
	}
}

func TestRecordSegmentBloomShortCircuitsUnknownID(t *testing.T) {
	store, bc := newSegmentTestStack(t)
	ctx := context.Background()
	s := NewRecordSegment(store, bc)

	_, ok, err := s.GetOffsetForID(ctx, "never-seen")
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("expected an id never Put to report not-found without touching the blockfile")
	}
}

func TestRecordSegmentDeleteRemovesRecordBytes(t *testing.T) {
	store, bc := newSegmentTestStack(t)
	ctx := context.Background()
	s := NewRecordSegment(store, bc)

	if err := s.Put(ctx, 1, Record{ID: "a"}); err != nil {
		t.Fatal(err)
	}
	if err := s.Delete(ctx, "a", 1); err != nil {
		t.Fatal(err)
	}
	_, ok, err := s.GetDataForOffsetID(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("expected the record bytes removed after Delete")
	}
}

func TestRecordSegmentCommitAndReopenRoundTrips(t *testing.T) {
	store, bc := newSegmentTestStack(t)
	ctx := context.Background()
	s := NewRecordSegment(store, bc)

	if err := s.Put(ctx, 1, Record{ID: "a", Embedding: []float32{1, 2}}); err != nil {
		t.Fatal(err)
	}
	files, err := s.Commit(ctx)
	if err != nil {
		t.Fatal(err)
	}

	idIDs := files["id_to_offset_sparse_index"]
	recIDs := files["offset_to_record_sparse_index"]
	if len(idIDs) == 0 || len(recIDs) == 0 {
		t.Fatalf("expected both sparse index file entries, got %+v", files)
	}

	idSparse := mustLoadSparse(t, ctx, store, idIDs[0])
	recSparse := mustLoadSparse(t, ctx, store, recIDs[0])

	reader := OpenRecordReader(idSparse, recSparse, store, bc)
	offsetID, ok, err := reader.GetOffsetForID(ctx, "a")
	if err != nil {
		t.Fatal(err)
	}
	if !ok || offsetID != 1 {
		t.Fatalf("expected offset 1 for id 'a' after reopen, got %d ok=%v", offsetID, ok)
	}

	all, err := reader.AllOffsetIDs(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 1 || all[0] != 1 {
		t.Fatalf("expected AllOffsetIDs == [1], got %v", all)
	}
}

func TestMetadataSegmentEqMatchesIndexedValue(t *testing.T) {
	store, bc := newSegmentTestStack(t)
	ctx := context.Background()
	m := NewMetadataSegment(store, bc)

	if err := m.IndexRecord(ctx, 1, map[string]where.Value{"color": where.StringValue("red")}, "a red apple"); err != nil {
		t.Fatal(err)
	}
	if err := m.IndexRecord(ctx, 2, map[string]where.Value{"color": where.StringValue("blue")}, "a blue sky"); err != nil {
		t.Fatal(err)
	}

	files, err := m.Commit(ctx)
	if err != nil {
		t.Fatal(err)
	}
	idxSparse := mustLoadSparse(t, ctx, store, files["metadata_index_sparse_index"][0])
	docSparse := mustLoadSparse(t, ctx, store, files["document_index_sparse_index"][0])

	reader := OpenMetadataReader(idxSparse, docSparse, store, bc)
	bm, err := reader.Eq("color", where.StringValue("red"))
	if err != nil {
		t.Fatal(err)
	}
	if !bm.Contains(1) || bm.Contains(2) {
		t.Fatalf("expected only offset 1 to match color=red, got %v", bm.ToArray())
	}

	docBm, err := reader.DocumentContains("sky")
	if err != nil {
		t.Fatal(err)
	}
	if !docBm.Contains(2) || docBm.Contains(1) {
		t.Fatalf("expected only offset 2 to match the 'sky' token, got %v", docBm.ToArray())
	}
}

func TestMetadataSegmentRangeComparisons(t *testing.T) {
	store, bc := newSegmentTestStack(t)
	ctx := context.Background()
	m := NewMetadataSegment(store, bc)

	if err := m.IndexRecord(ctx, 1, map[string]where.Value{"age": where.IntValue(10)}, ""); err != nil {
		t.Fatal(err)
	}
	if err := m.IndexRecord(ctx, 2, map[string]where.Value{"age": where.IntValue(20)}, ""); err != nil {
		t.Fatal(err)
	}
	if err := m.IndexRecord(ctx, 3, map[string]where.Value{"age": where.IntValue(30)}, ""); err != nil {
		t.Fatal(err)
	}

	files, err := m.Commit(ctx)
	if err != nil {
		t.Fatal(err)
	}
	idxSparse := mustLoadSparse(t, ctx, store, files["metadata_index_sparse_index"][0])
	docSparse := mustLoadSparse(t, ctx, store, files["document_index_sparse_index"][0])
	reader := OpenMetadataReader(idxSparse, docSparse, store, bc)

	gt, err := reader.Gt("age", where.IntValue(15))
	if err != nil {
		t.Fatal(err)
	}
	if gt.Contains(1) || !gt.Contains(2) || !gt.Contains(3) {
		t.Fatalf("expected age>15 to match offsets {2,3}, got %v", gt.ToArray())
	}

	lte, err := reader.Lte("age", where.IntValue(20))
	if err != nil {
		t.Fatal(err)
	}
	if !lte.Contains(1) || !lte.Contains(2) || lte.Contains(3) {
		t.Fatalf("expected age<=20 to match offsets {1,2}, got %v", lte.ToArray())
	}
}
