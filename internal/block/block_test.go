package block

import (
	"context"
	"fmt"
	"testing"

	"github.com/google/uuid"

	"github.com/flashvec/corevdb/internal/storage"
	"github.com/flashvec/corevdb/internal/types"
)

func TestDeltaFinishProducesSortedBlock(t *testing.T) {
	d := NewDelta(types.CompositeKey{}, StringCodec{})

	for i := 9; i >= 0; i-- {
		key := types.StringKey(fmt.Sprintf("key%02d", i))
		if err := d.Add("p", key, fmt.Sprintf("v%d", i)); err != nil {
			t.Fatal(err)
		}
	}

	blk := d.Finish(uuid.New())
	if blk.Len() != 10 {
		t.Fatalf("expected 10 rows, got %d", blk.Len())
	}
	for i := 0; i < 10; i++ {
		row, ok := blk.GetAtIndex(i)
		if !ok {
			t.Fatalf("missing row %d", i)
		}
		want := fmt.Sprintf("key%02d", i)
		if row.Key.Key.Str != want {
			t.Fatalf("row %d: got key %q want %q", i, row.Key.Key.Str, want)
		}
	}
}

func TestDeltaDeleteTombstonesAreDroppedOnFinish(t *testing.T) {
	d := NewDelta(types.CompositeKey{}, StringCodec{})
	if err := d.Add("p", types.StringKey("a"), "1"); err != nil {
		t.Fatal(err)
	}
	if err := d.Add("p", types.StringKey("b"), "2"); err != nil {
		t.Fatal(err)
	}
	if err := d.Delete("p", types.StringKey("a")); err != nil {
		t.Fatal(err)
	}

	blk := d.Finish(uuid.New())
	if blk.Len() != 1 {
		t.Fatalf("expected 1 live row after tombstone, got %d", blk.Len())
	}
	if _, ok := blk.Get("p", types.StringKey("a")); ok {
		t.Fatal("deleted key should not be found")
	}
	if v, ok := blk.Get("p", types.StringKey("b")); !ok || v != "2" {
		t.Fatalf("expected b=2, got %q %v", v, ok)
	}
}

func TestBlockSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	store, err := storage.NewLocal(dir)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	d := NewDelta(types.CompositeKey{}, StringCodec{})
	for i := 0; i < 5; i++ {
		if err := d.Add("prefix", types.StringKey(fmt.Sprintf("k%d", i)), fmt.Sprintf("v%d", i)); err != nil {
			t.Fatal(err)
		}
	}
	id := uuid.New()
	blk := d.Finish(id)

	path := "blocks/" + id.String()
	if err := blk.Save(ctx, store, path); err != nil {
		t.Fatal(err)
	}

	loaded, err := LoadWithValidation[string](ctx, store, path, id, StringCodec{})
	if err != nil {
		t.Fatal(err)
	}
	if loaded.Len() != blk.Len() {
		t.Fatalf("expected %d rows, got %d", blk.Len(), loaded.Len())
	}
	if loaded.Size() != blk.Size() {
		t.Fatalf("expected size %d, got %d", blk.Size(), loaded.Size())
	}
	for i := 0; i < 5; i++ {
		v, ok := loaded.Get("prefix", types.StringKey(fmt.Sprintf("k%d", i)))
		if !ok || v != fmt.Sprintf("v%d", i) {
			t.Fatalf("row %d: got %q %v", i, v, ok)
		}
	}
}

func TestBlockLoadWithValidationRejectsIDMismatch(t *testing.T) {
	dir := t.TempDir()
	store, err := storage.NewLocal(dir)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	d := NewDelta(types.CompositeKey{}, StringCodec{})
	_ = d.Add("p", types.StringKey("a"), "1")
	id := uuid.New()
	blk := d.Finish(id)

	path := "blocks/x"
	if err := blk.Save(ctx, store, path); err != nil {
		t.Fatal(err)
	}

	if _, err := LoadWithValidation[string](ctx, store, path, uuid.New(), StringCodec{}); err == nil {
		t.Fatal("expected id mismatch error")
	}
}

func TestSplitProducesBoundedChunks(t *testing.T) {
	d := NewDelta(types.CompositeKey{Key: types.StringKey("key0000")}, StringCodec{})
	for i := 0; i < 2000; i++ {
		key := types.StringKey(fmt.Sprintf("key%04d", i))
		if err := d.Add("prefix", key, fmt.Sprintf("v%d", i)); err != nil {
			t.Fatal(err)
		}
	}

	const maxSize = 8192
	if d.GetSize() <= maxSize {
		t.Fatalf("expected delta to be over quota for the test, size=%d", d.GetSize())
	}

	chunks, err := Split(d, maxSize)
	if err != nil {
		t.Fatal(err)
	}
	if len(chunks) < 2 {
		t.Fatalf("expected at least 2 chunks, got %d", len(chunks))
	}

	total := 0
	for _, c := range chunks {
		if c.Delta.GetSize() > maxSize {
			t.Fatalf("chunk exceeds max size: %d > %d", c.Delta.GetSize(), maxSize)
		}
		total += c.Delta.Len()
	}
	if total != 2000 {
		t.Fatalf("expected all 2000 rows preserved across chunks, got %d", total)
	}
}

func TestSplitSingleBlockWhenExactlyAtBudget(t *testing.T) {
	d := NewDelta(types.CompositeKey{}, StringCodec{})
	_ = d.Add("p", types.StringKey("a"), "1")

	// A delta whose size equals the budget exactly must not split.
	chunks, err := Split(d, d.GetSize())
	if err != nil {
		t.Fatal(err)
	}
	if len(chunks) != 1 {
		t.Fatalf("expected exactly one chunk, got %d", len(chunks))
	}
}
