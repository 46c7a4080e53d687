package dirtylog

import (
	"context"
	"testing"
	"time"
)

func TestCoalescerTracksMaxLogPosition(t *testing.T) {
	c := New(16, nil)
	defer c.Close()

	if err := c.Submit(Marker{Kind: MarkDirty, CollectionID: "coll", LogPosition: 5}); err != nil {
		t.Fatal(err)
	}
	if err := c.Submit(Marker{Kind: MarkDirty, CollectionID: "coll", LogPosition: 2}); err != nil {
		t.Fatal(err)
	}
	if err := c.Submit(Marker{Kind: MarkDirty, CollectionID: "coll", LogPosition: 9}); err != nil {
		t.Fatal(err)
	}

	waitForCursor(t, c, "coll", 9)
}

func TestCoalescerIgnoresReinsertedMarkers(t *testing.T) {
	c := New(16, nil)
	defer c.Close()

	if err := c.Submit(Marker{Kind: MarkDirty, CollectionID: "coll", LogPosition: 100, ReinsertCount: 1}); err != nil {
		t.Fatal(err)
	}
	time.Sleep(20 * time.Millisecond)

	if _, ok := c.Cursor("coll"); ok {
		t.Fatal("a marker with reinsert_count != 0 must not advance the cursor")
	}
}

func TestCoalescerInformationalMarkersDoNotAdvance(t *testing.T) {
	c := New(16, nil)
	defer c.Close()

	if err := c.Submit(Marker{Kind: MarkDirty, CollectionID: "coll", LogPosition: 3}); err != nil {
		t.Fatal(err)
	}
	waitForCursor(t, c, "coll", 3)

	if err := c.Submit(Marker{Kind: Purge, CollectionID: "coll"}); err != nil {
		t.Fatal(err)
	}
	if err := c.Submit(Marker{Kind: Cleared, CollectionID: "coll"}); err != nil {
		t.Fatal(err)
	}
	time.Sleep(20 * time.Millisecond)

	pos, ok := c.Cursor("coll")
	if !ok || pos != 3 {
		t.Fatalf("expected cursor to remain at 3, got %d ok=%v", pos, ok)
	}
}

func TestCoalescerAdvanceClearsConsumedCursor(t *testing.T) {
	c := New(16, nil)
	defer c.Close()

	if err := c.Submit(Marker{Kind: MarkDirty, CollectionID: "coll", LogPosition: 10}); err != nil {
		t.Fatal(err)
	}
	waitForCursor(t, c, "coll", 10)

	c.Advance(context.Background(), "coll", 10)
	if _, ok := c.Cursor("coll"); ok {
		t.Fatal("expected cursor to be cleared once the compactor advances past it")
	}
}

func TestCoalescerSubmitAfterCloseFails(t *testing.T) {
	c := New(4, nil)
	c.Close()

	if err := c.Submit(Marker{Kind: MarkDirty, CollectionID: "coll", LogPosition: 1}); err != ErrClosed {
		t.Fatalf("expected ErrClosed after Close, got %v", err)
	}
}

func TestDirtyCollectionsListsOutstandingCursors(t *testing.T) {
	c := New(16, nil)
	defer c.Close()

	if err := c.Submit(Marker{Kind: MarkDirty, CollectionID: "a", LogPosition: 1}); err != nil {
		t.Fatal(err)
	}
	if err := c.Submit(Marker{Kind: MarkDirty, CollectionID: "b", LogPosition: 2}); err != nil {
		t.Fatal(err)
	}
	waitForCursor(t, c, "a", 1)
	waitForCursor(t, c, "b", 2)

	got := map[string]bool{}
	for _, id := range c.DirtyCollections() {
		got[id] = true
	}
	if !got["a"] || !got["b"] || len(got) != 2 {
		t.Fatalf("expected exactly {a, b}, got %v", got)
	}

	c.Advance(context.Background(), "a", 1)
	got = map[string]bool{}
	for _, id := range c.DirtyCollections() {
		got[id] = true
	}
	if got["a"] || !got["b"] || len(got) != 1 {
		t.Fatalf("expected only {b} after advancing a, got %v", got)
	}
}

func TestMarkerEncodeDecodeRoundTrip(t *testing.T) {
	m := Marker{Kind: MarkDirty, CollectionID: "coll", LogPosition: 7, NumRecords: 3}
	b, err := m.Encode()
	if err != nil {
		t.Fatal(err)
	}
	got, err := Decode(b)
	if err != nil {
		t.Fatal(err)
	}
	if got != m {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, m)
	}
}

func waitForCursor(t *testing.T, c *Coalescer, collectionID string, want int64) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if pos, ok := c.Cursor(collectionID); ok && pos == want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("cursor for %q never reached %d", collectionID, want)
}
