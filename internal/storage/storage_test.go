package storage

import (
	"context"
	"testing"
)

func TestLocalPutGetRoundTrip(t *testing.T) {
	dir := t.TempDir()
	store, err := NewLocal(dir)
	if err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	etag, err := store.PutBytes(ctx, "blocks/abc", []byte("hello"), PutOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if etag == "" {
		t.Fatal("expected non-empty etag")
	}

	got, err := store.Get(ctx, "blocks/abc")
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "hello" {
		t.Fatalf("got %q, want %q", got, "hello")
	}
}

func TestLocalIfNotExistsRejectsSecondWrite(t *testing.T) {
	dir := t.TempDir()
	store, err := NewLocal(dir)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	if _, err := store.PutBytes(ctx, "versions/1", []byte("v1"), PutOptions{Mode: IfNotExists}); err != nil {
		t.Fatal(err)
	}
	if _, err := store.PutBytes(ctx, "versions/1", []byte("v2"), PutOptions{Mode: IfNotExists}); err == nil {
		t.Fatal("expected conditional put to fail on existing object")
	}
}

func TestLocalIfMatchSerializesWriters(t *testing.T) {
	dir := t.TempDir()
	store, err := NewLocal(dir)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	etag, err := store.PutBytes(ctx, "versions/coll", []byte("v1"), PutOptions{})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := store.PutBytes(ctx, "versions/coll", []byte("v2"), PutOptions{Mode: IfMatch, ETag: etag}); err != nil {
		t.Fatalf("expected matching etag to succeed: %v", err)
	}

	// Stale etag (from before the v2 write) must now fail.
	if _, err := store.PutBytes(ctx, "versions/coll", []byte("v3"), PutOptions{Mode: IfMatch, ETag: etag}); err == nil {
		t.Fatal("expected stale etag to be rejected")
	}
}

func TestLocalListPrefixAndRename(t *testing.T) {
	dir := t.TempDir()
	store, err := NewLocal(dir)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	for _, p := range []string{"blocks/a", "blocks/b", "hnsw/x/header.bin"} {
		if _, err := store.PutBytes(ctx, p, []byte(p), PutOptions{}); err != nil {
			t.Fatal(err)
		}
	}

	got, err := store.ListPrefix(ctx, "blocks/")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 entries under blocks/, got %v", got)
	}

	if err := store.Rename(ctx, "blocks/a", "renamed/coll/epoch/blocks/a"); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Get(ctx, "blocks/a"); err == nil {
		t.Fatal("expected original path to be gone after rename")
	}
	if _, err := store.Get(ctx, "renamed/coll/epoch/blocks/a"); err != nil {
		t.Fatalf("expected renamed object to be readable: %v", err)
	}
}

func TestLocalDeleteMissingIsNotFound(t *testing.T) {
	dir := t.TempDir()
	store, err := NewLocal(dir)
	if err != nil {
		t.Fatal(err)
	}
	if err := store.Delete(context.Background(), "nope"); err == nil {
		t.Fatal("expected error deleting missing object")
	}
}
