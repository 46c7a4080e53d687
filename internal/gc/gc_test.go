package gc

import (
	"context"
	"testing"
	"time"

	"github.com/flashvec/corevdb/internal/blockfile"
	"github.com/flashvec/corevdb/internal/storage"
	"github.com/flashvec/corevdb/internal/version"
)

func TestComputeVersionsToDeleteKeepsNewestAndRecent(t *testing.T) {
	now := time.Now()
	versions := []version.Info{
		{Version: 3, CreatedAtSecs: now.Unix()},
		{Version: 2, CreatedAtSecs: now.Add(-48 * time.Hour).Unix()},
		{Version: 1, CreatedAtSecs: now.Add(-72 * time.Hour).Unix()},
	}
	toDelete := ComputeVersionsToDelete(versions, now.Add(-24*time.Hour), 1)
	if toDelete[3] {
		t.Fatal("the single most-recent version must never be deleted")
	}
	if !toDelete[2] || !toDelete[1] {
		t.Fatalf("expected both older versions eligible, got %v", toDelete)
	}
}

func TestFetchReferencedFilesSkipsDeletedVersions(t *testing.T) {
	versions := []version.Info{
		{Version: 2, SegmentInfo: map[string]blockfile.FileMap{"records": {"data": {"keep-me"}}}},
		{Version: 1, SegmentInfo: map[string]blockfile.FileMap{"records": {"data": {"drop-me"}}}},
	}
	referenced := FetchReferencedFiles(versions, map[int64]bool{1: true})
	if !referenced["keep-me"] {
		t.Fatal("expected file referenced by a surviving version to be kept")
	}
	if referenced["drop-me"] {
		t.Fatal("expected file referenced only by a to-be-deleted version to be excluded")
	}
}

func TestComputeUnreferencedSkipsReferencedAndInFlight(t *testing.T) {
	store, err := storage.NewLocal(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	for _, p := range []string{"coll/records/referenced-uuid", "coll/records/orphan-uuid", "coll/records/fresh-uuid"} {
		if _, err := store.PutBytes(ctx, p, []byte("x"), storage.PutOptions{Mode: storage.Unconditional}); err != nil {
			t.Fatal(err)
		}
	}

	c := NewCollector(store, version.NewManager(store))
	now := time.Now()
	modTime := func(path string) (time.Time, bool) {
		if path == "coll/records/fresh-uuid" {
			return now, true
		}
		return now.Add(-time.Hour), true
	}

	candidates, err := c.ComputeUnreferenced(ctx, "coll", map[string]bool{"referenced-uuid": true}, 10*time.Minute, now, modTime)
	if err != nil {
		t.Fatal(err)
	}
	if len(candidates) != 1 || candidates[0] != "coll/records/orphan-uuid" {
		t.Fatalf("expected only the orphaned, non-in-flight file, got %v", candidates)
	}
}

func TestComputeUnreferencedNeverTreatsTheVersionFileAsGarbage(t *testing.T) {
	store, err := storage.NewLocal(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	vm := version.NewManager(store)
	v := version.Info{Reason: version.ReasonInitial}
	if err := vm.Append(ctx, "coll", v, version.PrependNewVersion(v)); err != nil {
		t.Fatal(err)
	}

	c := NewCollector(store, vm)
	modTime := func(string) (time.Time, bool) { return time.Now().Add(-time.Hour), true }
	candidates, err := c.ComputeUnreferenced(ctx, "coll", map[string]bool{}, time.Millisecond, time.Now(), modTime)
	if err != nil {
		t.Fatal(err)
	}
	for _, p := range candidates {
		if isVersionFile(p) {
			t.Fatalf("version file %q must never be a GC candidate", p)
		}
	}
}

func TestDeleteUnusedFilesListOnlyTouchesNothing(t *testing.T) {
	store, err := storage.NewLocal(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	path := "coll/records/x"
	if _, err := store.PutBytes(ctx, path, []byte("x"), storage.PutOptions{Mode: storage.Unconditional}); err != nil {
		t.Fatal(err)
	}

	c := NewCollector(store, version.NewManager(store))
	cfg := Config{CollectionID: "coll", Mode: ListOnly}.withDefaults()
	manifest := c.DeleteUnusedFiles(ctx, cfg, 1, []string{path})
	if len(manifest.Entries) != 1 || manifest.Entries[0].Failed {
		t.Fatalf("expected a clean listing entry, got %+v", manifest.Entries)
	}
	if _, err := store.Get(ctx, path); err != nil {
		t.Fatalf("expected list-only mode to leave the file in place: %v", err)
	}
}

func TestDeleteUnusedFilesDeleteModeRemovesAndRecordsFailures(t *testing.T) {
	store, err := storage.NewLocal(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	present := "coll/records/present"
	if _, err := store.PutBytes(ctx, present, []byte("x"), storage.PutOptions{Mode: storage.Unconditional}); err != nil {
		t.Fatal(err)
	}
	missing := "coll/records/missing"

	c := NewCollector(store, version.NewManager(store))
	cfg := Config{CollectionID: "coll", Mode: Delete}.withDefaults()
	manifest := c.DeleteUnusedFiles(ctx, cfg, 1, []string{present, missing})

	var failed, succeeded int
	for _, e := range manifest.Entries {
		if e.Failed {
			failed++
		} else {
			succeeded++
		}
	}
	if succeeded != 1 || failed != 1 {
		t.Fatalf("expected one success and one recorded failure, got succeeded=%d failed=%d entries=%+v", succeeded, failed, manifest.Entries)
	}
}

func TestRunEndToEndDeletesOldVersionAndUnreferencedFile(t *testing.T) {
	store, err := storage.NewLocal(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	vm := version.NewManager(store)

	keep := "coll/records/keep-uuid"
	orphan := "coll/records/orphan-uuid"
	for _, p := range []string{keep, orphan} {
		if _, err := store.PutBytes(ctx, p, []byte("x"), storage.PutOptions{Mode: storage.Unconditional}); err != nil {
			t.Fatal(err)
		}
	}

	old := version.Info{CreatedAtSecs: time.Now().Add(-72 * time.Hour).Unix(), SegmentInfo: map[string]blockfile.FileMap{"records": {"data": {"orphan-uuid"}}}}
	if err := vm.Append(ctx, "coll", old, version.PrependNewVersion(old)); err != nil {
		t.Fatal(err)
	}
	recent := version.Info{CreatedAtSecs: time.Now().Unix(), SegmentInfo: map[string]blockfile.FileMap{"records": {"data": {"keep-uuid"}}}}
	if err := vm.Append(ctx, "coll", recent, version.PrependNewVersion(recent)); err != nil {
		t.Fatal(err)
	}

	c := NewCollector(store, vm)
	cfg := Config{
		CollectionID:      "coll",
		CutoffTime:        time.Now().Add(-24 * time.Hour),
		MinVersionsToKeep: 1,
		Mode:              Delete,
		InFlightTTL:       time.Millisecond,
	}
	modTime := func(string) (time.Time, bool) { return time.Now().Add(-time.Hour), true }

	manifest, err := c.Run(ctx, cfg, 1, modTime)
	if err != nil {
		t.Fatal(err)
	}
	if len(manifest.Entries) != 1 || manifest.Entries[0].Path != orphan {
		t.Fatalf("expected only the orphaned file processed, got %+v", manifest.Entries)
	}
	if _, err := store.Get(ctx, orphan); err == nil {
		t.Fatal("expected the orphaned file to be deleted")
	}
	if _, err := store.Get(ctx, keep); err != nil {
		t.Fatalf("expected the referenced file to survive: %v", err)
	}

	list, _, err := vm.Load(ctx, "coll")
	if err != nil {
		t.Fatal(err)
	}
	if len(list.Versions) != 1 {
		t.Fatalf("expected the old version pruned and only the recent one left, got %d", len(list.Versions))
	}
}
