// Package gc implements spec §4.12's garbage collector: a six-step state
// machine per collection that retires old versions and reclaims the
// blockfile/HNSW/SPANN storage objects nothing references anymore.
//
// Grounded on internal/storage's Local backend (ListPrefix/Delete/Rename)
// and spec §4.12's numbered steps directly; the manifest format follows
// spec §6's "deleted/<collection>/<epoch>.txt" / "renamed/..." layout.
package gc

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/flashvec/corevdb/internal/storage"
	"github.com/flashvec/corevdb/internal/version"
)

// CleanupMode selects step 4's behavior (spec §4.12 step 4).
type CleanupMode int

const (
	ListOnly CleanupMode = iota
	Rename
	Delete
)

// Config bounds one collector pass over a single collection.
type Config struct {
	CollectionID      string
	CutoffTime        time.Time
	MinVersionsToKeep int
	Mode              CleanupMode
	// InFlightTTL protects an in-flight compaction's preliminary uploads:
	// any object newer than this age is never treated as unreferenced
	// garbage, even if no surviving version names it yet (spec §4.12 step
	// 3 "subtract ... any in-flight compaction's preliminary uploads
	// (protected by a TTL on write time)").
	InFlightTTL time.Duration
	Log         *zap.Logger
}

func (c Config) withDefaults() Config {
	if c.MinVersionsToKeep <= 0 {
		c.MinVersionsToKeep = 1
	}
	if c.InFlightTTL <= 0 {
		c.InFlightTTL = 10 * time.Minute
	}
	if c.Log == nil {
		c.Log = zap.NewNop()
	}
	return c
}

// ManifestEntry records one file's cleanup outcome.
type ManifestEntry struct {
	Path   string
	Failed bool
	Reason string
}

// Manifest is step 5's "deletion list (successes and failures)".
type Manifest struct {
	CollectionID string
	Epoch        int64
	Mode         CleanupMode
	Entries      []ManifestEntry
}

// Collector drives the per-collection GC state machine against store and
// a collection's version manager.
type Collector struct {
	store storage.Store
	vm    *version.Manager
}

func NewCollector(store storage.Store, vm *version.Manager) *Collector {
	return &Collector{store: store, vm: vm}
}

// ComputeVersionsToDelete is step 1: mark every version older than
// cutoff AND not among the newest minVersionsToKeep. The list arrives
// newest-first (spec §6), so the newest N are always the first N entries.
func ComputeVersionsToDelete(versions []version.Info, cutoff time.Time, minVersionsToKeep int) map[int64]bool {
	toDelete := map[int64]bool{}
	for i, v := range versions {
		if i < minVersionsToKeep {
			continue
		}
		if time.Unix(v.CreatedAtSecs, 0).Before(cutoff) {
			toDelete[v.Version] = true
		}
	}
	return toDelete
}

// FetchReferencedFiles is step 2: union every file UUID named by a
// surviving (non-deleted, not about to be deleted) version's segment_info
// map.
func FetchReferencedFiles(versions []version.Info, toDelete map[int64]bool) map[string]bool {
	referenced := map[string]bool{}
	for _, v := range versions {
		if v.MarkedForDeletion || toDelete[v.Version] {
			continue
		}
		for _, fm := range v.SegmentInfo {
			for _, uuids := range fm {
				for _, id := range uuids {
					referenced[id] = true
				}
			}
		}
	}
	return referenced
}

// fileUUID extracts the content-addressed UUID component from a storage
// path, the unit referenced entries are keyed by.
func fileUUID(path string) string {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	return parts[len(parts)-1]
}

// isVersionFile reports whether path is the collection's own version file
// (spec §6 "<collection_id>/versions/current"), which step 3's scan must
// never treat as unreferenced blockfile garbage.
func isVersionFile(path string) bool {
	return strings.HasSuffix(strings.Trim(path, "/"), "versions/current")
}

// ComputeUnreferenced is step 3: every object under the collection's
// storage prefix whose UUID is not in referenced and that is older than
// inFlightTTL.
func (c *Collector) ComputeUnreferenced(ctx context.Context, collectionID string, referenced map[string]bool, inFlightTTL time.Duration, now time.Time, modTime func(path string) (time.Time, bool)) ([]string, error) {
	paths, err := c.store.ListPrefix(ctx, collectionID+"/")
	if err != nil {
		return nil, fmt.Errorf("gc: list %q: %w", collectionID, err)
	}
	var candidates []string
	for _, p := range paths {
		if isVersionFile(p) {
			continue // the version file is never blockfile garbage, it's step 6's own input
		}
		if referenced[fileUUID(p)] {
			continue
		}
		if modTime != nil {
			if t, ok := modTime(p); ok && now.Sub(t) < inFlightTTL {
				continue
			}
		}
		candidates = append(candidates, p)
	}
	sort.Strings(candidates)
	return candidates, nil
}

// DeleteUnusedFiles is step 4: apply cfg.Mode to every candidate,
// idempotently (a missing file is a recorded failure, not a fatal error,
// spec §4.12 step 4).
func (c *Collector) DeleteUnusedFiles(ctx context.Context, cfg Config, epoch int64, candidates []string) Manifest {
	m := Manifest{CollectionID: cfg.CollectionID, Epoch: epoch, Mode: cfg.Mode}
	for _, path := range candidates {
		entry := ManifestEntry{Path: path}
		var err error
		switch cfg.Mode {
		case ListOnly:
			// touch nothing; listing alone satisfies the manifest.
		case Rename:
			dst := fmt.Sprintf("/renamed/%s/%d/%s", cfg.CollectionID, epoch, strings.TrimPrefix(path, "/"))
			err = c.store.Rename(ctx, path, dst)
		case Delete:
			err = c.store.Delete(ctx, path)
		}
		if err != nil {
			entry.Failed = true
			entry.Reason = err.Error()
		}
		m.Entries = append(m.Entries, entry)
	}
	return m
}

// WriteManifest is step 5: write the deletion list at its epoch-keyed
// path. Write errors on the manifest itself are fatal (spec §4.12
// "Failure handling").
func (c *Collector) WriteManifest(ctx context.Context, m Manifest) error {
	path := fmt.Sprintf("/deleted/%s/%d.txt", m.CollectionID, m.Epoch)
	var b strings.Builder
	fmt.Fprintf(&b, "mode=%d\n", m.Mode)
	fmt.Fprintf(&b, "## Succeeded\n")
	for _, e := range m.Entries {
		if !e.Failed {
			fmt.Fprintf(&b, "%s\n", e.Path)
		}
	}
	fmt.Fprintf(&b, "## Failed files\n")
	for _, e := range m.Entries {
		if e.Failed {
			fmt.Fprintf(&b, "%s\t%s\n", e.Path, e.Reason)
		}
	}
	_, err := c.store.PutBytes(ctx, path, []byte(b.String()), storage.PutOptions{Mode: storage.Unconditional})
	if err != nil {
		return fmt.Errorf("gc: write manifest %q: %w", path, err)
	}
	return nil
}

// FinalizeVersions is step 6: remove the marked versions from the version
// file, only after file operations have already succeeded.
func (c *Collector) FinalizeVersions(ctx context.Context, collectionID string, toDelete map[int64]bool) error {
	next := version.Info{CreatedAtSecs: time.Now().Unix(), Reason: version.ReasonGarbageCollection}
	return c.vm.Append(ctx, collectionID, next, func(current version.List) (version.List, error) {
		out := make([]version.Info, 0, len(current.Versions))
		for _, v := range current.Versions {
			if toDelete[v.Version] {
				continue
			}
			out = append(out, v)
		}
		return version.List{Versions: out}, nil
	})
}

// Run executes all six steps for one collection at the given epoch (a
// caller-supplied, monotonically distinct run identifier; re-running with
// the same epoch overwrites the manifest and repeats any non-idempotent
// operation that failed mid-way, spec §4.12 "crash-safe by construction").
func (c *Collector) Run(ctx context.Context, cfg Config, epoch int64, modTime func(path string) (time.Time, bool)) (Manifest, error) {
	cfg = cfg.withDefaults()

	list, _, err := c.vm.Load(ctx, cfg.CollectionID)
	if err != nil {
		return Manifest{}, fmt.Errorf("gc: load versions %q: %w", cfg.CollectionID, err)
	}

	toDelete := ComputeVersionsToDelete(list.Versions, cfg.CutoffTime, cfg.MinVersionsToKeep)
	referenced := FetchReferencedFiles(list.Versions, toDelete)

	candidates, err := c.ComputeUnreferenced(ctx, cfg.CollectionID, referenced, cfg.InFlightTTL, time.Now(), modTime)
	if err != nil {
		return Manifest{}, err
	}

	manifest := c.DeleteUnusedFiles(ctx, cfg, epoch, candidates)
	if err := c.WriteManifest(ctx, manifest); err != nil {
		return manifest, err
	}

	if len(toDelete) > 0 {
		if err := c.FinalizeVersions(ctx, cfg.CollectionID, toDelete); err != nil {
			return manifest, fmt.Errorf("gc: finalize versions %q: %w", cfg.CollectionID, err)
		}
	}

	cfg.Log.Info("gc pass complete",
		zap.String("collection_id", cfg.CollectionID),
		zap.Int("versions_deleted", len(toDelete)),
		zap.Int("files_processed", len(candidates)),
	)
	return manifest, nil
}
