// Package spann implements spec §4.6: the two-level SPANN index, a head
// HNSW graph over centroid embeddings paired with a blockfile of posting
// lists keyed by centroid id, plus a versions-map blockfile used to lazily
// filter stale posting-list entries on read.
//
// Grounded on spec.md §4.6 directly (no pack file implements SPANN); the
// posting-list blockfile reuses internal/blockfile (C4, grounded on
// segmentmanager/disk.go) and the centroid graph reuses internal/hnsw (C5).
package spann

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/flashvec/corevdb/internal/block"
	"github.com/flashvec/corevdb/internal/blockfile"
	"github.com/flashvec/corevdb/internal/cache"
	"github.com/flashvec/corevdb/internal/coreerr"
	"github.com/flashvec/corevdb/internal/hnsw"
	"github.com/flashvec/corevdb/internal/storage"
	"github.com/flashvec/corevdb/internal/types"
)

// Config bundles every tunable spec §4.6 names.
type Config struct {
	Dim                   int
	Space                 hnsw.Space
	NreplicaCount         int
	SplitThreshold        int
	MergeThreshold        int
	WriteNprobe           int
	WriteRngFactor        float64
	WriteRngEpsilon       float64
	ReassignNeighborCount int
	SearchNprobe          int
	NumCentersToMerge     int
}

func (c Config) withDefaults() Config {
	if c.NreplicaCount <= 0 {
		c.NreplicaCount = 1
	}
	if c.SplitThreshold <= 0 {
		c.SplitThreshold = 256
	}
	if c.MergeThreshold <= 0 {
		c.MergeThreshold = 32
	}
	if c.WriteNprobe <= 0 {
		c.WriteNprobe = 8
	}
	if c.WriteRngFactor <= 0 {
		c.WriteRngFactor = 1.0
	}
	if c.ReassignNeighborCount <= 0 {
		c.ReassignNeighborCount = 8
	}
	if c.SearchNprobe <= 0 {
		c.SearchNprobe = 16
	}
	if c.NumCentersToMerge <= 0 {
		c.NumCentersToMerge = 2
	}
	return c
}

// RecordDistance pairs an offset id with its distance to a query, the unit
// both BfPL and KnnMerge (C13) operate on (spec §4.6 "bf_pl ... ->
// [RecordDistance]").
type RecordDistance struct {
	OffsetID uint32
	Distance float32
}

// Index is the writer+reader side of a SPANN collection: the head HNSW plus
// the posting-list and versions-map blockfiles.
type Index struct {
	cfg  Config
	head *hnsw.Index

	// splitMu serializes split/merge against each other; head queries (the
	// head lookup in Add, RngQuery) do not take it (spec §4.6 "a lock
	// on the head HNSW prevents concurrent splits from conflicting").
	splitMu sync.Mutex

	postingWriter *blockfile.Writer[[]float32]
	versionWriter *blockfile.Writer[uint64]

	nextCentroidID uint32
}

// NewIndex creates a brand new SPANN index with an empty head and empty
// posting store.
func NewIndex(cfg Config, store storage.Store, bc *cache.Of[uuid.UUID, any]) *Index {
	cfg = cfg.withDefaults()
	vecCodec := block.Float32VectorCodec{Dim: cfg.Dim}
	return &Index{
		cfg:           cfg,
		head:          hnsw.Create(uuid.New(), hnsw.Config{Dim: cfg.Dim, Space: cfg.Space}),
		postingWriter: blockfile.NewWriter[[]float32](vecCodec, store, bc, blockfile.WithOrdering(blockfile.Unordered)),
		versionWriter: blockfile.NewWriter[uint64](block.Uint64Codec{}, store, bc),
	}
}

// ForkIndex snapshots a committed SPANN index's posting-list and
// versions-map sparse indices (copy-on-write) and deep-copies the head
// graph under a fresh id via hnsw.Fork, matching Blockfile's fork/HNSW's fork split roles (spec
// §4.6, design note "Blockfiles ... old blockfile remains intact").
func ForkIndex(ctx context.Context, cfg Config, store storage.Store, bc *cache.Of[uuid.UUID, any], pm *cache.PartitionedMutex, headID uuid.UUID, postingSparse *blockfile.Reader[[]float32], versionSparse *blockfile.Reader[uint64]) (*Index, error) {
	cfg = cfg.withDefaults()
	head, err := hnsw.Fork(ctx, store, pm, headID)
	if err != nil {
		return nil, fmt.Errorf("spann: fork head: %w", err)
	}
	vecCodec := block.Float32VectorCodec{Dim: cfg.Dim}
	return &Index{
		cfg:           cfg,
		head:          head,
		postingWriter: blockfile.OpenWriter[[]float32](postingSparse, blockfile.WithOrdering(blockfile.Unordered)),
		versionWriter: blockfile.OpenWriter[uint64](versionSparse),
	}, nil
}

func (idx *Index) postingPrefix(centroidID uint32) string {
	return fmt.Sprintf("c%d", centroidID)
}

// Add attaches embedding under offsetID to the nreplica_count nearest
// centroids after RNG pruning, splitting any posting list that overflows
// (spec §4.6 "add").
func (idx *Index) Add(ctx context.Context, offsetID uint32, embedding []float32) error {
	if len(embedding) != idx.cfg.Dim {
		return coreerr.New(coreerr.InvalidArgument, "spann: embedding dimension mismatch")
	}

	if idx.head.Len() == 0 {
		return idx.seedFirstCentroid(ctx, offsetID, embedding)
	}

	headIDs, dists, err := idx.head.Query(embedding, idx.cfg.WriteNprobe, nil, nil)
	if err != nil {
		return fmt.Errorf("spann: query heads: %w", err)
	}

	chosen := idx.rngPrune(headIDs, dists)
	if len(chosen) > idx.cfg.NreplicaCount {
		chosen = chosen[:idx.cfg.NreplicaCount]
	}
	if len(chosen) == 0 && len(headIDs) > 0 {
		chosen = headIDs[:1]
	}

	for _, headID := range chosen {
		if err := idx.postingWriter.Set(ctx, idx.postingPrefix(headID), types.Uint32Key(offsetID), embedding); err != nil {
			return fmt.Errorf("spann: attach to posting list %d: %w", headID, err)
		}
	}
	if err := idx.versionWriter.Set(ctx, "", types.Uint32Key(offsetID), 1); err != nil {
		return fmt.Errorf("spann: init version: %w", err)
	}

	idx.splitMu.Lock()
	defer idx.splitMu.Unlock()
	for _, headID := range chosen {
		if err := idx.maybeSplit(ctx, headID); err != nil {
			return err
		}
	}
	return nil
}

func (idx *Index) seedFirstCentroid(ctx context.Context, offsetID uint32, embedding []float32) error {
	centroidID := idx.nextCentroidID
	idx.nextCentroidID++
	if err := idx.head.Add(centroidID, embedding); err != nil {
		return fmt.Errorf("spann: seed head: %w", err)
	}
	if err := idx.postingWriter.Set(ctx, idx.postingPrefix(centroidID), types.Uint32Key(offsetID), embedding); err != nil {
		return fmt.Errorf("spann: seed posting list: %w", err)
	}
	return idx.versionWriter.Set(ctx, "", types.Uint32Key(offsetID), 1)
}

// rngPrune implements spec §4.6's relative-neighbourhood-graph pruning: a
// candidate head is skipped if an already-chosen, closer head lies within
// write_rng_factor * d (+ epsilon) of it, since attaching to both would be
// redundant replication.
func (idx *Index) rngPrune(headIDs []uint32, dists []float32) []uint32 {
	var chosenIDs []uint32
	var chosenVecs [][]float32
	for i, headID := range headIDs {
		vec, ok := idx.head.VectorFor(headID)
		if !ok {
			continue
		}
		d := dists[i]
		skip := false
		for _, cv := range chosenVecs {
			if l2(vec, cv) <= idx.cfg.WriteRngFactor*float64(d)+idx.cfg.WriteRngEpsilon {
				skip = true
				break
			}
		}
		if skip {
			continue
		}
		chosenIDs = append(chosenIDs, headID)
		chosenVecs = append(chosenVecs, vec)
	}
	return chosenIDs
}

func l2(a, b []float32) float64 {
	var sum float64
	for i := range a {
		d := float64(a[i]) - float64(b[i])
		sum += d * d
	}
	return math.Sqrt(sum)
}

// Delete bumps offsetID's version so existing posting-list entries are
// lazily filtered out on read (spec §4.6 "delete bumps the offset's version
// in the versions-map blockfile").
func (idx *Index) Delete(ctx context.Context, offsetID uint32) error {
	cur, ok, err := idx.versionWriter.Get(ctx, "", types.Uint32Key(offsetID))
	if err != nil {
		return fmt.Errorf("spann: delete: %w", err)
	}
	next := uint64(1)
	if ok {
		next = cur + 1
	}
	return idx.versionWriter.Set(ctx, "", types.Uint32Key(offsetID), next)
}

// currentVersion returns the live version for offsetID (0 if never seen),
// used to filter stale posting-list entries left behind by a Delete.
func (idx *Index) currentVersion(ctx context.Context, offsetID uint32) (uint64, error) {
	v, ok, err := idx.versionWriter.Get(ctx, "", types.Uint32Key(offsetID))
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, nil
	}
	return v, nil
}

// maybeSplit k-means-splits a posting list into two centroids once it
// exceeds split_threshold, updates the head graph, and then reassigns the
// split heads' neighbours inline via reassignNeighbors (spec §4.6 "add"
// step 3).
// Caller must hold splitMu.
func (idx *Index) maybeSplit(ctx context.Context, headID uint32) error {
	entries, err := idx.postingWriter.GetByPrefix(ctx, idx.postingPrefix(headID))
	if err != nil {
		return fmt.Errorf("spann: load posting list %d: %w", headID, err)
	}
	if len(entries) <= idx.cfg.SplitThreshold {
		return nil
	}

	clusterA, clusterB := kmeansSplit(entries, idx.cfg.Dim)
	if len(clusterA) == 0 || len(clusterB) == 0 {
		return nil // degenerate split (all points identical); leave as-is
	}

	// The original head stays in place and keeps clusterA; only clusterB
	// moves to a freshly minted centroid.
	newCentroidID := idx.nextCentroidID
	idx.nextCentroidID++
	newCentroid := centroidOf(clusterB, idx.cfg.Dim)
	if err := idx.head.Add(newCentroidID, newCentroid); err != nil {
		return fmt.Errorf("spann: split: add centroid: %w", err)
	}

	for _, row := range clusterB {
		offsetID := row.Key.Key.U32
		if err := idx.postingWriter.Delete(ctx, idx.postingPrefix(headID), types.Uint32Key(offsetID)); err != nil {
			return fmt.Errorf("spann: split: evict from old list: %w", err)
		}
		if err := idx.postingWriter.Set(ctx, idx.postingPrefix(newCentroidID), types.Uint32Key(offsetID), row.Value); err != nil {
			return fmt.Errorf("spann: split: attach to new list: %w", err)
		}
	}

	return idx.reassignNeighbors(ctx, []uint32{headID, newCentroidID})
}

// reassignNeighbors re-probes each split head's reassign_neighbor_count
// nearest neighbours against the updated head graph, re-attaching any
// vector whose nearest centroid changed (spec §4.6 "enqueue a reassignment
// of reassign_neighbor_count neighbours of the split heads").
func (idx *Index) reassignNeighbors(ctx context.Context, splitHeads []uint32) error {
	for _, headID := range splitHeads {
		vec, ok := idx.head.VectorFor(headID)
		if !ok {
			continue
		}
		neighborHeads, _, err := idx.head.Query(vec, idx.cfg.ReassignNeighborCount+1, nil, nil)
		if err != nil {
			return fmt.Errorf("spann: reassign: query neighbours: %w", err)
		}
		for _, nh := range neighborHeads {
			if nh == headID {
				continue
			}
			if err := idx.reassignPostingList(ctx, nh); err != nil {
				return err
			}
		}
	}
	return nil
}

func (idx *Index) reassignPostingList(ctx context.Context, centroidID uint32) error {
	entries, err := idx.postingWriter.GetByPrefix(ctx, idx.postingPrefix(centroidID))
	if err != nil {
		return err
	}
	for _, row := range entries {
		nearest, _, err := idx.head.Query(row.Value, 1, nil, nil)
		if err != nil || len(nearest) == 0 || nearest[0] == centroidID {
			continue
		}
		offsetID := row.Key.Key.U32
		if err := idx.postingWriter.Delete(ctx, idx.postingPrefix(centroidID), types.Uint32Key(offsetID)); err != nil {
			return err
		}
		if err := idx.postingWriter.Set(ctx, idx.postingPrefix(nearest[0]), types.Uint32Key(offsetID), row.Value); err != nil {
			return err
		}
	}
	return nil
}

// MaybeMerge merges a posting list that has dropped below merge_threshold
// into its num_centers_to_merge_to nearest heads (spec §4.6 "Merge").
func (idx *Index) MaybeMerge(ctx context.Context, headID uint32) error {
	idx.splitMu.Lock()
	defer idx.splitMu.Unlock()

	entries, err := idx.postingWriter.GetByPrefix(ctx, idx.postingPrefix(headID))
	if err != nil {
		return fmt.Errorf("spann: load posting list %d: %w", headID, err)
	}
	if len(entries) >= idx.cfg.MergeThreshold {
		return nil
	}
	vec, ok := idx.head.VectorFor(headID)
	if !ok {
		return nil
	}
	neighborHeads, _, err := idx.head.Query(vec, idx.cfg.NumCentersToMerge+1, nil, nil)
	if err != nil {
		return fmt.Errorf("spann: merge: query targets: %w", err)
	}
	targets := make([]uint32, 0, idx.cfg.NumCentersToMerge)
	for _, nh := range neighborHeads {
		if nh == headID {
			continue
		}
		targets = append(targets, nh)
		if len(targets) == idx.cfg.NumCentersToMerge {
			break
		}
	}
	if len(targets) == 0 {
		return nil
	}
	for i, row := range entries {
		target := targets[i%len(targets)]
		offsetID := row.Key.Key.U32
		if err := idx.postingWriter.Delete(ctx, idx.postingPrefix(headID), types.Uint32Key(offsetID)); err != nil {
			return err
		}
		if err := idx.postingWriter.Set(ctx, idx.postingPrefix(target), types.Uint32Key(offsetID), row.Value); err != nil {
			return err
		}
	}
	idx.head.Delete(headID)
	return nil
}

// RngQuery runs HNSW search over the heads with ef_search, returning the
// set of heads to probe: either the fixed search_nprobe or an
// adaptive count scaled by the total dataset size (spec §4.6 "rng_query").
func (idx *Index) RngQuery(query []float32, totalRecords int) ([]uint32, int, error) {
	nprobe := idx.cfg.SearchNprobe
	if totalRecords > 0 {
		adaptive := int(math.Sqrt(float64(totalRecords)))
		if adaptive > nprobe {
			nprobe = adaptive
		}
	}
	heads, _, err := idx.head.Query(query, nprobe, nil, nil)
	if err != nil {
		return nil, nprobe, fmt.Errorf("spann: rng_query: %w", err)
	}
	return heads, nprobe, nil
}

// FetchPostingList returns every (offset, embedding) row currently attached
// to headID, filtering out entries whose versions-map version has advanced
// past what was recorded at attach time (spec §4.6 "fetch_posting_list").
// Add always (re)sets an offset's version to 1 on attach, and Delete of an
// attached offset bumps it strictly past 1, so "live" is exactly version ==
// 1 (a Delete of an offset with no version entry sets it to 1, but such an
// offset has no posting row to filter); this lets
// FetchPostingList/BfPL tell a deleted offset apart from one that is merely
// attached without needing the posting row itself to carry its own
// attach-time version.
func (idx *Index) FetchPostingList(ctx context.Context, headID uint32) ([]block.Row[[]float32], error) {
	rows, err := idx.postingWriter.GetByPrefix(ctx, idx.postingPrefix(headID))
	if err != nil {
		return nil, err
	}
	out := rows[:0]
	for _, row := range rows {
		v, err := idx.currentVersion(ctx, row.Key.Key.U32)
		if err != nil {
			return nil, err
		}
		if v == 1 {
			out = append(out, row)
		}
	}
	return out, nil
}

// BfPL scores a posting list by brute force against query, returning the
// top-k RecordDistances honoring filter (nil means unrestricted); ties
// break by ascending offset id (spec §4.6 "bf_pl"). list rows are expected
// to already be version-filtered (FetchPostingList does this), but BfPL
// re-checks the version itself since callers may hand it a raw posting-list
// slice directly (as the tests do), and a stale entry must never resurface
// as a live result regardless of the caller's diligence.
func (idx *Index) BfPL(ctx context.Context, list []block.Row[[]float32], query []float32, k int, filter map[uint32]bool) ([]RecordDistance, error) {
	out := make([]RecordDistance, 0, len(list))
	for _, row := range list {
		offsetID := row.Key.Key.U32
		if filter != nil && !filter[offsetID] {
			continue
		}
		v, err := idx.currentVersion(ctx, offsetID)
		if err != nil {
			return nil, err
		}
		if v != 1 {
			continue // never attached, or deleted (version bumped past 1)
		}
		d := hnsw.Distance(idx.cfg.Space, query, row.Value)
		out = append(out, RecordDistance{OffsetID: offsetID, Distance: d})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Distance != out[j].Distance {
			return out[i].Distance < out[j].Distance
		}
		return out[i].OffsetID < out[j].OffsetID
	})
	if len(out) > k {
		out = out[:k]
	}
	return out, nil
}

// Commit flushes the head HNSW and both blockfiles, returning the combined
// file_path map a version file's segment_info expects (spec §4.6, §6).
func (idx *Index) Commit(ctx context.Context, store storage.Store) (map[string][]string, error) {
	fileMap := map[string][]string{}

	headFlush, err := hnsw.Flush(ctx, store, idx.head)
	if err != nil {
		return nil, fmt.Errorf("spann: commit: flush head: %w", err)
	}
	for k, v := range headFlush {
		fileMap["head_"+k] = v
	}

	postingFlusher, err := idx.postingWriter.Commit()
	if err != nil {
		return nil, fmt.Errorf("spann: commit: posting writer: %w", err)
	}
	postingFiles, err := postingFlusher.Flush(ctx)
	if err != nil {
		return nil, fmt.Errorf("spann: commit: flush posting: %w", err)
	}
	for k, v := range postingFiles {
		fileMap["posting_"+k] = v
	}

	versionFlusher, err := idx.versionWriter.Commit()
	if err != nil {
		return nil, fmt.Errorf("spann: commit: version writer: %w", err)
	}
	versionFiles, err := versionFlusher.Flush(ctx)
	if err != nil {
		return nil, fmt.Errorf("spann: commit: flush versions: %w", err)
	}
	for k, v := range versionFiles {
		fileMap["versions_"+k] = v
	}

	return fileMap, nil
}

// kmeansSplit runs a 2-means clustering over a posting list's embeddings,
// seeded with the first and middle entries and run for four fixed
// iterations.
func kmeansSplit(entries []block.Row[[]float32], dim int) (a, b []block.Row[[]float32]) {
	if len(entries) < 2 {
		return entries, nil
	}
	seedA, seedB := entries[0].Value, entries[len(entries)/2].Value
	for iter := 0; iter < 4; iter++ {
		a, b = a[:0], b[:0]
		for _, e := range entries {
			if l2(e.Value, seedA) <= l2(e.Value, seedB) {
				a = append(a, e)
			} else {
				b = append(b, e)
			}
		}
		if len(a) > 0 {
			seedA = centroidOf(a, dim)
		}
		if len(b) > 0 {
			seedB = centroidOf(b, dim)
		}
	}
	return a, b
}

func centroidOf(rows []block.Row[[]float32], dim int) []float32 {
	sum := make([]float32, dim)
	for _, r := range rows {
		for i, f := range r.Value {
			sum[i] += f
		}
	}
	n := float32(len(rows))
	for i := range sum {
		sum[i] /= n
	}
	return sum
}
