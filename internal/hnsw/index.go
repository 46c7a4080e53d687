package hnsw

import (
	"container/heap"
	"math"
	"math/rand"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/flashvec/corevdb/internal/coreerr"
)

// Config bundles the construction-time parameters of an index (spec §4.5
// "create(dim, space, m, ef_construction, ef_search)").
type Config struct {
	Dim            int
	Space          Space
	M              int
	EfConstruction int
	EfSearch       int
}

func (c Config) withDefaults() Config {
	if c.M <= 0 {
		c.M = 16
	}
	if c.EfConstruction <= 0 {
		c.EfConstruction = 200
	}
	if c.EfSearch <= 0 {
		c.EfSearch = 64
	}
	return c
}

// Index is a layered graph of offset-ids over dense vectors. capacity grows
// by doubling (spec §4.5 "resize(2*capacity)"); resizeMu is the upgradable
// lock described in SPEC_FULL.md's "Resize-as-exclusive-mode" redesign flag:
// every operation except resize holds it shared, resize alone takes it
// exclusive.
type Index struct {
	cfg Config
	id  uuid.UUID

	resizeMu sync.RWMutex
	graphMu  sync.Mutex

	capacity       int
	vectors        [][]float32
	deleted        []bool
	nodeLevel      []int
	neighbors      [][][]uint32 // [slot][level] -> neighbor slots
	offsetToSlot   map[uint32]int
	slotToOffset   []uint32
	lenWithDeleted int
	entrypoint     int // slot, -1 if empty
	maxLevel       int

	rnd *rand.Rand
}

const minCapacity = 16

// NewIndex creates an empty index, the "create" operation of spec §4.5.
func NewIndex(id uuid.UUID, cfg Config) *Index {
	cfg = cfg.withDefaults()
	cap0 := minCapacity
	return &Index{
		cfg:          cfg,
		id:           id,
		capacity:     cap0,
		vectors:      make([][]float32, cap0),
		deleted:      make([]bool, cap0),
		nodeLevel:    make([]int, cap0),
		neighbors:    make([][][]uint32, cap0),
		offsetToSlot: make(map[uint32]int),
		slotToOffset: make([]uint32, cap0),
		entrypoint:   -1,
		maxLevel:     -1,
		rnd:          rand.New(rand.NewSource(1)),
	}
}

func (idx *Index) ID() uuid.UUID { return idx.id }
func (idx *Index) Dim() int      { return idx.cfg.Dim }

// VectorFor returns the embedding currently stored under offsetID, used by
// callers (e.g. SPANN's RNG pruning, spec §4.6) that need the raw vector
// behind a query result rather than just its distance.
func (idx *Index) VectorFor(offsetID uint32) ([]float32, bool) {
	idx.resizeMu.RLock()
	defer idx.resizeMu.RUnlock()
	idx.graphMu.Lock()
	defer idx.graphMu.Unlock()

	slot, ok := idx.offsetToSlot[offsetID]
	if !ok || idx.deleted[slot] {
		return nil, false
	}
	return idx.vectors[slot], true
}

// Len reports the number of live (non-deleted) entries.
func (idx *Index) Len() int {
	idx.resizeMu.RLock()
	defer idx.resizeMu.RUnlock()
	n := 0
	for i := 0; i < idx.lenWithDeleted; i++ {
		if !idx.deleted[i] {
			n++
		}
	}
	return n
}

func (idx *Index) randomLevel() int {
	levelMult := 1 / math.Log(float64(idx.cfg.M))
	lvl := int(-math.Log(idx.rnd.Float64()+1e-12) * levelMult)
	if lvl > 31 {
		lvl = 31
	}
	return lvl
}

// grow doubles capacity; caller must hold resizeMu exclusively.
func (idx *Index) grow() {
	newCap := idx.capacity * 2
	vectors := make([][]float32, newCap)
	deleted := make([]bool, newCap)
	nodeLevel := make([]int, newCap)
	neighbors := make([][][]uint32, newCap)
	slotToOffset := make([]uint32, newCap)
	copy(vectors, idx.vectors)
	copy(deleted, idx.deleted)
	copy(nodeLevel, idx.nodeLevel)
	copy(neighbors, idx.neighbors)
	copy(slotToOffset, idx.slotToOffset)
	idx.vectors = vectors
	idx.deleted = deleted
	idx.nodeLevel = nodeLevel
	idx.neighbors = neighbors
	idx.slotToOffset = slotToOffset
	idx.capacity = newCap
}

// Add inserts embedding under offsetID, resizing the backing arrays if the
// index is full (spec §4.5 "add(offset_id, embedding)").
func (idx *Index) Add(offsetID uint32, embedding []float32) error {
	if len(embedding) != idx.cfg.Dim {
		return coreerr.New(coreerr.InvalidArgument, "hnsw: embedding dimension mismatch")
	}

	idx.resizeMu.RLock()
	if idx.lenWithDeleted+1 > idx.capacity {
		idx.resizeMu.RUnlock()
		idx.resizeMu.Lock()
		if idx.lenWithDeleted+1 > idx.capacity { // re-check after upgrade
			idx.grow()
		}
		idx.resizeMu.Unlock()
		idx.resizeMu.RLock()
	}
	defer idx.resizeMu.RUnlock()

	idx.graphMu.Lock()
	defer idx.graphMu.Unlock()

	vec := make([]float32, len(embedding))
	copy(vec, embedding)

	if existing, ok := idx.offsetToSlot[offsetID]; ok {
		idx.vectors[existing] = vec
		idx.deleted[existing] = false
		return nil
	}

	slot := idx.lenWithDeleted
	idx.lenWithDeleted++
	idx.vectors[slot] = vec
	idx.slotToOffset[slot] = offsetID
	idx.offsetToSlot[offsetID] = slot
	level := idx.randomLevel()
	idx.nodeLevel[slot] = level
	idx.neighbors[slot] = make([][]uint32, level+1)

	if idx.entrypoint == -1 {
		idx.entrypoint = slot
		idx.maxLevel = level
		return nil
	}

	curEntry := idx.entrypoint
	for lc := idx.maxLevel; lc > level; lc-- {
		best := idx.searchLayer(vec, []int{curEntry}, 1, lc)
		if len(best) > 0 {
			curEntry = best[0].slot
		}
	}

	top := level
	if idx.maxLevel < top {
		top = idx.maxLevel
	}
	for lc := top; lc >= 0; lc-- {
		candidates := idx.searchLayer(vec, []int{curEntry}, idx.cfg.EfConstruction, lc)
		chosen := selectNeighbors(candidates, idx.cfg.M)
		ids := make([]uint32, len(chosen))
		for i, c := range chosen {
			ids[i] = uint32(c.slot)
		}
		idx.neighbors[slot][lc] = ids
		for _, c := range chosen {
			idx.addBacklink(c.slot, lc, slot)
		}
		if len(candidates) > 0 {
			curEntry = candidates[0].slot
		}
	}

	if level > idx.maxLevel {
		idx.entrypoint = slot
		idx.maxLevel = level
	}
	return nil
}

func (idx *Index) addBacklink(from int, level int, to int) {
	if level >= len(idx.neighbors[from]) {
		return
	}
	idx.neighbors[from][level] = append(idx.neighbors[from][level], uint32(to))
	if len(idx.neighbors[from][level]) > idx.cfg.M {
		idx.pruneNeighbors(from, level)
	}
}

func (idx *Index) pruneNeighbors(slot int, level int) {
	cur := idx.neighbors[slot][level]
	cands := make([]candidate, len(cur))
	for i, n := range cur {
		cands[i] = candidate{slot: int(n), dist: distance(idx.cfg.Space, idx.vectors[slot], idx.vectors[n])}
	}
	sort.Slice(cands, func(i, j int) bool { return cands[i].dist < cands[j].dist })
	if len(cands) > idx.cfg.M {
		cands = cands[:idx.cfg.M]
	}
	kept := make([]uint32, len(cands))
	for i, c := range cands {
		kept[i] = uint32(c.slot)
	}
	idx.neighbors[slot][level] = kept
}

// Delete logically tombstones offsetID (spec §4.5 "delete is a logical
// tombstone"); the graph itself is left intact for traversal.
func (idx *Index) Delete(offsetID uint32) bool {
	idx.resizeMu.RLock()
	defer idx.resizeMu.RUnlock()
	idx.graphMu.Lock()
	defer idx.graphMu.Unlock()

	slot, ok := idx.offsetToSlot[offsetID]
	if !ok || idx.deleted[slot] {
		return false
	}
	idx.deleted[slot] = true
	return true
}

// Query returns up to k nearest offset-ids to vec, honoring allowed/
// disallowed filters (spec §4.5 "query(vec, k, allowed, disallowed)").
// A nil allowed set means "no allow-list restriction".
func (idx *Index) Query(vec []float32, k int, allowed, disallowed map[uint32]bool) ([]uint32, []float32, error) {
	if len(vec) != idx.cfg.Dim {
		return nil, nil, coreerr.New(coreerr.InvalidArgument, "hnsw: query dimension mismatch")
	}

	idx.resizeMu.RLock()
	defer idx.resizeMu.RUnlock()
	idx.graphMu.Lock()
	defer idx.graphMu.Unlock()

	if idx.entrypoint == -1 {
		return nil, nil, nil
	}

	curEntry := idx.entrypoint
	for lc := idx.maxLevel; lc > 0; lc-- {
		best := idx.searchLayer(vec, []int{curEntry}, 1, lc)
		if len(best) > 0 {
			curEntry = best[0].slot
		}
	}

	ef := idx.cfg.EfSearch
	if ef < k {
		ef = k
	}
	candidates := idx.searchLayer(vec, []int{curEntry}, ef, 0)

	ids := make([]uint32, 0, k)
	dists := make([]float32, 0, k)
	for _, c := range candidates {
		if idx.deleted[c.slot] {
			continue
		}
		offsetID := idx.slotToOffset[c.slot]
		if disallowed != nil && disallowed[offsetID] {
			continue
		}
		if allowed != nil && !allowed[offsetID] {
			continue
		}
		ids = append(ids, offsetID)
		dists = append(dists, c.dist)
		if len(ids) == k {
			break
		}
	}
	return ids, dists, nil
}

type candidate struct {
	slot int
	dist float32
}

func selectNeighbors(candidates []candidate, m int) []candidate {
	if len(candidates) <= m {
		return candidates
	}
	return candidates[:m]
}

// searchLayer is the standard HNSW greedy beam search within one layer,
// returning up to ef candidates sorted ascending by distance.
func (idx *Index) searchLayer(query []float32, entryPoints []int, ef int, level int) []candidate {
	visited := make(map[int]bool, ef*2)
	candidates := &minHeap{}
	results := &maxHeap{}

	for _, ep := range entryPoints {
		if idx.nodeLevel[ep] < level {
			continue
		}
		d := distance(idx.cfg.Space, query, idx.vectors[ep])
		visited[ep] = true
		heap.Push(candidates, candidate{ep, d})
		heap.Push(results, candidate{ep, d})
	}

	for candidates.Len() > 0 {
		c := heap.Pop(candidates).(candidate)
		if results.Len() >= ef && c.dist > (*results)[0].dist {
			break
		}
		if level >= len(idx.neighbors[c.slot]) {
			continue
		}
		for _, n := range idx.neighbors[c.slot][level] {
			ni := int(n)
			if visited[ni] {
				continue
			}
			visited[ni] = true
			d := distance(idx.cfg.Space, query, idx.vectors[ni])
			if results.Len() < ef || d < (*results)[0].dist {
				heap.Push(candidates, candidate{ni, d})
				heap.Push(results, candidate{ni, d})
				if results.Len() > ef {
					heap.Pop(results)
				}
			}
		}
	}

	out := make([]candidate, results.Len())
	copy(out, *results)
	sort.Slice(out, func(i, j int) bool { return out[i].dist < out[j].dist })
	return out
}

// minHeap pops the smallest distance first (the exploration frontier).
type minHeap []candidate

func (h minHeap) Len() int            { return len(h) }
func (h minHeap) Less(i, j int) bool  { return h[i].dist < h[j].dist }
func (h minHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *minHeap) Push(x interface{}) { *h = append(*h, x.(candidate)) }
func (h *minHeap) Pop() interface{} {
	old := *h
	n := len(old)
	v := old[n-1]
	*h = old[:n-1]
	return v
}

// maxHeap pops the largest distance first (the current worst of the best-ef
// set so far, to be evicted when a closer candidate is found).
type maxHeap []candidate

func (h maxHeap) Len() int            { return len(h) }
func (h maxHeap) Less(i, j int) bool  { return h[i].dist > h[j].dist }
func (h maxHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *maxHeap) Push(x interface{}) { *h = append(*h, x.(candidate)) }
func (h *maxHeap) Pop() interface{} {
	old := *h
	n := len(old)
	v := old[n-1]
	*h = old[:n-1]
	return v
}
