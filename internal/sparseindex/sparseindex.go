// Package sparseindex implements spec §3/§4.3: the ordered mapping from a
// block's start key to its BlockId, used by the blockfile writer/reader to
// route point and range lookups to the right block.
package sparseindex

import (
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/flashvec/corevdb/internal/coreerr"
	"github.com/flashvec/corevdb/internal/types"
)

// Entry is one (start key, BlockId) pair.
type Entry struct {
	MinKey  types.CompositeKey
	BlockID uuid.UUID
}

// SparseIndex is the ordered map described in spec §3: for adjacent entries
// (k1, B1) and (k2, B2), every key stored in B1 lies in [k1, k2). It is
// itself serializable through the blockfile path (spec §4.3: "prefix =
// empty, key = CompositeKey, value = BlockId string"); that serialization
// lives in package blockfile, which treats a SparseIndex as a plain value.
type SparseIndex struct {
	mu      sync.RWMutex
	entries []Entry // sorted by MinKey
}

// New creates a sparse index seeded with a single entry covering the whole
// key space — the state of a brand new blockfile with one empty block
// (spec §4.4 "new: empty sparse index + one empty block").
func New(rootBlockID uuid.UUID, minKey types.CompositeKey) *SparseIndex {
	return &SparseIndex{entries: []Entry{{MinKey: minKey, BlockID: rootBlockID}}}
}

// Fork returns a deep copy sharing no backing array with the original,
// implementing the copy-on-write semantics a Writer needs when forking a
// committed blockfile (spec §4.4 "fork(existing_id)").
func (s *SparseIndex) Fork() *SparseIndex {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cp := make([]Entry, len(s.entries))
	copy(cp, s.entries)
	return &SparseIndex{entries: cp}
}

// Len returns the number of entries (never zero once any block exists,
// spec §3 "the index is non-empty once any block exists").
func (s *SparseIndex) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

func (s *SparseIndex) indexOf(key types.CompositeKey) int {
	// last entry with MinKey <= key
	i := sort.Search(len(s.entries), func(i int) bool { return s.entries[i].MinKey.Compare(key) > 0 })
	return i - 1
}

// Route returns the block whose start key is the largest <= key (spec
// §4.3 "route").
func (s *SparseIndex) Route(key types.CompositeKey) (uuid.UUID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.entries) == 0 {
		return uuid.Nil, coreerr.New(coreerr.FailedPrecondition, "sparseindex: empty index")
	}
	i := s.indexOf(key)
	if i < 0 {
		i = 0
	}
	return s.entries[i].BlockID, nil
}

// Range returns the block ids whose ranges intersect [low, high), in key
// order. A nil bound means "unbounded" on that side.
func (s *SparseIndex) Range(low, high *types.CompositeKey) []uuid.UUID {
	s.mu.RLock()
	defer s.mu.RUnlock()

	start := 0
	if low != nil {
		start = s.indexOf(*low)
		if start < 0 {
			start = 0
		}
	}
	end := len(s.entries)
	if high != nil {
		end = sort.Search(len(s.entries), func(i int) bool { return s.entries[i].MinKey.Compare(*high) >= 0 })
	}
	if start >= end {
		return nil
	}
	out := make([]uuid.UUID, 0, end-start)
	for _, e := range s.entries[start:end] {
		out = append(out, e.BlockID)
	}
	return out
}

// All returns every entry in key order, used when flushing the index as a
// blockfile (spec §4.3).
func (s *SparseIndex) All() []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cp := make([]Entry, len(s.entries))
	copy(cp, s.entries)
	return cp
}

// Replace swaps oldBlockID for newBlockID, optionally also updating its min
// key if the block's range start changed (spec §4.3 "replace"). The
// blockfile writer's Commit calls it for every dirty delta, whether or not
// that delta was split.
func (s *SparseIndex) Replace(oldBlockID, newBlockID uuid.UUID, newMinKey *types.CompositeKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.entries {
		if s.entries[i].BlockID == oldBlockID {
			s.entries[i].BlockID = newBlockID
			if newMinKey != nil {
				s.entries[i].MinKey = *newMinKey
			}
			s.sortLocked()
			return nil
		}
	}
	return coreerr.New(coreerr.NotFound, "sparseindex: block not found for replace")
}

// Add inserts a new entry at splitStartKey -> newBlockID, used when a
// committing delta has split (spec §4.3 "add").
func (s *SparseIndex) Add(splitStartKey types.CompositeKey, newBlockID uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, Entry{MinKey: splitStartKey, BlockID: newBlockID})
	s.sortLocked()
}

// Remove deletes the entry for blockID (spec §4.3 "remove"). Nothing in
// this module calls it. The index must never become fully empty while any
// block remains reachable; callers are responsible for that invariant.
func (s *SparseIndex) Remove(blockID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.entries {
		if s.entries[i].BlockID == blockID {
			s.entries = append(s.entries[:i], s.entries[i+1:]...)
			return nil
		}
	}
	return coreerr.New(coreerr.NotFound, "sparseindex: block not found for remove")
}

func (s *SparseIndex) sortLocked() {
	sort.Slice(s.entries, func(i, j int) bool { return s.entries[i].MinKey.Compare(s.entries[j].MinKey) < 0 })
}
