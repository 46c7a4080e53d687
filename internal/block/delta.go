package block

import (
	"iter"

	"github.com/google/uuid"

	"github.com/flashvec/corevdb/internal/types"
)

// Delta is the mutable staging buffer that compiles into a Block on Finish
// (spec §3/§4.2 "BlockDelta"). It tracks per-key upserts and deletes over a
// skipList ordered by CompositeKey.
type Delta[V any] struct {
	minKey types.CompositeKey
	hasMin bool
	sl     *skipList[types.CompositeKey, V]
	codec  Codec[V]
}

// NewDelta creates an empty delta. minKey is the delta's minimum key in the
// owning SparseIndex (the parent's min key for the first chunk of a split,
// or the split point for subsequent chunks).
func NewDelta[V any](minKey types.CompositeKey, codec Codec[V]) *Delta[V] {
	return &Delta[V]{
		minKey: minKey,
		hasMin: true,
		sl:     newSkipList[types.CompositeKey, V](compositeKeyCmp),
		codec:  codec,
	}
}

func compositeKeyCmp(a, b types.CompositeKey) int { return a.Compare(b) }

// Add stages an upsert. Per design note 9 / spec §9 "TODO: errors?", this
// port gives Add an error return rather than treating adds as infallible;
// Add performs no validation and always returns nil.
func (d *Delta[V]) Add(prefix string, key types.KeyWrapper, value V) error {
	d.sl.Put(types.CompositeKey{Prefix: prefix, Key: key}, value)
	return nil
}

// Delete stages a tombstone for (prefix, key).
func (d *Delta[V]) Delete(prefix string, key types.KeyWrapper) error {
	d.sl.Tombstone(types.CompositeKey{Prefix: prefix, Key: key})
	return nil
}

// Get returns the staged (live) value for (prefix, key), if any.
func (d *Delta[V]) Get(prefix string, key types.KeyWrapper) (V, bool) {
	v, live, _ := d.sl.Get(types.CompositeKey{Prefix: prefix, Key: key})
	return v, live
}

// MinKey returns the delta's minimum key as tracked by the owning
// SparseIndex.
func (d *Delta[V]) MinKey() types.CompositeKey { return d.minKey }

// Len returns the number of staged records, tombstones included.
func (d *Delta[V]) Len() int { return d.sl.Len() }

// GetSize returns the serialized size the delta would have if finished now.
func (d *Delta[V]) GetSize() uint64 {
	return SizeOf(d.liveRows(), d.codec)
}

func (d *Delta[V]) liveRows() []Row[V] {
	rows := make([]Row[V], 0, d.sl.Len())
	for r := range d.sl.Iterator() {
		if r.tombstone {
			continue
		}
		rows = append(rows, Row[V]{Key: r.key, Value: r.value})
	}
	return rows
}

// Finish compiles the delta into an immutable Block, discarding tombstoned
// rows (spec §4.2 "Transforms to a Block on finish").
func (d *Delta[V]) Finish(id uuid.UUID) *Block[V] {
	return New(id, d.liveRows(), d.codec, nil)
}

// Iterator yields the delta's live (non-tombstoned) rows in key order, for
// callers that need to scan staged-but-uncommitted state (e.g. a Writer's
// GetByPrefix/AllPrefixes before Commit).
func (d *Delta[V]) Iterator() iter.Seq[Row[V]] {
	rows := d.liveRows()
	return func(yield func(Row[V]) bool) {
		for _, r := range rows {
			if !yield(r) {
				return
			}
		}
	}
}
