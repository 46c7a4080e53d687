package block

import (
	"github.com/flashvec/corevdb/internal/coreerr"
	"github.com/flashvec/corevdb/internal/types"
)

// Chunk pairs a produced delta with its minimum key. The first chunk
// returned by Split always carries the parent's original minimum key (spec
// §4.2: "the first chunk's min is implicit — the parent keeps its original
// min"); callers replace the parent delta with chunk 0 and insert chunks
// 1..N into the sparse index under their own min key.
type Chunk[V any] struct {
	MinKey types.CompositeKey
	Delta  *Delta[V]
}

// Split implements spec §4.2's split algorithm: scan entries in key order
// accumulating column sizes; at the first point cumulative size would
// exceed half of maxBlockSizeBytes, the next key becomes a split point.
// Produced right halves that are still over quota are split again, so the
// result is a worklist drained until every chunk is under budget.
func Split[V any](d *Delta[V], maxBlockSizeBytes uint64) ([]Chunk[V], error) {
	halfSize := maxBlockSizeBytes / 2

	type pending struct {
		minKey types.CompositeKey
		rows   []Row[V]
	}

	work := []pending{{minKey: d.minKey, rows: d.liveRows()}}
	var out []Chunk[V]

	for len(work) > 0 {
		cur := work[0]
		work = work[1:]

		size := SizeOf(cur.rows, d.codec)
		if size <= maxBlockSizeBytes {
			out = append(out, toChunk(cur.minKey, cur.rows, d.codec))
			continue
		}

		splitAt := findSplitPoint(cur.rows, d.codec, halfSize)
		if splitAt <= 0 || splitAt >= len(cur.rows) {
			// No progress possible: every row alone already exceeds quota,
			// or the scan never crossed the half-size threshold. This is
			// the fatal invariant spec §4.4/§8 calls out ("same delta
			// emerging from split with the same size").
			return nil, coreerr.ErrSplitStalled
		}

		left := cur.rows[:splitAt]
		right := cur.rows[splitAt:]

		leftSize := SizeOf(left, d.codec)
		if leftSize == size {
			return nil, coreerr.ErrSplitStalled
		}

		out = append(out, toChunk(cur.minKey, left, d.codec))

		rightMin := right[0].Key
		if SizeOf(right, d.codec) > maxBlockSizeBytes {
			work = append(work, pending{minKey: rightMin, rows: right})
		} else {
			out = append(out, toChunk(rightMin, right, d.codec))
		}
	}

	return out, nil
}

func toChunk[V any](minKey types.CompositeKey, rows []Row[V], codec Codec[V]) Chunk[V] {
	nd := NewDelta(minKey, codec)
	for _, r := range rows {
		nd.sl.Put(r.Key, r.Value)
	}
	return Chunk[V]{MinKey: minKey, Delta: nd}
}

// findSplitPoint scans rows accumulating size and returns the index of the
// first row whose inclusion would push the cumulative size past halfSize —
// that row becomes the start of the right half.
func findSplitPoint[V any](rows []Row[V], codec Codec[V], halfSize uint64) int {
	var acc uint64
	for i, r := range rows {
		rowCost := uint64(len(r.Key.Prefix)) + uint64(keyWireSize(r.Key.Key)) + uint64(codec.Size(r.Value))
		if acc+rowCost > halfSize && i > 0 {
			return i
		}
		acc += rowCost
	}
	return len(rows)
}
