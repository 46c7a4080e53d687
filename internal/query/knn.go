package query

import (
	"context"
	"fmt"
	"sort"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/flashvec/corevdb/internal/hnsw"
	"github.com/flashvec/corevdb/internal/segment"
	"github.com/flashvec/corevdb/internal/sparsevec"
	"github.com/flashvec/corevdb/internal/spann"
)

// RecordDistance pairs an offset id with its distance to the query
// embedding, the common currency KnnMerge folds dense/sparse/log results
// into (spec §4.13).
type RecordDistance struct {
	OffsetID uint32
	Distance float32
}

// knnTask is a short-lived actor producing one sorted RecordDistance
// stream on a channel, closed when exhausted (spec §4.13 "spawns a
// log-knn task ... and a segment-knn task ... feeds both result streams
// into a KnnMerge operator").
func knnTask(ctx context.Context, produce func() ([]RecordDistance, error)) <-chan result {
	out := make(chan result, 1)
	go func() {
		defer close(out)
		rs, err := produce()
		select {
		case out <- result{rs, err}:
		case <-ctx.Done():
		}
	}()
	return out
}

type result struct {
	rows []RecordDistance
	err  error
}

// bruteForceLog scores the materialised log tail directly (spec §4.13
// "log-knn task (materialised deltas only, brute force)").
func bruteForceLog(logs []materialiseEmbeddingSource, query []float32, space hnsw.Space, k int) []RecordDistance {
	var out []RecordDistance
	for _, e := range logs {
		if len(e.Embedding) == 0 {
			continue
		}
		out = append(out, RecordDistance{OffsetID: e.OffsetID, Distance: hnsw.Distance(space, query, e.Embedding)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Distance < out[j].Distance })
	if len(out) > k {
		out = out[:k]
	}
	return out
}

// materialiseEmbeddingSource is the minimal shape the log-knn brute-force
// task needs: an offset id (assigned by the same sequentialAllocator the
// filter orchestrator used) and its embedding.
type materialiseEmbeddingSource struct {
	OffsetID  uint32
	Embedding []float32
}

// KnnOrchestrator runs a dense HNSW query plus the log-tail brute force in
// parallel and merges them (spec §4.13 "KnnOrchestrator").
type KnnOrchestrator struct {
	Index *hnsw.Index
	Space hnsw.Space
}

func (o *KnnOrchestrator) Run(ctx context.Context, query []float32, k int, filter FilterResult, logEmbeddings []materialiseEmbeddingSource) ([]RecordDistance, error) {
	segCh := knnTask(ctx, func() ([]RecordDistance, error) {
		allowed := bitmapToAllowedSet(filter.CompactOffsetIDs)
		ids, dists, err := o.Index.Query(query, k, allowed, nil)
		if err != nil {
			return nil, err
		}
		rows := make([]RecordDistance, len(ids))
		for i := range ids {
			rows[i] = RecordDistance{OffsetID: ids[i], Distance: dists[i]}
		}
		return rows, nil
	})
	logCh := knnTask(ctx, func() ([]RecordDistance, error) {
		return bruteForceLog(logEmbeddings, query, o.Space, k), nil
	})
	return mergeTwo(ctx, segCh, logCh, k)
}

// SpannKnnOrchestrator runs a SPANN query (centroid routing + posting-list
// brute force) plus the log-tail brute force, merged the same way (spec
// §4.13 "SpannKnnOrchestrator").
type SpannKnnOrchestrator struct {
	Index *spann.Index
	Space hnsw.Space
}

func (o *SpannKnnOrchestrator) Run(ctx context.Context, query []float32, k, totalRecords int, filter FilterResult, logEmbeddings []materialiseEmbeddingSource) ([]RecordDistance, error) {
	segCh := knnTask(ctx, func() ([]RecordDistance, error) {
		heads, _, err := o.Index.RngQuery(query, totalRecords)
		if err != nil {
			return nil, err
		}
		allowed := bitmapToFilterMap(filter.CompactOffsetIDs)
		var merged []spann.RecordDistance
		for _, head := range heads {
			list, err := o.Index.FetchPostingList(ctx, head)
			if err != nil {
				return nil, err
			}
			scored, err := o.Index.BfPL(ctx, list, query, k, allowed)
			if err != nil {
				return nil, err
			}
			merged = append(merged, scored...)
		}
		sort.Slice(merged, func(i, j int) bool { return merged[i].Distance < merged[j].Distance })
		if len(merged) > k {
			merged = merged[:k]
		}
		rows := make([]RecordDistance, len(merged))
		for i, m := range merged {
			rows[i] = RecordDistance{OffsetID: m.OffsetID, Distance: m.Distance}
		}
		return rows, nil
	})
	logCh := knnTask(ctx, func() ([]RecordDistance, error) {
		return bruteForceLog(logEmbeddings, query, o.Space, k), nil
	})
	return mergeTwo(ctx, segCh, logCh, k)
}

// SparseKnnOrchestrator runs a WAND query over the committed sparse-vector
// index (spec §4.13 "SparseKnnOrchestrator"). Run takes no log-tail input:
// its log-side task returns no rows, so records still in the log are not
// searched.
type SparseKnnOrchestrator struct {
	Reader *sparsevec.Reader
}

func (o *SparseKnnOrchestrator) Run(ctx context.Context, query map[uint32]float32, k int, filter FilterResult) ([]RecordDistance, error) {
	segCh := knnTask(ctx, func() ([]RecordDistance, error) {
		scores, err := o.Reader.Wand(ctx, query, k, filter.CompactOffsetIDs)
		if err != nil {
			return nil, err
		}
		rows := make([]RecordDistance, len(scores))
		for i, s := range scores {
			// WAND scores are similarity (larger is better); invert to the
			// "smaller is closer" currency every other orchestrator uses.
			rows[i] = RecordDistance{OffsetID: s.OffsetID, Distance: -s.Value}
		}
		return rows, nil
	})
	logCh := knnTask(ctx, func() ([]RecordDistance, error) { return nil, nil })
	return mergeTwo(ctx, segCh, logCh, k)
}

// mergeTwo implements KnnMerge: wait for both sorted streams, maintain a
// min-heap-equivalent merge (a capped sorted merge is sufficient at this
// scale since each input is already bounded to k), emit the top-k overall
// (spec §4.13 "KnnMerge operator that maintains a min-heap across the
// sorted inputs").
func mergeTwo(ctx context.Context, a, b <-chan result, k int) ([]RecordDistance, error) {
	var ra, rb result
	select {
	case ra = <-a:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case rb = <-b:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if ra.err != nil {
		return nil, fmt.Errorf("query: segment knn: %w", ra.err)
	}
	if rb.err != nil {
		return nil, fmt.Errorf("query: log knn: %w", rb.err)
	}
	merged := append(append([]RecordDistance{}, ra.rows...), rb.rows...)
	seen := map[uint32]bool{}
	deduped := merged[:0]
	for _, r := range merged {
		if seen[r.OffsetID] {
			continue
		}
		seen[r.OffsetID] = true
		deduped = append(deduped, r)
	}
	sort.Slice(deduped, func(i, j int) bool { return deduped[i].Distance < deduped[j].Distance })
	if len(deduped) > k {
		deduped = deduped[:k]
	}
	return deduped, nil
}

func bitmapToAllowedSet(b *roaring.Bitmap) map[uint32]bool {
	if b == nil {
		return nil
	}
	out := make(map[uint32]bool, b.GetCardinality())
	it := b.Iterator()
	for it.HasNext() {
		out[it.Next()] = true
	}
	return out
}

func bitmapToFilterMap(b *roaring.Bitmap) map[uint32]bool { return bitmapToAllowedSet(b) }

// Projection selects which fields a query returns (spec §6 "projection
// (which of id/document/embedding/metadata to return)").
type Projection struct {
	ID        bool
	Document  bool
	Embedding bool
	Metadata  bool
}

// ProjectedRecord is one user-visible query result row.
type ProjectedRecord struct {
	ID        string
	Distance  float32
	Document  string
	Embedding []float32
	Metadata  map[string]interface{}
}

// KnnProjection hydrates merged RecordDistances against the record
// segment reader into user-visible fields (spec §4.13 "KnnProjection").
func KnnProjection(ctx context.Context, merged []RecordDistance, records *segment.RecordReader, proj Projection) ([]ProjectedRecord, error) {
	out := make([]ProjectedRecord, 0, len(merged))
	for _, m := range merged {
		rec, ok, err := records.GetDataForOffsetID(ctx, m.OffsetID)
		if err != nil {
			return nil, fmt.Errorf("query: project offset %d: %w", m.OffsetID, err)
		}
		if !ok {
			continue
		}
		pr := ProjectedRecord{Distance: m.Distance}
		if proj.ID {
			pr.ID = rec.ID
		}
		if proj.Document {
			pr.Document = rec.Document
		}
		if proj.Embedding {
			pr.Embedding = rec.Embedding
		}
		if proj.Metadata {
			pr.Metadata = map[string]interface{}{}
			for k, v := range rec.Metadata {
				pr.Metadata[k] = v
			}
		}
		out = append(out, pr)
	}
	return out, nil
}
