// Package compactor implements spec §4.10's compactor state machine:
// pull a bounded window of dirty-log records, partition by hash(id),
// materialise and apply each partition to the record/metadata/vector
// segment writers, flush everything in parallel, and register a new
// collection version.
//
// Grounded on jpl-au-folio's go.mod (github.com/zeebo/xxh3, the hashing
// dependency SPEC_FULL.md's domain stack table assigns to "partitioning
// function for the compactor"), golang.org/x/sync/errgroup (already a
// direct dependency, teacher-adjacent idiom for bounded fan-out over
// independent partitions), and spec §4.10's five numbered steps directly.
package compactor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/zeebo/xxh3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/flashvec/corevdb/internal/blockfile"
	"github.com/flashvec/corevdb/internal/cache"
	"github.com/flashvec/corevdb/internal/hnsw"
	"github.com/flashvec/corevdb/internal/materialize"
	"github.com/flashvec/corevdb/internal/segment"
	"github.com/flashvec/corevdb/internal/sparsevec"
	"github.com/flashvec/corevdb/internal/spann"
	"github.com/flashvec/corevdb/internal/storage"
	"github.com/flashvec/corevdb/internal/version"
)

// LogSource pulls the next bounded window of dirty-log records for a
// collection, starting at position exclusive, up to maxRecords or
// cutoff, whichever comes first (spec §4.10 step 1 "Pull").
type LogSource interface {
	Pull(ctx context.Context, collectionID string, sincePosition int64, maxRecords int, cutoff time.Time) ([]materialize.LogRecord, int64, error)
}

// VectorApplier is the narrow surface the compactor drives a dense-vector
// index (HNSW) or a SPANN index through; both satisfy it.
type VectorApplier interface {
	Add(offsetID uint32, embedding []float32) error
	Delete(offsetID uint32) bool
}

// VectorCommitter flushes a vector index's backing blockfiles/sidecars,
// returning its slice of the version's segment_info map (spec §4.10 step
// 4 "commit all writers in parallel and collect their new file_path
// maps" — the vector writer's share of that collection).
type VectorCommitter interface {
	Commit(ctx context.Context) (map[string][]string, error)
}

// Config wires a compaction run's collaborators together. The vector
// indexes are not part of Config: Run takes them as its dense and sparse
// parameters, and either may be nil.
type Config struct {
	CollectionID string
	Store        storage.Store
	Cache        *cache.Of[uuid.UUID, any]
	Log          *zap.Logger

	Logs LogSource

	PartitionCount int // spec §4.10 step 2 "chunk into independent partitions"
	WindowRecords  int
	WindowCutoff   time.Duration
}

func (c Config) withDefaults() Config {
	if c.PartitionCount <= 0 {
		c.PartitionCount = 8
	}
	if c.WindowRecords <= 0 {
		c.WindowRecords = 10_000
	}
	if c.WindowCutoff <= 0 {
		c.WindowCutoff = 30 * time.Second
	}
	if c.Log == nil {
		c.Log = zap.NewNop()
	}
	return c
}

// partition returns a hash(id) bucket in [0, n), the stable partitioning
// function spec §4.10 step 2 requires ("so that writes to the same id
// remain ordered and within one partition").
func partition(id string, n int) int {
	return int(xxh3.HashString(id) % uint64(n))
}

// offsetAllocator hands out fresh offset ids starting above the
// collection's prior high-water mark (spec §4.8 design note: offset-ids
// are never reused). Shared across every partition's goroutine in Run, so
// Next is mutex-guarded rather than a bare counter.
type offsetAllocator struct {
	mu   sync.Mutex
	next uint32
}

func (a *offsetAllocator) Next() uint32 {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.next++
	return a.next
}

// Result summarises one compaction run.
type Result struct {
	LogPositionProcessed int64
	RecordsApplied       int
	Files                map[string]blockfile.FileMap
}

// Run executes the pull, partition, write and flush steps against the
// materialised log range starting after sincePosition, driven by lookup
// for the prior record snapshot and dense/sparse for the collection's
// vector indices. It does not register a version; RegisterVersion does
// that with the returned Result.
//
// A writer failing to apply any single log fails the whole compaction
// (spec §4.10 step 3): partial partition writers are discarded, no
// version is registered, and any blockfile UUIDs already uploaded during
// this attempt are simply unreferenced garbage for the collector (spec
// §4.10 "On any failure before Register...").
func Run(ctx context.Context, cfg Config, sincePosition uint32, lookup materialize.RecordLookup, records *segment.RecordSegment, metadata *segment.MetadataSegment, dense VectorApplier, sparse *sparsevec.Writer) (Result, error) {
	cfg = cfg.withDefaults()

	logs, through, err := cfg.Logs.Pull(ctx, cfg.CollectionID, int64(sincePosition), cfg.WindowRecords, time.Now().Add(cfg.WindowCutoff))
	if err != nil {
		return Result{}, fmt.Errorf("compactor: pull %q: %w", cfg.CollectionID, err)
	}
	if len(logs) == 0 {
		return Result{LogPositionProcessed: through}, nil
	}

	buckets := make([][]materialize.LogRecord, cfg.PartitionCount)
	for _, rec := range logs {
		b := partition(rec.ID, cfg.PartitionCount)
		buckets[b] = append(buckets[b], rec)
	}

	alloc := &offsetAllocator{next: sincePosition}
	g, gctx := errgroup.WithContext(ctx)
	applied := make([]int, cfg.PartitionCount)

	for i, bucket := range buckets {
		if len(bucket) == 0 {
			continue
		}
		i, bucket := i, bucket
		g.Go(func() error {
			ops, err := materialize.Materialize(gctx, bucket, lookup, alloc)
			if err != nil {
				return fmt.Errorf("compactor: partition %d materialize: %w", i, err)
			}
			for _, op := range ops {
				if err := apply(gctx, op, records, metadata, dense, sparse); err != nil {
					return fmt.Errorf("compactor: partition %d apply %q: %w", i, op.ID, err)
				}
			}
			applied[i] = len(ops)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Result{}, err
	}

	total := 0
	for _, n := range applied {
		total += n
	}

	files, err := flushAll(ctx, records, metadata, sparse, dense)
	if err != nil {
		return Result{}, fmt.Errorf("compactor: flush %q: %w", cfg.CollectionID, err)
	}

	cfg.Log.Info("compaction applied",
		zap.String("collection_id", cfg.CollectionID),
		zap.Int("records_applied", total),
		zap.Int64("log_position", through),
	)

	return Result{LogPositionProcessed: through, RecordsApplied: total, Files: files}, nil
}

// apply dispatches one materialised operation to the record, metadata,
// and vector segment writers (spec §4.10 step 3's "apply to
// record-segment, metadata-segment, and vector-segment writers").
func apply(ctx context.Context, op materialize.MaterialisedOp, records *segment.RecordSegment, metadata *segment.MetadataSegment, dense VectorApplier, sparse *sparsevec.Writer) error {
	switch op.Kind {
	case materialize.DeleteExisting:
		if op.PriorRecord != nil {
			if err := records.Delete(ctx, op.ID, op.OffsetID); err != nil {
				return err
			}
		}
		if dense != nil {
			dense.Delete(op.OffsetID)
		}
		return nil

	case materialize.AddNew, materialize.UpdateExisting, materialize.OverwriteExisting:
		rec := segment.Record{
			ID:        op.ID,
			Embedding: op.NewEmbedding,
			Metadata:  op.NewMetadata,
			Document:  op.NewDocument,
		}
		if err := records.Put(ctx, op.OffsetID, rec); err != nil {
			return err
		}
		if err := metadata.IndexRecord(ctx, op.OffsetID, op.NewMetadata, op.NewDocument); err != nil {
			return err
		}
		if dense != nil && len(op.NewEmbedding) > 0 {
			if op.Kind != materialize.AddNew {
				dense.Delete(op.OffsetID)
			}
			if err := dense.Add(op.OffsetID, op.NewEmbedding); err != nil {
				return err
			}
		}
		if sparse != nil {
			for dim, val := range sparseVectorOf(op.NewEmbedding) {
				if err := sparse.Upsert(ctx, dim, op.OffsetID, val); err != nil {
					return err
				}
			}
		}
		return nil
	}
	return nil
}

// sparseVectorOf always returns nil: no {dimension: weight} pairs are
// derived from a record, so apply upserts nothing into the sparse writer
// (which flushAll still commits).
func sparseVectorOf(embedding []float32) map[uint32]float32 {
	return nil
}

func flushAll(ctx context.Context, records *segment.RecordSegment, metadata *segment.MetadataSegment, sparse *sparsevec.Writer, dense VectorApplier) (map[string]blockfile.FileMap, error) {
	out := map[string]blockfile.FileMap{}

	recFiles, err := records.Commit(ctx)
	if err != nil {
		return nil, err
	}
	out["records"] = recFiles

	metaFiles, err := metadata.Commit(ctx)
	if err != nil {
		return nil, err
	}
	out["metadata"] = metaFiles

	if sparse != nil {
		sparseFiles, err := sparse.Commit(ctx)
		if err != nil {
			return nil, err
		}
		out["sparse_vectors"] = sparseFiles
	}

	if committer, ok := dense.(VectorCommitter); ok {
		vecFiles, err := committer.Commit(ctx)
		if err != nil {
			return nil, err
		}
		out["vectors"] = vecFiles
	}

	return out, nil
}

// DenseApplier adapts hnsw.Index to VectorApplier and VectorCommitter.
type DenseApplier struct {
	Index *hnsw.Index
	Store storage.Store
}

func (d DenseApplier) Add(offsetID uint32, embedding []float32) error { return d.Index.Add(offsetID, embedding) }
func (d DenseApplier) Delete(offsetID uint32) bool                    { return d.Index.Delete(offsetID) }
func (d DenseApplier) Commit(ctx context.Context) (map[string][]string, error) {
	return hnsw.Flush(ctx, d.Store, d.Index)
}

// SpannApplier adapts spann.Index to VectorApplier and VectorCommitter.
type SpannApplier struct {
	Ctx   context.Context
	Index *spann.Index
	Store storage.Store
}

func (s SpannApplier) Add(offsetID uint32, embedding []float32) error {
	return s.Index.Add(s.Ctx, offsetID, embedding)
}
func (s SpannApplier) Delete(offsetID uint32) bool {
	return s.Index.Delete(s.Ctx, offsetID) == nil
}
func (s SpannApplier) Commit(ctx context.Context) (map[string][]string, error) {
	return s.Index.Commit(ctx, s.Store)
}

// RegisterVersion wraps a compaction Result into a version append (spec
// §4.10 step 5 "Register"). Result.Files is already keyed by component
// ("records", "metadata", "vectors", "sparse_vectors"), which doubles as
// the version file's per-segment key (spec §6's "segment_uuid" is, per
// collection, one of these fixed component segments rather than an
// arbitrary id).
func RegisterVersion(ctx context.Context, vm *version.Manager, collectionID string, reason version.ChangeReason, result Result) error {
	next := version.Info{
		CreatedAtSecs: time.Now().Unix(),
		Reason:        reason,
		SegmentInfo:   result.Files,
	}
	return vm.Append(ctx, collectionID, next, version.PrependNewVersion(next))
}
