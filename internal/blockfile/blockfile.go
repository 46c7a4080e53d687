// Package blockfile implements spec §4.4: the ordered associative container
// built from Blocks routed by a SparseIndex, with Writer/Reader/Flusher
// roles.
//
// Grounded on segmentmanager/disk.go's rotate-on-threshold discipline
// (teacher), generalized from "one active rotating file" to "route through
// a sparse index, stage in a per-block delta cache, split on overflow,
// commit to immutable blocks, flush to the store".
package blockfile

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/flashvec/corevdb/internal/block"
	"github.com/flashvec/corevdb/internal/cache"
	"github.com/flashvec/corevdb/internal/coreerr"
	"github.com/flashvec/corevdb/internal/sparseindex"
	"github.com/flashvec/corevdb/internal/storage"
	"github.com/flashvec/corevdb/internal/types"
)

// OrderingMode controls whether the writer enforces ascending key arrival
// (enabling bulk-load fast paths) or accepts arbitrary order (spec §4.4).
type OrderingMode int

const (
	Unordered OrderingMode = iota
	Ordered
)

// Config bundles the dependencies and tunables every Writer/Reader needs.
// Built with functional options, matching segmentmanager.DiskSegmentManagerOption.
type Config struct {
	Store             storage.Store
	BlockCache        *cache.Of[uuid.UUID, any]
	MaxBlockSizeBytes uint64
	Ordering          OrderingMode
	BlockPrefix       string // e.g. "blocks/"
	IndexPrefix       string // e.g. "sparseindex/"
	Logger            *zap.Logger
}

type Option func(*Config)

func WithOrdering(m OrderingMode) Option        { return func(c *Config) { c.Ordering = m } }
func WithMaxBlockSize(n uint64) Option          { return func(c *Config) { c.MaxBlockSizeBytes = n } }
func WithLogger(l *zap.Logger) Option           { return func(c *Config) { c.Logger = l } }

func defaultConfig(store storage.Store, bc *cache.Of[uuid.UUID, any]) Config {
	return Config{
		Store:             store,
		BlockCache:        bc,
		MaxBlockSizeBytes: 8 * 1024 * 1024,
		Ordering:          Unordered,
		BlockPrefix:       "blocks/",
		IndexPrefix:       "sparseindex/",
		Logger:            zap.NewNop(),
	}
}

// Writer is the mutable side of a blockfile: a per-writer delta cache over
// blocks routed by a (possibly forked) SparseIndex.
type Writer[V any] struct {
	mu       sync.Mutex
	cfg      Config
	codec    block.Codec[V]
	sparse   *sparseindex.SparseIndex
	deltas   map[uuid.UUID]*block.Delta[V]
	dirty    map[uuid.UUID]bool
	rootID   uuid.UUID
	lastKey  *types.CompositeKey
}

// NewWriter creates a brand new blockfile: empty sparse index + one empty
// block (spec §4.4 "new").
func NewWriter[V any](codec block.Codec[V], store storage.Store, bc *cache.Of[uuid.UUID, any], opts ...Option) *Writer[V] {
	cfg := defaultConfig(store, bc)
	for _, o := range opts {
		o(&cfg)
	}
	rootID := uuid.New()
	sparse := sparseindex.New(rootID, types.CompositeKey{})
	w := &Writer[V]{
		cfg:    cfg,
		codec:  codec,
		sparse: sparse,
		deltas: map[uuid.UUID]*block.Delta[V]{rootID: block.NewDelta(types.CompositeKey{}, codec)},
		dirty:  map[uuid.UUID]bool{},
		rootID: rootID,
	}
	return w
}

// ForkWriter snapshots a committed blockfile's sparse index (copy-on-write);
// no blocks are fetched until the first mutation touches them (spec §4.4
// "fork(existing_id)").
func ForkWriter[V any](existing *sparseindex.SparseIndex, codec block.Codec[V], store storage.Store, bc *cache.Of[uuid.UUID, any], opts ...Option) *Writer[V] {
	cfg := defaultConfig(store, bc)
	for _, o := range opts {
		o(&cfg)
	}
	return &Writer[V]{
		cfg:    cfg,
		codec:  codec,
		sparse: existing.Fork(),
		deltas: map[uuid.UUID]*block.Delta[V]{},
		dirty:  map[uuid.UUID]bool{},
	}
}

// OpenWriter inherits a reader's state for read-modify-write (spec §4.4
// "open(reader)").
func OpenWriter[V any](r *Reader[V], opts ...Option) *Writer[V] {
	return ForkWriter(r.sparse, r.codec, r.cfg.Store, r.cfg.BlockCache, opts...)
}

// Store returns the backing object store, so callers layered on top of a
// Writer (e.g. SPANN's posting-list and versions-map writers) can open
// sibling readers/writers without re-threading the dependency.
func (w *Writer[V]) Store() storage.Store { return w.cfg.Store }

// Cache returns the shared block cache backing this writer.
func (w *Writer[V]) Cache() *cache.Of[uuid.UUID, any] { return w.cfg.BlockCache }

// SparseIndexSnapshot returns the current (possibly uncommitted) sparse
// index, letting a caller build a Reader over live writer state without a
// full commit+flush round trip.
func (w *Writer[V]) SparseIndexSnapshot() *sparseindex.SparseIndex { return w.sparse }

func (w *Writer[V]) loadBlock(ctx context.Context, id uuid.UUID) (*block.Block[V], error) {
	if v, ok := w.cfg.BlockCache.Get(id); ok {
		if blk, ok := v.(*block.Block[V]); ok {
			return blk, nil
		}
	}
	path := w.cfg.BlockPrefix + id.String()
	blk, err := block.LoadWithValidation[V](ctx, w.cfg.Store, path, id, w.codec)
	if err != nil {
		return nil, err
	}
	w.cfg.BlockCache.Add(id, any(blk))
	return blk, nil
}

// deltaFor returns (creating if needed) the delta for blockID, seeding it
// from the committed block on first touch (copy-on-write).
func (w *Writer[V]) deltaFor(ctx context.Context, blockID uuid.UUID) (*block.Delta[V], error) {
	if d, ok := w.deltas[blockID]; ok {
		return d, nil
	}
	blk, err := w.loadBlock(ctx, blockID)
	var minKey types.CompositeKey
	if err == nil {
		if mk, ok := blk.MinKey(); ok {
			minKey = mk
		}
	} else if !coreerr.Is(err, coreerr.NotFound) {
		return nil, err
	}
	d := block.NewDelta(minKey, w.codec)
	if blk != nil {
		for i := 0; i < blk.Len(); i++ {
			row, _ := blk.GetAtIndex(i)
			_ = d.Add(row.Key.Prefix, row.Key.Key, row.Value)
		}
	}
	w.deltas[blockID] = d
	return d, nil
}

func (w *Writer[V]) checkOrdering(key types.CompositeKey) error {
	if w.cfg.Ordering != Ordered {
		return nil
	}
	if w.lastKey != nil && key.Compare(*w.lastKey) < 0 {
		return coreerr.New(coreerr.InvalidArgument, "blockfile: keys must arrive in ascending order in Ordered mode")
	}
	k := key
	w.lastKey = &k
	return nil
}

// Set routes through the sparse index, finds or forks the covering delta,
// and stages the upsert; if the delta then exceeds the max block size it
// is split and the new chunks are added to the sparse index (spec §4.4
// "set").
func (w *Writer[V]) Set(ctx context.Context, prefix string, key types.KeyWrapper, value V) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	ck := types.CompositeKey{Prefix: prefix, Key: key}
	if err := w.checkOrdering(ck); err != nil {
		return err
	}

	blockID, err := w.sparse.Route(ck)
	if err != nil {
		return fmt.Errorf("blockfile: route: %w", err)
	}
	d, err := w.deltaFor(ctx, blockID)
	if err != nil {
		return fmt.Errorf("blockfile: load delta: %w", err)
	}

	if err := d.Add(prefix, key, value); err != nil {
		return err
	}
	w.dirty[blockID] = true

	if d.GetSize() > w.cfg.MaxBlockSizeBytes {
		if err := w.splitAndReroute(blockID, d); err != nil {
			return err
		}
	}
	return nil
}

// Delete analogously tombstones the row in the covering delta.
func (w *Writer[V]) Delete(ctx context.Context, prefix string, key types.KeyWrapper) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	ck := types.CompositeKey{Prefix: prefix, Key: key}
	blockID, err := w.sparse.Route(ck)
	if err != nil {
		return fmt.Errorf("blockfile: route: %w", err)
	}
	d, err := w.deltaFor(ctx, blockID)
	if err != nil {
		return fmt.Errorf("blockfile: load delta: %w", err)
	}
	if err := d.Delete(prefix, key); err != nil {
		return err
	}
	w.dirty[blockID] = true
	return nil
}

// Get reads back a value written (or inherited) in this writer's
// generation before it has been committed or flushed, the read-your-writes
// path components like SPANN's version bump (spec §4.6 "delete bumps the
// offset's version") rely on instead of opening a separate Reader.
func (w *Writer[V]) Get(ctx context.Context, prefix string, key types.KeyWrapper) (V, bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	ck := types.CompositeKey{Prefix: prefix, Key: key}
	blockID, err := w.sparse.Route(ck)
	if err != nil {
		var zero V
		return zero, false, fmt.Errorf("blockfile: route: %w", err)
	}
	d, err := w.deltaFor(ctx, blockID)
	if err != nil {
		var zero V
		return zero, false, fmt.Errorf("blockfile: load delta: %w", err)
	}
	v, live, _ := d.Get(prefix, key)
	return v, live, nil
}

// GetByPrefix scans every delta (loading each covering block on first
// touch) for rows under prefix. O(number of blocks); adequate for this
// corpus's data sizes, same caveat as Reader's range scans.
func (w *Writer[V]) GetByPrefix(ctx context.Context, prefix string) ([]block.Row[V], error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	var out []block.Row[V]
	for _, e := range w.sparse.All() {
		d, err := w.deltaFor(ctx, e.BlockID)
		if err != nil {
			return nil, fmt.Errorf("blockfile: load delta: %w", err)
		}
		for rec := range d.Iterator() {
			if rec.Key.Prefix == prefix {
				out = append(out, block.Row[V]{Key: rec.Key, Value: rec.Value})
			}
		}
	}
	return out, nil
}

// AllPrefixes returns the distinct row prefixes staged or inherited in this
// writer, mirroring Reader.AllPrefixes for callers building atop an
// uncommitted writer (spec §4.7 "the offset-value writer supports forking
// so old entries survive an incremental update").
func (w *Writer[V]) AllPrefixes(ctx context.Context) (map[string]bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	out := map[string]bool{}
	for _, e := range w.sparse.All() {
		d, err := w.deltaFor(ctx, e.BlockID)
		if err != nil {
			return nil, fmt.Errorf("blockfile: load delta: %w", err)
		}
		for rec := range d.Iterator() {
			out[rec.Key.Prefix] = true
		}
	}
	return out, nil
}

func (w *Writer[V]) splitAndReroute(blockID uuid.UUID, d *block.Delta[V]) error {
	chunks, err := block.Split(d, w.cfg.MaxBlockSizeBytes)
	if err != nil {
		return fmt.Errorf("blockfile: split: %w", err)
	}
	if len(chunks) == 1 {
		return nil
	}

	delete(w.deltas, blockID)

	first := chunks[0]
	firstID := blockID
	w.deltas[firstID] = first.Delta
	w.dirty[firstID] = true

	for _, c := range chunks[1:] {
		newID := uuid.New()
		w.deltas[newID] = c.Delta
		w.dirty[newID] = true
		w.sparse.Add(c.MinKey, newID)
	}
	return nil
}

// CommitResult is the output of Commit: the set of newly immutable blocks
// plus the updated sparse index, ready for Flusher.Flush.
type CommitResult[V any] struct {
	Blocks      []*block.Block[V]
	SparseIndex *sparseindex.SparseIndex
	RootID      uuid.UUID
}

// Commit finishes every dirty delta into a Block, registers it with the
// block cache, and returns a Flusher carrying the resulting blocks plus the
// new sparse index root (spec §4.4 "commit").
func (w *Writer[V]) Commit() (*Flusher[V], error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	var blocks []*block.Block[V]
	for blockID := range w.dirty {
		d, ok := w.deltas[blockID]
		if !ok {
			continue
		}
		// splitAndReroute always leaves each dirty delta's map key equal to
		// a live sparse-index entry's BlockID (the first chunk keeps the
		// original id, later chunks are Add-ed under a freshly minted one),
		// so Replace always has a matching entry to update.
		newBlock := d.Finish(uuid.New())
		if err := w.sparse.Replace(blockID, newBlock.ID(), blockMinKeyPtr(newBlock)); err != nil {
			return nil, fmt.Errorf("blockfile: commit: %w", err)
		}
		w.cfg.BlockCache.Add(newBlock.ID(), any(newBlock))
		blocks = append(blocks, newBlock)
	}

	w.dirty = map[uuid.UUID]bool{}

	return &Flusher[V]{
		cfg:    w.cfg,
		blocks: blocks,
		sparse: w.sparse,
	}, nil
}

func blockMinKeyPtr[V any](b *block.Block[V]) *types.CompositeKey {
	if mk, ok := b.MinKey(); ok {
		return &mk
	}
	return nil
}

// Flusher uploads every block plus the sparse index and yields the
// logical_name -> []uuid map the version file needs (spec §4.4 "flush").
type Flusher[V any] struct {
	cfg    Config
	blocks []*block.Block[V]
	sparse *sparseindex.SparseIndex
}

// FileMap is the logical-name -> uuid-string-list shape spec §6 calls out
// for the version file's segment_info.file_path.
type FileMap map[string][]string

func retryPolicy() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = 30 * time.Second
	return backoff.WithMaxRetries(b, 5)
}

// Flush uploads every dirty block (failing with ErrBlockIdentityReuse if
// one is already present — since block UUIDs are never reused, an upload
// collision means identity was reused, a hard error per spec §4.4), then
// the sparse index. Transient
// storage failures are retried with exponential backoff up to a bounded
// count (github.com/cenkalti/backoff/v4, erigon-lib dependency); on
// exhaustion the flush fails and nothing is registered.
func (f *Flusher[V]) Flush(ctx context.Context) (FileMap, error) {
	blockIDs := make([]string, 0, len(f.blocks))
	for _, b := range f.blocks {
		path := f.cfg.BlockPrefix + b.ID().String()

		if _, err := f.cfg.Store.Get(ctx, path); err == nil {
			return nil, coreerr.ErrBlockIdentityReuse
		}

		op := func() error { return b.Save(ctx, f.cfg.Store, path) }
		if err := backoff.Retry(op, retryPolicy()); err != nil {
			return nil, fmt.Errorf("blockfile: flush block %s: %w", b.ID(), err)
		}
		blockIDs = append(blockIDs, b.ID().String())
	}

	indexID := uuid.New()
	indexBlock := sparseIndexToBlock(indexID, f.sparse)
	indexPath := f.cfg.IndexPrefix + indexID.String()
	op := func() error { return indexBlock.Save(ctx, f.cfg.Store, indexPath) }
	if err := backoff.Retry(op, retryPolicy()); err != nil {
		return nil, fmt.Errorf("blockfile: flush sparse index: %w", err)
	}

	return FileMap{
		"blocks":       blockIDs,
		"sparse_index": {indexID.String()},
	}, nil
}

func sparseIndexToBlock(id uuid.UUID, s *sparseindex.SparseIndex) *block.Block[string] {
	entries := s.All()
	rows := make([]block.Row[string], len(entries))
	for i, e := range entries {
		rows[i] = block.Row[string]{Key: e.MinKey, Value: e.BlockID.String()}
	}
	return block.New(id, rows, block.StringCodec{}, nil)
}
