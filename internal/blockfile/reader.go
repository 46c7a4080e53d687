package blockfile

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/flashvec/corevdb/internal/block"
	"github.com/flashvec/corevdb/internal/cache"
	"github.com/flashvec/corevdb/internal/sparseindex"
	"github.com/flashvec/corevdb/internal/storage"
	"github.com/flashvec/corevdb/internal/types"
)

// Reader is the read-only view of a committed blockfile, routing every
// lookup through its SparseIndex (spec §4.4 "Reader operations mirror
// Block's but route through the sparse index").
type Reader[V any] struct {
	cfg    Config
	codec  block.Codec[V]
	sparse *sparseindex.SparseIndex
}

// OpenReader builds a Reader over a committed sparse index (typically the
// one a Flusher just registered, loaded back from its serialized form).
func OpenReader[V any](sparse *sparseindex.SparseIndex, codec block.Codec[V], store storage.Store, bc *cache.Of[uuid.UUID, any], opts ...Option) *Reader[V] {
	cfg := defaultConfig(store, bc)
	for _, o := range opts {
		o(&cfg)
	}
	return &Reader[V]{cfg: cfg, codec: codec, sparse: sparse}
}

// LoadSparseIndex reads back a sparse index blockfile previously written by
// Flusher.Flush (spec §4.3 "the sparse index is itself serialised as a
// blockfile").
func LoadSparseIndex(ctx context.Context, store storage.Store, indexPrefix string, indexID uuid.UUID) (*sparseindex.SparseIndex, error) {
	path := indexPrefix + indexID.String()
	blk, err := block.LoadWithValidation[string](ctx, store, path, indexID, block.StringCodec{})
	if err != nil {
		return nil, fmt.Errorf("blockfile: load sparse index: %w", err)
	}
	if blk.Len() == 0 {
		return nil, fmt.Errorf("blockfile: sparse index %s is empty", indexID)
	}
	first, _ := blk.GetAtIndex(0)
	blockID, err := uuid.Parse(first.Value)
	if err != nil {
		return nil, fmt.Errorf("blockfile: parse block id: %w", err)
	}
	idx := sparseindex.New(blockID, first.Key)
	for i := 1; i < blk.Len(); i++ {
		row, _ := blk.GetAtIndex(i)
		id, err := uuid.Parse(row.Value)
		if err != nil {
			return nil, fmt.Errorf("blockfile: parse block id: %w", err)
		}
		idx.Add(row.Key, id)
	}
	return idx, nil
}

func (r *Reader[V]) block(ctx context.Context, id uuid.UUID) (*block.Block[V], error) {
	if v, ok := r.cfg.BlockCache.Get(id); ok {
		if blk, ok := v.(*block.Block[V]); ok {
			return blk, nil
		}
	}
	path := r.cfg.BlockPrefix + id.String()
	blk, err := block.LoadWithValidation[V](ctx, r.cfg.Store, path, id, r.codec)
	if err != nil {
		return nil, err
	}
	r.cfg.BlockCache.Add(id, any(blk))
	return blk, nil
}

// Get returns the value stored at (prefix, key), if present.
func (r *Reader[V]) Get(ctx context.Context, prefix string, key types.KeyWrapper) (V, bool, error) {
	ck := types.CompositeKey{Prefix: prefix, Key: key}
	blockID, err := r.sparse.Route(ck)
	if err != nil {
		var zero V
		return zero, false, fmt.Errorf("blockfile: route: %w", err)
	}
	blk, err := r.block(ctx, blockID)
	if err != nil {
		var zero V
		return zero, false, err
	}
	v, ok := blk.Get(prefix, key)
	return v, ok, nil
}

// Contains reports whether (prefix, key) exists.
func (r *Reader[V]) Contains(ctx context.Context, prefix string, key types.KeyWrapper) (bool, error) {
	_, ok, err := r.Get(ctx, prefix, key)
	return ok, err
}

// Count returns the total number of live rows across every block.
func (r *Reader[V]) Count(ctx context.Context) (int, error) {
	total := 0
	for _, e := range r.sparse.All() {
		blk, err := r.block(ctx, e.BlockID)
		if err != nil {
			return 0, err
		}
		total += blk.Len()
	}
	return total, nil
}

// GetByPrefix returns every row under prefix, in key order.
func (r *Reader[V]) GetByPrefix(ctx context.Context, prefix string) ([]block.Row[V], error) {
	var out []block.Row[V]
	for _, e := range r.sparse.All() {
		blk, err := r.block(ctx, e.BlockID)
		if err != nil {
			return nil, err
		}
		out = append(out, blk.GetByPrefix(prefix)...)
	}
	return out, nil
}

// GetGT, GetGTE, GetLT, GetLTE scan the blocks sparse.Range selects for the
// bound, in range order, and apply the corresponding Block-level operator,
// concatenating results.

func (r *Reader[V]) GetGT(ctx context.Context, prefix string, key types.KeyWrapper) ([]block.Row[V], error) {
	return r.scan(ctx, &types.CompositeKey{Prefix: prefix, Key: key}, nil, func(b *block.Block[V]) []block.Row[V] {
		return b.GetGT(prefix, key)
	})
}

func (r *Reader[V]) GetGTE(ctx context.Context, prefix string, key types.KeyWrapper) ([]block.Row[V], error) {
	return r.scan(ctx, &types.CompositeKey{Prefix: prefix, Key: key}, nil, func(b *block.Block[V]) []block.Row[V] {
		return b.GetGTE(prefix, key)
	})
}

func (r *Reader[V]) GetLT(ctx context.Context, prefix string, key types.KeyWrapper) ([]block.Row[V], error) {
	hi := types.CompositeKey{Prefix: prefix, Key: key}
	return r.scan(ctx, nil, &hi, func(b *block.Block[V]) []block.Row[V] {
		return b.GetLT(prefix, key)
	})
}

func (r *Reader[V]) GetLTE(ctx context.Context, prefix string, key types.KeyWrapper) ([]block.Row[V], error) {
	hi := types.CompositeKey{Prefix: prefix, Key: key}
	return r.scan(ctx, nil, &hi, func(b *block.Block[V]) []block.Row[V] {
		return b.GetLTE(prefix, key)
	})
}

func (r *Reader[V]) scan(ctx context.Context, low, high *types.CompositeKey, op func(*block.Block[V]) []block.Row[V]) ([]block.Row[V], error) {
	ids := r.sparse.Range(low, high)
	var out []block.Row[V]
	for _, id := range ids {
		blk, err := r.block(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, op(blk)...)
	}
	return out, nil
}

// GetAtIndex returns the i-th row across the whole blockfile in key order.
func (r *Reader[V]) GetAtIndex(ctx context.Context, i int) (block.Row[V], bool, error) {
	remaining := i
	for _, e := range r.sparse.All() {
		blk, err := r.block(ctx, e.BlockID)
		if err != nil {
			return block.Row[V]{}, false, err
		}
		if remaining < blk.Len() {
			row, ok := blk.GetAtIndex(remaining)
			return row, ok, nil
		}
		remaining -= blk.Len()
	}
	return block.Row[V]{}, false, nil
}

// Rank returns the ordinal position of (prefix, key) across the whole
// blockfile.
func (r *Reader[V]) Rank(ctx context.Context, prefix string, key types.KeyWrapper) (int, error) {
	ck := types.CompositeKey{Prefix: prefix, Key: key}
	total := 0
	for _, e := range r.sparse.All() {
		blk, err := r.block(ctx, e.BlockID)
		if err != nil {
			return 0, err
		}
		if mk, ok := blk.MinKey(); ok && ck.Compare(mk) < 0 {
			break
		}
		if blockContainsRoute(r, e, ck) {
			return total + blk.Rank(prefix, key), nil
		}
		total += blk.Len()
	}
	return total, nil
}

func blockContainsRoute[V any](r *Reader[V], e sparseindex.Entry, ck types.CompositeKey) bool {
	routed, err := r.sparse.Route(ck)
	return err == nil && routed == e.BlockID
}

// AllPrefixes returns the distinct row prefixes present across every block,
// used by components that group rows by a synthetic prefix (e.g. the WAND
// index's per-dimension columns, spec §4.7) and need to enumerate which
// prefixes exist without knowing them in advance.
func (r *Reader[V]) AllPrefixes(ctx context.Context) (map[string]bool, error) {
	out := map[string]bool{}
	for _, e := range r.sparse.All() {
		blk, err := r.block(ctx, e.BlockID)
		if err != nil {
			return nil, err
		}
		for i := 0; i < blk.Len(); i++ {
			row, _ := blk.GetAtIndex(i)
			out[row.Key.Prefix] = true
		}
	}
	return out, nil
}

// LoadBlocksForKeys is a prefetch hint: it ensures every block touched by
// the given (prefix, key) pairs is resident in cache before the caller
// issues point reads, returning once all touched blocks are loaded (spec
// §4.4 "load_blocks_for_keys").
func (r *Reader[V]) LoadBlocksForKeys(ctx context.Context, prefixes []string, keys []types.KeyWrapper) error {
	if len(prefixes) != len(keys) {
		return fmt.Errorf("blockfile: prefixes and keys length mismatch")
	}
	seen := map[uuid.UUID]bool{}
	for i := range prefixes {
		ck := types.CompositeKey{Prefix: prefixes[i], Key: keys[i]}
		id, err := r.sparse.Route(ck)
		if err != nil {
			continue
		}
		if seen[id] {
			continue
		}
		seen[id] = true
		if _, err := r.block(ctx, id); err != nil {
			return err
		}
	}
	return nil
}
