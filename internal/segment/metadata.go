package segment

import (
	"context"
	"fmt"
	"strings"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/bits-and-blooms/bloom/v3"
	"github.com/google/uuid"

	"github.com/flashvec/corevdb/internal/block"
	"github.com/flashvec/corevdb/internal/blockfile"
	"github.com/flashvec/corevdb/internal/cache"
	"github.com/flashvec/corevdb/internal/sparseindex"
	"github.com/flashvec/corevdb/internal/storage"
	"github.com/flashvec/corevdb/internal/types"
	"github.com/flashvec/corevdb/internal/where"
)

// MetadataSegment is spec §4.8's inverted index: (metadata_key, typed_value)
// -> set of offset-ids, plus a full-text presence index on documents. Both
// are blockfiles of serialized roaring bitmaps, keyed so a single
// (key, value) or (token) maps to exactly one row.
//
// KeyWrapper only carries {string, f32, bool, u32}; Int/Float metadata
// values are projected onto u32/f32 respectively (documented precision
// limitation — adequate for the corpus's metadata shapes, spec §8's
// worked examples use only strings and small non-negative ints).
type MetadataSegment struct {
	index *blockfile.Writer[[]byte]
	docs  *blockfile.Writer[[]byte]

	knownKeys *bloom.BloomFilter
}

func NewMetadataSegment(store storage.Store, bc *cache.Of[uuid.UUID, any]) *MetadataSegment {
	return &MetadataSegment{
		index:     blockfile.NewWriter[[]byte](block.BytesCodec{}, store, bc),
		docs:      blockfile.NewWriter[[]byte](block.BytesCodec{}, store, bc),
		knownKeys: bloom.NewWithEstimates(10_000, 0.01),
	}
}

func valueKey(v where.Value) types.KeyWrapper {
	switch {
	case v.IsStr:
		return types.StringKey(v.Str)
	case v.IsBool:
		return types.BoolKey(v.Bool)
	case v.IsInt:
		return types.Uint32Key(uint32(v.Int))
	case v.IsFlt:
		return types.Float32Key(float32(v.Float))
	default:
		return types.StringKey("")
	}
}

func (s *MetadataSegment) addToBitmap(ctx context.Context, w *blockfile.Writer[[]byte], prefix string, key types.KeyWrapper, offsetID uint32) error {
	existing, ok, err := w.Get(ctx, prefix, key)
	if err != nil {
		return err
	}
	bm := roaring.New()
	if ok {
		if _, err := bm.FromBuffer(existing); err != nil {
			return fmt.Errorf("segment: decode bitmap: %w", err)
		}
	}
	bm.Add(offsetID)
	encoded, err := bm.ToBytes()
	if err != nil {
		return fmt.Errorf("segment: encode bitmap: %w", err)
	}
	return w.Set(ctx, prefix, key, encoded)
}

// tokenize splits a document into lowercase whitespace-delimited tokens,
// the simple approximation spec §4.8 calls for beyond the sparse-vector
// WAND operator ("no full-text inverted indexes beyond..." — this presence
// index is the minimal exception the spec's own Document predicate needs).
func tokenize(doc string) []string {
	return strings.Fields(strings.ToLower(doc))
}

// IndexRecord folds a newly materialized record's metadata and document
// into the inverted index (called by the log materializer's writer-apply
// step, spec §4.9/§4.10).
func (s *MetadataSegment) IndexRecord(ctx context.Context, offsetID uint32, metadata map[string]where.Value, document string) error {
	for key, v := range metadata {
		if err := s.addToBitmap(ctx, s.index, key, valueKey(v), offsetID); err != nil {
			return fmt.Errorf("segment: index metadata %q: %w", key, err)
		}
		s.knownKeys.AddString(key)
	}
	seen := map[string]bool{}
	for _, tok := range tokenize(document) {
		if seen[tok] {
			continue
		}
		seen[tok] = true
		if err := s.addToBitmap(ctx, s.docs, "doc", types.StringKey(tok), offsetID); err != nil {
			return fmt.Errorf("segment: index token %q: %w", tok, err)
		}
	}
	return nil
}

func (s *MetadataSegment) Commit(ctx context.Context) (blockfile.FileMap, error) {
	idxFlusher, err := s.index.Commit()
	if err != nil {
		return nil, fmt.Errorf("segment: commit metadata index: %w", err)
	}
	idxFiles, err := idxFlusher.Flush(ctx)
	if err != nil {
		return nil, fmt.Errorf("segment: flush metadata index: %w", err)
	}
	docFlusher, err := s.docs.Commit()
	if err != nil {
		return nil, fmt.Errorf("segment: commit document index: %w", err)
	}
	docFiles, err := docFlusher.Flush(ctx)
	if err != nil {
		return nil, fmt.Errorf("segment: flush document index: %w", err)
	}
	out := blockfile.FileMap{}
	for k, v := range idxFiles {
		out["metadata_index_"+k] = v
	}
	for k, v := range docFiles {
		out["document_index_"+k] = v
	}
	return out, nil
}

// MetadataReader is the read-only view, implementing where.MetadataLookup
// so the filter orchestrator (C13) can evaluate a Where tree directly
// against it.
type MetadataReader struct {
	index *blockfile.Reader[[]byte]
	docs  *blockfile.Reader[[]byte]
}

func OpenMetadataReader(indexSparse, docSparse *sparseindex.SparseIndex, store storage.Store, bc *cache.Of[uuid.UUID, any]) *MetadataReader {
	return &MetadataReader{
		index: blockfile.OpenReader[[]byte](indexSparse, block.BytesCodec{}, store, bc),
		docs:  blockfile.OpenReader[[]byte](docSparse, block.BytesCodec{}, store, bc),
	}
}

func decodeBitmap(b []byte, ok bool) (*roaring.Bitmap, error) {
	bm := roaring.New()
	if !ok {
		return bm, nil
	}
	if _, err := bm.FromBuffer(b); err != nil {
		return nil, fmt.Errorf("segment: decode bitmap: %w", err)
	}
	return bm, nil
}

func (r *MetadataReader) Eq(key string, v where.Value) (*roaring.Bitmap, error) {
	b, ok, err := r.index.Get(context.Background(), key, valueKey(v))
	if err != nil {
		return nil, err
	}
	return decodeBitmap(b, ok)
}

// rangeUnion unions every bitmap for rows under key matching op, used by
// Lt/Lte/Gt/Gte (there is no literal ordering shortcut across distinct
// (key,value) rows beyond what the blockfile's own key ordering gives us,
// so this scans every row under the key prefix and applies the comparator
// per spec §4.8's Primitive ordering operators).
func (r *MetadataReader) rangeUnion(key string, keep func(types.KeyWrapper) bool) (*roaring.Bitmap, error) {
	rows, err := r.index.GetByPrefix(context.Background(), key)
	if err != nil {
		return nil, err
	}
	out := roaring.New()
	for _, row := range rows {
		if !keep(row.Key.Key) {
			continue
		}
		bm, err := decodeBitmap(row.Value, true)
		if err != nil {
			return nil, err
		}
		out.Or(bm)
	}
	return out, nil
}

func (r *MetadataReader) Lt(key string, v where.Value) (*roaring.Bitmap, error) {
	target := valueKey(v)
	return r.rangeUnion(key, func(k types.KeyWrapper) bool { return k.Compare(target) < 0 })
}

func (r *MetadataReader) Lte(key string, v where.Value) (*roaring.Bitmap, error) {
	target := valueKey(v)
	return r.rangeUnion(key, func(k types.KeyWrapper) bool { return k.Compare(target) <= 0 })
}

func (r *MetadataReader) Gt(key string, v where.Value) (*roaring.Bitmap, error) {
	target := valueKey(v)
	return r.rangeUnion(key, func(k types.KeyWrapper) bool { return k.Compare(target) > 0 })
}

func (r *MetadataReader) Gte(key string, v where.Value) (*roaring.Bitmap, error) {
	target := valueKey(v)
	return r.rangeUnion(key, func(k types.KeyWrapper) bool { return k.Compare(target) >= 0 })
}

func (r *MetadataReader) DocumentContains(text string) (*roaring.Bitmap, error) {
	tokens := tokenize(text)
	if len(tokens) == 0 {
		return roaring.New(), nil
	}
	var out *roaring.Bitmap
	for _, tok := range tokens {
		b, ok, err := r.docs.Get(context.Background(), "doc", types.StringKey(tok))
		if err != nil {
			return nil, err
		}
		bm, err := decodeBitmap(b, ok)
		if err != nil {
			return nil, err
		}
		if out == nil {
			out = bm
		} else {
			out = roaring.And(out, bm)
		}
	}
	return out, nil
}
