// Package segment implements spec §4.8: the record segment (offset-id ->
// record) and the metadata segment (inverted index over metadata plus a
// document full-text presence index), composing a `where.Where` tree into
// a SignedRoaringBitmap.
//
// Grounded on sst/writer.go's bloom-filter existence block (teacher) for
// the record segment's pre-lookup probe, and spec §4.8 directly for the
// inverted-index shape; roaring bitmaps come from erigon-lib's go.mod
// dependency surface.
package segment

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"

	"github.com/flashvec/corevdb/internal/block"
	"github.com/flashvec/corevdb/internal/blockfile"
	"github.com/flashvec/corevdb/internal/cache"
	"github.com/flashvec/corevdb/internal/sparseindex"
	"github.com/flashvec/corevdb/internal/storage"
	"github.com/flashvec/corevdb/internal/types"
	"github.com/flashvec/corevdb/internal/where"
)

// Record is the user-visible payload spec §4.8 calls out:
// "{id, embedding, metadata, document}".
type Record struct {
	ID        string                   `json:"id"`
	Embedding []float32                `json:"embedding,omitempty"`
	Metadata  map[string]where.Value   `json:"metadata,omitempty"`
	Document  string                   `json:"document,omitempty"`
}

// recordCodec JSON-encodes a Record and zstd-compresses the result (domain
// stack: klauspost/compress, "optional block-payload compression in the
// columnar block writer"). Compression is per-value, not per-block, since
// Block's columnar layout already size-accounts each value independently.
type recordCodec struct {
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

func newRecordCodec() recordCodec {
	enc, _ := zstd.NewWriter(nil)
	dec, _ := zstd.NewReader(nil)
	return recordCodec{encoder: enc, decoder: dec}
}

func (c recordCodec) Size(v Record) int {
	b, _ := json.Marshal(v)
	return len(c.encoder.EncodeAll(b, nil))
}

func (c recordCodec) Encode(v Record) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return c.encoder.EncodeAll(b, nil), nil
}

func (c recordCodec) Decode(b []byte) (Record, error) {
	raw, err := c.decoder.DecodeAll(b, nil)
	if err != nil {
		return Record{}, fmt.Errorf("segment: decode record: %w", err)
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return Record{}, fmt.Errorf("segment: unmarshal record: %w", err)
	}
	return rec, nil
}

// RecordSegment is the writer+reader side of spec §4.8's record segment:
// one blockfile mapping user id -> offset id, one mapping offset id ->
// record bytes, plus a bloom filter of known user ids so a miss on
// GetOffsetForID can skip the blockfile route/lookup entirely (teacher:
// sst's bloom existence block).
type RecordSegment struct {
	codec recordCodec

	idToOffset *blockfile.Writer[uint32]
	records    *blockfile.Writer[Record]

	knownIDs *bloom.BloomFilter
}

// NewRecordSegment creates an empty record segment.
func NewRecordSegment(store storage.Store, bc *cache.Of[uuid.UUID, any]) *RecordSegment {
	return &RecordSegment{
		codec:      newRecordCodec(),
		idToOffset: blockfile.NewWriter[uint32](block.Uint32Codec{}, store, bc),
		records:    blockfile.NewWriter[Record](newRecordCodec(), store, bc),
		knownIDs:   bloom.NewWithEstimates(100_000, 0.01),
	}
}

// Put upserts a record under a caller-assigned offsetID (the compactor's
// materializer, §4.9, assigns fresh offset-ids for AddNew operations).
func (s *RecordSegment) Put(ctx context.Context, offsetID uint32, rec Record) error {
	if err := s.idToOffset.Set(ctx, "", types.StringKey(rec.ID), offsetID); err != nil {
		return fmt.Errorf("segment: put: id->offset: %w", err)
	}
	if err := s.records.Set(ctx, "", types.Uint32Key(offsetID), rec); err != nil {
		return fmt.Errorf("segment: put: offset->record: %w", err)
	}
	s.knownIDs.AddString(rec.ID)
	return nil
}

// Delete removes a record's offset mapping; the record bytes blockfile
// tombstones the row but offset-ids are never reused (spec §4.8, design
// note on offset-id stability).
func (s *RecordSegment) Delete(ctx context.Context, id string, offsetID uint32) error {
	if err := s.idToOffset.Delete(ctx, "", types.StringKey(id)); err != nil {
		return fmt.Errorf("segment: delete: id->offset: %w", err)
	}
	return s.records.Delete(ctx, "", types.Uint32Key(offsetID))
}

// GetOffsetForID resolves a user id to its internal offset id, short
// circuiting on the bloom filter when the id was never seen by this writer
// generation.
func (s *RecordSegment) GetOffsetForID(ctx context.Context, id string) (uint32, bool, error) {
	if !s.knownIDs.TestString(id) {
		return 0, false, nil
	}
	return s.idToOffset.Get(ctx, "", types.StringKey(id))
}

// GetDataForOffsetID returns the full record for offsetID, if present
// (spec §4.8 "get_data_for_offset_id").
func (s *RecordSegment) GetDataForOffsetID(ctx context.Context, offsetID uint32) (Record, bool, error) {
	return s.records.Get(ctx, "", types.Uint32Key(offsetID))
}

// Commit flushes both backing blockfiles, returning the combined file map
// for a version's segment_info.
func (s *RecordSegment) Commit(ctx context.Context) (blockfile.FileMap, error) {
	idFlusher, err := s.idToOffset.Commit()
	if err != nil {
		return nil, fmt.Errorf("segment: commit id->offset: %w", err)
	}
	idFiles, err := idFlusher.Flush(ctx)
	if err != nil {
		return nil, fmt.Errorf("segment: flush id->offset: %w", err)
	}
	recFlusher, err := s.records.Commit()
	if err != nil {
		return nil, fmt.Errorf("segment: commit offset->record: %w", err)
	}
	recFiles, err := recFlusher.Flush(ctx)
	if err != nil {
		return nil, fmt.Errorf("segment: flush offset->record: %w", err)
	}
	out := blockfile.FileMap{}
	for k, v := range idFiles {
		out["id_to_offset_"+k] = v
	}
	for k, v := range recFiles {
		out["offset_to_record_"+k] = v
	}
	return out, nil
}

// RecordReader is the read-only view of a committed record segment.
type RecordReader struct {
	idToOffset *blockfile.Reader[uint32]
	records    *blockfile.Reader[Record]
}

// OpenRecordReader builds a read-only view over a committed record
// segment's two sparse indices.
func OpenRecordReader(idSparse, recSparse *sparseindex.SparseIndex, store storage.Store, bc *cache.Of[uuid.UUID, any]) *RecordReader {
	return &RecordReader{
		idToOffset: blockfile.OpenReader[uint32](idSparse, block.Uint32Codec{}, store, bc),
		records:    blockfile.OpenReader[Record](recSparse, newRecordCodec(), store, bc),
	}
}

func (r *RecordReader) GetOffsetForID(ctx context.Context, id string) (uint32, bool, error) {
	return r.idToOffset.Get(ctx, "", types.StringKey(id))
}

func (r *RecordReader) GetDataForOffsetID(ctx context.Context, offsetID uint32) (Record, bool, error) {
	return r.records.Get(ctx, "", types.Uint32Key(offsetID))
}

// AllOffsetIDs returns every live offset id, the "universe" a filter
// orchestrator needs to materialize a negative SignedRoaringBitmap (spec
// §4.8).
func (r *RecordReader) AllOffsetIDs(ctx context.Context) ([]uint32, error) {
	rows, err := r.records.GetByPrefix(ctx, "")
	if err != nil {
		return nil, err
	}
	ids := make([]uint32, len(rows))
	for i, row := range rows {
		ids[i] = row.Key.Key.U32
	}
	return ids, nil
}
