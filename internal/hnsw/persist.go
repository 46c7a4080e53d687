package hnsw

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/google/uuid"

	"github.com/flashvec/corevdb/internal/cache"
	"github.com/flashvec/corevdb/internal/storage"
)

// Prefix returns the sidecar directory for an index id (spec §5 "HNSW
// sidecar files": hnsw/{index_uuid}/).
func Prefix(id uuid.UUID) string { return "hnsw/" + id.String() + "/" }

const (
	headerFile    = "header.bin"
	dataLevel0    = "data_level0.bin"
	lengthFile    = "length.bin"
	linkListsFile = "link_lists.bin"
)

// Create builds a brand new, empty index (spec §4.5 "create").
func Create(id uuid.UUID, cfg Config) *Index {
	return NewIndex(id, cfg)
}

// Save persists the four sidecar files under Prefix(idx.ID()) (spec §4.5
// "flush" / §5 "HNSW sidecar files").
func (idx *Index) Save(ctx context.Context, store storage.Store) error {
	idx.resizeMu.RLock()
	defer idx.resizeMu.RUnlock()
	idx.graphMu.Lock()
	defer idx.graphMu.Unlock()

	prefix := Prefix(idx.id)

	var header bytes.Buffer
	writeU32(&header, uint32(idx.cfg.Dim))
	header.WriteByte(byte(idx.cfg.Space))
	writeU32(&header, uint32(idx.cfg.M))
	writeU32(&header, uint32(idx.cfg.EfConstruction))
	writeU32(&header, uint32(idx.cfg.EfSearch))
	writeU32(&header, uint32(idx.capacity))
	writeU32(&header, uint32(idx.lenWithDeleted))
	writeI32(&header, int32(idx.entrypoint))
	writeI32(&header, int32(idx.maxLevel))

	var data, length, links bytes.Buffer
	for slot := 0; slot < idx.lenWithDeleted; slot++ {
		writeU32(&data, idx.slotToOffset[slot])
		if idx.deleted[slot] {
			data.WriteByte(1)
		} else {
			data.WriteByte(0)
		}
		writeI32(&data, int32(idx.nodeLevel[slot]))
		for _, f := range idx.vectors[slot] {
			var b [4]byte
			binary.LittleEndian.PutUint32(b[:], math.Float32bits(f))
			data.Write(b[:])
		}

		for lvl := 0; lvl <= idx.nodeLevel[slot]; lvl++ {
			var neighborIDs []uint32
			if lvl < len(idx.neighbors[slot]) {
				neighborIDs = idx.neighbors[slot][lvl]
			}
			writeU32(&length, uint32(len(neighborIDs)))
			for _, n := range neighborIDs {
				writeU32(&links, n)
			}
		}
	}

	if _, err := store.PutBytes(ctx, prefix+headerFile, header.Bytes(), storage.PutOptions{}); err != nil {
		return fmt.Errorf("hnsw: save header: %w", err)
	}
	if _, err := store.PutBytes(ctx, prefix+dataLevel0, data.Bytes(), storage.PutOptions{}); err != nil {
		return fmt.Errorf("hnsw: save data_level0: %w", err)
	}
	if _, err := store.PutBytes(ctx, prefix+lengthFile, length.Bytes(), storage.PutOptions{}); err != nil {
		return fmt.Errorf("hnsw: save length: %w", err)
	}
	if _, err := store.PutBytes(ctx, prefix+linkListsFile, links.Bytes(), storage.PutOptions{}); err != nil {
		return fmt.Errorf("hnsw: save link_lists: %w", err)
	}
	return nil
}

// Open reads an index back from its sidecar files (spec §4.5 "open(id, dim,
// space)").
func Open(ctx context.Context, store storage.Store, id uuid.UUID) (*Index, error) {
	prefix := Prefix(id)

	headerBytes, err := store.Get(ctx, prefix+headerFile)
	if err != nil {
		return nil, fmt.Errorf("hnsw: load header: %w", err)
	}
	hr := bytes.NewReader(headerBytes)
	dim := readU32(hr)
	spaceByte, _ := hr.ReadByte()
	m := readU32(hr)
	efConstruction := readU32(hr)
	efSearch := readU32(hr)
	capacity := readU32(hr)
	lenWithDeleted := readU32(hr)
	entrypoint := readI32(hr)
	maxLevel := readI32(hr)

	cfg := Config{Dim: int(dim), Space: Space(spaceByte), M: int(m), EfConstruction: int(efConstruction), EfSearch: int(efSearch)}
	idx := NewIndex(id, cfg)
	if capacity > uint32(idx.capacity) {
		for idx.capacity < int(capacity) {
			idx.grow()
		}
	}
	idx.lenWithDeleted = int(lenWithDeleted)
	idx.entrypoint = int(entrypoint)
	idx.maxLevel = int(maxLevel)

	dataBytes, err := store.Get(ctx, prefix+dataLevel0)
	if err != nil {
		return nil, fmt.Errorf("hnsw: load data_level0: %w", err)
	}
	lengthBytes, err := store.Get(ctx, prefix+lengthFile)
	if err != nil {
		return nil, fmt.Errorf("hnsw: load length: %w", err)
	}
	linkBytes, err := store.Get(ctx, prefix+linkListsFile)
	if err != nil {
		return nil, fmt.Errorf("hnsw: load link_lists: %w", err)
	}

	dr := bytes.NewReader(dataBytes)
	lr := bytes.NewReader(lengthBytes)
	kr := bytes.NewReader(linkBytes)

	for slot := 0; slot < idx.lenWithDeleted; slot++ {
		offsetID := readU32(dr)
		delByte, _ := dr.ReadByte()
		level := int(readI32(dr))
		vec := make([]float32, cfg.Dim)
		for i := range vec {
			var b [4]byte
			dr.Read(b[:])
			vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[:]))
		}

		idx.slotToOffset[slot] = offsetID
		idx.offsetToSlot[offsetID] = slot
		idx.deleted[slot] = delByte != 0
		idx.nodeLevel[slot] = level
		idx.vectors[slot] = vec
		idx.neighbors[slot] = make([][]uint32, level+1)

		for lvl := 0; lvl <= level; lvl++ {
			count := readU32(lr)
			neighborIDs := make([]uint32, count)
			for i := range neighborIDs {
				neighborIDs[i] = readU32(kr)
			}
			idx.neighbors[slot][lvl] = neighborIDs
		}
	}

	return idx, nil
}

// Fork deep-copies the index at srcID under a fresh UUID, serializing
// concurrent forks of the same source via the partitioned mutex (spec §5:
// "filesystem operations on the 4 sidecar files are not atomic").
func Fork(ctx context.Context, store storage.Store, pm *cache.PartitionedMutex, srcID uuid.UUID) (*Index, error) {
	unlock := pm.Lock(srcID.String())
	defer unlock()

	src, err := Open(ctx, store, srcID)
	if err != nil {
		return nil, err
	}

	newID := uuid.New()
	dst := NewIndex(newID, src.cfg)
	for dst.capacity < src.capacity {
		dst.grow()
	}
	dst.lenWithDeleted = src.lenWithDeleted
	dst.entrypoint = src.entrypoint
	dst.maxLevel = src.maxLevel
	copy(dst.vectors, src.vectors)
	copy(dst.deleted, src.deleted)
	copy(dst.nodeLevel, src.nodeLevel)
	copy(dst.slotToOffset, src.slotToOffset)
	dst.neighbors = make([][][]uint32, len(src.neighbors))
	for i, levels := range src.neighbors {
		if levels == nil {
			continue
		}
		cp := make([][]uint32, len(levels))
		for j, ns := range levels {
			cp[j] = append([]uint32(nil), ns...)
		}
		dst.neighbors[i] = cp
	}
	for offsetID, slot := range src.offsetToSlot {
		dst.offsetToSlot[offsetID] = slot
	}
	return dst, nil
}

// Flush persists idx and returns the file map entry for the version file
// (spec §6 "segment_info.file_path").
func Flush(ctx context.Context, store storage.Store, idx *Index) (map[string][]string, error) {
	if err := idx.Save(ctx, store); err != nil {
		return nil, err
	}
	return map[string][]string{"hnsw_index": {idx.ID().String()}}, nil
}

func writeU32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

func writeI32(buf *bytes.Buffer, v int32) {
	writeU32(buf, uint32(v))
}

func readU32(r *bytes.Reader) uint32 {
	var b [4]byte
	r.Read(b[:])
	return binary.LittleEndian.Uint32(b[:])
}

func readI32(r *bytes.Reader) int32 {
	return int32(readU32(r))
}
