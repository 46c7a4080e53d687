package block

import (
	"encoding/binary"
	"math"
)

// Codec is the capability set design note 9 calls for: "ordering, columnar
// size accounting, encode/decode" abstracted behind an interface so call
// sites that vary only in V can parameterize on that alone, while K stays
// fixed at types.CompositeKey across the whole engine.
type Codec[V any] interface {
	// Size returns the serialized byte length of v, used for both size_of
	// accounting and split-threshold decisions.
	Size(v V) int
	Encode(v V) ([]byte, error)
	Decode(b []byte) (V, error)
}

// StringCodec encodes values as their raw UTF-8 bytes; used for blockfiles
// whose logical value is itself a string (e.g. the sparse index's
// CompositeKey -> BlockId mapping, spec §4.3).
type StringCodec struct{}

func (StringCodec) Size(v string) int            { return len(v) }
func (StringCodec) Encode(v string) ([]byte, error) { return []byte(v), nil }
func (StringCodec) Decode(b []byte) (string, error) { return string(b), nil }

// BytesCodec is the identity codec for already-serialized payloads (e.g.
// record bytes in the record segment, spec §4.8).
type BytesCodec struct{}

func (BytesCodec) Size(v []byte) int              { return len(v) }
func (BytesCodec) Encode(v []byte) ([]byte, error) { return v, nil }
func (BytesCodec) Decode(b []byte) ([]byte, error) { return b, nil }

// Uint32Codec stores little-endian uint32 values, used for offset-id and
// BlockId-index style columns.
type Uint32Codec struct{}

func (Uint32Codec) Size(uint32) int { return 4 }
func (Uint32Codec) Encode(v uint32) ([]byte, error) {
	b := make([]byte, 4)
	b[0], b[1], b[2], b[3] = byte(v), byte(v>>8), byte(v>>16), byte(v>>24)
	return b, nil
}
func (Uint32Codec) Decode(b []byte) (uint32, error) {
	if len(b) != 4 {
		return 0, errShortBuffer
	}
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24, nil
}

// Uint64Codec stores little-endian uint64 values, used for the SPANN
// versions-map blockfile (spec §4.6 "versions-map blockfile (offset-id ->
// version)").
type Uint64Codec struct{}

func (Uint64Codec) Size(uint64) int { return 8 }
func (Uint64Codec) Encode(v uint64) ([]byte, error) {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, v)
	return b, nil
}
func (Uint64Codec) Decode(b []byte) (uint64, error) {
	if len(b) != 8 {
		return 0, errShortBuffer
	}
	return binary.LittleEndian.Uint64(b), nil
}

// Float32Codec stores a single little-endian float32, used for the sparse
// (WAND) index's offset-value and per-block/per-dimension max columns
// (spec §4.7).
type Float32Codec struct{}

func (Float32Codec) Size(float32) int { return 4 }
func (Float32Codec) Encode(v float32) ([]byte, error) {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, math.Float32bits(v))
	return b, nil
}
func (Float32Codec) Decode(b []byte) (float32, error) {
	if len(b) != 4 {
		return 0, errShortBuffer
	}
	return math.Float32frombits(binary.LittleEndian.Uint32(b)), nil
}

// Float32VectorCodec stores a dense embedding as little-endian float32s,
// used for SPANN posting-list entries (spec §4.6).
type Float32VectorCodec struct{ Dim int }

func (c Float32VectorCodec) Size(v []float32) int { return len(v) * 4 }
func (c Float32VectorCodec) Encode(v []float32) ([]byte, error) {
	b := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(b[i*4:], math.Float32bits(f))
	}
	return b, nil
}
func (c Float32VectorCodec) Decode(b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, errShortBuffer
	}
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v, nil
}
