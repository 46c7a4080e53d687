// Package materialize implements spec §4.9: folding an ordered chunk of
// dirty-log records against a record-segment snapshot into a deterministic,
// replayable sequence of materialised operations, one per affected
// offset-id.
//
// Grounded on spec §4.9's table directly; the fold itself mirrors the
// teacher's wal.WALReader ordered-replay loop (iter.Seq2 over (offset,
// entry) pairs) generalized from "replay a WAL into a memtable" to
// "replay a log chunk into effective per-id operations".
package materialize

import (
	"context"
	"fmt"

	"github.com/flashvec/corevdb/internal/segment"
	"github.com/flashvec/corevdb/internal/where"
)

// Operation tags a log record's action (spec §3 "Log record").
type Operation int

const (
	Add Operation = iota
	Update
	Upsert
	Delete
)

// LogRecord is one WAL entry (spec §3).
type LogRecord struct {
	LogOffset int64
	Operation Operation
	ID        string
	Embedding []float32
	Metadata  map[string]where.Value
	Document  *string // nil means "leave unchanged" on Update
}

// EffectiveKind classifies the net effect of a run of log records on one id
// (spec §4.9's table).
type EffectiveKind int

const (
	NoOp EffectiveKind = iota
	AddNew
	UpdateExisting
	DeleteExisting
	OverwriteExisting
)

// MaterialisedOp is the fold's output unit: the effective operation for one
// offset-id, carrying both the pre-existing record (if any) and the new
// state to apply.
type MaterialisedOp struct {
	ID           string
	Kind         EffectiveKind
	OffsetID     uint32 // assigned fresh for AddNew/OverwriteExisting, else the existing offset
	PriorRecord  *segment.Record
	NewEmbedding []float32
	NewMetadata  map[string]where.Value
	NewDocument  string
}

// OffsetAllocator hands out fresh offset ids for newly materialised
// records; the compactor supplies one backed by the collection's current
// high-water mark.
type OffsetAllocator interface {
	Next() uint32
}

// RecordLookup resolves a user id to its existing offset/record, the
// record-segment snapshot the fold runs against (spec §4.9 "an optional
// record-segment reader").
type RecordLookup interface {
	GetOffsetForID(ctx context.Context, id string) (uint32, bool, error)
	GetDataForOffsetID(ctx context.Context, offsetID uint32) (segment.Record, bool, error)
}

// state accumulates the pending effective operation for one id across a
// run of log records, folded left to right per spec §4.9's table.
type state struct {
	kind       EffectiveKind
	offsetID   uint32
	prior      *segment.Record
	embedding  []float32
	metadata   map[string]where.Value
	document   string
	sawInitial bool
}

// Materialize folds logs (already grouped/ordered per-id, e.g. by the
// compactor's partitioner, spec §4.10 step 2) against lookup into an
// ordered sequence of MaterialisedOp, one per affected id, in first-seen
// order. The fold is a pure function of (logs, lookup snapshot): replaying
// the same inputs always yields the same result (spec §4.9 "deterministic
// and replayable").
func Materialize(ctx context.Context, logs []LogRecord, lookup RecordLookup, alloc OffsetAllocator) ([]MaterialisedOp, error) {
	order := make([]string, 0, len(logs))
	states := make(map[string]*state, len(logs))

	for _, rec := range logs {
		st, ok := states[rec.ID]
		if !ok {
			st = &state{}
			states[rec.ID] = st
			order = append(order, rec.ID)

			offsetID, exists, err := lookup.GetOffsetForID(ctx, rec.ID)
			if err != nil {
				return nil, fmt.Errorf("materialize: lookup %q: %w", rec.ID, err)
			}
			if exists {
				prior, found, err := lookup.GetDataForOffsetID(ctx, offsetID)
				if err != nil {
					return nil, fmt.Errorf("materialize: load %q: %w", rec.ID, err)
				}
				if found {
					st.offsetID = offsetID
					p := prior
					st.prior = &p
					st.embedding = prior.Embedding
					st.metadata = prior.Metadata
					st.document = prior.Document
					st.kind = UpdateExisting
					st.sawInitial = true
				}
			}
		}
		applyOne(st, rec, alloc)
	}

	out := make([]MaterialisedOp, 0, len(order))
	for _, id := range order {
		st := states[id]
		if st.kind == NoOp {
			continue
		}
		out = append(out, MaterialisedOp{
			ID:           id,
			Kind:         st.kind,
			OffsetID:     st.offsetID,
			PriorRecord:  st.prior,
			NewEmbedding: st.embedding,
			NewMetadata:  st.metadata,
			NewDocument:  st.document,
		})
	}
	return out, nil
}

// applyOne folds a single log record's operation into the running state
// for its id, implementing every row of spec §4.9's table.
func applyOne(st *state, rec LogRecord, alloc OffsetAllocator) {
	existed := st.sawInitial

	switch rec.Operation {
	case Add:
		if st.kind == DeleteExisting {
			// "Delete then Add: OverwriteExisting with new content"
			st.kind = OverwriteExisting
			st.offsetID = alloc.Next()
			st.embedding = rec.Embedding
			st.metadata = rec.Metadata
			if rec.Document != nil {
				st.document = *rec.Document
			}
			return
		}
		if existed {
			// "Add (id exists): no-op for record; embedding/metadata may
			// still update" — fields present on the Add still apply, the
			// row itself doesn't become a fresh insert.
			mergeFields(st, rec)
			return
		}
		if st.kind == NoOp {
			// "Add (id absent): AddNew with new offset-id"
			st.kind = AddNew
			st.offsetID = alloc.Next()
		}
		mergeFields(st, rec)

	case Upsert:
		if existed || st.kind == AddNew || st.kind == UpdateExisting || st.kind == OverwriteExisting {
			mergeFields(st, rec)
			if st.kind == NoOp {
				st.kind = UpdateExisting
			}
			return
		}
		st.kind = AddNew
		st.offsetID = alloc.Next()
		mergeFields(st, rec)

	case Update:
		if st.kind == NoOp && !existed {
			// Update on a never-seen, non-existent id: nothing to update.
			return
		}
		if st.kind == NoOp {
			st.kind = UpdateExisting
		}
		mergeFields(st, rec)

	case Delete:
		if !existed {
			// An id absent from the snapshot has nothing to delete: an
			// Add/Upsert staged for it earlier in this chunk is dropped and
			// the id yields no operation.
			*st = state{}
			return
		}
		// "Update then Delete: DeleteExisting"; any prior Add/Upsert in
		// this chunk is also collapsed to a delete, since the net effect
		// on the materialised segment is the same: nothing survives.
		st.kind = DeleteExisting
		st.embedding = nil
		st.metadata = nil
		st.document = ""
	}
}

func mergeFields(st *state, rec LogRecord) {
	if rec.Embedding != nil {
		st.embedding = rec.Embedding
	}
	if rec.Metadata != nil {
		if st.metadata == nil {
			st.metadata = map[string]where.Value{}
		}
		for k, v := range rec.Metadata {
			st.metadata[k] = v
		}
	}
	if rec.Document != nil {
		st.document = *rec.Document
	}
}
