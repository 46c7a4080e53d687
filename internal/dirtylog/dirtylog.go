// Package dirtylog implements spec §6's dirty-log markers and the
// coalescer that folds a stream of them into a per-collection cursor: the
// maximum log position still owed a compaction pass.
//
// Grounded on the teacher's wal.WALWriter (_examples/PriyanshuSharma23-
// FlashLog/wal/wal_writer.go): a buffered channel plus a single goroutine
// loop that drains it on close, generalized from "append entries to a
// file" to "fold markers into an in-memory cursor map" — the dirty log
// itself is an external system (spec §3's "write-ahead dirty log"); this
// package is the heap tender that watches it, not the log storage.
package dirtylog

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// MarkerKind tags the dirty-log sum type (spec §6).
type MarkerKind int

const (
	MarkDirty MarkerKind = iota
	Purge
	Cleared
)

// Marker is one JSON-encoded dirty-log entry (spec §6 "Dirty-log markers").
type Marker struct {
	Kind                    MarkerKind `json:"kind"`
	CollectionID            string     `json:"collection_id"`
	LogPosition             int64      `json:"log_position,omitempty"`
	NumRecords              int64      `json:"num_records,omitempty"`
	ReinsertCount           int64      `json:"reinsert_count,omitempty"`
	InitialInsertionEpochUs int64      `json:"initial_insertion_epoch_us,omitempty"`
}

// Encode/Decode round-trip a Marker through the JSON wire format spec §6
// mandates ("JSON-encoded sum type").
func (m Marker) Encode() ([]byte, error) { return json.Marshal(m) }

func Decode(b []byte) (Marker, error) {
	var m Marker
	if err := json.Unmarshal(b, &m); err != nil {
		return Marker{}, fmt.Errorf("dirtylog: decode marker: %w", err)
	}
	return m, nil
}

var ErrClosed = fmt.Errorf("dirtylog: coalescer closed")

// Coalescer is the heap tender of spec §5's "Back-pressure" paragraph: it
// watches an in-process stream of markers and keeps, per collection, the
// maximum log_position among MarkDirty markers with reinsert_count == 0.
// Purges and Cleared markers are informational only (spec §6) and do not
// advance the cursor; the compactor consults Cursor before pulling a log
// range (spec §4.10 step 1).
type Coalescer struct {
	log *zap.Logger

	ch     chan Marker
	done   chan struct{}
	wg     sync.WaitGroup
	closed atomic.Bool

	mu      sync.Mutex
	cursors map[string]int64
}

// New starts the coalescer's single-goroutine loop, buffer entries deep.
func New(buffer int, log *zap.Logger) *Coalescer {
	if log == nil {
		log = zap.NewNop()
	}
	c := &Coalescer{
		log:     log,
		ch:      make(chan Marker, buffer),
		done:    make(chan struct{}),
		cursors: map[string]int64{},
	}
	c.wg.Add(1)
	go c.loop()
	return c
}

// Submit enqueues a marker for coalescing; it never blocks on storage I/O
// (the coalescer folds in memory only), matching spec §5's rule that tasks
// never block a worker on held state.
func (c *Coalescer) Submit(m Marker) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	select {
	case c.ch <- m:
		return nil
	case <-c.done:
		return ErrClosed
	}
}

// Close stops accepting new markers and drains whatever is queued before
// returning, the same "close then drain remaining" shape as the teacher's
// WALWriter.Close/loop pair.
func (c *Coalescer) Close() {
	if c.closed.Swap(true) {
		return
	}
	close(c.done)
	c.wg.Wait()
}

func (c *Coalescer) loop() {
	defer c.wg.Done()
	for {
		select {
		case m := <-c.ch:
			c.apply(m)
		case <-c.done:
			for {
				select {
				case m := <-c.ch:
					c.apply(m)
				default:
					return
				}
			}
		}
	}
}

func (c *Coalescer) apply(m Marker) {
	switch m.Kind {
	case MarkDirty:
		if m.ReinsertCount != 0 {
			return
		}
		c.mu.Lock()
		if m.LogPosition > c.cursors[m.CollectionID] {
			c.cursors[m.CollectionID] = m.LogPosition
		}
		c.mu.Unlock()
	case Purge, Cleared:
		c.log.Debug("dirtylog: informational marker", zap.String("collection_id", m.CollectionID), zap.Int("kind", int(m.Kind)))
	}
}

// Cursor returns the maximum coalesced log position owed a compaction for
// collectionID, and whether any dirty marker has been seen for it.
func (c *Coalescer) Cursor(collectionID string) (int64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	pos, ok := c.cursors[collectionID]
	return pos, ok
}

// DirtyCollections returns every collection id currently owed a
// compaction pass, for a poller that doesn't otherwise track collection
// ids itself (spec §5's local-compaction-manager supplement).
func (c *Coalescer) DirtyCollections() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.cursors))
	for id := range c.cursors {
		out = append(out, id)
	}
	return out
}

// Advance is called by the compactor once a pulled log range has been
// durably materialised, so a subsequent Cursor call for collectionID never
// reports a position the compactor has already consumed (spec §5
// "the heap tender advances its cursor only after successfully
// coalescing").
func (c *Coalescer) Advance(ctx context.Context, collectionID string, through int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cur, ok := c.cursors[collectionID]; ok && through >= cur {
		delete(c.cursors, collectionID)
	}
}
