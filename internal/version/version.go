// Package version implements spec §6's version file: a per-collection,
// newest-first list of VersionInfo records, read-modify-written under
// ETag-guarded conditional put (spec §5 "Version-file conditional put:
// optimistic, ETag-guarded").
//
// Grounded on the teacher's segmentmanager (IfMatch conditional put
// discipline lives in internal/storage, adapted from
// segmentmanager/disk.go) and blockfile.go's retry policy
// (cenkalti/backoff/v4) for the write side's retry-on-conflict loop.
package version

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/cenkalti/backoff/v4"

	"github.com/flashvec/corevdb/internal/blockfile"
	"github.com/flashvec/corevdb/internal/coreerr"
	"github.com/flashvec/corevdb/internal/storage"
)

// ChangeReason tags why a version was created (spec §6 "change reason
// (enum)").
type ChangeReason int

const (
	ReasonInitial ChangeReason = iota
	ReasonDataUpdate
	ReasonMetadataUpdate
	ReasonGarbageCollection
)

// Info is one VersionInfo record (spec §6: "version number (i64 >= 0),
// created_at_secs (i64), change reason (enum), marked_for_deletion (bool),
// and a segment_info map { segment_uuid -> {file_path: {logical_name ->
// [uuid_string]}}}").
type Info struct {
	Version           int64                        `json:"version"`
	CreatedAtSecs     int64                        `json:"created_at_secs"`
	Reason            ChangeReason                 `json:"reason"`
	MarkedForDeletion bool                         `json:"marked_for_deletion"`
	SegmentInfo       map[string]blockfile.FileMap `json:"segment_info"`
}

func path(collectionID string) string {
	return fmt.Sprintf("/%s/versions/current", collectionID)
}

// List is the on-disk payload: newest first (spec §6 "on-disk order:
// newest first").
type List struct {
	Versions []Info `json:"versions"`
}

// Manager reads and conditionally updates a collection's version file.
type Manager struct {
	store storage.Store
}

func NewManager(store storage.Store) *Manager {
	return &Manager{store: store}
}

// Load returns the current version list and the ETag it was read at, for
// a subsequent conditional Append. A never-written collection returns an
// empty list with an empty ETag (IfNotExists semantics apply on the first
// write).
func (m *Manager) Load(ctx context.Context, collectionID string) (List, string, error) {
	obj, err := m.store.GetWithETag(ctx, path(collectionID))
	if err != nil {
		if coreerr.KindOf(err) == coreerr.NotFound {
			return List{}, "", nil
		}
		return List{}, "", fmt.Errorf("version: load %q: %w", collectionID, err)
	}
	var l List
	if err := json.Unmarshal(obj.Bytes, &l); err != nil {
		return List{}, "", fmt.Errorf("version: decode %q: %w", collectionID, err)
	}
	return l, obj.ETag, nil
}

// Current returns the newest non-deleted version, if any (spec §4.11
// "every query binds to a version at FilterOrchestrator start").
func (l List) Current() (Info, bool) {
	for _, v := range l.Versions {
		if !v.MarkedForDeletion {
			return v, true
		}
	}
	return Info{}, false
}

// Append writes build(current list) back under an ETag-guarded conditional
// put, retrying on conflict by re-reading and re-applying build. Append
// does not read next; whether a new version lands at the head of the list
// is up to build (PrependNewVersion does so; a pruning build such as
// gc.FinalizeVersions' does not) (spec §5 "optimistic, ETag-guarded"; conflicts arise
// when two compactions race on the same collection, serialised here by
// whichever retry wins the conditional put).
func (m *Manager) Append(ctx context.Context, collectionID string, next Info, build func(List) (List, error)) error {
	op := func() error {
		current, etag, err := m.Load(ctx, collectionID)
		if err != nil {
			return backoff.Permanent(err)
		}
		updated, err := build(current)
		if err != nil {
			return backoff.Permanent(err)
		}
		body, err := json.Marshal(updated)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("version: encode %q: %w", collectionID, err))
		}
		mode := storage.IfNotExists
		opts := storage.PutOptions{Mode: mode}
		if etag != "" {
			opts = storage.PutOptions{Mode: storage.IfMatch, ETag: etag}
		}
		_, err = m.store.PutBytes(ctx, path(collectionID), body, opts)
		if err != nil && coreerr.KindOf(err) == coreerr.FailedPrecondition {
			return err // retryable: someone else won the race, re-read and retry
		}
		if err != nil {
			return backoff.Permanent(err)
		}
		return nil
	}
	b := backoff.NewExponentialBackOff()
	policy := backoff.WithMaxRetries(b, 10)
	if err := backoff.Retry(op, policy); err != nil {
		return fmt.Errorf("version: append %q: %w", collectionID, err)
	}
	return nil
}

// PrependNewVersion is the compactor's entry point (spec §4.10 step 5
// "register version"): build inserts next at the front of the current
// list, bumping Version to current.Versions[0].Version + 1 if the caller
// didn't already set it.
func PrependNewVersion(next Info) func(List) (List, error) {
	return func(current List) (List, error) {
		if len(current.Versions) > 0 && next.Version <= current.Versions[0].Version {
			next.Version = current.Versions[0].Version + 1
		}
		return List{Versions: append([]Info{next}, current.Versions...)}, nil
	}
}

// MarkForDeletion flips marked_for_deletion on every version whose number
// is in toDelete. gc.FinalizeVersions does not use it: that step drops the
// marked versions from the list instead.
func MarkForDeletion(toDelete map[int64]bool) func(List) (List, error) {
	return func(current List) (List, error) {
		out := make([]Info, len(current.Versions))
		for i, v := range current.Versions {
			if toDelete[v.Version] {
				v.MarkedForDeletion = true
			}
			out[i] = v
		}
		return List{Versions: out}, nil
	}
}
