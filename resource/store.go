// Package resource implements the owned handle table (spec §4.1) used
// pervasively across ipwis for client-opaque references to host-side
// objects: sockets, streams, nested clients, task instances.
package resource

import (
	"fmt"

	"github.com/ulag-bulag-village/ipwis/errs"
)

// ID is an opaque, monotonically allocated handle into a Store. An id is
// valid iff it currently indexes a live entry; ids are never reused within
// a store's lifetime.
type ID uint64

// Releasable is implemented by every value a Store can own. Release runs
// exactly once per entry — individually via Store.ReleaseOne, or in bulk via
// Store.Release — and its error is surfaced to the first caller but never
// stops the rest of a bulk drain from running.
type Releasable interface {
	Release() error
}

// Store is a generic owned handle table. It is not internally synchronised:
// per spec §4.1, concurrent access is achieved by a single mutex held by the
// store's owner, not by the store itself — this mirrors the teacher's
// pattern of per-task/per-handler state guarded by one external lock rather
// than many fine-grained ones.
type Store[T Releasable] struct {
	next    uint64
	entries map[ID]T
}

// New returns an empty Store.
func New[T Releasable]() *Store[T] {
	return &Store[T]{entries: make(map[ID]T)}
}

// Put inserts v and returns a fresh id that has never been returned before
// by this store. Ids are allocated from a 64-bit counter; overflow (which
// would require 2^64 insertions) aborts the process rather than wrapping,
// since a wrapped id could alias a still-live entry.
func (s *Store[T]) Put(v T) ID {
	s.next++
	if s.next == 0 {
		panic("resource: id counter overflowed a 64-bit store")
	}
	id := ID(s.next)
	s.entries[id] = v
	return id
}

// Get returns a shared view of the entry at id.
func (s *Store[T]) Get(id ID) (T, error) {
	v, ok := s.entries[id]
	if !ok {
		var zero T
		return zero, errs.Newf(errs.NotFound, "resource id %d", id)
	}
	return v, nil
}

// GetMut returns an exclusive view of the entry at id. Go cannot express
// Rust's shared/exclusive borrow distinction at the type level, so this is
// Get's twin: same lookup, documented for call sites that mutate through
// the returned value (e.g. a *bytes.Reader's position).
func (s *Store[T]) GetMut(id ID) (T, error) {
	return s.Get(id)
}

// ReleaseOne runs the release hook for id and removes it from the table.
func (s *Store[T]) ReleaseOne(id ID) error {
	v, ok := s.entries[id]
	if !ok {
		return errs.Newf(errs.NotFound, "resource id %d", id)
	}
	delete(s.entries, id)
	if err := v.Release(); err != nil {
		return fmt.Errorf("resource: release id %d: %w", id, err)
	}
	return nil
}

// Release drains the table, invoking Release on every entry. The first
// error encountered is returned, but every entry is still released —
// callers that need to log the rest should range a snapshot themselves
// before calling Release.
func (s *Store[T]) Release() error {
	var firstErr error
	for id, v := range s.entries {
		delete(s.entries, id)
		if err := v.Release(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("resource: release id %d: %w", id, err)
		}
	}
	return firstErr
}

// Len reports the number of live entries.
func (s *Store[T]) Len() int {
	return len(s.entries)
}
