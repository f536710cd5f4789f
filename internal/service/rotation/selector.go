// Package rotation hands out upstream keys round-robin over an immutable
// snapshot of the active pool. The snapshot (the "ring") is swapped atomically
// on rebuild; readers never block each other.
package rotation

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/keyfleet/keyfleet/internal/adapter/observability"
	"github.com/keyfleet/keyfleet/internal/domain"
)

// ActiveLister is the slice of the key repository the selector needs.
type ActiveLister interface {
	ListActive(ctx domain.Context, limit int) ([]domain.UpstreamKey, error)
}

// ring is one immutable snapshot of active keys plus its own cursor.
type ring struct {
	keys   []domain.UpstreamKey
	cursor atomic.Uint64
}

// Selector serves Next() from the current ring and rebuilds the ring from
// storage on demand. Rebuilds are serialized; Next() is lock-free.
type Selector struct {
	lister ActiveLister
	limit  int

	current   atomic.Pointer[ring]
	rebuildMu sync.Mutex
}

// New creates a Selector with an empty ring. Call Rebuild before serving.
func New(lister ActiveLister, limit int) *Selector {
	if limit <= 0 {
		limit = 100
	}
	s := &Selector{lister: lister, limit: limit}
	s.current.Store(&ring{})
	return s
}

// Rebuild loads active keys coldest first and swaps in a fresh ring.
// The cursor restarts at zero so the coldest key is handed out next.
func (s *Selector) Rebuild(ctx domain.Context) error {
	s.rebuildMu.Lock()
	defer s.rebuildMu.Unlock()
	keys, err := s.lister.ListActive(ctx, s.limit)
	if err != nil {
		return fmt.Errorf("op=rotation.rebuild: %w", err)
	}
	s.current.Store(&ring{keys: keys})
	observability.ActiveRingSize.Set(float64(len(keys)))
	return nil
}

// Next returns the next key in rotation. When the ring is empty it rebuilds
// once; an empty ring after that means no active keys exist.
func (s *Selector) Next(ctx domain.Context) (domain.UpstreamKey, error) {
	r := s.current.Load()
	if len(r.keys) == 0 {
		if err := s.Rebuild(ctx); err != nil {
			return domain.UpstreamKey{}, err
		}
		r = s.current.Load()
		if len(r.keys) == 0 {
			return domain.UpstreamKey{}, domain.ErrNoKeysAvailable
		}
	}
	idx := (r.cursor.Add(1) - 1) % uint64(len(r.keys))
	return r.keys[idx], nil
}

// Size reports how many keys the current ring holds.
func (s *Selector) Size() int {
	return len(s.current.Load().keys)
}
