package gomigrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// Registry caches one LockHandler per database identity. It only guarantees a
// single handler within this process; mutual exclusion between processes comes
// from the lock table.
type Registry struct {
	mu       sync.Mutex
	handlers map[string]*LockHandler
	opts     []HandlerOption
}

// NewRegistry returns an empty registry. opts are applied to every handler it
// constructs.
func NewRegistry(opts ...HandlerOption) *Registry {
	return &Registry{
		handlers: make(map[string]*LockHandler),
		opts:     opts,
	}
}

// Get returns the cached handler for db, creating it on first use.
func (r *Registry) Get(db *Database) *LockHandler {
	r.mu.Lock()
	defer r.mu.Unlock()

	h, ok := r.handlers[db.ID()]
	if !ok {
		h = NewLockHandler(db, r.opts...)
		r.handlers[db.ID()] = h
	}

	return h
}

func (r *Registry) Remove(db *Database) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.handlers, db.ID())
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.handlers)
}

// Close releases the lock for every handler that still believes it holds it
// and empties the registry.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	handlers := r.handlers
	r.handlers = make(map[string]*LockHandler)
	r.mu.Unlock()

	var errs []error
	for id, h := range handlers {
		if !h.Holding() {
			continue
		}
		if err := h.ReleaseLock(ctx); err != nil {
			errs = append(errs, fmt.Errorf("release lock for %s: %w", id, err))
		}
	}

	return errors.Join(errs...)
}
