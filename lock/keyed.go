// Package lock provides the per-name coordination tokens serializing
// mutating operations on a single VM.
package lock

import (
	"context"
	"fmt"
	"sync"
)

// Keyed is an arena of per-key mutual-exclusion tokens.
// Tokens are created lazily on first acquisition and reference-counted, so
// the arena never grows beyond the set of keys with waiters or holders:
// once the last holder of a key releases, the token is reclaimed.
//
// A token is a size-1 buffered channel: sending acquires, receiving
// releases. Using a channel (rather than sync.Mutex) allows acquisition to
// respect context cancellation and deadlines.
//
// Keyed only serializes callers within one process. Cross-process safety is
// the store's compare-and-swap check, not this arena.
type Keyed struct {
	mu      sync.Mutex
	entries map[string]*entry
}

type entry struct {
	ch   chan struct{}
	refs int
}

// NewKeyed creates an empty arena.
func NewKeyed() *Keyed {
	return &Keyed{entries: make(map[string]*entry)}
}

// Acquire blocks until the token for key is held or ctx is done.
// On success it returns a release function, which must be called exactly
// once. Release never blocks.
func (k *Keyed) Acquire(ctx context.Context, key string) (func(), error) {
	k.mu.Lock()
	e := k.entries[key]
	if e == nil {
		e = &entry{ch: make(chan struct{}, 1)}
		k.entries[key] = e
	}
	e.refs++
	k.mu.Unlock()

	select {
	case e.ch <- struct{}{}:
	case <-ctx.Done():
		k.unref(key, e)
		return nil, fmt.Errorf("acquire token %q: %w", key, ctx.Err())
	}

	var once sync.Once
	release := func() {
		once.Do(func() {
			<-e.ch
			k.unref(key, e)
		})
	}
	return release, nil
}

// Len returns the number of live tokens, i.e. keys with at least one holder
// or waiter.
func (k *Keyed) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.entries)
}

func (k *Keyed) unref(key string, e *entry) {
	k.mu.Lock()
	defer k.mu.Unlock()
	e.refs--
	if e.refs <= 0 {
		delete(k.entries, key)
	}
}
