// Copyright 2024 The Dedup Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package backend defines the low-level interface for storing the
// durable dedup table, and a registry so storage representations can
// be swapped without touching log or flush logic.
package backend // import "dedup.io/ddt/backend"

import (
	"dedup.io/dedup"
	"dedup.io/errors"
)

// Backend is the set of operations against one durable dedup table
// object. It is invoked by the flush controller to merge log entries
// into durable storage, and by read paths to satisfy lookups that
// miss the log trees. Implementations need not be safe for concurrent
// use; callers hold the owning table's lock.
type Backend interface {
	// Create creates the durable table object within tx.
	Create(tx *dedup.Tx) error

	// Destroy permanently removes the table object and all entries.
	Destroy(tx *dedup.Tx) error

	// Lookup returns the physical payload stored for key. A miss is
	// a NotExist error, a normal negative result.
	Lookup(key dedup.Key) ([]byte, error)

	// Contains reports whether an entry exists for key.
	Contains(key dedup.Key) bool

	// Prefetch hints that key will be looked up soon. Best effort,
	// fire and forget; no result is guaranteed.
	Prefetch(key dedup.Key)

	// PrefetchAll hints that the whole table will be read soon.
	PrefetchAll()

	// Update stores the physical payload for key within tx,
	// inserting or overwriting.
	Update(key dedup.Key, phys []byte, tx *dedup.Tx) error

	// Remove deletes the entry for key within tx. Removing an absent
	// key is a NotExist error.
	Remove(key dedup.Key, tx *dedup.Tx) error

	// Walk returns the entry at the cursor position in ascending key
	// order and advances the cursor. A cursor starts at zero; the
	// end of the table is a NotExist error. Mutating the table
	// invalidates open cursors.
	Walk(cursor *uint64) (dedup.Key, []byte, error)

	// Count returns the total number of entries.
	Count() (uint64, error)

	// Close releases all resources held for the table object.
	Close() error
}

// Opts holds configuration options for a storage backend. It is
// meant to be used by implementations of Backend.
type Opts struct {
	Opts map[string]string // key-value pairs
}

// DialOpts is a daisy-chaining mechanism for setting options to a
// backend during Open.
type DialOpts func(*Opts) error

// WithKeyValue sets a key-value pair as option. If called multiple
// times with the same key, the last one wins.
func WithKeyValue(key, value string) DialOpts {
	return func(o *Opts) error {
		o.Opts[key] = value
		return nil
	}
}

// Opener is the constructor a backend implementation registers.
type Opener func(*Opts) (Backend, error)

var registration = make(map[string]Opener)

// Register registers a new backend implementation under a name. It
// is typically used in init functions.
func Register(name string, opener Opener) error {
	const op errors.Op = "backend.Register"
	if _, exists := registration[name]; exists {
		return errors.E(op, errors.Exist, errors.Str(name))
	}
	registration[name] = opener
	return nil
}

// Open opens a table object through the named backend implementation
// using the given options.
func Open(name string, opts ...DialOpts) (Backend, error) {
	const op errors.Op = "backend.Open"
	opener, found := registration[name]
	if !found {
		return nil, errors.E(op, errors.NotExist,
			errors.Errorf("backend type %q not registered", name))
	}
	dOpts := &Opts{
		Opts: make(map[string]string),
	}
	for _, o := range opts {
		if o != nil {
			if err := o(dOpts); err != nil {
				return nil, err
			}
		}
	}
	return opener(dOpts)
}
