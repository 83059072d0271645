// Copyright 2024 The Dedup Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package backendtest implements simple backends for testing.
package backendtest

import (
	"sort"

	"dedup.io/dedup"
	"dedup.io/ddt/backend"
	"dedup.io/errors"
)

// Table is a backend.Backend that stores entries in memory. The
// zero value is not usable; call Memory. Tests may set the hook
// fields to inject failures.
type Table struct {
	m        map[dedup.Key][]byte
	walkKeys []dedup.Key

	// UpdateErr, if set, is consulted before each Update; a non-nil
	// return fails the call without storing anything.
	UpdateErr func(key dedup.Key) error

	// Updates records the keys passed to successful Update calls in
	// call order.
	Updates []dedup.Key
}

var _ backend.Backend = (*Table)(nil)

// Memory returns an empty in-memory backend.
func Memory() *Table {
	return &Table{m: make(map[dedup.Key][]byte)}
}

// Register registers t under name so it can be opened through the
// backend registry.
func Register(name string, t *Table) error {
	return backend.Register(name, func(*backend.Opts) (backend.Backend, error) {
		return t, nil
	})
}

func (t *Table) Create(tx *dedup.Tx) error {
	if t.m == nil {
		t.m = make(map[dedup.Key][]byte)
	}
	return nil
}

func (t *Table) Destroy(tx *dedup.Tx) error {
	t.m = make(map[dedup.Key][]byte)
	t.walkKeys = nil
	return nil
}

func (t *Table) Lookup(key dedup.Key) ([]byte, error) {
	b, ok := t.m[key]
	if !ok {
		return nil, errors.E(errors.NotExist, key)
	}
	return append([]byte{}, b...), nil
}

func (t *Table) Contains(key dedup.Key) bool {
	_, ok := t.m[key]
	return ok
}

func (t *Table) Prefetch(key dedup.Key) {}

func (t *Table) PrefetchAll() {}

func (t *Table) Update(key dedup.Key, phys []byte, tx *dedup.Tx) error {
	if t.UpdateErr != nil {
		if err := t.UpdateErr(key); err != nil {
			return err
		}
	}
	t.m[key] = append([]byte{}, phys...)
	t.Updates = append(t.Updates, key)
	t.walkKeys = nil
	return nil
}

func (t *Table) Remove(key dedup.Key, tx *dedup.Tx) error {
	if _, ok := t.m[key]; !ok {
		return errors.E(errors.NotExist, key)
	}
	delete(t.m, key)
	t.walkKeys = nil
	return nil
}

func (t *Table) Walk(cursor *uint64) (dedup.Key, []byte, error) {
	if *cursor == 0 || t.walkKeys == nil {
		keys := make([]dedup.Key, 0, len(t.m))
		for k := range t.m {
			keys = append(keys, k)
		}
		sort.Slice(keys, func(i, j int) bool { return keys[i].Compare(keys[j]) < 0 })
		t.walkKeys = keys
	}
	if *cursor >= uint64(len(t.walkKeys)) {
		return dedup.Key{}, nil, errors.E(errors.NotExist, "end of table")
	}
	key := t.walkKeys[*cursor]
	*cursor++
	return key, append([]byte{}, t.m[key]...), nil
}

func (t *Table) Count() (uint64, error) {
	return uint64(len(t.m)), nil
}

func (t *Table) Close() error {
	return nil
}
