// Copyright 2024 The Dedup Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package disk provides a backend.Backend that stores the durable
// dedup table as per-key files on local disk.
package disk // import "dedup.io/ddt/backend/disk"

import (
	"encoding/hex"
	"io/ioutil"
	"os"
	"path/filepath"
	"sort"

	"dedup.io/dedup"
	"dedup.io/ddt/backend"
	"dedup.io/errors"
)

func init() {
	backend.Register("disk", New)
}

// New initializes and returns a disk-backed backend.Backend with the
// given options. The single, required option is "basePath": the
// directory under which all entries are stored.
func New(opts *backend.Opts) (backend.Backend, error) {
	const op errors.Op = "backend/disk.New"
	base, ok := opts.Opts["basePath"]
	if !ok {
		return nil, errors.E(op, errors.Invalid, "the basePath option must be specified")
	}
	return &table{base: base}, nil
}

// table stores one entry per file. Files are named by the hex form
// of the key and sharded into subdirectories by their first byte so
// no single directory grows too large. Lexical order of the paths
// equals key order, which Walk relies on.
type table struct {
	base string

	// walkKeys is the sorted key snapshot of the walk in progress.
	walkKeys []dedup.Key
}

var _ backend.Backend = (*table)(nil)

func (t *table) path(key dedup.Key) string {
	name := hex.EncodeToString(key.MarshalAppend(nil))
	return filepath.Join(t.base, name[:2], name)
}

// Create implements backend.Backend.
func (t *table) Create(tx *dedup.Tx) error {
	const op errors.Op = "backend/disk.Create"
	if err := os.MkdirAll(t.base, 0700); err != nil {
		return errors.E(op, errors.IO, err)
	}
	return nil
}

// Destroy implements backend.Backend.
func (t *table) Destroy(tx *dedup.Tx) error {
	const op errors.Op = "backend/disk.Destroy"
	if err := os.RemoveAll(t.base); err != nil {
		return errors.E(op, errors.IO, err)
	}
	t.walkKeys = nil
	return nil
}

// Lookup implements backend.Backend.
func (t *table) Lookup(key dedup.Key) ([]byte, error) {
	const op errors.Op = "backend/disk.Lookup"
	b, err := ioutil.ReadFile(t.path(key))
	if os.IsNotExist(err) {
		return nil, errors.E(op, key, errors.NotExist)
	} else if err != nil {
		return nil, errors.E(op, key, errors.IO, err)
	}
	return b, nil
}

// Contains implements backend.Backend.
func (t *table) Contains(key dedup.Key) bool {
	_, err := os.Stat(t.path(key))
	return err == nil
}

// Prefetch implements backend.Backend. Reading the entry pulls it
// into the page cache; the contents are discarded.
func (t *table) Prefetch(key dedup.Key) {
	ioutil.ReadFile(t.path(key))
}

// PrefetchAll implements backend.Backend.
func (t *table) PrefetchAll() {
	filepath.Walk(t.base, func(path string, fi os.FileInfo, err error) error {
		if err != nil || fi.IsDir() {
			return nil
		}
		ioutil.ReadFile(path)
		return nil
	})
}

// Update implements backend.Backend.
func (t *table) Update(key dedup.Key, phys []byte, tx *dedup.Tx) error {
	const op errors.Op = "backend/disk.Update"
	p := t.path(key)
	if err := os.MkdirAll(filepath.Dir(p), 0700); err != nil {
		return errors.E(op, key, errors.IO, err)
	}
	if err := ioutil.WriteFile(p, phys, 0600); err != nil {
		return errors.E(op, key, errors.IO, err)
	}
	t.walkKeys = nil
	return nil
}

// Remove implements backend.Backend.
func (t *table) Remove(key dedup.Key, tx *dedup.Tx) error {
	const op errors.Op = "backend/disk.Remove"
	if err := os.Remove(t.path(key)); os.IsNotExist(err) {
		return errors.E(op, key, errors.NotExist)
	} else if err != nil {
		return errors.E(op, key, errors.IO, err)
	}
	t.walkKeys = nil
	return nil
}

// Walk implements backend.Backend.
func (t *table) Walk(cursor *uint64) (dedup.Key, []byte, error) {
	const op errors.Op = "backend/disk.Walk"
	if *cursor == 0 || t.walkKeys == nil {
		keys, err := t.listKeys()
		if err != nil {
			return dedup.Key{}, nil, errors.E(op, err)
		}
		t.walkKeys = keys
	}
	if *cursor >= uint64(len(t.walkKeys)) {
		return dedup.Key{}, nil, errors.E(op, errors.NotExist, "end of table")
	}
	key := t.walkKeys[*cursor]
	phys, err := t.Lookup(key)
	if err != nil {
		return dedup.Key{}, nil, errors.E(op, err)
	}
	*cursor++
	return key, phys, nil
}

// Count implements backend.Backend.
func (t *table) Count() (uint64, error) {
	const op errors.Op = "backend/disk.Count"
	var n uint64
	err := filepath.Walk(t.base, func(path string, fi os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if !fi.IsDir() {
			n++
		}
		return nil
	})
	if err != nil {
		return 0, errors.E(op, errors.IO, err)
	}
	return n, nil
}

// Close implements backend.Backend.
func (t *table) Close() error {
	t.walkKeys = nil
	return nil
}

// listKeys returns every key in the table in ascending order.
func (t *table) listKeys() ([]dedup.Key, error) {
	var keys []dedup.Key
	err := filepath.Walk(t.base, func(path string, fi os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if fi.IsDir() {
			return nil
		}
		b, err := hex.DecodeString(filepath.Base(path))
		if err != nil || len(b) != dedup.KeySize {
			// Not an entry file; ignore.
			return nil
		}
		key, err := dedup.UnmarshalKey(b)
		if err != nil {
			return nil
		}
		keys = append(keys, key)
		return nil
	})
	if err != nil {
		return nil, errors.E(errors.IO, err)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Compare(keys[j]) < 0 })
	return keys, nil
}
