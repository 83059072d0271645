// Copyright 2024 The Dedup Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package ddtlog

import (
	"github.com/google/btree"

	"dedup.io/dedup"
)

// logEntry is an entry on the log tree. These are frozen, a record of
// what is in the on-disk log. They cannot be used in place, only
// copied out as lightweight entries.
type logEntry struct {
	key   dedup.Key
	typ   dedup.Type
	class dedup.Class
	phys  []byte
}

func (e *logEntry) Less(than btree.Item) bool {
	return e.key.Compare(than.(*logEntry).key) < 0
}

// tree is the in-memory sorted index of log entries not yet merged
// into the durable table, keyed by fingerprint. It is not safe for
// concurrent use; callers hold the owning table's lock.
type tree struct {
	bt *btree.BTree
}

func newTree() *tree {
	return &tree{bt: btree.New(16)}
}

// insertOrReplace adds e to the tree. A newer entry for the same key
// replaces the old one: the most recent append is the one the on-disk
// log will also resolve to on replay.
func (t *tree) insertOrReplace(e *logEntry) {
	t.bt.ReplaceOrInsert(e)
}

// takeFirst removes and returns the entry with the lowest key, or nil
// if the tree is empty.
func (t *tree) takeFirst() *logEntry {
	min := t.bt.Min()
	if min == nil {
		return nil
	}
	t.bt.Delete(min)
	return min.(*logEntry)
}

// take removes and returns the entry for the exact key, or nil.
func (t *tree) take(key dedup.Key) *logEntry {
	item := t.bt.Delete(&logEntry{key: key})
	if item == nil {
		return nil
	}
	return item.(*logEntry)
}

// get returns the entry for the exact key without removing it, or nil.
func (t *tree) get(key dedup.Key) *logEntry {
	item := t.bt.Get(&logEntry{key: key})
	if item == nil {
		return nil
	}
	return item.(*logEntry)
}

// walk visits every entry in ascending key order until fn returns
// false.
func (t *tree) walk(fn func(*logEntry) bool) {
	t.bt.Ascend(func(item btree.Item) bool {
		return fn(item.(*logEntry))
	})
}

func (t *tree) len() int {
	return t.bt.Len()
}
