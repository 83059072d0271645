// Copyright 2024 The Dedup Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package ddt implements the deduplication table's checkpoint and
// flush machinery: a pair of append-only logs buffering mutations,
// and the controller that drains them into the durable table through
// a storage backend.
package ddt // import "dedup.io/ddt"

import (
	"path/filepath"
	"sync"

	"dedup.io/dedup"
	"dedup.io/ddt/backend"
	"dedup.io/ddt/ddtlog"
	"dedup.io/errors"
	"dedup.io/log"
)

// Table is one dedup table: the durable object holding merged
// entries, and two log objects that buffer mutations not yet merged.
// Exactly one log is active, accepting appends; after a Swap the
// other drains through the backend until Truncate returns it empty.
//
// A single exclusive lock serializes every operation, including
// reads of the log trees; the trees are not otherwise safe for
// concurrent mutation and read.
type Table struct {
	cfg *dedup.Config

	// mu locks all access to the logs, the flush state and the
	// backend.
	mu sync.Mutex

	logs     [2]*ddtlog.Log
	active   int  // index of the log accepting appends
	flushing bool // whether the other log is draining

	be backend.Backend
}

// Open activates the table described by cfg: it opens the durable
// object through the configured backend, opens both log objects, and
// replays whatever records were not yet checkpointed. Open must
// complete before any dedup write is accepted.
func Open(cfg *dedup.Config) (*Table, error) {
	const op errors.Op = "ddt.Open"
	if err := validateConfig(cfg); err != nil {
		return nil, errors.E(op, err)
	}
	be, err := backend.Open(cfg.Backend,
		backend.WithKeyValue("basePath", filepath.Join(cfg.Dir, ObjectName(cfg))))
	if err != nil {
		return nil, errors.E(op, dedup.TableName(cfg.Name), err)
	}
	if err := be.Create(dedup.NewTx(0)); err != nil {
		be.Close()
		return nil, errors.E(op, dedup.TableName(cfg.Name), err)
	}

	t := &Table{cfg: cfg, be: be}
	for i, name := range []string{"a", "b"} {
		l, err := ddtlog.New(cfg, name)
		if err != nil {
			t.closeLogs()
			be.Close()
			return nil, errors.E(op, dedup.TableName(cfg.Name), err)
		}
		t.logs[i] = l
		if err := l.Load(); err != nil {
			t.closeLogs()
			be.Close()
			return nil, errors.E(op, dedup.TableName(cfg.Name), err)
		}
	}
	if err := t.assignRoles(); err != nil {
		t.closeLogs()
		be.Close()
		return nil, errors.E(op, dedup.TableName(cfg.Name), err)
	}
	return t, nil
}

// assignRoles decides which loaded log is active and which, if any,
// is still flushing, from the header flags the last run left behind.
func (t *Table) assignRoles() error {
	a, b := t.logs[0], t.logs[1]
	switch {
	case a.Flushing() && b.Flushing():
		return errors.E(errors.Corrupt, "both logs are marked flushing")
	case a.Flushing():
		t.active, t.flushing = 1, true
	case b.Flushing():
		t.active, t.flushing = 0, true
	case b.FirstTxg() > a.FirstTxg():
		t.active = 1
	default:
		t.active = 0
	}
	if t.flushing {
		// A flushing log whose entries all fell at or below the
		// checkpoint was fully drained; the crash happened before
		// the truncate. Finish the job now.
		fl := t.logs[1-t.active]
		if fl.Empty() {
			if err := fl.Reset(dedup.NewTx(0)); err != nil {
				return err
			}
			t.flushing = false
			log.Debug.Printf("ddt: table %s: completed interrupted truncate of log %s",
				t.cfg.Name, fl.Name())
		}
	}
	return nil
}

func (t *Table) closeLogs() {
	for _, l := range t.logs {
		if l != nil {
			l.Close()
		}
	}
}

// Config returns the table's configuration.
func (t *Table) Config() *dedup.Config {
	return t.cfg
}

// Begin reserves log space for n upcoming entries within tx and
// returns the update handle to append them through.
func (t *Table) Begin(n int, tx *dedup.Tx) (*ddtlog.Update, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.logs[t.active].Begin(n, tx)
}

// Append logs the given entries in one batch within tx.
func (t *Table) Append(tx *dedup.Tx, entries ...*dedup.LightweightEntry) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	u, err := t.logs[t.active].Begin(len(entries), tx)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if err := u.Entry(e); err != nil {
			return err
		}
	}
	return u.Commit()
}

// Swap hands the active log to the flush controller and directs new
// appends at the other, empty log. It reports whether a swap
// occurred: an empty active log is not worth flushing, and a flush
// already in progress must finish first.
func (t *Table) Swap(tx *dedup.Tx) (bool, error) {
	const op errors.Op = "ddt.Swap"
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.flushing {
		return false, errors.E(op, dedup.TableName(t.cfg.Name), errors.Invalid,
			"flush already in progress")
	}
	old := t.logs[t.active]
	if old.Empty() {
		return false, nil
	}
	if err := old.MarkFlushing(tx); err != nil {
		return false, err
	}
	t.active = 1 - t.active
	t.flushing = true
	log.Debug.Printf("ddt: table %s: swapped logs, %s now active, flushing %d entries from %s",
		t.cfg.Name, t.logs[t.active].Name(), old.Len(), old.Name())
	return true, nil
}

// FlushOne merges the lowest-keyed entry of the flushing log into the
// durable table and advances the checkpoint past it. It reports
// whether entries remain. The checkpoint is persisted only after the
// backend update has succeeded, so a failed update leaves it exactly
// where it was and a later pass retries the same key.
func (t *Table) FlushOne(tx *dedup.Tx) (more bool, err error) {
	const op errors.Op = "ddt.FlushOne"
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.flushing {
		return false, nil
	}
	fl := t.logs[1-t.active]
	e, ok := fl.First()
	if !ok {
		return false, nil
	}
	if err := t.be.Update(e.Key, e.Phys, tx); err != nil {
		return true, errors.E(op, dedup.TableName(t.cfg.Name), e.Key, err)
	}
	fl.Take(e.Key)
	if err := fl.Checkpoint(e.Key, tx); err != nil {
		return true, errors.E(op, dedup.TableName(t.cfg.Name), e.Key, err)
	}
	return !fl.Empty(), nil
}

// Flush drains the flushing log completely. On a backend failure it
// stops without advancing the checkpoint past the failed key; the
// caller retries the whole drain pass later.
func (t *Table) Flush(tx *dedup.Tx) error {
	for {
		more, err := t.FlushOne(tx)
		if err != nil {
			return err
		}
		if !more {
			return nil
		}
	}
}

// Truncate destroys the drained flushing log's contents and clears
// its header, returning the table to the idle state. It reports
// whether a truncate happened: while entries remain on the flushing
// tree, or no flush is in progress, it is a no-op.
func (t *Table) Truncate(tx *dedup.Tx) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.flushing {
		return false, nil
	}
	fl := t.logs[1-t.active]
	if !fl.Empty() {
		return false, nil
	}
	if err := fl.Reset(tx); err != nil {
		return false, err
	}
	t.flushing = false
	log.Debug.Printf("ddt: table %s: truncated log %s", t.cfg.Name, fl.Name())
	return true, nil
}

// CheckpointKey returns the flushing log's checkpoint: the highest
// key confirmed merged into the durable table, and whether any
// checkpoint has been recorded. With no flush in progress there is
// no checkpoint.
func (t *Table) CheckpointKey() (dedup.Key, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.flushing {
		return dedup.Key{}, false
	}
	return t.logs[1-t.active].CheckpointKey()
}

// TakeKey removes and returns the logged entry for key, checking the
// active log first since its entries are newer than the flushing
// log's.
func (t *Table) TakeKey(key dedup.Key) (dedup.LightweightEntry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.logs[t.active].Take(key); ok {
		return e, true
	}
	if t.flushing {
		if e, ok := t.logs[1-t.active].Take(key); ok {
			return e, true
		}
	}
	return dedup.LightweightEntry{}, false
}

// Lookup returns the physical payload for key, consulting the log
// trees before falling back to the durable table. A miss everywhere
// is a NotExist error.
func (t *Table) Lookup(key dedup.Key) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.logs[t.active].Lookup(key); ok {
		return e.Phys, nil
	}
	if t.flushing {
		if e, ok := t.logs[1-t.active].Lookup(key); ok {
			return e.Phys, nil
		}
	}
	return t.be.Lookup(key)
}

// Contains reports whether key has an entry in the logs or the
// durable table.
func (t *Table) Contains(key dedup.Key) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.logs[t.active].Lookup(key); ok {
		return true
	}
	if t.flushing {
		if _, ok := t.logs[1-t.active].Lookup(key); ok {
			return true
		}
	}
	return t.be.Contains(key)
}

// Prefetch hints that key will be looked up soon.
func (t *Table) Prefetch(key dedup.Key) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.be.Prefetch(key)
}

// Count returns the number of distinct entries in the table,
// counting an entry shadowed by a logged update only once.
func (t *Table) Count() (uint64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	n, err := t.be.Count()
	if err != nil {
		return 0, err
	}
	t.logs[t.active].Walk(func(e dedup.LightweightEntry) bool {
		if !t.be.Contains(e.Key) {
			n++
		}
		return true
	})
	if t.flushing {
		t.logs[1-t.active].Walk(func(e dedup.LightweightEntry) bool {
			if _, ok := t.logs[t.active].Lookup(e.Key); !ok && !t.be.Contains(e.Key) {
				n++
			}
			return true
		})
	}
	return n, nil
}

// Destroy removes the table's durable object and both logs. The
// Table must not be used after.
func (t *Table) Destroy(tx *dedup.Tx) error {
	const op errors.Op = "ddt.Destroy"
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.be.Destroy(tx); err != nil {
		return errors.E(op, dedup.TableName(t.cfg.Name), err)
	}
	t.be.Close()
	for i, l := range t.logs {
		if err := l.Destroy(tx); err != nil {
			return errors.E(op, dedup.TableName(t.cfg.Name), err)
		}
		t.logs[i] = nil
	}
	return nil
}

// Close releases the table's resources without flushing.
func (t *Table) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	var firstErr error
	for _, l := range t.logs {
		if l == nil {
			continue
		}
		if err := l.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := t.be.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
