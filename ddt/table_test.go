// Copyright 2024 The Dedup Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package ddt

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"

	"dedup.io/dedup"
	"dedup.io/ddt/backend/backendtest"
	"dedup.io/ddt/ddtlog"
	"dedup.io/errors"
)

var memCount int

// setupTable opens a table over a fresh in-memory backend in a
// scratch directory. The config and backend are returned so tests can
// reopen the table and inspect or fail backend calls.
func setupTable(t *testing.T) (*Table, *backendtest.Table, *dedup.Config, func()) {
	t.Helper()
	be, cfg, cleanup := makeConfig(t)
	tbl, err := Open(cfg)
	if err != nil {
		cleanup()
		t.Fatal(err)
	}
	return tbl, be, cfg, func() {
		tbl.Close()
		cleanup()
	}
}

// makeConfig registers a fresh in-memory backend under a unique name
// and builds a config pointing at it, without opening the table.
func makeConfig(t *testing.T) (*backendtest.Table, *dedup.Config, func()) {
	t.Helper()
	dir, err := ioutil.TempDir("", "ddt")
	if err != nil {
		t.Fatal(err)
	}
	be := backendtest.Memory()
	name := fmt.Sprintf("mem%d", memCount)
	memCount++
	if err := backendtest.Register(name, be); err != nil {
		os.RemoveAll(dir)
		t.Fatal(err)
	}
	cfg := &dedup.Config{
		Name:      "pool0/ddt",
		Dir:       dir,
		Backend:   name,
		Checksum:  "sha256",
		NPhys:     1,
		SlotSize:  16,
		BlockSize: 256,
	}
	return be, cfg, func() { os.RemoveAll(dir) }
}

func testKey(n uint64) dedup.Key {
	var k dedup.Key
	binary.BigEndian.PutUint64(k.Checksum[:8], n)
	return k
}

func keyNum(k dedup.Key) uint64 {
	return binary.BigEndian.Uint64(k.Checksum[:8])
}

func testEntry(cfg *dedup.Config, n uint64) *dedup.LightweightEntry {
	return &dedup.LightweightEntry{
		Key:   testKey(n),
		Type:  dedup.TypeDisk,
		Class: dedup.ClassUnique,
		NPhys: cfg.NPhys,
		Phys:  bytes.Repeat([]byte{byte(n)}, cfg.PhysSize()),
	}
}

func appendKeys(t *testing.T, tbl *Table, tx *dedup.Tx, ns ...uint64) {
	t.Helper()
	entries := make([]*dedup.LightweightEntry, len(ns))
	for i, n := range ns {
		entries[i] = testEntry(tbl.Config(), n)
	}
	if err := tbl.Append(tx, entries...); err != nil {
		t.Fatal(err)
	}
}

func updatedKeys(be *backendtest.Table) []uint64 {
	var ns []uint64
	for _, k := range be.Updates {
		ns = append(ns, keyNum(k))
	}
	return ns
}

func sameNums(a, b []uint64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestAppendLookup(t *testing.T) {
	tbl, _, _, cleanup := setupTable(t)
	defer cleanup()

	appendKeys(t, tbl, dedup.NewTx(1), 1, 2, 3)
	for _, n := range []uint64{1, 2, 3} {
		phys, err := tbl.Lookup(testKey(n))
		if err != nil {
			t.Fatalf("Lookup(%d): %v", n, err)
		}
		if want := testEntry(tbl.Config(), n).Phys; !bytes.Equal(phys, want) {
			t.Errorf("Lookup(%d) = %x, want %x", n, phys, want)
		}
	}
	_, err := tbl.Lookup(testKey(99))
	if !errors.Is(errors.NotExist, err) {
		t.Errorf("Lookup of absent key: err = %v, want NotExist", err)
	}
	if tbl.Contains(testKey(99)) {
		t.Error("Contains reported an absent key")
	}
}

func TestSwapFlushTruncate(t *testing.T) {
	tbl, be, _, cleanup := setupTable(t)
	defer cleanup()

	tx := dedup.NewTx(1)
	appendKeys(t, tbl, tx, 2, 1, 3)
	swapped, err := tbl.Swap(tx)
	if err != nil || !swapped {
		t.Fatalf("Swap = %v, %v; want true, nil", swapped, err)
	}
	if err := tbl.Flush(tx); err != nil {
		t.Fatal(err)
	}
	// The flush drains in ascending key order.
	if got := updatedKeys(be); !sameNums(got, []uint64{1, 2, 3}) {
		t.Errorf("backend updates = %v, want [1 2 3]", got)
	}
	if ckpt, ok := tbl.CheckpointKey(); !ok || ckpt != testKey(3) {
		t.Errorf("CheckpointKey = %v, %v; want key 3, true", ckpt, ok)
	}
	truncated, err := tbl.Truncate(tx)
	if err != nil || !truncated {
		t.Fatalf("Truncate = %v, %v; want true, nil", truncated, err)
	}

	// The logs are empty again; flushed entries come from the backend.
	for _, n := range []uint64{1, 2, 3} {
		if !tbl.Contains(testKey(n)) {
			t.Errorf("key %d lost after flush", n)
		}
	}
	// And the table is ready for the next cycle.
	appendKeys(t, tbl, tx, 4)
	if swapped, err := tbl.Swap(tx); err != nil || !swapped {
		t.Fatalf("second Swap = %v, %v; want true, nil", swapped, err)
	}
}

func TestSwapEmpty(t *testing.T) {
	tbl, _, _, cleanup := setupTable(t)
	defer cleanup()

	swapped, err := tbl.Swap(dedup.NewTx(1))
	if err != nil {
		t.Fatal(err)
	}
	if swapped {
		t.Error("swapped an empty log")
	}
}

func TestSwapWhileFlushing(t *testing.T) {
	tbl, _, _, cleanup := setupTable(t)
	defer cleanup()

	tx := dedup.NewTx(1)
	appendKeys(t, tbl, tx, 1)
	if _, err := tbl.Swap(tx); err != nil {
		t.Fatal(err)
	}
	appendKeys(t, tbl, tx, 2)
	_, err := tbl.Swap(tx)
	if !errors.Is(errors.Invalid, err) {
		t.Errorf("Swap during flush: err = %v, want Invalid", err)
	}
}

func TestFlushFailureKeepsCheckpoint(t *testing.T) {
	tbl, be, _, cleanup := setupTable(t)
	defer cleanup()

	tx := dedup.NewTx(1)
	appendKeys(t, tbl, tx, 1, 2, 3)
	if _, err := tbl.Swap(tx); err != nil {
		t.Fatal(err)
	}
	be.UpdateErr = func(k dedup.Key) error {
		if k == testKey(2) {
			return errors.E(errors.IO, "injected backend failure")
		}
		return nil
	}
	err := tbl.Flush(tx)
	if !errors.Is(errors.IO, err) {
		t.Fatalf("Flush with failing backend: err = %v, want IO", err)
	}
	// Key 1 made it; the checkpoint must not have moved past it.
	if got := updatedKeys(be); !sameNums(got, []uint64{1}) {
		t.Fatalf("backend updates = %v, want [1]", got)
	}
	if ckpt, ok := tbl.CheckpointKey(); !ok || ckpt != testKey(1) {
		t.Fatalf("CheckpointKey = %v, %v; want key 1, true", ckpt, ok)
	}

	// The retry picks up at the failed key, never re-merging key 1.
	be.UpdateErr = nil
	if err := tbl.Flush(tx); err != nil {
		t.Fatal(err)
	}
	if got := updatedKeys(be); !sameNums(got, []uint64{1, 2, 3}) {
		t.Errorf("backend updates after retry = %v, want [1 2 3]", got)
	}
	if ckpt, _ := tbl.CheckpointKey(); ckpt != testKey(3) {
		t.Errorf("final CheckpointKey = %v, want key 3", ckpt)
	}
	if truncated, err := tbl.Truncate(tx); err != nil || !truncated {
		t.Errorf("Truncate = %v, %v; want true, nil", truncated, err)
	}
}

func TestCheckpointMonotonic(t *testing.T) {
	tbl, _, _, cleanup := setupTable(t)
	defer cleanup()

	tx := dedup.NewTx(1)
	appendKeys(t, tbl, tx, 5, 3, 1, 4, 2)
	if _, err := tbl.Swap(tx); err != nil {
		t.Fatal(err)
	}
	var last dedup.Key
	for {
		more, err := tbl.FlushOne(tx)
		if err != nil {
			t.Fatal(err)
		}
		ckpt, ok := tbl.CheckpointKey()
		if !ok {
			t.Fatal("no checkpoint after FlushOne")
		}
		if ckpt.Compare(last) < 0 {
			t.Fatalf("checkpoint moved backward: %v after %v", ckpt, last)
		}
		last = ckpt
		if !more {
			break
		}
	}
	if last != testKey(5) {
		t.Errorf("final checkpoint = %v, want key 5", last)
	}
}

func TestFlushOneIdleTable(t *testing.T) {
	tbl, _, _, cleanup := setupTable(t)
	defer cleanup()

	more, err := tbl.FlushOne(dedup.NewTx(1))
	if more || err != nil {
		t.Errorf("FlushOne with no flush in progress = %v, %v; want false, nil", more, err)
	}
	truncated, err := tbl.Truncate(dedup.NewTx(1))
	if truncated || err != nil {
		t.Errorf("Truncate with no flush in progress = %v, %v; want false, nil", truncated, err)
	}
}

func TestTruncateWhileEntriesRemain(t *testing.T) {
	tbl, _, _, cleanup := setupTable(t)
	defer cleanup()

	tx := dedup.NewTx(1)
	appendKeys(t, tbl, tx, 1, 2)
	if _, err := tbl.Swap(tx); err != nil {
		t.Fatal(err)
	}
	if _, err := tbl.FlushOne(tx); err != nil {
		t.Fatal(err)
	}
	truncated, err := tbl.Truncate(tx)
	if err != nil {
		t.Fatal(err)
	}
	if truncated {
		t.Error("truncated a flushing log that still holds entries")
	}
}

func TestTakeKeyPrefersActive(t *testing.T) {
	tbl, _, _, cleanup := setupTable(t)
	defer cleanup()

	tx := dedup.NewTx(1)
	appendKeys(t, tbl, tx, 7)
	if _, err := tbl.Swap(tx); err != nil {
		t.Fatal(err)
	}
	newer := testEntry(tbl.Config(), 7)
	for i := range newer.Phys {
		newer.Phys[i] = 0xee
	}
	if err := tbl.Append(tx, newer); err != nil {
		t.Fatal(err)
	}

	e, ok := tbl.TakeKey(testKey(7))
	if !ok || !bytes.Equal(e.Phys, newer.Phys) {
		t.Fatalf("first TakeKey = %x, %v; want the active log's %x", e.Phys, ok, newer.Phys)
	}
	e, ok = tbl.TakeKey(testKey(7))
	if !ok || bytes.Equal(e.Phys, newer.Phys) {
		t.Fatalf("second TakeKey = %x, %v; want the flushing log's older entry", e.Phys, ok)
	}
	if _, ok := tbl.TakeKey(testKey(7)); ok {
		t.Error("third TakeKey found an entry; want none left")
	}
}

func TestLookupPrefersLogOverBackend(t *testing.T) {
	tbl, _, _, cleanup := setupTable(t)
	defer cleanup()

	// Push key 7 into the backend through a full flush cycle.
	tx := dedup.NewTx(1)
	appendKeys(t, tbl, tx, 7)
	if _, err := tbl.Swap(tx); err != nil {
		t.Fatal(err)
	}
	if err := tbl.Flush(tx); err != nil {
		t.Fatal(err)
	}
	if _, err := tbl.Truncate(tx); err != nil {
		t.Fatal(err)
	}

	newer := testEntry(tbl.Config(), 7)
	for i := range newer.Phys {
		newer.Phys[i] = 0xee
	}
	if err := tbl.Append(tx, newer); err != nil {
		t.Fatal(err)
	}
	phys, err := tbl.Lookup(testKey(7))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(phys, newer.Phys) {
		t.Errorf("Lookup = %x, want the logged update %x", phys, newer.Phys)
	}
}

func TestCount(t *testing.T) {
	tbl, _, _, cleanup := setupTable(t)
	defer cleanup()

	tx := dedup.NewTx(1)
	appendKeys(t, tbl, tx, 1, 2)
	if _, err := tbl.Swap(tx); err != nil {
		t.Fatal(err)
	}
	if err := tbl.Flush(tx); err != nil {
		t.Fatal(err)
	}
	if _, err := tbl.Truncate(tx); err != nil {
		t.Fatal(err)
	}
	// Key 2 shadows its durable copy; key 3 is new.
	appendKeys(t, tbl, tx, 2, 3)

	n, err := tbl.Count()
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Errorf("Count = %d, want 3", n)
	}
}

func TestRecoveryResumesFlush(t *testing.T) {
	tbl, be, cfg, cleanup := setupTable(t)
	defer cleanup()

	tx := dedup.NewTx(1)
	appendKeys(t, tbl, tx, 1, 2, 3)
	if _, err := tbl.Swap(tx); err != nil {
		t.Fatal(err)
	}
	be.UpdateErr = func(k dedup.Key) error {
		if k == testKey(2) {
			return errors.E(errors.IO, "injected backend failure")
		}
		return nil
	}
	if err := tbl.Flush(tx); err == nil {
		t.Fatal("Flush succeeded with a failing backend")
	}
	tbl.Close()

	// Reopen: the flushing log replays only the unmerged entries and
	// the drain resumes at the failed key.
	be.UpdateErr = nil
	tbl2, err := Open(cfg)
	if err != nil {
		t.Fatal(err)
	}
	defer tbl2.Close()
	if ckpt, ok := tbl2.CheckpointKey(); !ok || ckpt != testKey(1) {
		t.Fatalf("CheckpointKey after reopen = %v, %v; want key 1, true", ckpt, ok)
	}
	if err := tbl2.Flush(tx); err != nil {
		t.Fatal(err)
	}
	if got := updatedKeys(be); !sameNums(got, []uint64{1, 2, 3}) {
		t.Errorf("backend updates across the restart = %v, want [1 2 3]", got)
	}
	if truncated, err := tbl2.Truncate(tx); err != nil || !truncated {
		t.Errorf("Truncate = %v, %v; want true, nil", truncated, err)
	}
	for _, n := range []uint64{1, 2, 3} {
		if _, err := tbl2.Lookup(testKey(n)); err != nil {
			t.Errorf("Lookup(%d) after recovery: %v", n, err)
		}
	}
}

func TestRecoveryFinishesTruncate(t *testing.T) {
	tbl, _, cfg, cleanup := setupTable(t)
	defer cleanup()

	tx := dedup.NewTx(1)
	appendKeys(t, tbl, tx, 1, 2)
	if _, err := tbl.Swap(tx); err != nil {
		t.Fatal(err)
	}
	if err := tbl.Flush(tx); err != nil {
		t.Fatal(err)
	}
	// Stop before Truncate: the drained log is still marked flushing
	// on disk.
	tbl.Close()

	tbl2, err := Open(cfg)
	if err != nil {
		t.Fatal(err)
	}
	defer tbl2.Close()
	if _, ok := tbl2.CheckpointKey(); ok {
		t.Error("drained log still reports a checkpoint after reopen")
	}
	// An immediate swap proves no flush is considered in progress.
	appendKeys(t, tbl2, tx, 3)
	if swapped, err := tbl2.Swap(tx); err != nil || !swapped {
		t.Errorf("Swap after recovered truncate = %v, %v; want true, nil", swapped, err)
	}
}

func TestOpenRejectsBothLogsFlushing(t *testing.T) {
	_, cfg, cleanup := makeConfig(t)
	defer cleanup()

	// Forge the impossible on-disk state by marking both logs.
	tx := dedup.NewTx(1)
	for _, name := range []string{"a", "b"} {
		l, err := ddtlog.New(cfg, name)
		if err != nil {
			t.Fatal(err)
		}
		u, err := l.Begin(1, tx)
		if err != nil {
			t.Fatal(err)
		}
		if err := u.Entry(testEntry(cfg, 1)); err != nil {
			t.Fatal(err)
		}
		if err := u.Commit(); err != nil {
			t.Fatal(err)
		}
		if err := l.MarkFlushing(tx); err != nil {
			t.Fatal(err)
		}
		l.Close()
	}

	_, err := Open(cfg)
	if !errors.Is(errors.Corrupt, err) {
		t.Errorf("Open with both logs flushing: err = %v, want Corrupt", err)
	}
}

func TestDestroy(t *testing.T) {
	tbl, _, cfg, cleanup := setupTable(t)
	defer cleanup()

	tx := dedup.NewTx(1)
	appendKeys(t, tbl, tx, 1)
	if err := tbl.Destroy(tx); err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"a.log", "a.hdr", "b.log", "b.hdr"} {
		if _, err := os.Stat(filepath.Join(cfg.Dir, name)); !os.IsNotExist(err) {
			t.Errorf("%s still exists after Destroy", name)
		}
	}
}
