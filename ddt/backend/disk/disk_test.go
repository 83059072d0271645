// Copyright 2024 The Dedup Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package disk

import (
	"bytes"
	"encoding/binary"
	"io/ioutil"
	"os"
	"testing"

	"dedup.io/dedup"
	"dedup.io/ddt/backend"
	"dedup.io/errors"
)

func setup(t *testing.T) (backend.Backend, func()) {
	t.Helper()
	dir, err := ioutil.TempDir("", "diskbackend")
	if err != nil {
		t.Fatal(err)
	}
	be, err := backend.Open("disk", backend.WithKeyValue("basePath", dir))
	if err != nil {
		os.RemoveAll(dir)
		t.Fatal(err)
	}
	if err := be.Create(dedup.NewTx(0)); err != nil {
		os.RemoveAll(dir)
		t.Fatal(err)
	}
	return be, func() {
		be.Close()
		os.RemoveAll(dir)
	}
}

func testKey(n uint64) dedup.Key {
	var k dedup.Key
	binary.BigEndian.PutUint64(k.Checksum[:8], n)
	return k
}

func TestUpdateLookupRemove(t *testing.T) {
	be, cleanup := setup(t)
	defer cleanup()

	tx := dedup.NewTx(1)
	phys := bytes.Repeat([]byte{0xab}, 16)
	if err := be.Update(testKey(1), phys, tx); err != nil {
		t.Fatal(err)
	}
	got, err := be.Lookup(testKey(1))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, phys) {
		t.Errorf("Lookup = %x, want %x", got, phys)
	}
	if !be.Contains(testKey(1)) {
		t.Error("Contains missed a stored key")
	}

	_, err = be.Lookup(testKey(2))
	if !errors.Is(errors.NotExist, err) {
		t.Errorf("Lookup of absent key: err = %v, want NotExist", err)
	}
	if be.Contains(testKey(2)) {
		t.Error("Contains reported an absent key")
	}

	if err := be.Remove(testKey(1), tx); err != nil {
		t.Fatal(err)
	}
	if be.Contains(testKey(1)) {
		t.Error("key survived Remove")
	}
	err = be.Remove(testKey(1), tx)
	if !errors.Is(errors.NotExist, err) {
		t.Errorf("second Remove: err = %v, want NotExist", err)
	}
}

func TestUpdateOverwrites(t *testing.T) {
	be, cleanup := setup(t)
	defer cleanup()

	tx := dedup.NewTx(1)
	if err := be.Update(testKey(1), bytes.Repeat([]byte{0x01}, 16), tx); err != nil {
		t.Fatal(err)
	}
	newer := bytes.Repeat([]byte{0x02}, 16)
	if err := be.Update(testKey(1), newer, tx); err != nil {
		t.Fatal(err)
	}
	got, err := be.Lookup(testKey(1))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, newer) {
		t.Errorf("Lookup = %x, want the overwrite %x", got, newer)
	}
	n, err := be.Count()
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("Count = %d, want 1", n)
	}
}

func TestWalkAscending(t *testing.T) {
	be, cleanup := setup(t)
	defer cleanup()

	tx := dedup.NewTx(1)
	for _, n := range []uint64{3, 1, 2} {
		if err := be.Update(testKey(n), []byte{byte(n)}, tx); err != nil {
			t.Fatal(err)
		}
	}

	var cursor uint64
	var got []uint64
	for {
		key, phys, err := be.Walk(&cursor)
		if errors.Is(errors.NotExist, err) {
			break
		}
		if err != nil {
			t.Fatal(err)
		}
		n := binary.BigEndian.Uint64(key.Checksum[:8])
		if len(phys) != 1 || phys[0] != byte(n) {
			t.Errorf("Walk payload for key %d = %x", n, phys)
		}
		got = append(got, n)
	}
	want := []uint64{1, 2, 3}
	if len(got) != len(want) {
		t.Fatalf("Walk visited %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Walk visited %v, want %v", got, want)
		}
	}
}

func TestCount(t *testing.T) {
	be, cleanup := setup(t)
	defer cleanup()

	tx := dedup.NewTx(1)
	for n := uint64(1); n <= 5; n++ {
		if err := be.Update(testKey(n), []byte{byte(n)}, tx); err != nil {
			t.Fatal(err)
		}
	}
	n, err := be.Count()
	if err != nil {
		t.Fatal(err)
	}
	if n != 5 {
		t.Errorf("Count = %d, want 5", n)
	}
}

func TestDestroy(t *testing.T) {
	be, cleanup := setup(t)
	defer cleanup()

	tx := dedup.NewTx(1)
	if err := be.Update(testKey(1), []byte{1}, tx); err != nil {
		t.Fatal(err)
	}
	if err := be.Destroy(tx); err != nil {
		t.Fatal(err)
	}
	if be.Contains(testKey(1)) {
		t.Error("key survived Destroy")
	}
	n, err := be.Count()
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("Count after Destroy = %d, want 0", n)
	}
}

func TestNewRequiresBasePath(t *testing.T) {
	_, err := New(&backend.Opts{Opts: map[string]string{}})
	if !errors.Is(errors.Invalid, err) {
		t.Errorf("New without basePath: err = %v, want Invalid", err)
	}
}

func TestOpenUnknownBackend(t *testing.T) {
	_, err := backend.Open("no-such-backend")
	if !errors.Is(errors.NotExist, err) {
		t.Errorf("err = %v, want NotExist", err)
	}
}
