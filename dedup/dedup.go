// Copyright 2024 The Dedup Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package dedup contains the global types shared by all packages of
// the deduplication table: the content fingerprint key, the storage
// type and class enums, the lightweight entry that moves through the
// log, the table configuration and the transaction context.
// It has no dependencies on other dedup.io packages.
package dedup // import "dedup.io/dedup"

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	"golang.org/x/crypto/blake2b"
)

const (
	// ChecksumSize is the size in bytes of the content checksum
	// portion of a Key.
	ChecksumSize = 32

	// KeySize is the size in bytes of a Key's wire form: the content
	// checksum followed by the packed property word.
	KeySize = ChecksumSize + 8
)

// Key is the content fingerprint that identifies one dedup table
// entry. It is derived from a block's content and its dedup-relevant
// properties (checksum algorithm, compression, size class), so two
// blocks share an entry only if both content and properties match.
// Keys have a total order, used by the log tree and the flush path.
type Key struct {
	// Checksum is the content checksum of the block.
	Checksum [ChecksumSize]byte

	// Props packs the dedup-relevant block properties; see MakeProps.
	Props uint64
}

// Compare returns -1, 0 or 1 ordering k against other. The order is
// bytewise over the checksum, then numeric over the property word.
func (k Key) Compare(other Key) int {
	if c := bytes.Compare(k.Checksum[:], other.Checksum[:]); c != 0 {
		return c
	}
	switch {
	case k.Props < other.Props:
		return -1
	case k.Props > other.Props:
		return 1
	}
	return 0
}

// IsZero reports whether k is the zero key. The zero key is never a
// valid fingerprint; headers use it for "no checkpoint yet".
func (k Key) IsZero() bool {
	return k == Key{}
}

// MarshalAppend appends the key's fixed KeySize wire form to b.
func (k Key) MarshalAppend(b []byte) []byte {
	b = append(b, k.Checksum[:]...)
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], k.Props)
	return append(b, tmp[:]...)
}

// UnmarshalKey decodes a key from the first KeySize bytes of b.
func UnmarshalKey(b []byte) (Key, error) {
	if len(b) < KeySize {
		return Key{}, fmt.Errorf("short key: %d bytes", len(b))
	}
	var k Key
	copy(k.Checksum[:], b[:ChecksumSize])
	k.Props = binary.LittleEndian.Uint64(b[ChecksumSize:KeySize])
	return k, nil
}

// String returns a short form of the key for diagnostics.
func (k Key) String() string {
	return fmt.Sprintf("%x-%x", k.Checksum[:8], k.Props)
}

// ChecksumAlgo identifies the checksum function a key's content
// checksum was computed with.
type ChecksumAlgo uint8

// The supported checksum algorithms.
const (
	SHA256 ChecksumAlgo = iota
	BLAKE2b
)

// ParseChecksumAlgo maps a configuration name to a ChecksumAlgo.
func ParseChecksumAlgo(name string) (ChecksumAlgo, error) {
	switch name {
	case "sha256":
		return SHA256, nil
	case "blake2b":
		return BLAKE2b, nil
	}
	return 0, fmt.Errorf("unknown checksum algorithm %q", name)
}

func (a ChecksumAlgo) String() string {
	switch a {
	case SHA256:
		return "sha256"
	case BLAKE2b:
		return "blake2b"
	}
	return fmt.Sprintf("checksum(%d)", int(a))
}

// MakeProps packs the dedup-relevant block properties into a key's
// property word: the checksum algorithm, the compression function and
// the logical size class. Blocks that differ in any of these never
// share an entry even if their content checksums collide.
func MakeProps(algo ChecksumAlgo, compression uint8, sizeClass uint16) uint64 {
	return uint64(algo) | uint64(compression)<<8 | uint64(sizeClass)<<16
}

// KeyFromBlock derives the fingerprint key for a block's content and
// properties using the given checksum algorithm.
func KeyFromBlock(data []byte, algo ChecksumAlgo, compression uint8, sizeClass uint16) (Key, error) {
	var k Key
	switch algo {
	case SHA256:
		k.Checksum = sha256.Sum256(data)
	case BLAKE2b:
		k.Checksum = blake2b.Sum256(data)
	default:
		return Key{}, fmt.Errorf("unknown checksum algorithm %d", int(algo))
	}
	k.Props = MakeProps(algo, compression, sizeClass)
	return k, nil
}

// TableName is the name of a dedup table, used to scope errors and
// on-disk objects.
type TableName string

// Type identifies the durable storage representation of a table, and
// with it the backend implementation that reads and writes it.
type Type uint8

// The supported storage types.
const (
	// TypeDisk stores the durable table as per-key files on local
	// disk, the "disk" backend.
	TypeDisk Type = iota
)

// BackendName returns the registered name of the backend that
// implements this storage type, or "" if the type is unknown.
func (t Type) BackendName() string {
	switch t {
	case TypeDisk:
		return "disk"
	}
	return ""
}

// Class is the redundancy tier of an entry's physical copies.
type Class uint8

// The storage classes, in the order the durable table prefers them.
const (
	ClassDitto Class = iota
	ClassDuplicate
	ClassUnique

	// ClassCount is the number of storage classes.
	ClassCount = iota
)

func (c Class) String() string {
	switch c {
	case ClassDitto:
		return "ditto"
	case ClassDuplicate:
		return "duplicate"
	case ClassUnique:
		return "unique"
	}
	return fmt.Sprintf("class(%d)", int(c))
}

// LightweightEntry is an immutable, self-contained snapshot of one
// dedup entry. It is the unit handed across component boundaries:
// appended to the log, carried through the log tree, and pushed into
// the durable table. Phys holds NPhys physical slots of the table's
// configured slot size and must not be modified after creation.
type LightweightEntry struct {
	Key   Key
	Type  Type
	Class Class
	NPhys int
	Phys  []byte
}

// Equal reports whether two entries are identical snapshots.
func (e *LightweightEntry) Equal(other *LightweightEntry) bool {
	return e.Key == other.Key &&
		e.Type == other.Type &&
		e.Class == other.Class &&
		e.NPhys == other.NPhys &&
		bytes.Equal(e.Phys, other.Phys)
}

// Config describes one dedup table: where it lives, how its durable
// object is stored and how its physical payloads are sized. All byte
// sizes are fixed for the table's lifetime.
type Config struct {
	// Name is the table name, unique within a pool.
	Name string `yaml:"name"`

	// Dir is the directory holding the table's log objects.
	Dir string `yaml:"dir"`

	// Backend is the registered name of the storage backend for the
	// durable table. If empty, the backend for Type is used.
	Backend string `yaml:"backend"`

	// Type is the durable storage representation.
	Type Type `yaml:"type"`

	// Checksum names the fingerprint checksum algorithm.
	Checksum string `yaml:"checksum"`

	// NPhys is the number of physical slots per entry. Flat tables
	// carry 1, traditional tables one per storage class plus ditto.
	NPhys int `yaml:"nphys"`

	// SlotSize is the byte size of one physical slot.
	SlotSize int `yaml:"slotSize"`

	// BlockSize is the size of one log block. Records are packed
	// back-to-back within a block and never span blocks.
	BlockSize int `yaml:"blockSize"`
}

// PhysSize returns the byte size of an entry's physical payload.
func (c *Config) PhysSize() int {
	return c.NPhys * c.SlotSize
}

// Tx is the transaction context all mutations are applied under. The
// surrounding engine creates, serializes and commits transactions;
// this subsystem only records the transaction group number and
// whether the transaction was aborted.
type Tx struct {
	txg uint64
	err error
}

// NewTx returns a transaction context for the given transaction group.
func NewTx(txg uint64) *Tx {
	return &Tx{txg: txg}
}

// Txg returns the transaction group number.
func (tx *Tx) Txg() uint64 {
	return tx.txg
}

// Abort marks the transaction aborted. The first error wins.
func (tx *Tx) Abort(err error) {
	if tx.err == nil {
		tx.err = err
	}
}

// Err returns the error that aborted the transaction, if any.
func (tx *Tx) Err() error {
	return tx.err
}
