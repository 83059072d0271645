// Copyright 2024 The Dedup Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package ddtlog

import (
	"os"
	"path/filepath"

	"dedup.io/dedup"
	"dedup.io/errors"
	"dedup.io/log"
)

// Log is one on-disk dedup log object: an append-only record file, a
// mapped header, and the in-memory tree of entries the records
// describe. A table owns two of these, one active and at most one
// flushing. Log does no locking of its own; the owning table's mutex
// serializes all calls.
type Log struct {
	cfg  *dedup.Config
	name string

	fd   *os.File // record blocks
	hdr  *header
	tree *tree
}

// New opens or creates the log object called name in the table's
// directory. Existing records are not replayed; call Load for that.
func New(cfg *dedup.Config, name string) (*Log, error) {
	const op errors.Op = "ddtlog.New"
	if err := os.MkdirAll(cfg.Dir, 0700); err != nil {
		return nil, errors.E(op, dedup.TableName(cfg.Name), errors.IO, err)
	}
	fd, err := os.OpenFile(filepath.Join(cfg.Dir, name+".log"), os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return nil, errors.E(op, dedup.TableName(cfg.Name), errors.IO, err)
	}
	hdr, err := openHeader(filepath.Join(cfg.Dir, name + ".hdr"))
	if err != nil {
		fd.Close()
		return nil, errors.E(op, dedup.TableName(cfg.Name), err)
	}
	return &Log{
		cfg:  cfg,
		name: name,
		fd:   fd,
		hdr:  hdr,
		tree: newTree(),
	}, nil
}

// Name returns the log object's name within the table directory.
func (l *Log) Name() string {
	return l.name
}

// Len returns the number of entries on the log tree.
func (l *Log) Len() int {
	return l.tree.len()
}

// Empty reports whether the log tree holds no entries.
func (l *Log) Empty() bool {
	return l.tree.len() == 0
}

// Flushing reports whether this log has been handed to the flush
// controller.
func (l *Log) Flushing() bool {
	return l.hdr.flags()&flagFlushing != 0
}

// FirstTxg returns the transaction group in which this log first
// accepted an append, or 0 if it never has.
func (l *Log) FirstTxg() uint64 {
	return l.hdr.firstTxg()
}

// CheckpointKey returns the last checkpointed key and whether a
// checkpoint has been recorded at all.
func (l *Log) CheckpointKey() (dedup.Key, bool) {
	if l.hdr.flags()&flagCheckpoint == 0 {
		return dedup.Key{}, false
	}
	return l.hdr.checkpoint(), true
}

// lightweight copies a tree entry out as an immutable snapshot. The
// slot count comes from the table config; the stored payload must
// match it or the tree was corrupted in memory.
func (l *Log) lightweight(e *logEntry) dedup.LightweightEntry {
	if len(e.phys) != l.cfg.PhysSize() {
		log.Fatalf("ddtlog: table %s: tree entry %s has %d payload bytes, config says %d",
			l.cfg.Name, e.key, len(e.phys), l.cfg.PhysSize())
	}
	phys := make([]byte, len(e.phys))
	copy(phys, e.phys)
	return dedup.LightweightEntry{
		Key:   e.key,
		Type:  e.typ,
		Class: e.class,
		NPhys: l.cfg.NPhys,
		Phys:  phys,
	}
}

// First returns the entry with the lowest key without removing it.
func (l *Log) First() (dedup.LightweightEntry, bool) {
	var first *logEntry
	l.tree.walk(func(e *logEntry) bool {
		first = e
		return false
	})
	if first == nil {
		return dedup.LightweightEntry{}, false
	}
	return l.lightweight(first), true
}

// TakeFirst removes and returns the entry with the lowest key.
func (l *Log) TakeFirst() (dedup.LightweightEntry, bool) {
	e := l.tree.takeFirst()
	if e == nil {
		return dedup.LightweightEntry{}, false
	}
	return l.lightweight(e), true
}

// Take removes and returns the entry for the exact key.
func (l *Log) Take(key dedup.Key) (dedup.LightweightEntry, bool) {
	e := l.tree.take(key)
	if e == nil {
		return dedup.LightweightEntry{}, false
	}
	return l.lightweight(e), true
}

// Lookup returns the entry for the exact key without removing it.
func (l *Log) Lookup(key dedup.Key) (dedup.LightweightEntry, bool) {
	e := l.tree.get(key)
	if e == nil {
		return dedup.LightweightEntry{}, false
	}
	return l.lightweight(e), true
}

// Walk visits every entry in ascending key order until fn returns
// false.
func (l *Log) Walk(fn func(dedup.LightweightEntry) bool) {
	l.tree.walk(func(e *logEntry) bool {
		return fn(l.lightweight(e))
	})
}

// Update is the transient state of one batch of appends, from Begin
// to Commit. It owns the block buffers being filled; they are
// released at Commit or abandoned with the transaction.
type Update struct {
	log    *Log
	tx     *dedup.Tx
	reclen int      // cached encoded record length
	bufs   [][]byte // owned block buffers
	base   int64    // file block index of bufs[0]
	block  int      // buffer for the next entry
	offset int      // offset within that buffer for the next entry
	left   int      // entries remaining of the reservation
}

// Begin reserves space and buffers within the log for n upcoming
// entries inside tx. Buffer allocation happens once per batch here,
// not once per entry; callers must not append more than n entries.
func (l *Log) Begin(n int, tx *dedup.Tx) (*Update, error) {
	const op errors.Op = "ddtlog.Begin"
	if err := tx.Err(); err != nil {
		return nil, errors.E(op, dedup.TableName(l.cfg.Name), errors.Invalid,
			errors.Errorf("transaction %d already aborted: %v", tx.Txg(), err))
	}
	reclen := recordLen(l.cfg.PhysSize())
	bs := l.cfg.BlockSize
	if reclen > bs {
		err := errors.E(op, dedup.TableName(l.cfg.Name), errors.Invalid,
			errors.Errorf("record length %d exceeds block size %d", reclen, bs))
		tx.Abort(err)
		return nil, err
	}

	length := l.hdr.length()
	base := length / int64(bs)
	offset := int(length % int64(bs))

	// Count the blocks the batch will touch, accounting for entries
	// pushed to the next block by an end-of-block marker.
	nblocks := 1
	pos := offset
	for i := 0; i < n; i++ {
		if bs-pos < reclen {
			pos = 0
			nblocks++
		}
		pos += reclen
	}

	bufs := make([][]byte, nblocks)
	for i := range bufs {
		bufs[i] = make([]byte, bs)
	}
	if offset > 0 {
		// The tail block is partially written; carry its contents.
		if _, err := l.fd.ReadAt(bufs[0][:offset], base*int64(bs)); err != nil {
			err = errors.E(op, dedup.TableName(l.cfg.Name), errors.IO, err)
			tx.Abort(err)
			return nil, err
		}
	}
	return &Update{
		log:    l,
		tx:     tx,
		reclen: reclen,
		bufs:   bufs,
		base:   base,
		offset: offset,
		left:   n,
	}, nil
}

// Entry encodes one record into the space reserved by Begin and
// mirrors the entry into the log tree, so a lookup inside the same
// transaction observes the write. Appending past the reservation is a
// contract violation that aborts the transaction.
func (u *Update) Entry(e *dedup.LightweightEntry) error {
	const op errors.Op = "ddtlog.Entry"
	l := u.log
	if u.bufs == nil {
		err := errors.E(op, dedup.TableName(l.cfg.Name), errors.Invalid, "update already committed")
		u.tx.Abort(err)
		return err
	}
	if u.left == 0 {
		err := errors.E(op, dedup.TableName(l.cfg.Name), e.Key, errors.Invalid,
			"append exceeds space reserved by Begin")
		u.tx.Abort(err)
		return err
	}
	if e.NPhys != l.cfg.NPhys || len(e.Phys) != l.cfg.PhysSize() {
		err := errors.E(op, dedup.TableName(l.cfg.Name), e.Key, errors.Invalid,
			errors.Errorf("entry has %d slots in %d bytes, config says %d in %d",
				e.NPhys, len(e.Phys), l.cfg.NPhys, l.cfg.PhysSize()))
		u.tx.Abort(err)
		return err
	}

	buf := u.bufs[u.block]
	if len(buf)-u.offset < u.reclen {
		if len(buf)-u.offset > 0 {
			encodeEndRecord(buf[u.offset:])
		}
		u.block++
		u.offset = 0
		buf = u.bufs[u.block]
	}
	encodeRecord(buf[u.offset:u.offset+u.reclen], e)
	u.offset += u.reclen
	u.left--

	phys := make([]byte, len(e.Phys))
	copy(phys, e.Phys)
	l.tree.insertOrReplace(&logEntry{
		key:   e.Key,
		typ:   e.Type,
		class: e.Class,
		phys:  phys,
	})
	return nil
}

// Commit writes the batch's buffers to the record file, makes them
// durable, and publishes the new log length in the header. The
// buffers are released whether or not Commit succeeds.
func (u *Update) Commit() error {
	const op errors.Op = "ddtlog.Commit"
	l := u.log
	bufs := u.bufs
	u.bufs = nil
	if bufs == nil {
		return errors.E(op, dedup.TableName(l.cfg.Name), errors.Invalid, "update already committed")
	}
	if err := u.tx.Err(); err != nil {
		return errors.E(op, dedup.TableName(l.cfg.Name), errors.Invalid,
			errors.Errorf("transaction %d aborted: %v", u.tx.Txg(), err))
	}
	bs := int64(l.cfg.BlockSize)
	for i := 0; i <= u.block; i++ {
		n := int(bs)
		if i == u.block {
			n = u.offset
		}
		if n == 0 {
			continue
		}
		if _, err := l.fd.WriteAt(bufs[i][:n], (u.base+int64(i))*bs); err != nil {
			err = errors.E(op, dedup.TableName(l.cfg.Name), errors.IO, err)
			u.tx.Abort(err)
			return err
		}
	}
	if err := l.fd.Sync(); err != nil {
		err = errors.E(op, dedup.TableName(l.cfg.Name), errors.IO, err)
		u.tx.Abort(err)
		return err
	}
	newLen := (u.base+int64(u.block))*bs + int64(u.offset)
	// Sanity check: the write really did extend the file this far.
	if fi, err := l.fd.Stat(); err == nil && fi.Size() < newLen {
		err = errors.E(op, dedup.TableName(l.cfg.Name), errors.IO,
			errors.Errorf("file.Sync did not extend log: expected %d, got %d", newLen, fi.Size()))
		u.tx.Abort(err)
		return err
	}
	l.hdr.setLength(newLen)
	if l.hdr.firstTxg() == 0 {
		l.hdr.setFirstTxg(u.tx.Txg())
	}
	return l.hdr.sync()
}

// Load replays the on-disk records into the log tree. It reads from
// the start of the record file through the length the header vouches
// for, so a partially-written tail from a crashed transaction is
// never interpreted. Later records for a key overwrite earlier ones.
// If this log was flushing, entries at or below the checkpoint were
// already merged into the durable table and are dropped.
//
// Any malformed record stops the load with a Corrupt error; a table
// whose log cannot be replayed must not accept dedup writes.
func (l *Log) Load() error {
	const op errors.Op = "ddtlog.Load"
	length := l.hdr.length()
	if length == 0 {
		return nil
	}
	data := make([]byte, length)
	if _, err := l.fd.ReadAt(data, 0); err != nil {
		return errors.E(op, dedup.TableName(l.cfg.Name), errors.IO, err)
	}

	ckpt, hasCkpt := l.CheckpointKey()
	skipCheckpointed := l.Flushing() && hasCkpt

	bs := int64(l.cfg.BlockSize)
	loaded, skipped := 0, 0
	for blockStart := int64(0); blockStart < length; blockStart += bs {
		end := blockStart + bs
		if end > length {
			end = length
		}
		win := data[blockStart:end]
		for {
			e, n, err := decodeRecord(win, l.cfg)
			if err != nil {
				return errors.E(op, dedup.TableName(l.cfg.Name), err)
			}
			if e == nil {
				break
			}
			win = win[n:]
			if skipCheckpointed && e.Key.Compare(ckpt) <= 0 {
				skipped++
				continue
			}
			l.tree.insertOrReplace(&logEntry{
				key:   e.Key,
				typ:   e.Type,
				class: e.Class,
				phys:  e.Phys,
			})
			loaded++
		}
	}
	log.Debug.Printf("ddtlog: table %s: log %s loaded %d records (%d below checkpoint), %d live entries",
		l.cfg.Name, l.name, loaded+skipped, skipped, l.tree.len())
	return nil
}

// MarkFlushing durably sets the header's flushing flag, handing the
// log to the flush controller. New appends must go to another log.
func (l *Log) MarkFlushing(tx *dedup.Tx) error {
	l.hdr.setFlags(l.hdr.flags() | flagFlushing)
	return l.hdr.sync()
}

// Checkpoint durably records key as the highest key confirmed merged
// into the durable table. It must be called only after the backend
// update for key succeeded within the same transaction.
func (l *Log) Checkpoint(key dedup.Key, tx *dedup.Tx) error {
	l.hdr.setCheckpoint(key)
	l.hdr.setFlags(l.hdr.flags() | flagCheckpoint)
	return l.hdr.sync()
}

// Reset discards the log's records and clears its header, returning
// it to the empty state. The tree must already be drained.
func (l *Log) Reset(tx *dedup.Tx) error {
	const op errors.Op = "ddtlog.Reset"
	if l.tree.len() != 0 {
		return errors.E(op, dedup.TableName(l.cfg.Name), errors.Invalid,
			errors.Errorf("resetting log with %d entries still on the tree", l.tree.len()))
	}
	if err := l.fd.Truncate(0); err != nil {
		return errors.E(op, dedup.TableName(l.cfg.Name), errors.IO, err)
	}
	if err := l.fd.Sync(); err != nil {
		return errors.E(op, dedup.TableName(l.cfg.Name), errors.IO, err)
	}
	l.hdr.clear()
	return l.hdr.sync()
}

// Destroy removes the log's files. The Log must not be used after.
func (l *Log) Destroy(tx *dedup.Tx) error {
	const op errors.Op = "ddtlog.Destroy"
	dataPath := filepath.Join(l.cfg.Dir, l.name+".log")
	hdrPath := filepath.Join(l.cfg.Dir, l.name+".hdr")
	if err := l.Close(); err != nil {
		return err
	}
	for _, p := range []string{dataPath, hdrPath} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return errors.E(op, dedup.TableName(l.cfg.Name), errors.IO, err)
		}
	}
	return nil
}

// Close releases the log's file handles.
func (l *Log) Close() error {
	const op errors.Op = "ddtlog.Close"
	if l.fd == nil {
		return nil
	}
	err1 := l.fd.Close()
	l.fd = nil
	err2 := l.hdr.close()
	if err1 != nil {
		return errors.E(op, dedup.TableName(l.cfg.Name), errors.IO, err1)
	}
	return err2
}
