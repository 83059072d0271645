// Copyright 2024 The Dedup Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package ddtlog

import (
	"encoding/binary"
	"os"

	"github.com/tysonmote/gommap"

	"dedup.io/dedup"
	"dedup.io/errors"
)

// The log header lives in its own fixed-size file beside the record
// file and is memory-mapped so checkpoint advances are cheap in-place
// stores followed by a sync. Layout, little-endian:
//
//	version     uint32   log format version
//	flags       uint32   flagFlushing, flagCheckpoint
//	length      uint64   log size in bytes
//	firstTxg    uint64   transaction group the log became active
//	checkpoint  KeySize  last checkpointed key
const (
	headerVersion = 1

	flagFlushing   = 1 << 0 // this log is being flushed
	flagCheckpoint = 1 << 1 // header has a checkpoint

	hdrVersionOff    = 0
	hdrFlagsOff      = 4
	hdrLengthOff     = 8
	hdrFirstTxgOff   = 16
	hdrCheckpointOff = 24

	headerSize = hdrCheckpointOff + dedup.KeySize
)

// header is the mapped on-disk log header. Mutations take effect in
// the mapping immediately; sync makes them durable.
type header struct {
	file *os.File
	mmap gommap.MMap
}

// openHeader opens or creates the header file at path. A fresh file
// is sized and stamped with the current version; an existing one must
// carry a version this code understands.
func openHeader(path string) (*header, error) {
	const op errors.Op = "ddtlog.openHeader"
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return nil, errors.E(op, errors.IO, err)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, errors.E(op, errors.IO, err)
	}
	created := fi.Size() == 0
	if !created && fi.Size() != headerSize {
		f.Close()
		return nil, errors.E(op, errors.Corrupt,
			errors.Errorf("header file %q is %d bytes, want %d", path, fi.Size(), headerSize))
	}
	if err := f.Truncate(headerSize); err != nil {
		f.Close()
		return nil, errors.E(op, errors.IO, err)
	}
	mmap, err := gommap.Map(f.Fd(), gommap.PROT_READ|gommap.PROT_WRITE, gommap.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, errors.E(op, errors.IO, err)
	}
	h := &header{file: f, mmap: mmap}
	if created {
		h.setVersion(headerVersion)
		if err := h.sync(); err != nil {
			h.close()
			return nil, err
		}
	} else if h.version() != headerVersion {
		h.close()
		return nil, errors.E(op, errors.Invalid,
			errors.Errorf("unsupported log version %d", h.version()))
	}
	return h, nil
}

func (h *header) version() uint32 {
	return binary.LittleEndian.Uint32(h.mmap[hdrVersionOff:])
}

func (h *header) setVersion(v uint32) {
	binary.LittleEndian.PutUint32(h.mmap[hdrVersionOff:], v)
}

func (h *header) flags() uint32 {
	return binary.LittleEndian.Uint32(h.mmap[hdrFlagsOff:])
}

func (h *header) setFlags(f uint32) {
	binary.LittleEndian.PutUint32(h.mmap[hdrFlagsOff:], f)
}

func (h *header) length() int64 {
	return int64(binary.LittleEndian.Uint64(h.mmap[hdrLengthOff:]))
}

func (h *header) setLength(n int64) {
	binary.LittleEndian.PutUint64(h.mmap[hdrLengthOff:], uint64(n))
}

func (h *header) firstTxg() uint64 {
	return binary.LittleEndian.Uint64(h.mmap[hdrFirstTxgOff:])
}

func (h *header) setFirstTxg(txg uint64) {
	binary.LittleEndian.PutUint64(h.mmap[hdrFirstTxgOff:], txg)
}

func (h *header) checkpoint() dedup.Key {
	k, _ := dedup.UnmarshalKey(h.mmap[hdrCheckpointOff : hdrCheckpointOff+dedup.KeySize])
	return k
}

func (h *header) setCheckpoint(k dedup.Key) {
	copy(h.mmap[hdrCheckpointOff:], k.Checksum[:])
	binary.LittleEndian.PutUint64(h.mmap[hdrCheckpointOff+dedup.ChecksumSize:], k.Props)
}

// clear resets every field except the version, returning the header
// to its freshly-created state.
func (h *header) clear() {
	for i := hdrFlagsOff; i < headerSize; i++ {
		h.mmap[i] = 0
	}
}

// sync makes the current header contents durable.
func (h *header) sync() error {
	const op errors.Op = "ddtlog.header.sync"
	if err := h.mmap.Sync(gommap.MS_SYNC); err != nil {
		return errors.E(op, errors.IO, err)
	}
	return nil
}

func (h *header) close() error {
	const op errors.Op = "ddtlog.header.close"
	if h.file == nil {
		return nil
	}
	err1 := h.mmap.Sync(gommap.MS_SYNC)
	err2 := h.file.Close()
	h.file = nil
	if err1 != nil {
		return errors.E(op, errors.IO, err1)
	}
	if err2 != nil {
		return errors.E(op, errors.IO, err2)
	}
	return nil
}
