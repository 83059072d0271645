// Copyright 2024 The Dedup Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package ddtlog

import (
	"encoding/binary"

	"dedup.io/dedup"
	"dedup.io/errors"
)

// On-disk record layout. Records are packed back-to-back within a log
// block and never span blocks. The header is 8 bytes:
//
//	reclen      uint16  total record length, header included
//	type        uint8   recordEnd or recordEntry
//	pad         [3]byte alignment
//	entryType   uint8   storage type (recordEntry only)
//	entryClass  uint8   storage class (recordEntry only)
//
// The payload of an entry record is the key's wire form followed by
// the physical slot bytes, whose size is fixed by the table config.
// An end record's reclen spans the unused remainder of the block.
const (
	recordHeaderSize = 8

	recordEnd   byte = 0 // end-of-block marker
	recordEntry byte = 1 // an entry to add or replace in the log tree
)

// recordLen returns the encoded length of an entry record for a table
// with the given physical payload size. The length is rounded up to a
// multiple of 8 bytes so successive records stay aligned.
func recordLen(physSize int) int {
	return (recordHeaderSize + dedup.KeySize + physSize + 7) &^ 7
}

// RecordLen returns the on-disk length of one entry record for a
// table with the given configuration. It is exported for capacity
// planning and configuration validation.
func RecordLen(cfg *dedup.Config) int {
	return recordLen(cfg.PhysSize())
}

// encodeRecord writes an entry record for e at the start of buf.
// buf must be at least recordLen(len(e.Phys)) bytes; the caller has
// already sized it from the table config.
func encodeRecord(buf []byte, e *dedup.LightweightEntry) int {
	reclen := recordLen(len(e.Phys))
	binary.LittleEndian.PutUint16(buf[0:2], uint16(reclen))
	buf[2] = recordEntry
	buf[3], buf[4], buf[5] = 0, 0, 0
	buf[6] = byte(e.Type)
	buf[7] = byte(e.Class)
	b := e.Key.MarshalAppend(buf[recordHeaderSize:recordHeaderSize])
	n := recordHeaderSize + len(b)
	copy(buf[n:], e.Phys)
	n += len(e.Phys)
	for ; n < reclen; n++ {
		buf[n] = 0
	}
	return reclen
}

// encodeEndRecord marks the remainder of the block, buf, as holding
// no further records.
func encodeEndRecord(buf []byte) {
	binary.LittleEndian.PutUint16(buf[0:2], uint16(len(buf)))
	buf[2] = recordEnd
}

// decodeRecord parses the record at the start of win, a window that
// extends no further than the end of the containing block. It returns
// the decoded entry and the number of bytes consumed. A nil entry
// with a nil error means the end of valid data: an end-of-block
// marker, or too few bytes left for a record header. Malformed
// records are Corrupt errors and the window must not be read further.
func decodeRecord(win []byte, cfg *dedup.Config) (*dedup.LightweightEntry, int, error) {
	const op errors.Op = "ddtlog.decodeRecord"
	physSize := cfg.PhysSize()
	if len(win) < recordHeaderSize {
		return nil, 0, nil
	}
	reclen := int(binary.LittleEndian.Uint16(win[0:2]))
	if reclen == 0 {
		return nil, 0, errors.E(op, errors.Corrupt, "record length is zero")
	}
	if reclen > len(win) {
		return nil, 0, errors.E(op, errors.Corrupt,
			errors.Errorf("record length %d exceeds %d remaining bytes", reclen, len(win)))
	}
	switch win[2] {
	case recordEnd:
		return nil, 0, nil
	case recordEntry:
		// Proceed below.
	default:
		return nil, 0, errors.E(op, errors.Corrupt,
			errors.Errorf("unknown record type %d", win[2]))
	}
	if reclen != recordLen(physSize) {
		return nil, 0, errors.E(op, errors.Corrupt,
			errors.Errorf("entry record length %d, want %d", reclen, recordLen(physSize)))
	}
	key, err := dedup.UnmarshalKey(win[recordHeaderSize:reclen])
	if err != nil {
		return nil, 0, errors.E(op, errors.Corrupt, err)
	}
	phys := make([]byte, physSize)
	copy(phys, win[recordHeaderSize+dedup.KeySize:reclen])
	e := &dedup.LightweightEntry{
		Key:   key,
		Type:  dedup.Type(win[6]),
		Class: dedup.Class(win[7]),
		NPhys: cfg.NPhys,
		Phys:  phys,
	}
	return e, reclen, nil
}
