// Copyright 2024 The Dedup Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package ddtlog maintains the append-only logs that buffer dedup
// table mutations, permitting replay after a crash and incremental
// flushing into the durable table.
package ddtlog

/*

The package defines three components for record keeping for a
ddt.Table:

1) Update - writes a batch of entry records inside one transaction,
   via the Begin/Entry/Commit protocol.
2) Load - replays the on-disk records into the log tree at table
   activation.
3) header - records the durable state of one log object: its length,
   whether it is flushing, and the flush checkpoint.

The structure on disk, relative to a table directory, is a pair of
log objects named a and b:

<name>.log - the record blocks.
<name>.hdr - the fixed-size header, memory-mapped.

One log is active, accepting appends; after a swap the other drains
into the durable table and is then reset, so the pair alternate
roles.

The record file is a sequence of fixed-size blocks. Each block is a
concatenation of 8-byte-aligned records: a header carrying the
record length, record type, storage type and storage class, then the
fingerprint key and the physical slot bytes, whose size is fixed by
the table configuration. A record never crosses a block boundary;
when an entry does not fit, an end record spans the remainder of the
block and decoding resumes at the next block. The header's length
field bounds replay, so bytes beyond it, including a torn tail from
a crashed transaction, are never interpreted.

The log header records the format version, the flushing and
has-checkpoint flags, the log length in bytes, the transaction group
in which the log became active, and the last checkpointed key. The
checkpoint is a low-water mark: every entry with a key at or below
it has been confirmed merged into the durable table, so replay of a
flushing log discards those records.

*/
