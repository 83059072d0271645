// Copyright 2024 The Dedup Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Ddt provides subcommands for inspecting and maintaining a dedup
// table from the command line. See the help constant for
// documentation.
package main // import "dedup.io/cmd/ddt"

import (
	"encoding/hex"
	"flag"
	"fmt"
	"os"

	"dedup.io/ddt"
	"dedup.io/dedup"
	"dedup.io/log"

	// Storage implementation.
	_ "dedup.io/ddt/backend/disk"
)

const help = `Ddt inspects and maintains a dedup table.

The subcommands are:

  count
	Print the number of distinct entries in the table, logged
	updates included.

  lookup <key>
	Print the physical payload stored for a key. The key is the
	hex form of its wire encoding.

  contains <key>
	Report whether the table holds an entry for the key.

  flush
	Run one full flush cycle: hand the active log to the flush
	controller, merge its entries into the durable table, and
	truncate the drained log.

  checkpoint
	Print the flush checkpoint, if a flush is in progress.
`

var configFlag = flag.String("config", "table.yaml", "table configuration `file`")

func main() {
	flag.Usage = usage
	flag.Parse()
	if flag.NArg() < 1 {
		usage()
	}

	cfg, err := ddt.LoadConfig(*configFlag)
	if err != nil {
		log.Fatalf("ddt: %v", err)
	}
	tbl, err := ddt.Open(cfg)
	if err != nil {
		log.Fatalf("ddt: %v", err)
	}
	defer tbl.Close()

	switch flag.Arg(0) {
	case "count":
		n, err := tbl.Count()
		if err != nil {
			log.Fatalf("ddt: %v", err)
		}
		fmt.Println(n)
	case "lookup":
		phys, err := tbl.Lookup(keyArg())
		if err != nil {
			log.Fatalf("ddt: %v", err)
		}
		fmt.Printf("%x\n", phys)
	case "contains":
		if tbl.Contains(keyArg()) {
			fmt.Println("present")
		} else {
			fmt.Println("absent")
			os.Exit(1)
		}
	case "flush":
		tx := dedup.NewTx(0)
		if _, err := tbl.Swap(tx); err != nil {
			log.Fatalf("ddt: %v", err)
		}
		if err := tbl.Flush(tx); err != nil {
			log.Fatalf("ddt: %v", err)
		}
		if _, err := tbl.Truncate(tx); err != nil {
			log.Fatalf("ddt: %v", err)
		}
	case "checkpoint":
		key, ok := tbl.CheckpointKey()
		if !ok {
			fmt.Println("no flush in progress")
			return
		}
		fmt.Printf("%x\n", key.MarshalAppend(nil))
	default:
		usage()
	}
}

func keyArg() dedup.Key {
	if flag.NArg() != 2 {
		usage()
	}
	b, err := hex.DecodeString(flag.Arg(1))
	if err != nil {
		log.Fatalf("ddt: bad key: %v", err)
	}
	key, err := dedup.UnmarshalKey(b)
	if err != nil {
		log.Fatalf("ddt: bad key: %v", err)
	}
	return key
}

func usage() {
	fmt.Fprint(os.Stderr, help)
	fmt.Fprintln(os.Stderr, "usage: ddt [-config file] <command> [arguments]")
	flag.PrintDefaults()
	os.Exit(2)
}
