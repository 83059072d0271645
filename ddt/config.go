// Copyright 2024 The Dedup Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package ddt

import (
	"fmt"
	"io/ioutil"

	yaml "gopkg.in/yaml.v2"

	"dedup.io/dedup"
	"dedup.io/ddt/ddtlog"
	"dedup.io/errors"
)

// NameLen is the maximum length of a durable table object name.
const NameLen = 32

// Default configuration values applied by LoadConfig.
const (
	defaultBlockSize = 4096
	defaultChecksum  = "sha256"
	defaultNPhys     = 1
)

// LoadConfig reads a table configuration from the YAML file at path,
// applies defaults and validates the result.
func LoadConfig(path string) (*dedup.Config, error) {
	const op errors.Op = "ddt.LoadConfig"
	data, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, errors.E(op, errors.IO, err)
	}
	cfg := new(dedup.Config)
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.E(op, errors.Invalid, err)
	}
	if cfg.BlockSize == 0 {
		cfg.BlockSize = defaultBlockSize
	}
	if cfg.Checksum == "" {
		cfg.Checksum = defaultChecksum
	}
	if cfg.NPhys == 0 {
		cfg.NPhys = defaultNPhys
	}
	if cfg.Backend == "" {
		cfg.Backend = cfg.Type.BackendName()
	}
	if err := validateConfig(cfg); err != nil {
		return nil, errors.E(op, err)
	}
	return cfg, nil
}

// ObjectName returns the name of the table's durable object, derived
// from its checksum algorithm and storage type.
func ObjectName(cfg *dedup.Config) string {
	return fmt.Sprintf("DDT-%s-%s", cfg.Checksum, cfg.Backend)
}

// validateConfig checks the invariants every other component assumes.
func validateConfig(cfg *dedup.Config) error {
	const op errors.Op = "ddt.validateConfig"
	if cfg.Name == "" {
		return errors.E(op, errors.Invalid, "table name must not be empty")
	}
	if cfg.Dir == "" {
		return errors.E(op, dedup.TableName(cfg.Name), errors.Invalid, "table directory must not be empty")
	}
	if _, err := dedup.ParseChecksumAlgo(cfg.Checksum); err != nil {
		return errors.E(op, dedup.TableName(cfg.Name), errors.Invalid, err)
	}
	if cfg.NPhys != 1 && cfg.NPhys != dedup.ClassCount+1 {
		return errors.E(op, dedup.TableName(cfg.Name), errors.Invalid,
			errors.Errorf("nphys must be 1 or %d, not %d", dedup.ClassCount+1, cfg.NPhys))
	}
	if cfg.SlotSize <= 0 || cfg.SlotSize%8 != 0 {
		return errors.E(op, dedup.TableName(cfg.Name), errors.Invalid,
			errors.Errorf("slot size %d must be a positive multiple of 8", cfg.SlotSize))
	}
	if cfg.BlockSize%8 != 0 || cfg.BlockSize < ddtlog.RecordLen(cfg) {
		return errors.E(op, dedup.TableName(cfg.Name), errors.Invalid,
			errors.Errorf("block size %d must be a multiple of 8 and hold a %d byte record",
				cfg.BlockSize, ddtlog.RecordLen(cfg)))
	}
	if cfg.Backend == "" {
		return errors.E(op, dedup.TableName(cfg.Name), errors.Invalid,
			errors.Errorf("no backend for storage type %d", cfg.Type))
	}
	if len(ObjectName(cfg)) > NameLen {
		return errors.E(op, dedup.TableName(cfg.Name), errors.Invalid,
			errors.Errorf("object name %q exceeds %d bytes", ObjectName(cfg), NameLen))
	}
	return nil
}
