// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package config

import (
	"bytes"
	"encoding/json"
	"os"

	"github.com/hashicorp/hcl/v2/hclsimple"

	"grimm.is/spyglass/internal/errors"
)

// Load reads an HCL config file, applies defaults, and validates.
func Load(path string) (*Config, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, errors.Wrapf(err, errors.KindNotFound, "config file %s", path)
	}

	var cfg Config
	if err := hclsimple.DecodeFile(path, nil, &cfg); err != nil {
		return nil, errors.Wrapf(err, errors.KindValidation, "parsing %s", path)
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromMap normalizes a raw settings map (as an embedder or a JSON
// control message would supply) into a validated Config. Unknown keys
// are rejected rather than silently dropped.
func FromMap(raw map[string]any) (*Config, error) {
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindValidation, "encoding raw config")
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var cfg Config
	if err := dec.Decode(&cfg); err != nil {
		return nil, errors.Wrap(err, errors.KindValidation, "decoding raw config")
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
