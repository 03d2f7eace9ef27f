// Copyright 2015-2016 Diffeo, Inc.
// This software is released under an MIT/X11 open source license.

// Package autoscale implements the optional AutoScaler control loop of
// spec.md §4.12: a process that launches worker processes in response
// to backlog/pressure signals read from the store, and nothing else.
// It owns no transport and tracks no task assignments (§9 design
// note).
package autoscale

import (
	"fmt"

	"github.com/mitchellh/mapstructure"
)

// PolicyKind selects between the two scaling policies named in
// spec.md §4.12.
type PolicyKind string

const (
	Fixed   PolicyKind = "FIXED"
	Dynamic PolicyKind = "DYNAMIC"
)

// PolicyConfig is decoded from the autoscaler section of the YAML
// config file via mapstructure, matching the teacher's decode helper
// in jobserver/utils.go and the loadConfigYaml pattern in
// cmd/coordinated/main.go.
type PolicyConfig struct {
	Kind PolicyKind `mapstructure:"policy"`

	// InitSize is how many children FIXED brings the cluster up to
	// at INIT and keeps live. When there are tasks but no connected
	// clients, DYNAMIC launches one child per CHECK, not InitSize.
	InitSize int `mapstructure:"init_size"`

	// MaxSize caps the live child count under either policy.
	// MinSize is only a lower bound on InitSize (DecodePolicy raises
	// InitSize to it); the live child count is not held at or above
	// MinSize.
	MinSize int `mapstructure:"min_size"`
	MaxSize int `mapstructure:"max_size"`

	// Period is the steady-state CHECK interval, in seconds.
	Period float64 `mapstructure:"period"`

	// Factor scales avg_duration in the DYNAMIC pressure
	// computation: pressure = time_to_completion / (factor *
	// avg_duration).
	Factor float64 `mapstructure:"factor"`

	// Launcher is the external command argv used to start a worker
	// process. Invoked directly as argv (no shell re-quoting — see
	// DESIGN.md); any occurrence of the literal token "{bind}" is
	// substituted with the server's bind address before exec.
	Launcher []string `mapstructure:"launcher"`
}

// DecodePolicy decodes raw (as loaded from YAML by gopkg.in/yaml.v2
// into a map[string]interface{}) into a PolicyConfig and applies the
// documented defaults for any field the operator did not set.
func DecodePolicy(raw map[string]interface{}) (*PolicyConfig, error) {
	cfg := &PolicyConfig{
		Kind:     Fixed,
		InitSize: 1,
		MinSize:  0,
		MaxSize:  1,
		Period:   10,
		Factor:   2,
	}
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           cfg,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return nil, fmt.Errorf("autoscale: build decoder: %w", err)
	}
	if err := decoder.Decode(raw); err != nil {
		return nil, fmt.Errorf("autoscale: decode policy config: %w", err)
	}
	if len(cfg.Launcher) == 0 {
		return nil, fmt.Errorf("autoscale: launcher argv must not be empty")
	}
	if cfg.MaxSize < cfg.MinSize {
		return nil, fmt.Errorf("autoscale: max_size %d below min_size %d", cfg.MaxSize, cfg.MinSize)
	}
	if cfg.InitSize < cfg.MinSize {
		cfg.InitSize = cfg.MinSize
	}
	if cfg.InitSize > cfg.MaxSize {
		cfg.InitSize = cfg.MaxSize
	}
	return cfg, nil
}
