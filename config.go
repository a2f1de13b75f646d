package rewind

import (
	"fmt"
	"io/ioutil"

	"gopkg.in/yaml.v3"
)

// Checkpoint association policies.
const (
	// Each dependent address is assigned to the nearest checkpoint that
	// read it and is not offered to farther checkpoints.
	CheckpointsNearest = "nearest"

	// Every checkpoint keeps all dependent addresses it read.
	CheckpointsOverlap = "overlap"
)

// Config holds the exploration knobs.
type Config struct {
	MaxTraceLength     uint32 `yaml:"max-trace-length"`
	LocalRollbackBound uint32 `yaml:"local-rollback-bound"`
	TotalRollbackBound uint64 `yaml:"total-rollback-bound"`
	InputOrdinal       int    `yaml:"input-ordinal"`

	// Strategy for picking the next branch to explore: bfs, dfs or random.
	Search string `yaml:"search"`

	// Checkpoint association policy: nearest or overlap.
	Checkpoints string `yaml:"checkpoints"`

	// Seed for random perturbation and search.
	Seed int64 `yaml:"seed"`
}

// NewConfig returns a configuration with default values.
func NewConfig() Config {
	return Config{
		MaxTraceLength:     DefaultMaxTraceLength,
		LocalRollbackBound: DefaultLocalRollbackBound,
		TotalRollbackBound: DefaultTotalRollbackBound,
		InputOrdinal:       DefaultInputOrdinal,
		Search:             "bfs",
		Checkpoints:        CheckpointsNearest,
		Seed:               1,
	}
}

// ReadConfigFile reads a YAML file over the defaults.
func ReadConfigFile(path string) (Config, error) {
	c := NewConfig()
	buf, err := ioutil.ReadFile(path)
	if err != nil {
		return c, err
	} else if err := yaml.Unmarshal(buf, &c); err != nil {
		return c, fmt.Errorf("parse config %s: %w", path, err)
	}
	return c, c.Validate()
}

// Validate returns an error if a knob is out of range.
func (c Config) Validate() error {
	switch {
	case c.MaxTraceLength == 0:
		return fmt.Errorf("max trace length must be positive")
	case c.LocalRollbackBound == 0:
		return fmt.Errorf("local rollback bound must be positive")
	case c.TotalRollbackBound == 0:
		return fmt.Errorf("total rollback bound must be positive")
	case c.InputOrdinal < 1:
		return fmt.Errorf("input ordinal must be at least 1")
	}
	switch c.Search {
	case "", "bfs", "dfs", "random":
	default:
		return fmt.Errorf("unknown search strategy: %q", c.Search)
	}
	switch c.Checkpoints {
	case CheckpointsNearest, CheckpointsOverlap:
	default:
		return fmt.Errorf("unknown checkpoint policy: %q", c.Checkpoints)
	}
	return nil
}
