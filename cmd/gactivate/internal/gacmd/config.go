package gacmd

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gordian-engine/gactivate/gactivate"
	"gopkg.in/yaml.v2"
)

// simConfig is the YAML file accepted by the sim command's --config flag.
// Omitted fields keep the coordinator defaults.
type simConfig struct {
	RoundTimeout   time.Duration     `yaml:"round_timeout"`
	RequestTimeout time.Duration     `yaml:"request_timeout"`
	MaxAttempts    int               `yaml:"max_attempts"`
	HistorySize    int               `yaml:"history_size"`
	Backoff        gactivate.Backoff `yaml:"backoff"`

	// "majority", "all", or a node count.
	Quorum string `yaml:"quorum"`
}

func loadSimConfig(path string) (simConfig, error) {
	var cfg simConfig
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return simConfig{}, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.UnmarshalStrict(data, &cfg); err != nil {
		return simConfig{}, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	return cfg, nil
}

func (c simConfig) CoordinatorConfig() gactivate.Config {
	return gactivate.Config{
		RoundTimeout:   c.RoundTimeout,
		RequestTimeout: c.RequestTimeout,
		MaxAttempts:    c.MaxAttempts,
		HistorySize:    c.HistorySize,
		Backoff:        c.Backoff,
	}
}

func parseQuorum(s string) (gactivate.QuorumPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "majority":
		return gactivate.Majority, nil
	case "all":
		return gactivate.All, nil
	}

	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return nil, fmt.Errorf("invalid quorum %q: want majority, all, or a positive node count", s)
	}
	return gactivate.AtLeast(n), nil
}
