package config

import (
	"errors"
	"fmt"
	"io/fs"
	"math"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	DefaultDiscoveryRule         = 19
	DefaultBotmasterRule         = 123123
	DefaultBlockSize             = 5012
	DefaultActiveNodes           = 2
	DefaultChannelCreationSleep  = 10 * time.Second
	DefaultStatusUpdateInterval  = 1500 * time.Millisecond
	DefaultChannelBalanceCounter = 3
	DefaultSpreadMultiplier      = 3
	DefaultChannelTimeout        = 60 * time.Second
	DefaultRetryMax              = 3
	DefaultRetryInterval         = 5 * time.Second
	DefaultCandidateBackoff      = 10 * time.Second
)

// Shared is the configuration every agent in a testbed run agrees on. It is
// loaded once at process start and never mutated.
type Shared struct {
	DiscoveryRule         int64
	BotmasterRule         int64
	BlockSize             int
	ActiveNodes           int
	MaxPeers              int
	ChannelCreationSleep  time.Duration
	StatusUpdateInterval  time.Duration
	ChannelBalanceCounter int
	SpreadMultiplier      int
	ChannelTimeout        time.Duration
	RetryMax              int
	RetryInterval         time.Duration
	CandidateBackoff      time.Duration
}

func DefaultShared() Shared {
	return Shared{
		DiscoveryRule:         DefaultDiscoveryRule,
		BotmasterRule:         DefaultBotmasterRule,
		BlockSize:             DefaultBlockSize,
		ActiveNodes:           DefaultActiveNodes,
		MaxPeers:              2 * DefaultActiveNodes,
		ChannelCreationSleep:  DefaultChannelCreationSleep,
		StatusUpdateInterval:  DefaultStatusUpdateInterval,
		ChannelBalanceCounter: DefaultChannelBalanceCounter,
		SpreadMultiplier:      DefaultSpreadMultiplier,
		ChannelTimeout:        DefaultChannelTimeout,
		RetryMax:              DefaultRetryMax,
		RetryInterval:         DefaultRetryInterval,
		CandidateBackoff:      DefaultCandidateBackoff,
	}
}

// sharedFile is the on-disk form. Durations are seconds and may be
// fractional.
type sharedFile struct {
	DiscoveryRule         int64   `toml:"discovery_rule"`
	BotmasterRule         int64   `toml:"botmaster_rule"`
	BlockSize             int     `toml:"block_size"`
	ActiveNodes           int     `toml:"active_nodes"`
	MaxPeers              int     `toml:"max_peers"`
	ChannelCreationSleep  float64 `toml:"channel_creation_sleep"`
	StatusUpdateInterval  float64 `toml:"status_update_interval"`
	ChannelBalanceCounter int     `toml:"channel_balance_counter"`
	SpreadMultiplier      int     `toml:"spread_multiplier"`
	ChannelTimeout        float64 `toml:"channel_timeout"`
	RetryMax              int     `toml:"retry_max"`
	RetryInterval         float64 `toml:"retry_interval"`
	CandidateBackoff      float64 `toml:"candidate_backoff"`
}

// LoadShared reads the shared configuration. A missing file yields the
// defaults; keys left out of the file keep their defaults.
func LoadShared(path string) (Shared, error) {
	cfg := DefaultShared()
	path = strings.TrimSpace(path)
	if path == "" {
		return cfg, nil
	}

	var raw sharedFile
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return cfg, nil
		}
		return Shared{}, fmt.Errorf("load shared config: %w", err)
	}

	if meta.IsDefined("discovery_rule") {
		cfg.DiscoveryRule = raw.DiscoveryRule
	}
	if meta.IsDefined("botmaster_rule") {
		cfg.BotmasterRule = raw.BotmasterRule
	}
	if meta.IsDefined("block_size") {
		cfg.BlockSize = raw.BlockSize
	}
	if meta.IsDefined("active_nodes") {
		cfg.ActiveNodes = raw.ActiveNodes
		cfg.MaxPeers = 2 * raw.ActiveNodes
	}
	if meta.IsDefined("max_peers") {
		cfg.MaxPeers = raw.MaxPeers
	}
	if meta.IsDefined("channel_balance_counter") {
		cfg.ChannelBalanceCounter = raw.ChannelBalanceCounter
	}
	if meta.IsDefined("spread_multiplier") {
		cfg.SpreadMultiplier = raw.SpreadMultiplier
	}
	if meta.IsDefined("retry_max") {
		cfg.RetryMax = raw.RetryMax
	}

	durations := []struct {
		key string
		val float64
		dst *time.Duration
	}{
		{"channel_creation_sleep", raw.ChannelCreationSleep, &cfg.ChannelCreationSleep},
		{"status_update_interval", raw.StatusUpdateInterval, &cfg.StatusUpdateInterval},
		{"channel_timeout", raw.ChannelTimeout, &cfg.ChannelTimeout},
		{"retry_interval", raw.RetryInterval, &cfg.RetryInterval},
		{"candidate_backoff", raw.CandidateBackoff, &cfg.CandidateBackoff},
	}
	for _, d := range durations {
		if !meta.IsDefined(d.key) {
			continue
		}
		if d.val < 0 || math.IsNaN(d.val) {
			return Shared{}, fmt.Errorf("parse %s: negative duration %v", d.key, d.val)
		}
		*d.dst = Seconds(d.val)
	}

	if err := ValidateShared(cfg); err != nil {
		return Shared{}, err
	}
	return cfg, nil
}

func ValidateShared(cfg Shared) error {
	if cfg.DiscoveryRule <= 0 {
		return fmt.Errorf("shared config discovery_rule must be positive")
	}
	if cfg.BotmasterRule <= 0 {
		return fmt.Errorf("shared config botmaster_rule must be positive")
	}
	if cfg.ActiveNodes <= 0 {
		return fmt.Errorf("shared config active_nodes must be positive")
	}
	if cfg.MaxPeers < cfg.ActiveNodes {
		return fmt.Errorf("shared config max_peers (%d) below active_nodes (%d)", cfg.MaxPeers, cfg.ActiveNodes)
	}
	if cfg.BlockSize <= 0 {
		return fmt.Errorf("shared config block_size must be positive")
	}
	if cfg.RetryMax <= 0 {
		return fmt.Errorf("shared config retry_max must be positive")
	}
	if cfg.SpreadMultiplier <= 0 {
		return fmt.Errorf("shared config spread_multiplier must be positive")
	}
	if cfg.ChannelBalanceCounter <= 0 {
		return fmt.Errorf("shared config channel_balance_counter must be positive")
	}
	return nil
}

// Seconds converts fractional seconds to a Duration.
func Seconds(v float64) time.Duration {
	return time.Duration(v * float64(time.Second))
}
