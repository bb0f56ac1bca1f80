package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

const (
	KindShared     = "shared"
	KindController = "controller"
	KindRelay      = "relay"
)

// Template renders the default configuration for kind. blockSize overrides
// the shared block_size when positive.
func Template(kind string, blockSize int) (string, error) {
	var doc any
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case KindShared:
		doc = sharedTemplate(blockSize)
	case KindController, KindRelay:
		doc = agentTemplate(strings.ToLower(strings.TrimSpace(kind)))
	default:
		return "", fmt.Errorf("unknown config kind: %s", kind)
	}
	out, err := toml.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("render %s template: %w", kind, err)
	}
	return string(out), nil
}

func WriteTemplate(path, kind string, blockSize int, overwrite bool) error {
	template, err := Template(kind, blockSize)
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(template), 0o600)
}

// Validate loads path as kind and reports the first problem found.
func Validate(path, kind string) error {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case KindShared:
		_, err := LoadShared(path)
		return err
	case KindController, KindRelay:
		if _, err := os.Stat(path); err != nil {
			return fmt.Errorf("agent config: %w", err)
		}
		_, err := LoadAgent(path)
		return err
	default:
		return fmt.Errorf("unknown config kind: %s", kind)
	}
}

func sharedTemplate(blockSize int) sharedFile {
	cfg := DefaultShared()
	if blockSize > 0 {
		cfg.BlockSize = blockSize
	}
	return sharedFile{
		DiscoveryRule:         cfg.DiscoveryRule,
		BotmasterRule:         cfg.BotmasterRule,
		BlockSize:             cfg.BlockSize,
		ActiveNodes:           cfg.ActiveNodes,
		MaxPeers:              cfg.MaxPeers,
		ChannelCreationSleep:  cfg.ChannelCreationSleep.Seconds(),
		StatusUpdateInterval:  cfg.StatusUpdateInterval.Seconds(),
		ChannelBalanceCounter: cfg.ChannelBalanceCounter,
		SpreadMultiplier:      cfg.SpreadMultiplier,
		ChannelTimeout:        cfg.ChannelTimeout.Seconds(),
		RetryMax:              cfg.RetryMax,
		RetryInterval:         cfg.RetryInterval.Seconds(),
		CandidateBackoff:      cfg.CandidateBackoff.Seconds(),
	}
}

func agentTemplate(kind string) agentFile {
	cfg := DefaultAgent()
	name := cfg.Name
	if name == "" {
		name = kind + "-1"
		if kind == KindController {
			name = "botmaster"
		}
	}
	return agentFile{
		Name:              name,
		StateDir:          cfg.StateDir,
		DirectoryFile:     cfg.DirectoryFile,
		RendezvousAddress: "<rendezvous-id>@lnd-rendezvous:9735",
		LightningCLI:      cfg.LightningCLI,
		LightningArgs:     cfg.LightningArgs,
		BitcoinCLI:        cfg.BitcoinCLI,
		BitcoinArgs:       cfg.BitcoinArgs,
		StatusStore:       cfg.StatusStore,
		StatusDir:         cfg.StatusDir,
		StatusListen:      "127.0.0.1:7080",
	}
}
