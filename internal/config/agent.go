package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

const (
	StatusStoreShm  = "shm"
	StatusStoreFile = "file"
)

// Agent is the per-process configuration of a controller or relay.
type Agent struct {
	Name              string
	StateDir          string
	DirectoryFile     string
	RendezvousID      string
	RendezvousAddress string
	LightningCLI      string
	LightningArgs     []string
	BitcoinCLI        string
	BitcoinArgs       []string
	StatusStore       string
	StatusDir         string
	StatusListen      string
}

func DefaultAgent() Agent {
	return Agent{
		Name:          strings.TrimSpace(os.Getenv("CONTAINER_NAME")),
		StateDir:      ".",
		DirectoryFile: "ln_addresses.txt",
		LightningCLI:  "lightning-cli",
		LightningArgs: []string{"--regtest"},
		BitcoinCLI:    "bitcoin-cli",
		BitcoinArgs:   []string{"-regtest"},
		StatusStore:   StatusStoreShm,
		StatusDir:     "/dev/shm",
	}
}

type agentFile struct {
	Name              string   `toml:"name"`
	StateDir          string   `toml:"state_dir"`
	DirectoryFile     string   `toml:"directory_file"`
	RendezvousID      string   `toml:"rendezvous_id"`
	RendezvousAddress string   `toml:"rendezvous_address"`
	LightningCLI      string   `toml:"lightning_cli"`
	LightningArgs     []string `toml:"lightning_args"`
	BitcoinCLI        string   `toml:"bitcoin_cli"`
	BitcoinArgs       []string `toml:"bitcoin_args"`
	StatusStore       string   `toml:"status_store"`
	StatusDir         string   `toml:"status_dir"`
	StatusListen      string   `toml:"status_listen"`
}

// LoadAgent reads an agent configuration file. An empty path or missing
// file yields the defaults.
func LoadAgent(path string) (Agent, error) {
	cfg := DefaultAgent()
	path = strings.TrimSpace(path)
	if path != "" {
		var raw agentFile
		meta, err := toml.DecodeFile(path, &raw)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return Agent{}, fmt.Errorf("load agent config: %w", err)
		default:
			applyAgentFile(&cfg, raw, meta)
		}
	}

	if cfg.RendezvousID == "" && cfg.RendezvousAddress != "" {
		cfg.RendezvousID, _, _ = strings.Cut(cfg.RendezvousAddress, "@")
	}
	if err := ValidateAgent(cfg); err != nil {
		return Agent{}, err
	}
	return cfg, nil
}

func applyAgentFile(cfg *Agent, raw agentFile, meta toml.MetaData) {
	strs := []struct {
		key string
		val string
		dst *string
	}{
		{"name", raw.Name, &cfg.Name},
		{"state_dir", raw.StateDir, &cfg.StateDir},
		{"directory_file", raw.DirectoryFile, &cfg.DirectoryFile},
		{"rendezvous_id", raw.RendezvousID, &cfg.RendezvousID},
		{"rendezvous_address", raw.RendezvousAddress, &cfg.RendezvousAddress},
		{"lightning_cli", raw.LightningCLI, &cfg.LightningCLI},
		{"bitcoin_cli", raw.BitcoinCLI, &cfg.BitcoinCLI},
		{"status_store", raw.StatusStore, &cfg.StatusStore},
		{"status_dir", raw.StatusDir, &cfg.StatusDir},
		{"status_listen", raw.StatusListen, &cfg.StatusListen},
	}
	for _, s := range strs {
		if !meta.IsDefined(s.key) {
			continue
		}
		v := strings.TrimSpace(s.val)
		// An empty name keeps the CONTAINER_NAME fallback.
		if s.key == "name" && v == "" {
			continue
		}
		*s.dst = v
	}
	if meta.IsDefined("lightning_args") {
		cfg.LightningArgs = normalizeArgs(raw.LightningArgs)
	}
	if meta.IsDefined("bitcoin_args") {
		cfg.BitcoinArgs = normalizeArgs(raw.BitcoinArgs)
	}
}

func ValidateAgent(cfg Agent) error {
	if cfg.Name == "" {
		return fmt.Errorf("agent config missing name (set name or CONTAINER_NAME)")
	}
	if cfg.LightningCLI == "" {
		return fmt.Errorf("agent config missing lightning_cli")
	}
	switch cfg.StatusStore {
	case StatusStoreShm, StatusStoreFile:
	default:
		return fmt.Errorf("agent config status_store must be %q or %q, got %q", StatusStoreShm, StatusStoreFile, cfg.StatusStore)
	}
	return nil
}

// StatePath resolves a state file name inside StateDir.
func (a Agent) StatePath(name string) string {
	return filepath.Join(a.StateDir, name)
}

// DirectoryPath resolves DirectoryFile relative to StateDir.
func (a Agent) DirectoryPath() string {
	if filepath.IsAbs(a.DirectoryFile) {
		return a.DirectoryFile
	}
	return filepath.Join(a.StateDir, a.DirectoryFile)
}

func normalizeArgs(in []string) []string {
	out := make([]string, 0, len(in))
	for _, arg := range in {
		v := strings.TrimSpace(arg)
		if v == "" {
			continue
		}
		out = append(out, v)
	}
	return out
}
