package main

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/LN-Testbed/DSN2026/internal/agent"
	"github.com/LN-Testbed/DSN2026/internal/config"
)

type relayConfig struct {
	Service agent.ServiceConfig
}

// fileConfig holds the relayctl-only keys of the agent file.
type fileConfig struct {
	CorsOrigins []string `toml:"cors_origins"`
}

func loadRelayConfig(sharedPath, agentPath string) (relayConfig, error) {
	shared, err := config.LoadShared(sharedPath)
	if err != nil {
		return relayConfig{}, err
	}
	agentCfg, err := config.LoadAgent(agentPath)
	if err != nil {
		return relayConfig{}, err
	}
	if agentCfg.RendezvousAddress == "" {
		return relayConfig{}, fmt.Errorf("relay config missing rendezvous_address")
	}

	cfg := relayConfig{Service: agent.ServiceConfig{
		Role:   agent.RoleRelay,
		Shared: shared,
		Agent:  agentCfg,
	}}

	var raw fileConfig
	meta, err := toml.DecodeFile(agentPath, &raw)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return relayConfig{}, fmt.Errorf("load relay config: %w", err)
	case meta.IsDefined("cors_origins"):
		cfg.Service.CorsOrigins = normalizeOrigins(raw.CorsOrigins)
	}
	return cfg, nil
}

func normalizeOrigins(in []string) []string {
	out := make([]string, 0, len(in))
	for _, origin := range in {
		v := strings.TrimSpace(origin)
		if v == "" {
			continue
		}
		out = append(out, v)
	}
	return out
}
