package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/LN-Testbed/DSN2026/internal/agent"
	"github.com/LN-Testbed/DSN2026/internal/ledger"
	"github.com/LN-Testbed/DSN2026/internal/observability"
	"github.com/LN-Testbed/DSN2026/internal/telemetry"
	"github.com/LN-Testbed/DSN2026/internal/tools"
)

func main() {
	agentPath := flag.String("config", "relay.toml", "relay config path")
	sharedPath := flag.String("shared", "shared.toml", "shared config path")
	listen := flag.String("status-listen", "", "serve status snapshots on this address")
	flag.Parse()

	if err := run(*sharedPath, *agentPath, *listen); err != nil {
		fmt.Fprintf(os.Stderr, "relayctl: %v\n", err)
		os.Exit(1)
	}
}

func run(sharedPath, agentPath, listen string) error {
	cfg, err := loadRelayConfig(sharedPath, agentPath)
	if err != nil {
		return err
	}
	if listen != "" {
		cfg.Service.Agent.StatusListen = listen
	}

	logger := observability.InitLogger(agent.RoleRelay, cfg.Service.Agent.Name)
	store, err := telemetry.OpenStore(cfg.Service.Agent.StatusStore, cfg.Service.Agent.StatusDir, cfg.Service.Shared.BlockSize)
	if err != nil {
		return err
	}
	client := ledger.NewCLIClient(ledger.CLIConfig{
		LightningCLI:  cfg.Service.Agent.LightningCLI,
		LightningArgs: cfg.Service.Agent.LightningArgs,
		BitcoinCLI:    cfg.Service.Agent.BitcoinCLI,
		BitcoinArgs:   cfg.Service.Agent.BitcoinArgs,
	}, tools.ExecRunner{}, logger)

	return agent.NewService(cfg.Service, client, store, logger).Run()
}
