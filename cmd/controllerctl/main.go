package main

import (
	"fmt"
	"os"

	"github.com/LN-Testbed/DSN2026/internal/agent"
	"github.com/LN-Testbed/DSN2026/internal/ledger"
	"github.com/LN-Testbed/DSN2026/internal/observability"
	"github.com/LN-Testbed/DSN2026/internal/telemetry"
	"github.com/LN-Testbed/DSN2026/internal/tools"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "controllerctl: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	flags, err := parseFlags(args)
	if err != nil {
		return err
	}
	cfg, err := loadControllerConfig(flags)
	if err != nil {
		return err
	}
	cfg.Controller.In = os.Stdin
	cfg.Controller.Out = os.Stdout

	logger := observability.InitLogger(agent.RoleController, cfg.Agent.Name)
	store, err := telemetry.OpenStore(cfg.Agent.StatusStore, cfg.Agent.StatusDir, cfg.Shared.BlockSize)
	if err != nil {
		return err
	}
	client := ledger.NewCLIClient(ledger.CLIConfig{
		LightningCLI:  cfg.Agent.LightningCLI,
		LightningArgs: cfg.Agent.LightningArgs,
		BitcoinCLI:    cfg.Agent.BitcoinCLI,
		BitcoinArgs:   cfg.Agent.BitcoinArgs,
	}, tools.ExecRunner{}, logger)

	return agent.NewService(cfg, client, store, logger).Run()
}
