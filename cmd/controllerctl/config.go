package main

import (
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/LN-Testbed/DSN2026/internal/agent"
	"github.com/LN-Testbed/DSN2026/internal/config"
)

type cliFlags struct {
	AgentPath   string
	SharedPath  string
	Message     string
	NumChannels int
	EntryPoint  int
	Fresh       bool
}

// parseFlags reads the command line. Without --msg the controller runs
// interactively.
func parseFlags(args []string) (cliFlags, error) {
	var f cliFlags
	set := flag.NewFlagSet("controllerctl", flag.ContinueOnError)
	set.StringVar(&f.AgentPath, "config", "controller.toml", "controller config path")
	set.StringVar(&f.SharedPath, "shared", "shared.toml", "shared config path")
	set.StringVar(&f.Message, "msg", "", "send one command and exit")
	set.IntVar(&f.NumChannels, "cc", 1, "number of relay channels to fund")
	set.IntVar(&f.EntryPoint, "init", -1, "entry point percentile; negative is random, above 100 spreads")
	set.BoolVar(&f.Fresh, "fresh", false, "reset the counter and close funded channels when done")
	if err := set.Parse(args); err != nil {
		return cliFlags{}, err
	}
	if f.NumChannels <= 0 {
		return cliFlags{}, fmt.Errorf("--cc must be positive, got %d", f.NumChannels)
	}
	f.Message = strings.TrimSpace(f.Message)
	return f, nil
}

// fileConfig holds the controllerctl-only keys of the agent file.
type fileConfig struct {
	SendSweepInterval float64  `toml:"send_sweep_interval"`
	CorsOrigins       []string `toml:"cors_origins"`
}

func loadControllerConfig(f cliFlags) (agent.ServiceConfig, error) {
	shared, err := config.LoadShared(f.SharedPath)
	if err != nil {
		return agent.ServiceConfig{}, err
	}
	agentCfg, err := config.LoadAgent(f.AgentPath)
	if err != nil {
		return agent.ServiceConfig{}, err
	}
	if agentCfg.RendezvousAddress == "" {
		return agent.ServiceConfig{}, fmt.Errorf("controller config missing rendezvous_address")
	}

	cfg := agent.ServiceConfig{
		Role:   agent.RoleController,
		Shared: shared,
		Agent:  agentCfg,
		Controller: agent.ControllerOptions{
			NumChannels: f.NumChannels,
			EntryPoint:  f.EntryPoint,
			Message:     f.Message,
			Interactive: f.Message == "",
			Fresh:       f.Fresh,
		},
	}

	var raw fileConfig
	meta, err := toml.DecodeFile(f.AgentPath, &raw)
	if errors.Is(err, fs.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return agent.ServiceConfig{}, fmt.Errorf("load controller config: %w", err)
	}
	if meta.IsDefined("send_sweep_interval") {
		if raw.SendSweepInterval < 0 {
			return agent.ServiceConfig{}, fmt.Errorf("parse send_sweep_interval: negative duration %v", raw.SendSweepInterval)
		}
		cfg.Controller.SendSweepInterval = time.Duration(raw.SendSweepInterval * float64(time.Second))
	}
	if meta.IsDefined("cors_origins") {
		for _, origin := range raw.CorsOrigins {
			if v := strings.TrimSpace(origin); v != "" {
				cfg.CorsOrigins = append(cfg.CorsOrigins, v)
			}
		}
	}
	return cfg, nil
}
