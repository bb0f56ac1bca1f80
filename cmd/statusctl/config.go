package main

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/LN-Testbed/DSN2026/internal/config"
	"github.com/LN-Testbed/DSN2026/internal/telemetry"
)

type statusConfig struct {
	Listen      string
	Store       string
	Dir         string
	BlockSize   int
	CorsOrigins []string
}

type fileConfig struct {
	Listen      string   `toml:"listen"`
	StatusStore string   `toml:"status_store"`
	StatusDir   string   `toml:"status_dir"`
	CorsOrigins []string `toml:"cors_origins"`
}

// loadStatusConfig reads the aggregator config. The block size always
// comes from the shared config so readers and writers agree on it.
func loadStatusConfig(path, sharedPath string) (statusConfig, error) {
	shared, err := config.LoadShared(sharedPath)
	if err != nil {
		return statusConfig{}, err
	}
	cfg := statusConfig{
		Listen:    "127.0.0.1:7090",
		Store:     config.StatusStoreShm,
		Dir:       telemetry.DefaultShmDir,
		BlockSize: shared.BlockSize,
	}

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return cfg, nil
	case err != nil:
		return statusConfig{}, fmt.Errorf("load statusctl config: %w", err)
	}

	if meta.IsDefined("listen") {
		cfg.Listen = strings.TrimSpace(raw.Listen)
	}
	if meta.IsDefined("status_store") {
		cfg.Store = strings.TrimSpace(raw.StatusStore)
	}
	if meta.IsDefined("status_dir") {
		cfg.Dir = strings.TrimSpace(raw.StatusDir)
	}
	if meta.IsDefined("cors_origins") {
		for _, origin := range raw.CorsOrigins {
			if v := strings.TrimSpace(origin); v != "" {
				cfg.CorsOrigins = append(cfg.CorsOrigins, v)
			}
		}
	}

	switch cfg.Store {
	case config.StatusStoreShm, config.StatusStoreFile:
	default:
		return statusConfig{}, fmt.Errorf("statusctl config status_store must be %q or %q, got %q", config.StatusStoreShm, config.StatusStoreFile, cfg.Store)
	}
	if cfg.Listen == "" {
		return statusConfig{}, fmt.Errorf("statusctl config listen must not be empty")
	}
	return cfg, nil
}
