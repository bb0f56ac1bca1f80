package main

import (
	"fmt"

	"github.com/LN-Testbed/DSN2026/internal/config"
)

func defaultPath(kind string) (string, error) {
	switch kind {
	case config.KindShared:
		return "shared.toml", nil
	case config.KindController:
		return "cmd/controllerctl/controller.toml", nil
	case config.KindRelay:
		return "cmd/relayctl/relay.toml", nil
	default:
		return "", fmt.Errorf("unknown kind: %s", kind)
	}
}
