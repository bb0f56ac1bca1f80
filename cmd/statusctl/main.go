package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"text/tabwriter"

	"github.com/LN-Testbed/DSN2026/internal/observability"
	"github.com/LN-Testbed/DSN2026/internal/telemetry"
)

func main() {
	configPath := flag.String("config", "statusctl.toml", "statusctl config path")
	sharedPath := flag.String("shared", "shared.toml", "shared config path")
	dump := flag.Bool("dump", false, "print every snapshot once and exit")
	flag.Parse()

	if err := run(*configPath, *sharedPath, *dump); err != nil {
		fmt.Fprintf(os.Stderr, "statusctl: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath, sharedPath string, dump bool) error {
	cfg, err := loadStatusConfig(configPath, sharedPath)
	if err != nil {
		return err
	}
	store, err := telemetry.OpenStore(cfg.Store, cfg.Dir, cfg.BlockSize)
	if err != nil {
		return err
	}
	buf := telemetry.NewBuffer(cfg.BlockSize)

	if dump {
		all, err := telemetry.ReadAll(store, buf)
		if err != nil {
			return err
		}
		return printSummary(os.Stdout, all)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	logger := observability.InitLogger("statusctl", "")
	router := telemetry.Router(telemetry.RouterConfig{Node: "statusctl", CorsOrigins: cfg.CorsOrigins}, store, buf, logger)
	return telemetry.Serve(ctx, cfg.Listen, router, logger)
}

// printSummary writes one row per agent, sorted by name.
func printSummary(w io.Writer, all map[string]telemetry.Status) error {
	names := make([]string, 0, len(all))
	for name := range all {
		names = append(names, name)
	}
	sort.Strings(names)

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "AGENT\tNODE\tSTATE\tCOUNTER\tMESSAGE\tCHANNELS\tRECEIVER")
	for _, name := range names {
		s := all[name]
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%d\t%s\n", name, s.ShortID, s.State, s.Counter, s.Message, len(s.Channels), s.Receiver)
	}
	return tw.Flush()
}
