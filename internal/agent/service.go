package agent

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"strings"
	"syscall"

	"github.com/LN-Testbed/DSN2026/internal/config"
	"github.com/LN-Testbed/DSN2026/internal/ledger"
	"github.com/LN-Testbed/DSN2026/internal/telemetry"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

type ServiceConfig struct {
	Role       string
	Shared     config.Shared
	Agent      config.Agent
	Controller ControllerOptions
	// CorsOrigins feeds the status endpoint when Agent.StatusListen is set.
	CorsOrigins []string
}

// Service runs one agent role next to its optional status endpoint.
type Service struct {
	cfg    ServiceConfig
	client ledger.Client
	store  telemetry.Store
	logger zerolog.Logger
}

func NewService(cfg ServiceConfig, client ledger.Client, store telemetry.Store, logger zerolog.Logger) *Service {
	return &Service{cfg: cfg, client: client, store: store, logger: logger}
}

// Run blocks until the role finishes or the process is signalled.
func (s *Service) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return s.RunContext(ctx)
}

// RunContext builds the session and drives the role state machine. The
// status endpoint stops when the role returns.
func (s *Service) RunContext(ctx context.Context) error {
	switch s.cfg.Role {
	case RoleController, RoleRelay:
	default:
		return fmt.Errorf("%w: unknown role %q", ledger.ErrFatalConfig, s.cfg.Role)
	}

	sess, err := NewSession(ctx, s.cfg.Role, s.cfg.Shared, s.cfg.Agent, s.client, s.store, s.logger)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	runCtx, cancel := context.WithCancel(gctx)
	defer cancel()

	if addr := strings.TrimSpace(s.cfg.Agent.StatusListen); addr != "" {
		router := telemetry.Router(telemetry.RouterConfig{
			Node:        s.cfg.Agent.Name,
			CorsOrigins: s.cfg.CorsOrigins,
		}, s.store, telemetry.NewBuffer(s.cfg.Shared.BlockSize), sess.Logger)
		g.Go(func() error {
			return telemetry.Serve(runCtx, addr, router, sess.Logger)
		})
	}

	g.Go(func() error {
		defer cancel()
		return s.runRole(runCtx, sess)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (s *Service) runRole(ctx context.Context, sess *Session) error {
	if s.cfg.Role == RoleController {
		return NewController(sess, s.cfg.Controller).Run(ctx)
	}
	err := NewRelay(sess).Run(ctx)
	if errors.Is(err, ErrSaturated) {
		sess.Logger.Warn().Msg("peer ceiling reached before start, exiting")
		return nil
	}
	return err
}
