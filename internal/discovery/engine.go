package discovery

import (
	"context"
	"fmt"
	"time"

	"github.com/LN-Testbed/DSN2026/internal/ledger"
	"github.com/LN-Testbed/DSN2026/internal/retry"
	"github.com/rs/zerolog"
)

type EngineConfig struct {
	Rule          Rule
	DirectoryPath string
	// Exclude lists peer ids never returned as candidates (self, the
	// rendezvous node, the controller).
	Exclude []string
	// CandidateBackoff is the fixed wait between empty discovery rounds.
	CandidateBackoff time.Duration
	// LogEvery throttles the "no eligible candidates" log to every Nth round.
	LogEvery int
}

// Engine is the discovery layer shared by the controller and relays.
type Engine struct {
	cfg     EngineConfig
	client  ledger.Client
	logger  zerolog.Logger
	exclude map[string]struct{}
}

func NewEngine(cfg EngineConfig, client ledger.Client, logger zerolog.Logger) *Engine {
	if cfg.LogEvery <= 0 {
		cfg.LogEvery = 1
	}
	exclude := make(map[string]struct{}, len(cfg.Exclude))
	for _, id := range cfg.Exclude {
		if id != "" {
			exclude[id] = struct{}{}
		}
	}
	return &Engine{
		cfg:     cfg,
		client:  client,
		logger:  logger.With().Str("component", "discovery").Logger(),
		exclude: exclude,
	}
}

func (e *Engine) Rule() Rule { return e.cfg.Rule }

// Directory reloads the address directory. Agents append themselves to it
// while a run starts, so it is read fresh on every call.
func (e *Engine) Directory() (*Directory, error) {
	return LoadDirectory(e.cfg.DirectoryPath, e.logger)
}

// DirectoryCandidates returns directory peers in directory order, minus the
// engine's exclusion set.
func (e *Engine) DirectoryCandidates(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dir, err := e.Directory()
	if err != nil {
		return nil, err
	}
	out := make([]string, 0)
	for _, id := range dir.PeerIDs() {
		if _, skip := e.exclude[id]; skip {
			continue
		}
		out = append(out, id)
	}
	return out, nil
}

// AnchoredCandidates returns the destinations of marked gossip channels
// whose source is the rendezvous node.
func (e *Engine) AnchoredCandidates(ctx context.Context, rendezvousID string, exclude map[string]struct{}) ([]string, error) {
	gossip, err := e.client.ListChannels(ctx, rendezvousID)
	if err != nil {
		return nil, fmt.Errorf("list rendezvous channels: %w", err)
	}
	seen := make(map[string]struct{})
	out := make([]string, 0)
	for _, ch := range gossip {
		if ch.Source != rendezvousID || ch.Destination == rendezvousID {
			continue
		}
		if !e.cfg.Rule.Evaluate(MsatToSat(ch.AmountMsat)) {
			continue
		}
		if _, skip := e.exclude[ch.Destination]; skip {
			continue
		}
		if _, skip := exclude[ch.Destination]; skip {
			continue
		}
		if _, dup := seen[ch.Destination]; dup {
			continue
		}
		seen[ch.Destination] = struct{}{}
		out = append(out, ch.Destination)
	}
	return out, nil
}

// WaitForCandidates calls fetch until it returns at least one candidate.
// Only ctx bounds the wait.
func (e *Engine) WaitForCandidates(ctx context.Context, fetch func(context.Context) ([]string, error)) ([]string, error) {
	var found []string
	err := retry.Poll(ctx, retry.Forever(e.cfg.CandidateBackoff), func(attempt int) (bool, error) {
		candidates, err := fetch(ctx)
		if err != nil {
			e.logger.Warn().Err(err).Int("attempt", attempt).Msg("candidate discovery failed")
			return false, nil
		}
		if len(candidates) > 0 {
			found = candidates
			return true, nil
		}
		if attempt%e.cfg.LogEvery == 0 || attempt == 1 {
			e.logger.Info().Int("attempt", attempt).Dur("backoff", e.cfg.CandidateBackoff).Msg("no eligible candidates yet")
		}
		return false, nil
	})
	if err != nil {
		return nil, err
	}
	return found, nil
}

// Connect resolves peerID through the directory and connects to it.
func (e *Engine) Connect(ctx context.Context, peerID string) error {
	dir, err := e.Directory()
	if err != nil {
		return err
	}
	addr, ok := dir.AddressOf(peerID)
	if !ok {
		return &ledger.OpError{Op: "connect", Peer: peerID, Err: fmt.Errorf("%w: %s not in directory", ledger.ErrTransient, ledger.ShortID(peerID))}
	}
	if err := e.client.Connect(ctx, addr); err != nil {
		return err
	}
	e.logger.Debug().Str("peer", ledger.ShortID(peerID)).Msg("connected")
	return nil
}
