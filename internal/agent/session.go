// Package agent runs the two agent roles of a testbed run. A Session wires
// one agent's ledger client to its discovery, channel, propagation and
// telemetry components; Controller and Relay drive a Session through their
// state machines.
package agent

import (
	"context"
	"errors"
	"fmt"

	"github.com/LN-Testbed/DSN2026/internal/channels"
	"github.com/LN-Testbed/DSN2026/internal/config"
	"github.com/LN-Testbed/DSN2026/internal/discovery"
	"github.com/LN-Testbed/DSN2026/internal/ledger"
	"github.com/LN-Testbed/DSN2026/internal/propagation"
	"github.com/LN-Testbed/DSN2026/internal/retry"
	"github.com/LN-Testbed/DSN2026/internal/telemetry"
	"github.com/rs/zerolog"
)

const (
	RoleController = "controller"
	RoleRelay      = "relay"

	fundedPeersFile  = "funded_nodes.txt"
	counterFile      = "counter.txt"
	payIndexSuffix   = "_pay_index"
	relayStateSuffix = "_relay_state.json"
)

var (
	// ErrFundingTarget is returned when the controller could not fund the
	// requested number of channels.
	ErrFundingTarget = errors.New("agent: funding target not reached")
	// ErrSaturated is returned when a relay starts with its peer ceiling
	// already reached.
	ErrSaturated = errors.New("agent: peer ceiling reached at start")
)

// Identity is the node an agent drives.
type Identity struct {
	ID      string
	ShortID string
	Address string
}

// Session holds everything one agent process owns.
type Session struct {
	Role     string
	Name     string
	Identity Identity
	Shared   config.Shared
	Agent    config.Agent
	Rule     discovery.Rule

	Client      ledger.Client
	Discovery   *discovery.Engine
	Channels    *channels.Manager
	Propagation *propagation.Protocol
	Telemetry   *telemetry.Publisher
	Funded      *channels.FundedPeerStore
	Counter     *propagation.CounterStore
	Journal     *propagation.JournalStore

	Logger zerolog.Logger
}

// NewSession resolves the node identity and builds the agent components.
func NewSession(ctx context.Context, role string, shared config.Shared, agentCfg config.Agent, client ledger.Client, store telemetry.Store, logger zerolog.Logger) (*Session, error) {
	if client == nil {
		return nil, fmt.Errorf("%w: ledger client is nil", ledger.ErrFatalConfig)
	}
	if store == nil {
		return nil, fmt.Errorf("%w: status store is nil", ledger.ErrFatalConfig)
	}
	logger = logger.With().Str("role", role).Str("agent", agentCfg.Name).Logger()

	var info ledger.NodeInfo
	err := retry.Do(ctx, retry.Bounded(shared.RetryMax, shared.RetryInterval), func(attempt int) error {
		var err error
		info, err = client.GetInfo(ctx)
		if err != nil {
			logger.Warn().Err(err).Int("attempt", attempt).Msg("getinfo failed")
		}
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("resolve node identity: %w", err)
	}

	s := &Session{
		Role:   role,
		Name:   agentCfg.Name,
		Shared: shared,
		Agent:  agentCfg,
		Rule:   discovery.Rule{DiscoveryDivisor: shared.DiscoveryRule, ControllerDivisor: shared.BotmasterRule},
		Client: client,
		Identity: Identity{
			ID:      info.ID,
			ShortID: ledger.ShortID(info.ID),
		},
	}
	s.Logger = logger.With().Str("node", s.Identity.ShortID).Logger()

	s.Discovery = discovery.NewEngine(discovery.EngineConfig{
		Rule:             s.Rule,
		DirectoryPath:    agentCfg.DirectoryPath(),
		Exclude:          []string{info.ID, agentCfg.RendezvousID},
		CandidateBackoff: shared.CandidateBackoff,
		LogEvery:         6,
	}, client, s.Logger)
	if dir, err := s.Discovery.Directory(); err == nil {
		if entry, ok := dir.Lookup(agentCfg.Name); ok && entry.PeerID == info.ID {
			s.Identity.Address = entry.Address
		}
	}

	activeAttempts := 1
	if shared.RetryInterval > 0 {
		activeAttempts = int(shared.ChannelTimeout / shared.RetryInterval)
	}
	if activeAttempts < 1 {
		activeAttempts = 1
	}
	s.Channels = channels.NewManager(channels.Config{
		Node:           agentCfg.Name,
		MaxActiveNodes: shared.ActiveNodes,
		MaxPeers:       shared.MaxPeers,
		RendezvousID:   agentCfg.RendezvousID,
		ChannelTimeout: shared.ChannelTimeout,
		RetryMax:       shared.RetryMax,
		RetryInterval:  shared.RetryInterval,
		FundsAttempts:  5,
		FundsInterval:  2 * shared.RetryInterval,
		ActiveAttempts: activeAttempts,
		ActiveInterval: shared.RetryInterval,
	}, client, peerConnector{s: s}, s.Logger)

	index := propagation.NewIndexStore(agentCfg.StatePath(agentCfg.Name+payIndexSuffix), s.Logger)
	s.Propagation = propagation.NewProtocol(propagation.Config{
		Node:          agentCfg.Name,
		RetryMax:      shared.RetryMax,
		RetryInterval: shared.RetryInterval,
	}, client, s.Channels, index, s.Logger)

	s.Funded = channels.NewFundedPeerStore(agentCfg.StatePath(fundedPeersFile), s.Logger)
	s.Counter = propagation.NewCounterStore(agentCfg.StatePath(counterFile), s.Logger)
	s.Journal = propagation.NewJournalStore(agentCfg.StatePath(agentCfg.Name+relayStateSuffix), s.Logger)
	s.Telemetry = telemetry.NewPublisher(agentCfg.Name, info.ID, telemetry.NewBuffer(shared.BlockSize), store, s.Logger)

	s.Logger.Info().
		Str("rendezvous", ledger.ShortID(agentCfg.RendezvousID)).
		Int("active_nodes", shared.ActiveNodes).
		Int("max_peers", shared.MaxPeers).
		Msg("session ready")
	return s, nil
}

// peerConnector connects to the rendezvous node by its configured address
// and to everyone else through the address directory.
type peerConnector struct {
	s *Session
}

func (c peerConnector) Connect(ctx context.Context, peerID string) error {
	if peerID == c.s.Agent.RendezvousID && c.s.Agent.RendezvousAddress != "" {
		return c.s.Client.Connect(ctx, c.s.Agent.RendezvousAddress)
	}
	return c.s.Discovery.Connect(ctx, peerID)
}

// ConnectRendezvous opens the peer connection to the rendezvous node so
// its channel gossip becomes visible.
func (s *Session) ConnectRendezvous(ctx context.Context) error {
	addr := s.Agent.RendezvousAddress
	if addr == "" {
		return fmt.Errorf("%w: rendezvous address not configured", ledger.ErrFatalConfig)
	}
	policy := retry.Exponential(s.Shared.RetryMax, s.Shared.RetryInterval, s.Shared.ChannelTimeout)
	err := retry.Do(ctx, policy, func(attempt int) error {
		err := s.Client.Connect(ctx, addr)
		if err != nil {
			s.Logger.Warn().Err(err).Int("attempt", attempt).Msg("rendezvous connect failed")
		}
		return err
	})
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return ledger.PeerFailed("connect", s.Agent.RendezvousID, s.Shared.RetryMax, err)
	}
	s.Logger.Info().Str("rendezvous", ledger.ShortID(s.Agent.RendezvousID)).Msg("connected to rendezvous")
	return nil
}
