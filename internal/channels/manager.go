// Package channels drives the lifecycle of an agent's payment channels:
// connect and fund, wait for NORMAL, force-close channels stuck opening,
// keep liquidity roughly balanced and track saturation limits.
package channels

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/LN-Testbed/DSN2026/internal/ledger"
	"github.com/LN-Testbed/DSN2026/internal/observability"
	"github.com/LN-Testbed/DSN2026/internal/retry"
	"github.com/rs/zerolog"
)

var (
	ErrFundsUnavailable = errors.New("channels: no confirmed funds available")
	ErrChannelNotActive = errors.New("channels: channel did not reach NORMAL")
)

// Connector opens a peer connection by peer id.
type Connector interface {
	Connect(ctx context.Context, peerID string) error
}

type Config struct {
	Node           string
	MaxActiveNodes int
	MaxPeers       int
	RendezvousID   string
	ChannelTimeout time.Duration
	RetryMax       int
	RetryInterval  time.Duration
	FundsAttempts  int
	FundsInterval  time.Duration
	ActiveAttempts int
	ActiveInterval time.Duration
}

// DefaultConfig mirrors the shared configuration defaults.
func DefaultConfig() Config {
	return Config{
		MaxActiveNodes: 2,
		MaxPeers:       4,
		ChannelTimeout: 60 * time.Second,
		RetryMax:       3,
		RetryInterval:  5 * time.Second,
		FundsAttempts:  5,
		FundsInterval:  10 * time.Second,
		ActiveAttempts: 12,
		ActiveInterval: 5 * time.Second,
	}
}

// HealthReport lists what one PollHealth pass changed, by peer id.
type HealthReport struct {
	Activated   []string
	Vanished    []string
	ForceClosed []string
	Adopted     []string
	Pending     int
}

// Manager owns the channel table of one agent. It is safe for concurrent
// use, although agents drive it from a single control loop.
type Manager struct {
	mu        sync.Mutex
	cfg       Config
	client    ledger.Client
	connector Connector
	logger    zerolog.Logger
	now       func() time.Time

	pending  map[string]time.Time
	live     map[string]ledger.Channel
	outbound map[string]struct{}
}

func NewManager(cfg Config, client ledger.Client, connector Connector, logger zerolog.Logger) *Manager {
	if cfg.RetryMax <= 0 {
		cfg.RetryMax = 1
	}
	if cfg.MaxPeers <= 0 {
		cfg.MaxPeers = 2 * cfg.MaxActiveNodes
	}
	return &Manager{
		cfg:       cfg,
		client:    client,
		connector: connector,
		logger:    logger.With().Str("component", "channels").Logger(),
		now:       time.Now,
		pending:   make(map[string]time.Time),
		live:      make(map[string]ledger.Channel),
		outbound:  make(map[string]struct{}),
	}
}

// SetClock replaces the time source.
func (m *Manager) SetClock(now func() time.Time) {
	m.mu.Lock()
	m.now = now
	m.mu.Unlock()
}

func (m *Manager) retryPolicy() retry.Policy {
	return retry.Bounded(m.cfg.RetryMax, m.cfg.RetryInterval)
}

func (m *Manager) record(event string) {
	observability.RecordChannelEvent(m.cfg.Node, event)
}

// Channels refreshes and returns the live table sorted by peer id.
func (m *Manager) Channels(ctx context.Context) ([]ledger.Channel, error) {
	funds, err := m.client.ListFunds(ctx)
	if err != nil {
		return nil, fmt.Errorf("list funds: %w", err)
	}
	table := make(map[string]ledger.Channel, len(funds.Channels))
	for _, ch := range funds.Channels {
		if prev, ok := table[ch.PeerID]; ok && prev.State.Live() && !ch.State.Live() {
			continue
		}
		table[ch.PeerID] = ch
	}

	m.mu.Lock()
	for peer, ch := range table {
		if opened, ok := m.pending[peer]; ok {
			ch.OpenedAt = opened
			table[peer] = ch
		}
	}
	m.live = table
	m.mu.Unlock()

	out := make([]ledger.Channel, 0, len(table))
	for _, ch := range table {
		out = append(out, ch)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PeerID < out[j].PeerID })
	return out, nil
}

// Snapshot returns the table from the last refresh without a ledger call.
func (m *Manager) Snapshot() map[string]ledger.Channel {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]ledger.Channel, len(m.live))
	for k, v := range m.live {
		out[k] = v
	}
	return out
}

// HasChannel reports whether the last refresh saw a live channel with peer.
func (m *Manager) HasChannel(peerID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, ok := m.live[peerID]
	return ok && ch.State.Live()
}

// IsActive reports whether the last refresh saw a NORMAL channel with peer.
func (m *Manager) IsActive(peerID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, ok := m.live[peerID]
	return ok && ch.State == ledger.StateNormal
}

// IsConnected asks the ledger whether a peer connection is up.
func (m *Manager) IsConnected(ctx context.Context, peerID string) (bool, error) {
	peers, err := m.client.ListPeers(ctx)
	if err != nil {
		return false, fmt.Errorf("list peers: %w", err)
	}
	for _, p := range peers {
		if p.ID == peerID && p.Connected {
			return true, nil
		}
	}
	return false, nil
}

// EnsureChannel funds a channel with peerID unless one already exists.
func (m *Manager) EnsureChannel(ctx context.Context, peerID string, amountSat uint64) error {
	log := m.logger.With().Str("peer", ledger.ShortID(peerID)).Uint64("amount_sat", amountSat).Logger()
	attempts := 0
	err := retry.Do(ctx, m.retryPolicy(), func(attempt int) error {
		attempts = attempt
		if _, err := m.Channels(ctx); err != nil {
			return err
		}
		if m.HasChannel(peerID) {
			return nil
		}

		connected, err := m.IsConnected(ctx, peerID)
		if err != nil {
			return err
		}
		if !connected {
			if err := m.connector.Connect(ctx, peerID); err != nil {
				log.Warn().Err(err).Int("attempt", attempt).Msg("connect failed")
				return classify(err)
			}
		}

		if err := m.CheckFunds(ctx); err != nil {
			log.Warn().Err(err).Int("attempt", attempt).Msg("funds unavailable")
			return err
		}

		if _, err := m.client.FundChannel(ctx, peerID, amountSat); err != nil {
			log.Warn().Err(err).Int("attempt", attempt).Msg("fund channel failed")
			return classify(err)
		}

		m.mu.Lock()
		m.pending[peerID] = m.now()
		m.mu.Unlock()
		m.record("fund")
		log.Info().Int("attempt", attempt).Msg("channel funded")
		return nil
	})
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return ledger.PeerFailed("fundchannel", peerID, attempts, err)
	}
	return nil
}

// classify stops retrying configuration errors.
func classify(err error) error {
	if ledger.Kind(err) == ledger.KindFatal {
		return retry.Permanent(err)
	}
	return err
}

// PollHealth reconciles the pending set against the ledger.
func (m *Manager) PollHealth(ctx context.Context) (HealthReport, error) {
	var report HealthReport
	if _, err := m.Channels(ctx); err != nil {
		return report, err
	}

	m.mu.Lock()
	now := m.now()
	var stuck []string
	for peer, opened := range m.pending {
		ch, ok := m.live[peer]
		switch {
		case !ok || !ch.State.Live():
			delete(m.pending, peer)
			report.Vanished = append(report.Vanished, peer)
		case ch.State == ledger.StateNormal:
			delete(m.pending, peer)
			report.Activated = append(report.Activated, peer)
		case now.Sub(opened) > m.cfg.ChannelTimeout:
			// stays pending with its first timestamp until the close lands
			stuck = append(stuck, peer)
		}
	}
	for peer, ch := range m.live {
		if !ch.State.Pending() {
			continue
		}
		if _, tracked := m.pending[peer]; tracked || contains(report.Vanished, peer) {
			continue
		}
		m.pending[peer] = now
		ch.OpenedAt = now
		m.live[peer] = ch
		report.Adopted = append(report.Adopted, peer)
	}
	m.mu.Unlock()

	for _, peer := range report.Vanished {
		m.record("evict")
		m.logger.Warn().Str("peer", ledger.ShortID(peer)).Msg("pending channel vanished")
	}
	for _, peer := range report.Activated {
		m.record("normal")
		m.logger.Info().Str("peer", ledger.ShortID(peer)).Msg("channel active")
	}
	for _, peer := range report.Adopted {
		m.record("adopt")
		m.logger.Info().Str("peer", ledger.ShortID(peer)).Msg("adopted untracked opening channel")
	}
	for _, peer := range stuck {
		m.logger.Warn().Str("peer", ledger.ShortID(peer)).Dur("timeout", m.cfg.ChannelTimeout).Msg("channel stuck opening, force closing")
		if err := m.client.CloseChannel(ctx, peer); err != nil {
			m.logger.Error().Err(err).Str("peer", ledger.ShortID(peer)).Msg("force close failed")
			continue
		}
		m.forget(peer)
		m.record("force_close")
		report.ForceClosed = append(report.ForceClosed, peer)
	}
	m.mu.Lock()
	report.Pending = len(m.pending)
	m.mu.Unlock()
	sort.Strings(report.Activated)
	sort.Strings(report.Vanished)
	sort.Strings(report.Adopted)
	sort.Strings(report.ForceClosed)
	return report, nil
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func (m *Manager) forget(peerID string) {
	m.mu.Lock()
	delete(m.pending, peerID)
	delete(m.live, peerID)
	delete(m.outbound, peerID)
	m.mu.Unlock()
}

// Pending returns the peers whose channels are still opening.
func (m *Manager) Pending() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.pending))
	for peer := range m.pending {
		out = append(out, peer)
	}
	sort.Strings(out)
	return out
}

// WaitActive polls until the channel with peerID is NORMAL.
func (m *Manager) WaitActive(ctx context.Context, peerID string) error {
	p := retry.Bounded(m.cfg.ActiveAttempts, m.cfg.ActiveInterval)
	err := retry.Poll(ctx, p, func(attempt int) (bool, error) {
		if _, err := m.Channels(ctx); err != nil {
			return false, err
		}
		m.mu.Lock()
		ch, ok := m.live[peerID]
		m.mu.Unlock()
		if ok && ch.State == ledger.StateNormal {
			m.mu.Lock()
			delete(m.pending, peerID)
			m.mu.Unlock()
			return true, nil
		}
		if !ok || !ch.State.Live() {
			return false, retry.Permanent(fmt.Errorf("%w: peer %s has no live channel", ErrChannelNotActive, ledger.ShortID(peerID)))
		}
		return false, nil
	})
	if err != nil && !errors.Is(err, ErrChannelNotActive) && ctx.Err() == nil {
		return fmt.Errorf("%w: peer %s: %w", ErrChannelNotActive, ledger.ShortID(peerID), err)
	}
	return err
}

// Activate makes the channel with peerID payable: it reconnects when the
// peer connection dropped and waits for a pending channel to reach NORMAL.
func (m *Manager) Activate(ctx context.Context, peerID string) error {
	if _, err := m.Channels(ctx); err != nil {
		return err
	}
	if !m.HasChannel(peerID) {
		return fmt.Errorf("%w: no live channel with %s", ErrChannelNotActive, ledger.ShortID(peerID))
	}
	connected, err := m.IsConnected(ctx, peerID)
	if err != nil {
		return err
	}
	if !connected {
		if err := m.connector.Connect(ctx, peerID); err != nil {
			return err
		}
	}
	if m.IsActive(peerID) {
		return nil
	}
	return m.WaitActive(ctx, peerID)
}

// CheckFunds polls until confirmed, unreserved on-chain outputs exist.
func (m *Manager) CheckFunds(ctx context.Context) error {
	p := retry.Bounded(m.cfg.FundsAttempts, m.cfg.FundsInterval)
	err := retry.Poll(ctx, p, func(attempt int) (bool, error) {
		funds, err := m.client.ListFunds(ctx)
		if err != nil {
			return false, err
		}
		if funds.SpendableMsat() > 0 {
			return true, nil
		}
		m.logger.Debug().Int("attempt", attempt).Msg("waiting for confirmed funds")
		return false, nil
	})
	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("%w: %w", ErrFundsUnavailable, err)
	}
	return err
}

// Rebalance pushes liquidity back to the peer when more than 70% of a
// NORMAL channel sits on our side. It reports whether a payment was sent.
func (m *Manager) Rebalance(ctx context.Context, peerID string) (bool, error) {
	if _, err := m.Channels(ctx); err != nil {
		return false, err
	}
	m.mu.Lock()
	ch, ok := m.live[peerID]
	m.mu.Unlock()
	if !ok {
		return false, nil
	}
	return m.rebalance(ctx, ch)
}

func (m *Manager) rebalance(ctx context.Context, ch ledger.Channel) (bool, error) {
	if ch.State != ledger.StateNormal || ch.CapacityMsat == 0 {
		return false, nil
	}
	// more than 70% of capacity on our side
	if ch.OurAmountMsat*10 <= ch.CapacityMsat*7 {
		return false, nil
	}
	if err := m.CheckFunds(ctx); err != nil {
		return false, err
	}
	amount := ch.OurAmountMsat - ch.CapacityMsat/2
	log := m.logger.With().Str("peer", ledger.ShortID(ch.PeerID)).Uint64("amount_msat", amount).Logger()
	err := retry.Do(ctx, m.retryPolicy(), func(attempt int) error {
		_, err := m.client.Keysend(ctx, ch.PeerID, amount, nil)
		if err != nil {
			log.Warn().Err(err).Int("attempt", attempt).Msg("rebalance payment failed")
		}
		return classify(err)
	})
	if err != nil {
		return false, ledger.PeerFailed("rebalance", ch.PeerID, m.cfg.RetryMax, err)
	}
	m.record("rebalance")
	log.Info().Msg("channel rebalanced")
	return true, nil
}

// RebalanceAll rebalances every NORMAL channel and returns how many
// payments were sent. Per-peer failures are logged and skipped.
func (m *Manager) RebalanceAll(ctx context.Context) (int, error) {
	channels, err := m.Channels(ctx)
	if err != nil {
		return 0, err
	}
	sent := 0
	for _, ch := range channels {
		ok, err := m.rebalance(ctx, ch)
		if err != nil {
			if ctx.Err() != nil {
				return sent, ctx.Err()
			}
			m.logger.Warn().Err(err).Str("peer", ledger.ShortID(ch.PeerID)).Msg("rebalance skipped")
			continue
		}
		if ok {
			sent++
		}
	}
	return sent, nil
}

// Close closes the channel with peerID and optionally drops the connection.
func (m *Manager) Close(ctx context.Context, peerID string, disconnect bool) error {
	err := retry.Do(ctx, m.retryPolicy(), func(attempt int) error {
		err := m.client.CloseChannel(ctx, peerID)
		if err != nil {
			m.logger.Warn().Err(err).Str("peer", ledger.ShortID(peerID)).Int("attempt", attempt).Msg("close failed")
		}
		return classify(err)
	})
	if err != nil {
		return ledger.PeerFailed("close", peerID, m.cfg.RetryMax, err)
	}
	m.forget(peerID)
	m.record("close")
	if disconnect {
		if err := m.client.Disconnect(ctx, peerID); err != nil {
			return fmt.Errorf("disconnect %s: %w", ledger.ShortID(peerID), err)
		}
	}
	return nil
}

func (m *Manager) AddOutbound(peerID string) {
	m.mu.Lock()
	m.outbound[peerID] = struct{}{}
	m.mu.Unlock()
}

func (m *Manager) RemoveOutbound(peerID string) {
	m.mu.Lock()
	delete(m.outbound, peerID)
	m.mu.Unlock()
}

// Outbound returns the peers this agent opened channels to, sorted.
func (m *Manager) Outbound() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.outbound))
	for peer := range m.outbound {
		out = append(out, peer)
	}
	sort.Strings(out)
	return out
}

func (m *Manager) MaxPeers() int { return m.cfg.MaxPeers }

func (m *Manager) OutboundSaturated() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.outbound) >= m.cfg.MaxActiveNodes
}

// InboundCount counts live channels that are neither outbound nor with the
// rendezvous node, as of the last refresh.
func (m *Manager) InboundCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for peer, ch := range m.live {
		if !ch.State.Live() || peer == m.cfg.RendezvousID {
			continue
		}
		if _, out := m.outbound[peer]; out {
			continue
		}
		count++
	}
	return count
}

func (m *Manager) InboundSaturated() bool {
	return m.InboundCount() >= m.cfg.MaxActiveNodes
}

// LiveCount counts live channels as of the last refresh.
func (m *Manager) LiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, ch := range m.live {
		if ch.State.Live() {
			count++
		}
	}
	return count
}

// AtPeerCeiling reports whether the agent holds MaxPeers live channels.
func (m *Manager) AtPeerCeiling() bool {
	return m.LiveCount() >= m.cfg.MaxPeers
}
