package agent

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sort"
	"time"

	"github.com/LN-Testbed/DSN2026/internal/discovery"
	"github.com/LN-Testbed/DSN2026/internal/ledger"
	"github.com/LN-Testbed/DSN2026/internal/propagation"
	"github.com/LN-Testbed/DSN2026/internal/retry"
	"github.com/LN-Testbed/DSN2026/internal/telemetry"
)

// Relay channels to other relays are funded at a random capacity in this
// range that matches neither marker divisor.
const (
	relayMinCapacitySat = 100_000
	relayMaxCapacitySat = 1_000_000
)

// Relay builds its share of the overlay through the rendezvous node, then
// relays every command it receives to its channel peers.
type Relay struct {
	phaseTracker
	s   *Session
	rng *rand.Rand

	topologyDone        bool
	rendezvousClosed    bool
	rendezvousConnected bool
	buildRounds         int
	ticks               int
	commands            map[uint64]propagation.Command
}

func NewRelay(s *Session) *Relay {
	r := &Relay{
		phaseTracker: phaseTracker{phase: PhaseInit, logger: s.Logger},
		s:            s,
		commands:     make(map[uint64]propagation.Command),
	}
	s.Propagation.SetHooks(propagation.DeliveryHooks{
		OnSending: func(peerID string) {
			if err := s.Telemetry.BeginSending(peerID); err != nil {
				s.Logger.Debug().Err(err).Msg("status write skipped")
			}
		},
		OnSent: func(string, error) {
			if err := s.Telemetry.EndSending(); err != nil {
				s.Logger.Debug().Err(err).Msg("status write skipped")
			}
		},
	})
	s.Propagation.SetIntake(r.intake)
	r.restore()
	return r
}

// restore reloads the command journal written by a previous run.
func (r *Relay) restore() {
	st := r.s.Journal.Load()
	r.s.Propagation.Tracker().Restore(st.Tracker)
	if st.Counter > 0 {
		r.s.Telemetry.RestoreCommand(st.Message, st.Counter, st.LastMsgTime)
	}
	for _, cmd := range st.Pending {
		r.commands[cmd.Counter] = cmd
	}
	if len(st.Pending) > 0 || st.Counter > 0 {
		r.s.Logger.Info().Uint64("counter", st.Counter).Int("pending", len(st.Pending)).Msg("relay state restored")
	}
}

// intake records received commands and journals them before the pay index
// moves past their payments.
func (r *Relay) intake(received []propagation.Command) error {
	s := r.s
	for _, cmd := range received {
		if s.Telemetry.RecordCommand(cmd.Payload, cmd.Counter) {
			s.Logger.Info().Uint64("counter", cmd.Counter).Str("message", cmd.Payload).Msg("new command")
		}
		if _, known := r.commands[cmd.Counter]; known || s.Propagation.Delivered(cmd.Counter) {
			continue
		}
		r.commands[cmd.Counter] = cmd
	}
	return r.saveState()
}

func (r *Relay) saveState() error {
	st := r.s.Telemetry.Status()
	pending := make([]propagation.Command, 0, len(r.commands))
	for _, counter := range r.pendingCounters() {
		pending = append(pending, r.commands[counter])
	}
	return r.s.Journal.Save(propagation.RelayState{
		Counter:     st.Counter,
		Message:     st.Message,
		LastMsgTime: st.LastMsgTime,
		Pending:     pending,
		Tracker:     r.s.Propagation.Tracker().Snapshot(),
	})
}

// SetRand fixes the random source for funding amounts and send order.
func (r *Relay) SetRand(rng *rand.Rand) {
	r.rng = rng
	r.s.Propagation.SetRand(rng)
}

// TopologyComplete reports whether the relay has stopped creating channels.
func (r *Relay) TopologyComplete() bool { return r.topologyDone }

// RendezvousClosed reports whether the rendezvous channel was given up.
func (r *Relay) RendezvousClosed() bool { return r.rendezvousClosed }

func (r *Relay) fundingAmount() uint64 {
	span := int64(relayMaxCapacitySat - relayMinCapacitySat + 1)
	for {
		var n int64
		if r.rng != nil {
			n = r.rng.Int64N(span)
		} else {
			n = rand.Int64N(span)
		}
		amount := relayMinCapacitySat + n
		if !r.s.Rule.IsMarked(amount) {
			return uint64(amount)
		}
	}
}

// SyncWait blocks until the node has caught up with the chain. A relay
// that already holds its peer ceiling gives up its rendezvous channel and
// returns ErrSaturated.
func (r *Relay) SyncWait(ctx context.Context) error {
	r.enter(PhaseSyncWait)
	err := retry.Poll(ctx, retry.Forever(r.s.Shared.RetryInterval), func(attempt int) (bool, error) {
		synced, err := r.s.Client.Synced(ctx)
		if err != nil {
			r.s.Logger.Warn().Err(err).Int("attempt", attempt).Msg("sync check failed")
			return false, nil
		}
		if !synced && (attempt == 1 || attempt%6 == 0) {
			r.s.Logger.Info().Int("attempt", attempt).Msg("waiting for chain sync")
		}
		return synced, nil
	})
	if err != nil {
		return err
	}

	if _, err := r.s.Channels.Channels(ctx); err != nil {
		return err
	}
	if r.s.Channels.AtPeerCeiling() {
		r.s.Logger.Warn().Int("max_peers", r.s.Channels.MaxPeers()).Msg("started with saturated peers, aborting start")
		if err := r.DisconnectRendezvous(ctx); err != nil {
			r.s.Logger.Warn().Err(err).Msg("rendezvous close failed")
		}
		return ErrSaturated
	}
	return nil
}

// Start runs the phases before topology building.
func (r *Relay) Start(ctx context.Context) error {
	r.enter(PhaseInit)
	r.s.Telemetry.SetState(telemetry.StateInitializing)
	if err := r.SyncWait(ctx); err != nil {
		return err
	}
	r.enter(PhaseConnectRendezvous)
	return r.connectRendezvous(ctx)
}

// connectRendezvous treats an unreachable rendezvous as a per-step failure:
// it is logged and the next Step tries again. Configuration errors and
// cancellation are returned.
func (r *Relay) connectRendezvous(ctx context.Context) error {
	err := r.s.ConnectRendezvous(ctx)
	switch {
	case err == nil:
		r.rendezvousConnected = true
		return nil
	case ctx.Err() != nil:
		return ctx.Err()
	case ledger.Kind(err) == ledger.KindFatal:
		return err
	default:
		r.s.Logger.Warn().Err(err).Msg("rendezvous unreachable, retrying next step")
		return nil
	}
}

// BuildOutbound funds channels to rendezvous-anchored relays until the
// outbound limit is reached or a discovery round finds nobody new. It
// returns how many channels it opened.
func (r *Relay) BuildOutbound(ctx context.Context) (int, error) {
	r.enter(PhaseBuildOutbound)
	m := r.s.Channels
	tried := make(map[string]struct{})
	opened := 0
	for !m.OutboundSaturated() {
		exclude := make(map[string]struct{}, len(tried))
		for peer := range tried {
			exclude[peer] = struct{}{}
		}
		for _, peer := range m.Outbound() {
			exclude[peer] = struct{}{}
		}
		candidates, err := r.s.Discovery.AnchoredCandidates(ctx, r.s.Agent.RendezvousID, exclude)
		if err != nil {
			return opened, err
		}
		if len(candidates) == 0 {
			break
		}
		r.s.Logger.Info().Strs("candidates", shortIDs(candidates)).Msg("discovered relays")

		for _, peer := range candidates {
			if m.OutboundSaturated() {
				break
			}
			tried[peer] = struct{}{}
			if err := m.EnsureChannel(ctx, peer, r.fundingAmount()); err != nil {
				if ctx.Err() != nil {
					return opened, ctx.Err()
				}
				r.s.Logger.Warn().Err(err).Str("peer", ledger.ShortID(peer)).Msg("outbound channel failed")
				continue
			}
			m.AddOutbound(peer)
			opened++
			if err := m.WaitActive(ctx, peer); err != nil {
				if ctx.Err() != nil {
					return opened, ctx.Err()
				}
				r.s.Logger.Warn().Err(err).Str("peer", ledger.ShortID(peer)).Msg("outbound channel not active yet")
			}
		}
	}
	if opened > 0 {
		if err := retry.Sleep(ctx, r.s.Shared.ChannelCreationSleep); err != nil {
			return opened, err
		}
	}
	return opened, nil
}

// CheckOutbound refunds outbound peers whose channel disappeared while the
// connection is still up. Outbound peers that are also disconnected are
// dropped. It reports whether every outbound channel was present.
func (r *Relay) CheckOutbound(ctx context.Context) (bool, error) {
	m := r.s.Channels
	if _, err := m.Channels(ctx); err != nil {
		return false, err
	}
	healthy := true
	for _, peer := range m.Outbound() {
		if m.HasChannel(peer) {
			continue
		}
		connected, err := m.IsConnected(ctx, peer)
		if err != nil {
			return false, err
		}
		if !connected {
			r.s.Logger.Warn().Str("peer", ledger.ShortID(peer)).Msg("outbound peer lost channel and connection, dropping")
			m.RemoveOutbound(peer)
			continue
		}
		healthy = false
		r.s.Logger.Info().Str("peer", ledger.ShortID(peer)).Msg("outbound channel vanished, refunding")
		if err := m.EnsureChannel(ctx, peer, r.fundingAmount()); err != nil {
			if ctx.Err() != nil {
				return false, ctx.Err()
			}
			r.s.Logger.Warn().Err(err).Str("peer", ledger.ShortID(peer)).Msg("outbound refund failed")
		}
	}
	return healthy, nil
}

// FundRendezvous opens the marked channel to the rendezvous node that makes
// this relay discoverable. It is skipped while the rendezvous already holds
// the active-node limit of channels. It reports whether a channel exists
// afterwards.
func (r *Relay) FundRendezvous(ctx context.Context) (bool, error) {
	r.enter(PhaseFundRendezvous)
	rdv := r.s.Agent.RendezvousID
	if r.rendezvousClosed {
		return false, nil
	}
	m := r.s.Channels
	if _, err := m.Channels(ctx); err != nil {
		return false, err
	}
	if m.HasChannel(rdv) {
		return true, nil
	}
	gossip, err := r.s.Client.ListChannels(ctx, rdv)
	if err != nil {
		return false, fmt.Errorf("list rendezvous channels: %w", err)
	}
	if len(gossip) >= r.s.Shared.ActiveNodes {
		r.s.Logger.Info().Int("rendezvous_channels", len(gossip)).Msg("rendezvous at active node limit, not funding")
		return false, nil
	}
	amount := uint64(r.s.Rule.DiscoveryDivisor) * 10000
	if err := m.EnsureChannel(ctx, rdv, amount); err != nil {
		return false, err
	}
	r.s.Logger.Info().Uint64("amount_sat", amount).Msg("rendezvous channel funded, channel creation complete")
	return true, nil
}

// DisconnectRendezvous closes the rendezvous channel and drops the
// connection. Only the first call acts.
func (r *Relay) DisconnectRendezvous(ctx context.Context) error {
	if r.rendezvousClosed {
		return nil
	}
	r.enter(PhaseDisconnectRendezvous)
	r.rendezvousClosed = true
	rdv := r.s.Agent.RendezvousID
	if r.s.Channels.HasChannel(rdv) {
		return r.s.Channels.Close(ctx, rdv, true)
	}
	if err := r.s.Client.Disconnect(ctx, rdv); err != nil {
		r.s.Logger.Warn().Err(err).Msg("rendezvous already disconnected")
	}
	return nil
}

func (r *Relay) buildTopology(ctx context.Context) error {
	m := r.s.Channels
	if _, err := m.Channels(ctx); err != nil {
		return err
	}
	if m.InboundSaturated() {
		r.s.Logger.Info().Int("inbound", m.InboundCount()).Msg("inbound saturated, leaving rendezvous")
		r.topologyDone = true
		err := r.DisconnectRendezvous(ctx)
		r.enter(PhaseSaturated)
		return err
	}

	if !r.rendezvousConnected && !r.rendezvousClosed {
		if err := r.connectRendezvous(ctx); err != nil {
			return err
		}
		if !r.rendezvousConnected {
			return nil
		}
	}

	if _, err := r.BuildOutbound(ctx); err != nil {
		return err
	}
	r.buildRounds++
	if r.buildRounds < r.s.Shared.ChannelBalanceCounter {
		return nil
	}
	r.buildRounds = 0

	healthy, err := r.CheckOutbound(ctx)
	if err != nil || !healthy {
		return err
	}
	funded, err := r.FundRendezvous(ctx)
	if err != nil {
		return err
	}
	if funded {
		r.topologyDone = true
		r.enter(PhaseSteady)
	}
	return nil
}

// Step runs one control loop iteration: topology work until it completes,
// then one Tick.
func (r *Relay) Step(ctx context.Context) error {
	if !r.topologyDone {
		if err := r.buildTopology(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			r.s.Logger.Error().Err(err).Msg("topology step failed")
		}
	}
	return r.Tick(ctx)
}

// Tick is one steady-state iteration: channel health, outbound continuity,
// periodic rebalancing, command intake and redelivery, telemetry. The
// command journal is saved after redelivery.
func (r *Relay) Tick(ctx context.Context) error {
	s := r.s
	m := s.Channels
	if _, err := m.PollHealth(ctx); err != nil {
		return err
	}
	if r.topologyDone {
		if _, err := r.CheckOutbound(ctx); err != nil {
			s.Logger.Warn().Err(err).Msg("outbound check failed")
		}
	}

	r.ticks++
	if r.ticks >= s.Shared.ChannelBalanceCounter {
		r.ticks = 0
		if _, err := m.RebalanceAll(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.Logger.Warn().Err(err).Msg("rebalance failed")
		}
	}

	if _, err := s.Propagation.Receive(ctx); err != nil {
		s.Logger.Warn().Err(err).Msg("receive failed")
	}

	live, err := m.Channels(ctx)
	if err != nil {
		return err
	}
	peers := r.relayPeers(live)
	for _, counter := range r.pendingCounters() {
		if _, err := s.Propagation.Deliver(ctx, r.commands[counter], peers); err != nil {
			return err
		}
	}
	for _, counter := range s.Propagation.ReconcileDelivered(peers) {
		delete(r.commands, counter)
	}
	if err := r.saveState(); err != nil {
		s.Logger.Warn().Err(err).Msg("relay state not saved")
	}

	s.Telemetry.DetectState(live, s.Rule)
	if err := s.Telemetry.Publish(ctx, live); err != nil && !errors.Is(err, context.Canceled) {
		s.Logger.Debug().Err(err).Msg("publish skipped")
	}

	if !r.rendezvousClosed && m.InboundSaturated() {
		s.Logger.Info().Int("inbound", m.InboundCount()).Msg("inbound saturated, leaving rendezvous")
		if err := r.DisconnectRendezvous(ctx); err != nil {
			s.Logger.Warn().Err(err).Msg("rendezvous close failed")
		}
		if !r.topologyDone {
			r.topologyDone = true
			r.enter(PhaseSaturated)
		}
	}
	return nil
}

// relayPeers lists peers with a live channel whose capacity is not a
// marker, which leaves out the rendezvous and controller channels.
func (r *Relay) relayPeers(live []ledger.Channel) []string {
	out := make([]string, 0, len(live))
	for _, ch := range live {
		if !ch.State.Live() || ch.PeerID == r.s.Agent.RendezvousID {
			continue
		}
		if r.s.Rule.IsMarked(discovery.MsatToSat(ch.CapacityMsat)) {
			continue
		}
		out = append(out, ch.PeerID)
	}
	return out
}

func (r *Relay) pendingCounters() []uint64 {
	out := make([]uint64, 0, len(r.commands))
	for counter := range r.commands {
		if r.s.Propagation.Delivered(counter) {
			delete(r.commands, counter)
			continue
		}
		out = append(out, counter)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Run drives the relay until ctx ends. ErrSaturated is returned when the
// relay refuses to start.
func (r *Relay) Run(ctx context.Context) error {
	if err := r.Start(ctx); err != nil {
		return err
	}
	interval := r.s.Shared.StatusUpdateInterval
	if interval <= 0 {
		interval = time.Second
	}
	for {
		if err := r.Step(ctx); err != nil {
			if ctx.Err() != nil {
				r.enter(PhaseDone)
				return nil
			}
			r.s.Logger.Error().Err(err).Msg("relay step failed")
		}
		if err := retry.Sleep(ctx, interval); err != nil {
			r.enter(PhaseDone)
			return nil
		}
	}
}

func shortIDs(ids []string) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = ledger.ShortID(id)
	}
	return out
}
