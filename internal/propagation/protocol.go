package propagation

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sort"
	"strings"
	"time"

	"github.com/LN-Testbed/DSN2026/internal/ledger"
	"github.com/LN-Testbed/DSN2026/internal/observability"
	"github.com/LN-Testbed/DSN2026/internal/retry"
	"github.com/rs/zerolog"
)

const (
	keysendLabelPrefix = "keysend"
	keysendDescPrefix  = "keysend: "
)

// PeerLink makes sure a payable channel to peer exists before a send.
type PeerLink interface {
	Activate(ctx context.Context, peerID string) error
}

// DeliveryHooks observe per-peer sends.
type DeliveryHooks struct {
	OnSending func(peerID string)
	OnSent    func(peerID string, err error)
}

type Config struct {
	Node          string
	RetryMax      int
	RetryInterval time.Duration
	// AmountMsat is the value of each carrier payment.
	AmountMsat uint64
}

// DeliveryResult lists peers by outcome for one Deliver call.
type DeliveryResult struct {
	Sent    []string
	Skipped []string
	Failed  []string
}

type Protocol struct {
	cfg     Config
	client  ledger.Client
	link    PeerLink
	index   *IndexStore
	tracker *Tracker
	hooks   DeliveryHooks
	intake  func([]Command) error
	rng     *rand.Rand
	logger  zerolog.Logger
}

func NewProtocol(cfg Config, client ledger.Client, link PeerLink, index *IndexStore, logger zerolog.Logger) *Protocol {
	if cfg.RetryMax <= 0 {
		cfg.RetryMax = 1
	}
	if cfg.AmountMsat == 0 {
		cfg.AmountMsat = 1
	}
	return &Protocol{
		cfg:     cfg,
		client:  client,
		link:    link,
		index:   index,
		tracker: NewTracker(),
		logger:  logger.With().Str("component", "propagation").Logger(),
	}
}

func (p *Protocol) Tracker() *Tracker { return p.tracker }

func (p *Protocol) SetHooks(h DeliveryHooks) { p.hooks = h }

// SetIntake registers fn to take every batch Receive parses. The pay index
// only advances once fn succeeds, so a failed intake is retried by the next
// Receive.
func (p *Protocol) SetIntake(fn func([]Command) error) { p.intake = fn }

// SetRand fixes the shuffle source.
func (p *Protocol) SetRand(r *rand.Rand) { p.rng = r }

func (p *Protocol) shuffle(peers []string) []string {
	order := append([]string(nil), peers...)
	swap := func(i, j int) { order[i], order[j] = order[j], order[i] }
	if p.rng != nil {
		p.rng.Shuffle(len(order), swap)
	} else {
		rand.Shuffle(len(order), swap)
	}
	return order
}

// Deliver sends cmd to every peer that has not seen its counter yet.
// Peers are visited in random order; a peer that keeps failing is
// reported in Failed and skipped. Only ctx cancellation returns an error.
func (p *Protocol) Deliver(ctx context.Context, cmd Command, peers []string) (DeliveryResult, error) {
	var res DeliveryResult
	records := Records(cmd)
	policy := retry.Bounded(p.cfg.RetryMax, p.cfg.RetryInterval)

	for _, peer := range p.shuffle(peers) {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		p.tracker.Track(peer)
		if p.tracker.Has(peer, cmd.Counter) {
			res.Skipped = append(res.Skipped, peer)
			observability.RecordDelivery(p.cfg.Node, "skipped")
			continue
		}

		log := p.logger.With().Str("peer", ledger.ShortID(peer)).Uint64("counter", cmd.Counter).Logger()
		if p.hooks.OnSending != nil {
			p.hooks.OnSending(peer)
		}
		err := retry.Do(ctx, policy, func(attempt int) error {
			if err := p.link.Activate(ctx, peer); err != nil {
				log.Debug().Err(err).Int("attempt", attempt).Msg("peer not ready")
				return err
			}
			if _, err := p.client.Keysend(ctx, peer, p.cfg.AmountMsat, records); err != nil {
				log.Debug().Err(err).Int("attempt", attempt).Msg("keysend failed")
				return err
			}
			return nil
		})
		if p.hooks.OnSent != nil {
			p.hooks.OnSent(peer, err)
		}
		if err != nil {
			if ctx.Err() != nil {
				return res, ctx.Err()
			}
			log.Warn().Err(err).Int("attempts", p.cfg.RetryMax).Msg("delivery failed")
			res.Failed = append(res.Failed, peer)
			observability.RecordDelivery(p.cfg.Node, "failed")
			continue
		}
		p.tracker.Mark(peer, cmd.Counter)
		res.Sent = append(res.Sent, peer)
		observability.RecordDelivery(p.cfg.Node, "sent")
		log.Info().Msg("command delivered")
	}
	return res, nil
}

// ReconcileDelivered prunes peers without a live channel and promotes
// counters every remaining peer holds.
func (p *Protocol) ReconcileDelivered(live []string) []uint64 {
	set := make(map[string]struct{}, len(live))
	for _, peer := range live {
		set[peer] = struct{}{}
	}
	promoted := p.tracker.Reconcile(set)
	if len(promoted) > 0 {
		p.logger.Info().Interface("counters", promoted).Msg("globally delivered")
	}
	observability.SetGlobalDelivered(p.cfg.Node, p.tracker.GlobalCount())
	return promoted
}

// Delivered reports whether counter has reached every tracked peer.
func (p *Protocol) Delivered(counter uint64) bool {
	return p.tracker.Delivered(counter)
}

// Receive returns commands from keysend payments settled since the last
// processed pay index, in arrival order.
func (p *Protocol) Receive(ctx context.Context) ([]Command, error) {
	last := p.index.Load()
	invoices, err := p.client.ListInvoices(ctx)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(invoices, func(i, j int) bool { return invoices[i].PayIndex < invoices[j].PayIndex })

	out := make([]Command, 0)
	highest := last
	for _, inv := range invoices {
		if inv.Status != "paid" || inv.PayIndex <= last {
			continue
		}
		if inv.PayIndex > highest {
			highest = inv.PayIndex
		}
		if !strings.HasPrefix(inv.Label, keysendLabelPrefix) {
			continue
		}
		text, ok := strings.CutPrefix(inv.Description, keysendDescPrefix)
		if !ok {
			continue
		}
		cmd, ok := ParseCommand(Sanitize(text))
		if !ok {
			p.logger.Debug().Str("label", inv.Label).Msg("skipping payment without command")
			continue
		}
		out = append(out, cmd)
	}

	if p.intake != nil && len(out) > 0 {
		if err := p.intake(out); err != nil {
			return out, fmt.Errorf("intake: %w", err)
		}
	}
	if highest > last {
		if err := p.index.Save(highest); err != nil {
			return out, err
		}
	}
	if len(out) > 0 {
		observability.RecordReceived(p.cfg.Node, len(out))
		p.logger.Info().Int("count", len(out)).Int64("pay_index", highest).Msg("received commands")
	}
	return out, nil
}
