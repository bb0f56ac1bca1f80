package agent

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/LN-Testbed/DSN2026/internal/discovery"
	"github.com/LN-Testbed/DSN2026/internal/ledger"
	"github.com/LN-Testbed/DSN2026/internal/propagation"
	"github.com/LN-Testbed/DSN2026/internal/retry"
)

const quitCommand = "quit"

type ControllerOptions struct {
	// NumChannels is how many relays to fund per selection window.
	NumChannels int
	// EntryPoint is the directory percentile to fund at: negative picks at
	// random, above 100 spreads across the directory.
	EntryPoint int
	// Message is sent once when not interactive.
	Message     string
	Interactive bool
	// Fresh resets the counter and closes every funded channel after the
	// send phase.
	Fresh bool
	In    io.Reader
	Out   io.Writer
	// SendSweepInterval is the wait between delivery sweeps while no peer
	// has accepted the command.
	SendSweepInterval time.Duration
}

// Controller funds channels into the relay overlay and injects commands.
type Controller struct {
	phaseTracker
	s      *Session
	opts   ControllerOptions
	sender *propagation.Protocol
	funded []string
	rng    *rand.Rand
}

func NewController(s *Session, opts ControllerOptions) *Controller {
	if opts.NumChannels <= 0 {
		opts.NumChannels = 1
	}
	if opts.Out == nil {
		opts.Out = io.Discard
	}
	if opts.SendSweepInterval <= 0 {
		opts.SendSweepInterval = 5 * time.Second
	}
	c := &Controller{
		phaseTracker: phaseTracker{phase: PhaseInit, logger: s.Logger},
		s:            s,
		opts:         opts,
	}
	c.sender = propagation.NewProtocol(propagation.Config{
		Node:          s.Name,
		RetryMax:      s.Shared.RetryMax,
		RetryInterval: s.Shared.RetryInterval,
	}, s.Client, controllerLink{c: c}, nil, s.Logger)
	c.sender.SetHooks(propagation.DeliveryHooks{OnSent: c.report})
	return c
}

// SetRand fixes the random source used for peer selection and send order.
func (c *Controller) SetRand(r *rand.Rand) {
	c.rng = r
	c.sender.SetRand(r)
}

// Funded returns the current funded peer set.
func (c *Controller) Funded() []string {
	return append([]string(nil), c.funded...)
}

func (c *Controller) report(peerID string, err error) {
	if err != nil {
		fmt.Fprintf(c.opts.Out, "send to %s failed: %v\n", ledger.ShortID(peerID), err)
		return
	}
	fmt.Fprintf(c.opts.Out, "send to %s ok\n", ledger.ShortID(peerID))
}

func (c *Controller) amountSat() uint64 {
	return uint64(c.s.Rule.ControllerDivisor) * 100
}

func (c *Controller) target(numChannels, entryPoint int) int {
	if entryPoint > 100 {
		spread := c.s.Shared.SpreadMultiplier
		if spread <= 0 {
			spread = 3
		}
		return numChannels * spread
	}
	return numChannels
}

// FundChannels funds channels to numChannels relays at entryPoint. A
// persisted funded set of the target size is reused as is. On failure the
// returned set is empty.
func (c *Controller) FundChannels(ctx context.Context, numChannels, entryPoint int) ([]string, error) {
	log := c.s.Logger.With().Int("num_channels", numChannels).Int("entry_point", entryPoint).Logger()
	target := c.target(numChannels, entryPoint)

	live, err := c.s.Channels.Channels(ctx)
	if err != nil {
		return []string{}, err
	}
	funded := c.s.Funded.Load(live)
	if len(funded) >= target {
		log.Info().Int("funded", len(funded)).Msg("reusing funded peers")
		c.funded = funded
		return c.Funded(), nil
	}

	have := make(map[string]struct{}, len(funded))
	for _, peer := range funded {
		have[peer] = struct{}{}
	}
	opts := discovery.SelectOptions{Rand: c.rng, Spread: c.s.Shared.SpreadMultiplier}
	amount := c.amountSat()

	for attempt := 1; attempt <= c.s.Shared.RetryMax && len(funded) < target; attempt++ {
		candidates, err := c.s.Discovery.WaitForCandidates(ctx, func(ctx context.Context) ([]string, error) {
			all, err := c.s.Discovery.DirectoryCandidates(ctx)
			if err != nil {
				return nil, err
			}
			out := make([]string, 0, len(all))
			for _, peer := range all {
				if _, ok := have[peer]; !ok {
					out = append(out, peer)
				}
			}
			return out, nil
		})
		if err != nil {
			return []string{}, err
		}

		selected, err := discovery.SelectPeers(numChannels, entryPoint, candidates, opts)
		if err != nil {
			log.Warn().Err(err).Int("attempt", attempt).Int("candidates", len(candidates)).Msg("peer selection failed")
			if err := retry.Sleep(ctx, c.s.Shared.CandidateBackoff); err != nil {
				return []string{}, err
			}
			continue
		}

		for _, peer := range selected {
			if len(funded) >= target {
				break
			}
			if err := c.s.Channels.EnsureChannel(ctx, peer, amount); err != nil {
				if ctx.Err() != nil {
					return []string{}, ctx.Err()
				}
				log.Warn().Err(err).Str("peer", ledger.ShortID(peer)).Int("attempt", attempt).Msg("funding failed")
				continue
			}
			if err := c.s.Channels.WaitActive(ctx, peer); err != nil {
				if ctx.Err() != nil {
					return []string{}, ctx.Err()
				}
				log.Warn().Err(err).Str("peer", ledger.ShortID(peer)).Msg("funded channel not active")
				continue
			}
			have[peer] = struct{}{}
			funded = append(funded, peer)
		}
		log.Info().Int("attempt", attempt).Int("funded", len(funded)).Int("target", target).Msg("funding batch complete")
	}

	if len(funded) < target {
		log.Error().Int("funded", len(funded)).Int("target", target).Msg("could not reach funding target")
		return []string{}, fmt.Errorf("%w: funded %d of %d", ErrFundingTarget, len(funded), target)
	}
	if err := c.s.Funded.Save(funded); err != nil {
		return []string{}, err
	}
	c.funded = funded
	return c.Funded(), nil
}

// controllerLink re-creates a missing channel before a send.
type controllerLink struct {
	c *Controller
}

func (l controllerLink) Activate(ctx context.Context, peerID string) error {
	m := l.c.s.Channels
	if _, err := m.Channels(ctx); err != nil {
		return err
	}
	if !m.HasChannel(peerID) {
		l.c.s.Logger.Info().Str("peer", ledger.ShortID(peerID)).Msg("no live channel, re-channeling")
		if err := m.EnsureChannel(ctx, peerID, l.c.amountSat()); err != nil {
			return err
		}
	}
	return m.Activate(ctx, peerID)
}

// SendOnce sends payload tagged with the persisted counter and sweeps the
// funded peers until at least one accepts it, then advances the counter.
// Payloads containing '|' fail with propagation.ErrInvalidPayload.
func (c *Controller) SendOnce(ctx context.Context, payload string) (propagation.DeliveryResult, error) {
	if err := propagation.ValidatePayload(payload); err != nil {
		return propagation.DeliveryResult{}, err
	}
	if len(c.funded) == 0 {
		return propagation.DeliveryResult{}, fmt.Errorf("%w: no funded peers", ErrFundingTarget)
	}
	counter := c.s.Counter.Load()
	cmd := propagation.Command{Payload: payload, Counter: counter}
	log := c.s.Logger.With().Uint64("counter", counter).Logger()

	for sweep := 1; ; sweep++ {
		res, err := c.sender.Deliver(ctx, cmd, c.funded)
		if err != nil {
			return res, err
		}
		accepted := len(res.Sent) > 0 || (len(res.Failed) == 0 && len(res.Skipped) > 0)
		if accepted {
			if err := c.s.Counter.Save(counter + 1); err != nil {
				return res, err
			}
			log.Info().Int("sent", len(res.Sent)).Int("sweep", sweep).Msg("command sent")
			return res, nil
		}
		log.Warn().Int("failed", len(res.Failed)).Int("sweep", sweep).Dur("sleep", c.opts.SendSweepInterval).Msg("no peer accepted command")
		if err := retry.Sleep(ctx, c.opts.SendSweepInterval); err != nil {
			return res, err
		}
	}
}

// Interactive reads commands line by line from in and sends each one. A
// "quit" line or end of input stops the loop.
func (c *Controller) Interactive(ctx context.Context, in io.Reader, out io.Writer) error {
	prev := c.opts.Out
	c.opts.Out = out
	defer func() { c.opts.Out = prev }()

	fmt.Fprintf(out, "Type '%s' to exit.\n", quitCommand)
	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(out, "Enter command: ")
		if !scanner.Scan() {
			fmt.Fprintln(out)
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if strings.EqualFold(line, quitCommand) {
			fmt.Fprintln(out, "Exiting.")
			return nil
		}
		if line == "" {
			continue
		}
		if _, err := c.SendOnce(ctx, line); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			fmt.Fprintf(out, "command %q failed: %v\n", line, err)
		}
	}
}

// Teardown resets the send counter and closes every funded channel.
func (c *Controller) Teardown(ctx context.Context) error {
	var errs []error
	if err := c.s.Counter.Save(0); err != nil {
		errs = append(errs, err)
	}
	peers := c.funded
	if len(peers) == 0 {
		live, err := c.s.Channels.Channels(ctx)
		if err != nil {
			return err
		}
		peers = c.s.Funded.Load(live)
	}
	for _, peer := range peers {
		c.s.Logger.Info().Str("peer", ledger.ShortID(peer)).Msg("closing and disconnecting")
		if err := c.s.Channels.Close(ctx, peer, true); err != nil {
			c.s.Logger.Error().Err(err).Str("peer", ledger.ShortID(peer)).Msg("teardown close failed")
			errs = append(errs, err)
		}
	}
	if err := c.s.Funded.Clear(); err != nil {
		errs = append(errs, err)
	}
	c.funded = nil
	return errors.Join(errs...)
}

// Run drives the controller state machine to DONE.
func (c *Controller) Run(ctx context.Context) error {
	c.enter(PhaseInit)

	c.enter(PhaseConnectRendezvous)
	if err := c.s.ConnectRendezvous(ctx); err != nil {
		if ctx.Err() != nil || ledger.Kind(err) == ledger.KindFatal {
			return err
		}
		// funding reaches relays through the address directory
		c.s.Logger.Warn().Err(err).Msg("rendezvous unreachable, funding without it")
	}

	c.enter(PhaseFundChannels)
	if _, err := c.FundChannels(ctx, c.opts.NumChannels, c.opts.EntryPoint); err != nil {
		return err
	}

	switch {
	case c.opts.Interactive:
		c.enter(PhaseInteractive)
		in := c.opts.In
		if in == nil {
			in = strings.NewReader("")
		}
		if err := c.Interactive(ctx, in, c.opts.Out); err != nil {
			return err
		}
	case c.opts.Message != "":
		c.enter(PhaseOneShot)
		if _, err := c.SendOnce(ctx, c.opts.Message); err != nil {
			return err
		}
	}

	if c.opts.Fresh {
		c.enter(PhaseTeardown)
		if err := c.Teardown(ctx); err != nil {
			return err
		}
	}
	c.enter(PhaseDone)
	return nil
}
