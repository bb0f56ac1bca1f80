package telemetry

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/LN-Testbed/DSN2026/internal/discovery"
	"github.com/LN-Testbed/DSN2026/internal/ledger"
	"github.com/LN-Testbed/DSN2026/internal/observability"
	"github.com/rs/zerolog"
)

// Publisher owns an agent's Status and writes it to the store. The HTTP
// handler may read concurrently with the control loop.
type Publisher struct {
	mu      sync.Mutex
	name    string
	buffer  Buffer
	store   Store
	status  Status
	resume  State
	created bool
	now     func() time.Time
	logger  zerolog.Logger
}

func NewPublisher(name, nodeID string, buffer Buffer, store Store, logger zerolog.Logger) *Publisher {
	p := &Publisher{
		name:   name,
		buffer: buffer,
		store:  store,
		now:    time.Now,
		logger: logger.With().Str("component", "telemetry").Logger(),
	}
	now := unixSeconds(p.now())
	p.status = Status{
		Time:        now,
		ShortID:     ledger.ShortID(nodeID),
		HostName:    name,
		Message:     "node online",
		LastMsgTime: now,
		State:       StateInitializing,
		Receiver:    NotSending,
		Channels:    map[string]ChannelStatus{},
	}
	p.resume = StateInitializing
	return p
}

// SetClock replaces the time source.
func (p *Publisher) SetClock(now func() time.Time) {
	p.mu.Lock()
	p.now = now
	p.mu.Unlock()
}

// Status returns a copy of the current snapshot.
func (p *Publisher) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.copyStatus()
}

func (p *Publisher) copyStatus() Status {
	s := p.status
	s.Channels = make(map[string]ChannelStatus, len(p.status.Channels))
	for k, v := range p.status.Channels {
		s.Channels[k] = v
	}
	return s
}

func (p *Publisher) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status.State
}

// SetState changes the state. While sending, the change is applied when
// the delivery ends.
func (p *Publisher) SetState(s State) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.setStateLocked(s)
}

func (p *Publisher) setStateLocked(s State) {
	p.status.Time = unixSeconds(p.now())
	if p.status.State == StateSending && s != StateSending {
		p.resume = s
		return
	}
	p.status.State = s
}

// BeginSending enters the sending sub-state with peerID as receiver and
// writes the snapshot.
func (p *Publisher) BeginSending(peerID string) error {
	p.mu.Lock()
	if p.status.State != StateSending {
		p.resume = p.status.State
	}
	p.status.State = StateSending
	p.status.Receiver = ledger.ShortID(peerID)
	p.status.Time = unixSeconds(p.now())
	p.mu.Unlock()
	return p.write()
}

// EndSending restores the state held before BeginSending.
func (p *Publisher) EndSending() error {
	p.mu.Lock()
	if p.status.State == StateSending {
		p.status.State = p.resume
	}
	p.status.Receiver = NotSending
	p.status.Time = unixSeconds(p.now())
	p.mu.Unlock()
	return p.write()
}

// RestoreCommand reinstates the last command seen before a restart.
func (p *Publisher) RestoreCommand(message string, counter uint64, lastMsgTime float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if counter <= p.status.Counter {
		return
	}
	p.status.Counter = counter
	p.status.Message = message
	p.status.LastMsgTime = lastMsgTime
}

// RecordCommand stores a command newer than the last one seen and reports
// whether it was newer.
func (p *Publisher) RecordCommand(message string, counter uint64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if counter <= p.status.Counter {
		return false
	}
	now := unixSeconds(p.now())
	p.status.Counter = counter
	p.status.Message = message
	p.status.Time = now
	p.status.LastMsgTime = now
	return true
}

// DetectState derives connecting/connected from the channel table. A live
// marked channel latches channel creation as complete; after that the
// agent stays connected while no channel is still opening. It reports
// whether the agent is connected.
func (p *Publisher) DetectState(channels []ledger.Channel, rule discovery.Rule) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(channels) == 0 {
		return true
	}
	connecting := false
	for _, ch := range channels {
		if rule.Evaluate(discovery.MsatToSat(ch.CapacityMsat)) && ch.State.NotConnecting() {
			p.created = true
			p.setStateLocked(StateConnected)
			return true
		}
		if !ch.State.NotConnecting() {
			connecting = true
		}
	}
	if p.created && !connecting {
		p.setStateLocked(StateConnected)
		return true
	}
	p.setStateLocked(StateConnecting)
	return false
}

// Publish refreshes the channel table and writes the snapshot. An
// oversized snapshot is dropped and the previous one stays in the store.
func (p *Publisher) Publish(ctx context.Context, channels []ledger.Channel) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	p.status.Channels = ChannelTable(channels)
	p.status.Time = unixSeconds(p.now())
	p.mu.Unlock()
	return p.write()
}

func (p *Publisher) write() error {
	p.mu.Lock()
	snap := p.copyStatus()
	p.mu.Unlock()

	block, err := p.buffer.Encode(snap)
	if err != nil {
		observability.RecordTelemetryWrite(p.name, false)
		if errors.Is(err, ErrSnapshotTooLarge) {
			p.logger.Error().Err(err).Int("channels", len(snap.Channels)).Msg("status write aborted")
		}
		return err
	}
	if err := p.store.Write(p.name, block); err != nil {
		observability.RecordTelemetryWrite(p.name, false)
		p.logger.Error().Err(err).Msg("status write failed")
		return err
	}
	observability.RecordTelemetryWrite(p.name, true)
	return nil
}
