package agent

import (
	"sync"

	"github.com/rs/zerolog"
)

type Phase string

const (
	PhaseInit              Phase = "INIT"
	PhaseConnectRendezvous Phase = "CONNECT_RENDEZVOUS"
	PhaseDone              Phase = "DONE"

	// controller
	PhaseFundChannels Phase = "FUND_CHANNELS"
	PhaseInteractive  Phase = "INTERACTIVE"
	PhaseOneShot      Phase = "ONE_SHOT"
	PhaseTeardown     Phase = "TEARDOWN"

	// relay
	PhaseSyncWait             Phase = "SYNC_WAIT"
	PhaseBuildOutbound        Phase = "BUILD_OUTBOUND"
	PhaseFundRendezvous       Phase = "FUND_RENDEZVOUS"
	PhaseSaturated            Phase = "SATURATED"
	PhaseSteady               Phase = "STEADY"
	PhaseDisconnectRendezvous Phase = "DISCONNECT_RENDEZVOUS"
)

type phaseTracker struct {
	mu     sync.Mutex
	phase  Phase
	logger zerolog.Logger
}

// Phase returns the current state machine phase.
func (p *phaseTracker) Phase() Phase {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.phase
}

func (p *phaseTracker) enter(next Phase) {
	p.mu.Lock()
	prev := p.phase
	p.phase = next
	p.mu.Unlock()
	if prev != next {
		p.logger.Info().Str("from", string(prev)).Str("to", string(next)).Msg("phase transition")
	}
}
