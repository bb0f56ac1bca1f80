// Package ledger describes the payment-channel node the agents drive and
// ships a lightning-cli backed implementation of it.
package ledger

import (
	"context"
	"strings"
	"time"

	"github.com/LN-Testbed/DSN2026/internal/protocol/tlv"
)

type ChannelState string

const (
	StateOpening        ChannelState = "OPENING"
	StateAwaitingNormal ChannelState = "AWAITING_NORMAL"
	StateNormal         ChannelState = "NORMAL"
	StateClosing        ChannelState = "CLOSING"
	StateOnchain        ChannelState = "ONCHAIN"
	StateClosed         ChannelState = "CLOSED"
)

// NotConnecting reports whether a channel is past its opening phase.
func (s ChannelState) NotConnecting() bool {
	return s == StateNormal || s == StateOnchain
}

// Settled reports whether no further lifecycle transition is expected
// without an explicit request.
func (s ChannelState) Settled() bool {
	return s == StateNormal || s == StateOnchain || s == StateClosed
}

// Pending reports whether a channel is still waiting to reach NORMAL.
func (s ChannelState) Pending() bool {
	return s == StateOpening || s == StateAwaitingNormal
}

// Live reports whether a channel is open or on its way to being open.
func (s ChannelState) Live() bool {
	return s.Pending() || s == StateNormal
}

// ParseChannelState maps core-lightning channel states onto ChannelState.
func ParseChannelState(raw string) ChannelState {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "OPENINGD", "DUALOPEND_OPEN_INIT", "DUALOPEND_OPEN_COMMITTED", "OPENING":
		return StateOpening
	case "CHANNELD_AWAITING_LOCKIN", "DUALOPEND_AWAITING_LOCKIN", "CHANNELD_AWAITING_SPLICE", "AWAITING_NORMAL":
		return StateAwaitingNormal
	case "CHANNELD_NORMAL", "NORMAL":
		return StateNormal
	case "CHANNELD_SHUTTING_DOWN", "CLOSINGD_SIGEXCHANGE", "CLOSINGD_COMPLETE",
		"AWAITING_UNILATERAL", "FUNDING_SPEND_SEEN", "CLOSING":
		return StateClosing
	case "ONCHAIN":
		return StateOnchain
	case "CLOSED":
		return StateClosed
	default:
		return StateOpening
	}
}

type NodeInfo struct {
	ID          string
	Alias       string
	BlockHeight uint64
}

type Peer struct {
	ID        string
	Connected bool
}

// Channel is one of our own channels as seen by listfunds.
type Channel struct {
	PeerID        string
	State         ChannelState
	CapacityMsat  uint64
	OurAmountMsat uint64
	OpenedAt      time.Time
}

// GossipChannel is one direction of a public channel as seen by listchannels.
type GossipChannel struct {
	Source      string
	Destination string
	AmountMsat  uint64
}

type Output struct {
	AmountMsat uint64
	Confirmed  bool
	Reserved   bool
}

type Funds struct {
	Outputs  []Output
	Channels []Channel
}

// SpendableMsat sums confirmed, unreserved on-chain outputs.
func (f Funds) SpendableMsat() uint64 {
	var total uint64
	for _, o := range f.Outputs {
		if o.Confirmed && !o.Reserved {
			total += o.AmountMsat
		}
	}
	return total
}

type Invoice struct {
	Label       string
	Status      string
	PayIndex    int64
	Description string
}

type KeysendResult struct {
	PaymentHash string
	Status      string
}

// Client is the payment-channel node. Every call may fail transiently.
type Client interface {
	GetInfo(ctx context.Context) (NodeInfo, error)
	Connect(ctx context.Context, address string) error
	Disconnect(ctx context.Context, peerID string) error
	ListPeers(ctx context.Context) ([]Peer, error)
	// ListChannels returns gossip channels; an empty source lists all.
	ListChannels(ctx context.Context, source string) ([]GossipChannel, error)
	ListFunds(ctx context.Context) (Funds, error)
	FundChannel(ctx context.Context, peerID string, amountSat uint64) (string, error)
	CloseChannel(ctx context.Context, peerID string) error
	Keysend(ctx context.Context, peerID string, amountMsat uint64, records tlv.ExtraRecords) (KeysendResult, error)
	ListInvoices(ctx context.Context) ([]Invoice, error)
	// Synced reports whether the node has caught up with the chain tip.
	Synced(ctx context.Context) (bool, error)
}

// ShortID is the last 8 characters of a node id.
func ShortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[len(id)-8:]
}

// PeerIDFromAddress strips the "@host:port" suffix of a connect address.
func PeerIDFromAddress(address string) string {
	id, _, _ := strings.Cut(strings.TrimSpace(address), "@")
	return id
}
