// Package telemetry publishes a bounded-size JSON snapshot of each agent's
// state to a store an external aggregator can read.
package telemetry

import (
	"time"

	"github.com/LN-Testbed/DSN2026/internal/ledger"
)

type State string

const (
	StateInitializing State = "initializing"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateSending      State = "sending"
)

// NotSending is the receiver value outside of a delivery.
const NotSending = "not sending"

type ChannelStatus struct {
	ShortID   string `json:"short_id"`
	State     string `json:"state"`
	Capacity  uint64 `json:"capacity"`
	OurAmount uint64 `json:"our_amount"`
}

// Status is the snapshot written to the store. Times are unix seconds and
// channel amounts are msat.
type Status struct {
	Time        float64                  `json:"time"`
	ShortID     string                   `json:"short_id"`
	HostName    string                   `json:"host_name"`
	Counter     uint64                   `json:"counter"`
	Message     string                   `json:"message"`
	LastMsgTime float64                  `json:"last_msg_time"`
	State       State                    `json:"state"`
	Receiver    string                   `json:"receiver"`
	Channels    map[string]ChannelStatus `json:"channels"`
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}

// ChannelTable converts live channels to the snapshot form keyed by peer id.
func ChannelTable(channels []ledger.Channel) map[string]ChannelStatus {
	out := make(map[string]ChannelStatus, len(channels))
	for _, ch := range channels {
		out[ch.PeerID] = ChannelStatus{
			ShortID:   ledger.ShortID(ch.PeerID),
			State:     string(ch.State),
			Capacity:  ch.CapacityMsat,
			OurAmount: ch.OurAmountMsat,
		}
	}
	return out
}
