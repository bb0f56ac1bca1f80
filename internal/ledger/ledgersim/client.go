package ledgersim

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/LN-Testbed/DSN2026/internal/ledger"
	"github.com/LN-Testbed/DSN2026/internal/protocol/tlv"
)

// Client is one node's view of the Network.
type Client struct {
	net *Network
	id  string
}

var _ ledger.Client = (*Client)(nil)

func (c *Client) ID() string { return c.id }

func (c *Client) self(op string) (*node, error) {
	nd := c.net.nodes[c.id]
	if nd == nil || !nd.online {
		return nil, &ledger.OpError{Op: op, Err: fmt.Errorf("%w: node %s offline", ledger.ErrTransient, c.id)}
	}
	if err := c.net.consumeFailure(nd, op); err != nil {
		return nil, err
	}
	return nd, nil
}

func (c *Client) GetInfo(ctx context.Context) (ledger.NodeInfo, error) {
	c.net.mu.Lock()
	defer c.net.mu.Unlock()
	if _, err := c.self("getinfo"); err != nil {
		return ledger.NodeInfo{}, err
	}
	return ledger.NodeInfo{ID: c.id, Alias: c.id, BlockHeight: 100}, nil
}

func (c *Client) Connect(ctx context.Context, address string) error {
	c.net.mu.Lock()
	defer c.net.mu.Unlock()
	nd, err := c.self("connect")
	if err != nil {
		return err
	}
	peerID := ledger.PeerIDFromAddress(address)
	other := c.net.nodes[peerID]
	if other == nil || !other.online || peerID == c.id {
		return &ledger.OpError{Op: "connect", Peer: peerID, Err: fmt.Errorf("%w: unreachable", ledger.ErrTransient)}
	}
	nd.peers[peerID] = true
	other.peers[c.id] = true
	return nil
}

func (c *Client) Disconnect(ctx context.Context, peerID string) error {
	c.net.mu.Lock()
	defer c.net.mu.Unlock()
	nd, err := c.self("disconnect")
	if err != nil {
		return err
	}
	delete(nd.peers, peerID)
	if other := c.net.nodes[peerID]; other != nil {
		delete(other.peers, c.id)
	}
	return nil
}

func (c *Client) ListPeers(ctx context.Context) ([]ledger.Peer, error) {
	c.net.mu.Lock()
	defer c.net.mu.Unlock()
	nd, err := c.self("listpeers")
	if err != nil {
		return nil, err
	}
	out := make([]ledger.Peer, 0, len(nd.peers))
	for id := range nd.peers {
		out = append(out, ledger.Peer{ID: id, Connected: true})
	}
	return out, nil
}

// ListChannels gossips both directions of every NORMAL channel.
func (c *Client) ListChannels(ctx context.Context, source string) ([]ledger.GossipChannel, error) {
	c.net.mu.Lock()
	defer c.net.mu.Unlock()
	if _, err := c.self("listchannels"); err != nil {
		return nil, err
	}
	out := make([]ledger.GossipChannel, 0)
	for _, ch := range c.net.channels {
		if ch.state != ledger.StateNormal {
			continue
		}
		for _, dir := range [][2]string{{ch.a, ch.b}, {ch.b, ch.a}} {
			if source != "" && dir[0] != source {
				continue
			}
			out = append(out, ledger.GossipChannel{Source: dir[0], Destination: dir[1], AmountMsat: ch.capacity})
		}
	}
	return out, nil
}

func (c *Client) ListFunds(ctx context.Context) (ledger.Funds, error) {
	c.net.mu.Lock()
	defer c.net.mu.Unlock()
	nd, err := c.self("listfunds")
	if err != nil {
		return ledger.Funds{}, err
	}
	funds := ledger.Funds{}
	if nd.onchain > 0 {
		funds.Outputs = append(funds.Outputs, ledger.Output{AmountMsat: nd.onchain, Confirmed: true})
	}
	for _, ch := range c.net.channels {
		if !ch.has(c.id) {
			continue
		}
		funds.Channels = append(funds.Channels, ledger.Channel{
			PeerID:        ch.other(c.id),
			State:         ch.state,
			CapacityMsat:  ch.capacity,
			OurAmountMsat: ch.ours(c.id),
		})
	}
	return funds, nil
}

func (c *Client) FundChannel(ctx context.Context, peerID string, amountSat uint64) (string, error) {
	c.net.mu.Lock()
	defer c.net.mu.Unlock()
	nd, err := c.self("fundchannel")
	if err != nil {
		return "", err
	}
	if !nd.peers[peerID] {
		return "", &ledger.OpError{Op: "fundchannel", Peer: peerID, Err: fmt.Errorf("%w: peer not connected", ledger.ErrTransient)}
	}
	if c.net.find(c.id, peerID) != nil {
		return "", &ledger.OpError{Op: "fundchannel", Peer: peerID, Err: fmt.Errorf("%w: channel already exists", ledger.ErrTransient)}
	}
	amount := amountSat * 1000
	if nd.onchain < amount {
		return "", &ledger.OpError{Op: "fundchannel", Peer: peerID, Err: fmt.Errorf("%w: insufficient funds", ledger.ErrTransient)}
	}
	nd.onchain -= amount
	state := ledger.StateAwaitingNormal
	if c.net.autoConfirm {
		state = ledger.StateNormal
	}
	c.net.channels = append(c.net.channels, &channel{a: c.id, b: peerID, capacity: amount, balanceA: amount, state: state})
	sum := sha256.Sum256([]byte(c.id + peerID + fmt.Sprint(len(c.net.channels))))
	return hex.EncodeToString(sum[:]), nil
}

func (c *Client) CloseChannel(ctx context.Context, peerID string) error {
	c.net.mu.Lock()
	defer c.net.mu.Unlock()
	nd, err := c.self("close")
	if err != nil {
		return err
	}
	ch := c.net.find(c.id, peerID)
	if ch == nil {
		return &ledger.OpError{Op: "close", Peer: peerID, Err: fmt.Errorf("%w: no channel", ledger.ErrTransient)}
	}
	nd.onchain += ch.ours(c.id)
	if other := c.net.nodes[peerID]; other != nil {
		other.onchain += ch.ours(peerID)
	}
	c.net.removeChannel(c.id, peerID)
	return nil
}

func (c *Client) Keysend(ctx context.Context, peerID string, amountMsat uint64, records tlv.ExtraRecords) (ledger.KeysendResult, error) {
	c.net.mu.Lock()
	defer c.net.mu.Unlock()
	nd, err := c.self("keysend")
	if err != nil {
		return ledger.KeysendResult{}, err
	}
	ch := c.net.find(c.id, peerID)
	if ch == nil || ch.state != ledger.StateNormal {
		return ledger.KeysendResult{}, &ledger.OpError{Op: "keysend", Peer: peerID, Err: fmt.Errorf("%w: no route", ledger.ErrTransient)}
	}
	dest := c.net.nodes[peerID]
	if dest == nil || !dest.online {
		return ledger.KeysendResult{}, &ledger.OpError{Op: "keysend", Peer: peerID, Err: fmt.Errorf("%w: destination offline", ledger.ErrTransient)}
	}
	if ch.ours(c.id) < amountMsat {
		return ledger.KeysendResult{}, &ledger.OpError{Op: "keysend", Peer: peerID, Err: fmt.Errorf("%w: insufficient liquidity", ledger.ErrTransient)}
	}

	decoded, err := records.Records()
	if err != nil {
		return ledger.KeysendResult{}, &ledger.OpError{Op: "keysend", Peer: peerID, Err: err}
	}
	onion, err := tlv.EncodeStream(decoded)
	if err != nil {
		return ledger.KeysendResult{}, &ledger.OpError{Op: "keysend", Peer: peerID, Err: err}
	}

	if ch.a == c.id {
		ch.balanceA -= amountMsat
	} else {
		ch.balanceA += amountMsat
	}
	nd.keysends++
	dest.payIndex++
	dest.invoices = append(dest.invoices, ledger.Invoice{
		Label:       fmt.Sprintf("keysend-%d", dest.payIndex),
		Status:      "paid",
		PayIndex:    dest.payIndex,
		Description: describe(onion),
	})
	sum := sha256.Sum256(onion)
	return ledger.KeysendResult{PaymentHash: hex.EncodeToString(sum[:]), Status: "complete"}, nil
}

// describe mirrors the keysend plugin: the message record becomes the
// invoice description.
func describe(onion []byte) string {
	records, err := tlv.DecodeStream(onion)
	if err != nil {
		return "keysend"
	}
	if msg, ok := tlv.GetRecord(records, tlv.MessageType); ok {
		return "keysend: " + string(msg.Value)
	}
	return "keysend"
}

func (c *Client) ListInvoices(ctx context.Context) ([]ledger.Invoice, error) {
	c.net.mu.Lock()
	defer c.net.mu.Unlock()
	nd, err := c.self("listinvoices")
	if err != nil {
		return nil, err
	}
	return append([]ledger.Invoice(nil), nd.invoices...), nil
}

func (c *Client) Synced(ctx context.Context) (bool, error) {
	c.net.mu.Lock()
	defer c.net.mu.Unlock()
	nd, err := c.self("synced")
	if err != nil {
		return false, err
	}
	return nd.synced, nil
}
