// Package ledgersim is an in-memory payment-channel network. Each node is
// reachable through a ledger.Client so agents can run unchanged against it
// in tests and dry runs. Closes settle instantly and keysends only travel
// over direct channels.
package ledgersim

import (
	"fmt"
	"sort"
	"sync"

	"github.com/LN-Testbed/DSN2026/internal/ledger"
)

type node struct {
	id       string
	address  string
	onchain  uint64 // msat
	synced   bool
	online   bool
	peers    map[string]bool
	invoices []ledger.Invoice
	payIndex int64
	failNext map[string]int
	keysends int
}

type channel struct {
	a, b     string // a funded the channel
	capacity uint64 // msat
	balanceA uint64 // msat
	state    ledger.ChannelState
}

func (c *channel) has(id string) bool { return c.a == id || c.b == id }

func (c *channel) other(id string) string {
	if c.a == id {
		return c.b
	}
	return c.a
}

func (c *channel) ours(id string) uint64 {
	if c.a == id {
		return c.balanceA
	}
	return c.capacity - c.balanceA
}

// Network is safe for concurrent use.
type Network struct {
	mu          sync.Mutex
	nodes       map[string]*node
	channels    []*channel
	autoConfirm bool
}

type Option func(*Network)

// WithManualConfirm leaves funded channels in AWAITING_NORMAL until Confirm.
func WithManualConfirm() Option {
	return func(n *Network) { n.autoConfirm = false }
}

func New(opts ...Option) *Network {
	n := &Network{
		nodes:       make(map[string]*node),
		autoConfirm: true,
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// AddNode registers a node with onchainSat spendable satoshis and returns
// its client.
func (n *Network) AddNode(id, address string, onchainSat uint64) *Client {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.nodes[id] = &node{
		id:       id,
		address:  address,
		onchain:  onchainSat * 1000,
		synced:   true,
		online:   true,
		peers:    make(map[string]bool),
		failNext: make(map[string]int),
	}
	return &Client{net: n, id: id}
}

// Client returns the client for an existing node.
func (n *Network) Client(id string) *Client {
	return &Client{net: n, id: id}
}

// Confirm promotes every pending channel to NORMAL.
func (n *Network) Confirm() {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, ch := range n.channels {
		if ch.state == ledger.StateOpening || ch.state == ledger.StateAwaitingNormal {
			ch.state = ledger.StateNormal
		}
	}
}

// SetChannelState forces the state of the channel between a and b.
func (n *Network) SetChannelState(a, b string, state ledger.ChannelState) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	ch := n.find(a, b)
	if ch == nil {
		return false
	}
	ch.state = state
	return true
}

// SetBalance sets a's side of the channel between a and b.
func (n *Network) SetBalance(a, b string, ourMsat uint64) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	ch := n.find(a, b)
	if ch == nil || ourMsat > ch.capacity {
		return false
	}
	if ch.a == a {
		ch.balanceA = ourMsat
	} else {
		ch.balanceA = ch.capacity - ourMsat
	}
	return true
}

// DropChannel removes a channel without touching peer connections.
func (n *Network) DropChannel(a, b string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.removeChannel(a, b)
}

// FailNext makes the next count calls of op on node id fail transiently.
func (n *Network) FailNext(id, op string, count int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if nd := n.nodes[id]; nd != nil {
		nd.failNext[op] = count
	}
}

// SetSynced toggles the chain-sync flag reported by Synced.
func (n *Network) SetSynced(id string, synced bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if nd := n.nodes[id]; nd != nil {
		nd.synced = synced
	}
}

// Kill takes a node offline: connections drop and its channels vanish.
func (n *Network) Kill(id string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	nd := n.nodes[id]
	if nd == nil {
		return
	}
	nd.online = false
	for peer := range nd.peers {
		if other := n.nodes[peer]; other != nil {
			delete(other.peers, id)
		}
	}
	nd.peers = make(map[string]bool)
	kept := n.channels[:0]
	for _, ch := range n.channels {
		if !ch.has(id) {
			kept = append(kept, ch)
		}
	}
	n.channels = kept
}

// ChannelCount returns how many channels id is a party to.
func (n *Network) ChannelCount(id string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	count := 0
	for _, ch := range n.channels {
		if ch.has(id) {
			count++
		}
	}
	return count
}

// FundedBy returns the peers id opened channels to, sorted.
func (n *Network) FundedBy(id string) []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, 0)
	for _, ch := range n.channels {
		if ch.a == id {
			out = append(out, ch.b)
		}
	}
	sort.Strings(out)
	return out
}

// Connected reports whether a and b hold a live connection.
func (n *Network) Connected(a, b string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	nd := n.nodes[a]
	return nd != nil && nd.peers[b]
}

// Keysends returns how many keysends id has sent successfully.
func (n *Network) Keysends(id string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	if nd := n.nodes[id]; nd != nil {
		return nd.keysends
	}
	return 0
}

// Capacity returns the capacity in msat of the channel between a and b.
func (n *Network) Capacity(a, b string) (uint64, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	ch := n.find(a, b)
	if ch == nil {
		return 0, false
	}
	return ch.capacity, true
}

func (n *Network) find(a, b string) *channel {
	for _, ch := range n.channels {
		if ch.has(a) && ch.other(a) == b {
			return ch
		}
	}
	return nil
}

func (n *Network) removeChannel(a, b string) bool {
	for i, ch := range n.channels {
		if ch.has(a) && ch.other(a) == b {
			n.channels = append(n.channels[:i], n.channels[i+1:]...)
			return true
		}
	}
	return false
}

func (n *Network) consumeFailure(nd *node, op string) error {
	if nd.failNext[op] > 0 {
		nd.failNext[op]--
		return &ledger.OpError{Op: op, Err: fmt.Errorf("%w: injected", ledger.ErrTransient)}
	}
	return nil
}
