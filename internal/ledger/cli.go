package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/LN-Testbed/DSN2026/internal/protocol/tlv"
	"github.com/LN-Testbed/DSN2026/internal/tools"
	"github.com/rs/zerolog"
)

// CLIConfig locates the node binaries.
type CLIConfig struct {
	LightningCLI  string
	LightningArgs []string
	BitcoinCLI    string
	BitcoinArgs   []string
}

func DefaultCLIConfig() CLIConfig {
	return CLIConfig{
		LightningCLI:  "lightning-cli",
		LightningArgs: []string{"--regtest"},
		BitcoinCLI:    "bitcoin-cli",
		BitcoinArgs:   []string{"--regtest"},
	}
}

// CLIClient drives a core-lightning node through lightning-cli in
// keyword-argument mode.
type CLIClient struct {
	cfg    CLIConfig
	runner tools.CommandRunner
	logger zerolog.Logger
}

func NewCLIClient(cfg CLIConfig, runner tools.CommandRunner, logger zerolog.Logger) *CLIClient {
	if strings.TrimSpace(cfg.LightningCLI) == "" {
		cfg.LightningCLI = "lightning-cli"
	}
	if strings.TrimSpace(cfg.BitcoinCLI) == "" {
		cfg.BitcoinCLI = "bitcoin-cli"
	}
	if runner == nil {
		runner = tools.ExecRunner{}
	}
	return &CLIClient{cfg: cfg, runner: runner, logger: logger.With().Str("component", "ledger").Logger()}
}

// Msat accepts both integer and legacy "123msat" encodings.
type Msat uint64

func (m *Msat) UnmarshalJSON(b []byte) error {
	raw := strings.Trim(strings.TrimSpace(string(b)), `"`)
	raw = strings.TrimSuffix(raw, "msat")
	if raw == "" || raw == "null" {
		*m = 0
		return nil
	}
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return fmt.Errorf("ledger: invalid msat %q: %w", string(b), err)
	}
	*m = Msat(v)
	return nil
}

func (c *CLIClient) call(ctx context.Context, peer, method string, params []string, out any) error {
	args := append(append([]string{}, c.cfg.LightningArgs...), "-k", method)
	args = append(args, params...)
	c.logger.Debug().Str("method", method).Strs("params", params).Msg("lightning-cli")

	stdout, stderr, code, err := c.runner.Run(ctx, c.cfg.LightningCLI, args...)
	if err != nil {
		if code == 127 {
			return &OpError{Op: method, Peer: peer, Err: fmt.Errorf("%w: %s: %v", ErrFatalConfig, c.cfg.LightningCLI, err)}
		}
		detail := strings.TrimSpace(string(stderr))
		if detail == "" {
			detail = strings.TrimSpace(string(stdout))
		}
		return &OpError{Op: method, Peer: peer, Err: fmt.Errorf("%w: exit=%d %s", ErrTransient, code, detail)}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(stdout, out); err != nil {
		return &OpError{Op: method, Peer: peer, Err: fmt.Errorf("%w: decode response: %v", ErrTransient, err)}
	}
	return nil
}

func (c *CLIClient) GetInfo(ctx context.Context) (NodeInfo, error) {
	var resp struct {
		ID          string `json:"id"`
		Alias       string `json:"alias"`
		BlockHeight uint64 `json:"blockheight"`
	}
	if err := c.call(ctx, "", "getinfo", nil, &resp); err != nil {
		return NodeInfo{}, err
	}
	return NodeInfo{ID: resp.ID, Alias: resp.Alias, BlockHeight: resp.BlockHeight}, nil
}

func (c *CLIClient) Connect(ctx context.Context, address string) error {
	return c.call(ctx, PeerIDFromAddress(address), "connect", []string{"id=" + address}, nil)
}

func (c *CLIClient) Disconnect(ctx context.Context, peerID string) error {
	return c.call(ctx, peerID, "disconnect", []string{"id=" + peerID, "force=true"}, nil)
}

func (c *CLIClient) ListPeers(ctx context.Context) ([]Peer, error) {
	var resp struct {
		Peers []struct {
			ID        string `json:"id"`
			Connected bool   `json:"connected"`
		} `json:"peers"`
	}
	if err := c.call(ctx, "", "listpeers", nil, &resp); err != nil {
		return nil, err
	}
	out := make([]Peer, 0, len(resp.Peers))
	for _, p := range resp.Peers {
		out = append(out, Peer{ID: p.ID, Connected: p.Connected})
	}
	return out, nil
}

func (c *CLIClient) ListChannels(ctx context.Context, source string) ([]GossipChannel, error) {
	var params []string
	if source != "" {
		params = []string{"source=" + source}
	}
	var resp struct {
		Channels []struct {
			Source      string `json:"source"`
			Destination string `json:"destination"`
			AmountMsat  Msat   `json:"amount_msat"`
		} `json:"channels"`
	}
	if err := c.call(ctx, "", "listchannels", params, &resp); err != nil {
		return nil, err
	}
	out := make([]GossipChannel, 0, len(resp.Channels))
	for _, ch := range resp.Channels {
		out = append(out, GossipChannel{Source: ch.Source, Destination: ch.Destination, AmountMsat: uint64(ch.AmountMsat)})
	}
	return out, nil
}

func (c *CLIClient) ListFunds(ctx context.Context) (Funds, error) {
	var resp struct {
		Outputs []struct {
			AmountMsat Msat   `json:"amount_msat"`
			Status     string `json:"status"`
			Reserved   bool   `json:"reserved"`
		} `json:"outputs"`
		Channels []struct {
			PeerID        string `json:"peer_id"`
			AmountMsat    Msat   `json:"amount_msat"`
			OurAmountMsat Msat   `json:"our_amount_msat"`
			State         string `json:"state"`
		} `json:"channels"`
	}
	if err := c.call(ctx, "", "listfunds", nil, &resp); err != nil {
		return Funds{}, err
	}
	funds := Funds{
		Outputs:  make([]Output, 0, len(resp.Outputs)),
		Channels: make([]Channel, 0, len(resp.Channels)),
	}
	for _, o := range resp.Outputs {
		funds.Outputs = append(funds.Outputs, Output{
			AmountMsat: uint64(o.AmountMsat),
			Confirmed:  o.Status == "confirmed",
			Reserved:   o.Reserved,
		})
	}
	for _, ch := range resp.Channels {
		funds.Channels = append(funds.Channels, Channel{
			PeerID:        ch.PeerID,
			State:         ParseChannelState(ch.State),
			CapacityMsat:  uint64(ch.AmountMsat),
			OurAmountMsat: uint64(ch.OurAmountMsat),
		})
	}
	return funds, nil
}

func (c *CLIClient) FundChannel(ctx context.Context, peerID string, amountSat uint64) (string, error) {
	var resp struct {
		ChannelID string `json:"channel_id"`
	}
	params := []string{"id=" + peerID, "amount=" + strconv.FormatUint(amountSat, 10)}
	if err := c.call(ctx, peerID, "fundchannel", params, &resp); err != nil {
		return "", err
	}
	return resp.ChannelID, nil
}

func (c *CLIClient) CloseChannel(ctx context.Context, peerID string) error {
	return c.call(ctx, peerID, "close", []string{"id=" + peerID}, nil)
}

func (c *CLIClient) Keysend(ctx context.Context, peerID string, amountMsat uint64, records tlv.ExtraRecords) (KeysendResult, error) {
	params := []string{"destination=" + peerID, "amount_msat=" + strconv.FormatUint(amountMsat, 10)}
	if len(records) > 0 {
		b, err := json.Marshal(records)
		if err != nil {
			return KeysendResult{}, &OpError{Op: "keysend", Peer: peerID, Err: err}
		}
		params = append(params, "extratlvs="+string(b))
	}
	var resp struct {
		PaymentHash string `json:"payment_hash"`
		Status      string `json:"status"`
	}
	if err := c.call(ctx, peerID, "keysend", params, &resp); err != nil {
		return KeysendResult{}, err
	}
	if resp.Status != "" && resp.Status != "complete" {
		return KeysendResult{}, &OpError{Op: "keysend", Peer: peerID, Err: fmt.Errorf("%w: status %s", ErrTransient, resp.Status)}
	}
	return KeysendResult{PaymentHash: resp.PaymentHash, Status: resp.Status}, nil
}

func (c *CLIClient) ListInvoices(ctx context.Context) ([]Invoice, error) {
	var resp struct {
		Invoices []struct {
			Label       string `json:"label"`
			Status      string `json:"status"`
			PayIndex    *int64 `json:"pay_index"`
			Description string `json:"description"`
		} `json:"invoices"`
	}
	if err := c.call(ctx, "", "listinvoices", nil, &resp); err != nil {
		return nil, err
	}
	out := make([]Invoice, 0, len(resp.Invoices))
	for _, inv := range resp.Invoices {
		idx := int64(-1)
		if inv.PayIndex != nil {
			idx = *inv.PayIndex
		}
		out = append(out, Invoice{Label: inv.Label, Status: inv.Status, PayIndex: idx, Description: inv.Description})
	}
	return out, nil
}

func (c *CLIClient) Synced(ctx context.Context) (bool, error) {
	args := append(append([]string{}, c.cfg.BitcoinArgs...), "getblockcount")
	stdout, stderr, code, err := c.runner.Run(ctx, c.cfg.BitcoinCLI, args...)
	if err != nil {
		if code == 127 {
			return false, &OpError{Op: "getblockcount", Err: fmt.Errorf("%w: %s: %v", ErrFatalConfig, c.cfg.BitcoinCLI, err)}
		}
		return false, &OpError{Op: "getblockcount", Err: fmt.Errorf("%w: %s", ErrTransient, strings.TrimSpace(string(stderr)))}
	}
	height, err := strconv.ParseUint(strings.TrimSpace(string(stdout)), 10, 64)
	if err != nil {
		c.logger.Warn().Str("output", string(stdout)).Msg("could not parse chain height")
		return false, nil
	}
	info, err := c.GetInfo(ctx)
	if err != nil {
		return false, err
	}
	c.logger.Debug().Uint64("chain", height).Uint64("node", info.BlockHeight).Msg("sync check")
	return height == info.BlockHeight, nil
}
