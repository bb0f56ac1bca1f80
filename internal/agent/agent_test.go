package agent

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/LN-Testbed/DSN2026/internal/config"
	"github.com/LN-Testbed/DSN2026/internal/ledger"
	"github.com/LN-Testbed/DSN2026/internal/ledger/ledgersim"
	"github.com/LN-Testbed/DSN2026/internal/propagation"
	"github.com/LN-Testbed/DSN2026/internal/telemetry"
	"github.com/LN-Testbed/DSN2026/internal/testutil/testlog"
)

const (
	rendezvous    = "rdv"
	controllerID  = "botmaster"
	relaySatoshis = 10_000_000
)

type testbed struct {
	t         *testing.T
	net       *ledgersim.Network
	root      string
	directory string
	shared    config.Shared
	store     *telemetry.FileStore
}

func testShared() config.Shared {
	s := config.DefaultShared()
	s.ActiveNodes = 2
	s.MaxPeers = 4
	s.ChannelCreationSleep = 0
	s.StatusUpdateInterval = time.Millisecond
	s.ChannelBalanceCounter = 1
	s.ChannelTimeout = time.Minute
	s.RetryMax = 2
	s.RetryInterval = time.Millisecond
	s.CandidateBackoff = time.Millisecond
	return s
}

func relayName(i int) string { return fmt.Sprintf("relay-%d", i) }

// newTestbed starts a network with the rendezvous node and an address
// directory listing relays relay-1..relay-n and the controller.
func newTestbed(t *testing.T, relays int, opts ...ledgersim.Option) *testbed {
	t.Helper()
	root := t.TempDir()
	var lines []string
	for i := 1; i <= relays; i++ {
		lines = append(lines, fmt.Sprintf("%s %s@sim:9735", relayName(i), relayName(i)))
	}
	lines = append(lines, fmt.Sprintf("%s %s@sim:9735", controllerID, controllerID))
	directory := filepath.Join(root, "ln_addresses.txt")
	if err := os.WriteFile(directory, []byte(strings.Join(lines, "\n")+"\n"), 0o600); err != nil {
		t.Fatalf("write directory: %v", err)
	}
	tb := &testbed{
		t:         t,
		net:       ledgersim.New(opts...),
		root:      root,
		directory: directory,
		shared:    testShared(),
		store:     telemetry.NewFileStore(filepath.Join(root, "status")),
	}
	tb.net.AddNode(rendezvous, "sim:9735", 0)
	return tb
}

func (tb *testbed) agentConfig(name string) config.Agent {
	a := config.DefaultAgent()
	a.Name = name
	a.StateDir = filepath.Join(tb.root, name)
	a.DirectoryFile = tb.directory
	a.RendezvousID = rendezvous
	a.RendezvousAddress = rendezvous + "@sim:9735"
	a.StatusStore = config.StatusStoreFile
	a.StatusDir = filepath.Join(tb.root, "status")
	return a
}

func (tb *testbed) session(role, name string, onchainSat uint64) *Session {
	tb.t.Helper()
	client := tb.net.AddNode(name, "sim:9735", onchainSat)
	s, err := NewSession(context.Background(), role, tb.shared, tb.agentConfig(name), client, tb.store, testlog.Logger(tb.t))
	if err != nil {
		tb.t.Fatalf("session %s: %v", name, err)
	}
	return s
}

func (tb *testbed) relay(i int) *Relay {
	tb.t.Helper()
	r := NewRelay(tb.session(RoleRelay, relayName(i), relaySatoshis))
	r.SetRand(rand.New(rand.NewPCG(uint64(i), 7)))
	return r
}

func (tb *testbed) controller(opts ControllerOptions) *Controller {
	tb.t.Helper()
	c := NewController(tb.session(RoleController, controllerID, 100_000_000), opts)
	c.SetRand(rand.New(rand.NewPCG(1, 2)))
	return c
}

func stepAll(t *testing.T, relays []*Relay, rounds int) {
	t.Helper()
	for round := 0; round < rounds; round++ {
		for _, r := range relays {
			if err := r.Step(context.Background()); err != nil {
				t.Fatalf("round %d step %s: %v", round, r.s.Name, err)
			}
		}
	}
}

func TestSessionResolvesIdentity(t *testing.T) {
	testlog.Start(t)
	tb := newTestbed(t, 1)
	s := tb.session(RoleRelay, relayName(1), relaySatoshis)
	want := Identity{ID: "relay-1", ShortID: "relay-1", Address: "relay-1@sim:9735"}
	if s.Identity != want {
		t.Fatalf("identity %+v want %+v", s.Identity, want)
	}
	if s.Rule.DiscoveryDivisor != 19 || s.Rule.ControllerDivisor != 123123 {
		t.Fatalf("unexpected rule %+v", s.Rule)
	}
}

func TestNewSessionRejectsMissingStore(t *testing.T) {
	testlog.Start(t)
	tb := newTestbed(t, 1)
	client := tb.net.AddNode("relay-1", "sim:9735", 1)
	if _, err := NewSession(context.Background(), RoleRelay, tb.shared, tb.agentConfig("relay-1"), client, nil, testlog.Logger(t)); err == nil {
		t.Fatalf("expected error for nil store")
	}
}

func TestOverlayBuildsAndPropagates(t *testing.T) {
	testlog.Start(t)
	ctx := context.Background()
	tb := newTestbed(t, 5)

	relays := make([]*Relay, 5)
	for i := range relays {
		relays[i] = tb.relay(i + 1)
		if err := relays[i].Start(ctx); err != nil {
			t.Fatalf("start %s: %v", relayName(i+1), err)
		}
	}
	stepAll(t, relays, 4)

	for _, r := range relays {
		m := r.s.Channels
		if got := len(m.Outbound()); got > tb.shared.ActiveNodes {
			t.Fatalf("%s opened %d outbound channels", r.s.Name, got)
		}
		if m.InboundCount() >= tb.shared.ActiveNodes && tb.net.Connected(r.s.Name, rendezvous) {
			t.Fatalf("%s is inbound saturated but still connected to the rendezvous", r.s.Name)
		}
	}
	for _, i := range []int{0, 1} {
		if !relays[i].RendezvousClosed() {
			t.Fatalf("%s should have left the rendezvous", relays[i].s.Name)
		}
	}
	for _, i := range []int{2, 3} {
		capacity, ok := tb.net.Capacity(relays[i].s.Name, rendezvous)
		if !ok || capacity != 190_000*1000 {
			t.Fatalf("%s rendezvous channel = %d, %v", relays[i].s.Name, capacity, ok)
		}
		if !relays[i].TopologyComplete() || relays[i].Phase() != PhaseSteady {
			t.Fatalf("%s topology incomplete, phase %s", relays[i].s.Name, relays[i].Phase())
		}
	}

	var out bytes.Buffer
	ctl := tb.controller(ControllerOptions{NumChannels: 1, EntryPoint: 0, Out: &out, SendSweepInterval: time.Millisecond})
	if err := ctl.s.ConnectRendezvous(ctx); err != nil {
		t.Fatalf("controller rendezvous: %v", err)
	}
	funded, err := ctl.FundChannels(ctx, 1, 0)
	if err != nil {
		t.Fatalf("fund: %v", err)
	}
	if !reflect.DeepEqual(funded, []string{"relay-1"}) {
		t.Fatalf("controller funded %v", funded)
	}
	if _, err := ctl.SendOnce(ctx, "ping"); err != nil {
		t.Fatalf("send: %v", err)
	}
	if !strings.Contains(out.String(), "send to relay-1 ok") {
		t.Fatalf("missing per-peer report in %q", out.String())
	}

	stepAll(t, relays, 2)

	statuses, err := telemetry.ReadAll(tb.store, telemetry.NewBuffer(tb.shared.BlockSize))
	if err != nil {
		t.Fatalf("read statuses: %v", err)
	}
	for _, r := range relays {
		st, ok := statuses[r.s.Name]
		if !ok {
			t.Fatalf("no status for %s", r.s.Name)
		}
		if st.Counter != 1 || st.Message != "ping" {
			t.Fatalf("%s status counter=%d message=%q", r.s.Name, st.Counter, st.Message)
		}
		if st.Receiver != telemetry.NotSending {
			t.Fatalf("%s left receiver %q", r.s.Name, st.Receiver)
		}
	}

	// Relays never relay over marked channels.
	invoices, err := tb.net.Client(controllerID).ListInvoices(ctx)
	if err != nil {
		t.Fatalf("controller invoices: %v", err)
	}
	if len(invoices) != 0 {
		t.Fatalf("controller received %d payments", len(invoices))
	}
}

func TestRelayAbortsStartWhenSaturated(t *testing.T) {
	testlog.Start(t)
	ctx := context.Background()
	tb := newTestbed(t, 0)
	r := tb.relay(1)
	self := tb.net.Client(relayName(1))
	for _, peer := range []string{"a", "b", "c", rendezvous} {
		if peer != rendezvous {
			tb.net.AddNode(peer, "sim:9735", 0)
		}
		if err := self.Connect(ctx, peer+"@sim:9735"); err != nil {
			t.Fatalf("connect %s: %v", peer, err)
		}
		if _, err := self.FundChannel(ctx, peer, 200_000); err != nil {
			t.Fatalf("fund %s: %v", peer, err)
		}
	}

	if err := r.Start(ctx); !errors.Is(err, ErrSaturated) {
		t.Fatalf("expected ErrSaturated, got %v", err)
	}
	if _, ok := tb.net.Capacity(relayName(1), rendezvous); ok {
		t.Fatalf("rendezvous channel should be closed")
	}
	if tb.net.Connected(relayName(1), rendezvous) {
		t.Fatalf("rendezvous should be disconnected")
	}
	if !r.RendezvousClosed() {
		t.Fatalf("close should be latched")
	}
	if err := r.DisconnectRendezvous(ctx); err != nil {
		t.Fatalf("second disconnect should be a no-op: %v", err)
	}
}

func TestRelayWaitsForChainSync(t *testing.T) {
	testlog.Start(t)
	tb := newTestbed(t, 1)
	r := tb.relay(1)
	tb.net.SetSynced(relayName(1), false)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := r.Start(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected start to block until deadline, got %v", err)
	}
	if r.Phase() != PhaseSyncWait {
		t.Fatalf("phase %s, want %s", r.Phase(), PhaseSyncWait)
	}

	tb.net.SetSynced(relayName(1), true)
	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("start after sync: %v", err)
	}
	if !tb.net.Connected(relayName(1), rendezvous) {
		t.Fatalf("expected rendezvous connection")
	}
}

func TestRelayRetriesUnreachableRendezvous(t *testing.T) {
	testlog.Start(t)
	ctx := context.Background()
	tb := newTestbed(t, 1)
	r := tb.relay(1)
	tb.net.FailNext(relayName(1), "connect", tb.shared.RetryMax)

	if err := r.Start(ctx); err != nil {
		t.Fatalf("unreachable rendezvous should not fail start: %v", err)
	}
	if tb.net.Connected(relayName(1), rendezvous) {
		t.Fatalf("rendezvous connect should have failed")
	}
	if err := r.Step(ctx); err != nil {
		t.Fatalf("step: %v", err)
	}
	if !tb.net.Connected(relayName(1), rendezvous) {
		t.Fatalf("step should reconnect the rendezvous")
	}
}

func TestRelayStartRejectsMissingRendezvousAddress(t *testing.T) {
	testlog.Start(t)
	tb := newTestbed(t, 1)
	client := tb.net.AddNode(relayName(1), "sim:9735", relaySatoshis)
	agentCfg := tb.agentConfig(relayName(1))
	agentCfg.RendezvousAddress = ""
	s, err := NewSession(context.Background(), RoleRelay, tb.shared, agentCfg, client, tb.store, testlog.Logger(t))
	if err != nil {
		t.Fatalf("session: %v", err)
	}
	if err := NewRelay(s).Start(context.Background()); !errors.Is(err, ledger.ErrFatalConfig) {
		t.Fatalf("expected ErrFatalConfig, got %v", err)
	}
}

func TestRelayResumesPendingCommandsAfterRestart(t *testing.T) {
	testlog.Start(t)
	ctx := context.Background()
	tb := newTestbed(t, 2)
	tb.shared.ChannelBalanceCounter = 100
	r1 := tb.relay(1)
	tb.relay(2)

	self := tb.net.Client(relayName(1))
	if err := self.Connect(ctx, relayName(2)+"@sim:9735"); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if _, err := self.FundChannel(ctx, relayName(2), 200_000); err != nil {
		t.Fatalf("fund relay channel: %v", err)
	}
	boss := tb.net.AddNode(controllerID, "sim:9735", 100_000_000)
	if err := boss.Connect(ctx, relayName(1)+"@sim:9735"); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if _, err := boss.FundChannel(ctx, relayName(1), 12_312_300); err != nil {
		t.Fatalf("fund controller channel: %v", err)
	}
	if _, err := boss.Keysend(ctx, relayName(1), 1, propagation.Records(propagation.Command{Payload: "ping", Counter: 1})); err != nil {
		t.Fatalf("keysend: %v", err)
	}

	// The command is taken in but every relay send fails.
	tb.net.FailNext(relayName(1), "keysend", tb.shared.RetryMax)
	if err := r1.Tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}
	invoices, _ := tb.net.Client(relayName(2)).ListInvoices(ctx)
	if len(invoices) != 0 {
		t.Fatalf("relay-2 should not have the command yet: %+v", invoices)
	}

	s, err := NewSession(ctx, RoleRelay, tb.shared, tb.agentConfig(relayName(1)), self, tb.store, testlog.Logger(t))
	if err != nil {
		t.Fatalf("session after restart: %v", err)
	}
	restarted := NewRelay(s)
	if st := restarted.s.Telemetry.Status(); st.Counter != 1 || st.Message != "ping" {
		t.Fatalf("status not restored: counter=%d message=%q", st.Counter, st.Message)
	}
	if err := restarted.Tick(ctx); err != nil {
		t.Fatalf("tick after restart: %v", err)
	}
	invoices, _ = tb.net.Client(relayName(2)).ListInvoices(ctx)
	if len(invoices) != 1 || invoices[0].Description != "keysend: ping|1" {
		t.Fatalf("pending command not resumed: %+v", invoices)
	}
}

func TestRelaySkipsFullRendezvous(t *testing.T) {
	testlog.Start(t)
	ctx := context.Background()
	tb := newTestbed(t, 3)
	for _, id := range []string{"x", "y"} {
		c := tb.net.AddNode(id, "sim:9735", relaySatoshis)
		if err := c.Connect(ctx, rendezvous+"@sim:9735"); err != nil {
			t.Fatalf("connect: %v", err)
		}
		// unmarked, so not discoverable
		if _, err := c.FundChannel(ctx, rendezvous, 100_001); err != nil {
			t.Fatalf("fund: %v", err)
		}
	}
	r := tb.relay(1)
	if err := r.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	funded, err := r.FundRendezvous(ctx)
	if err != nil || funded {
		t.Fatalf("expected skip, got funded=%v err=%v", funded, err)
	}
	if _, ok := tb.net.Capacity(relayName(1), rendezvous); ok {
		t.Fatalf("rendezvous channel should not exist")
	}

	tb.net.DropChannel("x", rendezvous)
	funded, err = r.FundRendezvous(ctx)
	if err != nil || !funded {
		t.Fatalf("expected funding, got funded=%v err=%v", funded, err)
	}
}

func TestRelayRefundsVanishedOutbound(t *testing.T) {
	testlog.Start(t)
	ctx := context.Background()
	tb := newTestbed(t, 2)
	r1, r2 := tb.relay(1), tb.relay(2)
	for _, r := range []*Relay{r1, r2} {
		if err := r.Start(ctx); err != nil {
			t.Fatalf("start: %v", err)
		}
	}
	if funded, err := r1.FundRendezvous(ctx); err != nil || !funded {
		t.Fatalf("relay-1 rendezvous: %v %v", funded, err)
	}
	opened, err := r2.BuildOutbound(ctx)
	if err != nil || opened != 1 {
		t.Fatalf("build outbound opened=%d err=%v", opened, err)
	}
	capacity, ok := tb.net.Capacity(relayName(2), relayName(1))
	if !ok || r2.s.Rule.IsMarked(int64(capacity/1000)) {
		t.Fatalf("outbound capacity %d should be unmarked", capacity)
	}

	tb.net.DropChannel(relayName(2), relayName(1))
	healthy, err := r2.CheckOutbound(ctx)
	if err != nil || healthy {
		t.Fatalf("expected refund pass, healthy=%v err=%v", healthy, err)
	}
	if _, ok := tb.net.Capacity(relayName(2), relayName(1)); !ok {
		t.Fatalf("outbound channel should be refunded")
	}

	tb.net.DropChannel(relayName(2), relayName(1))
	if err := tb.net.Client(relayName(2)).Disconnect(ctx, relayName(1)); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	if _, err := r2.CheckOutbound(ctx); err != nil {
		t.Fatalf("check outbound: %v", err)
	}
	if got := r2.s.Channels.Outbound(); len(got) != 0 {
		t.Fatalf("disconnected outbound peer should be dropped, have %v", got)
	}
}

func newControllerFixture(t *testing.T, out *bytes.Buffer) (*testbed, *Controller) {
	t.Helper()
	tb := newTestbed(t, 2)
	for i := 1; i <= 2; i++ {
		tb.net.AddNode(relayName(i), "sim:9735", 0)
	}
	ctl := tb.controller(ControllerOptions{Out: out, SendSweepInterval: time.Millisecond})
	return tb, ctl
}

func TestControllerFundSendTeardown(t *testing.T) {
	testlog.Start(t)
	ctx := context.Background()
	var out bytes.Buffer
	tb, ctl := newControllerFixture(t, &out)

	funded, err := ctl.FundChannels(ctx, 2, 50)
	if err != nil {
		t.Fatalf("fund: %v", err)
	}
	if !reflect.DeepEqual(funded, []string{"relay-1", "relay-2"}) {
		t.Fatalf("funded %v", funded)
	}
	capacity, _ := tb.net.Capacity(controllerID, "relay-1")
	if capacity != 12_312_300*1000 {
		t.Fatalf("controller capacity %d", capacity)
	}

	again, err := ctl.FundChannels(ctx, 2, 50)
	if err != nil || !reflect.DeepEqual(again, funded) {
		t.Fatalf("expected reuse, got %v %v", again, err)
	}
	if got := tb.net.FundedBy(controllerID); len(got) != 2 {
		t.Fatalf("reuse opened new channels: %v", got)
	}

	tb.net.FailNext(controllerID, "keysend", 2*tb.shared.RetryMax+1)
	if _, err := ctl.SendOnce(ctx, "hello"); err != nil {
		t.Fatalf("send: %v", err)
	}
	if got := ctl.s.Counter.Load(); got != 2 {
		t.Fatalf("counter %d, want 2", got)
	}
	if !strings.Contains(out.String(), "failed") || !strings.Contains(out.String(), "ok") {
		t.Fatalf("expected failed and ok reports, got %q", out.String())
	}
	var delivered int
	for i := 1; i <= 2; i++ {
		invoices, _ := tb.net.Client(relayName(i)).ListInvoices(ctx)
		for _, inv := range invoices {
			if inv.Description == "keysend: hello|1" {
				delivered++
			}
		}
	}
	if delivered == 0 {
		t.Fatalf("no relay received the command")
	}

	if err := ctl.Teardown(ctx); err != nil {
		t.Fatalf("teardown: %v", err)
	}
	if got := ctl.s.Counter.Load(); got != 0 {
		t.Fatalf("counter after teardown %d", got)
	}
	if n := tb.net.ChannelCount(controllerID); n != 0 {
		t.Fatalf("%d channels left after teardown", n)
	}
	if tb.net.Connected(controllerID, "relay-1") {
		t.Fatalf("teardown should disconnect")
	}
	if _, err := os.Stat(ctl.s.Funded.Path()); !os.IsNotExist(err) {
		t.Fatalf("funded peer file should be removed: %v", err)
	}
}

func TestControllerFundingTargetNotReached(t *testing.T) {
	testlog.Start(t)
	var out bytes.Buffer
	_, ctl := newControllerFixture(t, &out)
	funded, err := ctl.FundChannels(context.Background(), 3, 0)
	if !errors.Is(err, ErrFundingTarget) {
		t.Fatalf("expected ErrFundingTarget, got %v", err)
	}
	if funded == nil || len(funded) != 0 {
		t.Fatalf("expected empty set, got %v", funded)
	}
	if _, err := ctl.SendOnce(context.Background(), "x"); !errors.Is(err, ErrFundingTarget) {
		t.Fatalf("send without funded peers: %v", err)
	}
}

func TestControllerInteractive(t *testing.T) {
	testlog.Start(t)
	ctx := context.Background()
	var out bytes.Buffer
	tb, ctl := newControllerFixture(t, &out)
	if _, err := ctl.FundChannels(ctx, 1, -1); err != nil {
		t.Fatalf("fund: %v", err)
	}

	var session bytes.Buffer
	in := strings.NewReader("first\n\nsecond\nQUIT\nnever\n")
	if err := ctl.Interactive(ctx, in, &session); err != nil {
		t.Fatalf("interactive: %v", err)
	}
	text := session.String()
	for _, want := range []string{"Type 'quit' to exit.", "Enter command: ", "ok", "Exiting."} {
		if !strings.Contains(text, want) {
			t.Fatalf("missing %q in %q", want, text)
		}
	}
	if got := ctl.s.Counter.Load(); got != 3 {
		t.Fatalf("counter %d, want 3", got)
	}
	peer := ctl.Funded()[0]
	invoices, _ := tb.net.Client(peer).ListInvoices(ctx)
	var descs []string
	for _, inv := range invoices {
		descs = append(descs, inv.Description)
	}
	if !reflect.DeepEqual(descs, []string{"keysend: first|1", "keysend: second|2"}) {
		t.Fatalf("unexpected payments %v", descs)
	}
}

func TestControllerRunContinuesWithoutRendezvous(t *testing.T) {
	testlog.Start(t)
	ctx := context.Background()
	var out bytes.Buffer
	tb, ctl := newControllerFixture(t, &out)
	ctl.opts.NumChannels = 1
	ctl.opts.EntryPoint = 100
	ctl.opts.Message = "go"
	tb.net.FailNext(controllerID, "connect", tb.shared.RetryMax)

	if err := ctl.Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}
	if tb.net.Connected(controllerID, rendezvous) {
		t.Fatalf("rendezvous connect should have failed")
	}
	invoices, _ := tb.net.Client("relay-2").ListInvoices(ctx)
	if len(invoices) != 1 || invoices[0].Description != "keysend: go|1" {
		t.Fatalf("unexpected payments %+v", invoices)
	}
}

func TestControllerRejectsSeparatorInPayload(t *testing.T) {
	testlog.Start(t)
	ctx := context.Background()
	var out bytes.Buffer
	tb, ctl := newControllerFixture(t, &out)
	if _, err := ctl.FundChannels(ctx, 1, -1); err != nil {
		t.Fatalf("fund: %v", err)
	}
	if _, err := ctl.SendOnce(ctx, "a|b"); !errors.Is(err, propagation.ErrInvalidPayload) {
		t.Fatalf("expected ErrInvalidPayload, got %v", err)
	}
	if got := ctl.s.Counter.Load(); got != 1 {
		t.Fatalf("rejected payload advanced the counter to %d", got)
	}
	if n := tb.net.Keysends(controllerID); n != 0 {
		t.Fatalf("rejected payload was sent %d times", n)
	}
}

func TestControllerRunOneShotFresh(t *testing.T) {
	testlog.Start(t)
	ctx := context.Background()
	var out bytes.Buffer
	tb, ctl := newControllerFixture(t, &out)
	ctl.opts.NumChannels = 1
	ctl.opts.EntryPoint = 100
	ctl.opts.Message = "go"
	ctl.opts.Fresh = true

	if err := ctl.Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}
	if ctl.Phase() != PhaseDone {
		t.Fatalf("phase %s", ctl.Phase())
	}
	invoices, _ := tb.net.Client("relay-2").ListInvoices(ctx)
	if len(invoices) != 1 || invoices[0].Description != "keysend: go|1" {
		t.Fatalf("unexpected payments %+v", invoices)
	}
	if got := ctl.s.Counter.Load(); got != 0 {
		t.Fatalf("fresh run should reset the counter, got %d", got)
	}
	if n := tb.net.ChannelCount(controllerID); n != 0 {
		t.Fatalf("fresh run left %d channels", n)
	}
}
