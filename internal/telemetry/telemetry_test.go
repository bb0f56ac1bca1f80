package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/LN-Testbed/DSN2026/internal/discovery"
	"github.com/LN-Testbed/DSN2026/internal/ledger"
	"github.com/LN-Testbed/DSN2026/internal/testutil/testlog"
	"github.com/gin-gonic/gin"
)

var rule = discovery.Rule{DiscoveryDivisor: 19, ControllerDivisor: 123123}

func TestBlockSize(t *testing.T) {
	testlog.Start(t)
	if got := BlockSize(2); got != 1228 {
		t.Fatalf("BlockSize(2)=%d", got)
	}
	if got := BlockSize(0); got != 614 {
		t.Fatalf("BlockSize(0)=%d", got)
	}
}

func TestBufferFramesSnapshots(t *testing.T) {
	testlog.Start(t)
	buf := NewBuffer(512)
	in := Status{ShortID: "abcdefgh", HostName: "relay-1", Counter: 4, State: StateConnected, Receiver: NotSending, Channels: map[string]ChannelStatus{}}
	block, err := buf.Encode(in)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if len(block) != 512 || block[511] != 0 {
		t.Fatalf("block should be NUL padded to capacity")
	}
	out, err := buf.Decode(block)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.ShortID != in.ShortID || out.Counter != 4 || out.State != StateConnected {
		t.Fatalf("unexpected decode %+v", out)
	}

	payload, _ := json.Marshal(in)
	if !buf.Fits(len(payload)) || NewBuffer(len(payload)).Fits(len(payload)) {
		t.Fatalf("Fits must leave room for the terminator")
	}
	if _, err := NewBuffer(len(payload)).Encode(in); !errors.Is(err, ErrSnapshotTooLarge) {
		t.Fatalf("expected ErrSnapshotTooLarge, got %v", err)
	}
	if _, err := buf.Decode(make([]byte, 16)); err == nil {
		t.Fatalf("empty block should not decode")
	}
}

func longChannels(n int) []ledger.Channel {
	out := make([]ledger.Channel, n)
	for i := range out {
		out[i] = ledger.Channel{
			PeerID:        fmt.Sprintf("02%062d", i),
			State:         ledger.StateNormal,
			CapacityMsat:  190_000_000,
			OurAmountMsat: 95_000_000,
		}
	}
	return out
}

func TestPublishOversizeKeepsPreviousSnapshot(t *testing.T) {
	testlog.Start(t)
	store := NewFileStore(t.TempDir())
	buf := NewBuffer(BlockSize(1))
	pub := NewPublisher("relay-1", "03ffffffffaaaaaaaa", buf, store, testlog.Logger(t))
	ctx := context.Background()

	if err := pub.Publish(ctx, longChannels(1)); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := pub.Publish(ctx, longChannels(12)); !errors.Is(err, ErrSnapshotTooLarge) {
		t.Fatalf("expected oversize rejection, got %v", err)
	}
	block, err := store.Read("relay-1")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	s, err := buf.Decode(block)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(s.Channels) != 1 || s.ShortID != "aaaaaaaa" {
		t.Fatalf("previous snapshot should remain: %+v", s)
	}
}

func TestShmStoreRoundTrip(t *testing.T) {
	testlog.Start(t)
	dir := t.TempDir()
	buf := NewBuffer(256)
	store, err := NewShmStore(dir, buf.Capacity())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	for i, name := range []string{"relay-1", "relay-2"} {
		block, err := buf.Encode(Status{HostName: name, Counter: uint64(i + 1)})
		if err != nil {
			t.Fatalf("encode: %v", err)
		}
		if err := store.Write(name, block); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	// shorter second write must not leave stale bytes behind
	block, _ := buf.Encode(Status{HostName: "r", Counter: 9})
	if err := store.Write("relay-1", block); err != nil {
		t.Fatalf("rewrite: %v", err)
	}

	all, err := ReadAll(store, buf)
	if err != nil {
		t.Fatalf("read all: %v", err)
	}
	if len(all) != 2 || all["relay-1"].Counter != 9 || all["relay-2"].Counter != 2 {
		t.Fatalf("unexpected snapshots %+v", all)
	}
	if _, err := store.Read("missing"); !errors.Is(err, ErrNoSnapshot) {
		t.Fatalf("expected ErrNoSnapshot, got %v", err)
	}
	if err := store.Write("relay-3", []byte("short")); err == nil {
		t.Fatalf("blocks must match the segment size")
	}
}

func TestSendingSubState(t *testing.T) {
	testlog.Start(t)
	pub := NewPublisher("relay-1", "id", NewBuffer(1024), NewFileStore(t.TempDir()), testlog.Logger(t))
	pub.SetState(StateConnected)
	if err := pub.BeginSending("02000000000000peer0001"); err != nil {
		t.Fatalf("begin: %v", err)
	}
	s := pub.Status()
	if s.State != StateSending || s.Receiver != "peer0001" {
		t.Fatalf("unexpected sending status %+v", s)
	}
	pub.SetState(StateConnecting)
	if pub.State() != StateSending {
		t.Fatalf("state changes should wait for the end of sending")
	}
	if err := pub.EndSending(); err != nil {
		t.Fatalf("end: %v", err)
	}
	s = pub.Status()
	if s.State != StateConnecting || s.Receiver != NotSending {
		t.Fatalf("unexpected restored status %+v", s)
	}
}

func TestRecordCommandOnlyAdvances(t *testing.T) {
	testlog.Start(t)
	pub := NewPublisher("relay-1", "id", NewBuffer(1024), NewFileStore(t.TempDir()), testlog.Logger(t))
	now := time.Unix(1_700_000_000, 0)
	pub.SetClock(func() time.Time { return now })
	if !pub.RecordCommand("go", 2) {
		t.Fatalf("first command should record")
	}
	if pub.RecordCommand("old", 1) || pub.RecordCommand("same", 2) {
		t.Fatalf("stale counters must not overwrite")
	}
	s := pub.Status()
	if s.Message != "go" || s.Counter != 2 || s.LastMsgTime != 1_700_000_000 {
		t.Fatalf("unexpected status %+v", s)
	}
}

func TestDetectState(t *testing.T) {
	testlog.Start(t)
	pub := NewPublisher("relay-1", "id", NewBuffer(1024), NewFileStore(t.TempDir()), testlog.Logger(t))

	if !pub.DetectState(nil, rule) || pub.State() != StateInitializing {
		t.Fatalf("no channels is ready and leaves the state alone")
	}
	opening := []ledger.Channel{{PeerID: "a", State: ledger.StateAwaitingNormal, CapacityMsat: 19_000}}
	if pub.DetectState(opening, rule) || pub.State() != StateConnecting {
		t.Fatalf("opening channel should be connecting, got %s", pub.State())
	}
	unmarked := []ledger.Channel{{PeerID: "a", State: ledger.StateNormal, CapacityMsat: 20_000}}
	if pub.DetectState(unmarked, rule) {
		t.Fatalf("unmarked channel before creation latch should be connecting")
	}
	marked := []ledger.Channel{{PeerID: "a", State: ledger.StateNormal, CapacityMsat: 19_000}}
	if !pub.DetectState(marked, rule) || pub.State() != StateConnected {
		t.Fatalf("marked live channel should connect")
	}
	if !pub.DetectState(unmarked, rule) {
		t.Fatalf("after the latch, settled channels stay connected")
	}
	mixed := append(unmarked, ledger.Channel{PeerID: "b", State: ledger.StateOpening, CapacityMsat: 20_000})
	if pub.DetectState(mixed, rule) || pub.State() != StateConnecting {
		t.Fatalf("an opening channel drops back to connecting")
	}
}

func TestRouterServesSnapshots(t *testing.T) {
	testlog.Start(t)
	gin.SetMode(gin.TestMode)
	store := NewFileStore(t.TempDir())
	buf := NewBuffer(1024)
	pub := NewPublisher("relay-7", "02abcdefgh12345678", buf, store, testlog.Logger(t))
	if err := pub.Publish(context.Background(), longChannels(1)); err != nil {
		t.Fatalf("publish: %v", err)
	}
	r := Router(RouterConfig{Node: "statusctl"}, store, buf, testlog.Logger(t))

	get := func(path string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, path, nil)
		r.ServeHTTP(rec, req)
		return rec
	}

	if rec := get("/health"); rec.Code != http.StatusOK {
		t.Fatalf("health: %d", rec.Code)
	}
	rec := get("/status")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "relay-7") {
		t.Fatalf("status: %d %s", rec.Code, rec.Body.String())
	}
	rec = get("/status/relay-7")
	if rec.Code != http.StatusOK {
		t.Fatalf("status/relay-7: %d", rec.Code)
	}
	var s Status
	if err := json.Unmarshal(rec.Body.Bytes(), &s); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if s.ShortID != "12345678" || len(s.Channels) != 1 {
		t.Fatalf("unexpected body %+v", s)
	}
	if rec := get("/status/nobody"); rec.Code != http.StatusNotFound {
		t.Fatalf("missing agent: %d", rec.Code)
	}
	if rec := get("/metrics"); rec.Code != http.StatusOK {
		t.Fatalf("metrics: %d", rec.Code)
	}
}

func TestOpenStore(t *testing.T) {
	testlog.Start(t)
	dir := filepath.Join(t.TempDir(), "status")
	store, err := OpenStore("file", dir, 256)
	if err != nil {
		t.Fatalf("open file store: %v", err)
	}
	if _, ok := store.(*FileStore); !ok {
		t.Fatalf("unexpected store type %T", store)
	}
	if _, err := os.Stat(dir); err != nil {
		t.Fatalf("file store should create its directory: %v", err)
	}
	if _, err := OpenStore("redis", dir, 256); err == nil {
		t.Fatalf("expected error for unknown kind")
	}
}

func TestServeStopsOnCancel(t *testing.T) {
	testlog.Start(t)
	gin.SetMode(gin.TestMode)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- Serve(ctx, "127.0.0.1:0", http.NotFoundHandler(), testlog.Logger(t))
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("serve: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("serve did not stop")
	}
}
