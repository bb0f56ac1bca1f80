package ledger

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/LN-Testbed/DSN2026/internal/protocol/tlv"
	"github.com/LN-Testbed/DSN2026/internal/testutil/testlog"
)

type scriptedRunner struct {
	responses map[string]string
	codes     map[string]int32
	calls     [][]string
}

func (r *scriptedRunner) Run(_ context.Context, name string, args ...string) ([]byte, []byte, int32, error) {
	r.calls = append(r.calls, append([]string{name}, args...))
	key := name
	for i, a := range args {
		if a == "-k" && i+1 < len(args) {
			key = args[i+1]
			break
		}
		if a == "getblockcount" {
			key = a
		}
	}
	if code, ok := r.codes[key]; ok {
		return nil, []byte("boom"), code, errors.New("exit status")
	}
	return []byte(r.responses[key]), nil, 0, nil
}

func TestCLIClientListFundsParsesBothMsatEncodings(t *testing.T) {
	testlog.Start(t)
	runner := &scriptedRunner{responses: map[string]string{
		"listfunds": `{"outputs":[{"amount_msat":5000000,"status":"confirmed","reserved":false},
			{"amount_msat":"7000msat","status":"unconfirmed"}],
			"channels":[{"peer_id":"02aa","amount_msat":"1900000000msat","our_amount_msat":1500000000,"state":"CHANNELD_NORMAL"},
			{"peer_id":"02bb","amount_msat":100,"our_amount_msat":100,"state":"CHANNELD_AWAITING_LOCKIN"}]}`,
	}}
	c := NewCLIClient(DefaultCLIConfig(), runner, testlog.Logger(t))

	funds, err := c.ListFunds(context.Background())
	if err != nil {
		t.Fatalf("list funds: %v", err)
	}
	if funds.SpendableMsat() != 5000000 {
		t.Fatalf("unexpected spendable: %d", funds.SpendableMsat())
	}
	if len(funds.Channels) != 2 {
		t.Fatalf("expected 2 channels, got %d", len(funds.Channels))
	}
	if funds.Channels[0].State != StateNormal || funds.Channels[0].CapacityMsat != 1900000000 {
		t.Fatalf("unexpected channel[0]: %+v", funds.Channels[0])
	}
	if funds.Channels[1].State != StateAwaitingNormal {
		t.Fatalf("unexpected channel[1] state: %s", funds.Channels[1].State)
	}
}

func TestCLIClientKeysendPassesExtraTLVs(t *testing.T) {
	testlog.Start(t)
	runner := &scriptedRunner{responses: map[string]string{
		"keysend": `{"payment_hash":"ff","status":"complete"}`,
	}}
	c := NewCLIClient(DefaultCLIConfig(), runner, testlog.Logger(t))

	_, err := c.Keysend(context.Background(), "02cc", 1, tlv.ExtraRecords{tlv.MessageType: "6869"})
	if err != nil {
		t.Fatalf("keysend: %v", err)
	}
	last := strings.Join(runner.calls[len(runner.calls)-1], " ")
	if !strings.Contains(last, `extratlvs={"34349334":"6869"}`) {
		t.Fatalf("extratlvs missing from call: %s", last)
	}
	if !strings.Contains(last, "destination=02cc") || !strings.Contains(last, "amount_msat=1") {
		t.Fatalf("unexpected keysend args: %s", last)
	}
}

func TestCLIClientClassifiesFailures(t *testing.T) {
	testlog.Start(t)
	runner := &scriptedRunner{codes: map[string]int32{"connect": 1, "getinfo": 127}}
	c := NewCLIClient(DefaultCLIConfig(), runner, testlog.Logger(t))

	err := c.Connect(context.Background(), "02dd@10.0.0.2:9735")
	if Kind(err) != KindTransient {
		t.Fatalf("expected transient, got %v (%v)", Kind(err), err)
	}
	var opErr *OpError
	if !errors.As(err, &opErr) || opErr.Peer != "02dd" {
		t.Fatalf("expected OpError with peer, got %#v", err)
	}

	_, err = c.GetInfo(context.Background())
	if Kind(err) != KindFatal {
		t.Fatalf("expected fatal, got %v (%v)", Kind(err), err)
	}
}

func TestCLIClientListInvoicesMissingPayIndex(t *testing.T) {
	testlog.Start(t)
	runner := &scriptedRunner{responses: map[string]string{
		"listinvoices": `{"invoices":[{"label":"keysend-1","status":"paid","pay_index":4,"description":"keysend: hi|1"},
			{"label":"inv","status":"unpaid","description":"x"}]}`,
	}}
	c := NewCLIClient(DefaultCLIConfig(), runner, testlog.Logger(t))
	invoices, err := c.ListInvoices(context.Background())
	if err != nil {
		t.Fatalf("list invoices: %v", err)
	}
	if invoices[0].PayIndex != 4 || invoices[1].PayIndex != -1 {
		t.Fatalf("unexpected pay indexes: %+v", invoices)
	}
}

func TestCLIClientSynced(t *testing.T) {
	testlog.Start(t)
	runner := &scriptedRunner{responses: map[string]string{
		"getblockcount": "150\n",
		"getinfo":       `{"id":"02ee","blockheight":150}`,
	}}
	c := NewCLIClient(DefaultCLIConfig(), runner, testlog.Logger(t))
	ok, err := c.Synced(context.Background())
	if err != nil || !ok {
		t.Fatalf("expected synced, got ok=%v err=%v", ok, err)
	}
}

func TestParseChannelState(t *testing.T) {
	cases := map[string]ChannelState{
		"CHANNELD_NORMAL":          StateNormal,
		"CHANNELD_AWAITING_LOCKIN": StateAwaitingNormal,
		"OPENINGD":                 StateOpening,
		"CLOSINGD_COMPLETE":        StateClosing,
		"ONCHAIN":                  StateOnchain,
		"CLOSED":                   StateClosed,
	}
	for raw, want := range cases {
		if got := ParseChannelState(raw); got != want {
			t.Fatalf("ParseChannelState(%q) = %s, want %s", raw, got, want)
		}
	}
}

func TestKindPrecedence(t *testing.T) {
	err := PeerFailed("fundchannel", "02ff", 3, ErrTransient)
	if Kind(err) != KindPeerFailed {
		t.Fatalf("expected peer_failed, got %v", Kind(err))
	}
	if Retryable(err) {
		t.Fatalf("peer failures should not be retryable")
	}
	if !Retryable(errors.New("plain")) {
		t.Fatalf("unknown errors should be retryable")
	}
	if ShortID("0123456789abcdef") != "89abcdef" || ShortID("abc") != "abc" {
		t.Fatalf("unexpected short ids")
	}
}
