package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/LN-Testbed/DSN2026/internal/testutil/testlog"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestLoadSharedMissingFileUsesDefaults(t *testing.T) {
	testlog.Start(t)
	cfg, err := LoadShared(filepath.Join(t.TempDir(), "absent.toml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg != DefaultShared() {
		t.Fatalf("expected defaults, got %+v", cfg)
	}
	if cfg.DiscoveryRule != 19 || cfg.BotmasterRule != 123123 || cfg.BlockSize != 5012 {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	if cfg.MaxPeers != 4 || cfg.StatusUpdateInterval != 1500*time.Millisecond {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
}

func TestLoadSharedOverrides(t *testing.T) {
	testlog.Start(t)
	path := writeFile(t, "shared.toml", `
discovery_rule = 23
active_nodes = 3
channel_creation_sleep = 2.5
retry_interval = 0.25
`)
	cfg, err := LoadShared(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.DiscoveryRule != 23 {
		t.Fatalf("unexpected discovery rule %d", cfg.DiscoveryRule)
	}
	if cfg.ActiveNodes != 3 || cfg.MaxPeers != 6 {
		t.Fatalf("max_peers should follow active_nodes: %+v", cfg)
	}
	if cfg.ChannelCreationSleep != 2500*time.Millisecond {
		t.Fatalf("unexpected creation sleep %v", cfg.ChannelCreationSleep)
	}
	if cfg.RetryInterval != 250*time.Millisecond {
		t.Fatalf("unexpected retry interval %v", cfg.RetryInterval)
	}
	if cfg.BotmasterRule != DefaultBotmasterRule || cfg.ChannelTimeout != DefaultChannelTimeout {
		t.Fatalf("undefined keys should keep defaults: %+v", cfg)
	}
}

func TestLoadSharedExplicitMaxPeers(t *testing.T) {
	testlog.Start(t)
	path := writeFile(t, "shared.toml", "active_nodes = 2\nmax_peers = 5\n")
	cfg, err := LoadShared(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.MaxPeers != 5 {
		t.Fatalf("unexpected max peers %d", cfg.MaxPeers)
	}
}

func TestLoadSharedRejectsInvalid(t *testing.T) {
	testlog.Start(t)
	cases := map[string]string{
		"zero divisor":  "discovery_rule = 0\n",
		"negative time": "channel_timeout = -1.0\n",
		"bad toml":      "discovery_rule = [\n",
		"low max peers": "active_nodes = 4\nmax_peers = 2\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := LoadShared(writeFile(t, "shared.toml", body)); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}

func TestLoadAgentContainerNameFallback(t *testing.T) {
	testlog.Start(t)
	t.Setenv("CONTAINER_NAME", "lnd-relay-3")
	path := writeFile(t, "relay.toml", `
name = ""
rendezvous_address = "02abc@rendezvous:9735"
status_store = "file"
lightning_args = ["--regtest", " ", "--lightning-dir=/tmp/ln"]
`)
	cfg, err := LoadAgent(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Name != "lnd-relay-3" {
		t.Fatalf("unexpected name %q", cfg.Name)
	}
	if cfg.RendezvousID != "02abc" {
		t.Fatalf("rendezvous id should derive from address, got %q", cfg.RendezvousID)
	}
	if cfg.StatusStore != StatusStoreFile {
		t.Fatalf("unexpected status store %q", cfg.StatusStore)
	}
	if len(cfg.LightningArgs) != 2 || cfg.LightningArgs[1] != "--lightning-dir=/tmp/ln" {
		t.Fatalf("unexpected lightning args %+v", cfg.LightningArgs)
	}
}

func TestLoadAgentRequiresName(t *testing.T) {
	testlog.Start(t)
	t.Setenv("CONTAINER_NAME", "")
	if _, err := LoadAgent(""); err == nil {
		t.Fatalf("expected missing name error")
	}
}

func TestLoadAgentRejectsUnknownStore(t *testing.T) {
	testlog.Start(t)
	path := writeFile(t, "relay.toml", "name = \"r1\"\nstatus_store = \"redis\"\n")
	if _, err := LoadAgent(path); err == nil || !strings.Contains(err.Error(), "status_store") {
		t.Fatalf("expected status_store error, got %v", err)
	}
}

func TestTemplatesRoundTrip(t *testing.T) {
	testlog.Start(t)
	t.Setenv("CONTAINER_NAME", "")
	dir := t.TempDir()
	for _, kind := range []string{KindShared, KindController, KindRelay} {
		path := filepath.Join(dir, kind+".toml")
		if err := WriteTemplate(path, kind, 1228, false); err != nil {
			t.Fatalf("write %s: %v", kind, err)
		}
		if err := Validate(path, kind); err != nil {
			t.Fatalf("validate %s: %v", kind, err)
		}
		if err := WriteTemplate(path, kind, 0, false); err == nil {
			t.Fatalf("expected refusal to overwrite %s", kind)
		}
	}

	shared, err := LoadShared(filepath.Join(dir, "shared.toml"))
	if err != nil {
		t.Fatalf("load shared: %v", err)
	}
	want := DefaultShared()
	want.BlockSize = 1228
	if shared != want {
		t.Fatalf("template drifted from defaults: %+v", shared)
	}
	if _, err := Template("observer", 0); err == nil {
		t.Fatalf("expected unknown kind error")
	}
}
