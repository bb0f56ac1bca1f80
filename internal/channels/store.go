package channels

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/LN-Testbed/DSN2026/internal/ledger"
	"github.com/rs/zerolog"
)

// FundedPeerStore persists the peers an agent funded channels to as a
// comma-delimited list.
type FundedPeerStore struct {
	path   string
	logger zerolog.Logger
}

func NewFundedPeerStore(path string, logger zerolog.Logger) *FundedPeerStore {
	return &FundedPeerStore{path: path, logger: logger.With().Str("store", "funded_peers").Logger()}
}

func (s *FundedPeerStore) Path() string { return s.path }

// Load returns the persisted peers that still have a live channel in live.
// Entries without one are dropped with a warning. A missing or unreadable
// file yields an empty set.
func (s *FundedPeerStore) Load(live []ledger.Channel) []string {
	peers := s.read()
	alive := make(map[string]struct{}, len(live))
	for _, ch := range live {
		if ch.State.Live() {
			alive[ch.PeerID] = struct{}{}
		}
	}
	out := make([]string, 0, len(peers))
	for _, peer := range peers {
		if _, ok := alive[peer]; !ok {
			s.logger.Warn().Str("peer", ledger.ShortID(peer)).Msg("funded peer has no live channel, dropping")
			continue
		}
		out = append(out, peer)
	}
	return out
}

func (s *FundedPeerStore) read() []string {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			s.logger.Warn().Err(err).Msg("funded peer file unreadable, starting empty")
		}
		return nil
	}
	seen := make(map[string]struct{})
	out := make([]string, 0)
	for _, field := range strings.Split(string(data), ",") {
		peer := strings.TrimSpace(field)
		if peer == "" {
			continue
		}
		if _, dup := seen[peer]; dup {
			continue
		}
		seen[peer] = struct{}{}
		out = append(out, peer)
	}
	return out
}

// Save replaces the persisted set.
func (s *FundedPeerStore) Save(peers []string) error {
	sorted := append([]string(nil), peers...)
	sort.Strings(sorted)
	if err := writeAtomic(s.path, []byte(strings.Join(sorted, ","))); err != nil {
		return fmt.Errorf("save funded peers: %w", err)
	}
	return nil
}

// Clear removes the persisted set.
func (s *FundedPeerStore) Clear() error {
	if err := os.Remove(s.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("clear funded peers: %w", err)
	}
	return nil
}

func writeAtomic(path string, data []byte) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
