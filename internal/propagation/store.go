package propagation

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
)

// CounterStore persists the controller's next send counter. Missing or
// corrupt content reads as 1.
type CounterStore struct {
	path   string
	logger zerolog.Logger
}

func NewCounterStore(path string, logger zerolog.Logger) *CounterStore {
	return &CounterStore{path: path, logger: logger.With().Str("store", "counter").Logger()}
}

func (s *CounterStore) Load() uint64 {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Warn().Err(err).Msg("counter file unreadable, resetting to 1")
		}
		return 1
	}
	v, err := strconv.ParseUint(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		s.logger.Warn().Str("content", string(data)).Msg("counter file corrupt, resetting to 1")
		return 1
	}
	return v
}

func (s *CounterStore) Save(counter uint64) error {
	if err := writeAtomic(s.path, []byte(strconv.FormatUint(counter, 10))); err != nil {
		return fmt.Errorf("save counter: %w", err)
	}
	return nil
}

// IndexStore persists the last processed invoice pay index. Missing or
// corrupt content reads as -1 so every settled payment is new.
type IndexStore struct {
	path   string
	logger zerolog.Logger
}

func NewIndexStore(path string, logger zerolog.Logger) *IndexStore {
	return &IndexStore{path: path, logger: logger.With().Str("store", "pay_index").Logger()}
}

func (s *IndexStore) Load() int64 {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Warn().Err(err).Msg("pay index file unreadable, rescanning")
		}
		return -1
	}
	v, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		s.logger.Warn().Str("content", string(data)).Msg("pay index file corrupt, rescanning")
		return -1
	}
	return v
}

func (s *IndexStore) Save(index int64) error {
	if err := writeAtomic(s.path, []byte(strconv.FormatInt(index, 10))); err != nil {
		return fmt.Errorf("save pay index: %w", err)
	}
	return nil
}

// RelayState is what a relay needs to resume after a restart: the last
// command it accepted, commands not yet delivered everywhere, and the
// per-peer delivery sets.
type RelayState struct {
	Counter     uint64          `json:"counter"`
	Message     string          `json:"message"`
	LastMsgTime float64         `json:"last_msg_time"`
	Pending     []Command       `json:"pending"`
	Tracker     TrackerSnapshot `json:"tracker"`
}

// JournalStore persists RelayState as JSON. Missing or corrupt content
// reads as an empty state.
type JournalStore struct {
	path   string
	logger zerolog.Logger
}

func NewJournalStore(path string, logger zerolog.Logger) *JournalStore {
	return &JournalStore{path: path, logger: logger.With().Str("store", "relay_state").Logger()}
}

func (s *JournalStore) Path() string { return s.path }

func (s *JournalStore) Load() RelayState {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Warn().Err(err).Msg("relay state unreadable, starting empty")
		}
		return RelayState{}
	}
	var st RelayState
	if err := json.Unmarshal(data, &st); err != nil {
		s.logger.Warn().Err(err).Msg("relay state corrupt, starting empty")
		return RelayState{}
	}
	return st
}

func (s *JournalStore) Save(st RelayState) error {
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("encode relay state: %w", err)
	}
	if err := writeAtomic(s.path, data); err != nil {
		return fmt.Errorf("save relay state: %w", err)
	}
	return nil
}

func writeAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
