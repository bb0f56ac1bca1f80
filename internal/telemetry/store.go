package telemetry

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// StoreSuffix is appended to agent names to form block names.
const StoreSuffix = "_status"

var ErrNoSnapshot = errors.New("telemetry: no snapshot for agent")

// Store holds one block per agent. Each block has a single writer.
type Store interface {
	Write(name string, block []byte) error
	Read(name string) ([]byte, error)
	ReadAll() (map[string][]byte, error)
}

// FileStore keeps each block in <dir>/<name>_status and replaces it
// atomically.
type FileStore struct {
	dir string
}

func NewFileStore(dir string) *FileStore {
	return &FileStore{dir: dir}
}

func (s *FileStore) path(name string) string {
	return filepath.Join(s.dir, name+StoreSuffix)
}

func (s *FileStore) Write(name string, block []byte) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("telemetry dir: %w", err)
	}
	tmp := s.path(name) + ".tmp"
	if err := os.WriteFile(tmp, block, 0o644); err != nil {
		return fmt.Errorf("write status %s: %w", name, err)
	}
	if err := os.Rename(tmp, s.path(name)); err != nil {
		return fmt.Errorf("publish status %s: %w", name, err)
	}
	return nil
}

func (s *FileStore) Read(name string) ([]byte, error) {
	b, err := os.ReadFile(s.path(name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNoSnapshot, name)
		}
		return nil, fmt.Errorf("read status %s: %w", name, err)
	}
	return b, nil
}

func (s *FileStore) ReadAll() (map[string][]byte, error) {
	return readAllNames(s.dir, s.Read)
}

func readAllNames(dir string, read func(string) ([]byte, error)) (map[string][]byte, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "*"+StoreSuffix))
	if err != nil {
		return nil, err
	}
	sort.Strings(matches)
	out := make(map[string][]byte, len(matches))
	for _, m := range matches {
		name := strings.TrimSuffix(filepath.Base(m), StoreSuffix)
		b, err := read(name)
		if err != nil {
			continue
		}
		out[name] = b
	}
	return out, nil
}

// ReadAll decodes every snapshot in store. Blocks that fail to decode are
// skipped.
func ReadAll(store Store, buf Buffer) (map[string]Status, error) {
	blocks, err := store.ReadAll()
	if err != nil {
		return nil, err
	}
	out := make(map[string]Status, len(blocks))
	for name, block := range blocks {
		s, err := buf.Decode(block)
		if err != nil {
			continue
		}
		out[name] = s
	}
	return out, nil
}

// OpenStore returns the store named by kind: "shm" maps blocks of
// blockSize bytes under dir, "file" keeps plain files under dir.
func OpenStore(kind, dir string, blockSize int) (Store, error) {
	switch kind {
	case "shm":
		s, err := NewShmStore(dir, blockSize)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "file":
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("file store: %w", err)
		}
		return NewFileStore(dir), nil
	default:
		return nil, fmt.Errorf("unknown status store %q", kind)
	}
}
