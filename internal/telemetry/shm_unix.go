//go:build unix

package telemetry

import (
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// DefaultShmDir is where POSIX shared memory objects live on Linux.
const DefaultShmDir = "/dev/shm"

// ShmStore maps <dir>/<name>_status into memory and copies blocks in
// place, so readers holding the same mapping see updates without a reopen.
type ShmStore struct {
	dir  string
	size int
}

func NewShmStore(dir string, size int) (*ShmStore, error) {
	if size <= 0 {
		return nil, fmt.Errorf("shm store: invalid block size %d", size)
	}
	if dir == "" {
		dir = DefaultShmDir
	}
	return &ShmStore{dir: dir, size: size}, nil
}

func (s *ShmStore) path(name string) string {
	return filepath.Join(s.dir, name+StoreSuffix)
}

func (s *ShmStore) Write(name string, block []byte) error {
	if len(block) != s.size {
		return fmt.Errorf("shm store: block is %d bytes, segment is %d", len(block), s.size)
	}
	f, err := os.OpenFile(s.path(name), os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("open segment %s: %w", name, err)
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat segment %s: %w", name, err)
	}
	if fi.Size() < int64(s.size) {
		if err := unix.Ftruncate(int(f.Fd()), int64(s.size)); err != nil {
			return fmt.Errorf("size segment %s: %w", name, err)
		}
	}

	mem, err := unix.Mmap(int(f.Fd()), 0, s.size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return fmt.Errorf("map segment %s: %w", name, err)
	}
	copy(mem, block)
	if err := unix.Munmap(mem); err != nil {
		return fmt.Errorf("unmap segment %s: %w", name, err)
	}
	return nil
}

func (s *ShmStore) Read(name string) ([]byte, error) {
	f, err := os.Open(s.path(name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNoSnapshot, name)
		}
		return nil, fmt.Errorf("open segment %s: %w", name, err)
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat segment %s: %w", name, err)
	}
	size := int(fi.Size())
	if size == 0 {
		return nil, fmt.Errorf("%w: %s is empty", ErrNoSnapshot, name)
	}
	mem, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("map segment %s: %w", name, err)
	}
	out := make([]byte, size)
	copy(out, mem)
	if err := unix.Munmap(mem); err != nil {
		return nil, fmt.Errorf("unmap segment %s: %w", name, err)
	}
	return out, nil
}

func (s *ShmStore) ReadAll() (map[string][]byte, error) {
	return readAllNames(s.dir, s.Read)
}
