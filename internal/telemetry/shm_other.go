//go:build !unix

package telemetry

import "errors"

const DefaultShmDir = ""

type ShmStore struct{ FileStore }

func NewShmStore(dir string, size int) (*ShmStore, error) {
	return nil, errors.New("shm store: shared memory requires a unix platform")
}
