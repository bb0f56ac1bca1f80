package telemetry

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

var ErrSnapshotTooLarge = errors.New("telemetry: snapshot exceeds block size")

// Buffer frames snapshots into fixed-size NUL-padded blocks.
type Buffer struct {
	capacity int
}

func NewBuffer(capacity int) Buffer {
	return Buffer{capacity: capacity}
}

// BlockSize sizes a block for an agent holding activeNodes outbound
// channels.
func BlockSize(activeNodes int) int {
	return int(float64(512+activeNodes*256) * 1.2)
}

func (b Buffer) Capacity() int { return b.capacity }

// Fits reports whether an n-byte payload leaves room for the terminator.
func (b Buffer) Fits(n int) bool {
	return n < b.capacity
}

// Encode serializes s and pads it with NUL bytes to the block capacity.
func (b Buffer) Encode(s Status) ([]byte, error) {
	payload, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("encode status: %w", err)
	}
	if !b.Fits(len(payload)) {
		return nil, fmt.Errorf("%w: %d bytes, block is %d", ErrSnapshotTooLarge, len(payload), b.capacity)
	}
	block := make([]byte, b.capacity)
	copy(block, payload)
	return block, nil
}

// Decode parses a block up to its first NUL byte.
func (b Buffer) Decode(block []byte) (Status, error) {
	if idx := bytes.IndexByte(block, 0); idx >= 0 {
		block = block[:idx]
	}
	var s Status
	if len(block) == 0 {
		return s, fmt.Errorf("decode status: empty block")
	}
	if err := json.Unmarshal(block, &s); err != nil {
		return Status{}, fmt.Errorf("decode status: %w", err)
	}
	return s, nil
}
