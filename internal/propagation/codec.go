// Package propagation moves counter-tagged commands between agents as
// keysend payments carrying a TLV text record, and tracks which peers have
// seen which counters.
package propagation

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/LN-Testbed/DSN2026/internal/protocol/tlv"
)

// ErrInvalidPayload marks a payload the wire format cannot carry.
var ErrInvalidPayload = errors.New("invalid command payload")

// Command is an opaque text payload tagged with a sender counter.
type Command struct {
	Payload string `json:"payload"`
	Counter uint64 `json:"counter"`
}

// Text is the on-wire form "<payload>|<counter>".
func (c Command) Text() string {
	return c.Payload + "|" + strconv.FormatUint(c.Counter, 10)
}

// Encode returns hex(UTF-8("<payload>|<counter>")).
func Encode(payload string, counter uint64) string {
	return hex.EncodeToString([]byte(Command{Payload: payload, Counter: counter}.Text()))
}

// Decode reverses Encode. Malformed hex decodes up to the first bad byte.
func Decode(s string) string {
	b, _ := hex.DecodeString(strings.TrimSpace(s))
	return Sanitize(string(b))
}

// Sanitize replaces invalid UTF-8 with U+FFFD.
func Sanitize(s string) string {
	return strings.ToValidUTF8(s, "\uFFFD")
}

// ParseCommand splits "<text>|<digits>". Text holding more than one
// separator is rejected.
func ParseCommand(text string) (Command, bool) {
	parts := strings.Split(text, "|")
	if len(parts) != 2 || parts[1] == "" {
		return Command{}, false
	}
	digits := parts[1]
	for i := 0; i < len(digits); i++ {
		if digits[i] < '0' || digits[i] > '9' {
			return Command{}, false
		}
	}
	counter, err := strconv.ParseUint(digits, 10, 64)
	if err != nil {
		return Command{}, false
	}
	return Command{Payload: parts[0], Counter: counter}, true
}

// ValidatePayload rejects payloads that would not parse back.
func ValidatePayload(payload string) error {
	if strings.ContainsRune(payload, '|') {
		return fmt.Errorf("%w: %q contains '|'", ErrInvalidPayload, payload)
	}
	return nil
}

// Records wraps cmd as keysend extra TLVs.
func Records(cmd Command) tlv.ExtraRecords {
	return tlv.FromRecords([]tlv.Record{{Type: tlv.MessageType, Value: []byte(cmd.Text())}})
}
