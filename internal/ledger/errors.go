package ledger

import (
	"errors"
	"fmt"
)

var (
	// ErrTransient marks a call worth retrying with backoff.
	ErrTransient = errors.New("ledger: transient failure")
	// ErrPeerFailed marks a per-peer operation abandoned after retries.
	ErrPeerFailed = errors.New("ledger: peer operation failed")
	// ErrFatalConfig marks a misconfiguration no retry can fix.
	ErrFatalConfig = errors.New("ledger: fatal configuration error")
)

type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	KindTransient
	KindPeerFailed
	KindFatal
)

func (k ErrorKind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindPeerFailed:
		return "peer_failed"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// OpError carries the context needed to diagnose a failed ledger call.
type OpError struct {
	Op      string
	Peer    string
	Attempt int
	Err     error
}

func (e *OpError) Error() string {
	msg := fmt.Sprintf("ledger %s", e.Op)
	if e.Peer != "" {
		msg += " peer=" + ShortID(e.Peer)
	}
	if e.Attempt > 0 {
		msg += fmt.Sprintf(" attempt=%d", e.Attempt)
	}
	return msg + ": " + e.Err.Error()
}

func (e *OpError) Unwrap() error { return e.Err }

// Kind classifies err. Fatal wins over per-peer, per-peer over transient.
func Kind(err error) ErrorKind {
	switch {
	case err == nil:
		return KindUnknown
	case errors.Is(err, ErrFatalConfig):
		return KindFatal
	case errors.Is(err, ErrPeerFailed):
		return KindPeerFailed
	case errors.Is(err, ErrTransient):
		return KindTransient
	default:
		return KindUnknown
	}
}

// Retryable reports whether err should be retried by a bounded loop.
func Retryable(err error) bool {
	k := Kind(err)
	return k == KindTransient || k == KindUnknown
}

// PeerFailed wraps err as an abandoned per-peer operation.
func PeerFailed(op, peer string, attempts int, err error) error {
	return &OpError{Op: op, Peer: peer, Attempt: attempts, Err: fmt.Errorf("%w: %w", ErrPeerFailed, err)}
}
