// Package canboot implements the host side of the MCP CAN bootloader
// dialogue: frame encoding, the sparse-image transfer plan, the session
// state machine and the keep-alive pinger. Transport and Intel HEX
// parsing are supplied by the caller; see transport.go and
// cmd/canboot for the concrete wiring.
package canboot

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind classifies a failure so the CLI boundary can choose an exit code
// without string-matching messages.
type Kind int

const (
	// KindConfiguration covers unknown device aliases or malformed
	// CLI input, caught before a session ever starts.
	KindConfiguration Kind = iota
	// KindTransport covers send/receive failures reported by the
	// transport.
	KindTransport
	// KindProtocolMismatch covers signature or protocol-version
	// disagreement with the target.
	KindProtocolMismatch
	// KindPeer covers a *_ERROR command received from the target.
	KindPeer
	// KindVerify covers a verify-mode byte mismatch.
	KindVerify
	// KindInvariant covers an address-fragment echo that does not
	// match current_address, i.e. a protocol invariant violation.
	KindInvariant
)

func (k Kind) String() string {
	switch k {
	case KindConfiguration:
		return "configuration error"
	case KindTransport:
		return "transport error"
	case KindProtocolMismatch:
		return "protocol mismatch"
	case KindPeer:
		return "peer error"
	case KindVerify:
		return "verify mismatch"
	case KindInvariant:
		return "invariant violation"
	default:
		return "unknown error"
	}
}

// Error is the typed error every fatal path in the session wraps with
// github.com/pkg/errors so the CLI can recover it via errors.As and
// report both the kind and the failing flash address, in hex, where one
// applies.
type Error struct {
	Kind    Kind
	Message string
	HasAddr bool
	Addr    uint32
}

func (e *Error) Error() string {
	if e.HasAddr {
		return e.Kind.String() + ": " + e.Message + " (addr 0x" + hex32(e.Addr) + ")"
	}
	return e.Kind.String() + ": " + e.Message
}

func newErr(kind Kind, msg string) error {
	return errors.WithStack(&Error{Kind: kind, Message: msg})
}

func newErrAddr(kind Kind, msg string, addr uint32) error {
	return errors.WithStack(&Error{Kind: kind, Message: msg, HasAddr: true, Addr: addr})
}

// ConfigurationErrorf builds a KindConfiguration error for callers
// outside this package, e.g. the CLI validating flags before a session
// ever starts.
func ConfigurationErrorf(format string, args ...interface{}) error {
	return newErr(KindConfiguration, fmt.Sprintf(format, args...))
}

func hex32(v uint32) string {
	const digits = "0123456789abcdef"
	b := make([]byte, 8)
	for i := 7; i >= 0; i-- {
		b[i] = digits[v&0xF]
		v >>= 4
	}
	return string(b)
}
