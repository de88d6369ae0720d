package udp

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"os"
	"strings"
)

var (
	// ErrQueueFull is returned by EnqueueWrite when the outbound queue is at
	// capacity. It signals backpressure and is not fatal.
	ErrQueueFull = errors.New("udp: queue full")

	// ErrPacketSize is returned by EnqueueWrite when the packet length differs
	// from the socket's fixed packet size.
	ErrPacketSize = errors.New("udp: wrong packet size")

	// ErrPumpBusy is returned when another goroutine already holds the pump
	// direction (or a DiscoverPeer call holds the read direction).
	ErrPumpBusy = errors.New("udp: pump already running")

	// ErrClosed is returned by operations on a destroyed socket.
	ErrClosed = errors.New("udp: socket closed")
)

// AddressParseError reports a malformed textual address passed to New.
type AddressParseError struct {
	Field   string // "bind" or "remote"
	Address string
	Err     error
}

func (e *AddressParseError) Error() string {
	return fmt.Sprintf("udp: invalid %s address %q: %v", e.Field, e.Address, e.Err)
}

func (e *AddressParseError) Unwrap() error { return e.Err }

// BindError reports that the operating system refused to bind the socket.
type BindError struct {
	Address string
	Err     error
}

func (e *BindError) Error() string {
	return fmt.Sprintf("udp: bind %s: %v", e.Address, e.Err)
}

func (e *BindError) Unwrap() error { return e.Err }

// ProtocolMismatchError reports an inbound datagram with the wrong size or
// from an unexpected origin. It ends the current RunInbound call.
type ProtocolMismatchError struct {
	ExpectedSize int
	ActualSize   int
	ExpectedAddr netip.AddrPort
	ActualAddr   netip.AddrPort
}

func (e *ProtocolMismatchError) Error() string {
	return fmt.Sprintf("udp: unexpected packet of %d bytes from %s, expected %d bytes from %s",
		e.ActualSize, e.ActualAddr, e.ExpectedSize, e.ExpectedAddr)
}

// SizeMismatch reports whether the datagram had the wrong length.
func (e *ProtocolMismatchError) SizeMismatch() bool {
	return e.ActualSize != e.ExpectedSize
}

// OriginMismatch reports whether the datagram came from the wrong address.
func (e *ProtocolMismatchError) OriginMismatch() bool {
	return e.ActualAddr != e.ExpectedAddr
}

// IOError wraps any other send or receive failure.
type IOError struct {
	Op  string
	Err error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("udp: %s: %v", e.Op, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

// Timeout reports whether the failure was a deadline expiry.
func (e *IOError) Timeout() bool {
	return isTimeout(e.Err)
}

// OptionsError lists every problem found while validating Options.
type OptionsError struct {
	Problems []string
}

func (e *OptionsError) Error() string {
	return fmt.Sprintf("udp: invalid options:\n  - %s", strings.Join(e.Problems, "\n  - "))
}

func isTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
