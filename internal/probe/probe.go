// Package probe provides peer discovery and an echo responder for dan
// sockets.
package probe

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"strings"
	"syscall"
	"time"

	"github.com/postalsys/dan/internal/udp"
)

// probeMagic prefixes every probe payload so replies can be told apart from
// unrelated traffic.
var probeMagic = []byte("DANP")

// minProbeSize fits the magic and a sequence number.
const minProbeSize = 12

// Options contains configuration for a discovery probe.
type Options struct {
	// Address is the ip:port of the peer to probe
	Address string

	// BindAddress is the local ip:port (default: wildcard, OS-chosen port)
	BindAddress string

	// PacketSize is the probe payload size (default: 64)
	PacketSize int

	// Timeout for each attempt (default: udp.DefaultSocketTimeout)
	Timeout time.Duration

	// Count is the number of attempts (default: 1)
	Count int

	// Interval between attempts
	Interval time.Duration

	// Logger for socket events (default: discard)
	Logger *slog.Logger

	// Observer receives the socket's discovery events. Optional.
	Observer udp.Observer
}

// Result contains the outcome of a discovery probe.
type Result struct {
	// Success indicates whether at least one attempt got a matching reply
	Success bool

	// Address that was probed
	Address string

	// LocalAddr is the address the probe was sent from
	LocalAddr string

	// From is the address the last reply came from
	From string

	// Sent and Received count attempts and matching replies
	Sent     int
	Received int

	// RTT is the round-trip time of the last successful attempt
	RTT time.Duration

	// MinRTT, MaxRTT and AvgRTT summarize successful attempts
	MinRTT time.Duration
	MaxRTT time.Duration
	AvgRTT time.Duration

	// Error is the last error that occurred (if any)
	Error error

	// ErrorDetail is a human-readable description of the error
	ErrorDetail string
}

// Loss returns the fraction of attempts without a matching reply.
func (r *Result) Loss() float64 {
	if r.Sent == 0 {
		return 0
	}
	return float64(r.Sent-r.Received) / float64(r.Sent)
}

// Probe sends numbered probes to opts.Address and waits for each to be
// echoed back, using the socket's DiscoverPeer exchange.
func Probe(ctx context.Context, opts Options) *Result {
	result := &Result{
		Address: opts.Address,
	}

	// Set defaults
	if opts.PacketSize <= 0 {
		opts.PacketSize = 64
	}
	if opts.PacketSize < minProbeSize {
		opts.PacketSize = minProbeSize
	}
	if opts.Timeout <= 0 {
		opts.Timeout = udp.DefaultSocketTimeout
	}
	if opts.Count <= 0 {
		opts.Count = 1
	}

	sockOpts := udp.DefaultOptions()
	sockOpts.BindAddress = opts.BindAddress
	sockOpts.RemoteAddress = opts.Address
	sockOpts.PacketSize = opts.PacketSize
	sockOpts.SocketTimeout = opts.Timeout
	sockOpts.ReadQueueSize = 1
	sockOpts.WriteQueueSize = 1
	sockOpts.Logger = opts.Logger
	sockOpts.Observer = opts.Observer

	sock, err := udp.New(sockOpts)
	if err != nil {
		result.Error = err
		result.ErrorDetail = classifyError(err)
		return result
	}
	defer sock.Destroy()
	result.LocalAddr = sock.LocalAddr().String()

	var total time.Duration
	for seq := 0; seq < opts.Count; seq++ {
		if seq > 0 && opts.Interval > 0 {
			select {
			case <-ctx.Done():
				result.Error = ctx.Err()
				result.ErrorDetail = classifyError(ctx.Err())
				return result
			case <-time.After(opts.Interval):
			}
		}

		result.Sent++
		rtt, from, err := attempt(ctx, sock, uint64(seq), opts.Timeout)
		if err != nil {
			result.Error = err
			result.ErrorDetail = classifyError(err)
			if ctx.Err() != nil {
				return result
			}
			continue
		}

		result.Received++
		result.Success = true
		result.From = from
		result.RTT = rtt
		total += rtt
		if result.MinRTT == 0 || rtt < result.MinRTT {
			result.MinRTT = rtt
		}
		if rtt > result.MaxRTT {
			result.MaxRTT = rtt
		}
	}

	if result.Received > 0 {
		result.AvgRTT = total / time.Duration(result.Received)
	}
	return result
}

// attempt runs one exchange and checks that the reply echoes the probe.
func attempt(ctx context.Context, sock *udp.Socket, seq uint64, timeout time.Duration) (time.Duration, string, error) {
	probe := make([]byte, sock.PacketSize())
	copy(probe, probeMagic)
	binary.BigEndian.PutUint64(probe[len(probeMagic):], seq)
	want := bytes.Clone(probe)

	d, err := sock.DiscoverPeer(ctx, probe, timeout)
	if err != nil {
		return 0, "", err
	}
	remote := sock.RemoteAddr()
	if d.From != netip.AddrPortFrom(remote.Addr().Unmap(), remote.Port()) {
		return 0, d.From.String(), fmt.Errorf("reply from unexpected address %s", d.From)
	}
	if !bytes.Equal(probe[:d.N], want) {
		return 0, d.From.String(), fmt.Errorf("reply does not echo probe %d (%d bytes)", seq, d.N)
	}
	return d.RTT, d.From.String(), nil
}

// classifyError returns a human-readable description for common errors.
func classifyError(err error) string {
	if err == nil {
		return ""
	}

	var parseErr *udp.AddressParseError
	if errors.As(err, &parseErr) {
		return "Invalid address - expected ip:port"
	}

	var bindErr *udp.BindError
	if errors.As(err, &bindErr) {
		return "Could not bind local socket - address in use or not available"
	}

	// Timeout errors
	var ioErr *udp.IOError
	if (errors.As(err, &ioErr) && ioErr.Timeout()) || errors.Is(err, context.DeadlineExceeded) {
		return "No reply - peer not running an echo responder or firewall blocking"
	}

	if errors.Is(err, syscall.ECONNREFUSED) {
		return "Connection refused - nothing listening on the peer port"
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		errStr := err.Error()
		if strings.Contains(errStr, "no route to host") {
			return "No route to host - network unreachable"
		}
		if strings.Contains(errStr, "network is unreachable") {
			return "Network unreachable"
		}
	}

	if strings.Contains(err.Error(), "does not echo") || strings.Contains(err.Error(), "unexpected address") {
		return "Got a reply but it is not an echo - peer is not an echo responder?"
	}

	return err.Error()
}
