package udp

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"runtime"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
)

// pastDeadline is any instant in the past; setting it as the read deadline
// makes a blocked receive return immediately.
var pastDeadline = time.Unix(1, 0)

// sharedState is the part of a socket both pumps read. Everything except
// the direction cells and counters is immutable after newSharedState.
type sharedState struct {
	conn            *net.UDPConn
	local           netip.AddrPort
	remote          netip.AddrPort
	packetSize      int
	minSendInterval time.Duration
	socketTimeout   time.Duration

	read  direction
	write direction

	// stopping is closed when shutdown begins.
	stopping chan struct{}

	received atomic.Uint64
	sent     atomic.Uint64
}

// Discovery is the outcome of a DiscoverPeer exchange.
type Discovery struct {
	// N is the length of the reply written into the caller's buffer.
	N int
	// From is the address the reply came from.
	From netip.AddrPort
	// RTT is the time between sending the probe and receiving the reply.
	RTT time.Duration
}

func newSharedState(opts Options) (*sharedState, error) {
	remote, err := parseAddrPort("remote", opts.RemoteAddress)
	if err != nil {
		return nil, err
	}
	if remote.Port() == 0 {
		return nil, &AddressParseError{Field: "remote", Address: opts.RemoteAddress, Err: fmt.Errorf("port must be non-zero")}
	}

	var local netip.AddrPort
	if strings.TrimSpace(opts.BindAddress) == "" {
		if remote.Addr().Is4() {
			local = netip.AddrPortFrom(netip.IPv4Unspecified(), 0)
		} else {
			local = netip.AddrPortFrom(netip.IPv6Unspecified(), 0)
		}
	} else {
		local, err = parseAddrPort("bind", opts.BindAddress)
		if err != nil {
			return nil, err
		}
	}

	conn, err := bind(local, opts)
	if err != nil {
		return nil, err
	}

	s := &sharedState{
		conn:            conn,
		local:           unmapAddrPort(conn.LocalAddr().(*net.UDPAddr).AddrPort()),
		remote:          remote,
		packetSize:      opts.PacketSize,
		minSendInterval: opts.MinSendInterval,
		socketTimeout:   opts.SocketTimeout,
		stopping:        make(chan struct{}),
	}
	s.read.enable()
	s.write.enable()
	return s, nil
}

func bind(local netip.AddrPort, opts Options) (*net.UDPConn, error) {
	network := "udp6"
	if local.Addr().Is4() {
		network = "udp4"
	}

	lc := net.ListenConfig{}
	if opts.ReuseAddress {
		lc.Control = reuseAddrControl
	}

	pc, err := lc.ListenPacket(context.Background(), network, local.String())
	if err != nil {
		return nil, &BindError{Address: local.String(), Err: err}
	}
	conn := pc.(*net.UDPConn)

	if err := tune(conn, local.Addr().Is4(), opts); err != nil {
		conn.Close()
		return nil, &BindError{Address: local.String(), Err: err}
	}
	return conn, nil
}

func tune(conn *net.UDPConn, is4 bool, opts Options) error {
	if opts.ReadBufferBytes > 0 {
		if err := conn.SetReadBuffer(opts.ReadBufferBytes); err != nil {
			return fmt.Errorf("set read buffer: %w", err)
		}
	}
	if opts.WriteBufferBytes > 0 {
		if err := conn.SetWriteBuffer(opts.WriteBufferBytes); err != nil {
			return fmt.Errorf("set write buffer: %w", err)
		}
	}
	if opts.TrafficClass > 0 {
		var err error
		if is4 {
			err = ipv4.NewPacketConn(conn).SetTOS(opts.TrafficClass)
		} else {
			err = ipv6.NewPacketConn(conn).SetTrafficClass(opts.TrafficClass)
		}
		if err != nil {
			return fmt.Errorf("set traffic class: %w", err)
		}
	}
	return nil
}

func parseAddrPort(field, s string) (netip.AddrPort, error) {
	ap, err := netip.ParseAddrPort(strings.TrimSpace(s))
	if err != nil {
		return netip.AddrPort{}, &AddressParseError{Field: field, Address: s, Err: err}
	}
	return unmapAddrPort(ap), nil
}

// unmapAddrPort turns ::ffff:a.b.c.d into a.b.c.d so addresses compare equal
// regardless of the socket family they were read from.
func unmapAddrPort(ap netip.AddrPort) netip.AddrPort {
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
}

// beginShutdown disables both directions and returns once neither pump is
// inside its loop. poll <= 0 yields between checks instead of sleeping.
// It must be called at most once.
func (s *sharedState) beginShutdown(poll time.Duration) {
	close(s.stopping)
	s.read.disable()
	s.write.disable()

	for !s.read.idle() || !s.write.idle() {
		if !s.read.idle() {
			_ = s.conn.SetReadDeadline(pastDeadline)
		}
		if poll > 0 {
			time.Sleep(poll)
		} else {
			runtime.Gosched()
		}
	}
}

// discoverPeer sends packet to the remote and reads one reply into it. It
// holds the read direction for the whole exchange.
func (s *sharedState) discoverPeer(ctx context.Context, packet []byte, timeout time.Duration) (Discovery, error) {
	claimed, err := s.read.claim()
	if err != nil {
		return Discovery{}, err
	}
	if !claimed {
		return Discovery{}, ErrClosed
	}
	defer s.read.release()

	if timeout <= 0 {
		timeout = s.socketTimeout
	}
	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := s.conn.SetReadDeadline(deadline); err != nil {
		return Discovery{}, &IOError{Op: "set read deadline", Err: err}
	}
	stop := context.AfterFunc(ctx, func() {
		_ = s.conn.SetReadDeadline(pastDeadline)
	})
	defer stop()

	start := time.Now()
	if _, err := s.conn.WriteToUDPAddrPort(packet, s.remote); err != nil {
		return Discovery{}, &IOError{Op: "discover send", Err: err}
	}
	n, from, err := s.conn.ReadFromUDPAddrPort(packet)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Discovery{}, &IOError{Op: "discover receive", Err: ctxErr}
		}
		return Discovery{}, &IOError{Op: "discover receive", Err: err}
	}

	return Discovery{N: n, From: unmapAddrPort(from), RTT: time.Since(start)}, nil
}
