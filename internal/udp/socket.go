package udp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"sync/atomic"
	"time"

	"github.com/postalsys/dan/internal/logging"
)

// Socket is a fixed-packet-size UDP socket talking to a single remote peer.
type Socket struct {
	shared   *sharedState
	inbound  *packetQueue
	outbound *packetQueue
	in       *inboundPump
	out      *outboundPump

	shutdownPoll time.Duration
	observer     Observer
	logger       *slog.Logger

	closed atomic.Bool
}

// Stats is a point-in-time view of a socket.
type Stats struct {
	LocalAddr        string    `json:"local_addr"`
	RemoteAddr       string    `json:"remote_addr"`
	PacketSize       int       `json:"packet_size"`
	Received         uint64    `json:"received"`
	Sent             uint64    `json:"sent"`
	InboundQueued    int       `json:"inbound_queued"`
	InboundCapacity  int       `json:"inbound_capacity"`
	OutboundQueued   int       `json:"outbound_queued"`
	OutboundCapacity int       `json:"outbound_capacity"`
	InboundDropped   uint64    `json:"inbound_dropped"`
	InboundEvicted   uint64    `json:"inbound_evicted"`
	ReadState        PumpState `json:"read_state"`
	WriteState       PumpState `json:"write_state"`
	Closed           bool      `json:"closed"`
}

// New binds a socket and prepares both pumps. Neither pump runs until the
// caller invokes RunInbound or RunOutbound.
//
// New fails with *OptionsError, *AddressParseError or *BindError. Address
// errors are detected before any OS resource is allocated.
func New(opts Options) (*Socket, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	opts = opts.withDefaults()

	shared, err := newSharedState(opts)
	if err != nil {
		return nil, err
	}

	logger := opts.Logger
	if logger == nil {
		logger = logging.NopLogger()
	}
	logger = logger.With(
		slog.String(logging.KeyComponent, "udp"),
		slog.String(logging.KeyLocalAddr, shared.local.String()),
		slog.String(logging.KeyRemoteAddr, shared.remote.String()),
	)

	s := &Socket{
		shared:       shared,
		inbound:      newPacketQueue(opts.ReadQueueSize),
		outbound:     newPacketQueue(opts.WriteQueueSize),
		shutdownPoll: opts.ShutdownPoll,
		observer:     opts.Observer,
		logger:       logger,
	}
	s.in = &inboundPump{
		shared:   shared,
		queue:    s.inbound,
		overflow: opts.Overflow,
		poll:     opts.ReadPollInterval,
		observer: opts.Observer,
		logger:   logger.With(slog.String(logging.KeyDirection, DirectionInbound.String())),
	}
	s.out = &outboundPump{
		shared:   shared,
		queue:    s.outbound,
		pacer:    newPacer(opts.MinSendInterval),
		strategy: opts.PollStrategy,
		poll:     opts.PollInterval,
		observer: opts.Observer,
		logger:   logger.With(slog.String(logging.KeyDirection, DirectionOutbound.String())),
	}

	logger.Debug("socket created",
		logging.KeyPacketSize, opts.PacketSize,
		"read_queue_size", opts.ReadQueueSize,
		"write_queue_size", opts.WriteQueueSize,
		"overflow", opts.Overflow.String())
	return s, nil
}

// RunInbound runs the inbound pump on the calling goroutine until shutdown
// or the first error. See inboundPump.run for the error contract.
func (s *Socket) RunInbound() error {
	return s.in.run()
}

// RunOutbound runs the outbound pump on the calling goroutine until shutdown
// or the first send failure.
func (s *Socket) RunOutbound() error {
	return s.out.run()
}

// EnqueueWrite copies packet onto the outbound queue. It never blocks.
func (s *Socket) EnqueueWrite(packet []byte) error {
	if s.closed.Load() {
		s.observer.WriteRejected(RejectClosed)
		return ErrClosed
	}
	if len(packet) != s.shared.packetSize {
		s.observer.WriteRejected(RejectPacketSize)
		return fmt.Errorf("%w: got %d bytes, want %d", ErrPacketSize, len(packet), s.shared.packetSize)
	}

	buf := make([]byte, len(packet))
	copy(buf, packet)
	if !s.outbound.tryPush(buf) {
		s.observer.WriteRejected(RejectQueueFull)
		return ErrQueueFull
	}
	return nil
}

// DequeueRead removes the oldest received packet. The returned slice belongs
// to the caller. It reports false when nothing is queued or the socket is
// destroyed.
func (s *Socket) DequeueRead() ([]byte, bool) {
	if s.closed.Load() {
		return nil, false
	}
	return s.inbound.tryPop()
}

// ReadInto copies the oldest received packet into dst, which must hold at
// least PacketSize bytes. It reports false when nothing was copied.
func (s *Socket) ReadInto(dst []byte) bool {
	if len(dst) < s.shared.packetSize {
		return false
	}
	packet, ok := s.DequeueRead()
	if !ok {
		return false
	}
	copy(dst, packet)
	return true
}

// DiscoverPeer sends packet to the remote address and reads a single reply
// back into packet. timeout <= 0 uses the socket timeout.
//
// The exchange holds the read direction, so it fails with ErrPumpBusy while
// the inbound pump runs. A missing reply yields an *IOError whose Timeout
// method reports true.
func (s *Socket) DiscoverPeer(ctx context.Context, packet []byte, timeout time.Duration) (Discovery, error) {
	if s.closed.Load() {
		return Discovery{}, ErrClosed
	}
	if len(packet) == 0 {
		return Discovery{}, fmt.Errorf("%w: discover packet is empty", ErrPacketSize)
	}

	d, err := s.shared.discoverPeer(ctx, packet, timeout)
	if errors.Is(err, ErrPumpBusy) || errors.Is(err, ErrClosed) {
		return d, err
	}
	s.observer.PeerDiscovered(d.RTT, err)
	if err != nil {
		s.logger.Debug("peer discovery failed", logging.KeyError, err)
		return d, err
	}
	s.logger.Debug("peer discovered", "from", d.From.String(), logging.KeyDuration, d.RTT)
	return d, nil
}

// Destroy stops both pumps, waits until neither is inside its loop and
// closes the socket. Queued packets are discarded. Calls after the first
// return ErrClosed.
func (s *Socket) Destroy() error {
	if !s.closed.CompareAndSwap(false, true) {
		return ErrClosed
	}

	start := time.Now()
	s.shared.beginShutdown(s.shutdownPoll)
	err := s.shared.conn.Close()

	s.logger.Debug("socket destroyed",
		logging.KeyDuration, time.Since(start),
		"received", s.shared.received.Load(),
		"sent", s.shared.sent.Load())
	if err != nil {
		return &IOError{Op: "close", Err: err}
	}
	return nil
}

// ReceivedCount is the number of datagrams that passed validation.
func (s *Socket) ReceivedCount() uint64 {
	return s.shared.received.Load()
}

// SentCount is the number of datagrams sent successfully.
func (s *Socket) SentCount() uint64 {
	return s.shared.sent.Load()
}

// InboundDropped is the number of valid packets discarded by the overflow
// policy, including evictions.
func (s *Socket) InboundDropped() uint64 {
	return s.in.dropped.Load() + s.in.evicted.Load()
}

// LocalAddr is the bound address.
func (s *Socket) LocalAddr() netip.AddrPort { return s.shared.local }

// RemoteAddr is the only peer address.
func (s *Socket) RemoteAddr() netip.AddrPort { return s.shared.remote }

// PacketSize is the fixed datagram length.
func (s *Socket) PacketSize() int { return s.shared.packetSize }

// State returns the current state of one pump direction.
func (s *Socket) State(dir Direction) PumpState {
	if dir == DirectionOutbound {
		return s.shared.write.load()
	}
	return s.shared.read.load()
}

// IsClosed reports whether Destroy has been called.
func (s *Socket) IsClosed() bool {
	return s.closed.Load()
}

// Stats returns counters, queue depths and pump states.
func (s *Socket) Stats() Stats {
	return Stats{
		LocalAddr:        s.shared.local.String(),
		RemoteAddr:       s.shared.remote.String(),
		PacketSize:       s.shared.packetSize,
		Received:         s.shared.received.Load(),
		Sent:             s.shared.sent.Load(),
		InboundQueued:    s.inbound.len(),
		InboundCapacity:  s.inbound.cap(),
		OutboundQueued:   s.outbound.len(),
		OutboundCapacity: s.outbound.cap(),
		InboundDropped:   s.in.dropped.Load(),
		InboundEvicted:   s.in.evicted.Load(),
		ReadState:        s.shared.read.load(),
		WriteState:       s.shared.write.load(),
		Closed:           s.closed.Load(),
	}
}
