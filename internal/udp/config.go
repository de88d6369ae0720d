package udp

import (
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// MaxPacketSize is the largest UDP payload that fits in an IPv4 datagram.
const MaxPacketSize = 65507

const (
	// DefaultSocketTimeout bounds DiscoverPeer's wait for a reply.
	DefaultSocketTimeout = time.Second
	// DefaultReadPollInterval bounds each blocking receive of the inbound
	// pump, which is how often it notices shutdown when the peer is silent.
	DefaultReadPollInterval = time.Second
	// DefaultPollInterval is used by PollSleep and PollWait.
	DefaultPollInterval = time.Millisecond
)

// OverflowPolicy decides what the inbound pump does with a valid packet
// when the inbound queue is full.
type OverflowPolicy int

const (
	// OverflowDrop discards the newly received packet.
	OverflowDrop OverflowPolicy = iota
	// OverflowEvictOldest discards the oldest queued packet and retries the
	// enqueue once.
	OverflowEvictOldest
)

// String returns the configuration name of the policy.
func (p OverflowPolicy) String() string {
	switch p {
	case OverflowDrop:
		return "drop"
	case OverflowEvictOldest:
		return "evict-oldest"
	default:
		return "unknown"
	}
}

// ParseOverflowPolicy parses "drop" or "evict-oldest". Empty means drop.
func ParseOverflowPolicy(s string) (OverflowPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "drop":
		return OverflowDrop, nil
	case "evict-oldest", "evict_oldest", "evict":
		return OverflowEvictOldest, nil
	default:
		return OverflowDrop, fmt.Errorf("unknown overflow policy %q (must be drop or evict-oldest)", s)
	}
}

// PollStrategy decides how the outbound pump idles on an empty queue.
type PollStrategy int

const (
	// PollSpin yields the processor and polls again. Lowest latency, one
	// core busy while the queue is empty.
	PollSpin PollStrategy = iota
	// PollSleep sleeps PollInterval between polls.
	PollSleep
	// PollWait blocks until a packet is queued or PollInterval elapses.
	PollWait
)

// String returns the configuration name of the strategy.
func (p PollStrategy) String() string {
	switch p {
	case PollSpin:
		return "spin"
	case PollSleep:
		return "sleep"
	case PollWait:
		return "wait"
	default:
		return "unknown"
	}
}

// ParsePollStrategy parses "spin", "sleep" or "wait". Empty means spin.
func ParsePollStrategy(s string) (PollStrategy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "spin":
		return PollSpin, nil
	case "sleep":
		return PollSleep, nil
	case "wait":
		return PollWait, nil
	default:
		return PollSpin, fmt.Errorf("unknown poll strategy %q (must be spin, sleep, or wait)", s)
	}
}

// Options configures a Socket.
type Options struct {
	// BindAddress is the local ip:port to bind. Empty binds the wildcard
	// address of the remote's family on an OS-chosen port.
	BindAddress string

	// RemoteAddress is the ip:port of the only peer. Required.
	RemoteAddress string

	// SocketTimeout bounds DiscoverPeer when no per-call timeout is given.
	// Zero means DefaultSocketTimeout.
	SocketTimeout time.Duration

	// ReadQueueSize is the inbound queue capacity in packets.
	ReadQueueSize int

	// WriteQueueSize is the outbound queue capacity in packets.
	WriteQueueSize int

	// PacketSize is the exact length of every datagram in bytes.
	PacketSize int

	// MinSendInterval is the minimum gap between the end of one send and the
	// start of the next. Zero disables pacing.
	MinSendInterval time.Duration

	// Overflow is the inbound queue overflow policy.
	Overflow OverflowPolicy

	// PollStrategy controls how the outbound pump idles on an empty queue.
	PollStrategy PollStrategy

	// PollInterval is the idle period for PollSleep and PollWait.
	// Zero means DefaultPollInterval.
	PollInterval time.Duration

	// ReadPollInterval bounds each receive call of the inbound pump.
	// Zero means DefaultReadPollInterval.
	ReadPollInterval time.Duration

	// ShutdownPoll is how long Destroy sleeps between checks for idle pumps.
	// Zero yields the processor instead of sleeping.
	ShutdownPoll time.Duration

	// ReuseAddress sets SO_REUSEADDR before binding.
	ReuseAddress bool

	// ReadBufferBytes and WriteBufferBytes size the kernel socket buffers.
	// Zero keeps the OS default.
	ReadBufferBytes  int
	WriteBufferBytes int

	// TrafficClass sets the IPv4 TOS byte or IPv6 traffic class of outgoing
	// datagrams. Zero keeps the OS default.
	TrafficClass int

	// Logger receives lifecycle and error logs. Nil discards them.
	Logger *slog.Logger

	// Observer receives per-packet and lifecycle events. Nil ignores them.
	Observer Observer
}

// DefaultOptions returns Options with every tunable set. RemoteAddress still
// has to be filled in.
func DefaultOptions() Options {
	return Options{
		SocketTimeout:    DefaultSocketTimeout,
		ReadQueueSize:    1024,
		WriteQueueSize:   1024,
		PacketSize:       1024,
		Overflow:         OverflowDrop,
		PollStrategy:     PollSpin,
		PollInterval:     DefaultPollInterval,
		ReadPollInterval: DefaultReadPollInterval,
	}
}

func (o Options) withDefaults() Options {
	if o.SocketTimeout <= 0 {
		o.SocketTimeout = DefaultSocketTimeout
	}
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.ReadPollInterval <= 0 {
		o.ReadPollInterval = DefaultReadPollInterval
	}
	if o.Observer == nil {
		o.Observer = nopObserver{}
	}
	return o
}

// Validate checks the numeric options. Addresses are checked by New.
func (o Options) Validate() error {
	var problems []string

	if strings.TrimSpace(o.RemoteAddress) == "" {
		problems = append(problems, "remote address is required")
	}
	if o.PacketSize < 1 || o.PacketSize > MaxPacketSize {
		problems = append(problems, fmt.Sprintf("packet size must be between 1 and %d, got %d", MaxPacketSize, o.PacketSize))
	}
	if o.ReadQueueSize < 1 {
		problems = append(problems, fmt.Sprintf("read queue size must be positive, got %d", o.ReadQueueSize))
	}
	if o.WriteQueueSize < 1 {
		problems = append(problems, fmt.Sprintf("write queue size must be positive, got %d", o.WriteQueueSize))
	}
	if o.MinSendInterval < 0 {
		problems = append(problems, "min send interval must not be negative")
	}
	if o.SocketTimeout < 0 || o.ReadPollInterval < 0 || o.PollInterval < 0 || o.ShutdownPoll < 0 {
		problems = append(problems, "timeouts and intervals must not be negative")
	}
	if o.ReadBufferBytes < 0 || o.WriteBufferBytes < 0 {
		problems = append(problems, "socket buffer sizes must not be negative")
	}
	if o.TrafficClass < 0 || o.TrafficClass > 255 {
		problems = append(problems, fmt.Sprintf("traffic class must be between 0 and 255, got %d", o.TrafficClass))
	}
	if o.Overflow != OverflowDrop && o.Overflow != OverflowEvictOldest {
		problems = append(problems, fmt.Sprintf("unknown overflow policy %d", o.Overflow))
	}
	if o.PollStrategy < PollSpin || o.PollStrategy > PollWait {
		problems = append(problems, fmt.Sprintf("unknown poll strategy %d", o.PollStrategy))
	}

	if len(problems) > 0 {
		return &OptionsError{Problems: problems}
	}
	return nil
}
