// Package loadtest provides load testing utilities for dan sockets.
//
// A Generator offers sequence-numbered packets to a socket's outbound queue
// at a fixed rate, and a Sink drains the inbound queue of the receiving
// socket, counting what arrived, what arrived twice and what arrived out of
// order.
package loadtest

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/postalsys/dan/internal/udp"
)

// HeaderSize is the smallest packet a load test can use: a sequence number
// followed by the send time in nanoseconds.
const HeaderSize = 16

// Writer accepts outbound packets. *udp.Socket implements it.
type Writer interface {
	EnqueueWrite(packet []byte) error
}

// Reader yields inbound packets. *udp.Socket implements it.
type Reader interface {
	DequeueRead() ([]byte, bool)
}

// EncodePacket fills packet with seq and sendTime. The rest of the packet
// is left untouched.
func EncodePacket(packet []byte, seq uint64, sendTime time.Time) {
	binary.BigEndian.PutUint64(packet[0:8], seq)
	binary.BigEndian.PutUint64(packet[8:16], uint64(sendTime.UnixNano()))
}

// DecodePacket extracts the sequence number and send time from packet.
func DecodePacket(packet []byte) (seq uint64, sendTime time.Time, ok bool) {
	if len(packet) < HeaderSize {
		return 0, time.Time{}, false
	}
	seq = binary.BigEndian.Uint64(packet[0:8])
	sendTime = time.Unix(0, int64(binary.BigEndian.Uint64(packet[8:16])))
	return seq, sendTime, true
}

// GeneratorMetrics contains results from the sending side.
type GeneratorMetrics struct {
	Offered  int64
	Accepted int64
	Rejected int64
	Bytes    int64
	Duration time.Duration
	Rate     float64
}

// Generator offers packets at a fixed rate.
type Generator struct {
	packetSize int
	limiter    *rate.Limiter
	duration   time.Duration
	count      int64
}

// NewGenerator creates a generator sending packetsPerSecond packets of
// packetSize bytes for duration. packetsPerSecond <= 0 sends as fast as
// the writer accepts packets.
func NewGenerator(packetSize int, packetsPerSecond float64, duration time.Duration) (*Generator, error) {
	if packetSize < HeaderSize {
		return nil, fmt.Errorf("packet size must be at least %d bytes, got %d", HeaderSize, packetSize)
	}
	limit := rate.Inf
	if packetsPerSecond > 0 {
		limit = rate.Limit(packetsPerSecond)
	}
	return &Generator{
		packetSize: packetSize,
		limiter:    rate.NewLimiter(limit, 1),
		duration:   duration,
	}, nil
}

// WithCount stops the generator after n packets even if the duration has
// not elapsed. n <= 0 means no limit.
func (g *Generator) WithCount(n int64) *Generator {
	g.count = n
	return g
}

// Run offers packets to w until the duration elapses, the count is
// reached, or ctx is cancelled. A full queue counts as a rejection; any
// other enqueue error stops the run and is returned.
func (g *Generator) Run(ctx context.Context, w Writer) (*GeneratorMetrics, error) {
	if g.duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.duration)
		defer cancel()
	}

	metrics := &GeneratorMetrics{}
	packet := make([]byte, g.packetSize)
	startTime := time.Now()

	var runErr error
	for seq := uint64(0); g.count <= 0 || int64(seq) < g.count; seq++ {
		if err := g.limiter.Wait(ctx); err != nil {
			break
		}

		EncodePacket(packet, seq, time.Now())
		metrics.Offered++
		err := w.EnqueueWrite(packet)
		if errors.Is(err, udp.ErrQueueFull) {
			metrics.Rejected++
			continue
		}
		if err != nil {
			runErr = err
			break
		}
		metrics.Accepted++
		metrics.Bytes += int64(g.packetSize)
	}

	metrics.Duration = time.Since(startTime)
	if metrics.Duration > 0 {
		metrics.Rate = float64(metrics.Accepted) / metrics.Duration.Seconds()
	}
	return metrics, runErr
}

// SinkMetrics contains results from the receiving side.
type SinkMetrics struct {
	Received   int64
	Unique     int64
	Duplicates int64
	Reordered  int64
	Malformed  int64
	Bytes      int64

	MinLatency time.Duration
	MaxLatency time.Duration
	AvgLatency time.Duration

	Duration time.Duration
}

// Sink drains a Reader and tracks sequence numbers.
type Sink struct {
	poll time.Duration

	mu         sync.Mutex
	metrics    SinkMetrics
	seen       map[uint64]struct{}
	highest    uint64
	any        bool
	latencySum time.Duration
}

// NewSink creates a sink that sleeps poll between empty reads.
func NewSink(poll time.Duration) *Sink {
	if poll <= 0 {
		poll = time.Millisecond
	}
	return &Sink{
		poll: poll,
		seen: make(map[uint64]struct{}),
	}
}

// Run drains r until ctx is cancelled.
func (s *Sink) Run(ctx context.Context, r Reader) *SinkMetrics {
	startTime := time.Now()
	for {
		packet, ok := r.DequeueRead()
		if ok {
			s.Observe(packet, time.Now())
			continue
		}
		select {
		case <-ctx.Done():
			s.mu.Lock()
			s.metrics.Duration = time.Since(startTime)
			s.mu.Unlock()
			return s.Metrics()
		case <-time.After(s.poll):
		}
	}
}

// Observe records one received packet.
func (s *Sink) Observe(packet []byte, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.metrics.Received++
	s.metrics.Bytes += int64(len(packet))

	seq, sent, ok := DecodePacket(packet)
	if !ok {
		s.metrics.Malformed++
		return
	}
	if _, dup := s.seen[seq]; dup {
		s.metrics.Duplicates++
		return
	}
	s.seen[seq] = struct{}{}
	s.metrics.Unique++

	if s.any && seq < s.highest {
		s.metrics.Reordered++
	}
	if !s.any || seq > s.highest {
		s.highest = seq
		s.any = true
	}

	latency := now.Sub(sent)
	if latency < 0 {
		latency = 0
	}
	s.latencySum += latency
	if s.metrics.MinLatency == 0 || latency < s.metrics.MinLatency {
		s.metrics.MinLatency = latency
	}
	if latency > s.metrics.MaxLatency {
		s.metrics.MaxLatency = latency
	}
	s.metrics.AvgLatency = s.latencySum / time.Duration(s.metrics.Unique)
}

// Metrics returns a snapshot of the sink counters.
func (s *Sink) Metrics() *SinkMetrics {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.metrics
	return &m
}

// Run drives gen into w while sink drains r. After the generator finishes
// the sink keeps draining for settle so in-flight packets can arrive.
func Run(ctx context.Context, gen *Generator, w Writer, sink *Sink, r Reader, settle time.Duration) (Report, error) {
	sinkCtx, stopSink := context.WithCancel(ctx)
	defer stopSink()

	var report Report
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		report.Sink = sink.Run(sinkCtx, r)
		return nil
	})
	g.Go(func() error {
		defer stopSink()
		m, err := gen.Run(gctx, w)
		report.Generator = m
		if err != nil {
			return err
		}
		if settle > 0 {
			timer := time.NewTimer(settle)
			defer timer.Stop()
			select {
			case <-timer.C:
			case <-gctx.Done():
			}
		}
		return nil
	})

	err := g.Wait()
	return report, err
}

// Report combines both sides of a run.
type Report struct {
	Generator *GeneratorMetrics
	Sink      *SinkMetrics
}

// Lost is the number of accepted packets that never arrived.
func (r Report) Lost() int64 {
	lost := r.Generator.Accepted - r.Sink.Unique
	if lost < 0 {
		return 0
	}
	return lost
}

// LossRatio is Lost over accepted packets.
func (r Report) LossRatio() float64 {
	if r.Generator.Accepted == 0 {
		return 0
	}
	return float64(r.Lost()) / float64(r.Generator.Accepted)
}

// String renders a human-readable summary.
func (r Report) String() string {
	var b strings.Builder
	g, s := r.Generator, r.Sink

	fmt.Fprintf(&b, "Sent:       %s packets (%s) in %s, %s rejected\n",
		humanize.Comma(g.Accepted), humanize.IBytes(uint64(g.Bytes)),
		g.Duration.Round(time.Millisecond), humanize.Comma(g.Rejected))
	fmt.Fprintf(&b, "Rate:       %s pkt/s, %s/s\n",
		humanize.CommafWithDigits(g.Rate, 1), humanize.IBytes(uint64(bytesPerSecond(g))))
	fmt.Fprintf(&b, "Received:   %s packets (%s), %s duplicate, %s reordered, %s malformed\n",
		humanize.Comma(s.Unique), humanize.IBytes(uint64(s.Bytes)),
		humanize.Comma(s.Duplicates), humanize.Comma(s.Reordered), humanize.Comma(s.Malformed))
	fmt.Fprintf(&b, "Lost:       %s (%.2f%%)\n", humanize.Comma(r.Lost()), r.LossRatio()*100)
	if s.Unique > 0 {
		fmt.Fprintf(&b, "Latency:    min %s, avg %s, max %s\n",
			s.MinLatency.Round(time.Microsecond), s.AvgLatency.Round(time.Microsecond), s.MaxLatency.Round(time.Microsecond))
	}
	return b.String()
}

func bytesPerSecond(g *GeneratorMetrics) float64 {
	if g.Duration <= 0 {
		return 0
	}
	return float64(g.Bytes) / g.Duration.Seconds()
}
