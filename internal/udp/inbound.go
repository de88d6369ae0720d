package udp

import (
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/postalsys/dan/internal/logging"
)

// inboundPump moves validated datagrams from the network to the inbound queue.
type inboundPump struct {
	shared   *sharedState
	queue    *packetQueue
	overflow OverflowPolicy
	poll     time.Duration
	observer Observer
	logger   *slog.Logger

	dropped atomic.Uint64
	evicted atomic.Uint64
}

// run is the inbound loop. It returns nil after shutdown, ErrPumpBusy if
// another goroutine holds the read direction, a *ProtocolMismatchError for a
// bad datagram and an *IOError for any other receive failure.
func (p *inboundPump) run() (err error) {
	claimed, err := p.shared.read.claim()
	if err != nil || !claimed {
		return err
	}

	p.observer.PumpStarted(DirectionInbound)
	p.logger.Debug("inbound pump started")
	defer func() {
		if r := recover(); r != nil {
			p.shared.read.release()
			p.observer.PumpStopped(DirectionInbound, fmt.Errorf("inbound pump panic: %v", r))
			panic(r)
		}
		p.observer.PumpStopped(DirectionInbound, err)
	}()

	// One spare byte so an oversized datagram is seen as such rather than
	// silently truncated to PacketSize.
	buf := make([]byte, p.shared.packetSize+1)
	for {
		if err := p.receive(buf); err != nil {
			p.shared.read.release()
			return err
		}
		if !p.shared.read.keepRunning() {
			p.logger.Debug("inbound pump stopped")
			return nil
		}
	}
}

// receive handles at most one datagram. A poll timeout is not an error.
func (p *inboundPump) receive(buf []byte) error {
	conn := p.shared.conn
	if err := conn.SetReadDeadline(time.Now().Add(p.poll)); err != nil {
		return &IOError{Op: "set read deadline", Err: err}
	}

	n, from, err := conn.ReadFromUDPAddrPort(buf)
	if err != nil {
		if isTimeout(err) {
			return nil
		}
		p.logger.Error("inbound receive failed", logging.KeyError, err)
		return &IOError{Op: "receive", Err: err}
	}

	from = unmapAddrPort(from)
	if n != p.shared.packetSize || from != p.shared.remote {
		mismatch := &ProtocolMismatchError{
			ExpectedSize: p.shared.packetSize,
			ActualSize:   n,
			ExpectedAddr: p.shared.remote,
			ActualAddr:   from,
		}
		p.observer.ProtocolMismatch(mismatch)
		p.logger.Warn("inbound protocol mismatch",
			logging.KeyPacketSize, n,
			logging.KeyRemoteAddr, from.String())
		return mismatch
	}

	packet := make([]byte, n)
	copy(packet, buf[:n])
	p.enqueue(packet)

	p.shared.received.Add(1)
	p.observer.PacketReceived(n)
	return nil
}

func (p *inboundPump) enqueue(packet []byte) {
	switch p.overflow {
	case OverflowEvictOldest:
		pushed, evicted := p.queue.pushEvict(packet)
		if evicted {
			p.evicted.Add(1)
			p.observer.InboundDropped(DropEvicted)
		}
		if !pushed {
			p.dropped.Add(1)
			p.observer.InboundDropped(DropQueueFull)
		}
	default:
		if !p.queue.tryPush(packet) {
			p.dropped.Add(1)
			p.observer.InboundDropped(DropQueueFull)
		}
	}
}
