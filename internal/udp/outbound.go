package udp

import (
	"fmt"
	"log/slog"
	"runtime"
	"time"

	"github.com/postalsys/dan/internal/logging"
)

// outboundPump moves queued packets to the network, paced by pacer.
type outboundPump struct {
	shared   *sharedState
	queue    *packetQueue
	pacer    *pacer
	strategy PollStrategy
	poll     time.Duration
	observer Observer
	logger   *slog.Logger
}

// run is the outbound loop. It returns nil after shutdown, ErrPumpBusy if
// another goroutine holds the write direction and an *IOError when a send
// fails.
func (p *outboundPump) run() (err error) {
	claimed, err := p.shared.write.claim()
	if err != nil || !claimed {
		return err
	}

	p.observer.PumpStarted(DirectionOutbound)
	p.logger.Debug("outbound pump started",
		"min_send_interval", p.shared.minSendInterval,
		"poll_strategy", p.strategy.String())
	defer func() {
		if r := recover(); r != nil {
			p.shared.write.release()
			p.observer.PumpStopped(DirectionOutbound, fmt.Errorf("outbound pump panic: %v", r))
			panic(r)
		}
		p.observer.PumpStopped(DirectionOutbound, err)
	}()

	for {
		if packet, ok := p.next(); ok {
			if err := p.send(packet); err != nil {
				p.shared.write.release()
				return err
			}
		}
		if !p.shared.write.keepRunning() {
			p.logger.Debug("outbound pump stopped")
			return nil
		}
	}
}

// next takes one packet off the queue, idling per strategy when it is empty.
func (p *outboundPump) next() ([]byte, bool) {
	if p.strategy == PollWait {
		return p.queue.popWait(p.poll, p.shared.stopping)
	}
	if packet, ok := p.queue.tryPop(); ok {
		return packet, true
	}
	if p.strategy == PollSleep {
		time.Sleep(p.poll)
	} else {
		runtime.Gosched()
	}
	return nil, false
}

func (p *outboundPump) send(packet []byte) error {
	paced := p.pacer.wait()
	_, err := p.shared.conn.WriteToUDPAddrPort(packet, p.shared.remote)
	p.pacer.mark()
	if err != nil {
		p.logger.Error("outbound send failed", logging.KeyError, err)
		return &IOError{Op: "send", Err: err}
	}

	p.shared.sent.Add(1)
	p.observer.PacketSent(len(packet), paced)
	return nil
}
