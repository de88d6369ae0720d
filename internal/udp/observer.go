package udp

import "time"

// Reasons passed to Observer.InboundDropped.
const (
	DropQueueFull = "queue_full"
	DropEvicted   = "evicted"
)

// Reasons passed to Observer.WriteRejected.
const (
	RejectQueueFull  = "queue_full"
	RejectPacketSize = "packet_size"
	RejectClosed     = "closed"
)

// Observer receives socket events. Implementations must be safe for
// concurrent use and must not block: they are called from the pump loops.
type Observer interface {
	// PacketReceived is called for every datagram that passed validation.
	PacketReceived(size int)

	// PacketSent is called after every successful send. paced is how long
	// the pump slept to honour MinSendInterval.
	PacketSent(size int, paced time.Duration)

	// InboundDropped is called when the overflow policy discards a packet.
	InboundDropped(reason string)

	// WriteRejected is called when EnqueueWrite refuses a packet.
	WriteRejected(reason string)

	// ProtocolMismatch is called when the inbound pump stops on a bad datagram.
	ProtocolMismatch(err *ProtocolMismatchError)

	// PumpStarted and PumpStopped bracket every successful pump claim.
	// err is nil when the pump stopped because of shutdown.
	PumpStarted(dir Direction)
	PumpStopped(dir Direction, err error)

	// PeerDiscovered is called when a DiscoverPeer exchange finishes.
	PeerDiscovered(rtt time.Duration, err error)
}

type nopObserver struct{}

func (nopObserver) PacketReceived(int)                     {}
func (nopObserver) PacketSent(int, time.Duration)          {}
func (nopObserver) InboundDropped(string)                  {}
func (nopObserver) WriteRejected(string)                   {}
func (nopObserver) ProtocolMismatch(*ProtocolMismatchError) {}
func (nopObserver) PumpStarted(Direction)                  {}
func (nopObserver) PumpStopped(Direction, error)           {}
func (nopObserver) PeerDiscovered(time.Duration, error)    {}
