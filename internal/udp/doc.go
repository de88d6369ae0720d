// Package udp provides a fixed-packet-size UDP socket bound to exactly one
// remote peer, drained by two independent pump loops.
//
// A Socket owns one datagram socket and two bounded packet queues:
//   - The inbound pump (RunInbound) receives datagrams, checks that each one is
//     exactly PacketSize bytes and comes from the configured remote address,
//     and pushes it onto the inbound queue. Callers drain it with DequeueRead.
//   - The outbound pump (RunOutbound) pulls packets queued by EnqueueWrite and
//     sends them to the remote address, spacing sends by at least
//     MinSendInterval measured from the end of the previous send.
//
// # Lifecycle
//
// Each direction carries its own PumpState cell:
//
//	StateIdle → StateEnabled            New
//	StateEnabled ⇄ StateRunning          pump claim / pump error
//	StateEnabled → StateIdle            Destroy
//	StateRunning → StateShuttingDown    Destroy
//	StateShuttingDown → StateIdle       pump observes shutdown
//
// Pumps claim their direction with a compare-and-swap, so at most one goroutine
// runs each pump at a time. Destroy disables both directions and waits until
// neither pump is inside its loop before the socket is closed. Shutdown is
// cooperative: a receive or pacing sleep in flight finishes its iteration
// first. Queued packets are not flushed.
//
// # Errors
//
// Pumps never retry internally. A ProtocolMismatchError ends the current
// RunInbound call and an IOError ends the current pump call; the socket stays
// usable and the caller decides whether to run the pump again.
//
// # Thread Safety
//
// All exported methods are safe for concurrent use. Destroy must be called at
// most once; later calls return ErrClosed.
package udp
