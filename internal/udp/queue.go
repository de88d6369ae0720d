package udp

import "time"

// packetQueue is a bounded FIFO of packets.
//
// It is backed by a buffered channel, so producers and consumers on
// different goroutines need no further locking. No operation blocks except
// popWait.
type packetQueue struct {
	ch chan []byte
}

func newPacketQueue(capacity int) *packetQueue {
	return &packetQueue{ch: make(chan []byte, capacity)}
}

// tryPush appends p if there is room.
func (q *packetQueue) tryPush(p []byte) bool {
	select {
	case q.ch <- p:
		return true
	default:
		return false
	}
}

// pushEvict appends p, discarding the oldest packet first if the queue is
// full. It reports whether p was queued and whether a packet was evicted.
func (q *packetQueue) pushEvict(p []byte) (pushed, evicted bool) {
	if q.tryPush(p) {
		return true, false
	}
	_, evicted = q.tryPop()
	return q.tryPush(p), evicted
}

// tryPop removes the oldest packet if one is queued.
func (q *packetQueue) tryPop() ([]byte, bool) {
	select {
	case p := <-q.ch:
		return p, true
	default:
		return nil, false
	}
}

// popWait removes the oldest packet, waiting at most timeout for one. A
// closed cancel channel ends the wait early.
func (q *packetQueue) popWait(timeout time.Duration, cancel <-chan struct{}) ([]byte, bool) {
	if p, ok := q.tryPop(); ok {
		return p, true
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case p := <-q.ch:
		return p, true
	case <-timer.C:
		return nil, false
	case <-cancel:
		return nil, false
	}
}

func (q *packetQueue) len() int { return len(q.ch) }

func (q *packetQueue) cap() int { return cap(q.ch) }
