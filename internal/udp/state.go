package udp

import "sync/atomic"

// PumpState is the lifecycle state of one pump direction.
//
// State transitions:
//
//	StateIdle (0) → StateEnabled (1)            [New]
//	StateEnabled (1) → StateRunning (2)         [claim via CAS]
//	StateRunning (2) → StateEnabled (1)         [release after a pump error]
//	StateEnabled (1) → StateIdle (0)            [disable]
//	StateRunning (2) → StateShuttingDown (3)    [disable]
//	StateShuttingDown (3) → StateIdle (0)       [holder observes shutdown]
//
// Once disabled a direction never leaves StateIdle again.
type PumpState int32

const (
	// StateIdle means no pump may run: either the socket is not yet enabled
	// or shutdown has completed for this direction.
	StateIdle PumpState = iota
	// StateEnabled means a pump may claim the direction.
	StateEnabled
	// StateRunning means exactly one goroutine is inside the pump loop.
	StateRunning
	// StateShuttingDown means shutdown was requested while a pump held the
	// direction; the holder moves it to StateIdle when it next checks.
	StateShuttingDown
)

// String returns a human-readable name for the state.
func (s PumpState) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateEnabled:
		return "ENABLED"
	case StateRunning:
		return "RUNNING"
	case StateShuttingDown:
		return "SHUTTING_DOWN"
	default:
		return "UNKNOWN"
	}
}

// MarshalText renders the state by name in JSON and YAML output.
func (s PumpState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Direction identifies one of the two pumps.
type Direction int

const (
	// DirectionInbound is the network to inbound queue pump.
	DirectionInbound Direction = iota
	// DirectionOutbound is the outbound queue to network pump.
	DirectionOutbound
)

// String returns the label used in logs and metrics.
func (d Direction) String() string {
	switch d {
	case DirectionInbound:
		return "inbound"
	case DirectionOutbound:
		return "outbound"
	default:
		return "unknown"
	}
}

// direction is the atomic state cell of one pump direction.
//
// Only the goroutine that won claim() may call keepRunning() or release().
type direction struct {
	state    atomic.Int32
	disabled atomic.Bool
}

func (d *direction) load() PumpState {
	return PumpState(d.state.Load())
}

func (d *direction) cas(from, to PumpState) bool {
	return d.state.CompareAndSwap(int32(from), int32(to))
}

// enable moves a fresh direction from StateIdle to StateEnabled. It is a
// no-op once disable has been called.
func (d *direction) enable() {
	if d.disabled.Load() {
		return
	}
	d.cas(StateIdle, StateEnabled)
}

// claim tries to take the direction for the calling goroutine.
//
// It reports true when the direction moved to StateRunning. It reports false
// with a nil error when the direction is shut down, and ErrPumpBusy when
// another goroutine already holds it.
func (d *direction) claim() (bool, error) {
	for {
		switch d.load() {
		case StateEnabled:
			if d.cas(StateEnabled, StateRunning) {
				return true, nil
			}
		case StateRunning:
			return false, ErrPumpBusy
		default:
			return false, nil
		}
	}
}

// keepRunning is checked by the holder after every loop iteration. When
// shutdown has been requested it completes the transition to StateIdle and
// reports false.
func (d *direction) keepRunning() bool {
	if d.load() == StateRunning {
		return true
	}
	d.cas(StateShuttingDown, StateIdle)
	return false
}

// release hands the direction back after the holder stops early. A pending
// shutdown is completed instead.
func (d *direction) release() {
	if d.cas(StateRunning, StateEnabled) {
		return
	}
	d.cas(StateShuttingDown, StateIdle)
}

// disable starts shutdown of the direction. It does not wait for the holder.
func (d *direction) disable() {
	d.disabled.Store(true)
	for {
		switch d.load() {
		case StateEnabled:
			if d.cas(StateEnabled, StateIdle) {
				return
			}
		case StateRunning:
			if d.cas(StateRunning, StateShuttingDown) {
				return
			}
		default:
			return
		}
	}
}

func (d *direction) idle() bool {
	return d.load() == StateIdle
}
