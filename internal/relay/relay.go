// Package relay supervises the two pumps of a udp.Socket.
//
// The socket pumps never retry on their own. A Relay runs each pump on its
// own goroutine and decides what a pump error means: a protocol mismatch
// restarts the inbound pump after a backoff when RestartOnMismatch is set,
// anything else stops the relay and destroys the socket.
package relay

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/postalsys/dan/internal/logging"
	"github.com/postalsys/dan/internal/recovery"
	"github.com/postalsys/dan/internal/udp"
)

// ErrAlreadyStarted is returned by Start on a relay that was started before.
var ErrAlreadyStarted = errors.New("relay: already started")

// Config controls restart behavior.
type Config struct {
	// RestartOnMismatch re-runs the inbound pump after a protocol mismatch.
	RestartOnMismatch bool

	// RestartBackoff is the pause before each restart.
	RestartBackoff time.Duration

	// MaxRestarts caps restarts over the relay's lifetime. 0 means unlimited.
	MaxRestarts int

	// OnRestart is called before every restart. Optional.
	OnRestart func(dir udp.Direction)
}

// DefaultConfig returns the restart policy used when none is configured.
func DefaultConfig() Config {
	return Config{
		RestartOnMismatch: true,
		RestartBackoff:    100 * time.Millisecond,
		MaxRestarts:       0, // Unlimited
	}
}

// Relay owns a socket and keeps both of its pumps running.
type Relay struct {
	sock   *udp.Socket
	cfg    Config
	logger *slog.Logger

	restarts atomic.Int64
	started  atomic.Bool
	running  atomic.Bool

	wg        sync.WaitGroup
	closing   chan struct{}
	closeOnce sync.Once
	done      chan struct{}

	mu  sync.Mutex
	err error
}

// New creates a relay for sock. The relay takes ownership of the socket
// and destroys it when it stops.
func New(sock *udp.Socket, cfg Config, logger *slog.Logger) *Relay {
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Relay{
		sock:    sock,
		cfg:     cfg,
		logger:  logger.With(slog.String(logging.KeyComponent, "relay")),
		closing: make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Start launches both pumps and returns immediately.
func (r *Relay) Start() error {
	if !r.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}

	r.running.Store(true)
	r.wg.Add(2)
	go r.supervise(udp.DirectionInbound, r.sock.RunInbound)
	go r.supervise(udp.DirectionOutbound, r.sock.RunOutbound)

	go func() {
		r.wg.Wait()
		r.running.Store(false)
		close(r.done)
	}()

	r.logger.Info("relay started",
		logging.KeyLocalAddr, r.sock.LocalAddr().String(),
		logging.KeyRemoteAddr, r.sock.RemoteAddr().String(),
		logging.KeyPacketSize, r.sock.PacketSize())
	return nil
}

// supervise runs one pump until shutdown or a fatal error.
func (r *Relay) supervise(dir udp.Direction, run func() error) {
	defer r.wg.Done()
	logger := r.logger.With(slog.String(logging.KeyDirection, dir.String()))

	for {
		err := recovery.Call(logger, dir.String()+" pump", run)
		if err == nil {
			logger.Debug("pump exited on shutdown")
			return
		}

		if r.shouldRestart(err) {
			n := r.restarts.Add(1)
			logger.Warn("restarting pump",
				logging.KeyError, err,
				logging.KeyRestarts, n)
			if r.cfg.OnRestart != nil {
				r.cfg.OnRestart(dir)
			}
			if !r.sleep(r.cfg.RestartBackoff) {
				return
			}
			continue
		}

		logger.Error("pump failed, stopping relay", logging.KeyError, err)
		r.fail(err)
		return
	}
}

func (r *Relay) shouldRestart(err error) bool {
	var mismatch *udp.ProtocolMismatchError
	if !errors.As(err, &mismatch) || !r.cfg.RestartOnMismatch {
		return false
	}
	if r.cfg.MaxRestarts > 0 && r.restarts.Load() >= int64(r.cfg.MaxRestarts) {
		return false
	}
	select {
	case <-r.closing:
		return false
	default:
		return true
	}
}

// sleep waits d or until the relay is closing. It reports false when closing.
func (r *Relay) sleep(d time.Duration) bool {
	if d <= 0 {
		select {
		case <-r.closing:
			return false
		default:
			return true
		}
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-r.closing:
		return false
	}
}

// fail records the first fatal error and stops the relay.
func (r *Relay) fail(err error) {
	r.mu.Lock()
	if r.err == nil {
		r.err = err
	}
	r.mu.Unlock()
	r.stop()
}

// stop destroys the socket exactly once. The pumps observe the shutdown and
// return nil.
func (r *Relay) stop() error {
	var err error
	r.closeOnce.Do(func() {
		close(r.closing)
		err = r.sock.Destroy()
		if errors.Is(err, udp.ErrClosed) {
			err = nil
		}
	})
	return err
}

// Close stops both pumps, destroys the socket and waits for the pump
// goroutines to exit.
func (r *Relay) Close() error {
	err := r.stop()
	if r.started.Load() {
		<-r.done
	}
	r.logger.Info("relay stopped",
		logging.KeyRestarts, r.restarts.Load(),
		"received", r.sock.ReceivedCount(),
		"sent", r.sock.SentCount())
	return err
}

// Wait blocks until both pumps have exited and returns the error that
// stopped the relay, or nil after Close.
func (r *Relay) Wait() error {
	<-r.done
	return r.Err()
}

// Done is closed once both pumps have exited.
func (r *Relay) Done() <-chan struct{} {
	return r.done
}

// Err returns the fatal pump error, if any.
func (r *Relay) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// Socket returns the supervised socket.
func (r *Relay) Socket() *udp.Socket {
	return r.sock
}

// Restarts returns the number of pump restarts so far.
func (r *Relay) Restarts() int64 {
	return r.restarts.Load()
}

// IsRunning reports whether the pumps are being supervised.
func (r *Relay) IsRunning() bool {
	return r.running.Load()
}

// Stats returns the socket statistics.
func (r *Relay) Stats() udp.Stats {
	return r.sock.Stats()
}
