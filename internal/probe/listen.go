package probe

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/postalsys/dan/internal/chaos"
	"github.com/postalsys/dan/internal/logging"
	"github.com/postalsys/dan/internal/recovery"
	"github.com/postalsys/dan/internal/udp"
)

// ListenOptions contains configuration for an echo responder.
type ListenOptions struct {
	// Address is the listen address (e.g., "0.0.0.0:7000")
	Address string

	// MaxPacketSize is the largest datagram echoed back in full
	// (default: udp.MaxPacketSize)
	MaxPacketSize int

	// Logger for responder events (default: discard)
	Logger *slog.Logger

	// Faults makes the responder misbehave on purpose. Optional.
	Faults *chaos.FaultInjector
}

// EchoEvent describes one datagram handled by the responder.
type EchoEvent struct {
	Timestamp  time.Time `json:"timestamp"`
	RemoteAddr string    `json:"remote_addr"`
	Size       int       `json:"size"`
	Success    bool      `json:"success"`
	Error      string    `json:"error,omitempty"`
	Fault      string    `json:"fault,omitempty"`
}

// EchoServer answers every datagram with an identical datagram, which is
// what a socket's DiscoverPeer expects from the far side.
type EchoServer struct {
	conn   *net.UDPConn
	buf    []byte
	faults *chaos.FaultInjector
	logger *slog.Logger
}

// NewEchoServer binds the responder socket.
func NewEchoServer(opts ListenOptions) (*EchoServer, error) {
	if opts.MaxPacketSize <= 0 {
		opts.MaxPacketSize = udp.MaxPacketSize
	}
	if opts.Logger == nil {
		opts.Logger = logging.NopLogger()
	}

	addr, err := net.ResolveUDPAddr("udp", opts.Address)
	if err != nil {
		return nil, fmt.Errorf("invalid listen address %q: %w", opts.Address, err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to start listener: %w", err)
	}

	return &EchoServer{
		conn:   conn,
		buf:    make([]byte, opts.MaxPacketSize),
		faults: opts.Faults,
		logger: opts.Logger.With(slog.String(logging.KeyComponent, "echo")),
	}, nil
}

// Addr returns the bound address.
func (s *EchoServer) Addr() net.Addr {
	return s.conn.LocalAddr()
}

// Serve echoes datagrams until ctx is cancelled, then closes the socket.
// Events are delivered to eventChan when it is non-nil; events are dropped
// rather than stalling the responder when the receiver falls behind.
func (s *EchoServer) Serve(ctx context.Context, eventChan chan<- EchoEvent) error {
	defer recovery.RecoverWithLog(s.logger, "probe.echoServe")
	defer s.conn.Close()

	stop := context.AfterFunc(ctx, func() {
		s.conn.SetReadDeadline(time.Unix(1, 0))
	})
	defer stop()

	s.logger.Info("echo responder listening", logging.KeyAddress, s.conn.LocalAddr().String())

	for {
		n, from, err := s.conn.ReadFromUDPAddrPort(s.buf)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			return fmt.Errorf("echo receive: %w", err)
		}

		event := EchoEvent{
			Timestamp:  time.Now(),
			RemoteAddr: from.String(),
			Size:       n,
			Success:    true,
		}

		replies, delay := s.faults.Apply(s.buf[:n])
		if delay > 0 {
			held := bytes.Clone(s.buf[:n])
			time.AfterFunc(delay, func() {
				s.conn.WriteToUDPAddrPort(held, from)
			})
			event.Fault = chaos.FaultDelay.String()
		} else if s.faults != nil && (len(replies) != 1 || len(replies[0]) != n) {
			event.Fault = faultName(replies, n)
		}

		for _, reply := range replies {
			if _, err := s.conn.WriteToUDPAddrPort(reply, from); err != nil {
				event.Success = false
				event.Error = err.Error()
				s.logger.Warn("echo reply failed",
					logging.KeyRemoteAddr, from.String(),
					logging.KeyError, err)
				break
			}
		}
		if event.Success {
			s.logger.Debug("echoed datagram",
				logging.KeyRemoteAddr, from.String(),
				logging.KeyPacketSize, n,
				"fault", event.Fault)
		}

		if eventChan != nil {
			select {
			case eventChan <- event:
			default:
			}
		}
	}
}

func faultName(replies [][]byte, n int) string {
	switch {
	case len(replies) == 0:
		return chaos.FaultDrop.String()
	case len(replies) > 1:
		return chaos.FaultDuplicate.String()
	case len(replies[0]) != n:
		return chaos.FaultTruncate.String()
	default:
		return ""
	}
}

// Listen starts an echo responder and serves until the context is cancelled.
func Listen(ctx context.Context, opts ListenOptions, eventChan chan<- EchoEvent) error {
	srv, err := NewEchoServer(opts)
	if err != nil {
		return err
	}
	return srv.Serve(ctx, eventChan)
}
