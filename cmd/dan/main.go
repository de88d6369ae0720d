// Package main provides the CLI entry point for dan, a fixed-packet-size
// UDP relay.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/postalsys/dan/internal/config"
	"github.com/postalsys/dan/internal/health"
	"github.com/postalsys/dan/internal/logging"
	"github.com/postalsys/dan/internal/metrics"
	"github.com/postalsys/dan/internal/relay"
	"github.com/postalsys/dan/internal/sysinfo"
	"github.com/postalsys/dan/internal/udp"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "dan",
		Short: "dan - fixed-packet-size UDP relay",
		Long: `dan moves fixed-size UDP datagrams between a local application and
exactly one remote peer.

Outbound packets are queued and sent with an optional minimum spacing.
Inbound packets are validated for size and origin and queued for the
application. A mismatch stops the inbound direction, and the relay
restarts it according to its policy.`,
		Version:       sysinfo.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// Add subcommands
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(echoCmd())
	rootCmd.AddCommand(discoverCmd())
	rootCmd.AddCommand(benchCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func initCmd() *cobra.Command {
	var (
		configPath string
		remote     string
		bind       string
		force      bool
	)

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default configuration file",
		Long:  "Write a configuration file with every setting at its default value.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := os.Stat(configPath); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", configPath)
			}

			cfg := config.Default()
			cfg.Socket.RemoteAddress = remote
			cfg.Socket.BindAddress = bind

			if err := os.WriteFile(configPath, []byte(cfg.String()), 0644); err != nil {
				return fmt.Errorf("failed to write config: %w", err)
			}
			fmt.Printf("Configuration written to %s\n", configPath)
			if remote == "" {
				fmt.Println("Set socket.remote_address before running.")
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "./dan.yaml", "Path to configuration file")
	cmd.Flags().StringVarP(&remote, "remote", "r", "", "Remote peer ip:port")
	cmd.Flags().StringVarP(&bind, "bind", "b", "", "Local bind ip:port")
	cmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing file")

	return cmd
}

func runCmd() *cobra.Command {
	var (
		configPath string
		remote     string
		bind       string
		packetSize string
		stdio      bool
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the relay",
		Long: `Start the relay with the specified configuration.

With --stdio, standard input is cut into packet-sized chunks and sent to
the peer, and every received packet is written to standard output. The
last chunk is zero-padded. Once standard input is exhausted and the
outbound queue has drained, received packets already queued are written
out for up to socket_timeout before the relay stops. Replies still in
flight after that are not written.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Default()
			if configPath != "" {
				loaded, err := config.LoadRaw(configPath)
				if err != nil {
					return fmt.Errorf("failed to load config: %w", err)
				}
				cfg = loaded
			}
			if remote != "" {
				cfg.Socket.RemoteAddress = remote
			}
			if bind != "" {
				cfg.Socket.BindAddress = bind
			}
			if packetSize != "" {
				size, err := config.ParseByteSize(packetSize)
				if err != nil {
					return err
				}
				cfg.Socket.PacketSize = size
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			return runRelay(cfg, stdio)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")
	cmd.Flags().StringVarP(&remote, "remote", "r", "", "Remote peer ip:port (overrides config)")
	cmd.Flags().StringVarP(&bind, "bind", "b", "", "Local bind ip:port (overrides config)")
	cmd.Flags().StringVarP(&packetSize, "packet-size", "s", "", "Packet size, e.g. 1200 or 1KiB (overrides config)")
	cmd.Flags().BoolVar(&stdio, "stdio", false, "Relay standard input and output")

	return cmd
}

func runRelay(cfg *config.Config, stdio bool) error {
	logger := logging.NewLogger(cfg.Log.Level, cfg.Log.Format)
	logger.Info("starting dan", "version", sysinfo.Version)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.NewMetricsWithRegistry(reg)

	opts, err := cfg.SocketOptions()
	if err != nil {
		return err
	}
	opts.Logger = logger
	opts.Observer = m

	sock, err := udp.New(opts)
	if err != nil {
		return fmt.Errorf("failed to create socket: %w", err)
	}

	r := relay.New(sock, relay.Config{
		RestartOnMismatch: cfg.Relay.RestartOnMismatch,
		RestartBackoff:    cfg.Relay.RestartBackoff,
		MaxRestarts:       cfg.Relay.MaxRestarts,
		OnRestart:         m.RecordRelayRestart,
	}, logger)
	if err := r.Start(); err != nil {
		sock.Destroy()
		return err
	}

	if cfg.Health.Enabled {
		srv := health.NewServer(health.ServerConfig{
			Address:      cfg.Health.Address,
			ReadTimeout:  cfg.Health.ReadTimeout,
			WriteTimeout: cfg.Health.WriteTimeout,
			Gatherer:     reg,
		}, r)
		if err := srv.Start(); err != nil {
			r.Close()
			return fmt.Errorf("failed to start health server: %w", err)
		}
		defer srv.Stop()
		logger.Info("health server listening", logging.KeyAddress, srv.Address().String())
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	inputDone := make(chan error, 1)
	outputDone := make(chan struct{})
	if stdio {
		go func() { inputDone <- pumpStdin(ctx, sock, os.Stdin) }()
		go func() {
			pumpStdout(ctx, sock, os.Stdout, cfg.Socket.PollInterval)
			close(outputDone)
		}()
	} else {
		close(outputDone)
	}

	select {
	case <-ctx.Done():
		logger.Info("received signal, shutting down")
	case err := <-inputDone:
		if err != nil {
			logger.Error("stdin relay failed", logging.KeyError, err)
		}
		if left := drainInbound(ctx, sock, cfg.Socket.SocketTimeout); left > 0 {
			logger.Warn("discarding unwritten inbound packets", "packets", left)
		}
	case <-r.Done():
	}

	if err := r.Close(); err != nil {
		logger.Warn("relay close failed", logging.KeyError, err)
	}
	<-outputDone
	return r.Err()
}

// drainInbound waits up to grace for pumpStdout to empty the inbound queue
// and returns the number of packets still queued.
func drainInbound(ctx context.Context, sock *udp.Socket, grace time.Duration) int {
	deadline := time.Now().Add(grace)
	for {
		queued := sock.Stats().InboundQueued
		if queued == 0 || time.Now().After(deadline) {
			return queued
		}
		select {
		case <-ctx.Done():
			return queued
		case <-time.After(time.Millisecond):
		}
	}
}

// pumpStdin reads packet-sized chunks and enqueues them, backing off while
// the outbound queue is full. It returns once input is exhausted and the
// queue has drained.
func pumpStdin(ctx context.Context, sock *udp.Socket, in io.Reader) error {
	buf := make([]byte, sock.PacketSize())
	for {
		n, err := io.ReadFull(in, buf)
		if n > 0 {
			clear(buf[n:])
			if err := enqueue(ctx, sock, buf); err != nil {
				return err
			}
		}
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			break
		}
		if err != nil {
			return err
		}
	}

	for sock.Stats().OutboundQueued > 0 {
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(time.Millisecond):
		}
	}
	return nil
}

func enqueue(ctx context.Context, sock *udp.Socket, packet []byte) error {
	for {
		err := sock.EnqueueWrite(packet)
		if !errors.Is(err, udp.ErrQueueFull) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Millisecond):
		}
	}
}

func pumpStdout(ctx context.Context, sock *udp.Socket, out io.Writer, poll time.Duration) {
	if poll <= 0 {
		poll = udp.DefaultPollInterval
	}
	buf := make([]byte, sock.PacketSize())
	for {
		if sock.ReadInto(buf) {
			if _, err := out.Write(buf); err != nil {
				return
			}
			continue
		}
		if sock.IsClosed() {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(poll):
		}
	}
}

// newCLILogger builds the logger used by the one-shot commands.
func newCLILogger(verbose bool) *slog.Logger {
	if verbose {
		return logging.NewLogger("debug", "text")
	}
	return logging.NewLogger("warn", "text")
}
