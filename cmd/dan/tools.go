package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/postalsys/dan/internal/chaos"
	"github.com/postalsys/dan/internal/config"
	"github.com/postalsys/dan/internal/loadtest"
	"github.com/postalsys/dan/internal/probe"
	"github.com/postalsys/dan/internal/udp"
)

func echoCmd() *cobra.Command {
	var (
		address   string
		verbose   bool
		drop      float64
		duplicate float64
		truncate  float64
		delay     float64
		delayMin  time.Duration
		delayMax  time.Duration
	)

	cmd := &cobra.Command{
		Use:   "echo",
		Short: "Run an echo responder",
		Long: `Answer every datagram with an identical datagram.

This is the far side expected by "dan discover" and "dan bench --remote".
The fault flags make it drop, duplicate, delay or truncate replies with
the given probability, checked in that order.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			faults := faultInjector(drop, duplicate, delay, truncate, delayMin, delayMax)
			srv, err := probe.NewEchoServer(probe.ListenOptions{
				Address: address,
				Logger:  newCLILogger(verbose),
				Faults:  faults,
			})
			if err != nil {
				return err
			}
			fmt.Printf("Echo responder listening on %s\n", srv.Addr())

			events := make(chan probe.EchoEvent, 64)
			go func() {
				for ev := range events {
					status := "ok"
					if ev.Fault != "" {
						status = ev.Fault
					}
					if !ev.Success {
						status = "error: " + ev.Error
					}
					fmt.Printf("%s  %-21s  %s  %s\n",
						ev.Timestamp.Format("15:04:05.000"), ev.RemoteAddr, humanize.IBytes(uint64(ev.Size)), status)
				}
			}()

			err = srv.Serve(ctx, events)
			close(events)
			if faults != nil {
				fmt.Printf("Injected faults: %s\n", faults.Summary())
			}
			if ctx.Err() != nil {
				return nil
			}
			return err
		},
	}

	cmd.Flags().StringVarP(&address, "address", "a", "0.0.0.0:7000", "Listen ip:port")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Debug logging")
	cmd.Flags().Float64Var(&drop, "drop", 0, "Probability of dropping a reply")
	cmd.Flags().Float64Var(&duplicate, "duplicate", 0, "Probability of sending a reply twice")
	cmd.Flags().Float64Var(&delay, "delay", 0, "Probability of delaying a reply")
	cmd.Flags().Float64Var(&truncate, "truncate", 0, "Probability of truncating a reply")
	cmd.Flags().DurationVar(&delayMin, "delay-min", 10*time.Millisecond, "Shortest injected delay")
	cmd.Flags().DurationVar(&delayMax, "delay-max", 100*time.Millisecond, "Longest injected delay")

	return cmd
}

// faultInjector returns nil when every probability is zero.
func faultInjector(drop, duplicate, delay, truncate float64, delayMin, delayMax time.Duration) *chaos.FaultInjector {
	var configs []chaos.FaultConfig
	if drop > 0 {
		configs = append(configs, chaos.FaultConfig{Type: chaos.FaultDrop, Probability: drop})
	}
	if duplicate > 0 {
		configs = append(configs, chaos.FaultConfig{Type: chaos.FaultDuplicate, Probability: duplicate})
	}
	if delay > 0 {
		configs = append(configs, chaos.FaultConfig{Type: chaos.FaultDelay, Probability: delay, MinDelay: delayMin, MaxDelay: delayMax})
	}
	if truncate > 0 {
		configs = append(configs, chaos.FaultConfig{Type: chaos.FaultTruncate, Probability: truncate})
	}
	if len(configs) == 0 {
		return nil
	}
	return chaos.NewFaultInjector(configs...)
}

func discoverCmd() *cobra.Command {
	var (
		bind       string
		packetSize string
		timeout    time.Duration
		count      int
		interval   time.Duration
		verbose    bool
	)

	cmd := &cobra.Command{
		Use:   "discover <ip:port>",
		Short: "Probe a peer for an echo reply",
		Long:  "Send numbered probes to a peer and report round-trip times.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			size, err := config.ParseByteSize(packetSize)
			if err != nil {
				return err
			}

			result := probe.Probe(ctx, probe.Options{
				Address:     args[0],
				BindAddress: bind,
				PacketSize:  int(size),
				Timeout:     timeout,
				Count:       count,
				Interval:    interval,
				Logger:      newCLILogger(verbose),
			})

			fmt.Printf("Probe %s from %s\n", result.Address, result.LocalAddr)
			fmt.Printf("  %d sent, %d received, %.1f%% loss\n", result.Sent, result.Received, result.Loss()*100)
			if result.Success {
				fmt.Printf("  rtt min/avg/max = %s/%s/%s\n",
					result.MinRTT.Round(time.Microsecond),
					result.AvgRTT.Round(time.Microsecond),
					result.MaxRTT.Round(time.Microsecond))
			}
			if result.Error != nil {
				fmt.Printf("  last error: %s\n", result.ErrorDetail)
			}
			if !result.Success {
				return fmt.Errorf("no reply from %s", result.Address)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&bind, "bind", "b", "", "Local bind ip:port")
	cmd.Flags().StringVarP(&packetSize, "packet-size", "s", "64", "Probe size")
	cmd.Flags().DurationVarP(&timeout, "timeout", "t", udp.DefaultSocketTimeout, "Wait per probe")
	cmd.Flags().IntVarP(&count, "count", "n", 1, "Number of probes")
	cmd.Flags().DurationVarP(&interval, "interval", "i", time.Second, "Pause between probes")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Debug logging")

	return cmd
}

func benchCmd() *cobra.Command {
	var (
		remote          string
		packetSize      string
		rate            float64
		duration        time.Duration
		minSendInterval time.Duration
		queueSize       int
		overflow        string
		verbose         bool
	)

	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Measure throughput and loss through an echo responder",
		Long: `Send sequence-numbered packets to an echo responder and count what
comes back. Without --remote an in-process responder on loopback is used.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			size, err := config.ParseByteSize(packetSize)
			if err != nil {
				return err
			}
			policy, err := udp.ParseOverflowPolicy(overflow)
			if err != nil {
				return err
			}
			logger := newCLILogger(verbose)

			if remote == "" {
				srv, err := probe.NewEchoServer(probe.ListenOptions{Address: "127.0.0.1:0", Logger: logger})
				if err != nil {
					return err
				}
				echoCtx, stopEcho := context.WithCancel(context.Background())
				defer stopEcho()
				go srv.Serve(echoCtx, nil)
				remote = srv.Addr().String()
			}

			opts := udp.DefaultOptions()
			opts.RemoteAddress = remote
			opts.PacketSize = int(size)
			opts.MinSendInterval = minSendInterval
			opts.ReadQueueSize = queueSize
			opts.WriteQueueSize = queueSize
			opts.Overflow = policy
			opts.PollStrategy = udp.PollWait
			opts.ReadPollInterval = 100 * time.Millisecond
			opts.Logger = logger

			sock, err := udp.New(opts)
			if err != nil {
				return err
			}
			defer sock.Destroy()
			go sock.RunInbound()
			go sock.RunOutbound()

			gen, err := loadtest.NewGenerator(int(size), rate, duration)
			if err != nil {
				return err
			}

			fmt.Printf("Benchmarking %s with %s packets for %s\n", remote, humanize.IBytes(uint64(size)), duration)
			report, err := loadtest.Run(ctx, gen, sock, loadtest.NewSink(time.Millisecond), sock, 500*time.Millisecond)
			if err != nil {
				return err
			}

			fmt.Print(report.String())
			if dropped := sock.InboundDropped(); dropped > 0 {
				fmt.Printf("Dropped:    %s at the inbound queue\n", humanize.Comma(int64(dropped)))
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&remote, "remote", "r", "", "Echo responder ip:port (default: in-process)")
	cmd.Flags().StringVarP(&packetSize, "packet-size", "s", "1KiB", "Packet size")
	cmd.Flags().Float64Var(&rate, "rate", 1000, "Packets per second, 0 for unlimited")
	cmd.Flags().DurationVarP(&duration, "duration", "d", 5*time.Second, "Test duration")
	cmd.Flags().DurationVar(&minSendInterval, "min-send-interval", 0, "Minimum spacing between sends")
	cmd.Flags().IntVar(&queueSize, "queue-size", 1024, "Inbound and outbound queue capacity")
	cmd.Flags().StringVar(&overflow, "overflow", "drop", "Inbound overflow policy: drop or evict-oldest")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Debug logging")

	return cmd
}
