package relay

import (
	"bytes"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/postalsys/dan/internal/udp"
)

const packetSize = 8

func newPeer(t *testing.T) *net.UDPConn {
	t.Helper()
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("ListenUDP: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func newSocket(t *testing.T, remote *net.UDPConn) *udp.Socket {
	t.Helper()
	opts := udp.DefaultOptions()
	opts.BindAddress = "127.0.0.1:0"
	opts.RemoteAddress = remote.LocalAddr().String()
	opts.PacketSize = packetSize
	opts.ReadPollInterval = 20 * time.Millisecond
	opts.PollStrategy = udp.PollWait
	opts.PollInterval = 5 * time.Millisecond
	sock, err := udp.New(opts)
	if err != nil {
		t.Fatalf("udp.New: %v", err)
	}
	return sock
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func waitDone(t *testing.T, r *Relay) error {
	t.Helper()
	select {
	case <-r.Done():
		return r.Err()
	case <-time.After(5 * time.Second):
		t.Fatal("relay did not stop")
		return nil
	}
}

func TestRelay_StartAndClose(t *testing.T) {
	peer := newPeer(t)
	sock := newSocket(t, peer)
	r := New(sock, DefaultConfig(), nil)

	if err := r.Start(); err != nil {
		t.Fatalf("Start() = %v", err)
	}
	if err := r.Start(); !errors.Is(err, ErrAlreadyStarted) {
		t.Errorf("second Start() = %v, want ErrAlreadyStarted", err)
	}
	if !r.IsRunning() {
		t.Error("IsRunning() = false after Start")
	}

	// Outbound traffic reaches the peer.
	want := bytes.Repeat([]byte{0xAB}, packetSize)
	if err := sock.EnqueueWrite(want); err != nil {
		t.Fatalf("EnqueueWrite: %v", err)
	}
	buf := make([]byte, 64)
	peer.SetReadDeadline(time.Now().Add(5 * time.Second))
	n, _, err := peer.ReadFromUDP(buf)
	if err != nil {
		t.Fatalf("ReadFromUDP: %v", err)
	}
	if !bytes.Equal(buf[:n], want) {
		t.Errorf("peer got %v, want %v", buf[:n], want)
	}

	// Inbound traffic reaches the queue.
	peer.WriteToUDP(want, net.UDPAddrFromAddrPort(sock.LocalAddr()))
	waitFor(t, "inbound packet", func() bool { return r.Stats().Received == 1 })

	if err := r.Close(); err != nil {
		t.Errorf("Close() = %v", err)
	}
	if err := r.Wait(); err != nil {
		t.Errorf("Wait() = %v, want nil", err)
	}
	if r.IsRunning() {
		t.Error("IsRunning() = true after Close")
	}
	if !sock.IsClosed() {
		t.Error("socket not destroyed by Close")
	}
}

func TestRelay_RestartsOnMismatch(t *testing.T) {
	peer := newPeer(t)
	stranger := newPeer(t)
	sock := newSocket(t, peer)

	var (
		mu        sync.Mutex
		restarted []udp.Direction
	)
	cfg := Config{
		RestartOnMismatch: true,
		RestartBackoff:    time.Millisecond,
		OnRestart: func(dir udp.Direction) {
			mu.Lock()
			restarted = append(restarted, dir)
			mu.Unlock()
		},
	}
	r := New(sock, cfg, nil)
	if err := r.Start(); err != nil {
		t.Fatalf("Start() = %v", err)
	}
	defer r.Close()

	to := net.UDPAddrFromAddrPort(sock.LocalAddr())
	stranger.WriteToUDP(make([]byte, packetSize), to)
	waitFor(t, "restart", func() bool { return r.Restarts() == 1 })

	peer.WriteToUDP(make([]byte, packetSize), to)
	waitFor(t, "valid packet", func() bool { return sock.ReceivedCount() == 1 })

	if !r.IsRunning() {
		t.Error("relay stopped after a mismatch")
	}
	mu.Lock()
	defer mu.Unlock()
	if len(restarted) != 1 || restarted[0] != udp.DirectionInbound {
		t.Errorf("OnRestart calls = %v, want [inbound]", restarted)
	}
}

func TestRelay_MismatchIsFatalWithoutRestart(t *testing.T) {
	peer := newPeer(t)
	sock := newSocket(t, peer)
	r := New(sock, Config{RestartOnMismatch: false}, nil)
	if err := r.Start(); err != nil {
		t.Fatalf("Start() = %v", err)
	}

	peer.WriteToUDP([]byte{1, 2, 3}, net.UDPAddrFromAddrPort(sock.LocalAddr()))

	err := waitDone(t, r)
	var mismatch *udp.ProtocolMismatchError
	if !errors.As(err, &mismatch) {
		t.Fatalf("Err() = %v, want *udp.ProtocolMismatchError", err)
	}
	if !mismatch.SizeMismatch() {
		t.Error("expected a size mismatch")
	}
	if !sock.IsClosed() {
		t.Error("socket should be destroyed after a fatal error")
	}
	if err := r.Wait(); !errors.As(err, &mismatch) {
		t.Errorf("Wait() = %v, want the mismatch", err)
	}
}

func TestRelay_MaxRestarts(t *testing.T) {
	peer := newPeer(t)
	stranger := newPeer(t)
	sock := newSocket(t, peer)
	r := New(sock, Config{RestartOnMismatch: true, MaxRestarts: 1}, nil)
	if err := r.Start(); err != nil {
		t.Fatalf("Start() = %v", err)
	}

	to := net.UDPAddrFromAddrPort(sock.LocalAddr())
	stranger.WriteToUDP(make([]byte, packetSize), to)
	waitFor(t, "first restart", func() bool { return r.Restarts() == 1 })
	stranger.WriteToUDP(make([]byte, packetSize), to)

	err := waitDone(t, r)
	var mismatch *udp.ProtocolMismatchError
	if !errors.As(err, &mismatch) || !mismatch.OriginMismatch() {
		t.Errorf("Err() = %v, want an origin mismatch", err)
	}
	if r.Restarts() != 1 {
		t.Errorf("Restarts() = %d, want 1", r.Restarts())
	}
}

func TestRelay_CloseWithoutStart(t *testing.T) {
	peer := newPeer(t)
	sock := newSocket(t, peer)
	r := New(sock, DefaultConfig(), nil)

	if err := r.Close(); err != nil {
		t.Errorf("Close() = %v", err)
	}
	if !sock.IsClosed() {
		t.Error("socket not destroyed")
	}
	if err := r.Close(); err != nil {
		t.Errorf("second Close() = %v, want nil", err)
	}
}
