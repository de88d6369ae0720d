package health

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"

	"github.com/postalsys/dan/internal/metrics"
	"github.com/postalsys/dan/internal/sysinfo"
	"github.com/postalsys/dan/internal/udp"
)

type mockStatsProvider struct {
	running bool
	stats   udp.Stats
}

func (m *mockStatsProvider) IsRunning() bool {
	return m.running
}

func (m *mockStatsProvider) Stats() udp.Stats {
	return m.stats
}

func serve(s *Server, method, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	s.server.Handler.ServeHTTP(rec, req)
	return rec
}

func TestServer_Routes(t *testing.T) {
	running := &mockStatsProvider{running: true}
	stopped := &mockStatsProvider{running: false}

	tests := []struct {
		name     string
		provider StatsProvider
		method   string
		path     string
		status   int
		body     string
	}{
		{"health", running, http.MethodGet, "/health", http.StatusOK, "OK\n"},
		{"health while stopped", stopped, http.MethodGet, "/health", http.StatusOK, "OK\n"},
		{"health post", running, http.MethodPost, "/health", http.StatusMethodNotAllowed, ""},
		{"ready post", running, http.MethodPost, "/ready", http.StatusMethodNotAllowed, ""},
		{"stats nil provider", nil, http.MethodGet, "/stats", http.StatusServiceUnavailable, ""},
		{"ready nil provider", nil, http.MethodGet, "/ready", http.StatusServiceUnavailable, ""},
		{"ready stopped", stopped, http.MethodGet, "/ready", http.StatusServiceUnavailable, ""},
		{"unknown path", running, http.MethodGet, "/debug/pprof/", http.StatusNotFound, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := serve(NewServer(ServerConfig{}, tt.provider), tt.method, tt.path)
			if rec.Code != tt.status {
				t.Errorf("status = %d, want %d", rec.Code, tt.status)
			}
			if tt.body != "" && rec.Body.String() != tt.body {
				t.Errorf("body = %q, want %q", rec.Body.String(), tt.body)
			}
		})
	}
}

func TestServer_handleReady(t *testing.T) {
	provider := &mockStatsProvider{
		running: true,
		stats: udp.Stats{
			RemoteAddr:     "10.0.0.2:7000",
			Received:       5,
			Sent:           10,
			InboundQueued:  3,
			OutboundQueued: 1,
			ReadState:      udp.StateRunning,
			WriteState:     udp.StateRunning,
		},
	}

	rec := serve(NewServer(ServerConfig{}, provider), http.MethodGet, "/ready")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	var body map[string]interface{}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	tests := []struct {
		key  string
		want interface{}
	}{
		{"ready", true},
		{"remote_addr", "10.0.0.2:7000"},
		{"received", float64(5)},
		{"sent", float64(10)},
		{"inbound_queued", float64(3)},
		{"read_state", "RUNNING"},
		{"write_state", "RUNNING"},
	}
	for _, tt := range tests {
		if body[tt.key] != tt.want {
			t.Errorf("%s = %v, want %v", tt.key, body[tt.key], tt.want)
		}
	}

	// A relay that stopped after a failure reports its pump states.
	provider.running = false
	provider.stats.ReadState = udp.StateIdle
	rec = serve(NewServer(ServerConfig{}, provider), http.MethodGet, "/ready")
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}
	body = nil
	json.NewDecoder(rec.Body).Decode(&body)
	if body["ready"] != false || body["read_state"] != "IDLE" {
		t.Errorf("body = %v, want ready=false read_state=IDLE", body)
	}
}

func TestServer_StartStop(t *testing.T) {
	s := NewServer(ServerConfig{
		Address:      "127.0.0.1:0",
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}, &mockStatsProvider{running: true})

	if s.Address() != nil {
		t.Error("Address() before Start should be nil")
	}
	if err := s.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if !s.IsRunning() {
		t.Error("IsRunning() = false after Start")
	}

	// Serve runs on its own goroutine; retry until it accepts.
	var (
		resp *http.Response
		err  error
	)
	for i := 0; i < 10; i++ {
		resp, err = http.Get("http://" + s.Address().String() + "/health")
		if err == nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || string(body) != "OK\n" {
		t.Errorf("GET /health = %d %q, want 200 \"OK\\n\"", resp.StatusCode, body)
	}

	if err := s.Stop(); err != nil {
		t.Errorf("Stop() error = %v", err)
	}
	if s.IsRunning() {
		t.Error("IsRunning() = true after Stop")
	}
	if err := s.Stop(); err != nil {
		t.Errorf("second Stop() error = %v", err)
	}
}

func TestServer_handleStats(t *testing.T) {
	provider := &mockStatsProvider{
		running: false,
		stats: udp.Stats{
			LocalAddr:      "127.0.0.1:7000",
			PacketSize:     1024,
			InboundDropped: 7,
			InboundEvicted: 2,
			ReadState:      udp.StateIdle,
			Closed:         true,
		},
	}

	// Stats are served even when the relay has stopped.
	rec := serve(NewServer(ServerConfig{}, provider), http.MethodGet, "/stats")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	var stats map[string]interface{}
	if err := json.NewDecoder(rec.Body).Decode(&stats); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	tests := []struct {
		key  string
		want interface{}
	}{
		{"local_addr", "127.0.0.1:7000"},
		{"inbound_dropped", float64(7)},
		{"read_state", "IDLE"},
		{"closed", true},
	}
	for _, tt := range tests {
		if stats[tt.key] != tt.want {
			t.Errorf("%s = %v, want %v", tt.key, stats[tt.key], tt.want)
		}
	}
}

func TestServer_MetricsCustomGatherer(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.NewMetricsWithRegistry(reg)
	m.PacketReceived(64)

	s := NewServer(ServerConfig{Gatherer: reg}, &mockStatsProvider{running: true})

	rec := serve(s, http.MethodGet, "/metrics")

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	var parser expfmt.TextParser
	families, err := parser.TextToMetricFamilies(rec.Body)
	if err != nil {
		t.Fatalf("failed to parse metrics: %v", err)
	}

	tests := []struct {
		name string
		want float64
	}{
		{"dan_packets_received_total", 1},
		{"dan_bytes_received_total", 64},
	}
	for _, tt := range tests {
		mf, ok := families[tt.name]
		if !ok {
			t.Errorf("expected %s in output", tt.name)
			continue
		}
		if got := mf.GetMetric()[0].GetCounter().GetValue(); got != tt.want {
			t.Errorf("%s = %v, want %v", tt.name, got, tt.want)
		}
	}
	if _, ok := families["go_goroutines"]; ok {
		t.Error("custom gatherer should not expose default registry collectors")
	}
}

func TestServer_handleInfo(t *testing.T) {
	s := NewServer(ServerConfig{}, nil)

	rec := serve(s, http.MethodGet, "/info")

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	var info sysinfo.Info
	if err := json.NewDecoder(rec.Body).Decode(&info); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if info.Version != sysinfo.Version {
		t.Errorf("expected version %q, got %q", sysinfo.Version, info.Version)
	}
	if info.OS == "" || info.GoVersion == "" {
		t.Errorf("expected os and go_version to be set, got %+v", info)
	}
}
