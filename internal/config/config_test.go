package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/postalsys/dan/internal/udp"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	// Check essential defaults
	if cfg.Socket.PacketSize != 1024 {
		t.Errorf("Socket.PacketSize = %d, want 1024", cfg.Socket.PacketSize)
	}
	if cfg.Socket.SocketTimeout != time.Second {
		t.Errorf("Socket.SocketTimeout = %v, want 1s", cfg.Socket.SocketTimeout)
	}
	if cfg.Socket.OverflowPolicy != "drop" {
		t.Errorf("Socket.OverflowPolicy = %s, want drop", cfg.Socket.OverflowPolicy)
	}
	if cfg.Socket.PollStrategy != "spin" {
		t.Errorf("Socket.PollStrategy = %s, want spin", cfg.Socket.PollStrategy)
	}
	if cfg.Log.Level != "info" {
		t.Errorf("Log.Level = %s, want info", cfg.Log.Level)
	}
	if !cfg.Relay.RestartOnMismatch {
		t.Error("Relay.RestartOnMismatch should default to true")
	}
	if cfg.Health.Address != ":8080" {
		t.Errorf("Health.Address = %s, want :8080", cfg.Health.Address)
	}
}

func TestDefault_RequiresRemote(t *testing.T) {
	err := Default().Validate()
	if err == nil || !strings.Contains(err.Error(), "remote address is required") {
		t.Errorf("Validate() = %v, want remote address error", err)
	}
}

func TestParse_ValidConfig(t *testing.T) {
	yamlConfig := `
socket:
  bind_address: "0.0.0.0:7000"
  remote_address: "192.168.1.50:7000"
  socket_timeout: 2s
  read_queue_size: 64
  write_queue_size: 32
  packet_size: 1200
  min_send_interval: 500us
  overflow_policy: evict-oldest
  poll_strategy: wait
  poll_interval: 2ms
  read_poll_interval: 250ms
  reuse_address: true
  read_buffer: 4MiB
  write_buffer: "1 MB"
  traffic_class: 46

relay:
  restart_on_mismatch: false
  restart_backoff: 1s
  max_restarts: 5

log:
  level: debug
  format: json

health:
  enabled: true
  address: "127.0.0.1:9090"
`

	cfg, err := Parse([]byte(yamlConfig))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	s := cfg.Socket
	if s.RemoteAddress != "192.168.1.50:7000" {
		t.Errorf("RemoteAddress = %s, want 192.168.1.50:7000", s.RemoteAddress)
	}
	if s.PacketSize != 1200 {
		t.Errorf("PacketSize = %d, want 1200", s.PacketSize)
	}
	if s.MinSendInterval != 500*time.Microsecond {
		t.Errorf("MinSendInterval = %v, want 500us", s.MinSendInterval)
	}
	if s.ReadBuffer != 4<<20 {
		t.Errorf("ReadBuffer = %d, want %d", s.ReadBuffer, 4<<20)
	}
	if s.WriteBuffer != 1000000 {
		t.Errorf("WriteBuffer = %d, want 1000000", s.WriteBuffer)
	}
	if cfg.Relay.MaxRestarts != 5 || cfg.Relay.RestartOnMismatch {
		t.Errorf("Relay = %+v", cfg.Relay)
	}
	if cfg.Log.Format != "json" {
		t.Errorf("Log.Format = %s, want json", cfg.Log.Format)
	}

	opts, err := cfg.SocketOptions()
	if err != nil {
		t.Fatalf("SocketOptions() error = %v", err)
	}
	if opts.Overflow != udp.OverflowEvictOldest {
		t.Errorf("Overflow = %v, want evict-oldest", opts.Overflow)
	}
	if opts.PollStrategy != udp.PollWait {
		t.Errorf("PollStrategy = %v, want wait", opts.PollStrategy)
	}
	if opts.PacketSize != 1200 || opts.ReadQueueSize != 64 || opts.WriteQueueSize != 32 {
		t.Errorf("sizes = %d/%d/%d, want 1200/64/32", opts.PacketSize, opts.ReadQueueSize, opts.WriteQueueSize)
	}
	if opts.ReadBufferBytes != 4<<20 || opts.TrafficClass != 46 || !opts.ReuseAddress {
		t.Errorf("socket tuning not carried over: %+v", opts)
	}
	if opts.ReadPollInterval != 250*time.Millisecond {
		t.Errorf("ReadPollInterval = %v, want 250ms", opts.ReadPollInterval)
	}
}

func TestParse_MinimalConfig(t *testing.T) {
	yamlConfig := `
socket:
  remote_address: "127.0.0.1:9000"
`

	cfg, err := Parse([]byte(yamlConfig))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	// Defaults fill everything else.
	if cfg.Socket.ReadQueueSize != 1024 {
		t.Errorf("ReadQueueSize = %d, want 1024", cfg.Socket.ReadQueueSize)
	}
	if cfg.Log.Format != "text" {
		t.Errorf("Log.Format = %s, want text", cfg.Log.Format)
	}
}

func TestParse_InvalidYAML(t *testing.T) {
	yamlConfig := `
socket:
  remote_address: "127.0.0.1:9000"
  invalid yaml here [
`

	_, err := Parse([]byte(yamlConfig))
	if err == nil {
		t.Error("Parse() should fail for invalid YAML")
	}
}

func TestParse_ValidationErrors(t *testing.T) {
	tests := []struct {
		name      string
		yaml      string
		wantError string
	}{
		{
			name:      "missing remote",
			yaml:      "socket:\n  packet_size: 100\n",
			wantError: "remote address is required",
		},
		{
			name:      "packet too large",
			yaml:      "socket:\n  remote_address: 127.0.0.1:9000\n  packet_size: 64KiB\n",
			wantError: "packet size must be between",
		},
		{
			name:      "bad byte size",
			yaml:      "socket:\n  remote_address: 127.0.0.1:9000\n  packet_size: lots\n",
			wantError: "invalid byte size",
		},
		{
			name:      "bad overflow policy",
			yaml:      "socket:\n  remote_address: 127.0.0.1:9000\n  overflow_policy: block\n",
			wantError: "socket.overflow_policy",
		},
		{
			name:      "bad poll strategy",
			yaml:      "socket:\n  remote_address: 127.0.0.1:9000\n  poll_strategy: busy\n",
			wantError: "socket.poll_strategy",
		},
		{
			name:      "zero queue",
			yaml:      "socket:\n  remote_address: 127.0.0.1:9000\n  read_queue_size: 0\n",
			wantError: "read queue size must be positive",
		},
		{
			name:      "negative backoff",
			yaml:      "socket:\n  remote_address: 127.0.0.1:9000\nrelay:\n  restart_backoff: -1s\n",
			wantError: "relay.restart_backoff",
		},
		{
			name:      "invalid log level",
			yaml:      "socket:\n  remote_address: 127.0.0.1:9000\nlog:\n  level: invalid\n",
			wantError: "invalid log.level",
		},
		{
			name:      "invalid log format",
			yaml:      "socket:\n  remote_address: 127.0.0.1:9000\nlog:\n  format: invalid\n",
			wantError: "invalid log.format",
		},
		{
			name:      "health without address",
			yaml:      "socket:\n  remote_address: 127.0.0.1:9000\nhealth:\n  enabled: true\n  address: \"\"\n",
			wantError: "health.address is required",
		},
		{
			name:      "health bad address",
			yaml:      "socket:\n  remote_address: 127.0.0.1:9000\nhealth:\n  enabled: true\n  address: nope\n",
			wantError: "invalid health.address",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			if err == nil {
				t.Error("Parse() should fail")
				return
			}
			if !strings.Contains(err.Error(), tt.wantError) {
				t.Errorf("Error = %v, want to contain %q", err, tt.wantError)
			}
		})
	}
}

func TestParse_EnvVarSubstitution(t *testing.T) {
	t.Setenv("TEST_DAN_REMOTE", "10.0.0.1:7000")
	t.Setenv("TEST_DAN_PACKET", "512")

	yamlConfig := `
socket:
  remote_address: "${TEST_DAN_REMOTE}"
  packet_size: $TEST_DAN_PACKET
`

	cfg, err := Parse([]byte(yamlConfig))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	if cfg.Socket.RemoteAddress != "10.0.0.1:7000" {
		t.Errorf("RemoteAddress = %s, want 10.0.0.1:7000", cfg.Socket.RemoteAddress)
	}
	if cfg.Socket.PacketSize != 512 {
		t.Errorf("PacketSize = %d, want 512", cfg.Socket.PacketSize)
	}
}

func TestParse_EnvVarDefaultValue(t *testing.T) {
	// Ensure the variable is NOT set
	os.Unsetenv("NONEXISTENT_VAR")

	yamlConfig := `
socket:
  remote_address: "${NONEXISTENT_VAR:-127.0.0.1:9100}"
`

	cfg, err := Parse([]byte(yamlConfig))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	if cfg.Socket.RemoteAddress != "127.0.0.1:9100" {
		t.Errorf("RemoteAddress = %s, want 127.0.0.1:9100", cfg.Socket.RemoteAddress)
	}
}

func TestExpandEnvVars_NotFound(t *testing.T) {
	os.Unsetenv("NONEXISTENT_VAR")

	// Should keep the original placeholder if not found
	if got := expandEnvVars("addr: ${NONEXISTENT_VAR}"); got != "addr: ${NONEXISTENT_VAR}" {
		t.Errorf("expandEnvVars = %q, want placeholder kept", got)
	}
}

func TestLoad_FileNotFound(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	if err == nil {
		t.Error("Load() should fail for nonexistent file")
	}
}

func TestLoad_ValidFile(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	configContent := `
socket:
  remote_address: "127.0.0.1:9000"
log:
  level: "debug"
`
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level = %s, want debug", cfg.Log.Level)
	}
}

func TestConfig_StringRoundTrip(t *testing.T) {
	cfg := Default()
	cfg.Socket.RemoteAddress = "127.0.0.1:9000"
	cfg.Socket.PacketSize = 1200
	cfg.Socket.ReadBuffer = 4 << 20
	cfg.Socket.MinSendInterval = 250 * time.Microsecond

	out := cfg.String()
	if !strings.Contains(out, "remote_address: 127.0.0.1:9000") {
		t.Errorf("String() missing remote address:\n%s", out)
	}
	if !strings.Contains(out, "read_buffer: 4.0 MiB") {
		t.Errorf("String() should render exact sizes in IEC form:\n%s", out)
	}

	parsed, err := Parse([]byte(out))
	if err != nil {
		t.Fatalf("Parse(String()) error = %v", err)
	}
	if parsed.Socket != cfg.Socket {
		t.Errorf("round trip changed socket section:\n got %+v\nwant %+v", parsed.Socket, cfg.Socket)
	}
}

func TestParseByteSize(t *testing.T) {
	tests := []struct {
		input   string
		want    ByteSize
		wantErr bool
	}{
		{"", 0, false},
		{"1200", 1200, false},
		{"1KiB", 1024, false},
		{"1.5 KiB", 1536, false},
		{"1kB", 1000, false},
		{"4MiB", 4 << 20, false},
		{"-1", 0, true},
		{"many", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseByteSize(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseByteSize(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseByteSize(%q) = %d, want %d", tt.input, got, tt.want)
			}
		})
	}
}

func TestByteSize_MarshalYAML(t *testing.T) {
	tests := []struct {
		size ByteSize
		want string
	}{
		{0, "0\n"},
		{1024, "1.0 KiB\n"},
		{1200, "1200\n"},
		{65536, "64 KiB\n"},
	}

	for _, tt := range tests {
		data, err := yaml.Marshal(tt.size)
		if err != nil {
			t.Fatalf("Marshal(%d) error = %v", tt.size, err)
		}
		if string(data) != tt.want {
			t.Errorf("Marshal(%d) = %q, want %q", tt.size, data, tt.want)
		}
	}
}

func TestLoadRaw_SkipsValidation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dan.yaml")
	if err := os.WriteFile(path, []byte("socket:\n  packet_size: 512\n"), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	if _, err := Load(path); err == nil {
		t.Error("Load() should fail without a remote address")
	}

	cfg, err := LoadRaw(path)
	if err != nil {
		t.Fatalf("LoadRaw() error = %v", err)
	}
	if cfg.Socket.PacketSize != 512 {
		t.Errorf("Socket.PacketSize = %d, want 512", cfg.Socket.PacketSize)
	}

	cfg.Socket.RemoteAddress = "127.0.0.1:9000"
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
}
