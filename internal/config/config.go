// Package config provides configuration parsing and validation for dan.
package config

import (
	"fmt"
	"net"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"

	"github.com/postalsys/dan/internal/logging"
	"github.com/postalsys/dan/internal/udp"
)

// Config represents the complete configuration of a dan process.
type Config struct {
	Socket SocketConfig `yaml:"socket"`
	Relay  RelayConfig  `yaml:"relay"`
	Log    LogConfig    `yaml:"log"`
	Health HealthConfig `yaml:"health"`
}

// SocketConfig mirrors udp.Options in YAML form.
type SocketConfig struct {
	BindAddress      string        `yaml:"bind_address"`   // local ip:port, empty for wildcard
	RemoteAddress    string        `yaml:"remote_address"` // the only peer
	SocketTimeout    time.Duration `yaml:"socket_timeout"`
	ReadQueueSize    int           `yaml:"read_queue_size"`
	WriteQueueSize   int           `yaml:"write_queue_size"`
	PacketSize       ByteSize      `yaml:"packet_size"`
	MinSendInterval  time.Duration `yaml:"min_send_interval"`
	OverflowPolicy   string        `yaml:"overflow_policy"` // drop, evict-oldest
	PollStrategy     string        `yaml:"poll_strategy"`   // spin, sleep, wait
	PollInterval     time.Duration `yaml:"poll_interval"`
	ReadPollInterval time.Duration `yaml:"read_poll_interval"`
	ShutdownPoll     time.Duration `yaml:"shutdown_poll"`
	ReuseAddress     bool          `yaml:"reuse_address"`
	ReadBuffer       ByteSize      `yaml:"read_buffer"`  // kernel receive buffer, 0 for OS default
	WriteBuffer      ByteSize      `yaml:"write_buffer"` // kernel send buffer, 0 for OS default
	TrafficClass     int           `yaml:"traffic_class"`
}

// RelayConfig controls how the relay reacts to pump failures.
type RelayConfig struct {
	RestartOnMismatch bool          `yaml:"restart_on_mismatch"`
	RestartBackoff    time.Duration `yaml:"restart_backoff"`
	MaxRestarts       int           `yaml:"max_restarts"` // 0 means unlimited
}

// LogConfig defines logging settings.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// HealthConfig defines the HTTP health and metrics server.
type HealthConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Address      string        `yaml:"address"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// ByteSize is a size in bytes that accepts human-readable values such as
// "1200", "1.5KiB" or "4 MB" in YAML.
type ByteSize int64

// UnmarshalYAML implements yaml.Unmarshaler.
func (b *ByteSize) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: byte size must be a scalar", value.Line)
	}
	n, err := ParseByteSize(value.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	*b = n
	return nil
}

// MarshalYAML implements yaml.Marshaler. Sizes that humanize renders
// exactly are written in IEC form, everything else as a plain integer.
func (b ByteSize) MarshalYAML() (interface{}, error) {
	if b <= 0 {
		return int64(b), nil
	}
	s := humanize.IBytes(uint64(b))
	if n, err := humanize.ParseBytes(s); err == nil && n == uint64(b) {
		return s, nil
	}
	return int64(b), nil
}

// String returns the size in IEC form.
func (b ByteSize) String() string {
	if b < 0 {
		return strconv.FormatInt(int64(b), 10)
	}
	return humanize.IBytes(uint64(b))
}

// ParseByteSize parses a plain integer or a humanized size.
func ParseByteSize(s string) (ByteSize, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		if n < 0 {
			return 0, fmt.Errorf("invalid byte size %q: must not be negative", s)
		}
		return ByteSize(n), nil
	}
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, fmt.Errorf("invalid byte size %q: %w", s, err)
	}
	return ByteSize(n), nil
}

// Default returns a Config with default values.
func Default() *Config {
	opts := udp.DefaultOptions()
	return &Config{
		Socket: SocketConfig{
			SocketTimeout:    opts.SocketTimeout,
			ReadQueueSize:    opts.ReadQueueSize,
			WriteQueueSize:   opts.WriteQueueSize,
			PacketSize:       ByteSize(opts.PacketSize),
			OverflowPolicy:   opts.Overflow.String(),
			PollStrategy:     opts.PollStrategy.String(),
			PollInterval:     opts.PollInterval,
			ReadPollInterval: opts.ReadPollInterval,
			ShutdownPoll:     time.Millisecond,
		},
		Relay: RelayConfig{
			RestartOnMismatch: true,
			RestartBackoff:    100 * time.Millisecond,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Health: HealthConfig{
			Enabled:      false,
			Address:      ":8080",
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
	}
}

// Load reads and parses a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return Parse(data)
}

// LoadRaw reads a configuration file without validating it, so command-line
// overrides can fill in missing fields first.
func LoadRaw(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return decode(data)
}

// Parse parses configuration from YAML bytes.
func Parse(data []byte) (*Config, error) {
	cfg, err := decode(data)
	if err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

func decode(data []byte) (*Config, error) {
	// Expand environment variables
	expanded := expandEnvVars(string(data))

	// Start with defaults
	cfg := Default()

	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return cfg, nil
}

// envVarRegex matches ${VAR} or $VAR patterns
var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

// expandEnvVars replaces environment variable references with their values.
func expandEnvVars(s string) string {
	return envVarRegex.ReplaceAllStringFunc(s, func(match string) string {
		// Extract variable name
		var name string
		if strings.HasPrefix(match, "${") {
			name = match[2 : len(match)-1]
		} else {
			name = match[1:]
		}

		// Handle default values: ${VAR:-default}
		if idx := strings.Index(name, ":-"); idx != -1 {
			varName := name[:idx]
			defaultVal := name[idx+2:]
			if val, ok := os.LookupEnv(varName); ok {
				return val
			}
			return defaultVal
		}

		// Simple lookup
		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		return match // Keep original if not found
	})
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []string

	// Validate socket config
	opts, err := c.SocketOptions()
	if err != nil {
		errs = append(errs, err.Error())
	} else if err := opts.Validate(); err != nil {
		if optsErr, ok := err.(*udp.OptionsError); ok {
			for _, p := range optsErr.Problems {
				errs = append(errs, "socket: "+p)
			}
		} else {
			errs = append(errs, err.Error())
		}
	}

	// Validate relay config
	if c.Relay.RestartBackoff < 0 {
		errs = append(errs, "relay.restart_backoff must not be negative")
	}
	if c.Relay.MaxRestarts < 0 {
		errs = append(errs, "relay.max_restarts must not be negative")
	}

	// Validate log config
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Sprintf("invalid log.level: %s (must be debug, info, warn, or error)", c.Log.Level))
	}
	if !logging.ValidFormat(c.Log.Format) {
		errs = append(errs, fmt.Sprintf("invalid log.format: %s (must be text or json)", c.Log.Format))
	}

	// Validate health config
	if c.Health.Enabled {
		if c.Health.Address == "" {
			errs = append(errs, "health.address is required when enabled")
		} else if _, _, err := net.SplitHostPort(c.Health.Address); err != nil {
			errs = append(errs, fmt.Sprintf("invalid health.address: %s", c.Health.Address))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}

	return nil
}

// SocketOptions converts the socket section into udp.Options. Logger and
// Observer are left for the caller to fill in.
func (c *Config) SocketOptions() (udp.Options, error) {
	s := c.Socket

	overflow, err := udp.ParseOverflowPolicy(s.OverflowPolicy)
	if err != nil {
		return udp.Options{}, fmt.Errorf("socket.overflow_policy: %w", err)
	}
	strategy, err := udp.ParsePollStrategy(s.PollStrategy)
	if err != nil {
		return udp.Options{}, fmt.Errorf("socket.poll_strategy: %w", err)
	}

	return udp.Options{
		BindAddress:      s.BindAddress,
		RemoteAddress:    s.RemoteAddress,
		SocketTimeout:    s.SocketTimeout,
		ReadQueueSize:    s.ReadQueueSize,
		WriteQueueSize:   s.WriteQueueSize,
		PacketSize:       int(s.PacketSize),
		MinSendInterval:  s.MinSendInterval,
		Overflow:         overflow,
		PollStrategy:     strategy,
		PollInterval:     s.PollInterval,
		ReadPollInterval: s.ReadPollInterval,
		ShutdownPoll:     s.ShutdownPoll,
		ReuseAddress:     s.ReuseAddress,
		ReadBufferBytes:  int(s.ReadBuffer),
		WriteBufferBytes: int(s.WriteBuffer),
		TrafficClass:     s.TrafficClass,
	}, nil
}

// String returns the configuration as YAML.
func (c *Config) String() string {
	data, _ := yaml.Marshal(c)
	return string(data)
}
