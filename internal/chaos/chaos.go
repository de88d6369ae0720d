// Package chaos provides packet-level fault injection for testing dan
// against an unreliable peer.
package chaos

import (
	"fmt"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"
)

// FaultType represents the type of fault to inject.
type FaultType int

const (
	// FaultDrop discards the packet.
	FaultDrop FaultType = iota
	// FaultDuplicate delivers the packet twice.
	FaultDuplicate
	// FaultDelay holds the packet back, which reorders it relative to
	// later packets.
	FaultDelay
	// FaultTruncate delivers a shortened packet, which a fixed-size
	// receiver rejects as a size mismatch.
	FaultTruncate
)

// FaultNone means the packet passes untouched.
const FaultNone FaultType = -1

// String returns the flag name of the fault.
func (t FaultType) String() string {
	switch t {
	case FaultNone:
		return "none"
	case FaultDrop:
		return "drop"
	case FaultDuplicate:
		return "duplicate"
	case FaultDelay:
		return "delay"
	case FaultTruncate:
		return "truncate"
	default:
		return fmt.Sprintf("fault(%d)", int(t))
	}
}

// FaultConfig configures fault injection behavior.
type FaultConfig struct {
	// Probability is the chance of fault injection (0.0 to 1.0).
	Probability float64

	// Type is the type of fault to inject.
	Type FaultType

	// MinDelay is the minimum delay to add for FaultDelay.
	MinDelay time.Duration

	// MaxDelay is the maximum delay to add for FaultDelay.
	MaxDelay time.Duration
}

// Decision is the outcome for one packet.
type Decision struct {
	Type  FaultType
	Delay time.Duration
}

// FaultInjector decides, per packet, whether and how to misbehave.
// Configs are checked in order and the first hit wins.
type FaultInjector struct {
	configs   []FaultConfig
	enabled   bool
	mu        sync.RWMutex
	rng       *rand.Rand
	faultHits map[FaultType]int64
}

// NewFaultInjector creates a new fault injector.
func NewFaultInjector(configs ...FaultConfig) *FaultInjector {
	return NewFaultInjectorWithSeed(time.Now().UnixNano(), configs...)
}

// NewFaultInjectorWithSeed creates a fault injector with a fixed random
// seed, for reproducible runs.
func NewFaultInjectorWithSeed(seed int64, configs ...FaultConfig) *FaultInjector {
	return &FaultInjector{
		configs:   configs,
		enabled:   true,
		rng:       rand.New(rand.NewSource(seed)),
		faultHits: make(map[FaultType]int64),
	}
}

// Enable enables fault injection.
func (f *FaultInjector) Enable() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enabled = true
}

// Disable disables fault injection.
func (f *FaultInjector) Disable() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enabled = false
}

// IsEnabled returns whether fault injection is enabled.
func (f *FaultInjector) IsEnabled() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.enabled
}

// Decide picks the fault for the next packet. A nil injector never
// injects.
func (f *FaultInjector) Decide() Decision {
	if f == nil {
		return Decision{Type: FaultNone}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.enabled {
		return Decision{Type: FaultNone}
	}

	for _, config := range f.configs {
		if f.rng.Float64() >= config.Probability {
			continue
		}
		f.faultHits[config.Type]++
		d := Decision{Type: config.Type}
		if config.Type == FaultDelay {
			d.Delay = f.randomDelay(config.MinDelay, config.MaxDelay)
		}
		return d
	}
	return Decision{Type: FaultNone}
}

// Apply runs packet through the injector and returns the datagrams to
// deliver now (zero, one or two of them) plus, for FaultDelay, how long to
// hold packet before delivering it. Returned slices alias packet.
func (f *FaultInjector) Apply(packet []byte) (now [][]byte, delay time.Duration) {
	d := f.Decide()
	switch d.Type {
	case FaultDrop:
		return nil, 0
	case FaultDuplicate:
		return [][]byte{packet, packet}, 0
	case FaultDelay:
		if d.Delay > 0 {
			return nil, d.Delay
		}
		return [][]byte{packet}, 0
	case FaultTruncate:
		if len(packet) <= 1 {
			return nil, 0
		}
		return [][]byte{packet[:len(packet)/2]}, 0
	default:
		return [][]byte{packet}, 0
	}
}

// GetStats returns the fault injection statistics.
func (f *FaultInjector) GetStats() map[FaultType]int64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	stats := make(map[FaultType]int64)
	for k, v := range f.faultHits {
		stats[k] = v
	}
	return stats
}

// Summary renders the statistics as "drop=3 delay=1", ordered by fault.
func (f *FaultInjector) Summary() string {
	stats := f.GetStats()
	types := make([]FaultType, 0, len(stats))
	for t := range stats {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })

	parts := make([]string, 0, len(types))
	for _, t := range types {
		parts = append(parts, fmt.Sprintf("%s=%d", t, stats[t]))
	}
	return strings.Join(parts, " ")
}

// Reset resets the fault injection statistics.
func (f *FaultInjector) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.faultHits = make(map[FaultType]int64)
}

// randomDelay must be called with f.mu held.
func (f *FaultInjector) randomDelay(min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	delta := max - min
	return min + time.Duration(f.rng.Int63n(int64(delta)))
}
