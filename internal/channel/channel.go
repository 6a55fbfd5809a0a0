// Package channel holds the authoritative in-memory state for one upstream
// backend: its credential pool, liveness, rolling health, and stats
// (spec.md §3 "Channel" / §4.B).
package channel

import (
	"math/rand"
	"sync"
	"time"

	"github.com/outpostrun/aigateway/internal/config"
)

// HealthState is a channel's rolling health classification.
type HealthState string

const (
	HealthUnknown   HealthState = "unknown"
	HealthHealthy   HealthState = "healthy"
	HealthUnhealthy HealthState = "unhealthy"
)

// keyFailureThreshold and channelFailureThreshold are the "three strikes"
// thresholds from spec.md §3's invariants.
const (
	keyFailureThreshold     = 3
	channelFailureThreshold = 3
)

// Credential is one pool entry. The zero value is a fresh, alive credential.
type Credential struct {
	Value               string
	Alive               bool
	ConsecutiveFailures int
}

// Stats are the channel's cumulative request counters.
type Stats struct {
	TotalRequests  uint64
	SuccessCount   uint64
	FailCount      uint64
	LastRequestAt  time.Time
	LastError      string
}

// Channel is one upstream endpoint's full mutable state. All access goes
// through its methods, which hold Channel's own mutex — there is no global
// lock, so two channels never contend with each other (spec.md §5).
type Channel struct {
	mu sync.Mutex

	Name         string
	Target       string
	Weight       int
	Fallback     bool
	Enabled      bool
	FixedHeaders map[string]string
	TunnelAdvert *config.Tunnel
	HealthSpec   *config.HealthCheck

	keys        []Credential
	keyStrategy config.KeyStrategy
	rrCursor    int

	health            HealthState
	lastLatency       *time.Duration
	consecutiveFails  int

	stats Stats
}

// New builds a Channel from its static configuration, enabled by default.
func New(cfg config.Channel) *Channel {
	keys := make([]Credential, len(cfg.Keys))
	for i, v := range cfg.Keys {
		keys[i] = Credential{Value: v, Alive: true}
	}
	return &Channel{
		Name:         cfg.Name,
		Target:       cfg.Target,
		Weight:       cfg.Weight,
		Fallback:     cfg.Fallback,
		Enabled:      true,
		FixedHeaders: cfg.FixedHeaders,
		TunnelAdvert: cfg.Tunnel,
		HealthSpec:   cfg.HealthCheck,
		keys:         keys,
		keyStrategy:  cfg.KeyStrategy,
		health:       HealthUnknown,
	}
}

// PickKey selects a credential per the channel's configured strategy. With
// round-robin it scans starting at the cursor and returns the first alive
// credential, advancing the cursor past it; the advance can skip several
// slots when the pool is a mix of alive and dead credentials (spec.md §9.2)
// — only eventual coverage of every alive credential is guaranteed, not
// strict interleaving across concurrent callers. With random it samples
// uniformly among alive credentials. It reports ok=false when none are
// alive.
func (c *Channel) PickKey() (value string, index int, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pickKeyLocked()
}

func (c *Channel) pickKeyLocked() (string, int, bool) {
	n := len(c.keys)
	if n == 0 {
		return "", 0, false
	}

	switch c.keyStrategy {
	case config.KeyStrategyRandom:
		alive := make([]int, 0, n)
		for i, k := range c.keys {
			if k.Alive {
				alive = append(alive, i)
			}
		}
		if len(alive) == 0 {
			return "", 0, false
		}
		idx := alive[rand.Intn(len(alive))]
		return c.keys[idx].Value, idx, true
	default: // round-robin
		for i := 0; i < n; i++ {
			idx := (c.rrCursor + i) % n
			if c.keys[idx].Alive {
				c.rrCursor = (idx + 1) % n
				return c.keys[idx].Value, idx, true
			}
		}
		return "", 0, false
	}
}

// MarkKeyFailed increments the credential's failure counter; at the
// three-strike threshold it is disabled. Calling this beyond the threshold
// is a no-op on liveness (idempotent).
func (c *Channel) MarkKeyFailed(index int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if index < 0 || index >= len(c.keys) {
		return
	}
	k := &c.keys[index]
	if !k.Alive {
		return
	}
	k.ConsecutiveFailures++
	if k.ConsecutiveFailures >= keyFailureThreshold {
		k.Alive = false
	}
}

// MarkKeySuccess clears the credential's failure counter and re-enables it,
// self-healing a key that a transient provider blip had disabled.
func (c *Channel) MarkKeySuccess(index int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if index < 0 || index >= len(c.keys) {
		return
	}
	k := &c.keys[index]
	k.ConsecutiveFailures = 0
	k.Alive = true
}

// RecordSuccess updates request totals and latency, resets the channel's
// consecutive-failure counter, and promotes health to healthy.
func (c *Channel) RecordSuccess(latency time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stats.TotalRequests++
	c.stats.SuccessCount++
	c.stats.LastRequestAt = time.Now()
	c.lastLatency = &latency
	c.consecutiveFails = 0
	c.health = HealthHealthy
}

// RecordFailure updates request totals and the consecutive-failure
// counter, demoting health to unhealthy at the three-strike threshold.
func (c *Channel) RecordFailure(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stats.TotalRequests++
	c.stats.FailCount++
	c.stats.LastRequestAt = time.Now()
	c.stats.LastError = reason
	c.consecutiveFails++
	if c.consecutiveFails >= channelFailureThreshold {
		c.health = HealthUnhealthy
	}
}

// SetHealth is used only by the health prober (spec.md §4.F). On a
// healthy-transition it also zeros the consecutive-failure counter.
func (c *Channel) SetHealth(state HealthState, latency *time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if state == HealthHealthy && c.health != HealthHealthy {
		c.consecutiveFails = 0
	}
	c.health = state
	if latency != nil {
		c.lastLatency = latency
	}
}

// AddKey appends a new alive credential, e.g. from the management API.
func (c *Channel) AddKey(value string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.keys = append(c.keys, Credential{Value: value, Alive: true})
}

// RemoveKey deletes the credential at index. Removing a credential at or
// before the round-robin cursor's position (one the cursor has reached or
// already passed) resets the cursor to 0, so the shift of the remaining
// keys never makes a later pick silently skip one.
func (c *Channel) RemoveKey(index int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if index < 0 || index >= len(c.keys) {
		return false
	}
	c.keys = append(c.keys[:index], c.keys[index+1:]...)
	if index <= c.rrCursor {
		c.rrCursor = 0
	}
	return true
}

// SetEnabled flips the operator-controlled enabled flag.
func (c *Channel) SetEnabled(enabled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Enabled = enabled
}

// Toggle flips enabled and returns the new value.
func (c *Channel) Toggle() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Enabled = !c.Enabled
	return c.Enabled
}

// IsAvailable reports whether the channel is a candidate for routing:
// enabled, not unhealthy, and with at least one alive credential.
func (c *Channel) IsAvailable() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Enabled && c.health != HealthUnhealthy && c.aliveKeysLocked() > 0
}

// AliveKeys and TotalKeys expose the invariant-checked counts (spec.md §8).
func (c *Channel) AliveKeys() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.aliveKeysLocked()
}

func (c *Channel) aliveKeysLocked() int {
	n := 0
	for _, k := range c.keys {
		if k.Alive {
			n++
		}
	}
	return n
}

func (c *Channel) TotalKeys() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.keys)
}

// Latency returns the last observed latency, or nil if none has been
// recorded (used by the lowest-latency routing strategy).
func (c *Channel) Latency() *time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastLatency
}

// Health returns the channel's current rolling health classification.
func (c *Channel) Health() HealthState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.health
}

// Summary is the stable, credential-value-free JSON shape for the
// management API (spec.md §4.B toJSON, §4.H GET /api/channels).
type Summary struct {
	Name            string  `json:"name"`
	Target          string  `json:"target"`
	Weight          int     `json:"weight"`
	Fallback        bool    `json:"fallback"`
	Enabled         bool    `json:"enabled"`
	Health          string  `json:"health"`
	LatencyMs       *int64  `json:"latencyMs"`
	TotalKeys       int     `json:"totalKeys"`
	AliveKeys       int     `json:"aliveKeys"`
	TotalRequests   uint64  `json:"totalRequests"`
	SuccessCount    uint64  `json:"successCount"`
	FailCount       uint64  `json:"failCount"`
	SuccessRate     float64 `json:"successRate"`
	LastError       string  `json:"lastError,omitempty"`
	TunnelEnabled   bool    `json:"tunnelEnabled"`
}

// ToJSON renders the channel's stable summary. It never exposes credential
// values, only counts.
func (c *Channel) ToJSON() Summary {
	c.mu.Lock()
	defer c.mu.Unlock()

	var latencyMs *int64
	if c.lastLatency != nil {
		ms := c.lastLatency.Milliseconds()
		latencyMs = &ms
	}
	var rate float64
	if c.stats.TotalRequests > 0 {
		rate = float64(c.stats.SuccessCount) / float64(c.stats.TotalRequests)
	}
	return Summary{
		Name:          c.Name,
		Target:        c.Target,
		Weight:        c.Weight,
		Fallback:      c.Fallback,
		Enabled:       c.Enabled,
		Health:        string(c.health),
		LatencyMs:     latencyMs,
		TotalKeys:     len(c.keys),
		AliveKeys:     c.aliveKeysLocked(),
		TotalRequests: c.stats.TotalRequests,
		SuccessCount:  c.stats.SuccessCount,
		FailCount:     c.stats.FailCount,
		SuccessRate:   rate,
		LastError:     c.stats.LastError,
		TunnelEnabled: c.TunnelAdvert != nil && c.TunnelAdvert.Enabled,
	}
}

// Stats returns a copy of the channel's raw counters (used by the
// management API's /api/stats aggregate).
func (c *Channel) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// FirstAliveKey returns the first alive credential without advancing any
// cursor, used by the health prober to authenticate its probe request.
func (c *Channel) FirstAliveKey() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, k := range c.keys {
		if k.Alive {
			return k.Value, true
		}
	}
	return "", false
}
