// Package config loads and validates the gateway's YAML configuration and
// normalizes it into the typed shapes consumed by the channel, routing, and
// tunnel packages.
package config

import "time"

// KeyStrategy selects how a channel picks among its alive credentials.
type KeyStrategy string

const (
	KeyStrategyRoundRobin KeyStrategy = "round-robin"
	KeyStrategyRandom     KeyStrategy = "random"
)

// Strategy selects how a route group picks among its candidate channels.
type Strategy string

const (
	StrategyPriority      Strategy = "priority"
	StrategyRoundRobin    Strategy = "round-robin"
	StrategyLowestLatency Strategy = "lowest-latency"
)

// Backoff selects the retry controller's delay schedule.
type Backoff string

const (
	BackoffExponential Backoff = "exponential"
	BackoffFixed       Backoff = "fixed"
)

// Tunnel is a channel's optional advertisement of a remote SSH forwarded
// port whose local end is the proxy's own ingress.
type Tunnel struct {
	Enabled    bool `yaml:"enabled"`
	LocalPort  int  `yaml:"localPort"`
	RemotePort int  `yaml:"remotePort"`
}

// HealthCheck is a channel's optional periodic probe spec.
type HealthCheck struct {
	Path       string        `yaml:"path"`
	Interval   time.Duration `yaml:"-"`
	Timeout    time.Duration `yaml:"-"`
	IntervalMs int           `yaml:"intervalMs"`
	TimeoutMs  int           `yaml:"timeoutMs"`
}

// Channel is one configured upstream endpoint, before any runtime mutation.
type Channel struct {
	Name          string
	Target        string
	Keys          []string
	KeyStrategy   KeyStrategy
	Weight        int
	Fallback      bool
	Tunnel        *Tunnel
	HealthCheck   *HealthCheck
	FixedHeaders  map[string]string // see SPEC_FULL.md open question 1
}

// Route is one configured path pattern to an ordered channel list plus a
// selection strategy.
type Route struct {
	Path     string
	Channels []string
	Strategy Strategy
}

// RetryPolicy is the immutable (per reload epoch) retry/backoff record.
type RetryPolicy struct {
	MaxRetries       int
	RetryableStatues map[int]struct{}
	Backoff          Backoff
	BaseDelay        time.Duration
	MaxDelay         time.Duration
}

// SSH is the optional tunnel manager credential and endpoint.
type SSH struct {
	Host           string
	Port           int
	Username       string
	PrivateKeyPath string
	Password       string
}

// UI is the web UI's own listen address, a thin presentation layer over the
// management API — out of scope here beyond carrying its config through.
type UI struct {
	Enabled bool
	Host    string
	Port    int
}

// Server is the proxy ingress listener plus the UI sub-config.
type Server struct {
	Host string
	Port int
	UI   UI
}

// Settings holds the operational knobs that are not specific to any one
// channel or route.
type Settings struct {
	ReconnectInterval time.Duration
	LogLevel          string
	HotReload         bool
	Retry             RetryPolicy
}

// Config is the fully parsed, validated, and normalized configuration.
type Config struct {
	Server      Server
	SSH         *SSH
	Channels    []Channel
	Routes      []Route
	Settings    Settings
	UIAuthToken string
}
