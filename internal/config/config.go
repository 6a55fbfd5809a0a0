package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// rawConfig mirrors the YAML document described in spec.md §6. Every field
// is optional at the syntax level; Load applies defaults and validation.
type rawConfig struct {
	Server struct {
		Host string `yaml:"host"`
		Port int    `yaml:"port"`
		UI   struct {
			Enabled bool   `yaml:"enabled"`
			Host    string `yaml:"host"`
			Port    int    `yaml:"port"`
		} `yaml:"ui"`
	} `yaml:"server"`

	SSH *struct {
		Host           string `yaml:"host"`
		Port           int    `yaml:"port"`
		Username       string `yaml:"username"`
		PrivateKeyPath string `yaml:"privateKeyPath"`
		Password       string `yaml:"password"`
	} `yaml:"ssh"`

	Channels []struct {
		Name        string   `yaml:"name"`
		Target      string   `yaml:"target"`
		Keys        []string `yaml:"keys"`
		KeyStrategy string   `yaml:"keyStrategy"`
		Weight      int      `yaml:"weight"`
		Fallback    bool     `yaml:"fallback"`
		Tunnel      *Tunnel  `yaml:"tunnel"`
		HealthCheck *struct {
			Path       string `yaml:"path"`
			IntervalMs int    `yaml:"intervalMs"`
			TimeoutMs  int    `yaml:"timeoutMs"`
		} `yaml:"healthCheck"`
	} `yaml:"channels"`

	Routes []struct {
		Path     string   `yaml:"path"`
		Channels []string `yaml:"channels"`
		Strategy string   `yaml:"strategy"`
	} `yaml:"routes"`

	Settings struct {
		ReconnectInterval int    `yaml:"reconnectInterval"`
		LogLevel          string `yaml:"logLevel"`
		HotReload         bool   `yaml:"hotReload"`
		Retry             struct {
			MaxRetries  int    `yaml:"maxRetries"`
			RetryOn     []int  `yaml:"retryOn"`
			Backoff     string `yaml:"backoff"`
			BaseDelayMs int    `yaml:"baseDelayMs"`
			MaxDelayMs  int    `yaml:"maxDelayMs"`
		} `yaml:"retry"`
	} `yaml:"settings"`

	UIAuthToken string `yaml:"uiAuthToken"`

	// legacy shim, see applyLegacySites
	Sites []struct {
		Name    string            `yaml:"name"`
		Target  string            `yaml:"target"`
		Headers map[string]string `yaml:"headers"`
	} `yaml:"sites"`
}

var defaultRetryableStatuses = []int{429, 502, 503, 504}

// Load reads, parses, and validates the YAML config at path. On syntax or
// semantic errors it returns a non-nil error and no partial Config; callers
// on a hot-reload path are expected to keep serving the previous Config in
// that case (spec.md §7, "Config-invalid").
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var rc rawConfig
	if err := yaml.Unmarshal(b, &rc); err != nil {
		return nil, fmt.Errorf("parse yaml: %w", err)
	}
	return build(&rc)
}

func build(rc *rawConfig) (*Config, error) {
	cfg := &Config{}

	cfg.Server.Host = strOr(rc.Server.Host, "127.0.0.1")
	cfg.Server.Port = intOr(rc.Server.Port, 9000)
	cfg.Server.UI.Enabled = rc.Server.UI.Enabled
	cfg.Server.UI.Host = strOr(rc.Server.UI.Host, "127.0.0.1")
	cfg.Server.UI.Port = intOr(rc.Server.UI.Port, 3000)

	if rc.SSH != nil {
		cfg.SSH = &SSH{
			Host:           rc.SSH.Host,
			Port:           intOr(rc.SSH.Port, 22),
			Username:       rc.SSH.Username,
			PrivateKeyPath: rc.SSH.PrivateKeyPath,
			Password:       rc.SSH.Password,
		}
	}

	names := make(map[string]bool, len(rc.Channels))
	for i, c := range rc.Channels {
		name := strings.TrimSpace(c.Name)
		if name == "" {
			return nil, fmt.Errorf("channels[%d]: name is required", i)
		}
		if names[name] {
			return nil, fmt.Errorf("channels[%d]: duplicate name %q", i, name)
		}
		names[name] = true

		target := strings.TrimSpace(c.Target)
		if target == "" {
			return nil, fmt.Errorf("channels[%d] %q: target is required", i, name)
		}
		if len(c.Keys) == 0 {
			return nil, fmt.Errorf("channels[%d] %q: at least one key is required", i, name)
		}

		strategy := KeyStrategy(strOr(c.KeyStrategy, string(KeyStrategyRoundRobin)))
		if strategy != KeyStrategyRoundRobin && strategy != KeyStrategyRandom {
			return nil, fmt.Errorf("channels[%d] %q: unknown keyStrategy %q", i, name, strategy)
		}

		ch := Channel{
			Name:        name,
			Target:      target,
			Keys:        append([]string(nil), c.Keys...),
			KeyStrategy: strategy,
			Weight:      intOr(c.Weight, 10),
			Fallback:    c.Fallback,
			Tunnel:      c.Tunnel,
		}
		if c.HealthCheck != nil {
			ch.HealthCheck = &HealthCheck{
				Path:       strOr(c.HealthCheck.Path, "/"),
				IntervalMs: intOr(c.HealthCheck.IntervalMs, 30000),
				TimeoutMs:  intOr(c.HealthCheck.TimeoutMs, 5000),
			}
			ch.HealthCheck.Interval = time.Duration(ch.HealthCheck.IntervalMs) * time.Millisecond
			ch.HealthCheck.Timeout = time.Duration(ch.HealthCheck.TimeoutMs) * time.Millisecond
		}
		cfg.Channels = append(cfg.Channels, ch)
	}

	for i, r := range rc.Routes {
		path := strings.TrimSpace(r.Path)
		if path == "" {
			return nil, fmt.Errorf("routes[%d]: path is required", i)
		}
		if len(r.Channels) == 0 {
			return nil, fmt.Errorf("routes[%d] %q: at least one channel is required", i, path)
		}
		for _, cn := range r.Channels {
			if !names[cn] {
				return nil, fmt.Errorf("routes[%d] %q: channel %q not defined", i, path, cn)
			}
		}
		strategy := Strategy(strOr(r.Strategy, string(StrategyPriority)))
		switch strategy {
		case StrategyPriority, StrategyRoundRobin, StrategyLowestLatency:
		default:
			return nil, fmt.Errorf("routes[%d] %q: unknown strategy %q", i, path, strategy)
		}
		cfg.Routes = append(cfg.Routes, Route{
			Path:     path,
			Channels: append([]string(nil), r.Channels...),
			Strategy: strategy,
		})
	}

	if err := applyLegacySites(cfg, rc, names); err != nil {
		return nil, err
	}
	if len(cfg.Channels) == 0 {
		return nil, fmt.Errorf("channels: at least one channel (or legacy site) is required")
	}

	cfg.Settings.ReconnectInterval = time.Duration(intOr(rc.Settings.ReconnectInterval, 5000)) * time.Millisecond
	cfg.Settings.LogLevel = strOr(rc.Settings.LogLevel, "info")
	cfg.Settings.HotReload = rc.Settings.HotReload

	retryable := rc.Settings.Retry.RetryOn
	if len(retryable) == 0 {
		retryable = defaultRetryableStatuses
	}
	retryableSet := make(map[int]struct{}, len(retryable))
	for _, s := range retryable {
		retryableSet[s] = struct{}{}
	}
	backoff := Backoff(strOr(rc.Settings.Retry.Backoff, string(BackoffExponential)))
	if backoff != BackoffExponential && backoff != BackoffFixed {
		return nil, fmt.Errorf("settings.retry.backoff: unknown value %q", backoff)
	}
	cfg.Settings.Retry = RetryPolicy{
		MaxRetries:       intOr(rc.Settings.Retry.MaxRetries, 2),
		RetryableStatues: retryableSet,
		Backoff:          backoff,
		BaseDelay:        time.Duration(intOr(rc.Settings.Retry.BaseDelayMs, 250)) * time.Millisecond,
		MaxDelay:         time.Duration(intOr(rc.Settings.Retry.MaxDelayMs, 10000)) * time.Millisecond,
	}

	cfg.UIAuthToken = rc.UIAuthToken

	return cfg, nil
}

// applyLegacySites converts the deprecated top-level `sites:` array into
// channels, per spec.md §6's compatibility shim and SPEC_FULL.md's
// resolution of open question 1: any Authorization header becomes the
// channel's sole credential, and any other header is carried forward
// verbatim as a per-channel fixed header.
func applyLegacySites(cfg *Config, rc *rawConfig, names map[string]bool) error {
	for i, s := range rc.Sites {
		name := strings.TrimSpace(s.Name)
		if name == "" {
			return fmt.Errorf("sites[%d]: name is required", i)
		}
		if names[name] {
			return fmt.Errorf("sites[%d]: duplicate name %q (conflicts with a channel or another site)", i, name)
		}
		names[name] = true

		target := strings.TrimSpace(s.Target)
		if target == "" {
			return fmt.Errorf("sites[%d] %q: target is required", i, name)
		}

		var key string
		fixed := make(map[string]string)
		for k, v := range s.Headers {
			if strings.EqualFold(k, "Authorization") {
				key = strings.TrimSpace(strings.TrimPrefix(v, "Bearer "))
				continue
			}
			fixed[k] = v
		}
		if key == "" {
			return fmt.Errorf("sites[%d] %q: no Authorization header to derive a credential from", i, name)
		}

		cfg.Channels = append(cfg.Channels, Channel{
			Name:         name,
			Target:       target,
			Keys:         []string{key},
			KeyStrategy:  KeyStrategyRoundRobin,
			Weight:       10,
			FixedHeaders: fixed,
			Tunnel:       &Tunnel{Enabled: true},
		})
	}
	return nil
}

func strOr(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return v
}

func intOr(v, def int) int {
	if v == 0 {
		return def
	}
	return v
}
