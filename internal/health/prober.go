// Package health runs the periodic per-channel liveness probes described in
// spec.md §4.F. It never blocks routing decisions — each probe mutates the
// target channel's health out-of-band on its own ticker.
package health

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/outpostrun/aigateway/internal/channel"
	"github.com/outpostrun/aigateway/internal/logging"
	"github.com/outpostrun/aigateway/internal/metrics"
)

const (
	defaultInterval = 30 * time.Second
	defaultTimeout  = 5 * time.Second
	failThreshold   = 3
)

// Prober owns one goroutine per probed channel.
type Prober struct {
	client  *http.Client
	hub     *logging.Hub
	metrics *metrics.Registry
	log     *logrus.Entry

	mu     sync.Mutex
	cancel map[string]context.CancelFunc
	fails  map[string]int
}

// New builds a Prober. hub and m may both be nil (events are simply not
// published, gauges simply not updated).
func New(hub *logging.Hub, m *metrics.Registry, log *logrus.Entry) *Prober {
	return &Prober{
		client:  &http.Client{},
		hub:     hub,
		metrics: m,
		log:     log,
		cancel:  make(map[string]context.CancelFunc),
		fails:   make(map[string]int),
	}
}

// Watch starts probing ch if it carries a health-check spec, replacing any
// probe already running for a channel of the same name. It is a no-op if
// ch.HealthSpec is nil.
func (p *Prober) Watch(ch *channel.Channel) {
	if ch.HealthSpec == nil {
		return
	}
	p.Unwatch(ch.Name)

	ctx, cancel := context.WithCancel(context.Background())
	p.mu.Lock()
	p.cancel[ch.Name] = cancel
	p.fails[ch.Name] = 0
	p.mu.Unlock()

	go p.run(ctx, ch)
}

// Unwatch stops any probe running for the named channel. Safe to call for a
// channel with no running probe.
func (p *Prober) Unwatch(name string) {
	p.mu.Lock()
	cancel, ok := p.cancel[name]
	delete(p.cancel, name)
	delete(p.fails, name)
	p.mu.Unlock()
	if ok {
		cancel()
	}
}

// Stop cancels every running probe.
func (p *Prober) Stop() {
	p.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(p.cancel))
	for _, c := range p.cancel {
		cancels = append(cancels, c)
	}
	p.cancel = make(map[string]context.CancelFunc)
	p.fails = make(map[string]int)
	p.mu.Unlock()
	for _, c := range cancels {
		c()
	}
}

func (p *Prober) run(ctx context.Context, ch *channel.Channel) {
	interval := ch.HealthSpec.Interval
	if interval <= 0 {
		interval = defaultInterval
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			p.probeOnce(ctx, ch)
		}
	}
}

// probeOnce runs a single probe and applies the three-strikes transition
// rule from spec.md §4.F.
func (p *Prober) probeOnce(ctx context.Context, ch *channel.Channel) {
	timeout := ch.HealthSpec.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	healthy := p.doProbe(reqCtx, ch)

	p.mu.Lock()
	if healthy {
		p.fails[ch.Name] = 0
	} else {
		p.fails[ch.Name]++
	}
	fails := p.fails[ch.Name]
	p.mu.Unlock()

	switch {
	case healthy && ch.Health() == channel.HealthUnhealthy:
		ch.SetHealth(channel.HealthHealthy, nil)
		p.publish("health", fmt.Sprintf("channel %s transitioned to healthy", ch.Name))
	case healthy:
		ch.SetHealth(channel.HealthHealthy, nil)
	case fails >= failThreshold && ch.Health() != channel.HealthUnhealthy:
		ch.SetHealth(channel.HealthUnhealthy, nil)
		p.publish("health", fmt.Sprintf("channel %s transitioned to unhealthy after %d consecutive probe failures", ch.Name, fails))
	}

	if p.metrics != nil {
		p.metrics.ObserveHealth(ch.Name, ch.Health() == channel.HealthHealthy, ch.AliveKeys())
	}
}

// doProbe issues the GET and reports whether it counts as healthy. If the
// channel advertises an enabled tunnel, the probe targets the local
// forwarded port rather than the origin directly (spec.md §4.F, resolving
// the health-check-vs-tunnel open question).
func (p *Prober) doProbe(ctx context.Context, ch *channel.Channel) bool {
	origin, err := url.Parse(ch.Target)
	if err != nil {
		return false
	}
	probeURL := *origin
	probeURL.Path = ch.HealthSpec.Path
	if ch.TunnelAdvert != nil && ch.TunnelAdvert.Enabled {
		probeURL.Scheme = "http"
		probeURL.Host = fmt.Sprintf("127.0.0.1:%d", ch.TunnelAdvert.LocalPort)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, probeURL.String(), nil)
	if err != nil {
		return false
	}
	req.Host = origin.Host
	if key, ok := ch.FirstAliveKey(); ok {
		req.Header.Set("Authorization", "Bearer "+key)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 400
}

func (p *Prober) publish(topic, message string) {
	if p.hub == nil {
		return
	}
	p.hub.Publish(topic, logging.Record{
		ID:        uuid.NewString(),
		Timestamp: time.Now(),
		Level:     "info",
		Tag:       "health",
		Message:   message,
	})
}
