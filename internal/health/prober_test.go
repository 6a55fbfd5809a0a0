package health

import (
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/outpostrun/aigateway/internal/channel"
	"github.com/outpostrun/aigateway/internal/config"
)

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v", timeout)
}

func newProbedChannel(target string) *channel.Channel {
	return channel.New(config.Channel{
		Name:   "c1",
		Target: target,
		Keys:   []string{"k1"},
		HealthCheck: &config.HealthCheck{
			Path:     "/health",
			Interval: 5 * time.Millisecond,
			Timeout:  50 * time.Millisecond,
		},
	})
}

func TestProber_ThreeConsecutiveFailuresMarksUnhealthy(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer upstream.Close()

	ch := newProbedChannel(upstream.URL)
	p := New(nil, nil, nil)
	p.Watch(ch)
	defer p.Stop()

	waitFor(t, time.Second, func() bool { return ch.Health() == channel.HealthUnhealthy })
}

func TestProber_SuccessKeepsHealthy(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	ch := newProbedChannel(upstream.URL)
	p := New(nil, nil, nil)
	p.Watch(ch)
	defer p.Stop()

	waitFor(t, time.Second, func() bool { return ch.Health() == channel.HealthHealthy })
}

func TestProber_RecoversAfterFailuresOnSingleSuccess(t *testing.T) {
	var failing int32 = 1
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.LoadInt32(&failing) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	ch := newProbedChannel(upstream.URL)
	p := New(nil, nil, nil)
	p.Watch(ch)
	defer p.Stop()

	waitFor(t, time.Second, func() bool { return ch.Health() == channel.HealthUnhealthy })

	atomic.StoreInt32(&failing, 0)
	waitFor(t, time.Second, func() bool { return ch.Health() == channel.HealthHealthy })
}

func TestProber_UnwatchStopsProbing(t *testing.T) {
	var hits int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	ch := newProbedChannel(upstream.URL)
	p := New(nil, nil, nil)
	p.Watch(ch)
	waitFor(t, time.Second, func() bool { return atomic.LoadInt32(&hits) > 0 })

	p.Unwatch(ch.Name)
	seenAtStop := atomic.LoadInt32(&hits)
	time.Sleep(50 * time.Millisecond)
	if got := atomic.LoadInt32(&hits); got > seenAtStop+1 {
		t.Fatalf("probe kept firing after Unwatch: hits went from %d to %d", seenAtStop, got)
	}
}

func TestProber_NoHealthSpecIsNoOp(t *testing.T) {
	ch := channel.New(config.Channel{Name: "c1", Target: "https://example.com", Keys: []string{"k1"}})
	p := New(nil, nil, nil)
	p.Watch(ch) // should not start any goroutine
	defer p.Stop()

	time.Sleep(20 * time.Millisecond)
	if ch.Health() != channel.HealthUnknown {
		t.Fatalf("health = %v, want unknown with no health-check spec configured", ch.Health())
	}
}
