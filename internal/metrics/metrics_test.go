package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestObserveHealth_SetsGaugesForChannel(t *testing.T) {
	r := NewRegistry()
	r.ObserveHealth("c1", true, 3)

	body := scrape(t, r)
	if !strings.Contains(body, `gateway_channel_healthy{channel="c1"} 1`) {
		t.Fatalf("expected gateway_channel_healthy=1 for c1, got:\n%s", body)
	}
	if !strings.Contains(body, `gateway_channel_alive_keys{channel="c1"} 3`) {
		t.Fatalf("expected gateway_channel_alive_keys=3 for c1, got:\n%s", body)
	}
}

func TestObserveHealth_UnhealthyIsZero(t *testing.T) {
	r := NewRegistry()
	r.ObserveHealth("c2", false, 0)

	body := scrape(t, r)
	if !strings.Contains(body, `gateway_channel_healthy{channel="c2"} 0`) {
		t.Fatalf("expected gateway_channel_healthy=0 for c2, got:\n%s", body)
	}
}

func TestRequestsTotal_IncrementsByLabel(t *testing.T) {
	r := NewRegistry()
	r.RequestsTotal.WithLabelValues("c1", "200").Inc()
	r.RequestsTotal.WithLabelValues("c1", "200").Inc()
	r.RequestsTotal.WithLabelValues("c1", "502").Inc()

	body := scrape(t, r)
	if !strings.Contains(body, `gateway_requests_total{channel="c1",status="200"} 2`) {
		t.Fatalf("expected 2 successful requests for c1, got:\n%s", body)
	}
	if !strings.Contains(body, `gateway_requests_total{channel="c1",status="502"} 1`) {
		t.Fatalf("expected 1 failed request for c1, got:\n%s", body)
	}
}

func TestRetriesTotal_IncrementsByReason(t *testing.T) {
	r := NewRegistry()
	r.RetriesTotal.WithLabelValues("key_failure").Inc()

	body := scrape(t, r)
	if !strings.Contains(body, `gateway_retries_total{reason="key_failure"} 1`) {
		t.Fatalf("expected 1 key_failure retry, got:\n%s", body)
	}
}

func TestUpstreamLatency_ObservesIntoHistogram(t *testing.T) {
	r := NewRegistry()
	r.UpstreamLatency.WithLabelValues("c1").Observe(0.25)

	body := scrape(t, r)
	if !strings.Contains(body, "gateway_upstream_latency_seconds_count{channel=\"c1\"} 1") {
		t.Fatalf("expected one latency observation for c1, got:\n%s", body)
	}
}

func TestHandler_SeparateRegistriesDoNotShareState(t *testing.T) {
	a := NewRegistry()
	b := NewRegistry()
	a.RequestsTotal.WithLabelValues("c1", "200").Inc()

	bodyB := scrape(t, b)
	if strings.Contains(bodyB, `channel="c1"`) {
		t.Fatalf("registry b should not see registry a's series, got:\n%s", bodyB)
	}
}

func scrape(t *testing.T, r *Registry) string {
	t.Helper()
	srv := httptest.NewServer(r.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	buf := make([]byte, 1<<20)
	n, _ := resp.Body.Read(buf)
	for {
		m, err := resp.Body.Read(buf[n:])
		n += m
		if err != nil {
			break
		}
	}
	return string(buf[:n])
}
