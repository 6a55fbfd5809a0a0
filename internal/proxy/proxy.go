// Package proxy is the streaming reverse proxy: body ingestion, channel
// selection and failover, upstream dispatch, and SSE passthrough (spec.md
// §4.E). It is the central consumer of internal/channel, internal/routing,
// internal/retry, and internal/transport. Grounded on the teacher's
// internal/handler.Gateway for the overall request-lifecycle shape, with
// the retry/failover loop rebuilt against this repo's routing and retry
// packages.
package proxy

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/outpostrun/aigateway/internal/channel"
	"github.com/outpostrun/aigateway/internal/logging"
	"github.com/outpostrun/aigateway/internal/metrics"
	"github.com/outpostrun/aigateway/internal/retry"
	"github.com/outpostrun/aigateway/internal/routing"
)

const (
	maxBodyBytes    = 10 << 20 // 10 MiB, spec.md §4.E
	bodyReadTimeout = 15 * time.Second
	requestLifetime = 3 * time.Minute
)

// strippedHeaders are removed from the forwarded request per spec.md §4.E's
// upstream dispatch contract.
var strippedHeaders = []string{
	"Connection", "Keep-Alive", "Transfer-Encoding", "Upgrade",
	"Proxy-Connection", "Proxy-Authorization",
	"X-Forwarded-For", "X-Forwarded-Host", "X-Forwarded-Proto",
	"X-Real-Ip", "Via", "Forwarded", "Authorization", "Content-Length",
}

// Proxy is the ingress HTTP handler. Its routing table and retry controller
// are held behind atomic pointers so a config reload can swap both without
// any in-flight request observing a half-updated pair (spec.md §5 hot
// reload).
type Proxy struct {
	table atomic.Pointer[routing.Table]
	retry atomic.Pointer[retry.Controller]

	transports transportPool
	hub        *logging.Hub
	metrics    *metrics.Registry
	log        *logrus.Entry
}

// transportPool is the minimal surface Proxy needs from internal/transport,
// kept as an interface so tests can substitute a stub.
type transportPool interface {
	For(target *url.URL) *http.Transport
}

// New builds a Proxy. table and rc must not be nil.
func New(table *routing.Table, rc *retry.Controller, transports transportPool, hub *logging.Hub, log *logrus.Entry, m *metrics.Registry) *Proxy {
	p := &Proxy{transports: transports, hub: hub, metrics: m, log: log}
	p.table.Store(table)
	p.retry.Store(rc)
	return p
}

// Reload atomically replaces the routing table and retry controller used by
// subsequent requests. In-flight requests keep the pointers they already
// loaded.
func (p *Proxy) Reload(table *routing.Table, rc *retry.Controller) {
	p.table.Store(table)
	p.retry.Store(rc)
}

func (p *Proxy) publish(topic, message string) {
	if p.hub == nil {
		return
	}
	p.hub.Publish(topic, logging.Record{
		ID:        uuid.NewString(),
		Timestamp: time.Now(),
		Level:     "info",
		Tag:       "proxy",
		Message:   message,
	})
}

// ServeHTTP implements the BUFFERING → SELECTING → DISPATCHING →
// STREAMING|CLASSIFY → BACKOFF|FORWARD → DONE state machine of spec.md
// §4.E.
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), requestLifetime)
	defer cancel()

	// BUFFERING
	body, status, ok := readBody(r)
	if !ok {
		if status == http.StatusRequestEntityTooLarge {
			writeError(w, status, errProxy, "request body exceeds 10 MiB")
		} else {
			writeError(w, status, errProxy, "timed out reading request body")
		}
		return
	}

	// Client-disconnect flag, armed for the whole request lifetime. The
	// request's own context is already canceled by net/http when the
	// underlying connection closes early, so watching it catches both a
	// client hangup and our own requestLifetime deadline.
	clientGone := new(int32)
	go func() {
		<-ctx.Done()
		atomic.StoreInt32(clientGone, 1)
	}()

	table := p.table.Load()
	rc := p.retry.Load()
	maxAttempts := rc.MaxAttempts()

	excluded := make(map[string]bool)
	var ch *channel.Channel
	var key string
	var keyIdx int
	var haveNext bool

attempts:
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if atomic.LoadInt32(clientGone) == 1 {
			return // client-disconnect: no response, no further retries
		}

		// SELECTING
		if attempt == 0 {
			ch, key, keyIdx, haveNext = table.Resolve(r.URL.Path)
		} else {
			ch, key, keyIdx, haveNext = table.ResolveNext(r.URL.Path, excluded)
		}
		if !haveNext {
			p.publish("request", `error="No available channel" path=`+r.URL.Path)
			writeError(w, http.StatusServiceUnavailable, errProxy, "no available channel")
			return
		}

		// DISPATCHING
		result := p.dispatch(ctx, ch, key, keyIdx, r, body, w, clientGone)
		lastAttempt := attempt == maxAttempts-1

		switch result.kind {
		case outcomeStreamed:
			return // DONE

		case outcomeRetryable:
			p.classify(ch, keyIdx, result.status, result.body)
			if retry.IsChannelFailure(result.status) {
				excluded[ch.Name] = true
			}
			if !rc.ShouldRetry(result.status) && !retry.IsKeyFailure(result.status) {
				forward(w, result.status, result.body)
				return
			}
			if lastAttempt {
				forward(w, result.status, result.body)
				return
			}
			p.publish("retry", "fromChannel="+ch.Name+" status="+strconv.Itoa(result.status))
			delay := result.retryAfter
			if delay == nil {
				d := rc.Delay(attempt)
				delay = &d
			}
			if !sleep(ctx, *delay, clientGone) {
				return
			}

		case outcomeTransportError:
			ch.RecordFailure(result.err.Error())
			excluded[ch.Name] = true
			if lastAttempt {
				break attempts
			}
			p.publish("retry", "fromChannel="+ch.Name+" error="+result.err.Error())
			if !sleep(ctx, rc.Delay(attempt), clientGone) {
				return
			}
		}
	}

	// Exhaustion: the final attempt ended in a transport error
	writeError(w, http.StatusBadGateway, errUpstream, "all retry attempts exhausted")
}

// classify applies the credential/channel bookkeeping spec.md §4.E(e)
// prescribes for a retryable upstream status, and records the reason on
// the retries-total counter.
func (p *Proxy) classify(ch *channel.Channel, keyIdx int, status int, body []byte) {
	var reason string
	switch {
	case retry.IsKeyFailure(status), status == http.StatusTooManyRequests:
		ch.MarkKeyFailed(keyIdx)
		reason = "key_failure"
	case retry.IsChannelFailure(status):
		ch.RecordFailure(http.StatusText(status))
		reason = "channel_failure"
	default:
		ch.RecordFailure(http.StatusText(status))
		reason = "other"
	}
	if p.metrics != nil {
		p.metrics.RetriesTotal.WithLabelValues(reason).Inc()
	}
}

// sleep waits for d, returning false if the request context is done or the
// client disconnects first.
func sleep(ctx context.Context, d time.Duration, clientGone *int32) bool {
	if d <= 0 {
		return atomic.LoadInt32(clientGone) == 0
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return atomic.LoadInt32(clientGone) == 0
	case <-ctx.Done():
		return false
	}
}

// readBody enforces the two body-ingestion guards: a hard 10 MiB cap and a
// 15 s read deadline. It returns ok=false with the status to report when
// either guard trips.
func readBody(r *http.Request) (data []byte, status int, ok bool) {
	if r.Body == nil {
		return nil, 0, true
	}
	defer r.Body.Close()

	type result struct {
		data []byte
		err  error
	}
	done := make(chan result, 1)
	go func() {
		limited := io.LimitReader(r.Body, maxBodyBytes+1)
		b, err := io.ReadAll(limited)
		done <- result{data: b, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			return nil, http.StatusBadRequest, false
		}
		if len(res.data) > maxBodyBytes {
			return nil, http.StatusRequestEntityTooLarge, false
		}
		return res.data, 0, true
	case <-time.After(bodyReadTimeout):
		return nil, http.StatusRequestTimeout, false
	}
}

// forward writes a buffered retryable status through to the client
// unchanged, used when the status is not retried or when it came back on
// the final allowed attempt (spec.md §4.E(e)).
func forward(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

func isEventStream(h http.Header) bool {
	return strings.HasPrefix(strings.ToLower(h.Get("Content-Type")), "text/event-stream")
}

func stripHeaders(h http.Header) http.Header {
	out := h.Clone()
	for _, name := range strippedHeaders {
		out.Del(name)
	}
	return out
}

// hopByHop is the standard per-connection header set that must never be
// relayed from the upstream response back to the client.
var hopByHop = map[string]struct{}{
	"Connection":          {},
	"Proxy-Connection":    {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
}

func dropHopByHop(h http.Header) {
	for _, f := range h.Values("Connection") {
		for _, k := range strings.Split(f, ",") {
			k = strings.TrimSpace(k)
			if k != "" {
				h.Del(k)
			}
		}
	}
	for k := range hopByHop {
		h.Del(k)
	}
}

func copyHeaders(dst, src http.Header) {
	for k, vs := range src {
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
}

// parseRetryAfter honors a Retry-After header as either a delay in seconds
// or an HTTP-date; an unparsable value is ignored (spec.md §4.E(e)).
func parseRetryAfter(h http.Header) *time.Duration {
	v := strings.TrimSpace(h.Get("Retry-After"))
	if v == "" {
		return nil
	}
	if secs, err := strconv.Atoi(v); err == nil {
		d := time.Duration(secs) * time.Second
		return &d
	}
	if t, err := http.ParseTime(v); err == nil {
		d := time.Until(t)
		if d < 0 {
			d = 0
		}
		return &d
	}
	return nil
}

// retryableStatuses are the fixed statuses whose response body is always
// buffered (never streamed) so the outcome can be replayed against another
// channel (spec.md §4.E's upstream dispatch contract).
var retryableStatuses = map[int]struct{}{
	http.StatusUnauthorized:       {},
	http.StatusForbidden:          {},
	http.StatusTooManyRequests:    {},
	http.StatusBadGateway:         {},
	http.StatusServiceUnavailable: {},
	http.StatusGatewayTimeout:     {},
}

func isRetryableStatus(status int) bool {
	_, ok := retryableStatuses[status]
	return ok
}
