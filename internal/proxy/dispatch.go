package proxy

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/outpostrun/aigateway/internal/channel"
)

type outcomeKind int

const (
	outcomeStreamed outcomeKind = iota
	outcomeRetryable
	outcomeTransportError
)

type dispatchResult struct {
	kind       outcomeKind
	status     int
	body       []byte
	retryAfter *time.Duration
	err        error
}

// dispatch builds and sends the upstream request for one attempt against ch
// using key/keyIdx, per spec.md §4.E's upstream dispatch contract.
func (p *Proxy) dispatch(ctx context.Context, ch *channel.Channel, key string, keyIdx int, r *http.Request, body []byte, w http.ResponseWriter, clientGone *int32) dispatchResult {
	target, err := url.Parse(ch.Target)
	if err != nil {
		return dispatchResult{kind: outcomeTransportError, err: err}
	}
	upstreamURL := *target
	upstreamURL.Path = singleJoiningSlash(target.Path, r.URL.Path)
	upstreamURL.RawQuery = r.URL.RawQuery

	req, err := http.NewRequestWithContext(ctx, r.Method, upstreamURL.String(), bytes.NewReader(body))
	if err != nil {
		return dispatchResult{kind: outcomeTransportError, err: err}
	}
	req.Header = stripHeaders(r.Header)
	for name, value := range ch.FixedHeaders {
		req.Header.Set(name, value)
	}
	req.Header.Set("Authorization", "Bearer "+key)
	req.Header.Set("Content-Length", strconv.Itoa(len(body)))
	req.ContentLength = int64(len(body))
	req.Host = target.Host

	tr := p.transports.For(target)
	client := &http.Client{Transport: tr}

	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		return dispatchResult{kind: outcomeTransportError, err: err}
	}

	if isRetryableStatus(resp.StatusCode) {
		defer resp.Body.Close()
		buffered, readErr := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
		if readErr != nil && readErr != io.EOF {
			return dispatchResult{kind: outcomeTransportError, err: readErr}
		}
		return dispatchResult{
			kind:       outcomeRetryable,
			status:     resp.StatusCode,
			body:       buffered,
			retryAfter: parseRetryAfter(resp.Header),
		}
	}

	p.stream(ch, resp, w, clientGone)
	ch.MarkKeySuccess(keyIdx)
	ch.RecordSuccess(time.Since(start))
	if p.metrics != nil {
		p.metrics.UpstreamLatency.WithLabelValues(ch.Name).Observe(time.Since(start).Seconds())
		p.metrics.RequestsTotal.WithLabelValues(ch.Name, strconv.Itoa(resp.StatusCode)).Inc()
	}
	return dispatchResult{kind: outcomeStreamed, status: resp.StatusCode}
}

// stream forwards resp to the client without buffering, injecting SSE
// anti-buffering headers when the response is an event stream, and aborts
// the upstream body as soon as the client disconnects mid-stream.
func (p *Proxy) stream(ch *channel.Channel, resp *http.Response, w http.ResponseWriter, clientGone *int32) {
	defer resp.Body.Close()

	dropHopByHop(resp.Header)
	dst := w.Header()
	copyHeaders(dst, resp.Header)
	sse := isEventStream(resp.Header)
	if sse {
		dst.Set("Cache-Control", "no-cache")
		dst.Set("X-Accel-Buffering", "no")
	}
	w.WriteHeader(resp.StatusCode)

	flusher, canFlush := w.(http.Flusher)
	buf := make([]byte, 32*1024)
	for {
		if atomic.LoadInt32(clientGone) == 1 {
			return // tear down without draining to EOF on a dead peer
		}
		n, err := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return
			}
			if sse && canFlush {
				flusher.Flush()
			}
		}
		if err != nil {
			return
		}
	}
}

func singleJoiningSlash(a, b string) string {
	aSlash := len(a) > 0 && a[len(a)-1] == '/'
	bSlash := len(b) > 0 && b[0] == '/'
	switch {
	case aSlash && bSlash:
		return a + b[1:]
	case !aSlash && !bSlash:
		return a + "/" + b
	default:
		return a + b
	}
}
