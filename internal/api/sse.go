package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/outpostrun/aigateway/internal/logging"
)

const (
	sseReplayCount = 30
	sseHeartbeat   = 15 * time.Second
)

// handleLogsStream replays the last 30 log records, then live-subscribes to
// every event on the hub, emitting a heartbeat comment every 15s so
// intermediary proxies don't time out the connection (spec.md §4.H).
func (s *Server) handleLogsStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSONError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	if s.hub == nil {
		flusher.Flush()
		return
	}

	events := make(chan logging.Record, 64)
	unsubscribe := s.hub.Subscribe(logging.TopicAll, func(topic string, rec logging.Record) {
		select {
		case events <- rec:
		default: // slow subscriber: drop rather than block the publisher
		}
	})
	defer unsubscribe()

	for _, rec := range s.hub.Recent(sseReplayCount) {
		if !writeEvent(w, rec) {
			return
		}
	}
	flusher.Flush()

	heartbeat := time.NewTicker(sseHeartbeat)
	defer heartbeat.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case rec := <-events:
			if !writeEvent(w, rec) {
				return
			}
			flusher.Flush()
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": heartbeat\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeEvent(w http.ResponseWriter, rec logging.Record) bool {
	payload, err := json.Marshal(rec)
	if err != nil {
		return true
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", payload)
	return err == nil
}

