package api

import (
	"encoding/json"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/outpostrun/aigateway/internal/channel"
	"github.com/outpostrun/aigateway/internal/logging"
)

type statusResponse struct {
	Status   string         `json:"status"`
	UptimeMs int64          `json:"uptime"`
	Channels channelCounter `json:"channels"`
	Version  string         `json:"version"`
}

type channelCounter struct {
	Healthy int `json:"healthy"`
	Total   int `json:"total"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	channels := s.channelMap()
	counter := channelCounter{Total: len(channels)}
	for _, ch := range channels {
		if ch.Health() == channel.HealthHealthy {
			counter.Healthy++
		}
	}
	writeJSON(w, http.StatusOK, statusResponse{
		Status:   "running",
		UptimeMs: time.Since(s.startedAt).Milliseconds(),
		Channels: counter,
		Version:  Version,
	})
}

func (s *Server) handleListChannels(w http.ResponseWriter, r *http.Request) {
	channels := s.channelMap()
	names := make([]string, 0, len(channels))
	for name := range channels {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]channel.Summary, 0, len(names))
	for _, name := range names {
		out = append(out, channels[name].ToJSON())
	}
	writeJSON(w, http.StatusOK, out)
}

type statsResponse struct {
	Aggregate channel.Stats             `json:"aggregate"`
	Channels  map[string]channel.Summary `json:"channels"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	channels := s.channelMap()
	var agg channel.Stats
	perChannel := make(map[string]channel.Summary, len(channels))
	for name, ch := range channels {
		st := ch.Stats()
		agg.TotalRequests += st.TotalRequests
		agg.SuccessCount += st.SuccessCount
		agg.FailCount += st.FailCount
		perChannel[name] = ch.ToJSON()
	}
	writeJSON(w, http.StatusOK, statsResponse{Aggregate: agg, Channels: perChannel})
}

func (s *Server) channelByName(w http.ResponseWriter, r *http.Request) (*channel.Channel, bool) {
	name := chi.URLParam(r, "name")
	ch, ok := s.channelMap()[name]
	if !ok {
		writeJSONError(w, http.StatusNotFound, "no such channel: "+name)
		return nil, false
	}
	return ch, true
}

func (s *Server) handleToggleChannel(w http.ResponseWriter, r *http.Request) {
	ch, ok := s.channelByName(w, r)
	if !ok {
		return
	}
	enabled := ch.Toggle()
	writeJSON(w, http.StatusOK, map[string]bool{"enabled": enabled})
}

type addKeyRequest struct {
	Key string `json:"key"`
}

func (s *Server) handleAddKey(w http.ResponseWriter, r *http.Request) {
	ch, ok := s.channelByName(w, r)
	if !ok {
		return
	}
	var body addKeyRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Key == "" {
		writeJSONError(w, http.StatusBadRequest, "body must be {\"key\": \"...\"}")
		return
	}
	ch.AddKey(body.Key)
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleRemoveKey(w http.ResponseWriter, r *http.Request) {
	ch, ok := s.channelByName(w, r)
	if !ok {
		return
	}
	idx, err := strconv.Atoi(chi.URLParam(r, "i"))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "index must be an integer")
		return
	}
	if !ch.RemoveKey(idx) {
		writeJSONError(w, http.StatusBadRequest, "index out of range")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if s.metrics == nil {
		writeJSONError(w, http.StatusNotFound, "metrics not configured")
		return
	}
	s.metrics.Handler().ServeHTTP(w, r)
}

func (s *Server) handleLogsRecent(w http.ResponseWriter, r *http.Request) {
	if s.hub == nil {
		writeJSON(w, http.StatusOK, []logging.Record{})
		return
	}
	writeJSON(w, http.StatusOK, s.hub.Recent(50))
}

func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	if s.hub != nil {
		s.hub.Publish("config_reload_request", logging.Record{
			ID:        uuid.NewString(),
			Timestamp: time.Now(),
			Level:     "info",
			Tag:       "api",
			Message:   "config reload requested",
		})
	}
	writeJSON(w, http.StatusAccepted, map[string]bool{"ok": true})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
