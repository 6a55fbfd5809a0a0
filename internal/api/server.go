// Package api is the management HTTP surface described in spec.md §4.H:
// status/channel introspection, channel mutation, a log snapshot and SSE
// stream, and a config-reload trigger. Routed with github.com/go-chi/chi/v5.
package api

import (
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"github.com/outpostrun/aigateway/internal/channel"
	"github.com/outpostrun/aigateway/internal/logging"
	"github.com/outpostrun/aigateway/internal/metrics"
	"github.com/outpostrun/aigateway/internal/ratelimit"
)

const maxBodyBytes = 1 << 20 // 1 MiB, spec.md §4.H

// Version is the build-time version string surfaced by GET /api/status. It
// is a package variable rather than a constant so it can be set via
// -ldflags at build time.
var Version = "dev"

// Server is the management API's handler set and dependencies.
type Server struct {
	channels  atomic.Pointer[map[string]*channel.Channel]
	authToken string
	hub       *logging.Hub
	metrics   *metrics.Registry
	limiter   *ratelimit.Limiter
	log       *logrus.Entry
	startedAt time.Time
}

// New builds a Server. authToken empty disables Bearer-token enforcement.
// m may be nil, in which case GET /api/metrics responds 404.
func New(channels map[string]*channel.Channel, authToken string, hub *logging.Hub, m *metrics.Registry, log *logrus.Entry) *Server {
	s := &Server{
		authToken: authToken,
		hub:       hub,
		metrics:   m,
		limiter:   ratelimit.New(5, 10),
		log:       log,
		startedAt: time.Now(),
	}
	s.SetChannels(channels)
	return s
}

// SetChannels atomically replaces the channel map a reload produced.
func (s *Server) SetChannels(channels map[string]*channel.Channel) {
	s.channels.Store(&channels)
}

func (s *Server) channelMap() map[string]*channel.Channel {
	if m := s.channels.Load(); m != nil {
		return *m
	}
	return nil
}

// Router builds the chi mux for this Server.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)

	r.Route("/api", func(r chi.Router) {
		r.Use(s.authenticate)

		r.Get("/status", s.handleStatus)
		r.Get("/channels", s.handleListChannels)
		r.Get("/stats", s.handleStats)
		r.Get("/logs/recent", s.handleLogsRecent)
		r.Get("/logs", s.handleLogsStream)
		r.Get("/metrics", s.handleMetrics)

		r.Group(func(r chi.Router) {
			r.Use(middleware.AllowContentType("application/json"))
			r.Use(s.rateLimited)
			r.Use(bodyLimit)
			r.Post("/channels/{name}/toggle", s.handleToggleChannel)
			r.Post("/channels/{name}/keys", s.handleAddKey)
			r.Delete("/channels/{name}/keys/{i}", s.handleRemoveKey)
			r.Post("/config/reload", s.handleReload)
		})
	})

	return r
}

// authenticate enforces the Bearer token when one is configured. The SSE
// route accepts the token as a ?token= query parameter because
// EventSource cannot set headers (spec.md §4.H).
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.authToken == "" {
			next.ServeHTTP(w, r)
			return
		}
		token := bearerToken(r.Header)
		if token == "" {
			token = r.URL.Query().Get("token")
		}
		if token != s.authToken {
			writeJSONError(w, http.StatusUnauthorized, "missing or invalid bearer token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) rateLimited(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		if !s.limiter.Allow(ip) {
			writeJSONError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func bodyLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		next.ServeHTTP(w, r)
	})
}

func bearerToken(h http.Header) string {
	auth := h.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(auth, prefix) {
		return ""
	}
	return strings.TrimPrefix(auth, prefix)
}

func clientIP(r *http.Request) string {
	if ip := r.Header.Get("X-Real-IP"); ip != "" {
		return ip
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
