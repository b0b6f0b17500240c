// Package ingress implements the Ingress surface (C13): the HTTP API the
// rest of the world talks to — log submission, status, metrics, and chat —
// plus the local Unix-socket side channel, grounded on
// internal/httpapi/server.go's Runnable + huma wiring, generalized from a
// Kubernetes registry API to a log-ingestion/investigation agent.
package ingress

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humago"
	"github.com/google/uuid"
	"github.com/rs/cors"
	"github.com/rs/zerolog"

	"github.com/seraph-dev/seraph/internal/logging"
	"github.com/seraph-dev/seraph/internal/reportstore"
	"github.com/seraph-dev/seraph/pkg/seraph"
)

const (
	maxLogBodyBytes  = 1 << 20 // 1 MiB, spec §4.1
	maxChatBodyBytes = 1 << 10 // 1 KiB, spec §4.1
	rateLimitWindow  = 60 * time.Second
	rateLimitMax     = 100
)

// StatusProvider supplies the live counters /status reports. Implemented by
// the orchestration root (internal/agent).
type StatusProvider interface {
	QueueDepth() int
	BurstMode() bool
	TriageWorkers() int
	InvestigationWorkers() int
	RecentLogs() []seraph.LogRecord
	ModelState() string
}

// ChatHandler answers a /chat request, optionally enriched with recent log
// context, and returns plain text.
type ChatHandler func(ctx context.Context, message string, recent []seraph.LogRecord) (string, error)

// ReportLister serves GET /reports (spec §4.9's List operation) without
// exposing the ReportStore's Postgres handle to the Ingress layer directly.
type ReportLister interface {
	List(ctx context.Context) ([]reportstore.Summary, error)
}

// Config holds the tunables the Ingress needs beyond its collaborators.
type Config struct {
	APIKey     string // empty disables auth entirely
	Addr       string // TCP listen address, e.g. ":8080"
	SocketPath string // Unix domain socket path, e.g. ".seraph.sock"
	Version    string
}

// Server is the Ingress HTTP surface.
type Server struct {
	cfg     Config
	logsOut chan<- seraph.LogRecord
	status  StatusProvider
	chat    ChatHandler
	reports ReportLister
	metricsHandler http.Handler

	mux *http.ServeMux
	api huma.API

	startedAt time.Time
	limiter   *rateLimiter
	log       zerolog.Logger
}

// NewServer wires the Ingress. logsOut receives every individually
// validated log fragment submitted to POST /logs; a full channel causes the
// newest fragment to be dropped (backpressure gate, spec §5 Backpressure).
// reports may be nil, in which case GET /reports answers 503.
func NewServer(cfg Config, logsOut chan<- seraph.LogRecord, status StatusProvider, chat ChatHandler, reports ReportLister, metricsHandler http.Handler, log zerolog.Logger) *Server {
	mux := http.NewServeMux()

	apiConfig := huma.DefaultConfig("Seraph Agent", cfg.Version)
	apiConfig.Info.Description = "autonomous log-triage and investigation agent"
	api := humago.New(mux, apiConfig)

	s := &Server{
		cfg:            cfg,
		logsOut:        logsOut,
		status:         status,
		chat:           chat,
		reports:        reports,
		metricsHandler: metricsHandler,
		mux:            mux,
		api:            api,
		startedAt:      time.Now(),
		limiter:        newRateLimiter(rateLimitMax, rateLimitWindow),
		log:            log.With().Str("component", "ingress").Logger(),
	}

	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	huma.Register(s.api, huma.Operation{
		OperationID: "get-status",
		Method:      http.MethodGet,
		Path:        "/status",
		Summary:     "agent health and worker status snapshot",
	}, s.handleStatus)

	s.mux.Handle("/metrics", s.metricsHandler)
	s.mux.HandleFunc("/logs", s.wrap(s.handleLogs))
	s.mux.HandleFunc("/chat", s.wrap(s.handleChat))
	s.mux.HandleFunc("/reports", s.wrap(s.handleReports))
}

// handleReports implements GET /reports: the 100 most recent investigation
// reports, newest first, without their compressed bodies (spec §4.9).
func (s *Server) handleReports(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if s.reports == nil {
		writeJSONError(w, http.StatusServiceUnavailable, "report store is not configured")
		return
	}

	summaries, err := s.reports.List(r.Context())
	if err != nil {
		s.log.Error().Err(err).Msg("failed to list reports")
		writeJSONError(w, http.StatusInternalServerError, "failed to list reports")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(summaries)
}

// wrap applies correlation-ID injection, security headers, auth, and rate
// limiting to a raw net/http handler (used for /logs, /chat and /reports).
func (s *Server) wrap(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		correlationID := uuid.NewString()
		w.Header().Set("X-Correlation-ID", correlationID)
		applySecurityHeaders(w)

		if status, ok := s.authorize(r); !ok {
			writeJSONError(w, status, "unauthorized")
			return
		}

		if r.URL.Path != "/metrics" {
			if !s.limiter.Allow(clientKey(r)) {
				writeJSONError(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}
		}

		defer func() {
			if rec := recover(); rec != nil {
				s.log.Error().Str("correlationId", correlationID).Str("panic", logging.Redact(fmt.Sprint(rec))).Msg("unhandled panic in request handler")
				writeJSONError(w, http.StatusInternalServerError, correlationID)
			}
		}()

		next(w, r)
	}
}

// authorize implements spec §4.1's auth rule: no server key configured
// disables auth; otherwise every endpoint served through wrap requires
// Authorization: Bearer <key>, wrong scheme → 401, wrong value → 403.
// /status is registered through huma rather than wrap, so it is served
// without auth, rate limiting or correlation IDs; /metrics is also not
// wrapped.
func (s *Server) authorize(r *http.Request) (int, bool) {
	if s.cfg.APIKey == "" || r.URL.Path == "/metrics" {
		return 0, true
	}

	header := r.Header.Get("Authorization")
	scheme, token, found := strings.Cut(header, " ")
	if !found || scheme != "Bearer" {
		return http.StatusUnauthorized, false
	}
	if token != s.cfg.APIKey {
		return http.StatusForbidden, false
	}
	return 0, true
}

func applySecurityHeaders(w http.ResponseWriter) {
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("X-Frame-Options", "DENY")
	w.Header().Set("Referrer-Policy", "no-referrer")
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}

type logsResponse struct {
	Status string `json:"status"`
}

// handleLogs implements POST /logs: raw-text or JSON body, 1 MiB cap,
// Fluent-Bit "}{"-concatenation splitting, per-fragment JSON validation.
func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxLogBodyBytes+1))
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "read failed")
		return
	}
	if len(body) > maxLogBodyBytes {
		writeJSONError(w, http.StatusRequestEntityTooLarge, "body exceeds 1 MiB")
		return
	}
	if len(bytes.TrimSpace(body)) == 0 {
		writeJSONError(w, http.StatusBadRequest, "empty body")
		return
	}

	fragments := splitFluentBitConcatenation(body)
	accepted := 0
	for _, frag := range fragments {
		rec, ok := parseLogFragment(frag, r.RemoteAddr)
		if !ok {
			continue
		}
		accepted++
		select {
		case s.logsOut <- rec:
		default:
			s.log.Warn().Msg("log ingestion channel full, dropping fragment")
		}
	}

	if accepted == 0 {
		writeJSONError(w, http.StatusBadRequest, "no fragment validated as JSON")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(logsResponse{Status: "accepted"})
}

// splitFluentBitConcatenation splits a Fluent-Bit-style concatenation of
// JSON objects (`{...}{...}`) at the `"}{"` boundary. A body with no such
// boundary is returned as a single fragment.
func splitFluentBitConcatenation(body []byte) []string {
	text := string(body)
	if !strings.Contains(text, "}{") {
		return []string{text}
	}
	parts := strings.Split(text, "}{")
	fragments := make([]string, len(parts))
	for i, p := range parts {
		switch {
		case i == 0:
			fragments[i] = p + "}"
		case i == len(parts)-1:
			fragments[i] = "{" + p
		default:
			fragments[i] = "{" + p + "}"
		}
	}
	return fragments
}

func parseLogFragment(frag string, remoteAddr string) (seraph.LogRecord, bool) {
	trimmed := strings.TrimSpace(frag)
	if trimmed == "" {
		return seraph.LogRecord{}, false
	}

	var raw map[string]any
	message := trimmed
	if json.Valid([]byte(trimmed)) && strings.HasPrefix(trimmed, "{") {
		if err := json.Unmarshal([]byte(trimmed), &raw); err != nil {
			return seraph.LogRecord{}, false
		}
		message = extractMessage(raw)
	}

	return seraph.LogRecord{
		ID:        uuid.NewString(),
		Source:    remoteAddr,
		Message:   message,
		Timestamp: time.Now(),
		Raw:       raw,
	}, true
}

// extractMessage pulls human-readable content from known JSON envelopes
// (fields "log", "MESSAGE"), falling back to the whole object re-encoded.
func extractMessage(raw map[string]any) string {
	for _, key := range []string{"log", "MESSAGE", "message"} {
		if v, ok := raw[key]; ok {
			if s, ok := v.(string); ok {
				return s
			}
		}
	}
	b, _ := json.Marshal(raw)
	return string(b)
}

type chatRequest struct {
	Message string `json:"message"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxChatBodyBytes+1))
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "read failed")
		return
	}
	if len(body) > maxChatBodyBytes {
		writeJSONError(w, http.StatusRequestEntityTooLarge, "message exceeds 1 KiB")
		return
	}

	var req chatRequest
	if err := json.Unmarshal(body, &req); err != nil || strings.TrimSpace(req.Message) == "" {
		writeJSONError(w, http.StatusBadRequest, "expected {message}")
		return
	}

	if s.chat == nil {
		writeJSONError(w, http.StatusServiceUnavailable, "chat is not configured")
		return
	}

	var recent []seraph.LogRecord
	if s.status != nil {
		recent = s.status.RecentLogs()
	}

	reply, err := s.chat(r.Context(), req.Message, recent)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "chat handler failed")
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(reply))
}

type statusResponse struct {
	Body statusSnapshot
}

type statusSnapshot struct {
	Status               string `json:"status"`
	Version              string `json:"version"`
	UptimeSeconds         int64  `json:"uptimeSeconds"`
	QueueDepth            int    `json:"queueDepth"`
	BurstMode             bool   `json:"burstMode"`
	TriageWorkers         int    `json:"triageWorkers"`
	InvestigationWorkers  int    `json:"investigationWorkers"`
	ModelCircuitState     string `json:"modelCircuitState"`
	AllocatedMemoryBytes  uint64 `json:"allocatedMemoryBytes"`
}

func (s *Server) handleStatus(ctx context.Context, _ *struct{}) (*statusResponse, error) {
	snap := statusSnapshot{
		Status:        "ok",
		Version:       s.cfg.Version,
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
	}
	if s.status != nil {
		snap.QueueDepth = s.status.QueueDepth()
		snap.BurstMode = s.status.BurstMode()
		snap.TriageWorkers = s.status.TriageWorkers()
		snap.InvestigationWorkers = s.status.InvestigationWorkers()
		snap.ModelCircuitState = s.status.ModelState()
	}
	snap.AllocatedMemoryBytes = readAllocBytes()
	return &statusResponse{Body: snap}, nil
}

// Runnable starts both the TCP listener and, if configured, the local Unix
// socket side channel, blocking until ctx is canceled. Grounded on
// internal/httpapi/server.go's serverRunnable.Start.
func (s *Server) Runnable() func(ctx context.Context) error {
	return func(ctx context.Context) error {
		c := cors.New(cors.Options{
			AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders:   []string{"Authorization", "Content-Type"},
			AllowCredentials: true,
		})

		httpServer := &http.Server{
			Addr:              s.cfg.Addr,
			Handler:           c.Handler(s.mux),
			ReadTimeout:       30 * time.Second,
			WriteTimeout:      30 * time.Second,
			ReadHeaderTimeout: 10 * time.Second,
			MaxHeaderBytes:    1 << 20,
		}

		listener, err := net.Listen("tcp", s.cfg.Addr)
		if err != nil {
			return fmt.Errorf("listen %s: %w", s.cfg.Addr, err)
		}

		errCh := make(chan error, 2)
		go func() {
			if err := httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
				errCh <- err
			}
		}()

		var sockServer *socketServer
		if s.cfg.SocketPath != "" {
			sockServer, err = newSocketServer(s.cfg.SocketPath, s.status, s.log)
			if err != nil {
				return fmt.Errorf("start local socket: %w", err)
			}
			go func() {
				if err := sockServer.Serve(); err != nil {
					errCh <- err
				}
			}()
		}

		s.log.Info().Str("addr", s.cfg.Addr).Msg("ingress listening")

		select {
		case <-ctx.Done():
			s.log.Info().Msg("shutting down ingress")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			err := httpServer.Shutdown(shutdownCtx)
			if sockServer != nil {
				sockServer.Close()
				_ = os.Remove(s.cfg.SocketPath)
			}
			return err
		case err := <-errCh:
			return err
		}
	}
}

// rateLimiter implements the per-client sliding-window limit spec §4.1
// requires, confined behind a mutex since requests arrive concurrently
// (unlike the Scheduler's single-goroutine state).
type rateLimiter struct {
	mu     sync.Mutex
	max    int
	window time.Duration
	hits   map[string][]time.Time
}

func newRateLimiter(max int, window time.Duration) *rateLimiter {
	return &rateLimiter{max: max, window: window, hits: make(map[string][]time.Time)}
}

func (l *rateLimiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-l.window)
	existing := l.hits[key]
	filtered := existing[:0]
	for _, t := range existing {
		if t.After(cutoff) {
			filtered = append(filtered, t)
		}
	}
	if len(filtered) >= l.max {
		l.hits[key] = filtered
		return false
	}
	filtered = append(filtered, now)
	l.hits[key] = filtered
	return true
}

func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
