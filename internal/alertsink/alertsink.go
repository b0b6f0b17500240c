// Package alertsink implements AlertSink (C6): the two-phase
// Alertmanager-compatible protocol — a triage-time "firing" alert that
// later either resolves as a false positive or is superseded by an
// investigation-complete alert correlated via incident ID — plus a
// periodic heartbeat and a SeraphSystemEvent channel for operational
// problems (worker crashes, investigation timeouts) not tied to any one
// incident.
package alertsink

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog"

	"github.com/seraph-dev/seraph/pkg/seraph"
)

// alertmanagerAlert mirrors the Alertmanager v2 API's alert object.
type alertmanagerAlert struct {
	Labels      map[string]string `json:"labels"`
	Annotations map[string]string `json:"annotations"`
	StartsAt    time.Time         `json:"startsAt"`
	EndsAt      time.Time         `json:"endsAt,omitempty"`
}

// activeIncident tracks a phase-1 alert still awaiting its phase-2
// resolution, so the heartbeat can keep it alive and Resolve/
// SendEnrichedAnalysis know what to supersede.
type activeIncident struct {
	incidentID string
	alert      alertmanagerAlert
}

// Sink posts alerts to an Alertmanager-compatible /api/v2/alerts endpoint
// and runs a background heartbeat goroutine that refreshes every
// currently-active alert's EndsAt so Alertmanager never auto-resolves a
// still-open incident out from under an investigation in progress.
type Sink struct {
	url       string
	client    *retryablehttp.Client
	log       zerolog.Logger
	heartbeat time.Duration

	mu     sync.Mutex
	cancel context.CancelFunc
	active map[string]activeIncident // dedupKey -> incident
}

// New builds a Sink targeting baseURL (Alertmanager's root address).
func New(baseURL string, heartbeat time.Duration, log zerolog.Logger) *Sink {
	client := retryablehttp.NewClient()
	client.RetryMax = 3
	client.RetryWaitMin = 1 * time.Second
	client.RetryWaitMax = 30 * time.Second
	client.Logger = nil

	return &Sink{
		url:       baseURL,
		client:    client,
		log:       log.With().Str("component", "alertsink").Logger(),
		heartbeat: heartbeat,
		active:    make(map[string]activeIncident),
	}
}

// SendInitialAlert fires the two-phase protocol's first phase the moment
// triage confirms a log is alert-worthy, before any investigation has run
// (spec §4.8): alertname SeraphAnomalyTriage. The returned incident ID
// correlates this alert with the eventual SendEnrichedAnalysis or Resolve.
func (s *Sink) SendInitialAlert(ctx context.Context, dedupKey, log, reason string) (string, error) {
	incidentID := incidentIDFor(dedupKey, time.Now())

	alert := alertmanagerAlert{
		Labels: map[string]string{
			"alertname":   "SeraphAnomalyTriage",
			"dedup_key":   dedupKey,
			"incident_id": incidentID,
			"severity":    "warning",
		},
		Annotations: map[string]string{
			"reason":   reason,
			"log_hash": hashPrefix(log),
		},
		StartsAt: time.Now(),
		EndsAt:   time.Now().Add(s.heartbeat*3 + time.Minute),
	}

	if err := s.post(ctx, alert); err != nil {
		return "", err
	}

	s.mu.Lock()
	s.active[dedupKey] = activeIncident{incidentID: incidentID, alert: alert}
	s.mu.Unlock()

	return incidentID, nil
}

// SendEnrichedAnalysis fires the protocol's second phase once an
// investigation confirms the problem (spec §4.8): alertname
// SeraphAnomalyInvestigationComplete, correlated to the phase-1 alert via
// incidentID. This supersedes, rather than resolves, the phase-1 alert:
// the phase-1 alert is left to expire from EndsAt while this one carries
// the finding forward.
func (s *Sink) SendEnrichedAnalysis(ctx context.Context, incidentID, dedupKey, analysis, reportID string, toolUsage []seraph.ToolUsage) error {
	alert := alertmanagerAlert{
		Labels: map[string]string{
			"alertname":   "SeraphAnomalyInvestigationComplete",
			"dedup_key":   dedupKey,
			"incident_id": incidentID,
			"severity":    "critical",
		},
		Annotations: map[string]string{
			"analysis":   analysis,
			"report_id":  reportID,
			"tool_usage": formatToolUsage(toolUsage),
		},
		StartsAt: time.Now(),
	}

	if err := s.post(ctx, alert); err != nil {
		return err
	}

	s.mu.Lock()
	delete(s.active, dedupKey)
	s.mu.Unlock()
	return nil
}

// Resolve sends the "resolved" half for a dedup key whose phase-1 alert
// turned out to be a false positive (no investigation-complete alert ever
// fired for it).
func (s *Sink) Resolve(ctx context.Context, dedupKey string) error {
	s.mu.Lock()
	incident, ok := s.active[dedupKey]
	delete(s.active, dedupKey)
	s.mu.Unlock()

	if !ok {
		return nil
	}

	alert := incident.alert
	alert.EndsAt = time.Now()
	return s.post(ctx, alert)
}

// SendSystemAlert fires a SeraphSystemEvent alert for an operational
// problem not tied to any one incident: a worker exhausting its restart
// budget, an investigation timing out, or similar (spec §4.8).
func (s *Sink) SendSystemAlert(ctx context.Context, source, eventType, details string) error {
	alert := alertmanagerAlert{
		Labels: map[string]string{
			"alertname": "SeraphSystemEvent",
			"source":    source,
			"type":      eventType,
			"severity":  "warning",
		},
		Annotations: map[string]string{
			"details": details,
		},
		StartsAt: time.Now(),
		EndsAt:   time.Now().Add(time.Hour),
	}
	return s.post(ctx, alert)
}

func (s *Sink) post(ctx context.Context, alert alertmanagerAlert) error {
	body, err := json.Marshal([]alertmanagerAlert{alert})
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, s.url+"/api/v2/alerts", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("post alert: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("alertmanager returned %d", resp.StatusCode)
	}
	return nil
}

// StartHeartbeat runs a background loop that re-POSTs every currently
// active phase-1 alert with a refreshed EndsAt, and a synthetic
// always-firing "SeraphAgentAlive" alert, so Alertmanager's own staleness
// detection can page if Seraph itself goes dark. Stop it by canceling ctx
// or calling Sink.Close.
func (s *Sink) StartHeartbeat(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()

	go func() {
		ticker := time.NewTicker(s.heartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.beat(ctx)
			}
		}
	}()
}

func (s *Sink) beat(ctx context.Context) {
	alive := alertmanagerAlert{
		Labels:   map[string]string{"alertname": "SeraphAgentAlive"},
		StartsAt: time.Now(),
		EndsAt:   time.Now().Add(s.heartbeat * 3),
	}
	if err := s.post(ctx, alive); err != nil {
		s.log.Warn().Err(err).Msg("heartbeat post failed")
	}

	s.mu.Lock()
	incidents := make([]activeIncident, 0, len(s.active))
	for key, incident := range s.active {
		incident.alert.EndsAt = time.Now().Add(s.heartbeat*3 + time.Minute)
		s.active[key] = incident
		incidents = append(incidents, incident)
	}
	s.mu.Unlock()

	for _, incident := range incidents {
		if err := s.post(ctx, incident.alert); err != nil {
			s.log.Warn().Err(err).Str("incident", incident.incidentID).Msg("heartbeat refresh failed")
		}
	}
}

// Close stops the heartbeat loop, if running.
func (s *Sink) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
	}
}

func incidentIDFor(dedupKey string, now time.Time) string {
	h := sha256.Sum256([]byte(fmt.Sprintf("%s|%d", dedupKey, now.UnixNano())))
	return hex.EncodeToString(h[:8])
}

func hashPrefix(text string) string {
	h := sha256.Sum256([]byte(text))
	return hex.EncodeToString(h[:4])
}

func formatToolUsage(usage []seraph.ToolUsage) string {
	parts := make([]string, 0, len(usage))
	for _, u := range usage {
		parts = append(parts, fmt.Sprintf("%s:%s", u.Tool, u.Outcome))
	}
	return strings.Join(parts, ", ")
}
