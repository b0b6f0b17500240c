// Package triage implements the TriagePool (C10): a supervised pool of
// workers that classify each incoming LogRecord as alert-worthy or
// routine, using the Model capability plus the JSON-extraction idiom
// grounded on internal/masteragent/triage.go's extractJSON.
package triage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/seraph-dev/seraph/internal/cache"
	"github.com/seraph-dev/seraph/internal/metrics"
	"github.com/seraph-dev/seraph/internal/model"
	"github.com/seraph-dev/seraph/pkg/seraph"
)

const (
	// maxRecordBytes bounds how large a single log line can be before
	// triage drops it outright rather than spend a Model call on it
	// (spec §4.2 step 1).
	maxRecordBytes = 64 * 1024
	// classifyTruncateLen is the max length of text actually sent to the
	// Model after envelope extraction (spec §4.2 step 4).
	classifyTruncateLen = 1500
	// embedDims sizes the ResponseCache similarity embedding.
	embedDims = 64
)

const systemPrompt = `You are the triage stage of an SRE agent. Given a single log line,
decide whether it represents a problem worth investigating. Call the log_triage tool with
your decision ("alert" or "ok") and a short reason.`

var logTriageTool = model.ToolSpec{
	Name:        "log_triage",
	Description: "Record the triage decision for the given log line.",
	Parameters: map[string]any{
		"type": "object",
		"properties": map[string]any{
			"decision": map[string]any{
				"type": "string",
				"enum": []string{"alert", "ok"},
			},
			"reason": map[string]any{"type": "string"},
		},
		"required": []string{"decision", "reason"},
	},
}

// verdict is the triage tool's response shape (spec §4.2): {decision,
// reason}, no invented severity.
type verdict struct {
	Decision string `json:"decision"`
	Reason   string `json:"reason"`
}

func (v verdict) isAlert() bool { return strings.EqualFold(v.Decision, "alert") }

// routinePatterns match log lines known to never warrant investigation
// (health checks, readiness probes), dropped before any Model call (spec
// §4.2 step 3).
var routinePatterns = compileDefaults([]string{
	`(?i)health\s*check`,
	`(?i)readiness\s*probe`,
	`(?i)liveness\s*probe`,
	`GET /healthz`,
	`GET /ready`,
}, zerolog.Nop())

func compileDefaults(patterns []string, log zerolog.Logger) []*regexp.Regexp {
	out, _ := compilePatterns(patterns, log)
	return out
}

// systemAlerter is the minimal AlertSink surface the TriagePool needs to
// report operational problems (worker restart budget exhaustion) as
// SeraphSystemEvent alerts, independent of any one triage decision.
type systemAlerter interface {
	SendSystemAlert(ctx context.Context, source, eventType, details string) error
}

// Pool runs N workers pulling LogRecords from in and emitting
// TriageDecisions to out, modeled on MasterAgent.worker's
// goroutine-per-worker shape generalized from batch grouping to
// single-record classification.
type Pool struct {
	in      <-chan seraph.LogRecord
	out     chan<- seraph.TriageDecision
	model   model.Model
	cache   cache.Cache
	workers int
	log     zerolog.Logger
	alerts  systemAlerter
	metrics *metrics.Metrics

	// preFilters are operator-configured regexes (spec §6) that drop a
	// log before it ever reaches a worker's classify pipeline.
	preFilters []*regexp.Regexp
	routine    []*regexp.Regexp
}

// New builds a TriagePool of the given worker count. preFilterPatterns are
// compiled with compilePatterns, which logs and skips (rather than fails
// the whole pool) any pattern that does not compile.
func New(in <-chan seraph.LogRecord, out chan<- seraph.TriageDecision, m model.Model, c cache.Cache, preFilterPatterns []string, workers int, alerts systemAlerter, mx *metrics.Metrics, log zerolog.Logger) *Pool {
	plog := log.With().Str("component", "triage").Logger()
	preFilters, _ := compilePatterns(preFilterPatterns, plog)

	return &Pool{
		in:         in,
		out:        out,
		model:      m,
		cache:      c,
		workers:    workers,
		log:        plog,
		alerts:     alerts,
		metrics:    mx,
		preFilters: preFilters,
		routine:    routinePatterns,
	}
}

// compilePatterns compiles each pattern, skipping (and logging) any that
// fails to compile or that exceeds a sane length, rather than letting one
// operator typo take down the whole pre-filter set (spec §6).
func compilePatterns(patterns []string, log zerolog.Logger) ([]*regexp.Regexp, error) {
	const maxPatternLen = 512
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		if len(p) > maxPatternLen {
			log.Warn().Str("pattern", p[:32]+"...").Msg("preFilter pattern too long, skipping")
			continue
		}
		re, err := regexp.Compile(p)
		if err != nil {
			log.Warn().Err(err).Str("pattern", p).Msg("preFilter pattern failed to compile, skipping")
			continue
		}
		out = append(out, re)
	}
	return out, nil
}

// Run starts the supervised worker pool and blocks until ctx is canceled.
// Each worker that panics is restarted after a 5s delay; on its 5th failure
// without a clean exit in between it is not restarted again (so at most 4
// restarts). A clean exit does not count against that budget.
func (p *Pool) Run(ctx context.Context) {
	for i := 0; i < p.workers; i++ {
		go p.supervise(ctx, i)
	}
	<-ctx.Done()
}

func (p *Pool) supervise(ctx context.Context, id int) {
	attempts := 0
	for {
		if ctx.Err() != nil {
			return
		}
		err := p.runWorker(ctx, id)
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			attempts = 0
			continue
		}
		attempts++
		p.log.Warn().Err(err).Int("worker", id).Int("attempt", attempts).Msg("triage worker exited, restarting")
		if attempts >= 5 {
			p.log.Error().Int("worker", id).Msg("triage worker exceeded restart budget, giving up")
			if p.alerts != nil {
				p.alerts.SendSystemAlert(context.Background(), "triage_pool", "worker_restart_budget_exceeded",
					fmt.Sprintf("worker %d exceeded its restart budget: %v", id, err))
			}
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(5 * time.Second):
		}
	}
}

func (p *Pool) runWorker(ctx context.Context, id int) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case rec, ok := <-p.in:
			if !ok {
				return nil
			}
			if p.preFiltered(rec) {
				if p.metrics != nil {
					p.metrics.LogsDroppedTotal.WithLabelValues("prefilter").Inc()
				}
				continue
			}
			decision := p.classify(ctx, rec)
			if p.metrics != nil {
				verdict := "ok"
				if decision.IsAlert {
					verdict = "alert"
				}
				p.metrics.TriageDecisionsTotal.WithLabelValues(verdict).Inc()
			}
			select {
			case p.out <- decision:
			case <-ctx.Done():
				return nil
			}
		}
	}
}

// preFiltered reports whether rec matches any operator-configured
// pre-filter (spec §6 step 7): a cheap first line of defense applied
// before a log line ever occupies a triage worker.
func (p *Pool) preFiltered(rec seraph.LogRecord) bool {
	for _, re := range p.preFilters {
		if re.MatchString(rec.Message) {
			return true
		}
	}
	return false
}

// classify implements spec §4.2's seven-step pipeline: oversize check,
// JSON-envelope extraction, routine-pattern drop, truncation, a
// ResponseCache-preferred Model call against the log_triage tool schema,
// and preference-ordered response interpretation.
func (p *Pool) classify(ctx context.Context, rec seraph.LogRecord) seraph.TriageDecision {
	base := seraph.TriageDecision{RecordID: rec.ID}

	// Step 1: oversize check.
	if len(rec.Message) > maxRecordBytes {
		base.DedupKey = DedupKey("oversize record")
		base.Reason = "record exceeds max size"
		base.Log = rec.Message[:classifyTruncateLen]
		return base
	}

	// Step 2: JSON-envelope extraction.
	text := extractEnvelope(rec)

	// Step 3: routine-pattern drop.
	for _, re := range p.routine {
		if re.MatchString(text) {
			base.IsAlert = false
			base.Reason = "matches routine pattern"
			base.Log = text
			base.DedupKey = DedupKey(base.Reason)
			return base
		}
	}

	// Step 4: truncate.
	if len(text) > classifyTruncateLen {
		text = text[:classifyTruncateLen]
	}
	base.Log = text

	v := p.generateVerdict(ctx, text)

	base.IsAlert = v.isAlert()
	base.Reason = v.Reason
	base.DedupKey = DedupKey(v.Reason)
	return base
}

// generateVerdict performs step 5 (ResponseCache-preferred Model call) and
// step 6 (preference-ordered interpretation) of the classify pipeline.
func (p *Pool) generateVerdict(ctx context.Context, text string) verdict {
	hash := cache.HashText(text)
	embedding := cache.Embed(text, embedDims)

	if p.cache != nil {
		if hit, ok, err := p.cache.Lookup(ctx, hash, embedding); err == nil && ok {
			if p.metrics != nil {
				p.metrics.CacheHitsTotal.Inc()
			}
			if v, err := parseVerdict(hit.Response); err == nil {
				return v
			}
		} else if p.metrics != nil {
			p.metrics.CacheMissesTotal.Inc()
		}
	}

	start := time.Now()
	result, err := p.model.Generate(ctx, systemPrompt, []model.Message{
		{Role: "user", Content: text},
	}, []model.ToolSpec{logTriageTool})
	if p.metrics != nil {
		outcome := "ok"
		if err != nil {
			outcome = "error"
		}
		p.metrics.ModelCallsTotal.WithLabelValues(outcome).Inc()
		p.metrics.ModelCallDuration.Observe(time.Since(start).Seconds())
	}

	if err != nil {
		p.log.Warn().Err(err).Msg("triage model call failed, failing open to alert")
		return verdict{Decision: "alert", Reason: "triage model unavailable: " + err.Error()}
	}

	v := interpretResult(result, text)

	if p.cache != nil {
		if payload, err := json.Marshal(v); err == nil {
			p.cache.Store(ctx, cache.Entry{
				Key: hash, Hash: hash, Response: string(payload),
				Embedding: embedding, StoredAt: time.Now(),
			}, time.Hour)
		}
	}
	return v
}

// interpretResult applies spec §4.2 step 6's preference order: a
// log_triage tool call first, then a text verdict matching the same JSON
// shape, then a legacy keyword scan, defaulting to "ok" if nothing
// matches.
func interpretResult(result seraph.GenerateResult, text string) verdict {
	for _, tc := range result.ToolCalls {
		if tc.Name != "log_triage" {
			continue
		}
		decision, _ := tc.Arguments["decision"].(string)
		reason, _ := tc.Arguments["reason"].(string)
		if decision != "" {
			return verdict{Decision: decision, Reason: reason}
		}
	}

	if v, err := parseVerdict(result.Text); err == nil && v.Decision != "" {
		return v
	}

	if legacyKeywordAlert(text) {
		return verdict{Decision: "alert", Reason: "legacy keyword match"}
	}

	return verdict{Decision: "ok", Reason: "no alert signal found"}
}

var legacyKeywords = []string{"panic", "fatal", "error", "exception", "crash", "oom"}

func legacyKeywordAlert(text string) bool {
	lower := strings.ToLower(text)
	for _, kw := range legacyKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

// extractEnvelope implements spec §4.2 step 2: many log shippers wrap the
// real message in a JSON envelope (Docker's json-log driver uses "log",
// systemd/journald exports use "MESSAGE"); unwrap one if present, else use
// the record verbatim.
func extractEnvelope(rec seraph.LogRecord) string {
	if rec.Raw != nil {
		if v, ok := rec.Raw["log"].(string); ok && v != "" {
			return strings.TrimRight(v, "\n")
		}
		if v, ok := rec.Raw["MESSAGE"].(string); ok && v != "" {
			return v
		}
	}

	trimmed := strings.TrimSpace(rec.Message)
	if strings.HasPrefix(trimmed, "{") {
		var envelope map[string]any
		if err := json.Unmarshal([]byte(trimmed), &envelope); err == nil {
			if v, ok := envelope["log"].(string); ok && v != "" {
				return strings.TrimRight(v, "\n")
			}
			if v, ok := envelope["MESSAGE"].(string); ok && v != "" {
				return v
			}
		}
	}
	return rec.Message
}

// NormalizeReason canonicalizes a triage reason into a stable signature
// for dedup and historical-frequency tracking: a handful of known
// high-volume phrasings collapse to a fixed token first, then generic
// lowercase/digit/whitespace normalization runs over whatever remains.
func NormalizeReason(reason string) string {
	lower := strings.ToLower(strings.TrimSpace(reason))

	for _, rule := range normalizationRules {
		if rule.pattern.MatchString(lower) {
			return rule.canonical
		}
	}

	var b strings.Builder
	prevDigit := false
	prevSpace := false
	for _, r := range lower {
		switch {
		case r >= '0' && r <= '9':
			if !prevDigit {
				b.WriteByte('N')
			}
			prevDigit = true
			prevSpace = false
		case r == ' ' || r == '\t' || r == '\n':
			if !prevSpace && b.Len() > 0 {
				b.WriteByte('_')
			}
			prevSpace = true
			prevDigit = false
		default:
			b.WriteRune(r)
			prevDigit = false
			prevSpace = false
		}
	}
	return strings.Trim(b.String(), "_")
}

type normalizationRule struct {
	pattern   *regexp.Regexp
	canonical string
}

var normalizationRules = []normalizationRule{
	{regexp.MustCompile(`domain name.*not found|no such host`), "domain_name_not_found"},
	{regexp.MustCompile(`connection refused`), "connection_refused"},
	{regexp.MustCompile(`context deadline exceeded|i/o timeout`), "timeout"},
	{regexp.MustCompile(`out of memory|oomkilled`), "out_of_memory"},
	{regexp.MustCompile(`permission denied`), "permission_denied"},
}

// DedupKey derives a stable key for grouping repeated occurrences of the
// same underlying problem from the normalized triage reason (spec §4.3
// step 1), not the raw log message: two differently worded log lines that
// describe the same problem still collapse together.
func DedupKey(reason string) string {
	h := sha256.Sum256([]byte(NormalizeReason(reason)))
	return hex.EncodeToString(h[:8])
}

// parseVerdict tolerates three response shapes, grounded on
// internal/masteragent/triage.go's extractJSON: a ```json fenced block, a
// plain ``` fenced block, or a brace-balanced substring.
func parseVerdict(text string) (verdict, error) {
	candidate := extractJSON(text)
	var v verdict
	if err := json.Unmarshal([]byte(candidate), &v); err != nil {
		return verdict{}, fmt.Errorf("unmarshal triage verdict: %w", err)
	}
	return v, nil
}

func extractJSON(text string) string {
	if start := strings.Index(text, "```json"); start != -1 {
		start += len("```json")
		if end := strings.Index(text[start:], "```"); end != -1 {
			return strings.TrimSpace(text[start : start+end])
		}
	}
	if start := strings.Index(text, "```"); start != -1 {
		start += len("```")
		if end := strings.Index(text[start:], "```"); end != -1 {
			return strings.TrimSpace(text[start : start+end])
		}
	}
	if start := strings.Index(text, "{"); start != -1 {
		if end := strings.LastIndex(text, "}"); end != -1 && end > start {
			return text[start : end+1]
		}
	}
	return strings.TrimSpace(text)
}
