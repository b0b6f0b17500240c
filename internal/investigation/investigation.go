// Package investigation implements the InvestigationPool (C12): a bounded
// supervised worker pool that runs a ReAct-style tool-calling loop against
// the Model capability to produce a Report for each assigned Alert.
package investigation

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/seraph-dev/seraph/internal/cache"
	"github.com/seraph-dev/seraph/internal/metrics"
	"github.com/seraph-dev/seraph/internal/model"
	"github.com/seraph-dev/seraph/internal/toolregistry"
	"github.com/seraph-dev/seraph/pkg/seraph"
)

// MaxTurns bounds the ReAct loop so a confused model cannot spin forever
// (spec §4.7).
const MaxTurns = 5

// Timeout is the overall investigation deadline, reset on every tool call
// that makes forward progress (spec §5).
const Timeout = 5 * time.Minute

// toolTimeout bounds a single tool execution (spec §5).
const toolTimeout = 10 * time.Second

// embedDims sizes the ResponseCache similarity embedding used for per-turn
// Model-call caching, matching internal/triage's embedDims.
const embedDims = 64

const systemPrompt = `You are the investigation stage of an SRE agent. You have been assigned
an alert. Use the available tools to gather evidence, then produce a final JSON verdict:
{"root_cause": string, "confidence": number between 0 and 1, "summary": string, "alert": bool}
You have a limited number of turns. Call at most one tool per turn.`

// Save is the persistence hook the Pool calls once a Report is finished;
// in production it is agent.Manager's finishInvestigation, which stores
// the Report through internal/reportstore.Store, and a fake in tests.
type Save func(ctx context.Context, report seraph.Report) error

// Notify reports a finished investigation's dedup key back to the
// Scheduler so it can release the running-set entry.
type Notify func(dedupKey string)

// systemAlerter is the minimal AlertSink surface the InvestigationPool needs
// to report operational problems (worker crashes, investigation timeouts)
// as SeraphSystemEvent alerts, independent of any one investigation's
// outcome.
type systemAlerter interface {
	SendSystemAlert(ctx context.Context, source, eventType, details string) error
}

// Pool runs `workers` goroutines pulling Alerts from in and producing
// Reports, grounded on the same worker-per-goroutine shape as
// internal/triage.Pool, extended with the bounded ReAct loop.
type Pool struct {
	in      <-chan seraph.Alert
	model   model.Model
	tools   *toolregistry.Registry
	cache   cache.Cache
	save    Save
	notify  Notify
	alerts  systemAlerter
	workers int
	metrics *metrics.Metrics
	log     zerolog.Logger

	mu        sync.Mutex
	activeKey map[string]context.CancelFunc
}

// New builds an InvestigationPool.
func New(in <-chan seraph.Alert, m model.Model, tools *toolregistry.Registry, c cache.Cache, save Save, notify Notify, workers int, alerts systemAlerter, mx *metrics.Metrics, log zerolog.Logger) *Pool {
	return &Pool{
		in:        in,
		model:     m,
		tools:     tools,
		cache:     c,
		save:      save,
		notify:    notify,
		alerts:    alerts,
		workers:   workers,
		metrics:   mx,
		log:       log.With().Str("component", "investigation").Logger(),
		activeKey: make(map[string]context.CancelFunc),
	}
}

// Run starts the supervised pool and blocks until ctx is canceled.
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
		p.log.Warn().Err(err).Int("worker", id).Int("attempt", attempts).Msg("investigation worker exited, restarting")
		if p.metrics != nil {
			p.metrics.WorkerRestartsTotal.WithLabelValues("investigation").Inc()
		}
		if attempts >= 5 {
			p.log.Error().Int("worker", id).Msg("investigation worker exceeded restart budget, giving up")
			if p.alerts != nil {
				p.alerts.SendSystemAlert(context.Background(), "investigation_pool", "worker_restart_budget_exceeded",
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
		case alert, ok := <-p.in:
			if !ok {
				return nil
			}
			p.investigate(ctx, alert)
		}
	}
}

// Cancel implements the scheduler.canceller interface: it preempts the
// running investigation for dedupKey, if any, by canceling its context. The
// run loop observes context.Canceled and marks the resulting Report
// Preempted rather than TimedOut.
func (p *Pool) Cancel(dedupKey string) bool {
	p.mu.Lock()
	cancel, ok := p.activeKey[dedupKey]
	p.mu.Unlock()
	if !ok {
		return false
	}
	cancel()
	return true
}

func (p *Pool) register(dedupKey string, cancel context.CancelFunc) {
	p.mu.Lock()
	p.activeKey[dedupKey] = cancel
	p.mu.Unlock()
}

func (p *Pool) unregister(dedupKey string) {
	p.mu.Lock()
	delete(p.activeKey, dedupKey)
	p.mu.Unlock()
}

func (p *Pool) investigate(ctx context.Context, alert seraph.Alert) {
	if p.metrics != nil {
		p.metrics.InvestigationsStarted.Inc()
	}
	start := time.Now()

	if cached, ok := p.tryCache(ctx, alert); ok {
		p.finish(ctx, alert, cached)
		if p.metrics != nil {
			p.metrics.InvestigationsFinished.WithLabelValues("cache_hit").Inc()
		}
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	p.register(alert.DedupKey, cancel)
	report := p.run(runCtx, alert, start)
	p.unregister(alert.DedupKey)
	cancel()

	p.finish(ctx, alert, report)

	if p.metrics != nil {
		outcome := "completed"
		switch {
		case report.TimedOut:
			outcome = "timed_out"
		case report.Preempted:
			outcome = "preempted"
		}
		p.metrics.InvestigationsFinished.WithLabelValues(outcome).Inc()
		p.metrics.InvestigationDuration.Observe(time.Since(start).Seconds())
	}

	if report.TimedOut && p.alerts != nil {
		p.alerts.SendSystemAlert(ctx, "investigation_pool", "investigation_timeout",
			fmt.Sprintf("investigation %s for dedup key %s exceeded its %s deadline", report.ID, alert.DedupKey, Timeout))
	}
}

func (p *Pool) tryCache(ctx context.Context, alert seraph.Alert) (seraph.Report, bool) {
	if p.cache == nil {
		return seraph.Report{}, false
	}
	hash := cache.HashText(alert.Summary)
	embedding := cache.Embed(alert.Summary, 256)
	entry, ok, err := p.cache.Lookup(ctx, hash, embedding)
	if err != nil || !ok {
		if p.metrics != nil {
			p.metrics.CacheMissesTotal.Inc()
		}
		return seraph.Report{}, false
	}
	if p.metrics != nil {
		p.metrics.CacheHitsTotal.Inc()
	}
	return seraph.Report{
		ID:         uuid.NewString(),
		AlertID:    alert.ID,
		DedupKey:   alert.DedupKey,
		Summary:    entry.Response,
		IncidentID: alert.Metadata["incidentId"],
		StartedAt:  time.Now(),
		FinishedAt: time.Now(),
	}, true
}

// run executes the bounded ReAct loop: at each turn the Model may either
// respond with a final verdict or request tool calls, whose results are
// appended to the conversation for the next turn. A tool call that
// completes resets the overall deadline (spec §5). ctx is already scoped to
// this one investigation, so a Cancel() call from the Scheduler surfaces
// here as context.Canceled, distinct from Timeout's DeadlineExceeded.
func (p *Pool) run(ctx context.Context, alert seraph.Alert, start time.Time) seraph.Report {
	deadline := start.Add(Timeout)
	investCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	messages := []model.Message{
		{Role: "user", Content: buildPrompt(alert)},
	}

	report := seraph.Report{
		ID:         uuid.NewString(),
		AlertID:    alert.ID,
		DedupKey:   alert.DedupKey,
		IncidentID: alert.Metadata["incidentId"],
		StartedAt:  start,
	}

	var tools []model.ToolSpec
	if p.tools != nil {
		tools = p.tools.Specs(investCtx)
	}

	for turn := 1; turn <= MaxTurns; turn++ {
		if err := investCtx.Err(); err != nil {
			markAborted(&report, err)
			break
		}

		result, err := p.generate(investCtx, messages, tools)
		if err != nil {
			if ctxErr := investCtx.Err(); ctxErr != nil {
				markAborted(&report, ctxErr)
			} else {
				report.Summary = "investigation aborted: model error: " + err.Error()
			}
			break
		}

		if len(result.ToolCalls) == 0 {
			report.Turns = append(report.Turns, seraph.InvestigationTurn{Turn: turn, Thought: result.Text})
			applyVerdict(&report, result.Text)
			break
		}

		turnRecord := seraph.InvestigationTurn{Turn: turn, ToolCalls: result.ToolCalls}
		messages = append(messages, model.Message{Role: "assistant", ToolCalls: result.ToolCalls})

		for _, call := range result.ToolCalls {
			toolCtx, toolCancel := context.WithTimeout(investCtx, toolTimeout)
			toolResult := p.executeTool(toolCtx, call)
			toolCancel()

			turnRecord.Results = append(turnRecord.Results, toolResult)
			messages = append(messages, model.Message{
				Role:       "tool",
				Content:    toolResult.Content,
				ToolCallID: call.ID,
			})

			if p.metrics != nil {
				outcome := "ok"
				if toolResult.IsError {
					outcome = "error"
				}
				p.metrics.ToolCallsTotal.WithLabelValues(call.Name, outcome).Inc()
			}
		}

		report.Turns = append(report.Turns, turnRecord)
		// A completed tool call resets the deadline.
		deadline = time.Now().Add(Timeout)
		investCtx, cancel = context.WithDeadline(ctx, deadline)
	}

	report.FinishedAt = time.Now()
	if report.Summary == "" && len(report.Turns) == MaxTurns {
		report.Summary = "investigation exhausted its turn budget without a final verdict"
	}
	return report
}

// markAborted records why the loop stopped early: a Scheduler preemption
// (context.Canceled) is distinct from the investigation simply running out
// of time (context.DeadlineExceeded).
func markAborted(report *seraph.Report, err error) {
	switch err {
	case context.Canceled:
		report.Preempted = true
	case context.DeadlineExceeded:
		report.TimedOut = true
	default:
		report.TimedOut = true
	}
}

// generate wraps a single Model.Generate call with ResponseCache lookup/
// store keyed on the latest message content, so a repeated tool-result
// prompt within an investigation (or across near-duplicate investigations)
// does not re-invoke the LLM, mirroring internal/triage.generateVerdict's
// cache-preferred call shape.
func (p *Pool) generate(ctx context.Context, messages []model.Message, tools []model.ToolSpec) (seraph.GenerateResult, error) {
	prompt := lastContent(messages)

	var hash string
	var embedding []float64
	if p.cache != nil && prompt != "" {
		hash = cache.HashText(prompt)
		embedding = cache.Embed(prompt, embedDims)
		if hit, ok, err := p.cache.Lookup(ctx, hash, embedding); err == nil && ok {
			var cached seraph.GenerateResult
			if err := json.Unmarshal([]byte(hit.Response), &cached); err == nil {
				if p.metrics != nil {
					p.metrics.CacheHitsTotal.Inc()
				}
				return cached, nil
			}
		} else if p.metrics != nil {
			p.metrics.CacheMissesTotal.Inc()
		}
	}

	start := time.Now()
	result, err := p.model.Generate(ctx, systemPrompt, messages, tools)
	if p.metrics != nil {
		outcome := "ok"
		if err != nil {
			outcome = "error"
		}
		p.metrics.ModelCallsTotal.WithLabelValues(outcome).Inc()
		p.metrics.ModelCallDuration.Observe(time.Since(start).Seconds())
	}
	if err != nil {
		return result, err
	}

	if p.cache != nil && hash != "" {
		if payload, err := json.Marshal(result); err == nil {
			_ = p.cache.Store(ctx, cache.Entry{
				Key: hash, Hash: hash, Response: string(payload),
				Embedding: embedding, StoredAt: time.Now(),
			}, time.Hour)
		}
	}
	return result, nil
}

func lastContent(messages []model.Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Content != "" {
			return messages[i].Content
		}
	}
	return ""
}

func (p *Pool) executeTool(ctx context.Context, call seraph.ToolCall) seraph.ToolResult {
	if p.tools == nil {
		return seraph.ToolResult{CallID: call.ID, IsError: true, Content: "no tool registry configured"}
	}
	return p.tools.Call(ctx, call)
}

func (p *Pool) finish(ctx context.Context, alert seraph.Alert, report seraph.Report) {
	if p.save != nil {
		if err := p.save(ctx, report); err != nil {
			p.log.Error().Err(err).Str("reportId", report.ID).Msg("failed to persist report")
		}
	}
	if p.cache != nil && report.Summary != "" {
		hash := cache.HashText(alert.Summary)
		embedding := cache.Embed(alert.Summary, 256)
		_ = p.cache.Store(ctx, cache.Entry{
			Key: report.DedupKey, Hash: hash, Response: report.Summary,
			Embedding: embedding, StoredAt: time.Now(),
		}, time.Hour)

		sessionKey := alert.SessionID
		if sessionKey == "" {
			sessionKey = alert.DedupKey
		}
		_ = p.cache.SetSession(ctx, sessionKey, "lastReportId", report.ID, time.Hour)
	}
	if p.notify != nil {
		p.notify(report.DedupKey)
	}
}

func buildPrompt(alert seraph.Alert) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Investigate this alert:\nSource: %s\nSummary: %s\nOccurrences: %d\n", alert.Source, alert.Summary, alert.Count)
	for _, rec := range alert.Records {
		fmt.Fprintf(&b, "- %s\n", rec.Message)
	}
	return b.String()
}

func applyVerdict(report *seraph.Report, text string) {
	v, err := parseFinalVerdict(text)
	if err != nil {
		report.Summary = text
		return
	}
	report.RootCause = v.RootCause
	report.Confidence = v.Confidence
	report.Summary = v.Summary
	report.AlertFired = v.Alert
}
