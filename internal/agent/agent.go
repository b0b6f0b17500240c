// Package agent is the orchestration root: it owns the recent-logs ring
// buffer, wires the TriagePool, Scheduler, and InvestigationPool together
// over channels, and exposes the status accessors the Ingress surface
// needs. Grounded on internal/masteragent.MasterAgent as the thing that
// owns cross-cutting state (here: a bounded ring buffer instead of a world
// state summary, mutex-guarded the same way as WorldState).
package agent

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/seraph-dev/seraph/internal/alertsink"
	"github.com/seraph-dev/seraph/internal/cache"
	"github.com/seraph-dev/seraph/internal/investigation"
	"github.com/seraph-dev/seraph/internal/metrics"
	"github.com/seraph-dev/seraph/internal/model"
	"github.com/seraph-dev/seraph/internal/priority"
	"github.com/seraph-dev/seraph/internal/reportstore"
	"github.com/seraph-dev/seraph/internal/scheduler"
	"github.com/seraph-dev/seraph/internal/toolregistry"
	"github.com/seraph-dev/seraph/internal/triage"
	"github.com/seraph-dev/seraph/pkg/seraph"
)

// ringBuffer is a bounded, thread-safe log history for /chat context and the
// local socket's get_logs command.
type ringBuffer struct {
	mu   sync.RWMutex
	buf  []seraph.LogRecord
	next int
	size int
}

func newRingBuffer(capacity int) *ringBuffer {
	return &ringBuffer{buf: make([]seraph.LogRecord, capacity)}
}

func (r *ringBuffer) Add(rec seraph.LogRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buf[r.next] = rec
	r.next = (r.next + 1) % len(r.buf)
	if r.size < len(r.buf) {
		r.size++
	}
}

func (r *ringBuffer) Snapshot() []seraph.LogRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]seraph.LogRecord, 0, r.size)
	start := (r.next - r.size + len(r.buf)) % len(r.buf)
	for i := 0; i < r.size; i++ {
		out = append(out, r.buf[(start+i)%len(r.buf)])
	}
	return out
}

// Config bundles the worker counts, buffer sizing, and Scheduler tunables
// the Manager needs.
type Config struct {
	TriageWorkers        int
	InvestigationWorkers int
	RecentLogsCapacity   int
	// PreFilters are operator-configured regexes (spec §6) the TriagePool
	// drops a log against before it ever reaches a worker's classify
	// pipeline.
	PreFilters []string
	Scheduler  scheduler.Config
}

// Deps are the already-constructed collaborators the Manager wires
// together; cmd/seraph builds each of these from Config and hands them in.
type Deps struct {
	Model      model.Model
	Tools      *toolregistry.Registry
	Cache      cache.Cache
	Store      *reportstore.Store
	Sink       *alertsink.Sink
	Metrics    *metrics.Metrics
	Calculator *priority.Calculator
}

// Manager is the orchestration root: Ingress feeds it LogRecords, it feeds
// TriagePool, TriagePool's alerts feed the Scheduler, the Scheduler feeds
// InvestigationPool, and InvestigationPool's reports reach ReportStore and
// AlertSink.
type Manager struct {
	cfg  Config
	deps Deps

	recent *ringBuffer

	logsIn    chan seraph.LogRecord
	triagedIn chan seraph.Alert
	assign    chan seraph.Alert
	done      chan string

	triagePool        *triage.Pool
	scheduler         *scheduler.Scheduler
	investigationPool *investigation.Pool

	log zerolog.Logger
}

// New wires every component together and starts only the goroutine that
// bridges triage decisions to the Scheduler; call Run to start the pools
// and the Scheduler.
func New(cfg Config, deps Deps, log zerolog.Logger) *Manager {
	if cfg.RecentLogsCapacity <= 0 {
		cfg.RecentLogsCapacity = 500
	}
	if cfg.TriageWorkers <= 0 {
		cfg.TriageWorkers = 1
	}
	if cfg.InvestigationWorkers <= 0 {
		cfg.InvestigationWorkers = 1
	}

	mgr := &Manager{
		cfg:       cfg,
		deps:      deps,
		recent:    newRingBuffer(cfg.RecentLogsCapacity),
		logsIn:    make(chan seraph.LogRecord, 256),
		triagedIn: make(chan seraph.Alert, 256),
		assign:    make(chan seraph.Alert, cfg.InvestigationWorkers*2),
		done:      make(chan string, cfg.InvestigationWorkers*2),
		log:       log.With().Str("component", "agent").Logger(),
	}

	decisions := make(chan seraph.TriageDecision, 256)
	mgr.triagePool = triage.New(mgr.logsIn, decisions, deps.Model, deps.Cache, cfg.PreFilters, cfg.TriageWorkers, deps.Sink, deps.Metrics, log)

	save := investigation.Save(func(ctx context.Context, report seraph.Report) error {
		return mgr.finishInvestigation(ctx, report)
	})
	notify := investigation.Notify(func(dedupKey string) {
		mgr.done <- dedupKey
	})
	// investigationPool is built before the Scheduler so its Cancel method
	// can be wired in as the Scheduler's preemption canceller.
	mgr.investigationPool = investigation.New(mgr.assign, deps.Model, deps.Tools, deps.Cache, save, notify, cfg.InvestigationWorkers, deps.Sink, deps.Metrics, log)

	cfg.Scheduler.Calculator = deps.Calculator
	cfg.Scheduler.Cache = deps.Cache
	cfg.Scheduler.Investigations = mgr.investigationPool
	mgr.scheduler = scheduler.New(mgr.triagedIn, mgr.assign, mgr.done, cfg.Scheduler, deps.Metrics, log)

	go mgr.bridgeDecisions(decisions)

	return mgr
}

// finishInvestigation persists the report and, when the investigation
// concluded the underlying problem is real, completes the two-phase alert
// with the enriched analysis; otherwise it resolves any alert opened for
// the same dedup key as a false positive.
func (m *Manager) finishInvestigation(ctx context.Context, report seraph.Report) error {
	if m.deps.Store != nil {
		if err := m.deps.Store.Save(ctx, report); err != nil {
			m.log.Error().Err(err).Str("reportId", report.ID).Msg("failed to persist report")
		}
	}

	if m.deps.Sink == nil {
		return nil
	}
	if report.AlertFired {
		return m.deps.Sink.SendEnrichedAnalysis(ctx, report.IncidentID, report.DedupKey, report.Summary, report.ID, toolUsage(report))
	}
	return m.deps.Sink.Resolve(ctx, report.DedupKey)
}

// toolUsage flattens a Report's turns into the outcome summary
// SendEnrichedAnalysis attaches to the alert.
func toolUsage(report seraph.Report) []seraph.ToolUsage {
	var usage []seraph.ToolUsage
	for _, turn := range report.Turns {
		names := make(map[string]string, len(turn.ToolCalls))
		for _, call := range turn.ToolCalls {
			names[call.ID] = call.Name
		}
		for _, result := range turn.Results {
			outcome := "ok"
			if result.IsError {
				outcome = "error"
			}
			usage = append(usage, seraph.ToolUsage{Tool: names[result.CallID], Outcome: outcome})
		}
	}
	return usage
}

// bridgeDecisions converts TriageDecisions that are alerts into Alerts fed
// to the Scheduler: it scores each one with the PriorityCalculator (spec
// §4.5) and opens the AlertSink's initial (phase one) alert before handing
// the Alert off, carrying the incident ID forward in its metadata so
// finishInvestigation can correlate phase two against it.
func (m *Manager) bridgeDecisions(decisions <-chan seraph.TriageDecision) {
	for d := range decisions {
		if !d.IsAlert {
			continue
		}

		result := m.deps.Calculator.Score(d.Log, d.Reason, nil, time.Now())

		var incidentID string
		if m.deps.Sink != nil {
			var err error
			incidentID, err = m.deps.Sink.SendInitialAlert(context.Background(), d.DedupKey, d.Log, d.Reason)
			if err != nil {
				m.log.Error().Err(err).Str("dedupKey", d.DedupKey).Msg("failed to send initial alert")
			}
		}

		m.triagedIn <- seraph.Alert{
			ID:       uuid.NewString(),
			DedupKey: d.DedupKey,
			Priority: result.Priority,
			Score:    result.Score,
			Reason:   d.Reason,
			Summary:  d.Reason,
			Metadata: map[string]string{"incidentId": incidentID},
		}
	}
}

// IngestLog feeds a single log record to the triage pipeline and records it
// in the recent-logs ring. A full triage mailbox reports back false so the
// caller (Ingress) can surface backpressure instead of blocking.
func (m *Manager) IngestLog(rec seraph.LogRecord) bool {
	m.recent.Add(rec)
	select {
	case m.logsIn <- rec:
		return true
	default:
		return false
	}
}

// Run starts every worker pool and the Scheduler, blocking until ctx is
// canceled.
func (m *Manager) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(3)

	go func() {
		defer wg.Done()
		m.triagePool.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		m.scheduler.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		m.investigationPool.Run(ctx)
	}()

	wg.Wait()
}

// --- internal/ingress.StatusProvider implementation ---

func (m *Manager) QueueDepth() int { return m.scheduler.QueueDepth() }

func (m *Manager) BurstMode() bool { return m.scheduler.BurstMode() }

func (m *Manager) TriageWorkers() int { return m.cfg.TriageWorkers }

func (m *Manager) InvestigationWorkers() int { return m.cfg.InvestigationWorkers }

func (m *Manager) RecentLogs() []seraph.LogRecord { return m.recent.Snapshot() }

func (m *Manager) ModelState() string {
	if m.deps.Model == nil {
		return "unknown"
	}
	return m.deps.Model.CircuitBreakerState()
}

// Chat answers a /chat request by invoking the Model directly with recent
// log context appended, per spec §4.1.
func (m *Manager) Chat(ctx context.Context, message string, recent []seraph.LogRecord) (string, error) {
	prompt := message
	if len(recent) > 0 {
		prompt += "\n\nRecent log context:\n"
		limit := len(recent)
		if limit > 20 {
			limit = 20
		}
		for _, rec := range recent[len(recent)-limit:] {
			prompt += "- " + rec.Message + "\n"
		}
	}

	result, err := m.deps.Model.Generate(ctx, "You are a helpful SRE assistant answering an operator's question.", []model.Message{
		{Role: "user", Content: prompt},
	}, nil)
	if err != nil {
		return "", err
	}
	return result.Text, nil
}
