// Package scheduler implements the Scheduler (C11): the single-threaded
// dispatcher that owns dedup, prioritization, burst-mode detection, and
// preemptive admission for every Alert flowing from the TriagePool to the
// InvestigationPool. Grounded on internal/masteragent/agent.go's batchLoop
// idiom — one goroutine owns all mutable state, driven by a select over
// multiple channels plus a ticker — generalized from batch windowing to
// the full admission pipeline of spec §4.3: dedup, burst detection,
// preemption, capacity-gated admission, and overflow eviction.
package scheduler

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/seraph-dev/seraph/internal/cache"
	"github.com/seraph-dev/seraph/internal/metrics"
	"github.com/seraph-dev/seraph/internal/priority"
	"github.com/seraph-dev/seraph/pkg/seraph"
)

// canceller is the minimal investigation.Pool surface the Scheduler needs
// to preempt a running investigation.
type canceller interface {
	Cancel(dedupKey string) bool
}

// dedupEntry is one normalized-reason's collapse window (spec §4.3 step
// 1): repeats of the same problem merge into alert until expiresAt, after
// which the next occurrence starts a fresh investigation.
type dedupEntry struct {
	alert     seraph.Alert
	expiresAt time.Time
}

// runningEntry tracks one investigation in flight, enough to rank it
// against an incoming alert for preemption (spec §4.3 step 4).
type runningEntry struct {
	alert     seraph.Alert
	startedAt time.Time
}

// Scheduler owns the priority queue, the dedup table, and the set of
// investigations currently running, all confined to its single goroutine —
// no locks are needed for this state because nothing outside Run ever
// touches it directly.
type Scheduler struct {
	in     <-chan seraph.Alert
	assign chan<- seraph.Alert
	done   <-chan string // dedup keys of investigations that finished

	queue   *priority.Queue
	running map[string]runningEntry
	dedup   map[string]dedupEntry

	agingInterval  time.Duration
	burstThreshold int
	burstWindow    time.Duration
	burstMaxDur    time.Duration
	burstActivatedAt time.Time
	burstActivation  seraph.Priority

	dedupWindow time.Duration

	maxConcurrency   int
	burstConcurrency int

	preemptionEnabled   bool
	preemptionThreshold int

	recentAdmits []time.Time
	burstMode    atomic.Bool

	calc          *priority.Calculator
	cache         cache.Cache
	investigations canceller

	metrics *metrics.Metrics
	log     zerolog.Logger
}

// Config bundles the tunables the Scheduler needs, sourced from
// Config.PriorityQueue (spec's Open Question (i): never hard-coded
// constants).
type Config struct {
	MaxQueueSize   int
	AgingInterval  time.Duration
	BurstThreshold int
	BurstWindow    time.Duration
	BurstMaxDuration        time.Duration
	BurstActivationPriority string

	DedupWindow time.Duration

	// MaxConcurrency is the InvestigationPool's normal worker count;
	// BurstConcurrency overrides it while burst mode is active (0 means
	// "derive 2x MaxConcurrency").
	MaxConcurrency   int
	BurstConcurrency int

	PreemptionEnabled   bool
	PreemptionThreshold int

	Calculator     *priority.Calculator
	Cache          cache.Cache
	Investigations canceller
}

// New builds a Scheduler. in receives newly triaged alerts; assign is the
// channel the InvestigationPool reads admitted alerts from; done reports
// dedup keys whose investigation has finished, releasing the running-set
// entry so a repeat occurrence can be re-admitted.
func New(in <-chan seraph.Alert, assign chan<- seraph.Alert, done <-chan string, cfg Config, m *metrics.Metrics, log zerolog.Logger) *Scheduler {
	calc := cfg.Calculator
	if calc == nil {
		calc = priority.DefaultCalculator()
	}

	dedupWindow := cfg.DedupWindow
	if dedupWindow <= 0 {
		dedupWindow = 5 * time.Minute
	}

	burstMaxDur := cfg.BurstMaxDuration
	if burstMaxDur <= 0 {
		burstMaxDur = 10 * time.Minute
	}

	maxConcurrency := cfg.MaxConcurrency
	if maxConcurrency <= 0 {
		maxConcurrency = 1 << 30 // effectively unbounded if unconfigured
	}
	burstConcurrency := cfg.BurstConcurrency
	if burstConcurrency <= 0 {
		burstConcurrency = maxConcurrency * 2
	}

	preemptionThreshold := cfg.PreemptionThreshold
	if preemptionThreshold <= 0 {
		preemptionThreshold = 2
	}

	return &Scheduler{
		in:               in,
		assign:           assign,
		done:             done,
		queue:            priority.NewQueue(cfg.MaxQueueSize),
		running:          make(map[string]runningEntry),
		dedup:            make(map[string]dedupEntry),
		agingInterval:    cfg.AgingInterval,
		burstThreshold:   cfg.BurstThreshold,
		burstWindow:      cfg.BurstWindow,
		burstMaxDur:      burstMaxDur,
		burstActivation:  seraph.ParsePriority(cfg.BurstActivationPriority),
		dedupWindow:      dedupWindow,
		maxConcurrency:   maxConcurrency,
		burstConcurrency: burstConcurrency,
		preemptionEnabled:   cfg.PreemptionEnabled,
		preemptionThreshold: preemptionThreshold,
		calc:             calc,
		cache:            cfg.Cache,
		investigations:   cfg.Investigations,
		metrics:          m,
		log:              log.With().Str("component", "scheduler").Logger(),
	}
}

// Run is the Scheduler's single goroutine. It must be invoked as a
// goroutine by the caller and runs until ctx is canceled.
func (s *Scheduler) Run(ctx context.Context) {
	agingTicker := time.NewTicker(s.agingInterval)
	defer agingTicker.Stop()

	drainTicker := time.NewTicker(50 * time.Millisecond)
	defer drainTicker.Stop()

	sweepTicker := time.NewTicker(30 * time.Second)
	defer sweepTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case alert, ok := <-s.in:
			if !ok {
				return
			}
			s.admit(alert)

		case dedupKey, ok := <-s.done:
			if !ok {
				return
			}
			s.finish(dedupKey)

		case <-agingTicker.C:
			s.queue.Rescore()

		case <-sweepTicker.C:
			s.sweepDedup(time.Now())

		case <-drainTicker.C:
			s.dispatch()
		}
	}
}

// finish releases a completed investigation's running-set entry and feeds
// the PriorityCalculator's and cache.Memory's historical-frequency trackers
// (spec §4.5: "updated by Scheduler on investigation completion").
func (s *Scheduler) finish(dedupKey string) {
	delete(s.running, dedupKey)

	entry, ok := s.dedup[dedupKey]
	if !ok {
		return
	}
	sig := priority.Signature(entry.alert.Metadata["service"], entry.alert.Reason)
	s.calc.RecordOccurrence(sig)
	if s.cache != nil {
		s.cache.RecordPattern(context.Background(), sig)
	}
}

// admit runs spec §4.3's six-step admission pipeline: dedup collapse,
// burst-mode tracking, preemption, capacity-gated admission, and
// overflow eviction. Alert.Priority/Score are expected to already be set
// by the PriorityCalculator upstream; the Scheduler orders and gates, it
// does not score.
func (s *Scheduler) admit(alert seraph.Alert) {
	now := time.Now()
	s.sweepDedup(now)

	if existing, ok := s.dedup[alert.DedupKey]; ok {
		existing.alert.Count++
		existing.alert.LastSeen = now
		existing.expiresAt = now.Add(s.dedupWindow)
		s.dedup[alert.DedupKey] = existing
		if s.queue.Contains(alert.DedupKey) {
			s.queue.Push(existing.alert)
		}
		return
	}

	alert.FirstSeen = now
	alert.LastSeen = now
	alert.Count = 1
	alert.EnqueuedAt = now
	s.dedup[alert.DedupKey] = dedupEntry{alert: alert, expiresAt: now.Add(s.dedupWindow)}

	if s.cache != nil {
		s.cache.RecordIncident(context.Background(), alert.DedupKey, now, 1000)
	}

	s.trackBurst(now, alert.Priority)

	if _, running := s.running[alert.DedupKey]; running {
		return
	}

	if s.preemptionEnabled && len(s.running) >= s.effectiveMaxConcurrency() {
		s.tryPreempt(alert)
	}

	if !s.queue.Push(alert) {
		// Queue full: evict the single least-urgent pending alert to make
		// room, but only when the incoming alert is strictly more urgent
		// than it; otherwise the incoming alert is dropped. This is
		// distinct from preemption above, which targets a *running*
		// investigation.
		leastUrgent := seraph.PriorityCritical
		for _, a := range s.queue.FindAlerts(func(seraph.Alert) bool { return true }) {
			if a.Priority > leastUrgent {
				leastUrgent = a.Priority
			}
		}
		var evicted seraph.Alert
		ok := false
		if alert.Priority < leastUrgent {
			evicted, ok = s.queue.PopLeastUrgent()
		}
		if ok {
			s.log.Warn().Str("dedupKey", evicted.DedupKey).Msg("evicted lower-priority queued alert to admit new one")
			if s.metrics != nil {
				s.metrics.QueueDropsTotal.Inc()
			}
			s.queue.Push(alert)
		} else {
			s.log.Warn().Str("dedupKey", alert.DedupKey).Msg("priority queue full, dropping alert")
			if s.metrics != nil {
				s.metrics.QueueDropsTotal.Inc()
			}
		}
	}

	if s.metrics != nil {
		s.metrics.QueueDepth.Set(float64(s.queue.Len()))
	}
}

// sweepDedup drops dedup entries whose collapse window has expired, so the
// next occurrence of the same normalized reason starts a fresh
// investigation instead of being silently folded forever (spec §4.3 step
// 1, fixing the previous permanent-collapse behavior).
func (s *Scheduler) sweepDedup(now time.Time) {
	for key, entry := range s.dedup {
		if now.After(entry.expiresAt) {
			delete(s.dedup, key)
		}
	}
}

// tryPreempt scans running investigations for a candidate whose priority
// is enough less urgent than incoming to justify canceling it (spec §4.3
// step 4): (runningPriority - incomingPriority) >= preemptionThreshold, in
// ordinal terms where a lower Priority value is more urgent. Among
// eligible candidates it picks the one with the largest score gap — the
// case most clearly justified — cancels it via the investigation.Pool,
// re-enqueues it with a +0.1 score boost so it is not immediately
// re-preempted, and counts the preemption.
func (s *Scheduler) tryPreempt(incoming seraph.Alert) {
	if s.investigations == nil {
		return
	}

	var (
		candidateKey string
		candidate    runningEntry
		bestGap      = -1.0
		found        bool
	)

	for key, re := range s.running {
		priorityGap := int(re.alert.Priority) - int(incoming.Priority)
		if priorityGap < s.preemptionThreshold {
			continue
		}
		scoreGap := incoming.Score - re.alert.Score
		if !found || scoreGap > bestGap {
			found = true
			bestGap = scoreGap
			candidateKey = key
			candidate = re
		}
	}

	if !found {
		return
	}

	if !s.investigations.Cancel(candidateKey) {
		return
	}
	delete(s.running, candidateKey)

	boosted := candidate.alert
	boosted.Score += 0.1
	if boosted.Score > 1.0 {
		boosted.Score = 1.0
	}
	s.queue.Push(boosted)

	if s.metrics != nil {
		s.metrics.PreemptionsTotal.Inc()
	}
	s.log.Info().Str("preempted", candidateKey).Str("by", incoming.DedupKey).Msg("preempted running investigation")
}

// effectiveMaxConcurrency returns the concurrency cap dispatch and
// admission gate against: the normal cap, or BurstConcurrency while burst
// mode is active (spec §4.3 step 3).
func (s *Scheduler) effectiveMaxConcurrency() int {
	if s.burstMode.Load() {
		return s.burstConcurrency
	}
	return s.maxConcurrency
}

// trackBurst maintains a rolling window of admission timestamps for
// alerts at least as urgent as BurstActivationPriority, activating burst
// mode once burstThreshold such admits land within burstWindow. Burst mode
// deactivates once it has run longer than BurstMaxDuration, or once
// nothing CRITICAL/HIGH remains queued (spec §4.3 step 3): there is no
// longer a flood to absorb.
func (s *Scheduler) trackBurst(now time.Time, p seraph.Priority) {
	if p <= s.burstActivation {
		cutoff := now.Add(-s.burstWindow)
		filtered := s.recentAdmits[:0]
		for _, t := range s.recentAdmits {
			if t.After(cutoff) {
				filtered = append(filtered, t)
			}
		}
		s.recentAdmits = append(filtered, now)
	}

	active := s.burstMode.Load()
	if !active && len(s.recentAdmits) >= s.burstThreshold {
		active = true
		s.burstActivatedAt = now
		if s.metrics != nil {
			s.metrics.BurstModeActivations.Inc()
		}
	}

	if active {
		stillUrgent := p <= seraph.PriorityHigh || len(s.queue.FindAlerts(func(a seraph.Alert) bool {
			return a.Priority <= seraph.PriorityHigh
		})) > 0
		if now.Sub(s.burstActivatedAt) > s.burstMaxDur || !stillUrgent {
			active = false
		}
	}

	s.burstMode.Store(active)
}

// BurstMode reports whether the Scheduler currently considers the agent to
// be in a burst of new distinct problems. Safe to call from any goroutine.
func (s *Scheduler) BurstMode() bool {
	return s.burstMode.Load()
}

// dispatch hands the most urgent queued alerts to the InvestigationPool
// while a concurrency slot is available under the burst-aware effective
// cap, using a non-blocking send so a momentarily-busy pool just leaves
// the rest queued for the next tick.
func (s *Scheduler) dispatch() {
	for len(s.running) < s.effectiveMaxConcurrency() {
		alert, ok := s.queue.Pop()
		if !ok {
			return
		}

		select {
		case s.assign <- alert:
			s.running[alert.DedupKey] = runningEntry{alert: alert, startedAt: time.Now()}
			if s.metrics != nil {
				s.metrics.QueueDepth.Set(float64(s.queue.Len()))
			}
		default:
			// No free investigation worker right now; put it back and
			// stop trying this tick.
			s.queue.Push(alert)
			return
		}
	}
}

// QueueDepth exposes the current pending count for /status.
func (s *Scheduler) QueueDepth() int {
	return s.queue.Len()
}
