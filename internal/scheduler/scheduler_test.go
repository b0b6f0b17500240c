package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/seraph-dev/seraph/internal/priority"
	"github.com/seraph-dev/seraph/pkg/seraph"
)

type fakeCanceller struct {
	canceled chan string
	allow    bool
}

func newFakeCanceller(allow bool) *fakeCanceller {
	return &fakeCanceller{canceled: make(chan string, 10), allow: allow}
}

func (f *fakeCanceller) Cancel(dedupKey string) bool {
	if !f.allow {
		return false
	}
	f.canceled <- dedupKey
	return true
}

func newTestScheduler(t *testing.T, cfg Config) (*Scheduler, chan seraph.Alert, chan seraph.Alert, chan string) {
	t.Helper()
	in := make(chan seraph.Alert, 10)
	assign := make(chan seraph.Alert, 10)
	done := make(chan string, 10)
	if cfg.MaxQueueSize == 0 {
		cfg.MaxQueueSize = 10
	}
	if cfg.AgingInterval == 0 {
		cfg.AgingInterval = time.Hour
	}
	if cfg.BurstWindow == 0 {
		cfg.BurstWindow = time.Minute
	}
	if cfg.BurstThreshold == 0 {
		cfg.BurstThreshold = 100
	}
	s := New(in, assign, done, cfg, nil, zerolog.Nop())
	return s, in, assign, done
}

func TestDispatchSendsMostUrgentFirst(t *testing.T) {
	s, in, assign, _ := newTestScheduler(t, Config{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	in <- seraph.Alert{DedupKey: "low", Priority: seraph.PriorityLow}
	in <- seraph.Alert{DedupKey: "crit", Priority: seraph.PriorityCritical}

	select {
	case a := <-assign:
		require.Equal(t, "crit", a.DedupKey)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for dispatch")
	}
}

func TestDedupCollapsesRepeatedAlerts(t *testing.T) {
	s, in, assign, _ := newTestScheduler(t, Config{MaxConcurrency: 1})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	in <- seraph.Alert{DedupKey: "dup", Priority: seraph.PriorityHigh}

	var got seraph.Alert
	select {
	case got = <-assign:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for first dispatch")
	}
	require.Equal(t, "dup", got.DedupKey)
	require.Equal(t, 1, got.Count)

	// A duplicate while the first is "running" should be collapsed into
	// the dedup table, not dispatched again immediately.
	in <- seraph.Alert{DedupKey: "dup", Priority: seraph.PriorityHigh}

	select {
	case <-assign:
		t.Fatal("duplicate alert should not be dispatched while original is running")
	case <-time.After(150 * time.Millisecond):
	}
}

func TestDedupWindowExpiryStartsFreshInvestigation(t *testing.T) {
	s, in, assign, done := newTestScheduler(t, Config{MaxConcurrency: 1, DedupWindow: 30 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	in <- seraph.Alert{DedupKey: "dup", Priority: seraph.PriorityHigh}
	select {
	case <-assign:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for first dispatch")
	}
	done <- "dup"
	time.Sleep(50 * time.Millisecond) // let the dedup window expire

	in <- seraph.Alert{DedupKey: "dup", Priority: seraph.PriorityHigh}
	select {
	case a := <-assign:
		require.Equal(t, 1, a.Count, "a fresh occurrence after the dedup window expires should not carry over the prior count")
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for second dispatch after dedup window expiry")
	}
}

func TestOverflowEvictsLeastUrgentQueuedAlert(t *testing.T) {
	s, in, _, _ := newTestScheduler(t, Config{MaxQueueSize: 1, MaxConcurrency: 0, Calculator: priority.DefaultCalculator()})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Both alerts arrive before the Scheduler's first 50ms dispatch tick,
	// so the second one meets a full one-slot queue and takes the
	// overflow-eviction path.
	go s.Run(ctx)

	in <- seraph.Alert{DedupKey: "low", Priority: seraph.PriorityLow, Score: 0.1}
	time.Sleep(20 * time.Millisecond)
	in <- seraph.Alert{DedupKey: "crit", Priority: seraph.PriorityCritical, Score: 0.9}
	time.Sleep(20 * time.Millisecond)

	require.LessOrEqual(t, s.QueueDepth(), 1)
}

func TestPreemptionCancelsRunningInvestigationForHigherPriorityIncoming(t *testing.T) {
	s, in, assign, _ := newTestScheduler(t, Config{MaxConcurrency: 1, PreemptionEnabled: true, PreemptionThreshold: 2})
	fc := newFakeCanceller(true)
	s.investigations = fc

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	in <- seraph.Alert{DedupKey: "low", Priority: seraph.PriorityLow, Score: 0.1}
	select {
	case <-assign:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the low-priority alert to start running")
	}

	in <- seraph.Alert{DedupKey: "crit", Priority: seraph.PriorityCritical, Score: 0.95}

	select {
	case canceled := <-fc.canceled:
		require.Equal(t, "low", canceled, "the running low-priority investigation should be preempted")
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for preemption to cancel the running investigation")
	}

	// The preempted alert should be re-enqueued with a score boost rather
	// than dropped.
	require.Eventually(t, func() bool {
		found := s.queue.FindAlerts(func(a seraph.Alert) bool { return a.DedupKey == "low" })
		return len(found) == 1 && found[0].Score > 0.1
	}, time.Second, 10*time.Millisecond)
}

func TestBurstModeRaisesEffectiveConcurrencyCap(t *testing.T) {
	s, in, assign, _ := newTestScheduler(t, Config{
		MaxConcurrency:   1,
		BurstConcurrency: 3,
		BurstThreshold:   2,
		BurstWindow:      time.Minute,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	in <- seraph.Alert{DedupKey: "a", Priority: seraph.PriorityHigh}
	in <- seraph.Alert{DedupKey: "b", Priority: seraph.PriorityHigh}
	in <- seraph.Alert{DedupKey: "c", Priority: seraph.PriorityHigh}

	got := map[string]bool{}
	timeout := time.After(2 * time.Second)
	for len(got) < 3 {
		select {
		case a := <-assign:
			got[a.DedupKey] = true
		case <-timeout:
			t.Fatalf("expected 3 concurrent dispatches under burst mode, got %d", len(got))
		}
	}
	require.True(t, s.BurstMode())
}
