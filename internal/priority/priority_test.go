package priority

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/seraph-dev/seraph/pkg/seraph"
)

func TestQueuePopOrdersByPriority(t *testing.T) {
	q := NewQueue(10)

	require.True(t, q.Push(seraph.Alert{DedupKey: "low", Priority: seraph.PriorityLow}))
	require.True(t, q.Push(seraph.Alert{DedupKey: "crit", Priority: seraph.PriorityCritical}))
	require.True(t, q.Push(seraph.Alert{DedupKey: "high", Priority: seraph.PriorityHigh}))

	first, ok := q.Pop()
	require.True(t, ok)
	require.Equal(t, "crit", first.DedupKey)

	second, ok := q.Pop()
	require.True(t, ok)
	require.Equal(t, "high", second.DedupKey)

	third, ok := q.Pop()
	require.True(t, ok)
	require.Equal(t, "low", third.DedupKey)

	_, ok = q.Pop()
	require.False(t, ok)
}

func TestQueueRejectsAtCapacity(t *testing.T) {
	q := NewQueue(1)
	require.True(t, q.Push(seraph.Alert{DedupKey: "a", Priority: seraph.PriorityLow}))
	require.False(t, q.Push(seraph.Alert{DedupKey: "b", Priority: seraph.PriorityLow}))
	require.Equal(t, 1, q.Len())
}

func TestQueueDedupUpdatesInPlace(t *testing.T) {
	q := NewQueue(10)
	require.True(t, q.Push(seraph.Alert{DedupKey: "a", Priority: seraph.PriorityLow, Score: 0.1}))
	require.True(t, q.Push(seraph.Alert{DedupKey: "a", Priority: seraph.PriorityLow, Score: 0.9}))
	require.Equal(t, 1, q.Len())
}

func TestPopLeastUrgentEvictsLowestPriority(t *testing.T) {
	q := NewQueue(10)
	require.True(t, q.Push(seraph.Alert{DedupKey: "crit", Priority: seraph.PriorityCritical}))
	require.True(t, q.Push(seraph.Alert{DedupKey: "low", Priority: seraph.PriorityLow}))

	evicted, ok := q.PopLeastUrgent()
	require.True(t, ok)
	require.Equal(t, "low", evicted.DedupKey)
	require.Equal(t, 1, q.Len())
}

func TestRescorePromotesAgedLowPriorityAlert(t *testing.T) {
	q := NewQueue(10)
	q.Push(seraph.Alert{DedupKey: "old-low", Priority: seraph.PriorityLow, Score: 0.75})

	// Backdate the enqueue time by one aging period. score*10=7.5 is
	// already above the LOW -> MEDIUM promotion threshold of 7.0, so this
	// confirms Rescore mutates Priority rather than just the internal score.
	q.mu.Lock()
	q.byKey["old-low"].enqueued = time.Now().Add(-6 * time.Minute)
	q.mu.Unlock()

	q.Rescore()

	require.Equal(t, 1, q.Len())
	found := q.FindAlerts(func(a seraph.Alert) bool { return a.DedupKey == "old-low" })
	require.Len(t, found, 1)
	require.Equal(t, seraph.PriorityMedium, found[0].Priority)
}

func TestUpdatePriorityRebuildsHeapOrder(t *testing.T) {
	q := NewQueue(10)
	q.Push(seraph.Alert{DedupKey: "a", Priority: seraph.PriorityLow})
	q.Push(seraph.Alert{DedupKey: "b", Priority: seraph.PriorityMedium})

	require.True(t, q.UpdatePriority("a", seraph.PriorityCritical))

	first, ok := q.Pop()
	require.True(t, ok)
	require.Equal(t, "a", first.DedupKey)
}

func TestClearEmptiesQueue(t *testing.T) {
	q := NewQueue(10)
	q.Push(seraph.Alert{DedupKey: "a", Priority: seraph.PriorityLow})
	q.Clear()
	require.Equal(t, 0, q.Len())
	require.False(t, q.Contains("a"))
}

func TestMetricsSummarizesQueueComposition(t *testing.T) {
	q := NewQueue(10)
	q.Push(seraph.Alert{DedupKey: "a", Priority: seraph.PriorityHigh, Score: 0.7})
	q.Push(seraph.Alert{DedupKey: "b", Priority: seraph.PriorityHigh, Score: 0.9})

	m := q.Metrics()
	require.Equal(t, 2, m.TotalQueued)
	require.Equal(t, 2, m.PerPriority[seraph.PriorityHigh.String()])
}

func TestCalculatorKeywordBandsRankCriticalAboveLow(t *testing.T) {
	calc := DefaultCalculator()
	now := time.Date(2026, time.July, 27, 9, 30, 0, 0, time.UTC) // Monday, peak hour

	crit := calc.Score("pod entered CrashLoopBackOff", "", nil, now)
	low := calc.Score("routine health check ok", "", nil, now)

	// keyword 1.0*0.4 + unknown service 0.5*0.3 + peak time 1.0*0.15 +
	// no history 0 = 0.70: a critical keyword alone lands in HIGH.
	require.Equal(t, seraph.PriorityHigh, crit.Priority)
	require.Greater(t, crit.Score, low.Score)
}

func TestCalculatorServiceCriticalityRaisesScore(t *testing.T) {
	calc := DefaultCalculator()
	calc.Services = map[string]ServiceProfile{
		"checkout": {Criticality: 1.0, BusinessImpact: 1.0, UserCount: 50000},
		"batch-job": {Criticality: 0.4, BusinessImpact: 0.1, UserCount: 10},
	}
	now := time.Now()

	critical := calc.Score("elevated error rate", "", map[string]string{"service": "checkout"}, now)
	minor := calc.Score("elevated error rate", "", map[string]string{"service": "batch-job"}, now)

	require.Greater(t, critical.Score, minor.Score)
}

func TestCalculatorHistoricalScoreGrowsWithOccurrences(t *testing.T) {
	calc := DefaultCalculator()
	now := time.Now()

	before := calc.Score("disk pressure warning", "disk pressure", nil, now)
	for i := 0; i < 5; i++ {
		calc.RecordOccurrence(Signature("", "disk pressure"))
	}
	after := calc.Score("disk pressure warning", "disk pressure", nil, now)

	require.Greater(t, after.Historical, before.Historical)
	require.GreaterOrEqual(t, after.Score, before.Score)
}

func TestCalculatorTimeScorePeaksDuringBusinessHoursPeakBand(t *testing.T) {
	calc := DefaultCalculator()
	weekdayPeak := time.Date(2026, time.July, 27, 9, 30, 0, 0, time.UTC) // Monday, peak band
	weekendOffPeak := time.Date(2026, time.August, 1, 22, 0, 0, 0, time.UTC) // Saturday, late

	peak := calc.timeScore(weekdayPeak)
	offPeak := calc.timeScore(weekendOffPeak)

	require.Greater(t, peak, offPeak)
}
