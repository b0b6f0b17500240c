// Package priority implements the bounded priority queue (C8) and the pure
// priority-scoring function (C9) the Scheduler uses to order pending
// alerts for investigation.
package priority

import (
	"container/heap"
	"sync"
	"time"

	"github.com/seraph-dev/seraph/pkg/seraph"
)

// maxInternalScore caps the queue's internal 0-10 scale (spec §4.6: aging
// "up to 10.0"). The PriorityCalculator's own Score, in contrast, lives on
// a 0-1 scale used only for the initial priority-threshold classification.
const maxInternalScore = 10.0

// agingIncrement is added per agingPeriod an item has waited, promoting its
// effective urgency the longer it sits queued (spec §4.6).
const (
	agingIncrement = 0.1
	agingPeriod    = 5 * time.Minute
)

// item is one entry tracked by the queue: an alert plus the internal
// 0-10-scale score it was last ranked with (Alert.Score*10 plus any aging
// bonus), recomputed on each Rescore pass.
type item struct {
	alert    seraph.Alert
	score    float64
	enqueued time.Time
	index    int
}

type itemHeap []*item

func (h itemHeap) Len() int { return len(h) }

// Less orders lexicographically by (priority, score, age), per spec §4.6:
// Priority is primary (lower enum value is more urgent), ties broken by the
// higher internal score, remaining ties broken by the older item.
func (h itemHeap) Less(i, j int) bool {
	a, b := h[i], h[j]
	if a.alert.Priority != b.alert.Priority {
		return a.alert.Priority < b.alert.Priority
	}
	if a.score != b.score {
		return a.score > b.score
	}
	return a.enqueued.Before(b.enqueued)
}

func (h itemHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *itemHeap) Push(x any) {
	it := x.(*item)
	it.index = len(*h)
	*h = append(*h, it)
}

func (h *itemHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*h = old[:n-1]
	return it
}

// QueueMetrics summarizes the queue's current composition for the /status
// introspection surface (spec §4.6's metrics() op).
type QueueMetrics struct {
	TotalQueued      int            `json:"totalQueued"`
	PerPriority      map[string]int `json:"perPriority"`
	AvgWaitSeconds   float64        `json:"avgWaitSeconds"`
	AvgScore         float64        `json:"avgScore"`
	OldestEnqueuedAt time.Time      `json:"oldestEnqueuedAt,omitempty"`
}

// Queue is a bounded priority heap over pending alerts, keyed by dedup key
// for O(1) membership checks and O(log n) removal/update, owned exclusively
// by the Scheduler goroutine (no internal locking is required by that
// access pattern, but a mutex is included so tests and the /status
// introspection handler can read it concurrently).
type Queue struct {
	mu      sync.Mutex
	h       itemHeap
	byKey   map[string]*item
	maxSize int
}

// NewQueue builds a bounded Queue; maxSize enforces spec §4.5's cap. Items
// carry their own Priority/Score, already computed by the Calculator
// upstream, so the Queue itself only orders and ages them.
func NewQueue(maxSize int) *Queue {
	return &Queue{
		h:       make(itemHeap, 0),
		byKey:   make(map[string]*item),
		maxSize: maxSize,
	}
}

func newItem(a seraph.Alert, now time.Time) *item {
	return &item{alert: a, score: a.Score * 10, enqueued: now}
}

// Push admits an alert, rejecting it if the queue is at capacity. Returns
// false (queue-full) so the Scheduler can attempt eviction or preemption
// before giving up on admission.
func (q *Queue) Push(a seraph.Alert) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pushLocked(a, time.Now())
}

func (q *Queue) pushLocked(a seraph.Alert, now time.Time) bool {
	if existing, ok := q.byKey[a.DedupKey]; ok {
		existing.alert = a
		existing.score = a.Score * 10
		heap.Fix(&q.h, existing.index)
		return true
	}

	if len(q.h) >= q.maxSize {
		return false
	}

	it := newItem(a, now)
	heap.Push(&q.h, it)
	q.byKey[a.DedupKey] = it
	return true
}

// Pop removes and returns the most urgent alert. ok is false if empty.
func (q *Queue) Pop() (seraph.Alert, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.h) == 0 {
		return seraph.Alert{}, false
	}
	it := heap.Pop(&q.h).(*item)
	delete(q.byKey, it.alert.DedupKey)
	return it.alert, true
}

// PopLeastUrgent removes and returns the single least-urgent alert,
// supporting the Scheduler's queue-overflow eviction policy (spec §4.3:
// evict the lowest-priority pending item to admit a higher-priority one
// when the queue is already at capacity). This is distinct from preemption
// of a *running* investigation, handled entirely in the Scheduler.
func (q *Queue) PopLeastUrgent() (seraph.Alert, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.h) == 0 {
		return seraph.Alert{}, false
	}
	// Less defines "more urgent"; the least urgent item is the one every
	// other item is Less than.
	worst := 0
	for i := 1; i < len(q.h); i++ {
		if q.h.Less(worst, i) {
			worst = i
		}
	}
	it := heap.Remove(&q.h, worst).(*item)
	delete(q.byKey, it.alert.DedupKey)
	return it.alert, true
}

// Len returns the current queue depth.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.h)
}

// Rescore applies spec §4.6's aging-promotion pass: every item's score
// gains +0.1 per full 5-minute period it has waited, capped at 10.0, and an
// item whose resulting score crosses a promotion threshold has its
// Priority mutated in place (LOW -> MEDIUM above 7.0, MEDIUM -> HIGH above
// 8.5) before the heap is rebuilt. Called periodically by the Scheduler on
// its aging ticker.
func (q *Queue) Rescore() {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := time.Now()
	for _, it := range q.h {
		periods := int(now.Sub(it.enqueued) / agingPeriod)
		score := it.alert.Score*10 + float64(periods)*agingIncrement
		if score > maxInternalScore {
			score = maxInternalScore
		}
		it.score = score

		if it.alert.Priority == seraph.PriorityLow && score > 7.0 {
			it.alert.Priority = seraph.PriorityMedium
		}
		if it.alert.Priority == seraph.PriorityMedium && score > 8.5 {
			it.alert.Priority = seraph.PriorityHigh
		}
	}
	heap.Init(&q.h)
}

// Contains reports whether an alert with the given dedup key is currently
// queued.
func (q *Queue) Contains(dedupKey string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.byKey[dedupKey]
	return ok
}

// RemoveByID removes and returns the alert with the given dedup key, if
// queued.
func (q *Queue) RemoveByID(dedupKey string) (seraph.Alert, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	it, ok := q.byKey[dedupKey]
	if !ok {
		return seraph.Alert{}, false
	}
	heap.Remove(&q.h, it.index)
	delete(q.byKey, dedupKey)
	return it.alert, true
}

// UpdatePriority overrides a queued alert's priority directly (used by
// operator intervention rather than the normal scoring path), rebuilding
// heap order. Reports false if dedupKey is not queued.
func (q *Queue) UpdatePriority(dedupKey string, p seraph.Priority) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	it, ok := q.byKey[dedupKey]
	if !ok {
		return false
	}
	it.alert.Priority = p
	heap.Fix(&q.h, it.index)
	return true
}

// FindAlerts returns every queued alert matching predicate, in no
// particular order.
func (q *Queue) FindAlerts(predicate func(seraph.Alert) bool) []seraph.Alert {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []seraph.Alert
	for _, it := range q.h {
		if predicate(it.alert) {
			out = append(out, it.alert)
		}
	}
	return out
}

// Clear empties the queue, discarding every pending alert.
func (q *Queue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.h = q.h[:0]
	q.byKey = make(map[string]*item)
}

// Metrics summarizes the queue's current composition.
func (q *Queue) Metrics() QueueMetrics {
	q.mu.Lock()
	defer q.mu.Unlock()

	m := QueueMetrics{
		TotalQueued: len(q.h),
		PerPriority: make(map[string]int),
	}
	if len(q.h) == 0 {
		return m
	}

	now := time.Now()
	var waitSum, scoreSum float64
	oldest := q.h[0].enqueued
	for _, it := range q.h {
		m.PerPriority[it.alert.Priority.String()]++
		waitSum += now.Sub(it.enqueued).Seconds()
		scoreSum += it.score
		if it.enqueued.Before(oldest) {
			oldest = it.enqueued
		}
	}
	m.AvgWaitSeconds = waitSum / float64(len(q.h))
	m.AvgScore = scoreSum / float64(len(q.h))
	m.OldestEnqueuedAt = oldest
	return m
}
