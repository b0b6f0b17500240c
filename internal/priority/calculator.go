package priority

import (
	"strings"
	"sync"
	"time"

	"github.com/seraph-dev/seraph/internal/triage"
	"github.com/seraph-dev/seraph/pkg/seraph"
)

// Weights scales the contribution of each PriorityCalculator sub-score
// (spec §4.5). The zero value is invalid; use DefaultWeights or
// Config.PriorityQueue.PriorityWeights.
type Weights struct {
	Keyword    float64
	Service    float64
	Time       float64
	Historical float64
}

// DefaultWeights weights keyword matches highest: they are the most direct
// signal of severity a log line or triage reason carries.
func DefaultWeights() Weights {
	return Weights{Keyword: 0.4, Service: 0.3, Time: 0.15, Historical: 0.15}
}

// KeywordPatterns classifies text into one of four severity bands by
// substring match; the highest matching band wins (spec §4.5). Matching is
// plain substring rather than regex: the signal is deliberately cheap and
// ReDoS-free, unlike the triage stage's user-configurable preFilters.
type KeywordPatterns struct {
	Critical []string
	High     []string
	Medium   []string
	Low      []string
}

// DefaultKeywordPatterns covers the incident vocabulary this corpus's
// example repos use most often in log lines and triage reasons.
func DefaultKeywordPatterns() KeywordPatterns {
	return KeywordPatterns{
		Critical: []string{"crashloop", "oomkilled", "out of memory", "panic", "fatal", "segfault", "data loss", "outage"},
		High:     []string{"error", "exception", "failed", "failure", "timeout", "refused", "unavailable", "5xx"},
		Medium:   []string{"warn", "degraded", "retry", "retrying", "slow", "latency"},
		Low:      []string{"info", "debug", "notice"},
	}
}

// ServiceProfile describes one service's criticality for the Service
// impact sub-score (spec §4.5).
type ServiceProfile struct {
	Criticality    float64 // 1.0/0.8/0.6/0.4 tiers, operator-assigned
	BusinessImpact float64 // 0..1, scales Criticality by (0.7 + 0.3*BusinessImpact)
	UserCount      int     // >10000 applies a further 1.2x boost
}

// BusinessHours bounds the Time context sub-score's business-hours and
// peak-traffic bands, in local-server-time hours (spec §4.5).
type BusinessHours struct {
	StartHour int
	EndHour   int
	PeakHours [][2]int
}

// DefaultBusinessHours matches spec §4.5's stated 9-11/14-16 peak bands
// over a 9-to-18 business day.
func DefaultBusinessHours() BusinessHours {
	return BusinessHours{StartHour: 9, EndHour: 18, PeakHours: [][2]int{{9, 11}, {14, 16}}}
}

// Calculator computes the PriorityCalculator's (priority, score) pair for
// an alert from its log text, triage reason, and metadata (spec §4.5): a
// weighted blend of keyword, service-impact, time-context, and historical
// sub-scores, each normalized to [0,1]. It holds a small in-process mirror
// of historical pattern frequency, updated by the Scheduler whenever an
// investigation completes, so scoring itself never blocks on a network
// call to the durable cache.Memory pattern table.
type Calculator struct {
	Weights       Weights
	Keywords      KeywordPatterns
	Services      map[string]ServiceProfile
	BusinessHours BusinessHours

	mu        sync.Mutex
	frequency map[string]int
}

// DefaultCalculator returns a Calculator configured with spec §4.5's
// stated defaults, overridable via Config.PriorityQueue.
func DefaultCalculator() *Calculator {
	return &Calculator{
		Weights:       DefaultWeights(),
		Keywords:      DefaultKeywordPatterns(),
		Services:      map[string]ServiceProfile{},
		BusinessHours: DefaultBusinessHours(),
		frequency:     make(map[string]int),
	}
}

// Result is the PriorityCalculator's verdict: a priority band plus the
// continuous score that produced it, broken down by sub-score for
// observability.
type Result struct {
	Priority   seraph.Priority
	Score      float64
	Keyword    float64
	Service    float64
	Time       float64
	Historical float64
}

// Score blends the four sub-scores documented in spec §4.5 and maps the
// result onto spec's priority thresholds: >=0.85 CRITICAL, >=0.65 HIGH,
// >=0.4 MEDIUM, else LOW.
func (c *Calculator) Score(log, reason string, metadata map[string]string, now time.Time) Result {
	text := strings.ToLower(log + " " + reason)

	r := Result{
		Keyword:    c.keywordScore(text),
		Service:    c.serviceScore(text, metadata),
		Time:       c.timeScore(now),
		Historical: c.historicalScore(reason, metadata),
	}

	w := c.Weights
	total := w.Keyword*r.Keyword + w.Service*r.Service + w.Time*r.Time + w.Historical*r.Historical
	denom := w.Keyword + w.Service + w.Time + w.Historical
	if denom > 0 {
		total /= denom
	}
	if total < 0 {
		total = 0
	}
	if total > 1 {
		total = 1
	}
	r.Score = total

	switch {
	case total >= 0.85:
		r.Priority = seraph.PriorityCritical
	case total >= 0.65:
		r.Priority = seraph.PriorityHigh
	case total >= 0.4:
		r.Priority = seraph.PriorityMedium
	default:
		r.Priority = seraph.PriorityLow
	}
	return r
}

func (c *Calculator) keywordScore(text string) float64 {
	if matchAny(text, c.Keywords.Critical) {
		return 1.0
	}
	if matchAny(text, c.Keywords.High) {
		return 0.8
	}
	if matchAny(text, c.Keywords.Medium) {
		return 0.6
	}
	return 0.3
}

func matchAny(text string, patterns []string) bool {
	for _, p := range patterns {
		if p == "" {
			continue
		}
		if strings.Contains(text, strings.ToLower(p)) {
			return true
		}
	}
	return false
}

// serviceScore prefers an explicit metadata["service"] tag, falling back to
// scanning text for a configured service name (spec §4.5).
func (c *Calculator) serviceScore(text string, metadata map[string]string) float64 {
	if len(c.Services) == 0 {
		return 0.5
	}

	if svc, ok := metadata["service"]; ok {
		if profile, ok := c.Services[svc]; ok {
			return scaleServiceProfile(profile)
		}
	}

	for name, profile := range c.Services {
		if name == "" {
			continue
		}
		if strings.Contains(text, strings.ToLower(name)) {
			return scaleServiceProfile(profile)
		}
	}
	return 0.5
}

func scaleServiceProfile(p ServiceProfile) float64 {
	score := p.Criticality * (0.7 + 0.3*p.BusinessImpact)
	if p.UserCount > 10000 {
		score *= 1.2
	}
	if score > 1 {
		score = 1
	}
	if score < 0 {
		score = 0
	}
	return score
}

// timeScore implements spec §4.5's business-hours/weekend/peak adjustment:
// base 0.4, +0.4 during business hours, -0.2 on weekends, +0.3 during a
// configured peak band, clamped to [0,1].
func (c *Calculator) timeScore(now time.Time) float64 {
	score := 0.4
	hour := now.Hour()
	weekday := now.Weekday()

	businessHours := hour >= c.BusinessHours.StartHour && hour < c.BusinessHours.EndHour
	weekend := weekday == time.Saturday || weekday == time.Sunday

	if businessHours && !weekend {
		score += 0.4
	}
	if weekend {
		score -= 0.2
	}
	for _, band := range c.BusinessHours.PeakHours {
		if hour >= band[0] && hour < band[1] {
			score += 0.3
			break
		}
	}

	if score < 0 {
		score = 0
	}
	if score > 1 {
		score = 1
	}
	return score
}

// historicalScore normalizes how often this problem's signature has
// recurred, capped at 1.0 once it has been seen 10 or more times (spec
// §4.5). The signature combines the configured service (if any) with the
// normalized triage reason, so distinct problems in different services
// never share history.
func (c *Calculator) historicalScore(reason string, metadata map[string]string) float64 {
	sig := Signature(metadata["service"], reason)
	c.mu.Lock()
	n := c.frequency[sig]
	c.mu.Unlock()

	if n > 10 {
		n = 10
	}
	return float64(n) / 10.0
}

// RecordOccurrence increments the in-process historical frequency for
// signature; the Scheduler calls this once per finished investigation
// (spec §4.5: "updated by Scheduler on investigation completion").
func (c *Calculator) RecordOccurrence(signature string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.frequency == nil {
		c.frequency = make(map[string]int)
	}
	c.frequency[signature]++
}

// Signature builds the (service, reason) pattern-frequency key the
// Historical sub-score and the durable cache.Memory pattern table both
// key on, reusing the triage stage's reason normalization so the same
// underlying problem always maps to the same signature regardless of
// which stage observed it.
func Signature(service, reason string) string {
	return service + "|" + triage.NormalizeReason(reason)
}
