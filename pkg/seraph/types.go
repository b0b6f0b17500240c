// Package seraph holds the domain types shared across the agent's
// internal packages: log records, alerts, priorities, and reports.
package seraph

import (
	"strings"
	"time"
)

// Priority ranks urgency. Lower values are more urgent so that a min-heap
// comparator sorts CRITICAL first without inverting the comparison.
type Priority int

const (
	PriorityCritical Priority = iota
	PriorityHigh
	PriorityMedium
	PriorityLow
)

func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityMedium:
		return "medium"
	case PriorityLow:
		return "low"
	default:
		return "unknown"
	}
}

// ParsePriority accepts the case-insensitive string forms used in config
// and alert payloads, defaulting unrecognized values to PriorityMedium.
func ParsePriority(s string) Priority {
	switch strings.ToLower(s) {
	case "critical":
		return PriorityCritical
	case "high":
		return PriorityHigh
	case "low":
		return PriorityLow
	default:
		return PriorityMedium
	}
}

// LogRecord is a single ingested log line after source normalization;
// pre-filters are applied later, by the TriagePool. Raw carries the
// original decoded JSON object, if any.
type LogRecord struct {
	ID        string         `json:"id"`
	Source    string         `json:"source"`
	Host      string         `json:"host,omitempty"`
	Message   string         `json:"message"`
	Level     string         `json:"level,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Raw       map[string]any `json:"raw,omitempty"`
}

// TriageDecision is the TriagePool's verdict on a LogRecord: the triage
// tool's schema is `{decision, reason}` only (spec §4.2) — no severity is
// invented at this stage; urgency is the PriorityCalculator's job.
type TriageDecision struct {
	RecordID string `json:"recordId"`
	IsAlert  bool   `json:"isAlert"`
	Reason   string `json:"reason,omitempty"`
	// Log is the (possibly envelope-extracted, truncated) text that was
	// actually classified, carried forward so downstream stages never
	// re-derive it from the raw record.
	Log      string `json:"log,omitempty"`
	DedupKey string `json:"dedupKey"`
}

// Alert is an event admitted to the Scheduler for investigation.
type Alert struct {
	ID       string   `json:"id"`
	DedupKey string   `json:"dedupKey"`
	Priority Priority `json:"priority"`
	// Score is the PriorityCalculator's continuous urgency score in
	// [0,1] (spec §4.5); the Queue additionally ages it (spec §4.6).
	Score         float64           `json:"score"`
	Reason        string            `json:"reason"`
	Summary       string            `json:"summary"`
	Source        string            `json:"source"`
	FirstSeen     time.Time         `json:"firstSeen"`
	LastSeen      time.Time         `json:"lastSeen"`
	Count         int               `json:"count"`
	Records       []LogRecord       `json:"records,omitempty"`
	EnqueuedAt    time.Time         `json:"enqueuedAt"`
	EstDurationMs int64             `json:"estDurationMs,omitempty"`
	SessionID     string            `json:"sessionId,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// ToolCall is a single tool invocation requested by the Model during an
// investigation turn.
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// ToolResult is the outcome of executing a ToolCall via the ToolRegistry.
type ToolResult struct {
	CallID  string `json:"callId"`
	Content string `json:"content"`
	IsError bool   `json:"isError"`
}

// GenerateResult is the Model capability's response to a single generation
// request: either natural-language text, one or more tool calls, or both.
type GenerateResult struct {
	Text      string     `json:"text,omitempty"`
	ToolCalls []ToolCall `json:"toolCalls,omitempty"`
	Usage     Usage      `json:"usage"`
}

// Usage tracks token accounting for cost/metrics purposes.
type Usage struct {
	PromptTokens     int `json:"promptTokens"`
	CompletionTokens int `json:"completionTokens"`
}

// InvestigationTurn records one step of the bounded ReAct loop for a Report.
type InvestigationTurn struct {
	Turn      int          `json:"turn"`
	Thought   string       `json:"thought,omitempty"`
	ToolCalls []ToolCall   `json:"toolCalls,omitempty"`
	Results   []ToolResult `json:"results,omitempty"`
}

// PreemptionState records what happened to a running investigation that was
// preempted mid-flight, so its eventual Report can explain the interruption.
type PreemptionState struct {
	PreemptedBy string    `json:"preemptedBy"` // dedup key of the preempting alert
	At          time.Time `json:"at"`
}

// RunningInvestigation describes the live state of an investigation in
// progress. The Scheduler does not use this type; it tracks running
// investigations in its own runningEntry records.
type RunningInvestigation struct {
	ID              string           `json:"id"`
	Alert           Alert            `json:"alert"`
	WorkerRef       string           `json:"workerRef"`
	StartTime       time.Time        `json:"startTime"`
	EstEnd          time.Time        `json:"estEnd"`
	CanPreempt      bool             `json:"canPreempt"`
	PreemptionState *PreemptionState `json:"preemptionState,omitempty"`
}

// Report is the finished artifact of an investigation, persisted by the
// ReportStore.
type Report struct {
	ID            string              `json:"id"`
	AlertID       string              `json:"alertId"`
	DedupKey      string              `json:"dedupKey"`
	Summary       string              `json:"summary"`
	RootCause     string              `json:"rootCause,omitempty"`
	Confidence    float64             `json:"confidence"`
	Turns         []InvestigationTurn `json:"turns"`
	StartedAt     time.Time           `json:"startedAt"`
	FinishedAt    time.Time           `json:"finishedAt"`
	TimedOut      bool                `json:"timedOut"`
	Preempted     bool                `json:"preempted"`
	AlertFired    bool                `json:"alertFired"`
	AlertResolved bool                `json:"alertResolved"`
	IncidentID    string              `json:"incidentId,omitempty"`
}

// ToolUsage summarizes one tool call for the enriched-analysis alert
// annotation (spec §4.8): a compact timeline entry, not the full Report.
type ToolUsage struct {
	Tool    string `json:"tool"`
	Outcome string `json:"outcome"`
}
