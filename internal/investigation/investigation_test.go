package investigation

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/seraph-dev/seraph/internal/cache"
	"github.com/seraph-dev/seraph/internal/model"
	"github.com/seraph-dev/seraph/pkg/seraph"
)

type fakeModel struct {
	responses []seraph.GenerateResult
	calls     int
	err       error
}

func (f *fakeModel) Generate(ctx context.Context, systemPrompt string, messages []model.Message, tools []model.ToolSpec) (seraph.GenerateResult, error) {
	if f.err != nil {
		return seraph.GenerateResult{}, f.err
	}
	if f.calls >= len(f.responses) {
		return seraph.GenerateResult{Text: `{"summary":"exhausted","confidence":0.1,"alert":false}`}, nil
	}
	r := f.responses[f.calls]
	f.calls++
	return r, nil
}

func (f *fakeModel) CircuitBreakerState() string { return "closed" }

func TestParseFinalVerdictFenced(t *testing.T) {
	v, err := parseFinalVerdict("```json\n{\"root_cause\": \"oom\", \"confidence\": 0.9, \"summary\": \"pod oom killed\", \"alert\": true}\n```")
	require.NoError(t, err)
	require.Equal(t, "oom", v.RootCause)
	require.True(t, v.Alert)
}

func TestRunReturnsVerdictWithoutToolCalls(t *testing.T) {
	m := &fakeModel{responses: []seraph.GenerateResult{
		{Text: `{"root_cause": "disk full", "confidence": 0.8, "summary": "disk at 100%", "alert": true}`},
	}}
	p := New(nil, m, nil, nil, nil, nil, 1, nil, nil, zerolog.Nop())

	report := p.run(context.Background(), seraph.Alert{ID: "a1", DedupKey: "d1", Summary: "disk errors"}, time.Now())

	require.Equal(t, "disk full", report.RootCause)
	require.True(t, report.AlertFired)
	require.Len(t, report.Turns, 1)
}

func TestRunHandlesToolCallsAcrossTurns(t *testing.T) {
	m := &fakeModel{responses: []seraph.GenerateResult{
		{ToolCalls: []seraph.ToolCall{{ID: "c1", Name: "no-registry-tool"}}},
		{Text: `{"root_cause": "leak", "confidence": 0.7, "summary": "memory leak", "alert": true}`},
	}}
	p := New(nil, m, nil, nil, nil, nil, 1, nil, nil, zerolog.Nop())

	report := p.run(context.Background(), seraph.Alert{ID: "a2", DedupKey: "d2"}, time.Now())

	require.Len(t, report.Turns, 2)
	require.True(t, report.Turns[0].Results[0].IsError, "tool call with no registry configured should surface as an error result")
	require.Equal(t, "leak", report.RootCause)
}

func TestRunStopsAtMaxTurns(t *testing.T) {
	// Always returns a tool call, never a final verdict: the loop must
	// still stop at MaxTurns.
	resp := seraph.GenerateResult{ToolCalls: []seraph.ToolCall{{ID: "c", Name: "x"}}}
	responses := make([]seraph.GenerateResult, MaxTurns+2)
	for i := range responses {
		responses[i] = resp
	}
	m := &fakeModel{responses: responses}
	p := New(nil, m, nil, nil, nil, nil, 1, nil, nil, zerolog.Nop())

	report := p.run(context.Background(), seraph.Alert{ID: "a3", DedupKey: "d3"}, time.Now())

	require.Len(t, report.Turns, MaxTurns)
	require.Contains(t, report.Summary, "exhausted")
}

func TestPoolInvestigateSavesAndNotifies(t *testing.T) {
	m := &fakeModel{responses: []seraph.GenerateResult{
		{Text: `{"root_cause": "x", "confidence": 0.5, "summary": "s", "alert": false}`},
	}}

	in := make(chan seraph.Alert, 1)
	var savedID string
	var notifiedKey string

	save := func(ctx context.Context, report seraph.Report) error {
		savedID = report.ID
		return nil
	}
	notify := func(dedupKey string) {
		notifiedKey = dedupKey
	}

	p := New(in, m, nil, nil, save, notify, 1, nil, nil, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	in <- seraph.Alert{ID: "a4", DedupKey: "d4"}

	require.Eventually(t, func() bool {
		return savedID != "" && notifiedKey == "d4"
	}, 2*time.Second, 10*time.Millisecond)
}

// slowModel blocks until its generate call's context is done, so a test can
// Cancel the investigation mid-flight and observe the result.
type slowModel struct{}

func (slowModel) Generate(ctx context.Context, systemPrompt string, messages []model.Message, tools []model.ToolSpec) (seraph.GenerateResult, error) {
	<-ctx.Done()
	return seraph.GenerateResult{}, ctx.Err()
}

func (slowModel) CircuitBreakerState() string { return "closed" }

func TestCancelPreemptsRunningInvestigationAsPreempted(t *testing.T) {
	in := make(chan seraph.Alert, 1)
	done := make(chan seraph.Report, 1)
	save := func(ctx context.Context, report seraph.Report) error {
		done <- report
		return nil
	}

	p := New(in, slowModel{}, nil, nil, save, nil, 1, nil, nil, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	in <- seraph.Alert{ID: "a5", DedupKey: "d5"}

	require.Eventually(t, func() bool {
		return p.Cancel("d5")
	}, time.Second, 5*time.Millisecond, "the running investigation should register itself as cancelable")

	select {
	case report := <-done:
		require.True(t, report.Preempted, "a canceled investigation should be marked Preempted, not TimedOut")
		require.False(t, report.TimedOut)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the preempted investigation's report to be saved")
	}
}

func TestGenerateCachesByMessageContentAcrossTurns(t *testing.T) {
	mr := miniredis.RunT(t)
	c := cache.NewRedisCache(mr.Addr(), "", 0, 0.9)

	m := &fakeModel{responses: []seraph.GenerateResult{
		{Text: `{"root_cause": "x", "confidence": 0.5, "summary": "s", "alert": true}`},
	}}
	p := New(nil, m, nil, c, nil, nil, 1, nil, nil, zerolog.Nop())

	alert := seraph.Alert{ID: "a6", DedupKey: "d6", Summary: "repeat-me"}
	first := p.run(context.Background(), alert, time.Now())
	require.True(t, first.AlertFired)
	require.Equal(t, 1, m.calls)

	// A second investigation whose prompt hashes identically should hit the
	// per-turn ResponseCache and never reach the model a second time.
	second := p.run(context.Background(), alert, time.Now())
	require.True(t, second.AlertFired)
	require.Equal(t, 1, m.calls, "a repeated prompt should be served from the per-turn cache")
}
