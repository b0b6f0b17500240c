package agent

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/seraph-dev/seraph/internal/model"
	"github.com/seraph-dev/seraph/internal/priority"
	"github.com/seraph-dev/seraph/internal/scheduler"
	"github.com/seraph-dev/seraph/pkg/seraph"
)

type fakeModel struct {
	triageResponse string
	chatResponse   string
}

func (f *fakeModel) Generate(ctx context.Context, systemPrompt string, messages []model.Message, tools []model.ToolSpec) (seraph.GenerateResult, error) {
	if strings.Contains(systemPrompt, "triage") {
		return seraph.GenerateResult{Text: f.triageResponse}, nil
	}
	return seraph.GenerateResult{Text: f.chatResponse}, nil
}

func (f *fakeModel) CircuitBreakerState() string { return "closed" }

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	cfg := Config{
		TriageWorkers:        1,
		InvestigationWorkers: 1,
		Scheduler: scheduler.Config{
			MaxQueueSize:   10,
			AgingInterval:  time.Hour,
			BurstThreshold: 1000,
			BurstWindow:    time.Minute,
		},
	}
	deps := Deps{
		Model: &fakeModel{
			triageResponse: `{"decision": "alert", "reason": "panic detected"}`,
			chatResponse:   "the system looks fine",
		},
		Calculator: priority.DefaultCalculator(),
	}
	return New(cfg, deps, zerolog.Nop())
}

func TestIngestLogFeedsTriagePipeline(t *testing.T) {
	mgr := newTestManager(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go mgr.Run(ctx)

	ok := mgr.IngestLog(seraph.LogRecord{ID: "1", Message: "panic: nil pointer dereference"})
	require.True(t, ok)

	require.Eventually(t, func() bool {
		return mgr.QueueDepth() > 0 || len(mgr.RecentLogs()) > 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRecentLogsTracksIngestedRecords(t *testing.T) {
	mgr := newTestManager(t)
	mgr.IngestLog(seraph.LogRecord{ID: "1", Message: "hello"})
	mgr.IngestLog(seraph.LogRecord{ID: "2", Message: "world"})

	recent := mgr.RecentLogs()
	require.Len(t, recent, 2)
	require.Equal(t, "hello", recent[0].Message)
	require.Equal(t, "world", recent[1].Message)
}

func TestChatUsesModelWithRecentContext(t *testing.T) {
	mgr := newTestManager(t)
	mgr.IngestLog(seraph.LogRecord{ID: "1", Message: "disk at 95%"})

	reply, err := mgr.Chat(context.Background(), "is everything ok?", mgr.RecentLogs())
	require.NoError(t, err)
	require.Equal(t, "the system looks fine", reply)
}

func TestModelStateReportsCircuitBreaker(t *testing.T) {
	mgr := newTestManager(t)
	require.Equal(t, "closed", mgr.ModelState())
}
