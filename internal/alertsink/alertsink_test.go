package alertsink

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/seraph-dev/seraph/pkg/seraph"
)

func capturingServer(t *testing.T, out *[]alertmanagerAlert, mu *sync.Mutex) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var batch []alertmanagerAlert
		require.NoError(t, json.NewDecoder(r.Body).Decode(&batch))
		mu.Lock()
		*out = append(*out, batch...)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
}

func TestSendInitialAlertPostsTriagePhase(t *testing.T) {
	var received []alertmanagerAlert
	var mu sync.Mutex
	srv := capturingServer(t, &received, &mu)
	defer srv.Close()

	sink := New(srv.URL, time.Minute, zerolog.Nop())
	incidentID, err := sink.SendInitialAlert(context.Background(), "dk1", "disk full on host a", "disk usage over threshold")
	require.NoError(t, err)
	require.NotEmpty(t, incidentID)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, received, 1)
	require.Equal(t, "SeraphAnomalyTriage", received[0].Labels["alertname"])
	require.Equal(t, "dk1", received[0].Labels["dedup_key"])
	require.Equal(t, incidentID, received[0].Labels["incident_id"])
}

func TestSendEnrichedAnalysisCorrelatesByIncidentID(t *testing.T) {
	var received []alertmanagerAlert
	var mu sync.Mutex
	srv := capturingServer(t, &received, &mu)
	defer srv.Close()

	sink := New(srv.URL, time.Minute, zerolog.Nop())
	incidentID, err := sink.SendInitialAlert(context.Background(), "dk1", "disk full", "disk usage over threshold")
	require.NoError(t, err)

	err = sink.SendEnrichedAnalysis(context.Background(), incidentID, "dk1", "root cause: log rotation disabled", "report-1", []seraph.ToolUsage{{Tool: "kubectl_logs", Outcome: "ok"}})
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, received, 2)
	require.Equal(t, "SeraphAnomalyInvestigationComplete", received[1].Labels["alertname"])
	require.Equal(t, incidentID, received[1].Labels["incident_id"])
	require.Equal(t, "report-1", received[1].Annotations["report_id"])
}

func TestResolveEndsTheActivePhaseOneAlert(t *testing.T) {
	var received []alertmanagerAlert
	var mu sync.Mutex
	srv := capturingServer(t, &received, &mu)
	defer srv.Close()

	sink := New(srv.URL, time.Minute, zerolog.Nop())
	_, err := sink.SendInitialAlert(context.Background(), "dk1", "disk full", "disk usage over threshold")
	require.NoError(t, err)

	err = sink.Resolve(context.Background(), "dk1")
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, received, 2)
	require.False(t, received[1].EndsAt.IsZero())
}

func TestResolveOnUnknownDedupKeyIsANoop(t *testing.T) {
	var received []alertmanagerAlert
	var mu sync.Mutex
	srv := capturingServer(t, &received, &mu)
	defer srv.Close()

	sink := New(srv.URL, time.Minute, zerolog.Nop())
	require.NoError(t, sink.Resolve(context.Background(), "never-seen"))

	mu.Lock()
	defer mu.Unlock()
	require.Empty(t, received)
}

func TestSendSystemAlertFiresSeraphSystemEvent(t *testing.T) {
	var received []alertmanagerAlert
	var mu sync.Mutex
	srv := capturingServer(t, &received, &mu)
	defer srv.Close()

	sink := New(srv.URL, time.Minute, zerolog.Nop())
	err := sink.SendSystemAlert(context.Background(), "triage-pool", "worker_restart_budget_exceeded", "worker 2 crashed 5 times")
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, received, 1)
	require.Equal(t, "SeraphSystemEvent", received[0].Labels["alertname"])
	require.Equal(t, "triage-pool", received[0].Labels["source"])
}

func TestHeartbeatFiresOnInterval(t *testing.T) {
	var count int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&count, 1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	sink := New(srv.URL, 20*time.Millisecond, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	sink.StartHeartbeat(ctx)
	time.Sleep(100 * time.Millisecond)
	cancel()
	sink.Close()

	require.GreaterOrEqual(t, atomic.LoadInt32(&count), int32(2))
}

func TestHeartbeatRefreshesActiveIncidents(t *testing.T) {
	var received []alertmanagerAlert
	var mu sync.Mutex
	srv := capturingServer(t, &received, &mu)
	defer srv.Close()

	sink := New(srv.URL, 20*time.Millisecond, zerolog.Nop())
	_, err := sink.SendInitialAlert(context.Background(), "dk1", "disk full", "disk usage over threshold")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	sink.StartHeartbeat(ctx)
	time.Sleep(80 * time.Millisecond)
	cancel()
	sink.Close()

	mu.Lock()
	defer mu.Unlock()
	var refreshes int
	for _, a := range received {
		if a.Labels["alertname"] == "SeraphAnomalyTriage" {
			refreshes++
		}
	}
	require.GreaterOrEqual(t, refreshes, 2, "the active triage alert should be re-posted by the heartbeat, not just the initial send")
}
