package ingress

import (
	"bytes"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/seraph-dev/seraph/pkg/seraph"
)

type fakeStatus struct{}

func (fakeStatus) QueueDepth() int                    { return 3 }
func (fakeStatus) BurstMode() bool                    { return false }
func (fakeStatus) TriageWorkers() int                 { return 2 }
func (fakeStatus) InvestigationWorkers() int          { return 2 }
func (fakeStatus) RecentLogs() []seraph.LogRecord     { return nil }
func (fakeStatus) ModelState() string                 { return "closed" }

func newTestServer(apiKey string) (*Server, chan seraph.LogRecord) {
	logs := make(chan seraph.LogRecord, 10)
	s := NewServer(Config{APIKey: apiKey, Version: "test"}, logs, fakeStatus{}, nil, nil, http.NewServeMux(), zerolog.Nop())
	return s, logs
}

func TestLogsAcceptsSinglePayload(t *testing.T) {
	s, logs := newTestServer("")
	req := httptest.NewRequest(http.MethodPost, "/logs", bytes.NewBufferString(`{"log":"panic: boom"}`))
	rec := httptest.NewRecorder()
	s.mux.ServeHTTP(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)
	select {
	case rec := <-logs:
		require.Equal(t, "panic: boom", rec.Message)
	default:
		t.Fatal("expected a log record on the channel")
	}
}

func TestLogsSplitsFluentBitConcatenation(t *testing.T) {
	s, logs := newTestServer("")
	body := `{"log":"first"}{"log":"second"}`
	req := httptest.NewRequest(http.MethodPost, "/logs", bytes.NewBufferString(body))
	rec := httptest.NewRecorder()
	s.mux.ServeHTTP(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Len(t, logs, 2)
}

func TestLogsEmptyBodyIs400(t *testing.T) {
	s, _ := newTestServer("")
	req := httptest.NewRequest(http.MethodPost, "/logs", bytes.NewBufferString("   "))
	rec := httptest.NewRecorder()
	s.mux.ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestLogsOversizeBodyIs413(t *testing.T) {
	s, _ := newTestServer("")
	big := bytes.Repeat([]byte("a"), maxLogBodyBytes+10)
	req := httptest.NewRequest(http.MethodPost, "/logs", bytes.NewReader(big))
	rec := httptest.NewRecorder()
	s.mux.ServeHTTP(rec, req)
	require.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestAuthMissingHeaderIs401(t *testing.T) {
	s, _ := newTestServer("secret")
	req := httptest.NewRequest(http.MethodPost, "/logs", bytes.NewBufferString(`{"log":"x"}`))
	rec := httptest.NewRecorder()
	s.mux.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAuthWrongTokenIs403(t *testing.T) {
	s, _ := newTestServer("secret")
	req := httptest.NewRequest(http.MethodPost, "/logs", bytes.NewBufferString(`{"log":"x"}`))
	req.Header.Set("Authorization", "Bearer wrong")
	rec := httptest.NewRecorder()
	s.mux.ServeHTTP(rec, req)
	require.Equal(t, http.StatusForbidden, rec.Code)
}

func TestAuthCorrectTokenPasses(t *testing.T) {
	s, _ := newTestServer("secret")
	req := httptest.NewRequest(http.MethodPost, "/logs", bytes.NewBufferString(`{"log":"x"}`))
	req.Header.Set("Authorization", "Bearer secret")
	rec := httptest.NewRecorder()
	s.mux.ServeHTTP(rec, req)
	require.Equal(t, http.StatusAccepted, rec.Code)
}

func TestMetricsEndpointBypassesAuth(t *testing.T) {
	s, _ := newTestServer("secret")
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	s.mux.ServeHTTP(rec, req)
	require.NotEqual(t, http.StatusUnauthorized, rec.Code)
}

func TestRateLimiterBlocksAfterThreshold(t *testing.T) {
	l := newRateLimiter(2, time.Minute)
	require.True(t, l.Allow("a"))
	require.True(t, l.Allow("a"))
	require.False(t, l.Allow("a"))
	require.True(t, l.Allow("b"), "a different client should have its own window")
}

func TestChatWithoutHandlerConfiguredIs503(t *testing.T) {
	s, _ := newTestServer("")
	req := httptest.NewRequest(http.MethodPost, "/chat", bytes.NewBufferString(`{"message":"hi"}`))
	rec := httptest.NewRecorder()
	s.mux.ServeHTTP(rec, req)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestStatusReturnsSnapshot(t *testing.T) {
	s, _ := newTestServer("")
	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	rec := httptest.NewRecorder()
	s.mux.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"queueDepth":3`)
}

func TestSplitFluentBitConcatenationNoBoundary(t *testing.T) {
	frags := splitFluentBitConcatenation([]byte(`{"log":"solo"}`))
	require.Len(t, frags, 1)
}

func TestSocketServerRespondsToGetLogs(t *testing.T) {
	path := t.TempDir() + "/test.sock"
	srv, err := newSocketServer(path, fakeStatus{}, zerolog.Nop())
	require.NoError(t, err)
	defer srv.Close()

	go srv.Serve()
	time.Sleep(20 * time.Millisecond)

	conn, err := net.Dial("unix", path)
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("get_logs\n"))
	require.NoError(t, err)

	buf := make([]byte, 1024)
	conn.SetReadDeadline(time.Now().Add(time.Second))
	n, err := conn.Read(buf)
	require.NoError(t, err)
	require.Contains(t, string(buf[:n]), "[]")
}
