// Package model implements the Model capability (C3): a provider-agnostic
// boundary around an OpenAI-compatible chat-completions backend, wrapped
// with a circuit breaker and retrying HTTP transport per spec §7.
package model

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/seraph-dev/seraph/pkg/seraph"
)

// ToolSpec describes a tool the Model may call, converted to the
// backend's function-calling schema.
type ToolSpec struct {
	Name        string
	Description string
	Parameters  map[string]any // JSON schema
}

// Model is the capability boundary every caller (TriagePool,
// InvestigationPool) depends on, hiding the concrete backend.
type Model interface {
	Generate(ctx context.Context, systemPrompt string, messages []Message, tools []ToolSpec) (seraph.GenerateResult, error)
	CircuitBreakerState() string
}

// Message is one turn of conversation history passed to Generate.
type Message struct {
	Role       string // "system", "user", "assistant", "tool"
	Content    string
	ToolCallID string     // set when Role == "tool"
	ToolCalls  []seraph.ToolCall // set when Role == "assistant" and the turn issued calls
}

// gatewayModel calls an OpenAI-compatible /v1/chat/completions endpoint.
// Grounded on internal/masteragent/model.go's GatewayModel, stripped of the
// ADK model.LLM interface (unresolvable dependency, see DESIGN.md) and
// wrapped with a circuit breaker + retrying transport per spec §7.
type gatewayModel struct {
	baseURL string
	name    string
	client  *retryablehttp.Client
	breaker *gobreaker.CircuitBreaker
	log     zerolog.Logger
}

// New builds the default Model implementation. baseURL is the backend's
// root URL (e.g. "http://localhost:11434"); modelName selects the model in
// the request body.
func New(baseURL, modelName string, timeout time.Duration, log zerolog.Logger) Model {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 3
	rc.RetryWaitMin = 1 * time.Second
	rc.RetryWaitMax = 30 * time.Second
	rc.HTTPClient.Timeout = timeout
	rc.Logger = nil // keep retry chatter out of stdout; retries are not logged

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "model",
		MaxRequests: 1,
		Interval:    5 * time.Minute,
		Timeout:     60 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})

	return &gatewayModel{
		baseURL: baseURL,
		name:    modelName,
		client:  rc,
		breaker: breaker,
		log:     log.With().Str("component", "model").Logger(),
	}
}

func (m *gatewayModel) CircuitBreakerState() string {
	return m.breaker.State().String()
}

// Generate issues one chat-completion call, applying the circuit breaker
// and retry policy. On circuit-open it returns immediately without hitting
// the network (spec §7: fail fast while the breaker is open).
func (m *gatewayModel) Generate(ctx context.Context, systemPrompt string, messages []Message, tools []ToolSpec) (seraph.GenerateResult, error) {
	result, err := m.breaker.Execute(func() (any, error) {
		return m.doRequest(ctx, systemPrompt, messages, tools)
	})
	if err != nil {
		return seraph.GenerateResult{}, fmt.Errorf("model generate: %w", err)
	}
	return result.(seraph.GenerateResult), nil
}

func (m *gatewayModel) doRequest(ctx context.Context, systemPrompt string, messages []Message, tools []ToolSpec) (seraph.GenerateResult, error) {
	reqBody := convertRequest(m.name, systemPrompt, messages, tools)

	body, err := json.Marshal(reqBody)
	if err != nil {
		return seraph.GenerateResult{}, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, m.baseURL+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return seraph.GenerateResult{}, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := m.client.Do(httpReq)
	if err != nil {
		return seraph.GenerateResult{}, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	respBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return seraph.GenerateResult{}, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		return seraph.GenerateResult{}, fmt.Errorf("model backend returned %d: %s", resp.StatusCode, string(respBytes))
	}

	var chatResp openAIChatCompletionResponse
	if err := json.Unmarshal(respBytes, &chatResp); err != nil {
		return seraph.GenerateResult{}, fmt.Errorf("unmarshal response: %w", err)
	}

	return convertResponse(chatResp), nil
}
