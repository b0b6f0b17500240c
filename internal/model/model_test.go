package model

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestGenerateReturnsTextResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := openAIChatCompletionResponse{
			Choices: []openAIChoice{{Message: openAIChatMessage{Role: "assistant", Content: "looks fine"}, FinishReason: "stop"}},
			Usage:   openAIUsage{PromptTokens: 10, CompletionTokens: 2},
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	m := New(srv.URL, "test-model", 5*time.Second, zerolog.Nop())
	result, err := m.Generate(context.Background(), "you are an SRE", []Message{{Role: "user", Content: "check this alert"}}, nil)
	require.NoError(t, err)
	require.Equal(t, "looks fine", result.Text)
	require.Equal(t, 10, result.Usage.PromptTokens)
}

func TestGenerateReturnsToolCalls(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := openAIChatCompletionResponse{
			Choices: []openAIChoice{{Message: openAIChatMessage{
				Role: "assistant",
				ToolCalls: []openAIToolCall{{
					ID:   "call_1",
					Type: "function",
					Function: openAIFunctionCallBody{
						Name:      "get_logs",
						Arguments: `{"service":"checkout"}`,
					},
				}},
			}}},
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	m := New(srv.URL, "test-model", 5*time.Second, zerolog.Nop())
	result, err := m.Generate(context.Background(), "", nil, []ToolSpec{{Name: "get_logs"}})
	require.NoError(t, err)
	require.Len(t, result.ToolCalls, 1)
	require.Equal(t, "get_logs", result.ToolCalls[0].Name)
	require.Equal(t, "checkout", result.ToolCalls[0].Arguments["service"])
}

func TestGenerateSurfacesBackendError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	m := New(srv.URL, "test-model", 2*time.Second, zerolog.Nop())
	_, err := m.Generate(context.Background(), "", nil, nil)
	require.Error(t, err)
}
