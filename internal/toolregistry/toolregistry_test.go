package toolregistry

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/seraph-dev/seraph/pkg/seraph"
)

func TestCallUnknownToolReturnsError(t *testing.T) {
	r := &Registry{bindings: map[string]toolBinding{}, log: zerolog.Nop()}
	result := r.Call(context.Background(), seraph.ToolCall{ID: "c1", Name: "does_not_exist"})
	require.True(t, result.IsError)
	require.Contains(t, result.Content, "does_not_exist")
}

func TestSpecsEmptyWhenNoServersConfigured(t *testing.T) {
	r := &Registry{bindings: map[string]toolBinding{}, log: zerolog.Nop()}
	require.Empty(t, r.Specs(context.Background()))
}

func TestNewSkipsUnreachableServers(t *testing.T) {
	r := New(context.Background(), []ServerConfig{{Name: "down", URL: "http://127.0.0.1:1"}}, zerolog.Nop())
	require.Empty(t, r.Specs(context.Background()))
}
