// Package toolregistry implements the ToolRegistry (C5): discovery and
// invocation of external MCP-style tool servers configured for the agent.
// It is the client side of the same protocol the teacher's internal/mcp
// package serves, using the official github.com/modelcontextprotocol/go-sdk.
package toolregistry

import (
	"context"
	"fmt"
	"sync"
	"time"

	gosdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/rs/zerolog"

	"github.com/seraph-dev/seraph/internal/model"
	"github.com/seraph-dev/seraph/pkg/seraph"
)

// ServerConfig addresses one external MCP tool server.
type ServerConfig struct {
	Name string
	URL  string
}

// toolBinding remembers which server owns a discovered tool name, so
// Call can route without asking the caller to track server affinity.
type toolBinding struct {
	server  string
	session *gosdk.ClientSession
}

// Registry discovers tools from all configured servers at startup and
// dispatches CallTool invocations to the right server, enforcing the
// execution timeout spec §4.2/§5 requires (10s per tool call).
type Registry struct {
	mu       sync.RWMutex
	bindings map[string]toolBinding
	log      zerolog.Logger
	timeout  time.Duration
}

// New connects to every configured server and lists its tools. A server
// that fails to connect is logged and skipped — spec §7 treats a single
// unreachable tool server as non-fatal to the agent's startup.
func New(ctx context.Context, servers []ServerConfig, log zerolog.Logger) *Registry {
	r := &Registry{
		bindings: make(map[string]toolBinding),
		log:      log.With().Str("component", "toolregistry").Logger(),
		timeout:  10 * time.Second,
	}

	for _, srv := range servers {
		client := gosdk.NewClient(&gosdk.Implementation{Name: "seraph", Version: "0.1.0"}, nil)
		session, err := client.Connect(ctx, &gosdk.StreamableClientTransport{Endpoint: srv.URL}, nil)
		if err != nil {
			r.log.Warn().Err(err).Str("server", srv.Name).Msg("tool server unreachable, skipping")
			continue
		}

		listResult, err := session.ListTools(ctx, nil)
		if err != nil {
			r.log.Warn().Err(err).Str("server", srv.Name).Msg("failed to list tools, skipping")
			continue
		}

		r.mu.Lock()
		for _, t := range listResult.Tools {
			r.bindings[t.Name] = toolBinding{server: srv.Name, session: session}
		}
		r.mu.Unlock()

		r.log.Info().Str("server", srv.Name).Int("tools", len(listResult.Tools)).Msg("discovered tools")
	}

	return r
}

// Specs returns the tool descriptions in the shape the Model capability
// needs for function-calling requests.
func (r *Registry) Specs(ctx context.Context) []model.ToolSpec {
	r.mu.RLock()
	defer r.mu.RUnlock()

	specs := make([]model.ToolSpec, 0, len(r.bindings))
	for name := range r.bindings {
		specs = append(specs, model.ToolSpec{Name: name})
	}
	return specs
}

// Call executes a single tool invocation against its owning server, bounded
// by the per-call timeout.
func (r *Registry) Call(ctx context.Context, call seraph.ToolCall) seraph.ToolResult {
	r.mu.RLock()
	binding, ok := r.bindings[call.Name]
	r.mu.RUnlock()

	if !ok {
		return seraph.ToolResult{CallID: call.ID, IsError: true, Content: fmt.Sprintf("unknown tool %q", call.Name)}
	}

	callCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	result, err := binding.session.CallTool(callCtx, &gosdk.CallToolParams{
		Name:      call.Name,
		Arguments: call.Arguments,
	})
	if err != nil {
		return seraph.ToolResult{CallID: call.ID, IsError: true, Content: err.Error()}
	}

	return seraph.ToolResult{CallID: call.ID, IsError: result.IsError, Content: flattenContent(result)}
}

func flattenContent(result *gosdk.CallToolResult) string {
	var out string
	for _, c := range result.Content {
		if tc, ok := c.(*gosdk.TextContent); ok {
			out += tc.Text
		}
	}
	return out
}

// Close tears down every tool server session.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	seen := make(map[*gosdk.ClientSession]bool)
	for _, b := range r.bindings {
		if seen[b.session] {
			continue
		}
		seen[b.session] = true
		_ = b.session.Close()
	}
}
