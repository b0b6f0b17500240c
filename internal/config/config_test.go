package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "seraph.config.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadAppliesDefaultsAndValidates(t *testing.T) {
	path := writeConfig(t, `{
		"apiKey": "secret",
		"llm": {"baseUrl": "http://localhost:9000"}
	}`)

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, DefaultPort, cfg.Port)
	require.Equal(t, 4, cfg.Workers.Triage)
	require.Equal(t, 2, cfg.Workers.Investigation)
	require.Equal(t, 100, cfg.RateLimit.RequestsPerWindow)
	require.Equal(t, 60, cfg.RateLimit.WindowSeconds)
}

func TestLoadMissingAPIKeyFails(t *testing.T) {
	path := writeConfig(t, `{"llm": {"baseUrl": "http://localhost:9000"}}`)
	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadMissingLLMBaseURLFails(t *testing.T) {
	path := writeConfig(t, `{"apiKey": "secret"}`)
	_, err := Load(path)
	require.Error(t, err)
}

func TestEnvOverridesTakePrecedence(t *testing.T) {
	path := writeConfig(t, `{"apiKey": "file-key", "llm": {"baseUrl": "http://localhost:9000"}}`)

	t.Setenv("SERAPH_API_KEY", "env-key")
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "env-key", cfg.APIKey)
}

func TestValidateRejectsBadPriorityQueue(t *testing.T) {
	cfg := Default()
	cfg.APIKey = "k"
	cfg.LLM.BaseURL = "http://x"
	cfg.PriorityQueue.MaxSize = 0
	require.Error(t, cfg.Validate())
}

func TestValidateRejectsCacheWithoutRedisAddr(t *testing.T) {
	cfg := Default()
	cfg.APIKey = "k"
	cfg.LLM.BaseURL = "http://x"
	cfg.LLMCache.Enabled = true
	require.Error(t, cfg.Validate())
}
