package logging

import "testing"

func TestRedactAPIKey(t *testing.T) {
	got := Redact(`connecting with api_key: sk-abc123def456`)
	if got == `connecting with api_key: sk-abc123def456` {
		t.Fatalf("expected redaction, got unchanged line: %s", got)
	}
}

func TestRedactAbsolutePath(t *testing.T) {
	got := Redact(`loaded config from /etc/seraph/seraph.config.json`)
	if got == `loaded config from /etc/seraph/seraph.config.json` {
		t.Fatalf("expected path redaction, got unchanged line: %s", got)
	}
}

func TestRedactLeavesPlainTextAlone(t *testing.T) {
	const line = "investigation turn 3 of 5 completed"
	if got := Redact(line); got != line {
		t.Fatalf("expected no change, got %q", got)
	}
}
