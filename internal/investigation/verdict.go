package investigation

import (
	"encoding/json"
	"fmt"
	"strings"
)

// finalVerdict is the expected JSON shape of the model's closing response
// once it stops requesting tools.
type finalVerdict struct {
	RootCause string  `json:"root_cause"`
	Confidence float64 `json:"confidence"`
	Summary   string  `json:"summary"`
	Alert     bool    `json:"alert"`
}

// parseFinalVerdict tolerates the same three response shapes as
// internal/triage's extractJSON (fenced ```json, fenced ```, or a
// brace-balanced substring), since both stages talk to the same kind of
// chat-completion backend.
func parseFinalVerdict(text string) (finalVerdict, error) {
	candidate := extractJSON(text)
	var v finalVerdict
	if err := json.Unmarshal([]byte(candidate), &v); err != nil {
		return finalVerdict{}, fmt.Errorf("unmarshal final verdict: %w", err)
	}
	return v, nil
}

func extractJSON(text string) string {
	if start := strings.Index(text, "```json"); start != -1 {
		start += len("```json")
		if end := strings.Index(text[start:], "```"); end != -1 {
			return strings.TrimSpace(text[start : start+end])
		}
	}
	if start := strings.Index(text, "```"); start != -1 {
		start += len("```")
		if end := strings.Index(text[start:], "```"); end != -1 {
			return strings.TrimSpace(text[start : start+end])
		}
	}
	if start := strings.Index(text, "{"); start != -1 {
		if end := strings.LastIndex(text, "}"); end != -1 && end > start {
			return text[start : end+1]
		}
	}
	return strings.TrimSpace(text)
}
