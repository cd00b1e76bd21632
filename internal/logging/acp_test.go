package logging

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestAppendDecisionWritesJSONL(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "green-branch-logs", "mission-1", "decisions.jsonl")
	if err := AppendDecision(logPath, DecisionLogEntry{
		LoggingSchemaFields: LoggingSchemaFields{
			UnitID:    "unit-1",
			MissionID: "mission-1",
		},
		DecisionType: DecisionPushAttempted,
		Outcome:      "succeeded",
	}); err != nil {
		t.Fatalf("append error: %v", err)
	}
	content, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	for _, line := range strings.Split(strings.TrimSpace(string(content)), "\n") {
		if err := ValidateStructuredLogLine([]byte(line)); err != nil {
			t.Fatalf("logged entry should conform to schema: %v", err)
		}
	}
	if len(content) == 0 || content[len(content)-1] != '\n' {
		t.Fatalf("expected newline-terminated jsonl")
	}
}

func TestAppendDecisionIncludesReasonAndContext(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "reason-context.jsonl")
	if err := AppendDecision(logPath, DecisionLogEntry{
		LoggingSchemaFields: LoggingSchemaFields{
			UnitID:    "unit-1",
			MissionID: "mission-1",
		},
		DecisionType: DecisionFixupSelected,
		Outcome:      "winner_chosen",
		Message:      "attempt-2 selected",
		Reason:       "lowest lint_errors among passing attempts",
		Context:      "candidates=3",
	}); err != nil {
		t.Fatalf("append error: %v", err)
	}
	content, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	entry := map[string]string{}
	if err := json.Unmarshal([]byte(strings.TrimSpace(string(content))), &entry); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if entry["reason"] != "lowest lint_errors among passing attempts" {
		t.Fatalf("expected reason, got %q", entry["reason"])
	}
	if entry["context"] != "candidates=3" {
		t.Fatalf("expected context, got %q", entry["context"])
	}
	if entry["decision_type"] != string(DecisionFixupSelected) {
		t.Fatalf("expected decision_type=%s, got %q", DecisionFixupSelected, entry["decision_type"])
	}
}
