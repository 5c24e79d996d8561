package telemetry

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"
)

func TestWithWorkflowAndStepID(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	WithStepID(WithWorkflowID(logger, "wf-1"), "step-1").Info("step started")

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec["workflow_id"] != "wf-1" {
		t.Errorf("expected workflow_id attribute, got %v", rec["workflow_id"])
	}
	if rec["step_id"] != "step-1" {
		t.Errorf("expected step_id attribute, got %v", rec["step_id"])
	}
	if rec["msg"] != "step started" {
		t.Errorf("expected message preserved, got %v", rec["msg"])
	}
}
