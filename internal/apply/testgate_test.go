package apply

import (
	"context"
	"testing"

	"nexus/internal/config"
)

func TestQuickGatePassesOpenWithoutInterpreter(t *testing.T) {
	cfg := config.DefaultConfig(t.TempDir())
	// An interpreter that cannot launch is an environment problem, not a
	// broken patch: the gate must not block the apply.
	cfg.Runner.Interpreter = "nexus-no-such-interpreter"
	gate := NewQuickGate(cfg)

	report := gate.Verify(context.Background())
	if !report.Passed {
		t.Errorf("gate blocked apply on unavailable interpreter: %+v", report)
	}
	if report.TimedOut {
		t.Errorf("launch failure reported as timeout: %+v", report)
	}
}
