package apply

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"time"

	"nexus/internal/benchmark"
	"nexus/internal/config"
	"nexus/internal/logging"
)

// TestGate is the post-write verification step. Passed=true keeps the write,
// false triggers rollback when auto-rollback is on.
type TestGate interface {
	Verify(ctx context.Context) GateReport
}

// GateReport is the outcome of one verification run.
type GateReport struct {
	Passed   bool
	TimedOut bool
	Detail   string
}

// quickGate runs a two-stage check: an import smoke test of the top-level
// package, then a fast pytest pass that stops at the first failure and skips
// tests marked slow. Exit 5 (no tests collected) passes the gate.
type quickGate struct {
	interpreter  string
	pkg          string
	dir          string
	smokeTimeout time.Duration
	quickTimeout time.Duration
}

// NewQuickGate builds the subprocess-backed test gate from config.
func NewQuickGate(cfg *config.Config) TestGate {
	return &quickGate{
		interpreter:  cfg.Runner.Interpreter,
		pkg:          cfg.Runner.Package,
		dir:          cfg.ProjectRoot,
		smokeTimeout: cfg.SmokeTimeout(),
		quickTimeout: cfg.QuickTimeout(),
	}
}

func (g *quickGate) Verify(ctx context.Context) GateReport {
	// Stage 1: the patched tree must still import.
	sctx, cancel := context.WithTimeout(ctx, g.smokeTimeout)
	smoke := exec.CommandContext(sctx, g.interpreter, "-c", fmt.Sprintf("import %s", g.pkg))
	smoke.Dir = g.dir
	out, err := smoke.CombinedOutput()
	cancel()
	if sctx.Err() != nil {
		return GateReport{TimedOut: true, Detail: "import smoke test timed out"}
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return GateReport{Passed: false, Detail: "import failed: " + firstLine(string(out))}
		}
		// Interpreter could not even launch: the gate cannot verify, so it
		// passes open like stage 2. Only a real import failure or a timeout
		// blocks the apply.
		logging.ApplyWarn("import smoke unavailable, passing open: %v", err)
		return GateReport{Passed: true, Detail: "interpreter unavailable"}
	}

	// Stage 2: fast failure-oriented test pass.
	qctx, cancel := context.WithTimeout(ctx, g.quickTimeout)
	defer cancel()
	quick := exec.CommandContext(qctx, g.interpreter, "-m", "pytest", "-x", "-q", "--tb=no", "-k", "not slow")
	quick.Dir = g.dir
	out, err = quick.CombinedOutput()
	if qctx.Err() != nil {
		return GateReport{TimedOut: true, Detail: "quick test pass timed out"}
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			if exitErr.ExitCode() == benchmark.ExitNoTestsCollected {
				return GateReport{Passed: true, Detail: "no tests collected"}
			}
			return GateReport{Passed: false, Detail: fmt.Sprintf("quick tests exited %d", exitErr.ExitCode())}
		}
		// Test runner unavailable: the gate cannot verify, so it reports
		// passed rather than blocking every apply. Timeouts above stay
		// fail-closed because a hung suite means the patch broke something.
		logging.ApplyWarn("test gate unavailable, passing open: %v", err)
		return GateReport{Passed: true, Detail: "test runner unavailable"}
	}
	return GateReport{Passed: true}
}

func firstLine(s string) string {
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			return s[:i]
		}
	}
	return s
}
