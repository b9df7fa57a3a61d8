package benchmark

import (
	"context"
	"errors"
	"os/exec"
	"strings"
)

// pytest exits 5 when no tests were collected; that is non-failing.
const ExitNoTestsCollected = 5

// TestReport is a structured view of one test-runner invocation. The parsing
// strategy behind it (literal substring counts today) is an implementation
// detail of the adapter.
type TestReport struct {
	Passed   int
	Failed   int
	ExitCode int
	TimedOut bool
	Output   string
}

// Total returns the number of parsed test outcomes.
func (r TestReport) Total() int { return r.Passed + r.Failed }

// TestRunnerAdapter abstracts the test-suite subprocess so the runner's
// parsing strategy is swappable and probes are testable without pytest.
type TestRunnerAdapter interface {
	RunSuite(ctx context.Context) (TestReport, error)
}

// PytestAdapter invokes pytest as a subprocess and parses its verbose output
// for literal " PASSED" / " FAILED" markers. No JUnit/XML report is
// requested, so the counts track pytest's -v line format.
type PytestAdapter struct {
	Interpreter string
	Dir         string
}

// RunSuite runs the full suite. A timeout is reported via TimedOut, not as an
// error, so the probe can degrade to a deterministic failure result.
func (a *PytestAdapter) RunSuite(ctx context.Context) (TestReport, error) {
	interp := a.Interpreter
	if interp == "" {
		interp = "python3"
	}
	cmd := exec.CommandContext(ctx, interp, "-m", "pytest", "-v", "--tb=no")
	cmd.Dir = a.Dir
	out, err := cmd.CombinedOutput()

	report := parseTestOutput(string(out))
	report.Output = string(out)

	if ctx.Err() != nil {
		report.TimedOut = true
		report.ExitCode = -1
		return report, nil
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			report.ExitCode = exitErr.ExitCode()
			return report, nil
		}
		return report, err // interpreter missing, not a test outcome
	}
	report.ExitCode = 0
	return report, nil
}

// parseTestOutput counts literal pass/fail markers in pytest verbose output.
func parseTestOutput(out string) TestReport {
	return TestReport{
		Passed: strings.Count(out, " PASSED"),
		Failed: strings.Count(out, " FAILED"),
	}
}
