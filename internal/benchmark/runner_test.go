package benchmark

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"nexus/internal/config"
)

// fakeAdapter returns a canned report or error.
type fakeAdapter struct {
	report TestReport
	err    error
}

func (f *fakeAdapter) RunSuite(ctx context.Context) (TestReport, error) {
	return f.report, f.err
}

func newTestRunner(t *testing.T, adapter TestRunnerAdapter) (*Runner, *config.Config) {
	t.Helper()
	cfg := config.DefaultConfig(t.TempDir())
	r, err := NewRunnerWithAdapter(cfg, adapter)
	if err != nil {
		t.Fatalf("NewRunnerWithAdapter: %v", err)
	}
	return r, cfg
}

func TestProbeTestsScoring(t *testing.T) {
	tests := []struct {
		name       string
		report     TestReport
		err        error
		wantScore  float64
		wantPassed bool
	}{
		{
			name:       "all passing",
			report:     TestReport{Passed: 10, Failed: 0, ExitCode: 0},
			wantScore:  100,
			wantPassed: true,
		},
		{
			name:       "partial failures",
			report:     TestReport{Passed: 3, Failed: 1, ExitCode: 1},
			wantScore:  75,
			wantPassed: false,
		},
		{
			name:       "no tests collected",
			report:     TestReport{ExitCode: ExitNoTestsCollected},
			wantScore:  100,
			wantPassed: true,
		},
		{
			name:       "timed out",
			report:     TestReport{TimedOut: true, ExitCode: -1},
			wantScore:  0,
			wantPassed: false,
		},
		{
			name:       "runner unavailable",
			err:        errors.New("python3 not found"),
			wantScore:  0,
			wantPassed: false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, _ := newTestRunner(t, &fakeAdapter{report: tt.report, err: tt.err})
			res := r.runProbe("pytest", "Unit test suite", func() Result {
				return r.probeTests(context.Background())
			})
			if res.Score != tt.wantScore {
				t.Errorf("score = %.1f, want %.1f", res.Score, tt.wantScore)
			}
			if res.Passed != tt.wantPassed {
				t.Errorf("passed = %v, want %v", res.Passed, tt.wantPassed)
			}
		})
	}
}

func TestRunAllPersistsHistory(t *testing.T) {
	r, cfg := newTestRunner(t, &fakeAdapter{report: TestReport{Passed: 1, ExitCode: 0}})

	results := r.RunAll(context.Background())
	if len(results) != 4 {
		t.Fatalf("probe count = %d, want 4", len(results))
	}
	for _, res := range results {
		if res.Score < 0 || res.Score > 100 {
			t.Errorf("%s: score %f out of range", res.BenchmarkID, res.Score)
		}
		if res.Timestamp.IsZero() {
			t.Errorf("%s: zero timestamp", res.BenchmarkID)
		}
	}

	data, err := os.ReadFile(cfg.BenchmarkResultsPath())
	if err != nil {
		t.Fatalf("history not written: %v", err)
	}
	var doc struct {
		TotalResults int      `json:"total_results"`
		Results      []Result `json:"results"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatalf("history not valid JSON: %v", err)
	}
	if doc.TotalResults != 4 {
		t.Errorf("total_results = %d, want 4", doc.TotalResults)
	}
}

func TestRunAllCapsHistory(t *testing.T) {
	r, _ := newTestRunner(t, &fakeAdapter{report: TestReport{ExitCode: ExitNoTestsCollected}})

	for i := 0; i < 30; i++ {
		r.RunAll(context.Background())
	}
	if n := len(r.data.Results); n > historyCap {
		t.Errorf("history length = %d, exceeds cap %d", n, historyCap)
	}
}

func TestProbeBatteryIsolation(t *testing.T) {
	// A probe that panics must not take down the battery.
	r, _ := newTestRunner(t, &fakeAdapter{})
	res := r.runProbe("boom", "Panicking probe", func() Result {
		panic("probe exploded")
	})
	if res.Error == "" {
		t.Error("panic not captured in result error")
	}
	if res.Score != 0 {
		t.Errorf("panicked probe score = %f, want 0", res.Score)
	}
	if res.BenchmarkID != "boom" {
		t.Errorf("id = %s, want boom", res.BenchmarkID)
	}
}

func TestProbeLearning(t *testing.T) {
	tests := []struct {
		name       string
		learned    int
		streak     int
		wantScore  float64
		wantPassed bool
	}{
		{"healthy", 100, 5, 50, true},
		{"capped", 400, 0, 100, true},
		{"stalled", 100, 150, 0, false},
		{"too few items", 10, 0, 5, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, cfg := newTestRunner(t, &fakeAdapter{})
			state := map[string]interface{}{
				"stats":                 map[string]int{"knowledge_items_learned": tt.learned},
				"no_improvement_streak": tt.streak,
			}
			data, _ := json.Marshal(state)
			path := cfg.Resolve(cfg.Paths.LearningStatePath)
			if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
				t.Fatal(err)
			}
			if err := os.WriteFile(path, data, 0644); err != nil {
				t.Fatal(err)
			}

			res := r.runProbe("learning", "Learning system health", r.probeLearning)
			if res.Score != tt.wantScore {
				t.Errorf("score = %.1f, want %.1f", res.Score, tt.wantScore)
			}
			if res.Passed != tt.wantPassed {
				t.Errorf("passed = %v, want %v", res.Passed, tt.wantPassed)
			}
		})
	}
}

func TestProbeLearningMissingState(t *testing.T) {
	r, _ := newTestRunner(t, &fakeAdapter{})
	res := r.runProbe("learning", "Learning system health", r.probeLearning)
	if res.Error == "" {
		t.Error("missing state file should populate the error field")
	}
	if res.Passed {
		t.Error("missing state file should not pass")
	}
}

func TestProbeMemory(t *testing.T) {
	r, cfg := newTestRunner(t, &fakeAdapter{})
	memDir := cfg.Resolve(cfg.Paths.MemoryDir)
	if err := os.MkdirAll(memDir, 0755); err != nil {
		t.Fatal(err)
	}
	items := `[{"quality": 0.9}, {"quality": 0.5}, {"quality": 0.8}, {"quality": 0.1}]`
	if err := os.WriteFile(filepath.Join(memDir, "items.json"), []byte(items), 0644); err != nil {
		t.Fatal(err)
	}

	res := r.runProbe("memory", "Memory store quality", r.probeMemory)
	if res.Score != 50 {
		t.Errorf("score = %.1f, want 50 (2 of 4 high quality)", res.Score)
	}
	if !res.Passed {
		t.Error("probe with items should pass")
	}
}

func TestProbeMemoryEmpty(t *testing.T) {
	r, cfg := newTestRunner(t, &fakeAdapter{})
	if err := os.MkdirAll(cfg.Resolve(cfg.Paths.MemoryDir), 0755); err != nil {
		t.Fatal(err)
	}
	res := r.runProbe("memory", "Memory store quality", r.probeMemory)
	if res.Passed || res.Score != 0 {
		t.Errorf("empty store: passed=%v score=%.1f, want false/0", res.Passed, res.Score)
	}
}

func TestGetLatestResults(t *testing.T) {
	r, _ := newTestRunner(t, &fakeAdapter{report: TestReport{ExitCode: ExitNoTestsCollected}})
	r.RunAll(context.Background())
	r.RunAll(context.Background())

	latest := r.GetLatestResults()
	if len(latest) != 4 {
		t.Errorf("latest ids = %d, want 4", len(latest))
	}
	if _, ok := latest["pytest"]; !ok {
		t.Error("pytest missing from latest results")
	}
}

func TestGetScoreTrend(t *testing.T) {
	r, _ := newTestRunner(t, &fakeAdapter{report: TestReport{ExitCode: ExitNoTestsCollected}})
	for i := 0; i < 5; i++ {
		r.RunAll(context.Background())
	}
	trend := r.GetScoreTrend("pytest", 3)
	if len(trend) != 3 {
		t.Errorf("trend length = %d, want 3", len(trend))
	}
	for _, s := range trend {
		if s != 100 {
			t.Errorf("trend score = %.1f, want 100", s)
		}
	}
}

func TestAverageScore(t *testing.T) {
	if got := AverageScore(nil); got != 0 {
		t.Errorf("empty average = %f, want 0", got)
	}
	results := []Result{{Score: 100}, {Score: 50}, {Score: 0}, {Score: 50}}
	if got := AverageScore(results); got != 50 {
		t.Errorf("average = %f, want 50", got)
	}
}

func TestParseTestOutput(t *testing.T) {
	out := `test_a.py::test_one PASSED
test_a.py::test_two PASSED
test_b.py::test_three FAILED
`
	report := parseTestOutput(out)
	if report.Passed != 2 || report.Failed != 1 {
		t.Errorf("parsed %d/%d, want 2/1", report.Passed, report.Failed)
	}
}
