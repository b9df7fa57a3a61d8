// Package benchmark reduces system health to comparable 0-100 scores via
// four independent probes: test suite, learning state, file-scan throughput,
// and memory-store quality. A failing probe never aborts the other three.
package benchmark

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"nexus/internal/config"
	"nexus/internal/logging"
	"nexus/internal/store"
)

const historyCap = 100

// Result is the outcome of one benchmark probe. Score is always clamped to
// [0,100]; Passed is an independent threshold-based flag.
type Result struct {
	BenchmarkID     string                 `json:"benchmark_id"`
	Name            string                 `json:"name"`
	Passed          bool                   `json:"passed"`
	Score           float64                `json:"score"`
	DurationSeconds float64                `json:"duration_seconds"`
	Details         map[string]interface{} `json:"details,omitempty"`
	Error           string                 `json:"error,omitempty"`
	Timestamp       time.Time              `json:"timestamp"`
}

// resultsDoc is the persisted envelope of results.json.
type resultsDoc struct {
	LastUpdated  time.Time `json:"last_updated"`
	TotalResults int       `json:"total_results"`
	Results      []Result  `json:"results"`
}

type learningState struct {
	Stats struct {
		KnowledgeItemsLearned int `json:"knowledge_items_learned"`
	} `json:"stats"`
	NoImprovementStreak int `json:"no_improvement_streak"`
}

// Runner executes the fixed probe battery and keeps a rolling history.
type Runner struct {
	mu sync.Mutex

	root              string
	memoryDir         string
	learningStatePath string
	exclusions        []string
	suiteTimeout      time.Duration

	tests TestRunnerAdapter

	doc  *store.Document
	data resultsDoc
}

// NewRunner creates a Runner wired to the real pytest adapter.
func NewRunner(cfg *config.Config) (*Runner, error) {
	return NewRunnerWithAdapter(cfg, &PytestAdapter{
		Interpreter: cfg.Runner.Interpreter,
		Dir:         cfg.ProjectRoot,
	})
}

// NewRunnerWithAdapter creates a Runner with an injected test adapter.
func NewRunnerWithAdapter(cfg *config.Config, tests TestRunnerAdapter) (*Runner, error) {
	r := &Runner{
		root:              cfg.ProjectRoot,
		memoryDir:         cfg.Resolve(cfg.Paths.MemoryDir),
		learningStatePath: cfg.Resolve(cfg.Paths.LearningStatePath),
		exclusions:        cfg.Runner.Exclusions,
		suiteTimeout:      cfg.SuiteTimeout(),
		tests:             tests,
		doc:               store.NewDocument(cfg.BenchmarkResultsPath()),
	}
	if r.suiteTimeout <= 0 {
		r.suiteTimeout = 120 * time.Second
	}
	if err := r.doc.Load(&r.data); err != nil {
		return nil, err
	}
	return r, nil
}

// RunAll executes all four probes in order, appends them to the rolling
// history, and returns the fresh results.
func (r *Runner) RunAll(ctx context.Context) []Result {
	timer := logging.StartTimer(logging.CategoryBenchmark, "run_all_benchmarks")
	defer timer.Stop()

	results := []Result{
		r.runProbe("pytest", "Unit test suite", func() Result { return r.probeTests(ctx) }),
		r.runProbe("learning", "Learning system health", r.probeLearning),
		r.runProbe("performance", "File scan throughput", r.probePerformance),
		r.runProbe("memory", "Memory store quality", r.probeMemory),
	}

	r.mu.Lock()
	r.data.Results = append(r.data.Results, results...)
	if len(r.data.Results) > historyCap {
		r.data.Results = r.data.Results[len(r.data.Results)-historyCap:]
	}
	r.data.LastUpdated = time.Now().UTC()
	r.data.TotalResults = len(r.data.Results)
	if err := r.doc.Save(&r.data); err != nil {
		logging.Get(logging.CategoryBenchmark).Error("failed to persist results: %v", err)
	}
	r.mu.Unlock()

	for _, res := range results {
		logging.Benchmark("%s: score=%.1f passed=%v", res.BenchmarkID, res.Score, res.Passed)
	}
	return results
}

// runProbe isolates one probe: a panic or error inside it becomes a zero
// score with the error populated, never an abort of the battery.
func (r *Runner) runProbe(id, name string, probe func() Result) (res Result) {
	start := time.Now()
	defer func() {
		if rec := recover(); rec != nil {
			res = Result{Error: fmt.Sprintf("probe panicked: %v", rec)}
		}
		res.BenchmarkID = id
		res.Name = name
		res.DurationSeconds = time.Since(start).Seconds()
		res.Timestamp = time.Now().UTC()
		res.Score = clampScore(res.Score)
	}()
	return probe()
}

// probeTests runs the suite adapter and reduces pass/fail counts to a score.
func (r *Runner) probeTests(ctx context.Context) Result {
	tctx, cancel := context.WithTimeout(ctx, r.suiteTimeout)
	defer cancel()

	report, err := r.tests.RunSuite(tctx)
	if err != nil {
		return Result{Error: fmt.Sprintf("test runner unavailable: %v", err)}
	}
	if report.TimedOut {
		return Result{
			Error:   fmt.Sprintf("test suite timed out after %s", r.suiteTimeout),
			Details: map[string]interface{}{"timeout_seconds": r.suiteTimeout.Seconds()},
		}
	}

	details := map[string]interface{}{
		"passed":    report.Passed,
		"failed":    report.Failed,
		"exit_code": report.ExitCode,
	}
	// Exit 5 = no tests collected; non-failing by contract.
	if report.Total() == 0 {
		return Result{
			Passed:  report.ExitCode == 0 || report.ExitCode == ExitNoTestsCollected,
			Score:   100,
			Details: details,
		}
	}
	return Result{
		Passed:  report.ExitCode == 0,
		Score:   float64(report.Passed) / float64(report.Total()) * 100,
		Details: details,
	}
}

// probeLearning scores the external learning-loop state blob.
func (r *Runner) probeLearning() Result {
	data, err := os.ReadFile(r.learningStatePath)
	if err != nil {
		return Result{Error: fmt.Sprintf("cannot read learning state: %v", err)}
	}
	var state learningState
	if err := json.Unmarshal(data, &state); err != nil {
		return Result{Error: fmt.Sprintf("cannot parse learning state: %v", err)}
	}

	learned := state.Stats.KnowledgeItemsLearned
	streak := state.NoImprovementStreak

	score := float64(learned) / 2
	if score > 100 {
		score = 100
	}
	if streak > 100 {
		score -= 50
	}
	return Result{
		Passed: streak < 100 && learned > 10,
		Score:  score,
		Details: map[string]interface{}{
			"knowledge_items_learned": learned,
			"no_improvement_streak":   streak,
		},
	}
}

// probePerformance measures raw .py scan throughput over the project tree.
func (r *Runner) probePerformance() Result {
	start := time.Now()
	count := 0
	err := filepath.WalkDir(r.root, func(path string, entry os.DirEntry, walkErr error) error {
		if walkErr != nil {
			return nil
		}
		if entry.IsDir() {
			return nil
		}
		slashed := "/" + filepath.ToSlash(path)
		if strings.Contains(slashed, "/research/") {
			return nil
		}
		for _, ex := range r.exclusions {
			if strings.Contains(slashed, ex) {
				return nil
			}
		}
		if strings.HasSuffix(path, ".py") {
			count++
		}
		return nil
	})
	if err != nil {
		return Result{Error: fmt.Sprintf("scan failed: %v", err)}
	}

	elapsed := time.Since(start).Seconds()
	if elapsed <= 0 {
		elapsed = 0.001
	}
	filesPerSecond := float64(count) / elapsed
	score := filesPerSecond * 10
	if score > 100 {
		score = 100
	}
	return Result{
		Passed: filesPerSecond > 10,
		Score:  score,
		Details: map[string]interface{}{
			"files_scanned":    count,
			"files_per_second": filesPerSecond,
		},
	}
}

// probeMemory samples memory-store JSON files and scores the fraction of
// items with quality > 0.7.
func (r *Runner) probeMemory() Result {
	const sampleCap = 10

	entries, err := os.ReadDir(r.memoryDir)
	if err != nil {
		return Result{Error: fmt.Sprintf("cannot read memory dir: %v", err)}
	}

	total := 0
	highQuality := 0
	sampled := 0
	for _, entry := range entries {
		if sampled >= sampleCap {
			break
		}
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		data, readErr := os.ReadFile(filepath.Join(r.memoryDir, entry.Name()))
		if readErr != nil {
			continue
		}
		sampled++
		for _, item := range decodeMemoryItems(data) {
			total++
			if q, ok := item["quality"].(float64); ok && q > 0.7 {
				highQuality++
			}
		}
	}

	if total == 0 {
		return Result{
			Passed:  false,
			Score:   0,
			Details: map[string]interface{}{"items": 0, "files_sampled": sampled},
		}
	}
	fraction := float64(highQuality) / float64(total)
	return Result{
		Passed: true,
		Score:  fraction * 100,
		Details: map[string]interface{}{
			"items":         total,
			"high_quality":  highQuality,
			"files_sampled": sampled,
		},
	}
}

// decodeMemoryItems accepts either a single object or a list of objects.
func decodeMemoryItems(data []byte) []map[string]interface{} {
	var list []map[string]interface{}
	if err := json.Unmarshal(data, &list); err == nil {
		return list
	}
	var single map[string]interface{}
	if err := json.Unmarshal(data, &single); err == nil {
		return []map[string]interface{}{single}
	}
	return nil
}

// GetLatestResults returns the most recent result per benchmark id, scanning
// history backward.
func (r *Runner) GetLatestResults() map[string]Result {
	r.mu.Lock()
	defer r.mu.Unlock()

	latest := make(map[string]Result)
	for i := len(r.data.Results) - 1; i >= 0; i-- {
		res := r.data.Results[i]
		if _, ok := latest[res.BenchmarkID]; !ok {
			latest[res.BenchmarkID] = res
		}
	}
	return latest
}

// GetScoreTrend returns the chronological score history for one probe,
// truncated to the most recent limit entries.
func (r *Runner) GetScoreTrend(benchmarkID string, limit int) []float64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	var scores []float64
	for _, res := range r.data.Results {
		if res.BenchmarkID == benchmarkID {
			scores = append(scores, res.Score)
		}
	}
	if limit > 0 && len(scores) > limit {
		scores = scores[len(scores)-limit:]
	}
	return scores
}

// AverageScore reduces a probe battery to the orchestrator's simple mean.
func AverageScore(results []Result) float64 {
	if len(results) == 0 {
		return 0
	}
	sum := 0.0
	for _, res := range results {
		sum += res.Score
	}
	return sum / float64(len(results))
}

// IDs returns the sorted benchmark ids present in a result batch.
func IDs(results []Result) []string {
	set := make(map[string]bool, len(results))
	for _, res := range results {
		set[res.BenchmarkID] = true
	}
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func clampScore(s float64) float64 {
	if s < 0 {
		return 0
	}
	if s > 100 {
		return 100
	}
	return s
}
