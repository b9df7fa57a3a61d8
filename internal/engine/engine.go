// Package engine orchestrates the improvement cycle:
// discover -> analyze -> generate -> apply -> measure -> learn.
// Each stage degrades independently; a cycle reports partial progress rather
// than aborting on the first stage failure.
package engine

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"nexus/internal/apply"
	"nexus/internal/archive"
	"nexus/internal/benchmark"
	"nexus/internal/config"
	"nexus/internal/discovery"
	"nexus/internal/logging"
	"nexus/internal/patch"
	"nexus/internal/store"
)

const cycleHistoryCap = 100

// Collaborator interfaces. The engine depends on behavior, not on the
// concrete components, so cycles are testable with in-memory fakes.
type (
	// Discoverer finds and ranks improvement opportunities.
	Discoverer interface {
		DiscoverAll() []discovery.Opportunity
		GetTopOpportunities(limit int) []discovery.Opportunity
		MarkAddressed(id string) bool
		Stats() map[discovery.Category]int
	}

	// Benchmarker runs the probe battery.
	Benchmarker interface {
		RunAll(ctx context.Context) []benchmark.Result
		GetLatestResults() map[string]benchmark.Result
	}

	// Generator turns opportunities into patches.
	Generator interface {
		Generate(opp discovery.Opportunity, strategy patch.Strategy) *patch.Patch
	}

	// Applier writes patches behind the safe-apply state machine.
	Applier interface {
		Apply(ctx context.Context, p patch.Patch) apply.Result
		Totals() (applied, successful, rolledBack int)
	}

	// Archivist keeps the permanent experiment ledger.
	Archivist interface {
		Record(e archive.Entry) archive.Entry
		Statistics() archive.Statistics
		Trend(window int) []archive.TrendPoint
	}
)

// CycleResult summarizes one full improvement cycle. PatchesApplied counts
// apply attempts; PatchesSuccessful counts the ones that stuck.
type CycleResult struct {
	CycleID            string                 `json:"cycle_id"`
	Iteration          int                    `json:"iteration"`
	StartedAt          time.Time              `json:"started_at"`
	DurationSeconds    float64                `json:"duration_seconds"`
	OpportunitiesFound int                    `json:"opportunities_found"`
	PatchesGenerated   int                    `json:"patches_generated"`
	PatchesApplied     int                    `json:"patches_applied"`
	PatchesSuccessful  int                    `json:"patches_successful"`
	PatchesRolledBack  int                    `json:"patches_rolled_back"`
	ScoreBefore        float64                `json:"benchmark_score_before"`
	ScoreAfter         float64                `json:"benchmark_score_after"`
	Delta              float64                `json:"improvement_delta"`
	Error              string                 `json:"error,omitempty"`
	Details            map[string]interface{} `json:"details,omitempty"`
}

// State is the small persisted engine state mirror.
type State struct {
	Running           bool      `json:"running"`
	LastCycle         time.Time `json:"last_cycle"`
	TotalCycles       int       `json:"total_cycles"`
	TotalImprovements int       `json:"total_improvements"`
}

// Status is the live view returned by Status(): the persisted mirror plus
// aggregates derived from cycle history and the archive.
type Status struct {
	State
	MeanDelta float64            `json:"mean_delta"`
	Archive   archive.Statistics `json:"archive_statistics"`
}

// historyDoc is the persisted envelope of history.json.
type historyDoc struct {
	LastUpdated time.Time     `json:"last_updated"`
	TotalCycles int           `json:"total_cycles"`
	Cycles      []CycleResult `json:"cycles"`
}

// Engine runs improvement cycles over its injected collaborators.
type Engine struct {
	mu sync.Mutex

	cfg *config.Config

	discoverer Discoverer
	benchmarks Benchmarker
	generator  Generator
	applier    Applier
	ledger     Archivist

	historyDoc *store.Document
	history    historyDoc
	stateDoc   *store.Document
	state      State

	stopping bool
}

// New builds an Engine from explicit collaborators.
func New(cfg *config.Config, d Discoverer, b Benchmarker, g Generator, a Applier, ar Archivist) (*Engine, error) {
	e := &Engine{
		cfg:        cfg,
		discoverer: d,
		benchmarks: b,
		generator:  g,
		applier:    a,
		ledger:     ar,
		historyDoc: store.NewDocument(cfg.CycleHistoryPath()),
		stateDoc:   store.NewDocument(cfg.StatePath()),
	}
	if err := e.historyDoc.Load(&e.history); err != nil {
		return nil, err
	}
	if err := e.stateDoc.Load(&e.state); err != nil {
		return nil, err
	}
	// A running flag left over from a crashed process is stale by definition.
	e.state.Running = false
	return e, nil
}

// NewFromConfig builds an Engine wired to the real components.
func NewFromConfig(cfg *config.Config) (*Engine, error) {
	discoverer, err := discovery.New(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to init discovery: %w", err)
	}
	benchmarks, err := benchmark.NewRunner(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to init benchmarks: %w", err)
	}
	generator, err := patch.NewGenerator(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to init patch generator: %w", err)
	}
	applier, err := apply.NewApplier(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to init applier: %w", err)
	}
	ledger, err := archive.New(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to init archive: %w", err)
	}
	return New(cfg, discoverer, benchmarks, generator, applier, ledger)
}

// RunCycle executes one full improvement cycle.
func (e *Engine) RunCycle(ctx context.Context) CycleResult {
	timer := logging.StartTimer(logging.CategoryEngine, "improvement_cycle")
	defer timer.Stop()

	start := time.Now()
	res := CycleResult{
		CycleID:   uuid.NewString(),
		StartedAt: start.UTC(),
		Details:   make(map[string]interface{}),
	}

	e.setRunning(true)
	defer e.setRunning(false)

	e.mu.Lock()
	res.Iteration = e.state.TotalCycles + 1
	e.mu.Unlock()

	logging.Engine("cycle %s: starting iteration %d", res.CycleID, res.Iteration)

	// DISCOVER
	discovered := e.discoverer.DiscoverAll()
	res.OpportunitiesFound = len(discovered)

	// ANALYZE: rank and take the per-cycle budget.
	limit := e.cfg.Engine.MaxPatchesPerCycle
	if limit <= 0 {
		limit = 3
	}
	top := e.discoverer.GetTopOpportunities(limit)

	// MEASURE (before)
	before := e.benchmarks.RunAll(ctx)
	res.ScoreBefore = benchmark.AverageScore(before)
	topSummary := make([]map[string]interface{}, 0, len(top))
	for _, opp := range top {
		topSummary = append(topSummary, map[string]interface{}{
			"id":       opp.ID,
			"title":    opp.Title,
			"category": string(opp.Category),
			"priority": opp.Priority,
		})
	}
	res.Details["top_opportunities"] = topSummary

	// GENERATE + APPLY + LEARN, one opportunity at a time.
	var outcomes []map[string]interface{}
	for _, opp := range top {
		if ctx.Err() != nil {
			res.Error = "cycle interrupted"
			break
		}
		p := e.generator.Generate(opp, patch.StrategyAuto)
		if p == nil {
			continue
		}
		res.PatchesGenerated++

		applied := e.applier.Apply(ctx, *p)
		res.PatchesApplied++
		outcome := map[string]interface{}{
			"patch_id":    applied.PatchID,
			"file":        applied.FilePath,
			"success":     applied.Success,
			"rolled_back": applied.RolledBack,
		}
		if applied.Error != "" {
			outcome["error"] = applied.Error
		}
		outcomes = append(outcomes, outcome)

		if applied.RolledBack {
			res.PatchesRolledBack++
		}
		if !applied.Success {
			continue
		}
		res.PatchesSuccessful++
		e.discoverer.MarkAddressed(opp.ID)

		// Only successes reach the ledger; failed attempts live in the
		// apply history. The post-cycle score is not known yet at archive
		// time, so the entry records an optimistic +1 flagged provisional
		// and is never revised afterward.
		e.ledger.Record(archive.Entry{
			ImprovementType: string(opp.Category),
			Success:         true,
			ScoreBefore:     res.ScoreBefore,
			ScoreAfter:      res.ScoreBefore + 1,
			Provisional:     true,
			PatchID:         applied.PatchID,
			FileChanged:     relToRoot(e.cfg.ProjectRoot, applied.FilePath),
			Notes:           p.Description,
		})
	}
	if len(outcomes) > 0 {
		res.Details["apply_outcomes"] = outcomes
	}

	// MEASURE (after)
	after := e.benchmarks.RunAll(ctx)
	res.ScoreAfter = benchmark.AverageScore(after)
	res.Delta = res.ScoreAfter - res.ScoreBefore
	res.DurationSeconds = time.Since(start).Seconds()

	e.recordCycle(res)
	logging.Engine("cycle %s: %d found, %d/%d applies succeeded, %d rolled back, delta %.2f",
		res.CycleID, res.OpportunitiesFound, res.PatchesSuccessful, res.PatchesApplied, res.PatchesRolledBack, res.Delta)
	return res
}

// RunContinuous runs cycles until ctx is cancelled, Stop is called, or
// maxCycles completes (0 = unbounded). A cycle that errored backs off
// ErrorBackoffSeconds instead of the full interval.
func (e *Engine) RunContinuous(ctx context.Context, interval time.Duration, maxCycles int) {
	if interval <= 0 {
		interval = time.Duration(e.cfg.Engine.CycleIntervalSeconds) * time.Second
	}
	backoff := time.Duration(e.cfg.Engine.ErrorBackoffSeconds) * time.Second
	if backoff <= 0 {
		backoff = time.Minute
	}

	for cycles := 0; maxCycles <= 0 || cycles < maxCycles; cycles++ {
		if ctx.Err() != nil || e.stopRequested() {
			return
		}
		res := e.RunCycle(ctx)

		sleep := interval
		if res.Error != "" {
			sleep = backoff
			logging.EngineWarn("cycle %s errored (%s); backing off %s", res.CycleID, res.Error, sleep)
		}
		if maxCycles > 0 && cycles+1 >= maxCycles {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(sleep):
		}
	}
}

// Stop requests a cooperative halt of RunContinuous between cycles. The
// in-flight cycle always finishes; stopping mid-apply could leave the target
// tree half-patched.
func (e *Engine) Stop() {
	e.mu.Lock()
	e.stopping = true
	e.mu.Unlock()
}

func (e *Engine) stopRequested() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stopping
}

// Status returns the persisted state mirror plus the mean delta across all
// recorded cycles and the current archive statistics.
func (e *Engine) Status() Status {
	e.mu.Lock()
	state := e.state
	meanDelta := 0.0
	if len(e.history.Cycles) > 0 {
		sum := 0.0
		for _, c := range e.history.Cycles {
			sum += c.Delta
		}
		meanDelta = sum / float64(len(e.history.Cycles))
	}
	e.mu.Unlock()

	return Status{
		State:     state,
		MeanDelta: meanDelta,
		Archive:   e.ledger.Statistics(),
	}
}

// History returns a copy of the recorded cycles, oldest first.
func (e *Engine) History() []CycleResult {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]CycleResult, len(e.history.Cycles))
	copy(out, e.history.Cycles)
	return out
}

// Report builds a human-readable multi-line status report.
func (e *Engine) Report() string {
	state := e.Status()
	stats := e.ledger.Statistics()
	trend := e.ledger.Trend(10)
	latest := e.benchmarks.GetLatestResults()
	backlog := e.discoverer.Stats()
	applied, successful, rolledBack := e.applier.Totals()

	var b strings.Builder
	fmt.Fprintf(&b, "NEXUS Self-Improvement Engine\n")
	fmt.Fprintf(&b, "  cycles run:          %d (last %s)\n", state.TotalCycles, formatLast(state.LastCycle))
	fmt.Fprintf(&b, "  improvements:        %d\n", state.TotalImprovements)
	fmt.Fprintf(&b, "  applies:             %d total, %d successful, %d rolled back\n", applied, successful, rolledBack)
	fmt.Fprintf(&b, "  experiments:         %d (%.1f%% success, avg +%.2f, mean cycle delta %+.2f)\n",
		stats.TotalExperiments, stats.SuccessRate, stats.AverageImprovement, state.MeanDelta)
	if len(trend) > 0 {
		last := trend[len(trend)-1]
		fmt.Fprintf(&b, "  score trend:         %.1f at iteration %d (%d recent points)\n",
			last.ScoreAfter, last.Iteration, len(trend))
	}

	if len(latest) > 0 {
		fmt.Fprintf(&b, "  benchmarks:\n")
		for _, id := range benchmark.IDs(mapValues(latest)) {
			res := latest[id]
			fmt.Fprintf(&b, "    %-12s %6.1f  passed=%v\n", id, res.Score, res.Passed)
		}
	}
	if len(backlog) > 0 {
		fmt.Fprintf(&b, "  backlog:\n")
		for _, cat := range discovery.Categories() {
			if n := backlog[cat]; n > 0 {
				fmt.Fprintf(&b, "    %-12s %d\n", cat, n)
			}
		}
	}
	return b.String()
}

func (e *Engine) setRunning(running bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state.Running = running
	if err := e.stateDoc.Save(&e.state); err != nil {
		logging.EngineError("failed to persist state: %v", err)
	}
}

func (e *Engine) recordCycle(res CycleResult) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.history.Cycles = append(e.history.Cycles, res)
	if len(e.history.Cycles) > cycleHistoryCap {
		e.history.Cycles = e.history.Cycles[len(e.history.Cycles)-cycleHistoryCap:]
	}
	e.history.LastUpdated = time.Now().UTC()
	e.history.TotalCycles++
	if err := e.historyDoc.Save(&e.history); err != nil {
		logging.EngineError("failed to persist cycle history: %v", err)
	}

	e.state.LastCycle = res.StartedAt
	e.state.TotalCycles++
	e.state.TotalImprovements += res.PatchesSuccessful
	if err := e.stateDoc.Save(&e.state); err != nil {
		logging.EngineError("failed to persist state: %v", err)
	}
}

func relToRoot(root, path string) string {
	if path == "" {
		return ""
	}
	if rel, err := filepath.Rel(root, path); err == nil {
		return rel
	}
	return path
}

func formatLast(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return t.Format(time.RFC3339)
}

func mapValues(m map[string]benchmark.Result) []benchmark.Result {
	out := make([]benchmark.Result, 0, len(m))
	for _, v := range m {
		out = append(out, v)
	}
	return out
}
