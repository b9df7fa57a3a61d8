// Package archive keeps the permanent experiment ledger under wisdom/.
// Entries are never rewritten after the fact: a provisional score stays
// provisional, preserving an honest record of what the engine believed at
// apply time.
package archive

import (
	"fmt"
	"math"
	"sync"
	"time"

	"nexus/internal/config"
	"nexus/internal/logging"
	"nexus/internal/store"
)

// Entry records one improvement experiment.
type Entry struct {
	ID              string    `json:"id"`
	Iteration       int       `json:"iteration"`
	ImprovementType string    `json:"improvement_type"`
	Success         bool      `json:"success"`
	ScoreBefore     float64   `json:"score_before"`
	ScoreAfter      float64   `json:"score_after"`
	Delta           float64   `json:"improvement_delta"`
	// Provisional marks entries whose score_after was estimated at apply
	// time rather than measured. They are never reconciled retroactively.
	Provisional bool      `json:"provisional,omitempty"`
	PatchID     int       `json:"patch_id,omitempty"`
	FileChanged string    `json:"file_changed,omitempty"`
	Notes       string    `json:"notes,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// Statistics is the aggregate block recomputed on every write.
type Statistics struct {
	TotalExperiments   int     `json:"total_experiments"`
	Successful         int     `json:"successful_experiments"`
	Failed             int     `json:"failed_experiments"`
	SuccessRate        float64 `json:"success_rate"`        // percent, 1 decimal
	AverageImprovement float64 `json:"average_improvement"` // mean delta over successes, 2 decimals
	BestImprovement    float64 `json:"best_improvement"`
	TotalDelta         float64 `json:"total_improvement_delta"`
}

// archiveDoc is the persisted envelope of archive.json.
type archiveDoc struct {
	LastUpdated  time.Time  `json:"last_updated"`
	TotalEntries int        `json:"total_entries"`
	Statistics   Statistics `json:"statistics"`
	Entries      []Entry    `json:"entries"`
}

// Archive is the append-only experiment ledger.
type Archive struct {
	mu sync.Mutex

	doc  *store.Document
	data archiveDoc
}

// New loads the archive for the configured root.
func New(cfg *config.Config) (*Archive, error) {
	a := &Archive{doc: store.NewDocument(cfg.ArchivePath())}
	if err := a.doc.Load(&a.data); err != nil {
		return nil, err
	}
	return a, nil
}

// Record appends one experiment, assigns its id and iteration, recomputes
// statistics, and persists. Iterations count from 1 and never reset.
func (a *Archive) Record(e Entry) Entry {
	a.mu.Lock()
	defer a.mu.Unlock()

	e.Iteration = len(a.data.Entries) + 1
	e.ID = fmt.Sprintf("ARCH-%04d", e.Iteration)
	e.Delta = round2(e.ScoreAfter - e.ScoreBefore)
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	a.data.Entries = append(a.data.Entries, e)
	a.data.TotalEntries = len(a.data.Entries)
	a.data.Statistics = computeStatistics(a.data.Entries)
	a.data.LastUpdated = time.Now().UTC()
	if err := a.doc.Save(&a.data); err != nil {
		logging.Get(logging.CategoryArchive).Error("failed to persist archive: %v", err)
	}

	logging.Archive("%s: type=%s success=%v delta=%.2f", e.ID, e.ImprovementType, e.Success, e.Delta)
	return e
}

// Statistics returns the current aggregate block.
func (a *Archive) Statistics() Statistics {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.data.Statistics
}

// Entries returns a copy of the full ledger, oldest first.
func (a *Archive) Entries() []Entry {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]Entry, len(a.data.Entries))
	copy(out, a.data.Entries)
	return out
}

// SuccessfulPatterns counts successful experiments keyed by
// "type:file" (or "type:general" when no file is recorded).
func (a *Archive) SuccessfulPatterns() map[string]int {
	return a.patterns(true)
}

// FailurePatterns counts failed experiments with the same keying.
func (a *Archive) FailurePatterns() map[string]int {
	return a.patterns(false)
}

func (a *Archive) patterns(success bool) map[string]int {
	a.mu.Lock()
	defer a.mu.Unlock()

	patterns := make(map[string]int)
	for _, e := range a.data.Entries {
		if e.Success != success {
			continue
		}
		patterns[patternKey(e)]++
	}
	return patterns
}

func patternKey(e Entry) string {
	file := e.FileChanged
	if file == "" {
		file = "general"
	}
	return e.ImprovementType + ":" + file
}

// PredictBestStrategy returns the improvement type with the most successful
// entries, defaulting to code_quality when the archive is empty or has no
// successes. Failures do not count against a type.
func (a *Archive) PredictBestStrategy() string {
	a.mu.Lock()
	defer a.mu.Unlock()

	wins := make(map[string]int)
	for _, e := range a.data.Entries {
		if e.Success {
			wins[e.ImprovementType]++
		}
	}

	best := "code_quality"
	bestWins := 0
	for t, n := range wins {
		// Ties break lexicographically so the answer is deterministic.
		if n > bestWins || (n == bestWins && n > 0 && t < best) {
			best = t
			bestWins = n
		}
	}
	return best
}

// TrendPoint pairs an iteration number with the score recorded after it.
type TrendPoint struct {
	Iteration  int     `json:"iteration"`
	ScoreAfter float64 `json:"score_after"`
}

// Trend returns the most recent window entries' (iteration, score_after)
// pairs in original order. A non-positive window returns all entries.
func (a *Archive) Trend(window int) []TrendPoint {
	a.mu.Lock()
	defer a.mu.Unlock()

	entries := a.data.Entries
	if window > 0 && len(entries) > window {
		entries = entries[len(entries)-window:]
	}
	points := make([]TrendPoint, 0, len(entries))
	for _, e := range entries {
		points = append(points, TrendPoint{Iteration: e.Iteration, ScoreAfter: e.ScoreAfter})
	}
	return points
}

// BestIteration returns the entry with the highest score_after, or false for
// an empty archive.
func (a *Archive) BestIteration() (Entry, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if len(a.data.Entries) == 0 {
		return Entry{}, false
	}
	best := a.data.Entries[0]
	for _, e := range a.data.Entries[1:] {
		if e.ScoreAfter > best.ScoreAfter {
			best = e
		}
	}
	return best, true
}

// computeStatistics rebuilds the aggregate block from scratch. An empty
// ledger yields all zeros, never NaN.
func computeStatistics(entries []Entry) Statistics {
	stats := Statistics{TotalExperiments: len(entries)}
	if len(entries) == 0 {
		return stats
	}

	// Delta aggregates count successful experiments only; a failed
	// experiment's delta never leaks into the totals.
	successDelta := 0.0
	for _, e := range entries {
		if !e.Success {
			stats.Failed++
			continue
		}
		stats.Successful++
		successDelta += e.Delta
		stats.TotalDelta += e.Delta
		if e.Delta > stats.BestImprovement {
			stats.BestImprovement = e.Delta
		}
	}
	stats.SuccessRate = round1(float64(stats.Successful) / float64(len(entries)) * 100)
	if stats.Successful > 0 {
		stats.AverageImprovement = round2(successDelta / float64(stats.Successful))
	}
	stats.TotalDelta = round2(stats.TotalDelta)
	return stats
}

func round1(v float64) float64 { return math.Round(v*10) / 10 }
func round2(v float64) float64 { return math.Round(v*100) / 100 }
