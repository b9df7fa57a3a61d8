// Package discovery scans a source tree and recent logs for candidate
// improvement sites and maintains the append-only opportunity store.
package discovery

import (
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

// learningState mirrors the fields this engine reads from the external
// learning-loop state blob. The file is owned by the learning collaborator;
// the engine never writes it.
type learningState struct {
	Stats struct {
		KnowledgeItemsLearned int `json:"knowledge_items_learned"`
	} `json:"stats"`
	NoImprovementStreak int `json:"no_improvement_streak"`
}

// storeDoc is the persisted envelope of discovered.json.
type storeDoc struct {
	LastUpdated     time.Time     `json:"last_updated"`
	TotalDiscovered int           `json:"total_discovered"`
	Improvements    []Opportunity `json:"improvements"`
}

// Discoverer produces deduplicated, priority-ranked opportunities from five
// independent sub-scans and persists them.
type Discoverer struct {
	mu sync.Mutex

	root              string
	logsDir           string
	learningStatePath string
	exclusions        []string
	maxFiles          int

	codeQuality StaticAnalyzer
	performance StaticAnalyzer
	security    StaticAnalyzer

	doc  *store.Document
	data storeDoc
}

// New creates a Discoverer for the configured project root and loads the
// existing opportunity store.
func New(cfg *config.Config) (*Discoverer, error) {
	d := &Discoverer{
		root:              cfg.ProjectRoot,
		logsDir:           cfg.Resolve(cfg.Paths.LogsDir),
		learningStatePath: cfg.Resolve(cfg.Paths.LearningStatePath),
		exclusions:        cfg.Runner.Exclusions,
		maxFiles:          cfg.Runner.MaxFilesPerScan,
		codeQuality:       NewCodeQualityAnalyzer(),
		performance:       NewPatternAnalyzer("performance", PerformanceRules()),
		security:          NewPatternAnalyzer("security", SecurityRules()),
		doc:               store.NewDocument(cfg.DiscoveredPath()),
	}
	if d.maxFiles <= 0 {
		d.maxFiles = 50
	}
	if err := d.doc.Load(&d.data); err != nil {
		return nil, err
	}
	return d, nil
}

// DiscoverAll runs all five sub-scans, deduplicates by id, sorts descending
// by priority (stable, ties keep discovery order), appends previously unseen
// opportunities to the store, and returns the newly discovered batch.
// Discovery never fails as a whole because of a single bad file.
func (d *Discoverer) DiscoverAll() []Opportunity {
	timer := logging.StartTimer(logging.CategoryDiscovery, "discover_all")
	defer timer.Stop()

	var batch []Opportunity
	batch = append(batch, d.scanTree("code_quality_scan", d.codeQuality, d.maxFiles)...)
	batch = append(batch, d.scanTree("performance_scan", d.performance, 30)...)
	batch = append(batch, d.scanLogs()...)
	batch = append(batch, d.scanLearningStall()...)
	batch = append(batch, d.scanTree("security_scan", d.security, d.maxFiles)...)

	// Dedup by id, first occurrence wins.
	seen := make(map[string]bool, len(batch))
	deduped := batch[:0]
	for _, opp := range batch {
		if seen[opp.ID] {
			continue
		}
		seen[opp.ID] = true
		deduped = append(deduped, opp)
	}
	sort.SliceStable(deduped, func(i, j int) bool {
		return deduped[i].Priority > deduped[j].Priority
	})

	d.mu.Lock()
	defer d.mu.Unlock()
	existing := make(map[string]bool, len(d.data.Improvements))
	for _, opp := range d.data.Improvements {
		existing[opp.ID] = true
	}
	appended := 0
	for _, opp := range deduped {
		if existing[opp.ID] {
			continue
		}
		d.data.Improvements = append(d.data.Improvements, opp)
		appended++
	}
	if appended > 0 {
		d.data.LastUpdated = time.Now().UTC()
		d.data.TotalDiscovered = len(d.data.Improvements)
		if err := d.doc.Save(&d.data); err != nil {
			logging.Get(logging.CategoryDiscovery).Error("failed to persist opportunities: %v", err)
		}
	}

	logging.Discovery("discovered %d opportunities (%d new)", len(deduped), appended)
	return deduped
}

// GetTopOpportunities returns the full historical store sorted by
// (priority, expected_value) descending, truncated to limit.
func (d *Discoverer) GetTopOpportunities(limit int) []Opportunity {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]Opportunity, len(d.data.Improvements))
	copy(out, d.data.Improvements)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].ExpectedValue > out[j].ExpectedValue
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// MarkAddressed removes one opportunity from the store by id.
func (d *Discoverer) MarkAddressed(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	for i, opp := range d.data.Improvements {
		if opp.ID == id {
			d.data.Improvements = append(d.data.Improvements[:i], d.data.Improvements[i+1:]...)
			d.data.LastUpdated = time.Now().UTC()
			d.data.TotalDiscovered = len(d.data.Improvements)
			if err := d.doc.Save(&d.data); err != nil {
				logging.Get(logging.CategoryDiscovery).Error("failed to persist opportunities: %v", err)
			}
			return true
		}
	}
	return false
}

// Stats returns opportunity counts by category for the stored backlog.
func (d *Discoverer) Stats() map[Category]int {
	d.mu.Lock()
	defer d.mu.Unlock()

	stats := make(map[Category]int)
	for _, opp := range d.data.Improvements {
		stats[opp.Category]++
	}
	return stats
}

// =============================================================================
// SUB-SCANS
// =============================================================================

// scanTree walks the source tree and applies one analyzer to the first
// maxFiles Python files, skipping excluded paths and unreadable files.
func (d *Discoverer) scanTree(source string, analyzer StaticAnalyzer, maxFiles int) []Opportunity {
	var opps []Opportunity
	scanned := 0

	_ = filepath.WalkDir(d.root, func(path string, entry os.DirEntry, err error) error {
		if err != nil {
			logging.DiscoveryDebug("%s: skipping %s: %v", source, path, err)
			return nil
		}
		if scanned >= maxFiles {
			return filepath.SkipAll
		}
		if entry.IsDir() || !strings.HasSuffix(path, ".py") {
			return nil
		}
		rel, relErr := filepath.Rel(d.root, path)
		if relErr != nil {
			rel = path
		}
		if d.excluded(rel) {
			return nil
		}
		content, readErr := os.ReadFile(path)
		if readErr != nil {
			logging.DiscoveryDebug("%s: skipping %s: %v", source, rel, readErr)
			return nil
		}
		scanned++
		for _, f := range analyzer.Scan(rel, content) {
			opps = append(opps, d.findingToOpportunity(source, rel, f))
		}
		return nil
	})

	return opps
}

// scanLogs flags error indicators in the most recent log files, capped to the
// 20 most recent matches.
func (d *Discoverer) scanLogs() []Opportunity {
	const maxMatches = 20

	entries, err := os.ReadDir(d.logsDir)
	if err != nil {
		logging.DiscoveryDebug("log_scan: cannot read %s: %v", d.logsDir, err)
		return nil
	}

	type logFile struct {
		path string
		mod  time.Time
	}
	var files []logFile
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".log") {
			continue
		}
		info, infoErr := entry.Info()
		if infoErr != nil {
			continue
		}
		files = append(files, logFile{path: filepath.Join(d.logsDir, entry.Name()), mod: info.ModTime()})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].mod.After(files[j].mod) })

	var opps []Opportunity
	for _, lf := range files {
		if len(opps) >= maxMatches {
			break
		}
		content, readErr := os.ReadFile(lf.path)
		if readErr != nil {
			logging.DiscoveryDebug("log_scan: skipping %s: %v", lf.path, readErr)
			continue
		}
		rel := filepath.Base(lf.path)
		for i, line := range strings.Split(string(content), "\n") {
			if len(opps) >= maxMatches {
				break
			}
			if !bugLinePattern.MatchString(line) {
				continue
			}
			opps = append(opps, Opportunity{
				ID:            opportunityID(CategoryBug, rel, i+1, "log_error"),
				Title:         "Error in logs: " + rel,
				Description:   truncateLine(strings.TrimSpace(line), 200),
				Category:      CategoryBug,
				Priority:      8,
				ExpectedValue: 7.0,
				Source:        "log_scan",
				CreatedAt:     time.Now().UTC(),
				Metadata:      map[string]string{"log_file": rel},
			})
		}
	}
	return opps
}

// scanLearningStall reads the external learning state and emits one
// high-priority opportunity when the no-improvement streak exceeds 50.
func (d *Discoverer) scanLearningStall() []Opportunity {
	data, err := os.ReadFile(d.learningStatePath)
	if err != nil {
		logging.DiscoveryDebug("learning_scan: cannot read %s: %v", d.learningStatePath, err)
		return nil
	}
	var state learningState
	if err := json.Unmarshal(data, &state); err != nil {
		logging.DiscoveryDebug("learning_scan: cannot parse %s: %v", d.learningStatePath, err)
		return nil
	}
	if state.NoImprovementStreak <= 50 {
		return nil
	}
	return []Opportunity{{
		ID:            opportunityID(CategoryLearning, "learning_state", 0, "stall"),
		Title:         "Learning system stalled",
		Description:   fmt.Sprintf("No-improvement streak at %d; learning heuristics need new strategies", state.NoImprovementStreak),
		Category:      CategoryLearning,
		Priority:      9,
		ExpectedValue: 8.0,
		Source:        "learning_scan",
		CreatedAt:     time.Now().UTC(),
		Metadata: map[string]string{
			"no_improvement_streak": fmt.Sprintf("%d", state.NoImprovementStreak),
		},
	}}
}

func (d *Discoverer) findingToOpportunity(source, rel string, f Finding) Opportunity {
	return Opportunity{
		ID:            opportunityID(f.Category, rel, f.StartLine, f.Kind),
		Title:         f.Title,
		Description:   f.Description,
		Category:      f.Category,
		Priority:      f.Priority,
		ExpectedValue: f.ExpectedValue,
		FilePath:      filepath.Join(d.root, rel),
		StartLine:     f.StartLine,
		EndLine:       f.EndLine,
		SuggestedFix:  f.SuggestedFix,
		Source:        source,
		CreatedAt:     time.Now().UTC(),
	}
}

func (d *Discoverer) excluded(rel string) bool {
	slashed := "/" + filepath.ToSlash(rel)
	for _, ex := range d.exclusions {
		if strings.Contains(slashed, ex) {
			return true
		}
	}
	return false
}

func truncateLine(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
