// Package patch turns improvement opportunities into whole-file replacement
// patches via mechanical template substitution. There is no diff/merge logic
// anywhere in the pipeline: FileReplacement makes that explicit.
package patch

import (
	"os"
	"regexp"
	"strings"
	"sync"
	"time"

	"nexus/internal/config"
	"nexus/internal/discovery"
	"nexus/internal/logging"
	"nexus/internal/store"
)

const patchCap = 100

// Strategy selects the generation approach.
type Strategy string

const (
	StrategyAuto     Strategy = "auto"
	StrategyTemplate Strategy = "template"
	StrategyPattern  Strategy = "pattern"
)

// categoryStrategies is the fixed category→strategy map used by auto
// resolution. Both concrete strategies currently delegate to the template
// implementation; the split is kept because the archive predicts by category.
var categoryStrategies = map[discovery.Category]Strategy{
	discovery.CategoryCodeQuality: StrategyTemplate,
	discovery.CategoryPerformance: StrategyPattern,
	discovery.CategoryBug:         StrategyTemplate,
	discovery.CategorySecurity:    StrategyTemplate,
	discovery.CategoryLearning:    StrategyPattern,
	discovery.CategoryFeature:     StrategyTemplate,
}

// FileReplacement is a whole-file before/after content pair. A conflicting
// concurrent edit to the target file is clobbered on apply; rollback restores
// the byte-exact backup.
type FileReplacement struct {
	FilePath     string `json:"file_path"`
	OriginalCode string `json:"original_code"`
	PatchedCode  string `json:"patched_code"`
}

// Patch is one proposed code change, consumed exactly once by the applier.
type Patch struct {
	PatchID       int    `json:"patch_id"`
	OpportunityID string `json:"opportunity_id"`
	FileReplacement
	Description string            `json:"description"`
	Confidence  float64           `json:"confidence"`
	Strategy    Strategy          `json:"strategy"`
	Timestamp   time.Time         `json:"timestamp"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// AppliedSet reports which patch ids have already been applied. The applier
// is the sole owner of that state; querying it here (instead of keeping a
// second persisted id set) eliminates the cross-store drift hazard.
type AppliedSet interface {
	IsApplied(patchID int) bool
}

// patchesDoc is the persisted envelope of generated.json.
type patchesDoc struct {
	LastUpdated  time.Time `json:"last_updated"`
	TotalPatches int       `json:"total_patches"`
	Patches      []Patch   `json:"patches"`
}

// Generator produces patches and keeps the generated-patch store.
type Generator struct {
	mu sync.Mutex

	doc    *store.Document
	data   patchesDoc
	nextID int
}

// NewGenerator loads the patch store for the configured root.
func NewGenerator(cfg *config.Config) (*Generator, error) {
	g := &Generator{doc: store.NewDocument(cfg.GeneratedPatchesPath())}
	if err := g.doc.Load(&g.data); err != nil {
		return nil, err
	}
	for _, p := range g.data.Patches {
		if p.PatchID >= g.nextID {
			g.nextID = p.PatchID + 1
		}
	}
	if g.nextID == 0 {
		g.nextID = 1
	}
	return g, nil
}

// Generate creates one patch for the opportunity, or nil when no patch is
// possible (missing file path, unreadable file). A nil patch is a normal
// outcome, not a failure.
func (g *Generator) Generate(opp discovery.Opportunity, strategy Strategy) *Patch {
	if strategy == StrategyAuto || strategy == "" {
		resolved, ok := categoryStrategies[opp.Category]
		if !ok {
			resolved = StrategyTemplate
		}
		strategy = resolved
	}

	if opp.FilePath == "" {
		logging.PatchDebug("no file path on %s; skipping", opp.ID)
		return nil
	}
	original, err := os.ReadFile(opp.FilePath)
	if err != nil {
		logging.PatchDebug("cannot read %s: %v", opp.FilePath, err)
		return nil
	}

	// Both concrete strategies delegate to the template transforms.
	patched, description, confidence := applyTemplate(opp, string(original))

	g.mu.Lock()
	defer g.mu.Unlock()

	p := Patch{
		PatchID:       g.nextID,
		OpportunityID: opp.ID,
		FileReplacement: FileReplacement{
			FilePath:     opp.FilePath,
			OriginalCode: string(original),
			PatchedCode:  patched,
		},
		Description: description,
		Confidence:  confidence,
		Strategy:    strategy,
		Timestamp:   time.Now().UTC(),
		Metadata:    map[string]string{"category": string(opp.Category)},
	}
	g.nextID++

	g.data.Patches = append(g.data.Patches, p)
	if len(g.data.Patches) > patchCap {
		g.data.Patches = g.data.Patches[len(g.data.Patches)-patchCap:]
	}
	g.data.LastUpdated = time.Now().UTC()
	g.data.TotalPatches = len(g.data.Patches)
	if err := g.doc.Save(&g.data); err != nil {
		logging.Get(logging.CategoryPatch).Error("failed to persist patches: %v", err)
	}

	logging.Patch("generated patch %d for %s (confidence %.2f)", p.PatchID, opp.ID, p.Confidence)
	return &p
}

// GetPendingPatches returns patches not yet applied (per the applier's
// history) at or above the confidence threshold.
func (g *Generator) GetPendingPatches(applied AppliedSet, minConfidence float64) []Patch {
	g.mu.Lock()
	defer g.mu.Unlock()

	var pending []Patch
	for _, p := range g.data.Patches {
		if p.Confidence < minConfidence {
			continue
		}
		if applied != nil && applied.IsApplied(p.PatchID) {
			continue
		}
		pending = append(pending, p)
	}
	return pending
}

// GetHighConfidencePatches returns patches with confidence > 0.7.
func (g *Generator) GetHighConfidencePatches() []Patch {
	g.mu.Lock()
	defer g.mu.Unlock()

	var high []Patch
	for _, p := range g.data.Patches {
		if p.Confidence > 0.7 {
			high = append(high, p)
		}
	}
	return high
}

// =============================================================================
// TEMPLATE TRANSFORMS
// =============================================================================

var (
	defRe   = regexp.MustCompile(`(?m)^(\s*)(?:async\s+)?def\s+[A-Za-z_][A-Za-z0-9_]*\s*\([^)]*\)[^:]*:`)
	inputRe = regexp.MustCompile(`\binput\(([^()]*)\)`)
)

const sanitizerPrelude = `def _sanitize_input(value):
    """Strip control characters and surrounding whitespace from user input."""
    return "".join(ch for ch in value if ch.isprintable()).strip()


`

const cachingPrelude = "# TODO: profile the hot paths below and add caching (functools.lru_cache)\n"

// applyTemplate runs the category-specific mechanical transform and returns
// (patched content, description, confidence).
func applyTemplate(opp discovery.Opportunity, original string) (string, string, float64) {
	switch opp.Category {
	case discovery.CategoryCodeQuality:
		if patched, ok := insertDocstring(original); ok {
			return patched, "Insert synthesized docstring after first def", 0.7
		}
	case discovery.CategorySecurity:
		if patched, ok := wrapInputCalls(original); ok {
			return patched, "Wrap input() calls with sanitizer helper", 0.6
		}
	case discovery.CategoryPerformance:
		return cachingPrelude + original, "Flag hot paths for caching", 0.4
	}
	return original, "No mechanical transform for " + string(opp.Category), 0.5
}

// insertDocstring adds a synthesized docstring after the first def line when
// none is present within the first 200 characters after it.
func insertDocstring(src string) (string, bool) {
	loc := defRe.FindStringSubmatchIndex(src)
	if loc == nil {
		return src, false
	}
	defEnd := loc[1]
	window := src[defEnd:]
	if len(window) > 200 {
		window = window[:200]
	}
	if strings.Contains(window, `"""`) || strings.Contains(window, "'''") {
		return src, false
	}

	indent := src[loc[2]:loc[3]] + "    "
	doc := "\n" + indent + `"""Auto-generated summary: document this function's contract."""`
	return src[:defEnd] + doc + src[defEnd:], true
}

// wrapInputCalls wraps bare input() calls with the sanitizer and prepends the
// helper definition. Only single-level calls match; nested parens are left
// alone.
func wrapInputCalls(src string) (string, bool) {
	if !inputRe.MatchString(src) || strings.Contains(src, "_sanitize_input") {
		return src, false
	}
	patched := inputRe.ReplaceAllString(src, `_sanitize_input(input($1))`)
	return sanitizerPrelude + patched, true
}
