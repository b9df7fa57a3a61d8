package patch

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"nexus/internal/config"
	"nexus/internal/discovery"
)

// fakeApplied marks a fixed set of patch ids as applied.
type fakeApplied map[int]bool

func (f fakeApplied) IsApplied(id int) bool { return f[id] }

func newTestGenerator(t *testing.T) (*Generator, *config.Config) {
	t.Helper()
	cfg := config.DefaultConfig(t.TempDir())
	g, err := NewGenerator(cfg)
	if err != nil {
		t.Fatalf("NewGenerator: %v", err)
	}
	return g, cfg
}

func targetFile(t *testing.T, cfg *config.Config, name, content string) string {
	t.Helper()
	path := filepath.Join(cfg.ProjectRoot, name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestGenerateAssignsSequentialIDs(t *testing.T) {
	g, cfg := newTestGenerator(t)
	path := targetFile(t, cfg, "mod.py", "def f():\n    return 1\n")

	opp := discovery.Opportunity{ID: "OPP-1", Category: discovery.CategoryCodeQuality, FilePath: path}
	p1 := g.Generate(opp, StrategyAuto)
	p2 := g.Generate(opp, StrategyAuto)
	if p1 == nil || p2 == nil {
		t.Fatal("expected patches, got nil")
	}
	if p1.PatchID != 1 || p2.PatchID != 2 {
		t.Errorf("ids = %d, %d, want 1, 2", p1.PatchID, p2.PatchID)
	}
	if p1.OriginalCode == "" {
		t.Error("original code not captured")
	}
}

func TestIDsSurviveReload(t *testing.T) {
	cfg := config.DefaultConfig(t.TempDir())
	path := targetFile(t, cfg, "mod.py", "def f():\n    return 1\n")
	opp := discovery.Opportunity{ID: "OPP-1", Category: discovery.CategoryCodeQuality, FilePath: path}

	g1, err := NewGenerator(cfg)
	if err != nil {
		t.Fatal(err)
	}
	g1.Generate(opp, StrategyAuto)

	g2, err := NewGenerator(cfg)
	if err != nil {
		t.Fatal(err)
	}
	p := g2.Generate(opp, StrategyAuto)
	if p.PatchID != 2 {
		t.Errorf("reloaded generator id = %d, want 2", p.PatchID)
	}
}

func TestGenerateNilForMissingFile(t *testing.T) {
	g, cfg := newTestGenerator(t)

	if p := g.Generate(discovery.Opportunity{ID: "OPP-1", Category: discovery.CategoryBug}, StrategyAuto); p != nil {
		t.Errorf("no file path: got %+v, want nil", p)
	}
	gone := filepath.Join(cfg.ProjectRoot, "gone.py")
	if p := g.Generate(discovery.Opportunity{ID: "OPP-2", Category: discovery.CategoryBug, FilePath: gone}, StrategyAuto); p != nil {
		t.Errorf("unreadable file: got %+v, want nil", p)
	}
}

func TestAutoStrategyResolution(t *testing.T) {
	g, cfg := newTestGenerator(t)
	path := targetFile(t, cfg, "mod.py", "x = 1\n")

	tests := []struct {
		category discovery.Category
		want     Strategy
	}{
		{discovery.CategoryCodeQuality, StrategyTemplate},
		{discovery.CategoryPerformance, StrategyPattern},
		{discovery.CategoryLearning, StrategyPattern},
		{discovery.CategorySecurity, StrategyTemplate},
	}
	for _, tt := range tests {
		p := g.Generate(discovery.Opportunity{ID: "OPP-x", Category: tt.category, FilePath: path}, StrategyAuto)
		if p == nil {
			t.Fatalf("%s: nil patch", tt.category)
		}
		if p.Strategy != tt.want {
			t.Errorf("%s: strategy = %s, want %s", tt.category, p.Strategy, tt.want)
		}
	}
}

func TestInsertDocstring(t *testing.T) {
	src := "def greet(name):\n    return 'hi ' + name\n"
	patched, ok := insertDocstring(src)
	if !ok {
		t.Fatal("transform declined")
	}
	if !strings.Contains(patched, `"""`) {
		t.Error("no docstring inserted")
	}
	if !strings.Contains(patched, "return 'hi ' + name") {
		t.Error("body lost")
	}

	// Already documented: no double insert.
	documented := "def greet(name):\n    \"\"\"Say hi.\"\"\"\n    return name\n"
	if _, ok := insertDocstring(documented); ok {
		t.Error("documented function should be left alone")
	}

	// No functions at all.
	if _, ok := insertDocstring("x = 1\n"); ok {
		t.Error("module without defs should be left alone")
	}
}

func TestWrapInputCalls(t *testing.T) {
	src := "name = input('name? ')\nprint(name)\n"
	patched, ok := wrapInputCalls(src)
	if !ok {
		t.Fatal("transform declined")
	}
	if !strings.Contains(patched, "_sanitize_input(input('name? '))") {
		t.Errorf("input not wrapped:\n%s", patched)
	}
	if !strings.HasPrefix(patched, "def _sanitize_input") {
		t.Error("sanitizer helper not prepended")
	}

	// Idempotent: already sanitized content is declined.
	if _, ok := wrapInputCalls(patched); ok {
		t.Error("re-wrapping sanitized content")
	}
	if _, ok := wrapInputCalls("x = 1\n"); ok {
		t.Error("content without input() should be declined")
	}
}

func TestConfidenceByCategory(t *testing.T) {
	g, cfg := newTestGenerator(t)

	tests := []struct {
		name     string
		category discovery.Category
		content  string
		want     float64
	}{
		{"docstring insert", discovery.CategoryCodeQuality, "def f():\n    return 1\n", 0.7},
		{"input wrap", discovery.CategorySecurity, "x = input('? ')\n", 0.6},
		{"caching flag", discovery.CategoryPerformance, "x = 1\n", 0.4},
		{"identity fallback", discovery.CategoryBug, "x = 1\n", 0.5},
		{"declined docstring", discovery.CategoryCodeQuality, "x = 1\n", 0.5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := targetFile(t, cfg, "conf.py", tt.content)
			p := g.Generate(discovery.Opportunity{ID: "OPP-c", Category: tt.category, FilePath: path}, StrategyAuto)
			if p == nil {
				t.Fatal("nil patch")
			}
			if p.Confidence != tt.want {
				t.Errorf("confidence = %.2f, want %.2f", p.Confidence, tt.want)
			}
		})
	}
}

func TestIdentityFallbackKeepsContent(t *testing.T) {
	g, cfg := newTestGenerator(t)
	content := "value = compute()\n"
	path := targetFile(t, cfg, "mod.py", content)

	p := g.Generate(discovery.Opportunity{ID: "OPP-f", Category: discovery.CategoryFeature, FilePath: path}, StrategyAuto)
	if p == nil {
		t.Fatal("nil patch")
	}
	if p.PatchedCode != content {
		t.Error("identity fallback modified the content")
	}
}

func TestGetPendingPatches(t *testing.T) {
	g, cfg := newTestGenerator(t)
	path := targetFile(t, cfg, "mod.py", "def f():\n    return 1\n")
	opp := discovery.Opportunity{ID: "OPP-1", Category: discovery.CategoryCodeQuality, FilePath: path}

	p1 := g.Generate(opp, StrategyAuto) // confidence 0.7
	g.Generate(discovery.Opportunity{ID: "OPP-2", Category: discovery.CategoryPerformance, FilePath: path}, StrategyAuto) // 0.4

	pending := g.GetPendingPatches(fakeApplied{}, 0.5)
	if len(pending) != 1 {
		t.Fatalf("pending = %d, want 1 (confidence filter)", len(pending))
	}
	if pending[0].PatchID != p1.PatchID {
		t.Errorf("wrong patch pending: %d", pending[0].PatchID)
	}

	pending = g.GetPendingPatches(fakeApplied{p1.PatchID: true}, 0.5)
	if len(pending) != 0 {
		t.Errorf("applied patch still pending: %+v", pending)
	}
}

func TestGetHighConfidencePatches(t *testing.T) {
	g, cfg := newTestGenerator(t)
	path := targetFile(t, cfg, "mod.py", "def f():\n    return 1\n")

	g.Generate(discovery.Opportunity{ID: "OPP-1", Category: discovery.CategoryCodeQuality, FilePath: path}, StrategyAuto) // 0.7
	g.Generate(discovery.Opportunity{ID: "OPP-2", Category: discovery.CategoryPerformance, FilePath: path}, StrategyAuto) // 0.4

	// 0.7 is not strictly greater than 0.7.
	if high := g.GetHighConfidencePatches(); len(high) != 0 {
		t.Errorf("high confidence = %d, want 0", len(high))
	}
}

func TestPatchTimestampAndMetadata(t *testing.T) {
	g, cfg := newTestGenerator(t)
	path := targetFile(t, cfg, "mod.py", "x = 1\n")

	before := time.Now().Add(-time.Second)
	p := g.Generate(discovery.Opportunity{ID: "OPP-1", Category: discovery.CategorySecurity, FilePath: path}, StrategyAuto)
	if p == nil {
		t.Fatal("nil patch")
	}
	if p.Timestamp.Before(before) {
		t.Error("stale timestamp")
	}
	if p.Metadata["category"] != "security" {
		t.Errorf("metadata category = %q, want security", p.Metadata["category"])
	}
}
