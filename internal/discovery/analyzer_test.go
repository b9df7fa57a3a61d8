package discovery

import (
	"strings"
	"testing"
)

func TestCodeQualityLongFunction(t *testing.T) {
	var b strings.Builder
	b.WriteString("def long_one():\n")
	for i := 0; i < 60; i++ {
		b.WriteString("    x = 1\n")
	}
	b.WriteString("def short_one():\n    return 1\n")

	findings := NewCodeQualityAnalyzer().Scan("mod.py", []byte(b.String()))

	var long []Finding
	for _, f := range findings {
		if strings.HasPrefix(f.Kind, "long_function:") {
			long = append(long, f)
		}
	}
	if len(long) != 1 {
		t.Fatalf("expected 1 long-function finding, got %d: %+v", len(long), long)
	}
	if long[0].Kind != "long_function:long_one" {
		t.Errorf("wrong function flagged: %s", long[0].Kind)
	}
	if long[0].StartLine != 1 {
		t.Errorf("start line = %d, want 1", long[0].StartLine)
	}
	if long[0].Priority != 5 {
		t.Errorf("priority = %d, want 5", long[0].Priority)
	}
}

func TestCodeQualityShortFunctionsClean(t *testing.T) {
	src := "def a():\n    return 1\n\nasync def b():\n    return 2\n"
	for _, f := range NewCodeQualityAnalyzer().Scan("mod.py", []byte(src)) {
		if strings.HasPrefix(f.Kind, "long_function:") {
			t.Errorf("unexpected long-function finding: %+v", f)
		}
	}
}

func TestCodeQualityTodoMarkers(t *testing.T) {
	src := "x = 1  # TODO: fix this\ny = 2\nz = 3  # FIXME broken\n"
	findings := NewCodeQualityAnalyzer().Scan("mod.py", []byte(src))

	todos := 0
	for _, f := range findings {
		if f.Kind == "todo" {
			todos++
			if f.Priority != 3 {
				t.Errorf("todo priority = %d, want 3", f.Priority)
			}
		}
	}
	if todos != 2 {
		t.Errorf("todo findings = %d, want 2", todos)
	}
}

func TestPerformanceRules(t *testing.T) {
	analyzer := NewPatternAnalyzer("performance", PerformanceRules())

	tests := []struct {
		name string
		line string
		kind string
	}{
		{"keys iteration", "for k in data.keys():", "keys_iteration"},
		{"list membership", "if x in [1, 2, 3]:", "list_membership"},
		{"hardcoded sleep", "time.sleep(5)", "hardcoded_sleep"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			findings := analyzer.Scan("mod.py", []byte(tt.line))
			if len(findings) != 1 {
				t.Fatalf("findings = %d, want 1: %+v", len(findings), findings)
			}
			if findings[0].Kind != tt.kind {
				t.Errorf("kind = %s, want %s", findings[0].Kind, tt.kind)
			}
			if findings[0].Category != CategoryPerformance {
				t.Errorf("category = %s, want performance", findings[0].Category)
			}
		})
	}

	clean := "for k in data:\n    total += k\n"
	if got := analyzer.Scan("mod.py", []byte(clean)); len(got) != 0 {
		t.Errorf("clean code flagged: %+v", got)
	}
}

func TestSecurityRules(t *testing.T) {
	analyzer := NewPatternAnalyzer("security", SecurityRules())

	tests := []struct {
		name string
		line string
		kind string
	}{
		{"eval", "result = eval(user_input)", "eval_call"},
		{"exec", "exec(payload)", "exec_call"},
		{"shell true", "subprocess.run(cmd, shell=True)", "shell_true"},
		{"secret", `api_key = "sk-123456"`, "hardcoded_secret"},
		{"secret upper", `PASSWORD = 'hunter2'`, "hardcoded_secret"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			findings := analyzer.Scan("mod.py", []byte(tt.line))
			if len(findings) != 1 {
				t.Fatalf("findings = %d, want 1: %+v", len(findings), findings)
			}
			if findings[0].Kind != tt.kind {
				t.Errorf("kind = %s, want %s", findings[0].Kind, tt.kind)
			}
			if findings[0].Priority != 10 {
				t.Errorf("priority = %d, want 10", findings[0].Priority)
			}
		})
	}

	// literal_eval is not eval.
	if got := analyzer.Scan("mod.py", []byte("ast.literal_eval(s)")); len(got) != 0 {
		t.Errorf("literal_eval flagged: %+v", got)
	}
}

func TestOpportunityIDStable(t *testing.T) {
	a := opportunityID(CategoryBug, "mod.py", 10, "todo")
	b := opportunityID(CategoryBug, "mod.py", 10, "todo")
	c := opportunityID(CategoryBug, "mod.py", 11, "todo")

	if a != b {
		t.Errorf("same inputs produced different ids: %s vs %s", a, b)
	}
	if a == c {
		t.Errorf("different lines produced same id: %s", a)
	}
	if !strings.HasPrefix(a, "OPP-") || len(a) != len("OPP-")+12 {
		t.Errorf("malformed id: %s", a)
	}
}
