package discovery

import (
	"fmt"
	"regexp"
	"strings"
)

// =============================================================================
// STATIC ANALYZERS
// =============================================================================
// Deliberately AST-free: line counting and regex tables, accepting false
// positives in strings and comments. The StaticAnalyzer interface is the
// substitution point for a stricter parser-backed implementation.

// Finding is one site flagged by a static analyzer.
type Finding struct {
	Kind          string // stable sub-identifier used in the opportunity id
	Title         string
	Description   string
	Category      Category
	Priority      int
	ExpectedValue float64
	StartLine     int
	EndLine       int
	SuggestedFix  string
}

// StaticAnalyzer scans one file's content and reports findings.
type StaticAnalyzer interface {
	Name() string
	Scan(relPath string, content []byte) []Finding
}

// -----------------------------------------------------------------------------
// Code-quality analyzer: long functions and TODO/FIXME markers
// -----------------------------------------------------------------------------

const longFunctionThreshold = 50

type codeQualityAnalyzer struct{}

// NewCodeQualityAnalyzer flags functions exceeding ~50 lines (by naive
// def/indentation counting) and lines containing TODO or FIXME.
func NewCodeQualityAnalyzer() StaticAnalyzer {
	return codeQualityAnalyzer{}
}

func (codeQualityAnalyzer) Name() string { return "code_quality" }

var defLineRe = regexp.MustCompile(`^(\s*)(?:async\s+)?def\s+([A-Za-z_][A-Za-z0-9_]*)\s*\(`)

func (codeQualityAnalyzer) Scan(relPath string, content []byte) []Finding {
	lines := strings.Split(string(content), "\n")
	var findings []Finding

	// Long-function detection: a function ends at the next line whose
	// indentation is at or below the def's own indentation.
	for i := 0; i < len(lines); i++ {
		m := defLineRe.FindStringSubmatch(lines[i])
		if m == nil {
			continue
		}
		indent := len(m[1])
		name := m[2]
		end := len(lines)
		for j := i + 1; j < len(lines); j++ {
			trimmed := strings.TrimSpace(lines[j])
			if trimmed == "" || strings.HasPrefix(trimmed, "#") {
				continue
			}
			if len(lines[j])-len(strings.TrimLeft(lines[j], " \t")) <= indent {
				end = j
				break
			}
		}
		length := end - i
		if length > longFunctionThreshold {
			findings = append(findings, Finding{
				Kind:          "long_function:" + name,
				Title:         "Long function: " + name,
				Description:   fmt.Sprintf("Function '%s' spans %d lines; consider splitting it", name, length),
				Category:      CategoryCodeQuality,
				Priority:      5,
				ExpectedValue: 5.0,
				StartLine:     i + 1,
				EndLine:       end,
				SuggestedFix:  fmt.Sprintf("Extract helper functions to bring '%s' under %d lines", name, longFunctionThreshold),
			})
		}
	}

	for i, line := range lines {
		if strings.Contains(line, "TODO") || strings.Contains(line, "FIXME") {
			findings = append(findings, Finding{
				Kind:          "todo",
				Title:         "Unresolved TODO/FIXME",
				Description:   strings.TrimSpace(line),
				Category:      CategoryCodeQuality,
				Priority:      3,
				ExpectedValue: 2.0,
				StartLine:     i + 1,
				EndLine:       i + 1,
			})
		}
	}
	return findings
}

// -----------------------------------------------------------------------------
// Pattern analyzer: fixed regex anti-pattern tables
// -----------------------------------------------------------------------------

// PatternRule is one regex anti-pattern with its classification.
type PatternRule struct {
	Kind          string
	Pattern       *regexp.Regexp
	Title         string
	Description   string
	Category      Category
	Priority      int
	ExpectedValue float64
	SuggestedFix  string
}

type patternAnalyzer struct {
	name  string
	rules []PatternRule
}

// NewPatternAnalyzer builds an analyzer over a fixed rule table.
func NewPatternAnalyzer(name string, rules []PatternRule) StaticAnalyzer {
	return &patternAnalyzer{name: name, rules: rules}
}

func (a *patternAnalyzer) Name() string { return a.name }

func (a *patternAnalyzer) Scan(relPath string, content []byte) []Finding {
	lines := strings.Split(string(content), "\n")
	var findings []Finding
	for i, line := range lines {
		for _, rule := range a.rules {
			if rule.Pattern.MatchString(line) {
				findings = append(findings, Finding{
					Kind:          rule.Kind,
					Title:         rule.Title,
					Description:   rule.Description,
					Category:      rule.Category,
					Priority:      rule.Priority,
					ExpectedValue: rule.ExpectedValue,
					StartLine:     i + 1,
					EndLine:       i + 1,
					SuggestedFix:  rule.SuggestedFix,
				})
			}
		}
	}
	return findings
}

// PerformanceRules is the fixed performance anti-pattern table.
func PerformanceRules() []PatternRule {
	return []PatternRule{
		{
			Kind:          "keys_iteration",
			Pattern:       regexp.MustCompile(`for\s+\w+\s+in\s+\w+\.keys\(\)`),
			Title:         "Explicit .keys() iteration",
			Description:   "Iterating dict.keys() explicitly; iterate the dict directly",
			Category:      CategoryPerformance,
			Priority:      4,
			ExpectedValue: 5.0,
			SuggestedFix:  "for k in d: instead of for k in d.keys():",
		},
		{
			Kind:          "list_membership",
			Pattern:       regexp.MustCompile(`if\s+\S+\s+in\s+\[`),
			Title:         "Membership check against list literal",
			Description:   "'in' over a list literal is O(n) per check; use a set",
			Category:      CategoryPerformance,
			Priority:      4,
			ExpectedValue: 5.0,
			SuggestedFix:  "Hoist the literal into a set constant",
		},
		{
			Kind:          "hardcoded_sleep",
			Pattern:       regexp.MustCompile(`time\.sleep\(\s*\d`),
			Title:         "Hardcoded sleep call",
			Description:   "Fixed sleep delays slow the pipeline; prefer polling with backoff",
			Category:      CategoryPerformance,
			Priority:      4,
			ExpectedValue: 5.0,
		},
	}
}

// SecurityRules is the fixed security anti-pattern table. All rules carry
// maximum priority.
func SecurityRules() []PatternRule {
	return []PatternRule{
		{
			Kind:          "eval_call",
			Pattern:       regexp.MustCompile(`\beval\(`),
			Title:         "Use of eval()",
			Description:   "eval() on dynamic input allows arbitrary code execution",
			Category:      CategorySecurity,
			Priority:      10,
			ExpectedValue: 9.0,
			SuggestedFix:  "Replace eval() with ast.literal_eval or explicit parsing",
		},
		{
			Kind:          "exec_call",
			Pattern:       regexp.MustCompile(`\bexec\(`),
			Title:         "Use of exec()",
			Description:   "exec() on dynamic input allows arbitrary code execution",
			Category:      CategorySecurity,
			Priority:      10,
			ExpectedValue: 9.0,
		},
		{
			Kind:          "shell_true",
			Pattern:       regexp.MustCompile(`shell\s*=\s*True`),
			Title:         "subprocess with shell=True",
			Description:   "shell=True enables shell injection via crafted arguments",
			Category:      CategorySecurity,
			Priority:      10,
			ExpectedValue: 8.0,
			SuggestedFix:  "Pass an argument list with shell=False",
		},
		{
			Kind:          "hardcoded_secret",
			Pattern:       regexp.MustCompile(`(?i)(password|api_key|secret|token)\s*=\s*["'][^"']+["']`),
			Title:         "Hardcoded credential literal",
			Description:   "Credential material committed to source",
			Category:      CategorySecurity,
			Priority:      10,
			ExpectedValue: 9.0,
			SuggestedFix:  "Load credentials from the environment or a secret store",
		},
	}
}

// bugLinePattern matches error indicators in log output.
var bugLinePattern = regexp.MustCompile(`ERROR|Exception|Traceback|Failed`)
