package discovery

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"time"
)

// Category classifies an improvement opportunity.
type Category string

const (
	CategoryCodeQuality Category = "code_quality"
	CategoryPerformance Category = "performance"
	CategoryBug         Category = "bug"
	CategoryFeature     Category = "feature"
	CategoryLearning    Category = "learning"
	CategorySecurity    Category = "security"
)

// Categories returns all categories in display order.
func Categories() []Category {
	return []Category{
		CategorySecurity,
		CategoryLearning,
		CategoryBug,
		CategoryCodeQuality,
		CategoryPerformance,
		CategoryFeature,
	}
}

// Opportunity is a candidate improvement site found by static/log analysis.
// Priority drives ordering (1-10, 10 most urgent); ExpectedValue (0-10) is
// informational and independently settable.
type Opportunity struct {
	ID            string            `json:"id"`
	Title         string            `json:"title"`
	Description   string            `json:"description"`
	Category      Category          `json:"category"`
	Priority      int               `json:"priority"`
	ExpectedValue float64           `json:"expected_value"`
	FilePath      string            `json:"file_path,omitempty"`
	StartLine     int               `json:"start_line,omitempty"`
	EndLine       int               `json:"end_line,omitempty"`
	SuggestedFix  string            `json:"suggested_fix,omitempty"`
	Source        string            `json:"source"`
	CreatedAt     time.Time         `json:"created_at"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// opportunityID derives a stable id from category, file, line and finding
// kind, so repeated scans of the same site deduplicate to the same entry.
func opportunityID(category Category, relPath string, line int, kind string) string {
	sum := sha1.Sum([]byte(fmt.Sprintf("%s:%s:%d:%s", category, relPath, line, kind)))
	return "OPP-" + hex.EncodeToString(sum[:])[:12]
}
