// Package signature classifies log lines against a fixed catalog of known
// attack patterns. The scanner is stateless and safe for concurrent use.
package signature

import (
	"net/url"
	"strings"

	"logward/internal/domain"
)

// suspectChars gates pattern evaluation: exploit payloads need at least one
// of these delivery characters, so lines without any skip the regex pass.
const suspectChars = "<>'\";%(){}|$`\\="

// Scan runs the catalog against one raw log line and returns every match.
// The caller keeps the highest-severity match for decisioning and the full
// slice for forensics.
func Scan(line string) []domain.SignatureMatch {
	if line == "" {
		return nil
	}
	if !strings.ContainsAny(line, suspectChars) && !strings.Contains(line, "../") {
		return nil
	}

	normalized := normalize(line)

	var matches []domain.SignatureMatch
	for i := range catalog {
		rule := &catalog[i]
		if rule.Pattern.MatchString(normalized) {
			matches = append(matches, domain.SignatureMatch{
				Category:          rule.Category,
				RiskLevel:         rule.RiskLevel,
				Summary:           rule.Summary,
				RecommendedAction: rule.RecommendedAction,
				Immediate:         rule.Immediate,
				Confidence:        rule.Confidence,
				CVERefs:           rule.CVERefs,
			})
		}
	}
	return matches
}

// normalize percent-decodes and lowercases the line so encoded payloads
// still match. A failed decode falls back to the raw line.
func normalize(line string) string {
	decoded, err := url.QueryUnescape(line)
	if err != nil {
		decoded = line
	}
	return strings.ToLower(decoded)
}
