package domain

// SignatureMatch describes one attack signature that matched a log line.
// A single line can trip several categories; callers keep the most severe
// for decisioning and retain the rest for forensics.
type SignatureMatch struct {
	Category          string
	RiskLevel         RiskLevel
	Summary           string
	RecommendedAction string

	// Immediate marks signatures that justify skipping the progressive
	// offense window (active exploitation rather than probing).
	Immediate bool

	// Confidence in percent (0-100).
	Confidence int

	CVERefs []string
}

// HighestRisk returns the most severe match, or nil for an empty slice.
func HighestRisk(matches []SignatureMatch) *SignatureMatch {
	var best *SignatureMatch
	for i := range matches {
		if best == nil || matches[i].RiskLevel.Rank() > best.RiskLevel.Rank() {
			best = &matches[i]
		}
	}
	return best
}
