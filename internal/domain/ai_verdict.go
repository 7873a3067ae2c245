package domain

// AIVerdict is the opaque result returned by the external log classifier.
// A nil verdict means the classifier had nothing to say about the line.
type AIVerdict struct {
	RiskLevel         RiskLevel
	Summary           string
	AttackerIP        string
	RecommendedAction string
	TokenUsage        int
}
