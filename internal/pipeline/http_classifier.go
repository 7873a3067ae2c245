package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"logward/internal/domain"
)

// HTTPClassifier calls an external classification endpoint with one log line
// per request. A 204 response means the classifier has no verdict.
type HTTPClassifier struct {
	endpoint string
	client   *http.Client
}

func NewHTTPClassifier(endpoint string) *HTTPClassifier {
	return &HTTPClassifier{endpoint: endpoint, client: &http.Client{}}
}

type classifyRequest struct {
	Line string `json:"line"`
}

type classifyResponse struct {
	RiskLevel         string `json:"risk_level"`
	Summary           string `json:"summary"`
	AttackerIP        string `json:"attacker_ip,omitempty"`
	RecommendedAction string `json:"recommended_action,omitempty"`
	TokenUsage        int    `json:"token_usage,omitempty"`
}

func (c *HTTPClassifier) Classify(ctx context.Context, line string) (*domain.AIVerdict, error) {
	payload, err := json.Marshal(classifyRequest{Line: line})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNoContent {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("classifier returned status %d", resp.StatusCode)
	}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	var body classifyResponse
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, fmt.Errorf("classifier response malformed: %w", err)
	}
	if body.RiskLevel == "" {
		return nil, nil
	}
	return &domain.AIVerdict{
		RiskLevel:         domain.RiskLevel(body.RiskLevel),
		Summary:           body.Summary,
		AttackerIP:        body.AttackerIP,
		RecommendedAction: body.RecommendedAction,
		TokenUsage:        body.TokenUsage,
	}, nil
}
