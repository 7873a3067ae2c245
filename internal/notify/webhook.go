package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"logward/internal/domain"
)

// Discord embed colors by severity.
const (
	colorRed    = 0xFF0000
	colorOrange = 0xFFAA00
	colorYellow = 0xFFE600
	colorBlue   = 0x00AAFF
)

type discordEmbedField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline,omitempty"`
}

type discordEmbedFooter struct {
	Text string `json:"text"`
}

type discordEmbed struct {
	Title       string              `json:"title,omitempty"`
	Description string              `json:"description,omitempty"`
	Color       int                 `json:"color,omitempty"`
	Fields      []discordEmbedField `json:"fields,omitempty"`
	Footer      *discordEmbedFooter `json:"footer,omitempty"`
	Timestamp   string              `json:"timestamp,omitempty"`
}

type discordPayload struct {
	Username string         `json:"username,omitempty"`
	Embeds   []discordEmbed `json:"embeds,omitempty"`
}

// WebhookNotifier posts alert embeds to a Discord-compatible webhook URL.
type WebhookNotifier struct {
	url    string
	client *http.Client
}

func NewWebhookNotifier(url string) *WebhookNotifier {
	return &WebhookNotifier{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

func riskColor(risk domain.RiskLevel) int {
	switch risk {
	case domain.RiskCritical:
		return colorRed
	case domain.RiskHigh:
		return colorOrange
	case domain.RiskMedium:
		return colorYellow
	default:
		return colorBlue
	}
}

func (w *WebhookNotifier) SendAlert(ctx context.Context, alert Alert) error {
	fields := []discordEmbedField{
		{Name: "IP", Value: fmt.Sprintf("`%s`", alert.IP), Inline: true},
		{Name: "Risk", Value: string(alert.Risk), Inline: true},
		{Name: "Action", Value: alert.Action, Inline: true},
		{Name: "Source", Value: alert.Source, Inline: true},
	}
	if alert.Category != "" {
		fields = append(fields, discordEmbedField{Name: "Category", Value: alert.Category, Inline: true})
	}
	if alert.Country != "" {
		fields = append(fields, discordEmbedField{Name: "Country", Value: alert.Country, Inline: true})
	}
	if alert.ProxyIP != "" {
		fields = append(fields, discordEmbedField{Name: "Via Proxy", Value: fmt.Sprintf("`%s`", alert.ProxyIP), Inline: true})
	}
	if alert.Reason != "" {
		fields = append(fields, discordEmbedField{Name: "Reason", Value: alert.Reason})
	}
	return w.send(ctx, discordEmbed{
		Title:       "Threat detected",
		Description: fmt.Sprintf("Suspicious activity from **%s**", alert.IP),
		Color:       riskColor(alert.Risk),
		Fields:      fields,
	})
}

func (w *WebhookNotifier) SendEnrichment(ctx context.Context, alert Alert, details string) error {
	return w.send(ctx, discordEmbed{
		Title:       "Forensics update",
		Description: fmt.Sprintf("Additional context for **%s**", alert.IP),
		Color:       colorBlue,
		Fields: []discordEmbedField{
			{Name: "IP", Value: fmt.Sprintf("`%s`", alert.IP), Inline: true},
			{Name: "Details", Value: details},
		},
	})
}

func (w *WebhookNotifier) send(ctx context.Context, embed discordEmbed) error {
	embed.Footer = &discordEmbedFooter{Text: "logward"}
	embed.Timestamp = time.Now().UTC().Format(time.RFC3339)
	payload, err := json.Marshal(discordPayload{Username: "logward", Embeds: []discordEmbed{embed}})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook delivery failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}
