package pipeline

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"logward/internal/domain"
)

func TestHTTPClassifierVerdict(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"risk_level":"HIGH","summary":"obfuscated webshell upload","token_usage":421}`))
	}))
	defer srv.Close()

	c := NewHTTPClassifier(srv.URL)
	verdict, err := c.Classify(context.Background(), "some line")
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if verdict == nil || verdict.RiskLevel != domain.RiskHigh {
		t.Fatalf("unexpected verdict: %+v", verdict)
	}
	if verdict.TokenUsage != 421 {
		t.Fatalf("token usage = %d, want 421", verdict.TokenUsage)
	}
}

func TestHTTPClassifierNoVerdict(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := NewHTTPClassifier(srv.URL)
	verdict, err := c.Classify(context.Background(), "some line")
	if err != nil || verdict != nil {
		t.Fatalf("expected silent no-verdict, got %+v, %v", verdict, err)
	}
}

func TestHTTPClassifierErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := NewHTTPClassifier(srv.URL)
	if _, err := c.Classify(context.Background(), "some line"); err == nil {
		t.Fatal("expected error for 5xx response")
	}
}
