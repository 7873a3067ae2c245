package pipeline

import (
	"context"
	"sync"
	"time"

	"logward/internal/domain"

	"github.com/charmbracelet/log"
)

// Classifier is the external AI log classifier. A (nil, nil) return means
// "no verdict"; the pipeline treats every failure the same way.
type Classifier interface {
	Classify(ctx context.Context, line string) (*domain.AIVerdict, error)
}

// CooldownClassifier bounds each call with a timeout and backs off entirely
// for a cooldown period after a failure, so a degraded classifier endpoint
// cannot slow the pipeline down line after line.
type CooldownClassifier struct {
	inner    Classifier
	timeout  time.Duration
	cooldown time.Duration

	mu          sync.Mutex
	pausedUntil time.Time
}

func NewCooldownClassifier(inner Classifier, timeout, cooldown time.Duration) *CooldownClassifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if cooldown <= 0 {
		cooldown = time.Minute
	}
	return &CooldownClassifier{inner: inner, timeout: timeout, cooldown: cooldown}
}

func (c *CooldownClassifier) Classify(ctx context.Context, line string) (*domain.AIVerdict, error) {
	c.mu.Lock()
	paused := time.Now().Before(c.pausedUntil)
	c.mu.Unlock()
	if paused {
		return nil, nil
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	verdict, err := c.inner.Classify(ctx, line)
	if err != nil {
		c.mu.Lock()
		c.pausedUntil = time.Now().Add(c.cooldown)
		c.mu.Unlock()
		log.Warn("classifier unavailable, backing off", "cooldown", c.cooldown, "error", err)
		return nil, nil
	}
	return verdict, nil
}
