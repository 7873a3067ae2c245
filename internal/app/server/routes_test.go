package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"logward/internal/blocker"
	"logward/internal/botverify"
	"logward/internal/database"
	"logward/internal/domain"
	"logward/internal/pipeline"
	"logward/internal/proxyrange"

	"golang.org/x/crypto/bcrypt"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

type nothingSpecial struct{}

func (nothingSpecial) IsTrustedProxy(string) bool { return false }

func (nothingSpecial) Verify(context.Context, string, string) botverify.Result {
	return botverify.Result{}
}

type nopBackend struct{}

func (nopBackend) Name() string { return "iptables" }

func (nopBackend) Enforce(context.Context, string, string) (string, error) { return "", nil }

func (nopBackend) Lift(context.Context, string, string) error { return nil }

func setupServer(t *testing.T) (http.Handler, Deps) {
	t.Helper()
	dsn := "file:" + t.Name() + "?mode=memory&cache=shared"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite database: %v", err)
	}
	if err := db.AutoMigrate(&domain.BlockRecord{}, &domain.AttackEvent{}, &domain.ProxyRange{}); err != nil {
		t.Fatalf("auto migrate: %v", err)
	}
	database.DB = db
	t.Cleanup(func() { database.DB = nil })

	wl, err := blocker.LoadWhitelist(filepath.Join(t.TempDir(), "whitelist.json"))
	if err != nil {
		t.Fatalf("LoadWhitelist: %v", err)
	}
	def := blocker.New(blocker.Settings{
		OffenseWindow:            time.Minute,
		PermBlockAfterTempBlocks: 3,
		TempBlockMin:             30 * time.Minute,
		TempBlockMax:             time.Hour,
	}, wl, nothingSpecial{}, nothingSpecial{}, nil, nil, nopBackend{})

	deps := Deps{
		Defender:  def,
		Whitelist: wl,
		Stats:     pipeline.NewStats(),
		Ranges:    proxyrange.New(),
	}
	return Handler(deps), deps
}

func adminToken(t *testing.T, h http.Handler) string {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte("hunter2"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("generating hash: %v", err)
	}
	t.Setenv("ADMIN_PASSWORD_HASH", string(hash))

	return loginWith(t, h, "hunter2", http.StatusOK)
}

func loginWith(t *testing.T, h http.Handler, password string, wantStatus int) string {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/login", strings.NewReader(`{"password":"`+password+`"}`))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != wantStatus {
		t.Fatalf("login returned %d, want %d", rec.Code, wantStatus)
	}
	if wantStatus != http.StatusOK {
		return ""
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decoding login response: %v", err)
	}
	return body["token"]
}

func authedRequest(t *testing.T, h http.Handler, token, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestLoginAndBlocksEndpoint(t *testing.T) {
	h, _ := setupServer(t)
	token := adminToken(t, h)

	future := time.Now().Add(time.Hour)
	record := &domain.BlockRecord{IP: "203.0.113.7", Action: domain.ActionTempBlock, ExpiresAt: &future}
	if err := database.UpsertBlockRecord(record); err != nil {
		t.Fatalf("seeding record: %v", err)
	}

	rec := authedRequest(t, h, token, http.MethodGet, "/blocks", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /blocks returned %d", rec.Code)
	}
	var records []domain.BlockRecord
	if err := json.Unmarshal(rec.Body.Bytes(), &records); err != nil {
		t.Fatalf("decoding blocks: %v", err)
	}
	if len(records) != 1 || records[0].IP != "203.0.113.7" {
		t.Fatalf("unexpected blocks payload: %+v", records)
	}
}

func TestLoginRejectsWrongPassword(t *testing.T) {
	h, _ := setupServer(t)
	hash, err := bcrypt.GenerateFromPassword([]byte("hunter2"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("generating hash: %v", err)
	}
	t.Setenv("ADMIN_PASSWORD_HASH", string(hash))
	loginWith(t, h, "wrong", http.StatusUnauthorized)
}

func TestEndpointsRequireAuth(t *testing.T) {
	h, _ := setupServer(t)
	for _, path := range []string{"/blocks", "/whitelist", "/stats", "/settings", "/events", "/ranges"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("GET %s without token returned %d, want 401", path, rec.Code)
		}
	}
}

func TestManualUnblock(t *testing.T) {
	h, _ := setupServer(t)
	token := adminToken(t, h)

	record := &domain.BlockRecord{
		IP: "203.0.113.9", Action: domain.ActionPermBlock,
		BlockMethod: domain.MethodIptables,
	}
	if err := database.UpsertBlockRecord(record); err != nil {
		t.Fatalf("seeding record: %v", err)
	}

	rec := authedRequest(t, h, token, http.MethodDelete, "/blocks/203.0.113.9", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("DELETE /blocks returned %d: %s", rec.Code, rec.Body.String())
	}
	stored, err := database.GetBlockRecord("203.0.113.9")
	if err != nil {
		t.Fatalf("GetBlockRecord: %v", err)
	}
	if stored != nil {
		t.Fatal("record still present after manual unblock")
	}
}

func TestWhitelistLifecycle(t *testing.T) {
	h, deps := setupServer(t)
	token := adminToken(t, h)

	rec := authedRequest(t, h, token, http.MethodPost, "/whitelist", `{"ip":"198.51.100.4"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("POST /whitelist returned %d: %s", rec.Code, rec.Body.String())
	}
	if !deps.Whitelist.Contains("198.51.100.4") {
		t.Fatal("whitelist entry missing after add")
	}

	rec = authedRequest(t, h, token, http.MethodDelete, "/whitelist/198.51.100.4", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("DELETE /whitelist returned %d", rec.Code)
	}
	if deps.Whitelist.Contains("198.51.100.4") {
		t.Fatal("whitelist entry present after remove")
	}

	rec = authedRequest(t, h, token, http.MethodPost, "/whitelist", `{"ip":"not-an-ip"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("invalid ip returned %d, want 400", rec.Code)
	}
}

func TestStatsEndpoint(t *testing.T) {
	h, deps := setupServer(t)
	token := adminToken(t, h)

	deps.Stats.RecordDetection("sql_injection", domain.RiskHigh, domain.ActionTempBlock)

	rec := authedRequest(t, h, token, http.MethodGet, "/stats", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /stats returned %d", rec.Code)
	}
	var snap pipeline.Snapshot
	if err := json.Unmarshal(rec.Body.Bytes(), &snap); err != nil {
		t.Fatalf("decoding stats: %v", err)
	}
	if snap.Detections != 1 || snap.ByCategory["sql_injection"] != 1 {
		t.Fatalf("unexpected stats payload: %+v", snap)
	}
}
