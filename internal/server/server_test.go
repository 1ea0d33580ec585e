package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alanyoungcy/pricecut/internal/bargain"
	"github.com/alanyoungcy/pricecut/internal/domain"
	"github.com/alanyoungcy/pricecut/internal/server/handler"
	"github.com/alanyoungcy/pricecut/internal/store/memory"
)

type denyLimiter struct{}

func (denyLimiter) Allow(context.Context, string, int, time.Duration) (bool, error) {
	return false, nil
}

type testAPI struct {
	handler http.Handler
	store   *memory.Store
}

func newTestAPI(t *testing.T, cfg Config, limiter domain.RateLimiter, checks map[string]handler.HealthCheck) *testAPI {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := memory.New()
	ctx := context.Background()

	for _, c := range []domain.Campaign{
		{ID: "camp-1", ProductID: "sku-1", OriginalPrice: 999, TargetPrice: 599, MinCutAmount: 5, MaxCutAmount: 50, Status: domain.CampaignStatusActive},
		{ID: "camp-quick", ProductID: "sku-2", OriginalPrice: 110, TargetPrice: 100, MinCutAmount: 10, MaxCutAmount: 10, Status: domain.CampaignStatusActive},
		{ID: "camp-ended", ProductID: "sku-3", OriginalPrice: 999, TargetPrice: 599, MinCutAmount: 5, MaxCutAmount: 50, Status: domain.CampaignStatusEnded},
	} {
		if err := store.Campaigns().Upsert(ctx, c); err != nil {
			t.Fatalf("seed campaign %s: %v", c.ID, err)
		}
	}

	engine := bargain.New(bargain.DefaultConfig(), bargain.Deps{
		Campaigns: store.Campaigns(),
		Sessions:  store.Sessions(),
		Logger:    logger,
	})
	handlers := Handlers{
		Health:    handler.NewHealthHandler(checks, logger),
		Status:    &handler.StatusHandler{Mode: "server", StorageBackend: "memory", LockBackend: "local", StartedAt: time.Now()},
		Sessions:  handler.NewSessionHandler(engine.Sessions, engine.Cuts, logger),
		Campaigns: handler.NewCampaignHandler(engine.Campaigns, logger),
		Pipeline:  handler.NewPipelineHandler(engine.Expiry, logger),
	}
	return &testAPI{
		handler: NewHandler(cfg, handlers, limiter, nil, logger),
		store:   store,
	}
}

func (a *testAPI) do(t *testing.T, method, path, user string, headers map[string]string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	if user != "" {
		req.Header.Set("X-User-ID", user)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	a.handler.ServeHTTP(rec, req)

	var body map[string]any
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
			t.Fatalf("%s %s: decode body %q: %v", method, path, rec.Body.String(), err)
		}
	}
	return rec, body
}

func (a *testAPI) start(t *testing.T, campaignID, user string) string {
	t.Helper()
	rec, body := a.do(t, http.MethodPost, "/api/campaigns/"+campaignID+"/sessions", user, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("start %s for %s: status %d body %v", campaignID, user, rec.Code, body)
	}
	return body["session_id"].(string)
}

func TestStartSessionAPI(t *testing.T) {
	api := newTestAPI(t, Config{}, nil, nil)

	rec, body := api.do(t, http.MethodPost, "/api/campaigns/camp-1/sessions", "alice", nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201 (%v)", rec.Code, body)
	}
	if body["current_price"].(float64) != 999 || body["status"] != "active" {
		t.Errorf("body = %v", body)
	}
	if _, ok := body["expires_at"]; !ok {
		t.Error("expires_at missing")
	}

	tests := []struct {
		name     string
		campaign string
		user     string
		want     int
		kind     string
	}{
		{"already active", "camp-1", "alice", http.StatusConflict, "conflict"},
		{"unknown campaign", "nope", "alice", http.StatusNotFound, "not_found"},
		{"ended campaign", "camp-ended", "alice", http.StatusGone, "closed"},
		{"missing identity", "camp-1", "", http.StatusUnauthorized, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, body := api.do(t, http.MethodPost, "/api/campaigns/"+tt.campaign+"/sessions", tt.user, nil)
			if rec.Code != tt.want {
				t.Fatalf("status = %d, want %d (%v)", rec.Code, tt.want, body)
			}
			if tt.kind != "" && body["kind"] != tt.kind {
				t.Errorf("kind = %v, want %s", body["kind"], tt.kind)
			}
		})
	}
}

func TestApplyCutAPI(t *testing.T) {
	api := newTestAPI(t, Config{}, nil, nil)
	id := api.start(t, "camp-1", "alice")

	rec, body := api.do(t, http.MethodPost, "/api/sessions/"+id+"/cuts", "bob", map[string]string{"Idempotency-Key": "k1"})
	if rec.Code != http.StatusOK {
		t.Fatalf("cut status = %d (%v)", rec.Code, body)
	}
	amount := body["amount"].(float64)
	if amount < 5 || amount > 50 || body["replayed"] != false {
		t.Errorf("cut body = %v", body)
	}

	rec, body = api.do(t, http.MethodPost, "/api/sessions/"+id+"/cuts", "bob", map[string]string{"Idempotency-Key": "k1"})
	if rec.Code != http.StatusOK || body["replayed"] != true || body["amount"].(float64) != amount {
		t.Errorf("replay = %d %v", rec.Code, body)
	}

	rec, _ = api.do(t, http.MethodPost, "/api/sessions/"+id+"/cuts", "bob", nil)
	if rec.Code != http.StatusConflict {
		t.Errorf("duplicate helper status = %d, want 409", rec.Code)
	}

	rec, _ = api.do(t, http.MethodPost, "/api/sessions/missing/cuts", "bob", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("missing session status = %d, want 404", rec.Code)
	}

	rec, _ = api.do(t, http.MethodPost, "/api/sessions/"+id+"/cuts", "carol",
		map[string]string{"Idempotency-Key": strings.Repeat("x", 200)})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("long key status = %d, want 400", rec.Code)
	}

	rec, body = api.do(t, http.MethodGet, "/api/sessions/"+id, "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get status = %d", rec.Code)
	}
	if cuts := body["cuts"].([]any); len(cuts) != 1 {
		t.Errorf("cuts = %v, want 1", cuts)
	}
}

func TestApplyCutAPI_SuccessThenClosed(t *testing.T) {
	api := newTestAPI(t, Config{}, nil, nil)
	id := api.start(t, "camp-quick", "alice")

	rec, body := api.do(t, http.MethodPost, "/api/sessions/"+id+"/cuts", "bob", nil)
	if rec.Code != http.StatusOK || body["status"] != "succeeded" || body["current_price"].(float64) != 100 {
		t.Fatalf("final cut = %d %v", rec.Code, body)
	}

	rec, body = api.do(t, http.MethodPost, "/api/sessions/"+id+"/cuts", "carol", nil)
	if rec.Code != http.StatusGone {
		t.Errorf("cut on succeeded session = %d, want 410 (%v)", rec.Code, body)
	}

	rec, body = api.do(t, http.MethodGet, "/api/campaigns/camp-quick", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("campaign status = %d", rec.Code)
	}
	if body["total_bargains"].(float64) != 1 || body["success_bargains"].(float64) != 1 {
		t.Errorf("campaign counters = %v", body)
	}
}

func TestCancelAPI(t *testing.T) {
	api := newTestAPI(t, Config{}, nil, nil)
	id := api.start(t, "camp-1", "alice")

	rec, _ := api.do(t, http.MethodPost, "/api/sessions/"+id+"/cancel", "mallory", nil)
	if rec.Code != http.StatusForbidden {
		t.Errorf("non-initiator cancel = %d, want 403", rec.Code)
	}

	rec, body := api.do(t, http.MethodPost, "/api/sessions/"+id+"/cancel", "alice", nil)
	if rec.Code != http.StatusOK || body["status"] != "cancelled" {
		t.Fatalf("cancel = %d %v", rec.Code, body)
	}

	rec, _ = api.do(t, http.MethodPost, "/api/sessions/"+id+"/cancel", "alice", nil)
	if rec.Code != http.StatusGone {
		t.Errorf("second cancel = %d, want 410", rec.Code)
	}
	rec, _ = api.do(t, http.MethodPost, "/api/sessions/"+id+"/cuts", "bob", nil)
	if rec.Code != http.StatusGone {
		t.Errorf("cut after cancel = %d, want 410", rec.Code)
	}
}

func TestListAPIs(t *testing.T) {
	api := newTestAPI(t, Config{}, nil, nil)
	id := api.start(t, "camp-1", "alice")
	api.start(t, "camp-quick", "bob")
	api.do(t, http.MethodPost, "/api/sessions/"+id+"/cuts", "bob", nil)

	rec, body := api.do(t, http.MethodGet, "/api/users/bob/sessions", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list status = %d", rec.Code)
	}
	if got := len(body["sessions"].([]any)); got != 2 {
		t.Errorf("bob sessions = %d, want 2", got)
	}

	rec, body = api.do(t, http.MethodGet, "/api/campaigns?limit=1", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("campaigns status = %d", rec.Code)
	}
	if got := len(body["campaigns"].([]any)); got != 1 {
		t.Errorf("campaign page = %d, want 1", got)
	}
}

func TestHealthAPI(t *testing.T) {
	ok := newTestAPI(t, Config{}, nil, map[string]handler.HealthCheck{
		"store": func(context.Context) error { return nil },
	})
	if rec, body := ok.do(t, http.MethodGet, "/api/health", "", nil); rec.Code != http.StatusOK || body["status"] != "ok" {
		t.Errorf("healthy = %d %v", rec.Code, body)
	}

	bad := newTestAPI(t, Config{}, nil, map[string]handler.HealthCheck{
		"redis": func(context.Context) error { return errors.New("dial tcp: refused") },
	})
	rec, body := bad.do(t, http.MethodGet, "/api/health", "", nil)
	if rec.Code != http.StatusServiceUnavailable || body["status"] != "degraded" {
		t.Errorf("degraded = %d %v", rec.Code, body)
	}
}

func TestCutRateLimit(t *testing.T) {
	api := newTestAPI(t, Config{CutRateLimit: 1, CutRateWindow: time.Second}, denyLimiter{}, nil)
	id := api.start(t, "camp-1", "alice")

	rec, _ := api.do(t, http.MethodPost, "/api/sessions/"+id+"/cuts", "bob", nil)
	if rec.Code != http.StatusTooManyRequests {
		t.Errorf("status = %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("Retry-After missing")
	}
}

func TestAdminSweepAuth(t *testing.T) {
	api := newTestAPI(t, Config{AdminAPIKey: "s3cret"}, nil, nil)

	rec, _ := api.do(t, http.MethodPost, "/api/admin/expiry/sweep", "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("no key = %d, want 401", rec.Code)
	}
	rec, body := api.do(t, http.MethodPost, "/api/admin/expiry/sweep", "", map[string]string{"X-API-Key": "s3cret"})
	if rec.Code != http.StatusOK || body["expired"].(float64) != 0 {
		t.Errorf("with key = %d %v", rec.Code, body)
	}
}

func TestMetricsAndStatus(t *testing.T) {
	api := newTestAPI(t, Config{}, nil, nil)
	api.do(t, http.MethodGet, "/api/campaigns/camp-1", "", nil)

	rec, _ := api.do(t, http.MethodGet, "/metrics", "", nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "pricecut_http_requests_total") {
		t.Errorf("metrics = %d, missing http counter", rec.Code)
	}

	rec, body := api.do(t, http.MethodGet, "/api/status", "", nil)
	if rec.Code != http.StatusOK || body["storage_backend"] != "memory" {
		t.Errorf("status = %d %v", rec.Code, body)
	}
}

func TestInvalidIdentity(t *testing.T) {
	api := newTestAPI(t, Config{}, nil, nil)
	rec, _ := api.do(t, http.MethodPost, "/api/campaigns/camp-1/sessions", "two words", nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}
