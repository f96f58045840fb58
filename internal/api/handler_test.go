package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/lalithlochan/courier/internal/campaign"
	"github.com/lalithlochan/courier/internal/circuitbreaker"
	"github.com/lalithlochan/courier/internal/db"
	"github.com/lalithlochan/courier/internal/redis"
)

// idleRunner never starts workers, so scheduled campaigns stay scheduled.
type idleRunner struct {
	launched []uuid.UUID
}

func (r *idleRunner) Launch(ctx context.Context, id uuid.UUID) (bool, error) {
	r.launched = append(r.launched, id)
	return false, nil
}

func (r *idleRunner) Stop(ctx context.Context, id uuid.UUID) error { return nil }

type testServer struct {
	router *chi.Mux
	repo   *db.MemoryRepository
	runner *idleRunner
	tenant uuid.UUID
}

func newTestServer(t *testing.T, idem *redis.IdempotencyService) *testServer {
	t.Helper()
	repo := db.NewMemoryRepository(nil)
	runner := &idleRunner{}
	svc := campaign.NewService(repo, runner, zap.NewNop())

	var h *Handler
	if idem != nil {
		h = NewHandlerWithIdempotency(zap.NewNop(), svc, repo, idem)
	} else {
		h = NewHandler(zap.NewNop(), svc, repo)
	}

	r := chi.NewRouter()
	r.Route("/v1", h.Register)
	return &testServer{router: r, repo: repo, runner: runner, tenant: uuid.New()}
}

func newTestIdempotency(t *testing.T) *redis.IdempotencyService {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		rdb.Close()
		mr.Close()
	})
	return redis.NewIdempotencyService(redis.NewFromRedis(rdb, zap.NewNop()), zap.NewNop())
}

func (s *testServer) do(t *testing.T, method, path string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if raw, ok := body.(string); ok {
			buf.WriteString(raw)
		} else if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func (s *testServer) createCampaign(t *testing.T) *db.Campaign {
	t.Helper()
	rec := s.do(t, http.MethodPost, "/v1/campaigns", map[string]any{
		"tenant_id":     s.tenant,
		"name":          "black friday",
		"template_body": "Oi {nome}!",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var c db.Campaign
	if err := json.NewDecoder(rec.Body).Decode(&c); err != nil {
		t.Fatalf("decode campaign: %v", err)
	}
	return &c
}

func (s *testServer) createContact(t *testing.T, name string) uuid.UUID {
	t.Helper()
	c := &db.Contact{ID: uuid.New(), TenantID: s.tenant, Name: name, Phone: "+5581999990000"}
	if err := s.repo.CreateContact(context.Background(), c); err != nil {
		t.Fatalf("create contact: %v", err)
	}
	return c.ID
}

func decodeProblem(t *testing.T, rec *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	if ct := rec.Header().Get("Content-Type"); ct != "application/problem+json" {
		t.Fatalf("expected problem+json, got %q", ct)
	}
	var p ErrorResponse
	if err := json.NewDecoder(rec.Body).Decode(&p); err != nil {
		t.Fatalf("decode problem: %v", err)
	}
	return p
}

func TestCreateCampaign(t *testing.T) {
	s := newTestServer(t, nil)
	c := s.createCampaign(t)

	if c.ID == uuid.Nil {
		t.Fatal("expected an id")
	}
	if c.Status != db.StatusDraft {
		t.Errorf("expected draft, got %s", c.Status)
	}
	if c.Channel != db.ChannelWhatsApp {
		t.Errorf("expected default channel whatsapp, got %s", c.Channel)
	}
}

func TestCreateCampaign_BadRequests(t *testing.T) {
	s := newTestServer(t, nil)

	tests := []struct {
		name     string
		body     any
		wantType string
	}{
		{"malformed json", `{"name":`, "invalid_request"},
		{"bad tenant uuid", `{"tenant_id":"nope","name":"a","template_body":"b"}`, "invalid_request"},
		{"missing name", map[string]any{"tenant_id": s.tenant, "template_body": "b"}, "validation_error"},
		{"bad channel", map[string]any{"tenant_id": s.tenant, "name": "a", "template_body": "b", "channel": "pigeon"}, "validation_error"},
		{"negative delay", map[string]any{"tenant_id": s.tenant, "name": "a", "template_body": "b", "delay_seconds": -1}, "validation_error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := s.do(t, http.MethodPost, "/v1/campaigns", tt.body)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d: %s", rec.Code, rec.Body.String())
			}
			if p := decodeProblem(t, rec); p.Type != tt.wantType {
				t.Errorf("expected type %q, got %q", tt.wantType, p.Type)
			}
		})
	}
}

func TestGetCampaign(t *testing.T) {
	s := newTestServer(t, nil)
	c := s.createCampaign(t)

	rec := s.do(t, http.MethodGet, "/v1/campaigns/"+c.ID.String(), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	rec = s.do(t, http.MethodGet, "/v1/campaigns/"+uuid.NewString(), nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}

	rec = s.do(t, http.MethodGet, "/v1/campaigns/not-a-uuid", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestListCampaigns(t *testing.T) {
	s := newTestServer(t, nil)
	s.createCampaign(t)
	s.createCampaign(t)

	rec := s.do(t, http.MethodGet, "/v1/campaigns?tenant_id="+s.tenant.String()+"&limit=1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp struct {
		Data  []db.Campaign `json:"data"`
		Count int           `json:"count"`
		Limit int           `json:"limit"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Count != 1 || resp.Limit != 1 {
		t.Errorf("expected 1 item with limit 1, got count=%d limit=%d", resp.Count, resp.Limit)
	}

	rec = s.do(t, http.MethodGet, "/v1/campaigns", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("missing tenant: expected 400, got %d", rec.Code)
	}
}

func TestUpdateAndDeleteCampaign(t *testing.T) {
	s := newTestServer(t, nil)
	c := s.createCampaign(t)
	path := "/v1/campaigns/" + c.ID.String()

	rec := s.do(t, http.MethodPut, path, map[string]any{
		"name":          "cyber monday",
		"template_body": "Olá {nome}",
		"channel":       "sms",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("update: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var updated db.Campaign
	_ = json.NewDecoder(rec.Body).Decode(&updated)
	if updated.Name != "cyber monday" || updated.Channel != db.ChannelSMS {
		t.Errorf("unexpected update result: %+v", updated)
	}

	if _, err := s.repo.TransitionCampaign(context.Background(), c.ID, []string{db.StatusDraft}, db.StatusRunning); err != nil {
		t.Fatalf("transition: %v", err)
	}
	rec = s.do(t, http.MethodDelete, path, nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("delete while running: expected 409, got %d", rec.Code)
	}
	if p := decodeProblem(t, rec); p.Type != "invalid_state" {
		t.Errorf("expected invalid_state, got %q", p.Type)
	}

	if _, err := s.repo.TransitionCampaign(context.Background(), c.ID, []string{db.StatusRunning}, db.StatusPaused); err != nil {
		t.Fatalf("transition: %v", err)
	}
	rec = s.do(t, http.MethodDelete, path, nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("delete: expected 204, got %d", rec.Code)
	}
	rec = s.do(t, http.MethodGet, path, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("get after delete: expected 404, got %d", rec.Code)
	}
}

func TestCampaignLifecycle(t *testing.T) {
	s := newTestServer(t, nil)
	c := s.createCampaign(t)
	base := "/v1/campaigns/" + c.ID.String()

	rec := s.do(t, http.MethodPost, base+"/schedule", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("schedule without recipients: expected 400, got %d", rec.Code)
	}

	ana := s.createContact(t, "ana")
	bia := s.createContact(t, "bia")
	rec = s.do(t, http.MethodPut, base+"/recipients", map[string]any{
		"contact_ids": []uuid.UUID{ana, bia, ana},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("recipients: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var set struct {
		Count int `json:"count"`
	}
	_ = json.NewDecoder(rec.Body).Decode(&set)
	if set.Count != 2 {
		t.Errorf("expected 2 recipients after dedupe, got %d", set.Count)
	}

	rec = s.do(t, http.MethodPost, base+"/schedule", map[string]any{"delay_seconds": 30})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("schedule: expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	var scheduled db.Campaign
	_ = json.NewDecoder(rec.Body).Decode(&scheduled)
	if scheduled.Status != db.StatusScheduled || scheduled.DelaySeconds != 30 {
		t.Errorf("unexpected schedule result: status=%s delay=%d", scheduled.Status, scheduled.DelaySeconds)
	}
	if len(s.runner.launched) != 1 {
		t.Errorf("expected one launch attempt, got %d", len(s.runner.launched))
	}

	rec = s.do(t, http.MethodPut, base+"/recipients", map[string]any{"contact_ids": []uuid.UUID{uuid.New()}})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("unknown contact: expected 400, got %d", rec.Code)
	}

	rec = s.do(t, http.MethodPost, base+"/pause", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("pause: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = s.do(t, http.MethodPost, base+"/resume", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("resume: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = s.do(t, http.MethodGet, base+"/stats", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("stats: expected 200, got %d", rec.Code)
	}
	var st campaign.Stats
	_ = json.NewDecoder(rec.Body).Decode(&st)
	if st.Total != 2 || st.Totals.Scheduled != 2 {
		t.Errorf("unexpected stats: %+v", st)
	}

	rec = s.do(t, http.MethodPost, base+"/cancel", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("cancel: expected 200, got %d", rec.Code)
	}
	rec = s.do(t, http.MethodPost, base+"/cancel", nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("second cancel: expected 409, got %d", rec.Code)
	}

	rec = s.do(t, http.MethodPost, base+"/resend-failed", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("resend-failed: expected 200, got %d", rec.Code)
	}
}

func TestPreviewCampaign(t *testing.T) {
	s := newTestServer(t, nil)
	c := s.createCampaign(t)
	ana := s.createContact(t, "ana")
	path := "/v1/campaigns/" + c.ID.String() + "/preview"

	rec := s.do(t, http.MethodPost, path, map[string]any{"contact_id": ana})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp map[string]string
	_ = json.NewDecoder(rec.Body).Decode(&resp)
	if resp["content"] != "Oi ana!" {
		t.Errorf("unexpected preview %q", resp["content"])
	}

	rec = s.do(t, http.MethodPost, path, map[string]any{})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("missing contact: expected 400, got %d", rec.Code)
	}

	rec = s.do(t, http.MethodPost, path, map[string]any{"contact_id": uuid.New()})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown contact: expected 404, got %d", rec.Code)
	}
}

func TestCreateContact(t *testing.T) {
	s := newTestServer(t, nil)

	rec := s.do(t, http.MethodPost, "/v1/contacts", map[string]any{
		"tenant_id":  s.tenant,
		"name":       "Ana",
		"phone":      "+5581999990000",
		"attributes": map[string]string{"cidade": "Olinda"},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = s.do(t, http.MethodPost, "/v1/contacts", map[string]any{"tenant_id": s.tenant, "name": "Bia"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("no address: expected 400, got %d", rec.Code)
	}
}

func TestCreateCampaign_Idempotency(t *testing.T) {
	s := newTestServer(t, newTestIdempotency(t))
	body := map[string]any{
		"tenant_id":     s.tenant,
		"name":          "launch",
		"template_body": "Oi {nome}",
	}

	first := s.do(t, http.MethodPost, "/v1/campaigns", body, "Idempotency-Key", "abc-123")
	if first.Code != http.StatusCreated {
		t.Fatalf("first: expected 201, got %d", first.Code)
	}
	second := s.do(t, http.MethodPost, "/v1/campaigns", body, "Idempotency-Key", "abc-123")
	if second.Code != http.StatusCreated {
		t.Fatalf("replay: expected 201, got %d", second.Code)
	}
	if second.Header().Get("X-Idempotency-Replayed") != "true" {
		t.Error("expected replay header")
	}

	var a, b db.Campaign
	_ = json.NewDecoder(first.Body).Decode(&a)
	_ = json.NewDecoder(second.Body).Decode(&b)
	if a.ID != b.ID {
		t.Errorf("replay returned a different campaign: %s vs %s", a.ID, b.ID)
	}

	list, _ := s.repo.ListCampaignsByTenant(context.Background(), s.tenant, 10, 0)
	if len(list) != 1 {
		t.Errorf("expected exactly one campaign, got %d", len(list))
	}
}

func TestCreateCampaign_IdempotencyKeyReused(t *testing.T) {
	s := newTestServer(t, newTestIdempotency(t))

	rec := s.do(t, http.MethodPost, "/v1/campaigns",
		map[string]any{"tenant_id": s.tenant, "name": "launch", "template_body": "Oi"},
		"Idempotency-Key", "k-1")
	if rec.Code != http.StatusCreated {
		t.Fatalf("first: expected 201, got %d", rec.Code)
	}

	rec = s.do(t, http.MethodPost, "/v1/campaigns",
		map[string]any{"tenant_id": s.tenant, "name": "other", "template_body": "Oi"},
		"Idempotency-Key", "k-1")
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestCreateCampaign_IdempotencyReleasedOnFailure(t *testing.T) {
	s := newTestServer(t, newTestIdempotency(t))

	rec := s.do(t, http.MethodPost, "/v1/campaigns",
		map[string]any{"tenant_id": s.tenant, "name": "launch"},
		"Idempotency-Key", "retry-me")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}

	rec = s.do(t, http.MethodPost, "/v1/campaigns",
		map[string]any{"tenant_id": s.tenant, "name": "launch", "template_body": "x"},
		"Idempotency-Key", "retry-me")
	if rec.Code != http.StatusCreated {
		t.Fatalf("retry after failure: expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestHealth(t *testing.T) {
	breaker := circuitbreaker.New(circuitbreaker.DefaultConfig("whatsapp"), zap.NewNop())

	ok := Health(map[string]Check{
		"store": func(context.Context) error { return nil },
	}, breaker)
	rec := httptest.NewRecorder()
	ok(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp healthResponse
	_ = json.NewDecoder(rec.Body).Decode(&resp)
	if len(resp.Providers) != 1 || resp.Providers[0].Name != "whatsapp" {
		t.Errorf("expected whatsapp breaker stats, got %+v", resp.Providers)
	}

	down := Health(map[string]Check{
		"redis": func(context.Context) error { return errors.New("connection refused") },
	})
	rec = httptest.NewRecorder()
	down(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}

func TestResetProvider(t *testing.T) {
	breaker := circuitbreaker.New(circuitbreaker.Config{Name: "sns", MaxFailures: 1}, zap.NewNop())
	breaker.RecordFailure()
	if breaker.Ready() {
		t.Fatal("expected breaker to be open")
	}

	r := chi.NewRouter()
	r.Post("/providers/{name}/reset", ResetProvider(breaker))

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/providers/sns/reset", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !breaker.Ready() || breaker.GetState() != circuitbreaker.StateClosed {
		t.Error("expected breaker to be closed after reset")
	}

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/providers/fax/reset", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}
