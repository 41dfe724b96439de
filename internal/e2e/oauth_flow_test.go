// Package e2e exercises the connect-then-sync flow end to end: HTTP
// authenticate, provider callback, background initial sync and the
// downstream notification, with only the provider API and the database
// stubbed out.
package e2e

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/redis/go-redis/v9"

	"github.com/octup/accounting-service/internal/integration"
	jobmetrics "github.com/octup/accounting-service/internal/jobs"
	"github.com/octup/accounting-service/internal/oauthstate"
	"github.com/octup/accounting-service/internal/provider"
	"github.com/octup/accounting-service/internal/shared"
	_ "github.com/octup/accounting-service/internal/testing/guard"
	"github.com/octup/accounting-service/internal/tokencipher"
	"github.com/octup/accounting-service/jobs"
)

type memoryRepo struct {
	integrations map[string]integration.Integration
	refs         []integration.EntityRef
	seq          int
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{integrations: make(map[string]integration.Integration)}
}

func (r *memoryRepo) CreateIntegration(_ context.Context, in integration.Integration) (integration.Integration, error) {
	for _, existing := range r.integrations {
		if existing.PartnerID == in.PartnerID && existing.AccountingSystem == in.AccountingSystem && existing.IsActive {
			return integration.Integration{}, shared.ErrDuplicateIntegration
		}
	}
	r.seq++
	in.ID = "itg-" + string(rune('0'+r.seq))
	r.integrations[in.ID] = in
	return in, nil
}

func (r *memoryRepo) GetIntegration(_ context.Context, id string) (*integration.Integration, error) {
	in, ok := r.integrations[id]
	if !ok {
		return nil, shared.ErrNotFound
	}
	return &in, nil
}

func (r *memoryRepo) GetActiveIntegration(_ context.Context, partnerID int64, system string) (*integration.Integration, error) {
	for _, in := range r.integrations {
		if in.PartnerID == partnerID && in.AccountingSystem == system && in.IsActive {
			return &in, nil
		}
	}
	return nil, shared.ErrNotFound
}

func (r *memoryRepo) ListIntegrationsByPartner(_ context.Context, partnerID int64) ([]integration.Integration, error) {
	var out []integration.Integration
	for _, in := range r.integrations {
		if in.PartnerID == partnerID {
			out = append(out, in)
		}
	}
	return out, nil
}

func (r *memoryRepo) ListExpiringIntegrations(_ context.Context, within time.Duration) ([]integration.Integration, error) {
	deadline := time.Now().Add(within)
	var out []integration.Integration
	for _, in := range r.integrations {
		if in.IsActive && in.ConnectionDetails.Expiry.Before(deadline) {
			out = append(out, in)
		}
	}
	return out, nil
}

func (r *memoryRepo) UpdateConnectionDetails(_ context.Context, id string, details integration.ConnectionDetails) error {
	in, ok := r.integrations[id]
	if !ok {
		return shared.ErrNotFound
	}
	in.ConnectionDetails = details
	r.integrations[id] = in
	return nil
}

func (r *memoryRepo) DeactivateIntegration(_ context.Context, id string) error {
	in, ok := r.integrations[id]
	if !ok {
		return shared.ErrNotFound
	}
	in.IsActive = false
	r.integrations[id] = in
	return nil
}

func (r *memoryRepo) UpsertEntityRefs(_ context.Context, refs []integration.EntityRef) (int, error) {
	r.refs = append(r.refs, refs...)
	return len(refs), nil
}

func (r *memoryRepo) ListEntityRefs(_ context.Context, integrationID string) ([]integration.EntityRef, error) {
	var out []integration.EntityRef
	for _, ref := range r.refs {
		if ref.IntegrationID == integrationID {
			out = append(out, ref)
		}
	}
	return out, nil
}

func (r *memoryRepo) CreateEntityMapping(_ context.Context, m integration.EntityMapping) (integration.EntityMapping, error) {
	return m, nil
}

func (r *memoryRepo) GetMappingByOctupEntity(context.Context, string, string) (*integration.EntityMapping, error) {
	return nil, shared.ErrNotFound
}

func (r *memoryRepo) GetMappingByAccountingEntity(context.Context, string, string, string) (*integration.EntityMapping, error) {
	return nil, shared.ErrNotFound
}

type providerStub struct{}

func (providerStub) SystemInfo() provider.SystemInfo {
	return provider.SystemInfo{ID: provider.SystemQuickBooks, Name: "QuickBooks Online", Text: "Connect to QuickBooks", Enabled: true}
}

func (providerStub) AuthorizationURL(state string) (string, error) {
	return "https://appcenter.example/consent?state=" + url.QueryEscape(state), nil
}

func (providerStub) ExchangeCode(context.Context, string, string) (provider.TokenPair, error) {
	return provider.TokenPair{AccessToken: "at-1", RefreshToken: "rt-1", ExpiresIn: 3600}, nil
}

func (providerStub) FetchCompanyInfo(context.Context, string, string) (string, error) {
	return "Globex International", nil
}

func (providerStub) DefaultCompanyName() string { return "QuickBooks Account" }

func (providerStub) FetchCustomers(context.Context, string, string) ([]provider.Customer, error) {
	return []provider.Customer{
		{ID: "10", DisplayName: "Globex", Active: true},
		{ID: "11", DisplayName: "Initech", Active: true},
	}, nil
}

func (providerStub) RefreshTokens(context.Context, string) (provider.TokenPair, error) {
	return provider.TokenPair{AccessToken: "at-2", RefreshToken: "rt-2", ExpiresIn: 3600}, nil
}

func (providerStub) RequiresRealmID() bool { return true }

type captureEnqueuer struct {
	ids []string
}

func (c *captureEnqueuer) EnqueueInitialSync(_ context.Context, integrationID string) error {
	c.ids = append(c.ids, integrationID)
	return nil
}

func TestConnectAndInitialSyncFlow(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	var notified []integration.SyncNotification
	downstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload integration.SyncNotification
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Errorf("decode notification: %v", err)
		}
		notified = append(notified, payload)
		w.WriteHeader(http.StatusOK)
	}))
	defer downstream.Close()

	cipher, err := tokencipher.New("e2e-encryption-key")
	if err != nil {
		t.Fatalf("init cipher: %v", err)
	}

	repo := newMemoryRepo()
	enqueuer := &captureEnqueuer{}
	service := integration.NewService(
		logger,
		repo,
		provider.NewRegistry(providerStub{}),
		oauthstate.NewCodec("e2e-state-secret"),
		cipher,
		integration.NewNotifier(downstream.URL, logger),
		enqueuer,
	)

	mr := miniredis.RunT(t)
	redisClient := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer redisClient.Close()
	sessions := shared.NewSessionCache(redisClient, logger, time.Hour)
	if err := sessions.Put(context.Background(), "e2e-token", shared.AuthContext{PartnerID: 7, UserID: "u-1"}); err != nil {
		t.Fatalf("seed session: %v", err)
	}

	router := chi.NewRouter()
	router.Route("/api/v1/oauth", integration.NewHandler(logger, service, sessions).MountRoutes)

	// Step 1: the partner asks to connect and is redirected to the provider.
	req := httptest.NewRequest(http.MethodGet,
		"/api/v1/oauth/authenticate?accounting_system=quickbooks&callback_uri="+url.QueryEscape("https://app.octup.test/settings"), nil)
	req.Header.Set("Authorization", "Bearer e2e-token")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusFound {
		t.Fatalf("authenticate status: %d", rec.Code)
	}
	consent, err := url.Parse(rec.Header().Get("Location"))
	if err != nil {
		t.Fatalf("parse consent url: %v", err)
	}
	state := consent.Query().Get("state")
	if state == "" {
		t.Fatal("consent url carries no state")
	}

	// Step 2: the provider redirects back with a code and realm id.
	req = httptest.NewRequest(http.MethodGet,
		"/api/v1/oauth/callback?code=code-1&realmId=realm-1&state="+url.QueryEscape(state), nil)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusFound {
		t.Fatalf("callback status: %d", rec.Code)
	}
	redirect, err := url.Parse(rec.Header().Get("Location"))
	if err != nil {
		t.Fatalf("parse redirect: %v", err)
	}
	if redirect.Query().Get("status") != "success" {
		t.Fatalf("callback redirect status=%s", redirect.Query().Get("status"))
	}
	integrationID := redirect.Query().Get("integration_id")
	if integrationID == "" {
		t.Fatal("redirect carries no integration id")
	}
	if len(enqueuer.ids) != 1 || enqueuer.ids[0] != integrationID {
		t.Fatalf("expected one enqueued sync for %s, got %v", integrationID, enqueuer.ids)
	}

	// Step 3: the worker picks up the task and runs the initial sync.
	reg := prometheus.NewRegistry()
	handlers := jobs.NewTaskHandlers(logger, service, jobmetrics.NewMetrics(reg), 10*time.Minute)
	task, err := jobs.NewInitialSyncTask(integrationID)
	if err != nil {
		t.Fatalf("build sync task: %v", err)
	}
	if err := handlers.HandleInitialSync(context.Background(), task); err != nil {
		t.Fatalf("handle initial sync: %v", err)
	}

	// The downstream endpoint received a fully synced payload.
	if len(notified) != 1 {
		t.Fatalf("expected one notification, got %d", len(notified))
	}
	payload := notified[0]
	if payload.Metadata.Status != integration.SyncStatusFullySynced {
		t.Fatalf("unexpected sync status: %s", payload.Metadata.Status)
	}
	if payload.Metadata.CompanyName != "Globex International" {
		t.Fatalf("unexpected company name: %s", payload.Metadata.CompanyName)
	}
	if len(payload.AccountingClients) != 2 {
		t.Fatalf("expected 2 accounting clients, got %d", len(payload.AccountingClients))
	}

	// Entity refs were persisted and the job metrics recorded a success.
	refs, err := repo.ListEntityRefs(context.Background(), integrationID)
	if err != nil {
		t.Fatalf("list refs: %v", err)
	}
	if len(refs) != 2 {
		t.Fatalf("expected 2 entity refs, got %d", len(refs))
	}

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	if !counterValue(families, "accounting_jobs_total", map[string]string{"job": jobs.TaskTypeInitialSync, "status": "success"}, 1) {
		t.Fatal("expected accounting_jobs_total success increment")
	}
}

func counterValue(families []*dto.MetricFamily, name string, labels map[string]string, expected float64) bool {
	for _, fam := range families {
		if fam.GetName() != name {
			continue
		}
		for _, metric := range fam.GetMetric() {
			if matchLabels(metric.GetLabel(), labels) && metric.GetCounter() != nil && metric.GetCounter().GetValue() == expected {
				return true
			}
		}
	}
	return false
}

func matchLabels(pairs []*dto.LabelPair, expected map[string]string) bool {
	seen := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		seen[pair.GetName()] = pair.GetValue()
	}
	for k, v := range expected {
		if seen[k] != v {
			return false
		}
	}
	return true
}
