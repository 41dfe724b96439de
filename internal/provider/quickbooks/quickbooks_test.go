package quickbooks

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
)

func newTestStrategy(t *testing.T) *Strategy {
	t.Helper()
	return New(Config{
		ClientID:     "client-id",
		ClientSecret: "client-secret",
		RedirectURI:  "https://accounting.octup.com/api/v1/oauth/callback",
		Environment:  "sandbox",
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestAuthorizationURL(t *testing.T) {
	s := newTestStrategy(t)

	raw, err := s.AuthorizationURL("opaque-state-token")
	if err != nil {
		t.Fatalf("AuthorizationURL() error = %v", err)
	}

	parsed, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("authorization url does not parse: %v", err)
	}
	if parsed.Host != "appcenter.intuit.com" {
		t.Fatalf("unexpected host %s", parsed.Host)
	}
	q := parsed.Query()
	if q.Get("state") != "opaque-state-token" {
		t.Fatalf("state not embedded, got %q", q.Get("state"))
	}
	if q.Get("client_id") != "client-id" {
		t.Fatalf("client_id missing, got %q", q.Get("client_id"))
	}
	if got := q.Get("scope"); !strings.Contains(got, "com.intuit.quickbooks.accounting") {
		t.Fatalf("accounting scope missing, got %q", got)
	}
}

func TestAuthorizationURLUnconfigured(t *testing.T) {
	s := New(Config{}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if _, err := s.AuthorizationURL("state"); err == nil {
		t.Fatal("expected error for unconfigured strategy")
	}
}

func TestParseCustomersSkipsRowsWithoutID(t *testing.T) {
	var out queryResponse
	out.QueryResponse.Customer = []customerRow{
		{ID: "1", DisplayName: "Acme Corp"},
		{DisplayName: "No ID Inc"},
		{ID: "3", DisplayName: "Globex"},
	}

	customers := parseCustomers(out)
	if len(customers) != 2 {
		t.Fatalf("expected 2 customers, got %d", len(customers))
	}
	if customers[0].ID != "1" || customers[1].ID != "3" {
		t.Fatalf("unexpected ids %s, %s", customers[0].ID, customers[1].ID)
	}
}

func TestParseCustomersDisplayNameFallbacks(t *testing.T) {
	var out queryResponse
	out.QueryResponse.Customer = []customerRow{
		{ID: "1", DisplayName: "Display", FullyQualifiedName: "Qualified"},
		{ID: "2", FullyQualifiedName: "Qualified Only"},
		{ID: "3"},
	}

	customers := parseCustomers(out)
	if customers[0].DisplayName != "Display" {
		t.Fatalf("expected DisplayName preference, got %s", customers[0].DisplayName)
	}
	if customers[1].DisplayName != "Qualified Only" {
		t.Fatalf("expected FullyQualifiedName fallback, got %s", customers[1].DisplayName)
	}
	if customers[2].DisplayName != "3" {
		t.Fatalf("expected id fallback, got %s", customers[2].DisplayName)
	}
}

func TestParseCustomersParentRefAndActive(t *testing.T) {
	inactive := false
	var out queryResponse
	out.QueryResponse.Customer = []customerRow{
		{ID: "10", DisplayName: "Child", ParentRef: &struct {
			Value string `json:"value"`
		}{Value: "4"}},
		{ID: "11", DisplayName: "Dormant", Active: &inactive},
	}

	customers := parseCustomers(out)
	if customers[0].ParentRef == nil || *customers[0].ParentRef != "4" {
		t.Fatalf("parent ref not extracted: %+v", customers[0])
	}
	if customers[1].Active {
		t.Fatal("expected inactive customer")
	}
	if !customers[0].Active {
		t.Fatal("expected active default")
	}
}

func TestFetchCompanyInfo(t *testing.T) {
	var gotPath, gotAuth, gotMinor string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		gotMinor = r.URL.Query().Get("minorversion")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"CompanyInfo":{"CompanyName":"Acme Sandbox Co"}}`))
	}))
	defer ts.Close()

	s := newTestStrategy(t)
	s.apiBaseURL = ts.URL

	name, err := s.FetchCompanyInfo(context.Background(), "token-123", "realm-9")
	if err != nil {
		t.Fatalf("FetchCompanyInfo() error = %v", err)
	}
	if name != "Acme Sandbox Co" {
		t.Fatalf("unexpected company name %s", name)
	}
	if gotPath != "/v3/company/realm-9/companyinfo/realm-9" {
		t.Fatalf("unexpected path %s", gotPath)
	}
	if gotAuth != "Bearer token-123" {
		t.Fatalf("unexpected auth header %s", gotAuth)
	}
	if gotMinor != minorVersion {
		t.Fatalf("unexpected minorversion %s", gotMinor)
	}
}

func TestFetchCustomersQueryAndFaultEnvelope(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("query"); got != customerQuery {
			t.Errorf("unexpected query %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"QueryResponse":{"Customer":[
			{"Id":"1","DisplayName":"Acme"},
			{"Id":"2","FullyQualifiedName":"Acme:Sub"}
		]}}`))
	}))
	defer ts.Close()

	s := newTestStrategy(t)
	s.apiBaseURL = ts.URL

	customers, err := s.FetchCustomers(context.Background(), "token", "realm")
	if err != nil {
		t.Fatalf("FetchCustomers() error = %v", err)
	}
	if len(customers) != 2 {
		t.Fatalf("expected 2 customers, got %d", len(customers))
	}

	faulty := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"Fault":{"Error":[{"Message":"Token expired","code":"3200"}]}}`))
	}))
	defer faulty.Close()

	s.apiBaseURL = faulty.URL
	if _, err := s.FetchCustomers(context.Background(), "stale", "realm"); err == nil {
		t.Fatal("expected error from fault response")
	} else if !strings.Contains(err.Error(), "3200") {
		t.Fatalf("fault code not surfaced: %v", err)
	}
}
