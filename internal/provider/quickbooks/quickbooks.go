// Package quickbooks implements the provider.Strategy contract for
// QuickBooks Online.
package quickbooks

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/oauth2"

	"github.com/octup/accounting-service/internal/provider"
)

const (
	authURL  = "https://appcenter.intuit.com/connect/oauth2"
	tokenURL = "https://oauth.platform.intuit.com/oauth2/v1/tokens/bearer"

	scopeAccounting = "com.intuit.quickbooks.accounting"

	sandboxBaseURL    = "https://sandbox-quickbooks.api.intuit.com"
	productionBaseURL = "https://quickbooks.api.intuit.com"

	customerQuery = "SELECT * FROM Customer MAXRESULTS 100"
	minorVersion  = "65"

	defaultCompanyName = "QuickBooks Account"

	// Independent timeouts per call type: the customer query is allowed to
	// run longer than the small companyinfo lookup.
	companyInfoTimeout = 10 * time.Second
	customerTimeout    = 15 * time.Second
	tokenTimeout       = 10 * time.Second

	defaultTokenLifetime = 3600
)

// Config carries the registered Intuit app credentials.
type Config struct {
	ClientID     string
	ClientSecret string
	RedirectURI  string
	// Environment selects the API host: "sandbox" or "production".
	Environment string
}

// Strategy is the QuickBooks Online implementation of provider.Strategy.
type Strategy struct {
	oauth      oauth2.Config
	apiBaseURL string
	logger     *slog.Logger

	companyClient *http.Client
	queryClient   *http.Client
	tokenClient   *http.Client
}

// New constructs a QuickBooks strategy.
func New(cfg Config, logger *slog.Logger) *Strategy {
	base := sandboxBaseURL
	if cfg.Environment == "production" {
		base = productionBaseURL
	}
	return &Strategy{
		oauth: oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURI,
			Scopes:       []string{scopeAccounting},
			Endpoint: oauth2.Endpoint{
				AuthURL:   authURL,
				TokenURL:  tokenURL,
				AuthStyle: oauth2.AuthStyleInHeader,
			},
		},
		apiBaseURL:    base,
		logger:        logger,
		companyClient: &http.Client{Timeout: companyInfoTimeout},
		queryClient:   &http.Client{Timeout: customerTimeout},
		tokenClient:   &http.Client{Timeout: tokenTimeout},
	}
}

// SystemInfo returns catalog metadata for QuickBooks Online.
func (s *Strategy) SystemInfo() provider.SystemInfo {
	return provider.SystemInfo{
		ID:      provider.SystemQuickBooks,
		Name:    "QuickBooks Online",
		Text:    "Connect to QuickBooks",
		Enabled: true,
	}
}

// AuthorizationURL builds the Intuit consent URL embedding state.
func (s *Strategy) AuthorizationURL(state string) (string, error) {
	if s.oauth.ClientID == "" || s.oauth.RedirectURL == "" {
		return "", fmt.Errorf("quickbooks: client id and redirect uri must be configured")
	}
	return s.oauth.AuthCodeURL(state), nil
}

// ExchangeCode trades an authorization code for a token pair.
func (s *Strategy) ExchangeCode(ctx context.Context, code, realmID string) (provider.TokenPair, error) {
	ctx, cancel := context.WithTimeout(s.withTokenClient(ctx), tokenTimeout)
	defer cancel()

	tok, err := s.oauth.Exchange(ctx, code)
	if err != nil {
		return provider.TokenPair{}, fmt.Errorf("quickbooks: exchange code: %w", err)
	}
	if tok.AccessToken == "" || tok.RefreshToken == "" {
		return provider.TokenPair{}, fmt.Errorf("quickbooks: token endpoint returned incomplete pair")
	}
	return tokenPair(tok), nil
}

// RefreshTokens exchanges a refresh token for a new pair. QuickBooks rotates
// the refresh token on every use; the caller must persist the returned one.
func (s *Strategy) RefreshTokens(ctx context.Context, refreshToken string) (provider.TokenPair, error) {
	ctx, cancel := context.WithTimeout(s.withTokenClient(ctx), tokenTimeout)
	defer cancel()

	tok, err := s.oauth.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		return provider.TokenPair{}, fmt.Errorf("quickbooks: refresh tokens: %w", err)
	}
	if tok.AccessToken == "" {
		return provider.TokenPair{}, fmt.Errorf("quickbooks: refresh returned empty access token")
	}
	pair := tokenPair(tok)
	if pair.RefreshToken == "" {
		// Never fall back to the spent token: Intuit invalidates it.
		return provider.TokenPair{}, fmt.Errorf("quickbooks: refresh returned no rotated refresh token")
	}
	return pair, nil
}

// FetchCompanyInfo returns the connected company's display name.
func (s *Strategy) FetchCompanyInfo(ctx context.Context, accessToken, realmID string) (string, error) {
	endpoint := fmt.Sprintf("%s/v3/company/%s/companyinfo/%s", s.apiBaseURL, realmID, realmID)

	var out struct {
		CompanyInfo struct {
			CompanyName string `json:"CompanyName"`
		} `json:"CompanyInfo"`
	}
	if err := s.getJSON(ctx, s.companyClient, endpoint, accessToken, nil, &out); err != nil {
		return "", err
	}
	if out.CompanyInfo.CompanyName == "" {
		return "", fmt.Errorf("quickbooks: companyinfo response missing company name")
	}
	return out.CompanyInfo.CompanyName, nil
}

// DefaultCompanyName is the fallback used when FetchCompanyInfo fails.
func (s *Strategy) DefaultCompanyName() string { return defaultCompanyName }

// FetchCustomers runs the bounded customer query and normalizes the rows.
func (s *Strategy) FetchCustomers(ctx context.Context, accessToken, realmID string) ([]provider.Customer, error) {
	endpoint := fmt.Sprintf("%s/v3/company/%s/query", s.apiBaseURL, realmID)

	var out queryResponse
	params := url.Values{"query": {customerQuery}}
	if err := s.getJSON(ctx, s.queryClient, endpoint, accessToken, params, &out); err != nil {
		return nil, err
	}
	return parseCustomers(out), nil
}

// RequiresRealmID reports that QuickBooks callbacks must carry the realm id.
func (s *Strategy) RequiresRealmID() bool { return true }

type queryResponse struct {
	QueryResponse struct {
		Customer []customerRow `json:"Customer"`
	} `json:"QueryResponse"`
}

type customerRow struct {
	ID                 string `json:"Id"`
	DisplayName        string `json:"DisplayName"`
	FullyQualifiedName string `json:"FullyQualifiedName"`
	Active             *bool  `json:"Active"`
	ParentRef          *struct {
		Value string `json:"value"`
	} `json:"ParentRef"`
}

func parseCustomers(out queryResponse) []provider.Customer {
	customers := make([]provider.Customer, 0, len(out.QueryResponse.Customer))
	for _, row := range out.QueryResponse.Customer {
		if row.ID == "" {
			// Rows without an id cannot be referenced later; drop them.
			continue
		}
		name := row.DisplayName
		if name == "" {
			name = row.FullyQualifiedName
		}
		if name == "" {
			name = row.ID
		}
		active := true
		if row.Active != nil {
			active = *row.Active
		}
		customer := provider.Customer{ID: row.ID, DisplayName: name, Active: active}
		if row.ParentRef != nil && row.ParentRef.Value != "" {
			ref := row.ParentRef.Value
			customer.ParentRef = &ref
		}
		customers = append(customers, customer)
	}
	return customers
}

func (s *Strategy) getJSON(ctx context.Context, client *http.Client, endpoint, accessToken string, params url.Values, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("quickbooks: build request: %w", err)
	}
	query := req.URL.Query()
	for key, values := range params {
		for _, v := range values {
			query.Set(key, v)
		}
	}
	query.Set("minorversion", minorVersion)
	req.URL.RawQuery = query.Encode()
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("quickbooks: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		err := apiError(resp)
		s.logger.Warn("quickbooks api call failed",
			slog.String("endpoint", req.URL.Path),
			slog.Int("status", resp.StatusCode),
			slog.Any("error", err))
		return err
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("quickbooks: decode response: %w", err)
	}
	return nil
}

// apiError shapes the Intuit Fault envelope into an error message.
func apiError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	var fault struct {
		Fault struct {
			Error []struct {
				Message string `json:"Message"`
				Code    string `json:"code"`
			} `json:"Error"`
		} `json:"Fault"`
	}
	if err := json.Unmarshal(body, &fault); err == nil && len(fault.Fault.Error) > 0 {
		return fmt.Errorf("quickbooks: api error (%s): %s", fault.Fault.Error[0].Code, fault.Fault.Error[0].Message)
	}
	return fmt.Errorf("quickbooks: api returned status %d", resp.StatusCode)
}

func tokenPair(tok *oauth2.Token) provider.TokenPair {
	expiresIn := int64(defaultTokenLifetime)
	if !tok.Expiry.IsZero() {
		if secs := int64(time.Until(tok.Expiry).Seconds()); secs > 0 {
			expiresIn = secs
		}
	}
	return provider.TokenPair{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresIn:    expiresIn,
	}
}

// withTokenClient routes oauth2's internal HTTP calls through the bounded
// token client.
func (s *Strategy) withTokenClient(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, s.tokenClient)
}
