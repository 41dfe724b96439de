// Package provider defines the contract every external accounting system
// integration implements, plus the registry the orchestrator selects
// strategies from.
package provider

import (
	"context"
	"errors"

	"github.com/octup/accounting-service/internal/shared"
)

// Accounting system identifiers.
const (
	SystemQuickBooks = "quickbooks"
	SystemXero       = "xero"
	SystemSage       = "sage"
)

// ErrNotImplemented is returned by declared-but-unreleased strategies.
var ErrNotImplemented = errors.New("provider: not implemented")

// SystemInfo describes one accounting system for the systems listing.
type SystemInfo struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Text    string `json:"text"`
	Enabled bool   `json:"enabled"`
}

// TokenPair is the credential set returned by token endpoints.
type TokenPair struct {
	AccessToken  string
	RefreshToken string
	// ExpiresIn is the access token lifetime in seconds, zero when unknown.
	ExpiresIn int64
}

// Customer is one customer row normalized from a provider response.
type Customer struct {
	ID          string
	DisplayName string
	ParentRef   *string
	Active      bool
}

// Strategy isolates everything specific to one external accounting API.
type Strategy interface {
	// SystemInfo returns static descriptive metadata. No I/O.
	SystemInfo() SystemInfo
	// AuthorizationURL builds the provider consent URL embedding state.
	AuthorizationURL(state string) (string, error)
	// ExchangeCode trades an authorization code for tokens. A failure here
	// fails the whole callback.
	ExchangeCode(ctx context.Context, code, realmID string) (TokenPair, error)
	// FetchCompanyInfo returns the connected company's display name.
	FetchCompanyInfo(ctx context.Context, accessToken, realmID string) (string, error)
	// DefaultCompanyName is the fallback used when FetchCompanyInfo fails.
	DefaultCompanyName() string
	// FetchCustomers returns one bounded page of customers.
	FetchCustomers(ctx context.Context, accessToken, realmID string) ([]Customer, error)
	// RefreshTokens exchanges a refresh token for a new pair. Providers may
	// rotate the refresh token; callers must persist the returned one.
	RefreshTokens(ctx context.Context, refreshToken string) (TokenPair, error)
	// RequiresRealmID reports whether callbacks must carry a tenant id.
	RequiresRealmID() bool
}

// Registry is the closed set of strategies, built once at startup and
// injected. Adding a provider means adding an entry, not changing callers.
type Registry struct {
	strategies map[string]Strategy
	order      []string
}

// NewRegistry constructs a Registry from the given strategies, preserving
// registration order for listings.
func NewRegistry(strategies ...Strategy) *Registry {
	reg := &Registry{strategies: make(map[string]Strategy, len(strategies))}
	for _, s := range strategies {
		id := s.SystemInfo().ID
		if _, exists := reg.strategies[id]; exists {
			continue
		}
		reg.strategies[id] = s
		reg.order = append(reg.order, id)
	}
	return reg
}

// Get returns the strategy for system, or shared.ErrUnsupportedSystem.
func (r *Registry) Get(system string) (Strategy, error) {
	s, ok := r.strategies[system]
	if !ok {
		return nil, shared.ErrUnsupportedSystem
	}
	return s, nil
}

// Systems lists metadata for every registered strategy.
func (r *Registry) Systems() []SystemInfo {
	infos := make([]SystemInfo, 0, len(r.order))
	for _, id := range r.order {
		infos = append(infos, r.strategies[id].SystemInfo())
	}
	return infos
}
