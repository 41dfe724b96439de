package integration

import (
	"fmt"
	"net/url"
	"time"

	"github.com/octup/accounting-service/internal/provider"
)

// AuthenticateRequest carries the query parameters of the authenticate call.
type AuthenticateRequest struct {
	AccountingSystem string `json:"accounting_system" validate:"required,max=50"`
	CallbackURI      string `json:"callback_uri" validate:"required,url"`
}

// SystemsResponse lists the accounting systems available to connect.
type SystemsResponse struct {
	Systems []provider.SystemInfo `json:"systems"`
}

// Callback outcome statuses embedded in the redirect back to the caller.
const (
	CallbackStatusSuccess = "success"
	CallbackStatusError   = "error"
)

// Callback error reasons. Provider error detail is logged, never echoed.
const (
	ReasonMissingRealmID      = "missing_realm_id"
	ReasonTokenExchangeFailed = "token_exchange_failed"
	ReasonAlreadyConnected    = "integration_already_exists"
	ReasonUnsupportedSystem   = "unsupported_accounting_system"
	ReasonInternalError       = "internal_error"
)

// CallbackResult is the outcome of one OAuth callback transaction.
type CallbackResult struct {
	Status        string
	IntegrationID string
	ErrorReason   string
	CallbackURI   string
}

// RedirectURL builds the redirect target back to the originating caller.
func (r CallbackResult) RedirectURL() string {
	params := url.Values{"status": {r.Status}}
	if r.Status == CallbackStatusSuccess {
		params.Set("integration_id", r.IntegrationID)
	} else {
		params.Set("error_reason", r.ErrorReason)
	}
	sep := "?"
	if parsed, err := url.Parse(r.CallbackURI); err == nil && parsed.RawQuery != "" {
		sep = "&"
	}
	return fmt.Sprintf("%s%s%s", r.CallbackURI, sep, params.Encode())
}

// SyncClient is one synced customer record in the downstream notification.
type SyncClient struct {
	AccountingClientID string  `json:"accounting_client_id"`
	DisplayName        string  `json:"display_name"`
	ParentRef          *string `json:"parent_ref,omitempty"`
	IsActive           bool    `json:"is_active"`
}

// SyncMetadata summarizes one initial sync run.
type SyncMetadata struct {
	IntegrationID    string    `json:"integration_id"`
	IntegrationName  string    `json:"integration_name"`
	AccountingSystem string    `json:"accounting_system"`
	CompanyName      string    `json:"company_name"`
	PartnerID        int64     `json:"partner_id"`
	Status           string    `json:"status"`
	SyncCompletedAt  time.Time `json:"sync_completed_at"`
	Errors           []string  `json:"errors"`
}

// SyncNotification is the payload posted to the downstream Octup endpoint
// after an initial sync completes.
type SyncNotification struct {
	Metadata          SyncMetadata `json:"metadata"`
	AccountingClients []SyncClient `json:"accounting_clients"`
}
