package integration

import "time"

// Entity types cached from external accounting systems.
const (
	EntityTypeCustomer = "Customer"
	EntityTypeInvoice  = "Invoice"
	EntityTypeItem     = "Item"
	EntityTypeAccount  = "Account"
	EntityTypePayment  = "Payment"
)

// Sync outcome statuses reported downstream. The status is binary: any
// recorded error flips the whole sync to SyncStatusError.
const (
	SyncStatusFullySynced = "fully_synced"
	SyncStatusError       = "sync_error"
)

// Sync error codes recorded per failed sub-step.
const (
	ErrCodeCompanyInfoFetchFailed = "company_info_fetch_failed"
	ErrCodeInitialDataFetchFailed = "initial_data_fetch_failed"
	ErrCodeEntityPersistFailed    = "entity_ref_persist_failed"
	ErrCodeInvalidConnection      = "invalid_connection_details"
)

// ConnectionDetails is the provider-specific credential blob stored with an
// integration. Access and refresh tokens are kept encrypted at rest.
type ConnectionDetails struct {
	RealmID      string    `json:"realm_id"`
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	Expiry       time.Time `json:"expiry"`
	CompanyName  string    `json:"company_name,omitempty"`
}

// Integration represents one partner's connection to one accounting system.
// At most one active integration may exist per (partner, accounting system).
type Integration struct {
	ID                string            `json:"id" db:"id"`
	Name              string            `json:"integration_name" db:"integration_name"`
	PartnerID         int64             `json:"partner_id" db:"partner_id"`
	AccountingSystem  string            `json:"accounting_system" db:"accounting_system"`
	IsActive          bool              `json:"is_active" db:"is_active"`
	ConnectionDetails ConnectionDetails `json:"connection_details" db:"connection_details"`
	CreatedAt         time.Time         `json:"created_at" db:"created_at"`
	UpdatedAt         time.Time         `json:"updated_at" db:"updated_at"`
}

// EntityRef is a locally cached reference to one external accounting entity.
// Unique per (integration, entity type, external id) so repeated syncs
// upsert in place instead of duplicating rows.
type EntityRef struct {
	ID            string    `json:"id" db:"id"`
	IntegrationID string    `json:"integration_id" db:"integration_id"`
	EntityType    string    `json:"entity_type" db:"entity_type"`
	ExternalID    string    `json:"external_id" db:"external_id"`
	DisplayName   *string   `json:"display_name,omitempty" db:"display_name"`
	ParentRef     *string   `json:"parent_ref,omitempty" db:"parent_ref"`
	IsActive      bool      `json:"is_active" db:"is_active"`
	CreatedAt     time.Time `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time `json:"updated_at" db:"updated_at"`
}

// EntityMapping links one Octup-side entity to one accounting-side entity.
// Lookups work in both directions.
type EntityMapping struct {
	ID              string    `json:"id" db:"id"`
	IntegrationID   string    `json:"integration_id" db:"integration_id"`
	OctupEntityType string    `json:"octup_entity_type" db:"octup_entity_type"`
	OctupEntityID   string    `json:"octup_entity_id" db:"octup_entity_id"`
	EntityType      string    `json:"entity_type" db:"entity_type"`
	ExternalID      string    `json:"external_id" db:"external_id"`
	CreatedAt       time.Time `json:"created_at" db:"created_at"`
}
