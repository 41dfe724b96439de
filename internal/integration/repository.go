package integration

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	platformdb "github.com/octup/accounting-service/internal/platform/db"
	"github.com/octup/accounting-service/internal/shared"
)

// Repository provides durable storage for integrations, entity refs and
// entity mappings.
type Repository interface {
	CreateIntegration(ctx context.Context, in Integration) (Integration, error)
	GetIntegration(ctx context.Context, id string) (*Integration, error)
	GetActiveIntegration(ctx context.Context, partnerID int64, system string) (*Integration, error)
	ListIntegrationsByPartner(ctx context.Context, partnerID int64) ([]Integration, error)
	ListExpiringIntegrations(ctx context.Context, within time.Duration) ([]Integration, error)
	UpdateConnectionDetails(ctx context.Context, id string, details ConnectionDetails) error
	DeactivateIntegration(ctx context.Context, id string) error

	UpsertEntityRefs(ctx context.Context, refs []EntityRef) (int, error)
	ListEntityRefs(ctx context.Context, integrationID string) ([]EntityRef, error)

	CreateEntityMapping(ctx context.Context, m EntityMapping) (EntityMapping, error)
	GetMappingByOctupEntity(ctx context.Context, octupType, octupID string) (*EntityMapping, error)
	GetMappingByAccountingEntity(ctx context.Context, integrationID, entityType, externalID string) (*EntityMapping, error)
}

const (
	retryAttempts = 3
	retryBaseWait = 200 * time.Millisecond
)

type repository struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewRepository constructs the pgx-backed Repository.
func NewRepository(pool *pgxpool.Pool, logger *slog.Logger) Repository {
	return &repository{pool: pool, logger: logger}
}

const integrationColumns = `id, integration_name, partner_id, accounting_system, is_active, connection_details, created_at, updated_at`

func (r *repository) CreateIntegration(ctx context.Context, in Integration) (Integration, error) {
	if in.ID == "" {
		in.ID = uuid.NewString()
	}
	details, err := json.Marshal(in.ConnectionDetails)
	if err != nil {
		return Integration{}, fmt.Errorf("integration: marshal connection details: %w", err)
	}

	const query = `
		INSERT INTO integrations (id, integration_name, partner_id, accounting_system, is_active, connection_details)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING ` + integrationColumns

	var out Integration
	err = r.withRetry(ctx, "create integration", func() error {
		row := r.pool.QueryRow(ctx, query, in.ID, in.Name, in.PartnerID, in.AccountingSystem, in.IsActive, details)
		var scanErr error
		out, scanErr = scanIntegration(row)
		return scanErr
	})
	if err != nil {
		// The partial unique index on (partner_id, accounting_system) WHERE
		// is_active makes the duplicate-active check race-free.
		if isUniqueViolation(err) {
			return Integration{}, shared.ErrDuplicateIntegration
		}
		return Integration{}, fmt.Errorf("integration: create: %w", err)
	}
	return out, nil
}

func (r *repository) GetIntegration(ctx context.Context, id string) (*Integration, error) {
	const query = `SELECT ` + integrationColumns + ` FROM integrations WHERE id = $1`

	var out Integration
	err := r.withRetry(ctx, "get integration", func() error {
		var scanErr error
		out, scanErr = scanIntegration(r.pool.QueryRow(ctx, query, id))
		return scanErr
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, shared.ErrNotFound
		}
		return nil, fmt.Errorf("integration: get %s: %w", id, err)
	}
	return &out, nil
}

func (r *repository) GetActiveIntegration(ctx context.Context, partnerID int64, system string) (*Integration, error) {
	const query = `SELECT ` + integrationColumns + `
		FROM integrations
		WHERE partner_id = $1 AND accounting_system = $2 AND is_active`

	var out Integration
	err := r.withRetry(ctx, "get active integration", func() error {
		var scanErr error
		out, scanErr = scanIntegration(r.pool.QueryRow(ctx, query, partnerID, system))
		return scanErr
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, shared.ErrNotFound
		}
		return nil, fmt.Errorf("integration: get active for partner %d: %w", partnerID, err)
	}
	return &out, nil
}

func (r *repository) ListIntegrationsByPartner(ctx context.Context, partnerID int64) ([]Integration, error) {
	const query = `SELECT ` + integrationColumns + `
		FROM integrations WHERE partner_id = $1 ORDER BY created_at`

	var out []Integration
	err := r.withRetry(ctx, "list integrations", func() error {
		rows, err := r.pool.Query(ctx, query, partnerID)
		if err != nil {
			return err
		}
		defer rows.Close()
		out = out[:0]
		for rows.Next() {
			in, err := scanIntegration(rows)
			if err != nil {
				return err
			}
			out = append(out, in)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("integration: list for partner %d: %w", partnerID, err)
	}
	return out, nil
}

func (r *repository) ListExpiringIntegrations(ctx context.Context, within time.Duration) ([]Integration, error) {
	const query = `SELECT ` + integrationColumns + `
		FROM integrations
		WHERE is_active
		  AND connection_details->>'expiry' IS NOT NULL
		  AND (connection_details->>'expiry')::timestamptz < now() + $1
		ORDER BY (connection_details->>'expiry')::timestamptz`

	var out []Integration
	err := r.withRetry(ctx, "list expiring integrations", func() error {
		rows, err := r.pool.Query(ctx, query, within)
		if err != nil {
			return err
		}
		defer rows.Close()
		out = out[:0]
		for rows.Next() {
			in, err := scanIntegration(rows)
			if err != nil {
				return err
			}
			out = append(out, in)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("integration: list expiring: %w", err)
	}
	return out, nil
}

func (r *repository) UpdateConnectionDetails(ctx context.Context, id string, details ConnectionDetails) error {
	payload, err := json.Marshal(details)
	if err != nil {
		return fmt.Errorf("integration: marshal connection details: %w", err)
	}

	const query = `UPDATE integrations SET connection_details = $2, updated_at = now() WHERE id = $1`

	err = r.withRetry(ctx, "update connection details", func() error {
		tag, err := r.pool.Exec(ctx, query, id, payload)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return shared.ErrNotFound
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			return shared.ErrNotFound
		}
		return fmt.Errorf("integration: update connection details %s: %w", id, err)
	}
	return nil
}

func (r *repository) DeactivateIntegration(ctx context.Context, id string) error {
	const query = `UPDATE integrations SET is_active = FALSE, updated_at = now() WHERE id = $1`

	err := r.withRetry(ctx, "deactivate integration", func() error {
		tag, err := r.pool.Exec(ctx, query, id)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return shared.ErrNotFound
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			return shared.ErrNotFound
		}
		return fmt.Errorf("integration: deactivate %s: %w", id, err)
	}
	return nil
}

// UpsertEntityRefs writes refs in one transaction, keyed on
// (integration_id, entity_type, external_id) so repeat syncs update rows in
// place. Returns the number of rows written.
func (r *repository) UpsertEntityRefs(ctx context.Context, refs []EntityRef) (int, error) {
	if len(refs) == 0 {
		return 0, nil
	}

	const query = `
		INSERT INTO integration_entity_refs (id, integration_id, entity_type, external_id, display_name, parent_ref, is_active)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (integration_id, entity_type, external_id) DO UPDATE
		SET display_name = EXCLUDED.display_name,
		    parent_ref = EXCLUDED.parent_ref,
		    is_active = EXCLUDED.is_active,
		    updated_at = now()`

	count := 0
	err := r.withRetry(ctx, "upsert entity refs", func() error {
		count = 0
		return platformdb.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
			for _, ref := range refs {
				id := ref.ID
				if id == "" {
					id = uuid.NewString()
				}
				if _, err := tx.Exec(ctx, query, id, ref.IntegrationID, ref.EntityType, ref.ExternalID, ref.DisplayName, ref.ParentRef, ref.IsActive); err != nil {
					return err
				}
				count++
			}
			return nil
		})
	})
	if err != nil {
		return 0, fmt.Errorf("integration: upsert entity refs: %w", err)
	}
	return count, nil
}

func (r *repository) ListEntityRefs(ctx context.Context, integrationID string) ([]EntityRef, error) {
	const query = `
		SELECT id, integration_id, entity_type, external_id, display_name, parent_ref, is_active, created_at, updated_at
		FROM integration_entity_refs
		WHERE integration_id = $1
		ORDER BY entity_type, external_id`

	var out []EntityRef
	err := r.withRetry(ctx, "list entity refs", func() error {
		rows, err := r.pool.Query(ctx, query, integrationID)
		if err != nil {
			return err
		}
		defer rows.Close()
		out = out[:0]
		for rows.Next() {
			var ref EntityRef
			if err := rows.Scan(&ref.ID, &ref.IntegrationID, &ref.EntityType, &ref.ExternalID, &ref.DisplayName, &ref.ParentRef, &ref.IsActive, &ref.CreatedAt, &ref.UpdatedAt); err != nil {
				return err
			}
			out = append(out, ref)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("integration: list entity refs: %w", err)
	}
	return out, nil
}

func (r *repository) CreateEntityMapping(ctx context.Context, m EntityMapping) (EntityMapping, error) {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}

	const query = `
		INSERT INTO integration_entity_mappings (id, integration_id, octup_entity_type, octup_entity_id, entity_type, external_id)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at`

	err := r.withRetry(ctx, "create entity mapping", func() error {
		return r.pool.QueryRow(ctx, query, m.ID, m.IntegrationID, m.OctupEntityType, m.OctupEntityID, m.EntityType, m.ExternalID).Scan(&m.CreatedAt)
	})
	if err != nil {
		if isUniqueViolation(err) {
			return EntityMapping{}, fmt.Errorf("integration: mapping already exists: %w", err)
		}
		return EntityMapping{}, fmt.Errorf("integration: create mapping: %w", err)
	}
	return m, nil
}

const mappingColumns = `id, integration_id, octup_entity_type, octup_entity_id, entity_type, external_id, created_at`

func (r *repository) GetMappingByOctupEntity(ctx context.Context, octupType, octupID string) (*EntityMapping, error) {
	const query = `SELECT ` + mappingColumns + `
		FROM integration_entity_mappings
		WHERE octup_entity_type = $1 AND octup_entity_id = $2`
	return r.getMapping(ctx, query, octupType, octupID)
}

func (r *repository) GetMappingByAccountingEntity(ctx context.Context, integrationID, entityType, externalID string) (*EntityMapping, error) {
	const query = `SELECT ` + mappingColumns + `
		FROM integration_entity_mappings
		WHERE integration_id = $1 AND entity_type = $2 AND external_id = $3`
	return r.getMapping(ctx, query, integrationID, entityType, externalID)
}

func (r *repository) getMapping(ctx context.Context, query string, args ...any) (*EntityMapping, error) {
	var m EntityMapping
	err := r.withRetry(ctx, "get entity mapping", func() error {
		return r.pool.QueryRow(ctx, query, args...).Scan(&m.ID, &m.IntegrationID, &m.OctupEntityType, &m.OctupEntityID, &m.EntityType, &m.ExternalID, &m.CreatedAt)
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, shared.ErrNotFound
		}
		return nil, fmt.Errorf("integration: get mapping: %w", err)
	}
	return &m, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanIntegration(row rowScanner) (Integration, error) {
	var in Integration
	var details []byte
	if err := row.Scan(&in.ID, &in.Name, &in.PartnerID, &in.AccountingSystem, &in.IsActive, &details, &in.CreatedAt, &in.UpdatedAt); err != nil {
		return Integration{}, err
	}
	if len(details) > 0 {
		if err := json.Unmarshal(details, &in.ConnectionDetails); err != nil {
			return Integration{}, fmt.Errorf("unmarshal connection details: %w", err)
		}
	}
	return in, nil
}

// withRetry runs fn, retrying transient failures with bounded exponential
// backoff. Non-transient errors surface immediately.
func (r *repository) withRetry(ctx context.Context, op string, fn func() error) error {
	var err error
	wait := retryBaseWait
	for attempt := 1; attempt <= retryAttempts; attempt++ {
		err = fn()
		if err == nil || !isTransient(err) {
			return err
		}
		if attempt == retryAttempts {
			break
		}
		r.logger.Warn("transient database error, retrying",
			slog.String("op", op),
			slog.Int("attempt", attempt),
			slog.Any("error", err))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
		wait *= 2
	}
	return err
}

func isTransient(err error) bool {
	if pgconn.SafeToRetry(err) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// Class 08: connection exceptions; 57P01: admin shutdown;
		// 40001/40P01: serialization failure and deadlock.
		switch pgErr.Code {
		case "40001", "40P01", "57P01":
			return true
		}
		return len(pgErr.Code) >= 2 && pgErr.Code[:2] == "08"
	}
	return false
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
