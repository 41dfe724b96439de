package integration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/octup/accounting-service/internal/oauthstate"
	"github.com/octup/accounting-service/internal/observability"
	"github.com/octup/accounting-service/internal/provider"
	"github.com/octup/accounting-service/internal/shared"
)

// stateCodec issues and validates OAuth state tokens.
type stateCodec interface {
	Generate(partnerID int64, accountingSystem, callbackURI string) (string, error)
	Validate(token string) (oauthstate.Payload, error)
}

// tokenCipher protects provider tokens at rest.
type tokenCipher interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(ciphertext string) (string, error)
}

// syncNotifier delivers sync completion payloads downstream.
type syncNotifier interface {
	Notify(ctx context.Context, payload SyncNotification) error
}

// Enqueuer hands the initial sync to the background worker. The callback
// handler's responsibility ends at a successful enqueue.
type Enqueuer interface {
	EnqueueInitialSync(ctx context.Context, integrationID string) error
}

// Service orchestrates the OAuth lifecycle and the initial sync.
type Service struct {
	logger   *slog.Logger
	repo     Repository
	registry *provider.Registry
	states   stateCodec
	cipher   tokenCipher
	notifier syncNotifier
	enqueuer Enqueuer
	metrics  *observability.Metrics
	now      func() time.Time
}

// NewService constructs the orchestrator.
func NewService(
	logger *slog.Logger,
	repo Repository,
	registry *provider.Registry,
	states stateCodec,
	cipher tokenCipher,
	notifier syncNotifier,
	enqueuer Enqueuer,
) *Service {
	return &Service{
		logger:   logger,
		repo:     repo,
		registry: registry,
		states:   states,
		cipher:   cipher,
		notifier: notifier,
		enqueuer: enqueuer,
		now:      time.Now,
	}
}

// WithMetrics attaches the Prometheus recorder. A nil recorder is valid.
func (s *Service) WithMetrics(m *observability.Metrics) *Service {
	s.metrics = m
	return s
}

// Systems lists the accounting systems available to connect.
func (s *Service) Systems() SystemsResponse {
	return SystemsResponse{Systems: s.registry.Systems()}
}

// InitiateOAuth validates the requested system, issues a signed state token
// and returns the provider consent URL. Nothing is persisted yet.
func (s *Service) InitiateOAuth(ctx context.Context, partnerID int64, req AuthenticateRequest) (string, error) {
	strategy, err := s.registry.Get(req.AccountingSystem)
	if err != nil {
		return "", err
	}
	if !strategy.SystemInfo().Enabled {
		return "", shared.ErrUnsupportedSystem
	}

	state, err := s.states.Generate(partnerID, req.AccountingSystem, req.CallbackURI)
	if err != nil {
		return "", fmt.Errorf("integration: generate state: %w", err)
	}

	authURL, err := strategy.AuthorizationURL(state)
	if err != nil {
		return "", fmt.Errorf("integration: build authorization url: %w", err)
	}

	s.logger.Info("oauth initiated",
		slog.Int64("partner_id", partnerID),
		slog.String("accounting_system", req.AccountingSystem))
	return authURL, nil
}

// HandleCallback validates the returned state, exchanges the code, persists
// the encrypted credentials and schedules the initial sync. The returned
// result always carries a redirect target back to the original caller; an
// error return means the state itself could not be trusted and no redirect
// destination is known.
func (s *Service) HandleCallback(ctx context.Context, code, state, realmID string) (CallbackResult, error) {
	if state == "" {
		return CallbackResult{}, fmt.Errorf("integration: missing state parameter")
	}
	payload, err := s.states.Validate(state)
	if err != nil {
		s.logger.Warn("callback state validation failed", slog.Any("error", err))
		return CallbackResult{}, fmt.Errorf("integration: invalid or expired state: %w", err)
	}

	result := CallbackResult{CallbackURI: payload.CallbackURI}

	strategy, err := s.registry.Get(payload.AccountingSystem)
	if err != nil {
		return s.callbackError(result, ReasonUnsupportedSystem, err), nil
	}

	if code == "" {
		return s.callbackError(result, ReasonTokenExchangeFailed, errors.New("missing authorization code")), nil
	}
	if strategy.RequiresRealmID() && realmID == "" {
		return s.callbackError(result, ReasonMissingRealmID, errors.New("missing realm id")), nil
	}

	pair, err := strategy.ExchangeCode(ctx, code, realmID)
	if err != nil {
		// Provider detail stays in the log; the redirect carries a generic
		// reason only.
		return s.callbackError(result, ReasonTokenExchangeFailed, err), nil
	}

	encryptedAccess, err := s.cipher.Encrypt(pair.AccessToken)
	if err != nil {
		return s.callbackError(result, ReasonInternalError, err), nil
	}
	encryptedRefresh, err := s.cipher.Encrypt(pair.RefreshToken)
	if err != nil {
		return s.callbackError(result, ReasonInternalError, err), nil
	}

	created, err := s.repo.CreateIntegration(ctx, Integration{
		Name:             strategy.SystemInfo().Name,
		PartnerID:        payload.PartnerID,
		AccountingSystem: payload.AccountingSystem,
		IsActive:         true,
		ConnectionDetails: ConnectionDetails{
			RealmID:      realmID,
			AccessToken:  encryptedAccess,
			RefreshToken: encryptedRefresh,
			Expiry:       s.tokenExpiry(pair),
		},
	})
	if err != nil {
		if errors.Is(err, shared.ErrDuplicateIntegration) {
			return s.callbackError(result, ReasonAlreadyConnected, err), nil
		}
		return s.callbackError(result, ReasonInternalError, err), nil
	}

	s.logger.Info("integration created",
		slog.String("integration_id", created.ID),
		slog.Int64("partner_id", created.PartnerID),
		slog.String("accounting_system", created.AccountingSystem))

	if err := s.enqueuer.EnqueueInitialSync(ctx, created.ID); err != nil {
		// The connection itself succeeded; the sync can be replayed by
		// operators, so the caller still gets a success redirect.
		s.logger.Error("failed to enqueue initial sync",
			slog.String("integration_id", created.ID),
			slog.Any("error", err))
	}

	result.Status = CallbackStatusSuccess
	result.IntegrationID = created.ID
	return result, nil
}

// ProcessInitialSync runs the one-time bulk fetch for a freshly connected
// integration. Each sub-step degrades independently: failures are recorded
// as error codes and the sync always produces a notification payload.
func (s *Service) ProcessInitialSync(ctx context.Context, integrationID string) error {
	started := time.Now()
	in, err := s.repo.GetIntegration(ctx, integrationID)
	if err != nil {
		return fmt.Errorf("integration: load %s for sync: %w", integrationID, err)
	}
	strategy, err := s.registry.Get(in.AccountingSystem)
	if err != nil {
		return fmt.Errorf("integration: sync %s: %w", integrationID, err)
	}

	var syncErrors []string
	companyName := strategy.DefaultCompanyName()
	var clients []SyncClient

	accessToken, err := s.cipher.Decrypt(in.ConnectionDetails.AccessToken)
	if err != nil {
		// Decrypt failure means key rotation without migration or data
		// corruption; the sync reports it instead of crashing.
		s.logger.Error("stored access token cannot be decrypted",
			slog.String("integration_id", in.ID),
			slog.Any("error", err))
		syncErrors = append(syncErrors, ErrCodeInvalidConnection)
		return s.finishSync(ctx, in, companyName, syncErrors, clients, started)
	}

	realmID := in.ConnectionDetails.RealmID

	var (
		fetchedName      string
		companyErr       error
		customers        []provider.Customer
		customerFetchErr error
	)
	g, fetchCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		fetchedName, companyErr = strategy.FetchCompanyInfo(fetchCtx, accessToken, realmID)
		return nil
	})
	g.Go(func() error {
		customers, customerFetchErr = strategy.FetchCustomers(fetchCtx, accessToken, realmID)
		return nil
	})
	_ = g.Wait()

	if companyErr != nil {
		s.logger.Warn("company info fetch failed, using fallback",
			slog.String("integration_id", in.ID),
			slog.Any("error", companyErr))
		syncErrors = append(syncErrors, ErrCodeCompanyInfoFetchFailed)
	} else {
		companyName = fetchedName
		details := in.ConnectionDetails
		details.CompanyName = fetchedName
		if err := s.repo.UpdateConnectionDetails(ctx, in.ID, details); err != nil {
			s.logger.Warn("failed to store company name",
				slog.String("integration_id", in.ID),
				slog.Any("error", err))
		}
	}

	if customerFetchErr != nil {
		s.logger.Error("customer fetch failed",
			slog.String("integration_id", in.ID),
			slog.Any("error", customerFetchErr))
		syncErrors = append(syncErrors, ErrCodeInitialDataFetchFailed)
	} else {
		refs := make([]EntityRef, 0, len(customers))
		clients = make([]SyncClient, 0, len(customers))
		for _, c := range customers {
			name := c.DisplayName
			refs = append(refs, EntityRef{
				IntegrationID: in.ID,
				EntityType:    EntityTypeCustomer,
				ExternalID:    c.ID,
				DisplayName:   &name,
				ParentRef:     c.ParentRef,
				IsActive:      c.Active,
			})
			clients = append(clients, SyncClient{
				AccountingClientID: c.ID,
				DisplayName:        c.DisplayName,
				ParentRef:          c.ParentRef,
				IsActive:           c.Active,
			})
		}
		if _, err := s.repo.UpsertEntityRefs(ctx, refs); err != nil {
			s.logger.Error("failed to persist entity refs",
				slog.String("integration_id", in.ID),
				slog.Any("error", err))
			syncErrors = append(syncErrors, ErrCodeEntityPersistFailed)
		}
	}

	return s.finishSync(ctx, in, companyName, syncErrors, clients, started)
}

func (s *Service) finishSync(ctx context.Context, in *Integration, companyName string, syncErrors []string, clients []SyncClient, started time.Time) error {
	status := SyncStatusFullySynced
	if len(syncErrors) > 0 {
		status = SyncStatusError
	}
	if syncErrors == nil {
		syncErrors = []string{}
	}
	if clients == nil {
		clients = []SyncClient{}
	}

	payload := SyncNotification{
		Metadata: SyncMetadata{
			IntegrationID:    in.ID,
			IntegrationName:  in.Name,
			AccountingSystem: in.AccountingSystem,
			CompanyName:      companyName,
			PartnerID:        in.PartnerID,
			Status:           status,
			SyncCompletedAt:  s.now().UTC(),
			Errors:           syncErrors,
		},
		AccountingClients: clients,
	}

	if err := s.notifier.Notify(ctx, payload); err != nil {
		// No retry at this layer: log and stop.
		s.logger.Error("sync notification failed",
			slog.String("integration_id", in.ID),
			slog.Any("error", err))
	}

	s.metrics.RecordSync(in.AccountingSystem, status, time.Since(started))
	s.logger.Info("initial sync completed",
		slog.String("integration_id", in.ID),
		slog.String("status", status),
		slog.Int("clients", len(clients)),
		slog.Int("errors", len(syncErrors)))
	return nil
}

// GetPartnerIntegration loads an integration and checks it belongs to the
// partner. Other partners' integrations look like they do not exist.
func (s *Service) GetPartnerIntegration(ctx context.Context, partnerID int64, integrationID string) (*Integration, error) {
	in, err := s.repo.GetIntegration(ctx, integrationID)
	if err != nil {
		return nil, err
	}
	if in.PartnerID != partnerID {
		return nil, shared.ErrNotFound
	}
	return in, nil
}

// RefreshTokens rotates the stored credential pair. Unlike the sync path it
// propagates every failure: an integration with an unrefreshable token must
// surface loudly.
func (s *Service) RefreshTokens(ctx context.Context, integrationID string) error {
	in, err := s.repo.GetIntegration(ctx, integrationID)
	if err != nil {
		return err
	}
	strategy, err := s.registry.Get(in.AccountingSystem)
	if err != nil {
		return err
	}

	refreshToken, err := s.cipher.Decrypt(in.ConnectionDetails.RefreshToken)
	if err != nil {
		return fmt.Errorf("integration: decrypt refresh token for %s: %w", integrationID, err)
	}

	pair, err := strategy.RefreshTokens(ctx, refreshToken)
	if err != nil {
		s.metrics.RecordTokenRefresh(in.AccountingSystem, "failure")
		return fmt.Errorf("integration: refresh tokens for %s: %w", integrationID, err)
	}

	// The provider rotated the refresh token; the old one is spent.
	encryptedAccess, err := s.cipher.Encrypt(pair.AccessToken)
	if err != nil {
		return fmt.Errorf("integration: encrypt access token: %w", err)
	}
	encryptedRefresh, err := s.cipher.Encrypt(pair.RefreshToken)
	if err != nil {
		return fmt.Errorf("integration: encrypt refresh token: %w", err)
	}

	details := in.ConnectionDetails
	details.AccessToken = encryptedAccess
	details.RefreshToken = encryptedRefresh
	details.Expiry = s.tokenExpiry(pair)

	if err := s.repo.UpdateConnectionDetails(ctx, in.ID, details); err != nil {
		return err
	}

	s.metrics.RecordTokenRefresh(in.AccountingSystem, "success")
	s.logger.Info("tokens refreshed",
		slog.String("integration_id", in.ID),
		slog.Time("expiry", details.Expiry))
	return nil
}

// RefreshExpiring refreshes every active integration whose access token
// expires within the window. Per-integration failures are logged and do not
// stop the pass.
func (s *Service) RefreshExpiring(ctx context.Context, window time.Duration) (int, error) {
	expiring, err := s.repo.ListExpiringIntegrations(ctx, window)
	if err != nil {
		return 0, err
	}

	refreshed := 0
	for _, in := range expiring {
		if err := s.RefreshTokens(ctx, in.ID); err != nil {
			s.logger.Error("scheduled token refresh failed",
				slog.String("integration_id", in.ID),
				slog.Any("error", err))
			continue
		}
		refreshed++
	}
	return refreshed, nil
}

func (s *Service) tokenExpiry(pair provider.TokenPair) time.Time {
	lifetime := time.Duration(pair.ExpiresIn) * time.Second
	if lifetime <= 0 {
		lifetime = time.Hour
	}
	return s.now().UTC().Add(lifetime)
}

func (s *Service) callbackError(result CallbackResult, reason string, err error) CallbackResult {
	s.logger.Error("oauth callback failed",
		slog.String("reason", reason),
		slog.Any("error", err))
	result.Status = CallbackStatusError
	result.ErrorReason = reason
	return result
}
