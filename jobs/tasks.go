package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/octup/accounting-service/internal/integration"
	jobmetrics "github.com/octup/accounting-service/internal/jobs"
	"github.com/octup/accounting-service/internal/shared"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskTypeInitialSync runs the one-time bulk fetch after a connection.
	TaskTypeInitialSync = "integration:initial_sync"
	// TaskTypeTokenRefresh is the scheduled refresh sweep over expiring tokens.
	TaskTypeTokenRefresh = "integration:token_refresh"

	// TokenRefreshCronSpec fires the refresh sweep every 15 minutes.
	TokenRefreshCronSpec = "*/15 * * * *"

	initialSyncMaxRetry  = 5
	initialSyncRetention = 24 * time.Hour
)

// InitialSyncPayload identifies which integration to synchronize.
type InitialSyncPayload struct {
	IntegrationID string `json:"integration_id"`
}

// NewInitialSyncTask constructs an Asynq task for the initial sync.
func NewInitialSyncTask(integrationID string) (*asynq.Task, error) {
	body, err := json.Marshal(InitialSyncPayload{IntegrationID: integrationID})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskTypeInitialSync, body,
		asynq.Queue(QueueDefault),
		asynq.MaxRetry(initialSyncMaxRetry),
		asynq.Retention(initialSyncRetention),
	), nil
}

// NewTokenRefreshTask constructs the cron sweep task. The payload is empty;
// the handler reads its window from configuration.
func NewTokenRefreshTask() *asynq.Task {
	return asynq.NewTask(TaskTypeTokenRefresh, nil, asynq.Queue(QueueDefault))
}

// TaskHandlers binds the orchestrator to the asynq task types.
type TaskHandlers struct {
	logger        *slog.Logger
	service       *integration.Service
	metrics       *jobmetrics.Metrics
	refreshWindow time.Duration
}

// NewTaskHandlers constructs TaskHandlers. A nil metrics recorder is valid.
func NewTaskHandlers(logger *slog.Logger, service *integration.Service, metrics *jobmetrics.Metrics, refreshWindow time.Duration) *TaskHandlers {
	return &TaskHandlers{logger: logger, service: service, metrics: metrics, refreshWindow: refreshWindow}
}

// HandleInitialSync processes TaskTypeInitialSync tasks.
func (h *TaskHandlers) HandleInitialSync(ctx context.Context, t *asynq.Task) error {
	var payload InitialSyncPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	if payload.IntegrationID == "" {
		return asynq.SkipRetry
	}

	h.logger.Info("initial sync started", slog.String("integration_id", payload.IntegrationID))

	tracker := h.metrics.Track(TaskTypeInitialSync)
	if err := tracker.End(h.service.ProcessInitialSync(ctx, payload.IntegrationID)); err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			// The integration vanished between enqueue and execution.
			h.logger.Warn("initial sync for unknown integration",
				slog.String("integration_id", payload.IntegrationID))
			return asynq.SkipRetry
		}
		return err
	}
	return nil
}

// HandleTokenRefresh processes the scheduled refresh sweep.
func (h *TaskHandlers) HandleTokenRefresh(ctx context.Context, t *asynq.Task) error {
	tracker := h.metrics.Track(TaskTypeTokenRefresh)
	refreshed, err := h.service.RefreshExpiring(ctx, h.refreshWindow)
	if err = tracker.End(err); err != nil {
		return err
	}
	h.logger.Info("token refresh sweep completed", slog.Int("refreshed", refreshed))
	return nil
}

// Registrations returns the handler bindings for worker setup.
func (h *TaskHandlers) Registrations() []TaskHandler {
	return []TaskHandler{
		{Type: TaskTypeInitialSync, Handler: h.HandleInitialSync},
		{Type: TaskTypeTokenRefresh, Handler: h.HandleTokenRefresh},
	}
}
