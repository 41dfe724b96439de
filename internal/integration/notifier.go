package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

const (
	notificationPath    = "/api/v1/external/accounting/integration"
	notificationTimeout = 15 * time.Second
)

// Notifier posts sync completion payloads to the downstream Octup endpoint.
// An empty base URL disables notifications without failing the sync.
type Notifier struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

// NewNotifier constructs a Notifier.
func NewNotifier(baseURL string, logger *slog.Logger) *Notifier {
	return &Notifier{
		baseURL: baseURL,
		client:  &http.Client{Timeout: notificationTimeout},
		logger:  logger,
	}
}

// Notify posts the notification. Failures are the caller's to log and drop:
// retries do not belong to this layer.
func (n *Notifier) Notify(ctx context.Context, payload SyncNotification) error {
	if n.baseURL == "" {
		n.logger.Warn("downstream base url not configured, skipping sync notification",
			slog.String("integration_id", payload.Metadata.IntegrationID))
		return nil
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("integration: marshal notification: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.baseURL+notificationPath, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("integration: build notification request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("integration: post notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("integration: notification endpoint returned status %d", resp.StatusCode)
	}
	return nil
}
