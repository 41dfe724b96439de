package shared

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// StatusSessionExpired is the platform-wide status code for missing or stale
// sessions, used instead of 401 throughout Octup services.
const StatusSessionExpired = 440

const sessionKeyPrefix = "accounting"

// SessionCache resolves platform bearer tokens against the shared Redis
// session store. Sessions are written by the platform's auth service; this
// service only reads them.
type SessionCache struct {
	client *redis.Client
	logger *slog.Logger
	ttl    time.Duration
}

// NewSessionCache constructs a SessionCache.
func NewSessionCache(client *redis.Client, logger *slog.Logger, ttl time.Duration) *SessionCache {
	return &SessionCache{client: client, logger: logger, ttl: ttl}
}

func sessionKey(token string) string {
	return fmt.Sprintf("%s:%s", sessionKeyPrefix, token)
}

// Resolve looks up the session behind token and returns its auth context.
func (sc *SessionCache) Resolve(ctx context.Context, token string) (*AuthContext, error) {
	if token == "" {
		return nil, ErrSessionExpired
	}

	payload, err := sc.client.Get(ctx, sessionKey(token)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrSessionExpired
		}
		return nil, fmt.Errorf("shared: session lookup: %w", err)
	}

	var auth AuthContext
	if err := json.Unmarshal(payload, &auth); err != nil {
		sc.logger.Error("failed to parse session data", slog.Any("error", err))
		return nil, ErrSessionExpired
	}
	if auth.PartnerID == 0 {
		return nil, ErrSessionExpired
	}

	// Sliding expiry: touching the session keeps it alive.
	if sc.ttl > 0 {
		if err := sc.client.Expire(ctx, sessionKey(token), sc.ttl).Err(); err != nil {
			sc.logger.Warn("failed to extend session ttl", slog.Any("error", err))
		}
	}

	return &auth, nil
}

// Put stores an auth context under token. Used by tests and local tooling.
func (sc *SessionCache) Put(ctx context.Context, token string, auth AuthContext) error {
	payload, err := json.Marshal(auth)
	if err != nil {
		return fmt.Errorf("shared: marshal session: %w", err)
	}
	return sc.client.Set(ctx, sessionKey(token), payload, sc.ttl).Err()
}

// RequireSession authenticates the Authorization header and injects the auth
// context. Absent or invalid sessions answer with StatusSessionExpired.
func (sc *SessionCache) RequireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if header == "" {
			writeSessionError(w, "no active token was passed")
			return
		}
		if !strings.HasPrefix(header, "Bearer ") {
			writeSessionError(w, "invalid token format")
			return
		}
		token := strings.TrimPrefix(header, "Bearer ")

		auth, err := sc.Resolve(r.Context(), token)
		if err != nil {
			if errors.Is(err, ErrSessionExpired) {
				writeSessionError(w, "session not found or expired")
				return
			}
			sc.logger.Error("session resolution failed", slog.Any("error", err))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			return
		}

		next.ServeHTTP(w, r.WithContext(ContextWithAuth(r.Context(), auth)))
	})
}

func writeSessionError(w http.ResponseWriter, detail string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(StatusSessionExpired)
	_ = json.NewEncoder(w).Encode(map[string]string{"detail": detail})
}
