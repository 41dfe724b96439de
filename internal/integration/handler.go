package integration

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/octup/accounting-service/internal/platform/httpx"
	"github.com/octup/accounting-service/internal/shared"
)

// Handler exposes the OAuth integration endpoints.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	sessions *shared.SessionCache
	validate *validator.Validate
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service *Service, sessions *shared.SessionCache) *Handler {
	return &Handler{
		logger:   logger,
		service:  service,
		sessions: sessions,
		validate: validator.New(),
	}
}

// MountRoutes registers OAuth integration routes.
func (h *Handler) MountRoutes(r chi.Router) {
	// The provider redirects the browser here; there is no platform session
	// on this hop.
	r.Get("/callback", h.callback)

	r.Group(func(r chi.Router) {
		r.Use(h.sessions.RequireSession)
		r.Get("/systems", h.systems)
		r.Get("/authenticate", h.authenticate)
		r.Post("/integrations/{integrationID}/refresh", h.refresh)
	})
}

func (h *Handler) systems(w http.ResponseWriter, r *http.Request) {
	httpx.JSON(w, http.StatusOK, h.service.Systems())
}

func (h *Handler) authenticate(w http.ResponseWriter, r *http.Request) {
	auth := shared.AuthFromContext(r.Context())
	if auth == nil {
		httpx.RespondError(w, shared.ErrSessionExpired)
		return
	}

	req := AuthenticateRequest{
		AccountingSystem: r.URL.Query().Get("accounting_system"),
		CallbackURI:      r.URL.Query().Get("callback_uri"),
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}

	authURL, err := h.service.InitiateOAuth(r.Context(), auth.PartnerID, req)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}

	http.Redirect(w, r, authURL, http.StatusFound)
}

func (h *Handler) callback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	result, err := h.service.HandleCallback(r.Context(), q.Get("code"), q.Get("state"), q.Get("realmId"))
	if err != nil {
		// Without a validated state there is no trusted redirect target.
		httpx.Problem(w, http.StatusBadRequest, "Invalid State", "the state parameter is missing, malformed or expired")
		return
	}

	http.Redirect(w, r, result.RedirectURL(), http.StatusFound)
}

func (h *Handler) refresh(w http.ResponseWriter, r *http.Request) {
	auth := shared.AuthFromContext(r.Context())
	if auth == nil {
		httpx.RespondError(w, shared.ErrSessionExpired)
		return
	}

	integrationID := chi.URLParam(r, "integrationID")

	if _, err := h.service.GetPartnerIntegration(r.Context(), auth.PartnerID, integrationID); err != nil {
		httpx.RespondError(w, err)
		return
	}

	if err := h.service.RefreshTokens(r.Context(), integrationID); err != nil {
		h.logger.Error("manual token refresh failed",
			slog.String("integration_id", integrationID),
			slog.Any("error", err))
		httpx.Problem(w, http.StatusBadGateway, "Refresh Failed", "the accounting provider rejected the refresh")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
