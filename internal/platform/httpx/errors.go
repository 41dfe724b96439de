// Package httpx provides HTTP response utilities following RFC7807 problem details.
package httpx

import (
	"errors"
	"net/http"

	"github.com/octup/accounting-service/internal/shared"
)

// RespondError maps domain errors to HTTP responses using RFC7807.
func RespondError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, shared.ErrNotFound):
		Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, shared.ErrDuplicateIntegration):
		Problem(w, http.StatusConflict, "Already Connected", err.Error())
	case errors.Is(err, shared.ErrUnsupportedSystem):
		Problem(w, http.StatusNotFound, "Unsupported Accounting System", err.Error())
	case errors.Is(err, shared.ErrSessionExpired):
		Problem(w, shared.StatusSessionExpired, "Session Expired", err.Error())
	default:
		Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}
