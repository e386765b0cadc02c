// Package httpserver contains HTTP handlers and middleware.
//
// It exposes the engine's REST surface (upload, admission, status,
// cancellation, quota) plus the websocket progress feed, keeping transport
// concerns out of the usecase layer.
package httpserver

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/recaplab/recap-engine/internal/domain"
)

type errorEnvelope struct {
	Error apiError `json:"error"`
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, _ *http.Request, err error) {
	status := http.StatusInternalServerError
	code := domain.KindInternal
	switch {
	case errors.Is(err, domain.ErrInvalidInput):
		status, code = http.StatusBadRequest, domain.KindInvalidInput
	case errors.Is(err, domain.ErrUnauthenticated):
		status, code = http.StatusUnauthorized, "UNAUTHENTICATED"
	case errors.Is(err, domain.ErrForbidden):
		status, code = http.StatusForbidden, "FORBIDDEN"
	case errors.Is(err, domain.ErrNotFound):
		status, code = http.StatusNotFound, "NOT_FOUND"
	case errors.Is(err, domain.ErrQuotaExceeded):
		status, code = http.StatusPaymentRequired, domain.KindQuotaExceeded
	case errors.Is(err, domain.ErrPaymentRequired):
		status, code = http.StatusPaymentRequired, domain.KindPaymentRequired
	case errors.Is(err, domain.ErrTerminal):
		status, code = http.StatusConflict, "TERMINAL"
	case errors.Is(err, domain.ErrConflict):
		status, code = http.StatusConflict, "CONFLICT"
	case errors.Is(err, domain.ErrProviderTransient):
		status, code = http.StatusServiceUnavailable, domain.KindProviderTransient
	}
	writeJSON(w, status, errorEnvelope{Error: apiError{Code: code, Message: err.Error()}})
}
