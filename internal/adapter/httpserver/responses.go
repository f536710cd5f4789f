// Package httpserver contains the HTTP handlers and middleware of the proxy:
// the OpenAI-compatible front, the admin API, and the auth layers guarding
// both. HTTP concerns stay here; dispatch policy lives in usecase.
package httpserver

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/keyfleet/keyfleet/internal/domain"
)

type errorEnvelope struct {
	Error apiError `json:"error"`
}

type apiError struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps domain sentinels to HTTP statuses. A terminal upstream
// error is relayed verbatim so callers see what the provider returned.
func writeError(w http.ResponseWriter, _ *http.Request, err error, details interface{}) {
	var ue *domain.UpstreamError
	if errors.As(err, &ue) {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(ue.StatusCode)
		_, _ = w.Write(ue.Body)
		return
	}

	code := http.StatusInternalServerError
	codeStr := "INTERNAL"
	switch {
	case errors.Is(err, domain.ErrInvalidArgument):
		code = http.StatusBadRequest
		codeStr = "INVALID_ARGUMENT"
	case errors.Is(err, domain.ErrUnauthorized):
		code = http.StatusUnauthorized
		codeStr = "UNAUTHORIZED"
	case errors.Is(err, domain.ErrForbidden):
		code = http.StatusForbidden
		codeStr = "FORBIDDEN"
	case errors.Is(err, domain.ErrNotFound):
		code = http.StatusNotFound
		codeStr = "NOT_FOUND"
	case errors.Is(err, domain.ErrDuplicateSecret):
		code = http.StatusConflict
		codeStr = "DUPLICATE_SECRET"
	case errors.Is(err, domain.ErrAllAttemptsFailed):
		code = http.StatusInternalServerError
		codeStr = "ALL_ATTEMPTS_FAILED"
	case errors.Is(err, domain.ErrNoKeysAvailable):
		code = http.StatusServiceUnavailable
		codeStr = "NO_KEYS_AVAILABLE"
	}
	writeJSON(w, code, errorEnvelope{Error: apiError{Code: codeStr, Message: err.Error(), Details: details}})
}
