package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/shehryarbajwa/companion/internal/apperr"
	"github.com/shehryarbajwa/companion/internal/logging"
)

var log = logging.NewLogger("api")

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.WithError(err).Debug("Failed to write response")
	}
}

func statusFor(code apperr.Code) int {
	switch code {
	case apperr.CodeValidation, apperr.CodeUnknownRequest:
		return http.StatusBadRequest
	case apperr.CodeNotFound:
		return http.StatusNotFound
	case apperr.CodeConflict:
		return http.StatusConflict
	case apperr.CodeUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeError renders err as {"error": {code, message, details}}
func writeError(w http.ResponseWriter, err error) {
	var appErr *apperr.Error
	if !errors.As(err, &appErr) {
		log.WithError(err).Error("Request failed")
		appErr = apperr.Wrap(err, apperr.CodeInternal, "internal error")
	}
	writeJSON(w, statusFor(appErr.Code), map[string]interface{}{"error": appErr})
}

func decodeBody(r *http.Request, v interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return apperr.Wrap(err, apperr.CodeValidation, "invalid request body")
	}
	return nil
}
