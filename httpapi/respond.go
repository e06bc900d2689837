package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/xraph/billing"
)

type errorBody struct {
	Error string `json:"error"`
	Field string `json:"field,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// decode reads an optional JSON body into v. An empty body leaves v zero.
func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid JSON body"})
		return false
	}
	return true
}

// StatusFor maps an engine error to the HTTP status returned to clients.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, billing.ErrInsufficientCredits):
		return http.StatusPaymentRequired
	case errors.Is(err, billing.ErrInvalidReservationState),
		errors.Is(err, billing.ErrAlreadyOnPlan):
		return http.StatusConflict
	case errors.Is(err, billing.ErrInvalidInput),
		errors.Is(err, billing.ErrInvalidAmount):
		return http.StatusBadRequest
	case billing.IsNotFound(err),
		errors.Is(err, billing.ErrNoActiveSubscription):
		return http.StatusNotFound
	case errors.Is(err, billing.ErrProviderUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (a *API) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := StatusFor(err)
	body := errorBody{Error: err.Error()}

	var verr billing.ValidationError
	if errors.As(err, &verr) {
		body.Field = verr.Field
	}
	if status >= http.StatusInternalServerError {
		a.logger.Error("request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"request_id", middleware.GetReqID(r.Context()),
			"error", err,
		)
		if status == http.StatusInternalServerError {
			body.Error = "internal error"
		}
	}
	writeJSON(w, status, body)
}
