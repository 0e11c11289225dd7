package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"courier/internal/attachment"
	"courier/internal/payload"
	"courier/internal/recurrence"
	"courier/internal/schedule"
	"courier/internal/webhook"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/sirupsen/logrus"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeMessage(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"error": msg})
}

// writeError maps domain errors to HTTP statuses. Unknown errors are logged
// and reported as 500 without detail.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		verr   *payload.ValidationError
		fields validation.Errors
	)
	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"error":      "invalid message",
			"violations": verr.Violations,
		})
	case errors.As(err, &fields):
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"error":  "validation failed",
			"fields": fields,
		})
	case errors.Is(err, schedule.ErrNotFound),
		errors.Is(err, webhook.ErrNotFound),
		errors.Is(err, attachment.ErrNotFound):
		writeMessage(w, http.StatusNotFound, err.Error())
	case errors.Is(err, schedule.ErrInvalidTransition),
		errors.Is(err, schedule.ErrAlreadySent):
		writeMessage(w, http.StatusConflict, err.Error())
	case errors.Is(err, attachment.ErrTooLarge):
		writeMessage(w, http.StatusRequestEntityTooLarge, err.Error())
	case errors.Is(err, schedule.ErrInvalidSchedule),
		errors.Is(err, recurrence.ErrInvalidPattern),
		errors.Is(err, payload.ErrEmptyMessage),
		errors.Is(err, attachment.ErrEmpty):
		writeMessage(w, http.StatusUnprocessableEntity, err.Error())
	default:
		logrus.WithError(err).WithField("path", r.URL.Path).Error("[HTTP] Request failed")
		writeMessage(w, http.StatusInternalServerError, "server error")
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeMessage(w, http.StatusBadRequest, "bad json: "+err.Error())
		return false
	}
	return true
}
