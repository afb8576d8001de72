package gateway

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/haasonsaas/klaus/internal/agent"
	"github.com/haasonsaas/klaus/internal/observability"
	"github.com/haasonsaas/klaus/internal/store"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError emits the uniform error envelope. The request id rides along
// so operators can correlate the failure with server logs.
func writeError(w http.ResponseWriter, r *http.Request, status int, message string) {
	writeJSON(w, status, map[string]string{
		"error":     message,
		"requestId": observability.GetRequestID(r.Context()),
	})
}

// writeRunError maps a failed run onto the HTTP status taxonomy and
// sanitises the message before it leaves the process.
func writeRunError(w http.ResponseWriter, r *http.Request, err error) {
	writeError(w, r, statusForRunError(err), agent.SanitizeErrorText(err.Error()))
}

func statusForRunError(err error) int {
	switch agent.KindOf(err) {
	case agent.KindValidation, agent.KindPromptTooLarge:
		return http.StatusBadRequest
	case agent.KindConcurrencyExceeded:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// writeStoreError distinguishes missing rows from database failures.
func writeStoreError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, r, http.StatusNotFound, "session not found")
		return
	}
	writeError(w, r, http.StatusInternalServerError, agent.SanitizeErrorText(err.Error()))
}
