package endpoint

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

var internalErrorBody = []byte(`{"error":"Internal error."}`)

// ReplyJSON writes status and the JSON encoding of body, and must be the
// last thing a handler does with w.
func ReplyJSON(w http.ResponseWriter, status int, body any) {
	data, err := json.Marshal(body)
	if err != nil {
		slog.Error("cannot encode response body", "error", err, "status", status)
		status = http.StatusInternalServerError
		data = internalErrorBody
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

// ReplyError writes the {"error": msg} body used by every protocol and
// internal error.
func ReplyError(w http.ResponseWriter, status int, msg string) {
	ReplyJSON(w, status, map[string]string{"error": msg})
}
