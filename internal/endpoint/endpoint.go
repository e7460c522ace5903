// Package endpoint turns init and run operations into HTTP handlers that
// always answer with exactly one JSON response.
package endpoint

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/whookdev/actionproxy/internal/models"
)

const (
	msgInternalError     = "Internal error."
	msgInternalException = "Internal error (exception)."
)

// Endpoint handles an already decoded request.
type Endpoint func(w http.ResponseWriter, r *http.Request, req *models.Request)

// Wrap adapts op into an Endpoint. Completed outcomes and well formed
// failures are written verbatim; anything else, panics included, becomes a
// generic 500 and is only described in the log.
func Wrap(name string, op models.Operation, logger *slog.Logger) Endpoint {
	if op == nil {
		panic("endpoint.Wrap: nil operation")
	}
	logger = logger.With("component", "endpoint", "endpoint", name)

	return func(w http.ResponseWriter, r *http.Request, req *models.Request) {
		outcome, err := invoke(r, req, op, logger)
		if errors.Is(err, errException) {
			ReplyError(w, http.StatusInternalServerError, msgInternalException)
			return
		}

		if err == nil {
			if outcome == nil || !models.ValidStatus(outcome.Code) {
				logger.Error("invalid completed outcome",
					"request_id", req.ID,
					"outcome", outcome)
				ReplyError(w, http.StatusInternalServerError, msgInternalError)
				return
			}
			ReplyJSON(w, outcome.Code, outcome.Response)
			return
		}

		var failure *models.Failure
		if errors.As(err, &failure) && failure.WellFormed() {
			ReplyJSON(w, failure.Code, failure.Response)
			return
		}

		logger.Error("invalid errored outcome",
			"request_id", req.ID,
			"error", err)
		ReplyError(w, http.StatusInternalServerError, msgInternalError)
	}
}

// errException marks an operation that panicked instead of returning.
var errException = errors.New("operation panicked")

func invoke(r *http.Request, req *models.Request, op models.Operation, logger *slog.Logger) (outcome *models.Outcome, err error) {
	defer func() {
		if v := recover(); v != nil {
			logger.Error("exception caught",
				"request_id", req.ID,
				"panic", v)
			outcome, err = nil, errException
		}
	}()

	return op(r.Context(), req)
}
