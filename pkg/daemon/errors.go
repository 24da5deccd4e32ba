package daemon

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/forgehq/forge/pkg/selector"
	"github.com/forgehq/forge/pkg/store"
)

// errorKind is one of the kinds spec §7 maps error responses to.
type errorKind string

const (
	kindInvalidArgument   errorKind = "invalid-argument"
	kindNotFound          errorKind = "not-found"
	kindAlreadyExists     errorKind = "already-exists"
	kindFailedPrecondition errorKind = "failed-precondition"
	kindInternal          errorKind = "internal"
)

var kindStatus = map[errorKind]int{
	kindInvalidArgument:    http.StatusBadRequest,
	kindNotFound:           http.StatusNotFound,
	kindAlreadyExists:      http.StatusConflict,
	kindFailedPrecondition: http.StatusPreconditionFailed,
	kindInternal:           http.StatusInternalServerError,
}

// errEnvelope is the JSON body spec §7 requires: {"error": {"code", "message", "details"}}.
type errEnvelope struct {
	Error errBody `json:"error"`
}

type errBody struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// classify maps a Store/Selector/Runner error to a kind, per spec §7's error
// taxonomy (Validation/NotFound/AlreadyExists/Unavailable/Fatal). Unmatched
// errors are "internal" and logged, never surfaced verbatim to the caller.
func classify(err error) errorKind {
	var validErr *store.ValidationError
	if errors.As(err, &validErr) {
		return kindInvalidArgument
	}
	if errors.Is(err, errAgentMissingID) {
		return kindInvalidArgument
	}
	if errors.Is(err, store.ErrLoopNotFound) ||
		errors.Is(err, store.ErrProfileNotFound) ||
		errors.Is(err, store.ErrPoolNotFound) ||
		errors.Is(err, store.ErrRunNotFound) ||
		errors.Is(err, store.ErrQueueItemNotFound) ||
		errors.Is(err, store.ErrKVNotFound) ||
		errors.Is(err, store.ErrTeamTaskNotFound) ||
		errors.Is(err, store.ErrUsageRecordNotFound) ||
		errors.Is(err, errAgentNotFound) {
		return kindNotFound
	}
	if errors.Is(err, store.ErrLoopAlreadyExists) ||
		errors.Is(err, store.ErrProfileAlreadyExists) ||
		errors.Is(err, store.ErrPoolAlreadyExists) ||
		errors.Is(err, errAgentAlreadyExists) {
		return kindAlreadyExists
	}
	if errors.Is(err, selector.ErrPoolUnavailable) ||
		errors.Is(err, selector.ErrProfileUnavailable) ||
		errors.Is(err, errRunnerAlreadyStarted) ||
		errors.Is(err, errRunnerNotStarted) {
		return kindFailedPrecondition
	}
	return kindInternal
}

// writeError renders err as the spec §7 JSON error envelope and sets the
// matching HTTP status. Internal errors are logged server-side; their
// message is never echoed to the client verbatim (spec §7 "Fatal").
func writeError(c *gin.Context, logger *slog.Logger, err error) {
	kind := classify(err)
	status := kindStatus[kind]
	msg := err.Error()
	if kind == kindInternal {
		logger.Error("unhandled daemon error", "err", err)
		msg = "internal error"
	}
	c.JSON(status, errEnvelope{Error: errBody{
		Code:    "ERR_" + string(kind),
		Message: msg,
	}})
}

// badRequest renders a request-shape validation failure (e.g. missing
// required field) as invalid-argument without needing a Store error.
func badRequest(c *gin.Context, message string) {
	c.JSON(http.StatusBadRequest, errEnvelope{Error: errBody{
		Code:    "ERR_invalid-argument",
		Message: message,
	}})
}
