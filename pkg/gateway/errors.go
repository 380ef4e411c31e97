package gateway

import (
	"errors"
	"net/http"

	"github.com/harun/nebula/pkg/agent"
	"github.com/harun/nebula/pkg/llm"
	"github.com/harun/nebula/pkg/mcp"
	"github.com/harun/nebula/pkg/notes"
	"github.com/harun/nebula/pkg/session"
	"github.com/harun/nebula/pkg/skills"
	"github.com/harun/nebula/pkg/toolserver"
)

const internalErrorMessage = "internal server error"

// apiError is an error with the HTTP status it maps to
type apiError struct {
	status  int
	message string
}

func (e *apiError) Error() string {
	return e.message
}

func badRequest(message string) *apiError {
	return &apiError{status: http.StatusBadRequest, message: message}
}

func notFound(message string) *apiError {
	return &apiError{status: http.StatusNotFound, message: message}
}

// classify maps a domain error onto the response taxonomy. A failed model or
// tool server call is the caller's dependency failing, so it stays in the 4xx
// range. Internal errors get the generic message; the detail stays in the logs.
func classify(err error) *apiError {
	var ae *apiError
	if errors.As(err, &ae) {
		return ae
	}

	var rpcErr *mcp.RPCError
	var upstream *llm.UpstreamError

	switch {
	case errors.Is(err, agent.ErrEmptyMessage),
		errors.Is(err, session.ErrInvalidMessage),
		errors.Is(err, notes.ErrEmpty),
		errors.Is(err, notes.ErrTooLong),
		errors.Is(err, toolserver.ErrInvalid):
		return badRequest(err.Error())
	case errors.Is(err, session.ErrNotFound),
		errors.Is(err, toolserver.ErrNotFound),
		errors.Is(err, skills.ErrUnknownSkill):
		return notFound(err.Error())
	case errors.As(err, &rpcErr),
		errors.As(err, &upstream),
		errors.Is(err, mcp.ErrTransport),
		errors.Is(err, mcp.ErrTimeout),
		errors.Is(err, llm.ErrTimeout):
		return &apiError{status: http.StatusFailedDependency, message: err.Error()}
	default:
		return &apiError{status: http.StatusInternalServerError, message: internalErrorMessage}
	}
}
