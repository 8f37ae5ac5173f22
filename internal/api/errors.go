package api

import (
	"errors"
	"net/http"

	"github.com/clusterkit/taskd/internal/privchan"
	"github.com/clusterkit/taskd/internal/taskid"
	"github.com/clusterkit/taskd/internal/worker"
)

// MapErrorToStatusCode maps internal errors to appropriate HTTP status
// codes based on the error type. This prevents leaking internal error
// types to clients.
func MapErrorToStatusCode(err error) int {
	var chanErr *privchan.ChannelError

	switch {
	case errors.Is(err, taskid.ErrBadFormat):
		return http.StatusBadRequest

	case errors.Is(err, worker.ErrNotFound):
		return http.StatusNotFound

	// Cancelling a finished task is an acknowledged no-op.
	case errors.Is(err, worker.ErrAlreadyFinished):
		return http.StatusConflict

	case errors.As(err, &chanErr):
		if chanErr.Kind == privchan.KindTimeout {
			return http.StatusGatewayTimeout
		}
		return http.StatusBadGateway

	default:
		return http.StatusInternalServerError
	}
}

// GetSafeErrorMessage returns a sanitized, user-friendly error message
// based on the error type. Internal failure detail stays in the server
// log.
func GetSafeErrorMessage(err error) string {
	var chanErr *privchan.ChannelError

	switch {
	case errors.Is(err, taskid.ErrBadFormat):
		return "Malformed task identifier"
	case errors.Is(err, worker.ErrNotFound):
		return "No such task"
	case errors.Is(err, worker.ErrAlreadyFinished):
		return "Task already finished"
	case errors.As(err, &chanErr):
		return "Privileged operation unavailable"
	default:
		return "An internal error occurred"
	}
}
