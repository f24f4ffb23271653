package dispatch

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrTimeout means no response arrived within the per-call deadline.
	ErrTimeout = errors.New("request timed out")

	// ErrWorkerTerminated means the worker was shut down (or disconnected)
	// while the call was outstanding.
	ErrWorkerTerminated = errors.New("worker terminated")

	// ErrTransportSend means the outbound envelope could not be handed to the
	// worker at all; the call is settled immediately, no timeout wait.
	ErrTransportSend = errors.New("transport send failed")

	// ErrWorkerFaulted means a previous launch attempt failed and the
	// dispatcher needs an explicit Shutdown before it will retry.
	ErrWorkerFaulted = errors.New("worker faulted")
)

// WorkerError carries a failure the worker itself reported for one request.
type WorkerError struct {
	Code    string
	Message string
}

func (e *WorkerError) Error() string {
	msg := strings.TrimSpace(e.Message)
	if msg == "" {
		msg = "worker reported an error"
	}
	if strings.TrimSpace(e.Code) == "" {
		return msg
	}
	return fmt.Sprintf("%s: %s", e.Code, msg)
}
