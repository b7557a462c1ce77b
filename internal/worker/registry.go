package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"clip-publisher/internal/models"
)

var (
	// ErrNoHandler is returned when a claimed job's kind has no registered
	// handler. The job still goes through Fail so the attempt is recorded
	// and max_attempts eventually dead-letters it.
	ErrNoHandler = errors.New("no handler registered for job kind")

	// ErrDuplicateHandler is returned when a kind is registered twice.
	ErrDuplicateHandler = errors.New("handler already registered for job kind")
)

// Handler executes one job and returns its result payload. Handlers must be
// idempotent with respect to re-execution after a crash: the dispatch loop
// guarantees at-most-one concurrent execution, not exactly-once side
// effects.
type Handler func(ctx context.Context, job models.Job) (json.RawMessage, error)

// Registry maps job kinds to handlers. The surrounding application
// populates it before the dispatch loop starts; registration is not safe
// concurrently with dispatch.
type Registry struct {
	handlers map[models.JobKind]Handler
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[models.JobKind]Handler)}
}

// Register binds a handler to a kind.
func (r *Registry) Register(kind models.JobKind, h Handler) error {
	if kind == "" || h == nil {
		return errors.New("kind and handler are required")
	}
	if _, exists := r.handlers[kind]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateHandler, kind)
	}
	r.handlers[kind] = h
	return nil
}

// MustRegister is Register that panics; used during process wiring where a
// duplicate registration is a programming error.
func (r *Registry) MustRegister(kind models.JobKind, h Handler) {
	if err := r.Register(kind, h); err != nil {
		panic(err)
	}
}

// Resolve returns the handler for kind or ErrNoHandler.
func (r *Registry) Resolve(kind models.JobKind) (Handler, error) {
	h, ok := r.handlers[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoHandler, kind)
	}
	return h, nil
}
