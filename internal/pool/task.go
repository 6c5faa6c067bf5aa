package pool

import (
	"context"
	"errors"
)

// ErrStopped is returned by submissions after Stop.
var ErrStopped = errors.New("pool stopped")

// Handler consumes the body of a successful fetch. It runs synchronously on
// the worker that fetched the task, at most once per task.
type Handler interface {
	Name() string
	Handle(ctx context.Context, body string) error
}

// HandlerFunc adapts a plain function to Handler. Its name is "func".
type HandlerFunc func(ctx context.Context, body string) error

// Name implements Handler.
func (HandlerFunc) Name() string {
	return "func"
}

// Handle implements Handler.
func (f HandlerFunc) Handle(ctx context.Context, body string) error {
	return f(ctx, body)
}

type namedHandler struct {
	name string
	fn   func(ctx context.Context, body string) error
}

func (h namedHandler) Name() string {
	return h.name
}

func (h namedHandler) Handle(ctx context.Context, body string) error {
	return h.fn(ctx, body)
}

// NamedHandler tags fn with a name used in logs and the failed-task log.
func NamedHandler(name string, fn func(ctx context.Context, body string) error) Handler {
	return namedHandler{name: name, fn: fn}
}

// HandlerName describes h for diagnostics; a nil handler is "none".
func HandlerName(h Handler) string {
	if h == nil {
		return "none"
	}
	return h.Name()
}

// Task is a unit of work. Handler may be nil, in which case the body is
// fetched and discarded.
type Task struct {
	Target  string
	Handler Handler
}
