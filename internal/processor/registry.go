// Package processor turns parsed submissions into case and ledger transactions.
// Handlers are selected by the form xmlns through a Registry built once at startup.
package processor

import (
	"context"

	"github.com/dimagi/casecore/internal/adapter"
	"github.com/dimagi/casecore/internal/blob"
	"github.com/dimagi/casecore/internal/domain"
	"github.com/dimagi/casecore/internal/store"
	"github.com/dimagi/casecore/internal/xform"
)

// Input is a parsed submission together with its stored attachments keyed by name
type Input struct {
	Form        *xform.Form
	Attachments map[string]blob.Info
}

// Result is what a handler produced for one form
type Result struct {
	Status       domain.SubmissionStatus
	Transactions []store.NewCaseTransaction
	Ledger       []store.NewLedgerEntry
}

// Handler processes one kind of form
type Handler interface {
	Process(ctx context.Context, input *Input) (*Result, error)
}

// HandlerFunc adapts a function to Handler
type HandlerFunc func(ctx context.Context, input *Input) (*Result, error)

func (f HandlerFunc) Process(ctx context.Context, input *Input) (*Result, error) {
	return f(ctx, input)
}

// Registry routes forms to handlers by xmlns. It is not safe to register handlers
// once the registry is shared.
type Registry struct {
	fallback Handler
	handlers map[string]Handler
}

// NewRegistry creates a registry that routes unknown namespaces to fallback
func NewRegistry(fallback Handler) *Registry {
	return &Registry{
		fallback: fallback,
		handlers: make(map[string]Handler),
	}
}

// NewDefaultRegistry creates the registry used by the engine: case processing for every
// form except device logs, which are stored without transactions
func NewDefaultRegistry(json adapter.JSON) *Registry {
	r := NewRegistry(NewCaseHandler(json))
	r.Register(domain.DEVICE_LOG_XMLNS, DeviceLogHandler())
	return r
}

// Register routes xmlns to h
func (r *Registry) Register(xmlns string, h Handler) {
	r.handlers[xmlns] = h
}

// Handler returns the handler of xmlns
func (r *Registry) Handler(xmlns string) Handler {
	if h, ok := r.handlers[xmlns]; ok {
		return h
	}
	return r.fallback
}

// DeviceLogHandler stores device reports without touching any case
func DeviceLogHandler() Handler {
	return HandlerFunc(func(_ context.Context, _ *Input) (*Result, error) {
		return &Result{Status: domain.SubmissionStatusDeviceLog}, nil
	})
}
