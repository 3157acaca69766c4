package provider

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
)

// Resource is the provider's view of one live resource: its type, the
// provider-assigned identifier, and the full observed property document
// including read-only attributes.
type Resource struct {
	Type       string
	Identifier string
	Properties map[string]any
}

// Provider is the external resource API the executor applies plans
// through. Each call blocks until the provider reports the resource
// stable, so an operation on a dependent may be dispatched as soon as the
// call for its dependency returns.
//
// clientToken identifies one planned create across retries: a provider
// that has already honored a create with the same token must return the
// existing resource instead of provisioning a second one. Callers reuse
// the token when re-issuing a create after a transient failure.
type Provider interface {
	Create(ctx context.Context, typeName string, props map[string]any, clientToken string) (*Resource, error)
	Read(ctx context.Context, typeName, identifier string) (*Resource, error)
	Update(ctx context.Context, typeName, identifier string, props map[string]any, removed []string) (*Resource, error)
	Delete(ctx context.Context, typeName, identifier string) error
}

// ErrNotFound is returned (possibly wrapped) by Read when no resource
// exists with the given identifier.
var ErrNotFound = errors.New("resource not found")

// Error wraps a failed provider call. Transient errors (throttling,
// service unavailability) are retried with backoff; permanent ones abort
// the plan.
type Error struct {
	Op         string
	TypeName   string
	Identifier string
	Transient  bool
	Err        error
}

func (e *Error) Error() string {
	if e.Identifier != "" {
		return fmt.Sprintf("%s %s %q: %s", e.Op, e.TypeName, e.Identifier, e.Err)
	}
	return fmt.Sprintf("%s %s: %s", e.Op, e.TypeName, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsTransient returns true if the error is a provider error marked
// retryable.
func IsTransient(err error) bool {
	var perr *Error
	if errors.As(err, &perr) {
		return perr.Transient
	}
	return false
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
