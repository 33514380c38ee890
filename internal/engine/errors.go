package engine

import (
	"errors"

	"authgrid.org/internal/graph"
)

// The four synchronous rejection kinds surfaced to command submitters.
// Post-commit persistence failures are not part of this set: they never
// unwind an applied command and are observable only through health metrics
// and the dead-letter store.
var (
	ErrValidation = errors.New("engine: validation failed")
	ErrInvariant  = errors.New("engine: invariant violation")
	ErrNotFound   = errors.New("engine: not found")
	ErrCapacity   = errors.New("engine: command queue full")
	ErrClosed     = errors.New("engine: processor closed")
)

// classify maps graph-level failures onto the rejection taxonomy.
func classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrValidation), errors.Is(err, ErrInvariant),
		errors.Is(err, ErrNotFound), errors.Is(err, ErrCapacity):
		return err
	case errors.Is(err, graph.ErrNotFound):
		return joinKind(ErrNotFound, err)
	case errors.Is(err, graph.ErrCycle),
		errors.Is(err, graph.ErrDepthExceeded),
		errors.Is(err, graph.ErrDuplicateEdge),
		errors.Is(err, graph.ErrEdgeNotFound),
		errors.Is(err, graph.ErrEffectConflict),
		errors.Is(err, graph.ErrIDCollision),
		errors.Is(err, graph.ErrKindMismatch):
		return joinKind(ErrInvariant, err)
	default:
		return joinKind(ErrValidation, err)
	}
}

func joinKind(kind, cause error) error {
	return &kindError{kind: kind, cause: cause}
}

type kindError struct {
	kind  error
	cause error
}

func (e *kindError) Error() string { return e.kind.Error() + ": " + e.cause.Error() }

func (e *kindError) Is(target error) bool { return target == e.kind }

func (e *kindError) Unwrap() error { return e.cause }
