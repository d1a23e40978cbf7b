package node

import (
	"context"
	"errors"
	"fmt"
)

// Sentinel errors surfaced to callers. See spec.md §6/§7 for the
// taxonomy: topology errors are returned synchronously from the
// Register* calls; the Sibling*/LinkedDataflow* variants are the
// normalised errors a node's children and linked downstream graphs
// observe through Fault.
var (
	ErrNoChildRegistered      = errors.New("dataflow: no child registered")
	ErrDuplicateChild         = errors.New("dataflow: duplicate child")
	ErrCycleNotAllowed        = errors.New("dataflow: cycle not allowed")
	ErrSiblingUnitFailed      = errors.New("dataflow: sibling unit failed")
	ErrSiblingUnitCanceled    = errors.New("dataflow: sibling unit canceled")
	ErrLinkedDataflowFailed   = errors.New("dataflow: linked dataflow failed")
	ErrLinkedDataflowCanceled = errors.New("dataflow: linked dataflow canceled")
	ErrInvalidData            = errors.New("dataflow: invalid data")
	ErrPredicateListFrozen    = errors.New("dataflow: leftover predicate list already frozen")
)

// AggregateError wraps the single inner error that caused a node's
// completion future to fail. Per spec.md §4.1 step 4, a node never
// accumulates more than one underlying cause; original errors are
// retained only at the originating node, everything downstream of it
// sees a normalised sibling/linked variant instead (see normalizeFault).
type AggregateError struct {
	NodeName string
	Inner    error
}

func (e *AggregateError) Error() string {
	return fmt.Sprintf("dataflow: node %q failed: %v", e.NodeName, e.Inner)
}

func (e *AggregateError) Unwrap() error { return e.Inner }

func newAggregateError(nodeName string, err error) error {
	if err == nil {
		return nil
	}
	var agg *AggregateError
	if errors.As(err, &agg) {
		return err
	}
	return &AggregateError{NodeName: nodeName, Inner: err}
}

// normalizeFault implements the "downstream sees a sibling-variant, not
// the original error" rule from spec.md §4.1/§7: already-normalised
// errors pass through unchanged, cancellations become
// ErrSiblingUnitCanceled, everything else becomes ErrSiblingUnitFailed.
func normalizeFault(err error) error {
	switch {
	case errors.Is(err, ErrSiblingUnitFailed),
		errors.Is(err, ErrSiblingUnitCanceled),
		errors.Is(err, ErrLinkedDataflowFailed),
		errors.Is(err, ErrLinkedDataflowCanceled):
		return err
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return ErrSiblingUnitCanceled
	default:
		return ErrSiblingUnitFailed
	}
}
