package escrow

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var (
	// ErrDealNotFound is returned by stores when no deal exists for an id.
	ErrDealNotFound = errors.New("escrow: deal not found")
	// ErrConditionNotFound is returned by stores when no condition exists
	// for an id.
	ErrConditionNotFound = errors.New("escrow: condition not found")
	// ErrSweepSkipped signals that a deadline sweep lost the compare-and-set
	// race to another actor. It is an expected outcome, not a failure.
	ErrSweepSkipped = errors.New("escrow: sweep skipped, concurrent transition won")
)

// ValidationError reports malformed caller input. It is never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("escrow: invalid %s: %s", e.Field, e.Reason)
}

// InvalidStateError reports an operation attempted against a deal whose
// current state has no edge for it.
type InvalidStateError struct {
	DealID    uuid.UUID
	State     DealState
	Operation string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("escrow: %s not allowed for deal %s in state %s", e.Operation, e.DealID, e.State)
}

// ConcurrencyConflictError reports a conditional write that lost a race: the
// stored version no longer matched the caller's read. Engines retry a bounded
// number of times before surfacing it.
type ConcurrencyConflictError struct {
	Record   string
	ID       uuid.UUID
	Expected uint64
}

func (e *ConcurrencyConflictError) Error() string {
	return fmt.Sprintf("escrow: conditional update of %s %s at version %d rejected", e.Record, e.ID, e.Expected)
}
