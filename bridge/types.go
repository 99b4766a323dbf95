package bridge

import (
	"context"
	"fmt"
	"math/big"

	"crossvault/networks"
)

// RouteQuote is a priced route between two networks returned by the bridge
// aggregation service. The quote id is the handle used to execute the route.
type RouteQuote struct {
	ID            string
	SourceNetwork networks.Network
	TargetNetwork networks.Network
	Amount        *big.Int
	Asset         string
	Bridges       []string
	EstimatedTime int64 // seconds
	TotalFee      *big.Int
}

// Execution states reported by the aggregation service.
const (
	ExecutionPending = "PENDING"
	ExecutionDone    = "DONE"
	ExecutionFailed  = "FAILED"
)

// ExecutionStatus is the externally reported progress of a route execution.
type ExecutionStatus struct {
	Status    string
	Substatus string
}

// Terminal reports whether the execution can no longer change.
func (s *ExecutionStatus) Terminal() bool {
	if s == nil {
		return false
	}
	return s.Status == ExecutionDone || s.Status == ExecutionFailed
}

// Client is the adapter surface over the external route-finding and
// execution service. The orchestrator plans and records; the service moves
// the funds.
type Client interface {
	QuoteRoute(ctx context.Context, source, target networks.Network, amount *big.Int, asset string) (*RouteQuote, error)
	ExecuteRoute(ctx context.Context, quoteID string) (string, error)
	ExecutionStatus(ctx context.Context, handle string) (*ExecutionStatus, error)
}

// UnavailableError wraps a failed call to the aggregation service after the
// bounded retries were exhausted. It is retryable by the caller once the
// service recovers.
type UnavailableError struct {
	Op  string
	Err error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("bridge: %s unavailable: %v", e.Op, e.Err)
}

func (e *UnavailableError) Unwrap() error { return e.Err }
