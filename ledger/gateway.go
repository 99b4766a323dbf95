package ledger

import (
	"context"
	"fmt"
	"math/big"

	"crossvault/networks"
)

// Receipt is the minimal confirmation record the orchestrator needs: whether
// an externally signed transaction landed and where.
type Receipt struct {
	TxHash      string
	Confirmed   bool
	BlockNumber uint64
}

// Gateway provides read-only access to on-chain state per network. It is
// used only to confirm deposits and balances, never to move funds.
type Gateway interface {
	Balance(ctx context.Context, network networks.Network, address string) (*big.Int, error)
	TransactionReceipt(ctx context.Context, network networks.Network, txHash string) (*Receipt, error)
}

// UnavailableError wraps a failed ledger read. Callers retry with backoff or
// mark the affected transaction STUCK.
type UnavailableError struct {
	Network networks.Network
	Op      string
	Err     error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("ledger: %s on %s unavailable: %v", e.Op, e.Network, e.Err)
}

func (e *UnavailableError) Unwrap() error { return e.Err }

// NotFoundError reports a transaction hash unknown to the network.
type NotFoundError struct {
	Network networks.Network
	TxHash  string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("ledger: transaction %s not found on %s", e.TxHash, e.Network)
}
