package escrow

import (
	"math/big"
	"strings"
	"time"

	"github.com/google/uuid"

	"crossvault/networks"
)

// DealState represents the lifecycle states of a deal. Transitions are
// restricted to the edges in allowedTransitions; COMPLETED and CANCELLED are
// terminal.
type DealState string

const (
	StateCreated                      DealState = "CREATED"
	StateAwaitingDeposit              DealState = "AWAITING_DEPOSIT"
	StateAwaitingConditionFulfillment DealState = "AWAITING_CONDITION_FULFILLMENT"
	StateReadyForFinalApproval        DealState = "READY_FOR_FINAL_APPROVAL"
	StateInFinalApproval              DealState = "IN_FINAL_APPROVAL"
	StateInDispute                    DealState = "IN_DISPUTE"
	StateCompleted                    DealState = "COMPLETED"
	StateCancelled                    DealState = "CANCELLED"
)

// Valid reports whether the state value is within the supported range.
func (s DealState) Valid() bool {
	switch s {
	case StateCreated, StateAwaitingDeposit, StateAwaitingConditionFulfillment,
		StateReadyForFinalApproval, StateInFinalApproval, StateInDispute,
		StateCompleted, StateCancelled:
		return true
	default:
		return false
	}
}

// Terminal reports whether no edge leaves the state.
func (s DealState) Terminal() bool {
	return s == StateCompleted || s == StateCancelled
}

// Actor identifies who performed an action against a deal.
type Actor string

const (
	ActorSystem Actor = "SYSTEM"
	ActorBuyer  Actor = "BUYER"
	ActorSeller Actor = "SELLER"
)

// ConditionType classifies the gating requirements for fund release. The
// CROSS_CHAIN_* variants are injected automatically for cross-chain deals and
// only fulfilled by the system.
type ConditionType string

const (
	ConditionManual            ConditionType = "MANUAL"
	ConditionNetworkValidation ConditionType = "CROSS_CHAIN_NETWORK_VALIDATION"
	ConditionBridgeSetup       ConditionType = "CROSS_CHAIN_BRIDGE_SETUP"
	ConditionFundsLocked       ConditionType = "CROSS_CHAIN_FUNDS_LOCKED"
	ConditionBridgeTransfer    ConditionType = "CROSS_CHAIN_BRIDGE_TRANSFER"
)

// SystemManaged reports whether the condition type may only be fulfilled by
// the execution engine, never by a deal party.
func (t ConditionType) SystemManaged() bool {
	switch t {
	case ConditionNetworkValidation, ConditionBridgeSetup, ConditionFundsLocked, ConditionBridgeTransfer:
		return true
	default:
		return false
	}
}

// ConditionStatus is the fulfillment state of a single condition.
type ConditionStatus string

const (
	ConditionPending   ConditionStatus = "PENDING"
	ConditionFulfilled ConditionStatus = "FULFILLED"
)

// Condition is one discrete precondition for release.
type Condition struct {
	ID          uuid.UUID
	DealID      uuid.UUID
	Type        ConditionType
	Description string
	Status      ConditionStatus
	FulfilledBy Actor
	FulfilledAt *time.Time
}

// TimelineEvent is one entry in a deal's append-only event log.
type TimelineEvent struct {
	ID         uuid.UUID
	DealID     uuid.UUID
	Kind       string
	Attributes map[string]string
	CreatedAt  time.Time
}

// Deal is one escrow agreement between a buyer and a seller. Amount and
// Asset are immutable after creation; Version is the compare-and-set token
// enforced by the persistence layer.
type Deal struct {
	ID                    uuid.UUID
	BuyerWallet           string
	SellerWallet          string
	BuyerNetwork          networks.Network
	SellerNetwork         networks.Network
	EscrowNetwork         networks.Network
	Amount                *big.Int
	Asset                 string
	State                 DealState
	FinalApprovalDeadline *time.Time
	DisputeDeadline       *time.Time
	FundsDeposited        bool
	CrossChain            bool
	ActiveTransactionID   *uuid.UUID
	Version               uint64
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// Clone returns a deep copy so callers can mutate without affecting the
// stored instance.
func (d *Deal) Clone() *Deal {
	if d == nil {
		return nil
	}
	clone := *d
	if d.Amount != nil {
		clone.Amount = new(big.Int).Set(d.Amount)
	} else {
		clone.Amount = big.NewInt(0)
	}
	if d.FinalApprovalDeadline != nil {
		t := *d.FinalApprovalDeadline
		clone.FinalApprovalDeadline = &t
	}
	if d.DisputeDeadline != nil {
		t := *d.DisputeDeadline
		clone.DisputeDeadline = &t
	}
	if d.ActiveTransactionID != nil {
		id := *d.ActiveTransactionID
		clone.ActiveTransactionID = &id
	}
	return &clone
}

// SanitizeDeal validates the supplied deal and returns a cloned instance with
// a canonical asset symbol and a non-nil amount. The original is not mutated.
func SanitizeDeal(d *Deal) (*Deal, error) {
	if d == nil {
		return nil, &ValidationError{Field: "deal", Reason: "nil deal"}
	}
	clone := d.Clone()
	clone.Asset = strings.ToUpper(strings.TrimSpace(clone.Asset))
	if clone.Asset == "" {
		return nil, &ValidationError{Field: "asset", Reason: "asset symbol required"}
	}
	if clone.Amount.Sign() <= 0 {
		return nil, &ValidationError{Field: "amount", Reason: "amount must be positive"}
	}
	if !clone.State.Valid() {
		return nil, &ValidationError{Field: "state", Reason: "unknown deal state " + string(clone.State)}
	}
	if strings.TrimSpace(clone.BuyerWallet) == "" {
		return nil, &ValidationError{Field: "buyerWallet", Reason: "buyer wallet required"}
	}
	if strings.TrimSpace(clone.SellerWallet) == "" {
		return nil, &ValidationError{Field: "sellerWallet", Reason: "seller wallet required"}
	}
	return clone, nil
}

// DepositEvidence records the externally supplied proof that the buyer moved
// funds into escrow custody. The orchestrator never signs or submits the
// underlying transaction.
type DepositEvidence struct {
	TxHash  string
	Network networks.Network
}

// DisputeOutcome is the explicit resolution recorded for a disputed deal.
type DisputeOutcome string

const (
	OutcomeRelease DisputeOutcome = "RELEASE"
	OutcomeRefund  DisputeOutcome = "REFUND"
)
