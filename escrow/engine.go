package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/google/uuid"

	"crossvault/ledger"
	"crossvault/networks"
)

const (
	defaultApprovalWindow = 48 * time.Hour
	defaultDisputeWindow  = 7 * 24 * time.Hour
	defaultCASRetries     = 3
)

var errNilStore = errors.New("escrow engine: store not configured")

// Store is the narrow persistence surface the engine requires. UpdateDeal
// performs a conditional write: it must reject the write with a
// ConcurrencyConflictError when the stored version differs from
// expectedVersion, and advance deal.Version on success.
type Store interface {
	CreateDeal(ctx context.Context, deal *Deal, conditions []Condition) error
	GetDeal(ctx context.Context, id uuid.UUID) (*Deal, error)
	UpdateDeal(ctx context.Context, deal *Deal, expectedVersion uint64) error
	GetCondition(ctx context.Context, id uuid.UUID) (*Condition, error)
	ConditionsByDeal(ctx context.Context, dealID uuid.UUID) ([]Condition, error)
	UpdateCondition(ctx context.Context, condition *Condition) error
	AppendTimeline(ctx context.Context, event TimelineEvent) error
	TimelineByDeal(ctx context.Context, dealID uuid.UUID, limit int) ([]TimelineEvent, error)
}

var allowedTransitions = map[DealState][]DealState{
	StateCreated:                      {StateAwaitingDeposit},
	StateAwaitingDeposit:              {StateAwaitingConditionFulfillment, StateCancelled},
	StateAwaitingConditionFulfillment: {StateReadyForFinalApproval, StateCancelled},
	StateReadyForFinalApproval:        {StateInFinalApproval},
	StateInFinalApproval:              {StateCompleted, StateInDispute},
	StateInDispute:                    {StateCompleted, StateCancelled},
}

// CanTransition reports whether an edge exists between the two states.
func CanTransition(from, to DealState) bool {
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Engine owns the deal lifecycle. All mutations go through a bounded
// read/modify/conditional-write loop so concurrent actors (including the
// deadline sweeper) serialize on the persistence layer rather than an
// in-process lock.
type Engine struct {
	store          Store
	validator      *networks.Validator
	ledger         ledger.Gateway
	log            *slog.Logger
	nowFn          func() time.Time
	approvalWindow time.Duration
	disputeWindow  time.Duration
	casRetries     int
}

// NewEngine creates an engine with default deadline windows. Callers can
// override collaborators via the Set* methods.
func NewEngine(store Store) *Engine {
	return &Engine{
		store:          store,
		log:            slog.Default(),
		nowFn:          time.Now,
		approvalWindow: defaultApprovalWindow,
		disputeWindow:  defaultDisputeWindow,
		casRetries:     defaultCASRetries,
	}
}

// SetValidator configures wallet/network validation for deal creation.
func (e *Engine) SetValidator(v *networks.Validator) { e.validator = v }

// SetLedger configures on-chain verification of deposit evidence. Without a
// gateway, deposit hashes are recorded as reported by the caller.
func (e *Engine) SetLedger(gateway ledger.Gateway) { e.ledger = gateway }

// SetLogger overrides the engine logger.
func (e *Engine) SetLogger(log *slog.Logger) {
	if log != nil {
		e.log = log
	}
}

// SetNowFunc overrides the time source. Primarily intended for tests.
func (e *Engine) SetNowFunc(now func() time.Time) {
	if now == nil {
		e.nowFn = time.Now
		return
	}
	e.nowFn = now
}

// SetWindows overrides the final-approval and dispute deadline windows.
func (e *Engine) SetWindows(approval, dispute time.Duration) {
	if approval > 0 {
		e.approvalWindow = approval
	}
	if dispute > 0 {
		e.disputeWindow = dispute
	}
}

func (e *Engine) now() time.Time {
	if e == nil || e.nowFn == nil {
		return time.Now().UTC()
	}
	return e.nowFn().UTC()
}

// CreateParams describes a new deal. ConditionDescriptions become manual
// conditions; cross-chain conditions are injected automatically when any
// wallet network differs from the escrow network.
type CreateParams struct {
	BuyerWallet           string
	SellerWallet          string
	BuyerNetwork          networks.Network
	SellerNetwork         networks.Network
	EscrowNetwork         networks.Network
	Amount                *big.Int
	Asset                 string
	ConditionDescriptions []string
}

// CreateDeal validates the parties and persists a deal in CREATED together
// with its condition set.
func (e *Engine) CreateDeal(ctx context.Context, params CreateParams) (*Deal, error) {
	if e == nil || e.store == nil {
		return nil, errNilStore
	}
	if e.validator != nil {
		if err := e.validator.CheckNetwork(params.BuyerNetwork, "buyer"); err != nil {
			return nil, err
		}
		if err := e.validator.CheckNetwork(params.SellerNetwork, "seller"); err != nil {
			return nil, err
		}
		if err := e.validator.CheckNetwork(params.EscrowNetwork, "escrow"); err != nil {
			return nil, err
		}
		if err := e.validator.CheckAddress(params.BuyerNetwork, params.BuyerWallet); err != nil {
			return nil, err
		}
		if err := e.validator.CheckAddress(params.SellerNetwork, params.SellerWallet); err != nil {
			return nil, err
		}
	}
	now := e.now()
	deal := &Deal{
		ID:            uuid.New(),
		BuyerWallet:   strings.TrimSpace(params.BuyerWallet),
		SellerWallet:  strings.TrimSpace(params.SellerWallet),
		BuyerNetwork:  params.BuyerNetwork,
		SellerNetwork: params.SellerNetwork,
		EscrowNetwork: params.EscrowNetwork,
		Amount:        params.Amount,
		Asset:         params.Asset,
		State:         StateCreated,
		CrossChain:    params.BuyerNetwork != params.EscrowNetwork || params.SellerNetwork != params.EscrowNetwork,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	sanitized, err := SanitizeDeal(deal)
	if err != nil {
		return nil, err
	}
	conditions := buildConditions(sanitized, params.ConditionDescriptions)
	if err := e.store.CreateDeal(ctx, sanitized, conditions); err != nil {
		return nil, err
	}
	e.appendTimeline(ctx, NewTimelineEvent(sanitized.ID, EventDealCreated, now, map[string]string{
		"amount":     sanitized.Amount.String(),
		"asset":      sanitized.Asset,
		"crossChain": fmt.Sprintf("%t", sanitized.CrossChain),
	}))
	e.log.Info("deal created", "deal", sanitized.ID, "crossChain", sanitized.CrossChain)
	return sanitized, nil
}

func buildConditions(deal *Deal, descriptions []string) []Condition {
	conditions := make([]Condition, 0, len(descriptions)+4)
	for _, desc := range descriptions {
		trimmed := strings.TrimSpace(desc)
		if trimmed == "" {
			continue
		}
		conditions = append(conditions, Condition{
			ID:          uuid.New(),
			DealID:      deal.ID,
			Type:        ConditionManual,
			Description: trimmed,
			Status:      ConditionPending,
		})
	}
	if deal.CrossChain {
		for _, injected := range []struct {
			typ  ConditionType
			desc string
		}{
			{ConditionNetworkValidation, "buyer and seller networks validated as bridgeable"},
			{ConditionBridgeSetup, "bridge route planned and transfer legs prepared"},
			{ConditionFundsLocked, "buyer funds locked into escrow custody"},
			{ConditionBridgeTransfer, "escrow funds bridged toward the seller network"},
		} {
			conditions = append(conditions, Condition{
				ID:          uuid.New(),
				DealID:      deal.ID,
				Type:        injected.typ,
				Description: injected.desc,
				Status:      ConditionPending,
			})
		}
	}
	return conditions
}

// Open moves a freshly created deal into AWAITING_DEPOSIT.
func (e *Engine) Open(ctx context.Context, dealID uuid.UUID) (*Deal, error) {
	return e.mutate(ctx, dealID, "open", func(deal *Deal) ([]TimelineEvent, error) {
		from := deal.State
		if err := transition(deal, StateAwaitingDeposit, "open"); err != nil {
			return nil, err
		}
		return []TimelineEvent{
			NewTimelineEvent(deal.ID, EventDealOpened, e.now(), nil),
			newStateChangeEvent(deal, from, e.now()),
		}, nil
	})
}

// RecordDeposit marks the buyer's funds as received. Allowed only from
// AWAITING_DEPOSIT; when every condition is already fulfilled the deal
// advances straight to READY_FOR_FINAL_APPROVAL. On cross-chain deals the
// injected funds-locked condition is fulfilled as part of the deposit. With
// a ledger gateway configured, the deposit transaction must be confirmed on
// the deal's escrow network before it is accepted.
func (e *Engine) RecordDeposit(ctx context.Context, dealID uuid.UUID, evidence DepositEvidence) (*Deal, error) {
	hash := strings.TrimSpace(evidence.TxHash)
	if hash == "" {
		return nil, &ValidationError{Field: "evidence", Reason: "deposit transaction hash required"}
	}
	if err := e.verifyDeposit(ctx, dealID, hash, evidence.Network); err != nil {
		return nil, err
	}
	deal, err := e.mutate(ctx, dealID, "recordDeposit", func(deal *Deal) ([]TimelineEvent, error) {
		if deal.State != StateAwaitingDeposit {
			return nil, &InvalidStateError{DealID: deal.ID, State: deal.State, Operation: "recordDeposit"}
		}
		now := e.now()
		from := deal.State
		deal.FundsDeposited = true
		deal.State = StateAwaitingConditionFulfillment
		events := []TimelineEvent{
			newDepositEvent(deal, evidence, now),
			newStateChangeEvent(deal, from, now),
		}
		fulfilled, err := e.allConditionsFulfilled(ctx, deal.ID)
		if err != nil {
			return nil, err
		}
		if fulfilled {
			mid := deal.State
			deal.State = StateReadyForFinalApproval
			events = append(events, newStateChangeEvent(deal, mid, now))
		}
		return events, nil
	})
	if err != nil {
		return nil, err
	}
	if deal.CrossChain {
		advanced, err := e.FulfillSystemCondition(ctx, dealID, ConditionFundsLocked)
		if err != nil && !errors.Is(err, ErrConditionNotFound) {
			return nil, err
		}
		if advanced != nil {
			return advanced, nil
		}
	}
	return deal, nil
}

// verifyDeposit checks claimed deposit evidence against the ledger gateway
// before any state moves. The transaction must be confirmed on the deal's
// escrow network; deals already past AWAITING_DEPOSIT skip the lookup and
// fail state validation inside the mutation instead.
func (e *Engine) verifyDeposit(ctx context.Context, dealID uuid.UUID, hash string, claimed networks.Network) error {
	if e.ledger == nil {
		return nil
	}
	deal, err := e.store.GetDeal(ctx, dealID)
	if err != nil {
		return err
	}
	if deal.State != StateAwaitingDeposit {
		return nil
	}
	if claimed != "" && claimed != deal.EscrowNetwork {
		return &ValidationError{Field: "evidence", Reason: fmt.Sprintf("deposit network %s does not match escrow network %s", claimed, deal.EscrowNetwork)}
	}
	receipt, err := e.ledger.TransactionReceipt(ctx, deal.EscrowNetwork, hash)
	if err != nil {
		var notFound *ledger.NotFoundError
		if errors.As(err, &notFound) {
			return &ValidationError{Field: "evidence", Reason: fmt.Sprintf("deposit transaction not observed on %s", deal.EscrowNetwork)}
		}
		return err
	}
	if !receipt.Confirmed {
		return &ValidationError{Field: "evidence", Reason: "deposit transaction not yet confirmed"}
	}
	return nil
}

// SetActiveTransaction points the deal at its currently executing
// cross-chain transaction, or clears the pointer when nil.
func (e *Engine) SetActiveTransaction(ctx context.Context, dealID uuid.UUID, txID *uuid.UUID) (*Deal, error) {
	return e.mutate(ctx, dealID, "setActiveTransaction", func(deal *Deal) ([]TimelineEvent, error) {
		if deal.State.Terminal() {
			return nil, &InvalidStateError{DealID: deal.ID, State: deal.State, Operation: "setActiveTransaction"}
		}
		deal.ActiveTransactionID = txID
		attrs := map[string]string{}
		if txID != nil {
			attrs["transactionId"] = txID.String()
		}
		return []TimelineEvent{NewTimelineEvent(deal.ID, "deal.transaction_attached", e.now(), attrs)}, nil
	})
}

// FulfillCondition marks a condition FULFILLED on behalf of an actor. System
// managed conditions reject non-system actors. Once the last condition is
// fulfilled on a funded deal, the deal advances to READY_FOR_FINAL_APPROVAL.
func (e *Engine) FulfillCondition(ctx context.Context, dealID, conditionID uuid.UUID, actor Actor) (*Deal, error) {
	if e == nil || e.store == nil {
		return nil, errNilStore
	}
	condition, err := e.store.GetCondition(ctx, conditionID)
	if err != nil {
		return nil, err
	}
	if condition.DealID != dealID {
		return nil, &ValidationError{Field: "conditionId", Reason: "condition does not belong to deal"}
	}
	return e.fulfill(ctx, dealID, condition, actor)
}

// FulfillSystemCondition resolves the pending condition of the given type and
// fulfills it as the system. Used by the execution engine as transfer legs
// complete.
func (e *Engine) FulfillSystemCondition(ctx context.Context, dealID uuid.UUID, typ ConditionType) (*Deal, error) {
	if e == nil || e.store == nil {
		return nil, errNilStore
	}
	conditions, err := e.store.ConditionsByDeal(ctx, dealID)
	if err != nil {
		return nil, err
	}
	for i := range conditions {
		if conditions[i].Type == typ {
			return e.fulfill(ctx, dealID, &conditions[i], ActorSystem)
		}
	}
	return nil, ErrConditionNotFound
}

func (e *Engine) fulfill(ctx context.Context, dealID uuid.UUID, condition *Condition, actor Actor) (*Deal, error) {
	if condition.Type.SystemManaged() && actor != ActorSystem {
		return nil, &ValidationError{Field: "actor", Reason: "condition " + string(condition.Type) + " is system managed"}
	}
	alreadyFulfilled := condition.Status == ConditionFulfilled
	if !alreadyFulfilled {
		now := e.now()
		condition.Status = ConditionFulfilled
		condition.FulfilledBy = actor
		condition.FulfilledAt = &now
		if err := e.store.UpdateCondition(ctx, condition); err != nil {
			return nil, err
		}
		e.appendTimeline(ctx, newConditionEvent(condition, now))
	}
	return e.mutate(ctx, dealID, "fulfillCondition", func(deal *Deal) ([]TimelineEvent, error) {
		if deal.State != StateAwaitingDeposit && deal.State != StateAwaitingConditionFulfillment {
			if alreadyFulfilled {
				return nil, nil
			}
			return nil, &InvalidStateError{DealID: deal.ID, State: deal.State, Operation: "fulfillCondition"}
		}
		if deal.State != StateAwaitingConditionFulfillment || !deal.FundsDeposited {
			return nil, nil
		}
		fulfilled, err := e.allConditionsFulfilled(ctx, deal.ID)
		if err != nil {
			return nil, err
		}
		if !fulfilled {
			return nil, nil
		}
		from := deal.State
		if err := transition(deal, StateReadyForFinalApproval, "fulfillCondition"); err != nil {
			return nil, err
		}
		return []TimelineEvent{newStateChangeEvent(deal, from, e.now())}, nil
	})
}

// StartFinalApproval opens the 48 hour approval window.
func (e *Engine) StartFinalApproval(ctx context.Context, dealID uuid.UUID) (*Deal, error) {
	return e.mutate(ctx, dealID, "startFinalApproval", func(deal *Deal) ([]TimelineEvent, error) {
		from := deal.State
		if err := transition(deal, StateInFinalApproval, "startFinalApproval"); err != nil {
			return nil, err
		}
		now := e.now()
		deadline := now.Add(e.approvalWindow)
		deal.FinalApprovalDeadline = &deadline
		return []TimelineEvent{
			NewTimelineEvent(deal.ID, EventFinalApproval, now, map[string]string{
				"deadline": deadline.Format(time.RFC3339),
			}),
			newStateChangeEvent(deal, from, now),
		}, nil
	})
}

// RaiseDispute moves an in-approval deal into dispute. Rejected once the
// approval deadline has passed; at that point the sweeper owns the outcome.
func (e *Engine) RaiseDispute(ctx context.Context, dealID uuid.UUID) (*Deal, error) {
	return e.mutate(ctx, dealID, "raiseDispute", func(deal *Deal) ([]TimelineEvent, error) {
		now := e.now()
		if deal.State != StateInFinalApproval {
			return nil, &InvalidStateError{DealID: deal.ID, State: deal.State, Operation: "raiseDispute"}
		}
		if deal.FinalApprovalDeadline != nil && !now.Before(*deal.FinalApprovalDeadline) {
			return nil, &InvalidStateError{DealID: deal.ID, State: deal.State, Operation: "raiseDispute after approval deadline"}
		}
		from := deal.State
		if err := transition(deal, StateInDispute, "raiseDispute"); err != nil {
			return nil, err
		}
		deadline := now.Add(e.disputeWindow)
		deal.DisputeDeadline = &deadline
		return []TimelineEvent{
			NewTimelineEvent(deal.ID, EventDisputeRaised, now, map[string]string{
				"deadline": deadline.Format(time.RFC3339),
			}),
			newStateChangeEvent(deal, from, now),
		}, nil
	})
}

// ResolveDispute settles a disputed deal per the recorded arbitration
// outcome. Caller authorization is enforced by the interface layer.
func (e *Engine) ResolveDispute(ctx context.Context, dealID uuid.UUID, outcome DisputeOutcome) (*Deal, error) {
	var target DealState
	switch outcome {
	case OutcomeRelease:
		target = StateCompleted
	case OutcomeRefund:
		target = StateCancelled
	default:
		return nil, &ValidationError{Field: "outcome", Reason: "outcome must be RELEASE or REFUND"}
	}
	return e.mutate(ctx, dealID, "resolveDispute", func(deal *Deal) ([]TimelineEvent, error) {
		if deal.State != StateInDispute {
			return nil, &InvalidStateError{DealID: deal.ID, State: deal.State, Operation: "resolveDispute"}
		}
		from := deal.State
		if err := transition(deal, target, "resolveDispute"); err != nil {
			return nil, err
		}
		now := e.now()
		return []TimelineEvent{
			NewTimelineEvent(deal.ID, EventDisputeResolved, now, map[string]string{
				"outcome": string(outcome),
			}),
			newStateChangeEvent(deal, from, now),
		}, nil
	})
}

// CancelByMutualConsent cancels a deal that has not yet entered final
// approval. Consent collection happens upstream; the engine only enforces
// the legal states.
func (e *Engine) CancelByMutualConsent(ctx context.Context, dealID uuid.UUID) (*Deal, error) {
	return e.mutate(ctx, dealID, "cancel", func(deal *Deal) ([]TimelineEvent, error) {
		if deal.State != StateAwaitingDeposit && deal.State != StateAwaitingConditionFulfillment {
			return nil, &InvalidStateError{DealID: deal.ID, State: deal.State, Operation: "cancel"}
		}
		from := deal.State
		if err := transition(deal, StateCancelled, "cancel"); err != nil {
			return nil, err
		}
		return []TimelineEvent{
			NewTimelineEvent(deal.ID, EventCancelled, e.now(), nil),
			newStateChangeEvent(deal, from, e.now()),
		}, nil
	})
}

// SweepFinalApproval commits the deadline-triggered completion of a deal whose
// approval window expired with no dispute. It issues exactly one conditional
// write; losing the race yields ErrSweepSkipped rather than a retry.
func (e *Engine) SweepFinalApproval(ctx context.Context, deal *Deal) error {
	return e.sweep(ctx, deal, StateInFinalApproval, StateCompleted, EventSweepCompleted, deal.FinalApprovalDeadline)
}

// SweepDispute commits the deadline-triggered cancellation of a disputed deal
// with no recorded resolution.
func (e *Engine) SweepDispute(ctx context.Context, deal *Deal) error {
	return e.sweep(ctx, deal, StateInDispute, StateCancelled, EventSweepCancelled, deal.DisputeDeadline)
}

func (e *Engine) sweep(ctx context.Context, deal *Deal, from, to DealState, eventKind string, deadline *time.Time) error {
	if e == nil || e.store == nil {
		return errNilStore
	}
	if deal == nil {
		return ErrDealNotFound
	}
	now := e.now()
	if deal.State != from {
		return fmt.Errorf("%w: deal %s moved to %s", ErrSweepSkipped, deal.ID, deal.State)
	}
	if deadline == nil || now.Before(*deadline) {
		return fmt.Errorf("%w: deal %s deadline not reached", ErrSweepSkipped, deal.ID)
	}
	updated := deal.Clone()
	if err := transition(updated, to, "sweep"); err != nil {
		return err
	}
	if err := e.store.UpdateDeal(ctx, updated, deal.Version); err != nil {
		var conflict *ConcurrencyConflictError
		if errors.As(err, &conflict) {
			return fmt.Errorf("%w: deal %s", ErrSweepSkipped, deal.ID)
		}
		return err
	}
	e.appendTimeline(ctx, newDeadlineEvent(deal.ID, eventKind, *deadline, now))
	e.appendTimeline(ctx, newStateChangeEvent(updated, from, now))
	e.log.Info("deadline sweep committed", "deal", deal.ID, "from", from, "to", to)
	return nil
}

// Snapshot is the read model returned to collaborators.
type Snapshot struct {
	Deal       *Deal
	Conditions []Condition
	Timeline   []TimelineEvent
}

// GetDealStatus assembles a read-only snapshot of a deal, its conditions and
// the most recent timeline entries.
func (e *Engine) GetDealStatus(ctx context.Context, dealID uuid.UUID, timelineLimit int) (*Snapshot, error) {
	if e == nil || e.store == nil {
		return nil, errNilStore
	}
	deal, err := e.store.GetDeal(ctx, dealID)
	if err != nil {
		return nil, err
	}
	conditions, err := e.store.ConditionsByDeal(ctx, dealID)
	if err != nil {
		return nil, err
	}
	timeline, err := e.store.TimelineByDeal(ctx, dealID, timelineLimit)
	if err != nil {
		return nil, err
	}
	return &Snapshot{Deal: deal, Conditions: conditions, Timeline: timeline}, nil
}

func (e *Engine) allConditionsFulfilled(ctx context.Context, dealID uuid.UUID) (bool, error) {
	conditions, err := e.store.ConditionsByDeal(ctx, dealID)
	if err != nil {
		return false, err
	}
	for _, condition := range conditions {
		if condition.Status != ConditionFulfilled {
			return false, nil
		}
	}
	return true, nil
}

// mutate runs a bounded read/modify/conditional-write loop. The callback
// mutates the deal in place and returns the timeline entries to append after
// a successful commit; returning no events with a nil error commits nothing.
func (e *Engine) mutate(ctx context.Context, dealID uuid.UUID, op string, fn func(*Deal) ([]TimelineEvent, error)) (*Deal, error) {
	if e == nil || e.store == nil {
		return nil, errNilStore
	}
	var lastErr error
	for attempt := 0; attempt < e.casRetries; attempt++ {
		deal, err := e.store.GetDeal(ctx, dealID)
		if err != nil {
			return nil, err
		}
		before := deal.State
		events, err := fn(deal)
		if err != nil {
			return nil, err
		}
		if len(events) == 0 && deal.State == before {
			return deal, nil
		}
		if err := e.store.UpdateDeal(ctx, deal, deal.Version); err != nil {
			var conflict *ConcurrencyConflictError
			if errors.As(err, &conflict) {
				lastErr = err
				e.log.Debug("conditional write lost race, re-reading", "deal", dealID, "op", op, "attempt", attempt+1)
				continue
			}
			return nil, err
		}
		for _, event := range events {
			e.appendTimeline(ctx, event)
		}
		return deal, nil
	}
	return nil, lastErr
}

func (e *Engine) appendTimeline(ctx context.Context, event TimelineEvent) {
	if err := e.store.AppendTimeline(ctx, event); err != nil {
		e.log.Warn("timeline append failed", "deal", event.DealID, "kind", event.Kind, "err", err)
	}
}

func transition(deal *Deal, to DealState, op string) error {
	if deal.State.Terminal() || !CanTransition(deal.State, to) {
		return &InvalidStateError{DealID: deal.ID, State: deal.State, Operation: op}
	}
	deal.State = to
	return nil
}
