package crosschain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"crossvault/bridge"
	"crossvault/escrow"
	"crossvault/ledger"
	"crossvault/observability"
	"crossvault/planner"
)

const defaultPollTTL = 30 * time.Second

var (
	errNilStore = errors.New("crosschain engine: store not configured")

	// ErrTransactionNotFound is returned by stores when no transaction
	// exists for an id.
	ErrTransactionNotFound = errors.New("crosschain: transaction not found")
)

// Store is the persistence surface for transaction records. UpdateTransaction
// is conditional on the version and must advance it on success.
type Store interface {
	CreateTransactions(ctx context.Context, txs []*Transaction) error
	GetTransaction(ctx context.Context, id uuid.UUID) (*Transaction, error)
	UpdateTransaction(ctx context.Context, tx *Transaction, expectedVersion uint64) error
	TransactionsByDeal(ctx context.Context, dealID uuid.UUID) ([]*Transaction, error)
	AppendTimeline(ctx context.Context, event escrow.TimelineEvent) error
}

// Engine drives a CrossChainTransaction through its fixed ordered steps and
// reports completion into the deal state machine. State reads, the external
// call and the single conditional write never overlap a lock, so a timeout
// leaves the record exactly as it was before the call.
type Engine struct {
	store   Store
	deals   *escrow.Engine
	bridge  bridge.Client
	ledger  ledger.Gateway
	log     *slog.Logger
	nowFn   func() time.Time
	pollTTL time.Duration
	metrics stepRecorder
}

type stepRecorder interface {
	Observe(step, outcome string, d time.Duration)
}

// NewEngine wires the execution engine with its collaborators.
func NewEngine(store Store, deals *escrow.Engine, bridgeClient bridge.Client, gateway ledger.Gateway) *Engine {
	return &Engine{
		store:   store,
		deals:   deals,
		bridge:  bridgeClient,
		ledger:  gateway,
		log:     slog.Default(),
		nowFn:   time.Now,
		pollTTL: defaultPollTTL,
		metrics: observability.StepMetrics(),
	}
}

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

// SetPollTTL overrides how long a polled status stays fresh.
func (e *Engine) SetPollTTL(ttl time.Duration) {
	if ttl > 0 {
		e.pollTTL = ttl
	}
}

func (e *Engine) now() time.Time { return e.nowFn().UTC() }

// PrepareLegs persists the transaction records for a computed route plan,
// points the deal at the first leg and fulfills the network-validation and
// bridge-setup conditions. A deal may carry at most one non-terminal
// transaction at a time.
func (e *Engine) PrepareLegs(ctx context.Context, dealID uuid.UUID, plan *planner.RoutePlan) ([]*Transaction, error) {
	if e == nil || e.store == nil {
		return nil, errNilStore
	}
	if plan == nil || len(plan.Legs) == 0 {
		return nil, &escrow.ValidationError{Field: "plan", Reason: "plan has no bridge legs"}
	}
	existing, err := e.store.TransactionsByDeal(ctx, dealID)
	if err != nil {
		return nil, err
	}
	for _, tx := range existing {
		if !tx.Status.Terminal() {
			return nil, &escrow.ValidationError{Field: "deal", Reason: "a non-terminal cross-chain transaction already exists"}
		}
	}
	now := e.now()
	txs := make([]*Transaction, 0, len(plan.Legs))
	for _, leg := range plan.Legs {
		txs = append(txs, &Transaction{
			ID:            uuid.New(),
			DealID:        dealID,
			LegIndex:      leg.Index,
			SourceNetwork: leg.Source,
			TargetNetwork: leg.Target,
			Amount:        plan.Amount,
			Asset:         plan.Asset,
			Status:        StatusPrepared,
			QuoteID:       leg.QuoteID,
			CreatedAt:     now,
			UpdatedAt:     now,
		})
	}
	if err := e.store.CreateTransactions(ctx, txs); err != nil {
		return nil, err
	}
	if _, err := e.deals.SetActiveTransaction(ctx, dealID, &txs[0].ID); err != nil {
		return nil, err
	}
	if _, err := e.deals.FulfillSystemCondition(ctx, dealID, escrow.ConditionNetworkValidation); err != nil && !errors.Is(err, escrow.ErrConditionNotFound) {
		return nil, err
	}
	if _, err := e.deals.FulfillSystemCondition(ctx, dealID, escrow.ConditionBridgeSetup); err != nil && !errors.Is(err, escrow.ErrConditionNotFound) {
		return nil, err
	}
	e.log.Info("transfer legs prepared", "deal", dealID, "legs", len(txs))
	return txs, nil
}

// ExecuteStep advances a transaction by exactly one step. Steps execute in
// fixed order with no skipping; re-invoking a completed step with identical
// evidence is a no-op returning the prior result. External failures leave
// the step counter untouched and mark the record STUCK for operator resume.
func (e *Engine) ExecuteStep(ctx context.Context, txID uuid.UUID, stepIndex int, evidence StepEvidence) (*StepResult, error) {
	if e == nil || e.store == nil {
		return nil, errNilStore
	}
	step, ok := StepAt(stepIndex)
	if !ok {
		return nil, &escrow.ValidationError{Field: "stepIndex", Reason: fmt.Sprintf("step index %d out of range", stepIndex)}
	}
	start := time.Now()
	result, err := e.executeStep(ctx, txID, stepIndex, step, evidence)
	if e.metrics != nil {
		e.metrics.Observe(string(step), stepOutcome(result, err), time.Since(start))
	}
	return result, err
}

func stepOutcome(result *StepResult, err error) string {
	switch {
	case err == nil && result != nil && result.Replayed:
		return "replayed"
	case err == nil:
		return "completed"
	default:
		var notReady *NotReadyError
		var outOfOrder *OutOfOrderStepError
		var stuck *StuckError
		switch {
		case errors.As(err, &notReady):
			return "not_ready"
		case errors.As(err, &outOfOrder):
			return "out_of_order"
		case errors.As(err, &stuck):
			return "stuck"
		default:
			return "error"
		}
	}
}

func (e *Engine) executeStep(ctx context.Context, txID uuid.UUID, stepIndex int, step Step, evidence StepEvidence) (*StepResult, error) {
	tx, err := e.store.GetTransaction(ctx, txID)
	if err != nil {
		return nil, err
	}
	digest := evidence.Digest()

	// Replays of an already completed step are answered from the record.
	if record, done := tx.stepRecord(stepIndex); done {
		if record.EvidenceDigest != digest {
			return nil, &escrow.ValidationError{Field: "evidence", Reason: fmt.Sprintf("step %d already completed with different evidence", stepIndex)}
		}
		// A completed final step must have advanced the deal. If the deal
		// still points at this transaction its leg settlement was interrupted
		// after the step committed, so replays finish the settlement.
		if stepIndex == len(Steps) {
			if err := e.repairSettlement(ctx, tx, evidence); err != nil {
				return nil, err
			}
		}
		return &StepResult{
			TransactionID: tx.ID,
			StepIndex:     stepIndex,
			Step:          step,
			Status:        tx.Status,
			Completed:     true,
			Replayed:      true,
			FinalStep:     stepIndex == len(Steps),
		}, nil
	}
	if tx.Status.Terminal() {
		return nil, &escrow.ValidationError{Field: "transaction", Reason: "transaction is " + string(tx.Status)}
	}
	if tx.Status == StatusStuck {
		return nil, &StuckError{TransactionID: tx.ID}
	}
	if stepIndex != tx.CurrentStepIndex+1 {
		return nil, &OutOfOrderStepError{TransactionID: tx.ID, Expected: tx.CurrentStepIndex + 1, Got: stepIndex}
	}

	updated := tx.Clone()
	if err := e.performStep(ctx, updated, step, evidence); err != nil {
		// Pending preconditions and rejected caller input leave the record
		// untouched; only external failures mark it STUCK.
		var notReady *NotReadyError
		var validation *escrow.ValidationError
		if errors.As(err, &notReady) || errors.As(err, &validation) {
			return nil, err
		}
		e.markStuck(ctx, tx, step, err)
		return nil, err
	}

	now := e.now()
	updated.CurrentStepIndex = stepIndex
	updated.CompletedSteps = append(updated.CompletedSteps, StepRecord{
		Index:          stepIndex,
		Step:           step,
		EvidenceDigest: digest,
		TxHash:         strings.TrimSpace(evidence.TxHash),
		CompletedAt:    now,
	})
	final := stepIndex == len(Steps)
	if final {
		updated.Status = StatusCompleted
	} else {
		updated.Status = StatusStepInProgress
	}
	if err := e.store.UpdateTransaction(ctx, updated, tx.Version); err != nil {
		return nil, err
	}
	e.appendTimeline(ctx, escrow.NewTimelineEvent(tx.DealID, "transaction.step_completed", now, map[string]string{
		"transactionId": tx.ID.String(),
		"step":          string(step),
		"stepIndex":     fmt.Sprintf("%d", stepIndex),
	}))
	if final {
		if err := e.completeLeg(ctx, updated, evidence); err != nil {
			return nil, err
		}
	}
	return &StepResult{
		TransactionID: tx.ID,
		StepIndex:     stepIndex,
		Step:          step,
		Status:        updated.Status,
		Completed:     true,
		FinalStep:     final,
	}, nil
}

// performStep makes the single external interaction for a step. The record
// is not written here, so an error leaves no partial state behind.
func (e *Engine) performStep(ctx context.Context, tx *Transaction, step Step, evidence StepEvidence) error {
	switch step {
	case StepLockSource:
		hash := strings.TrimSpace(evidence.TxHash)
		if hash == "" {
			return &escrow.ValidationError{Field: "evidence", Reason: "lock transaction hash required"}
		}
		receipt, err := e.ledger.TransactionReceipt(ctx, tx.SourceNetwork, hash)
		if err != nil {
			var notFound *ledger.NotFoundError
			if errors.As(err, &notFound) {
				return &NotReadyError{TransactionID: tx.ID, Step: step, Reason: "lock transaction not observed on source network"}
			}
			return err
		}
		if !receipt.Confirmed {
			return &NotReadyError{TransactionID: tx.ID, Step: step, Reason: "lock transaction not confirmed"}
		}
		return nil
	case StepBridgeTransfer:
		handle, err := e.bridge.ExecuteRoute(ctx, tx.QuoteID)
		if err != nil {
			return err
		}
		tx.ExternalHandle = handle
		return nil
	case StepReceiveTarget:
		if strings.TrimSpace(tx.ExternalHandle) == "" {
			return &escrow.ValidationError{Field: "transaction", Reason: "no execution handle recorded for bridge transfer"}
		}
		// The first leg lands on the escrow network and its receive hash
		// becomes the deal's deposit evidence, so it is required and checked
		// against the ledger before the step may commit.
		hash := strings.TrimSpace(evidence.TxHash)
		if tx.LegIndex == 1 && hash == "" {
			return &escrow.ValidationError{Field: "evidence", Reason: "receive transaction hash required to record the escrow deposit"}
		}
		status, err := e.bridge.ExecutionStatus(ctx, tx.ExternalHandle)
		if err != nil {
			return err
		}
		now := e.now()
		tx.LastStatus = status.Status
		tx.LastPolledAt = &now
		switch status.Status {
		case bridge.ExecutionDone:
			if tx.LegIndex == 1 {
				receipt, err := e.ledger.TransactionReceipt(ctx, tx.TargetNetwork, hash)
				if err != nil {
					var notFound *ledger.NotFoundError
					if errors.As(err, &notFound) {
						return &NotReadyError{TransactionID: tx.ID, Step: step, Reason: "receive transaction not observed on target network"}
					}
					return err
				}
				if !receipt.Confirmed {
					return &NotReadyError{TransactionID: tx.ID, Step: step, Reason: "receive transaction not confirmed"}
				}
			}
			return nil
		case bridge.ExecutionFailed:
			return fmt.Errorf("crosschain: bridge reported failure: %s", status.Substatus)
		default:
			return &NotReadyError{TransactionID: tx.ID, Step: step, Reason: "bridge execution still " + status.Status}
		}
	default:
		return fmt.Errorf("crosschain: unknown step %s", step)
	}
}

// markStuck records the external failure without advancing the step counter.
func (e *Engine) markStuck(ctx context.Context, tx *Transaction, step Step, cause error) {
	stuck := tx.Clone()
	stuck.Status = StatusStuck
	if err := e.store.UpdateTransaction(ctx, stuck, tx.Version); err != nil {
		e.log.Error("failed to mark transaction stuck", "transaction", tx.ID, "err", err)
		return
	}
	now := e.now()
	e.appendTimeline(ctx, escrow.NewTimelineEvent(tx.DealID, "transaction.stuck", now, map[string]string{
		"transactionId": tx.ID.String(),
		"step":          string(step),
		"cause":         cause.Error(),
	}))
	e.log.Warn("transaction stuck", "transaction", tx.ID, "step", step, "err", cause)
}

// completeLeg reports a finished leg into the deal state machine and moves
// the deal's active-transaction pointer to the next leg.
func (e *Engine) completeLeg(ctx context.Context, tx *Transaction, evidence StepEvidence) error {
	e.appendTimeline(ctx, escrow.NewTimelineEvent(tx.DealID, "transaction.completed", e.now(), map[string]string{
		"transactionId": tx.ID.String(),
		"legIndex":      fmt.Sprintf("%d", tx.LegIndex),
	}))
	return e.settleLeg(ctx, tx, evidence)
}

// repairSettlement re-applies the deal-side effects of a completed final step
// when an earlier attempt committed the step but failed before the deal
// advanced. The deal still pointing at the transaction is the marker.
func (e *Engine) repairSettlement(ctx context.Context, tx *Transaction, evidence StepEvidence) error {
	snapshot, err := e.deals.GetDealStatus(ctx, tx.DealID, 1)
	if err != nil {
		return err
	}
	if snapshot.Deal.ActiveTransactionID == nil || *snapshot.Deal.ActiveTransactionID != tx.ID {
		return nil
	}
	e.log.Warn("re-applying interrupted leg settlement", "transaction", tx.ID, "deal", tx.DealID, "leg", tx.LegIndex)
	return e.settleLeg(ctx, tx, evidence)
}

// settleLeg applies a completed leg to the deal. Every write here is
// idempotent, so an interrupted settlement can be re-applied as often as
// needed until the active-transaction pointer has moved past the leg.
func (e *Engine) settleLeg(ctx context.Context, tx *Transaction, evidence StepEvidence) error {
	switch tx.LegIndex {
	case 1:
		if _, err := e.deals.RecordDeposit(ctx, tx.DealID, escrow.DepositEvidence{
			TxHash:  strings.TrimSpace(evidence.TxHash),
			Network: tx.TargetNetwork,
		}); err != nil {
			var invalid *escrow.InvalidStateError
			if !errors.As(err, &invalid) {
				return err
			}
			e.log.Debug("deposit already recorded", "deal", tx.DealID)
		}
	case 2:
		if _, err := e.deals.FulfillSystemCondition(ctx, tx.DealID, escrow.ConditionBridgeTransfer); err != nil && !errors.Is(err, escrow.ErrConditionNotFound) {
			return err
		}
	}
	next, err := e.nextPendingLeg(ctx, tx.DealID, tx.LegIndex)
	if err != nil {
		return err
	}
	if next != nil {
		_, err = e.deals.SetActiveTransaction(ctx, tx.DealID, &next.ID)
		return err
	}
	// Last required leg: the bridge-transfer condition holds for leg-1-only
	// plans as well, since no second hop remains.
	if tx.LegIndex == 1 {
		if _, err := e.deals.FulfillSystemCondition(ctx, tx.DealID, escrow.ConditionBridgeTransfer); err != nil && !errors.Is(err, escrow.ErrConditionNotFound) {
			return err
		}
	}
	_, err = e.deals.SetActiveTransaction(ctx, tx.DealID, nil)
	return err
}

func (e *Engine) nextPendingLeg(ctx context.Context, dealID uuid.UUID, after int) (*Transaction, error) {
	txs, err := e.store.TransactionsByDeal(ctx, dealID)
	if err != nil {
		return nil, err
	}
	var next *Transaction
	for _, candidate := range txs {
		if candidate.LegIndex <= after || candidate.Status.Terminal() {
			continue
		}
		if next == nil || candidate.LegIndex < next.LegIndex {
			next = candidate
		}
	}
	return next, nil
}

// PollStatus queries the bridge aggregation service for the execution state
// of a transaction, serving cached results while they are fresh.
func (e *Engine) PollStatus(ctx context.Context, txID uuid.UUID) (*bridge.ExecutionStatus, error) {
	if e == nil || e.store == nil {
		return nil, errNilStore
	}
	tx, err := e.store.GetTransaction(ctx, txID)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(tx.ExternalHandle) == "" {
		return nil, &escrow.ValidationError{Field: "transaction", Reason: "transaction has no execution handle yet"}
	}
	now := e.now()
	if tx.LastPolledAt != nil && now.Sub(*tx.LastPolledAt) < e.pollTTL && tx.LastStatus != "" {
		return &bridge.ExecutionStatus{Status: tx.LastStatus}, nil
	}
	status, err := e.bridge.ExecutionStatus(ctx, tx.ExternalHandle)
	if err != nil {
		return nil, err
	}
	updated := tx.Clone()
	updated.LastStatus = status.Status
	updated.LastPolledAt = &now
	if err := e.store.UpdateTransaction(ctx, updated, tx.Version); err != nil {
		// A lost race only means someone else refreshed the cache.
		var conflict *escrow.ConcurrencyConflictError
		if !errors.As(err, &conflict) {
			return nil, err
		}
	}
	return status, nil
}

// Resume clears a STUCK transaction back to its pre-failure status after an
// operator verified the external side. It never advances the step counter.
func (e *Engine) Resume(ctx context.Context, txID uuid.UUID) (*Transaction, error) {
	if e == nil || e.store == nil {
		return nil, errNilStore
	}
	tx, err := e.store.GetTransaction(ctx, txID)
	if err != nil {
		return nil, err
	}
	if tx.Status != StatusStuck {
		return nil, &escrow.ValidationError{Field: "transaction", Reason: "only stuck transactions can be resumed"}
	}
	updated := tx.Clone()
	if updated.CurrentStepIndex == 0 {
		updated.Status = StatusPrepared
	} else {
		updated.Status = StatusStepInProgress
	}
	if strings.TrimSpace(updated.ExternalHandle) != "" {
		if status, err := e.bridge.ExecutionStatus(ctx, updated.ExternalHandle); err == nil {
			now := e.now()
			updated.LastStatus = status.Status
			updated.LastPolledAt = &now
		}
	}
	if err := e.store.UpdateTransaction(ctx, updated, tx.Version); err != nil {
		return nil, err
	}
	e.appendTimeline(ctx, escrow.NewTimelineEvent(tx.DealID, "transaction.resumed", e.now(), map[string]string{
		"transactionId": tx.ID.String(),
		"status":        string(updated.Status),
	}))
	e.log.Info("transaction resumed", "transaction", tx.ID, "status", updated.Status)
	return updated, nil
}

func (e *Engine) appendTimeline(ctx context.Context, event escrow.TimelineEvent) {
	if err := e.store.AppendTimeline(ctx, event); err != nil {
		e.log.Warn("timeline append failed", "deal", event.DealID, "kind", event.Kind, "err", err)
	}
}
