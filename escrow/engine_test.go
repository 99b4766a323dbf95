package escrow

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/google/uuid"

	"crossvault/ledger"
	"crossvault/networks"
)

type memStore struct {
	deals      map[uuid.UUID]*Deal
	conditions map[uuid.UUID]*Condition
	timeline   []TimelineEvent

	conflictsToInject int
	updateCalls       int
}

func newMemStore() *memStore {
	return &memStore{
		deals:      make(map[uuid.UUID]*Deal),
		conditions: make(map[uuid.UUID]*Condition),
	}
}

func (m *memStore) CreateDeal(_ context.Context, deal *Deal, conditions []Condition) error {
	m.deals[deal.ID] = deal.Clone()
	for i := range conditions {
		condition := conditions[i]
		m.conditions[condition.ID] = &condition
	}
	return nil
}

func (m *memStore) GetDeal(_ context.Context, id uuid.UUID) (*Deal, error) {
	deal, ok := m.deals[id]
	if !ok {
		return nil, ErrDealNotFound
	}
	return deal.Clone(), nil
}

func (m *memStore) UpdateDeal(_ context.Context, deal *Deal, expectedVersion uint64) error {
	m.updateCalls++
	stored, ok := m.deals[deal.ID]
	if !ok {
		return ErrDealNotFound
	}
	if m.conflictsToInject > 0 {
		m.conflictsToInject--
		return &ConcurrencyConflictError{Record: "deal", ID: deal.ID, Expected: expectedVersion}
	}
	if stored.Version != expectedVersion {
		return &ConcurrencyConflictError{Record: "deal", ID: deal.ID, Expected: expectedVersion}
	}
	deal.Version = expectedVersion + 1
	m.deals[deal.ID] = deal.Clone()
	return nil
}

func (m *memStore) GetCondition(_ context.Context, id uuid.UUID) (*Condition, error) {
	condition, ok := m.conditions[id]
	if !ok {
		return nil, ErrConditionNotFound
	}
	clone := *condition
	return &clone, nil
}

func (m *memStore) ConditionsByDeal(_ context.Context, dealID uuid.UUID) ([]Condition, error) {
	var out []Condition
	for _, condition := range m.conditions {
		if condition.DealID == dealID {
			out = append(out, *condition)
		}
	}
	return out, nil
}

func (m *memStore) UpdateCondition(_ context.Context, condition *Condition) error {
	if _, ok := m.conditions[condition.ID]; !ok {
		return ErrConditionNotFound
	}
	clone := *condition
	m.conditions[condition.ID] = &clone
	return nil
}

func (m *memStore) AppendTimeline(_ context.Context, event TimelineEvent) error {
	m.timeline = append(m.timeline, event)
	return nil
}

func (m *memStore) TimelineByDeal(_ context.Context, dealID uuid.UUID, limit int) ([]TimelineEvent, error) {
	var out []TimelineEvent
	for _, event := range m.timeline {
		if event.DealID == dealID {
			out = append(out, event)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (m *memStore) conditionByType(dealID uuid.UUID, typ ConditionType) *Condition {
	for _, condition := range m.conditions {
		if condition.DealID == dealID && condition.Type == typ {
			return condition
		}
	}
	return nil
}

func testEngine(t *testing.T) (*Engine, *memStore) {
	t.Helper()
	store := newMemStore()
	engine := NewEngine(store)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	engine.SetNowFunc(func() time.Time { return base })
	return engine, store
}

func sameChainParams() CreateParams {
	return CreateParams{
		BuyerWallet:   "0x1111111111111111111111111111111111111111",
		SellerWallet:  "0x2222222222222222222222222222222222222222",
		BuyerNetwork:  networks.Network("ethereum"),
		SellerNetwork: networks.Network("ethereum"),
		EscrowNetwork: networks.Network("ethereum"),
		Amount:        big.NewInt(1_000_000),
		Asset:         "USDC",
	}
}

func crossChainParams() CreateParams {
	params := sameChainParams()
	params.SellerNetwork = networks.Network("polygon")
	return params
}

func mustCreate(t *testing.T, engine *Engine, params CreateParams) *Deal {
	t.Helper()
	deal, err := engine.CreateDeal(context.Background(), params)
	if err != nil {
		t.Fatalf("create deal: %v", err)
	}
	return deal
}

func advanceToConditionPhase(t *testing.T, engine *Engine, dealID uuid.UUID) *Deal {
	t.Helper()
	ctx := context.Background()
	if _, err := engine.Open(ctx, dealID); err != nil {
		t.Fatalf("open: %v", err)
	}
	deal, err := engine.RecordDeposit(ctx, dealID, DepositEvidence{TxHash: "0xdeposit"})
	if err != nil {
		t.Fatalf("record deposit: %v", err)
	}
	return deal
}

func TestCreateDealSameChain(t *testing.T) {
	engine, store := testEngine(t)
	deal := mustCreate(t, engine, sameChainParams())

	if deal.State != StateCreated {
		t.Fatalf("expected CREATED, got %s", deal.State)
	}
	if deal.CrossChain {
		t.Fatalf("same-network deal flagged cross-chain")
	}
	conditions, _ := store.ConditionsByDeal(context.Background(), deal.ID)
	if len(conditions) != 0 {
		t.Fatalf("expected no injected conditions, got %d", len(conditions))
	}
}

func TestCreateDealCrossChainInjectsConditions(t *testing.T) {
	engine, store := testEngine(t)
	deal := mustCreate(t, engine, crossChainParams())

	if !deal.CrossChain {
		t.Fatalf("expected cross-chain deal")
	}
	conditions, _ := store.ConditionsByDeal(context.Background(), deal.ID)
	types := map[ConditionType]bool{}
	for _, condition := range conditions {
		types[condition.Type] = true
	}
	for _, want := range []ConditionType{
		ConditionNetworkValidation,
		ConditionBridgeSetup,
		ConditionFundsLocked,
		ConditionBridgeTransfer,
	} {
		if !types[want] {
			t.Fatalf("missing injected condition %s", want)
		}
	}
}

func TestCreateDealRejectsBadAmount(t *testing.T) {
	engine, _ := testEngine(t)
	params := sameChainParams()
	params.Amount = big.NewInt(0)
	_, err := engine.CreateDeal(context.Background(), params)
	var validation *ValidationError
	if !errors.As(err, &validation) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
}

func TestDepositAdvancesWhenNoConditions(t *testing.T) {
	engine, _ := testEngine(t)
	deal := mustCreate(t, engine, sameChainParams())
	updated := advanceToConditionPhase(t, engine, deal.ID)
	if updated.State != StateReadyForFinalApproval {
		t.Fatalf("expected READY_FOR_FINAL_APPROVAL, got %s", updated.State)
	}
	if !updated.FundsDeposited {
		t.Fatalf("deposit not recorded")
	}
}

func TestDepositRejectedOutsideAwaitingDeposit(t *testing.T) {
	engine, _ := testEngine(t)
	deal := mustCreate(t, engine, sameChainParams())
	_, err := engine.RecordDeposit(context.Background(), deal.ID, DepositEvidence{TxHash: "0xdeposit"})
	var invalid *InvalidStateError
	if !errors.As(err, &invalid) {
		t.Fatalf("expected InvalidStateError, got %v", err)
	}
}

func TestManualConditionGatesReadiness(t *testing.T) {
	engine, store := testEngine(t)
	params := sameChainParams()
	params.ConditionDescriptions = []string{"inspection report uploaded"}
	deal := mustCreate(t, engine, params)

	updated := advanceToConditionPhase(t, engine, deal.ID)
	if updated.State != StateAwaitingConditionFulfillment {
		t.Fatalf("expected AWAITING_CONDITION_FULFILLMENT, got %s", updated.State)
	}

	manual := store.conditionByType(deal.ID, ConditionManual)
	if manual == nil {
		t.Fatalf("manual condition not persisted")
	}
	after, err := engine.FulfillCondition(context.Background(), deal.ID, manual.ID, ActorBuyer)
	if err != nil {
		t.Fatalf("fulfill condition: %v", err)
	}
	if after.State != StateReadyForFinalApproval {
		t.Fatalf("expected READY_FOR_FINAL_APPROVAL, got %s", after.State)
	}
}

func TestSystemConditionRejectsPartyActor(t *testing.T) {
	engine, store := testEngine(t)
	deal := mustCreate(t, engine, crossChainParams())
	advanceToConditionPhase(t, engine, deal.ID)

	system := store.conditionByType(deal.ID, ConditionNetworkValidation)
	if system == nil {
		t.Fatalf("system condition not persisted")
	}
	_, err := engine.FulfillCondition(context.Background(), deal.ID, system.ID, ActorBuyer)
	var validation *ValidationError
	if !errors.As(err, &validation) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
}

func TestFulfillConditionIdempotent(t *testing.T) {
	engine, store := testEngine(t)
	params := sameChainParams()
	params.ConditionDescriptions = []string{"title search clean"}
	deal := mustCreate(t, engine, params)
	advanceToConditionPhase(t, engine, deal.ID)

	manual := store.conditionByType(deal.ID, ConditionManual)
	if _, err := engine.FulfillCondition(context.Background(), deal.ID, manual.ID, ActorSeller); err != nil {
		t.Fatalf("first fulfill: %v", err)
	}
	// Replay after the deal has advanced must be a no-op, not an error.
	if _, err := engine.FulfillCondition(context.Background(), deal.ID, manual.ID, ActorSeller); err != nil {
		t.Fatalf("replayed fulfill: %v", err)
	}
}

func TestDisputeFlow(t *testing.T) {
	engine, _ := testEngine(t)
	ctx := context.Background()
	deal := mustCreate(t, engine, sameChainParams())
	advanceToConditionPhase(t, engine, deal.ID)

	inApproval, err := engine.StartFinalApproval(ctx, deal.ID)
	if err != nil {
		t.Fatalf("start final approval: %v", err)
	}
	if inApproval.State != StateInFinalApproval || inApproval.FinalApprovalDeadline == nil {
		t.Fatalf("approval window not armed: %+v", inApproval)
	}

	disputed, err := engine.RaiseDispute(ctx, deal.ID)
	if err != nil {
		t.Fatalf("raise dispute: %v", err)
	}
	if disputed.State != StateInDispute || disputed.DisputeDeadline == nil {
		t.Fatalf("dispute window not armed: %+v", disputed)
	}

	resolved, err := engine.ResolveDispute(ctx, deal.ID, OutcomeRefund)
	if err != nil {
		t.Fatalf("resolve dispute: %v", err)
	}
	if resolved.State != StateCancelled {
		t.Fatalf("REFUND should cancel, got %s", resolved.State)
	}
}

func TestRaiseDisputeRejectedAfterDeadline(t *testing.T) {
	engine, _ := testEngine(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	current := base
	engine.SetNowFunc(func() time.Time { return current })

	deal := mustCreate(t, engine, sameChainParams())
	advanceToConditionPhase(t, engine, deal.ID)
	if _, err := engine.StartFinalApproval(ctx, deal.ID); err != nil {
		t.Fatalf("start final approval: %v", err)
	}

	current = base.Add(49 * time.Hour)
	_, err := engine.RaiseDispute(ctx, deal.ID)
	var invalid *InvalidStateError
	if !errors.As(err, &invalid) {
		t.Fatalf("expected InvalidStateError after deadline, got %v", err)
	}
}

func TestResolveDisputeRequiresDisputeState(t *testing.T) {
	engine, _ := testEngine(t)
	deal := mustCreate(t, engine, sameChainParams())
	_, err := engine.ResolveDispute(context.Background(), deal.ID, OutcomeRelease)
	var invalid *InvalidStateError
	if !errors.As(err, &invalid) {
		t.Fatalf("expected InvalidStateError, got %v", err)
	}
}

func TestCancelByMutualConsent(t *testing.T) {
	engine, _ := testEngine(t)
	ctx := context.Background()
	deal := mustCreate(t, engine, sameChainParams())
	if _, err := engine.Open(ctx, deal.ID); err != nil {
		t.Fatalf("open: %v", err)
	}
	cancelled, err := engine.CancelByMutualConsent(ctx, deal.ID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled.State != StateCancelled {
		t.Fatalf("expected CANCELLED, got %s", cancelled.State)
	}
	// Terminal deals reject further transitions.
	if _, err := engine.Open(ctx, deal.ID); err == nil {
		t.Fatalf("expected transition out of terminal state to fail")
	}
}

func TestMutateRetriesOnConflict(t *testing.T) {
	engine, store := testEngine(t)
	deal := mustCreate(t, engine, sameChainParams())

	store.conflictsToInject = 2
	updated, err := engine.Open(context.Background(), deal.ID)
	if err != nil {
		t.Fatalf("open with conflicts: %v", err)
	}
	if updated.State != StateAwaitingDeposit {
		t.Fatalf("expected AWAITING_DEPOSIT, got %s", updated.State)
	}
	if store.updateCalls != 3 {
		t.Fatalf("expected 3 conditional writes, got %d", store.updateCalls)
	}
}

func TestMutateGivesUpAfterRetryBudget(t *testing.T) {
	engine, store := testEngine(t)
	deal := mustCreate(t, engine, sameChainParams())

	store.conflictsToInject = 10
	_, err := engine.Open(context.Background(), deal.ID)
	var conflict *ConcurrencyConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected ConcurrencyConflictError, got %v", err)
	}
}

func TestSweepFinalApprovalCompletes(t *testing.T) {
	engine, store := testEngine(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	current := base
	engine.SetNowFunc(func() time.Time { return current })

	deal := mustCreate(t, engine, sameChainParams())
	advanceToConditionPhase(t, engine, deal.ID)
	if _, err := engine.StartFinalApproval(ctx, deal.ID); err != nil {
		t.Fatalf("start final approval: %v", err)
	}

	current = base.Add(49 * time.Hour)
	stored, _ := store.GetDeal(ctx, deal.ID)
	if err := engine.SweepFinalApproval(ctx, stored); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	after, _ := store.GetDeal(ctx, deal.ID)
	if after.State != StateCompleted {
		t.Fatalf("expected COMPLETED, got %s", after.State)
	}
}

func TestSweepSkipsBeforeDeadline(t *testing.T) {
	engine, store := testEngine(t)
	ctx := context.Background()
	deal := mustCreate(t, engine, sameChainParams())
	advanceToConditionPhase(t, engine, deal.ID)
	if _, err := engine.StartFinalApproval(ctx, deal.ID); err != nil {
		t.Fatalf("start final approval: %v", err)
	}
	stored, _ := store.GetDeal(ctx, deal.ID)
	err := engine.SweepFinalApproval(ctx, stored)
	if !errors.Is(err, ErrSweepSkipped) {
		t.Fatalf("expected ErrSweepSkipped, got %v", err)
	}
}

func TestSweepSingleWriteOnConflict(t *testing.T) {
	engine, store := testEngine(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	current := base
	engine.SetNowFunc(func() time.Time { return current })

	deal := mustCreate(t, engine, sameChainParams())
	advanceToConditionPhase(t, engine, deal.ID)
	if _, err := engine.StartFinalApproval(ctx, deal.ID); err != nil {
		t.Fatalf("start final approval: %v", err)
	}

	current = base.Add(49 * time.Hour)
	stored, _ := store.GetDeal(ctx, deal.ID)
	store.conflictsToInject = 1
	writesBefore := store.updateCalls
	err := engine.SweepFinalApproval(ctx, stored)
	if !errors.Is(err, ErrSweepSkipped) {
		t.Fatalf("expected ErrSweepSkipped on conflict, got %v", err)
	}
	if store.updateCalls != writesBefore+1 {
		t.Fatalf("sweep must issue exactly one conditional write, got %d", store.updateCalls-writesBefore)
	}
}

func TestSweepDisputeCancels(t *testing.T) {
	engine, store := testEngine(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	current := base
	engine.SetNowFunc(func() time.Time { return current })

	deal := mustCreate(t, engine, sameChainParams())
	advanceToConditionPhase(t, engine, deal.ID)
	if _, err := engine.StartFinalApproval(ctx, deal.ID); err != nil {
		t.Fatalf("start final approval: %v", err)
	}
	if _, err := engine.RaiseDispute(ctx, deal.ID); err != nil {
		t.Fatalf("raise dispute: %v", err)
	}

	current = base.Add(8 * 24 * time.Hour)
	stored, _ := store.GetDeal(ctx, deal.ID)
	if err := engine.SweepDispute(ctx, stored); err != nil {
		t.Fatalf("sweep dispute: %v", err)
	}
	after, _ := store.GetDeal(ctx, deal.ID)
	if after.State != StateCancelled {
		t.Fatalf("expected CANCELLED, got %s", after.State)
	}
}

func TestGetDealStatusSnapshot(t *testing.T) {
	engine, _ := testEngine(t)
	params := crossChainParams()
	params.ConditionDescriptions = []string{"appraisal complete"}
	deal := mustCreate(t, engine, params)
	advanceToConditionPhase(t, engine, deal.ID)

	snapshot, err := engine.GetDealStatus(context.Background(), deal.ID, 10)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if snapshot.Deal == nil || snapshot.Deal.ID != deal.ID {
		t.Fatalf("snapshot missing deal")
	}
	if len(snapshot.Conditions) != 5 {
		t.Fatalf("expected 5 conditions (1 manual + 4 injected), got %d", len(snapshot.Conditions))
	}
	if len(snapshot.Timeline) == 0 {
		t.Fatalf("expected timeline entries")
	}
}

func TestTransitionTableRejectsIllegalEdges(t *testing.T) {
	illegal := []struct {
		from DealState
		to   DealState
	}{
		{StateCreated, StateCompleted},
		{StateAwaitingDeposit, StateInFinalApproval},
		{StateReadyForFinalApproval, StateCancelled},
		{StateCompleted, StateInDispute},
		{StateCancelled, StateAwaitingDeposit},
	}
	for _, edge := range illegal {
		if CanTransition(edge.from, edge.to) {
			t.Fatalf("edge %s -> %s should be illegal", edge.from, edge.to)
		}
	}
	legal := []struct {
		from DealState
		to   DealState
	}{
		{StateCreated, StateAwaitingDeposit},
		{StateInFinalApproval, StateInDispute},
		{StateInDispute, StateCompleted},
	}
	for _, edge := range legal {
		if !CanTransition(edge.from, edge.to) {
			t.Fatalf("edge %s -> %s should be legal", edge.from, edge.to)
		}
	}
}

// stubGateway scripts ledger receipt lookups for deposit verification.
type stubGateway struct {
	receipts map[string]*ledger.Receipt
	err      error
	calls    int
}

func (s *stubGateway) Balance(context.Context, networks.Network, string) (*big.Int, error) {
	return big.NewInt(0), nil
}

func (s *stubGateway) TransactionReceipt(_ context.Context, _ networks.Network, hash string) (*ledger.Receipt, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	receipt, ok := s.receipts[hash]
	if !ok {
		return nil, &ledger.NotFoundError{TxHash: hash}
	}
	return receipt, nil
}

func TestRecordDepositVerifiesAgainstLedger(t *testing.T) {
	engine, store := testEngine(t)
	gateway := &stubGateway{receipts: map[string]*ledger.Receipt{
		"0xpending":   {TxHash: "0xpending", Confirmed: false},
		"0xconfirmed": {TxHash: "0xconfirmed", Confirmed: true, BlockNumber: 42},
	}}
	engine.SetLedger(gateway)
	deal := mustCreate(t, engine, sameChainParams())
	ctx := context.Background()
	if _, err := engine.Open(ctx, deal.ID); err != nil {
		t.Fatalf("open: %v", err)
	}

	var validation *ValidationError
	if _, err := engine.RecordDeposit(ctx, deal.ID, DepositEvidence{TxHash: "0xunseen"}); !errors.As(err, &validation) {
		t.Fatalf("unobserved hash: expected ValidationError, got %v", err)
	}
	if _, err := engine.RecordDeposit(ctx, deal.ID, DepositEvidence{TxHash: "0xpending"}); !errors.As(err, &validation) {
		t.Fatalf("unconfirmed hash: expected ValidationError, got %v", err)
	}
	if _, err := engine.RecordDeposit(ctx, deal.ID, DepositEvidence{TxHash: "0xconfirmed", Network: networks.Network("polygon")}); !errors.As(err, &validation) {
		t.Fatalf("wrong network: expected ValidationError, got %v", err)
	}
	stored, _ := store.GetDeal(ctx, deal.ID)
	if stored.FundsDeposited || stored.State != StateAwaitingDeposit {
		t.Fatalf("rejected evidence must not move the deal: %+v", stored)
	}

	updated, err := engine.RecordDeposit(ctx, deal.ID, DepositEvidence{TxHash: "0xconfirmed"})
	if err != nil {
		t.Fatalf("confirmed deposit: %v", err)
	}
	if !updated.FundsDeposited {
		t.Fatalf("confirmed deposit not recorded")
	}
}

func TestRecordDepositPropagatesLedgerOutage(t *testing.T) {
	engine, _ := testEngine(t)
	gateway := &stubGateway{err: &ledger.UnavailableError{Network: networks.Network("ethereum"), Op: "transactionReceipt", Err: errors.New("rpc down")}}
	engine.SetLedger(gateway)
	deal := mustCreate(t, engine, sameChainParams())
	ctx := context.Background()
	if _, err := engine.Open(ctx, deal.ID); err != nil {
		t.Fatalf("open: %v", err)
	}

	_, err := engine.RecordDeposit(ctx, deal.ID, DepositEvidence{TxHash: "0xconfirmed"})
	var unavailable *ledger.UnavailableError
	if !errors.As(err, &unavailable) {
		t.Fatalf("expected UnavailableError to surface, got %v", err)
	}
}

func TestRecordDepositSkipsLookupPastAwaitingDeposit(t *testing.T) {
	engine, _ := testEngine(t)
	gateway := &stubGateway{receipts: map[string]*ledger.Receipt{
		"0xdeposit": {TxHash: "0xdeposit", Confirmed: true},
	}}
	engine.SetLedger(gateway)
	deal := mustCreate(t, engine, sameChainParams())
	ctx := context.Background()
	if _, err := engine.Open(ctx, deal.ID); err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := engine.RecordDeposit(ctx, deal.ID, DepositEvidence{TxHash: "0xdeposit"}); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	calls := gateway.calls

	// Replaying on an advanced deal fails state validation without another
	// ledger round trip.
	_, err := engine.RecordDeposit(ctx, deal.ID, DepositEvidence{TxHash: "0xdeposit"})
	var invalid *InvalidStateError
	if !errors.As(err, &invalid) {
		t.Fatalf("expected InvalidStateError, got %v", err)
	}
	if gateway.calls != calls {
		t.Fatalf("replay must not hit the ledger again")
	}
}
