package storage

import (
	"context"
	"errors"
	"math/big"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"crossvault/crosschain"
	"crossvault/escrow"
	"crossvault/networks"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "crossvault.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func sampleDeal() *escrow.Deal {
	now := time.Now().UTC().Truncate(time.Second)
	return &escrow.Deal{
		ID:            uuid.New(),
		BuyerWallet:   "0x1111111111111111111111111111111111111111",
		SellerWallet:  "0x2222222222222222222222222222222222222222",
		BuyerNetwork:  networks.Ethereum,
		SellerNetwork: networks.Polygon,
		EscrowNetwork: networks.Arbitrum,
		Amount:        big.NewInt(750_000),
		Asset:         "USDC",
		State:         escrow.StateCreated,
		CrossChain:    true,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

func TestOpenRequiresDSN(t *testing.T) {
	_, err := Open("  ")
	require.ErrorIs(t, err, ErrDSNRequired)
}

func TestDealRoundTrip(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	deal := sampleDeal()
	conditions := []escrow.Condition{
		{ID: uuid.New(), DealID: deal.ID, Type: escrow.ConditionManual, Description: "inspection", Status: escrow.ConditionPending},
		{ID: uuid.New(), DealID: deal.ID, Type: escrow.ConditionFundsLocked, Description: "funds locked", Status: escrow.ConditionPending},
	}
	require.NoError(t, store.CreateDeal(ctx, deal, conditions))
	require.EqualValues(t, 1, deal.Version)

	loaded, err := store.GetDeal(ctx, deal.ID)
	require.NoError(t, err)
	require.Equal(t, deal.ID, loaded.ID)
	require.Equal(t, deal.State, loaded.State)
	require.Zero(t, deal.Amount.Cmp(loaded.Amount))
	require.True(t, loaded.CrossChain)

	listed, err := store.ConditionsByDeal(ctx, deal.ID)
	require.NoError(t, err)
	require.Len(t, listed, 2)
	require.Equal(t, escrow.ConditionManual, listed[0].Type)
	require.Equal(t, escrow.ConditionFundsLocked, listed[1].Type)
}

func TestGetDealNotFound(t *testing.T) {
	store := openTestStore(t)
	_, err := store.GetDeal(context.Background(), uuid.New())
	require.ErrorIs(t, err, escrow.ErrDealNotFound)
}

func TestUpdateDealVersionGate(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	deal := sampleDeal()
	require.NoError(t, store.CreateDeal(ctx, deal, nil))

	updated := deal.Clone()
	updated.State = escrow.StateAwaitingDeposit
	require.NoError(t, store.UpdateDeal(ctx, updated, 1))
	require.EqualValues(t, 2, updated.Version)

	// A writer still holding version 1 loses.
	stale := deal.Clone()
	stale.State = escrow.StateCancelled
	err := store.UpdateDeal(ctx, stale, 1)
	var conflict *escrow.ConcurrencyConflictError
	require.ErrorAs(t, err, &conflict)
	require.EqualValues(t, 1, conflict.Expected)

	// The winning write is the one that stuck.
	loaded, err := store.GetDeal(ctx, deal.ID)
	require.NoError(t, err)
	require.Equal(t, escrow.StateAwaitingDeposit, loaded.State)
	require.EqualValues(t, 2, loaded.Version)
}

func TestUpdateDealMissingRecord(t *testing.T) {
	store := openTestStore(t)
	ghost := sampleDeal()
	err := store.UpdateDeal(context.Background(), ghost, 1)
	require.ErrorIs(t, err, escrow.ErrDealNotFound)
}

func TestConditionUpdate(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	deal := sampleDeal()
	condition := escrow.Condition{ID: uuid.New(), DealID: deal.ID, Type: escrow.ConditionManual, Description: "docs signed", Status: escrow.ConditionPending}
	require.NoError(t, store.CreateDeal(ctx, deal, []escrow.Condition{condition}))

	now := time.Now().UTC().Truncate(time.Second)
	condition.Status = escrow.ConditionFulfilled
	condition.FulfilledBy = escrow.ActorBuyer
	condition.FulfilledAt = &now
	require.NoError(t, store.UpdateCondition(ctx, &condition))

	loaded, err := store.GetCondition(ctx, condition.ID)
	require.NoError(t, err)
	require.Equal(t, escrow.ConditionFulfilled, loaded.Status)
	require.Equal(t, escrow.ActorBuyer, loaded.FulfilledBy)
	require.NotNil(t, loaded.FulfilledAt)
}

func TestTimelineAppendAndList(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	deal := sampleDeal()
	require.NoError(t, store.CreateDeal(ctx, deal, nil))

	base := time.Now().UTC().Add(-time.Minute)
	for i := 0; i < 5; i++ {
		event := escrow.NewTimelineEvent(deal.ID, "deal.state_changed", base.Add(time.Duration(i)*time.Second), map[string]string{"seq": string(rune('a' + i))})
		require.NoError(t, store.AppendTimeline(ctx, event))
	}

	events, err := store.TimelineByDeal(ctx, deal.ID, 3)
	require.NoError(t, err)
	require.Len(t, events, 3)
	// Newest first.
	require.True(t, events[0].CreatedAt.After(events[2].CreatedAt))
}

func TestTransactionRoundTripAndCAS(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	deal := sampleDeal()
	require.NoError(t, store.CreateDeal(ctx, deal, nil))

	tx := &crosschain.Transaction{
		ID:            uuid.New(),
		DealID:        deal.ID,
		LegIndex:      1,
		SourceNetwork: networks.Ethereum,
		TargetNetwork: networks.Arbitrum,
		Amount:        big.NewInt(750_000),
		Asset:         "USDC",
		Status:        crosschain.StatusPrepared,
		QuoteID:       "q1",
		CreatedAt:     time.Now().UTC(),
		UpdatedAt:     time.Now().UTC(),
	}
	require.NoError(t, store.CreateTransactions(ctx, []*crosschain.Transaction{tx}))
	require.EqualValues(t, 1, tx.Version)

	updated := tx.Clone()
	updated.Status = crosschain.StatusStepInProgress
	updated.CurrentStepIndex = 1
	updated.CompletedSteps = []crosschain.StepRecord{{
		Index:          1,
		Step:           crosschain.StepLockSource,
		EvidenceDigest: "digest-1",
		TxHash:         "0xlock",
		CompletedAt:    time.Now().UTC(),
	}}
	require.NoError(t, store.UpdateTransaction(ctx, updated, 1))

	stale := tx.Clone()
	stale.Status = crosschain.StatusFailed
	err := store.UpdateTransaction(ctx, stale, 1)
	var conflict *escrow.ConcurrencyConflictError
	require.ErrorAs(t, err, &conflict)

	loaded, err := store.GetTransaction(ctx, tx.ID)
	require.NoError(t, err)
	require.Equal(t, crosschain.StatusStepInProgress, loaded.Status)
	require.Len(t, loaded.CompletedSteps, 1)
	require.Equal(t, "digest-1", loaded.CompletedSteps[0].EvidenceDigest)
}

func TestTransactionsByDealOrder(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	deal := sampleDeal()
	require.NoError(t, store.CreateDeal(ctx, deal, nil))

	legs := []*crosschain.Transaction{
		{ID: uuid.New(), DealID: deal.ID, LegIndex: 2, SourceNetwork: networks.Arbitrum, TargetNetwork: networks.Polygon, Amount: big.NewInt(1), Asset: "USDC", Status: crosschain.StatusPrepared},
		{ID: uuid.New(), DealID: deal.ID, LegIndex: 1, SourceNetwork: networks.Ethereum, TargetNetwork: networks.Arbitrum, Amount: big.NewInt(1), Asset: "USDC", Status: crosschain.StatusPrepared},
	}
	require.NoError(t, store.CreateTransactions(ctx, legs))

	listed, err := store.TransactionsByDeal(ctx, deal.ID)
	require.NoError(t, err)
	require.Len(t, listed, 2)
	require.Equal(t, 1, listed[0].LegIndex)
	require.Equal(t, 2, listed[1].LegIndex)
}

func TestGetTransactionNotFound(t *testing.T) {
	store := openTestStore(t)
	_, err := store.GetTransaction(context.Background(), uuid.New())
	require.True(t, errors.Is(err, crosschain.ErrTransactionNotFound))
}

func TestSweeperQueries(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	lapsed := sampleDeal()
	lapsed.State = escrow.StateInFinalApproval
	past := now.Add(-time.Hour)
	lapsed.FinalApprovalDeadline = &past
	require.NoError(t, store.CreateDeal(ctx, lapsed, nil))

	pending := sampleDeal()
	pending.State = escrow.StateInFinalApproval
	future := now.Add(time.Hour)
	pending.FinalApprovalDeadline = &future
	require.NoError(t, store.CreateDeal(ctx, pending, nil))

	disputed := sampleDeal()
	disputed.State = escrow.StateInDispute
	disputed.DisputeDeadline = &past
	require.NoError(t, store.CreateDeal(ctx, disputed, nil))

	approvals, err := store.DealsPastFinalApproval(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, approvals, 1)
	require.Equal(t, lapsed.ID, approvals[0].ID)

	disputes, err := store.DealsPastDisputeDeadline(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, disputes, 1)
	require.Equal(t, disputed.ID, disputes[0].ID)
}
