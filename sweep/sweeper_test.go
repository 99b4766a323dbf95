package sweep

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"crossvault/escrow"
)

type fakeStore struct {
	approvals []*escrow.Deal
	disputes  []*escrow.Deal
	listErr   error
}

func (f *fakeStore) DealsPastFinalApproval(context.Context, time.Time, int) ([]*escrow.Deal, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.approvals, nil
}

func (f *fakeStore) DealsPastDisputeDeadline(context.Context, time.Time, int) ([]*escrow.Deal, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.disputes, nil
}

// fakeEngine commits at most one transition per deal, mirroring the CAS
// behaviour of the real engine.
type fakeEngine struct {
	mu        sync.Mutex
	committed map[uuid.UUID]int
	skips     int
	failNext  error
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{committed: make(map[uuid.UUID]int)}
}

func (f *fakeEngine) sweep(deal *escrow.Deal) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext != nil {
		err := f.failNext
		f.failNext = nil
		return err
	}
	if f.committed[deal.ID] > 0 {
		f.skips++
		return fmt.Errorf("%w: deal %s", escrow.ErrSweepSkipped, deal.ID)
	}
	f.committed[deal.ID]++
	return nil
}

func (f *fakeEngine) SweepFinalApproval(_ context.Context, deal *escrow.Deal) error {
	return f.sweep(deal)
}

func (f *fakeEngine) SweepDispute(_ context.Context, deal *escrow.Deal) error {
	return f.sweep(deal)
}

type nopRecorder struct{}

func (nopRecorder) RecordTransition(string, string) {}
func (nopRecorder) RecordSkip(string)               {}
func (nopRecorder) ObserveTick(time.Duration)       {}

func lapsedDeal(state escrow.DealState) *escrow.Deal {
	past := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	deal := &escrow.Deal{ID: uuid.New(), State: state}
	switch state {
	case escrow.StateInFinalApproval:
		deal.FinalApprovalDeadline = &past
	case escrow.StateInDispute:
		deal.DisputeDeadline = &past
	}
	return deal
}

func newTestSweeper(store Store, engine Engine, opts ...Option) *Sweeper {
	s := New(store, engine, opts...)
	s.metrics = nopRecorder{}
	return s
}

func TestTickSweepsBothKinds(t *testing.T) {
	approval := lapsedDeal(escrow.StateInFinalApproval)
	dispute := lapsedDeal(escrow.StateInDispute)
	store := &fakeStore{
		approvals: []*escrow.Deal{approval},
		disputes:  []*escrow.Deal{dispute},
	}
	engine := newFakeEngine()
	s := newTestSweeper(store, engine, WithWorkers(2))

	s.Tick(context.Background())

	if engine.committed[approval.ID] != 1 {
		t.Fatalf("approval deal not swept")
	}
	if engine.committed[dispute.ID] != 1 {
		t.Fatalf("dispute deal not swept")
	}
}

func TestTickEachDealSweptOnce(t *testing.T) {
	// The same lapsed deals keep reappearing in listings until their state
	// change lands; repeated ticks must not double-commit.
	deals := make([]*escrow.Deal, 20)
	for i := range deals {
		deals[i] = lapsedDeal(escrow.StateInFinalApproval)
	}
	store := &fakeStore{approvals: deals}
	engine := newFakeEngine()
	s := newTestSweeper(store, engine, WithWorkers(8))

	for i := 0; i < 5; i++ {
		s.Tick(context.Background())
	}

	for _, deal := range deals {
		if engine.committed[deal.ID] != 1 {
			t.Fatalf("deal %s committed %d times", deal.ID, engine.committed[deal.ID])
		}
	}
	if engine.skips != 4*len(deals) {
		t.Fatalf("expected %d skips, got %d", 4*len(deals), engine.skips)
	}
}

func TestTickSurvivesTransitionError(t *testing.T) {
	first := lapsedDeal(escrow.StateInFinalApproval)
	second := lapsedDeal(escrow.StateInFinalApproval)
	store := &fakeStore{approvals: []*escrow.Deal{first, second}}
	engine := newFakeEngine()
	engine.failNext = fmt.Errorf("storage write failed")
	s := newTestSweeper(store, engine, WithWorkers(1))

	s.Tick(context.Background())

	// One deal hit the injected failure; the other still committed.
	if len(engine.committed) != 1 {
		t.Fatalf("expected 1 committed deal, got %d", len(engine.committed))
	}
}

func TestTickStopsOnContextCancel(t *testing.T) {
	deals := make([]*escrow.Deal, 100)
	for i := range deals {
		deals[i] = lapsedDeal(escrow.StateInDispute)
	}
	store := &fakeStore{disputes: deals}
	engine := newFakeEngine()
	s := newTestSweeper(store, engine, WithWorkers(1))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s.Tick(ctx)
	// A cancelled context stops dispatch; workers drain without panicking.
}

func TestRunHonoursInterval(t *testing.T) {
	deal := lapsedDeal(escrow.StateInFinalApproval)
	store := &fakeStore{approvals: []*escrow.Deal{deal}}
	engine := newFakeEngine()
	s := newTestSweeper(store, engine, WithInterval(5*time.Millisecond), WithWorkers(1))

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()
	s.Run(ctx)

	engine.mu.Lock()
	defer engine.mu.Unlock()
	if engine.committed[deal.ID] != 1 {
		t.Fatalf("deal should commit exactly once across ticks, got %d", engine.committed[deal.ID])
	}
}
