package sweep

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"crossvault/escrow"
	"crossvault/observability"
)

// Store lists the queries the sweeper needs from persistence.
type Store interface {
	DealsPastFinalApproval(ctx context.Context, now time.Time, limit int) ([]*escrow.Deal, error)
	DealsPastDisputeDeadline(ctx context.Context, now time.Time, limit int) ([]*escrow.Deal, error)
}

// Engine is the subset of the deal engine the sweeper drives.
type Engine interface {
	SweepFinalApproval(ctx context.Context, deal *escrow.Deal) error
	SweepDispute(ctx context.Context, deal *escrow.Deal) error
}

const (
	kindFinalApproval = "final_approval"
	kindDispute       = "dispute"
)

// Sweeper periodically scans for deals whose deadlines have lapsed and asks
// the engine to commit the corresponding transition. Each candidate gets a
// single conditional write per tick; deals that lost the version race are
// picked up again on the next pass.
type Sweeper struct {
	store    Store
	engine   Engine
	interval time.Duration
	batch    int
	workers  int
	log      *slog.Logger
	nowFn    func() time.Time
	metrics  sweepRecorder
}

type sweepRecorder interface {
	RecordTransition(kind, outcome string)
	RecordSkip(kind string)
	ObserveTick(d time.Duration)
}

// Option customises a Sweeper.
type Option func(*Sweeper)

// WithInterval overrides the tick interval.
func WithInterval(d time.Duration) Option {
	return func(s *Sweeper) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithBatchSize caps how many deals of each kind a tick processes.
func WithBatchSize(n int) Option {
	return func(s *Sweeper) {
		if n > 0 {
			s.batch = n
		}
	}
}

// WithWorkers sets the number of concurrent transition workers.
func WithWorkers(n int) Option {
	return func(s *Sweeper) {
		if n > 0 {
			s.workers = n
		}
	}
}

// WithLogger installs a structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Sweeper) {
		if l != nil {
			s.log = l
		}
	}
}

// WithNowFunc overrides the clock, used in tests.
func WithNowFunc(fn func() time.Time) Option {
	return func(s *Sweeper) {
		if fn != nil {
			s.nowFn = fn
		}
	}
}

// New constructs a sweeper with sane defaults.
func New(store Store, engine Engine, opts ...Option) *Sweeper {
	s := &Sweeper{
		store:    store,
		engine:   engine,
		interval: 15 * time.Second,
		batch:    100,
		workers:  4,
		log:      slog.Default(),
		nowFn:    time.Now,
		metrics:  observability.SweepMetrics(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run starts the polling loop until the context is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	if s == nil || s.store == nil || s.engine == nil {
		return
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

type candidate struct {
	kind string
	deal *escrow.Deal
}

// Tick performs a single sweep pass. Exposed so operators and tests can force
// a pass without waiting out the interval.
func (s *Sweeper) Tick(ctx context.Context) {
	started := s.nowFn()
	now := started.UTC()

	var candidates []candidate
	approvals, err := s.store.DealsPastFinalApproval(ctx, now, s.batch)
	if err != nil {
		s.log.Error("sweep: list lapsed approvals", "error", err)
	}
	for _, deal := range approvals {
		candidates = append(candidates, candidate{kind: kindFinalApproval, deal: deal})
	}
	disputes, err := s.store.DealsPastDisputeDeadline(ctx, now, s.batch)
	if err != nil {
		s.log.Error("sweep: list lapsed disputes", "error", err)
	}
	for _, deal := range disputes {
		candidates = append(candidates, candidate{kind: kindDispute, deal: deal})
	}
	if len(candidates) == 0 {
		s.metrics.ObserveTick(time.Since(started))
		return
	}

	work := make(chan candidate)
	var wg sync.WaitGroup
	workers := s.workers
	if workers > len(candidates) {
		workers = len(candidates)
	}
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for c := range work {
				s.process(ctx, c)
			}
		}()
	}
	for _, c := range candidates {
		select {
		case <-ctx.Done():
			close(work)
			wg.Wait()
			return
		case work <- c:
		}
	}
	close(work)
	wg.Wait()
	s.metrics.ObserveTick(time.Since(started))
}

func (s *Sweeper) process(ctx context.Context, c candidate) {
	var err error
	switch c.kind {
	case kindFinalApproval:
		err = s.engine.SweepFinalApproval(ctx, c.deal)
	case kindDispute:
		err = s.engine.SweepDispute(ctx, c.deal)
	}
	switch {
	case err == nil:
		outcome := string(escrow.StateCompleted)
		if c.kind == kindDispute {
			outcome = string(escrow.StateCancelled)
		}
		s.metrics.RecordTransition(c.kind, outcome)
	case errors.Is(err, escrow.ErrSweepSkipped):
		// Another writer moved the deal first. Not an error.
		s.metrics.RecordSkip(c.kind)
		s.log.Debug("sweep skipped", "deal", c.deal.ID, "kind", c.kind)
	default:
		s.metrics.RecordTransition(c.kind, "error")
		s.log.Error("sweep transition failed", "deal", c.deal.ID, "kind", c.kind, "error", err)
	}
}
