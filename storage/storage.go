package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"crossvault/crosschain"
	"crossvault/escrow"
)

// ErrDSNRequired is returned when the backing store DSN is missing.
var ErrDSNRequired = errors.New("storage: database DSN must be configured")

// Store is the document store for deals, conditions, cross-chain
// transactions and the append-only timeline. Every mutation of a versioned
// record is a single conditional UPDATE; there are no in-process locks.
type Store struct {
	db *gorm.DB
}

// Open initialises the backing store. Postgres DSNs select the postgres
// driver; anything else is treated as a SQLite path, which keeps local
// setups and tests dependency free.
func Open(dsn string) (*Store, error) {
	trimmed := strings.TrimSpace(dsn)
	if trimmed == "" {
		return nil, ErrDSNRequired
	}
	var dialector gorm.Dialector
	if strings.HasPrefix(trimmed, "postgres://") || strings.HasPrefix(trimmed, "postgresql://") || strings.Contains(trimmed, "host=") {
		dialector = postgres.Open(trimmed)
	} else {
		dialector = sqlite.Open(trimmed)
	}
	db, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("storage: open database: %w", err)
	}
	if err := db.AutoMigrate(&dealRecord{}, &conditionRecord{}, &transactionRecord{}, &timelineRecord{}); err != nil {
		return nil, fmt.Errorf("storage: migrate schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases database resources.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// CreateDeal persists a new deal together with its condition set.
func (s *Store) CreateDeal(ctx context.Context, deal *escrow.Deal, conditions []escrow.Condition) error {
	deal.Version = 1
	record, err := dealToRecord(deal)
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(record).Error; err != nil {
			return fmt.Errorf("storage: create deal: %w", err)
		}
		for position, condition := range conditions {
			now := time.Now().UTC()
			conditionRec := &conditionRecord{
				ID:          condition.ID.String(),
				DealID:      condition.DealID.String(),
				Position:    position,
				Type:        string(condition.Type),
				Description: condition.Description,
				Status:      string(condition.Status),
				FulfilledBy: string(condition.FulfilledBy),
				FulfilledAt: condition.FulfilledAt,
				CreatedAt:   now,
				UpdatedAt:   now,
			}
			if err := tx.Create(conditionRec).Error; err != nil {
				return fmt.Errorf("storage: create condition: %w", err)
			}
		}
		return nil
	})
}

// GetDeal returns a caller-owned copy of the deal.
func (s *Store) GetDeal(ctx context.Context, id uuid.UUID) (*escrow.Deal, error) {
	var record dealRecord
	if err := s.db.WithContext(ctx).First(&record, "id = ?", id.String()).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, escrow.ErrDealNotFound
		}
		return nil, fmt.Errorf("storage: get deal: %w", err)
	}
	return dealFromRecord(&record)
}

// UpdateDeal performs the conditional write backing all deal mutations. The
// write succeeds only when the stored version still matches expectedVersion;
// on success the supplied deal carries the advanced version.
func (s *Store) UpdateDeal(ctx context.Context, deal *escrow.Deal, expectedVersion uint64) error {
	now := time.Now().UTC()
	var activeTx *string
	if deal.ActiveTransactionID != nil {
		id := deal.ActiveTransactionID.String()
		activeTx = &id
	}
	res := s.db.WithContext(ctx).Model(&dealRecord{}).
		Where("id = ? AND version = ?", deal.ID.String(), expectedVersion).
		Updates(map[string]interface{}{
			"state":                   string(deal.State),
			"final_approval_deadline": deal.FinalApprovalDeadline,
			"dispute_deadline":        deal.DisputeDeadline,
			"funds_deposited":         deal.FundsDeposited,
			"active_transaction_id":   activeTx,
			"version":                 expectedVersion + 1,
			"updated_at":              now,
		})
	if res.Error != nil {
		return fmt.Errorf("storage: update deal: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		var count int64
		if err := s.db.WithContext(ctx).Model(&dealRecord{}).Where("id = ?", deal.ID.String()).Count(&count).Error; err == nil && count == 0 {
			return escrow.ErrDealNotFound
		}
		return &escrow.ConcurrencyConflictError{Record: "deal", ID: deal.ID, Expected: expectedVersion}
	}
	deal.Version = expectedVersion + 1
	deal.UpdatedAt = now
	return nil
}

// GetCondition fetches one condition by id.
func (s *Store) GetCondition(ctx context.Context, id uuid.UUID) (*escrow.Condition, error) {
	var record conditionRecord
	if err := s.db.WithContext(ctx).First(&record, "id = ?", id.String()).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, escrow.ErrConditionNotFound
		}
		return nil, fmt.Errorf("storage: get condition: %w", err)
	}
	return conditionFromRecord(&record)
}

// ConditionsByDeal returns a deal's conditions in creation order.
func (s *Store) ConditionsByDeal(ctx context.Context, dealID uuid.UUID) ([]escrow.Condition, error) {
	var records []conditionRecord
	if err := s.db.WithContext(ctx).
		Where("deal_id = ?", dealID.String()).
		Order("position asc").
		Find(&records).Error; err != nil {
		return nil, fmt.Errorf("storage: list conditions: %w", err)
	}
	conditions := make([]escrow.Condition, 0, len(records))
	for i := range records {
		condition, err := conditionFromRecord(&records[i])
		if err != nil {
			return nil, err
		}
		conditions = append(conditions, *condition)
	}
	return conditions, nil
}

// UpdateCondition writes a condition's fulfillment fields.
func (s *Store) UpdateCondition(ctx context.Context, condition *escrow.Condition) error {
	res := s.db.WithContext(ctx).Model(&conditionRecord{}).
		Where("id = ?", condition.ID.String()).
		Updates(map[string]interface{}{
			"status":       string(condition.Status),
			"fulfilled_by": string(condition.FulfilledBy),
			"fulfilled_at": condition.FulfilledAt,
			"updated_at":   time.Now().UTC(),
		})
	if res.Error != nil {
		return fmt.Errorf("storage: update condition: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return escrow.ErrConditionNotFound
	}
	return nil
}

// AppendTimeline writes one append-only event. Events are never updated or
// deleted.
func (s *Store) AppendTimeline(ctx context.Context, event escrow.TimelineEvent) error {
	attrs, err := json.Marshal(event.Attributes)
	if err != nil {
		return fmt.Errorf("storage: encode event attributes: %w", err)
	}
	record := &timelineRecord{
		ID:         event.ID.String(),
		DealID:     event.DealID.String(),
		Kind:       event.Kind,
		Attributes: string(attrs),
		CreatedAt:  event.CreatedAt,
	}
	if err := s.db.WithContext(ctx).Create(record).Error; err != nil {
		return fmt.Errorf("storage: append timeline: %w", err)
	}
	return nil
}

// TimelineByDeal returns the most recent events for a deal, newest first.
func (s *Store) TimelineByDeal(ctx context.Context, dealID uuid.UUID, limit int) ([]escrow.TimelineEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	var records []timelineRecord
	if err := s.db.WithContext(ctx).
		Where("deal_id = ?", dealID.String()).
		Order("created_at desc").
		Limit(limit).
		Find(&records).Error; err != nil {
		return nil, fmt.Errorf("storage: list timeline: %w", err)
	}
	events := make([]escrow.TimelineEvent, 0, len(records))
	for i := range records {
		event, err := timelineFromRecord(&records[i])
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	return events, nil
}

// CreateTransactions persists the transfer legs of a route plan.
func (s *Store) CreateTransactions(ctx context.Context, txs []*crosschain.Transaction) error {
	return s.db.WithContext(ctx).Transaction(func(dbtx *gorm.DB) error {
		for _, tx := range txs {
			tx.Version = 1
			record, err := transactionToRecord(tx)
			if err != nil {
				return err
			}
			if err := dbtx.Create(record).Error; err != nil {
				return fmt.Errorf("storage: create transaction: %w", err)
			}
		}
		return nil
	})
}

// GetTransaction returns a caller-owned copy of the transaction.
func (s *Store) GetTransaction(ctx context.Context, id uuid.UUID) (*crosschain.Transaction, error) {
	var record transactionRecord
	if err := s.db.WithContext(ctx).First(&record, "id = ?", id.String()).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, crosschain.ErrTransactionNotFound
		}
		return nil, fmt.Errorf("storage: get transaction: %w", err)
	}
	return transactionFromRecord(&record)
}

// UpdateTransaction performs the conditional write backing step execution.
func (s *Store) UpdateTransaction(ctx context.Context, tx *crosschain.Transaction, expectedVersion uint64) error {
	steps, err := json.Marshal(tx.CompletedSteps)
	if err != nil {
		return fmt.Errorf("storage: encode steps: %w", err)
	}
	now := time.Now().UTC()
	res := s.db.WithContext(ctx).Model(&transactionRecord{}).
		Where("id = ? AND version = ?", tx.ID.String(), expectedVersion).
		Updates(map[string]interface{}{
			"status":             string(tx.Status),
			"current_step_index": tx.CurrentStepIndex,
			"completed_steps":    string(steps),
			"external_handle":    tx.ExternalHandle,
			"last_status":        tx.LastStatus,
			"last_polled_at":     tx.LastPolledAt,
			"version":            expectedVersion + 1,
			"updated_at":         now,
		})
	if res.Error != nil {
		return fmt.Errorf("storage: update transaction: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		var count int64
		if err := s.db.WithContext(ctx).Model(&transactionRecord{}).Where("id = ?", tx.ID.String()).Count(&count).Error; err == nil && count == 0 {
			return crosschain.ErrTransactionNotFound
		}
		return &escrow.ConcurrencyConflictError{Record: "transaction", ID: tx.ID, Expected: expectedVersion}
	}
	tx.Version = expectedVersion + 1
	tx.UpdatedAt = now
	return nil
}

// TransactionsByDeal returns all transfer legs of a deal ordered by leg.
func (s *Store) TransactionsByDeal(ctx context.Context, dealID uuid.UUID) ([]*crosschain.Transaction, error) {
	var records []transactionRecord
	if err := s.db.WithContext(ctx).
		Where("deal_id = ?", dealID.String()).
		Order("leg_index asc").
		Find(&records).Error; err != nil {
		return nil, fmt.Errorf("storage: list transactions: %w", err)
	}
	txs := make([]*crosschain.Transaction, 0, len(records))
	for i := range records {
		tx, err := transactionFromRecord(&records[i])
		if err != nil {
			return nil, err
		}
		txs = append(txs, tx)
	}
	return txs, nil
}

// DealsPastFinalApproval lists deals whose approval window elapsed without a
// decision. Used exclusively by the deadline sweeper.
func (s *Store) DealsPastFinalApproval(ctx context.Context, now time.Time, limit int) ([]*escrow.Deal, error) {
	return s.dealsPastDeadline(ctx, string(escrow.StateInFinalApproval), "final_approval_deadline", now, limit)
}

// DealsPastDisputeDeadline lists disputed deals with no recorded resolution
// past their deadline. Used exclusively by the deadline sweeper.
func (s *Store) DealsPastDisputeDeadline(ctx context.Context, now time.Time, limit int) ([]*escrow.Deal, error) {
	return s.dealsPastDeadline(ctx, string(escrow.StateInDispute), "dispute_deadline", now, limit)
}

func (s *Store) dealsPastDeadline(ctx context.Context, state, column string, now time.Time, limit int) ([]*escrow.Deal, error) {
	if limit <= 0 {
		limit = 100
	}
	var records []dealRecord
	if err := s.db.WithContext(ctx).
		Where("state = ? AND "+column+" IS NOT NULL AND "+column+" <= ?", state, now.UTC()).
		Order(column + " asc").
		Limit(limit).
		Find(&records).Error; err != nil {
		return nil, fmt.Errorf("storage: list deals past deadline: %w", err)
	}
	deals := make([]*escrow.Deal, 0, len(records))
	for i := range records {
		deal, err := dealFromRecord(&records[i])
		if err != nil {
			return nil, err
		}
		deals = append(deals, deal)
	}
	return deals, nil
}
