package storage

import (
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"

	"crossvault/crosschain"
	"crossvault/escrow"
	"crossvault/networks"
)

type dealRecord struct {
	ID                    string     `gorm:"primaryKey;size:36"`
	BuyerWallet           string     `gorm:"size:128;not null"`
	SellerWallet          string     `gorm:"size:128;not null"`
	BuyerNetwork          string     `gorm:"size:32;not null"`
	SellerNetwork         string     `gorm:"size:32;not null"`
	EscrowNetwork         string     `gorm:"size:32;not null"`
	Amount                string     `gorm:"size:80;not null"`
	Asset                 string     `gorm:"size:16;not null"`
	State                 string     `gorm:"size:40;index;not null"`
	FinalApprovalDeadline *time.Time `gorm:"index"`
	DisputeDeadline       *time.Time `gorm:"index"`
	FundsDeposited        bool
	CrossChain            bool
	ActiveTransactionID   *string `gorm:"size:36"`
	Version               uint64  `gorm:"not null"`
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

func (dealRecord) TableName() string { return "deals" }

type conditionRecord struct {
	ID          string `gorm:"primaryKey;size:36"`
	DealID      string `gorm:"size:36;index;not null"`
	Position    int    `gorm:"not null"`
	Type        string `gorm:"size:48;not null"`
	Description string `gorm:"size:512"`
	Status      string `gorm:"size:16;not null"`
	FulfilledBy string `gorm:"size:16"`
	FulfilledAt *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (conditionRecord) TableName() string { return "conditions" }

type transactionRecord struct {
	ID               string `gorm:"primaryKey;size:36"`
	DealID           string `gorm:"size:36;index;not null"`
	LegIndex         int    `gorm:"not null"`
	SourceNetwork    string `gorm:"size:32;not null"`
	TargetNetwork    string `gorm:"size:32;not null"`
	Amount           string `gorm:"size:80;not null"`
	Asset            string `gorm:"size:16;not null"`
	Status           string `gorm:"size:24;index;not null"`
	CurrentStepIndex int    `gorm:"not null"`
	CompletedSteps   string `gorm:"type:text"`
	QuoteID          string `gorm:"size:128"`
	ExternalHandle   string `gorm:"size:128"`
	LastStatus       string `gorm:"size:24"`
	LastPolledAt     *time.Time
	Version          uint64 `gorm:"not null"`
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

func (transactionRecord) TableName() string { return "cross_chain_transactions" }

type timelineRecord struct {
	ID         string    `gorm:"primaryKey;size:36"`
	DealID     string    `gorm:"size:36;index;not null"`
	Kind       string    `gorm:"size:64;not null"`
	Attributes string    `gorm:"type:text"`
	CreatedAt  time.Time `gorm:"index"`
}

func (timelineRecord) TableName() string { return "deal_timeline" }

func dealToRecord(d *escrow.Deal) (*dealRecord, error) {
	record := &dealRecord{
		ID:                    d.ID.String(),
		BuyerWallet:           d.BuyerWallet,
		SellerWallet:          d.SellerWallet,
		BuyerNetwork:          string(d.BuyerNetwork),
		SellerNetwork:         string(d.SellerNetwork),
		EscrowNetwork:         string(d.EscrowNetwork),
		Amount:                d.Amount.String(),
		Asset:                 d.Asset,
		State:                 string(d.State),
		FinalApprovalDeadline: d.FinalApprovalDeadline,
		DisputeDeadline:       d.DisputeDeadline,
		FundsDeposited:        d.FundsDeposited,
		CrossChain:            d.CrossChain,
		Version:               d.Version,
		CreatedAt:             d.CreatedAt,
		UpdatedAt:             d.UpdatedAt,
	}
	if d.ActiveTransactionID != nil {
		id := d.ActiveTransactionID.String()
		record.ActiveTransactionID = &id
	}
	return record, nil
}

func dealFromRecord(record *dealRecord) (*escrow.Deal, error) {
	id, err := uuid.Parse(record.ID)
	if err != nil {
		return nil, fmt.Errorf("storage: malformed deal id %q: %w", record.ID, err)
	}
	amount, ok := new(big.Int).SetString(record.Amount, 10)
	if !ok {
		return nil, fmt.Errorf("storage: malformed amount %q for deal %s", record.Amount, record.ID)
	}
	deal := &escrow.Deal{
		ID:                    id,
		BuyerWallet:           record.BuyerWallet,
		SellerWallet:          record.SellerWallet,
		BuyerNetwork:          networks.Network(record.BuyerNetwork),
		SellerNetwork:         networks.Network(record.SellerNetwork),
		EscrowNetwork:         networks.Network(record.EscrowNetwork),
		Amount:                amount,
		Asset:                 record.Asset,
		State:                 escrow.DealState(record.State),
		FinalApprovalDeadline: record.FinalApprovalDeadline,
		DisputeDeadline:       record.DisputeDeadline,
		FundsDeposited:        record.FundsDeposited,
		CrossChain:            record.CrossChain,
		Version:               record.Version,
		CreatedAt:             record.CreatedAt,
		UpdatedAt:             record.UpdatedAt,
	}
	if record.ActiveTransactionID != nil {
		txID, err := uuid.Parse(*record.ActiveTransactionID)
		if err != nil {
			return nil, fmt.Errorf("storage: malformed transaction id %q: %w", *record.ActiveTransactionID, err)
		}
		deal.ActiveTransactionID = &txID
	}
	return deal, nil
}

func conditionFromRecord(record *conditionRecord) (*escrow.Condition, error) {
	id, err := uuid.Parse(record.ID)
	if err != nil {
		return nil, fmt.Errorf("storage: malformed condition id %q: %w", record.ID, err)
	}
	dealID, err := uuid.Parse(record.DealID)
	if err != nil {
		return nil, fmt.Errorf("storage: malformed deal id %q: %w", record.DealID, err)
	}
	return &escrow.Condition{
		ID:          id,
		DealID:      dealID,
		Type:        escrow.ConditionType(record.Type),
		Description: record.Description,
		Status:      escrow.ConditionStatus(record.Status),
		FulfilledBy: escrow.Actor(record.FulfilledBy),
		FulfilledAt: record.FulfilledAt,
	}, nil
}

func transactionToRecord(tx *crosschain.Transaction) (*transactionRecord, error) {
	steps, err := json.Marshal(tx.CompletedSteps)
	if err != nil {
		return nil, fmt.Errorf("storage: encode steps for transaction %s: %w", tx.ID, err)
	}
	return &transactionRecord{
		ID:               tx.ID.String(),
		DealID:           tx.DealID.String(),
		LegIndex:         tx.LegIndex,
		SourceNetwork:    string(tx.SourceNetwork),
		TargetNetwork:    string(tx.TargetNetwork),
		Amount:           tx.Amount.String(),
		Asset:            tx.Asset,
		Status:           string(tx.Status),
		CurrentStepIndex: tx.CurrentStepIndex,
		CompletedSteps:   string(steps),
		QuoteID:          tx.QuoteID,
		ExternalHandle:   tx.ExternalHandle,
		LastStatus:       tx.LastStatus,
		LastPolledAt:     tx.LastPolledAt,
		Version:          tx.Version,
		CreatedAt:        tx.CreatedAt,
		UpdatedAt:        tx.UpdatedAt,
	}, nil
}

func transactionFromRecord(record *transactionRecord) (*crosschain.Transaction, error) {
	id, err := uuid.Parse(record.ID)
	if err != nil {
		return nil, fmt.Errorf("storage: malformed transaction id %q: %w", record.ID, err)
	}
	dealID, err := uuid.Parse(record.DealID)
	if err != nil {
		return nil, fmt.Errorf("storage: malformed deal id %q: %w", record.DealID, err)
	}
	amount, ok := new(big.Int).SetString(record.Amount, 10)
	if !ok {
		return nil, fmt.Errorf("storage: malformed amount %q for transaction %s", record.Amount, record.ID)
	}
	var steps []crosschain.StepRecord
	if record.CompletedSteps != "" {
		if err := json.Unmarshal([]byte(record.CompletedSteps), &steps); err != nil {
			return nil, fmt.Errorf("storage: decode steps for transaction %s: %w", record.ID, err)
		}
	}
	return &crosschain.Transaction{
		ID:               id,
		DealID:           dealID,
		LegIndex:         record.LegIndex,
		SourceNetwork:    networks.Network(record.SourceNetwork),
		TargetNetwork:    networks.Network(record.TargetNetwork),
		Amount:           amount,
		Asset:            record.Asset,
		Status:           crosschain.Status(record.Status),
		CurrentStepIndex: record.CurrentStepIndex,
		CompletedSteps:   steps,
		QuoteID:          record.QuoteID,
		ExternalHandle:   record.ExternalHandle,
		LastStatus:       record.LastStatus,
		LastPolledAt:     record.LastPolledAt,
		Version:          record.Version,
		CreatedAt:        record.CreatedAt,
		UpdatedAt:        record.UpdatedAt,
	}, nil
}

func timelineFromRecord(record *timelineRecord) (escrow.TimelineEvent, error) {
	id, err := uuid.Parse(record.ID)
	if err != nil {
		return escrow.TimelineEvent{}, fmt.Errorf("storage: malformed event id %q: %w", record.ID, err)
	}
	dealID, err := uuid.Parse(record.DealID)
	if err != nil {
		return escrow.TimelineEvent{}, fmt.Errorf("storage: malformed deal id %q: %w", record.DealID, err)
	}
	attrs := make(map[string]string)
	if record.Attributes != "" {
		if err := json.Unmarshal([]byte(record.Attributes), &attrs); err != nil {
			return escrow.TimelineEvent{}, fmt.Errorf("storage: decode attributes for event %s: %w", record.ID, err)
		}
	}
	return escrow.TimelineEvent{
		ID:         id,
		DealID:     dealID,
		Kind:       record.Kind,
		Attributes: attrs,
		CreatedAt:  record.CreatedAt,
	}, nil
}
