package escrow

import (
	"strconv"
	"time"

	"github.com/google/uuid"
)

const (
	EventDealCreated        = "deal.created"
	EventDealOpened         = "deal.opened"
	EventDepositRecorded    = "deal.deposit_recorded"
	EventConditionFulfilled = "deal.condition_fulfilled"
	EventStateChanged       = "deal.state_changed"
	EventFinalApproval      = "deal.final_approval_started"
	EventDisputeRaised      = "deal.dispute_raised"
	EventDisputeResolved    = "deal.dispute_resolved"
	EventCancelled          = "deal.cancelled"
	EventSweepCompleted     = "deal.sweep_completed"
	EventSweepCancelled     = "deal.sweep_cancelled"
)

// NewTimelineEvent builds an append-only log entry for a deal.
func NewTimelineEvent(dealID uuid.UUID, kind string, at time.Time, attrs map[string]string) TimelineEvent {
	if attrs == nil {
		attrs = make(map[string]string)
	}
	return TimelineEvent{
		ID:         uuid.New(),
		DealID:     dealID,
		Kind:       kind,
		Attributes: attrs,
		CreatedAt:  at.UTC(),
	}
}

func newStateChangeEvent(d *Deal, from DealState, at time.Time) TimelineEvent {
	return NewTimelineEvent(d.ID, EventStateChanged, at, map[string]string{
		"from": string(from),
		"to":   string(d.State),
	})
}

func newDepositEvent(d *Deal, ev DepositEvidence, at time.Time) TimelineEvent {
	return NewTimelineEvent(d.ID, EventDepositRecorded, at, map[string]string{
		"txHash":  ev.TxHash,
		"network": string(ev.Network),
		"amount":  d.Amount.String(),
		"asset":   d.Asset,
	})
}

func newConditionEvent(c *Condition, at time.Time) TimelineEvent {
	return NewTimelineEvent(c.DealID, EventConditionFulfilled, at, map[string]string{
		"conditionId": c.ID.String(),
		"type":        string(c.Type),
		"fulfilledBy": string(c.FulfilledBy),
	})
}

func newDeadlineEvent(dealID uuid.UUID, kind string, deadline time.Time, at time.Time) TimelineEvent {
	return NewTimelineEvent(dealID, kind, at, map[string]string{
		"deadline": deadline.UTC().Format(time.RFC3339),
		"elapsed":  strconv.FormatInt(int64(at.Sub(deadline)/time.Second), 10),
	})
}
