package crosschain

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"lukechampine.com/blake3"

	"crossvault/networks"
)

// Status is the lifecycle of one bridge leg's execution record. COMPLETED
// and FAILED are immutable; STUCK requires an explicit operator resume.
type Status string

const (
	StatusPrepared       Status = "PREPARED"
	StatusStepInProgress Status = "STEP_IN_PROGRESS"
	StatusCompleted      Status = "COMPLETED"
	StatusFailed         Status = "FAILED"
	StatusStuck          Status = "STUCK"
)

// Terminal reports whether the record can no longer change.
func (s Status) Terminal() bool { return s == StatusCompleted || s == StatusFailed }

// Step is one atomic unit of leg execution.
type Step string

const (
	StepLockSource     Step = "LOCK_SOURCE"
	StepBridgeTransfer Step = "BRIDGE_TRANSFER"
	StepReceiveTarget  Step = "RECEIVE_TARGET"
)

// Steps is the fixed ordered step list every leg executes. Step indexes are
// 1-based.
var Steps = []Step{StepLockSource, StepBridgeTransfer, StepReceiveTarget}

// StepAt returns the step for a 1-based index.
func StepAt(index int) (Step, bool) {
	if index < 1 || index > len(Steps) {
		return "", false
	}
	return Steps[index-1], true
}

// StepRecord captures one completed step for idempotent replays.
type StepRecord struct {
	Index          int       `json:"index"`
	Step           Step      `json:"step"`
	EvidenceDigest string    `json:"evidenceDigest"`
	TxHash         string    `json:"txHash,omitempty"`
	CompletedAt    time.Time `json:"completedAt"`
}

// Transaction is one bridge leg's execution record. The deal references it
// by id only; the engine resolves ids through the store on every call.
type Transaction struct {
	ID               uuid.UUID
	DealID           uuid.UUID
	LegIndex         int // 1 buyer→escrow, 2 escrow→seller
	SourceNetwork    networks.Network
	TargetNetwork    networks.Network
	Amount           *big.Int
	Asset            string
	Status           Status
	CurrentStepIndex int // number of completed steps, 0..len(Steps)
	CompletedSteps   []StepRecord
	QuoteID          string
	ExternalHandle   string
	LastStatus       string
	LastPolledAt     *time.Time
	Version          uint64
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Clone returns a deep copy of the transaction.
func (t *Transaction) Clone() *Transaction {
	if t == nil {
		return nil
	}
	clone := *t
	if t.Amount != nil {
		clone.Amount = new(big.Int).Set(t.Amount)
	} else {
		clone.Amount = big.NewInt(0)
	}
	clone.CompletedSteps = append([]StepRecord(nil), t.CompletedSteps...)
	if t.LastPolledAt != nil {
		at := *t.LastPolledAt
		clone.LastPolledAt = &at
	}
	return &clone
}

func (t *Transaction) stepRecord(index int) (StepRecord, bool) {
	for _, record := range t.CompletedSteps {
		if record.Index == index {
			return record, true
		}
	}
	return StepRecord{}, false
}

// StepEvidence is the externally supplied proof accompanying a step. The
// digest over its canonical form decides whether a repeat invocation is an
// idempotent replay.
type StepEvidence struct {
	TxHash     string
	Attributes map[string]string
}

// Digest returns the hex-encoded blake3 digest of the canonical evidence
// encoding.
func (e StepEvidence) Digest() string {
	keys := make([]string, 0, len(e.Attributes))
	for key := range e.Attributes {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	var builder strings.Builder
	builder.WriteString(strings.TrimSpace(e.TxHash))
	for _, key := range keys {
		builder.WriteString("|")
		builder.WriteString(key)
		builder.WriteString("=")
		builder.WriteString(e.Attributes[key])
	}
	sum := blake3.Sum256([]byte(builder.String()))
	return hex.EncodeToString(sum[:])
}

// StepResult reports the outcome of an executeStep call.
type StepResult struct {
	TransactionID uuid.UUID
	StepIndex     int
	Step          Step
	Status        Status
	Completed     bool
	Replayed      bool
	FinalStep     bool
}

// OutOfOrderStepError reports a step invocation that would skip or rewind
// the fixed step ordering.
type OutOfOrderStepError struct {
	TransactionID uuid.UUID
	Expected      int
	Got           int
}

func (e *OutOfOrderStepError) Error() string {
	return fmt.Sprintf("crosschain: transaction %s expects step %d, got %d", e.TransactionID, e.Expected, e.Got)
}

// StuckError reports an operation attempted against a STUCK transaction.
// Recovery requires an explicit operator resume.
type StuckError struct {
	TransactionID uuid.UUID
}

func (e *StuckError) Error() string {
	return fmt.Sprintf("crosschain: transaction %s is stuck and requires operator resume", e.TransactionID)
}

// NotReadyError reports that a step's external precondition has not been
// observed yet. The call is safe to repeat.
type NotReadyError struct {
	TransactionID uuid.UUID
	Step          Step
	Reason        string
}

func (e *NotReadyError) Error() string {
	return fmt.Sprintf("crosschain: step %s of transaction %s not ready: %s", e.Step, e.TransactionID, e.Reason)
}
