// Package ledger defines escrow money movements and the pure fold that
// derives an account's available amount from them.
//
// Transactions are append-only. Only their status moves, and only forward:
//
//	pending -> processing -> completed | failed
//	pending -> cancelled
//
// The available amount of an escrow account is never stored independently of
// its transactions: it must always equal Fold(transactions).Available.
package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

// TxType is the kind of money movement.
type TxType string

const (
	TxDeposit        TxType = "deposit"
	TxRelease        TxType = "release"
	TxRefund         TxType = "refund"
	TxFee            TxType = "fee"
	TxInsuranceClaim TxType = "insurance_claim"
)

// Valid reports whether t is a known transaction type.
func (t TxType) Valid() bool {
	switch t {
	case TxDeposit, TxRelease, TxRefund, TxFee, TxInsuranceClaim:
		return true
	}
	return false
}

// Debits reports whether a completed transaction of this type reduces the
// available amount.
func (t TxType) Debits() bool {
	return t == TxRelease || t == TxRefund || t == TxFee
}

// TxStatus is the settlement state of a transaction.
type TxStatus string

const (
	TxPending    TxStatus = "pending"
	TxProcessing TxStatus = "processing"
	TxCompleted  TxStatus = "completed"
	TxFailed     TxStatus = "failed"
	TxCancelled  TxStatus = "cancelled"
)

// Terminal reports whether no further status change is allowed.
func (s TxStatus) Terminal() bool {
	return s == TxCompleted || s == TxFailed || s == TxCancelled
}

// Open reports whether the transaction is still waiting on the rail.
func (s TxStatus) Open() bool {
	return s == TxPending || s == TxProcessing
}

var txTransitions = map[TxStatus][]TxStatus{
	TxPending:    {TxProcessing, TxCompleted, TxFailed, TxCancelled},
	TxProcessing: {TxCompleted, TxFailed},
}

// CanTransition reports whether a transaction may move from one status to another.
func CanTransition(from, to TxStatus) bool {
	for _, s := range txTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Transaction is one money movement against an escrow account.
type Transaction struct {
	ID             string          `json:"id"`
	AccountID      string          `json:"accountId"`
	MilestoneID    string          `json:"milestoneId,omitempty"`
	Type           TxType          `json:"type"`
	Amount         decimal.Decimal `json:"amount"`
	Status         TxStatus        `json:"status"`
	RailReference  string          `json:"railReference,omitempty"`
	IdempotencyKey string          `json:"idempotencyKey"`
	Attempts       int             `json:"attempts"`
	FailureReason  string          `json:"failureReason,omitempty"`
	Reason         string          `json:"reason,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
	UpdatedAt      time.Time       `json:"updatedAt"`
	CompletedAt    *time.Time      `json:"completedAt,omitempty"`
}

// Clone returns a copy safe to hand to callers.
func (t *Transaction) Clone() *Transaction {
	if t == nil {
		return nil
	}
	cp := *t
	if t.CompletedAt != nil {
		ts := *t.CompletedAt
		cp.CompletedAt = &ts
	}
	return &cp
}
