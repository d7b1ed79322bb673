package ledger

import (
	"github.com/shopspring/decimal"
	"github.com/workwise/escrowd/internal/money"
)

// Balance is the result of folding an account's completed transactions.
type Balance struct {
	Deposited     decimal.Decimal `json:"deposited"`
	Released      decimal.Decimal `json:"released"`
	Refunded      decimal.Decimal `json:"refunded"`
	Fees          decimal.Decimal `json:"fees"`
	InsurancePaid decimal.Decimal `json:"insurancePaid"`
	Available     decimal.Decimal `json:"available"`
}

// Fold replays transactions and returns the derived balance. Only completed
// transactions count; insurance claims are paid from an external pool and
// never touch the available amount.
func Fold(txs []*Transaction) Balance {
	var b Balance
	for _, tx := range txs {
		if tx == nil || tx.Status != TxCompleted {
			continue
		}
		switch tx.Type {
		case TxDeposit:
			b.Deposited = b.Deposited.Add(tx.Amount)
		case TxRelease:
			b.Released = b.Released.Add(tx.Amount)
		case TxRefund:
			b.Refunded = b.Refunded.Add(tx.Amount)
		case TxFee:
			b.Fees = b.Fees.Add(tx.Amount)
		case TxInsuranceClaim:
			b.InsurancePaid = b.InsurancePaid.Add(tx.Amount)
		}
	}
	b.Deposited = money.Round(b.Deposited)
	b.Released = money.Round(b.Released)
	b.Refunded = money.Round(b.Refunded)
	b.Fees = money.Round(b.Fees)
	b.InsurancePaid = money.Round(b.InsurancePaid)
	b.Available = money.Round(b.Deposited.Sub(b.Released).Sub(b.Refunded).Sub(b.Fees))
	return b
}

// Apply returns the available amount after a single transaction completes.
func Apply(available decimal.Decimal, tx *Transaction) decimal.Decimal {
	switch tx.Type {
	case TxDeposit:
		return money.Round(available.Add(tx.Amount))
	case TxRelease, TxRefund, TxFee:
		return money.Round(available.Sub(tx.Amount))
	}
	return available
}

// ReconciliationResult holds the outcome of replaying transactions against
// the persisted available amount.
type ReconciliationResult struct {
	AccountID string          `json:"accountId"`
	Match     bool            `json:"match"`
	Stored    decimal.Decimal `json:"stored"`
	Replayed  decimal.Decimal `json:"replayed"`
	Balance   Balance         `json:"balance"`
}

// Reconcile compares a stored available amount against the fold of txs.
// Amounts must match exactly: the fold is the source of truth.
func Reconcile(accountID string, stored decimal.Decimal, txs []*Transaction) *ReconciliationResult {
	b := Fold(txs)
	return &ReconciliationResult{
		AccountID: accountID,
		Match:     b.Available.Equal(money.Round(stored)),
		Stored:    money.Round(stored),
		Replayed:  b.Available,
		Balance:   b,
	}
}
