package ledger

import (
	"context"
	"database/sql"
)

// PendingEntry describes a ledger mutation posted inside a caller-owned
// transaction. Metrics and the Redis balance mirror must not move until the
// caller commits; hand the entry to Committed once it has.
type PendingEntry struct {
	TransactionID int64
	AccountID     int64
	Op            string // debit | credit
	Category      Category
	Amount        int64
	BalanceAfter  int64
}

// ChargeTaskTx posts the pre-charge for a new task inside the caller's
// transaction, so the task row insert and its charge commit or roll back
// together.
func (l *Ledger) ChargeTaskTx(ctx context.Context, tx *sql.Tx, accountID, taskID, amount int64) (*PendingEntry, error) {
	txID, after, err := applyInTx(ctx, tx, accountID, -amount, CategoryTaskCharge,
		Refs{TaskID: &taskID},
		map[string]interface{}{"pre_charge": true},
		true,
	)
	if err != nil {
		return nil, err
	}
	return &PendingEntry{
		TransactionID: txID,
		AccountID:     accountID,
		Op:            "debit",
		Category:      CategoryTaskCharge,
		Amount:        amount,
		BalanceAfter:  after,
	}, nil
}

// RefundTaskTx returns the full pre-charge inside the caller's transaction
// when a task fails, times out or is cancelled, so the terminal status and
// the refund land atomically. A zero amount returns a nil entry.
func (l *Ledger) RefundTaskTx(ctx context.Context, tx *sql.Tx, accountID, taskID, amount int64, reason string) (*PendingEntry, error) {
	if amount == 0 {
		return nil, nil
	}
	txID, after, err := applyInTx(ctx, tx, accountID, amount, CategoryTaskRefund,
		Refs{TaskID: &taskID},
		map[string]interface{}{"reason": reason},
		false,
	)
	if err != nil {
		return nil, err
	}
	return &PendingEntry{
		TransactionID: txID,
		AccountID:     accountID,
		Op:            "credit",
		Category:      CategoryTaskRefund,
		Amount:        amount,
		BalanceAfter:  after,
	}, nil
}

// SettleTaskTx reconciles a task's pre-charge against its actual cost inside
// the caller's transaction: an extra charge when actual exceeds the estimate,
// a refund when it falls short and a nil entry when they match.
func (l *Ledger) SettleTaskTx(ctx context.Context, tx *sql.Tx, accountID, taskID, expected, actual int64) (*PendingEntry, error) {
	refs := Refs{TaskID: &taskID}
	meta := map[string]interface{}{"expected": expected, "actual": actual}
	switch {
	case actual > expected:
		txID, after, err := applyInTx(ctx, tx, accountID, expected-actual, CategoryTaskCharge, refs, meta, true)
		if err != nil {
			return nil, err
		}
		return &PendingEntry{
			TransactionID: txID,
			AccountID:     accountID,
			Op:            "debit",
			Category:      CategoryTaskCharge,
			Amount:        actual - expected,
			BalanceAfter:  after,
		}, nil
	case actual < expected:
		txID, after, err := applyInTx(ctx, tx, accountID, expected-actual, CategoryTaskRefund, refs, meta, false)
		if err != nil {
			return nil, err
		}
		return &PendingEntry{
			TransactionID: txID,
			AccountID:     accountID,
			Op:            "credit",
			Category:      CategoryTaskRefund,
			Amount:        expected - actual,
			BalanceAfter:  after,
		}, nil
	default:
		return nil, nil
	}
}

// Committed records metrics and refreshes the balance mirror for an entry
// whose enclosing transaction has committed. A nil entry is a no-op.
func (l *Ledger) Committed(ctx context.Context, e *PendingEntry) {
	if e == nil {
		return
	}
	l.observe(e.Op, e.Category, e.Amount)
	l.mirrorBalance(ctx, e.AccountID, e.BalanceAfter)
}
