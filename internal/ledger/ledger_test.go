package ledger

import (
	"context"
	"database/sql"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mediaforge/backend/internal/errs"
)

func newTestLedger(t *testing.T) (*Ledger, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return New(db, nil, nil), mock
}

func expectApply(mock sqlmock.Sqlmock, before, amount, txID int64) {
	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT balance FROM accounts WHERE id = \$1 FOR UPDATE`).
		WithArgs(int64(7)).
		WillReturnRows(sqlmock.NewRows([]string{"balance"}).AddRow(before))
	mock.ExpectQuery(`INSERT INTO transactions`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(txID))
	mock.ExpectExec(`UPDATE accounts SET balance = \$1`).
		WithArgs(before+amount, int64(7)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
}

func TestDebit(t *testing.T) {
	l, mock := newTestLedger(t)
	expectApply(mock, 500, -120, 42)

	txID, err := l.Debit(context.Background(), 7, 120, CategoryTaskCharge, Refs{}, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(42), txID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDebitInsufficientBalance(t *testing.T) {
	l, mock := newTestLedger(t)
	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT balance FROM accounts WHERE id = \$1 FOR UPDATE`).
		WithArgs(int64(7)).
		WillReturnRows(sqlmock.NewRows([]string{"balance"}).AddRow(100))
	mock.ExpectRollback()

	_, err := l.Debit(context.Background(), 7, 200, CategoryTaskCharge, Refs{}, nil)
	assert.ErrorIs(t, err, errs.ErrInsufficientBalance)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDebitRejectsNonPositiveAmount(t *testing.T) {
	l, _ := newTestLedger(t)
	_, err := l.Debit(context.Background(), 7, 0, CategoryTaskCharge, Refs{}, nil)
	assert.ErrorIs(t, err, errs.ErrInvalidInput)
}

func TestDebitLockTimeoutIsBusy(t *testing.T) {
	l, mock := newTestLedger(t)
	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT balance FROM accounts WHERE id = \$1 FOR UPDATE`).
		WithArgs(int64(7)).
		WillReturnError(&pq.Error{Code: "55P03"})
	mock.ExpectRollback()

	_, err := l.Debit(context.Background(), 7, 50, CategoryTaskCharge, Refs{}, nil)
	assert.ErrorIs(t, err, errs.ErrTransactionBusy)
	assert.True(t, errs.IsRetryable(err))
}

func TestCredit(t *testing.T) {
	l, mock := newTestLedger(t)
	expectApply(mock, 0, 1000, 9)

	txID, err := l.Credit(context.Background(), 7, 1000, CategoryRecharge, Refs{PaymentMethod: "stripe"}, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(9), txID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// expectApplyInTx is expectApply without the Begin/Commit pair, for the *Tx
// entry points that run inside a caller-owned transaction.
func expectApplyInTx(mock sqlmock.Sqlmock, before, amount, txID int64) {
	mock.ExpectQuery(`SELECT balance FROM accounts WHERE id = \$1 FOR UPDATE`).
		WithArgs(int64(7)).
		WillReturnRows(sqlmock.NewRows([]string{"balance"}).AddRow(before))
	mock.ExpectQuery(`INSERT INTO transactions`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(txID))
	mock.ExpectExec(`UPDATE accounts SET balance = \$1`).
		WithArgs(before+amount, int64(7)).
		WillReturnResult(sqlmock.NewResult(0, 1))
}

func beginTx(t *testing.T, l *Ledger, mock sqlmock.Sqlmock) *sql.Tx {
	t.Helper()
	mock.ExpectBegin()
	tx, err := l.db.BeginTx(context.Background(), nil)
	require.NoError(t, err)
	return tx
}

func TestSettleTaskTxRefundsOverEstimate(t *testing.T) {
	l, mock := newTestLedger(t)
	tx := beginTx(t, l, mock)
	// expected 120, actual 90: credit the 30 difference
	expectApplyInTx(mock, 380, 30, 11)
	mock.ExpectCommit()

	entry, err := l.SettleTaskTx(context.Background(), tx, 7, 3, 120, 90)
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, "credit", entry.Op)
	assert.Equal(t, int64(30), entry.Amount)
	assert.Equal(t, int64(410), entry.BalanceAfter)
	require.NoError(t, tx.Commit())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSettleTaskTxChargesUnderEstimate(t *testing.T) {
	l, mock := newTestLedger(t)
	tx := beginTx(t, l, mock)
	// expected 120, actual 150: debit the 30 difference
	expectApplyInTx(mock, 380, -30, 12)
	mock.ExpectCommit()

	entry, err := l.SettleTaskTx(context.Background(), tx, 7, 3, 120, 150)
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, "debit", entry.Op)
	assert.Equal(t, int64(30), entry.Amount)
	require.NoError(t, tx.Commit())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSettleTaskTxExactIsNoOp(t *testing.T) {
	l, mock := newTestLedger(t)
	tx := beginTx(t, l, mock)
	mock.ExpectRollback()

	entry, err := l.SettleTaskTx(context.Background(), tx, 7, 3, 120, 120)
	require.NoError(t, err)
	assert.Nil(t, entry)
	require.NoError(t, tx.Rollback())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestChargeTaskTxDefersSideEffects(t *testing.T) {
	l, mock := newTestLedger(t)
	tx := beginTx(t, l, mock)
	expectApplyInTx(mock, 500, -120, 42)
	mock.ExpectRollback()

	// A charge in a transaction that never commits must leave no trace
	// outside the database; the entry only carries what Committed needs.
	entry, err := l.ChargeTaskTx(context.Background(), tx, 7, 3, 120)
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, int64(42), entry.TransactionID)
	assert.Equal(t, "debit", entry.Op)
	assert.Equal(t, int64(380), entry.BalanceAfter)
	require.NoError(t, tx.Rollback())
	assert.NoError(t, mock.ExpectationsWereMet())

	// Committed tolerates the nil entry a no-op settlement returns.
	l.Committed(context.Background(), nil)
}

func TestRefundTaskTxZeroAmountIsNoOp(t *testing.T) {
	l, mock := newTestLedger(t)
	tx := beginTx(t, l, mock)
	mock.ExpectRollback()

	entry, err := l.RefundTaskTx(context.Background(), tx, 7, 3, 0, "cancelled")
	require.NoError(t, err)
	assert.Nil(t, entry)
	require.NoError(t, tx.Rollback())
}

func TestConfirmRechargeDuplicateIsAcknowledged(t *testing.T) {
	l, mock := newTestLedger(t)
	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT id, account_id, amount, provider, status, transaction_id`).
		WithArgs("trade-1").
		WillReturnRows(sqlmock.NewRows(
			[]string{"id", "account_id", "amount", "provider", "status", "transaction_id"}).
			AddRow(1, 7, 1000, "stripe", "success", 42))
	mock.ExpectCommit()

	res, err := l.ConfirmRecharge(context.Background(), "trade-1", "pi_123", 1000)
	require.NoError(t, err)
	assert.True(t, res.AlreadyPaid)
	assert.Equal(t, int64(42), res.TransactionID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestConfirmRechargeAmountMismatch(t *testing.T) {
	l, mock := newTestLedger(t)
	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT id, account_id, amount, provider, status, transaction_id`).
		WithArgs("trade-1").
		WillReturnRows(sqlmock.NewRows(
			[]string{"id", "account_id", "amount", "provider", "status", "transaction_id"}).
			AddRow(1, 7, 1000, "stripe", "pending", nil))
	mock.ExpectRollback()

	_, err := l.ConfirmRecharge(context.Background(), "trade-1", "pi_123", 900)
	assert.ErrorIs(t, err, errs.ErrInvalidInput)
}

func TestCloseExpiredOrders(t *testing.T) {
	l, mock := newTestLedger(t)
	mock.ExpectExec(`UPDATE recharge_orders SET status = 'closed'`).
		WillReturnResult(sqlmock.NewResult(0, 3))

	n, err := l.CloseExpiredOrders(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
}
