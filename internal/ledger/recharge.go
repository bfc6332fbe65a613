package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mediaforge/backend/internal/errs"
)

// OrderStatus is the recharge order lifecycle state. Terminal states are
// absorbing.
type OrderStatus string

const (
	OrderPending    OrderStatus = "pending"
	OrderProcessing OrderStatus = "processing"
	OrderSuccess    OrderStatus = "success"
	OrderFailed     OrderStatus = "failed"
	OrderClosed     OrderStatus = "closed"
)

// RechargeOrder tracks one external payment. OutTradeNo is the merchant-side
// idempotency key; combined with the in-transaction status check it makes
// the provider callback exactly-once on the ledger.
type RechargeOrder struct {
	ID                    int64       `json:"id"`
	AccountID             int64       `json:"account_id"`
	Amount                int64       `json:"amount"`
	Provider              string      `json:"provider"`
	OutTradeNo            string      `json:"out_trade_no"`
	ExternalTransactionID string      `json:"external_transaction_id,omitempty"`
	Status                OrderStatus `json:"status"`
	TransactionID         *int64      `json:"transaction_id,omitempty"`
	ExpireTime            time.Time   `json:"expire_time"`
	PaidAt                *time.Time  `json:"paid_at,omitempty"`
	CreatedAt             time.Time   `json:"created_at"`
}

// CreateRechargeOrder opens a pending order for an external payment.
func (l *Ledger) CreateRechargeOrder(ctx context.Context, accountID, amount int64, provider string, expiry time.Duration) (*RechargeOrder, error) {
	if amount <= 0 {
		return nil, errs.Invalidf("recharge amount %d must be positive", amount)
	}
	o := &RechargeOrder{
		AccountID:  accountID,
		Amount:     amount,
		Provider:   provider,
		OutTradeNo: uuid.NewString(),
		Status:     OrderPending,
	}
	err := l.db.QueryRowContext(ctx,
		`INSERT INTO recharge_orders (account_id, amount, provider, out_trade_no, status, expire_time)
		 VALUES ($1, $2, $3, $4, 'pending', now() + $5 * interval '1 second')
		 RETURNING id, expire_time, created_at`,
		accountID, amount, provider, o.OutTradeNo, int64(expiry.Seconds()),
	).Scan(&o.ID, &o.ExpireTime, &o.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("create recharge order: %w", err)
	}
	return o, nil
}

// GetRechargeOrder loads an order by its merchant trade number.
func (l *Ledger) GetRechargeOrder(ctx context.Context, outTradeNo string) (*RechargeOrder, error) {
	o := &RechargeOrder{}
	var extID sql.NullString
	err := l.db.QueryRowContext(ctx,
		`SELECT id, account_id, amount, provider, out_trade_no, external_transaction_id,
		        status, transaction_id, expire_time, paid_at, created_at
		 FROM recharge_orders WHERE out_trade_no = $1`,
		outTradeNo,
	).Scan(&o.ID, &o.AccountID, &o.Amount, &o.Provider, &o.OutTradeNo, &extID,
		&o.Status, &o.TransactionID, &o.ExpireTime, &o.PaidAt, &o.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("recharge order %s: %w", outTradeNo, errs.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get recharge order: %w", err)
	}
	o.ExternalTransactionID = extID.String
	return o, nil
}

// CallbackResult reports what a provider callback did.
type CallbackResult struct {
	Order         *RechargeOrder
	AlreadyPaid   bool
	TransactionID int64
}

// ConfirmRecharge applies a verified provider success callback. It re-locks
// the order row, and only when the locked row is still pending with the
// expected amount does it credit the account and flip the order to success,
// all inside one transaction. A second arrival finds status=success and
// returns AlreadyPaid without writing.
func (l *Ledger) ConfirmRecharge(ctx context.Context, outTradeNo, externalTxID string, paidAmount int64) (*CallbackResult, error) {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	o := &RechargeOrder{}
	err = tx.QueryRowContext(ctx,
		`SELECT id, account_id, amount, provider, status, transaction_id
		 FROM recharge_orders WHERE out_trade_no = $1 FOR UPDATE`,
		outTradeNo,
	).Scan(&o.ID, &o.AccountID, &o.Amount, &o.Provider, &o.Status, &o.TransactionID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("recharge order %s: %w", outTradeNo, errs.ErrNotFound)
	}
	if err != nil {
		return nil, classifyLockErr(err)
	}
	o.OutTradeNo = outTradeNo

	switch o.Status {
	case OrderSuccess:
		// Duplicate callback: acknowledge without writing.
		res := &CallbackResult{Order: o, AlreadyPaid: true}
		if o.TransactionID != nil {
			res.TransactionID = *o.TransactionID
		}
		return res, tx.Commit()
	case OrderPending, OrderProcessing:
		// fall through to confirmation
	default:
		return nil, fmt.Errorf("order %s is %s: %w", outTradeNo, o.Status, errs.ErrConflict)
	}

	if paidAmount != o.Amount {
		return nil, errs.Invalidf("callback amount %d does not match order amount %d", paidAmount, o.Amount)
	}

	txID, after, err := applyInTx(ctx, tx, o.AccountID, o.Amount, CategoryRecharge,
		Refs{RechargeOrderID: &o.ID, PaymentMethod: o.Provider},
		map[string]interface{}{"out_trade_no": outTradeNo, "external_transaction_id": externalTxID},
		false,
	)
	if err != nil {
		return nil, err
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE recharge_orders
		 SET status = 'success', transaction_id = $1, external_transaction_id = $2, paid_at = now()
		 WHERE id = $3`,
		txID, externalTxID, o.ID,
	); err != nil {
		return nil, fmt.Errorf("mark order success: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}

	o.Status = OrderSuccess
	o.TransactionID = &txID
	l.observe("credit", CategoryRecharge, o.Amount)
	l.mirrorBalance(ctx, o.AccountID, after)
	l.log.Info("recharge confirmed", "out_trade_no", outTradeNo, "account_id", o.AccountID, "amount", o.Amount)
	return &CallbackResult{Order: o, TransactionID: txID}, nil
}

// CloseRechargeOrder closes a pending order on user cancel. Idempotent for
// already-closed orders.
func (l *Ledger) CloseRechargeOrder(ctx context.Context, outTradeNo string) error {
	res, err := l.db.ExecContext(ctx,
		`UPDATE recharge_orders SET status = 'closed'
		 WHERE out_trade_no = $1 AND status IN ('pending', 'closed')`,
		outTradeNo,
	)
	if err != nil {
		return fmt.Errorf("close order: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("order %s not closable: %w", outTradeNo, errs.ErrConflict)
	}
	return nil
}

// CloseExpiredOrders ages out pending orders past their expire time.
// Called from the scheduler sweep.
func (l *Ledger) CloseExpiredOrders(ctx context.Context) (int64, error) {
	res, err := l.db.ExecContext(ctx,
		`UPDATE recharge_orders SET status = 'closed'
		 WHERE status = 'pending' AND expire_time <= now()`,
	)
	if err != nil {
		return 0, fmt.Errorf("close expired orders: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		l.log.Info("closed expired recharge orders", "count", n)
	}
	return n, nil
}
