// Package ledger is the transactional balance engine. Every minor currency
// unit that moves through the system flows through this package.
//
// Postgres is the source of truth: each mutation runs in a single database
// transaction that row-locks the account, appends an immutable transaction
// row and updates the mutable balance. Redis, when configured, mirrors
// committed balances as a read cache; it is never consulted for the debit
// precondition check.
//
// Concurrency: per-account mutations serialize on the account row lock.
// There is no cross-account locking, so global throughput scales with the
// number of distinct accounts.
package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/mediaforge/backend/internal/errs"
	"github.com/mediaforge/backend/internal/monitoring"
)

// Category classifies a ledger transaction.
type Category string

const (
	CategoryTaskCharge     Category = "task_charge"
	CategoryTaskRefund     Category = "task_refund"
	CategoryRecharge       Category = "recharge"
	CategoryAnalysisCharge Category = "analysis_charge"
)

// Account is one user's prepaid balance. Balance is in minor currency units
// and never goes below zero.
type Account struct {
	ID        int64     `json:"id"`
	UserID    string    `json:"user_id"`
	Balance   int64     `json:"balance"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Transaction is an immutable ledger entry. Amount is signed: positive for
// credits, negative for debits. BalanceAfter = BalanceBefore + Amount.
type Transaction struct {
	ID              int64                  `json:"id"`
	AccountID       int64                  `json:"account_id"`
	Category        Category               `json:"category"`
	Amount          int64                  `json:"amount"`
	BalanceBefore   int64                  `json:"balance_before"`
	BalanceAfter    int64                  `json:"balance_after"`
	TaskID          *int64                 `json:"task_id,omitempty"`
	RechargeOrderID *int64                 `json:"recharge_order_id,omitempty"`
	PaymentMethod   string                 `json:"payment_method,omitempty"`
	Metadata        map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt       time.Time              `json:"created_at"`
}

// Refs carries the optional foreign references recorded on a transaction.
type Refs struct {
	TaskID          *int64
	RechargeOrderID *int64
	PaymentMethod   string
}

// Ledger performs atomic balance mutations against Postgres.
type Ledger struct {
	db      *sql.DB
	cache   *redis.Client // optional balance mirror, may be nil
	metrics *monitoring.Metrics
	log     *slog.Logger
}

// New creates a Ledger. cache and metrics may be nil.
func New(db *sql.DB, cache *redis.Client, metrics *monitoring.Metrics) *Ledger {
	return &Ledger{
		db:      db,
		cache:   cache,
		metrics: metrics,
		log:     slog.With("component", "ledger"),
	}
}

// CreateAccount inserts a zero-balance account for a user.
func (l *Ledger) CreateAccount(ctx context.Context, userID string) (*Account, error) {
	a := &Account{UserID: userID}
	err := l.db.QueryRowContext(ctx,
		`INSERT INTO accounts (user_id, balance) VALUES ($1, 0)
		 RETURNING id, balance, created_at, updated_at`,
		userID,
	).Scan(&a.ID, &a.Balance, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("create account: %w", err)
	}
	return a, nil
}

// GetAccount loads an account by id from Postgres.
func (l *Ledger) GetAccount(ctx context.Context, accountID int64) (*Account, error) {
	a := &Account{}
	err := l.db.QueryRowContext(ctx,
		`SELECT id, user_id, balance, created_at, updated_at FROM accounts WHERE id = $1`,
		accountID,
	).Scan(&a.ID, &a.UserID, &a.Balance, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("account %d: %w", accountID, errs.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get account: %w", err)
	}
	return a, nil
}

// Balance returns the account balance, preferring the Redis mirror and
// falling back to Postgres. Display use only; the debit check always runs
// inside SQL.
func (l *Ledger) Balance(ctx context.Context, accountID int64) (int64, error) {
	if l.cache != nil {
		if v, err := l.cache.Get(ctx, balanceKey(accountID)).Result(); err == nil {
			if n, perr := strconv.ParseInt(v, 10, 64); perr == nil {
				return n, nil
			}
		}
	}
	a, err := l.GetAccount(ctx, accountID)
	if err != nil {
		return 0, err
	}
	return a.Balance, nil
}

// Debit atomically removes amount from the account. Fails with
// ErrInsufficientBalance when the locked balance is below amount.
func (l *Ledger) Debit(ctx context.Context, accountID, amount int64, category Category, refs Refs, meta map[string]interface{}) (int64, error) {
	if amount <= 0 {
		return 0, errs.Invalidf("debit amount %d must be positive", amount)
	}
	txID, after, err := l.apply(ctx, accountID, -amount, category, refs, meta, true)
	if err != nil {
		return 0, err
	}
	l.observe("debit", category, amount)
	l.mirrorBalance(ctx, accountID, after)
	return txID, nil
}

// Credit atomically adds amount to the account. No balance precondition.
func (l *Ledger) Credit(ctx context.Context, accountID, amount int64, category Category, refs Refs, meta map[string]interface{}) (int64, error) {
	if amount <= 0 {
		return 0, errs.Invalidf("credit amount %d must be positive", amount)
	}
	txID, after, err := l.apply(ctx, accountID, amount, category, refs, meta, false)
	if err != nil {
		return 0, err
	}
	l.observe("credit", category, amount)
	l.mirrorBalance(ctx, accountID, after)
	return txID, nil
}

// ListTransactions returns a page of ledger entries for an account, newest
// first.
func (l *Ledger) ListTransactions(ctx context.Context, accountID int64, limit int) ([]*Transaction, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := l.db.QueryContext(ctx,
		`SELECT id, account_id, category, amount, balance_before, balance_after,
		        task_id, recharge_order_id, payment_method, metadata, created_at
		 FROM transactions WHERE account_id = $1 ORDER BY id DESC LIMIT $2`,
		accountID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	defer rows.Close()

	var out []*Transaction
	for rows.Next() {
		t := &Transaction{}
		var method sql.NullString
		var metaRaw []byte
		if err := rows.Scan(&t.ID, &t.AccountID, &t.Category, &t.Amount,
			&t.BalanceBefore, &t.BalanceAfter, &t.TaskID, &t.RechargeOrderID,
			&method, &metaRaw, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		t.PaymentMethod = method.String
		if len(metaRaw) > 0 {
			_ = json.Unmarshal(metaRaw, &t.Metadata)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// apply runs one balance mutation in a single transaction under the account
// row lock. Returns the transaction id and the balance after commit.
func (l *Ledger) apply(ctx context.Context, accountID, amount int64, category Category, refs Refs, meta map[string]interface{}, checkBalance bool) (int64, int64, error) {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, 0, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	txID, after, err := applyInTx(ctx, tx, accountID, amount, category, refs, meta, checkBalance)
	if err != nil {
		return 0, 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, 0, fmt.Errorf("commit: %w", err)
	}
	return txID, after, nil
}

// applyInTx is the mutation body, shared with the recharge callback which
// runs it inside its own order-locking transaction.
func applyInTx(ctx context.Context, tx *sql.Tx, accountID, amount int64, category Category, refs Refs, meta map[string]interface{}, checkBalance bool) (int64, int64, error) {
	var before int64
	err := tx.QueryRowContext(ctx,
		`SELECT balance FROM accounts WHERE id = $1 FOR UPDATE`,
		accountID,
	).Scan(&before)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, 0, fmt.Errorf("account %d: %w", accountID, errs.ErrNotFound)
	}
	if err != nil {
		return 0, 0, classifyLockErr(err)
	}

	after := before + amount
	if checkBalance && after < 0 {
		return 0, 0, fmt.Errorf("balance %d, need %d: %w", before, -amount, errs.ErrInsufficientBalance)
	}

	metaRaw, err := json.Marshal(meta)
	if err != nil {
		return 0, 0, fmt.Errorf("marshal metadata: %w", err)
	}
	var method sql.NullString
	if refs.PaymentMethod != "" {
		method = sql.NullString{String: refs.PaymentMethod, Valid: true}
	}

	var txID int64
	err = tx.QueryRowContext(ctx,
		`INSERT INTO transactions
		   (account_id, category, amount, balance_before, balance_after,
		    task_id, recharge_order_id, payment_method, metadata)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 RETURNING id`,
		accountID, string(category), amount, before, after,
		refs.TaskID, refs.RechargeOrderID, method, metaRaw,
	).Scan(&txID)
	if err != nil {
		return 0, 0, fmt.Errorf("insert transaction: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE accounts SET balance = $1, updated_at = now() WHERE id = $2`,
		after, accountID,
	); err != nil {
		return 0, 0, fmt.Errorf("update balance: %w", err)
	}

	return txID, after, nil
}

func (l *Ledger) observe(op string, category Category, amount int64) {
	if l.metrics == nil {
		return
	}
	l.metrics.LedgerOps.WithLabelValues(op, string(category)).Inc()
	l.metrics.LedgerAmount.WithLabelValues(op, string(category)).Add(float64(amount))
}

// mirrorBalance pushes the committed balance into Redis. Best effort only.
func (l *Ledger) mirrorBalance(ctx context.Context, accountID, balance int64) {
	if l.cache == nil {
		return
	}
	if err := l.cache.Set(ctx, balanceKey(accountID), strconv.FormatInt(balance, 10), time.Hour).Err(); err != nil {
		l.log.Warn("balance cache write failed", "account_id", accountID, "error", err)
	}
}

func balanceKey(accountID int64) string {
	return fmt.Sprintf("balance:%d", accountID)
}

// classifyLockErr maps Postgres lock timeouts to ErrTransactionBusy so the
// caller can retry.
func classifyLockErr(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "55P03" {
		return fmt.Errorf("account row locked: %w", errs.ErrTransactionBusy)
	}
	return fmt.Errorf("lock account: %w", err)
}
