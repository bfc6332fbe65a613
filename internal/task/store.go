package task

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mediaforge/backend/internal/errs"
)

// ChargeFunc posts the pre-charge inside the creation transaction. tx is nil
// only in test fakes.
type ChargeFunc func(ctx context.Context, tx *sql.Tx, taskID int64) error

// BillFunc posts the settlement or refund inside a terminal transition's
// transaction. tx is nil only in test fakes.
type BillFunc func(ctx context.Context, tx *sql.Tx) error

// Filter narrows List results.
type Filter struct {
	Status Status
	Type   Type
	Limit  int
}

// Store is the persistence contract the engine drives. The Postgres
// implementation is below; tests substitute an in-memory fake.
type Store interface {
	NextID(ctx context.Context) (int64, error)
	Create(ctx context.Context, t *Task, charge ChargeFunc) error
	Get(ctx context.Context, id int64) (*Task, error)
	List(ctx context.Context, accountID int64, f Filter) ([]*Task, error)
	Update(ctx context.Context, t *Task) error
	// Transition writes a terminal status, its output resources and the
	// closing ledger entry in one transaction. ErrConflict when the row
	// already left pending/processing.
	Transition(ctx context.Context, t *Task, res []*Resource, bill BillFunc) error

	// ClaimSubmittable leases pending tasks whose retry gate has passed.
	ClaimSubmittable(ctx context.Context, batch int, lease time.Duration) ([]*Task, error)
	// ClaimPollable leases processing tasks whose poll gate has passed.
	ClaimPollable(ctx context.Context, batch int, lease time.Duration) ([]*Task, error)
	// ClaimTimedOut leases processing tasks past their wall-clock budget.
	ClaimTimedOut(ctx context.Context, asyncBudget, syncBudget time.Duration, batch int, lease time.Duration) ([]*Task, error)
}

// PostgresStore implements Store over database/sql. Claims use
// FOR UPDATE SKIP LOCKED so parallel reconcilers partition the set without
// contention; a lease column keeps a crashed worker's rows invisible only
// until the lease expires.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const taskColumns = `id, account_id, type, status, config, external_task_id,
	estimated_usage, actual_usage, estimated_cost, actual_cost, retry_count,
	next_attempt_at, error_message, started_at, completed_at, created_at, updated_at`

func (s *PostgresStore) NextID(ctx context.Context) (int64, error) {
	var id int64
	if err := s.db.QueryRowContext(ctx, `SELECT nextval('tasks_id_seq')`).Scan(&id); err != nil {
		return 0, fmt.Errorf("next task id: %w", err)
	}
	return id, nil
}

func (s *PostgresStore) Create(ctx context.Context, t *Task, charge ChargeFunc) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	err = tx.QueryRowContext(ctx,
		`INSERT INTO tasks (id, account_id, type, status, config, estimated_usage, estimated_cost)
		 VALUES ($1, $2, $3, 'pending', $4, $5, $6)
		 RETURNING created_at, updated_at`,
		t.ID, t.AccountID, string(t.Type), []byte(t.Config), t.EstimatedUsage, t.EstimatedCost,
	).Scan(&t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	t.Status = StatusPending

	if err := insertResourcesTx(ctx, tx, t.ID, t.Resources); err != nil {
		return err
	}

	if err := charge(ctx, tx, t.ID); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id int64) (*Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("task %d: %w", id, errs.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	if t.Resources, err = s.resources(ctx, id); err != nil {
		return nil, err
	}
	return t, nil
}

func (s *PostgresStore) List(ctx context.Context, accountID int64, f Filter) ([]*Task, error) {
	limit := f.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE account_id = $1`
	args := []interface{}{accountID}
	if f.Status != "" {
		args = append(args, string(f.Status))
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	if f.Type != "" {
		args = append(args, string(f.Type))
		query += fmt.Sprintf(" AND type = $%d", len(args))
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY id DESC LIMIT $%d", len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

// Update persists the mutable fields and releases any claim lease. Every
// caller moves a task out of a live state, so the write is guarded on
// pending/processing; zero rows affected means the row was concurrently
// moved (or never existed) and surfaces as ErrConflict.
func (s *PostgresStore) Update(ctx context.Context, t *Task) error {
	return updateLiveTx(ctx, s.db, t)
}

// Transition writes a terminal status, inserts any delivered resources and
// runs the closing ledger entry in one transaction, so a crash can neither
// double-bill nor strand a refund.
func (s *PostgresStore) Transition(ctx context.Context, t *Task, res []*Resource, bill BillFunc) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if err := updateLiveTx(ctx, tx, t); err != nil {
		return err
	}
	if err := insertResourcesTx(ctx, tx, t.ID, res); err != nil {
		return err
	}
	if bill != nil {
		if err := bill(ctx, tx); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

func updateLiveTx(ctx context.Context, ex execer, t *Task) error {
	var actualUsage sql.NullFloat64
	if t.ActualUsage != nil {
		actualUsage = sql.NullFloat64{Float64: *t.ActualUsage, Valid: true}
	}
	var actualCost sql.NullInt64
	if t.ActualCost != nil {
		actualCost = sql.NullInt64{Int64: *t.ActualCost, Valid: true}
	}
	res, err := ex.ExecContext(ctx,
		`UPDATE tasks SET
		   status = $1, external_task_id = $2, actual_usage = $3, actual_cost = $4,
		   retry_count = $5, next_attempt_at = $6, error_message = $7,
		   started_at = $8, completed_at = $9, claimed_until = NULL, updated_at = now()
		 WHERE id = $10 AND status IN ('pending', 'processing')`,
		string(t.Status), nullStr(t.ExternalTaskID), actualUsage, actualCost,
		t.RetryCount, t.NextAttemptAt, nullStr(t.ErrorMessage),
		t.StartedAt, t.CompletedAt, t.ID,
	)
	if err != nil {
		return fmt.Errorf("update task %d: %w", t.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("task %d is no longer pending/processing: %w", t.ID, errs.ErrConflict)
	}
	return nil
}

func (s *PostgresStore) ClaimSubmittable(ctx context.Context, batch int, lease time.Duration) ([]*Task, error) {
	return s.claim(ctx, batch, lease,
		`status = 'pending' AND (next_attempt_at IS NULL OR next_attempt_at <= now())`)
}

func (s *PostgresStore) ClaimPollable(ctx context.Context, batch int, lease time.Duration) ([]*Task, error) {
	return s.claim(ctx, batch, lease,
		`status = 'processing' AND (next_attempt_at IS NULL OR next_attempt_at <= now())`)
}

func (s *PostgresStore) ClaimTimedOut(ctx context.Context, asyncBudget, syncBudget time.Duration, batch int, lease time.Duration) ([]*Task, error) {
	cond := fmt.Sprintf(
		`status = 'processing' AND started_at IS NOT NULL AND (
		   (type = 'audio_tts' AND started_at <= now() - interval '%d seconds') OR
		   (type <> 'audio_tts' AND started_at <= now() - interval '%d seconds'))`,
		int(syncBudget.Seconds()), int(asyncBudget.Seconds()))
	return s.claim(ctx, batch, lease, cond)
}

func (s *PostgresStore) claim(ctx context.Context, batch int, lease time.Duration, cond string) ([]*Task, error) {
	query := fmt.Sprintf(
		`UPDATE tasks SET claimed_until = now() + $1 * interval '1 second'
		 WHERE id IN (
		   SELECT id FROM tasks
		   WHERE %s AND (claimed_until IS NULL OR claimed_until <= now())
		   ORDER BY id
		   LIMIT $2
		   FOR UPDATE SKIP LOCKED)
		 RETURNING `+taskColumns, cond)
	rows, err := s.db.QueryContext(ctx, query, int64(lease.Seconds()), batch)
	if err != nil {
		return nil, fmt.Errorf("claim tasks: %w", err)
	}
	defer rows.Close()
	tasks, err := scanTasks(rows)
	if err != nil {
		return nil, err
	}
	for _, t := range tasks {
		if t.Resources, err = s.resources(ctx, t.ID); err != nil {
			return nil, err
		}
	}
	return tasks, nil
}

func (s *PostgresStore) resources(ctx context.Context, taskID int64) ([]*Resource, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, task_id, type, url, key, is_input, metadata
		 FROM task_resources WHERE task_id = $1 ORDER BY id`,
		taskID,
	)
	if err != nil {
		return nil, fmt.Errorf("list resources: %w", err)
	}
	defer rows.Close()

	var out []*Resource
	for rows.Next() {
		r := &Resource{}
		var key sql.NullString
		var metaRaw []byte
		if err := rows.Scan(&r.ID, &r.TaskID, &r.Type, &r.URL, &key, &r.IsInput, &metaRaw); err != nil {
			return nil, fmt.Errorf("scan resource: %w", err)
		}
		r.Key = key.String
		if len(metaRaw) > 0 {
			_ = json.Unmarshal(metaRaw, &r.Metadata)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func insertResourcesTx(ctx context.Context, tx *sql.Tx, taskID int64, res []*Resource) error {
	for _, r := range res {
		metaRaw, err := json.Marshal(r.Metadata)
		if err != nil {
			return fmt.Errorf("marshal resource metadata: %w", err)
		}
		err = tx.QueryRowContext(ctx,
			`INSERT INTO task_resources (task_id, type, url, key, is_input, metadata)
			 VALUES ($1, $2, $3, $4, $5, $6) RETURNING id`,
			taskID, r.Type, r.URL, nullStr(r.Key), r.IsInput, metaRaw,
		).Scan(&r.ID)
		if err != nil {
			return fmt.Errorf("insert resource: %w", err)
		}
		r.TaskID = taskID
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTask(row rowScanner) (*Task, error) {
	t := &Task{}
	var configRaw []byte
	var externalID, errMsg sql.NullString
	var actualUsage sql.NullFloat64
	var actualCost sql.NullInt64
	err := row.Scan(&t.ID, &t.AccountID, &t.Type, &t.Status, &configRaw, &externalID,
		&t.EstimatedUsage, &actualUsage, &t.EstimatedCost, &actualCost, &t.RetryCount,
		&t.NextAttemptAt, &errMsg, &t.StartedAt, &t.CompletedAt, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	t.Config = json.RawMessage(configRaw)
	t.ExternalTaskID = externalID.String
	t.ErrorMessage = errMsg.String
	if actualUsage.Valid {
		t.ActualUsage = &actualUsage.Float64
	}
	if actualCost.Valid {
		t.ActualCost = &actualCost.Int64
	}
	return t, nil
}

func scanTasks(rows *sql.Rows) ([]*Task, error) {
	var out []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func nullStr(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
