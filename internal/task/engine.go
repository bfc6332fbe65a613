package task

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"time"

	"github.com/mediaforge/backend/internal/config"
	"github.com/mediaforge/backend/internal/errs"
	"github.com/mediaforge/backend/internal/events"
	"github.com/mediaforge/backend/internal/ledger"
	"github.com/mediaforge/backend/internal/monitoring"
	"github.com/mediaforge/backend/internal/pricing"
	"github.com/mediaforge/backend/internal/provider"
	"github.com/mediaforge/backend/internal/storage"
)

// Billing is the slice of the ledger the engine drives. Every transition
// that departs pending/processing leaves the account consistent with
// charges + refunds = actualCost. The *Tx methods run inside the store's
// transaction so a status write and its ledger entry commit together;
// Committed fires the deferred side effects once the store has committed.
type Billing interface {
	ChargeTaskTx(ctx context.Context, tx *sql.Tx, accountID, taskID, amount int64) (*ledger.PendingEntry, error)
	RefundTaskTx(ctx context.Context, tx *sql.Tx, accountID, taskID, amount int64, reason string) (*ledger.PendingEntry, error)
	SettleTaskTx(ctx context.Context, tx *sql.Tx, accountID, taskID, expected, actual int64) (*ledger.PendingEntry, error)
	Committed(ctx context.Context, e *ledger.PendingEntry)
}

// Providers is the slice of the provider registry the engine uses.
type Providers interface {
	Submit(ctx context.Context, taskType string, req provider.SubmitRequest) (*provider.SubmitResult, error)
	Poll(ctx context.Context, taskType, externalID string) (*provider.PollResult, error)
}

// Publisher emits domain events. May be a no-op in tests.
type Publisher interface {
	Publish(ctx context.Context, event *events.Event) error
}

// Engine drives the task state machine:
//
//	pending --submit--> processing --poll(done)--> completed
//	   |cancel             |poll(failed)/timeout
//	cancelled            failed
type Engine struct {
	store    Store
	billing  Billing
	provs    Providers
	objects  storage.ObjectStore
	pricing  *pricing.Table
	bus      Publisher
	metrics  *monitoring.Metrics
	cfg      config.TaskConfig
	log      *slog.Logger
}

// NewEngine wires the task engine. bus and metrics may be nil.
func NewEngine(store Store, billing Billing, provs Providers, objects storage.ObjectStore, table *pricing.Table, bus Publisher, metrics *monitoring.Metrics, cfg config.TaskConfig) *Engine {
	return &Engine{
		store:   store,
		billing: billing,
		provs:   provs,
		objects: objects,
		pricing: table,
		bus:     bus,
		metrics: metrics,
		cfg:     cfg,
		log:     slog.With("component", "task_engine"),
	}
}

// Create validates, copies inputs into place, prices the work and inserts
// the task with its pre-charge in one transaction. Either the task exists
// with its charge recorded, or neither does.
func (e *Engine) Create(ctx context.Context, accountID int64, typ Type, cfg json.RawMessage, inputs []InputSpec, estimatedUsage float64) (*Task, error) {
	if !typ.Valid() {
		return nil, errs.Invalidf("unknown task type %q", typ)
	}
	usage, err := ValidateConfig(typ, cfg)
	if err != nil {
		return nil, err
	}
	if estimatedUsage > 0 {
		usage = estimatedUsage
	}
	cost, err := e.pricing.Cost(string(typ), usage)
	if err != nil {
		return nil, err
	}

	id, err := e.store.NextID(ctx)
	if err != nil {
		return nil, err
	}

	// Stage inputs into the task's input prefix: temp objects are copied,
	// remote URLs are ingested. A failure rolls back every object staged
	// so far.
	var copiedKeys []string
	var resources []*Resource
	for _, in := range inputs {
		key := storage.InputKey(accountID, string(typ), id, in.Filename)
		var url string
		var err error
		if in.TempKey != "" {
			url, err = e.objects.Copy(ctx, in.TempKey, key)
		} else {
			url, err = e.objects.Ingest(ctx, in.URL, key, in.Mime)
		}
		if err != nil {
			e.cleanupKeys(ctx, copiedKeys)
			return nil, fmt.Errorf("stage input %s: %w", in.Filename, err)
		}
		copiedKeys = append(copiedKeys, key)
		resources = append(resources, &Resource{
			Type:    in.Type,
			URL:     url,
			Key:     key,
			IsInput: true,
		})
	}

	t := &Task{
		ID:             id,
		AccountID:      accountID,
		Type:           typ,
		Config:         cfg,
		EstimatedUsage: usage,
		EstimatedCost:  cost,
		Resources:      resources,
	}
	var charged *ledger.PendingEntry
	err = e.store.Create(ctx, t, func(ctx context.Context, tx *sql.Tx, taskID int64) error {
		entry, err := e.billing.ChargeTaskTx(ctx, tx, accountID, taskID, cost)
		charged = entry
		return err
	})
	if err != nil {
		e.cleanupKeys(ctx, copiedKeys)
		return nil, err
	}
	e.billing.Committed(ctx, charged)

	e.transitionMetrics(t)
	e.publish(ctx, t)
	e.log.Info("task created", "task_id", t.ID, "type", t.Type, "estimated_cost", cost)
	return t, nil
}

// Get returns a task with its resources.
func (e *Engine) Get(ctx context.Context, id int64) (*Task, error) {
	return e.store.Get(ctx, id)
}

// List returns an account's tasks, newest first.
func (e *Engine) List(ctx context.Context, accountID int64, f Filter) ([]*Task, error) {
	return e.store.List(ctx, accountID, f)
}

// Submit sends a claimed pending task to its provider. Scheduler-driven.
func (e *Engine) Submit(ctx context.Context, t *Task) error {
	if t.Status != StatusPending {
		return nil
	}

	var cfgMap map[string]interface{}
	if err := json.Unmarshal(t.Config, &cfgMap); err != nil {
		return e.fail(ctx, t, fmt.Errorf("corrupt config: %w", err))
	}
	req := provider.SubmitRequest{
		IdempotencyKey: fmt.Sprintf("task-%d", t.ID),
		Config:         cfgMap,
	}
	for _, r := range t.Resources {
		if r.IsInput {
			req.Inputs = append(req.Inputs, provider.Input{Type: r.Type, URL: r.URL})
		}
	}

	res, err := e.provs.Submit(ctx, string(t.Type), req)
	switch {
	case err == nil:
		// submitted
	case errs.IsRetryable(err):
		t.RetryCount++
		if t.RetryCount > e.cfg.MaxRetries {
			return e.fail(ctx, t, fmt.Errorf("retries exhausted: %w", err))
		}
		next := time.Now().Add(e.cfg.RetryBackoff(t.RetryCount))
		t.NextAttemptAt = &next
		e.log.Warn("submit retry scheduled", "task_id", t.ID, "retry", t.RetryCount, "error", err)
		return e.ignoreLostRace(t, e.store.Update(ctx, t))
	default:
		return e.fail(ctx, t, err)
	}

	now := time.Now()
	t.ExternalTaskID = res.ExternalID
	t.Status = StatusProcessing
	t.StartedAt = &now
	nextPoll := now.Add(time.Duration(e.cfg.AsyncPollIntervalSeconds) * time.Second)
	t.NextAttemptAt = &nextPoll
	if err := e.store.Update(ctx, t); err != nil {
		// A cancel landed while we were talking to the provider; the
		// refund stands and the external job runs unobserved.
		return e.ignoreLostRace(t, err)
	}
	e.transitionMetrics(t)
	e.publish(ctx, t)

	if len(res.SyncOutputs) > 0 {
		return e.complete(ctx, t, res.SyncOutputs, res.Usage)
	}
	return nil
}

// Poll checks a claimed processing task against its provider. It re-reads
// the row first so a user cancellation is visible before any state write.
func (e *Engine) Poll(ctx context.Context, t *Task) error {
	fresh, err := e.store.Get(ctx, t.ID)
	if err != nil {
		return err
	}
	if fresh.Status != StatusProcessing {
		return nil
	}
	t = fresh

	res, err := e.provs.Poll(ctx, string(t.Type), t.ExternalTaskID)
	if err != nil {
		// Poll transport errors never change task state.
		e.log.Warn("poll failed", "task_id", t.ID, "error", err)
		return e.deferPoll(ctx, t)
	}

	switch res.State {
	case provider.StatePending:
		return e.deferPoll(ctx, t)
	case provider.StateFailed:
		if res.Retryable {
			e.log.Warn("provider reported retryable failure", "task_id", t.ID, "message", res.Message)
			return e.deferPoll(ctx, t)
		}
		return e.fail(ctx, t, fmt.Errorf("%s: %w", res.Message, errs.ErrProviderTerminal))
	case provider.StateDone:
		return e.complete(ctx, t, res.Outputs, res.Usage)
	default:
		return fmt.Errorf("unknown poll state %q", res.State)
	}
}

// Cancel stops a pending or processing task and refunds the pre-charge.
// Cancelling an already-cancelled task is an idempotent no-op.
func (e *Engine) Cancel(ctx context.Context, id int64) error {
	t, err := e.store.Get(ctx, id)
	if err != nil {
		return err
	}
	switch t.Status {
	case StatusCancelled:
		return nil
	case StatusPending, StatusProcessing:
		// fall through
	default:
		return fmt.Errorf("task %d is %s: %w", id, t.Status, errs.ErrConflict)
	}

	now := time.Now()
	zero := int64(0)
	t.Status = StatusCancelled
	t.CompletedAt = &now
	t.ActualCost = &zero
	var refunded *ledger.PendingEntry
	err = e.store.Transition(ctx, t, nil, func(ctx context.Context, tx *sql.Tx) error {
		entry, err := e.billing.RefundTaskTx(ctx, tx, t.AccountID, t.ID, t.EstimatedCost, "cancelled")
		refunded = entry
		return err
	})
	if err != nil {
		// ErrConflict: a reconciler finished the task first.
		return err
	}
	e.billing.Committed(ctx, refunded)
	e.transitionMetrics(t)
	e.publish(ctx, t)
	e.log.Info("task cancelled", "task_id", t.ID)
	return nil
}

// FailTimedOut ages out a task stuck in processing beyond its budget.
func (e *Engine) FailTimedOut(ctx context.Context, t *Task) error {
	if t.Status != StatusProcessing {
		return nil
	}
	budget := e.cfg.Timeout(t.Type.Async())
	return e.fail(ctx, t, fmt.Errorf("no terminal result within %s: %w", budget, errs.ErrTimeout))
}

// complete ingests provider outputs into the account's output prefix,
// settles the ledger and marks the task completed (or partial when only a
// subset of outputs could be delivered).
func (e *Engine) complete(ctx context.Context, t *Task, outputs []provider.Output, usage float64) error {
	var delivered []*Resource
	failed := 0
	for i, out := range outputs {
		filename := out.Filename
		if filename == "" {
			filename = fmt.Sprintf("output-%d%s", i, path.Ext(out.URL))
		}
		key := storage.OutputKey(t.AccountID, string(t.Type), t.ID, filename)
		url, err := e.objects.Ingest(ctx, out.URL, key, out.Mime)
		if err != nil {
			e.log.Warn("output ingest failed", "task_id", t.ID, "url", out.URL, "error", err)
			failed++
			continue
		}
		delivered = append(delivered, &Resource{
			Type:     out.Type,
			URL:      url,
			Key:      key,
			IsInput:  false,
			Metadata: out.Metadata,
		})
	}

	if len(outputs) > 0 && len(delivered) == 0 {
		// Nothing landed; storage is retryable, so leave the task
		// processing and let the next poll re-fetch the outputs.
		return e.deferPoll(ctx, t)
	}

	actualUsage := usage
	if actualUsage <= 0 {
		actualUsage = t.EstimatedUsage
	}
	status := StatusCompleted
	if failed > 0 {
		// Partial settles like completed, priced for the delivered share.
		status = StatusPartial
		actualUsage = actualUsage * float64(len(delivered)) / float64(len(outputs))
	}
	actualCost, err := e.pricing.Cost(string(t.Type), actualUsage)
	if err != nil {
		return err
	}

	now := time.Now()
	t.Status = status
	t.ActualUsage = &actualUsage
	t.ActualCost = &actualCost
	t.CompletedAt = &now
	t.NextAttemptAt = nil
	t.ErrorMessage = ""
	// Status, resources and settlement commit together: a crash before the
	// commit leaves the task processing with its pre-charge intact, so the
	// next poll redoes the whole transition exactly once.
	var settled *ledger.PendingEntry
	err = e.store.Transition(ctx, t, delivered, func(ctx context.Context, tx *sql.Tx) error {
		entry, err := e.billing.SettleTaskTx(ctx, tx, t.AccountID, t.ID, t.EstimatedCost, actualCost)
		settled = entry
		return err
	})
	if errors.Is(err, errs.ErrConflict) {
		// A cancel won the race after our precondition read; its refund
		// stands and the ingested outputs are orphaned.
		e.cleanupKeys(ctx, resourceKeys(delivered))
		e.log.Warn("completion lost race to cancel", "task_id", t.ID)
		return nil
	}
	if err != nil {
		return err
	}
	e.billing.Committed(ctx, settled)
	e.transitionMetrics(t)
	e.publish(ctx, t)
	e.log.Info("task settled", "task_id", t.ID, "status", t.Status, "actual_cost", actualCost)
	return nil
}

// fail transitions the task to failed and refunds the full pre-charge, both
// in the store's transaction.
func (e *Engine) fail(ctx context.Context, t *Task, cause error) error {
	now := time.Now()
	zero := int64(0)
	t.Status = StatusFailed
	t.ErrorMessage = cause.Error()
	t.CompletedAt = &now
	t.ActualCost = &zero
	t.NextAttemptAt = nil
	var refunded *ledger.PendingEntry
	err := e.store.Transition(ctx, t, nil, func(ctx context.Context, tx *sql.Tx) error {
		entry, err := e.billing.RefundTaskTx(ctx, tx, t.AccountID, t.ID, t.EstimatedCost, cause.Error())
		refunded = entry
		return err
	})
	if err != nil {
		return e.ignoreLostRace(t, err)
	}
	e.billing.Committed(ctx, refunded)
	e.transitionMetrics(t)
	e.publish(ctx, t)
	e.log.Warn("task failed", "task_id", t.ID, "error", cause)
	return nil
}

// deferPoll pushes the poll gate forward without changing state.
func (e *Engine) deferPoll(ctx context.Context, t *Task) error {
	next := time.Now().Add(time.Duration(e.cfg.AsyncPollIntervalSeconds) * time.Second)
	t.NextAttemptAt = &next
	return e.ignoreLostRace(t, e.store.Update(ctx, t))
}

// ignoreLostRace swallows the ErrConflict a guarded write returns when a
// concurrent transition got there first; the winner's ledger effects stand.
func (e *Engine) ignoreLostRace(t *Task, err error) error {
	if errors.Is(err, errs.ErrConflict) {
		e.log.Warn("write lost race to concurrent transition", "task_id", t.ID)
		return nil
	}
	return err
}

func resourceKeys(res []*Resource) []string {
	keys := make([]string, 0, len(res))
	for _, r := range res {
		keys = append(keys, r.Key)
	}
	return keys
}

func (e *Engine) cleanupKeys(ctx context.Context, keys []string) {
	if len(keys) == 0 {
		return
	}
	if err := e.objects.Delete(ctx, keys...); err != nil {
		e.log.Warn("input cleanup failed", "keys", keys, "error", err)
	}
}

func (e *Engine) transitionMetrics(t *Task) {
	if e.metrics == nil {
		return
	}
	e.metrics.TaskTransitions.WithLabelValues(string(t.Type), string(t.Status)).Inc()
	if t.Status.Terminal() && t.CompletedAt != nil {
		e.metrics.TaskDuration.WithLabelValues(string(t.Type)).Observe(t.CompletedAt.Sub(t.CreatedAt).Seconds())
	}
}

func (e *Engine) publish(ctx context.Context, t *Task) {
	if e.bus == nil {
		return
	}
	_ = e.bus.Publish(ctx, events.NewEvent(events.EventTaskStatusChanged, t.AccountID, map[string]interface{}{
		"task_id": t.ID,
		"type":    string(t.Type),
		"status":  string(t.Status),
	}))
}
