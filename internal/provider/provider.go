// Package provider defines the contract with external model-inference
// providers and the HTTP adapters that implement it.
//
// Adapter errors partition into retryable (network, 5xx, quota; wrapped
// around errs.ErrTransient) and terminal (policy rejection, 4xx; wrapped
// around errs.ErrProviderTerminal). Transport errors during Poll are always
// treated as transient and never change task state.
package provider

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/mediaforge/backend/internal/errs"
	"github.com/mediaforge/backend/internal/monitoring"
)

// Input is one fetchable input resource handed to a provider.
type Input struct {
	Type string `json:"type"` // image | video | audio | text
	URL  string `json:"url"`
	Text string `json:"text,omitempty"` // inline payload for text inputs
}

// Output is one resource produced by a provider, addressed by a URL that the
// task engine ingests into the account's output prefix.
type Output struct {
	Type     string                 `json:"type"`
	URL      string                 `json:"url"`
	Filename string                 `json:"filename"`
	Mime     string                 `json:"mime"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// SubmitRequest carries a typed task submission.
type SubmitRequest struct {
	// IdempotencyKey is derived from the task id so a crash-recovery
	// resubmission dedupes on providers that support it.
	IdempotencyKey string
	Inputs         []Input
	Config         map[string]interface{}
}

// SubmitResult is the provider's acknowledgement. Synchronous providers
// return their outputs directly in SyncOutputs.
type SubmitResult struct {
	ExternalID  string
	SyncOutputs []Output
	// Usage is the provider-reported billable usage for sync results.
	Usage float64
}

// PollState is the status of an external job.
type PollState string

const (
	StatePending PollState = "pending"
	StateDone    PollState = "done"
	StateFailed  PollState = "failed"
)

// PollResult is the outcome of one poll. Failed carries the provider's
// failure classification; a retryable failure keeps the task processing.
type PollResult struct {
	State     PollState
	Outputs   []Output
	Usage     float64
	Retryable bool
	Message   string
}

// Adapter is the two-method provider contract.
type Adapter interface {
	Name() string
	Submit(ctx context.Context, req SubmitRequest) (*SubmitResult, error)
	Poll(ctx context.Context, externalID string) (*PollResult, error)
}

// Registry routes task types to adapters and caps concurrent external calls
// with a per-provider semaphore so a burst of reconcile workers cannot trip
// provider throttling.
type Registry struct {
	adapters map[string]Adapter
	limits   map[string]*semaphore.Weighted
	maxCalls int64
	metrics  *monitoring.Metrics
}

// NewRegistry creates an empty registry. metrics may be nil.
func NewRegistry(maxConcurrentCalls int64, metrics *monitoring.Metrics) *Registry {
	if maxConcurrentCalls <= 0 {
		maxConcurrentCalls = 16
	}
	return &Registry{
		adapters: make(map[string]Adapter),
		limits:   make(map[string]*semaphore.Weighted),
		maxCalls: maxConcurrentCalls,
		metrics:  metrics,
	}
}

// Register binds a task type to an adapter.
func (r *Registry) Register(taskType string, a Adapter) {
	r.adapters[taskType] = a
	if _, ok := r.limits[a.Name()]; !ok {
		r.limits[a.Name()] = semaphore.NewWeighted(r.maxCalls)
	}
}

// Adapter returns the adapter for a task type.
func (r *Registry) Adapter(taskType string) (Adapter, error) {
	a, ok := r.adapters[taskType]
	if !ok {
		return nil, errs.Invalidf("no provider for task type %q", taskType)
	}
	return a, nil
}

// Submit routes a submission through the provider's concurrency limiter.
func (r *Registry) Submit(ctx context.Context, taskType string, req SubmitRequest) (*SubmitResult, error) {
	a, err := r.Adapter(taskType)
	if err != nil {
		return nil, err
	}
	release, err := r.acquire(ctx, a.Name())
	if err != nil {
		return nil, err
	}
	defer release()

	start := time.Now()
	res, err := a.Submit(ctx, req)
	r.observe(a.Name(), "submit", start, err)
	return res, err
}

// Poll routes a poll through the provider's concurrency limiter.
func (r *Registry) Poll(ctx context.Context, taskType, externalID string) (*PollResult, error) {
	a, err := r.Adapter(taskType)
	if err != nil {
		return nil, err
	}
	release, err := r.acquire(ctx, a.Name())
	if err != nil {
		return nil, err
	}
	defer release()

	start := time.Now()
	res, err := a.Poll(ctx, externalID)
	r.observe(a.Name(), "poll", start, err)
	return res, err
}

func (r *Registry) acquire(ctx context.Context, name string) (func(), error) {
	sem, ok := r.limits[name]
	if !ok {
		return func() {}, nil
	}
	if err := sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("provider %s limiter: %v: %w", name, err, errs.ErrTransient)
	}
	return func() { sem.Release(1) }, nil
}

func (r *Registry) observe(name, call string, start time.Time, err error) {
	if r.metrics == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = string(errs.KindOf(err))
	}
	r.metrics.ProviderCalls.WithLabelValues(name, call, outcome).Inc()
	r.metrics.ProviderDuration.WithLabelValues(name, call).Observe(time.Since(start).Seconds())
}
