package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/mediaforge/backend/internal/config"
	"github.com/mediaforge/backend/internal/errs"
)

// HTTPAdapter talks to one external inference API over JSON/HTTP. All four
// built-in providers (motion, lipsync, tts, img2img) share this shape and
// differ only in name, endpoint and whether results come back synchronously.
type HTTPAdapter struct {
	name    string
	baseURL string
	apiKey  string
	sync    bool
	client  *http.Client
}

// NewHTTPAdapter builds an adapter from a configured endpoint.
func NewHTTPAdapter(name string, ep config.ProviderEndpoint, sync bool) *HTTPAdapter {
	timeout := time.Duration(ep.TimeoutSeconds) * time.Second
	if timeout == 0 {
		timeout = 90 * time.Second
	}
	return &HTTPAdapter{
		name:    name,
		baseURL: ep.BaseURL,
		apiKey:  ep.APIKey,
		sync:    sync,
		client:  &http.Client{Timeout: timeout},
	}
}

func (a *HTTPAdapter) Name() string { return a.name }

type submitPayload struct {
	Inputs []Input                `json:"inputs"`
	Config map[string]interface{} `json:"config"`
}

type jobResponse struct {
	TaskID  string   `json:"task_id"`
	Status  string   `json:"status"` // pending | processing | succeeded | failed
	Outputs []Output `json:"outputs,omitempty"`
	Usage   float64  `json:"usage,omitempty"`
	Error   *struct {
		Code      string `json:"code"`
		Message   string `json:"message"`
		Retryable bool   `json:"retryable"`
	} `json:"error,omitempty"`
}

func (a *HTTPAdapter) Submit(ctx context.Context, req SubmitRequest) (*SubmitResult, error) {
	body, err := json.Marshal(submitPayload{Inputs: req.Inputs, Config: req.Config})
	if err != nil {
		return nil, fmt.Errorf("marshal submit: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/v1/jobs", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build submit request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+a.apiKey)
	if req.IdempotencyKey != "" {
		httpReq.Header.Set("Idempotency-Key", req.IdempotencyKey)
	}

	job, err := a.do(httpReq)
	if err != nil {
		return nil, err
	}

	res := &SubmitResult{ExternalID: job.TaskID}
	if a.sync || job.Status == "succeeded" {
		res.SyncOutputs = job.Outputs
		res.Usage = job.Usage
	}
	return res, nil
}

func (a *HTTPAdapter) Poll(ctx context.Context, externalID string) (*PollResult, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+"/v1/jobs/"+externalID, nil)
	if err != nil {
		return nil, fmt.Errorf("build poll request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+a.apiKey)

	job, err := a.do(httpReq)
	if err != nil {
		// Poll transport errors are transient by contract; they must not
		// change task state.
		if errs.IsRetryable(err) {
			return nil, err
		}
		return nil, fmt.Errorf("poll %s: %v: %w", externalID, err, errs.ErrTransient)
	}

	switch job.Status {
	case "succeeded":
		return &PollResult{State: StateDone, Outputs: job.Outputs, Usage: job.Usage}, nil
	case "failed":
		res := &PollResult{State: StateFailed}
		if job.Error != nil {
			res.Retryable = job.Error.Retryable
			res.Message = job.Error.Message
		}
		return res, nil
	default:
		return &PollResult{State: StatePending}, nil
	}
}

// do executes the request and classifies HTTP failures: 5xx and transport
// errors are transient, 4xx is a terminal policy rejection.
func (a *HTTPAdapter) do(req *http.Request) (*jobResponse, error) {
	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %v: %w", a.name, req.URL.Path, err, errs.ErrTransient)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%s read response: %v: %w", a.name, err, errs.ErrTransient)
	}

	switch {
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return nil, fmt.Errorf("%s status %d: %w", a.name, resp.StatusCode, errs.ErrTransient)
	case resp.StatusCode >= 400:
		return nil, fmt.Errorf("%s status %d: %s: %w", a.name, resp.StatusCode, truncate(body, 200), errs.ErrProviderTerminal)
	}

	var job jobResponse
	if err := json.Unmarshal(body, &job); err != nil {
		return nil, fmt.Errorf("%s decode response: %v: %w", a.name, err, errs.ErrTransient)
	}
	return &job, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
