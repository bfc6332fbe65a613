// Package task implements the persisted task state machine: creation with an
// atomic pre-charge, submission to external providers, polling, settlement,
// refunds and retries.
package task

import (
	"encoding/json"
	"math"
	"strings"
	"time"

	"github.com/mediaforge/backend/internal/errs"
)

// Type is the closed enum of task types. Adding a type means adding a
// variant here, a config schema, a pricing row and a provider registration.
type Type string

const (
	TypeVideoMotion  Type = "video_motion"
	TypeVideoLipsync Type = "video_lipsync"
	TypeAudioTTS     Type = "audio_tts"
	TypeImageToImage Type = "image_to_image"
)

// Async reports whether the type runs against an asynchronous provider.
// Synchronous providers return outputs from submit.
func (t Type) Async() bool {
	return t != TypeAudioTTS
}

// Valid reports membership in the closed enum.
func (t Type) Valid() bool {
	switch t {
	case TypeVideoMotion, TypeVideoLipsync, TypeAudioTTS, TypeImageToImage:
		return true
	}
	return false
}

// Status is the task lifecycle state.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusPartial    Status = "partial"
	StatusCancelled  Status = "cancelled"
)

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusPartial, StatusCancelled:
		return true
	}
	return false
}

// Task is the unit of external work. Monetary fields are minor currency
// units; the pre-charge invariant ties them to the ledger: net ledger effect
// equals ActualCost iff completed/partial and zero iff failed/cancelled.
type Task struct {
	ID             int64           `json:"id"`
	AccountID      int64           `json:"account_id"`
	Type           Type            `json:"type"`
	Status         Status          `json:"status"`
	Config         json.RawMessage `json:"config"`
	ExternalTaskID string          `json:"external_task_id,omitempty"`
	EstimatedUsage float64         `json:"estimated_usage"`
	ActualUsage    *float64        `json:"actual_usage,omitempty"`
	EstimatedCost  int64           `json:"estimated_cost"`
	ActualCost     *int64          `json:"actual_cost,omitempty"`
	RetryCount     int             `json:"retry_count"`
	// NextAttemptAt gates the scheduler: retry backoff while pending, poll
	// spacing while processing.
	NextAttemptAt *time.Time  `json:"next_attempt_at,omitempty"`
	ErrorMessage  string      `json:"error_message,omitempty"`
	StartedAt     *time.Time  `json:"started_at,omitempty"`
	CompletedAt   *time.Time  `json:"completed_at,omitempty"`
	CreatedAt     time.Time   `json:"created_at"`
	UpdatedAt     time.Time   `json:"updated_at"`
	Resources     []*Resource `json:"resources,omitempty"`
}

// Resource is one input or output object attached to a task.
type Resource struct {
	ID       int64                  `json:"id"`
	TaskID   int64                  `json:"task_id"`
	Type     string                 `json:"type"` // image | video | audio | text
	URL      string                 `json:"url"`
	Key      string                 `json:"key,omitempty"` // object-store key, empty for inline text
	IsInput  bool                   `json:"is_input"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// InputSpec describes one input staged at creation: a pre-uploaded temp
// object to copy, or a remote URL to ingest (how workflow nodes feed
// upstream outputs into child tasks).
type InputSpec struct {
	Type     string `json:"type"`
	TempKey  string `json:"temp_key,omitempty"`
	URL      string `json:"url,omitempty"`
	Filename string `json:"filename"`
	Mime     string `json:"mime,omitempty"`
}

// ---------------------------------------------------------------------------
// Config variants (tagged by Type)
// ---------------------------------------------------------------------------

// MotionConfig drives video motion transfer.
type MotionConfig struct {
	DurationSeconds float64 `json:"duration_seconds"`
	Quality         string  `json:"quality,omitempty"`
}

// LipsyncConfig drives video lip-sync.
type LipsyncConfig struct {
	DurationSeconds float64 `json:"duration_seconds"`
}

// TTSConfig drives text-to-speech. Billing is per token.
type TTSConfig struct {
	Text  string  `json:"text"`
	Voice string  `json:"voice,omitempty"`
	Speed float64 `json:"speed,omitempty"`
}

// Img2ImgConfig drives image-to-image generation. Billing is per piece.
type Img2ImgConfig struct {
	Prompt string `json:"prompt"`
	Count  int    `json:"count"`
}

// ValidateConfig checks raw config against the variant schema for the type
// and returns the billable usage estimate in the type's pricing unit.
func ValidateConfig(t Type, raw json.RawMessage) (float64, error) {
	if len(raw) == 0 {
		return 0, errs.Invalidf("task config is required")
	}
	switch t {
	case TypeVideoMotion:
		var c MotionConfig
		if err := strictUnmarshal(raw, &c); err != nil {
			return 0, err
		}
		if c.DurationSeconds <= 0 {
			return 0, errs.Invalidf("motion duration_seconds must be positive")
		}
		return c.DurationSeconds, nil
	case TypeVideoLipsync:
		var c LipsyncConfig
		if err := strictUnmarshal(raw, &c); err != nil {
			return 0, err
		}
		if c.DurationSeconds <= 0 {
			return 0, errs.Invalidf("lipsync duration_seconds must be positive")
		}
		return c.DurationSeconds, nil
	case TypeAudioTTS:
		var c TTSConfig
		if err := strictUnmarshal(raw, &c); err != nil {
			return 0, err
		}
		if strings.TrimSpace(c.Text) == "" {
			return 0, errs.Invalidf("tts text is required")
		}
		// Token estimate; the provider reports actual usage at completion.
		return math.Ceil(float64(len(c.Text)) / 4), nil
	case TypeImageToImage:
		var c Img2ImgConfig
		if err := strictUnmarshal(raw, &c); err != nil {
			return 0, err
		}
		if c.Count <= 0 {
			return 0, errs.Invalidf("img2img count must be positive")
		}
		return float64(c.Count), nil
	default:
		return 0, errs.Invalidf("unknown task type %q", t)
	}
}

func strictUnmarshal(raw json.RawMessage, v interface{}) error {
	dec := json.NewDecoder(strings.NewReader(string(raw)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errs.Invalidf("bad task config: %v", err)
	}
	return nil
}
