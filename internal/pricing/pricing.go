// Package pricing maps (task type, billable usage) to a cost in minor
// currency units. It is a pure lookup over a config-loaded table; the value
// computed at task creation is immutable for the life of the task.
package pricing

import (
	"fmt"
	"math"

	"github.com/mediaforge/backend/internal/config"
	"github.com/mediaforge/backend/internal/errs"
)

// BillingType selects how usage is counted for a task type.
type BillingType string

const (
	BillingPerUnit  BillingType = "per_unit"
	BillingPerToken BillingType = "per_token"
)

// Rule is one pricing row.
type Rule struct {
	TaskType    string
	BillingType BillingType
	UnitPrice   int64 // minor units per unit
	Unit        string // second | piece | token
	MinUnit     int64 // billing floor
}

// Table is an immutable pricing table keyed by task type.
type Table struct {
	rules map[string]Rule
}

// NewTable builds a table from config rows.
func NewTable(rows []config.PricingRow) *Table {
	rules := make(map[string]Rule, len(rows))
	for _, r := range rows {
		rules[r.TaskType] = Rule{
			TaskType:    r.TaskType,
			BillingType: BillingType(r.BillingType),
			UnitPrice:   r.UnitPrice,
			Unit:        r.Unit,
			MinUnit:     r.MinUnit,
		}
	}
	return &Table{rules: rules}
}

// Rule returns the pricing rule for a task type.
func (t *Table) Rule(taskType string) (Rule, error) {
	r, ok := t.rules[taskType]
	if !ok {
		return Rule{}, fmt.Errorf("task type %q: %w", taskType, errs.ErrPricingUnavailable)
	}
	return r, nil
}

// Cost computes ceil(max(usage, minUnit) * unitPrice) for the task type.
// Usage is in the rule's unit (seconds, pieces or tokens) and may be
// fractional for duration-based billing.
func (t *Table) Cost(taskType string, usage float64) (int64, error) {
	r, ok := t.rules[taskType]
	if !ok {
		return 0, fmt.Errorf("task type %q: %w", taskType, errs.ErrPricingUnavailable)
	}
	billable := usage
	if billable < float64(r.MinUnit) {
		billable = float64(r.MinUnit)
	}
	return int64(math.Ceil(billable * float64(r.UnitPrice))), nil
}
