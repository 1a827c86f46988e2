// Package stock classifies item quantities against their alert thresholds.
//
// Classify is shared by the immediate stock-change path and the scheduled
// digest path so both always agree on what "low" means.
package stock

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// --------------------------------------------------------------------------
// Severity
// --------------------------------------------------------------------------

// Severity is the stock condition of an item. Ordered from least to most
// severe so callers can compare with < and >.
type Severity int

const (
	Adequate Severity = iota
	AtThreshold
	Low
	Critical
)

func (s Severity) String() string {
	switch s {
	case Adequate:
		return "adequate"
	case AtThreshold:
		return "threshold"
	case Low:
		return "low"
	case Critical:
		return "critical"
	default:
		return fmt.Sprintf("severity(%d)", int(s))
	}
}

// Notifies reports whether the severity warrants a notification.
func (s Severity) Notifies() bool {
	return s > Adequate
}

// --------------------------------------------------------------------------
// Thresholds
// --------------------------------------------------------------------------

// Default ratios applied to the threshold level when low/critical are unset.
var (
	defaultLowRatio      = decimal.NewFromFloat(0.5)
	defaultCriticalRatio = decimal.NewFromFloat(0.2)
)

// Thresholds are the three ascending alert levels of an item:
// Critical <= Low <= Threshold.
type Thresholds struct {
	Critical  decimal.Decimal
	Low       decimal.Decimal
	Threshold decimal.Decimal
}

// NewThresholds builds thresholds from a threshold level and optional low and
// critical levels. Unset levels default to 50% and 20% of the threshold level.
// Levels are clamped so the result is always monotonic.
func NewThresholds(threshold decimal.Decimal, low, critical *decimal.Decimal) Thresholds {
	t := Thresholds{Threshold: threshold}
	if low != nil {
		t.Low = *low
	} else {
		t.Low = threshold.Mul(defaultLowRatio)
	}
	if critical != nil {
		t.Critical = *critical
	} else {
		t.Critical = threshold.Mul(defaultCriticalRatio)
	}

	if t.Low.GreaterThan(t.Threshold) {
		t.Low = t.Threshold
	}
	if t.Critical.GreaterThan(t.Low) {
		t.Critical = t.Low
	}
	return t
}

// Classify maps a quantity to its severity. Evaluated most severe first;
// negative quantities are always critical.
func Classify(quantity decimal.Decimal, t Thresholds) Severity {
	switch {
	case quantity.IsNegative():
		return Critical
	case quantity.LessThanOrEqual(t.Critical):
		return Critical
	case quantity.LessThanOrEqual(t.Low):
		return Low
	case quantity.LessThanOrEqual(t.Threshold):
		return AtThreshold
	default:
		return Adequate
	}
}

// --------------------------------------------------------------------------
// Item
// --------------------------------------------------------------------------

// Item is a stocked product at one branch.
type Item struct {
	ID         string
	Name       string
	BranchID   string
	BranchName string
	Unit       string
	Quantity   decimal.Decimal
	Thresholds Thresholds
}

// Severity classifies the item's current quantity.
func (i Item) Severity() Severity {
	return Classify(i.Quantity, i.Thresholds)
}

// OutOfStock reports whether nothing is left on hand.
func (i Item) OutOfStock() bool {
	return i.Quantity.LessThanOrEqual(decimal.Zero)
}

// --------------------------------------------------------------------------
// Change
// --------------------------------------------------------------------------

// Change is a stock mutation reported by the inventory layer, either over
// pg_notify('stock_changed', ...) or the HTTP ingest endpoint.
type Change struct {
	ItemID     string           `json:"item_id"`
	ItemName   string           `json:"item_name"`
	BranchID   string           `json:"branch_id"`
	BranchName string           `json:"branch_name,omitempty"`
	Unit       string           `json:"unit,omitempty"`
	Quantity   decimal.Decimal  `json:"quantity"`
	Threshold  decimal.Decimal  `json:"threshold_level"`
	LowLevel   *decimal.Decimal `json:"low_level,omitempty"`
	Critical   *decimal.Decimal `json:"critical_level,omitempty"`
	Reason     string           `json:"reason,omitempty"` // sale, transfer, adjustment
	Timestamp  int64            `json:"ts,omitempty"`
}

// Item returns the changed item with its thresholds resolved.
func (c Change) Item() Item {
	return Item{
		ID:         c.ItemID,
		Name:       c.ItemName,
		BranchID:   c.BranchID,
		BranchName: c.BranchName,
		Unit:       c.Unit,
		Quantity:   c.Quantity,
		Thresholds: NewThresholds(c.Threshold, c.LowLevel, c.Critical),
	}
}

// Validate checks the fields the alerting path depends on.
func (c Change) Validate() error {
	if c.ItemName == "" {
		return fmt.Errorf("item_name is required")
	}
	if c.BranchID == "" {
		return fmt.Errorf("branch_id is required")
	}
	if c.Threshold.IsNegative() {
		return fmt.Errorf("threshold_level must not be negative")
	}
	return nil
}
