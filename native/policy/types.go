package policy

import "math/big"

// Status tracks the settlement lifecycle of a policy. A policy mutates
// exactly once, at settlement, and never transitions again.
type Status uint8

const (
	StatusActive Status = iota
	StatusSettledPaid
	StatusSettledUnpaid
)

// Valid reports whether the status value is within the supported range.
func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusSettledPaid, StatusSettledUnpaid:
		return true
	default:
		return false
	}
}

// Settled reports whether the policy reached a terminal state.
func (s Status) Settled() bool { return s != StatusActive }

// String renders the status for events and API payloads.
func (s Status) String() string {
	switch s {
	case StatusActive:
		return "active"
	case StatusSettledPaid:
		return "settled_paid"
	case StatusSettledUnpaid:
		return "settled_unpaid"
	default:
		return "unknown"
	}
}

// Policy is one coverage position. The reference close price and timestamp
// are captured at purchase; the assigned settlement week fixes the open
// snapshot the gap is measured against.
type Policy struct {
	ID            uint64   `json:"id"`
	Holder        [20]byte `json:"holder"`
	Coverage      *big.Int `json:"coverage"`
	ThresholdBps  uint64   `json:"thresholdBps"`
	Premium       *big.Int `json:"premium"`
	PurchasedAt   int64    `json:"purchasedAt"`
	RefClosePrice *big.Int `json:"refClosePrice"`
	RefCloseAt    int64    `json:"refCloseAt"`
	Week          uint64   `json:"week"`
	Status        Status   `json:"status"`
	Payout        *big.Int `json:"payout,omitempty"`
	GapBps        uint64   `json:"gapBps,omitempty"`
	SettledAt     int64    `json:"settledAt,omitempty"`
}

// Clone returns a deep copy so stored policies cannot be mutated by
// callers.
func (p *Policy) Clone() *Policy {
	if p == nil {
		return nil
	}
	clone := *p
	if p.Coverage != nil {
		clone.Coverage = new(big.Int).Set(p.Coverage)
	}
	if p.Premium != nil {
		clone.Premium = new(big.Int).Set(p.Premium)
	}
	if p.RefClosePrice != nil {
		clone.RefClosePrice = new(big.Int).Set(p.RefClosePrice)
	}
	if p.Payout != nil {
		clone.Payout = new(big.Int).Set(p.Payout)
	}
	return &clone
}

// Week is the settlement cohort record. The open price is captured from the
// oracle on the first settlement attempt in the week and frozen so every
// policy in the cohort settles against the same snapshot.
type Week struct {
	Number     uint64   `json:"number"`
	OpenPrice  *big.Int `json:"openPrice,omitempty"`
	OpenAsOf   int64    `json:"openAsOf,omitempty"`
	CapturedAt int64    `json:"capturedAt,omitempty"`
}

// Clone returns a deep copy of the week record.
func (w *Week) Clone() *Week {
	if w == nil {
		return nil
	}
	clone := *w
	if w.OpenPrice != nil {
		clone.OpenPrice = new(big.Int).Set(w.OpenPrice)
	}
	return &clone
}

// Eligibility is the dry-run result mirrored by CanBuyPolicy and
// CanSettle so callers can check preconditions before mutating.
type Eligibility struct {
	Allowed          bool     `json:"allowed"`
	Reason           string   `json:"reason,omitempty"`
	EstimatedPremium *big.Int `json:"estimatedPremium,omitempty"`
	SplitBps         uint64   `json:"splitBps,omitempty"`
}
