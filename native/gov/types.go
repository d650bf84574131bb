package gov

import "strconv"

// Parameter names addressable through the timelock.
const (
	// ParamVolatilityRatio is the governance-fed volatility ratio in basis
	// points: current volatility proxy over its trailing average. The
	// protocol never derives volatility from price history on its own.
	ParamVolatilityRatio = "volatility.ratio"
)

// HolidayParam renders the per-week holiday multiplier parameter name.
func HolidayParam(week uint64) string {
	return "holiday.week." + strconv.FormatUint(week, 10)
}

// Change is a guardian-queued parameter change. It becomes readable only
// once the timelock delay has elapsed; queueing a new change for the same
// parameter before then discards the old one.
type Change struct {
	Param       string `json:"param"`
	Value       uint64 `json:"value"`
	QueuedAt    int64  `json:"queuedAt"`
	EffectiveAt int64  `json:"effectiveAt"`
	Reason      string `json:"reason"`
}

// ParamValue is the stored state of one governed parameter: the active
// value, when it took effect, and the pending change if any.
type ParamValue struct {
	Name    string  `json:"name"`
	Value   uint64  `json:"value"`
	AsOf    int64   `json:"asOf"`
	Pending *Change `json:"pending,omitempty"`
}

// Clone returns a deep copy of the parameter record.
func (p *ParamValue) Clone() *ParamValue {
	if p == nil {
		return nil
	}
	clone := *p
	if p.Pending != nil {
		pending := *p.Pending
		clone.Pending = &pending
	}
	return &clone
}

// ApprovalState tracks how a settlement week was cleared for resolution.
type ApprovalState uint8

const (
	ApprovalPending ApprovalState = iota
	ApprovalGuardian
	ApprovalFailsafe
)

// String renders the approval state for events and API payloads.
func (s ApprovalState) String() string {
	switch s {
	case ApprovalPending:
		return "pending"
	case ApprovalGuardian:
		return "guardian"
	case ApprovalFailsafe:
		return "failsafe"
	default:
		return "unknown"
	}
}

// WeekApproval is the stored per-week settlement authorization. Immutable
// once the state leaves ApprovalPending.
type WeekApproval struct {
	Week       uint64        `json:"week"`
	State      ApprovalState `json:"state"`
	SplitBps   uint64        `json:"splitBps"`
	Reason     string        `json:"reason,omitempty"`
	ApprovedAt int64         `json:"approvedAt,omitempty"`
}

// Approval is the answer handed to the settlement path: whether the week
// may settle and under which premium split.
type Approval struct {
	Approved bool
	SplitBps uint64
	Source   ApprovalState
	Reason   string
}
