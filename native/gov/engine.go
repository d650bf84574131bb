package gov

import (
	"errors"
	"fmt"
	"time"

	"gapguard/core/events"
	nativecommon "gapguard/native/common"
)

var (
	ErrUnauthorized       = errors.New("gov: caller is not the guardian")
	ErrTimelockNotElapsed = errors.New("gov: timelock not elapsed")
	ErrAlreadyApproved    = errors.New("gov: settlement week already approved")

	errNilState     = errors.New("gov: state not configured")
	errInvalidValue = errors.New("gov: parameter value must be positive")
	errInvalidSplit = errors.New("gov: split ratio out of range")
	errNoPending    = errors.New("gov: no pending change for parameter")
)

// ModulePolicyBuy is the only pausable surface. Settlement and withdrawals
// stay live during an emergency stop so staker funds and policyholder
// claims can never be trapped.
const ModulePolicyBuy = "policy.buy"

type engineState interface {
	GovParam(name string) (*ParamValue, error)
	PutGovParam(*ParamValue) error
	WeekApproval(week uint64) (*WeekApproval, error)
	PutWeekApproval(*WeekApproval) error
	PausedFlag(module string) (bool, error)
	SetPausedFlag(module string, paused bool) error
}

// Params configures the timelock engine.
type Params struct {
	Guardian             [20]byte
	TimelockDelay        time.Duration
	FailsafeDelay        time.Duration
	DefaultSplitBps      uint64
	InitialVolatilityBps uint64
}

// DefaultParams mirror the documented production configuration: 24h
// parameter delay, 48h settlement failsafe, 93% of premiums to stakers.
func DefaultParams(guardian [20]byte) Params {
	return Params{
		Guardian:             guardian,
		TimelockDelay:        24 * time.Hour,
		FailsafeDelay:        48 * time.Hour,
		DefaultSplitBps:      9_300,
		InitialVolatilityBps: 10_000,
	}
}

// Engine owns guardian-queued parameter changes and weekly settlement
// approval, including the unresponsive-guardian failsafe. Time-gated state
// is evaluated lazily from (now, recorded deadline) at every read; there is
// no background scheduler.
type Engine struct {
	state   engineState
	params  Params
	pauses  *nativecommon.Switchboard
	emitter events.Emitter
	nowFn   func() time.Time
}

// NewEngine constructs a governance engine with default no-op dependencies.
func NewEngine(params Params) *Engine {
	if params.DefaultSplitBps == 0 || params.DefaultSplitBps > 10_000 {
		params.DefaultSplitBps = 9_300
	}
	return &Engine{
		params:  params,
		pauses:  nativecommon.NewSwitchboard(),
		emitter: events.NoopEmitter{},
		nowFn:   func() time.Time { return time.Now().UTC() },
	}
}

// SetState wires the engine to the ledger persistence layer.
func (e *Engine) SetState(state engineState) { e.state = state }

// SetEmitter configures the event emitter. Nil resets to a no-op.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// SetNowFunc overrides the time source. Nil restores the UTC clock.
func (e *Engine) SetNowFunc(now func() time.Time) {
	if now == nil {
		e.nowFn = func() time.Time { return time.Now().UTC() }
		return
	}
	e.nowFn = now
}

// Pauses exposes the pause view consumed by the purchase path.
func (e *Engine) Pauses() nativecommon.PauseView { return e.pauses }

// Bootstrap seeds the initial volatility parameter and hydrates the pause
// switchboard from storage. Called once when the node starts.
func (e *Engine) Bootstrap(now time.Time) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	paused, err := e.state.PausedFlag(ModulePolicyBuy)
	if err != nil {
		return err
	}
	e.pauses.Set(ModulePolicyBuy, paused)

	existing, err := e.state.GovParam(ParamVolatilityRatio)
	if err != nil {
		return err
	}
	if existing != nil {
		return nil
	}
	initial := e.params.InitialVolatilityBps
	if initial == 0 {
		initial = 10_000
	}
	return e.state.PutGovParam(&ParamValue{
		Name:  ParamVolatilityRatio,
		Value: initial,
		AsOf:  now.Unix(),
	})
}

func (e *Engine) requireGuardian(caller [20]byte) error {
	if caller != e.params.Guardian {
		return ErrUnauthorized
	}
	return nil
}

// QueueVolatilityChange queues a new volatility ratio behind the timelock.
func (e *Engine) QueueVolatilityChange(caller [20]byte, bps uint64, reason string) error {
	return e.queueChange(caller, ParamVolatilityRatio, bps, reason)
}

// QueueHolidayMultiplier queues a premium multiplier for the given
// settlement week behind the timelock.
func (e *Engine) QueueHolidayMultiplier(caller [20]byte, week uint64, bps uint64, reason string) error {
	return e.queueChange(caller, HolidayParam(week), bps, reason)
}

func (e *Engine) queueChange(caller [20]byte, param string, value uint64, reason string) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if err := e.requireGuardian(caller); err != nil {
		return err
	}
	if value == 0 {
		return errInvalidValue
	}
	record, err := e.ensureParam(param)
	if err != nil {
		return err
	}
	now := e.nowFn()
	// A pending change that already matured is promoted before the new one
	// supersedes the slot; an immature one is discarded.
	e.promote(record, now)
	change := &Change{
		Param:       param,
		Value:       value,
		QueuedAt:    now.Unix(),
		EffectiveAt: now.Add(e.params.TimelockDelay).Unix(),
		Reason:      reason,
	}
	record.Pending = change
	if err := e.state.PutGovParam(record); err != nil {
		return err
	}
	e.emit(events.ChangeQueued{Param: param, Value: value, EffectiveAt: change.EffectiveAt, Reason: reason})
	return nil
}

// ActivateChange eagerly promotes a matured pending change. Promotion also
// happens implicitly on read, so this exists only to tidy the audit trail;
// it fails with ErrTimelockNotElapsed before the effective time.
func (e *Engine) ActivateChange(param string) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	record, err := e.ensureParam(param)
	if err != nil {
		return err
	}
	if record.Pending == nil {
		return errNoPending
	}
	now := e.nowFn()
	if now.Unix() < record.Pending.EffectiveAt {
		return ErrTimelockNotElapsed
	}
	e.promote(record, now)
	return e.state.PutGovParam(record)
}

// promote folds a matured pending change into the active value. Reads
// before the effective time keep seeing the old value.
func (e *Engine) promote(record *ParamValue, now time.Time) {
	if record == nil || record.Pending == nil {
		return
	}
	if now.Unix() < record.Pending.EffectiveAt {
		return
	}
	record.Value = record.Pending.Value
	record.AsOf = record.Pending.EffectiveAt
	record.Pending = nil
}

// resolve returns the effective value and its as-of timestamp without
// persisting the promotion.
func (e *Engine) resolve(record *ParamValue, now time.Time) (uint64, time.Time) {
	if record == nil {
		return 0, time.Time{}
	}
	if record.Pending != nil && now.Unix() >= record.Pending.EffectiveAt {
		return record.Pending.Value, time.Unix(record.Pending.EffectiveAt, 0).UTC()
	}
	return record.Value, time.Unix(record.AsOf, 0).UTC()
}

// VolatilitySnapshot returns the effective volatility ratio and the time it
// took effect. The purchase path enforces its own staleness bound on the
// returned timestamp.
func (e *Engine) VolatilitySnapshot() (uint64, time.Time, error) {
	if e == nil || e.state == nil {
		return 0, time.Time{}, errNilState
	}
	record, err := e.state.GovParam(ParamVolatilityRatio)
	if err != nil {
		return 0, time.Time{}, err
	}
	if record == nil {
		return 0, time.Time{}, fmt.Errorf("gov: volatility parameter not seeded")
	}
	value, asOf := e.resolve(record, e.nowFn())
	return value, asOf, nil
}

// HolidayMultiplier returns the effective premium multiplier for the week.
// Unset weeks carry no loading (10_000 bps).
func (e *Engine) HolidayMultiplier(week uint64) (uint64, error) {
	if e == nil || e.state == nil {
		return 0, errNilState
	}
	record, err := e.state.GovParam(HolidayParam(week))
	if err != nil {
		return 0, err
	}
	if record == nil {
		return 10_000, nil
	}
	value, _ := e.resolve(record, e.nowFn())
	if value == 0 {
		return 10_000, nil
	}
	return value, nil
}

// ApproveSettlement records the guardian's approval and split ratio for a
// settlement week. Valid only once per week; a failsafe-approved week can
// no longer be overridden.
func (e *Engine) ApproveSettlement(caller [20]byte, week uint64, splitBps uint64, reason string) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if err := e.requireGuardian(caller); err != nil {
		return err
	}
	if splitBps == 0 || splitBps > 10_000 {
		return errInvalidSplit
	}
	existing, err := e.state.WeekApproval(week)
	if err != nil {
		return err
	}
	if existing != nil && existing.State != ApprovalPending {
		return ErrAlreadyApproved
	}
	approval := &WeekApproval{
		Week:       week,
		State:      ApprovalGuardian,
		SplitBps:   splitBps,
		Reason:     reason,
		ApprovedAt: e.nowFn().Unix(),
	}
	if err := e.state.PutWeekApproval(approval); err != nil {
		return err
	}
	e.emit(events.SettlementApproved{Week: week, SplitBps: splitBps, Source: ApprovalGuardian.String(), Reason: reason})
	return nil
}

// ApprovalFor answers whether the week may settle, applying the failsafe:
// once the guardian has stayed silent for the failsafe window past the
// week's open timestamp, the week is approved with the default split. The
// failsafe decision is persisted on first use so the split ratio is fixed
// for the whole cohort.
func (e *Engine) ApprovalFor(week uint64, openAt time.Time) (Approval, error) {
	return e.approvalFor(week, openAt, true)
}

// PeekApproval is the read-only variant used by dry-run queries.
func (e *Engine) PeekApproval(week uint64, openAt time.Time) (Approval, error) {
	return e.approvalFor(week, openAt, false)
}

func (e *Engine) approvalFor(week uint64, openAt time.Time, persist bool) (Approval, error) {
	if e == nil || e.state == nil {
		return Approval{}, errNilState
	}
	existing, err := e.state.WeekApproval(week)
	if err != nil {
		return Approval{}, err
	}
	if existing != nil && existing.State != ApprovalPending {
		return Approval{
			Approved: true,
			SplitBps: existing.SplitBps,
			Source:   existing.State,
			Reason:   existing.Reason,
		}, nil
	}
	now := e.nowFn()
	deadline := openAt.Add(e.params.FailsafeDelay)
	if now.Before(deadline) {
		return Approval{
			Approved: false,
			Source:   ApprovalPending,
			Reason:   fmt.Sprintf("awaiting guardian approval until %s", deadline.UTC().Format(time.RFC3339)),
		}, nil
	}
	approval := Approval{
		Approved: true,
		SplitBps: e.params.DefaultSplitBps,
		Source:   ApprovalFailsafe,
		Reason:   "guardian unresponsive past failsafe deadline",
	}
	if persist {
		record := &WeekApproval{
			Week:       week,
			State:      ApprovalFailsafe,
			SplitBps:   approval.SplitBps,
			Reason:     approval.Reason,
			ApprovedAt: now.Unix(),
		}
		if err := e.state.PutWeekApproval(record); err != nil {
			return Approval{}, err
		}
		e.emit(events.SettlementApproved{Week: week, SplitBps: approval.SplitBps, Source: ApprovalFailsafe.String(), Reason: approval.Reason})
	}
	return approval, nil
}

// Pause blocks new policy purchases. Settlement and withdrawals remain
// permitted.
func (e *Engine) Pause(caller [20]byte) error {
	return e.setPaused(caller, true)
}

// Unpause lifts the purchase stop.
func (e *Engine) Unpause(caller [20]byte) error {
	return e.setPaused(caller, false)
}

func (e *Engine) setPaused(caller [20]byte, paused bool) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if err := e.requireGuardian(caller); err != nil {
		return err
	}
	if err := e.state.SetPausedFlag(ModulePolicyBuy, paused); err != nil {
		return err
	}
	e.pauses.Set(ModulePolicyBuy, paused)
	e.emit(events.ProtocolPaused{Paused: paused})
	return nil
}

// Changes lists the governed parameters with their pending changes for the
// audit endpoint.
func (e *Engine) Changes(names []string) ([]*ParamValue, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	out := make([]*ParamValue, 0, len(names))
	for _, name := range names {
		record, err := e.state.GovParam(name)
		if err != nil {
			return nil, err
		}
		if record != nil {
			out = append(out, record.Clone())
		}
	}
	return out, nil
}

func (e *Engine) ensureParam(name string) (*ParamValue, error) {
	record, err := e.state.GovParam(name)
	if err != nil {
		return nil, err
	}
	if record == nil {
		record = &ParamValue{Name: name}
	}
	return record, nil
}

func (e *Engine) emit(ev events.Event) {
	if e == nil || e.emitter == nil || ev == nil {
		return
	}
	e.emitter.Emit(ev)
}
