package policy

import (
	"errors"
	"fmt"
	"math/big"
	"time"

	"gapguard/core/events"
	nativecommon "gapguard/native/common"
	"gapguard/native/gov"
	"gapguard/native/oracle"
	"gapguard/native/pool"
	"gapguard/native/premium"
)

var (
	ErrStaleOracle           = errors.New("policy: oracle reading too stale")
	ErrCoverageCapExceeded   = errors.New("policy: coverage cap exceeded")
	ErrInvalidThreshold      = errors.New("policy: threshold out of range")
	ErrPremiumOutOfBounds    = errors.New("policy: premium outside clamp window")
	ErrAlreadySettled        = errors.New("policy: already settled")
	ErrSettlementNotApproved = errors.New("policy: settlement week not approved")
	ErrWeekNotOpen           = errors.New("policy: settlement week not open yet")
	ErrNotFound              = errors.New("policy: not found")
	ErrProtocolPaused        = errors.New("policy: purchases paused")

	errNilState      = errors.New("policy: state not configured")
	errInvalidAmount = errors.New("policy: coverage must be positive")
)

var basisPoints = big.NewInt(10_000)

type engineState interface {
	NextPolicyID() (uint64, error)
	GetPolicy(id uint64) (*Policy, error)
	PutPolicy(*Policy) error
	PolicyCount() (uint64, error)
	GetWeek(number uint64) (*Week, error)
	PutWeek(*Week) error
}

// poolLedger is the slice of the pool engine the policy ledger drives.
type poolLedger interface {
	LockCoverage(*big.Int) error
	ReleaseCoverage(*big.Int) error
	EscrowPremium(*big.Int) error
	CreditPremium(total *big.Int, splitBps uint64) ([]pool.Transfer, error)
	ApplyPayout(*big.Int) error
	UtilizationBps() (uint64, error)
	Stats() (pool.Stats, error)
}

// governanceView is the slice of the governance engine consulted during
// purchase and settlement.
type governanceView interface {
	VolatilitySnapshot() (uint64, time.Time, error)
	HolidayMultiplier(week uint64) (uint64, error)
	ApprovalFor(week uint64, openAt time.Time) (gov.Approval, error)
	PeekApproval(week uint64, openAt time.Time) (gov.Approval, error)
}

// Params bounds purchases and anchors the settlement-week schedule.
type Params struct {
	MinThresholdBps      uint64
	MaxThresholdBps      uint64
	MaxCoveragePerPolicy *big.Int
	// MaxUtilizationBps caps pool-wide coverage after a purchase locks.
	MaxUtilizationBps uint64
	// PriceMaxAge bounds the purchase-time reference capture (1h). The
	// volatility snapshot tolerates coarser data (24h): premium pricing
	// degrades gracefully where price capture must not.
	PriceMaxAge      time.Duration
	VolatilityMaxAge time.Duration
	// WeekEpoch is the reference close of week zero; weeks are WeekLength
	// apart from it.
	WeekEpoch  time.Time
	WeekLength time.Duration
}

// DefaultParams mirror the documented production configuration.
func DefaultParams(epoch time.Time) Params {
	return Params{
		MinThresholdBps:      100,
		MaxThresholdBps:      2_000,
		MaxCoveragePerPolicy: new(big.Int).Mul(big.NewInt(100_000), big.NewInt(1_000_000_000_000_000_000)),
		MaxUtilizationBps:    8_000,
		PriceMaxAge:          time.Hour,
		VolatilityMaxAge:     24 * time.Hour,
		WeekEpoch:            epoch,
		WeekLength:           7 * 24 * time.Hour,
	}
}

// SettlementResult reports what a settlement resolved to, including the
// outward transfers the caller must execute after commit.
type SettlementResult struct {
	Policy    *Policy
	Payout    *big.Int
	GapBps    uint64
	Approval  gov.Approval
	Transfers []pool.Transfer
}

// Engine owns policy records and the settlement state machine. It consults
// the oracle and premium engines and mutates the pool ledger on purchase
// and on payout. The caller serializes access.
type Engine struct {
	state   engineState
	pool    poolLedger
	gov     governanceView
	pricer  *premium.Engine
	oracle  oracle.Source
	pauses  nativecommon.PauseView
	params  Params
	emitter events.Emitter
	nowFn   func() time.Time
}

// NewEngine constructs a policy engine with default no-op dependencies.
func NewEngine(params Params) *Engine {
	return &Engine{
		params:  params,
		emitter: events.NoopEmitter{},
		nowFn:   func() time.Time { return time.Now().UTC() },
	}
}

// SetState wires the engine to the ledger persistence layer.
func (e *Engine) SetState(state engineState) { e.state = state }

// SetPool wires the pool ledger mutated on purchase and settlement.
func (e *Engine) SetPool(p poolLedger) { e.pool = p }

// SetGovernance wires the approval and parameter view.
func (e *Engine) SetGovernance(g governanceView) { e.gov = g }

// SetPricer wires the premium engine.
func (e *Engine) SetPricer(p *premium.Engine) { e.pricer = p }

// SetOracle wires the price capability.
func (e *Engine) SetOracle(src oracle.Source) { e.oracle = src }

// SetPauses wires the guardian pause view.
func (e *Engine) SetPauses(p nativecommon.PauseView) { e.pauses = p }

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

// weekOf returns the schedule week containing t.
func (e *Engine) weekOf(t time.Time) uint64 {
	if e.params.WeekLength <= 0 || t.Before(e.params.WeekEpoch) {
		return 0
	}
	return uint64(t.Sub(e.params.WeekEpoch) / e.params.WeekLength)
}

// OpenTime returns the open timestamp of the given settlement week.
func (e *Engine) OpenTime(week uint64) time.Time {
	return e.params.WeekEpoch.Add(time.Duration(week) * e.params.WeekLength)
}

// Quote prices a policy against current pool and governance state without
// mutating anything. It is the shared precondition path of BuyPolicy and
// CanBuyPolicy, so the dry-run and the mutation cannot drift apart.
func (e *Engine) Quote(coverage *big.Int, thresholdBps uint64) (*big.Int, oracle.Quote, uint64, error) {
	if e == nil || e.state == nil {
		return nil, oracle.Quote{}, 0, errNilState
	}
	if err := nativecommon.Guard(e.pauses, gov.ModulePolicyBuy); err != nil {
		return nil, oracle.Quote{}, 0, fmt.Errorf("%w: %s", ErrProtocolPaused, "guardian emergency stop active")
	}
	if coverage == nil || coverage.Sign() <= 0 {
		return nil, oracle.Quote{}, 0, errInvalidAmount
	}
	if thresholdBps < e.params.MinThresholdBps || thresholdBps > e.params.MaxThresholdBps {
		return nil, oracle.Quote{}, 0, fmt.Errorf("%w: %d bps outside [%d, %d]",
			ErrInvalidThreshold, thresholdBps, e.params.MinThresholdBps, e.params.MaxThresholdBps)
	}
	if e.params.MaxCoveragePerPolicy != nil && coverage.Cmp(e.params.MaxCoveragePerPolicy) > 0 {
		return nil, oracle.Quote{}, 0, fmt.Errorf("%w: per-policy cap", ErrCoverageCapExceeded)
	}

	now := e.nowFn()
	quote, err := e.oracle.Latest()
	if err != nil {
		return nil, oracle.Quote{}, 0, fmt.Errorf("%w: %v", ErrStaleOracle, err)
	}
	if !quote.FreshWithin(now, e.params.PriceMaxAge) {
		return nil, oracle.Quote{}, 0, fmt.Errorf("%w: reference price as of %s", ErrStaleOracle, quote.AsOf.UTC().Format(time.RFC3339))
	}

	volBps, volAsOf, err := e.gov.VolatilitySnapshot()
	if err != nil {
		return nil, oracle.Quote{}, 0, err
	}
	if volAsOf.Before(now.Add(-e.params.VolatilityMaxAge)) {
		return nil, oracle.Quote{}, 0, fmt.Errorf("%w: volatility snapshot as of %s", ErrStaleOracle, volAsOf.UTC().Format(time.RFC3339))
	}

	// Pool cap: the post-lock utilization must stay under the ceiling.
	stats, err := e.pool.Stats()
	if err != nil {
		return nil, oracle.Quote{}, 0, err
	}
	if stats.TotalStaked.Sign() == 0 {
		return nil, oracle.Quote{}, 0, fmt.Errorf("%w: pool is empty", pool.ErrInsufficientLiquidity)
	}
	locked := new(big.Int).Add(stats.TotalCoverage, coverage)
	projected := new(big.Int).Mul(locked, basisPoints)
	projected.Quo(projected, stats.TotalStaked)
	if e.params.MaxUtilizationBps > 0 && projected.Cmp(new(big.Int).SetUint64(e.params.MaxUtilizationBps)) > 0 {
		return nil, oracle.Quote{}, 0, fmt.Errorf("%w: pool utilization cap", ErrCoverageCapExceeded)
	}

	utilBps, err := e.pool.UtilizationBps()
	if err != nil {
		return nil, oracle.Quote{}, 0, err
	}
	week := e.weekOf(now) + 1
	holidayBps, err := e.gov.HolidayMultiplier(week)
	if err != nil {
		return nil, oracle.Quote{}, 0, err
	}
	hoursSinceClose := uint64(now.Sub(e.OpenTime(week - 1)) / time.Hour)

	prem, err := e.pricer.Quote(coverage, utilBps, volBps, holidayBps, hoursSinceClose)
	if err != nil {
		return nil, oracle.Quote{}, 0, err
	}
	floor, ceil := e.pricer.Bounds(coverage)
	if prem.Cmp(floor) < 0 || prem.Cmp(ceil) > 0 {
		return nil, oracle.Quote{}, 0, ErrPremiumOutOfBounds
	}
	return prem, quote, week, nil
}

// BuyPolicy creates a new Active policy: captures the reference close from
// the oracle, prices the premium, locks coverage and escrows the premium.
// The caller must have secured the premium (transferIn) before commit and
// is given the amount via the returned policy. No partial state survives a
// failure.
func (e *Engine) BuyPolicy(holder [20]byte, coverage *big.Int, thresholdBps uint64) (*Policy, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	prem, quote, week, err := e.Quote(coverage, thresholdBps)
	if err != nil {
		return nil, err
	}
	if err := e.pool.LockCoverage(coverage); err != nil {
		return nil, err
	}
	if err := e.pool.EscrowPremium(prem); err != nil {
		return nil, err
	}
	id, err := e.state.NextPolicyID()
	if err != nil {
		return nil, err
	}
	now := e.nowFn()
	record := &Policy{
		ID:            id,
		Holder:        holder,
		Coverage:      new(big.Int).Set(coverage),
		ThresholdBps:  thresholdBps,
		Premium:       prem,
		PurchasedAt:   now.Unix(),
		RefClosePrice: new(big.Int).Set(quote.Price),
		RefCloseAt:    quote.AsOf.Unix(),
		Week:          week,
		Status:        StatusActive,
	}
	if err := e.state.PutPolicy(record); err != nil {
		return nil, err
	}
	e.emit(events.PolicyPurchased{
		ID:           id,
		Holder:       holder,
		Coverage:     new(big.Int).Set(coverage),
		ThresholdBps: thresholdBps,
		Premium:      new(big.Int).Set(prem),
		Week:         week,
	})
	return record.Clone(), nil
}

// SettlePolicy resolves an Active policy against its settlement week's open
// snapshot. The week must be approved (guardian or failsafe). On the first
// settlement in a week the open price is captured from the oracle and
// frozen on the week record.
func (e *Engine) SettlePolicy(id uint64) (*SettlementResult, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	record, err := e.state.GetPolicy(id)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, fmt.Errorf("%w: policy %d", ErrNotFound, id)
	}
	if record.Status.Settled() {
		return nil, fmt.Errorf("%w: policy %d", ErrAlreadySettled, id)
	}

	now := e.nowFn()
	openAt := e.OpenTime(record.Week)
	if now.Before(openAt) {
		return nil, fmt.Errorf("%w: week %d opens %s", ErrWeekNotOpen, record.Week, openAt.UTC().Format(time.RFC3339))
	}

	approval, err := e.gov.ApprovalFor(record.Week, openAt)
	if err != nil {
		return nil, err
	}
	if !approval.Approved {
		return nil, fmt.Errorf("%w: %s", ErrSettlementNotApproved, approval.Reason)
	}

	week, err := e.ensureWeekOpen(record.Week, now)
	if err != nil {
		return nil, err
	}

	gapBps := gap(week.OpenPrice, record.RefClosePrice)
	payout := rampPayout(record.Coverage, gapBps, record.ThresholdBps)

	// Release, charge the payout, then credit the premium. The payout has
	// first claim on the freed liquidity; the queue drains inside
	// CreditPremium once the payout is accounted for.
	if err := e.pool.ReleaseCoverage(record.Coverage); err != nil {
		return nil, err
	}
	if payout.Sign() > 0 {
		if err := e.pool.ApplyPayout(payout); err != nil {
			return nil, err
		}
	}
	transfers, err := e.pool.CreditPremium(record.Premium, approval.SplitBps)
	if err != nil {
		return nil, err
	}

	record.Payout = payout
	record.GapBps = gapBps
	record.SettledAt = now.Unix()
	if payout.Sign() > 0 {
		record.Status = StatusSettledPaid
	} else {
		record.Status = StatusSettledUnpaid
	}
	if err := e.state.PutPolicy(record); err != nil {
		return nil, err
	}

	e.emit(events.PolicySettled{
		ID:     record.ID,
		Holder: record.Holder,
		GapBps: gapBps,
		Payout: new(big.Int).Set(payout),
		Week:   record.Week,
		Paid:   payout.Sign() > 0,
	})
	return &SettlementResult{
		Policy:    record.Clone(),
		Payout:    new(big.Int).Set(payout),
		GapBps:    gapBps,
		Approval:  approval,
		Transfers: transfers,
	}, nil
}

// ensureWeekOpen loads the week record, capturing the open snapshot from
// the oracle on first use. Once captured the snapshot is immutable.
func (e *Engine) ensureWeekOpen(number uint64, now time.Time) (*Week, error) {
	week, err := e.state.GetWeek(number)
	if err != nil {
		return nil, err
	}
	if week != nil && week.OpenPrice != nil && week.OpenPrice.Sign() > 0 {
		return week, nil
	}
	quote, err := e.oracle.Latest()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStaleOracle, err)
	}
	if !quote.FreshWithin(now, e.params.PriceMaxAge) {
		return nil, fmt.Errorf("%w: open price as of %s", ErrStaleOracle, quote.AsOf.UTC().Format(time.RFC3339))
	}
	week = &Week{
		Number:     number,
		OpenPrice:  new(big.Int).Set(quote.Price),
		OpenAsOf:   quote.AsOf.Unix(),
		CapturedAt: now.Unix(),
	}
	if err := e.state.PutWeek(week); err != nil {
		return nil, err
	}
	return week, nil
}

// GetPolicy returns a copy of the stored policy.
func (e *Engine) GetPolicy(id uint64) (*Policy, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	record, err := e.state.GetPolicy(id)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, fmt.Errorf("%w: policy %d", ErrNotFound, id)
	}
	return record.Clone(), nil
}

// PolicyCount reports how many policies have ever been written.
func (e *Engine) PolicyCount() (uint64, error) {
	if e == nil || e.state == nil {
		return 0, errNilState
	}
	return e.state.PolicyCount()
}

// CanBuyPolicy is the predictive dry-run of BuyPolicy. It never fails on
// business-state grounds; ineligibility is reported in the result.
func (e *Engine) CanBuyPolicy(coverage *big.Int, thresholdBps uint64) (Eligibility, error) {
	prem, _, _, err := e.Quote(coverage, thresholdBps)
	if err != nil {
		if errors.Is(err, errNilState) {
			return Eligibility{}, err
		}
		return Eligibility{Allowed: false, Reason: err.Error()}, nil
	}
	return Eligibility{Allowed: true, EstimatedPremium: prem}, nil
}

// CanSettle is the predictive dry-run of the settlement guard for a week.
// It evaluates the failsafe lazily without persisting it.
func (e *Engine) CanSettle(week uint64) (Eligibility, error) {
	if e == nil || e.state == nil {
		return Eligibility{}, errNilState
	}
	now := e.nowFn()
	openAt := e.OpenTime(week)
	if now.Before(openAt) {
		return Eligibility{Allowed: false, Reason: fmt.Sprintf("week %d opens %s", week, openAt.UTC().Format(time.RFC3339))}, nil
	}
	approval, err := e.gov.PeekApproval(week, openAt)
	if err != nil {
		return Eligibility{}, err
	}
	if !approval.Approved {
		return Eligibility{Allowed: false, Reason: approval.Reason}, nil
	}
	return Eligibility{Allowed: true, SplitBps: approval.SplitBps}, nil
}

// gap returns |open - close| / close in basis points, floor division.
func gap(open, close *big.Int) uint64 {
	if open == nil || close == nil || close.Sign() == 0 {
		return 0
	}
	diff := new(big.Int).Sub(open, close)
	diff.Abs(diff)
	diff.Mul(diff, basisPoints)
	diff.Quo(diff, close)
	return diff.Uint64()
}

// rampPayout implements the graduated payout: zero below the threshold, a
// linear ramp between threshold and twice the threshold, full coverage at
// or beyond twice the threshold. Capped at coverage regardless of rounding.
func rampPayout(coverage *big.Int, gapBps, thresholdBps uint64) *big.Int {
	if coverage == nil || coverage.Sign() <= 0 || thresholdBps == 0 {
		return big.NewInt(0)
	}
	if gapBps < thresholdBps {
		return big.NewInt(0)
	}
	if gapBps >= 2*thresholdBps {
		return new(big.Int).Set(coverage)
	}
	payout := new(big.Int).SetUint64(gapBps - thresholdBps)
	payout.Mul(payout, coverage)
	payout.Quo(payout, new(big.Int).SetUint64(thresholdBps))
	if payout.Cmp(coverage) > 0 {
		payout.Set(coverage)
	}
	return payout
}

func (e *Engine) emit(ev events.Event) {
	if e == nil || e.emitter == nil || ev == nil {
		return
	}
	e.emitter.Emit(ev)
}
