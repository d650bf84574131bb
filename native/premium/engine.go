package premium

import (
	"errors"
	"math/big"
)

var (
	errInvalidCoverage = errors.New("premium engine: coverage must be positive")
	errInvalidVol      = errors.New("premium engine: volatility ratio must be positive")
)

var basisPoints = big.NewInt(10_000)

// Params holds the rate knobs used by the quoting formula. Values are basis
// points against a 10_000 denominator.
type Params struct {
	// BaseAnnualRateBps is the flat annual coverage rate before loadings.
	BaseAnnualRateBps uint64
	// TimeDecayBpsPerHour inflates the premium for each hour elapsed since
	// the reference close, pricing the shrinking hedge window.
	TimeDecayBpsPerHour uint64
	// MinPremiumBps floors the premium as a share of coverage.
	MinPremiumBps uint64
	// MaxPremiumBps caps the premium as a share of coverage.
	MaxPremiumBps uint64
}

// DefaultParams mirror the documented production configuration: 2% base
// annual rate, 10 bps/hour decay, premium clamped to [1%, 95%] of coverage.
func DefaultParams() Params {
	return Params{
		BaseAnnualRateBps:   200,
		TimeDecayBpsPerHour: 10,
		MinPremiumBps:       100,
		MaxPremiumBps:       9_500,
	}
}

// Engine prices coverage. It is pure: identical inputs always produce the
// identical premium, which the property tests rely on.
type Engine struct {
	params Params
}

// NewEngine constructs a premium engine with the supplied parameters.
func NewEngine(params Params) *Engine {
	if params.MaxPremiumBps == 0 {
		params.MaxPremiumBps = DefaultParams().MaxPremiumBps
	}
	if params.MinPremiumBps == 0 {
		params.MinPremiumBps = DefaultParams().MinPremiumBps
	}
	return &Engine{params: params}
}

// Params returns the engine's configured rate knobs.
func (e *Engine) Params() Params {
	if e == nil {
		return Params{}
	}
	return e.params
}

// Quote computes the premium for the given coverage.
//
//	premium = coverage * baseAnnualRate * (1 + utilization^2)
//	                   * volatilityRatio * (1 + decay*hours) * holiday
//
// Every factor is applied as value*factorBps/10_000 with floor division, in
// the order written above. The order is load-bearing: premium equality
// tests are sensitive to it at the smallest unit, so it must never change.
// holidayBps of 0 or 10_000 means no holiday loading. The result is clamped
// to [MinPremiumBps, MaxPremiumBps] of coverage.
func (e *Engine) Quote(coverage *big.Int, utilizationBps, volatilityRatioBps, holidayBps, hoursSinceClose uint64) (*big.Int, error) {
	if e == nil {
		return nil, errors.New("premium engine: not configured")
	}
	if coverage == nil || coverage.Sign() <= 0 {
		return nil, errInvalidCoverage
	}
	if volatilityRatioBps == 0 {
		return nil, errInvalidVol
	}

	p := new(big.Int).Mul(coverage, new(big.Int).SetUint64(e.params.BaseAnnualRateBps))
	p.Quo(p, basisPoints)

	// 1 + u^2, with u in bps: factor = 10_000 + u*u/10_000.
	utilSq := new(big.Int).SetUint64(utilizationBps)
	utilSq.Mul(utilSq, utilSq)
	utilSq.Quo(utilSq, basisPoints)
	utilFactor := new(big.Int).Add(basisPoints, utilSq)
	p.Mul(p, utilFactor)
	p.Quo(p, basisPoints)

	p.Mul(p, new(big.Int).SetUint64(volatilityRatioBps))
	p.Quo(p, basisPoints)

	timeFactor := new(big.Int).SetUint64(e.params.TimeDecayBpsPerHour)
	timeFactor.Mul(timeFactor, new(big.Int).SetUint64(hoursSinceClose))
	timeFactor.Add(timeFactor, basisPoints)
	p.Mul(p, timeFactor)
	p.Quo(p, basisPoints)

	if holidayBps != 0 && holidayBps != 10_000 {
		p.Mul(p, new(big.Int).SetUint64(holidayBps))
		p.Quo(p, basisPoints)
	}

	floor, ceil := e.Bounds(coverage)
	if p.Cmp(floor) < 0 {
		p.Set(floor)
	}
	if p.Cmp(ceil) > 0 {
		p.Set(ceil)
	}
	return p, nil
}

// Bounds returns the clamp window [floor, ceil] for the given coverage. The
// floor prevents underpriced catastrophic risk; the ceiling keeps premiums
// below any plausible payout.
func (e *Engine) Bounds(coverage *big.Int) (*big.Int, *big.Int) {
	floor := new(big.Int).Mul(coverage, new(big.Int).SetUint64(e.params.MinPremiumBps))
	floor.Quo(floor, basisPoints)
	ceil := new(big.Int).Mul(coverage, new(big.Int).SetUint64(e.params.MaxPremiumBps))
	ceil.Quo(ceil, basisPoints)
	return floor, ceil
}
