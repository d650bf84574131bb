// Package metrics exposes the protocol's Prometheus instrumentation.
package metrics

import (
	"math/big"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"gapguard/core/events"
)

// Set holds the registered collectors. Obtain it through Default; direct
// construction would double-register on the global registry.
type Set struct {
	PoliciesSold      prometheus.Counter
	PoliciesSettled   *prometheus.CounterVec
	PremiumsCollected prometheus.Counter
	PayoutsPaid       prometheus.Counter
	StakeDeposited    prometheus.Counter
	WithdrawalsQueued prometheus.Counter
	WithdrawalsFilled prometheus.Counter
	StaleOracleRejections prometheus.Counter
	PauseState            prometheus.Gauge
	QueueDepth            prometheus.Gauge
	UtilizationBps        prometheus.Gauge
}

var (
	setOnce sync.Once
	set     *Set
)

// Default returns the process-wide metric set, registering it on first use.
func Default() *Set {
	setOnce.Do(func() {
		set = &Set{
			PoliciesSold: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "gapguard",
				Subsystem: "policy",
				Name:      "sold_total",
				Help:      "Total gap insurance policies sold.",
			}),
			PoliciesSettled: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "gapguard",
				Subsystem: "policy",
				Name:      "settled_total",
				Help:      "Total policies settled, labelled by outcome.",
			}, []string{"outcome"}),
			PremiumsCollected: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "gapguard",
				Subsystem: "policy",
				Name:      "premiums_collected_tokens",
				Help:      "Cumulative premiums collected, in whole tokens.",
			}),
			PayoutsPaid: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "gapguard",
				Subsystem: "policy",
				Name:      "payouts_paid_tokens",
				Help:      "Cumulative settlement payouts, in whole tokens.",
			}),
			StakeDeposited: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "gapguard",
				Subsystem: "pool",
				Name:      "stake_deposited_tokens",
				Help:      "Cumulative stake deposits, in whole tokens.",
			}),
			WithdrawalsQueued: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "gapguard",
				Subsystem: "pool",
				Name:      "withdrawals_queued_total",
				Help:      "Withdrawal requests that had to wait in the FIFO queue.",
			}),
			WithdrawalsFilled: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "gapguard",
				Subsystem: "pool",
				Name:      "withdrawal_fills_total",
				Help:      "Queue fills executed, partial fills included.",
			}),
			StaleOracleRejections: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "gapguard",
				Subsystem: "oracle",
				Name:      "stale_rejections_total",
				Help:      "Operations refused because no fresh price was available.",
			}),
			PauseState: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "gapguard",
				Subsystem: "gov",
				Name:      "purchases_paused",
				Help:      "1 while policy purchases are paused.",
			}),
			QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "gapguard",
				Subsystem: "pool",
				Name:      "withdrawal_queue_depth",
				Help:      "Unprocessed withdrawal requests in the queue.",
			}),
			UtilizationBps: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "gapguard",
				Subsystem: "pool",
				Name:      "utilization_bps",
				Help:      "Locked coverage over total stake, in basis points.",
			}),
		}
		prometheus.MustRegister(
			set.PoliciesSold,
			set.PoliciesSettled,
			set.PremiumsCollected,
			set.PayoutsPaid,
			set.StakeDeposited,
			set.WithdrawalsQueued,
			set.WithdrawalsFilled,
			set.StaleOracleRejections,
			set.PauseState,
			set.QueueDepth,
			set.UtilizationBps,
		)
	})
	return set
}

// Emitter adapts the metric set to the ledger event stream so counters track
// committed state changes rather than request attempts.
type Emitter struct {
	set *Set
}

// NewEmitter wraps the default metric set.
func NewEmitter() *Emitter {
	return &Emitter{set: Default()}
}

// Emit implements events.Emitter.
func (m *Emitter) Emit(ev events.Event) {
	if m == nil || m.set == nil || ev == nil {
		return
	}
	switch typed := ev.(type) {
	case events.PolicyPurchased:
		m.set.PoliciesSold.Inc()
		m.set.PremiumsCollected.Add(tokens(typed.Premium))
	case events.PolicySettled:
		outcome := "unpaid"
		if typed.Paid {
			outcome = "paid"
		}
		m.set.PoliciesSettled.WithLabelValues(outcome).Inc()
		m.set.PayoutsPaid.Add(tokens(typed.Payout))
	case events.PoolStaked:
		m.set.StakeDeposited.Add(tokens(typed.Amount))
	case events.WithdrawalQueued:
		m.set.WithdrawalsQueued.Inc()
	case events.WithdrawalProcessed:
		m.set.WithdrawalsFilled.Inc()
	case events.ProtocolPaused:
		if typed.Paused {
			m.set.PauseState.Set(1)
		} else {
			m.set.PauseState.Set(0)
		}
	}
}

var tokenUnit = new(big.Float).SetInt64(1_000_000_000_000_000_000)

// tokens converts a base-unit amount to whole tokens for counter deltas.
func tokens(v *big.Int) float64 {
	if v == nil || v.Sign() <= 0 {
		return 0
	}
	scaled := new(big.Float).SetInt(v)
	scaled.Quo(scaled, tokenUnit)
	out, _ := scaled.Float64()
	return out
}
