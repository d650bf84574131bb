package core

import (
	"log/slog"
	"math/big"
	"sync"
	"time"

	"gapguard/core/events"
	"gapguard/native/gov"
	"gapguard/native/oracle"
	"gapguard/native/policy"
	"gapguard/native/pool"
	"gapguard/native/premium"
	"gapguard/storage"
)

// NodeConfig wires the engines together.
type NodeConfig struct {
	Gov     gov.Params
	Policy  policy.Params
	Premium premium.Params
	Oracle  oracle.Source
	Emitter events.Emitter
	Logger  *slog.Logger
	NowFunc func() time.Time
}

// StakeReceipt reports the outcome of a stake deposit, including queue
// fills the new liquidity unlocked.
type StakeReceipt struct {
	Shares    *big.Int
	Transfers []pool.Transfer
}

// WithdrawalReceipt reports the outcome of a withdrawal request.
type WithdrawalReceipt struct {
	Seq       uint64
	Immediate bool
	Transfers []pool.Transfer
}

// Node is the single-writer ledger host. Every mutating operation takes the
// write lock, runs inside one state transaction and pays outbound transfers
// only after the mutation is fully recorded; a failure anywhere rolls the
// whole operation back. Read operations take the read lock.
type Node struct {
	mu sync.RWMutex

	state  *LedgerState
	vault  *Vault
	pool   *pool.Engine
	policy *policy.Engine
	gov    *gov.Engine

	logger *slog.Logger
	nowFn  func() time.Time
}

// NewNode assembles the engines over the given store and bootstraps
// governance state.
func NewNode(db storage.Database, cfg NodeConfig) (*Node, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.NowFunc == nil {
		cfg.NowFunc = func() time.Time { return time.Now().UTC() }
	}
	if cfg.Emitter == nil {
		cfg.Emitter = events.NoopEmitter{}
	}

	state := NewLedgerState(db)
	vault := NewVault(state)

	poolEngine := pool.NewEngine()
	poolEngine.SetState(state)
	poolEngine.SetEmitter(cfg.Emitter)
	poolEngine.SetNowFunc(cfg.NowFunc)

	govEngine := gov.NewEngine(cfg.Gov)
	govEngine.SetState(state)
	govEngine.SetEmitter(cfg.Emitter)
	govEngine.SetNowFunc(cfg.NowFunc)

	policyEngine := policy.NewEngine(cfg.Policy)
	policyEngine.SetState(state)
	policyEngine.SetPool(poolEngine)
	policyEngine.SetGovernance(govEngine)
	policyEngine.SetPricer(premium.NewEngine(cfg.Premium))
	policyEngine.SetOracle(cfg.Oracle)
	policyEngine.SetPauses(govEngine.Pauses())
	policyEngine.SetEmitter(cfg.Emitter)
	policyEngine.SetNowFunc(cfg.NowFunc)

	node := &Node{
		state:  state,
		vault:  vault,
		pool:   poolEngine,
		policy: policyEngine,
		gov:    govEngine,
		logger: cfg.Logger,
		nowFn:  cfg.NowFunc,
	}

	state.Begin()
	if err := govEngine.Bootstrap(cfg.NowFunc()); err != nil {
		state.Rollback()
		return nil, err
	}
	if err := state.Commit(); err != nil {
		return nil, err
	}
	return node, nil
}

// withTxn runs fn inside one state transaction under the write lock.
func (n *Node) withTxn(fn func() error) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.state.Begin()
	if err := fn(); err != nil {
		n.state.Rollback()
		return err
	}
	return n.state.Commit()
}

// payTransfers credits queue fills and payouts. Runs inside the same
// transaction as the mutation that produced them, after it, so the credit
// and the record commit or vanish together.
func (n *Node) payTransfers(transfers []pool.Transfer) error {
	for _, transfer := range transfers {
		if err := n.vault.Credit(transfer.To, transfer.Amount); err != nil {
			return err
		}
	}
	return nil
}

// Genesis mints the initial account allocation.
func (n *Node) Genesis(allocs map[[20]byte]*big.Int) error {
	return n.withTxn(func() error {
		for addr, amount := range allocs {
			if err := n.vault.Mint(addr, amount); err != nil {
				return err
			}
		}
		return nil
	})
}

// Stake deposits funds into the insurance pool.
func (n *Node) Stake(staker [20]byte, amount *big.Int) (*StakeReceipt, error) {
	var receipt *StakeReceipt
	err := n.withTxn(func() error {
		if err := n.vault.Debit(staker, amount); err != nil {
			return err
		}
		shares, transfers, err := n.pool.Stake(staker, amount)
		if err != nil {
			return err
		}
		if err := n.payTransfers(transfers); err != nil {
			return err
		}
		receipt = &StakeReceipt{Shares: shares, Transfers: transfers}
		return nil
	})
	if err != nil {
		return nil, err
	}
	n.logger.Info("stake accepted",
		"staker", FormatAddress(staker),
		"amount", amount.String(),
		"shares", receipt.Shares.String())
	return receipt, nil
}

// RequestWithdrawal queues a withdrawal and pays out whatever the queue
// could fill immediately.
func (n *Node) RequestWithdrawal(staker [20]byte, amount *big.Int) (*WithdrawalReceipt, error) {
	var receipt *WithdrawalReceipt
	err := n.withTxn(func() error {
		seq, immediate, transfers, err := n.pool.RequestWithdrawal(staker, amount)
		if err != nil {
			return err
		}
		if err := n.payTransfers(transfers); err != nil {
			return err
		}
		receipt = &WithdrawalReceipt{Seq: seq, Immediate: immediate, Transfers: transfers}
		return nil
	})
	if err != nil {
		return nil, err
	}
	n.logger.Info("withdrawal requested",
		"staker", FormatAddress(staker),
		"amount", amount.String(),
		"seq", receipt.Seq,
		"immediate", receipt.Immediate)
	return receipt, nil
}

// BuyPolicy purchases gap coverage. The premium is debited from the holder
// in the same transaction that records the policy.
func (n *Node) BuyPolicy(holder [20]byte, coverage *big.Int, thresholdBps uint64) (*policy.Policy, error) {
	var record *policy.Policy
	err := n.withTxn(func() error {
		bought, err := n.policy.BuyPolicy(holder, coverage, thresholdBps)
		if err != nil {
			return err
		}
		if err := n.vault.Debit(holder, bought.Premium); err != nil {
			return err
		}
		record = bought
		return nil
	})
	if err != nil {
		return nil, err
	}
	n.logger.Info("policy purchased",
		"id", record.ID,
		"holder", FormatAddress(holder),
		"coverage", record.Coverage.String(),
		"premium", record.Premium.String(),
		"week", record.Week)
	return record, nil
}

// SettlePolicy resolves a policy against its settlement week. Payout and
// freed-liquidity queue fills are credited inside the same transaction.
func (n *Node) SettlePolicy(id uint64) (*policy.SettlementResult, error) {
	var result *policy.SettlementResult
	err := n.withTxn(func() error {
		settled, err := n.policy.SettlePolicy(id)
		if err != nil {
			return err
		}
		if settled.Payout.Sign() > 0 {
			if err := n.vault.Credit(settled.Policy.Holder, settled.Payout); err != nil {
				return err
			}
		}
		if err := n.payTransfers(settled.Transfers); err != nil {
			return err
		}
		result = settled
		return nil
	})
	if err != nil {
		return nil, err
	}
	n.logger.Info("policy settled",
		"id", id,
		"status", result.Policy.Status.String(),
		"gapBps", result.GapBps,
		"payout", result.Payout.String(),
		"approval", result.Approval.Source.String())
	return result, nil
}

// --- governance passthroughs ---

func (n *Node) QueueVolatilityChange(caller [20]byte, bps uint64, reason string) error {
	return n.withTxn(func() error {
		return n.gov.QueueVolatilityChange(caller, bps, reason)
	})
}

func (n *Node) QueueHolidayMultiplier(caller [20]byte, week, bps uint64, reason string) error {
	return n.withTxn(func() error {
		return n.gov.QueueHolidayMultiplier(caller, week, bps, reason)
	})
}

func (n *Node) ActivateChange(param string) error {
	return n.withTxn(func() error {
		return n.gov.ActivateChange(param)
	})
}

func (n *Node) ApproveSettlement(caller [20]byte, week, splitBps uint64, reason string) error {
	return n.withTxn(func() error {
		return n.gov.ApproveSettlement(caller, week, splitBps, reason)
	})
}

func (n *Node) Pause(caller [20]byte) error {
	return n.withTxn(func() error { return n.gov.Pause(caller) })
}

func (n *Node) Unpause(caller [20]byte) error {
	return n.withTxn(func() error { return n.gov.Unpause(caller) })
}

// --- read APIs ---

func (n *Node) PoolStats() (pool.Stats, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	stats, err := n.pool.Stats()
	if err != nil {
		return pool.Stats{}, err
	}
	count, err := n.policy.PolicyCount()
	if err != nil {
		return pool.Stats{}, err
	}
	stats.PolicyCount = count
	return stats, nil
}

func (n *Node) QueueStats() (pool.QueueStats, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.pool.QueueStats()
}

func (n *Node) StakerBalance(staker [20]byte) (*big.Int, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.pool.BalanceOf(staker)
}

func (n *Node) DollarAhead(seq uint64) (*big.Int, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.pool.DollarAhead(seq)
}

func (n *Node) Withdrawal(seq uint64) (*pool.WithdrawalRequest, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	request, err := n.state.WithdrawalBySeq(seq)
	if err != nil {
		return nil, err
	}
	if request == nil {
		return nil, policy.ErrNotFound
	}
	return request.Clone(), nil
}

func (n *Node) GetPolicy(id uint64) (*policy.Policy, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.policy.GetPolicy(id)
}

func (n *Node) ListPolicies(fn func(*policy.Policy) bool) error {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.state.ListPolicies(fn)
}

func (n *Node) CanBuyPolicy(coverage *big.Int, thresholdBps uint64) (policy.Eligibility, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.policy.CanBuyPolicy(coverage, thresholdBps)
}

func (n *Node) CanSettle(week uint64) (policy.Eligibility, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.policy.CanSettle(week)
}

// QuotePremium prices a hypothetical policy without mutating anything.
func (n *Node) QuotePremium(coverage *big.Int, thresholdBps uint64) (*big.Int, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	prem, _, _, err := n.policy.Quote(coverage, thresholdBps)
	return prem, err
}

func (n *Node) VolatilitySnapshot() (uint64, time.Time, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.gov.VolatilitySnapshot()
}

// GovChanges lists every governed parameter with its pending change.
func (n *Node) GovChanges() ([]*gov.ParamValue, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	names, err := n.state.GovParamNames()
	if err != nil {
		return nil, err
	}
	return n.gov.Changes(names)
}

func (n *Node) WeekApproval(week uint64) (*gov.WeekApproval, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	record, err := n.state.WeekApproval(week)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, policy.ErrNotFound
	}
	return record, nil
}

func (n *Node) Week(number uint64) (*policy.Week, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	week, err := n.state.GetWeek(number)
	if err != nil {
		return nil, err
	}
	if week == nil {
		return nil, policy.ErrNotFound
	}
	return week.Clone(), nil
}

func (n *Node) Paused() bool {
	return n.gov.Pauses().IsPaused(gov.ModulePolicyBuy)
}

func (n *Node) AccountBalance(addr [20]byte) (*big.Int, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.vault.Balance(addr)
}

// OpenTime exposes the settlement-week schedule.
func (n *Node) OpenTime(week uint64) time.Time {
	return n.policy.OpenTime(week)
}
