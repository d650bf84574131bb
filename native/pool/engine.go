package pool

import (
	"errors"
	"math/big"
	"time"

	"gapguard/core/events"
)

var (
	ErrInsufficientBalance   = errors.New("pool: insufficient staker balance")
	ErrInsufficientLiquidity = errors.New("pool: insufficient liquidity")

	errNilState      = errors.New("pool: state not configured")
	errInvalidAmount = errors.New("pool: amount must be positive")
	errEscrowShort   = errors.New("pool: premium escrow underflow")
	errPoolCollapsed = errors.New("pool: yield index collapsed, deposits closed")
)

var (
	basisPoints = big.NewInt(10_000)
	ray         = big.NewInt(1_000_000_000_000_000_000)
)

type engineState interface {
	PoolState() (*State, error)
	PutPoolState(*State) error
	GetStaker(addr [20]byte) (*Staker, error)
	PutStaker(*Staker) error
	WithdrawalBySeq(seq uint64) (*WithdrawalRequest, error)
	PutWithdrawal(*WithdrawalRequest) error
}

// Engine owns staker balances, locked coverage and the withdrawal queue. It
// is the authoritative source of free liquidity. All mutating entry points
// assume the caller serializes access; the engine itself holds no lock.
type Engine struct {
	state   engineState
	emitter events.Emitter
	nowFn   func() time.Time
}

// NewEngine constructs a pool engine with default no-op dependencies.
func NewEngine() *Engine {
	return &Engine{
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

func (e *Engine) emit(ev events.Event) {
	if e == nil || e.emitter == nil || ev == nil {
		return
	}
	e.emitter.Emit(ev)
}

// Stake credits the staker with shares for the supplied amount and drains
// the withdrawal queue with the newly available liquidity. The caller must
// have secured the funds (transferIn) before invoking. Returns the minted
// shares and any queue fills to pay out after commit.
func (e *Engine) Stake(staker [20]byte, amount *big.Int) (*big.Int, []Transfer, error) {
	if e == nil || e.state == nil {
		return nil, nil, errNilState
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, nil, errInvalidAmount
	}
	state, err := e.ensureState()
	if err != nil {
		return nil, nil, err
	}

	minted := new(big.Int)
	if state.TotalShares.Sign() == 0 {
		minted.Set(amount)
		state.YieldIndex = new(big.Int).Set(ray)
	} else {
		if state.YieldIndex.Sign() == 0 {
			return nil, nil, errPoolCollapsed
		}
		minted.Mul(amount, ray)
		minted.Quo(minted, state.YieldIndex)
		if minted.Sign() == 0 {
			minted.SetInt64(1)
		}
	}

	account, err := e.ensureStaker(staker)
	if err != nil {
		return nil, nil, err
	}
	account.Shares = new(big.Int).Add(account.Shares, minted)
	state.TotalStaked = new(big.Int).Add(state.TotalStaked, amount)
	state.TotalShares = new(big.Int).Add(state.TotalShares, minted)

	// The staker must be persisted before the drain: the queue may hold one
	// of their own requests, and the drain re-reads stakers from state.
	if err := e.state.PutStaker(account); err != nil {
		return nil, nil, err
	}
	transfers, err := e.drainQueue(state)
	if err != nil {
		return nil, nil, err
	}
	if err := e.state.PutPoolState(state); err != nil {
		return nil, nil, err
	}
	e.emit(events.PoolStaked{Staker: staker, Amount: new(big.Int).Set(amount), Shares: new(big.Int).Set(minted)})
	return minted, transfers, nil
}

// RequestWithdrawal enqueues a withdrawal and immediately attempts to drain
// the queue. The request is never rejected for lack of liquidity, only for
// lack of balance; fairness comes from the enqueue-then-drain ordering,
// which cannot satisfy this request while an earlier one is still pending.
// The returned flag reports whether the request fully processed in-line.
func (e *Engine) RequestWithdrawal(staker [20]byte, amount *big.Int) (uint64, bool, []Transfer, error) {
	if e == nil || e.state == nil {
		return 0, false, nil, errNilState
	}
	if amount == nil || amount.Sign() <= 0 {
		return 0, false, nil, errInvalidAmount
	}
	state, err := e.ensureState()
	if err != nil {
		return 0, false, nil, err
	}
	account, err := e.ensureStaker(staker)
	if err != nil {
		return 0, false, nil, err
	}
	if e.balanceOf(account, state).Cmp(amount) < 0 {
		return 0, false, nil, ErrInsufficientBalance
	}

	now := e.nowFn().Unix()
	request := &WithdrawalRequest{
		Seq:         state.QueueTail,
		Staker:      staker,
		Amount:      new(big.Int).Set(amount),
		Filled:      big.NewInt(0),
		RequestedAt: now,
	}
	state.QueueTail++
	state.PendingWithdrawals = new(big.Int).Add(state.PendingWithdrawals, amount)
	if err := e.state.PutWithdrawal(request); err != nil {
		return 0, false, nil, err
	}

	transfers, err := e.drainQueue(state)
	if err != nil {
		return 0, false, nil, err
	}
	if err := e.state.PutPoolState(state); err != nil {
		return 0, false, nil, err
	}

	stored, err := e.state.WithdrawalBySeq(request.Seq)
	if err != nil {
		return 0, false, nil, err
	}
	immediate := stored != nil && stored.Processed
	if !immediate {
		e.emit(events.WithdrawalQueued{Seq: request.Seq, Staker: staker, Amount: new(big.Int).Set(amount)})
	}
	return request.Seq, immediate, transfers, nil
}

// LockCoverage reserves staked liquidity against a new policy. Called only
// by the policy ledger during purchase.
func (e *Engine) LockCoverage(amount *big.Int) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if amount == nil || amount.Sign() <= 0 {
		return errInvalidAmount
	}
	state, err := e.ensureState()
	if err != nil {
		return err
	}
	locked := new(big.Int).Add(state.TotalCoverage, amount)
	if locked.Cmp(state.TotalStaked) > 0 {
		return ErrInsufficientLiquidity
	}
	state.TotalCoverage = locked
	return e.state.PutPoolState(state)
}

// ReleaseCoverage unlocks coverage at settlement. It deliberately does not
// drain the queue: the settlement payout has first claim on the freed
// liquidity, and the queue drains once CreditPremium closes the settlement.
func (e *Engine) ReleaseCoverage(amount *big.Int) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if amount == nil || amount.Sign() <= 0 {
		return errInvalidAmount
	}
	state, err := e.ensureState()
	if err != nil {
		return err
	}
	if state.TotalCoverage.Cmp(amount) < 0 {
		return errors.New("pool: release exceeds locked coverage")
	}
	state.TotalCoverage = new(big.Int).Sub(state.TotalCoverage, amount)
	return e.state.PutPoolState(state)
}

// EscrowPremium parks an incoming premium until its policy settles. The
// escrow is excluded from free liquidity: the money is spoken for until the
// settlement split routes it.
func (e *Engine) EscrowPremium(amount *big.Int) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if amount == nil || amount.Sign() <= 0 {
		return errInvalidAmount
	}
	state, err := e.ensureState()
	if err != nil {
		return err
	}
	state.PremiumEscrow = new(big.Int).Add(state.PremiumEscrow, amount)
	return e.state.PutPoolState(state)
}

// CreditPremium releases an escrowed premium and splits it per the active
// settlement week's ratio: the staker share inflates the yield index, the
// remainder accrues to the risk reserve. Premium inflow frees liquidity, so
// the queue is drained afterwards.
func (e *Engine) CreditPremium(total *big.Int, splitBps uint64) ([]Transfer, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	if total == nil || total.Sign() <= 0 {
		return nil, errInvalidAmount
	}
	state, err := e.ensureState()
	if err != nil {
		return nil, err
	}
	if state.PremiumEscrow.Cmp(total) < 0 {
		return nil, errEscrowShort
	}
	state.PremiumEscrow = new(big.Int).Sub(state.PremiumEscrow, total)

	stakerShare := new(big.Int).Mul(total, new(big.Int).SetUint64(splitBps))
	stakerShare.Quo(stakerShare, basisPoints)
	reserveShare := new(big.Int).Sub(total, stakerShare)

	if state.TotalShares.Sign() > 0 {
		state.TotalStaked = new(big.Int).Add(state.TotalStaked, stakerShare)
		e.reindex(state)
	} else {
		// No stakers to accrue to; the whole premium backs the reserve.
		reserveShare = new(big.Int).Set(total)
	}
	state.ReserveBalance = new(big.Int).Add(state.ReserveBalance, reserveShare)

	transfers, err := e.drainQueue(state)
	if err != nil {
		return nil, err
	}
	return transfers, e.state.PutPoolState(state)
}

// ApplyPayout charges a settlement payout to the staked pool. The caller
// must have released the policy's coverage first, which guarantees the
// payout never pushes totalStaked below totalCoverage.
func (e *Engine) ApplyPayout(amount *big.Int) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if amount == nil || amount.Sign() < 0 {
		return errInvalidAmount
	}
	if amount.Sign() == 0 {
		return nil
	}
	state, err := e.ensureState()
	if err != nil {
		return err
	}
	remaining := new(big.Int).Sub(state.TotalStaked, state.TotalCoverage)
	if remaining.Cmp(amount) < 0 {
		return ErrInsufficientLiquidity
	}
	state.TotalStaked = new(big.Int).Sub(state.TotalStaked, amount)
	e.reindex(state)
	return e.state.PutPoolState(state)
}

// BalanceOf returns the staker's redeemable balance at the current yield
// index.
func (e *Engine) BalanceOf(staker [20]byte) (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	state, err := e.ensureState()
	if err != nil {
		return nil, err
	}
	account, err := e.ensureStaker(staker)
	if err != nil {
		return nil, err
	}
	return e.balanceOf(account, state), nil
}

// FreeLiquidity returns staked funds not locked against coverage.
func (e *Engine) FreeLiquidity() (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	state, err := e.ensureState()
	if err != nil {
		return nil, err
	}
	return freeLiquidity(state), nil
}

// UtilizationBps returns totalCoverage / totalStaked in basis points. An
// empty pool reports zero.
func (e *Engine) UtilizationBps() (uint64, error) {
	if e == nil || e.state == nil {
		return 0, errNilState
	}
	state, err := e.ensureState()
	if err != nil {
		return 0, err
	}
	return utilizationBps(state), nil
}

// Stats returns the read-only pool projection.
func (e *Engine) Stats() (Stats, error) {
	if e == nil || e.state == nil {
		return Stats{}, errNilState
	}
	state, err := e.ensureState()
	if err != nil {
		return Stats{}, err
	}
	return Stats{
		TotalStaked:    new(big.Int).Set(state.TotalStaked),
		TotalCoverage:  new(big.Int).Set(state.TotalCoverage),
		UtilizationBps: utilizationBps(state),
		ReserveBalance: new(big.Int).Set(state.ReserveBalance),
	}, nil
}

// QueueStats returns the read-only queue projection.
func (e *Engine) QueueStats() (QueueStats, error) {
	if e == nil || e.state == nil {
		return QueueStats{}, errNilState
	}
	state, err := e.ensureState()
	if err != nil {
		return QueueStats{}, err
	}
	length := uint64(0)
	for seq := state.QueueHead; seq < state.QueueTail; seq++ {
		request, err := e.state.WithdrawalBySeq(seq)
		if err != nil {
			return QueueStats{}, err
		}
		if request != nil && !request.Processed {
			length++
		}
	}
	// The projection reports what a new withdrawal could take out right
	// now, so queued requests ahead of it count against the free pool.
	free := new(big.Int).Sub(freeLiquidity(state), state.PendingWithdrawals)
	if free.Sign() < 0 {
		free = big.NewInt(0)
	}
	return QueueStats{
		Head:          state.QueueHead,
		Length:        length,
		PendingTotal:  new(big.Int).Set(state.PendingWithdrawals),
		FreeLiquidity: free,
	}, nil
}

// DollarAhead sums the unfilled amounts of unprocessed requests queued
// before the given sequence number.
func (e *Engine) DollarAhead(seq uint64) (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	state, err := e.ensureState()
	if err != nil {
		return nil, err
	}
	ahead := big.NewInt(0)
	for cursor := state.QueueHead; cursor < seq && cursor < state.QueueTail; cursor++ {
		request, err := e.state.WithdrawalBySeq(cursor)
		if err != nil {
			return nil, err
		}
		if request == nil || request.Processed {
			continue
		}
		ahead.Add(ahead, request.Remaining())
	}
	return ahead, nil
}

// drainQueue fills requests strictly head-first with whatever liquidity is
// free, partially filling the head when liquidity runs short. It never
// skips an earlier unprocessed request, whatever later requests could be
// satisfied.
func (e *Engine) drainQueue(state *State) ([]Transfer, error) {
	var transfers []Transfer
	now := e.nowFn().Unix()
	for state.QueueHead < state.QueueTail {
		request, err := e.state.WithdrawalBySeq(state.QueueHead)
		if err != nil {
			return nil, err
		}
		if request == nil || request.Processed {
			state.QueueHead++
			continue
		}
		free := freeLiquidity(state)
		if free.Sign() <= 0 {
			break
		}
		account, err := e.ensureStaker(request.Staker)
		if err != nil {
			return nil, err
		}
		balance := e.balanceOf(account, state)
		remaining := request.Remaining()

		fill := new(big.Int).Set(remaining)
		if fill.Cmp(free) > 0 {
			fill.Set(free)
		}
		if fill.Cmp(balance) > 0 {
			fill.Set(balance)
		}
		if fill.Sign() <= 0 {
			if balance.Sign() <= 0 {
				// Balance eroded by payouts since the request was made;
				// close the request short rather than wedge the queue.
				request.Processed = true
				request.ProcessedAt = now
				state.PendingWithdrawals = new(big.Int).Sub(state.PendingWithdrawals, remaining)
				if err := e.state.PutWithdrawal(request); err != nil {
					return nil, err
				}
				state.QueueHead++
				continue
			}
			break
		}

		burn := new(big.Int).Mul(fill, ray)
		burn.Quo(burn, state.YieldIndex)
		if burn.Sign() == 0 {
			burn.SetInt64(1)
		}
		if burn.Cmp(account.Shares) > 0 {
			burn.Set(account.Shares)
		}
		account.Shares = new(big.Int).Sub(account.Shares, burn)
		state.TotalShares = new(big.Int).Sub(state.TotalShares, burn)
		state.TotalStaked = new(big.Int).Sub(state.TotalStaked, fill)
		state.PendingWithdrawals = new(big.Int).Sub(state.PendingWithdrawals, fill)
		request.Filled = new(big.Int).Add(request.Filled, fill)

		final := request.Remaining().Sign() == 0
		if !final && e.balanceOf(account, state).Sign() == 0 {
			// Short close: nothing left to redeem against.
			state.PendingWithdrawals = new(big.Int).Sub(state.PendingWithdrawals, request.Remaining())
			final = true
		}
		if final {
			request.Processed = true
			request.ProcessedAt = now
		}
		if err := e.state.PutStaker(account); err != nil {
			return nil, err
		}
		if err := e.state.PutWithdrawal(request); err != nil {
			return nil, err
		}
		transfers = append(transfers, Transfer{To: request.Staker, Amount: new(big.Int).Set(fill)})
		e.emit(events.WithdrawalProcessed{Seq: request.Seq, Staker: request.Staker, Amount: new(big.Int).Set(fill), Final: final})
		if !final {
			break
		}
		state.QueueHead++
	}
	if state.PendingWithdrawals.Sign() < 0 {
		state.PendingWithdrawals = big.NewInt(0)
	}
	return transfers, nil
}

func (e *Engine) balanceOf(account *Staker, state *State) *big.Int {
	if account == nil || account.Shares == nil || account.Shares.Sign() == 0 {
		return big.NewInt(0)
	}
	balance := new(big.Int).Mul(account.Shares, state.YieldIndex)
	return balance.Quo(balance, ray)
}

// reindex recomputes the yield index from the underlying/share ratio after
// totalStaked moved without a matching share mint or burn.
func (e *Engine) reindex(state *State) {
	if state.TotalShares.Sign() == 0 {
		state.YieldIndex = new(big.Int).Set(ray)
		return
	}
	index := new(big.Int).Mul(state.TotalStaked, ray)
	state.YieldIndex = index.Quo(index, state.TotalShares)
}

func (e *Engine) ensureState() (*State, error) {
	state, err := e.state.PoolState()
	if err != nil {
		return nil, err
	}
	if state == nil {
		state = &State{}
	}
	if state.TotalStaked == nil {
		state.TotalStaked = big.NewInt(0)
	}
	if state.TotalShares == nil {
		state.TotalShares = big.NewInt(0)
	}
	if state.YieldIndex == nil {
		state.YieldIndex = new(big.Int).Set(ray)
	}
	// A zero index with shares outstanding records a fully wiped pool; the
	// shares are worthless and must stay that way. Only a share-free pool
	// resets to par.
	if state.YieldIndex.Sign() == 0 && state.TotalShares.Sign() == 0 {
		state.YieldIndex = new(big.Int).Set(ray)
	}
	if state.TotalCoverage == nil {
		state.TotalCoverage = big.NewInt(0)
	}
	if state.ReserveBalance == nil {
		state.ReserveBalance = big.NewInt(0)
	}
	if state.PremiumEscrow == nil {
		state.PremiumEscrow = big.NewInt(0)
	}
	if state.PendingWithdrawals == nil {
		state.PendingWithdrawals = big.NewInt(0)
	}
	return state, nil
}

func (e *Engine) ensureStaker(addr [20]byte) (*Staker, error) {
	account, err := e.state.GetStaker(addr)
	if err != nil {
		return nil, err
	}
	if account == nil {
		account = &Staker{Address: addr}
	}
	if account.Shares == nil {
		account.Shares = big.NewInt(0)
	}
	return account, nil
}

func freeLiquidity(state *State) *big.Int {
	free := new(big.Int).Sub(state.TotalStaked, state.TotalCoverage)
	if free.Sign() < 0 {
		return big.NewInt(0)
	}
	return free
}

func utilizationBps(state *State) uint64 {
	if state.TotalStaked.Sign() == 0 {
		return 0
	}
	util := new(big.Int).Mul(state.TotalCoverage, basisPoints)
	util.Quo(util, state.TotalStaked)
	return util.Uint64()
}
