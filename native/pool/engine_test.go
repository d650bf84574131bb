package pool

import (
	"math/big"
	"testing"
	"time"
)

type mockEngineState struct {
	state       *State
	stakers     map[[20]byte]*Staker
	withdrawals map[uint64]*WithdrawalRequest
}

func newMockEngineState() *mockEngineState {
	return &mockEngineState{
		stakers:     make(map[[20]byte]*Staker),
		withdrawals: make(map[uint64]*WithdrawalRequest),
	}
}

func (m *mockEngineState) PoolState() (*State, error) {
	return m.state.Clone(), nil
}

func (m *mockEngineState) PutPoolState(state *State) error {
	m.state = state.Clone()
	return nil
}

func (m *mockEngineState) GetStaker(addr [20]byte) (*Staker, error) {
	if staker, ok := m.stakers[addr]; ok {
		return staker.Clone(), nil
	}
	return nil, nil
}

func (m *mockEngineState) PutStaker(staker *Staker) error {
	m.stakers[staker.Address] = staker.Clone()
	return nil
}

func (m *mockEngineState) WithdrawalBySeq(seq uint64) (*WithdrawalRequest, error) {
	if request, ok := m.withdrawals[seq]; ok {
		return request.Clone(), nil
	}
	return nil, nil
}

func (m *mockEngineState) PutWithdrawal(request *WithdrawalRequest) error {
	m.withdrawals[request.Seq] = request.Clone()
	return nil
}

func addr(suffix byte) [20]byte {
	var out [20]byte
	out[len(out)-1] = suffix
	return out
}

func newTestEngine(t *testing.T) (*Engine, *mockEngineState) {
	t.Helper()
	engine := NewEngine()
	state := newMockEngineState()
	engine.SetState(state)
	engine.SetNowFunc(func() time.Time { return time.Unix(1_700_000_000, 0).UTC() })
	return engine, state
}

func TestStakeMintsSharesAtIndex(t *testing.T) {
	engine, _ := newTestEngine(t)
	alice := addr(0x01)

	minted, transfers, err := engine.Stake(alice, big.NewInt(1000))
	if err != nil {
		t.Fatalf("stake: %v", err)
	}
	if minted.Cmp(big.NewInt(1000)) != 0 {
		t.Fatalf("first stake should mint 1:1, got %s", minted)
	}
	if len(transfers) != 0 {
		t.Fatalf("no queue to drain, got %d transfers", len(transfers))
	}

	balance, err := engine.BalanceOf(alice)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance.Cmp(big.NewInt(1000)) != 0 {
		t.Fatalf("unexpected balance: %s", balance)
	}
}

func TestPremiumCreditAccruesProRata(t *testing.T) {
	engine, _ := newTestEngine(t)
	alice := addr(0x01)
	bob := addr(0x02)

	if _, _, err := engine.Stake(alice, big.NewInt(3000)); err != nil {
		t.Fatalf("stake alice: %v", err)
	}
	if _, _, err := engine.Stake(bob, big.NewInt(1000)); err != nil {
		t.Fatalf("stake bob: %v", err)
	}
	if err := engine.EscrowPremium(big.NewInt(400)); err != nil {
		t.Fatalf("escrow: %v", err)
	}
	// Full split to stakers: alice holds 3/4 of shares.
	if _, err := engine.CreditPremium(big.NewInt(400), 10_000); err != nil {
		t.Fatalf("credit: %v", err)
	}

	aliceBalance, err := engine.BalanceOf(alice)
	if err != nil {
		t.Fatalf("balance alice: %v", err)
	}
	if aliceBalance.Cmp(big.NewInt(3300)) != 0 {
		t.Fatalf("alice should hold 3300, got %s", aliceBalance)
	}
	bobBalance, err := engine.BalanceOf(bob)
	if err != nil {
		t.Fatalf("balance bob: %v", err)
	}
	if bobBalance.Cmp(big.NewInt(1100)) != 0 {
		t.Fatalf("bob should hold 1100, got %s", bobBalance)
	}
}

func TestPremiumSplitRoutesRemainderToReserve(t *testing.T) {
	engine, _ := newTestEngine(t)
	alice := addr(0x01)

	if _, _, err := engine.Stake(alice, big.NewInt(10_000)); err != nil {
		t.Fatalf("stake: %v", err)
	}
	if err := engine.EscrowPremium(big.NewInt(1000)); err != nil {
		t.Fatalf("escrow: %v", err)
	}
	if _, err := engine.CreditPremium(big.NewInt(1000), 9_300); err != nil {
		t.Fatalf("credit: %v", err)
	}

	stats, err := engine.Stats()
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.ReserveBalance.Cmp(big.NewInt(70)) != 0 {
		t.Fatalf("reserve should hold 70, got %s", stats.ReserveBalance)
	}
	if stats.TotalStaked.Cmp(big.NewInt(10_930)) != 0 {
		t.Fatalf("staked should hold 10930, got %s", stats.TotalStaked)
	}
}

func TestPremiumCreditWithoutStakersGoesToReserve(t *testing.T) {
	engine, _ := newTestEngine(t)

	if err := engine.EscrowPremium(big.NewInt(500)); err != nil {
		t.Fatalf("escrow: %v", err)
	}
	if _, err := engine.CreditPremium(big.NewInt(500), 9_300); err != nil {
		t.Fatalf("credit: %v", err)
	}
	stats, err := engine.Stats()
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.ReserveBalance.Cmp(big.NewInt(500)) != 0 {
		t.Fatalf("reserve should absorb the whole premium, got %s", stats.ReserveBalance)
	}
}

func TestWithdrawalImmediateWhenLiquid(t *testing.T) {
	engine, _ := newTestEngine(t)
	alice := addr(0x01)

	if _, _, err := engine.Stake(alice, big.NewInt(1000)); err != nil {
		t.Fatalf("stake: %v", err)
	}
	seq, immediate, transfers, err := engine.RequestWithdrawal(alice, big.NewInt(400))
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if !immediate {
		t.Fatalf("withdrawal should process in-line")
	}
	if seq != 0 {
		t.Fatalf("first request should take seq 0, got %d", seq)
	}
	if len(transfers) != 1 || transfers[0].Amount.Cmp(big.NewInt(400)) != 0 {
		t.Fatalf("unexpected transfers: %+v", transfers)
	}

	balance, err := engine.BalanceOf(alice)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance.Cmp(big.NewInt(600)) != 0 {
		t.Fatalf("unexpected remaining balance: %s", balance)
	}
}

func TestWithdrawalRejectsOverBalance(t *testing.T) {
	engine, _ := newTestEngine(t)
	alice := addr(0x01)

	if _, _, err := engine.Stake(alice, big.NewInt(100)); err != nil {
		t.Fatalf("stake: %v", err)
	}
	if _, _, _, err := engine.RequestWithdrawal(alice, big.NewInt(101)); err != ErrInsufficientBalance {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
}

func TestQueuePartialFillKeepsFIFOOrder(t *testing.T) {
	engine, _ := newTestEngine(t)
	alice := addr(0x01)
	bob := addr(0x02)

	if _, _, err := engine.Stake(alice, big.NewInt(600)); err != nil {
		t.Fatalf("stake alice: %v", err)
	}
	if _, _, err := engine.Stake(bob, big.NewInt(400)); err != nil {
		t.Fatalf("stake bob: %v", err)
	}
	if err := engine.LockCoverage(big.NewInt(900)); err != nil {
		t.Fatalf("lock: %v", err)
	}

	// Free liquidity is 100. Alice asks for 500: partial fill of 100, the
	// remaining 400 wait at the head.
	seqA, immediate, transfers, err := engine.RequestWithdrawal(alice, big.NewInt(500))
	if err != nil {
		t.Fatalf("withdraw alice: %v", err)
	}
	if immediate {
		t.Fatalf("alice's request cannot complete against 100 free")
	}
	if len(transfers) != 1 || transfers[0].Amount.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("expected partial fill of 100, got %+v", transfers)
	}

	// Bob's smaller request must not jump the queue even though free
	// liquidity could satisfy it later.
	seqB, immediate, transfers, err := engine.RequestWithdrawal(bob, big.NewInt(50))
	if err != nil {
		t.Fatalf("withdraw bob: %v", err)
	}
	if immediate || len(transfers) != 0 {
		t.Fatalf("bob must wait behind alice: immediate=%v transfers=%+v", immediate, transfers)
	}
	if seqB != seqA+1 {
		t.Fatalf("sequence numbers must be FIFO: %d then %d", seqA, seqB)
	}

	ahead, err := engine.DollarAhead(seqB)
	if err != nil {
		t.Fatalf("dollar ahead: %v", err)
	}
	if ahead.Cmp(big.NewInt(400)) != 0 {
		t.Fatalf("bob should see 400 ahead, got %s", ahead)
	}

	// Releasing coverage alone leaves the queue untouched; the drain runs
	// when premium inflow closes the settlement.
	if err := engine.ReleaseCoverage(big.NewInt(900)); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := engine.EscrowPremium(big.NewInt(10)); err != nil {
		t.Fatalf("escrow: %v", err)
	}
	transfers, err = engine.CreditPremium(big.NewInt(10), 10_000)
	if err != nil {
		t.Fatalf("credit: %v", err)
	}
	if len(transfers) != 2 {
		t.Fatalf("both requests should now fill, got %+v", transfers)
	}
	if transfers[0].To != alice || transfers[1].To != bob {
		t.Fatalf("fills out of FIFO order: %+v", transfers)
	}

	requestA, err := engine.state.WithdrawalBySeq(seqA)
	if err != nil {
		t.Fatalf("load request: %v", err)
	}
	if !requestA.Processed {
		t.Fatalf("alice's request should be processed")
	}
}

func TestLockCoverageBoundedByStake(t *testing.T) {
	engine, _ := newTestEngine(t)
	alice := addr(0x01)

	if _, _, err := engine.Stake(alice, big.NewInt(100)); err != nil {
		t.Fatalf("stake: %v", err)
	}
	if err := engine.LockCoverage(big.NewInt(101)); err != ErrInsufficientLiquidity {
		t.Fatalf("expected ErrInsufficientLiquidity, got %v", err)
	}
	if err := engine.LockCoverage(big.NewInt(100)); err != nil {
		t.Fatalf("lock at bound: %v", err)
	}
	util, err := engine.UtilizationBps()
	if err != nil {
		t.Fatalf("utilization: %v", err)
	}
	if util != 10_000 {
		t.Fatalf("expected full utilization, got %d", util)
	}
}

func TestPayoutErodesBalancesAndShortClosesQueue(t *testing.T) {
	engine, _ := newTestEngine(t)
	alice := addr(0x01)

	if _, _, err := engine.Stake(alice, big.NewInt(1000)); err != nil {
		t.Fatalf("stake: %v", err)
	}
	if err := engine.LockCoverage(big.NewInt(1000)); err != nil {
		t.Fatalf("lock: %v", err)
	}

	// Fully utilized: the withdrawal has to queue.
	_, immediate, _, err := engine.RequestWithdrawal(alice, big.NewInt(1000))
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if immediate {
		t.Fatalf("request should queue while coverage is locked")
	}

	// The settlement wipes the stake: release, full payout, then a small
	// premium credit drains the queue.
	if err := engine.ReleaseCoverage(big.NewInt(1000)); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := engine.ApplyPayout(big.NewInt(1000)); err != nil {
		t.Fatalf("payout: %v", err)
	}
	if err := engine.EscrowPremium(big.NewInt(40)); err != nil {
		t.Fatalf("escrow: %v", err)
	}
	transfers, err := engine.CreditPremium(big.NewInt(40), 10_000)
	if err != nil {
		t.Fatalf("credit: %v", err)
	}

	// Alice receives only what her eroded balance supports and the request
	// closes short instead of wedging the queue.
	if len(transfers) != 1 || transfers[0].Amount.Cmp(big.NewInt(40)) != 0 {
		t.Fatalf("expected short fill of 40, got %+v", transfers)
	}
	request, err := engine.state.WithdrawalBySeq(0)
	if err != nil {
		t.Fatalf("load request: %v", err)
	}
	if !request.Processed {
		t.Fatalf("eroded request should close short")
	}
	queue, err := engine.QueueStats()
	if err != nil {
		t.Fatalf("queue stats: %v", err)
	}
	if queue.Length != 0 {
		t.Fatalf("queue should be empty, got length %d", queue.Length)
	}
	if queue.PendingTotal.Sign() != 0 {
		t.Fatalf("pending total should be zero, got %s", queue.PendingTotal)
	}
}

func TestPayoutBlockedWhileCoverageLocked(t *testing.T) {
	engine, _ := newTestEngine(t)
	alice := addr(0x01)

	if _, _, err := engine.Stake(alice, big.NewInt(1000)); err != nil {
		t.Fatalf("stake: %v", err)
	}
	if err := engine.LockCoverage(big.NewInt(800)); err != nil {
		t.Fatalf("lock: %v", err)
	}
	if err := engine.ApplyPayout(big.NewInt(300)); err != ErrInsufficientLiquidity {
		t.Fatalf("payout must not invade locked coverage, got %v", err)
	}
}

func TestStakeAfterPayoutMintsMoreSharesPerToken(t *testing.T) {
	engine, _ := newTestEngine(t)
	alice := addr(0x01)
	bob := addr(0x02)

	if _, _, err := engine.Stake(alice, big.NewInt(1000)); err != nil {
		t.Fatalf("stake alice: %v", err)
	}
	if err := engine.ApplyPayout(big.NewInt(500)); err != nil {
		t.Fatalf("payout: %v", err)
	}

	// Index halved: bob's 500 tokens should mint ~1000 shares.
	minted, _, err := engine.Stake(bob, big.NewInt(500))
	if err != nil {
		t.Fatalf("stake bob: %v", err)
	}
	if minted.Cmp(big.NewInt(1000)) != 0 {
		t.Fatalf("expected 1000 shares, got %s", minted)
	}
	bobBalance, err := engine.BalanceOf(bob)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if bobBalance.Cmp(big.NewInt(500)) != 0 {
		t.Fatalf("bob's balance should be 500, got %s", bobBalance)
	}
}

func TestEscrowExcludedUntilCredit(t *testing.T) {
	engine, _ := newTestEngine(t)
	alice := addr(0x01)

	if _, _, err := engine.Stake(alice, big.NewInt(100)); err != nil {
		t.Fatalf("stake: %v", err)
	}
	if err := engine.EscrowPremium(big.NewInt(50)); err != nil {
		t.Fatalf("escrow: %v", err)
	}
	free, err := engine.FreeLiquidity()
	if err != nil {
		t.Fatalf("free: %v", err)
	}
	if free.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("escrow must not count as free liquidity, got %s", free)
	}
	if _, err := engine.CreditPremium(big.NewInt(60), 10_000); err == nil {
		t.Fatalf("credit beyond escrow must fail")
	}
}

func TestLaterStakeDrainsQueuedWithdrawal(t *testing.T) {
	engine, state := newTestEngine(t)
	alice := addr(0x01)
	bob := addr(0x02)

	if _, _, err := engine.Stake(alice, big.NewInt(1000)); err != nil {
		t.Fatalf("stake alice: %v", err)
	}
	if err := engine.LockCoverage(big.NewInt(1000)); err != nil {
		t.Fatalf("lock: %v", err)
	}

	// Fully utilized: the request has to wait.
	seq, immediate, transfers, err := engine.RequestWithdrawal(alice, big.NewInt(300))
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if immediate || len(transfers) != 0 {
		t.Fatalf("request should queue, got immediate=%v transfers=%d", immediate, len(transfers))
	}

	// Fresh stake brings liquidity and services the queue head.
	_, transfers, err = engine.Stake(bob, big.NewInt(500))
	if err != nil {
		t.Fatalf("stake bob: %v", err)
	}
	if len(transfers) != 1 {
		t.Fatalf("expected one fill, got %d", len(transfers))
	}
	if transfers[0].To != alice || transfers[0].Amount.Cmp(big.NewInt(300)) != 0 {
		t.Fatalf("unexpected fill: %+v", transfers[0])
	}

	request := state.withdrawals[seq]
	if request == nil || !request.Processed {
		t.Fatalf("request should be processed: %+v", request)
	}
	aliceBalance, err := engine.BalanceOf(alice)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if aliceBalance.Cmp(big.NewInt(700)) != 0 {
		t.Fatalf("alice should hold 700 after the fill, got %s", aliceBalance)
	}
}

func TestQueueStatsNetsOutPendingWithdrawals(t *testing.T) {
	engine, _ := newTestEngine(t)
	alice := addr(0x01)

	if _, _, err := engine.Stake(alice, big.NewInt(1000)); err != nil {
		t.Fatalf("stake: %v", err)
	}
	if err := engine.LockCoverage(big.NewInt(1000)); err != nil {
		t.Fatalf("lock: %v", err)
	}
	if _, immediate, _, err := engine.RequestWithdrawal(alice, big.NewInt(300)); err != nil || immediate {
		t.Fatalf("request should queue: immediate=%v err=%v", immediate, err)
	}

	stats, err := engine.QueueStats()
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.FreeLiquidity.Sign() != 0 {
		t.Fatalf("fully locked pool should report zero free, got %s", stats.FreeLiquidity)
	}

	// Release without a drain: raw headroom is 1000 but 300 of it is
	// already claimed by the queued request.
	if err := engine.ReleaseCoverage(big.NewInt(1000)); err != nil {
		t.Fatalf("release: %v", err)
	}
	stats, err = engine.QueueStats()
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.FreeLiquidity.Cmp(big.NewInt(700)) != 0 {
		t.Fatalf("free liquidity should net out the queue, got %s", stats.FreeLiquidity)
	}
	if stats.PendingTotal.Cmp(big.NewInt(300)) != 0 {
		t.Fatalf("pending total should be 300, got %s", stats.PendingTotal)
	}
}
