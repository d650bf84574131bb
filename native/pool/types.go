package pool

import "math/big"

// State is the authoritative pool-wide accounting record. Amounts are in
// minimal token units. YieldIndex is scaled by 1e18 and grows as premiums
// accrue so staker balances appreciate without a per-staker fan-out.
type State struct {
	TotalStaked        *big.Int `json:"totalStaked"`
	TotalShares        *big.Int `json:"totalShares"`
	YieldIndex         *big.Int `json:"yieldIndex"`
	TotalCoverage      *big.Int `json:"totalCoverage"`
	ReserveBalance     *big.Int `json:"reserveBalance"`
	PremiumEscrow      *big.Int `json:"premiumEscrow"`
	PendingWithdrawals *big.Int `json:"pendingWithdrawals"`
	QueueHead          uint64   `json:"queueHead"`
	QueueTail          uint64   `json:"queueTail"`
}

// Clone returns a deep copy of the state.
func (s *State) Clone() *State {
	if s == nil {
		return nil
	}
	clone := &State{QueueHead: s.QueueHead, QueueTail: s.QueueTail}
	clone.TotalStaked = cloneInt(s.TotalStaked)
	clone.TotalShares = cloneInt(s.TotalShares)
	clone.YieldIndex = cloneInt(s.YieldIndex)
	clone.TotalCoverage = cloneInt(s.TotalCoverage)
	clone.ReserveBalance = cloneInt(s.ReserveBalance)
	clone.PremiumEscrow = cloneInt(s.PremiumEscrow)
	clone.PendingWithdrawals = cloneInt(s.PendingWithdrawals)
	return clone
}

// Staker records the share position of one liquidity provider.
type Staker struct {
	Address [20]byte `json:"address"`
	Shares  *big.Int `json:"shares"`
}

// Clone returns a deep copy of the staker record.
func (s *Staker) Clone() *Staker {
	if s == nil {
		return nil
	}
	return &Staker{Address: s.Address, Shares: cloneInt(s.Shares)}
}

// WithdrawalRequest lives in the strictly FIFO withdrawal queue keyed by a
// monotonically increasing sequence number. Filled tracks partial fills of
// the queue head; a request is Processed once fully filled or its staker's
// balance is exhausted.
type WithdrawalRequest struct {
	Seq         uint64   `json:"seq"`
	Staker      [20]byte `json:"staker"`
	Amount      *big.Int `json:"amount"`
	Filled      *big.Int `json:"filled"`
	RequestedAt int64    `json:"requestedAt"`
	Processed   bool     `json:"processed"`
	ProcessedAt int64    `json:"processedAt,omitempty"`
}

// Remaining returns the unfilled portion of the request.
func (r *WithdrawalRequest) Remaining() *big.Int {
	if r == nil || r.Amount == nil {
		return big.NewInt(0)
	}
	remaining := new(big.Int).Set(r.Amount)
	if r.Filled != nil {
		remaining.Sub(remaining, r.Filled)
	}
	if remaining.Sign() < 0 {
		return big.NewInt(0)
	}
	return remaining
}

// Clone returns a deep copy of the request.
func (r *WithdrawalRequest) Clone() *WithdrawalRequest {
	if r == nil {
		return nil
	}
	clone := *r
	clone.Amount = cloneInt(r.Amount)
	clone.Filled = cloneInt(r.Filled)
	return &clone
}

// Transfer instructs the caller to move funds out of the vault once the
// surrounding ledger mutation has committed. Engines never touch the token
// capability themselves; state always settles before money moves.
type Transfer struct {
	To     [20]byte
	Amount *big.Int
}

// Stats is the read-only projection served by the stats query. PolicyCount
// belongs to the policy ledger; the node fills it in when composing the
// projection.
type Stats struct {
	TotalStaked    *big.Int `json:"totalStaked"`
	TotalCoverage  *big.Int `json:"totalCoverage"`
	UtilizationBps uint64   `json:"utilizationBps"`
	ReserveBalance *big.Int `json:"reserveBalance"`
	PolicyCount    uint64   `json:"policyCount"`
}

// QueueStats is the read-only projection of the withdrawal queue.
type QueueStats struct {
	Head          uint64   `json:"head"`
	Length        uint64   `json:"length"`
	PendingTotal  *big.Int `json:"pendingTotal"`
	FreeLiquidity *big.Int `json:"freeLiquidity"`
}

func cloneInt(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}
