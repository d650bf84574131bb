package events

import (
	"encoding/hex"
	"math/big"
	"strconv"

	"gapguard/core/types"
)

const (
	TypePolicyPurchased     = "policy.purchased"
	TypePolicySettled       = "policy.settled"
	TypePoolStaked          = "pool.staked"
	TypeWithdrawalQueued    = "pool.withdrawal_queued"
	TypeWithdrawalProcessed = "pool.withdrawal_processed"
	TypeChangeQueued        = "gov.change_queued"
	TypeSettlementApproved  = "gov.settlement_approved"
	TypeProtocolPaused      = "gov.paused"
	TypeProtocolUnpaused    = "gov.unpaused"
)

// PolicyPurchased is emitted once a policy purchase has committed.
type PolicyPurchased struct {
	ID           uint64
	Holder       [20]byte
	Coverage     *big.Int
	ThresholdBps uint64
	Premium      *big.Int
	Week         uint64
}

func (PolicyPurchased) EventType() string { return TypePolicyPurchased }

func (e PolicyPurchased) Event() *types.Event {
	return &types.Event{
		Type: TypePolicyPurchased,
		Attributes: map[string]string{
			"id":           strconv.FormatUint(e.ID, 10),
			"holder":       hex.EncodeToString(e.Holder[:]),
			"coverage":     formatAmount(e.Coverage),
			"thresholdBps": strconv.FormatUint(e.ThresholdBps, 10),
			"premium":      formatAmount(e.Premium),
			"week":         strconv.FormatUint(e.Week, 10),
		},
	}
}

// PolicySettled is emitted when a policy resolves, paid or unpaid.
type PolicySettled struct {
	ID     uint64
	Holder [20]byte
	GapBps uint64
	Payout *big.Int
	Week   uint64
	Paid   bool
}

func (PolicySettled) EventType() string { return TypePolicySettled }

func (e PolicySettled) Event() *types.Event {
	return &types.Event{
		Type: TypePolicySettled,
		Attributes: map[string]string{
			"id":     strconv.FormatUint(e.ID, 10),
			"holder": hex.EncodeToString(e.Holder[:]),
			"gapBps": strconv.FormatUint(e.GapBps, 10),
			"payout": formatAmount(e.Payout),
			"week":   strconv.FormatUint(e.Week, 10),
			"paid":   strconv.FormatBool(e.Paid),
		},
	}
}

// PoolStaked is emitted after a stake has been credited to the pool.
type PoolStaked struct {
	Staker [20]byte
	Amount *big.Int
	Shares *big.Int
}

func (PoolStaked) EventType() string { return TypePoolStaked }

func (e PoolStaked) Event() *types.Event {
	return &types.Event{
		Type: TypePoolStaked,
		Attributes: map[string]string{
			"staker": hex.EncodeToString(e.Staker[:]),
			"amount": formatAmount(e.Amount),
			"shares": formatAmount(e.Shares),
		},
	}
}

// WithdrawalQueued is emitted when a withdrawal request cannot be satisfied
// immediately and lands in the FIFO queue.
type WithdrawalQueued struct {
	Seq    uint64
	Staker [20]byte
	Amount *big.Int
}

func (WithdrawalQueued) EventType() string { return TypeWithdrawalQueued }

func (e WithdrawalQueued) Event() *types.Event {
	return &types.Event{
		Type: TypeWithdrawalQueued,
		Attributes: map[string]string{
			"seq":    strconv.FormatUint(e.Seq, 10),
			"staker": hex.EncodeToString(e.Staker[:]),
			"amount": formatAmount(e.Amount),
		},
	}
}

// WithdrawalProcessed is emitted for every fill, partial or final, of a
// queued withdrawal request.
type WithdrawalProcessed struct {
	Seq    uint64
	Staker [20]byte
	Amount *big.Int
	Final  bool
}

func (WithdrawalProcessed) EventType() string { return TypeWithdrawalProcessed }

func (e WithdrawalProcessed) Event() *types.Event {
	return &types.Event{
		Type: TypeWithdrawalProcessed,
		Attributes: map[string]string{
			"seq":    strconv.FormatUint(e.Seq, 10),
			"staker": hex.EncodeToString(e.Staker[:]),
			"amount": formatAmount(e.Amount),
			"final":  strconv.FormatBool(e.Final),
		},
	}
}

// ChangeQueued is emitted when the guardian queues a timelocked parameter
// change.
type ChangeQueued struct {
	Param       string
	Value       uint64
	EffectiveAt int64
	Reason      string
}

func (ChangeQueued) EventType() string { return TypeChangeQueued }

func (e ChangeQueued) Event() *types.Event {
	return &types.Event{
		Type: TypeChangeQueued,
		Attributes: map[string]string{
			"param":       e.Param,
			"value":       strconv.FormatUint(e.Value, 10),
			"effectiveAt": strconv.FormatInt(e.EffectiveAt, 10),
			"reason":      e.Reason,
		},
	}
}

// SettlementApproved is emitted for guardian approvals. Failsafe approvals
// are emitted at first use with Source set to "failsafe".
type SettlementApproved struct {
	Week     uint64
	SplitBps uint64
	Source   string
	Reason   string
}

func (SettlementApproved) EventType() string { return TypeSettlementApproved }

func (e SettlementApproved) Event() *types.Event {
	return &types.Event{
		Type: TypeSettlementApproved,
		Attributes: map[string]string{
			"week":     strconv.FormatUint(e.Week, 10),
			"splitBps": strconv.FormatUint(e.SplitBps, 10),
			"source":   e.Source,
			"reason":   e.Reason,
		},
	}
}

// ProtocolPaused is emitted when the guardian pauses policy purchases.
type ProtocolPaused struct{ Paused bool }

func (e ProtocolPaused) EventType() string {
	if e.Paused {
		return TypeProtocolPaused
	}
	return TypeProtocolUnpaused
}

func (e ProtocolPaused) Event() *types.Event {
	return &types.Event{Type: e.EventType(), Attributes: map[string]string{}}
}

func formatAmount(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
