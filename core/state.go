package core

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"strings"

	"gapguard/core/types"
	"gapguard/native/gov"
	"gapguard/native/policy"
	"gapguard/native/pool"
	"gapguard/storage"
)

// Key prefixes for the ledger keyspace. Sequence-numbered keys are rendered
// fixed-width so lexicographic iteration matches numeric order.
const (
	keyPoolState    = "pool/state"
	prefixStaker    = "pool/staker/"
	prefixQueue     = "pool/queue/"
	keyPolicySeq    = "policy/seq"
	prefixPolicy    = "policy/record/"
	prefixWeek      = "week/"
	prefixGovParam  = "gov/param/"
	prefixApproval  = "gov/approval/"
	prefixPauseFlag = "gov/pause/"
	prefixAccount   = "account/"
)

var errNoTransaction = errors.New("core: no transaction in progress")

// LedgerState is the single persistence layer shared by every engine. All
// reads and writes go through a write-buffering overlay: mutations stay
// invisible to the backing store until Commit, and Rollback discards them,
// so a failed operation leaves no partial state behind. The node serializes
// access; LedgerState itself is not safe for concurrent use.
type LedgerState struct {
	db      storage.Database
	overlay map[string][]byte
	open    bool
}

// NewLedgerState wraps a key-value store.
func NewLedgerState(db storage.Database) *LedgerState {
	return &LedgerState{db: db}
}

// Begin opens a write buffer. Nested transactions are not supported; a
// second Begin before Commit or Rollback keeps the same buffer.
func (s *LedgerState) Begin() {
	if s.overlay == nil {
		s.overlay = make(map[string][]byte)
	}
	s.open = true
}

// Commit flushes the buffered writes to the backing store.
func (s *LedgerState) Commit() error {
	if !s.open {
		return errNoTransaction
	}
	for key, value := range s.overlay {
		if err := s.db.Put([]byte(key), value); err != nil {
			return fmt.Errorf("core: commit %q: %w", key, err)
		}
	}
	s.overlay = nil
	s.open = false
	return nil
}

// Rollback discards the buffered writes.
func (s *LedgerState) Rollback() {
	s.overlay = nil
	s.open = false
}

func (s *LedgerState) get(key string, out interface{}) (bool, error) {
	if s.open {
		if raw, ok := s.overlay[key]; ok {
			return true, json.Unmarshal(raw, out)
		}
	}
	raw, err := s.db.Get([]byte(key))
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, json.Unmarshal(raw, out)
}

func (s *LedgerState) put(key string, value interface{}) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	if s.open {
		s.overlay[key] = raw
		return nil
	}
	return s.db.Put([]byte(key), raw)
}

func seqKey(prefix string, seq uint64) string {
	return fmt.Sprintf("%s%020d", prefix, seq)
}

func addrKey(prefix string, addr [20]byte) string {
	return prefix + hex.EncodeToString(addr[:])
}

// --- pool engine state ---

func (s *LedgerState) PoolState() (*pool.State, error) {
	var state pool.State
	ok, err := s.get(keyPoolState, &state)
	if err != nil || !ok {
		return nil, err
	}
	return &state, nil
}

func (s *LedgerState) PutPoolState(state *pool.State) error {
	return s.put(keyPoolState, state)
}

func (s *LedgerState) GetStaker(addr [20]byte) (*pool.Staker, error) {
	var staker pool.Staker
	ok, err := s.get(addrKey(prefixStaker, addr), &staker)
	if err != nil || !ok {
		return nil, err
	}
	return &staker, nil
}

func (s *LedgerState) PutStaker(staker *pool.Staker) error {
	return s.put(addrKey(prefixStaker, staker.Address), staker)
}

func (s *LedgerState) WithdrawalBySeq(seq uint64) (*pool.WithdrawalRequest, error) {
	var request pool.WithdrawalRequest
	ok, err := s.get(seqKey(prefixQueue, seq), &request)
	if err != nil || !ok {
		return nil, err
	}
	return &request, nil
}

func (s *LedgerState) PutWithdrawal(request *pool.WithdrawalRequest) error {
	return s.put(seqKey(prefixQueue, request.Seq), request)
}

// --- policy engine state ---

func (s *LedgerState) NextPolicyID() (uint64, error) {
	var next uint64
	if _, err := s.get(keyPolicySeq, &next); err != nil {
		return 0, err
	}
	next++
	if err := s.put(keyPolicySeq, next); err != nil {
		return 0, err
	}
	return next, nil
}

func (s *LedgerState) PolicyCount() (uint64, error) {
	var count uint64
	if _, err := s.get(keyPolicySeq, &count); err != nil {
		return 0, err
	}
	return count, nil
}

func (s *LedgerState) GetPolicy(id uint64) (*policy.Policy, error) {
	var record policy.Policy
	ok, err := s.get(seqKey(prefixPolicy, id), &record)
	if err != nil || !ok {
		return nil, err
	}
	return &record, nil
}

func (s *LedgerState) PutPolicy(record *policy.Policy) error {
	return s.put(seqKey(prefixPolicy, record.ID), record)
}

// ListPolicies walks stored policies in id order. Overlay writes are not
// visible to the walk; the node only lists outside a transaction.
func (s *LedgerState) ListPolicies(fn func(*policy.Policy) bool) error {
	return s.db.Iterate([]byte(prefixPolicy), func(key, value []byte) bool {
		var record policy.Policy
		if err := json.Unmarshal(value, &record); err != nil {
			return true
		}
		return fn(&record)
	})
}

func (s *LedgerState) GetWeek(number uint64) (*policy.Week, error) {
	var week policy.Week
	ok, err := s.get(seqKey(prefixWeek, number), &week)
	if err != nil || !ok {
		return nil, err
	}
	return &week, nil
}

func (s *LedgerState) PutWeek(week *policy.Week) error {
	return s.put(seqKey(prefixWeek, week.Number), week)
}

// --- governance engine state ---

func (s *LedgerState) GovParam(name string) (*gov.ParamValue, error) {
	var record gov.ParamValue
	ok, err := s.get(prefixGovParam+name, &record)
	if err != nil || !ok {
		return nil, err
	}
	return &record, nil
}

func (s *LedgerState) PutGovParam(record *gov.ParamValue) error {
	return s.put(prefixGovParam+record.Name, record)
}

// GovParamNames lists the governed parameter names present in storage.
func (s *LedgerState) GovParamNames() ([]string, error) {
	var names []string
	err := s.db.Iterate([]byte(prefixGovParam), func(key, value []byte) bool {
		names = append(names, strings.TrimPrefix(string(key), prefixGovParam))
		return true
	})
	return names, err
}

func (s *LedgerState) WeekApproval(week uint64) (*gov.WeekApproval, error) {
	var record gov.WeekApproval
	ok, err := s.get(seqKey(prefixApproval, week), &record)
	if err != nil || !ok {
		return nil, err
	}
	return &record, nil
}

func (s *LedgerState) PutWeekApproval(record *gov.WeekApproval) error {
	return s.put(seqKey(prefixApproval, record.Week), record)
}

func (s *LedgerState) PausedFlag(module string) (bool, error) {
	var paused bool
	if _, err := s.get(prefixPauseFlag+module, &paused); err != nil {
		return false, err
	}
	return paused, nil
}

func (s *LedgerState) SetPausedFlag(module string, paused bool) error {
	return s.put(prefixPauseFlag+module, paused)
}

// --- accounts ---

type storedAccount struct {
	Balance string `json:"balance"`
}

// GetAccount returns the account record, zero-balance if absent.
func (s *LedgerState) GetAccount(addr [20]byte) (*types.Account, error) {
	var stored storedAccount
	ok, err := s.get(addrKey(prefixAccount, addr), &stored)
	if err != nil {
		return nil, err
	}
	account := &types.Account{Balance: big.NewInt(0)}
	if !ok {
		return account, nil
	}
	balance, good := new(big.Int).SetString(stored.Balance, 10)
	if !good {
		return nil, fmt.Errorf("core: corrupt account balance %q", stored.Balance)
	}
	account.Balance = balance
	return account, nil
}

func (s *LedgerState) PutAccount(addr [20]byte, account *types.Account) error {
	balance := "0"
	if account != nil && account.Balance != nil {
		balance = account.Balance.String()
	}
	return s.put(addrKey(prefixAccount, addr), storedAccount{Balance: balance})
}

// ParseAddress decodes a 40-char hex address, with or without 0x prefix.
func ParseAddress(raw string) ([20]byte, error) {
	var addr [20]byte
	trimmed := strings.TrimPrefix(strings.TrimSpace(raw), "0x")
	decoded, err := hex.DecodeString(trimmed)
	if err != nil {
		return addr, fmt.Errorf("core: invalid address %q: %w", raw, err)
	}
	if len(decoded) != len(addr) {
		return addr, fmt.Errorf("core: invalid address length %d", len(decoded))
	}
	copy(addr[:], decoded)
	return addr, nil
}

// FormatAddress renders an address as 0x-prefixed hex.
func FormatAddress(addr [20]byte) string {
	return "0x" + hex.EncodeToString(addr[:])
}

// ParseAmount decodes a base-10 token amount.
func ParseAmount(raw string) (*big.Int, error) {
	value, ok := new(big.Int).SetString(strings.TrimSpace(raw), 10)
	if !ok {
		return nil, fmt.Errorf("core: invalid amount %q", raw)
	}
	return value, nil
}

// ParseUint decodes a base-10 unsigned integer field.
func ParseUint(raw string) (uint64, error) {
	return strconv.ParseUint(strings.TrimSpace(raw), 10, 64)
}
