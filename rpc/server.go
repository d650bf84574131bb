// Package rpc serves the HTTP API over the ledger node.
package rpc

import (
	"encoding/json"
	"errors"
	"log/slog"
	"math/big"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"gapguard/core"
	"gapguard/native/gov"
	"gapguard/native/policy"
	"gapguard/native/pool"
	"gapguard/observability/metrics"
)

// Options configure the HTTP server.
type Options struct {
	GuardianSecret    string
	RequestsPerSecond float64
	Burst             int
}

// Server exposes the ledger over HTTP.
type Server struct {
	node   *core.Node
	logger *slog.Logger
	auth   *GuardianAuth
}

// NewServer builds the API server.
func NewServer(node *core.Node, logger *slog.Logger, opts Options) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		node:   node,
		logger: logger,
		auth:   NewGuardianAuth(opts.GuardianSecret),
	}
}

// Auth exposes the guardian token issuer for operator tooling.
func (s *Server) Auth() *GuardianAuth { return s.auth }

// Router assembles the route tree.
func (s *Server) Router(opts Options) http.Handler {
	if opts.RequestsPerSecond <= 0 {
		opts.RequestsPerSecond = 20
	}
	if opts.Burst <= 0 {
		opts.Burst = 40
	}
	limiter := rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), opts.Burst)

	r := chi.NewRouter()
	r.Use(requestID)
	r.Use(accessLog(s.logger))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(throttle(limiter))

		r.Get("/pool/stats", s.handlePoolStats)
		r.Get("/pool/queue", s.handleQueueStats)
		r.Get("/pool/withdrawals/{seq}", s.handleWithdrawal)
		r.Get("/pool/stakers/{address}", s.handleStakerBalance)
		r.Get("/accounts/{address}", s.handleAccount)
		r.Get("/policies/{id}", s.handleGetPolicy)
		r.Get("/weeks/{week}/can-settle", s.handleCanSettle)
		r.Get("/gov/changes", s.handleGovChanges)
		r.Post("/policies/quote", s.handleQuote)

		r.Post("/pool/stake", s.handleStake)
		r.Post("/pool/withdrawals", s.handleRequestWithdrawal)
		r.Post("/policies", s.handleBuyPolicy)
		r.Post("/policies/{id}/settle", s.handleSettlePolicy)

		r.Group(func(r chi.Router) {
			r.Use(s.auth.Middleware)
			r.Post("/gov/settlement-approvals", s.handleApproveSettlement)
			r.Post("/gov/volatility", s.handleQueueVolatility)
			r.Post("/gov/holiday-multiplier", s.handleQueueHoliday)
			r.Post("/gov/pause", s.handlePause)
			r.Post("/gov/unpause", s.handleUnpause)
		})
	})
	return r
}

// --- wire types ---

type errorBody struct {
	Error string `json:"error"`
}

type amountRequest struct {
	Address string `json:"address"`
	Amount  string `json:"amount"`
}

type buyPolicyRequest struct {
	Holder       string `json:"holder"`
	Coverage     string `json:"coverage"`
	ThresholdBps uint64 `json:"thresholdBps"`
}

type quoteRequest struct {
	Coverage     string `json:"coverage"`
	ThresholdBps uint64 `json:"thresholdBps"`
}

type guardianRequest struct {
	Caller   string `json:"caller"`
	Week     uint64 `json:"week,omitempty"`
	Bps      uint64 `json:"bps,omitempty"`
	SplitBps uint64 `json:"splitBps,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

type policyResponse struct {
	ID            uint64 `json:"id"`
	Holder        string `json:"holder"`
	Coverage      string `json:"coverage"`
	ThresholdBps  uint64 `json:"thresholdBps"`
	Premium       string `json:"premium"`
	PurchasedAt   int64  `json:"purchasedAt"`
	RefClosePrice string `json:"refClosePrice"`
	Week          uint64 `json:"week"`
	Status        string `json:"status"`
	Payout        string `json:"payout,omitempty"`
	GapBps        uint64 `json:"gapBps,omitempty"`
	SettledAt     int64  `json:"settledAt,omitempty"`
}

func renderPolicy(p *policy.Policy) policyResponse {
	out := policyResponse{
		ID:            p.ID,
		Holder:        core.FormatAddress(p.Holder),
		Coverage:      p.Coverage.String(),
		ThresholdBps:  p.ThresholdBps,
		Premium:       p.Premium.String(),
		PurchasedAt:   p.PurchasedAt,
		RefClosePrice: p.RefClosePrice.String(),
		Week:          p.Week,
		Status:        p.Status.String(),
		GapBps:        p.GapBps,
		SettledAt:     p.SettledAt,
	}
	if p.Payout != nil {
		out.Payout = p.Payout.String()
	}
	return out
}

type transferResponse struct {
	To     string `json:"to"`
	Amount string `json:"amount"`
}

func renderTransfers(transfers []pool.Transfer) []transferResponse {
	out := make([]transferResponse, 0, len(transfers))
	for _, t := range transfers {
		out = append(out, transferResponse{To: core.FormatAddress(t.To), Amount: t.Amount.String()})
	}
	return out
}

// --- handlers ---

func (s *Server) handlePoolStats(w http.ResponseWriter, _ *http.Request) {
	stats, err := s.node.PoolStats()
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"totalStaked":    stats.TotalStaked.String(),
		"totalCoverage":  stats.TotalCoverage.String(),
		"utilizationBps": stats.UtilizationBps,
		"reserveBalance": stats.ReserveBalance.String(),
		"policyCount":    stats.PolicyCount,
	})
}

func (s *Server) handleQueueStats(w http.ResponseWriter, _ *http.Request) {
	stats, err := s.node.QueueStats()
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"head":          stats.Head,
		"length":        stats.Length,
		"pendingTotal":  stats.PendingTotal.String(),
		"freeLiquidity": stats.FreeLiquidity.String(),
	})
}

func (s *Server) handleWithdrawal(w http.ResponseWriter, r *http.Request) {
	seq, err := core.ParseUint(chi.URLParam(r, "seq"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid sequence number")
		return
	}
	request, err := s.node.Withdrawal(seq)
	if err != nil {
		s.fail(w, err)
		return
	}
	ahead, err := s.node.DollarAhead(seq)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"seq":         request.Seq,
		"staker":      core.FormatAddress(request.Staker),
		"amount":      request.Amount.String(),
		"filled":      request.Filled.String(),
		"processed":   request.Processed,
		"dollarAhead": ahead.String(),
	})
}

func (s *Server) handleStakerBalance(w http.ResponseWriter, r *http.Request) {
	addr, err := core.ParseAddress(chi.URLParam(r, "address"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid address")
		return
	}
	balance, err := s.node.StakerBalance(addr)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"balance": balance.String()})
}

func (s *Server) handleAccount(w http.ResponseWriter, r *http.Request) {
	addr, err := core.ParseAddress(chi.URLParam(r, "address"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid address")
		return
	}
	balance, err := s.node.AccountBalance(addr)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"balance": balance.String()})
}

func (s *Server) handleGetPolicy(w http.ResponseWriter, r *http.Request) {
	id, err := core.ParseUint(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid policy id")
		return
	}
	record, err := s.node.GetPolicy(id)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, renderPolicy(record))
}

func (s *Server) handleCanSettle(w http.ResponseWriter, r *http.Request) {
	week, err := core.ParseUint(chi.URLParam(r, "week"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid week")
		return
	}
	eligibility, err := s.node.CanSettle(week)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, eligibility)
}

func (s *Server) handleGovChanges(w http.ResponseWriter, _ *http.Request) {
	changes, err := s.node.GovChanges()
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, changes)
}

func (s *Server) handleQuote(w http.ResponseWriter, r *http.Request) {
	var req quoteRequest
	if !decode(w, r, &req) {
		return
	}
	coverage, err := core.ParseAmount(req.Coverage)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid coverage amount")
		return
	}
	eligibility, err := s.node.CanBuyPolicy(coverage, req.ThresholdBps)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, eligibility)
}

func (s *Server) handleStake(w http.ResponseWriter, r *http.Request) {
	var req amountRequest
	if !decode(w, r, &req) {
		return
	}
	addr, amount, ok := parseAmountRequest(w, req)
	if !ok {
		return
	}
	receipt, err := s.node.Stake(addr, amount)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"shares":    receipt.Shares.String(),
		"transfers": renderTransfers(receipt.Transfers),
	})
}

func (s *Server) handleRequestWithdrawal(w http.ResponseWriter, r *http.Request) {
	var req amountRequest
	if !decode(w, r, &req) {
		return
	}
	addr, amount, ok := parseAmountRequest(w, req)
	if !ok {
		return
	}
	receipt, err := s.node.RequestWithdrawal(addr, amount)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"seq":       receipt.Seq,
		"immediate": receipt.Immediate,
		"transfers": renderTransfers(receipt.Transfers),
	})
}

func (s *Server) handleBuyPolicy(w http.ResponseWriter, r *http.Request) {
	var req buyPolicyRequest
	if !decode(w, r, &req) {
		return
	}
	holder, err := core.ParseAddress(req.Holder)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid holder address")
		return
	}
	coverage, err := core.ParseAmount(req.Coverage)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid coverage amount")
		return
	}
	record, err := s.node.BuyPolicy(holder, coverage, req.ThresholdBps)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, renderPolicy(record))
}

func (s *Server) handleSettlePolicy(w http.ResponseWriter, r *http.Request) {
	id, err := core.ParseUint(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid policy id")
		return
	}
	result, err := s.node.SettlePolicy(id)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"policy":    renderPolicy(result.Policy),
		"payout":    result.Payout.String(),
		"gapBps":    result.GapBps,
		"approval":  result.Approval.Source.String(),
		"transfers": renderTransfers(result.Transfers),
	})
}

func (s *Server) handleApproveSettlement(w http.ResponseWriter, r *http.Request) {
	var req guardianRequest
	if !decode(w, r, &req) {
		return
	}
	caller, err := core.ParseAddress(req.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid caller address")
		return
	}
	if err := s.node.ApproveSettlement(caller, req.Week, req.SplitBps, req.Reason); err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "approved"})
}

func (s *Server) handleQueueVolatility(w http.ResponseWriter, r *http.Request) {
	var req guardianRequest
	if !decode(w, r, &req) {
		return
	}
	caller, err := core.ParseAddress(req.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid caller address")
		return
	}
	if err := s.node.QueueVolatilityChange(caller, req.Bps, req.Reason); err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
}

func (s *Server) handleQueueHoliday(w http.ResponseWriter, r *http.Request) {
	var req guardianRequest
	if !decode(w, r, &req) {
		return
	}
	caller, err := core.ParseAddress(req.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid caller address")
		return
	}
	if err := s.node.QueueHolidayMultiplier(caller, req.Week, req.Bps, req.Reason); err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	s.handleSetPaused(w, r, true)
}

func (s *Server) handleUnpause(w http.ResponseWriter, r *http.Request) {
	s.handleSetPaused(w, r, false)
}

func (s *Server) handleSetPaused(w http.ResponseWriter, r *http.Request, paused bool) {
	var req guardianRequest
	if !decode(w, r, &req) {
		return
	}
	caller, err := core.ParseAddress(req.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid caller address")
		return
	}
	if paused {
		err = s.node.Pause(caller)
	} else {
		err = s.node.Unpause(caller)
	}
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"paused": paused})
}

// --- helpers ---

func parseAmountRequest(w http.ResponseWriter, req amountRequest) ([20]byte, *big.Int, bool) {
	addr, err := core.ParseAddress(req.Address)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid address")
		return addr, nil, false
	}
	amount, err := core.ParseAmount(req.Amount)
	if err != nil || amount.Sign() <= 0 {
		writeError(w, http.StatusBadRequest, "invalid amount")
		return addr, nil, false
	}
	return addr, amount, true
}

func decode(w http.ResponseWriter, r *http.Request, out interface{}) bool {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(out); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg})
}

// fail maps ledger errors onto HTTP status codes.
func (s *Server) fail(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, policy.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, gov.ErrUnauthorized):
		status = http.StatusForbidden
	case errors.Is(err, policy.ErrProtocolPaused),
		errors.Is(err, policy.ErrAlreadySettled),
		errors.Is(err, policy.ErrSettlementNotApproved),
		errors.Is(err, policy.ErrWeekNotOpen),
		errors.Is(err, gov.ErrTimelockNotElapsed),
		errors.Is(err, gov.ErrAlreadyApproved):
		status = http.StatusConflict
	case errors.Is(err, policy.ErrStaleOracle):
		metrics.Default().StaleOracleRejections.Inc()
		status = http.StatusServiceUnavailable
	case errors.Is(err, policy.ErrInvalidThreshold),
		errors.Is(err, policy.ErrCoverageCapExceeded),
		errors.Is(err, policy.ErrPremiumOutOfBounds),
		errors.Is(err, pool.ErrInsufficientBalance),
		errors.Is(err, pool.ErrInsufficientLiquidity),
		errors.Is(err, core.ErrInsufficientFunds):
		status = http.StatusUnprocessableEntity
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "err", err)
	}
	writeError(w, status, err.Error())
}
