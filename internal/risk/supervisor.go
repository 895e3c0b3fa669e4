// Package risk implements the RiskSupervisor: per-symbol volatility
// tracking, API error-rate estimation, equity/drawdown monitoring, and the
// global kill latch (§4.2).
package risk

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"gridtrader/internal/config"
	"gridtrader/internal/core"
)

const (
	defaultVolatilitySamples = 10
	minAPICallsForErrorRate  = 50
)

// Supervisor implements core.RiskGate and core.APICallRecorder. All counter
// mutations are guarded by mu, held only for O(1) work, matching §5's
// "guarded by a mutex held for O(1) work" requirement for cross-task state.
type Supervisor struct {
	mu sync.Mutex

	cfg      config.RiskControlConfig
	exchange core.Exchange
	logger   core.ILogger

	btcSymbol string
	positionCaps map[string]decimal.Decimal // symbol -> total_investment, for MAX_POSITION_PCT

	state core.RiskState

	apiCallHistory []bool // ring buffer of recent call outcomes for the rolling error rate
	apiHistoryHead int

	stopLossOf      map[string]*decimal.Decimal
	btcFilterOf     map[string]bool

	killCh chan string // publishes Kill(reason) to the controller
}

// New constructs a Supervisor. btcSymbol is the symbol whose volatility
// gates the BTC filter; it may be empty if no grid enables btc_filter_enabled.
func New(cfg config.RiskControlConfig, exchange core.Exchange, logger core.ILogger, btcSymbol string) *Supervisor {
	return &Supervisor{
		cfg:      cfg,
		exchange: exchange,
		logger:   logger.WithField("component", "risk_supervisor"),
		btcSymbol: btcSymbol,
		positionCaps: make(map[string]decimal.Decimal),
		stopLossOf: make(map[string]*decimal.Decimal),
		btcFilterOf: make(map[string]bool),
		state: core.RiskState{
			PriceWindows:  make(map[string][]core.PriceObservation),
			VolatilityPct: make(map[string]decimal.Decimal),
		},
		apiCallHistory: make([]bool, 1000),
		killCh:         make(chan string, 1),
	}
}

// KillEvents exposes the channel the Controller listens on for Kill(reason)
// publications (§4.2 "publishes a Kill(reason) event to the controller").
func (s *Supervisor) KillEvents() <-chan string { return s.killCh }

// SetExchange wires the exchange used for equity polling. Exchange
// construction takes the Supervisor as its APICallRecorder, so the two can't
// be built in one step; callers construct the Supervisor first and attach
// the exchange once it exists.
func (s *Supervisor) SetExchange(exchange core.Exchange) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.exchange = exchange
}

// RegisterSymbol records a symbol's stop_loss, total_investment, and
// btc_filter_enabled flag so the pre-trade gate can evaluate them without
// reaching back into the grid. Called by the Controller on deploy.
func (s *Supervisor) RegisterSymbol(symbol string, stopLoss *decimal.Decimal, totalInvestment decimal.Decimal, btcFilterEnabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLossOf[symbol] = stopLoss
	s.positionCaps[symbol] = totalInvestment
	s.btcFilterOf[symbol] = btcFilterEnabled
	if _, ok := s.state.PriceWindows[symbol]; !ok {
		s.state.PriceWindows[symbol] = nil
		s.state.VolatilityPct[symbol] = decimal.Zero
	}
}

// OnTick ingests a new price observation for symbol, updates the rolling
// window and volatility, and re-evaluates kill conditions (§4.2).
func (s *Supervisor) OnTick(symbol string, price decimal.Decimal, ts time.Time) {
	s.mu.Lock()
	window := append(s.state.PriceWindows[symbol], core.PriceObservation{Price: price, Ts: ts})
	if max := s.cfg.PriceWindowSize; max > 0 && len(window) > max {
		window = window[len(window)-max:]
	}
	s.state.PriceWindows[symbol] = window
	s.state.VolatilityPct[symbol] = volatilityPct(window, defaultVolatilitySamples)
	s.recomputeBreakerCountLocked()
	s.mu.Unlock()

	s.evaluateKillConditions()
}

// volatilityPct computes max(|p - mean| / mean * 100) over the last n
// observations in window (§4.2).
func volatilityPct(window []core.PriceObservation, n int) decimal.Decimal {
	if len(window) == 0 {
		return decimal.Zero
	}
	start := 0
	if len(window) > n {
		start = len(window) - n
	}
	sample := window[start:]

	sum := decimal.Zero
	for _, obs := range sample {
		sum = sum.Add(obs.Price)
	}
	mean := sum.Div(decimal.NewFromInt(int64(len(sample))))
	if mean.IsZero() {
		return decimal.Zero
	}

	maxDev := decimal.Zero
	for _, obs := range sample {
		dev := obs.Price.Sub(mean).Abs().Div(mean).Mul(decimal.NewFromInt(100))
		if dev.GreaterThan(maxDev) {
			maxDev = dev
		}
	}
	return maxDev
}

func (s *Supervisor) recomputeBreakerCountLocked() {
	count := 0
	threshold := decimal.NewFromFloat(s.cfg.VolatilityThreshold)
	for _, v := range s.state.VolatilityPct {
		if v.GreaterThan(threshold) {
			count++
		}
	}
	s.state.VolatilityBreakersActive = count
}

// RecordAPICall implements core.APICallRecorder; called by the Exchange
// capability wrapper after every call.
func (s *Supervisor) RecordAPICall(success bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.APICallsTotal++
	if !success {
		s.state.APICallsFailed++
	}
	s.apiCallHistory[s.apiHistoryHead] = !success
	s.apiHistoryHead = (s.apiHistoryHead + 1) % len(s.apiCallHistory)
	s.recomputeAPIErrorRateLocked()
}

// recomputeAPIErrorRateLocked computes api_error_rate_pct over the last
// len(apiCallHistory) calls (we pick "last 1000 calls" per §4.2's either/or,
// and apply it consistently).
func (s *Supervisor) recomputeAPIErrorRateLocked() {
	n := s.state.APICallsTotal
	if n > int64(len(s.apiCallHistory)) {
		n = int64(len(s.apiCallHistory))
	}
	if n == 0 {
		s.state.APIErrorRatePct = decimal.Zero
		return
	}
	failed := 0
	for i := int64(0); i < n; i++ {
		if s.apiCallHistory[i] {
			failed++
		}
	}
	s.state.APIErrorRatePct = decimal.NewFromInt(int64(failed)).Div(decimal.NewFromInt(n)).Mul(decimal.NewFromInt(100))
}

// PollEquity reads wallet_equity from the Exchange and updates the drawdown
// estimate; intended to be called on a fixed cadence (default 60s, §4.2).
func (s *Supervisor) PollEquity(ctx context.Context) {
	equity, err := s.exchange.WalletEquity(ctx)
	if err != nil {
		s.logger.Warn("equity poll failed", "error", err)
		return
	}

	s.mu.Lock()
	if s.state.InitialEquity.IsZero() {
		s.state.InitialEquity = equity
	}
	s.state.CurrentEquity = equity
	if !s.state.InitialEquity.IsZero() {
		s.state.DrawdownPct = equity.Sub(s.state.InitialEquity).Div(s.state.InitialEquity).Mul(decimal.NewFromInt(100))
	}
	s.state.LastCheckTs = time.Now()
	s.mu.Unlock()

	s.evaluateKillConditions()
}

// Run drives the periodic equity poll loop until ctx is cancelled.
func (s *Supervisor) Run(ctx context.Context) {
	interval := s.cfg.EquityPollInterval
	if interval <= 0 {
		interval = 60 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	s.PollEquity(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.PollEquity(ctx)
		}
	}
}

// evaluateKillConditions checks the three kill conditions of §4.2 and
// latches the kill switch atomically with a reason on first breach.
func (s *Supervisor) evaluateKillConditions() {
	s.mu.Lock()

	maxDrawdown := decimal.NewFromFloat(s.cfg.MaxDrawdownPct)
	maxAPIErr := decimal.NewFromFloat(s.cfg.MaxAPIErrorPct)

	var reason string
	switch {
	case !s.state.InitialEquity.IsZero() && s.state.DrawdownPct.LessThanOrEqual(maxDrawdown.Neg()):
		reason = fmt.Sprintf("drawdown_pct %s <= -%s", s.state.DrawdownPct.String(), maxDrawdown.String())
	case s.state.APICallsTotal >= minAPICallsForErrorRate && s.state.APIErrorRatePct.GreaterThanOrEqual(maxAPIErr):
		reason = fmt.Sprintf("api_error_rate_pct %s >= %s", s.state.APIErrorRatePct.String(), maxAPIErr.String())
	case s.cfg.VolatilityBreakerCount > 0 && s.state.VolatilityBreakersActive >= s.cfg.VolatilityBreakerCount:
		reason = fmt.Sprintf("volatility_breakers_active %d >= %d", s.state.VolatilityBreakersActive, s.cfg.VolatilityBreakerCount)
	}

	// PotentialKillReason always reflects the current condition set, even
	// while already latched, so ResetKill can observe a cleared condition.
	s.state.PotentialKillReason = reason

	if reason == "" || s.state.KillSwitch {
		s.mu.Unlock()
		return
	}

	s.state.KillSwitch = true
	s.state.KillReason = reason
	s.mu.Unlock()

	s.logger.Warn("kill latch tripped", "reason", reason)
	select {
	case s.killCh <- reason:
	default:
	}
}

// AllowStart implements the pre-trade gate of §4.2.
func (s *Supervisor) AllowStart(symbol string, currentPrice decimal.Decimal) (bool, string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state.KillSwitch {
		return false, "kill latch is set: " + s.state.KillReason
	}
	if sl, ok := s.stopLossOf[symbol]; ok && sl != nil && currentPrice.LessThanOrEqual(*sl) {
		return false, fmt.Sprintf("%s price %s is at or below stop_loss %s", symbol, currentPrice.String(), sl.String())
	}
	if s.btcFilterOf[symbol] && s.btcSymbol != "" {
		if v, ok := s.state.VolatilityPct[s.btcSymbol]; ok && v.GreaterThan(decimal.NewFromFloat(s.cfg.VolatilityThreshold)) {
			return false, "BTC volatility breaker active"
		}
	}
	if capInvestment, ok := s.positionCaps[symbol]; ok && !s.state.CurrentEquity.IsZero() && s.cfg.MaxPositionPct > 0 {
		maxPositionPct := decimal.NewFromFloat(s.cfg.MaxPositionPct)
		exposurePct := capInvestment.Div(s.state.CurrentEquity).Mul(decimal.NewFromInt(100))
		if exposurePct.GreaterThan(maxPositionPct) {
			return false, fmt.Sprintf("%s exposure %s%% exceeds max_position_pct %s%%", symbol, exposurePct.String(), maxPositionPct.String())
		}
	}
	return true, ""
}

// BTCBreakerActive reports whether the configured BTC symbol's volatility
// currently exceeds the breaker threshold.
func (s *Supervisor) BTCBreakerActive() bool {
	if s.btcSymbol == "" {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.state.VolatilityPct[s.btcSymbol]
	return ok && v.GreaterThan(decimal.NewFromFloat(s.cfg.VolatilityThreshold))
}

// KillLatched reports the current kill-switch state.
func (s *Supervisor) KillLatched() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.KillSwitch
}

// ResetKill clears the latch only if no kill condition currently holds,
// returning false (and leaving the latch set) otherwise (§4.3 reset_kill).
func (s *Supervisor) ResetKill() bool {
	s.mu.Lock()
	if s.state.PotentialKillReason != "" {
		s.mu.Unlock()
		return false
	}
	s.state.KillSwitch = false
	s.state.KillReason = ""
	s.mu.Unlock()
	return true
}

// Snapshot returns the read-only RiskSnap view served over /api/risk.
func (s *Supervisor) Snapshot() core.RiskSnap {
	s.mu.Lock()
	defer s.mu.Unlock()
	return core.RiskSnap{
		TotalEquity:         s.state.CurrentEquity,
		InitialEquity:       s.state.InitialEquity,
		DrawdownPercent:     s.state.DrawdownPct,
		APIErrorRate:        s.state.APIErrorRatePct,
		VolatilityBreakers:  s.state.VolatilityBreakersActive,
		KillSwitchTriggered: s.state.KillSwitch,
		KillSwitchReason:    s.state.KillReason,
		PotentialKillReason: s.state.PotentialKillReason,
		LastCheck:           s.state.LastCheckTs,
	}
}
