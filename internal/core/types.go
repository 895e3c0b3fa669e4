package core

import (
	"time"

	"github.com/shopspring/decimal"
)

// GridStatus is the lifecycle status of a GridWorker.
type GridStatus string

const (
	StatusStopped GridStatus = "STOPPED"
	StatusRunning GridStatus = "RUNNING"
	StatusPaused  GridStatus = "PAUSED"
	StatusKilled  GridStatus = "KILLED"
)

// GridParameters are immutable per deployment. Spacing and invest_per_level
// are derived once at construction via Derive.
type GridParameters struct {
	Symbol           string
	LowerPrice       decimal.Decimal
	UpperPrice       decimal.Decimal
	GridCount        int
	TotalInvestment  decimal.Decimal
	StopLoss         *decimal.Decimal
	TakeProfit       *decimal.Decimal
	BTCFilterEnabled bool
	FeeBps           decimal.Decimal

	Spacing        decimal.Decimal
	InvestPerLevel decimal.Decimal
}

// Derive computes Spacing and InvestPerLevel from the configured bounds.
// Must be called once before the parameters are used to build a grid.
func (p *GridParameters) Derive() {
	p.Spacing = p.UpperPrice.Sub(p.LowerPrice).Div(decimal.NewFromInt(int64(p.GridCount)))
	p.InvestPerLevel = p.TotalInvestment.Div(decimal.NewFromInt(int64(p.GridCount)))
}

// Validate checks the static invariants on GridParameters.
func (p *GridParameters) Validate() error {
	switch {
	case p.Symbol == "":
		return ErrInvalidParams("symbol is required")
	case p.UpperPrice.LessThanOrEqual(p.LowerPrice):
		return ErrInvalidParams("upper_price must be > lower_price")
	case p.LowerPrice.LessThanOrEqual(decimal.Zero):
		return ErrInvalidParams("lower_price must be > 0")
	case p.GridCount < 2:
		return ErrInvalidParams("grid_count must be >= 2")
	case p.TotalInvestment.LessThanOrEqual(decimal.Zero):
		return ErrInvalidParams("total_investment must be > 0")
	case p.StopLoss != nil && !p.StopLoss.LessThan(p.LowerPrice):
		return ErrInvalidParams("stop_loss must be < lower_price")
	case p.TakeProfit != nil && !p.TakeProfit.GreaterThan(p.UpperPrice):
		return ErrInvalidParams("take_profit must be > upper_price")
	}
	return nil
}

// ErrInvalidParams is a lightweight constructor kept distinct from
// apperrors.GridError so core stays free of an import cycle; controller and
// httpapi wrap it into a *apperrors.GridError with Kind InvalidParameters.
type InvalidParamsError string

func (e InvalidParamsError) Error() string { return string(e) }

func ErrInvalidParams(reason string) error { return InvalidParamsError(reason) }

// GridLevel is one price rung of a deployed grid.
type GridLevel struct {
	Index            int
	Price            decimal.Decimal
	Quantity         decimal.Decimal
	BuyOrderID       string
	SellOrderID      string
	Holding          bool
	FilledQty        decimal.Decimal // accumulated partial fill, reset on level transition
	LastTransitionTs time.Time
}

// HasOpenOrder reports whether the level currently has a live order on
// either side — used to enforce the single-side-per-level invariant.
func (l *GridLevel) HasOpenOrder() bool {
	return l.BuyOrderID != "" || l.SellOrderID != ""
}

// GridState is the full mutable state of one symbol's grid, owned
// exclusively by its GridWorker goroutine.
type GridState struct {
	Params       GridParameters
	Levels       []GridLevel
	CurrentPrice decimal.Decimal
	Status       GridStatus

	TotalBuys   int64
	TotalSells  int64
	RealizedPnL decimal.Decimal
	LastTickTs  time.Time

	// PendingOps tracks in-flight exchange calls keyed by client_tag, for
	// idempotency under retry.
	PendingOps map[string]struct{}

	// Epoch is incremented on every stop/rebalance; stale responses carrying
	// an older epoch are discarded without mutation.
	Epoch uint64

	// StopLossTripped is sticky: once set, start/resume fail while
	// StopLossAcked is false. No controller operation sets StopLossAcked,
	// so the flag holds for the worker's lifetime; redeploying the symbol
	// builds a fresh worker with it cleared.
	StopLossTripped bool
	StopLossAcked   bool
}

// GridSnap is the read-only, deep-copied view returned by snapshot().
type GridSnap struct {
	Symbol        string          `json:"symbol"`
	Status        GridStatus      `json:"status"`
	CurrentPrice  decimal.Decimal `json:"current_price"`
	LowerPrice    decimal.Decimal `json:"lower_price"`
	UpperPrice    decimal.Decimal `json:"upper_price"`
	GridCount     int             `json:"grid_count"`
	FilledLevels  int             `json:"filled_levels"`
	PendingBuys   int             `json:"pending_buys"`
	PendingSells  int             `json:"pending_sells"`
	TotalBuys     int64           `json:"total_buys"`
	TotalSells    int64           `json:"total_sells"`
	RealizedPnL   decimal.Decimal `json:"realized_pnl"`
	LastUpdate    time.Time       `json:"last_update"`
}

// Snapshot deep-copies the GridState into an immutable GridSnap.
func (s *GridState) Snapshot() GridSnap {
	snap := GridSnap{
		Symbol:       s.Params.Symbol,
		Status:       s.Status,
		CurrentPrice: s.CurrentPrice,
		LowerPrice:   s.Params.LowerPrice,
		UpperPrice:   s.Params.UpperPrice,
		GridCount:    s.Params.GridCount,
		TotalBuys:    s.TotalBuys,
		TotalSells:   s.TotalSells,
		RealizedPnL:  s.RealizedPnL,
		LastUpdate:   s.LastTickTs,
	}
	for _, lvl := range s.Levels {
		if lvl.Holding {
			snap.FilledLevels++
		}
		if lvl.BuyOrderID != "" {
			snap.PendingBuys++
		}
		if lvl.SellOrderID != "" {
			snap.PendingSells++
		}
	}
	return snap
}

// PriceObservation is a single window entry for volatility computation.
type PriceObservation struct {
	Price decimal.Decimal
	Ts    time.Time
}

// RiskState is the RiskSupervisor's full mutable state. Guarded by a mutex
// held for O(1) work per the concurrency model; per-field single-writer
// where feasible (tick ingestion) and mutex-guarded where shared
// (kill latch, equity, error counters).
type RiskState struct {
	InitialEquity decimal.Decimal
	CurrentEquity decimal.Decimal
	DrawdownPct   decimal.Decimal

	PriceWindows map[string][]PriceObservation
	VolatilityPct map[string]decimal.Decimal

	APICallsTotal  int64
	APICallsFailed int64
	APIErrorRatePct decimal.Decimal

	VolatilityBreakersActive int

	KillSwitch        bool
	KillReason         string
	PotentialKillReason string
	LastCheckTs        time.Time
}

// RiskSnap is the read-only view of RiskState returned over the HTTP API.
type RiskSnap struct {
	TotalEquity         decimal.Decimal `json:"total_equity"`
	InitialEquity       decimal.Decimal `json:"initial_equity"`
	DrawdownPercent     decimal.Decimal `json:"drawdown_percent"`
	APIErrorRate        decimal.Decimal `json:"api_error_rate"`
	VolatilityBreakers  int             `json:"volatility_breakers"`
	KillSwitchTriggered bool            `json:"kill_switch_triggered"`
	KillSwitchReason    string          `json:"kill_switch_reason"`
	PotentialKillReason string          `json:"potential_kill_reason"`
	LastCheck           time.Time       `json:"last_check"`
}
