// Package safety provides pre-deployment validation for grid parameters:
// equity sufficiency, per-level profitability after fees, and sane grid
// sizing. It runs once at deploy time (Controller.Deploy), ahead of the RiskSupervisor's
// continuous pre-trade gate.
package safety

import (
	"context"
	"fmt"

	"gridtrader/internal/core"

	"github.com/shopspring/decimal"
)

// SafetyChecker implements pre-deployment validation for a spot grid.
type SafetyChecker struct {
	logger core.ILogger
}

// NewSafetyChecker creates a new safety checker.
func NewSafetyChecker(logger core.ILogger) *SafetyChecker {
	return &SafetyChecker{logger: logger}
}

// CheckAccountSafety validates that the account has sufficient equity to
// fund the grid and that each level is profitable net of fees.
func (s *SafetyChecker) CheckAccountSafety(
	ctx context.Context,
	exchange core.Exchange,
	symbol string,
	currentPrice decimal.Decimal,
	investPerLevel decimal.Decimal,
	spacing decimal.Decimal,
	feeBps decimal.Decimal,
	gridCount int,
) error {
	s.logger.Info("starting pre-deploy safety check", "symbol", symbol, "price", currentPrice)

	equity, err := exchange.WalletEquity(ctx)
	if err != nil {
		return fmt.Errorf("failed to read wallet equity: %w", err)
	}

	if equity.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("insufficient account equity: %s", equity)
	}

	totalRequired := investPerLevel.Mul(decimal.NewFromInt(int64(gridCount)))
	if totalRequired.GreaterThan(equity) {
		return fmt.Errorf("total investment %s exceeds wallet equity %s", totalRequired, equity)
	}

	// Profitability: buy at level price, sell one spacing higher; fee applies
	// to both legs, expressed in basis points of notional.
	buyPrice := currentPrice
	sellPrice := currentPrice.Add(spacing)
	feeRate := feeBps.Div(decimal.NewFromInt(10000))
	totalFees := buyPrice.Add(sellPrice).Mul(feeRate)
	netProfit := spacing.Sub(totalFees)

	if netProfit.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("non-positive net profit per level: %s (spacing %s, fees %s); widen spacing or lower fee",
			netProfit, spacing, totalFees)
	}

	s.logger.Info("pre-deploy safety check passed",
		"total_required", totalRequired,
		"equity", equity,
		"net_profit_per_level", netProfit)

	return nil
}

// ValidateTradingParameters validates grid sizing before deploy.
func (s *SafetyChecker) ValidateTradingParameters(
	symbol string,
	spacing decimal.Decimal,
	orderQuantity decimal.Decimal,
	minOrderValue decimal.Decimal,
	gridCount int,
) error {
	switch {
	case symbol == "":
		return fmt.Errorf("trading symbol cannot be empty")
	case spacing.LessThanOrEqual(decimal.Zero):
		return fmt.Errorf("grid spacing must be positive: %s", spacing)
	case orderQuantity.LessThanOrEqual(decimal.Zero):
		return fmt.Errorf("order quantity must be positive: %s", orderQuantity)
	case minOrderValue.LessThan(decimal.Zero):
		return fmt.Errorf("minimum order value cannot be negative: %s", minOrderValue)
	case gridCount < 2 || gridCount > 500:
		return fmt.Errorf("grid count must be between 2 and 500: %d", gridCount)
	}

	if gridCount > 200 {
		s.logger.Warn("large grid count may impact placement latency",
			"grid_count", gridCount, "recommended_max", 200)
	}

	return nil
}

// CheckExchangeConnectivity performs a basic read-path liveness check.
func (s *SafetyChecker) CheckExchangeConnectivity(ctx context.Context, exchange core.Exchange, symbol string) error {
	equity, err := exchange.WalletEquity(ctx)
	if err != nil {
		return fmt.Errorf("wallet equity read failed: %w", err)
	}
	if equity.LessThan(decimal.Zero) {
		return fmt.Errorf("invalid negative equity received: %s", equity)
	}

	if _, err := exchange.OpenOrders(ctx, symbol); err != nil {
		s.logger.Warn("open orders read failed (may be normal on a fresh account)", "error", err.Error())
	}

	s.logger.Info("exchange connectivity check passed", "symbol", symbol)
	return nil
}
