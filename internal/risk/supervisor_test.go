package risk

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gridtrader/internal/config"
	"gridtrader/internal/core"
)

type stubExchange struct {
	equity decimal.Decimal
}

func (s *stubExchange) PlaceLimit(ctx context.Context, symbol string, side core.Side, price, qty decimal.Decimal, clientTag string) (string, error) {
	return "stub-order", nil
}
func (s *stubExchange) Cancel(ctx context.Context, orderID string) error { return nil }
func (s *stubExchange) OrderStatus(ctx context.Context, orderID string) (core.OrderStatus, error) {
	return core.OrderStatus{OrderID: orderID, State: core.OrderNew}, nil
}
func (s *stubExchange) OpenOrders(ctx context.Context, symbol string) ([]string, error) {
	return nil, nil
}
func (s *stubExchange) WalletEquity(ctx context.Context) (decimal.Decimal, error) {
	return s.equity, nil
}
func (s *stubExchange) Subscribe(ctx context.Context, symbols []string) (<-chan core.Tick, error) {
	return nil, nil
}
func (s *stubExchange) LastPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	return decimal.Zero, nil
}

type nopLogger struct{}

func (n *nopLogger) Debug(msg string, fields ...interface{})               {}
func (n *nopLogger) Info(msg string, fields ...interface{})                {}
func (n *nopLogger) Warn(msg string, fields ...interface{})                {}
func (n *nopLogger) Error(msg string, fields ...interface{})               {}
func (n *nopLogger) Fatal(msg string, fields ...interface{})               {}
func (n *nopLogger) WithField(key string, value interface{}) core.ILogger  { return n }
func (n *nopLogger) WithFields(fields map[string]interface{}) core.ILogger { return n }

func defaultRiskConfig() config.RiskControlConfig {
	return config.RiskControlConfig{
		PriceWindowSize:        100,
		VolatilityThreshold:    5.0,
		VolatilityBreakerCount: 2,
		MaxDrawdownPct:         30,
		MaxAPIErrorPct:         2.0,
		MaxPositionPct:         50,
		EquityPollInterval:     60 * time.Second,
	}
}

func TestSupervisor_VolatilityBreaker(t *testing.T) {
	sup := New(defaultRiskConfig(), &stubExchange{}, &nopLogger{}, "BTCUSDT")
	sup.RegisterSymbol("BTCUSDT", nil, decimal.NewFromInt(1000), false)

	base := time.Now()
	for i, p := range []float64{100, 100, 100, 100, 100, 100, 100, 100, 100, 100} {
		sup.OnTick("BTCUSDT", decimal.NewFromFloat(p), base.Add(time.Duration(i)*time.Second))
	}
	assert.False(t, sup.BTCBreakerActive())

	// A sharp spike should push volatility_pct above the 5% threshold.
	sup.OnTick("BTCUSDT", decimal.NewFromFloat(200), base.Add(11*time.Second))
	assert.True(t, sup.BTCBreakerActive())
}

func TestSupervisor_APIErrorRateKill(t *testing.T) {
	cfg := defaultRiskConfig()
	cfg.MaxAPIErrorPct = 10
	sup := New(cfg, &stubExchange{equity: decimal.NewFromInt(1000)}, &nopLogger{}, "")

	for i := 0; i < 45; i++ {
		sup.RecordAPICall(true)
	}
	sup.PollEquity(context.Background())
	assert.False(t, sup.KillLatched(), "warm-up guard should hold below 50 calls")

	for i := 0; i < 10; i++ {
		sup.RecordAPICall(false)
	}
	sup.PollEquity(context.Background())
	assert.True(t, sup.KillLatched())
	ok, reason := sup.AllowStart("ETHUSDT", decimal.NewFromInt(100))
	assert.False(t, ok)
	assert.Contains(t, reason, "kill latch")
}

func TestSupervisor_DrawdownKill(t *testing.T) {
	cfg := defaultRiskConfig()
	exch := &stubExchange{equity: decimal.NewFromInt(10000)}
	sup := New(cfg, exch, &nopLogger{}, "")

	sup.PollEquity(context.Background())
	assert.False(t, sup.KillLatched())

	exch.equity = decimal.NewFromInt(6000) // -40% drawdown, exceeds default 30%
	sup.PollEquity(context.Background())
	assert.True(t, sup.KillLatched())

	snap := sup.Snapshot()
	require.True(t, snap.KillSwitchTriggered)
	assert.Contains(t, snap.KillSwitchReason, "drawdown_pct")
}

func TestSupervisor_ResetKillRequiresClearCondition(t *testing.T) {
	cfg := defaultRiskConfig()
	exch := &stubExchange{equity: decimal.NewFromInt(10000)}
	sup := New(cfg, exch, &nopLogger{}, "")
	sup.PollEquity(context.Background())

	exch.equity = decimal.NewFromInt(5000)
	sup.PollEquity(context.Background())
	require.True(t, sup.KillLatched())

	assert.False(t, sup.ResetKill(), "reset must fail while drawdown condition still holds")

	exch.equity = decimal.NewFromInt(10000)
	sup.PollEquity(context.Background())
	assert.True(t, sup.ResetKill())
	assert.False(t, sup.KillLatched())
}

func TestSupervisor_AllowStart_StopLoss(t *testing.T) {
	sup := New(defaultRiskConfig(), &stubExchange{}, &nopLogger{}, "")
	sl := decimal.NewFromInt(90)
	sup.RegisterSymbol("ETHUSDT", &sl, decimal.NewFromInt(1000), false)

	ok, reason := sup.AllowStart("ETHUSDT", decimal.NewFromInt(85))
	assert.False(t, ok)
	assert.Contains(t, reason, "stop_loss")

	ok, _ = sup.AllowStart("ETHUSDT", decimal.NewFromInt(95))
	assert.True(t, ok)
}

func TestSupervisor_AllowStart_BTCFilter(t *testing.T) {
	sup := New(defaultRiskConfig(), &stubExchange{}, &nopLogger{}, "BTCUSDT")
	sup.RegisterSymbol("ETHUSDT", nil, decimal.NewFromInt(1000), true)
	sup.RegisterSymbol("BTCUSDT", nil, decimal.NewFromInt(1000), false)

	base := time.Now()
	for i := 0; i < 10; i++ {
		sup.OnTick("BTCUSDT", decimal.NewFromFloat(100), base.Add(time.Duration(i)*time.Second))
	}
	ok, _ := sup.AllowStart("ETHUSDT", decimal.NewFromInt(100))
	assert.True(t, ok, "BTC volatility is flat, filter must not block")

	sup.OnTick("BTCUSDT", decimal.NewFromFloat(250), base.Add(11*time.Second))
	ok, reason := sup.AllowStart("ETHUSDT", decimal.NewFromInt(100))
	assert.False(t, ok)
	assert.Contains(t, reason, "BTC volatility")
}
