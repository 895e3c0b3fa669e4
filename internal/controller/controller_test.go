package controller

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gridtrader/internal/core"
	"gridtrader/pkg/concurrency"
)

type fakeExchange struct {
	mu     sync.Mutex
	seq    int
	orders map[string]*core.OrderStatus
	equity decimal.Decimal
}

func newFakeExchange() *fakeExchange {
	return &fakeExchange{orders: make(map[string]*core.OrderStatus), equity: decimal.NewFromInt(100000)}
}

func (f *fakeExchange) PlaceLimit(ctx context.Context, symbol string, side core.Side, price, qty decimal.Decimal, clientTag string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	id := fmt.Sprintf("ord-%d", f.seq)
	f.orders[id] = &core.OrderStatus{OrderID: id, State: core.OrderNew, AvgPrice: price}
	return id, nil
}
func (f *fakeExchange) Cancel(ctx context.Context, orderID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if o, ok := f.orders[orderID]; ok {
		o.State = core.OrderCancelled
	}
	return nil
}
func (f *fakeExchange) OrderStatus(ctx context.Context, orderID string) (core.OrderStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.orders[orderID]
	if !ok {
		return core.OrderStatus{}, fmt.Errorf("unknown order")
	}
	return *o, nil
}
func (f *fakeExchange) OpenOrders(ctx context.Context, symbol string) ([]string, error) { return nil, nil }
func (f *fakeExchange) WalletEquity(ctx context.Context) (decimal.Decimal, error)        { return f.equity, nil }
func (f *fakeExchange) Subscribe(ctx context.Context, symbols []string) (<-chan core.Tick, error) {
	return nil, nil
}
func (f *fakeExchange) LastPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	return decimal.Zero, nil
}

type fakeRisk struct {
	mu          sync.Mutex
	killed      bool
	registered  map[string]bool
	killEvents  chan string
}

func newFakeRisk() *fakeRisk {
	return &fakeRisk{registered: make(map[string]bool), killEvents: make(chan string, 1)}
}

func (r *fakeRisk) AllowStart(symbol string, currentPrice decimal.Decimal) (bool, string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.killed {
		return false, "kill latch is set"
	}
	return true, ""
}
func (r *fakeRisk) BTCBreakerActive() bool { return false }
func (r *fakeRisk) KillLatched() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.killed
}
func (r *fakeRisk) RegisterSymbol(symbol string, stopLoss *decimal.Decimal, totalInvestment decimal.Decimal, btcFilterEnabled bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.registered[symbol] = true
}
func (r *fakeRisk) OnTick(symbol string, price decimal.Decimal, ts time.Time) {}

func (r *fakeRisk) ResetKill() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.killed = false
	return true
}
func (r *fakeRisk) KillEvents() <-chan string { return r.killEvents }
func (r *fakeRisk) Snapshot() core.RiskSnap   { return core.RiskSnap{} }

type nopLogger struct{}

func (n *nopLogger) Debug(msg string, fields ...interface{})               {}
func (n *nopLogger) Info(msg string, fields ...interface{})                {}
func (n *nopLogger) Warn(msg string, fields ...interface{})                {}
func (n *nopLogger) Error(msg string, fields ...interface{})               {}
func (n *nopLogger) Fatal(msg string, fields ...interface{})               {}
func (n *nopLogger) WithField(key string, value interface{}) core.ILogger  { return n }
func (n *nopLogger) WithFields(fields map[string]interface{}) core.ILogger { return n }

func testGridParams(symbol string) core.GridParameters {
	return core.GridParameters{
		Symbol:          symbol,
		LowerPrice:      decimal.NewFromInt(100),
		UpperPrice:      decimal.NewFromInt(140),
		GridCount:       4,
		TotalInvestment: decimal.NewFromInt(400),
		FeeBps:          decimal.NewFromInt(10),
	}
}

func newTestController(t *testing.T) (*Controller, *fakeRisk) {
	t.Helper()
	risk := newFakeRisk()
	pool := concurrency.NewWorkerPool(concurrency.PoolConfig{Name: "test", MaxWorkers: 4, MaxCapacity: 32}, &nopLogger{})
	c := New(risk, newFakeExchange(), nil, &nopLogger{}, pool)
	return c, risk
}

func TestController_DeployAndStart(t *testing.T) {
	c, risk := newTestController(t)
	ctx := context.Background()

	require.NoError(t, c.Deploy(ctx, testGridParams("ETHUSDT")))
	assert.True(t, risk.registered["ETHUSDT"])

	res, err := c.Start(ctx, "ETHUSDT")
	require.NoError(t, err)
	assert.Equal(t, 2, res.OrdersPlaced)
}

func TestController_UnknownSymbol(t *testing.T) {
	c, _ := newTestController(t)
	_, err := c.Start(context.Background(), "NOPE")
	require.Error(t, err)
}

func TestController_StartAllAndSnapshot(t *testing.T) {
	c, _ := newTestController(t)
	ctx := context.Background()

	require.NoError(t, c.Deploy(ctx, testGridParams("ETHUSDT")))
	require.NoError(t, c.Deploy(ctx, testGridParams("SOLUSDT")))

	results := c.StartAll(ctx)
	require.Len(t, results, 2)
	for symbol, r := range results {
		assert.NoError(t, r.Err, symbol)
	}

	grids, _ := c.Snapshot(ctx)
	require.Len(t, grids, 2)
	assert.Equal(t, core.StatusRunning, grids["ETHUSDT"].Status)
}

func TestController_KillPreemptsAndForcesStop(t *testing.T) {
	c, risk := newTestController(t)
	ctx := context.Background()
	require.NoError(t, c.Deploy(ctx, testGridParams("ETHUSDT")))
	_, err := c.Start(ctx, "ETHUSDT")
	require.NoError(t, err)

	risk.mu.Lock()
	risk.killed = true
	risk.mu.Unlock()

	results, err := c.Kill(ctx)
	require.NoError(t, err)
	require.Contains(t, results, "ETHUSDT")

	snap, err := c.SnapshotOne(ctx, "ETHUSDT")
	require.NoError(t, err)
	assert.Equal(t, core.StatusKilled, snap.Status)

	_, err = c.Start(ctx, "ETHUSDT")
	assert.Error(t, err, "start must be blocked while the risk latch is set")
}

func TestController_ResetKillRequiresSupervisorClear(t *testing.T) {
	c, risk := newTestController(t)
	ctx := context.Background()
	require.NoError(t, c.Deploy(ctx, testGridParams("ETHUSDT")))

	risk.mu.Lock()
	risk.killed = true
	risk.mu.Unlock()
	_, _ = c.Kill(ctx)

	require.NoError(t, c.ResetKill())
	assert.False(t, risk.KillLatched())

	snap, err := c.SnapshotOne(ctx, "ETHUSDT")
	require.NoError(t, err)
	assert.Equal(t, core.StatusStopped, snap.Status)
}

func TestController_Undeploy(t *testing.T) {
	c, _ := newTestController(t)
	ctx := context.Background()
	require.NoError(t, c.Deploy(ctx, testGridParams("ETHUSDT")))

	require.NoError(t, c.Undeploy("ETHUSDT"))
	_, err := c.SnapshotOne(ctx, "ETHUSDT")
	assert.Error(t, err)
}
