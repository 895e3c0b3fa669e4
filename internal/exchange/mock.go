package exchange

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"gridtrader/internal/core"
)

// Mock is a deterministic in-memory core.Exchange used when no exchange
// credentials are configured (§6: "Absence of exchange keys activates a mock
// exchange that synthesizes deterministic price walks for test"). An order
// whose price the current synthetic price has already crossed (a buy at or
// above it, a sell at or below it) fills immediately on placement; the rest
// sit open until the walk crosses their price.
type Mock struct {
	mu      sync.Mutex
	rng     *rand.Rand
	seq     int
	orders  map[string]*mockOrder
	prices  map[string]decimal.Decimal
	equity  decimal.Decimal
	tickSub chan core.Tick
}

type mockOrder struct {
	symbol string
	side   core.Side
	price  decimal.Decimal
	qty    decimal.Decimal
	state  core.OrderState
}

// NewMock builds a deterministic mock exchange seeded for reproducible test
// runs: the same seed and start prices replay the same price walk.
func NewMock(seed int64, startPrices map[string]decimal.Decimal, startEquity decimal.Decimal) *Mock {
	prices := make(map[string]decimal.Decimal, len(startPrices))
	for s, p := range startPrices {
		prices[s] = p
	}
	return &Mock{
		rng:    rand.New(rand.NewSource(seed)),
		orders: make(map[string]*mockOrder),
		prices: prices,
		equity: startEquity,
	}
}

func (m *Mock) PlaceLimit(ctx context.Context, symbol string, side core.Side, price, qty decimal.Decimal, clientTag string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.seq++
	id := clientTag
	if id == "" {
		id = fmt.Sprintf("mock-%d", m.seq)
	}
	o := &mockOrder{symbol: symbol, side: side, price: price, qty: qty, state: core.OrderNew}
	m.fillIfCrossedLocked(o)
	m.orders[id] = o
	return id, nil
}

func (m *Mock) Cancel(ctx context.Context, orderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if o, ok := m.orders[orderID]; ok && o.state == core.OrderNew {
		o.state = core.OrderCancelled
	}
	return nil
}

func (m *Mock) OrderStatus(ctx context.Context, orderID string) (core.OrderStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	if !ok {
		return core.OrderStatus{}, fmt.Errorf("mock exchange: unknown order %s", orderID)
	}
	status := core.OrderStatus{OrderID: orderID, State: o.state, AvgPrice: o.price}
	if o.state == core.OrderFilled {
		status.FilledQty = o.qty
	}
	return status, nil
}

func (m *Mock) OpenOrders(ctx context.Context, symbol string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []string
	for id, o := range m.orders {
		if o.symbol == symbol && o.state == core.OrderNew {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (m *Mock) WalletEquity(ctx context.Context) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.equity, nil
}

// LastPrice returns the current synthetic price for symbol, satisfying the
// same REST-read contract the production Exchange's polling fallback uses.
func (m *Mock) LastPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	price, ok := m.prices[symbol]
	if !ok {
		return decimal.Zero, fmt.Errorf("mock exchange: unknown symbol %q", symbol)
	}
	return price, nil
}

// Subscribe starts the synthetic price walk and returns the tick stream; it
// is also the driver that advances open orders toward fills as the walk
// crosses their resting price.
func (m *Mock) Subscribe(ctx context.Context, symbols []string) (<-chan core.Tick, error) {
	ch := make(chan core.Tick, 64)
	m.mu.Lock()
	m.tickSub = ch
	m.mu.Unlock()

	go m.walk(ctx, symbols, ch)
	return ch, nil
}

func (m *Mock) walk(ctx context.Context, symbols []string, ch chan<- core.Tick) {
	defer close(ch)
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, symbol := range symbols {
				tick := m.step(symbol)
				select {
				case ch <- tick:
				case <-ctx.Done():
					return
				}
			}
		}
	}
}

// step advances symbol's synthetic price by a small random walk (bounded at
// +/-0.6% per tick) and fills any resting order the new price crosses.
func (m *Mock) step(symbol string) core.Tick {
	m.mu.Lock()
	defer m.mu.Unlock()

	price, ok := m.prices[symbol]
	if !ok {
		price = decimal.NewFromInt(100)
	}
	pctMove := (m.rng.Float64() - 0.5) * 0.012
	next := price.Mul(decimal.NewFromFloat(1 + pctMove))
	if next.IsNegative() || next.IsZero() {
		next = price
	}
	m.prices[symbol] = next

	for _, o := range m.orders {
		if o.symbol == symbol && o.state == core.OrderNew {
			m.fillIfCrossedLocked(o)
		}
	}

	return core.Tick{Symbol: symbol, Price: next, Ts: time.Now()}
}

// fillIfCrossedLocked fills o immediately if the current synthetic price has
// already crossed its resting price; callers must hold m.mu.
func (m *Mock) fillIfCrossedLocked(o *mockOrder) {
	current, ok := m.prices[o.symbol]
	if !ok {
		return
	}
	crossed := false
	switch o.side {
	case core.SideBuy:
		crossed = current.LessThanOrEqual(o.price)
	case core.SideSell:
		crossed = current.GreaterThanOrEqual(o.price)
	}
	if crossed {
		o.state = core.OrderFilled
	}
}

// roundPrice is a small helper kept for symmetry with the lot-size rounding
// the live venue applies; the mock has no exchange-imposed tick size.
func roundPrice(p decimal.Decimal) decimal.Decimal {
	f, _ := p.Float64()
	return decimal.NewFromFloat(math.Round(f*100) / 100)
}
