package feed

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
)

type recordingSink struct {
	mu    sync.Mutex
	ticks []core.Tick
}

func (s *recordingSink) Tick(symbol string, price decimal.Decimal, ts time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ticks = append(s.ticks, core.Tick{Symbol: symbol, Price: price, Ts: ts})
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.ticks)
}

type stubStreamExchange struct {
	ch chan core.Tick
}

func (s *stubStreamExchange) PlaceLimit(ctx context.Context, symbol string, side core.Side, price, qty decimal.Decimal, clientTag string) (string, error) {
	return "", nil
}
func (s *stubStreamExchange) Cancel(ctx context.Context, orderID string) error { return nil }
func (s *stubStreamExchange) OrderStatus(ctx context.Context, orderID string) (core.OrderStatus, error) {
	return core.OrderStatus{}, nil
}
func (s *stubStreamExchange) OpenOrders(ctx context.Context, symbol string) ([]string, error) {
	return nil, nil
}
func (s *stubStreamExchange) WalletEquity(ctx context.Context) (decimal.Decimal, error) {
	return decimal.Zero, nil
}
func (s *stubStreamExchange) Subscribe(ctx context.Context, symbols []string) (<-chan core.Tick, error) {
	return s.ch, nil
}
func (s *stubStreamExchange) LastPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	return decimal.Zero, nil
}

// stubNoStreamExchange has no native Subscribe support, forcing PriceFeed
// onto the REST poll fallback.
type stubNoStreamExchange struct {
	mu    sync.Mutex
	price decimal.Decimal
}

func (s *stubNoStreamExchange) PlaceLimit(ctx context.Context, symbol string, side core.Side, price, qty decimal.Decimal, clientTag string) (string, error) {
	return "", nil
}
func (s *stubNoStreamExchange) Cancel(ctx context.Context, orderID string) error { return nil }
func (s *stubNoStreamExchange) OrderStatus(ctx context.Context, orderID string) (core.OrderStatus, error) {
	return core.OrderStatus{}, nil
}
func (s *stubNoStreamExchange) OpenOrders(ctx context.Context, symbol string) ([]string, error) {
	return nil, nil
}
func (s *stubNoStreamExchange) WalletEquity(ctx context.Context) (decimal.Decimal, error) {
	return decimal.Zero, nil
}
func (s *stubNoStreamExchange) Subscribe(ctx context.Context, symbols []string) (<-chan core.Tick, error) {
	return nil, fmt.Errorf("stub: streaming not supported")
}
func (s *stubNoStreamExchange) LastPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.price, nil
}
func (s *stubNoStreamExchange) setPrice(p decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.price = p
}

type nopLogger struct{}

func (n *nopLogger) Debug(msg string, fields ...interface{})               {}
func (n *nopLogger) Info(msg string, fields ...interface{})                {}
func (n *nopLogger) Warn(msg string, fields ...interface{})                {}
func (n *nopLogger) Error(msg string, fields ...interface{})               {}
func (n *nopLogger) Fatal(msg string, fields ...interface{})               {}
func (n *nopLogger) WithField(key string, value interface{}) core.ILogger  { return n }
func (n *nopLogger) WithFields(fields map[string]interface{}) core.ILogger { return n }

func TestPriceFeed_ForwardsTicksFromExchangeStream(t *testing.T) {
	ch := make(chan core.Tick, 4)
	exch := &stubStreamExchange{ch: ch}
	sink := &recordingSink{}
	f := New(sink, exch, "", time.Second, &nopLogger{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = f.Run(ctx, []string{"ETHUSDT"})
		close(done)
	}()

	base := time.Now()
	ch <- core.Tick{Symbol: "ETHUSDT", Price: decimal.NewFromInt(100), Ts: base}
	ch <- core.Tick{Symbol: "ETHUSDT", Price: decimal.NewFromInt(101), Ts: base.Add(time.Second)}

	require.Eventually(t, func() bool { return sink.count() == 2 }, time.Second, 10*time.Millisecond)

	cancel()
	<-done
}

func TestPriceFeed_DropsOutOfOrderAndDuplicateTicks(t *testing.T) {
	ch := make(chan core.Tick, 4)
	exch := &stubStreamExchange{ch: ch}
	sink := &recordingSink{}
	f := New(sink, exch, "", time.Second, &nopLogger{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go f.consume(ctx, ch)

	base := time.Now()
	ch <- core.Tick{Symbol: "ETHUSDT", Price: decimal.NewFromInt(100), Ts: base}
	ch <- core.Tick{Symbol: "ETHUSDT", Price: decimal.NewFromInt(100), Ts: base} // duplicate ts
	ch <- core.Tick{Symbol: "ETHUSDT", Price: decimal.NewFromInt(99), Ts: base.Add(-time.Second)} // out of order

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, sink.count())
}

func TestPriceFeed_FallsBackToRESTPollWhenStreamingUnavailable(t *testing.T) {
	exch := &stubNoStreamExchange{price: decimal.NewFromInt(100)}
	sink := &recordingSink{}
	f := New(sink, exch, "", 20*time.Millisecond, &nopLogger{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = f.Run(ctx, []string{"ETHUSDT"})
		close(done)
	}()

	require.Eventually(t, func() bool { return sink.count() >= 1 }, time.Second, 5*time.Millisecond)

	exch.setPrice(decimal.NewFromInt(101))
	require.Eventually(t, func() bool {
		s := sink
		s.mu.Lock()
		defer s.mu.Unlock()
		for _, tk := range s.ticks {
			if tk.Price.Equal(decimal.NewFromInt(101)) {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)

	cancel()
	<-done
}
