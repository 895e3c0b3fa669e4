// Package feed implements PriceFeed: the single ingestion point for market
// data, fanning out monotonic-ordered ticks to the Controller (which in turn
// drives both GridWorkers and the RiskSupervisor) (§4.6, §5).
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"gridtrader/internal/core"
	gowebsocket "gridtrader/pkg/websocket"
)

// TickSink receives ordered price observations. *controller.Controller
// implements this; it forwards each tick to the RiskSupervisor and to the
// matching GridWorker's mailbox.
type TickSink interface {
	Tick(symbol string, price decimal.Decimal, ts time.Time)
}

// wireTick is the public-market-data message shape the venue's websocket
// stream emits; field names match the venue's own ticker feed, not an
// internal convention.
type wireTick struct {
	Symbol string          `json:"symbol"`
	Price  decimal.Decimal `json:"price"`
	TsMs   int64           `json:"ts_ms"`
}

// PriceFeed forwards the exchange's own Subscribe stream when there is one;
// otherwise it runs, per symbol, either a resilient websocket (via
// pkg/websocket.Client, which already handles reconnect/heartbeat) when
// wsBaseURL is set, or a REST poll of LastPrice when it is not. It never
// blocks: out-of-order or duplicate timestamps are
// dropped per symbol (§5 "monotonic per-symbol timestamp; drop stale").
type PriceFeed struct {
	mu        sync.Mutex
	lastTs    map[string]time.Time
	sink      TickSink
	exchange  core.Exchange
	wsBaseURL string
	pollEvery time.Duration
	logger    core.ILogger

	clients []*gowebsocket.Client
}

// New builds a PriceFeed. wsBaseURL is used only when the exchange's
// Subscribe fails; when it is empty those symbols are polled instead (see
// Run).
func New(sink TickSink, exchange core.Exchange, wsBaseURL string, pollEvery time.Duration, logger core.ILogger) *PriceFeed {
	if pollEvery <= 0 {
		pollEvery = 5 * time.Second
	}
	return &PriceFeed{
		lastTs:    make(map[string]time.Time),
		sink:      sink,
		exchange:  exchange,
		wsBaseURL: wsBaseURL,
		pollEvery: pollEvery,
		logger:    logger.WithField("component", "price_feed"),
	}
}

// Run starts streaming for the given symbols and blocks until ctx is
// cancelled. It first asks the exchange for its own Subscribe channel (the
// path the mock exchange exercises) and drives purely off that when it is
// available. If Subscribe fails, it opens one resilient websocket per symbol
// when wsBaseURL is set, and otherwise polls the exchange's REST LastPrice
// endpoint on a per-symbol ticker at pollEvery, per §1/§2's "streaming
// transport with REST polling as a fallback." A websocket that cannot
// connect keeps retrying; it does not switch that symbol to polling.
func (f *PriceFeed) Run(ctx context.Context, symbols []string) error {
	ticks, err := f.exchange.Subscribe(ctx, symbols)
	if err == nil {
		f.consume(ctx, ticks)
		return nil
	}

	var wg sync.WaitGroup
	for _, symbol := range symbols {
		symbol := symbol
		wg.Add(1)
		go func() {
			defer wg.Done()
			if f.wsBaseURL != "" {
				f.streamSymbol(ctx, symbol)
				return
			}
			f.pollSymbol(ctx, symbol)
		}()
	}
	wg.Wait()
	return nil
}

// pollSymbol periodically reads the exchange's REST LastPrice endpoint for
// symbol until ctx is cancelled. It is the fallback liveness path used when
// neither the exchange's native Subscribe stream nor a websocket base URL is
// available.
func (f *PriceFeed) pollSymbol(ctx context.Context, symbol string) {
	ticker := time.NewTicker(f.pollEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			price, err := f.exchange.LastPrice(ctx, symbol)
			if err != nil {
				f.logger.Warn("price feed: poll fallback failed", "symbol", symbol, "error", err)
				continue
			}
			f.accept(symbol, price, time.Now())
		}
	}
}

// streamSymbol owns one symbol's websocket client for the lifetime of ctx.
func (f *PriceFeed) streamSymbol(ctx context.Context, symbol string) {
	url := fmt.Sprintf("%s/ws/%s@ticker", f.wsBaseURL, symbol)
	client := gowebsocket.NewClient(url, func(msg []byte) {
		f.handleWireMessage(symbol, msg)
	}, f.logger)

	f.mu.Lock()
	f.clients = append(f.clients, client)
	f.mu.Unlock()

	client.Start()
	<-ctx.Done()
	client.Stop()
}

func (f *PriceFeed) handleWireMessage(expectSymbol string, msg []byte) {
	var w wireTick
	if err := json.Unmarshal(msg, &w); err != nil {
		f.logger.Warn("price feed: malformed tick", "symbol", expectSymbol, "error", err)
		return
	}
	if w.Symbol == "" {
		w.Symbol = expectSymbol
	}
	f.accept(w.Symbol, w.Price, time.UnixMilli(w.TsMs))
}

// consume drains a core.Tick channel (the mock exchange's own stream),
// applying the same monotonic-timestamp guard as the live websocket path.
func (f *PriceFeed) consume(ctx context.Context, ticks <-chan core.Tick) {
	for {
		select {
		case <-ctx.Done():
			return
		case t, ok := <-ticks:
			if !ok {
				return
			}
			f.accept(t.Symbol, t.Price, t.Ts)
		}
	}
}

// accept applies the monotonic-timestamp-per-symbol guard and, if the tick
// is newer than the last one accepted for this symbol, forwards it to the
// sink. Ticks at or before the last accepted timestamp are dropped silently;
// a reordered or duplicate delivery from a reconnecting socket must never
// regress a GridWorker's view of the market.
func (f *PriceFeed) accept(symbol string, price decimal.Decimal, ts time.Time) {
	if symbol == "" || !price.IsPositive() {
		return
	}
	f.mu.Lock()
	last, seen := f.lastTs[symbol]
	if seen && !ts.After(last) {
		f.mu.Unlock()
		return
	}
	f.lastTs[symbol] = ts
	f.mu.Unlock()

	f.sink.Tick(symbol, price, ts)
}
