package grid

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"gridtrader/internal/core"
	"gridtrader/pkg/apperrors"
	"gridtrader/pkg/concurrency"
	"gridtrader/pkg/telemetry"
	"gridtrader/pkg/tradingutils"
)

const (
	maxCancelRetries = 3
	exchangeDeadline = 30 * time.Second
	lotStep          = int32(6)
)

// Worker owns a single symbol's core.GridState and processes commands and
// ticks off its mailbox sequentially; it is the only goroutine that ever
// mutates its GridState, so no lock is required on the state itself (§5).
type Worker struct {
	symbol   string
	state    core.GridState
	exchange core.Exchange
	risk     core.RiskGate
	store    core.Store
	logger   core.ILogger
	pool     *concurrency.WorkerPool

	mailbox  chan Command
	priority chan Command // kill jumps this queue ahead of mailbox

	done chan struct{}
}

// New constructs a Worker for params. Derive() must already have been
// called on params.
func New(params core.GridParameters, exchange core.Exchange, risk core.RiskGate, store core.Store, logger core.ILogger, pool *concurrency.WorkerPool) *Worker {
	return &Worker{
		symbol:   params.Symbol,
		state: core.GridState{
			Params:     params,
			Status:     core.StatusStopped,
			PendingOps: make(map[string]struct{}),
			RealizedPnL: decimal.Zero,
		},
		exchange: exchange,
		risk:     risk,
		store:    store,
		logger:   logger.WithField("symbol", params.Symbol),
		pool:     pool,
		mailbox:  make(chan Command, 64),
		priority: make(chan Command, 8),
		done:     make(chan struct{}),
	}
}

// Symbol returns the worker's symbol.
func (w *Worker) Symbol() string { return w.symbol }

// Send enqueues a command on the ordinary mailbox, preserving FIFO order.
func (w *Worker) Send(cmd Command) { w.mailbox <- cmd }

// SendPriority enqueues kill, which preempts the ordinary queue (§4.3).
func (w *Worker) SendPriority(cmd Command) { w.priority <- cmd }

// Run is the worker's body; it must be started as exactly one goroutine per
// worker and never called concurrently with itself.
func (w *Worker) Run(ctx context.Context) {
	defer close(w.done)
	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-w.priority:
			w.handle(ctx, cmd)
		default:
		}

		select {
		case <-ctx.Done():
			return
		case cmd := <-w.priority:
			w.handle(ctx, cmd)
		case cmd := <-w.mailbox:
			w.handle(ctx, cmd)
		}
	}
}

// Wait blocks until Run has returned.
func (w *Worker) Wait() { <-w.done }

func (w *Worker) handle(ctx context.Context, cmd Command) {
	switch cmd.Kind {
	case CmdStart:
		res, err := w.start(ctx)
		if cmd.ReplyStart != nil {
			cmd.ReplyStart <- StartResultOrErr{Result: res, Err: err}
		}
	case CmdResume:
		res, err := w.resume(ctx)
		if cmd.ReplyStart != nil {
			cmd.ReplyStart <- StartResultOrErr{Result: res, Err: err}
		}
	case CmdPause:
		res, err := w.pause(ctx)
		if cmd.ReplyStop != nil {
			cmd.ReplyStop <- StopResultOrErr{Result: res, Err: err}
		}
	case CmdStop:
		res, err := w.stop(ctx)
		if cmd.ReplyStop != nil {
			cmd.ReplyStop <- StopResultOrErr{Result: res, Err: err}
		}
	case CmdRebalance:
		res, err := w.rebalance(ctx)
		if cmd.ReplyStart != nil {
			cmd.ReplyStart <- StartResultOrErr{Result: res, Err: err}
		}
	case CmdTick:
		w.onTick(ctx, cmd.Tick)
	case CmdSnapshot:
		if cmd.ReplySnap != nil {
			cmd.ReplySnap <- w.state.Snapshot()
		}
	case CmdKill:
		res, _ := w.forceStop(ctx)
		if cmd.ReplyStop != nil {
			cmd.ReplyStop <- StopResultOrErr{Result: res}
		}
	case CmdResetKill:
		// Kill-latch clearing is a Controller/RiskSupervisor concern; the
		// worker only needs to know it may leave KILLED on the next start.
		if w.state.Status == core.StatusKilled {
			w.state.Status = core.StatusStopped
		}
	}
}

// start implements §4.1 start(): preconditions, reconciliation, initial
// placement.
func (w *Worker) start(ctx context.Context) (StartResult, error) {
	if w.risk.KillLatched() {
		return StartResult{}, apperrors.New(apperrors.KilledByRisk, w.symbol, "kill latch is set")
	}
	if w.state.StopLossTripped && !w.state.StopLossAcked {
		return StartResult{}, apperrors.New(apperrors.StopLossTripped, w.symbol, fmt.Sprintf("stop-loss tripped for %s", w.symbol))
	}
	if w.state.Status != core.StatusStopped && w.state.Status != core.StatusPaused {
		return StartResult{}, apperrors.New(apperrors.InvalidParameters, w.symbol, fmt.Sprintf("cannot start from status %s", w.state.Status))
	}

	price := w.state.CurrentPrice
	if price.IsZero() {
		equity, err := w.exchange.WalletEquity(ctx)
		_ = equity
		if err != nil {
			return StartResult{}, apperrors.Wrap(apperrors.ExchangeUnavailable, w.symbol, "no price observed yet and equity probe failed", err)
		}
	}

	if ok, reason := w.risk.AllowStart(w.symbol, price); !ok {
		return StartResult{}, apperrors.New(apperrors.KilledByRisk, w.symbol, reason)
	}

	w.state.Levels = BuildLevels(w.state.Params, lotStep)
	w.reconcile(ctx)

	placed := w.initialPlacement(ctx)
	w.state.Status = core.StatusRunning
	return StartResult{OrdersPlaced: placed}, nil
}

// resume is equivalent to start from PAUSED (§4.1 resume()).
func (w *Worker) resume(ctx context.Context) (StartResult, error) {
	return w.start(ctx)
}

// reconcile adopts exchange-side open orders matching a known level within
// half spacing and cancels the rest (§4.6).
func (w *Worker) reconcile(ctx context.Context) {
	openOrders, err := w.exchange.OpenOrders(ctx, w.symbol)
	if err != nil {
		w.logger.Warn("reconciliation: open_orders failed", "error", err)
		return
	}

	half := w.state.Params.Spacing.Div(decimal.NewFromInt(2))
	for _, orderID := range openOrders {
		status, err := w.exchange.OrderStatus(ctx, orderID)
		if err != nil {
			continue
		}
		adopted := false
		for i := range w.state.Levels {
			lvl := &w.state.Levels[i]
			if lvl.HasOpenOrder() {
				continue
			}
			if status.AvgPrice.Sub(lvl.Price).Abs().LessThanOrEqual(half) {
				if status.State == core.OrderFilled {
					continue // handled on next fill-check pass
				}
				lvl.BuyOrderID = orderID
				adopted = true
				break
			}
		}
		if !adopted {
			_ = w.exchange.Cancel(ctx, orderID)
		}
	}
}

// initialPlacement implements §4.1 step 1-4. Placement across levels is
// concurrent (submitted to the shared worker pool); the exchange wrapper's
// token bucket enforces the global rate limit.
func (w *Worker) initialPlacement(ctx context.Context) int {
	k := CrossingIndex(w.state.Params, w.priceOrDefault())

	var mu sync.Mutex
	var wg sync.WaitGroup
	placed := 0
	epoch := w.state.Epoch

	for i := range w.state.Levels {
		lvl := &w.state.Levels[i]
		if i < k {
			if lvl.HasOpenOrder() || lvl.Holding {
				continue
			}
			wg.Add(1)
			idx := i
			w.pool.Submit(func() {
				defer wg.Done()
				w.placeBuy(ctx, idx, epoch, &mu, &placed)
			})
		} else if lvl.Holding {
			wg.Add(1)
			idx := i
			w.pool.Submit(func() {
				defer wg.Done()
				w.placeSell(ctx, idx, lvl.Price, epoch, &mu, &placed)
			})
		}
	}
	wg.Wait()
	return placed
}

func (w *Worker) priceOrDefault() decimal.Decimal {
	if w.state.CurrentPrice.IsZero() {
		mid := w.state.Params.LowerPrice.Add(w.state.Params.UpperPrice).Div(decimal.NewFromInt(2))
		return mid
	}
	return w.state.CurrentPrice
}

func (w *Worker) placeBuy(ctx context.Context, idx int, epoch uint64, mu *sync.Mutex, placed *int) {
	lvl := &w.state.Levels[idx]
	tag := uuid.NewString()
	cctx, cancel := context.WithTimeout(ctx, exchangeDeadline)
	defer cancel()
	orderID, err := w.exchange.PlaceLimit(cctx, w.symbol, core.SideBuy, lvl.Price, lvl.Quantity, tag)

	mu.Lock()
	defer mu.Unlock()
	if epoch != w.state.Epoch {
		return // stale epoch, discard (§4.1 epoch guard)
	}
	if err != nil {
		w.logger.Warn("buy placement failed, marked for retry", "level", idx, "error", err)
		return
	}
	lvl.BuyOrderID = orderID
	lvl.LastTransitionTs = time.Now()
	*placed++
	w.recordOrderEvent(idx, orderID, core.SideBuy, core.OrderNew)
	telemetry.GetGlobalMetrics().IncrementOrdersPlaced(ctx, w.symbol)
}

func (w *Worker) placeSell(ctx context.Context, idx int, price decimal.Decimal, epoch uint64, mu *sync.Mutex, placed *int) {
	lvl := &w.state.Levels[idx]
	tag := uuid.NewString()
	cctx, cancel := context.WithTimeout(ctx, exchangeDeadline)
	defer cancel()
	orderID, err := w.exchange.PlaceLimit(cctx, w.symbol, core.SideSell, price, lvl.Quantity, tag)

	mu.Lock()
	defer mu.Unlock()
	if epoch != w.state.Epoch {
		return
	}
	if err != nil {
		w.logger.Warn("sell placement failed, marked for retry", "level", idx, "error", err)
		return
	}
	lvl.SellOrderID = orderID
	lvl.LastTransitionTs = time.Now()
	*placed++
	w.recordOrderEvent(idx, orderID, core.SideSell, core.OrderNew)
	telemetry.GetGlobalMetrics().IncrementOrdersPlaced(ctx, w.symbol)
}

// pause cancels all open orders for this symbol and transitions to PAUSED.
// Idempotent; retries cancellation up to maxCancelRetries before leaving any
// survivors for the controller to see in the result (§4.1 pause()).
func (w *Worker) pause(ctx context.Context) (StopResult, error) {
	if w.state.Status != core.StatusRunning {
		return StopResult{}, nil // idempotent no-op
	}
	res := w.cancelAll(ctx)
	w.state.Status = core.StatusPaused
	return res, nil
}

// stop cancels all orders, clears levels, and bumps the epoch so any
// in-flight response from before this point is discarded (§4.1 stop()).
func (w *Worker) stop(ctx context.Context) (StopResult, error) {
	res := w.cancelAll(ctx)
	w.state.Levels = nil
	w.state.Epoch++
	w.state.Status = core.StatusStopped
	return res, nil
}

// forceStop is kill()'s per-worker effect: identical to stop but also
// forces KILLED regardless of current status, and never returns an error
// (kill must always land).
func (w *Worker) forceStop(ctx context.Context) (StopResult, error) {
	res := w.cancelAll(ctx)
	w.state.Levels = nil
	w.state.Epoch++
	w.state.Status = core.StatusKilled
	return res, nil
}

// rebalance is atomic stop+start under the same params (§4.1 rebalance()).
func (w *Worker) rebalance(ctx context.Context) (StartResult, error) {
	if _, err := w.stop(ctx); err != nil {
		return StartResult{}, err
	}
	return w.start(ctx)
}

func (w *Worker) cancelAll(ctx context.Context) StopResult {
	var remaining []string
	cancelled := 0
	for i := range w.state.Levels {
		lvl := &w.state.Levels[i]
		for _, orderID := range []string{lvl.BuyOrderID, lvl.SellOrderID} {
			if orderID == "" {
				continue
			}
			ok := false
			for attempt := 0; attempt < maxCancelRetries; attempt++ {
				cctx, cancel := context.WithTimeout(ctx, exchangeDeadline)
				err := w.exchange.Cancel(cctx, orderID)
				cancel()
				if err == nil {
					ok = true
					break
				}
			}
			if ok {
				cancelled++
			} else {
				remaining = append(remaining, orderID)
			}
		}
		lvl.BuyOrderID = ""
		lvl.SellOrderID = ""
	}
	return StopResult{OrdersCancelled: cancelled, OrdersRemaining: remaining}
}

// onTick ingests a new price, updates current_price, and runs the
// fill-check and re-placement logic (§4.1 on_tick()).
func (w *Worker) onTick(ctx context.Context, tick core.Tick) {
	if !tick.Ts.After(w.state.LastTickTs) && !w.state.LastTickTs.IsZero() {
		return // out-of-order tick, dropped (§5 ordering guarantees)
	}
	w.state.CurrentPrice = tick.Price
	w.state.LastTickTs = tick.Ts

	if w.state.Params.StopLoss != nil && tick.Price.LessThanOrEqual(*w.state.Params.StopLoss) && !w.state.StopLossTripped {
		w.state.StopLossTripped = true
		w.state.StopLossAcked = false
		w.logger.Warn("stop-loss tripped, auto-pausing", "price", tick.Price, "stop_loss", *w.state.Params.StopLoss)
		_, _ = w.pause(ctx)
		return
	}

	if w.state.Status != core.StatusRunning {
		return
	}

	w.checkFills(ctx)

	btcSuspended := w.state.Params.BTCFilterEnabled && w.risk.BTCBreakerActive()
	if !btcSuspended {
		w.replaceFaultedLevels(ctx)
	}
}

// checkFills implements §4.1's per-tick fill-detection algorithm.
func (w *Worker) checkFills(ctx context.Context) {
	epoch := w.state.Epoch
	for i := range w.state.Levels {
		lvl := &w.state.Levels[i]
		if lvl.BuyOrderID != "" {
			w.checkOneOrder(ctx, i, lvl.BuyOrderID, core.SideBuy, epoch)
		}
		if lvl.SellOrderID != "" {
			w.checkOneOrder(ctx, i, lvl.SellOrderID, core.SideSell, epoch)
		}
	}
}

func (w *Worker) checkOneOrder(ctx context.Context, idx int, orderID string, side core.Side, epoch uint64) {
	cctx, cancel := context.WithTimeout(ctx, exchangeDeadline)
	status, err := w.exchange.OrderStatus(cctx, orderID)
	cancel()
	if err != nil {
		return
	}
	if epoch != w.state.Epoch {
		return // epoch advanced while this call was in flight (§4.1, §8 epoch isolation)
	}

	lvl := &w.state.Levels[idx]
	switch status.State {
	case core.OrderFilled:
		w.recordOrderEvent(idx, orderID, side, core.OrderFilled)
		w.onFilled(ctx, idx, side, status)
	case core.OrderPartial:
		lvl.FilledQty = status.FilledQty
	case core.OrderCancelled:
		// External drop the worker did not initiate: clear and re-place next tick.
		w.recordOrderEvent(idx, orderID, side, core.OrderCancelled)
		if side == core.SideBuy {
			lvl.BuyOrderID = ""
		} else {
			lvl.SellOrderID = ""
		}
	}
}

func (w *Worker) onFilled(ctx context.Context, idx int, side core.Side, status core.OrderStatus) {
	lvl := &w.state.Levels[idx]
	lvl.FilledQty = decimal.Zero
	telemetry.GetGlobalMetrics().IncrementOrdersFilled(ctx, w.symbol)

	if side == core.SideBuy {
		lvl.BuyOrderID = ""
		lvl.Holding = true
		w.state.TotalBuys++
		lvl.LastTransitionTs = time.Now()

		sellPrice := NextSellPrice(w.state.Params, lvl.Price)
		epoch := w.state.Epoch
		tag := uuid.NewString()
		cctx, cancel := context.WithTimeout(ctx, exchangeDeadline)
		orderID, err := w.exchange.PlaceLimit(cctx, w.symbol, core.SideSell, sellPrice, lvl.Quantity, tag)
		cancel()
		if epoch == w.state.Epoch && err == nil {
			lvl.SellOrderID = orderID
		}
		return
	}

	// SELL filled: realize P/L net of configured fee, re-place the original buy.
	lvl.SellOrderID = ""
	lvl.Holding = false
	w.state.TotalSells++
	lvl.LastTransitionTs = time.Now()

	feeRate := w.state.Params.FeeBps.Div(decimal.NewFromInt(10000))
	netPerUnit := tradingutils.CalculateNetProfit(lvl.Price, status.AvgPrice, feeRate, feeRate)
	netProfit := lvl.Quantity.Mul(netPerUnit)
	w.state.RealizedPnL = w.state.RealizedPnL.Add(netProfit)
	if f, ok := netProfit.Float64(); ok {
		telemetry.GetGlobalMetrics().AddRealizedPnL(ctx, w.symbol, f)
	}

	w.recordTrade(idx, lvl.Quantity, lvl.Price, status.AvgPrice, netProfit)

	epoch := w.state.Epoch
	tag := uuid.NewString()
	cctx, cancel := context.WithTimeout(ctx, exchangeDeadline)
	orderID, err := w.exchange.PlaceLimit(cctx, w.symbol, core.SideBuy, lvl.Price, lvl.Quantity, tag)
	cancel()
	if epoch == w.state.Epoch && err == nil {
		lvl.BuyOrderID = orderID
	}
}

// replaceFaultedLevels re-places orders for levels left without an order id
// after a failed or cancelled placement, honoring the crossing index so
// buy/sell sides stay correct relative to current price.
func (w *Worker) replaceFaultedLevels(ctx context.Context) {
	k := CrossingIndex(w.state.Params, w.state.CurrentPrice)
	epoch := w.state.Epoch
	for i := range w.state.Levels {
		lvl := &w.state.Levels[i]
		if lvl.HasOpenOrder() {
			continue
		}
		if i < k && !lvl.Holding {
			var placed int
			var mu sync.Mutex
			w.placeBuy(ctx, i, epoch, &mu, &placed)
		} else if lvl.Holding {
			var placed int
			var mu sync.Mutex
			w.placeSell(ctx, i, lvl.Price, epoch, &mu, &placed)
		}
	}
}

// Snapshot returns a deep-copied read-only view (§4.1 snapshot()).
func (w *Worker) Snapshot() core.GridSnap {
	return w.state.Snapshot()
}

// recordTrade and recordOrderEvent persist audit records without ever
// blocking the worker goroutine: writes are fire-and-forget against a
// short-lived background context, matching §6's "the core never blocks on
// store writes" requirement. A bounded-queue Store implementation is
// expected to drop ticks before trades under overflow.
func (w *Worker) recordTrade(idx int, qty, buyPrice, sellPrice, pnl decimal.Decimal) {
	if w.store == nil {
		return
	}
	rec := core.TradeRecord{
		Symbol:      w.symbol,
		LevelIndex:  idx,
		Qty:         qty,
		BuyPrice:    buyPrice,
		SellPrice:   sellPrice,
		RealizedPnL: pnl,
		Ts:          time.Now(),
	}
	go func() {
		cctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if err := w.store.RecordTrade(cctx, rec); err != nil {
			w.logger.Warn("store: record trade failed", "error", err)
		}
	}()
}

func (w *Worker) recordOrderEvent(idx int, orderID string, side core.Side, state core.OrderState) {
	if w.store == nil {
		return
	}
	ev := core.OrderEvent{
		Symbol:     w.symbol,
		LevelIndex: idx,
		OrderID:    orderID,
		Side:       side,
		State:      state,
		Ts:         time.Now(),
	}
	go func() {
		cctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if err := w.store.RecordOrderEvent(cctx, ev); err != nil {
			w.logger.Warn("store: record order event failed", "error", err)
		}
	}()
}
