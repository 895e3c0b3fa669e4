// Package controller implements the Controller component: owns the set of
// per-symbol grid workers and the RiskSupervisor, serializes control
// operations, and exposes read-only snapshots (§4.3).
package controller

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"gridtrader/internal/alert"
	"gridtrader/internal/core"
	"gridtrader/internal/grid"
	"gridtrader/internal/safety"
	"gridtrader/pkg/apperrors"
	"gridtrader/pkg/concurrency"
	"gridtrader/pkg/telemetry"
)

// RiskSupervisor is the subset of internal/risk.Supervisor the Controller
// drives directly, beyond the core.RiskGate interface already consumed by
// each grid.Worker.
type RiskSupervisor interface {
	core.RiskGate
	RegisterSymbol(symbol string, stopLoss *decimal.Decimal, totalInvestment decimal.Decimal, btcFilterEnabled bool)
	OnTick(symbol string, price decimal.Decimal, ts time.Time)
	ResetKill() bool
	KillEvents() <-chan string
	Snapshot() core.RiskSnap
}

// Controller owns every deployed grid.Worker plus the RiskSupervisor, and is
// the sole writer of the symbol->worker map.
type Controller struct {
	mu       sync.RWMutex
	workers  map[string]*Handle
	risk     RiskSupervisor
	exchange core.Exchange
	store    core.Store
	logger   core.ILogger
	pool     *concurrency.WorkerPool
	safety   *safety.SafetyChecker
	alertMgr *alert.AlertManager

	cancel context.CancelFunc
}

// SetAlertManager attaches an outbound AlertManager notified whenever the
// risk supervisor latches the kill switch. Optional: a Controller with none
// attached still logs the kill, it just never fans it out to Slack/Telegram.
func (c *Controller) SetAlertManager(am *alert.AlertManager) {
	c.alertMgr = am
}

// Handle bundles a running worker with the function that cancels the
// context of its Run loop.
type Handle struct {
	worker *grid.Worker
	cancel context.CancelFunc
}

// New constructs an empty Controller; symbols are added via Deploy.
func New(risk RiskSupervisor, exchange core.Exchange, store core.Store, logger core.ILogger, pool *concurrency.WorkerPool) *Controller {
	return &Controller{
		workers:  make(map[string]*Handle),
		risk:     risk,
		exchange: exchange,
		store:    store,
		logger:   logger.WithField("component", "controller"),
		pool:     pool,
		safety:   safety.NewSafetyChecker(logger),
	}
}

// Run listens for the RiskSupervisor's Kill events, fanning each one out as
// a forced stop to every worker. The supervisor's own equity-poll loop
// (risk.Supervisor.Run) is started separately by the caller.
func (c *Controller) Run(ctx context.Context) {
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case reason, ok := <-c.risk.KillEvents():
				if !ok {
					return
				}
				c.logger.Warn("risk supervisor latched kill, forcing stop on all workers", "reason", reason)
				if c.alertMgr != nil {
					c.alertMgr.Alert(context.Background(), "Kill switch triggered", reason, alert.Critical, map[string]string{"reason": reason})
				}
				_, _ = c.Kill(context.Background())
			}
		}
	}()
}

// Deploy installs or replaces a symbol's GridParameters, starting a fresh
// worker goroutine (§4.3 deploy(params)).
func (c *Controller) Deploy(ctx context.Context, params core.GridParameters) error {
	params.Derive()
	if err := params.Validate(); err != nil {
		return apperrors.Wrap(apperrors.InvalidParameters, params.Symbol, err.Error(), err)
	}
	midPrice := params.LowerPrice.Add(params.UpperPrice).Div(decimal.NewFromInt(2))
	orderQty := params.InvestPerLevel.Div(midPrice)
	if err := c.safety.ValidateTradingParameters(params.Symbol, params.Spacing, orderQty, decimal.Zero, params.GridCount); err != nil {
		return apperrors.Wrap(apperrors.InvalidParameters, params.Symbol, err.Error(), err)
	}
	if err := c.safety.CheckAccountSafety(ctx, c.exchange, params.Symbol, midPrice, params.InvestPerLevel, params.Spacing, params.FeeBps, params.GridCount); err != nil {
		return apperrors.Wrap(apperrors.InvalidParameters, params.Symbol, err.Error(), err)
	}

	c.mu.Lock()
	if existing, ok := c.workers[params.Symbol]; ok {
		existing.cancel()
		existing.worker.Wait()
	}

	w := grid.New(params, c.exchange, c.risk, c.store, c.logger, c.pool)
	workerCtx, cancel := context.WithCancel(ctx)
	c.workers[params.Symbol] = &Handle{worker: w, cancel: cancel}
	c.mu.Unlock()

	c.risk.RegisterSymbol(params.Symbol, params.StopLoss, params.TotalInvestment, params.BTCFilterEnabled)
	go w.Run(workerCtx)
	return nil
}

// Undeploy stops and removes a symbol's worker entirely.
func (c *Controller) Undeploy(symbol string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	h, ok := c.workers[symbol]
	if !ok {
		return apperrors.New(apperrors.UnknownSymbol, symbol, "no grid deployed for this symbol")
	}
	h.cancel()
	h.worker.Wait()
	delete(c.workers, symbol)
	return nil
}

func (c *Controller) handleFor(symbol string) (*Handle, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	h, ok := c.workers[symbol]
	if !ok {
		return nil, apperrors.New(apperrors.UnknownSymbol, symbol, "no grid deployed for this symbol")
	}
	return h, nil
}

// KillLatched reports whether the risk supervisor's kill latch is set,
// without the cost of a full per-symbol snapshot fan-out.
func (c *Controller) KillLatched() bool {
	return c.risk.KillLatched()
}

func (c *Controller) allSymbols() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	symbols := make([]string, 0, len(c.workers))
	for s := range c.workers {
		symbols = append(symbols, s)
	}
	return symbols
}

const commandTimeout = 45 * time.Second

// Tick fans a single PriceFeed observation out to the RiskSupervisor's
// rolling-window tracker and, if a grid is deployed for the symbol, to that
// worker's mailbox. Unknown symbols are silently dropped: the feed
// subscribes to every deployed symbol, but a race between Undeploy and an
// in-flight tick is expected, not an error.
func (c *Controller) Tick(symbol string, price decimal.Decimal, ts time.Time) {
	c.risk.OnTick(symbol, price, ts)
	h, err := c.handleFor(symbol)
	if err != nil {
		return
	}
	h.worker.Send(grid.Command{Kind: grid.CmdTick, Tick: core.Tick{Symbol: symbol, Price: price, Ts: ts}})
}

// Start sends start() to a single symbol's worker and awaits the reply.
func (c *Controller) Start(ctx context.Context, symbol string) (grid.StartResult, error) {
	h, err := c.handleFor(symbol)
	if err != nil {
		return grid.StartResult{}, err
	}
	reply := make(chan grid.StartResultOrErr, 1)
	h.worker.Send(grid.Command{Kind: grid.CmdStart, ReplyStart: reply})
	return awaitStart(ctx, reply)
}

// Resume sends resume() to a single symbol's worker.
func (c *Controller) Resume(ctx context.Context, symbol string) (grid.StartResult, error) {
	h, err := c.handleFor(symbol)
	if err != nil {
		return grid.StartResult{}, err
	}
	reply := make(chan grid.StartResultOrErr, 1)
	h.worker.Send(grid.Command{Kind: grid.CmdResume, ReplyStart: reply})
	return awaitStart(ctx, reply)
}

// Pause sends pause() to a single symbol's worker.
func (c *Controller) Pause(ctx context.Context, symbol string) (grid.StopResult, error) {
	h, err := c.handleFor(symbol)
	if err != nil {
		return grid.StopResult{}, err
	}
	reply := make(chan grid.StopResultOrErr, 1)
	h.worker.Send(grid.Command{Kind: grid.CmdPause, ReplyStop: reply})
	return awaitStop(ctx, reply)
}

// Stop sends stop() to a single symbol's worker.
func (c *Controller) Stop(ctx context.Context, symbol string) (grid.StopResult, error) {
	h, err := c.handleFor(symbol)
	if err != nil {
		return grid.StopResult{}, err
	}
	reply := make(chan grid.StopResultOrErr, 1)
	h.worker.Send(grid.Command{Kind: grid.CmdStop, ReplyStop: reply})
	return awaitStop(ctx, reply)
}

// Rebalance sends rebalance() to a single symbol's worker.
func (c *Controller) Rebalance(ctx context.Context, symbol string) (grid.StartResult, error) {
	h, err := c.handleFor(symbol)
	if err != nil {
		return grid.StartResult{}, err
	}
	reply := make(chan grid.StartResultOrErr, 1)
	h.worker.Send(grid.Command{Kind: grid.CmdRebalance, ReplyStart: reply})
	return awaitStart(ctx, reply)
}

// Snapshot returns every symbol's GridSnap plus the RiskSnap (§4.3 snapshot()).
func (c *Controller) Snapshot(ctx context.Context) (map[string]core.GridSnap, core.RiskSnap) {
	symbols := c.allSymbols()
	grids := make(map[string]core.GridSnap, len(symbols))
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, symbol := range symbols {
		wg.Add(1)
		go func(symbol string) {
			defer wg.Done()
			h, err := c.handleFor(symbol)
			if err != nil {
				return
			}
			reply := make(chan core.GridSnap, 1)
			h.worker.Send(grid.Command{Kind: grid.CmdSnapshot, ReplySnap: reply})
			select {
			case snap := <-reply:
				mu.Lock()
				grids[symbol] = snap
				mu.Unlock()
			case <-time.After(commandTimeout):
			}
		}(symbol)
	}
	wg.Wait()

	metrics := telemetry.GetGlobalMetrics()
	killed := c.risk.KillLatched()
	for symbol, snap := range grids {
		metrics.SetActiveOrders(symbol, int64(snap.PendingBuys+snap.PendingSells))
		pnl, _ := snap.RealizedPnL.Float64()
		metrics.SetUnrealizedPnL(symbol, pnl)
		metrics.SetRiskTriggered(symbol, killed)
	}

	return grids, c.risk.Snapshot()
}

// SnapshotOne returns a single symbol's GridSnap.
func (c *Controller) SnapshotOne(ctx context.Context, symbol string) (core.GridSnap, error) {
	h, err := c.handleFor(symbol)
	if err != nil {
		return core.GridSnap{}, err
	}
	reply := make(chan core.GridSnap, 1)
	h.worker.Send(grid.Command{Kind: grid.CmdSnapshot, ReplySnap: reply})
	select {
	case snap := <-reply:
		return snap, nil
	case <-ctx.Done():
		return core.GridSnap{}, ctx.Err()
	case <-time.After(commandTimeout):
		return core.GridSnap{}, apperrors.New(apperrors.ExchangeUnavailable, symbol, "snapshot request timed out")
	}
}

// StartAll fans start() out to every deployed symbol concurrently.
func (c *Controller) StartAll(ctx context.Context) map[string]grid.StartResultOrErr {
	return c.fanOutStart(ctx, grid.CmdStart)
}

// PauseAll fans pause() out to every deployed symbol concurrently.
func (c *Controller) PauseAll(ctx context.Context) map[string]grid.StopResultOrErr {
	return c.fanOutStop(ctx, grid.CmdPause)
}

// ResumeAll fans resume() out to every deployed symbol concurrently.
func (c *Controller) ResumeAll(ctx context.Context) map[string]grid.StartResultOrErr {
	return c.fanOutStart(ctx, grid.CmdResume)
}

// RebalanceAll fans rebalance() out to every deployed symbol concurrently.
func (c *Controller) RebalanceAll(ctx context.Context) map[string]grid.StartResultOrErr {
	return c.fanOutStart(ctx, grid.CmdRebalance)
}

func (c *Controller) fanOutStart(ctx context.Context, kind grid.CommandKind) map[string]grid.StartResultOrErr {
	symbols := c.allSymbols()
	results := make(map[string]grid.StartResultOrErr, len(symbols))
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for _, symbol := range symbols {
		symbol := symbol
		g.Go(func() error {
			h, err := c.handleFor(symbol)
			if err != nil {
				mu.Lock()
				results[symbol] = grid.StartResultOrErr{Err: err}
				mu.Unlock()
				return nil
			}
			reply := make(chan grid.StartResultOrErr, 1)
			h.worker.Send(grid.Command{Kind: kind, ReplyStart: reply})
			res, err := awaitStart(gctx, reply)
			mu.Lock()
			results[symbol] = grid.StartResultOrErr{Result: res, Err: err}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (c *Controller) fanOutStop(ctx context.Context, kind grid.CommandKind) map[string]grid.StopResultOrErr {
	symbols := c.allSymbols()
	results := make(map[string]grid.StopResultOrErr, len(symbols))
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for _, symbol := range symbols {
		symbol := symbol
		g.Go(func() error {
			h, err := c.handleFor(symbol)
			if err != nil {
				mu.Lock()
				results[symbol] = grid.StopResultOrErr{Err: err}
				mu.Unlock()
				return nil
			}
			reply := make(chan grid.StopResultOrErr, 1)
			h.worker.Send(grid.Command{Kind: kind, ReplyStop: reply})
			res, err := awaitStop(gctx, reply)
			mu.Lock()
			results[symbol] = grid.StopResultOrErr{Result: res, Err: err}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// Kill fans out a forced-stop (priority-queued) to every worker, leaving each
// one KILLED, and aggregates per-symbol cancellation results (§4.3 kill()).
// It does not set the RiskSupervisor's kill latch: KillLatched and the risk
// snapshot report only a latch the supervisor tripped itself. A KILLED
// worker refuses start until ResetKill returns it to STOPPED.
func (c *Controller) Kill(ctx context.Context) (map[string]grid.StopResultOrErr, error) {
	symbols := c.allSymbols()
	results := make(map[string]grid.StopResultOrErr, len(symbols))
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, symbol := range symbols {
		h, err := c.handleFor(symbol)
		if err != nil {
			continue
		}
		wg.Add(1)
		go func(symbol string, h *Handle) {
			defer wg.Done()
			reply := make(chan grid.StopResultOrErr, 1)
			h.worker.SendPriority(grid.Command{Kind: grid.CmdKill, ReplyStop: reply})
			res, err := awaitStop(ctx, reply)
			mu.Lock()
			results[symbol] = grid.StopResultOrErr{Result: res, Err: err}
			mu.Unlock()
		}(symbol, h)
	}
	wg.Wait()
	return results, nil
}

// ResetKill clears the risk latch (if no kill condition currently holds) and
// lets every KILLED worker leave that state on its next start.
func (c *Controller) ResetKill() error {
	if !c.risk.ResetKill() {
		return apperrors.New(apperrors.ConditionStillHolds, "", "a kill condition still holds")
	}
	for _, symbol := range c.allSymbols() {
		h, err := c.handleFor(symbol)
		if err != nil {
			continue
		}
		h.worker.Send(grid.Command{Kind: grid.CmdResetKill})
	}
	return nil
}

func awaitStart(ctx context.Context, reply <-chan grid.StartResultOrErr) (grid.StartResult, error) {
	select {
	case r := <-reply:
		return r.Result, r.Err
	case <-ctx.Done():
		return grid.StartResult{}, ctx.Err()
	case <-time.After(commandTimeout):
		return grid.StartResult{}, fmt.Errorf("command timed out waiting for worker reply")
	}
}

func awaitStop(ctx context.Context, reply <-chan grid.StopResultOrErr) (grid.StopResult, error) {
	select {
	case r := <-reply:
		return r.Result, r.Err
	case <-ctx.Done():
		return grid.StopResult{}, ctx.Err()
	case <-time.After(commandTimeout):
		return grid.StopResult{}, fmt.Errorf("command timed out waiting for worker reply")
	}
}
