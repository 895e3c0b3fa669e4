// Package httpapi implements the §6 JSON HTTP control surface: grid
// lifecycle operations, risk read-back, the TradingView-style webhook, and
// Prometheus metrics.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"gridtrader/internal/alert"
	"gridtrader/internal/core"
	"gridtrader/internal/grid"
)

// ControllerAPI is the subset of *controller.Controller the HTTP surface
// drives; kept as a local interface so internal/httpapi never needs to
// import internal/controller's concrete type for anything beyond wiring.
type ControllerAPI interface {
	Deploy(ctx context.Context, params core.GridParameters) error
	Undeploy(symbol string) error
	Start(ctx context.Context, symbol string) (grid.StartResult, error)
	Resume(ctx context.Context, symbol string) (grid.StartResult, error)
	Pause(ctx context.Context, symbol string) (grid.StopResult, error)
	Stop(ctx context.Context, symbol string) (grid.StopResult, error)
	Rebalance(ctx context.Context, symbol string) (grid.StartResult, error)
	StartAll(ctx context.Context) map[string]grid.StartResultOrErr
	PauseAll(ctx context.Context) map[string]grid.StopResultOrErr
	ResumeAll(ctx context.Context) map[string]grid.StartResultOrErr
	RebalanceAll(ctx context.Context) map[string]grid.StartResultOrErr
	Snapshot(ctx context.Context) (map[string]core.GridSnap, core.RiskSnap)
	SnapshotOne(ctx context.Context, symbol string) (core.GridSnap, error)
	Kill(ctx context.Context) (map[string]grid.StopResultOrErr, error)
	ResetKill() error
	KillLatched() bool
}

// Server owns the HTTP control-plane listener.
type Server struct {
	addr       string
	controller ControllerAPI
	router     *alert.Router
	logger     core.ILogger
	srv        *http.Server
	startedAt  time.Time
}

// New builds the HTTP control surface. router may be nil to disable the
// webhook endpoint (e.g. no secret configured).
func New(addr string, controller ControllerAPI, router *alert.Router, logger core.ILogger) *Server {
	return &Server{
		addr:       addr,
		controller: controller,
		router:     router,
		logger:     logger.WithField("component", "http_server"),
		startedAt:  time.Now(),
	}
}

// Start installs routes and begins serving in the background; it does not
// block.
func (s *Server) Start() {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("GET /api/grids", s.handleGridsList)
	mux.HandleFunc("GET /api/grids/{sym}", s.handleGridOne)
	mux.HandleFunc("POST /api/deploy", s.handleDeploy)
	mux.HandleFunc("DELETE /api/grids/{sym}", s.handleUndeploy)
	mux.HandleFunc("POST /api/grids/{sym}/start", s.handleSymbolOp(opStart))
	mux.HandleFunc("POST /api/grids/{sym}/rebalance", s.handleSymbolOp(opRebalance))
	mux.HandleFunc("POST /api/pause", s.handleAllOp(opPause))
	mux.HandleFunc("POST /api/pause/{sym}", s.handleSymbolOp(opPause))
	mux.HandleFunc("POST /api/resume", s.handleAllOp(opResume))
	mux.HandleFunc("POST /api/resume/{sym}", s.handleSymbolOp(opResume))
	mux.HandleFunc("POST /api/rebalance", s.handleAllOp(opRebalance))
	mux.HandleFunc("GET /api/risk", s.handleRisk)
	mux.HandleFunc("POST /api/kill", s.handleKill)
	mux.HandleFunc("POST /api/reset-kill", s.handleResetKill)
	mux.HandleFunc("GET /api/prices", s.handlePrices)
	mux.HandleFunc("POST /api/tv-alert", s.handleTVAlert)
	mux.HandleFunc("GET /api/alerts", s.handleAlerts)
	mux.Handle("GET /metrics", promhttp.Handler())

	s.srv = &http.Server{Addr: s.addr, Handler: mux}
	go func() {
		s.logger.Info("starting http control surface", "addr", s.addr)
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("http server failed", "error", err)
		}
	}()
}

// Stop gracefully shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

// controllerDispatch adapts ControllerAPI to alert.Dispatcher, discarding
// the per-symbol result types the webhook caller doesn't need.
type controllerDispatch struct {
	c ControllerAPI
}

// NewControllerDispatch builds the alert.Dispatcher adapter used to wire a
// Controller into an alert.Router from outside this package.
func NewControllerDispatch(c ControllerAPI) alert.Dispatcher {
	return controllerDispatch{c: c}
}

func (d controllerDispatch) Resume(ctx context.Context, symbol string) error {
	_, err := d.c.Resume(ctx, symbol)
	return err
}
func (d controllerDispatch) Pause(ctx context.Context, symbol string) error {
	_, err := d.c.Pause(ctx, symbol)
	return err
}
func (d controllerDispatch) Stop(ctx context.Context, symbol string) error {
	_, err := d.c.Stop(ctx, symbol)
	return err
}
func (d controllerDispatch) KillLatched() bool {
	return d.c.KillLatched()
}
