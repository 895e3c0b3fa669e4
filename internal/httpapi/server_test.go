package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gridtrader/internal/alert"
	"gridtrader/internal/config"
	"gridtrader/internal/core"
	"gridtrader/internal/grid"
	"gridtrader/pkg/apperrors"
)

type fakeController struct {
	mu      sync.Mutex
	deploys map[string]core.GridParameters
	killed  bool
}

func newFakeController() *fakeController {
	return &fakeController{deploys: make(map[string]core.GridParameters)}
}

func (f *fakeController) Deploy(ctx context.Context, params core.GridParameters) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deploys[params.Symbol] = params
	return nil
}
func (f *fakeController) Undeploy(symbol string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.deploys[symbol]; !ok {
		return apperrors.New(apperrors.UnknownSymbol, symbol, "not deployed")
	}
	delete(f.deploys, symbol)
	return nil
}
func (f *fakeController) Start(ctx context.Context, symbol string) (grid.StartResult, error) {
	if _, ok := f.deploys[symbol]; !ok {
		return grid.StartResult{}, apperrors.New(apperrors.UnknownSymbol, symbol, "not deployed")
	}
	return grid.StartResult{OrdersPlaced: 2}, nil
}
func (f *fakeController) Resume(ctx context.Context, symbol string) (grid.StartResult, error) {
	return f.Start(ctx, symbol)
}
func (f *fakeController) Pause(ctx context.Context, symbol string) (grid.StopResult, error) {
	return grid.StopResult{OrdersCancelled: 2}, nil
}
func (f *fakeController) Stop(ctx context.Context, symbol string) (grid.StopResult, error) {
	return grid.StopResult{OrdersCancelled: 2}, nil
}
func (f *fakeController) Rebalance(ctx context.Context, symbol string) (grid.StartResult, error) {
	return grid.StartResult{OrdersPlaced: 4}, nil
}
func (f *fakeController) StartAll(ctx context.Context) map[string]grid.StartResultOrErr { return nil }
func (f *fakeController) PauseAll(ctx context.Context) map[string]grid.StopResultOrErr  { return nil }
func (f *fakeController) ResumeAll(ctx context.Context) map[string]grid.StartResultOrErr {
	return nil
}
func (f *fakeController) RebalanceAll(ctx context.Context) map[string]grid.StartResultOrErr {
	return nil
}
func (f *fakeController) Snapshot(ctx context.Context) (map[string]core.GridSnap, core.RiskSnap) {
	f.mu.Lock()
	defer f.mu.Unlock()
	grids := make(map[string]core.GridSnap, len(f.deploys))
	for sym := range f.deploys {
		grids[sym] = core.GridSnap{Symbol: sym, Status: core.StatusRunning, CurrentPrice: decimal.NewFromInt(100)}
	}
	return grids, core.RiskSnap{KillSwitchTriggered: f.killed}
}
func (f *fakeController) SnapshotOne(ctx context.Context, symbol string) (core.GridSnap, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.deploys[symbol]; !ok {
		return core.GridSnap{}, apperrors.New(apperrors.UnknownSymbol, symbol, "not deployed")
	}
	return core.GridSnap{Symbol: symbol, Status: core.StatusRunning}, nil
}
func (f *fakeController) Kill(ctx context.Context) (map[string]grid.StopResultOrErr, error) {
	f.mu.Lock()
	f.killed = true
	f.mu.Unlock()
	return map[string]grid.StopResultOrErr{}, nil
}
func (f *fakeController) ResetKill() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.killed {
		f.killed = false
	}
	return nil
}
func (f *fakeController) KillLatched() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.killed
}

func newTestServer() (*Server, *fakeController) {
	fc := newFakeController()
	r := alert.NewRouter(config.Secret("shh"), 10, controllerDispatch{c: fc})
	return New(":0", fc, r, &nopLogger{}), fc
}

type nopLogger struct{}

func (n *nopLogger) Debug(msg string, fields ...interface{})               {}
func (n *nopLogger) Info(msg string, fields ...interface{})                {}
func (n *nopLogger) Warn(msg string, fields ...interface{})                {}
func (n *nopLogger) Error(msg string, fields ...interface{})               {}
func (n *nopLogger) Fatal(msg string, fields ...interface{})               {}
func (n *nopLogger) WithField(key string, value interface{}) core.ILogger  { return n }
func (n *nopLogger) WithFields(fields map[string]interface{}) core.ILogger { return n }

func TestHandleHealth(t *testing.T) {
	s, _ := newTestServer()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	s.handleHealth(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHandleDeployAndStart(t *testing.T) {
	s, fc := newTestServer()
	body := `{"symbol":"ETHUSDT","lower_price":"100","upper_price":"140","grid_count":4,"total_investment":"400","fee_bps":"10"}`
	req := httptest.NewRequest(http.MethodPost, "/api/deploy", strings.NewReader(body))
	rec := httptest.NewRecorder()
	s.handleDeploy(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, fc.deploys, "ETHUSDT")

	req2 := httptest.NewRequest(http.MethodPost, "/api/grids/ETHUSDT/start", nil)
	req2.SetPathValue("sym", "ETHUSDT")
	rec2 := httptest.NewRecorder()
	s.handleSymbolOp(opStart)(rec2, req2)
	require.Equal(t, http.StatusOK, rec2.Code)

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(rec2.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp["status"])
}

func TestHandleGridOne_UnknownSymbol(t *testing.T) {
	s, _ := newTestServer()
	req := httptest.NewRequest(http.MethodGet, "/api/grids/NOPE", nil)
	req.SetPathValue("sym", "NOPE")
	rec := httptest.NewRecorder()
	s.handleGridOne(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleKillAndResetKill(t *testing.T) {
	s, fc := newTestServer()
	req := httptest.NewRequest(http.MethodPost, "/api/kill", nil)
	rec := httptest.NewRecorder()
	s.handleKill(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, fc.KillLatched())

	req2 := httptest.NewRequest(http.MethodPost, "/api/reset-kill", nil)
	rec2 := httptest.NewRecorder()
	s.handleResetKill(rec2, req2)
	require.Equal(t, http.StatusOK, rec2.Code)
	assert.False(t, fc.KillLatched())
}
