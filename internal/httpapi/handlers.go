package httpapi

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"gridtrader/internal/core"
	"gridtrader/internal/grid"
	"gridtrader/pkg/apperrors"
	"gridtrader/pkg/cli"
)

type symbolOp int

const (
	opStart symbolOp = iota
	opPause
	opResume
	opRebalance
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	kind, ok := apperrors.KindOf(err)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, apperrors.HTTPStatus(kind), map[string]string{"error": err.Error(), "kind": string(kind)})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"uptime": time.Since(s.startedAt).String(),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	grids, risk := s.controller.Snapshot(r.Context())
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"grids": grids,
		"risk":  risk,
	})
}

func (s *Server) handleGridsList(w http.ResponseWriter, r *http.Request) {
	grids, _ := s.controller.Snapshot(r.Context())
	writeJSON(w, http.StatusOK, grids)
}

func (s *Server) handleGridOne(w http.ResponseWriter, r *http.Request) {
	symbol := r.PathValue("sym")
	snap, err := s.controller.SnapshotOne(r.Context(), symbol)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// deployRequest is the JSON body for POST /api/deploy (§3 data model).
type deployRequest struct {
	Symbol           string           `json:"symbol"`
	LowerPrice       decimal.Decimal  `json:"lower_price"`
	UpperPrice       decimal.Decimal  `json:"upper_price"`
	GridCount        int              `json:"grid_count"`
	TotalInvestment  decimal.Decimal  `json:"total_investment"`
	StopLoss         *decimal.Decimal `json:"stop_loss,omitempty"`
	TakeProfit       *decimal.Decimal `json:"take_profit,omitempty"`
	BTCFilterEnabled bool             `json:"btc_filter_enabled"`
	FeeBps           decimal.Decimal  `json:"fee_bps"`
}

func (s *Server) handleDeploy(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "failed to read body"})
		return
	}
	var req deployRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed json"})
		return
	}
	if err := cli.ValidateInput(req.Symbol); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "symbol failed input validation"})
		return
	}

	params := core.GridParameters{
		Symbol:           req.Symbol,
		LowerPrice:       req.LowerPrice,
		UpperPrice:       req.UpperPrice,
		GridCount:        req.GridCount,
		TotalInvestment:  req.TotalInvestment,
		StopLoss:         req.StopLoss,
		TakeProfit:       req.TakeProfit,
		BTCFilterEnabled: req.BTCFilterEnabled,
		FeeBps:           req.FeeBps,
	}
	if err := s.controller.Deploy(r.Context(), params); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deployed", "symbol": req.Symbol})
}

func (s *Server) handleUndeploy(w http.ResponseWriter, r *http.Request) {
	symbol := r.PathValue("sym")
	if err := s.controller.Undeploy(symbol); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "undeployed", "symbol": symbol})
}

// handleSymbolOp returns a handler for a single-symbol lifecycle op, reading
// the symbol from the {sym} path segment and answering 400 when it is empty.
func (s *Server) handleSymbolOp(op symbolOp) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		symbol := r.PathValue("sym")
		if symbol == "" {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "symbol is required"})
			return
		}
		s.dispatchOne(w, r, op, symbol)
	}
}

// handleAllOp returns a handler for a fleet-wide lifecycle op (no {sym}).
func (s *Server) handleAllOp(op symbolOp) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch op {
		case opPause:
			writeJSON(w, http.StatusOK, s.controller.PauseAll(r.Context()))
		case opResume:
			writeJSON(w, http.StatusOK, s.controller.ResumeAll(r.Context()))
		case opRebalance:
			writeJSON(w, http.StatusOK, s.controller.RebalanceAll(r.Context()))
		default:
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unsupported fleet-wide operation"})
		}
	}
}

func (s *Server) dispatchOne(w http.ResponseWriter, r *http.Request, op symbolOp, symbol string) {
	switch op {
	case opStart:
		res, err := s.controller.Start(r.Context(), symbol)
		s.writeStartResult(w, symbol, res, err)
	case opResume:
		res, err := s.controller.Resume(r.Context(), symbol)
		s.writeStartResult(w, symbol, res, err)
	case opRebalance:
		res, err := s.controller.Rebalance(r.Context(), symbol)
		s.writeStartResult(w, symbol, res, err)
	case opPause:
		res, err := s.controller.Pause(r.Context(), symbol)
		s.writeStopResult(w, symbol, res, err)
	}
}

func (s *Server) writeStartResult(w http.ResponseWriter, symbol string, res grid.StartResult, err error) {
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok", "symbol": symbol,
		"result": map[string]int{"orders_placed": res.OrdersPlaced},
	})
}

func (s *Server) writeStopResult(w http.ResponseWriter, symbol string, res grid.StopResult, err error) {
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok", "symbol": symbol,
		"result": map[string]interface{}{
			"orders_cancelled": res.OrdersCancelled,
			"orders_remaining": res.OrdersRemaining,
		},
	})
}

func (s *Server) handleRisk(w http.ResponseWriter, r *http.Request) {
	_, risk := s.controller.Snapshot(r.Context())
	writeJSON(w, http.StatusOK, risk)
}

func (s *Server) handleKill(w http.ResponseWriter, r *http.Request) {
	results, err := s.controller.Kill(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, results)
}

func (s *Server) handleResetKill(w http.ResponseWriter, r *http.Request) {
	if err := s.controller.ResetKill(); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

func (s *Server) handlePrices(w http.ResponseWriter, r *http.Request) {
	grids, _ := s.controller.Snapshot(r.Context())
	prices := make(map[string]decimal.Decimal, len(grids))
	for symbol, snap := range grids {
		prices[symbol] = snap.CurrentPrice
	}
	writeJSON(w, http.StatusOK, prices)
}

func (s *Server) handleTVAlert(w http.ResponseWriter, r *http.Request) {
	if s.router == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "webhook alerts are not configured"})
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<16))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "failed to read body"})
		return
	}
	sig := r.Header.Get("X-Webhook-Signature")

	op, err := s.router.Handle(r.Context(), body, sig)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"alert": "accepted", "action": op})
}

func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	if s.router == nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{"history": []interface{}{}})
		return
	}
	bySymbol, byAction := s.router.Counts()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"history":   s.router.History(),
		"by_symbol": bySymbol,
		"by_action": byAction,
	})
}
