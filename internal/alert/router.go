package alert

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"gridtrader/internal/config"
	"gridtrader/internal/core"
	"gridtrader/pkg/apperrors"
	"gridtrader/pkg/cli"
)

// WebhookPayload is the inbound TradingView-style alert envelope (§4.4,
// §6 "body is JSON {symbol, action, price?, zone?}").
type WebhookPayload struct {
	Symbol string          `json:"symbol"`
	Action string          `json:"action"`
	Price  decimal.Decimal `json:"price,omitempty"`
	Zone   string          `json:"zone,omitempty"`
}

// historyEntry is one ring-buffer slot of alert read-back history.
type historyEntry struct {
	core.AlertRecord
}

// Router validates and dispatches inbound webhook alerts. It is distinct
// from AlertManager (outbound notifications): Router consumes signed
// commands from the outside world, AlertManager emits notifications to
// Slack/PagerDuty-style channels.
type Router struct {
	mu          sync.Mutex
	secret      config.Secret
	dispatch    Dispatcher
	history     []core.AlertRecord
	historyHead int
	historyCap  int
	bySymbol    map[string]int
	byAction    map[string]int
}

// Dispatcher is the controller operation set a resolved action maps onto.
// Kept minimal and decoupled from internal/controller's concrete type so
// internal/alert never imports internal/controller.
type Dispatcher interface {
	Resume(ctx context.Context, symbol string) error
	Pause(ctx context.Context, symbol string) error
	Stop(ctx context.Context, symbol string) error
	KillLatched() bool
}

// NewRouter builds a Router with the given shared secret and history
// capacity (default 500 per §4.4).
func NewRouter(secret config.Secret, historyCap int, dispatch Dispatcher) *Router {
	if historyCap <= 0 {
		historyCap = 500
	}
	return &Router{
		secret:     secret,
		dispatch:   dispatch,
		history:    make([]core.AlertRecord, 0, historyCap),
		historyCap: historyCap,
		bySymbol:   make(map[string]int),
		byAction:   make(map[string]int),
	}
}

// VerifySignature checks sigHex (lowercase hex HMAC-SHA256 of body under the
// shared secret) using a constant-time comparison (§6 "timing-safe
// comparison").
func (r *Router) VerifySignature(body []byte, sigHex string) bool {
	mac := hmac.New(sha256.New, []byte(string(r.secret)))
	mac.Write(body)
	expected := mac.Sum(nil)

	got, err := hex.DecodeString(sigHex)
	if err != nil {
		return false
	}
	return hmac.Equal(expected, got)
}

// action->controller-operation mapping (§4.4).
const (
	actionBuy   = "buy"
	actionLong  = "long"
	actionSell  = "sell"
	actionShort = "short"
	actionClose = "close"
)

// Handle validates signature, parses the payload, enforces the kill latch,
// dispatches the mapped controller operation, and records the outcome in
// history. Returns the resolved action-word and any error; callers (the
// HTTP handler) map the error to a status code via apperrors.HTTPStatus.
func (r *Router) Handle(ctx context.Context, body []byte, sigHex string) (resolvedOp string, err error) {
	if !r.VerifySignature(body, sigHex) {
		return "", apperrors.New(apperrors.ExchangeAuth, "", "invalid webhook signature")
	}

	var payload WebhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return "", apperrors.Wrap(apperrors.InvalidParameters, "", "malformed webhook body", err)
	}
	if payload.Symbol == "" || payload.Action == "" {
		return "", apperrors.New(apperrors.InvalidParameters, payload.Symbol, "symbol and action are required")
	}
	if err := cli.ValidateInput(payload.Symbol); err != nil {
		return "", apperrors.Wrap(apperrors.InvalidParameters, payload.Symbol, "symbol failed input validation", err)
	}

	if r.dispatch.KillLatched() {
		r.record(payload, "rejected: kill latch set")
		return "", apperrors.New(apperrors.KilledByRisk, payload.Symbol, "kill latch is set")
	}

	op, err := resolveOp(payload.Action)
	if err != nil {
		r.record(payload, fmt.Sprintf("rejected: %s", err))
		return "", apperrors.Wrap(apperrors.InvalidParameters, payload.Symbol, "unrecognized action", err)
	}

	switch op {
	case "resume":
		err = r.dispatch.Resume(ctx, payload.Symbol)
	case "pause":
		err = r.dispatch.Pause(ctx, payload.Symbol)
	case "stop":
		err = r.dispatch.Stop(ctx, payload.Symbol)
	}

	if err != nil {
		r.record(payload, fmt.Sprintf("error: %s", err))
		return op, err
	}
	r.record(payload, "ok:"+op)
	return op, nil
}

func resolveOp(action string) (string, error) {
	switch action {
	case actionBuy, actionLong:
		return "resume", nil
	case actionSell, actionShort:
		return "pause", nil
	case actionClose:
		return "stop", nil
	default:
		return "", fmt.Errorf("action %q does not map to a controller operation", action)
	}
}

func (r *Router) record(p WebhookPayload, result string) {
	rec := core.AlertRecord{Symbol: p.Symbol, Action: p.Action, Price: p.Price, Ts: time.Now(), Result: result}

	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.history) < r.historyCap {
		r.history = append(r.history, rec)
	} else {
		r.history[r.historyHead] = rec
		r.historyHead = (r.historyHead + 1) % r.historyCap
	}
	r.bySymbol[p.Symbol]++
	r.byAction[p.Action]++
}

// History returns a copy of the current alert ring buffer, oldest first.
func (r *Router) History() []core.AlertRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]core.AlertRecord, len(r.history))
	if len(r.history) < r.historyCap {
		copy(out, r.history)
		return out
	}
	for i := range out {
		out[i] = r.history[(r.historyHead+i)%r.historyCap]
	}
	return out
}

// Counts returns per-symbol and per-action alert counts for read-back.
func (r *Router) Counts() (bySymbol, byAction map[string]int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	bySymbol = make(map[string]int, len(r.bySymbol))
	for k, v := range r.bySymbol {
		bySymbol[k] = v
	}
	byAction = make(map[string]int, len(r.byAction))
	for k, v := range r.byAction {
		byAction[k] = v
	}
	return bySymbol, byAction
}
