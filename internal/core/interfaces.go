// Package core defines the domain types and capability interfaces shared by
// every component of the grid-trading engine: grid/risk state, the Exchange
// and Store capability boundaries, and the logger port.
package core

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// ILogger defines the interface for structured logging used throughout the
// engine. Implementations must never emit secrets.
type ILogger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
	Fatal(msg string, fields ...interface{})
	WithField(key string, value interface{}) ILogger
	WithFields(fields map[string]interface{}) ILogger
}

// Side is a buy or sell order side.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// OrderState is the exchange-reported lifecycle state of a single order.
type OrderState string

const (
	OrderNew        OrderState = "NEW"
	OrderPartial    OrderState = "PARTIAL"
	OrderFilled     OrderState = "FILLED"
	OrderCancelled  OrderState = "CANCELLED"
	OrderRejected   OrderState = "REJECTED"
)

// OrderStatus is the result of an order_status capability call.
type OrderStatus struct {
	OrderID   string
	State     OrderState
	FilledQty decimal.Decimal
	AvgPrice  decimal.Decimal
}

// Tick is a single (symbol, price, timestamp) observation from the PriceFeed.
type Tick struct {
	Symbol string
	Price  decimal.Decimal
	Ts     time.Time
}

// ExchangeErrorKind classifies an Exchange capability failure so the caller
// can decide whether to retry, escalate, or report it to the risk counters.
type ExchangeErrorKind string

const (
	ExchKindTransient   ExchangeErrorKind = "Transient"
	ExchKindRateLimited ExchangeErrorKind = "RateLimited"
	ExchKindAuth        ExchangeErrorKind = "Auth"
	ExchKindInvalid     ExchangeErrorKind = "Invalid"
	ExchKindTerminal    ExchangeErrorKind = "Terminal"
)

// Exchange is the minimal capability the core consumes; the production
// implementation signs requests with HMAC and streams ticks, but the core
// treats it as opaque. A mock implementation synthesizes deterministic price
// walks when no exchange credentials are configured.
type Exchange interface {
	PlaceLimit(ctx context.Context, symbol string, side Side, price, qty decimal.Decimal, clientTag string) (orderID string, err error)
	Cancel(ctx context.Context, orderID string) error
	OrderStatus(ctx context.Context, orderID string) (OrderStatus, error)
	OpenOrders(ctx context.Context, symbol string) ([]string, error)
	WalletEquity(ctx context.Context) (decimal.Decimal, error)
	Subscribe(ctx context.Context, symbols []string) (<-chan Tick, error)
	// LastPrice is a single REST price read for symbol, used by PriceFeed as
	// the polling fallback when streaming transport is unavailable (§2).
	LastPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
}

// Store is the persistence capability. The core runs correctly against a
// null implementation; writes are fire-and-forget and never block a worker.
type Store interface {
	RecordTrade(ctx context.Context, t TradeRecord) error
	RecordGridSnapshot(ctx context.Context, symbol string, snapshot GridSnap) error
	RecordOrderEvent(ctx context.Context, e OrderEvent) error
	RecordTick(ctx context.Context, tick Tick) error
	RecordKillEvent(ctx context.Context, reason string, ts time.Time) error
	RecordAlert(ctx context.Context, a AlertRecord) error
	Close() error
}

// TradeRecord is a single matched buy->sell cycle persisted for audit.
type TradeRecord struct {
	Symbol      string
	LevelIndex  int
	Qty         decimal.Decimal
	BuyPrice    decimal.Decimal
	SellPrice   decimal.Decimal
	RealizedPnL decimal.Decimal
	Ts          time.Time
}

// OrderEvent records a single order-lifecycle transition for a grid level.
type OrderEvent struct {
	Symbol     string
	LevelIndex int
	OrderID    string
	Side       Side
	State      OrderState
	Ts         time.Time
}

// RiskGate is the subset of RiskSupervisor that GridWorker consumes: the
// pre-trade gate, the BTC volatility breaker flag, and the kill latch.
// Defined here (rather than in internal/risk) so internal/grid depends only
// on internal/core, never on internal/risk.
type RiskGate interface {
	AllowStart(symbol string, currentPrice decimal.Decimal) (ok bool, reason string)
	BTCBreakerActive() bool
	KillLatched() bool
}

// APICallRecorder lets the Exchange capability wrapper report every call's
// outcome to the RiskSupervisor's error-rate counters without importing
// internal/risk.
type APICallRecorder interface {
	RecordAPICall(success bool)
}

// AlertRecord is a single inbound webhook alert, for read-back history.
type AlertRecord struct {
	Symbol string
	Action string
	Price  decimal.Decimal
	Ts     time.Time
	Result string
}
