package store

import (
	"context"
	"time"

	"gridtrader/internal/core"
)

// Null is a no-op core.Store, active when no store_dsn is configured. The
// core runs correctly against it: every write is fire-and-forget already,
// so dropping them here is indistinguishable from a slow disk at the call
// site.
type Null struct{}

func (Null) RecordTrade(ctx context.Context, t core.TradeRecord) error             { return nil }
func (Null) RecordGridSnapshot(ctx context.Context, symbol string, s core.GridSnap) error {
	return nil
}
func (Null) RecordOrderEvent(ctx context.Context, e core.OrderEvent) error { return nil }
func (Null) RecordTick(ctx context.Context, tick core.Tick) error         { return nil }
func (Null) RecordKillEvent(ctx context.Context, reason string, ts time.Time) error {
	return nil
}
func (Null) RecordAlert(ctx context.Context, a core.AlertRecord) error { return nil }
func (Null) Close() error                                             { return nil }
