package grid

import (
	"time"

	"github.com/shopspring/decimal"

	"gridtrader/internal/core"
)

// StartResult is returned by start()/resume().
type StartResult struct {
	OrdersPlaced int
}

// StopResult is returned by stop()/pause(), reporting any orders that
// survived best-effort cancellation per §4.1 ("remaining open orders after
// best effort are reported in result").
type StopResult struct {
	OrdersCancelled  int
	OrdersRemaining  []string
}

// Command is the sealed set of messages a GridWorker mailbox accepts.
// Request/response variants carry a reply channel so the caller (Controller)
// can await the effect exactly like a synchronous call, while the worker
// itself stays single-threaded; CmdTick and CmdResetKill are sent without
// one.
type Command struct {
	Kind      CommandKind
	Tick      core.Tick
	AckStopLoss bool
	ReplyStart  chan<- StartResultOrErr
	ReplyStop   chan<- StopResultOrErr
	ReplySnap   chan<- core.GridSnap
	Deadline  time.Time
}

// CommandKind enumerates the mailbox message types.
type CommandKind int

const (
	CmdStart CommandKind = iota
	CmdPause
	CmdResume
	CmdStop
	CmdRebalance
	CmdTick
	CmdSnapshot
	CmdKill // preempts the queue; see Controller §4.3
	CmdResetKill
)

// StartResultOrErr bundles a StartResult with a possible error for
// synchronous reply.
type StartResultOrErr struct {
	Result StartResult
	Err    error
}

// StopResultOrErr bundles a StopResult with a possible error for
// synchronous reply.
type StopResultOrErr struct {
	Result StopResult
	Err    error
}

// priceOrderCall is an in-flight exchange RPC tagged with the epoch it was
// issued under. Responses from a stale epoch are discarded (§4.1 epoch guard).
type priceOrderCall struct {
	epoch      uint64
	levelIndex int
	side       core.Side
	clientTag  string
	price      decimal.Decimal
	qty        decimal.Decimal
}
