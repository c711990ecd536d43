package domain

import "time"

// Tier is a rung in the drawdown-averaging ladder.
type Tier string

const (
	TierInitial   Tier = "initial"
	TierSmallFlow Tier = "small_flow"
	TierLargeFlow Tier = "large_flow"
)

// IsFlow reports whether the tier is one of the averaging-down rungs.
func (t Tier) IsFlow() bool {
	return t == TierSmallFlow || t == TierLargeFlow
}

// Status is the lifecycle state of an intent row. The zero value means the
// row has not been touched since creation or reset.
type Status string

const (
	StatusNone   Status = ""
	StatusUpdate Status = "update" // needs (re)submission
	StatusWait   Status = "wait"   // submitted, unresolved
	StatusDone   Status = "done"   // fully filled
	StatusCancel Status = "cancel" // terminated without fill
)

// Pending reports whether the order behind the row is still unresolved on the
// broker side and worth polling.
func (s Status) Pending() bool {
	return s == StatusNone || s == StatusWait || s == StatusUpdate
}

// BuyIntent is one row of the buy ledger: a desired limit (or, for the
// initial tier, market) buy at TargetPrice for Notional worth of the symbol.
// At most one row per (symbol, tier) is economically active at a time.
type BuyIntent struct {
	Time        time.Time
	Symbol      string
	TargetPrice float64
	Notional    float64
	Units       float64
	Tier        Tier
	OrderID     string
	Status      Status
}

// SellIntent is one row of the sell ledger: the single take-profit order for
// a held position. Exactly one active row exists per held symbol.
type SellIntent struct {
	Symbol      string
	AvgBuyPrice float64
	Quantity    float64
	TargetPrice float64
	OrderID     string
	Status      Status
}

// Fill records a detected buy fill, persisted to the trade history store.
type Fill struct {
	ID       int64
	Symbol   string
	OrderID  string
	Tier     Tier
	Price    float64
	Notional float64
	Units    float64
	FilledAt time.Time
}

// RoundTrip records a full exit: the position a take-profit sell closed.
type RoundTrip struct {
	ID          int64
	Symbol      string
	AvgBuyPrice float64
	Quantity    float64
	SellPrice   float64
	ClosedAt    time.Time
}
