package mirror

import "time"

type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

type Tif string

const (
	TifIoc Tif = "Ioc"
	TifGtc Tif = "Gtc"
)

type CopyMode string

const (
	CopyModeFull        CopyMode = "full"
	CopyModeEntryOnly   CopyMode = "entry-only"
	CopyModeSignalsOnly CopyMode = "signals-only"
)

// deadZone suppresses targets whose delta is floating-point noise.
const deadZone = 0.0001

// Position is one instrument's exposure for one account. The core reads it
// as an immutable value each tick; snapshots are replaced wholesale on the
// next fetch, never mutated in place.
type Position struct {
	Instrument     string
	Size           float64 // signed: >0 long, <0 short, 0 flat
	EntryPrice     float64
	Leverage       float64
	UnrealizedPnl  float64
	MarginUsed     float64
	LiquidationPx  float64
	ReturnOnEquity float64
	UpdatedAt      time.Time
}

// PositionTarget is the desired follower size for one instrument on one tick.
type PositionTarget struct {
	Instrument  string
	TargetSize  float64
	CurrentSize float64
	Delta       float64 // TargetSize - CurrentSize
}

type OrderRequest struct {
	Instrument string
	Side       Side
	Size       float64 // absolute, > 0
	Tif        Tif
	ReduceOnly bool
	LimitPrice float64 // 0 means derive from mark at submission
}

type OrderResult struct {
	Success  bool
	OrderID  string
	FilledSz float64
	AvgPrice float64
	Error    string
}

type MarketPrice struct {
	MarkPrice float64
	LastPrice float64
	UpdatedAt time.Time
}

type AccountInfo struct {
	Equity          float64
	TotalMarginUsed float64
	TotalNotional   float64
}
