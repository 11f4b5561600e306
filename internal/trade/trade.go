// Package trade models one complete trade cycle: a signal observation with
// staggered entry levels, partial fills, and a single exit that closes the
// whole position. P&L is always computed from the capital-weighted average
// entry price.
package trade

import (
	"time"

	"optionsim/internal/model"
)

// Status is the lifecycle state of a trade.
type Status string

const (
	StatusWaitingEntry Status = "WAITING_ENTRY"
	StatusPartial      Status = "PARTIAL_POSITION"
	StatusFull         Status = "FULL_POSITION"
	StatusClosed       Status = "CLOSED"
)

// Exit reasons recorded on close.
const (
	ExitStopLoss = "STOP_LOSS"
	ExitTarget   = "TARGET"
	ExitEOD      = "EOD"
)

// LevelSpec configures one staggered entry level.
type LevelSpec struct {
	PctFromBase float64 `json:"pct_above_base"` // distance from base price, percent
	CapitalPct  float64 `json:"capital_pct"`    // share of capital at this level
}

// EntryLevel is one staggered entry level with its computed trigger price.
type EntryLevel struct {
	LevelNum    int // 1-based
	PctFromBase float64
	CapitalPct  float64
	TargetPrice float64
	Filled      bool
}

// Part is one filled leg of a staggered entry.
type Part struct {
	LevelNum   int
	EntryTime  time.Time
	EntryPrice float64
	CapitalPct float64
}

// Trade is one signal-to-exit cycle on a single option contract.
type Trade struct {
	SignalTime time.Time
	BasePrice  float64
	Instrument string
	Contract   model.ContractKey
	ExpiryDate string
	Direction  model.Direction
	LotSize    int

	Levels []EntryLevel
	Parts  []Part

	ExitTime   time.Time
	ExitPrice  float64
	ExitReason string
	Status     Status

	PnL    float64 // per-unit price P&L, set on close
	PnLPct float64
}

// New opens an observation at the signal bar. Entry trigger prices derive
// from the base price: a sell enters as price rises above base, a buy as it
// falls below.
func New(signalTime time.Time, basePrice float64, instrument string,
	contract model.ContractKey, dir model.Direction, specs []LevelSpec, lotSize int) *Trade {

	t := &Trade{
		SignalTime: signalTime,
		BasePrice:  basePrice,
		Instrument: instrument,
		Contract:   contract,
		Direction:  dir,
		LotSize:    lotSize,
		Status:     StatusWaitingEntry,
	}
	for i, spec := range specs {
		target := basePrice * (1 + spec.PctFromBase/100)
		if dir == model.DirectionBuy {
			target = basePrice * (1 - spec.PctFromBase/100)
		}
		t.Levels = append(t.Levels, EntryLevel{
			LevelNum:    i + 1,
			PctFromBase: spec.PctFromBase,
			CapitalPct:  spec.CapitalPct,
			TargetPrice: target,
		})
	}
	return t
}

// NumLevels is the configured level count.
func (t *Trade) NumLevels() int { return len(t.Levels) }

// NextUnfilledLevel returns the lowest-numbered level still waiting for a
// fill, or nil when every level is filled. Levels always fill in order.
func (t *Trade) NextUnfilledLevel() *EntryLevel {
	for i := range t.Levels {
		if !t.Levels[i].Filled {
			return &t.Levels[i]
		}
	}
	return nil
}

// AddEntry fills one level at the given price and moves the trade to
// PARTIAL_POSITION or FULL_POSITION.
func (t *Trade) AddEntry(lvl *EntryLevel, at time.Time, price float64) {
	t.Parts = append(t.Parts, Part{
		LevelNum:   lvl.LevelNum,
		EntryTime:  at,
		EntryPrice: price,
		CapitalPct: lvl.CapitalPct,
	})
	lvl.Filled = true

	t.Status = StatusFull
	for i := range t.Levels {
		if !t.Levels[i].Filled {
			t.Status = StatusPartial
			break
		}
	}
}

// UpdateEntryTarget retargets the next unfilled level, used when the entry
// price is a moving indicator level rather than a fixed offset from base.
func (t *Trade) UpdateEntryTarget(price float64) {
	if lvl := t.NextUnfilledLevel(); lvl != nil {
		lvl.TargetPrice = price
	}
}

// AvgEntryPrice is the capital-weighted average over filled parts.
// ok is false while no part is filled.
func (t *Trade) AvgEntryPrice() (avg float64, ok bool) {
	if len(t.Parts) == 0 {
		return 0, false
	}
	var weighted, weight float64
	for _, p := range t.Parts {
		weighted += p.EntryPrice * p.CapitalPct
		weight += p.CapitalPct
	}
	if weight <= 0 {
		return 0, false
	}
	return weighted / weight, true
}

// HasPosition reports whether at least one level has filled.
func (t *Trade) HasPosition() bool { return len(t.Parts) > 0 }

// Close exits the entire position. A close with no filled parts is a no-op:
// an observation that never filled is discarded, not recorded.
func (t *Trade) Close(at time.Time, price float64, reason string) {
	if len(t.Parts) == 0 {
		return
	}
	t.ExitTime = at
	t.ExitPrice = price
	t.ExitReason = reason
	t.Status = StatusClosed

	if avg, ok := t.AvgEntryPrice(); ok && avg > 0 {
		if t.Direction == model.DirectionSell {
			t.PnL = avg - price
		} else {
			t.PnL = price - avg
		}
		t.PnLPct = t.PnL / avg * 100
	} else {
		t.PnL = 0
		t.PnLPct = 0
	}
}

// MoneyPnL is the rupee P&L for one lot.
func (t *Trade) MoneyPnL() float64 { return t.PnL * float64(t.LotSize) }
