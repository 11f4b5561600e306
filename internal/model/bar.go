// Package model defines the core data types shared across the backtest and
// forward engines: option bars, contract identity, trade direction, and the
// structured events the engines emit.
package model

import (
	"fmt"
	"time"
)

// OptionType identifies the option side of a contract.
type OptionType string

const (
	CE OptionType = "CE" // call
	PE OptionType = "PE" // put
)

// ExpiryType identifies the expiry cycle a contract belongs to.
type ExpiryType string

const (
	ExpiryWeek  ExpiryType = "WEEK"
	ExpiryMonth ExpiryType = "MONTH"
)

// Moneyness tags a bar relative to the underlying spot at that minute.
// Present only in historical datasets; the forward engine derives ATM live.
type Moneyness string

const (
	ATM Moneyness = "ATM"
	OTM Moneyness = "OTM"
	ITM Moneyness = "ITM"
)

// Direction is the trading direction of a strategy.
type Direction string

const (
	DirectionSell Direction = "sell" // profit when the option price drops
	DirectionBuy  Direction = "buy"  // profit when the option price rises
)

// ContractKey uniquely identifies one option contract revision.
// Rows sharing a key form one continuous indicator series; a change in
// ExpiryCode or ExpiryType means a genuinely new series.
type ContractKey struct {
	Strike     int        `json:"strike"`
	OptionType OptionType `json:"option_type"`
	ExpiryType ExpiryType `json:"expiry_type"`
	ExpiryCode int        `json:"expiry_code"`
}

func (k ContractKey) String() string {
	return fmt.Sprintf("%d_%s_%s_%d", k.Strike, k.OptionType, k.ExpiryType, k.ExpiryCode)
}

// Bar is one minute of OHLC(+volume) data for a specific option contract.
// Prices are rupees (float64): entry targets and SL/TP thresholds are
// percentage products of these values and must fill exactly, so the paise
// integer convention of the tick layer stops at the feed boundary.
// Immutable once loaded.
type Bar struct {
	TS         time.Time  `json:"ts"` // exchange-local, minute-aligned
	Strike     int        `json:"strike"`
	OptionType OptionType `json:"option_type"`
	ExpiryType ExpiryType `json:"expiry_type"`
	ExpiryCode int        `json:"expiry_code"`
	ExpiryDate string     `json:"expiry_date,omitempty"` // "2006-01-02", informational
	Open       float64    `json:"open"`
	High       float64    `json:"high"`
	Low        float64    `json:"low"`
	Close      float64    `json:"close"`
	Volume     int64      `json:"volume"`
	HasVolume  bool       `json:"has_volume"`
	Moneyness  Moneyness  `json:"moneyness,omitempty"`
}

// Contract returns the contract identity of this bar.
func (b *Bar) Contract() ContractKey {
	return ContractKey{
		Strike:     b.Strike,
		OptionType: b.OptionType,
		ExpiryType: b.ExpiryType,
		ExpiryCode: b.ExpiryCode,
	}
}
