// Package indicator provides technical indicator calculations over price
// series.
//
// Each indicator is a pure transform: it takes a chronologically sorted
// close-price series (some also need high/low/volume) and returns one or
// more output series aligned index-for-index with the input. Bars where an
// indicator is not yet defined (warm-up) hold NaN, never zero. Indicators
// keep no state across calls; each call operates on one contiguous
// contract-or-day series.
package indicator

import (
	"fmt"
	"math"
	"strings"
)

// Input is the price data an indicator computes over. Close is required;
// High/Low/Volume are optional and nil when absent.
type Input struct {
	Close  []float64
	High   []float64
	Low    []float64
	Volume []float64
}

// Indicator is the interface for all technical indicators.
type Indicator interface {
	// Name returns the configured instance name (e.g. "rsi_14").
	Name() string

	// Outputs lists sub-series keys for multi-output indicators
	// (e.g. MACD: "macd", "signal", "histogram"). Single-output
	// indicators return nil.
	Outputs() []string

	// Compute returns the aligned output series, keyed by sub-name.
	// Single-output indicators use the empty key "".
	Compute(in Input) map[string][]float64
}

// Params carries the numeric parameters an indicator type may use.
// Zero values take the type's conventional default.
type Params struct {
	Period    int     `json:"period,omitempty"`
	Fast      int     `json:"fast,omitempty"`
	Slow      int     `json:"slow,omitempty"`
	Signal    int     `json:"signal,omitempty"`
	StdDev    float64 `json:"std_dev,omitempty"`
	Factor    float64 `json:"factor,omitempty"`
	ATRPeriod int     `json:"atr_period,omitempty"`
}

// New creates an indicator by type string. Unknown types are a
// configuration error, reported before any computation starts.
func New(indType, name string, p Params) (Indicator, error) {
	switch strings.ToUpper(indType) {
	case "SMA":
		return &SMA{name: name, period: defInt(p.Period, 20)}, nil
	case "EMA":
		return &EMA{name: name, period: defInt(p.Period, 20)}, nil
	case "RSI":
		return &RSI{name: name, period: defInt(p.Period, 14)}, nil
	case "MACD":
		return &MACD{
			name: name,
			fast: defInt(p.Fast, 12), slow: defInt(p.Slow, 26),
			signal: defInt(p.Signal, 9),
		}, nil
	case "BOLLINGER":
		return &Bollinger{
			name: name, period: defInt(p.Period, 20),
			stdDev: defFloat(p.StdDev, 2.0),
		}, nil
	case "VWAP":
		return &VWAP{name: name}, nil
	case "SUPERTREND":
		return &SuperTrend{
			name: name, factor: defFloat(p.Factor, 4),
			atrPeriod: defInt(p.ATRPeriod, 11),
		}, nil
	default:
		return nil, fmt.Errorf("unknown indicator type %q (valid: SMA, EMA, RSI, MACD, BOLLINGER, VWAP, SUPERTREND)", indType)
	}
}

func defInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

func defFloat(v, def float64) float64 {
	if v <= 0 {
		return def
	}
	return v
}

// nan returns a slice of n NaNs — the "undefined" fill for warm-up bars.
func nan(n int) []float64 {
	s := make([]float64, n)
	for i := range s {
		s[i] = math.NaN()
	}
	return s
}

func single(s []float64) map[string][]float64 {
	return map[string][]float64{"": s}
}
