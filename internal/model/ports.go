package model

import "time"

// ── Port Interfaces ──
// These decouple the engines from concrete collaborators (SQLite bar store,
// WebSocket feed, Redis publisher). The core never does I/O directly.

// BarSource supplies historical minute bars for a backtest run.
type BarSource interface {
	// ReadBars returns option bars for an instrument in [start, end],
	// ordered by timestamp ascending.
	ReadBars(instrument string, start, end time.Time) ([]Bar, error)

	// ReadSpotBars returns underlying index bars for the same range.
	// May return an empty slice when no spot data is recorded.
	ReadSpotBars(instrument string, start, end time.Time) ([]Bar, error)

	// Close releases underlying resources.
	Close() error
}

// QuoteSource supplies live prices for the forward engine. Implementations
// must be non-blocking: a missing price reports ok=false, never stalls.
type QuoteSource interface {
	// OptionPrice returns the last traded price for a contract, in rupees.
	OptionPrice(strike int, opt OptionType) (float64, bool)

	// SpotPrice returns the underlying index level.
	SpotPrice() (float64, bool)
}

// CandleSource supplies the most recently completed minute candle for a
// contract, when the feed aggregates ticks. Optional: engines fall back to
// LTP-only bars when unavailable.
type CandleSource interface {
	CompletedCandle(strike int, opt OptionType) (Bar, bool)
}

// HistoricalSource supplies warm-up history for the forward engine.
type HistoricalSource interface {
	// OptionBars returns minute bars for one contract over [from, to].
	OptionBars(instrument string, strike int, opt OptionType, from, to time.Time) ([]Bar, error)

	// SpotBars returns underlying minute bars over [from, to].
	SpotBars(instrument string, from, to time.Time) ([]Bar, error)

	// WeeklyExpiry returns the nearest weekly expiry label ("2006-01-02")
	// on or after the given day.
	WeeklyExpiry(instrument string, day time.Time) (string, error)
}
