package forward

import (
	"fmt"
	"time"

	"optionsim/internal/model"
)

// maxBufferBars bounds each rolling series. Multi-day warmup produces
// roughly 375 bars/day over 5 sessions; 2500 leaves headroom for a full
// contract week plus live bars.
const maxBufferBars = 2500

// bufferBar is one minute in a rolling series.
type bufferBar struct {
	TS                     time.Time
	Open, High, Low, Close float64
}

// PriceBuffer holds the rolling spot and per-contract option series the
// live indicator computation runs over.
//
// Contract identity is strike + option type, mirroring historical
// grouping. An ATM strike shift switches the current series for that side
// but preserves the old bars, so indicators keep history when ATM
// oscillates back. An expiry change resets every option series: a new
// nearest weekly is a genuinely new contract.
//
// Not safe for concurrent use; the engine owns it on one goroutine.
type PriceBuffer struct {
	spot       []bufferBar
	option     map[string][]bufferBar
	currentKey map[model.OptionType]string
	expiry     string
}

func NewPriceBuffer() *PriceBuffer {
	return &PriceBuffer{
		option:     make(map[string][]bufferBar),
		currentKey: make(map[model.OptionType]string),
	}
}

func contractKey(strike int, opt model.OptionType) string {
	return fmt.Sprintf("%d_%s", strike, opt)
}

// AddSpot appends one underlying bar.
func (b *PriceBuffer) AddSpot(ts time.Time, price float64) {
	b.spot = append(b.spot, bufferBar{TS: ts, Open: price, High: price, Low: price, Close: price})
	if len(b.spot) > maxBufferBars {
		b.spot = b.spot[len(b.spot)-maxBufferBars:]
	}
}

// SetExpiry records the current nearest weekly expiry. A change wipes all
// option series and current keys; the spot series survives.
func (b *PriceBuffer) SetExpiry(expiry string) (changed bool) {
	if b.expiry != "" && expiry != b.expiry {
		b.option = make(map[string][]bufferBar)
		b.currentKey = make(map[model.OptionType]string)
		changed = true
	}
	b.expiry = expiry
	return changed
}

func (b *PriceBuffer) Expiry() string { return b.expiry }

// FillOption appends a bar to a specific contract without touching the
// current-key tracking. Used by warmup to pre-fill many strikes silently.
func (b *PriceBuffer) FillOption(ts time.Time, strike int, opt model.OptionType, bar bufferBar) {
	key := contractKey(strike, opt)
	bar.TS = ts
	b.option[key] = trim(append(b.option[key], bar))
}

// SetCurrentStrike pins the live series for one side, creating it when
// empty. Warmup calls this once the ATM strike is known.
func (b *PriceBuffer) SetCurrentStrike(strike int, opt model.OptionType) {
	key := contractKey(strike, opt)
	if _, ok := b.option[key]; !ok {
		b.option[key] = nil
	}
	b.currentKey[opt] = key
}

// AddOption appends a live bar for the given strike, switching the current
// series when the ATM strike moved. The previous key is returned so the
// caller can log the shift; shifted is false when the key is unchanged.
func (b *PriceBuffer) AddOption(ts time.Time, strike int, opt model.OptionType, bar bufferBar) (prevKey string, shifted bool) {
	key := contractKey(strike, opt)
	prev, had := b.currentKey[opt]
	if key != prev {
		b.currentKey[opt] = key
		shifted = had
	}
	bar.TS = ts
	b.option[key] = trim(append(b.option[key], bar))
	return prev, shifted
}

func trim(bars []bufferBar) []bufferBar {
	if len(bars) > maxBufferBars {
		return bars[len(bars)-maxBufferBars:]
	}
	return bars
}

// CurrentKey returns the live series key for one side ("" when unset).
func (b *PriceBuffer) CurrentKey(opt model.OptionType) string { return b.currentKey[opt] }

// BarCount reports the live series length for one side.
func (b *PriceBuffer) BarCount(opt model.OptionType) int {
	return len(b.option[b.currentKey[opt]])
}

// Bar returns the live series bar at a negative offset (-1 = latest).
func (b *PriceBuffer) Bar(opt model.OptionType, offset int) (bufferBar, bool) {
	bars := b.option[b.currentKey[opt]]
	i := len(bars) + offset
	if i < 0 || i >= len(bars) {
		return bufferBar{}, false
	}
	return bars[i], true
}

// SpotCloses returns the underlying close series.
func (b *PriceBuffer) SpotCloses() []float64 {
	out := make([]float64, len(b.spot))
	for i, bar := range b.spot {
		out[i] = bar.Close
	}
	return out
}

// OptionSeries returns close, high and low series for the live contract of
// one side.
func (b *PriceBuffer) OptionSeries(opt model.OptionType) (closes, highs, lows []float64) {
	bars := b.option[b.currentKey[opt]]
	closes = make([]float64, len(bars))
	highs = make([]float64, len(bars))
	lows = make([]float64, len(bars))
	for i, bar := range bars {
		closes[i] = bar.Close
		highs[i] = bar.High
		lows[i] = bar.Low
	}
	return closes, highs, lows
}
