package indicator

import "math"

// SuperTrend is a trailing-stop indicator built on Wilder's ATR.
//
// Basic bands are hl2 +/- factor*ATR. Bands ratchet: the lower band only
// rises while price stays above it, the upper band only falls while price
// stays below it. Direction is -1 while price rides the lower band
// (bullish) and +1 while it rides the upper band (bearish); "value" is the
// active band. Both outputs are NaN until the ATR is seeded.
type SuperTrend struct {
	name      string
	factor    float64
	atrPeriod int
}

func (s *SuperTrend) Name() string      { return s.name }
func (s *SuperTrend) Outputs() []string { return []string{"value", "direction"} }

func (s *SuperTrend) Compute(in Input) map[string][]float64 {
	n := len(in.Close)
	value, direction := nan(n), nan(n)
	out := map[string][]float64{"value": value, "direction": direction}
	if n <= s.atrPeriod || s.atrPeriod <= 0 {
		return out
	}

	haveHL := len(in.High) == n && len(in.Low) == n

	// True range. Without high/low data fall back to close-to-close moves.
	tr := make([]float64, n)
	for i := 1; i < n; i++ {
		if haveHL {
			hl := in.High[i] - in.Low[i]
			hc := math.Abs(in.High[i] - in.Close[i-1])
			lc := math.Abs(in.Low[i] - in.Close[i-1])
			tr[i] = math.Max(hl, math.Max(hc, lc))
		} else {
			tr[i] = math.Abs(in.Close[i] - in.Close[i-1])
		}
	}

	// Wilder ATR seeded with the mean of the first atrPeriod true ranges.
	atr := nan(n)
	var sum float64
	for i := 1; i <= s.atrPeriod; i++ {
		sum += tr[i]
	}
	atr[s.atrPeriod] = sum / float64(s.atrPeriod)
	p := float64(s.atrPeriod)
	for i := s.atrPeriod + 1; i < n; i++ {
		atr[i] = (atr[i-1]*(p-1) + tr[i]) / p
	}

	src := func(i int) float64 {
		if haveHL {
			return (in.High[i] + in.Low[i]) / 2
		}
		return in.Close[i]
	}

	var prevLower, prevUpper float64
	dir := -1.0
	for i := s.atrPeriod; i < n; i++ {
		rawLower := src(i) - s.factor*atr[i]
		rawUpper := src(i) + s.factor*atr[i]

		lower, upper := rawLower, rawUpper
		if i > s.atrPeriod {
			if !(rawLower > prevLower || in.Close[i-1] < prevLower) {
				lower = prevLower
			}
			if !(rawUpper < prevUpper || in.Close[i-1] > prevUpper) {
				upper = prevUpper
			}
			if dir < 0 {
				if in.Close[i] < lower {
					dir = 1
				}
			} else {
				if in.Close[i] > upper {
					dir = -1
				}
			}
		}
		prevLower, prevUpper = lower, upper

		direction[i] = dir
		if dir < 0 {
			value[i] = lower
		} else {
			value[i] = upper
		}
	}
	return out
}
