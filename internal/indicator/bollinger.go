package indicator

import "math"

// Bollinger computes Bollinger Bands: middle = SMA(period), upper/lower =
// middle +/- stdDev * rolling sample standard deviation over the same
// window. NaN until a full window is available.
type Bollinger struct {
	name   string
	period int
	stdDev float64
}

func (b *Bollinger) Name() string      { return b.name }
func (b *Bollinger) Outputs() []string { return []string{"upper", "middle", "lower"} }

func (b *Bollinger) Compute(in Input) map[string][]float64 {
	n := len(in.Close)
	upper, middle, lower := nan(n), nan(n), nan(n)
	if b.period < 2 || n < b.period {
		return map[string][]float64{"upper": upper, "middle": middle, "lower": lower}
	}

	for i := b.period - 1; i < n; i++ {
		window := in.Close[i-b.period+1 : i+1]
		sum := 0.0
		for _, v := range window {
			sum += v
		}
		mean := sum / float64(b.period)

		// Sample variance (n-1 denominator).
		var ss float64
		for _, v := range window {
			d := v - mean
			ss += d * d
		}
		sd := math.Sqrt(ss / float64(b.period-1))

		middle[i] = mean
		upper[i] = mean + b.stdDev*sd
		lower[i] = mean - b.stdDev*sd
	}
	return map[string][]float64{"upper": upper, "middle": middle, "lower": lower}
}
