package indicator

import "math"

// RSI is the Relative Strength Index with Wilder smoothing. The first
// `period` averages are seeded with the simple mean of the first `period`
// gains and losses; every later bar blends with weight (period-1)/period.
// NaN for the first `period` bars. An all-gain window reads 100, an
// all-loss window reads 0.
type RSI struct {
	name   string
	period int
}

func (r *RSI) Name() string      { return r.name }
func (r *RSI) Outputs() []string { return nil }

func (r *RSI) Compute(in Input) map[string][]float64 {
	closes := in.Close
	out := nan(len(closes))
	if r.period <= 0 || len(closes) <= r.period {
		return single(out)
	}

	var avgGain, avgLoss float64
	for i := 1; i <= r.period; i++ {
		d := closes[i] - closes[i-1]
		if d > 0 {
			avgGain += d
		} else {
			avgLoss -= d
		}
	}
	avgGain /= float64(r.period)
	avgLoss /= float64(r.period)
	out[r.period] = rsiValue(avgGain, avgLoss)

	p := float64(r.period)
	for i := r.period + 1; i < len(closes); i++ {
		d := closes[i] - closes[i-1]
		gain, loss := 0.0, 0.0
		if d > 0 {
			gain = d
		} else {
			loss = -d
		}
		avgGain = (avgGain*(p-1) + gain) / p
		avgLoss = (avgLoss*(p-1) + loss) / p
		out[i] = rsiValue(avgGain, avgLoss)
	}
	return single(out)
}

func rsiValue(avgGain, avgLoss float64) float64 {
	if avgLoss == 0 {
		return 100
	}
	rs := avgGain / avgLoss
	if math.IsNaN(rs) {
		return math.NaN()
	}
	return 100 - 100/(1+rs)
}
