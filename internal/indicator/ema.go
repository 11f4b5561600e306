package indicator

// EMA is the Exponential Moving Average with smoothing alpha = 2/(period+1),
// seeded with the first value of the series. Defined from bar 0 onward:
// EMA of a one-bar series equals that bar's value.
type EMA struct {
	name   string
	period int
}

func (e *EMA) Name() string      { return e.name }
func (e *EMA) Outputs() []string { return nil }

func (e *EMA) Compute(in Input) map[string][]float64 {
	return single(ema(in.Close, e.period))
}

func ema(values []float64, period int) []float64 {
	out := nan(len(values))
	if len(values) == 0 || period <= 0 {
		return out
	}
	alpha := 2.0 / (float64(period) + 1.0)
	prev := values[0]
	out[0] = prev
	for i := 1; i < len(values); i++ {
		prev = alpha*values[i] + (1-alpha)*prev
		out[i] = prev
	}
	return out
}
