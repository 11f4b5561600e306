package indicator

// MACD is the Moving Average Convergence/Divergence: EMA(fast) - EMA(slow),
// a signal line that is an EMA of the MACD line, and their difference as
// histogram. All three series are defined from bar 0 because the EMAs are
// seeded with the first value.
type MACD struct {
	name               string
	fast, slow, signal int
}

func (m *MACD) Name() string      { return m.name }
func (m *MACD) Outputs() []string { return []string{"macd", "signal", "histogram"} }

func (m *MACD) Compute(in Input) map[string][]float64 {
	fastEMA := ema(in.Close, m.fast)
	slowEMA := ema(in.Close, m.slow)

	line := make([]float64, len(in.Close))
	for i := range line {
		line[i] = fastEMA[i] - slowEMA[i]
	}
	sig := ema(line, m.signal)
	hist := make([]float64, len(line))
	for i := range hist {
		hist[i] = line[i] - sig[i]
	}
	return map[string][]float64{"macd": line, "signal": sig, "histogram": hist}
}
