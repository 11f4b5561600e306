package indicator

// SMA is the Simple Moving Average: the arithmetic mean over a trailing
// window of `period` bars. Undefined for the first period-1 bars.
type SMA struct {
	name   string
	period int
}

func (s *SMA) Name() string      { return s.name }
func (s *SMA) Outputs() []string { return nil }

func (s *SMA) Compute(in Input) map[string][]float64 {
	out := nan(len(in.Close))
	if s.period <= 0 || len(in.Close) < s.period {
		return single(out)
	}

	// Rolling sum, subtract the value leaving the window each step.
	sum := 0.0
	for i, v := range in.Close {
		sum += v
		if i >= s.period {
			sum -= in.Close[i-s.period]
		}
		if i >= s.period-1 {
			out[i] = sum / float64(s.period)
		}
	}
	return single(out)
}
