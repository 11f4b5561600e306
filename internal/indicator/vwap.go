package indicator

// VWAP is the Volume-Weighted Average Price: cumulative sum of
// close*volume over cumulative volume. Only the close participates, even
// when high/low are available. Callers must feed one trading session of
// one contract per call; the cumulation never resets internally. NaN
// everywhere when volume data is absent, and on bars where cumulative
// volume is still zero.
type VWAP struct {
	name string
}

func (v *VWAP) Name() string      { return v.name }
func (v *VWAP) Outputs() []string { return nil }

func (v *VWAP) Compute(in Input) map[string][]float64 {
	n := len(in.Close)
	out := nan(n)
	if in.Volume == nil || len(in.Volume) != n {
		return single(out)
	}

	var cumPV, cumVol float64
	for i := 0; i < n; i++ {
		cumPV += in.Close[i] * in.Volume[i]
		cumVol += in.Volume[i]
		if cumVol > 0 {
			out[i] = cumPV / cumVol
		}
	}
	return single(out)
}
