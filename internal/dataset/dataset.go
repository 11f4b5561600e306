// Package dataset turns raw option bars into the augmented table the
// backtest engine walks: filtered to the nearest weekly expiry, sorted
// chronologically, with per-contract "_prev" shadow columns and one column
// (or column set) per configured indicator.
//
// Indicator grouping follows the declared price source. Option-sourced
// indicators compute per contract and reset when the contract identity
// changes; spot-sourced indicators compute once on the underlying timeline
// and merge onto every contract row by timestamp, never resetting. VWAP
// additionally resets daily.
package dataset

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"optionsim/internal/indicator"
	"optionsim/internal/model"
	"optionsim/internal/strategy"
)

// Row is one contract-minute with its computed indicator columns.
// Value serves raw price fields from the bar and everything else from the
// column map; absent columns read as NaN.
type Row struct {
	Bar  model.Bar
	Cols map[string]float64
}

func (r *Row) Value(name string) float64 {
	switch name {
	case "close":
		return r.Bar.Close
	case "high":
		return r.Bar.High
	case "low":
		return r.Bar.Low
	case "open":
		return r.Bar.Open
	}
	if v, ok := r.Cols[name]; ok {
		return v
	}
	return math.NaN()
}

func (r *Row) set(col string, v float64) {
	if r.Cols == nil {
		r.Cols = make(map[string]float64)
	}
	r.Cols[col] = v
}

// Minute groups every contract row sharing one timestamp.
type Minute struct {
	TS         time.Time
	Rows       []*Row
	byContract map[model.ContractKey]*Row
}

// Row returns this minute's row for a contract, if present.
func (m *Minute) Row(k model.ContractKey) (*Row, bool) {
	r, ok := m.byContract[k]
	return r, ok
}

// ATM returns the rows tagged at-the-money, CE before PE, then by strike.
// Order is stable so runs over the same data are deterministic.
func (m *Minute) ATM() []*Row {
	var out []*Row
	for _, r := range m.Rows {
		if r.Bar.Moneyness == model.ATM {
			out = append(out, r)
		}
	}
	return out
}

// Day is one trading day of minutes in chronological order.
type Day struct {
	Date    string // "2006-01-02" in exchange-local time
	Minutes []*Minute

	// rows per contract in chronological order, for end-of-day
	// fallback lookups on contracts missing the exit minute.
	perContract map[model.ContractKey][]*Row
}

// LastRowAtOrBefore returns the contract's latest row with TS <= ts.
func (d *Day) LastRowAtOrBefore(k model.ContractKey, ts time.Time) (*Row, bool) {
	rows := d.perContract[k]
	for i := len(rows) - 1; i >= 0; i-- {
		if !rows[i].Bar.TS.After(ts) {
			return rows[i], true
		}
	}
	return nil, false
}

// Dataset is the fully prepared table for one instrument.
type Dataset struct {
	Instrument string
	Days       []*Day
	Columns    []string // every indicator column, without _prev shadows
}

var priceFields = []string{"close", "high", "low", "open"}

// Prepare filters, sorts and augments raw bars.
//
// Bars outside [start, end] (whole days, inclusive) or off the nearest
// weekly expiry are dropped. No moneyness filter is applied: contracts must
// stay trackable after they stop being ATM, so ATM selection happens only
// at signal detection.
func Prepare(instrument string, bars, spotBars []model.Bar, inds []strategy.IndicatorConfig, start, end time.Time) (*Dataset, error) {
	var rows []*Row
	endExcl := end.AddDate(0, 0, 1)
	for i := range bars {
		b := bars[i]
		if b.ExpiryType != model.ExpiryWeek || b.ExpiryCode != 1 {
			continue
		}
		if b.TS.Before(start) || !b.TS.Before(endExcl) {
			continue
		}
		rows = append(rows, &Row{Bar: b})
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("no bars for %s in %s..%s after filtering", instrument,
			start.Format("2006-01-02"), end.Format("2006-01-02"))
	}

	// Chronological order, with a stable contract tiebreak inside each
	// minute so iteration order never depends on input ordering.
	sort.SliceStable(rows, func(i, j int) bool {
		a, b := rows[i], rows[j]
		if !a.Bar.TS.Equal(b.Bar.TS) {
			return a.Bar.TS.Before(b.Bar.TS)
		}
		if a.Bar.OptionType != b.Bar.OptionType {
			return a.Bar.OptionType < b.Bar.OptionType
		}
		return a.Bar.Strike < b.Bar.Strike
	})

	byContract := groupByContract(rows)
	addPriceShadows(byContract)

	ds := &Dataset{Instrument: instrument}
	for _, ic := range inds {
		ind, err := indicator.New(ic.Type, ic.Name, ic.Params)
		if err != nil {
			return nil, err
		}
		if ic.Source == strategy.SourceSpot {
			if err := applySpotIndicator(ind, rows, spotBars); err != nil {
				return nil, err
			}
		} else {
			applyOptionIndicator(ind, ic, byContract)
		}
		if subs := ind.Outputs(); subs != nil {
			for _, sub := range subs {
				ds.Columns = append(ds.Columns, ic.Name+"_"+sub)
			}
		} else {
			ds.Columns = append(ds.Columns, ic.Name)
		}
	}

	ds.Days = partitionDays(rows)
	return ds, nil
}

func groupByContract(rows []*Row) map[model.ContractKey][]*Row {
	m := make(map[model.ContractKey][]*Row)
	for _, r := range rows {
		k := r.Bar.Contract()
		m[k] = append(m[k], r)
	}
	return m
}

// addPriceShadows writes {field}_prev columns, shifted by one bar within
// each contract group. The first bar of a contract has no shadow.
func addPriceShadows(byContract map[model.ContractKey][]*Row) {
	for _, rows := range byContract {
		for i := 1; i < len(rows); i++ {
			prev := &rows[i-1].Bar
			rows[i].set("close_prev", prev.Close)
			rows[i].set("high_prev", prev.High)
			rows[i].set("low_prev", prev.Low)
			rows[i].set("open_prev", prev.Open)
		}
	}
}

// applyOptionIndicator computes one indicator per contract series. VWAP
// groups by contract and day so the cumulation restarts each session.
func applyOptionIndicator(ind indicator.Indicator, ic strategy.IndicatorConfig, byContract map[model.ContractKey][]*Row) {
	daily := strings.EqualFold(ic.Type, "VWAP")
	for _, rows := range byContract {
		if daily {
			for _, dayRows := range splitByDay(rows) {
				computeOnto(ind, dayRows, rows)
			}
		} else {
			computeOnto(ind, rows, rows)
		}
	}
}

// computeOnto runs the indicator over a contiguous slice of rows and writes
// the outputs back, with _prev shadows shifted within shadowScope (the full
// contract series, so a daily VWAP still shadows across the day boundary
// the same way the price shadows do).
func computeOnto(ind indicator.Indicator, rows, shadowScope []*Row) {
	in := indicator.Input{
		Close: make([]float64, len(rows)),
		High:  make([]float64, len(rows)),
		Low:   make([]float64, len(rows)),
	}
	haveVol := true
	for i, r := range rows {
		in.Close[i] = r.Bar.Close
		in.High[i] = r.Bar.High
		in.Low[i] = r.Bar.Low
		haveVol = haveVol && r.Bar.HasVolume
	}
	if haveVol {
		in.Volume = make([]float64, len(rows))
		for i, r := range rows {
			in.Volume[i] = float64(r.Bar.Volume)
		}
	}

	for sub, series := range ind.Compute(in) {
		col := ind.Name()
		if sub != "" {
			col = col + "_" + sub
		}
		for i, r := range rows {
			r.set(col, series[i])
		}
	}
	// Shadows shift over the whole contract series after all its segments
	// are written.
	if len(shadowScope) > 0 && rows[len(rows)-1] == shadowScope[len(shadowScope)-1] {
		addIndicatorShadows(ind, shadowScope)
	}
}

func addIndicatorShadows(ind indicator.Indicator, rows []*Row) {
	cols := ind.Outputs()
	if cols == nil {
		cols = []string{""}
	}
	for _, sub := range cols {
		col := ind.Name()
		if sub != "" {
			col = col + "_" + sub
		}
		for i := len(rows) - 1; i >= 1; i-- {
			rows[i].set(col+"_prev", rows[i-1].Value(col))
		}
	}
}

// applySpotIndicator computes one indicator on the underlying timeline and
// merges values onto every contract row by timestamp. The spot series never
// resets on expiry. Only closes are fed: the live loop tracks spot as a
// close series, so replay must compute from the same fields or the two
// paths diverge on range-based indicators.
func applySpotIndicator(ind indicator.Indicator, rows []*Row, spotBars []model.Bar) error {
	if len(spotBars) == 0 {
		return fmt.Errorf("indicator %q needs spot data but none was provided", ind.Name())
	}
	spot := make([]model.Bar, len(spotBars))
	copy(spot, spotBars)
	sort.SliceStable(spot, func(i, j int) bool { return spot[i].TS.Before(spot[j].TS) })

	in := indicator.Input{Close: make([]float64, len(spot))}
	for i := range spot {
		in.Close[i] = spot[i].Close
	}

	outputs := ind.Compute(in)
	for sub, series := range outputs {
		col := ind.Name()
		if sub != "" {
			col = col + "_" + sub
		}
		curr := make(map[time.Time]float64, len(spot))
		prev := make(map[time.Time]float64, len(spot))
		for i := range spot {
			curr[spot[i].TS] = series[i]
			if i > 0 {
				prev[spot[i].TS] = series[i-1]
			}
		}
		for _, r := range rows {
			if v, ok := curr[r.Bar.TS]; ok {
				r.set(col, v)
			}
			if v, ok := prev[r.Bar.TS]; ok {
				r.set(col+"_prev", v)
			}
		}
	}
	return nil
}

func splitByDay(rows []*Row) [][]*Row {
	var out [][]*Row
	var cur []*Row
	var curDate string
	for _, r := range rows {
		d := r.Bar.TS.Format("2006-01-02")
		if d != curDate && len(cur) > 0 {
			out = append(out, cur)
			cur = nil
		}
		curDate = d
		cur = append(cur, r)
	}
	if len(cur) > 0 {
		out = append(out, cur)
	}
	return out
}

func partitionDays(rows []*Row) []*Day {
	var days []*Day
	var day *Day
	var minute *Minute
	for _, r := range rows {
		d := r.Bar.TS.Format("2006-01-02")
		if day == nil || day.Date != d {
			day = &Day{Date: d, perContract: make(map[model.ContractKey][]*Row)}
			days = append(days, day)
			minute = nil
		}
		if minute == nil || !minute.TS.Equal(r.Bar.TS) {
			minute = &Minute{TS: r.Bar.TS, byContract: make(map[model.ContractKey]*Row)}
			day.Minutes = append(day.Minutes, minute)
		}
		minute.Rows = append(minute.Rows, r)
		minute.byContract[r.Bar.Contract()] = r
		k := r.Bar.Contract()
		day.perContract[k] = append(day.perContract[k], r)
	}
	return days
}
