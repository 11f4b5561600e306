package backtest

import (
	"bytes"
	"math"
	"strings"
	"testing"
	"time"

	"optionsim/internal/dataset"
	"optionsim/internal/indicator"
	"optionsim/internal/model"
	"optionsim/internal/strategy"
	"optionsim/internal/trade"
)

var ist = time.FixedZone("IST", 5*3600+30*60)

func ts(hour, min int) time.Time {
	return time.Date(2025, 6, 2, hour, min, 0, 0, ist)
}

type candle struct {
	h, m       int
	o, hi, lo, c float64
}

func bars(strike int, opt model.OptionType, mny model.Moneyness, cs []candle) []model.Bar {
	var out []model.Bar
	for _, c := range cs {
		out = append(out, model.Bar{
			TS: ts(c.h, c.m), Strike: strike, OptionType: opt,
			ExpiryType: model.ExpiryWeek, ExpiryCode: 1,
			Open: c.o, High: c.hi, Low: c.lo, Close: c.c,
			Moneyness: mny,
		})
	}
	return out
}

// sellStrategy compiles a sell strategy signalling when SMA(2) crosses
// above 100, with the given entry override.
func sellStrategy(t *testing.T, entry *strategy.EntryConfig, mutate func(*strategy.Config)) *strategy.Compiled {
	t.Helper()
	cfg := strategy.Config{
		Name: "sma cross sell",
		Indicators: []strategy.IndicatorConfig{
			{Type: "SMA", Name: "sma_2", Params: indicator.Params{Period: 2}},
		},
		SignalConditions: []strategy.ConditionConfig{
			{Indicator: "sma_2", Compare: "crosses_above", Value: 100},
		},
		Direction: "sell",
		Entry:     entry,
		EntryLevels: []trade.LevelSpec{
			{PctFromBase: 5, CapitalPct: 33.33},
			{PctFromBase: 10, CapitalPct: 33.33},
			{PctFromBase: 15, CapitalPct: 33.34},
		},
		StopLossPct:  20,
		TargetPct:    10,
		TradingStart: "09:30",
		TradingEnd:   "14:30",
		Instruments:  []string{"NIFTY"},
	}
	if mutate != nil {
		mutate(&cfg)
	}
	s, err := cfg.Compile()
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func prepare(t *testing.T, s *strategy.Compiled, allBars []model.Bar) *dataset.Dataset {
	t.Helper()
	start := time.Date(2025, 6, 1, 0, 0, 0, 0, ist)
	end := time.Date(2025, 6, 30, 0, 0, 0, 0, ist)
	ds, err := dataset.Prepare("NIFTY", allBars, nil, s.Indicators, start, end)
	if err != nil {
		t.Fatal(err)
	}
	return ds
}

func run(t *testing.T, s *strategy.Compiled, allBars []model.Bar) []*trade.Trade {
	t.Helper()
	return New(Config{
		Instrument: "NIFTY",
		Dataset:    prepare(t, s, allBars),
		Strategy:   s,
		LotSize:    75,
	}).Run()
}

func assertClose(t *testing.T, label string, got, want float64) {
	t.Helper()
	if math.Abs(got-want) > 0.001 {
		t.Errorf("%s: got %.4f, want %.4f", label, got, want)
	}
}

// Signal at 09:32 (SMA 95 -> 100.5 crosses 100), all three levels fill in
// the 09:33 candle whose high sweeps past +15%, target exit on 09:34.
var scenarioA = []candle{
	{9, 30, 95, 95.5, 94.5, 95},
	{9, 31, 95, 95.5, 94.5, 95},
	{9, 32, 95, 106.5, 94, 106},
	{9, 33, 106, 125, 105, 120},
	{9, 34, 120, 121, 104, 110},
}

func TestRun_StaggeredFillsAndTargetExit(t *testing.T) {
	s := sellStrategy(t, nil, nil)
	trades := run(t, s, bars(25000, model.CE, model.ATM, scenarioA))

	if len(trades) != 1 {
		t.Fatalf("trades = %d, want 1", len(trades))
	}
	tr := trades[0]
	if len(tr.Parts) != 3 {
		t.Fatalf("parts = %d, want 3 fills in one candle", len(tr.Parts))
	}
	assertClose(t, "base", tr.BasePrice, 106)
	assertClose(t, "part1", tr.Parts[0].EntryPrice, 111.30)
	assertClose(t, "part2", tr.Parts[1].EntryPrice, 116.60)
	assertClose(t, "part3", tr.Parts[2].EntryPrice, 121.90)

	if tr.ExitReason != trade.ExitTarget {
		t.Errorf("exit reason = %s, want TARGET", tr.ExitReason)
	}
	// Exact fill at the target level: +10% on the weighted average.
	assertClose(t, "pnl pct", tr.PnLPct, 10)
	if !tr.ExitTime.Equal(ts(9, 34)) {
		t.Errorf("exit time = %v", tr.ExitTime)
	}
}

func TestRun_StopLossBeatsTargetInSameCandle(t *testing.T) {
	s := sellStrategy(t, &strategy.EntryConfig{Type: strategy.EntryDirect}, nil)
	cs := []candle{
		{9, 30, 95, 95.5, 94.5, 95},
		{9, 31, 95, 95.5, 94.5, 95},
		{9, 32, 95, 106.2, 105, 106}, // signal + direct fill at base 106
		{9, 33, 106, 130, 85, 100},   // high hits SL 127.2, low hits TP 95.4
	}
	trades := run(t, s, bars(25000, model.CE, model.ATM, cs))

	if len(trades) != 1 {
		t.Fatalf("trades = %d, want 1", len(trades))
	}
	tr := trades[0]
	if tr.ExitReason != trade.ExitStopLoss {
		t.Fatalf("exit reason = %s, want STOP_LOSS when both levels hit", tr.ExitReason)
	}
	assertClose(t, "exit price", tr.ExitPrice, 106*1.20)
	assertClose(t, "pnl pct", tr.PnLPct, -20)
}

func TestRun_EODExitAtBoundaryClose(t *testing.T) {
	s := sellStrategy(t, &strategy.EntryConfig{Type: strategy.EntryDirect}, func(c *strategy.Config) {
		c.TradingEnd = "09:35"
	})
	cs := []candle{
		{9, 30, 95, 95.5, 94.5, 95},
		{9, 31, 95, 95.5, 94.5, 95},
		{9, 32, 95, 106.2, 105, 106},
		{9, 33, 106, 107, 104, 105},
		{9, 34, 105, 106, 101, 102},
		{9, 35, 102, 101.5, 99.5, 100},
	}
	trades := run(t, s, bars(25000, model.CE, model.ATM, cs))

	if len(trades) != 1 {
		t.Fatalf("trades = %d, want 1", len(trades))
	}
	tr := trades[0]
	if tr.ExitReason != trade.ExitEOD {
		t.Fatalf("exit reason = %s, want EOD", tr.ExitReason)
	}
	assertClose(t, "exit at boundary close", tr.ExitPrice, 100)
	assertClose(t, "pnl pct", tr.PnLPct, (106.0-100.0)/106.0*100)
}

func TestRun_EODFallbackToLastCandle(t *testing.T) {
	s := sellStrategy(t, &strategy.EntryConfig{Type: strategy.EntryDirect}, func(c *strategy.Config) {
		c.TradingEnd = "09:35"
	})
	ce := bars(25000, model.CE, model.ATM, []candle{
		{9, 30, 95, 95.5, 94.5, 95},
		{9, 31, 95, 95.5, 94.5, 95},
		{9, 32, 95, 106.2, 105, 106},
		{9, 33, 106, 107, 104, 105},
		{9, 34, 105, 106, 101, 102}, // last CE candle of the day
	})
	// Another contract keeps the 09:35 minute alive while the CE is dark.
	pe := bars(25000, model.PE, model.OTM, []candle{
		{9, 35, 50, 50.5, 49.5, 50},
	})
	trades := run(t, s, append(ce, pe...))

	if len(trades) != 1 {
		t.Fatalf("trades = %d, want 1", len(trades))
	}
	tr := trades[0]
	if tr.ExitReason != trade.ExitEOD {
		t.Fatalf("exit reason = %s, want EOD", tr.ExitReason)
	}
	assertClose(t, "exit at last available close", tr.ExitPrice, 102)
}

func TestRun_UnfilledObservationDiscarded(t *testing.T) {
	// Signal fires but price never reaches the +5% level.
	s := sellStrategy(t, nil, nil)
	cs := []candle{
		{9, 30, 95, 95.5, 94.5, 95},
		{9, 31, 95, 95.5, 94.5, 95},
		{9, 32, 95, 106.5, 94, 106},
		{9, 33, 106, 108, 104, 107}, // high 108 < L1 111.3
	}
	trades := run(t, s, bars(25000, model.CE, model.ATM, cs))
	if len(trades) != 0 {
		t.Fatalf("trades = %d, want 0 (observation never filled)", len(trades))
	}
}

func TestRun_MaxTradesPerDayCapsObservations(t *testing.T) {
	s := sellStrategy(t, nil, func(c *strategy.Config) {
		c.MaxTradesPerDay = 1
	})

	// The cap is evaluated once per minute: CE and PE firing in the same
	// minute both open even on the last remaining slot.
	ce := bars(25000, model.CE, model.ATM, scenarioA)
	pe := bars(25000, model.PE, model.ATM, scenarioA)
	trades := run(t, s, append(ce, pe...))
	if len(trades) != 2 {
		t.Fatalf("trades = %d, want both sides from the same minute", len(trades))
	}

	// A signal in a later minute finds the cap consumed and is blocked.
	peLate := bars(25000, model.PE, model.ATM, []candle{
		{9, 30, 95, 95.5, 94.5, 95},
		{9, 31, 95, 95.5, 94.5, 95},
		{9, 32, 95, 95.5, 94.5, 95},
		{9, 33, 95, 106.5, 94, 106}, // crossover one minute after the CE
		{9, 34, 106, 125, 105, 110},
	})
	trades = run(t, s, append(bars(25000, model.CE, model.ATM, scenarioA), peLate...))
	if len(trades) != 1 {
		t.Fatalf("trades = %d, want 1 (later-minute signal blocked by cap)", len(trades))
	}
	if trades[0].Contract.OptionType != model.CE {
		t.Errorf("remaining trade = %s, want CE", trades[0].Contract.OptionType)
	}
}

func TestRun_BothSidesTradeIndependently(t *testing.T) {
	s := sellStrategy(t, nil, nil)
	ce := bars(25000, model.CE, model.ATM, scenarioA)
	pe := bars(25000, model.PE, model.ATM, scenarioA)
	trades := run(t, s, append(ce, pe...))

	if len(trades) != 2 {
		t.Fatalf("trades = %d, want one CE and one PE", len(trades))
	}
}

func TestRun_SignalsIgnoredBeforeWindow(t *testing.T) {
	s := sellStrategy(t, nil, nil)
	cs := []candle{
		{9, 25, 95, 95.5, 94.5, 95},
		{9, 26, 95, 95.5, 94.5, 95},
		{9, 27, 95, 106.5, 94, 106}, // crossover fires outside the window
		{9, 28, 106, 125, 105, 120},
	}
	trades := run(t, s, bars(25000, model.CE, model.ATM, cs))
	if len(trades) != 0 {
		t.Fatalf("trades = %d, want 0 before trading window", len(trades))
	}
}

func TestRun_Deterministic(t *testing.T) {
	s := sellStrategy(t, nil, nil)
	allBars := append(bars(25000, model.CE, model.ATM, scenarioA),
		bars(25000, model.PE, model.ATM, scenarioA)...)

	var auditA, auditB bytes.Buffer
	tradesA := New(Config{Instrument: "NIFTY", Dataset: prepare(t, s, allBars), Strategy: s, LotSize: 75, Audit: &auditA}).Run()
	tradesB := New(Config{Instrument: "NIFTY", Dataset: prepare(t, s, allBars), Strategy: s, LotSize: 75, Audit: &auditB}).Run()

	if len(tradesA) != len(tradesB) {
		t.Fatalf("trade counts differ: %d vs %d", len(tradesA), len(tradesB))
	}
	for i := range tradesA {
		if tradesA[i].ExitPrice != tradesB[i].ExitPrice || tradesA[i].Contract != tradesB[i].Contract {
			t.Errorf("trade %d differs between runs", i)
		}
	}
	if auditA.String() != auditB.String() {
		t.Error("audit output differs between identical runs")
	}
}

func TestRun_AuditEntryEventsCarrySideTag(t *testing.T) {
	s := sellStrategy(t, nil, nil)
	allBars := append(bars(25000, model.CE, model.ATM, scenarioA),
		bars(25000, model.PE, model.ATM, scenarioA)...)

	var audit bytes.Buffer
	New(Config{Instrument: "NIFTY", Dataset: prepare(t, s, allBars), Strategy: s, LotSize: 75, Audit: &audit}).Run()

	// Fill events on their own do not name the side; the audit line must.
	out := audit.String()
	if !strings.Contains(out, "CE ENTRY Part1") || !strings.Contains(out, "PE ENTRY Part1") {
		t.Errorf("entry events missing their side tag:\n%s", out)
	}
}

func TestSummarize(t *testing.T) {
	s := sellStrategy(t, nil, nil)
	trades := run(t, s, bars(25000, model.CE, model.ATM, scenarioA))
	sum := Summarize(trades)

	if sum.TotalTrades != 1 || sum.Wins != 1 || sum.Losses != 0 {
		t.Errorf("summary = %+v", sum)
	}
	assertClose(t, "win rate", sum.WinRate, 100)
	assertClose(t, "avg pnl pct", sum.AvgPnLPct, 10)
	if sum.ByExitReason[trade.ExitTarget] != 1 {
		t.Errorf("by reason = %v", sum.ByExitReason)
	}
}
