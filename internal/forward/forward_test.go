package forward

import (
	"context"
	"io"
	"log/slog"
	"math"
	"strings"
	"testing"
	"time"

	"optionsim/internal/indicator"
	"optionsim/internal/model"
	"optionsim/internal/strategy"
	"optionsim/internal/trade"
)

func assertClose(t *testing.T, label string, got, want, tol float64) {
	t.Helper()
	if math.IsNaN(got) || math.Abs(got-want) > tol {
		t.Errorf("%s: got %v, want %v (tol %v)", label, got, want, tol)
	}
}

func ist(h, m, s int) time.Time {
	return time.Date(2026, 8, 28, h, m, s, 0, istZone)
}

// ─────────────────────────────────────────────────────────────────────────────
// Fakes
// ─────────────────────────────────────────────────────────────────────────────

type fakeQuotes struct {
	spot   float64
	spotOK bool
	opts   map[string]float64
}

func (f *fakeQuotes) SpotPrice() (float64, bool) { return f.spot, f.spotOK }

func (f *fakeQuotes) OptionPrice(strike int, opt model.OptionType) (float64, bool) {
	v, ok := f.opts[contractKey(strike, opt)]
	return v, ok
}

type fakeHistory struct {
	optBars  map[string][]model.Bar
	spotBars []model.Bar
	expiry   string
}

func (f *fakeHistory) OptionBars(instrument string, strike int, opt model.OptionType, from, to time.Time) ([]model.Bar, error) {
	return f.optBars[contractKey(strike, opt)], nil
}

func (f *fakeHistory) SpotBars(instrument string, from, to time.Time) ([]model.Bar, error) {
	return f.spotBars, nil
}

func (f *fakeHistory) WeeklyExpiry(instrument string, day time.Time) (string, error) {
	return f.expiry, nil
}

func warmBars(closes ...float64) []model.Bar {
	bars := make([]model.Bar, len(closes))
	for i, c := range closes {
		bars[i] = model.Bar{
			TS:   ist(9, 27+i, 0),
			Open: c, High: c, Low: c, Close: c,
		}
	}
	return bars
}

// breakoutStrategy fires when the close trades above its 2-bar SMA and
// enters the full position at the base price.
func breakoutStrategy(t *testing.T) *strategy.Compiled {
	t.Helper()
	cfg := strategy.Config{
		Name: "sma2_breakout",
		Indicators: []strategy.IndicatorConfig{
			{Type: "SMA", Name: "sma2", Params: indicator.Params{Period: 2}},
		},
		SignalConditions: []strategy.ConditionConfig{
			{Indicator: "sma2", Compare: "price_above"},
		},
		SignalLogic:     "AND",
		Direction:       "sell",
		EntryLevels:     []trade.LevelSpec{{PctFromBase: 0, CapitalPct: 100}},
		StopLossPct:     20,
		TargetPct:       10,
		TradingStart:    "09:15",
		TradingEnd:      "15:00",
		Instruments:     []string{"NIFTY"},
		MaxTradesPerDay: 1,
	}
	compiled, err := cfg.Compile()
	if err != nil {
		t.Fatalf("compile strategy: %v", err)
	}
	return compiled
}

type session struct {
	engine  *Engine
	quotes  *fakeQuotes
	history *fakeHistory
	events  []model.Event
}

func newSession(t *testing.T) *session {
	t.Helper()
	s := &session{
		quotes: &fakeQuotes{
			spot:   25010,
			spotOK: true,
			opts: map[string]float64{
				"25000_CE": 100,
				"25000_PE": 100,
			},
		},
		history: &fakeHistory{
			optBars: map[string][]model.Bar{
				"25000_CE": warmBars(100, 100),
				"25000_PE": warmBars(100, 100),
			},
			spotBars: warmBars(25000, 25010),
			expiry:   "2026-09-03",
		},
	}

	eng, err := New(Config{
		Instrument:        "NIFTY",
		Strategy:          breakoutStrategy(t),
		LotSize:           75,
		StrikeStep:        50,
		WarmupStrikeRange: 1,
		Quotes:            s.quotes,
		History:           s.history,
		Logger:            slog.New(slog.NewTextHandler(io.Discard, nil)),
		OnEvent:           func(ev model.Event) { s.events = append(s.events, ev) },
		Clock:             func() time.Time { return ist(9, 29, 0) },
	})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	s.engine = eng
	return s
}

func (s *session) hasEvent(substr string) bool {
	for _, ev := range s.events {
		if strings.Contains(ev.Message, substr) {
			return true
		}
	}
	return false
}

// ─────────────────────────────────────────────────────────────────────────────
// PriceBuffer
// ─────────────────────────────────────────────────────────────────────────────

func TestPriceBuffer_ExpiryChangeResetsOptionsOnly(t *testing.T) {
	b := NewPriceBuffer()
	b.SetExpiry("2026-09-03")
	b.AddSpot(ist(9, 15, 0), 25000)
	b.AddOption(ist(9, 15, 0), 25000, model.CE, bufferBar{Close: 100})

	if changed := b.SetExpiry("2026-09-03"); changed {
		t.Fatal("same expiry must not report a change")
	}
	if changed := b.SetExpiry("2026-09-10"); !changed {
		t.Fatal("new expiry must report a change")
	}
	if b.BarCount(model.CE) != 0 {
		t.Errorf("option bars survived expiry change: %d", b.BarCount(model.CE))
	}
	if len(b.SpotCloses()) != 1 {
		t.Errorf("spot series must survive expiry change, got %d bars", len(b.SpotCloses()))
	}
}

func TestPriceBuffer_ATMShiftPreservesOldSeries(t *testing.T) {
	b := NewPriceBuffer()
	b.SetExpiry("2026-09-03")
	b.AddOption(ist(9, 15, 0), 25000, model.CE, bufferBar{Close: 100})
	b.AddOption(ist(9, 16, 0), 25000, model.CE, bufferBar{Close: 101})

	prevKey, shifted := b.AddOption(ist(9, 17, 0), 25050, model.CE, bufferBar{Close: 80})
	if !shifted {
		t.Fatal("strike change must report a shift")
	}
	if prevKey != "25000_CE" {
		t.Errorf("prevKey = %q, want 25000_CE", prevKey)
	}
	if b.CurrentKey(model.CE) != "25050_CE" {
		t.Errorf("current key = %q, want 25050_CE", b.CurrentKey(model.CE))
	}
	if b.BarCount(model.CE) != 1 {
		t.Errorf("new series bar count = %d, want 1", b.BarCount(model.CE))
	}

	// Shifting back must find the old bars intact.
	if _, shifted := b.AddOption(ist(9, 18, 0), 25000, model.CE, bufferBar{Close: 102}); !shifted {
		t.Fatal("shift back must report a shift")
	}
	if b.BarCount(model.CE) != 3 {
		t.Errorf("old series bar count after shift back = %d, want 3", b.BarCount(model.CE))
	}
}

func TestPriceBuffer_TrimsToMaxBars(t *testing.T) {
	b := NewPriceBuffer()
	b.SetExpiry("2026-09-03")
	for i := 0; i < maxBufferBars+10; i++ {
		b.AddOption(ist(9, 15, 0), 25000, model.CE, bufferBar{Close: float64(i)})
	}
	if b.BarCount(model.CE) != maxBufferBars {
		t.Errorf("bar count = %d, want %d", b.BarCount(model.CE), maxBufferBars)
	}
	latest, _ := b.Bar(model.CE, -1)
	assertClose(t, "latest close after trim", latest.Close, float64(maxBufferBars+9), 1e-9)
}

// ─────────────────────────────────────────────────────────────────────────────
// Shared entry/exit checks
// ─────────────────────────────────────────────────────────────────────────────

func sellTrade(base float64, specs ...trade.LevelSpec) *trade.Trade {
	if len(specs) == 0 {
		specs = []trade.LevelSpec{{PctFromBase: 0, CapitalPct: 100}}
	}
	return trade.New(ist(9, 30, 0), base, "NIFTY", model.ContractKey{
		Strike: 25000, OptionType: model.CE, ExpiryType: model.ExpiryWeek, ExpiryCode: 1,
	}, model.DirectionSell, specs, 75)
}

func TestCheckStaggeredEntry_FillsConsecutiveLevels(t *testing.T) {
	tr := sellTrade(100,
		trade.LevelSpec{PctFromBase: 0, CapitalPct: 40},
		trade.LevelSpec{PctFromBase: 5, CapitalPct: 30},
		trade.LevelSpec{PctFromBase: 10, CapitalPct: 30},
	)

	events := checkStaggeredEntry(tr, 107, ist(9, 31, 0))
	if len(events) != 2 {
		t.Fatalf("got %d fills, want 2: %v", len(events), events)
	}
	if tr.Status != trade.StatusPartial {
		t.Errorf("status = %s, want PARTIAL_POSITION", tr.Status)
	}
	// Fills happen at the level prices, not the LTP: (100*40 + 105*30) / 70.
	avg, _ := tr.AvgEntryPrice()
	assertClose(t, "avg after two fills", avg, 102.142857, 1e-4)

	if extra := checkStaggeredEntry(tr, 104, ist(9, 32, 0)); len(extra) != 0 {
		t.Errorf("LTP below L3 must not fill: %v", extra)
	}
}

func TestCheckIndicatorEntry_FillsOnCrossingOnly(t *testing.T) {
	tr := sellTrade(100)
	if ev := checkIndicatorEntry(tr, 100, 96, 94, ist(9, 31, 0)); len(ev) != 0 {
		t.Fatalf("indicator outside the LTP path must not fill: %v", ev)
	}

	ev := checkIndicatorEntry(tr, 100, 96, 98, ist(9, 31, 0))
	if len(ev) != 1 {
		t.Fatalf("crossing through the indicator must fill, got %v", ev)
	}
	avg, _ := tr.AvgEntryPrice()
	assertClose(t, "fill price is the indicator value", avg, 98, 1e-9)

	if ev := checkIndicatorEntry(tr, 96, 100, 98, ist(9, 32, 0)); len(ev) != 0 {
		t.Errorf("a filled trade must not fill again: %v", ev)
	}
}

func TestCheckExit_StopLossBeforeTargetAndExactFills(t *testing.T) {
	tr := sellTrade(100)
	tr.AddEntry(tr.NextUnfilledLevel(), ist(9, 31, 0), 100)

	if closed, _ := checkExit(tr, 100, ist(9, 32, 0), false, 20, 10); closed {
		t.Fatal("flat LTP must not exit")
	}

	closed, msg := checkExit(tr, 125, ist(9, 33, 0), false, 20, 10)
	if !closed || tr.ExitReason != trade.ExitStopLoss {
		t.Fatalf("LTP through SL must close with STOP_LOSS, got closed=%v reason=%q", closed, tr.ExitReason)
	}
	assertClose(t, "SL fills at the level", tr.ExitPrice, 120, 1e-9)
	if !strings.Contains(msg, "EXIT SL") {
		t.Errorf("message = %q, want EXIT SL", msg)
	}
}

func TestCheckExit_EODUsesLTP(t *testing.T) {
	tr := sellTrade(100)
	tr.AddEntry(tr.NextUnfilledLevel(), ist(9, 31, 0), 100)

	closed, msg := checkExit(tr, 97, ist(15, 0, 0), true, 20, 10)
	if !closed || tr.ExitReason != trade.ExitEOD {
		t.Fatalf("exit time must force EOD, got closed=%v reason=%q", closed, tr.ExitReason)
	}
	assertClose(t, "EOD fills at LTP", tr.ExitPrice, 97, 1e-9)
	assertClose(t, "EOD pnl", tr.PnLPct, 3, 1e-9)
	if !strings.Contains(msg, "EXIT EOD") {
		t.Errorf("message = %q, want EXIT EOD", msg)
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Engine
// ─────────────────────────────────────────────────────────────────────────────

func TestWarmup_FillsBuffersAndPinsATM(t *testing.T) {
	s := newSession(t)
	if err := s.engine.warmup(context.Background()); err != nil {
		t.Fatalf("warmup: %v", err)
	}
	if s.engine.atmStrike != 25000 {
		t.Errorf("ATM = %d, want 25000", s.engine.atmStrike)
	}
	if got := s.engine.buffer.BarCount(model.CE); got != 2 {
		t.Errorf("CE warmup bars = %d, want 2", got)
	}
	if s.engine.buffer.Expiry() != "2026-09-03" {
		t.Errorf("expiry = %q", s.engine.buffer.Expiry())
	}
	if !s.hasEvent("Warmup done") {
		t.Error("missing warmup summary event")
	}
}

func TestWarmup_FailsWithoutSpotPrice(t *testing.T) {
	s := newSession(t)
	s.quotes.spotOK = false
	if err := s.engine.warmup(context.Background()); err == nil {
		t.Fatal("warmup must fail when the spot price is unavailable")
	}
}

func TestMinuteCycle_SignalEntryAndTargetExit(t *testing.T) {
	s := newSession(t)
	if err := s.engine.warmup(context.Background()); err != nil {
		t.Fatalf("warmup: %v", err)
	}

	// CE breaks above its SMA; PE stays below and must not signal.
	s.quotes.opts["25000_CE"] = 110
	s.quotes.opts["25000_PE"] = 90
	if hadErr := s.engine.runOneMinute(ist(9, 30, 0)); hadErr {
		t.Fatal("minute cycle reported a data error")
	}

	ce := s.engine.activeCE
	if ce == nil {
		t.Fatal("CE signal did not open a trade")
	}
	if s.engine.activePE != nil {
		t.Fatal("PE must not signal while below its SMA")
	}
	if ce.Status != trade.StatusFull {
		t.Errorf("CE status = %s, want FULL_POSITION (level at base fills immediately)", ce.Status)
	}
	assertClose(t, "base price", ce.BasePrice, 110, 1e-9)
	if !s.hasEvent("SIGNAL") || !s.hasEvent("ENTRY Part1") {
		t.Error("missing signal or entry event")
	}

	// Next minute: LTP through the 10% target closes at the exact level.
	s.quotes.opts["25000_CE"] = 98
	s.engine.runOneMinute(ist(9, 31, 0))

	if s.engine.activeCE != nil {
		t.Fatal("CE trade must be closed")
	}
	done := s.engine.CompletedTrades()
	if len(done) != 1 {
		t.Fatalf("completed = %d, want 1", len(done))
	}
	if done[0].ExitReason != trade.ExitTarget {
		t.Errorf("exit reason = %s, want TARGET", done[0].ExitReason)
	}
	assertClose(t, "exit price", done[0].ExitPrice, 99, 1e-9)
	assertClose(t, "pnl pct", done[0].PnLPct, 10, 1e-9)
}

func TestMinuteCycle_DayCapBlocksSecondSignal(t *testing.T) {
	s := newSession(t)
	if err := s.engine.warmup(context.Background()); err != nil {
		t.Fatalf("warmup: %v", err)
	}

	s.quotes.opts["25000_CE"] = 110
	s.quotes.opts["25000_PE"] = 90
	s.engine.runOneMinute(ist(9, 30, 0))
	s.quotes.opts["25000_CE"] = 98 // closes the CE trade
	s.quotes.opts["25000_PE"] = 120
	s.engine.runOneMinute(ist(9, 31, 0))

	if s.engine.activePE != nil {
		t.Error("PE signal must be blocked by the daily trade cap")
	}
	if s.engine.dayTradeCount != 1 {
		t.Errorf("day trade count = %d, want 1", s.engine.dayTradeCount)
	}
}

func TestMinuteCycle_SpotFetchFailureCountsAsError(t *testing.T) {
	s := newSession(t)
	if err := s.engine.warmup(context.Background()); err != nil {
		t.Fatalf("warmup: %v", err)
	}
	s.quotes.spotOK = false
	if hadErr := s.engine.runOneMinute(ist(9, 30, 0)); !hadErr {
		t.Fatal("missing spot price must report a data error")
	}
}

func TestTickSignals_OverlaysLiveLTPOnCachedRow(t *testing.T) {
	s := newSession(t)
	if err := s.engine.warmup(context.Background()); err != nil {
		t.Fatalf("warmup: %v", err)
	}

	// Flat minute: no signal, but indicator rows are cached.
	s.engine.runOneMinute(ist(9, 30, 0))
	if s.engine.activeCE != nil {
		t.Fatal("flat minute must not signal")
	}

	// Mid-minute the LTP jumps above the cached SMA.
	s.quotes.opts["25000_CE"] = 112
	s.engine.tickSignals(ist(9, 30, 30))

	ce := s.engine.activeCE
	if ce == nil {
		t.Fatal("tick path did not open a trade")
	}
	assertClose(t, "tick base price", ce.BasePrice, 112, 1e-9)
	if !s.hasEvent("[TICK]") {
		t.Error("tick signal event must carry the [TICK] tag")
	}
}

func TestTickSignals_DayCapEvaluatedOncePerTick(t *testing.T) {
	s := newSession(t)
	if err := s.engine.warmup(context.Background()); err != nil {
		t.Fatalf("warmup: %v", err)
	}
	s.engine.runOneMinute(ist(9, 30, 0))

	// Both sides break out on the same tick. The cap (1/day) is checked
	// before either side, so CE and PE both open on the last slot.
	s.quotes.opts["25000_CE"] = 112
	s.quotes.opts["25000_PE"] = 111
	s.engine.tickSignals(ist(9, 30, 30))

	if s.engine.activeCE == nil || s.engine.activePE == nil {
		t.Fatalf("both sides must open on the same tick: CE=%v PE=%v",
			s.engine.activeCE != nil, s.engine.activePE != nil)
	}
	if s.engine.dayTradeCount != 2 {
		t.Errorf("day trade count = %d, want 2", s.engine.dayTradeCount)
	}

	// A later tick finds the cap consumed before the side loop runs.
	s2 := newSession(t)
	if err := s2.engine.warmup(context.Background()); err != nil {
		t.Fatalf("warmup: %v", err)
	}
	s2.engine.runOneMinute(ist(9, 30, 0))
	s2.engine.dayTradeCount = 1
	s2.quotes.opts["25000_CE"] = 112
	s2.engine.tickSignals(ist(9, 30, 30))
	if s2.engine.activeCE != nil {
		t.Error("tick signal must be blocked once the cap is consumed")
	}
}

func TestTickEntryExit_FillsThenStopsOut(t *testing.T) {
	s := newSession(t)
	if err := s.engine.warmup(context.Background()); err != nil {
		t.Fatalf("warmup: %v", err)
	}
	s.engine.runOneMinute(ist(9, 30, 0))
	s.quotes.opts["25000_CE"] = 112
	s.engine.tickSignals(ist(9, 30, 30))

	// Next tick fills the single level at base, then a spike stops out.
	s.engine.tickEntryExit(ist(9, 30, 31))
	if s.engine.activeCE == nil || !s.engine.activeCE.HasPosition() {
		t.Fatal("tick entry did not fill")
	}

	s.quotes.opts["25000_CE"] = 140
	s.engine.tickEntryExit(ist(9, 30, 32))
	done := s.engine.CompletedTrades()
	if len(done) != 1 || done[0].ExitReason != trade.ExitStopLoss {
		t.Fatalf("expected one STOP_LOSS exit, got %+v", done)
	}
	// SL level: 112 * 1.20.
	assertClose(t, "SL exit price", done[0].ExitPrice, 134.4, 1e-9)
}

func TestEODCloseAll_FallsBackThroughPriceSources(t *testing.T) {
	s := newSession(t)
	if err := s.engine.warmup(context.Background()); err != nil {
		t.Fatalf("warmup: %v", err)
	}
	s.quotes.opts["25000_CE"] = 110
	s.quotes.opts["25000_PE"] = 90
	s.engine.runOneMinute(ist(9, 30, 0))

	// Quote gone at close: the last buffered bar's close is the exit price.
	delete(s.quotes.opts, "25000_CE")
	s.engine.eodCloseAll(ist(15, 0, 0))

	done := s.engine.CompletedTrades()
	if len(done) != 1 || done[0].ExitReason != trade.ExitEOD {
		t.Fatalf("expected one EOD exit, got %+v", done)
	}
	assertClose(t, "EOD fallback exit", done[0].ExitPrice, 110, 1e-9)
}

func TestEODCloseAll_DiscardsUnfilledObservation(t *testing.T) {
	s := newSession(t)
	if err := s.engine.warmup(context.Background()); err != nil {
		t.Fatalf("warmup: %v", err)
	}
	// An observation with a level far above the LTP never fills.
	s.engine.activeCE = sellTrade(100, trade.LevelSpec{PctFromBase: 50, CapitalPct: 100})

	s.engine.eodCloseAll(ist(15, 0, 0))
	if s.engine.activeCE != nil {
		t.Fatal("observation must be cleared at EOD")
	}
	if len(s.engine.CompletedTrades()) != 0 {
		t.Fatal("an unfilled observation must not be recorded as a trade")
	}
	if !s.hasEvent("observation expired") {
		t.Error("missing expiry event")
	}
}

func TestCalcRow_ExposesIndicatorAndShadowColumns(t *testing.T) {
	s := newSession(t)
	if err := s.engine.warmup(context.Background()); err != nil {
		t.Fatalf("warmup: %v", err)
	}
	s.quotes.opts["25000_CE"] = 110
	s.engine.runOneMinute(ist(9, 30, 0))

	row := s.engine.cachedRows[model.CE]
	assertClose(t, "close", row.Value("close"), 110, 1e-9)
	assertClose(t, "close_prev", row.Value("close_prev"), 100, 1e-9)
	// Warmup closes 100, 100 then the live 110 bar.
	assertClose(t, "sma2", row.Value("sma2"), 105, 1e-9)
	assertClose(t, "sma2_prev", row.Value("sma2_prev"), 100, 1e-9)
	if !math.IsNaN(row.Value("nonexistent")) {
		t.Error("unknown columns must read NaN")
	}
}

func TestExpBackoff_CapsAtMax(t *testing.T) {
	if got := expBackoff(15*time.Second, 0); got != 15*time.Second {
		t.Errorf("attempt 0: %v", got)
	}
	if got := expBackoff(15*time.Second, 2); got != 60*time.Second {
		t.Errorf("attempt 2: %v", got)
	}
	if got := expBackoff(15*time.Second, 6); got != maxBackoff {
		t.Errorf("attempt 6: %v, want cap %v", got, maxBackoff)
	}
}
