// Package forward re-runs the same decision rules as the backtest against
// live prices: a full indicator-and-signal cycle at each minute boundary,
// plus a 1-second tick path that re-checks conditions with the latest LTP
// overlaid on the last computed indicator snapshot. Indicators are never
// recomputed between minute boundaries; only the price inputs change.
package forward

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"optionsim/internal/indicator"
	"optionsim/internal/metrics"
	"optionsim/internal/model"
	"optionsim/internal/signal"
	"optionsim/internal/strategy"
	"optionsim/internal/trade"
)

const (
	maxWarmupAttempts    = 5
	warmupBaseBackoff    = 15 * time.Second
	maxConsecutiveErrors = 10
	errorBaseBackoff     = 10 * time.Second
	maxBackoff           = 120 * time.Second
	tickInterval         = time.Second

	// warmupLookbackDays is generous enough to cover any weekly
	// contract's first trading day.
	warmupLookbackDays = 14
)

// Resubscriber lets the engine tell the market data feed to cover a new
// ATM strike after a shift.
type Resubscriber interface {
	EnsureSubscribed(strike int) error
}

// Config wires one forward session.
type Config struct {
	Instrument string
	Strategy   *strategy.Compiled
	LotSize    int
	StrikeStep int // strike rounding step for ATM selection

	Quotes  model.QuoteSource
	Candles model.CandleSource // optional, nil = LTP-only bars
	History model.HistoricalSource
	Feed    Resubscriber // optional

	WarmupStrikeRange int // strikes above/below ATM to pre-fill, default 10

	Logger  *slog.Logger
	OnEvent func(model.Event)
	Metrics *metrics.Metrics
	Clock   func() time.Time // injectable for tests, default time.Now in IST
}

// Engine runs one instrument's forward session. All methods execute on the
// Run goroutine; only Snapshot is safe to call concurrently.
type Engine struct {
	cfg   Config
	strat *strategy.Compiled
	log   *slog.Logger
	clock func() time.Time

	buffer     *PriceBuffer
	indicators []indicator.Indicator

	cachedRows  map[model.OptionType]rowMap
	prevTickLTP map[model.OptionType]float64
	prevEntry   map[model.OptionType]float64

	atmStrike     int
	expiry        string
	currentDate   string
	dayTradeCount int

	activeCE, activePE *trade.Trade
	completed          []*trade.Trade

	snapMu sync.Mutex
	snap   Snapshot
}

// Snapshot is a point-in-time session summary, safe to read from other
// goroutines (status publishing, health endpoints).
type Snapshot struct {
	ATMStrike int
	Expiry    string
	DayTrades int
	TotalPnL  float64
}

// Snapshot returns the state as of the last completed minute cycle.
func (e *Engine) Snapshot() Snapshot {
	e.snapMu.Lock()
	defer e.snapMu.Unlock()
	return e.snap
}

func (e *Engine) updateSnapshot() {
	var pnl float64
	for _, t := range e.completed {
		pnl += t.MoneyPnL()
	}
	e.snapMu.Lock()
	e.snap = Snapshot{
		ATMStrike: e.atmStrike,
		Expiry:    e.expiry,
		DayTrades: e.dayTradeCount,
		TotalPnL:  pnl,
	}
	e.snapMu.Unlock()
}

// rowMap backs signal.Row with the live indicator snapshot.
type rowMap map[string]float64

func (r rowMap) Value(name string) float64 {
	if v, ok := r[name]; ok {
		return v
	}
	return math.NaN()
}

var istZone = time.FixedZone("IST", 5*3600+30*60)

func New(cfg Config) (*Engine, error) {
	if cfg.Quotes == nil || cfg.History == nil {
		return nil, fmt.Errorf("forward engine needs quote and history sources")
	}
	if cfg.StrikeStep <= 0 {
		return nil, fmt.Errorf("strike step must be positive")
	}
	if cfg.WarmupStrikeRange <= 0 {
		cfg.WarmupStrikeRange = 10
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = func() time.Time { return time.Now().In(istZone) }
	}

	e := &Engine{
		cfg:         cfg,
		strat:       cfg.Strategy,
		log:         cfg.Logger,
		clock:       cfg.Clock,
		buffer:      NewPriceBuffer(),
		cachedRows:  make(map[model.OptionType]rowMap),
		prevTickLTP: make(map[model.OptionType]float64),
		prevEntry:   make(map[model.OptionType]float64),
	}
	for _, ic := range cfg.Strategy.Indicators {
		ind, err := indicator.New(ic.Type, ic.Name, ic.Params)
		if err != nil {
			return nil, err
		}
		e.indicators = append(e.indicators, ind)
	}
	return e, nil
}

// CompletedTrades returns every trade closed so far this session.
func (e *Engine) CompletedTrades() []*trade.Trade { return e.completed }

func (e *Engine) emit(kind model.EventKind, opt model.OptionType, ts time.Time, msg string) {
	if e.cfg.OnEvent != nil {
		e.cfg.OnEvent(model.Event{Time: ts, Kind: kind, OptionType: opt, Message: msg})
	}
}

func (e *Engine) info(ts time.Time, msg string)  { e.emit(model.EventInfo, "", ts, msg) }
func (e *Engine) errEv(ts time.Time, msg string) { e.emit(model.EventError, "", ts, msg) }

func (e *Engine) nearestStrike(spot float64) int {
	step := float64(e.cfg.StrikeStep)
	return int(math.Round(spot/step) * step)
}

// Run drives the session: warmup with bounded retries, then a 1-second
// loop with a full cycle at each minute boundary and tick checks in
// between. Returns once the trading window ends, the context is
// cancelled, or the error budget is exhausted.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.warmupWithRetry(ctx); err != nil {
		return err
	}

	consecutiveErrors := 0
	lastMinuteRun := -1

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		now := e.clock()
		if minuteOf(now) > e.strat.EndMinute {
			e.eodCloseAll(now)
			e.info(now, "Market closed. Loop ended.")
			return nil
		}

		if mod := minuteOf(now); mod != lastMinuteRun {
			lastMinuteRun = mod
			started := time.Now()
			hadError := e.runOneMinute(now)
			e.cfg.Metrics.ObserveMinuteCycle(time.Since(started))

			if hadError {
				consecutiveErrors++
				e.cfg.Metrics.IncFetchError()
			} else {
				consecutiveErrors = 0
			}
			if consecutiveErrors >= maxConsecutiveErrors {
				e.errEv(now, fmt.Sprintf(
					"Stopping: %d consecutive data errors. Check feed credentials and status.",
					maxConsecutiveErrors))
				return fmt.Errorf("aborting after %d consecutive data errors", maxConsecutiveErrors)
			}
			if consecutiveErrors > 0 {
				backoff := expBackoff(errorBaseBackoff, consecutiveErrors-1)
				e.info(now, fmt.Sprintf("Data error #%d. Backing off %s before retry.", consecutiveErrors, backoff))
				if !sleep(ctx, backoff) {
					return ctx.Err()
				}
				continue
			}
		}

		e.tickSignals(now)
		if e.strat.EntryIndicator != "" {
			e.tickIndicatorEntry(now)
		}
		e.tickEntryExit(now)
		e.cfg.Metrics.IncTick()

		if !sleep(ctx, tickInterval) {
			return ctx.Err()
		}
	}
}

func (e *Engine) warmupWithRetry(ctx context.Context) error {
	for attempt := 1; attempt <= maxWarmupAttempts; attempt++ {
		err := e.warmup(ctx)
		if err == nil {
			return nil
		}
		backoff := expBackoff(warmupBaseBackoff, attempt-1)
		e.log.Error("warmup attempt failed", "attempt", attempt, "err", err, "backoff", backoff)
		e.errEv(e.clock(), fmt.Sprintf("Warmup attempt %d/%d failed: %v. Retrying in %s.",
			attempt, maxWarmupAttempts, err, backoff))
		if attempt < maxWarmupAttempts && !sleep(ctx, backoff) {
			return ctx.Err()
		}
	}
	e.errEv(e.clock(), fmt.Sprintf("Warmup failed after %d attempts. Aborting.", maxWarmupAttempts))
	return fmt.Errorf("warmup failed after %d attempts", maxWarmupAttempts)
}

// runOneMinute executes one full cycle: fetch prices, extend buffers,
// recompute indicator rows, then run signal, entry and exit checks per
// side. Returns true when live data could not be fetched.
func (e *Engine) runOneMinute(now time.Time) bool {
	mod := minuteOf(now)
	if mod < e.strat.StartMinute || mod > e.strat.EndMinute {
		return false
	}
	isExitTime := mod >= e.strat.EndMinute

	spot, ok := e.cfg.Quotes.SpotPrice()
	if !ok {
		e.errEv(now, fmt.Sprintf("Failed to fetch spot price for %s", e.cfg.Instrument))
		return true
	}
	atm := e.nearestStrike(spot)
	e.atmStrike = atm

	// New day or first run: refresh the nearest weekly expiry and reset
	// the daily trade count.
	today := now.Format("2006-01-02")
	if e.expiry == "" || e.currentDate != today {
		expiry, err := e.cfg.History.WeeklyExpiry(e.cfg.Instrument, now)
		if err != nil {
			e.errEv(now, fmt.Sprintf("Failed to resolve weekly expiry: %v", err))
			return true
		}
		e.expiry = expiry
		e.currentDate = today
		e.dayTradeCount = 0
		e.log.Info("session day", "instrument", e.cfg.Instrument, "expiry", expiry, "date", today)
	}
	if e.buffer.SetExpiry(e.expiry) {
		e.info(now, fmt.Sprintf("Expiry changed to %s. All option buffers reset.", e.expiry))
	}

	e.buffer.AddSpot(now, spot)

	ltps := make(map[model.OptionType]float64)
	for _, opt := range []model.OptionType{model.CE, model.PE} {
		ltp, ok := e.cfg.Quotes.OptionPrice(atm, opt)
		if !ok {
			continue
		}
		ltps[opt] = ltp

		// Prefer the completed candle's real OHLC; its close is the true
		// last tick of the previous minute. Fall back to a flat LTP bar.
		bar := bufferBar{Open: ltp, High: ltp, Low: ltp, Close: ltp}
		if e.cfg.Candles != nil {
			if c, ok := e.cfg.Candles.CompletedCandle(atm, opt); ok {
				bar = bufferBar{Open: c.Open, High: c.High, Low: c.Low, Close: c.Close}
			}
		}
		if prevKey, shifted := e.buffer.AddOption(now, atm, opt, bar); shifted {
			e.info(now, fmt.Sprintf("ATM shift: %s -> %s | spot=%.2f",
				prevKey, contractKey(atm, opt), spot))
			if e.cfg.Feed != nil {
				if err := e.cfg.Feed.EnsureSubscribed(atm); err != nil {
					e.log.Warn("feed resubscribe failed", "strike", atm, "err", err)
				}
			}
		}
	}
	if len(ltps) == 0 {
		e.errEv(now, fmt.Sprintf("No ATM option prices for %s strike %d", e.cfg.Instrument, atm))
		return true
	}

	// Recompute the indicator snapshot. Tick checks reuse these cached
	// rows until the next boundary.
	for opt := range ltps {
		e.cachedRows[opt] = e.calcRow(opt)
	}

	for _, opt := range []model.OptionType{model.CE, model.PE} {
		atmLTP, ok := ltps[opt]
		if !ok {
			continue
		}
		row := e.cachedRows[opt]
		active := e.active(opt)
		tradeLTP := e.tradeLTP(active, atm, atmLTP, opt)

		// Signal detection.
		capHit := e.strat.MaxTradesPerDay > 0 && e.dayTradeCount >= e.strat.MaxTradesPerDay
		if !isExitTime && active == nil && !capHit && row != nil {
			if fired, reason := signal.Evaluate(row, e.strat.Conditions, e.strat.Logic); fired {
				active = e.openTrade(now, atm, opt, atmLTP, row, reason, "")
				tradeLTP = atmLTP
			}
		}

		// Entry checks.
		if !isExitTime && active != nil && waitingOrPartial(active) {
			var msgs []string
			if e.strat.EntryIndicator != "" {
				if indVal, defined := definedValue(row, e.strat.EntryIndicator); defined {
					prev, ok := e.prevEntry[opt]
					if !ok {
						prev = tradeLTP
					}
					msgs = checkIndicatorEntry(active, prev, tradeLTP, indVal, now)
				}
				e.prevEntry[opt] = tradeLTP
			} else {
				msgs = checkStaggeredEntry(active, tradeLTP, now)
			}
			for _, m := range msgs {
				e.emit(model.EventEntry, opt, now, fmt.Sprintf("%s %s", opt, m))
			}
		}

		// Exit check.
		if active != nil {
			if closed, msg := checkExit(active, tradeLTP, now, isExitTime, e.strat.StopLossPct, e.strat.TargetPct); closed {
				e.closeOut(active, opt, now, msg, "")
			}
		}
	}

	e.info(now, e.statusLine(now, spot, atm, ltps))
	e.updateSnapshot()
	return false
}

func (e *Engine) active(opt model.OptionType) *trade.Trade {
	if opt == model.CE {
		return e.activeCE
	}
	return e.activePE
}

func (e *Engine) setActive(opt model.OptionType, tr *trade.Trade) {
	if opt == model.CE {
		e.activeCE = tr
	} else {
		e.activePE = tr
	}
}

// openTrade creates the observation and emits the signal event. tag is
// "[TICK] " for the tick path, "" for the minute cycle.
func (e *Engine) openTrade(now time.Time, strike int, opt model.OptionType, base float64, row rowMap, reason, tag string) *trade.Trade {
	tr := trade.New(now, base, e.cfg.Instrument, model.ContractKey{
		Strike: strike, OptionType: opt, ExpiryType: model.ExpiryWeek, ExpiryCode: 1,
	}, e.strat.Direction, e.strat.Levels, e.cfg.LotSize)
	tr.ExpiryDate = e.expiry
	e.setActive(opt, tr)
	e.dayTradeCount++
	e.cfg.Metrics.IncSignal(string(opt))

	entryInfo := ""
	if e.strat.EntryIndicator != "" {
		if v, defined := definedValue(row, e.strat.EntryIndicator); defined {
			entryInfo = fmt.Sprintf("entry_indicator=%s(%.2f)", e.strat.EntryIndicator, v)
		} else {
			entryInfo = fmt.Sprintf("entry_indicator=%s(NaN)", e.strat.EntryIndicator)
		}
	} else {
		for _, lvl := range tr.Levels {
			entryInfo += fmt.Sprintf(" L%d=%.2f", lvl.LevelNum, lvl.TargetPrice)
		}
	}
	slRef, tpRef := referenceLevels(base, e.strat.Direction, e.strat.StopLossPct, e.strat.TargetPct)
	e.emit(model.EventSignal, opt, now, fmt.Sprintf(
		"%s%s SIGNAL: %s | %d %s | base=%.2f | %s | SL~%.2f TP~%.2f",
		tag, opt, reason, strike, opt, base, entryInfo, slRef, tpRef))
	return tr
}

func (e *Engine) closeOut(tr *trade.Trade, opt model.OptionType, now time.Time, msg, tag string) {
	e.completed = append(e.completed, tr)
	e.setActive(opt, nil)
	e.cfg.Metrics.IncTradeClosed(tr.ExitReason)
	e.emit(model.EventExit, opt, now, fmt.Sprintf("%s%s %s", tag, opt, msg))
}

// tradeLTP resolves the LTP for a trade's own contract: the ATM quote when
// the strikes match, otherwise a direct quote for the trade's strike.
func (e *Engine) tradeLTP(tr *trade.Trade, atm int, atmLTP float64, opt model.OptionType) float64 {
	if tr == nil || tr.Contract.Strike == atm {
		return atmLTP
	}
	if ltp, ok := e.cfg.Quotes.OptionPrice(tr.Contract.Strike, opt); ok {
		return ltp
	}
	return atmLTP
}

// calcRow recomputes every indicator over the current buffers and returns
// the snapshot row used for signal checks.
func (e *Engine) calcRow(opt model.OptionType) rowMap {
	row := rowMap{}
	latest, ok := e.buffer.Bar(opt, -1)
	if !ok {
		return row
	}
	prev, hasPrev := e.buffer.Bar(opt, -2)
	if !hasPrev {
		prev = latest
	}
	row["close"], row["close_prev"] = latest.Close, prev.Close
	row["high"], row["high_prev"] = latest.High, prev.High
	row["low"], row["low_prev"] = latest.Low, prev.Low
	row["open"], row["open_prev"] = latest.Open, prev.Open

	spotCloses := e.buffer.SpotCloses()
	optCloses, optHighs, optLows := e.buffer.OptionSeries(opt)

	for i, ind := range e.indicators {
		cfgSrc := e.strat.Indicators[i].Source
		in := indicator.Input{Close: optCloses, High: optHighs, Low: optLows}
		if cfgSrc == strategy.SourceSpot {
			in = indicator.Input{Close: spotCloses}
		}
		if len(in.Close) < 2 {
			continue
		}
		for sub, series := range ind.Compute(in) {
			col := ind.Name()
			if sub != "" {
				col = col + "_" + sub
			}
			row[col] = series[len(series)-1]
			if len(series) > 1 {
				row[col+"_prev"] = series[len(series)-2]
			}
		}
	}
	return row
}

// tickSignals re-checks signal conditions between minute boundaries with
// the live LTP overlaid on the cached indicator snapshot. Price fields
// collapse to the instantaneous LTP; shadows use the previous tick's LTP.
func (e *Engine) tickSignals(now time.Time) {
	mod := minuteOf(now)
	if mod < e.strat.StartMinute || mod >= e.strat.EndMinute || e.atmStrike == 0 {
		return
	}
	// The cap is evaluated once per tick, before either side is checked:
	// CE and PE firing on the same tick both open even on the last slot.
	if e.strat.MaxTradesPerDay > 0 && e.dayTradeCount >= e.strat.MaxTradesPerDay {
		return
	}
	for _, opt := range []model.OptionType{model.CE, model.PE} {
		if e.active(opt) != nil {
			continue
		}
		cached := e.cachedRows[opt]
		if len(cached) == 0 {
			continue
		}
		ltp, ok := e.cfg.Quotes.OptionPrice(e.atmStrike, opt)
		if !ok {
			continue
		}
		prevLTP, had := e.prevTickLTP[opt]
		if !had {
			prevLTP = ltp
		}
		e.prevTickLTP[opt] = ltp

		row := make(rowMap, len(cached)+8)
		for k, v := range cached {
			row[k] = v
		}
		for _, f := range []string{"close", "high", "low", "open"} {
			row[f] = ltp
			row[f+"_prev"] = prevLTP
		}

		if fired, reason := signal.Evaluate(row, e.strat.Conditions, e.strat.Logic); fired {
			e.openTrade(now, e.atmStrike, opt, ltp, cached, reason, "[TICK] ")
		}
	}
}

// tickIndicatorEntry checks, per tick, whether the live price crossed
// through the cached entry-indicator level.
func (e *Engine) tickIndicatorEntry(now time.Time) {
	if minuteOf(now) >= e.strat.EndMinute {
		return
	}
	for _, opt := range []model.OptionType{model.CE, model.PE} {
		active := e.active(opt)
		if active == nil || active.Status != trade.StatusWaitingEntry {
			continue
		}
		ltp, ok := e.cfg.Quotes.OptionPrice(active.Contract.Strike, opt)
		if !ok {
			continue
		}
		indVal, defined := definedValue(e.cachedRows[opt], e.strat.EntryIndicator)
		if !defined {
			e.prevEntry[opt] = ltp
			continue
		}
		prev, had := e.prevEntry[opt]
		if !had {
			prev = ltp
		}
		msgs := checkIndicatorEntry(active, prev, ltp, indVal, now)
		e.prevEntry[opt] = ltp
		for _, m := range msgs {
			e.emit(model.EventEntry, opt, now, fmt.Sprintf("[TICK] %s %s", opt, m))
		}
	}
}

// tickEntryExit runs staggered entry and SL/TP checks on the live LTP.
// EOD is never decided here; the minute cycle owns the boundary.
func (e *Engine) tickEntryExit(now time.Time) {
	for _, opt := range []model.OptionType{model.CE, model.PE} {
		active := e.active(opt)
		if active == nil {
			continue
		}
		ltp, ok := e.cfg.Quotes.OptionPrice(active.Contract.Strike, opt)
		if !ok {
			continue
		}
		if e.strat.EntryIndicator == "" && waitingOrPartial(active) && minuteOf(now) < e.strat.EndMinute {
			for _, m := range checkStaggeredEntry(active, ltp, now) {
				e.emit(model.EventEntry, opt, now, fmt.Sprintf("[TICK] %s %s", opt, m))
			}
		}
		if active.HasPosition() {
			if closed, msg := checkExit(active, ltp, now, false, e.strat.StopLossPct, e.strat.TargetPct); closed {
				e.closeOut(active, opt, now, msg, "[TICK] ")
			}
		}
	}
}

// eodCloseAll force-closes any open position at the session boundary and
// discards unfilled observations.
func (e *Engine) eodCloseAll(now time.Time) {
	for _, opt := range []model.OptionType{model.CE, model.PE} {
		active := e.active(opt)
		if active == nil {
			continue
		}
		if !active.HasPosition() {
			e.emit(model.EventInfo, opt, now, fmt.Sprintf("%s EOD: observation expired (no entry)", opt))
			e.setActive(opt, nil)
			continue
		}
		ltp, ok := e.cfg.Quotes.OptionPrice(active.Contract.Strike, opt)
		if !ok {
			if bar, has := e.buffer.Bar(opt, -1); has {
				ltp = bar.Close
			} else {
				ltp = active.BasePrice
			}
		}
		active.Close(now, ltp, trade.ExitEOD)
		e.closeOut(active, opt, now, fmt.Sprintf("EXIT EOD (safety net): LTP=%.2f | pnl=%+.2f%%", ltp, active.PnLPct), "")
	}
}

// warmup pre-fills the buffers: multi-day bars for ATM plus/minus the
// strike range on both sides, and the underlying. Only a missing spot
// price or expiry is fatal; individual contract fetch failures are
// tolerated and counted.
func (e *Engine) warmup(ctx context.Context) error {
	now := e.clock()
	from := now.AddDate(0, 0, -warmupLookbackDays)

	spot, ok := e.cfg.Quotes.SpotPrice()
	if !ok {
		return fmt.Errorf("could not fetch spot price for %s", e.cfg.Instrument)
	}
	atm := e.nearestStrike(spot)
	e.atmStrike = atm

	expiry, err := e.cfg.History.WeeklyExpiry(e.cfg.Instrument, now)
	if err != nil {
		return fmt.Errorf("resolve weekly expiry: %w", err)
	}
	e.expiry = expiry
	e.currentDate = now.Format("2006-01-02")
	e.buffer.SetExpiry(expiry)

	step := e.cfg.StrikeStep
	lo := atm - e.cfg.WarmupStrikeRange*step
	hi := atm + e.cfg.WarmupStrikeRange*step
	e.info(now, fmt.Sprintf(
		"Warmup: spot=%.2f ATM=%d expiry=%s | warming strikes %d to %d (step=%d) | lookback=%s",
		spot, atm, expiry, lo, hi, step, from.Format("2006-01-02")))

	totalBars, failed := 0, 0
	for strike := lo; strike <= hi; strike += step {
		for _, opt := range []model.OptionType{model.CE, model.PE} {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			bars, err := e.cfg.History.OptionBars(e.cfg.Instrument, strike, opt, from, now)
			if err != nil {
				failed++
				e.log.Warn("warmup fetch failed", "strike", strike, "opt", string(opt), "err", err)
				continue
			}
			for _, b := range bars {
				e.buffer.FillOption(b.TS, strike, opt, bufferBar{
					Open: b.Open, High: b.High, Low: b.Low, Close: b.Close,
				})
			}
			totalBars += len(bars)
		}
	}
	e.buffer.SetCurrentStrike(atm, model.CE)
	e.buffer.SetCurrentStrike(atm, model.PE)
	e.cfg.Metrics.SetWarmupBars(totalBars)

	spotBars, err := e.cfg.History.SpotBars(e.cfg.Instrument, from, now)
	if err != nil {
		e.log.Warn("warmup spot fetch failed, spot indicators will warm up live", "err", err)
	}
	for _, b := range spotBars {
		e.buffer.AddSpot(b.TS, b.Close)
	}

	summary := fmt.Sprintf(
		"Warmup done: %d option bars, spot=%d bars | ATM CE=%d bars, PE=%d bars",
		totalBars, len(spotBars), e.buffer.BarCount(model.CE), e.buffer.BarCount(model.PE))
	if failed > 0 {
		summary += fmt.Sprintf(" | %d fetches failed", failed)
	}
	e.info(now, summary)
	e.log.Info("warmup complete", "instrument", e.cfg.Instrument, "option_bars", totalBars, "failed", failed)
	return nil
}

func (e *Engine) statusLine(now time.Time, spot float64, atm int, ltps map[model.OptionType]float64) string {
	fmtLTP := func(opt model.OptionType) string {
		if v, ok := ltps[opt]; ok {
			return fmt.Sprintf("%.2f", v)
		}
		return "--"
	}
	return fmt.Sprintf("[%s] spot=%.2f ATM=%d CE=%s PE=%s | CE: %s | PE: %s",
		now.Format("15:04"), spot, atm, fmtLTP(model.CE), fmtLTP(model.PE),
		e.trackStatus(model.CE, ltps), e.trackStatus(model.PE, ltps))
}

func (e *Engine) trackStatus(opt model.OptionType, ltps map[model.OptionType]float64) string {
	tr := e.active(opt)
	if tr == nil {
		return "idle"
	}
	ltpStr := "--"
	if v, ok := ltps[opt]; ok {
		ltpStr = fmt.Sprintf("%.2f", v)
	}
	switch tr.Status {
	case trade.StatusWaitingEntry:
		lvlStr := "waiting"
		if e.strat.EntryIndicator != "" {
			if v, defined := definedValue(e.cachedRows[opt], e.strat.EntryIndicator); defined {
				lvlStr = fmt.Sprintf("waiting limit=%.2f", v)
			} else {
				lvlStr = "waiting limit=NaN"
			}
		} else if lvl := tr.NextUnfilledLevel(); lvl != nil {
			lvlStr = fmt.Sprintf("waiting L%d=%.2f", lvl.LevelNum, lvl.TargetPrice)
		}
		return fmt.Sprintf("observing %d %s | close=%s | %s", tr.Contract.Strike, opt, ltpStr, lvlStr)
	case trade.StatusPartial, trade.StatusFull:
		avg, _ := tr.AvgEntryPrice()
		sl, tp := referenceLevels(avg, tr.Direction, e.strat.StopLossPct, e.strat.TargetPct)
		return fmt.Sprintf("in position %d %s (%d/%d) | close=%s | avg=%.2f SL=%.2f TP=%.2f",
			tr.Contract.Strike, opt, len(tr.Parts), tr.NumLevels(), ltpStr, avg, sl, tp)
	}
	return "idle"
}

func referenceLevels(base float64, dir model.Direction, slPct, tpPct float64) (sl, tp float64) {
	if dir == model.DirectionSell {
		return base * (1 + slPct/100), base * (1 - tpPct/100)
	}
	return base * (1 - slPct/100), base * (1 + tpPct/100)
}

func definedValue(row rowMap, col string) (float64, bool) {
	v := row.Value(col)
	return v, !math.IsNaN(v)
}

func waitingOrPartial(tr *trade.Trade) bool {
	return tr.Status == trade.StatusWaitingEntry || tr.Status == trade.StatusPartial
}

func minuteOf(ts time.Time) int { return ts.Hour()*60 + ts.Minute() }

func expBackoff(base time.Duration, n int) time.Duration {
	d := base
	for i := 0; i < n; i++ {
		d *= 2
		if d >= maxBackoff {
			return maxBackoff
		}
	}
	if d > maxBackoff {
		return maxBackoff
	}
	return d
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
