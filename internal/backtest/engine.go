// Package backtest runs a compiled strategy over a prepared dataset,
// day by day and minute by minute.
//
// CE and PE are tracked independently: one call and one put observation can
// run at the same time, but never two of the same side. Both tracks reset
// at end of day. Entries fill intra-candle against the bar's high/low at
// the exact level price; SL and TP fill exactly with no slippage, with the
// stop checked before the target when both could trigger inside one candle.
package backtest

import (
	"fmt"
	"io"
	"log/slog"
	"time"

	"optionsim/internal/dataset"
	"optionsim/internal/indicator"
	"optionsim/internal/model"
	"optionsim/internal/signal"
	"optionsim/internal/strategy"
	"optionsim/internal/trade"
)

// Config wires one backtest run.
type Config struct {
	Instrument string
	Dataset    *dataset.Dataset
	Strategy   *strategy.Compiled
	LotSize    int
	Audit      io.Writer // optional minute-by-minute audit trail
	Logger     *slog.Logger
	OnEvent    func(model.Event) // optional, called for signal/entry/exit
}

// Engine is a single-run backtest executor. Not safe for concurrent use;
// run one Engine per instrument.
type Engine struct {
	instrument string
	ds         *dataset.Dataset
	strat      *strategy.Compiled
	lotSize    int
	audit      *AuditLog
	log        *slog.Logger
	onEvent    func(model.Event)

	displayCol string
	trades     []*trade.Trade
}

func New(cfg Config) *Engine {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	e := &Engine{
		instrument: cfg.Instrument,
		ds:         cfg.Dataset,
		strat:      cfg.Strategy,
		lotSize:    cfg.LotSize,
		audit:      NewAuditLog(cfg.Audit, cfg.Instrument, cfg.Strategy),
		log:        log,
		onEvent:    cfg.OnEvent,
		displayCol: displayColumn(cfg.Strategy),
	}
	return e
}

// displayColumn picks the column shown in the per-minute ATM snapshot:
// the first configured indicator (first sub-series for multi-output).
func displayColumn(s *strategy.Compiled) string {
	if len(s.Indicators) == 0 {
		return ""
	}
	ic := s.Indicators[0]
	ind, err := indicator.New(ic.Type, ic.Name, ic.Params)
	if err != nil {
		return ic.Name
	}
	if subs := ind.Outputs(); len(subs) > 0 {
		return ic.Name + "_" + subs[0]
	}
	return ic.Name
}

// Run walks every prepared day and returns the completed trades in close
// order. The walk is deterministic: identical inputs produce identical
// trades and audit output.
func (e *Engine) Run() []*trade.Trade {
	e.log.Info("backtest start",
		"instrument", e.instrument,
		"days", len(e.ds.Days),
		"direction", string(e.strat.Direction),
		"sl_pct", e.strat.StopLossPct,
		"tp_pct", e.strat.TargetPct)

	var activeCE, activePE *trade.Trade

	for dayNum, day := range e.ds.Days {
		if (dayNum+1)%50 == 0 {
			e.log.Info("backtest progress", "day", dayNum+1, "total_days", len(e.ds.Days), "trades", len(e.trades))
		}
		e.audit.DayHeader(day.Date)
		dayTradeCount := 0

		for _, m := range day.Minutes {
			mod := minuteOf(m.TS)
			if mod < e.strat.StartMinute || mod > e.strat.EndMinute {
				continue
			}
			isExitTime := mod >= e.strat.EndMinute

			var events []string
			atm := m.ATM()

			// Signal detection runs on ATM rows only and never at the
			// exit boundary or past the daily trade cap. The cap is
			// evaluated once per minute, so CE and PE firing in the same
			// minute both open even on the last slot. It blocks new
			// observations only; fills and exits always proceed.
			dayLimitHit := e.strat.MaxTradesPerDay > 0 && dayTradeCount >= e.strat.MaxTradesPerDay
			if !isExitTime && !dayLimitHit {
				for _, row := range atm {
					fired, reason := signal.Evaluate(row, e.strat.Conditions, e.strat.Logic)
					if !fired {
						continue
					}
					opt := row.Bar.OptionType
					if opt == model.CE && activeCE == nil {
						activeCE = e.openTrade(m.TS, row)
						dayTradeCount++
						events = append(events, e.signalEvent(m.TS, activeCE, reason))
					} else if opt == model.PE && activePE == nil {
						activePE = e.openTrade(m.TS, row)
						dayTradeCount++
						events = append(events, e.signalEvent(m.TS, activePE, reason))
					}
				}
			}

			// Staggered entry fills, in level order, possibly several in
			// one candle. Never at the exit boundary.
			if !isExitTime {
				if activeCE != nil && waitingOrPartial(activeCE) {
					events = append(events, prefix("CE", e.checkEntry(activeCE, m))...)
				}
				if activePE != nil && waitingOrPartial(activePE) {
					events = append(events, prefix("PE", e.checkEntry(activePE, m))...)
				}
			}

			// Exit management: SL, then TP, then EOD.
			if activeCE != nil {
				if closed, msg := e.checkExit(activeCE, m, day, isExitTime); closed {
					events = append(events, "CE "+msg)
					activeCE = nil
				}
			}
			if activePE != nil {
				if closed, msg := e.checkExit(activePE, m, day, isExitTime); closed {
					events = append(events, "PE "+msg)
					activePE = nil
				}
			}

			e.audit.Minute(
				m.TS.Format("15:04"),
				e.atmSnapshot(atm, model.CE),
				e.atmSnapshot(atm, model.PE),
				e.trackStatus(activeCE, m),
				e.trackStatus(activePE, m),
				events,
			)
		}

		// Day-end safety net: nothing survives into the next session.
		if activeCE != nil {
			e.audit.Event("CE " + e.eodClose(activeCE, day))
			activeCE = nil
		}
		if activePE != nil {
			e.audit.Event("PE " + e.eodClose(activePE, day))
			activePE = nil
		}
	}

	e.audit.Close(len(e.trades))
	e.log.Info("backtest done", "instrument", e.instrument, "trades", len(e.trades))
	return e.trades
}

func (e *Engine) openTrade(ts time.Time, row *dataset.Row) *trade.Trade {
	return trade.New(ts, row.Bar.Close, e.instrument, row.Bar.Contract(),
		e.strat.Direction, e.strat.Levels, e.lotSize)
}

func (e *Engine) signalEvent(ts time.Time, tr *trade.Trade, reason string) string {
	levels := ""
	for _, l := range tr.Levels {
		levels += fmt.Sprintf(" L%d=%.2f", l.LevelNum, l.TargetPrice)
	}
	msg := fmt.Sprintf("%s SIGNAL: %s on %d %s | base=%.2f |%s",
		tr.Contract.OptionType, reason, tr.Contract.Strike, tr.Contract.OptionType,
		tr.BasePrice, levels)
	e.emit(model.EventSignal, tr.Contract.OptionType, ts, msg)
	return msg
}

// checkEntry fills as many consecutive levels as this candle reaches.
// Sell entries trigger on the high rising to the level, buy entries on the
// low dropping to it. Fills are at the exact level price.
func (e *Engine) checkEntry(tr *trade.Trade, m *dataset.Minute) []string {
	row, ok := m.Row(tr.Contract)
	if !ok {
		return nil
	}
	var events []string
	for lvl := tr.NextUnfilledLevel(); lvl != nil; lvl = tr.NextUnfilledLevel() {
		var hit bool
		var side string
		var reached float64
		if tr.Direction == model.DirectionSell {
			side, reached = "high", row.Bar.High
			hit = reached >= lvl.TargetPrice
		} else {
			side, reached = "low", row.Bar.Low
			hit = reached <= lvl.TargetPrice
		}
		if !hit {
			break
		}
		tr.AddEntry(lvl, m.TS, lvl.TargetPrice)
		msg := fmt.Sprintf("ENTRY Part%d: %s=%.2f vs L%d=%.2f | filled @ %.2f",
			lvl.LevelNum, side, reached, lvl.LevelNum, lvl.TargetPrice, lvl.TargetPrice)
		e.emit(model.EventEntry, tr.Contract.OptionType, m.TS, msg)
		events = append(events, msg)
	}
	return events
}

// checkExit applies SL, then TP, then the EOD boundary. When the contract
// has no candle this minute and it is exit time, the last same-day candle
// stands in; with no candle at all the trade closes flat at average entry.
func (e *Engine) checkExit(tr *trade.Trade, m *dataset.Minute, day *dataset.Day, isExitTime bool) (bool, string) {
	// A never-filled observation is not a trade; the day-end reset
	// discards it.
	if !tr.HasPosition() {
		return false, ""
	}

	row, ok := m.Row(tr.Contract)
	if !ok {
		if !isExitTime {
			return false, ""
		}
		if last, found := day.LastRowAtOrBefore(tr.Contract, m.TS); found {
			tr.Close(m.TS, last.Bar.Close, trade.ExitEOD)
			e.record(tr, m.TS)
			return true, fmt.Sprintf("EXIT EOD (no data at exit time, used last candle close=%.2f)", last.Bar.Close)
		}
		avg, _ := tr.AvgEntryPrice()
		tr.Close(m.TS, avg, trade.ExitEOD)
		e.record(tr, m.TS)
		return true, fmt.Sprintf("EXIT EOD (no data, closed flat at avg_entry=%.2f)", avg)
	}

	avg, ok := tr.AvgEntryPrice()
	if !ok {
		return false, ""
	}

	var reason string
	var exitPrice float64
	var msg string

	if tr.Direction == model.DirectionSell {
		sl := avg * (1 + e.strat.StopLossPct/100)
		tp := avg * (1 - e.strat.TargetPct/100)
		if row.Bar.High >= sl {
			reason, exitPrice = trade.ExitStopLoss, sl
			msg = fmt.Sprintf("EXIT STOP_LOSS: high=%.2f >= SL=%.2f | avg=%.2f | exit @ %.2f | pnl=-%v%%",
				row.Bar.High, sl, avg, sl, e.strat.StopLossPct)
		} else if row.Bar.Low <= tp {
			reason, exitPrice = trade.ExitTarget, tp
			msg = fmt.Sprintf("EXIT TARGET: low=%.2f <= TP=%.2f | avg=%.2f | exit @ %.2f | pnl=+%v%%",
				row.Bar.Low, tp, avg, tp, e.strat.TargetPct)
		}
	} else {
		sl := avg * (1 - e.strat.StopLossPct/100)
		tp := avg * (1 + e.strat.TargetPct/100)
		if row.Bar.Low <= sl {
			reason, exitPrice = trade.ExitStopLoss, sl
			msg = fmt.Sprintf("EXIT STOP_LOSS: low=%.2f <= SL=%.2f | avg=%.2f | exit @ %.2f | pnl=-%v%%",
				row.Bar.Low, sl, avg, sl, e.strat.StopLossPct)
		} else if row.Bar.High >= tp {
			reason, exitPrice = trade.ExitTarget, tp
			msg = fmt.Sprintf("EXIT TARGET: high=%.2f >= TP=%.2f | avg=%.2f | exit @ %.2f | pnl=+%v%%",
				row.Bar.High, tp, avg, tp, e.strat.TargetPct)
		}
	}

	if reason == "" && isExitTime {
		reason, exitPrice = trade.ExitEOD, row.Bar.Close
		pnl := avg - exitPrice
		if tr.Direction == model.DirectionBuy {
			pnl = exitPrice - avg
		}
		msg = fmt.Sprintf("EXIT EOD: close=%.2f | avg=%.2f | pnl=%+.2f%%",
			row.Bar.Close, avg, pnl/avg*100)
	}

	if reason == "" {
		return false, ""
	}
	tr.Close(m.TS, exitPrice, reason)
	e.record(tr, m.TS)
	return true, msg
}

// eodClose is the day-end safety net for a track that reached the end of
// the day's data without hitting the exit minute.
func (e *Engine) eodClose(tr *trade.Trade, day *dataset.Day) string {
	if !tr.HasPosition() {
		return "EOD: observation expired (no entry taken)"
	}
	boundary := dayBoundary(day, e.strat.EndMinute)
	if last, found := day.LastRowAtOrBefore(tr.Contract, boundary); found {
		tr.Close(last.Bar.TS, last.Bar.Close, trade.ExitEOD)
		e.record(tr, last.Bar.TS)
		return fmt.Sprintf("EXIT EOD (safety net): close=%.2f | pnl=%+.2f%%", last.Bar.Close, tr.PnLPct)
	}
	avg, _ := tr.AvgEntryPrice()
	tr.Close(boundary, avg, trade.ExitEOD)
	e.record(tr, boundary)
	return "EXIT EOD (safety net, no data, closed flat)"
}

func (e *Engine) record(tr *trade.Trade, ts time.Time) {
	e.trades = append(e.trades, tr)
	e.emit(model.EventExit, tr.Contract.OptionType, ts,
		fmt.Sprintf("%s closed %s @ %.2f pnl=%.2f (%.2f%%)",
			tr.Contract.String(), tr.ExitReason, tr.ExitPrice, tr.MoneyPnL(), tr.PnLPct))
}

func (e *Engine) emit(kind model.EventKind, opt model.OptionType, ts time.Time, msg string) {
	if e.onEvent != nil {
		e.onEvent(model.Event{Time: ts, Kind: kind, OptionType: opt, Message: msg})
	}
}

// atmSnapshot formats the ATM strike and display indicator for one side.
func (e *Engine) atmSnapshot(atm []*dataset.Row, opt model.OptionType) string {
	for _, r := range atm {
		if r.Bar.OptionType != opt {
			continue
		}
		val := "--"
		if e.displayCol != "" {
			if v := r.Value(e.displayCol); v == v { // not NaN
				val = fmt.Sprintf("%.2f", v)
			}
		}
		return fmt.Sprintf("%d %s=%s", r.Bar.Strike, displayName(e.displayCol), val)
	}
	return fmt.Sprintf("-- %s=--", displayName(e.displayCol))
}

func displayName(col string) string {
	if col == "" {
		return "ind"
	}
	return col
}

func (e *Engine) trackStatus(tr *trade.Trade, m *dataset.Minute) string {
	if tr == nil {
		return "idle"
	}
	priceStr := "no data"
	if row, ok := m.Row(tr.Contract); ok {
		priceStr = fmt.Sprintf("close=%.2f high=%.2f low=%.2f", row.Bar.Close, row.Bar.High, row.Bar.Low)
	}

	switch tr.Status {
	case trade.StatusWaitingEntry:
		lvlStr := ""
		if lvl := tr.NextUnfilledLevel(); lvl != nil {
			lvlStr = fmt.Sprintf("L%d=%.2f", lvl.LevelNum, lvl.TargetPrice)
		}
		return fmt.Sprintf("observing %d %s | %s | waiting %s",
			tr.Contract.Strike, tr.Contract.OptionType, priceStr, lvlStr)
	case trade.StatusPartial, trade.StatusFull:
		avg, _ := tr.AvgEntryPrice()
		var sl, tp float64
		if tr.Direction == model.DirectionSell {
			sl, tp = avg*(1+e.strat.StopLossPct/100), avg*(1-e.strat.TargetPct/100)
		} else {
			sl, tp = avg*(1-e.strat.StopLossPct/100), avg*(1+e.strat.TargetPct/100)
		}
		return fmt.Sprintf("in position %d %s (%d/%d) | %s | avg=%.2f SL=%.2f TP=%.2f",
			tr.Contract.Strike, tr.Contract.OptionType, len(tr.Parts), tr.NumLevels(),
			priceStr, avg, sl, tp)
	}
	return string(tr.Status)
}

func waitingOrPartial(tr *trade.Trade) bool {
	return tr.Status == trade.StatusWaitingEntry || tr.Status == trade.StatusPartial
}

// prefix tags each event message with its option side.
func prefix(side string, msgs []string) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, side+" "+m)
	}
	return out
}

func minuteOf(ts time.Time) int { return ts.Hour()*60 + ts.Minute() }

// dayBoundary builds the exit-minute timestamp on this day's calendar date.
func dayBoundary(day *dataset.Day, endMinute int) time.Time {
	if len(day.Minutes) == 0 {
		return time.Time{}
	}
	first := day.Minutes[0].TS
	return time.Date(first.Year(), first.Month(), first.Day(),
		endMinute/60, endMinute%60, 0, 0, first.Location())
}
