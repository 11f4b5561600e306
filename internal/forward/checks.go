package forward

import (
	"fmt"
	"time"

	"optionsim/internal/model"
	"optionsim/internal/trade"
)

// Shared trade-level checks, driven by instantaneous LTP instead of a
// completed candle. Both the minute cycle and the 1-second tick path call
// these, so entries and exits behave identically on either cadence.

// checkStaggeredEntry fills every consecutive level the current LTP has
// reached. Fills are at the exact level price.
func checkStaggeredEntry(tr *trade.Trade, ltp float64, t time.Time) []string {
	var events []string
	for lvl := tr.NextUnfilledLevel(); lvl != nil; lvl = tr.NextUnfilledLevel() {
		hit := ltp >= lvl.TargetPrice
		op := ">="
		if tr.Direction == model.DirectionBuy {
			hit = ltp <= lvl.TargetPrice
			op = "<="
		}
		if !hit {
			break
		}
		tr.AddEntry(lvl, t, lvl.TargetPrice)
		events = append(events, fmt.Sprintf("ENTRY Part%d: LTP=%.2f %s L%d=%.2f",
			lvl.LevelNum, ltp, op, lvl.LevelNum, lvl.TargetPrice))
	}
	return events
}

// checkIndicatorEntry treats the indicator value as a moving limit price:
// if it lies between two consecutive LTP samples, the price passed through
// it, and the next level fills at the indicator value.
func checkIndicatorEntry(tr *trade.Trade, prevLTP, currLTP, indicatorValue float64, t time.Time) []string {
	if tr.Status != trade.StatusWaitingEntry {
		return nil
	}
	lo, hi := prevLTP, currLTP
	if lo > hi {
		lo, hi = hi, lo
	}
	if indicatorValue < lo || indicatorValue > hi {
		return nil
	}
	tr.UpdateEntryTarget(indicatorValue)
	lvl := tr.NextUnfilledLevel()
	if lvl == nil {
		return nil
	}
	tr.AddEntry(lvl, t, indicatorValue)
	return []string{fmt.Sprintf(
		"ENTRY (indicator level): LTP %.2f->%.2f crossed indicator=%.2f | filled @ %.2f",
		prevLTP, currLTP, indicatorValue, indicatorValue)}
}

// checkExit applies SL, then TP, then the EOD boundary against the LTP.
// SL and TP fill exactly at their computed levels; EOD fills at the LTP.
func checkExit(tr *trade.Trade, ltp float64, t time.Time, isExitTime bool, stopLossPct, targetPct float64) (bool, string) {
	if !tr.HasPosition() {
		return false, ""
	}
	avg, ok := tr.AvgEntryPrice()
	if !ok {
		return false, ""
	}

	var reason string
	var exitPrice float64
	var msg string

	if tr.Direction == model.DirectionSell {
		sl := avg * (1 + stopLossPct/100)
		tp := avg * (1 - targetPct/100)
		if ltp >= sl {
			reason, exitPrice = trade.ExitStopLoss, sl
			msg = fmt.Sprintf("EXIT SL: LTP=%.2f >= SL=%.2f | avg=%.2f | pnl=-%.2f%%", ltp, sl, avg, stopLossPct)
		} else if ltp <= tp {
			reason, exitPrice = trade.ExitTarget, tp
			msg = fmt.Sprintf("EXIT TP: LTP=%.2f <= TP=%.2f | avg=%.2f | pnl=+%.2f%%", ltp, tp, avg, targetPct)
		}
	} else {
		sl := avg * (1 - stopLossPct/100)
		tp := avg * (1 + targetPct/100)
		if ltp <= sl {
			reason, exitPrice = trade.ExitStopLoss, sl
			msg = fmt.Sprintf("EXIT SL: LTP=%.2f <= SL=%.2f | avg=%.2f | pnl=-%.2f%%", ltp, sl, avg, stopLossPct)
		} else if ltp >= tp {
			reason, exitPrice = trade.ExitTarget, tp
			msg = fmt.Sprintf("EXIT TP: LTP=%.2f >= TP=%.2f | avg=%.2f | pnl=+%.2f%%", ltp, tp, avg, targetPct)
		}
	}

	if reason == "" && isExitTime {
		reason, exitPrice = trade.ExitEOD, ltp
		pnl := avg - ltp
		if tr.Direction == model.DirectionBuy {
			pnl = ltp - avg
		}
		msg = fmt.Sprintf("EXIT EOD: LTP=%.2f | avg=%.2f | pnl=%+.2f%%", ltp, avg, pnl/avg*100)
	}

	if reason == "" {
		return false, ""
	}
	tr.Close(t, exitPrice, reason)
	return true, msg
}
