package backtest

import (
	"fmt"
	"io"
	"strings"

	"optionsim/internal/strategy"
)

// AuditLog writes the human-readable minute-by-minute trail used to verify
// engine decisions by hand. One line per minute, events indented below it.
type AuditLog struct {
	w io.Writer
}

// NewAuditLog writes the run header and returns the log. A nil writer
// disables every method.
func NewAuditLog(w io.Writer, instrument string, s *strategy.Compiled) *AuditLog {
	a := &AuditLog{w: w}
	if w == nil {
		return a
	}
	rule := strings.Repeat("=", 100)
	fmt.Fprintf(w, "%s\n", rule)
	fmt.Fprintf(w, "DETAILED BACKTEST LOG: %s\n", instrument)
	fmt.Fprintf(w, "Strategy: %s\n", s.Name)
	fmt.Fprintf(w, "Direction: %s\n", s.Direction)
	fmt.Fprintf(w, "SL: %v%% | TP: %v%%\n", s.StopLossPct, s.TargetPct)

	switch s.EntryMode {
	case strategy.EntryIndicatorLevel:
		fmt.Fprintf(w, "Entry: Indicator Level (%s)\n", s.EntryIndicator)
	case strategy.EntryStaggered:
		var parts []string
		for _, l := range s.Levels {
			parts = append(parts, fmt.Sprintf("+%v%% (%v%%)", l.PctFromBase, l.CapitalPct))
		}
		fmt.Fprintf(w, "Entry: Staggered at %s\n", strings.Join(parts, " / "))
	default:
		fmt.Fprintln(w, "Entry: Direct (100%)")
	}

	for _, c := range s.Conditions {
		ref := fmt.Sprintf("%v", c.Value)
		if c.Other != "" {
			ref = c.Other
		}
		fmt.Fprintf(w, "Signal: %s %s %s\n", c.Indicator, c.Compare, ref)
	}
	fmt.Fprintf(w, "Hours: %s - %s\n", hhmm(s.StartMinute), hhmm(s.EndMinute))
	fmt.Fprintf(w, "%s\n\n", rule)
	return a
}

func (a *AuditLog) DayHeader(date string) {
	if a.w == nil {
		return
	}
	rule := strings.Repeat("=", 100)
	fmt.Fprintf(a.w, "\n%s\n  DATE: %s\n%s\n", rule, date, rule)
}

// Minute writes the per-minute line: ATM snapshot, both track states, then
// any events indented below.
func (a *AuditLog) Minute(timeStr, atmCE, atmPE, ceStatus, peStatus string, events []string) {
	if a.w == nil {
		return
	}
	fmt.Fprintf(a.w, "[%s] ATM CE %s | ATM PE %s | CE: %s | PE: %s\n",
		timeStr, atmCE, atmPE, ceStatus, peStatus)
	for _, e := range events {
		fmt.Fprintf(a.w, "         >>> %s\n", e)
	}
}

// Event writes a standalone event line, used for day-end closes.
func (a *AuditLog) Event(e string) {
	if a.w == nil {
		return
	}
	fmt.Fprintf(a.w, "         >>> %s\n", e)
}

func (a *AuditLog) Close(totalTrades int) {
	if a.w == nil {
		return
	}
	rule := strings.Repeat("=", 100)
	fmt.Fprintf(a.w, "\n%s\nEND OF LOG | Total trades: %d\n%s\n", rule, totalTrades, rule)
}

func hhmm(minuteOfDay int) string {
	return fmt.Sprintf("%02d:%02d", minuteOfDay/60, minuteOfDay%60)
}
