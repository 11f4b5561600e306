package backtest

import "optionsim/internal/trade"

// Summary aggregates a finished run.
type Summary struct {
	TotalTrades int     `json:"total_trades"`
	Wins        int     `json:"wins"`
	Losses      int     `json:"losses"`
	WinRate     float64 `json:"win_rate_pct"`

	TotalPnL      float64 `json:"total_pnl"`       // per-unit price P&L
	TotalMoneyPnL float64 `json:"total_money_pnl"` // lot-sized rupee P&L
	AvgPnLPct     float64 `json:"avg_pnl_pct"`

	ByExitReason map[string]int `json:"by_exit_reason"`
}

// Summarize folds closed trades into a Summary. Trades that never closed
// (should not happen after a full run) are skipped.
func Summarize(trades []*trade.Trade) Summary {
	s := Summary{ByExitReason: make(map[string]int)}
	var pctSum float64
	for _, t := range trades {
		if t.Status != trade.StatusClosed {
			continue
		}
		s.TotalTrades++
		if t.PnL > 0 {
			s.Wins++
		} else if t.PnL < 0 {
			s.Losses++
		}
		s.TotalPnL += t.PnL
		s.TotalMoneyPnL += t.MoneyPnL()
		pctSum += t.PnLPct
		s.ByExitReason[t.ExitReason]++
	}
	if s.TotalTrades > 0 {
		s.WinRate = float64(s.Wins) / float64(s.TotalTrades) * 100
		s.AvgPnLPct = pctSum / float64(s.TotalTrades)
	}
	return s
}
