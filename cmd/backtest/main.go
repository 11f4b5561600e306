// cmd/backtest replays historical option bars from SQLite through a compiled
// strategy and prints a per-trade log plus a run summary.
//
// Usage:
//
//	go run ./cmd/backtest --strategy=strategies/breakout.json --instrument=NIFTY
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"time"

	"optionsim/config"
	"optionsim/internal/backtest"
	"optionsim/internal/dataset"
	"optionsim/internal/logger"
	sqlitestore "optionsim/internal/store/sqlite"
	"optionsim/internal/strategy"
	"optionsim/internal/trade"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)

	// Flags
	strategyPath := flag.String("strategy", "", "Path to strategy JSON (required)")
	instrument := flag.String("instrument", "", "Instrument override (default: first in strategy)")
	dbPath := flag.String("db", "", "Path to SQLite bars database (default: $SQLITE_PATH)")
	auditPath := flag.String("audit", "", "Write minute-by-minute audit trail to this file")
	runID := flag.String("run-id", "", "Run identifier for the trade journal")
	journal := flag.Bool("journal", false, "Record closed trades into the SQLite journal")
	flag.Parse()

	if *strategyPath == "" {
		log.Fatal("[backtest] --strategy is required")
	}

	cfg := config.LoadBacktest()
	if *dbPath == "" {
		*dbPath = cfg.SQLitePath
	}

	compiled, err := strategy.Load(*strategyPath)
	if err != nil {
		log.Fatalf("[backtest] strategy load failed: %v", err)
	}

	instruments := compiled.Instruments
	if *instrument != "" {
		instruments = []string{*instrument}
	}
	if len(instruments) == 0 {
		log.Fatal("[backtest] strategy lists no instruments and --instrument not set")
	}

	lg := logger.Init("backtest", slog.LevelInfo)

	reader, err := sqlitestore.NewReader(*dbPath)
	if err != nil {
		log.Fatalf("[backtest] sqlite open failed: %v", err)
	}
	defer reader.Close()

	var journalWriter *sqlitestore.Writer
	if *journal {
		journalWriter, err = sqlitestore.New(sqlitestore.WriterConfig{DBPath: *dbPath})
		if err != nil {
			log.Fatalf("[backtest] journal open failed: %v", err)
		}
		defer journalWriter.Close()
	}
	id := *runID
	if id == "" {
		id = time.Now().Format("20060102-150405")
	}

	for _, inst := range instruments {
		runOne(reader, journalWriter, compiled, inst, *auditPath, id, len(instruments) > 1, lg)
	}
}

func runOne(reader *sqlitestore.Reader, journalWriter *sqlitestore.Writer, compiled *strategy.Compiled,
	inst, auditPath, runID string, multi bool, lg *slog.Logger) {

	lotSize, err := config.LotSize(inst)
	if err != nil {
		log.Fatalf("[backtest] %v", err)
	}

	start, end, err := compiled.BacktestRange()
	if err != nil {
		log.Fatalf("[backtest] %v", err)
	}
	bars, err := reader.ReadBars(inst, start, end)
	if err != nil {
		log.Fatalf("[backtest] option bars read failed: %v", err)
	}
	if len(bars) == 0 {
		log.Fatalf("[backtest] no option bars for %s in range", inst)
	}
	spotBars, err := reader.ReadSpotBars(inst, start, end)
	if err != nil {
		log.Fatalf("[backtest] spot bars read failed: %v", err)
	}
	lg.Info("bars loaded", "instrument", inst, "option_bars", len(bars), "spot_bars", len(spotBars))

	ds, err := dataset.Prepare(inst, bars, spotBars, compiled.Indicators, start, end)
	if err != nil {
		log.Fatalf("[backtest] dataset prepare failed: %v", err)
	}
	lg.Info("dataset ready", "days", len(ds.Days), "columns", len(ds.Columns))

	// Optional audit trail, one file per instrument.
	var audit io.Writer
	if auditPath != "" {
		path := auditPath
		if multi {
			path = auditPath + "." + inst
		}
		f, err := os.Create(path)
		if err != nil {
			log.Fatalf("[backtest] audit file: %v", err)
		}
		defer f.Close()
		audit = f
	}

	engine := backtest.New(backtest.Config{
		Instrument: inst,
		Dataset:    ds,
		Strategy:   compiled,
		LotSize:    lotSize,
		Audit:      audit,
		Logger:     lg,
	})

	t0 := time.Now()
	trades := engine.Run()
	lg.Info("run complete", "instrument", inst, "trades", len(trades),
		"elapsed", time.Since(t0).Round(time.Millisecond))

	printTrades(trades)
	printSummary(compiled.Name, inst, backtest.Summarize(trades))

	if journalWriter != nil {
		if err := journalWriter.RecordTrades(runID, compiled.Name, trades); err != nil {
			log.Fatalf("[backtest] journal write failed: %v", err)
		}
		lg.Info("trades journalled", "run_id", runID, "instrument", inst, "count", len(trades))
	}
}

func printTrades(trades []*trade.Trade) {
	for i, t := range trades {
		avg, _ := t.AvgEntryPrice()
		fmt.Printf("%3d  %s  %-2s %d  base=%.2f avg=%.2f exit=%.2f  %-7s pnl=%.2f%%  ₹%.2f\n",
			i+1, t.SignalTime.Format("2006-01-02 15:04"), t.Contract.OptionType, t.Contract.Strike,
			t.BasePrice, avg, t.ExitPrice, t.ExitReason, t.PnLPct, t.MoneyPnL())
	}
}

func printSummary(name, instrument string, s backtest.Summary) {
	fmt.Println()
	fmt.Printf("Strategy:   %s (%s)\n", name, instrument)
	fmt.Printf("Trades:     %d  (W %d / L %d, win rate %.1f%%)\n", s.TotalTrades, s.Wins, s.Losses, s.WinRate)
	fmt.Printf("Total P&L:  %.2f pts  ₹%.2f  (avg %.2f%%)\n", s.TotalPnL, s.TotalMoneyPnL, s.AvgPnLPct)
	if len(s.ByExitReason) > 0 {
		b, _ := json.Marshal(s.ByExitReason)
		fmt.Printf("Exits:      %s\n", b)
	}
}
