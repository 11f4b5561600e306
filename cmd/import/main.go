// cmd/import loads option and spot minute-bar CSV exports into the SQLite
// database the backtester and the forward warmup read from. Re-importing a
// range replaces the stored rows, so reruns are safe.
//
// Usage:
//
//	go run ./cmd/import --instrument=NIFTY --options=data/nifty_options.csv --spot=data/nifty_spot.csv
package main

import (
	"flag"
	"io"
	"log"
	"os"

	"optionsim/config"
	"optionsim/internal/model"
	sqlitestore "optionsim/internal/store/sqlite"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)

	instrument := flag.String("instrument", "", "Instrument the bars belong to (required)")
	optionsPath := flag.String("options", "", "Path to the option bars CSV")
	spotPath := flag.String("spot", "", "Path to the spot bars CSV")
	dbPath := flag.String("db", "", "Path to the SQLite database (default: $SQLITE_PATH)")
	flag.Parse()

	if *instrument == "" {
		log.Fatal("[import] --instrument is required")
	}
	if *optionsPath == "" && *spotPath == "" {
		log.Fatal("[import] nothing to do: set --options and/or --spot")
	}
	if *dbPath == "" {
		*dbPath = config.LoadBacktest().SQLitePath
	}

	writer, err := sqlitestore.New(sqlitestore.WriterConfig{DBPath: *dbPath})
	if err != nil {
		log.Fatalf("[import] sqlite open failed: %v", err)
	}
	defer writer.Close()

	if *optionsPath != "" {
		bars := loadCSV(*optionsPath, sqlitestore.ParseOptionBarsCSV)
		if err := writer.ImportOptionBars(*instrument, bars); err != nil {
			log.Fatalf("[import] option bars: %v", err)
		}
		log.Printf("[import] %d option bars imported for %s", len(bars), *instrument)
	}
	if *spotPath != "" {
		bars := loadCSV(*spotPath, sqlitestore.ParseSpotBarsCSV)
		if err := writer.ImportSpotBars(*instrument, bars); err != nil {
			log.Fatalf("[import] spot bars: %v", err)
		}
		log.Printf("[import] %d spot bars imported for %s", len(bars), *instrument)
	}

	last, err := writer.LastBarTime(*instrument)
	if err != nil {
		log.Fatalf("[import] last bar lookup: %v", err)
	}
	if last.IsZero() {
		log.Printf("[import] no option data on record for %s", *instrument)
		return
	}
	log.Printf("[import] %s option data now ends at %s", *instrument, last.Format("2006-01-02 15:04:05"))
}

func loadCSV(path string, parse func(r io.Reader) ([]model.Bar, error)) []model.Bar {
	f, err := os.Open(path)
	if err != nil {
		log.Fatalf("[import] open %s: %v", path, err)
	}
	defer f.Close()
	bars, err := parse(f)
	if err != nil {
		log.Fatalf("[import] parse %s: %v", path, err)
	}
	if len(bars) == 0 {
		log.Fatalf("[import] %s contains no bars", path)
	}
	return bars
}
