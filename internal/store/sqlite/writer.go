package sqlite

import (
	"database/sql"
	"fmt"
	"log"
	"time"

	"optionsim/internal/model"
	"optionsim/internal/trade"

	_ "github.com/mattn/go-sqlite3"
)

const importBatchSize = 500

// WriterConfig configures the SQLite writer.
type WriterConfig struct {
	DBPath string // path to the database file, e.g. "data/bars.db"
}

// Writer owns the bar tables and the trade journal. Single writer with
// transaction batching for imports.
type Writer struct {
	db *sql.DB
}

// DB returns the underlying sql.DB for health checks.
func (w *Writer) DB() *sql.DB { return w.db }

// New opens the database in WAL mode and ensures the schema exists.
func New(cfg WriterConfig) (*Writer, error) {
	db, err := sql.Open("sqlite3", cfg.DBPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := createSchema(db); err != nil {
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}

	log.Printf("[sqlite] opened database at %s", cfg.DBPath)
	return &Writer{db: db}, nil
}

func createSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS option_bars (
			instrument  TEXT    NOT NULL,
			ts          INTEGER NOT NULL,
			strike      INTEGER NOT NULL,
			option_type TEXT    NOT NULL,
			expiry_type TEXT    NOT NULL,
			expiry_code INTEGER NOT NULL,
			expiry_date TEXT,
			open        REAL    NOT NULL,
			high        REAL    NOT NULL,
			low         REAL    NOT NULL,
			close       REAL    NOT NULL,
			volume      INTEGER,
			moneyness   TEXT,
			PRIMARY KEY (instrument, ts, strike, option_type, expiry_type, expiry_code)
		);

		CREATE TABLE IF NOT EXISTS spot_bars (
			instrument TEXT    NOT NULL,
			ts         INTEGER NOT NULL,
			open       REAL    NOT NULL,
			high       REAL    NOT NULL,
			low        REAL    NOT NULL,
			close      REAL    NOT NULL,
			PRIMARY KEY (instrument, ts)
		);

		CREATE TABLE IF NOT EXISTS trades (
			id           INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id       TEXT    NOT NULL,
			strategy     TEXT    NOT NULL,
			instrument   TEXT    NOT NULL,
			strike       INTEGER NOT NULL,
			option_type  TEXT    NOT NULL,
			direction    TEXT    NOT NULL,
			signal_ts    INTEGER NOT NULL,
			base_price   REAL    NOT NULL,
			avg_entry    REAL    NOT NULL,
			parts        INTEGER NOT NULL,
			exit_ts      INTEGER NOT NULL,
			exit_price   REAL    NOT NULL,
			exit_reason  TEXT    NOT NULL,
			pnl_pct      REAL    NOT NULL,
			money_pnl    REAL    NOT NULL,
			created_at   INTEGER NOT NULL DEFAULT (strftime('%s', 'now'))
		);
		CREATE INDEX IF NOT EXISTS idx_trades_run ON trades(run_id);
	`)
	return err
}

// ImportOptionBars inserts option bars in batched transactions. Re-imports
// of the same range replace existing rows.
func (w *Writer) ImportOptionBars(instrument string, bars []model.Bar) error {
	for start := 0; start < len(bars); start += importBatchSize {
		end := start + importBatchSize
		if end > len(bars) {
			end = len(bars)
		}
		if err := w.insertOptionBatch(instrument, bars[start:end]); err != nil {
			return err
		}
	}
	return nil
}

func (w *Writer) insertOptionBatch(instrument string, bars []model.Bar) error {
	tx, err := w.db.Begin()
	if err != nil {
		return err
	}

	stmt, err := tx.Prepare(`
		INSERT OR REPLACE INTO option_bars
			(instrument, ts, strike, option_type, expiry_type, expiry_code, expiry_date,
			 open, high, low, close, volume, moneyness)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		tx.Rollback()
		return err
	}
	defer stmt.Close()

	for _, b := range bars {
		var volume interface{}
		if b.HasVolume {
			volume = b.Volume
		}
		_, err := stmt.Exec(instrument, b.TS.Unix(), b.Strike, string(b.OptionType),
			string(b.ExpiryType), b.ExpiryCode, b.ExpiryDate,
			b.Open, b.High, b.Low, b.Close, volume, string(b.Moneyness))
		if err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

// ImportSpotBars inserts underlying index bars in batched transactions.
func (w *Writer) ImportSpotBars(instrument string, bars []model.Bar) error {
	for start := 0; start < len(bars); start += importBatchSize {
		end := start + importBatchSize
		if end > len(bars) {
			end = len(bars)
		}
		if err := w.insertSpotBatch(instrument, bars[start:end]); err != nil {
			return err
		}
	}
	return nil
}

func (w *Writer) insertSpotBatch(instrument string, bars []model.Bar) error {
	tx, err := w.db.Begin()
	if err != nil {
		return err
	}
	stmt, err := tx.Prepare(`
		INSERT OR REPLACE INTO spot_bars (instrument, ts, open, high, low, close)
		VALUES (?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		tx.Rollback()
		return err
	}
	defer stmt.Close()

	for _, b := range bars {
		if _, err := stmt.Exec(instrument, b.TS.Unix(), b.Open, b.High, b.Low, b.Close); err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

// RecordTrades journals closed trades for one run in a single transaction.
// Unfilled observations never reach the journal.
func (w *Writer) RecordTrades(runID, strategyName string, trades []*trade.Trade) error {
	if len(trades) == 0 {
		return nil
	}
	tx, err := w.db.Begin()
	if err != nil {
		return err
	}
	stmt, err := tx.Prepare(`
		INSERT INTO trades
			(run_id, strategy, instrument, strike, option_type, direction,
			 signal_ts, base_price, avg_entry, parts, exit_ts, exit_price,
			 exit_reason, pnl_pct, money_pnl)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		tx.Rollback()
		return err
	}
	defer stmt.Close()

	for _, t := range trades {
		avg, _ := t.AvgEntryPrice()
		_, err := stmt.Exec(runID, strategyName, t.Instrument,
			t.Contract.Strike, string(t.Contract.OptionType), string(t.Direction),
			t.SignalTime.Unix(), t.BasePrice, avg, len(t.Parts),
			t.ExitTime.Unix(), t.ExitPrice, t.ExitReason, t.PnLPct, t.MoneyPnL())
		if err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

// LastBarTime returns the newest option bar timestamp for an instrument,
// zero when the table is empty.
func (w *Writer) LastBarTime(instrument string) (time.Time, error) {
	var ts sql.NullInt64
	err := w.db.QueryRow(
		`SELECT MAX(ts) FROM option_bars WHERE instrument = ?`, instrument,
	).Scan(&ts)
	if err != nil {
		return time.Time{}, err
	}
	if !ts.Valid {
		return time.Time{}, nil
	}
	return time.Unix(ts.Int64, 0), nil
}

// Close closes the database.
func (w *Writer) Close() error {
	return w.db.Close()
}
