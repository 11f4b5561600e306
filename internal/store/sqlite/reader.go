package sqlite

import (
	"database/sql"
	"fmt"
	"log"
	"time"

	"optionsim/internal/model"

	_ "github.com/mattn/go-sqlite3"
)

// Reader provides read-only access to the historical bar database. It
// serves both the backtest loader and the forward engine's warmup.
type Reader struct {
	db *sql.DB
}

// NewReader opens a SQLite connection for reading.
func NewReader(dbPath string) (*Reader, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("sqlite open reader: %w", err)
	}
	db.SetMaxOpenConns(2)
	db.SetMaxIdleConns(2)

	log.Printf("[sqlite-reader] opened %s", dbPath)
	return &Reader{db: db}, nil
}

// DB returns the underlying sql.DB for health checks.
func (r *Reader) DB() *sql.DB { return r.db }

const optionBarColumns = `ts, strike, option_type, expiry_type, expiry_code, expiry_date,
	open, high, low, close, volume, moneyness`

// ReadBars returns option bars for an instrument in [start, end], ordered
// by timestamp ascending.
func (r *Reader) ReadBars(instrument string, start, end time.Time) ([]model.Bar, error) {
	rows, err := r.db.Query(`
		SELECT `+optionBarColumns+`
		FROM option_bars
		WHERE instrument = ? AND ts >= ? AND ts <= ?
		ORDER BY ts ASC
	`, instrument, start.Unix(), end.Unix())
	if err != nil {
		return nil, fmt.Errorf("sqlite query option_bars: %w", err)
	}
	defer rows.Close()
	return scanOptionBars(rows)
}

// OptionBars returns minute bars for one contract over [from, to].
func (r *Reader) OptionBars(instrument string, strike int, opt model.OptionType, from, to time.Time) ([]model.Bar, error) {
	rows, err := r.db.Query(`
		SELECT `+optionBarColumns+`
		FROM option_bars
		WHERE instrument = ? AND strike = ? AND option_type = ? AND ts >= ? AND ts <= ?
		ORDER BY ts ASC
	`, instrument, strike, string(opt), from.Unix(), to.Unix())
	if err != nil {
		return nil, fmt.Errorf("sqlite query contract bars: %w", err)
	}
	defer rows.Close()
	return scanOptionBars(rows)
}

func scanOptionBars(rows *sql.Rows) ([]model.Bar, error) {
	var bars []model.Bar
	for rows.Next() {
		var b model.Bar
		var tsUnix int64
		var optType, expType string
		var expiryDate, moneyness sql.NullString
		var volume sql.NullInt64
		if err := rows.Scan(&tsUnix, &b.Strike, &optType, &expType, &b.ExpiryCode, &expiryDate,
			&b.Open, &b.High, &b.Low, &b.Close, &volume, &moneyness); err != nil {
			return nil, fmt.Errorf("sqlite scan option_bars: %w", err)
		}
		b.TS = time.Unix(tsUnix, 0)
		b.OptionType = model.OptionType(optType)
		b.ExpiryType = model.ExpiryType(expType)
		b.ExpiryDate = expiryDate.String
		b.Moneyness = model.Moneyness(moneyness.String)
		if volume.Valid {
			b.Volume = volume.Int64
			b.HasVolume = true
		}
		bars = append(bars, b)
	}
	return bars, rows.Err()
}

// ReadSpotBars returns underlying index bars in [start, end]. An empty
// result is not an error; some datasets carry no spot series.
func (r *Reader) ReadSpotBars(instrument string, start, end time.Time) ([]model.Bar, error) {
	return r.SpotBars(instrument, start, end)
}

// SpotBars returns underlying minute bars over [from, to].
func (r *Reader) SpotBars(instrument string, from, to time.Time) ([]model.Bar, error) {
	rows, err := r.db.Query(`
		SELECT ts, open, high, low, close
		FROM spot_bars
		WHERE instrument = ? AND ts >= ? AND ts <= ?
		ORDER BY ts ASC
	`, instrument, from.Unix(), to.Unix())
	if err != nil {
		return nil, fmt.Errorf("sqlite query spot_bars: %w", err)
	}
	defer rows.Close()

	var bars []model.Bar
	for rows.Next() {
		var b model.Bar
		var tsUnix int64
		if err := rows.Scan(&tsUnix, &b.Open, &b.High, &b.Low, &b.Close); err != nil {
			return nil, fmt.Errorf("sqlite scan spot_bars: %w", err)
		}
		b.TS = time.Unix(tsUnix, 0)
		bars = append(bars, b)
	}
	return bars, rows.Err()
}

// WeeklyExpiry returns the nearest weekly expiry label ("2006-01-02") on or
// after the given day, taken from the recorded bar data.
func (r *Reader) WeeklyExpiry(instrument string, day time.Time) (string, error) {
	var expiry sql.NullString
	err := r.db.QueryRow(`
		SELECT MIN(expiry_date) FROM option_bars
		WHERE instrument = ? AND expiry_type = 'WEEK' AND expiry_code = 1 AND expiry_date >= ?
	`, instrument, day.Format("2006-01-02")).Scan(&expiry)
	if err != nil {
		return "", fmt.Errorf("sqlite query weekly expiry: %w", err)
	}
	if !expiry.Valid || expiry.String == "" {
		return "", fmt.Errorf("no weekly expiry on record for %s on or after %s", instrument, day.Format("2006-01-02"))
	}
	return expiry.String, nil
}

// Close closes the reader.
func (r *Reader) Close() error {
	return r.db.Close()
}
