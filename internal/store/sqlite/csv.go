package sqlite

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"optionsim/internal/model"
)

// Exchange-local zone for datetime columns carrying no offset.
var istZone = time.FixedZone("IST", 5*3600+30*60)

// ParseOptionBarsCSV decodes an option bar export: a header row naming at
// least ts, strike, option_type, expiry_type, expiry_code, open, high, low
// and close, in any column order. expiry_date, volume and moneyness are
// optional; an empty volume cell means the bar carries no volume data.
func ParseOptionBarsCSV(r io.Reader) ([]model.Bar, error) {
	rows, idx, err := readCSV(r, []string{
		"ts", "strike", "option_type", "expiry_type", "expiry_code",
		"open", "high", "low", "close",
	})
	if err != nil {
		return nil, err
	}

	bars := make([]model.Bar, 0, len(rows))
	for i, rec := range rows {
		line := i + 2 // header is line 1
		b := model.Bar{
			OptionType: model.OptionType(cell(rec, idx, "option_type")),
			ExpiryType: model.ExpiryType(cell(rec, idx, "expiry_type")),
			ExpiryDate: cell(rec, idx, "expiry_date"),
			Moneyness:  model.Moneyness(cell(rec, idx, "moneyness")),
		}
		if b.TS, err = parseTS(cell(rec, idx, "ts")); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		if b.Strike, err = strconv.Atoi(cell(rec, idx, "strike")); err != nil {
			return nil, fmt.Errorf("line %d: strike: %w", line, err)
		}
		if b.ExpiryCode, err = strconv.Atoi(cell(rec, idx, "expiry_code")); err != nil {
			return nil, fmt.Errorf("line %d: expiry_code: %w", line, err)
		}
		if err = parsePrices(rec, idx, &b); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		if vol := cell(rec, idx, "volume"); vol != "" {
			if b.Volume, err = strconv.ParseInt(vol, 10, 64); err != nil {
				return nil, fmt.Errorf("line %d: volume: %w", line, err)
			}
			b.HasVolume = true
		}
		bars = append(bars, b)
	}
	return bars, nil
}

// ParseSpotBarsCSV decodes an underlying index export: ts, open, high, low
// and close, in any column order.
func ParseSpotBarsCSV(r io.Reader) ([]model.Bar, error) {
	rows, idx, err := readCSV(r, []string{"ts", "open", "high", "low", "close"})
	if err != nil {
		return nil, err
	}

	bars := make([]model.Bar, 0, len(rows))
	for i, rec := range rows {
		line := i + 2
		var b model.Bar
		if b.TS, err = parseTS(cell(rec, idx, "ts")); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		if err = parsePrices(rec, idx, &b); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		bars = append(bars, b)
	}
	return bars, nil
}

// readCSV reads every record and maps header names to column positions,
// failing fast when a required column is missing.
func readCSV(r io.Reader, required []string) ([][]string, map[string]int, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err != nil {
		return nil, nil, fmt.Errorf("read csv header: %w", err)
	}
	idx := make(map[string]int, len(header))
	for i, name := range header {
		idx[strings.ToLower(strings.TrimSpace(name))] = i
	}
	for _, name := range required {
		if _, ok := idx[name]; !ok {
			return nil, nil, fmt.Errorf("csv missing required column %q", name)
		}
	}

	rows, err := cr.ReadAll()
	if err != nil {
		return nil, nil, fmt.Errorf("read csv rows: %w", err)
	}
	return rows, idx, nil
}

func cell(rec []string, idx map[string]int, name string) string {
	i, ok := idx[name]
	if !ok || i >= len(rec) {
		return ""
	}
	return strings.TrimSpace(rec[i])
}

func parsePrices(rec []string, idx map[string]int, b *model.Bar) error {
	for _, f := range []struct {
		name string
		dst  *float64
	}{
		{"open", &b.Open}, {"high", &b.High}, {"low", &b.Low}, {"close", &b.Close},
	} {
		v, err := strconv.ParseFloat(cell(rec, idx, f.name), 64)
		if err != nil {
			return fmt.Errorf("%s: %w", f.name, err)
		}
		*f.dst = v
	}
	return nil
}

// parseTS accepts Unix seconds or an exchange-local datetime string.
func parseTS(s string) (time.Time, error) {
	if unix, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Unix(unix, 0), nil
	}
	for _, layout := range []string{"2006-01-02 15:04:05", "2006-01-02 15:04"} {
		if t, err := time.ParseInLocation(layout, s, istZone); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable timestamp %q", s)
}
