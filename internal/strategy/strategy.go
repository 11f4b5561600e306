// Package strategy defines the declarative strategy configuration and
// compiles it into the validated form the engines run. All validation
// happens at compile time; a Compiled strategy never fails mid-run on a
// malformed field.
package strategy

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"time"

	"optionsim/internal/indicator"
	"optionsim/internal/model"
	"optionsim/internal/signal"
	"optionsim/internal/trade"
)

// Source selects the price series an indicator computes over.
const (
	SourceOption = "option" // per contract, resets on expiry change
	SourceSpot   = "spot"   // underlying timeline, shared across contracts
)

// IndicatorConfig declares one indicator instance.
type IndicatorConfig struct {
	Type   string `json:"type"`
	Name   string `json:"name"`
	Source string `json:"source,omitempty"` // "option" (default) or "spot"
	indicator.Params
}

// ConditionConfig declares one signal condition.
type ConditionConfig struct {
	Indicator  string  `json:"indicator"`
	Compare    string  `json:"compare"`
	Value      float64 `json:"value,omitempty"`
	Other      string  `json:"other,omitempty"`
	PriceField string  `json:"price_field,omitempty"`
}

// EntryMode selects how a trade enters after its signal fires.
type EntryMode string

const (
	// EntryStaggered fills fixed percentage offsets from the base price.
	EntryStaggered EntryMode = "staggered"
	// EntryDirect fills the full position at the signal price.
	EntryDirect EntryMode = "direct"
	// EntryIndicatorLevel treats a live indicator value as a moving limit
	// price. Forward engine only.
	EntryIndicatorLevel EntryMode = "indicator_level"
)

// EntryLevelConfig is one level inside an explicit entry block.
type EntryLevelConfig struct {
	PctFromBase float64 `json:"pct_from_base"`
	CapitalPct  float64 `json:"capital_pct"`
}

// EntryConfig overrides the default staggered entry derived from
// entry_levels.
type EntryConfig struct {
	Type      EntryMode          `json:"type"`
	Levels    []EntryLevelConfig `json:"levels,omitempty"`
	Indicator string             `json:"indicator,omitempty"`
}

// Config is the on-disk strategy shape.
type Config struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`

	Indicators       []IndicatorConfig `json:"indicators"`
	SignalConditions []ConditionConfig `json:"signal_conditions"`
	SignalLogic      string            `json:"signal_logic"`

	Direction   string            `json:"direction"`
	Entry       *EntryConfig      `json:"entry,omitempty"`
	EntryLevels []trade.LevelSpec `json:"entry_levels,omitempty"`

	StopLossPct float64 `json:"stop_loss_pct"`
	TargetPct   float64 `json:"target_pct"`

	TradingStart string `json:"trading_start"` // "HH:MM", signal detection starts
	TradingEnd   string `json:"trading_end"`   // "HH:MM", force exit

	Instruments     []string `json:"instruments"`
	MaxTradesPerDay int      `json:"max_trades_per_day,omitempty"` // 0 = unlimited

	BacktestStart string `json:"backtest_start,omitempty"` // "2006-01-02"
	BacktestEnd   string `json:"backtest_end,omitempty"`

	InitialCapital float64 `json:"initial_capital,omitempty"`
}

// Load reads and compiles a strategy file.
func Load(path string) (*Compiled, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read strategy: %w", err)
	}
	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse strategy %s: %w", path, err)
	}
	return cfg.Compile()
}

// Compiled is the validated, engine-ready strategy.
type Compiled struct {
	Name        string
	Description string

	Indicators []IndicatorConfig
	Conditions []signal.Condition
	Logic      signal.Logic

	Direction      model.Direction
	EntryMode      EntryMode
	Levels         []trade.LevelSpec
	EntryIndicator string

	StopLossPct float64
	TargetPct   float64

	StartMinute int // minute of day, inclusive
	EndMinute   int // minute of day, exit boundary

	Instruments     []string
	MaxTradesPerDay int

	BacktestStart time.Time
	BacktestEnd   time.Time

	InitialCapital float64
}

// Compile validates every field and resolves defaults. Ambiguous or
// inconsistent configs are errors, never silently defaulted.
func (c *Config) Compile() (*Compiled, error) {
	out := &Compiled{
		Name:            c.Name,
		Description:     c.Description,
		StopLossPct:     c.StopLossPct,
		TargetPct:       c.TargetPct,
		Instruments:     c.Instruments,
		MaxTradesPerDay: c.MaxTradesPerDay,
		InitialCapital:  c.InitialCapital,
	}

	// Indicators: valid type, unique non-empty names, known source.
	columns := map[string]bool{}
	for i, ic := range c.Indicators {
		if ic.Name == "" {
			return nil, fmt.Errorf("indicator %d: missing name", i)
		}
		ind, err := indicator.New(ic.Type, ic.Name, ic.Params)
		if err != nil {
			return nil, fmt.Errorf("indicator %q: %w", ic.Name, err)
		}
		switch ic.Source {
		case "", SourceOption, SourceSpot:
		default:
			return nil, fmt.Errorf("indicator %q: unknown source %q", ic.Name, ic.Source)
		}
		if columns[ic.Name] {
			return nil, fmt.Errorf("duplicate indicator name %q", ic.Name)
		}
		columns[ic.Name] = true
		for _, sub := range ind.Outputs() {
			columns[ic.Name+"_"+sub] = true
		}
		out.Indicators = append(out.Indicators, ic)
	}

	// Signal conditions reference indicator columns by final column name.
	logic, err := signal.ParseLogic(defaultStr(c.SignalLogic, "AND"))
	if err != nil {
		return nil, err
	}
	out.Logic = logic
	for i, cc := range c.SignalConditions {
		cmp, err := signal.ParseCompare(cc.Compare)
		if err != nil {
			return nil, fmt.Errorf("condition %d: %w", i, err)
		}
		if !columns[cc.Indicator] {
			return nil, fmt.Errorf("condition %d: unknown indicator column %q", i, cc.Indicator)
		}
		if (cmp == signal.CrossesAboveIndicator || cmp == signal.CrossesBelowIndicator) && !columns[cc.Other] {
			return nil, fmt.Errorf("condition %d: unknown other indicator column %q", i, cc.Other)
		}
		switch cc.PriceField {
		case "", "close", "high", "low", "open":
		default:
			return nil, fmt.Errorf("condition %d: unknown price_field %q", i, cc.PriceField)
		}
		out.Conditions = append(out.Conditions, signal.Condition{
			Indicator:  cc.Indicator,
			Compare:    cmp,
			Value:      cc.Value,
			Other:      cc.Other,
			PriceField: cc.PriceField,
		})
	}

	switch model.Direction(c.Direction) {
	case model.DirectionSell, model.DirectionBuy:
		out.Direction = model.Direction(c.Direction)
	default:
		return nil, fmt.Errorf("direction must be %q or %q, got %q", model.DirectionSell, model.DirectionBuy, c.Direction)
	}

	if err := c.compileEntry(out, columns); err != nil {
		return nil, err
	}

	if c.StopLossPct <= 0 {
		return nil, fmt.Errorf("stop_loss_pct must be positive, got %v", c.StopLossPct)
	}
	if c.TargetPct <= 0 {
		return nil, fmt.Errorf("target_pct must be positive, got %v", c.TargetPct)
	}

	out.StartMinute, err = parseHHMM(c.TradingStart)
	if err != nil {
		return nil, fmt.Errorf("trading_start: %w", err)
	}
	out.EndMinute, err = parseHHMM(c.TradingEnd)
	if err != nil {
		return nil, fmt.Errorf("trading_end: %w", err)
	}
	if out.StartMinute >= out.EndMinute {
		return nil, fmt.Errorf("trading window %s-%s is empty", c.TradingStart, c.TradingEnd)
	}

	if len(c.Instruments) == 0 {
		return nil, fmt.Errorf("at least one instrument is required")
	}
	if c.MaxTradesPerDay < 0 {
		return nil, fmt.Errorf("max_trades_per_day cannot be negative")
	}

	if c.BacktestStart != "" || c.BacktestEnd != "" {
		out.BacktestStart, err = time.Parse("2006-01-02", c.BacktestStart)
		if err != nil {
			return nil, fmt.Errorf("backtest_start: %w", err)
		}
		out.BacktestEnd, err = time.Parse("2006-01-02", c.BacktestEnd)
		if err != nil {
			return nil, fmt.Errorf("backtest_end: %w", err)
		}
		if out.BacktestEnd.Before(out.BacktestStart) {
			return nil, fmt.Errorf("backtest_end %s before backtest_start %s", c.BacktestEnd, c.BacktestStart)
		}
	}
	return out, nil
}

func (c *Config) compileEntry(out *Compiled, columns map[string]bool) error {
	mode, levels, entryInd := EntryStaggered, c.EntryLevels, ""
	if c.Entry != nil {
		mode = c.Entry.Type
		switch mode {
		case EntryStaggered:
			if len(c.Entry.Levels) > 0 {
				levels = nil
				for _, l := range c.Entry.Levels {
					levels = append(levels, trade.LevelSpec{PctFromBase: l.PctFromBase, CapitalPct: l.CapitalPct})
				}
			}
		case EntryDirect:
			levels = []trade.LevelSpec{{PctFromBase: 0, CapitalPct: 100}}
		case EntryIndicatorLevel:
			levels = []trade.LevelSpec{{PctFromBase: 0, CapitalPct: 100}}
			entryInd = c.Entry.Indicator
			if entryInd == "" {
				return fmt.Errorf("entry type %q requires an indicator", mode)
			}
			if !columns[entryInd] {
				return fmt.Errorf("entry indicator %q is not a declared indicator column", entryInd)
			}
		default:
			return fmt.Errorf("unknown entry type %q", mode)
		}
	}
	if len(levels) == 0 {
		return fmt.Errorf("no entry levels configured")
	}

	var capSum float64
	for i, l := range levels {
		if l.CapitalPct <= 0 {
			return fmt.Errorf("entry level %d: capital_pct must be positive", i+1)
		}
		if l.PctFromBase < 0 {
			return fmt.Errorf("entry level %d: pct_above_base cannot be negative", i+1)
		}
		capSum += l.CapitalPct
	}
	if math.Abs(capSum-100) > 0.5 {
		return fmt.Errorf("entry level capital percentages sum to %.2f, want 100", capSum)
	}

	out.EntryMode = mode
	out.Levels = levels
	out.EntryIndicator = entryInd
	return nil
}

// BacktestRange returns the configured replay window. A strategy without
// backtest_start/backtest_end cannot be replayed against history.
func (s *Compiled) BacktestRange() (time.Time, time.Time, error) {
	if s.BacktestStart.IsZero() || s.BacktestEnd.IsZero() {
		return time.Time{}, time.Time{}, fmt.Errorf(
			"strategy %q sets no backtest_start/backtest_end", s.Name)
	}
	return s.BacktestStart, s.BacktestEnd, nil
}

// parseHHMM converts "HH:MM" to a minute-of-day offset.
func parseHHMM(s string) (int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("want HH:MM, got %q", s)
	}
	return t.Hour()*60 + t.Minute(), nil
}

func defaultStr(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
