package strategy

import (
	"strings"
	"testing"

	"optionsim/internal/indicator"
	"optionsim/internal/model"
	"optionsim/internal/signal"
	"optionsim/internal/trade"
)

// rsi70Sell mirrors the canonical sell-the-rip config: RSI(14) crossing 70
// opens a staggered short at +5/+10/+15% from base.
func rsi70Sell() Config {
	return Config{
		Name: "RSI 70 Sell",
		Indicators: []IndicatorConfig{
			{Type: "RSI", Name: "rsi_14", Params: indicator.Params{Period: 14}},
		},
		SignalConditions: []ConditionConfig{
			{Indicator: "rsi_14", Compare: "crosses_above", Value: 70},
		},
		SignalLogic: "AND",
		Direction:   "sell",
		EntryLevels: []trade.LevelSpec{
			{PctFromBase: 5, CapitalPct: 33.33},
			{PctFromBase: 10, CapitalPct: 33.33},
			{PctFromBase: 15, CapitalPct: 33.34},
		},
		StopLossPct:   20,
		TargetPct:     10,
		TradingStart:  "09:30",
		TradingEnd:    "14:30",
		Instruments:   []string{"NIFTY"},
		BacktestStart: "2025-01-01",
		BacktestEnd:   "2025-12-31",
	}
}

func TestCompile_Valid(t *testing.T) {
	cfg := rsi70Sell()
	s, err := cfg.Compile()
	if err != nil {
		t.Fatal(err)
	}

	if s.Direction != model.DirectionSell {
		t.Errorf("direction = %s", s.Direction)
	}
	if s.Logic != signal.LogicAND {
		t.Errorf("logic = %s", s.Logic)
	}
	if s.EntryMode != EntryStaggered || len(s.Levels) != 3 {
		t.Errorf("entry = %s with %d levels", s.EntryMode, len(s.Levels))
	}
	if s.StartMinute != 9*60+30 || s.EndMinute != 14*60+30 {
		t.Errorf("window = %d-%d minutes", s.StartMinute, s.EndMinute)
	}
	if s.BacktestStart.IsZero() || s.BacktestEnd.IsZero() {
		t.Error("backtest range not parsed")
	}
}

func TestCompile_ConditionMayReferenceMultiOutputColumn(t *testing.T) {
	cfg := rsi70Sell()
	cfg.Indicators = append(cfg.Indicators, IndicatorConfig{Type: "MACD", Name: "macd_std"})
	cfg.SignalConditions = []ConditionConfig{
		{Indicator: "macd_std_histogram", Compare: "above", Value: 0},
	}
	if _, err := cfg.Compile(); err != nil {
		t.Fatalf("multi-output column reference rejected: %v", err)
	}
}

func TestCompile_Rejections(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"unknown indicator type", func(c *Config) { c.Indicators[0].Type = "WMA" }, "unknown indicator type"},
		{"duplicate indicator name", func(c *Config) {
			c.Indicators = append(c.Indicators, c.Indicators[0])
		}, "duplicate indicator"},
		{"unknown source", func(c *Config) { c.Indicators[0].Source = "futures" }, "unknown source"},
		{"unknown compare", func(c *Config) { c.SignalConditions[0].Compare = "equals" }, "unknown comparison"},
		{"condition names missing column", func(c *Config) { c.SignalConditions[0].Indicator = "rsi_7" }, "unknown indicator column"},
		{"bad price field", func(c *Config) { c.SignalConditions[0].PriceField = "vwap" }, "price_field"},
		{"unknown logic", func(c *Config) { c.SignalLogic = "XOR" }, "unknown signal logic"},
		{"bad direction", func(c *Config) { c.Direction = "short" }, "direction"},
		{"no entry levels", func(c *Config) { c.EntryLevels = nil }, "no entry levels"},
		{"capital not 100", func(c *Config) { c.EntryLevels[2].CapitalPct = 50 }, "sum to"},
		{"zero stop loss", func(c *Config) { c.StopLossPct = 0 }, "stop_loss_pct"},
		{"zero target", func(c *Config) { c.TargetPct = 0 }, "target_pct"},
		{"bad time", func(c *Config) { c.TradingStart = "9.30" }, "HH:MM"},
		{"inverted window", func(c *Config) { c.TradingStart = "15:00" }, "empty"},
		{"no instruments", func(c *Config) { c.Instruments = nil }, "instrument"},
		{"bad date", func(c *Config) { c.BacktestStart = "01/01/2025" }, "backtest_start"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := rsi70Sell()
			tc.mutate(&cfg)
			_, err := cfg.Compile()
			if err == nil {
				t.Fatal("expected compile error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Errorf("error %q does not mention %q", err, tc.want)
			}
		})
	}
}

func TestCompile_DirectEntry(t *testing.T) {
	cfg := rsi70Sell()
	cfg.Entry = &EntryConfig{Type: EntryDirect}
	s, err := cfg.Compile()
	if err != nil {
		t.Fatal(err)
	}
	if s.EntryMode != EntryDirect {
		t.Errorf("mode = %s", s.EntryMode)
	}
	if len(s.Levels) != 1 || s.Levels[0].PctFromBase != 0 || s.Levels[0].CapitalPct != 100 {
		t.Errorf("direct entry levels = %+v", s.Levels)
	}
}

func TestCompile_IndicatorLevelEntry(t *testing.T) {
	cfg := rsi70Sell()
	cfg.Indicators = append(cfg.Indicators, IndicatorConfig{Type: "VWAP", Name: "vwap"})
	cfg.Entry = &EntryConfig{Type: EntryIndicatorLevel, Indicator: "vwap"}
	s, err := cfg.Compile()
	if err != nil {
		t.Fatal(err)
	}
	if s.EntryIndicator != "vwap" || len(s.Levels) != 1 {
		t.Errorf("indicator-level entry: indicator=%q levels=%d", s.EntryIndicator, len(s.Levels))
	}

	cfg.Entry.Indicator = ""
	if _, err := cfg.Compile(); err == nil {
		t.Error("indicator_level entry without indicator must be rejected")
	}

	// A typo'd entry indicator fails at compile time, not mid-session.
	cfg.Entry.Indicator = "vwpa"
	_, err = cfg.Compile()
	if err == nil {
		t.Fatal("entry indicator outside the declared columns must be rejected")
	}
	if !strings.Contains(err.Error(), "vwpa") {
		t.Errorf("error %q does not name the bad column", err)
	}
}

func TestBacktestRange_RequiresConfiguredDates(t *testing.T) {
	cfg := rsi70Sell()
	s, err := cfg.Compile()
	if err != nil {
		t.Fatal(err)
	}
	start, end, err := s.BacktestRange()
	if err != nil {
		t.Fatalf("configured range rejected: %v", err)
	}
	if start.Format("2006-01-02") != "2025-01-01" || end.Format("2006-01-02") != "2025-12-31" {
		t.Errorf("range = %s..%s", start, end)
	}

	cfg.BacktestStart, cfg.BacktestEnd = "", ""
	s, err = cfg.Compile()
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := s.BacktestRange(); err == nil {
		t.Fatal("missing dates must error instead of passing zero times downstream")
	}
}

func TestCompile_DefaultLogicIsAND(t *testing.T) {
	cfg := rsi70Sell()
	cfg.SignalLogic = ""
	s, err := cfg.Compile()
	if err != nil {
		t.Fatal(err)
	}
	if s.Logic != signal.LogicAND {
		t.Errorf("default logic = %s", s.Logic)
	}
}
