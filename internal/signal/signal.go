// Package signal evaluates strategy entry conditions against one minute of
// indicator data. A condition compares an indicator to a fixed threshold,
// to the traded price, or to another indicator; conditions combine with
// AND/OR logic. Evaluation is pure: no state survives between rows.
package signal

import (
	"fmt"
	"math"
	"strings"
)

// Compare identifies how a condition relates its operands.
type Compare string

const (
	// Indicator vs fixed threshold.
	CrossesAbove Compare = "crosses_above"
	CrossesBelow Compare = "crosses_below"
	Above        Compare = "above"
	Below        Compare = "below"

	// Price vs indicator line.
	PriceAbove        Compare = "price_above"
	PriceBelow        Compare = "price_below"
	PriceCrossesAbove Compare = "price_crosses_above"
	PriceCrossesBelow Compare = "price_crosses_below"

	// Indicator vs indicator.
	CrossesAboveIndicator Compare = "crosses_above_indicator"
	CrossesBelowIndicator Compare = "crosses_below_indicator"
)

var compares = map[Compare]bool{
	CrossesAbove: true, CrossesBelow: true, Above: true, Below: true,
	PriceAbove: true, PriceBelow: true,
	PriceCrossesAbove: true, PriceCrossesBelow: true,
	CrossesAboveIndicator: true, CrossesBelowIndicator: true,
}

// ParseCompare validates a comparison name from a strategy config.
func ParseCompare(s string) (Compare, error) {
	c := Compare(strings.ToLower(strings.TrimSpace(s)))
	if !compares[c] {
		return "", fmt.Errorf("unknown comparison type %q", s)
	}
	return c, nil
}

// Logic combines multiple condition results.
type Logic string

const (
	LogicAND Logic = "AND"
	LogicOR  Logic = "OR"
)

// ParseLogic validates a signal logic name from a strategy config.
func ParseLogic(s string) (Logic, error) {
	switch l := Logic(strings.ToUpper(strings.TrimSpace(s))); l {
	case LogicAND, LogicOR:
		return l, nil
	default:
		return "", fmt.Errorf("unknown signal logic %q (use AND or OR)", s)
	}
}

// Row is one minute of data. Value returns NaN for columns that do not
// exist or are still in indicator warm-up.
type Row interface {
	Value(name string) float64
}

// Condition is one compiled signal condition.
type Condition struct {
	Indicator  string  // indicator column to test
	Compare    Compare // comparison kind
	Value      float64 // threshold, for fixed-value comparisons
	Other      string  // second indicator, for indicator-vs-indicator kinds
	PriceField string  // close/high/low/open for price_* kinds, "" = close
}

func (c Condition) priceField() string {
	if c.PriceField == "" {
		return "close"
	}
	return c.PriceField
}

// check evaluates one condition against one row. The description is empty
// unless the condition is met.
func check(row Row, c Condition) (bool, string) {
	curr := row.Value(c.Indicator)
	prev := row.Value(c.Indicator + "_prev")

	// Price-vs-indicator level checks only need curr, not prev, so they
	// fire on the first bar after warm-up where prev is still NaN.
	switch c.Compare {
	case PriceAbove:
		pf := c.priceField()
		price := row.Value(pf)
		if math.IsNaN(price) || math.IsNaN(curr) {
			return false, ""
		}
		if price > curr {
			return true, fmt.Sprintf("%s above %s (%.2f > %.2f)", pf, c.Indicator, price, curr)
		}
		return false, ""

	case PriceBelow:
		pf := c.priceField()
		price := row.Value(pf)
		if math.IsNaN(price) || math.IsNaN(curr) {
			return false, ""
		}
		if price < curr {
			return true, fmt.Sprintf("%s below %s (%.2f < %.2f)", pf, c.Indicator, price, curr)
		}
		return false, ""
	}

	// Remaining kinds need both current and previous indicator values.
	if math.IsNaN(curr) || math.IsNaN(prev) {
		return false, ""
	}

	switch c.Compare {
	case CrossesAbove:
		if prev <= c.Value && curr > c.Value {
			return true, fmt.Sprintf("%s crossed above %v (%.2f -> %.2f)", c.Indicator, c.Value, prev, curr)
		}

	case CrossesBelow:
		if prev >= c.Value && curr < c.Value {
			return true, fmt.Sprintf("%s crossed below %v (%.2f -> %.2f)", c.Indicator, c.Value, prev, curr)
		}

	case Above:
		if curr > c.Value {
			return true, fmt.Sprintf("%s=%.2f > %v", c.Indicator, curr, c.Value)
		}

	case Below:
		if curr < c.Value {
			return true, fmt.Sprintf("%s=%.2f < %v", c.Indicator, curr, c.Value)
		}

	case PriceCrossesAbove:
		pf := c.priceField()
		price := row.Value(pf)
		if math.IsNaN(price) {
			return false, ""
		}
		pricePrev := row.Value(pf + "_prev")
		if math.IsNaN(pricePrev) {
			pricePrev = price
		}
		if pricePrev <= prev && price > curr {
			return true, fmt.Sprintf("%s crossed above %s (%.2f > %.2f)", pf, c.Indicator, price, curr)
		}

	case PriceCrossesBelow:
		pf := c.priceField()
		price := row.Value(pf)
		if math.IsNaN(price) {
			return false, ""
		}
		pricePrev := row.Value(pf + "_prev")
		if math.IsNaN(pricePrev) {
			pricePrev = price
		}
		if pricePrev >= prev && price < curr {
			return true, fmt.Sprintf("%s crossed below %s (%.2f < %.2f)", pf, c.Indicator, price, curr)
		}

	case CrossesAboveIndicator:
		otherCurr := row.Value(c.Other)
		otherPrev := row.Value(c.Other + "_prev")
		if math.IsNaN(otherCurr) || math.IsNaN(otherPrev) {
			return false, ""
		}
		if prev <= otherPrev && curr > otherCurr {
			return true, fmt.Sprintf("%s crossed above %s (%.2f > %.2f)", c.Indicator, c.Other, curr, otherCurr)
		}

	case CrossesBelowIndicator:
		otherCurr := row.Value(c.Other)
		otherPrev := row.Value(c.Other + "_prev")
		if math.IsNaN(otherCurr) || math.IsNaN(otherPrev) {
			return false, ""
		}
		if prev >= otherPrev && curr < otherCurr {
			return true, fmt.Sprintf("%s crossed below %s (%.2f < %.2f)", c.Indicator, c.Other, curr, otherCurr)
		}
	}
	return false, ""
}

// Evaluate checks every condition against the row and combines results
// under the given logic. The returned reason joins the descriptions of met
// conditions with " & "; it is empty when no signal fires. No conditions
// means no signal.
func Evaluate(row Row, conds []Condition, logic Logic) (bool, string) {
	if len(conds) == 0 {
		return false, ""
	}

	fired := logic == LogicAND
	var reasons []string
	for _, c := range conds {
		met, desc := check(row, c)
		if logic == LogicAND {
			fired = fired && met
		} else {
			fired = fired || met
		}
		if met && desc != "" {
			reasons = append(reasons, desc)
		}
	}
	if !fired {
		return false, ""
	}
	return true, strings.Join(reasons, " & ")
}
