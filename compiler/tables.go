package compiler

import (
	"strings"

	"github.com/c360/refdata/rules"
)

// Aggregation window tokens agreed with the stream processor.
const (
	WindowNone = "window-none"
	Window1m   = "window-1m"
	Window5m   = "window-5m"
	Window10m  = "window-10m"
	Window20m  = "window-20m"
	Window30m  = "window-30m"
	Window1h   = "window-1h"
)

// windowForPeriod maps a rule time period in milliseconds to its tumbling window token.
func windowForPeriod(periodMs int64) (string, bool) {
	switch periodMs {
	case 60000:
		return Window1m, true
	case 300000:
		return Window5m, true
	case 600000:
		return Window10m, true
	case 1200000:
		return Window20m, true
	case 1800000:
		return Window30m, true
	case 3600000:
		return Window1h, true
	default:
		return "", false
	}
}

// fieldSuffix returns the aggregate-key suffix for a calculation.
func fieldSuffix(calc rules.Calculation) (string, bool) {
	switch calc.Normalize() {
	case rules.CalculationNone, rules.CalculationInstant:
		return "", true
	case rules.CalculationAverage:
		return ".avg", true
	case rules.CalculationMinimum:
		return ".min", true
	case rules.CalculationMaximum:
		return ".max", true
	case rules.CalculationCount:
		return ".count", true
	default:
		return "", false
	}
}

// operatorSymbol maps an operator name or symbol (case-insensitive) to the
// symbol emitted in the filter expression.
func operatorSymbol(op string) (string, bool) {
	switch strings.ToLower(strings.TrimSpace(op)) {
	case "greaterthan", ">":
		return ">", true
	case "greaterthanorequal", ">=":
		return ">=", true
	case "lessthan", "<":
		return "<", true
	case "lessthanorequal", "<=":
		return "<=", true
	case "equals", "=", "==":
		return "=", true
	default:
		return "", false
	}
}
