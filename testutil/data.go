package testutil

import (
	"encoding/json"

	"github.com/c360/refdata/rules"
)

// Rule builds an active rule with the given calculation, period and conditions.
func Rule(id string, calc rules.Calculation, periodMs int64, conds ...rules.Condition) rules.Rule {
	return rules.Rule{
		ID:          id,
		Name:        "rule " + id,
		Description: "test rule " + id,
		GroupID:     "group-1",
		Severity:    "warning",
		Enabled:     true,
		Calculation: calc,
		TimePeriod:  periodMs,
		Conditions:  conds,
	}
}

// Cond builds a condition.
func Cond(field, op, value string) rules.Condition {
	return rules.Condition{Field: field, Operator: op, Value: value}
}

// HighTemperature is the canonical five-minute average rule.
func HighTemperature() rules.Rule {
	return Rule("rule-temp", rules.CalculationAverage, 300000, Cond("temp", "GreaterThan", "75"))
}

// DeviceDown is an instant rule with a quoted string value and an action.
func DeviceDown() rules.Rule {
	r := Rule("rule-down", rules.CalculationInstant, 0, Cond("status", "Equals", "'down'"))
	r.Actions = []json.RawMessage{json.RawMessage(`{"Type":"Email","To":"ops@example.com"}`)}
	return r
}

// BurstCount fires when more than ten events arrive within a minute.
func BurstCount() rules.Rule {
	return Rule("rule-burst", rules.CalculationCount, 60000, Cond("events", ">", "10"))
}

// CatchAll has no conditions and therefore always matches.
func CatchAll() rules.Rule {
	return Rule("rule-all", rules.CalculationInstant, 0)
}

// ActiveRuleSet returns the fixtures above sorted by ID.
func ActiveRuleSet() []rules.Rule {
	rs := []rules.Rule{HighTemperature(), DeviceDown(), BurstCount(), CatchAll()}
	rules.SortByID(rs)
	return rs
}

// CloneRules deep-copies a rule list so callers cannot alias each other's state.
func CloneRules(in []rules.Rule) []rules.Rule {
	if in == nil {
		return nil
	}
	out := make([]rules.Rule, len(in))
	for i, r := range in {
		out[i] = r
		if r.Conditions != nil {
			out[i].Conditions = append([]rules.Condition(nil), r.Conditions...)
		}
		if r.Actions != nil {
			out[i].Actions = make([]json.RawMessage, len(r.Actions))
			for j, a := range r.Actions {
				out[i].Actions[j] = append(json.RawMessage(nil), a...)
			}
		}
	}
	return out
}
