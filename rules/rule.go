// Package rules defines the alert rule model fetched from the rules service,
// the active-rule filter, the canonical ID ordering, and the comparator the
// polling agent uses to decide whether a rule set changed.
package rules

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/c360/refdata/errors"
)

// Calculation is the aggregation applied to telemetry before conditions are compared.
type Calculation string

// Known calculations. CalculationNone marks a rule that carries no calculation at all.
const (
	CalculationNone    Calculation = ""
	CalculationInstant Calculation = "instant"
	CalculationAverage Calculation = "average"
	CalculationMinimum Calculation = "minimum"
	CalculationMaximum Calculation = "maximum"
	CalculationCount   Calculation = "count"
)

// ParseCalculation maps a case-insensitive calculation name, including the
// avg/min/max short forms, onto a known Calculation.
func ParseCalculation(s string) (Calculation, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "":
		return CalculationNone, nil
	case "instant":
		return CalculationInstant, nil
	case "average", "avg":
		return CalculationAverage, nil
	case "minimum", "min":
		return CalculationMinimum, nil
	case "maximum", "max":
		return CalculationMaximum, nil
	case "count":
		return CalculationCount, nil
	default:
		return Calculation(s), fmt.Errorf("%w: unknown calculation %q", errors.ErrInvalidData, s)
	}
}

// Normalize returns the canonical form of c, or c unchanged when it is unknown.
func (c Calculation) Normalize() Calculation {
	parsed, err := ParseCalculation(string(c))
	if err != nil {
		return c
	}
	return parsed
}

// UnmarshalJSON normalizes known calculations on ingestion and keeps unknown
// values verbatim so the compiler can report them.
func (c *Calculation) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*c = Calculation(s).Normalize()
	return nil
}

// Condition is one clause of a rule: <Field> <Operator> <Value>.
type Condition struct {
	Field    string `json:"Field"`
	Operator string `json:"Operator"`
	Value    string `json:"Value"`
}

// UnmarshalJSON accepts Value as either a JSON string or a bare JSON literal
// (number, bool) and keeps its text as-is.
func (c *Condition) UnmarshalJSON(data []byte) error {
	var raw struct {
		Field    string          `json:"Field"`
		Operator string          `json:"Operator"`
		Value    json.RawMessage `json:"Value"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	c.Field = raw.Field
	c.Operator = raw.Operator
	c.Value = ""

	value := bytes.TrimSpace(raw.Value)
	switch {
	case len(value) == 0 || bytes.Equal(value, []byte("null")):
	case value[0] == '"':
		if err := json.Unmarshal(value, &c.Value); err != nil {
			return err
		}
	default:
		c.Value = string(value)
	}
	return nil
}

// Rule is a declarative alert definition as served by the rules service.
type Rule struct {
	ID          string            `json:"Id"`
	Name        string            `json:"Name"`
	Description string            `json:"Description"`
	GroupID     string            `json:"GroupId"`
	Severity    string            `json:"Severity"`
	Enabled     bool              `json:"Enabled"`
	Deleted     bool              `json:"Deleted"`
	Calculation Calculation       `json:"Calculation"`
	TimePeriod  int64             `json:"TimePeriod"` // milliseconds, ignored for instant
	Conditions  []Condition       `json:"Conditions"`
	Actions     []json.RawMessage `json:"Actions,omitempty"`
}

// Active reports whether the rule should be compiled and published.
func (r Rule) Active() bool {
	return r.Enabled && !r.Deleted
}

// Validate checks the minimum structure the pipeline relies on.
func (r Rule) Validate() error {
	if strings.TrimSpace(r.ID) == "" {
		return fmt.Errorf("%w: rule without Id (name %q)", errors.ErrInvalidData, r.Name)
	}
	return nil
}

// FilterActive returns the rules that are enabled and not deleted, preserving order.
func FilterActive(in []Rule) []Rule {
	out := make([]Rule, 0, len(in))
	for _, r := range in {
		if r.Active() {
			out = append(out, r)
		}
	}
	return out
}

// SortByID orders rules ascending by ID in place.
func SortByID(rs []Rule) {
	sort.SliceStable(rs, func(i, j int) bool {
		return rs[i].ID < rs[j].ID
	})
}

// IDs returns the rule IDs in order.
func IDs(rs []Rule) []string {
	ids := make([]string, len(rs))
	for i, r := range rs {
		ids[i] = r.ID
	}
	return ids
}
