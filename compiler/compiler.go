// Package compiler turns active alert rules into reference data records: a
// boolean filter expression over telemetry aggregates plus the aggregation
// window the stream processor must compute them over.
package compiler

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/c360/refdata/errors"
	"github.com/c360/refdata/metric"
	"github.com/c360/refdata/rules"
)

// DefaultAggregatePrefix is the record property the stream processor exposes aggregates under.
const DefaultAggregatePrefix = "aggregates"

// Filter expressions for rules without clauses.
const (
	ExpressionAlways = "return true;"
	ExpressionNever  = "return false;"
)

// CompiledRule is one reference data record as consumed by the stream processor.
// Field names are part of the published wire contract.
type CompiledRule struct {
	ID                string            `json:"Id"`
	Name              string            `json:"Name"`
	Description       string            `json:"Description"`
	GroupID           string            `json:"GroupId"`
	Severity          string            `json:"Severity"`
	AggregationWindow *string           `json:"AggregationWindow"`
	Fields            []string          `json:"Fields"`
	Actions           []json.RawMessage `json:"Actions,omitempty"`
	FilterExpression  string            `json:"FilterExpression"`
}

// Contract violation kinds.
const (
	KindCalculation = "calculation"
	KindOperator    = "operator"
	KindTimePeriod  = "time_period"
)

// ContractError reports a rule the upstream filter should never have let through.
type ContractError struct {
	RuleID string
	Kind   string
	Value  string
}

func (e *ContractError) Error() string {
	return fmt.Sprintf("rule %q: unmapped %s %q", e.RuleID, e.Kind, e.Value)
}

// Unwrap lets errors.Is match ErrContractViolation.
func (e *ContractError) Unwrap() error {
	return errors.ErrContractViolation
}

// AsContractError extracts the first contract violation from err.
func AsContractError(err error) (*ContractError, bool) {
	var ce *ContractError
	if stderrors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}

// Option configures a Compiler.
type Option func(*Compiler)

// WithAggregatePrefix overrides the aggregate namespace used in filter expressions.
func WithAggregatePrefix(prefix string) Option {
	return func(c *Compiler) {
		if prefix != "" {
			c.prefix = prefix
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Compiler) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithMetrics enables compiler metrics.
func WithMetrics(registry *metric.MetricsRegistry) Option {
	return func(c *Compiler) {
		c.registry = registry
	}
}

// Compiler is stateless apart from its configuration and safe for concurrent use.
type Compiler struct {
	prefix   string
	logger   *slog.Logger
	registry *metric.MetricsRegistry
	metrics  *compilerMetrics
}

// New creates a Compiler.
func New(opts ...Option) (*Compiler, error) {
	c := &Compiler{
		prefix: DefaultAggregatePrefix,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "compiler")

	m, err := newCompilerMetrics(c.registry)
	if err != nil {
		return nil, errors.WrapInvalid(err, "Compiler", "New", "register metrics")
	}
	c.metrics = m

	return c, nil
}

// AggregatePrefix returns the namespace used for aggregate lookups.
func (c *Compiler) AggregatePrefix() string {
	return c.prefix
}

// Compile builds the reference data record for one rule.
func (c *Compiler) Compile(rule rules.Rule) (CompiledRule, error) {
	if !rule.Active() {
		return CompiledRule{
			ID:               rule.ID,
			Name:             rule.Name,
			Fields:           []string{},
			FilterExpression: ExpressionNever,
		}, nil
	}

	calc := rule.Calculation.Normalize()
	suffix, ok := fieldSuffix(calc)
	if !ok {
		return CompiledRule{}, c.contractFault(rule.ID, KindCalculation, string(rule.Calculation))
	}

	window, err := c.aggregationWindow(rule, calc)
	if err != nil {
		return CompiledRule{}, err
	}

	fields := make([]string, len(rule.Conditions))
	clauses := make([]string, len(rule.Conditions))
	for i, cond := range rule.Conditions {
		op, ok := operatorSymbol(cond.Operator)
		if !ok {
			return CompiledRule{}, c.contractFault(rule.ID, KindOperator, cond.Operator)
		}
		fields[i] = cond.Field
		clauses[i] = fmt.Sprintf("%s.%s%s %s %s", c.prefix, cond.Field, suffix, op, cond.Value)
	}

	c.metrics.recordCompiled()

	return CompiledRule{
		ID:                rule.ID,
		Name:              rule.Name,
		Description:       rule.Description,
		GroupID:           rule.GroupID,
		Severity:          rule.Severity,
		AggregationWindow: window,
		Fields:            fields,
		Actions:           rule.Actions,
		FilterExpression:  filterExpression(clauses),
	}, nil
}

// CompileAll compiles every rule. All contract violations are collected and
// returned together so one bad rule does not hide another.
func (c *Compiler) CompileAll(rs []rules.Rule) ([]CompiledRule, error) {
	out := make([]CompiledRule, 0, len(rs))
	var faults []error
	for _, r := range rs {
		compiled, err := c.Compile(r)
		if err != nil {
			faults = append(faults, err)
			continue
		}
		out = append(out, compiled)
	}
	if len(faults) > 0 {
		return nil, stderrors.Join(faults...)
	}
	return out, nil
}

func (c *Compiler) aggregationWindow(rule rules.Rule, calc rules.Calculation) (*string, error) {
	switch calc {
	case rules.CalculationNone:
		return nil, nil
	case rules.CalculationInstant:
		window := WindowNone
		return &window, nil
	}

	window, ok := windowForPeriod(rule.TimePeriod)
	if !ok {
		return nil, c.contractFault(rule.ID, KindTimePeriod, strconv.FormatInt(rule.TimePeriod, 10))
	}
	return &window, nil
}

func (c *Compiler) contractFault(ruleID, kind, value string) error {
	c.metrics.recordFault(kind)
	c.logger.Error("Rule violates compile contract",
		"rule_id", ruleID,
		"kind", kind,
		"value", value,
		"fault_class", errors.ErrorFatal.String())
	return errors.WrapFatal(&ContractError{RuleID: ruleID, Kind: kind, Value: value},
		"Compiler", "Compile", "map "+kind)
}

func filterExpression(clauses []string) string {
	if len(clauses) == 0 {
		return ExpressionAlways
	}
	return "return (" + strings.Join(clauses, " && ") + ") ? true : false;"
}
