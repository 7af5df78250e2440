package compiler

import (
	"encoding/json"
	stderrors "errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/refdata/errors"
	"github.com/c360/refdata/metric"
	"github.com/c360/refdata/rules"
)

func newTestCompiler(t *testing.T, opts ...Option) *Compiler {
	t.Helper()
	c, err := New(opts...)
	require.NoError(t, err)
	return c
}

func activeRule(id string, calc rules.Calculation, period int64, conds ...rules.Condition) rules.Rule {
	return rules.Rule{
		ID:          id,
		Name:        "rule " + id,
		Description: "desc " + id,
		GroupID:     "group",
		Severity:    "critical",
		Enabled:     true,
		Calculation: calc,
		TimePeriod:  period,
		Conditions:  conds,
	}
}

func TestCompile_Scenario(t *testing.T) {
	c := newTestCompiler(t)
	r := activeRule("r1", rules.CalculationAverage, 300000,
		rules.Condition{Field: "temp", Operator: "GreaterThan", Value: "75"})

	compiled, err := c.Compile(r)
	require.NoError(t, err)

	require.NotNil(t, compiled.AggregationWindow)
	assert.Equal(t, "window-5m", *compiled.AggregationWindow)
	assert.Equal(t, []string{"temp"}, compiled.Fields)
	assert.Equal(t, "return (aggregates.temp.avg > 75) ? true : false;", compiled.FilterExpression)
	assert.Equal(t, "r1", compiled.ID)
	assert.Equal(t, "rule r1", compiled.Name)
	assert.Equal(t, "desc r1", compiled.Description)
	assert.Equal(t, "group", compiled.GroupID)
	assert.Equal(t, "critical", compiled.Severity)
}

func TestCompile_Idempotent(t *testing.T) {
	c := newTestCompiler(t)
	r := activeRule("r1", rules.CalculationMaximum, 600000,
		rules.Condition{Field: "pressure", Operator: "<=", Value: "12"},
		rules.Condition{Field: "temp", Operator: "Equals", Value: "'hot'"})

	first, err := c.Compile(r)
	require.NoError(t, err)
	second, err := c.Compile(r)
	require.NoError(t, err)

	assert.Equal(t, first, second)
}

func TestCompile_NoConditions(t *testing.T) {
	c := newTestCompiler(t)

	for _, conds := range [][]rules.Condition{nil, {}} {
		compiled, err := c.Compile(activeRule("r1", rules.CalculationInstant, 0, conds...))
		require.NoError(t, err)
		assert.Equal(t, "return true;", compiled.FilterExpression)
		assert.Empty(t, compiled.Fields)
		assert.NotNil(t, compiled.Fields)
	}
}

func TestCompile_WindowMapping(t *testing.T) {
	c := newTestCompiler(t)
	tests := []struct {
		period int64
		token  string
	}{
		{60000, "window-1m"},
		{300000, "window-5m"},
		{600000, "window-10m"},
		{1200000, "window-20m"},
		{1800000, "window-30m"},
		{3600000, "window-1h"},
	}

	for _, tt := range tests {
		t.Run(tt.token, func(t *testing.T) {
			compiled, err := c.Compile(activeRule("r1", rules.CalculationAverage, tt.period))
			require.NoError(t, err)
			require.NotNil(t, compiled.AggregationWindow)
			assert.Equal(t, tt.token, *compiled.AggregationWindow)
		})
	}
}

func TestCompile_InstantIgnoresTimePeriod(t *testing.T) {
	c := newTestCompiler(t)

	for _, period := range []int64{0, 60000, 12345} {
		compiled, err := c.Compile(activeRule("r1", rules.CalculationInstant, period,
			rules.Condition{Field: "temp", Operator: ">", Value: "1"}))
		require.NoError(t, err)
		require.NotNil(t, compiled.AggregationWindow)
		assert.Equal(t, "window-none", *compiled.AggregationWindow)
		assert.Equal(t, "return (aggregates.temp > 1) ? true : false;", compiled.FilterExpression)
	}
}

func TestCompile_NoCalculationHasNullWindow(t *testing.T) {
	c := newTestCompiler(t)
	compiled, err := c.Compile(activeRule("r1", rules.CalculationNone, 0,
		rules.Condition{Field: "temp", Operator: ">", Value: "1"}))
	require.NoError(t, err)
	assert.Nil(t, compiled.AggregationWindow)

	data, err := json.Marshal(compiled)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"AggregationWindow":null`)
}

func TestCompile_CalculationSuffixes(t *testing.T) {
	c := newTestCompiler(t)
	tests := []struct {
		calc   rules.Calculation
		suffix string
	}{
		{"average", ".avg"},
		{"AVG", ".avg"},
		{"minimum", ".min"},
		{"Min", ".min"},
		{"maximum", ".max"},
		{"max", ".max"},
		{"count", ".count"},
		{"Count", ".count"},
	}

	for _, tt := range tests {
		t.Run(string(tt.calc), func(t *testing.T) {
			compiled, err := c.Compile(activeRule("r1", tt.calc, 60000,
				rules.Condition{Field: "f", Operator: ">", Value: "0"}))
			require.NoError(t, err)
			assert.Equal(t, "return (aggregates.f"+tt.suffix+" > 0) ? true : false;", compiled.FilterExpression)
		})
	}
}

func TestCompile_OperatorAliases(t *testing.T) {
	c := newTestCompiler(t)
	tests := []struct {
		operators []string
		symbol    string
	}{
		{[]string{">", "GreaterThan", "greaterthan", "GREATERTHAN"}, ">"},
		{[]string{">=", "GreaterThanOrEqual", "greaterthanorequal"}, ">="},
		{[]string{"<", "LessThan", "lessthan"}, "<"},
		{[]string{"<=", "LessThanOrEqual", "LESSTHANOREQUAL"}, "<="},
		{[]string{"=", "==", "Equals", "equals"}, "="},
	}

	for _, tt := range tests {
		t.Run(tt.symbol, func(t *testing.T) {
			expected := "return (aggregates.temp " + tt.symbol + " 75) ? true : false;"
			for _, op := range tt.operators {
				compiled, err := c.Compile(activeRule("r1", rules.CalculationInstant, 0,
					rules.Condition{Field: "temp", Operator: op, Value: "75"}))
				require.NoError(t, err, op)
				assert.Equal(t, expected, compiled.FilterExpression, op)
			}
		})
	}
}

func TestCompile_MultipleConditionsKeepOrder(t *testing.T) {
	c := newTestCompiler(t)
	compiled, err := c.Compile(activeRule("r1", rules.CalculationMinimum, 1200000,
		rules.Condition{Field: "temp", Operator: ">", Value: "75"},
		rules.Condition{Field: "humidity", Operator: "LessThan", Value: "20"},
		rules.Condition{Field: "temp", Operator: "<", Value: "100"},
	))
	require.NoError(t, err)

	assert.Equal(t, []string{"temp", "humidity", "temp"}, compiled.Fields)
	assert.Equal(t,
		"return (aggregates.temp.min > 75 && aggregates.humidity.min < 20 && aggregates.temp.min < 100) ? true : false;",
		compiled.FilterExpression)
}

func TestCompile_CustomPrefix(t *testing.T) {
	c := newTestCompiler(t, WithAggregatePrefix("record.agg"))
	assert.Equal(t, "record.agg", c.AggregatePrefix())

	compiled, err := c.Compile(activeRule("r1", rules.CalculationCount, 3600000,
		rules.Condition{Field: "events", Operator: ">=", Value: "3"}))
	require.NoError(t, err)
	assert.Equal(t, "return (record.agg.events.count >= 3) ? true : false;", compiled.FilterExpression)
}

func TestCompile_ActionsCopiedThrough(t *testing.T) {
	c := newTestCompiler(t)
	r := activeRule("r1", rules.CalculationInstant, 0)
	r.Actions = []json.RawMessage{json.RawMessage(`{"Type":"Email"}`)}

	compiled, err := c.Compile(r)
	require.NoError(t, err)
	assert.Equal(t, r.Actions, compiled.Actions)
}

func TestCompile_InactivePlaceholder(t *testing.T) {
	c := newTestCompiler(t)

	disabled := activeRule("r1", "median", 1,
		rules.Condition{Field: "temp", Operator: "between", Value: "1"})
	disabled.Enabled = false

	deleted := activeRule("r2", rules.CalculationAverage, 60000)
	deleted.Deleted = true

	for _, r := range []rules.Rule{disabled, deleted} {
		compiled, err := c.Compile(r)
		require.NoError(t, err)
		assert.Equal(t, r.ID, compiled.ID)
		assert.Equal(t, ExpressionNever, compiled.FilterExpression)
		assert.Nil(t, compiled.AggregationWindow)
		assert.Empty(t, compiled.Fields)
	}
}

func TestCompile_ContractFaults(t *testing.T) {
	tests := []struct {
		name  string
		rule  rules.Rule
		kind  string
		value string
	}{
		{
			name:  "unknown calculation",
			rule:  activeRule("r1", "median", 60000),
			kind:  KindCalculation,
			value: "median",
		},
		{
			name:  "unknown time period",
			rule:  activeRule("r2", rules.CalculationAverage, 90000),
			kind:  KindTimePeriod,
			value: "90000",
		},
		{
			name: "unknown operator",
			rule: activeRule("r3", rules.CalculationInstant, 0,
				rules.Condition{Field: "temp", Operator: "between", Value: "1"}),
			kind:  KindOperator,
			value: "between",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			registry := metric.NewMetricsRegistry()
			c := newTestCompiler(t, WithMetrics(registry))

			_, err := c.Compile(tt.rule)
			require.Error(t, err)

			assert.True(t, errors.IsFatal(err))
			assert.False(t, errors.IsTransient(err))
			assert.True(t, stderrors.Is(err, errors.ErrContractViolation))

			ce, ok := AsContractError(err)
			require.True(t, ok)
			assert.Equal(t, tt.rule.ID, ce.RuleID)
			assert.Equal(t, tt.kind, ce.Kind)
			assert.Equal(t, tt.value, ce.Value)

			assert.Equal(t, 1.0, testutil.ToFloat64(c.metrics.faults.WithLabelValues(tt.kind)))
		})
	}
}

func TestCompileAll(t *testing.T) {
	registry := metric.NewMetricsRegistry()
	c := newTestCompiler(t, WithMetrics(registry))

	out, err := c.CompileAll([]rules.Rule{
		activeRule("r1", rules.CalculationInstant, 0),
		activeRule("r2", rules.CalculationAverage, 60000),
	})
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, "r1", out[0].ID)
	assert.Equal(t, "r2", out[1].ID)
	assert.Equal(t, 2.0, testutil.ToFloat64(c.metrics.compiled))

	empty, err := c.CompileAll(nil)
	require.NoError(t, err)
	assert.NotNil(t, empty)
	assert.Empty(t, empty)
}

func TestCompileAll_CollectsEveryFault(t *testing.T) {
	c := newTestCompiler(t)

	_, err := c.CompileAll([]rules.Rule{
		activeRule("bad-1", "median", 0),
		activeRule("good", rules.CalculationInstant, 0),
		activeRule("bad-2", rules.CalculationAverage, 7),
	})
	require.Error(t, err)
	assert.True(t, errors.IsFatal(err))
	assert.Contains(t, err.Error(), "bad-1")
	assert.Contains(t, err.Error(), "bad-2")
}

func TestNew_DuplicateMetricsRegistration(t *testing.T) {
	registry := metric.NewMetricsRegistry()
	_ = newTestCompiler(t, WithMetrics(registry))

	_, err := New(WithMetrics(registry))
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}
