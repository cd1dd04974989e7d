package expr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trinity-platform/trinity/core"
)

// mapContext resolves references against a plain JSON-shaped tree keyed by
// root name, standing in for the execution runtime.
type mapContext map[string]interface{}

func (m mapContext) Resolve(path []string) Value {
	root, ok := m[path[0]]
	if !ok {
		return MissingValue()
	}
	return ResolveJSON(root, path[1:])
}

func testCtx() mapContext {
	return mapContext{
		"input": map[string]interface{}{
			"topic":    "quantum computing",
			"score":    float64(85),
			"priority": nil,
			"empty":    "",
			"tags":     []interface{}{"research", "draft"},
			"nested":   map[string]interface{}{"deep": map[string]interface{}{"value": "found"}},
		},
		"trigger": map[string]interface{}{
			"kind":       "webhook",
			"user_email": "alice@example.com",
		},
		"steps": map[string]interface{}{
			"research": map[string]interface{}{
				"output": map[string]interface{}{"summary": "ten findings", "count": float64(10)},
				"status": "succeeded",
			},
		},
	}
}

func TestInterpolate(t *testing.T) {
	ctx := testCtx()

	tests := []struct {
		name string
		in   string
		want string
	}{
		{"no templates", "plain text", "plain text"},
		{"simple path", "topic: {{input.topic}}", "topic: quantum computing"},
		{"nested path", "{{input.nested.deep.value}}", "found"},
		{"step output path", "{{steps.research.output.summary}}", "ten findings"},
		{"number renders without exponent", "{{input.score}}", "85"},
		{"missing renders empty", "[{{input.absent}}]", "[]"},
		{"null renders empty", "[{{input.priority}}]", "[]"},
		{"array index", "{{input.tags[1]}}", "draft"},
		{"array renders as json", "{{input.tags}}", `["research","draft"]`},
		{"multiple templates", "{{input.topic}} by {{trigger.user_email}}", "quantum computing by alice@example.com"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Interpolate(tt.in, ctx)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestInterpolateSyntaxErrors(t *testing.T) {
	ctx := testCtx()
	for _, in := range []string{
		"{{input.topic",
		"{{input..topic}}",
		"{{input.tags[x]}}",
		"{{'unterminated}}",
	} {
		_, err := Interpolate(in, ctx)
		require.Error(t, err, "input %q", in)
		assert.True(t, errors.Is(err, core.ErrExpression), "input %q", in)
	}
}

// The default filter applies exactly when the reference is missing, null,
// or the empty string. A present falsy value like 0 is kept.
func TestDefaultFilter(t *testing.T) {
	ctx := mapContext{
		"input": map[string]interface{}{
			"present": "value",
			"null":    nil,
			"empty":   "",
			"zero":    float64(0),
			"fls":     false,
		},
	}

	tests := []struct {
		in   string
		want string
	}{
		{"{{input.present | default:'fallback'}}", "value"},
		{"{{input.missing | default:'fallback'}}", "fallback"},
		{"{{input.null | default:'fallback'}}", "fallback"},
		{"{{input.empty | default:'fallback'}}", "fallback"},
		{"{{input.zero | default:'fallback'}}", "0"},
		{"{{input.fls | default:'fallback'}}", "false"},
		{"{{input.missing | default:42}}", "42"},
		{"{{input.missing | default:true}}", "true"},
		{"{{input.missing | default:bare-word}}", "bare-word"},
	}
	for _, tt := range tests {
		got, err := Interpolate(tt.in, ctx)
		require.NoError(t, err, "input %q", tt.in)
		assert.Equal(t, tt.want, got, "input %q", tt.in)
	}

	_, err := Interpolate("{{input.missing | upper}}", ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrExpression))
}

func TestEvalValuePreservesTypes(t *testing.T) {
	ctx := testCtx()

	v, err := EvalValue("{{input.score}}", ctx)
	require.NoError(t, err)
	assert.Equal(t, Number, v.Kind)
	assert.Equal(t, float64(85), v.Number())

	v, err = EvalValue("{{input.tags}}", ctx)
	require.NoError(t, err)
	assert.Equal(t, Array, v.Kind)
	assert.Len(t, v.Array(), 2)

	v, err = EvalValue("{{steps.research.output}}", ctx)
	require.NoError(t, err)
	assert.Equal(t, Object, v.Kind)

	// Mixed text degrades to a string.
	v, err = EvalValue("score is {{input.score}}", ctx)
	require.NoError(t, err)
	assert.Equal(t, String, v.Kind)
	assert.Equal(t, "score is 85", v.Stringify())

	v, err = EvalValue("{{input.absent}}", ctx)
	require.NoError(t, err)
	assert.Equal(t, Missing, v.Kind)
}

func TestEvalCondition(t *testing.T) {
	ctx := testCtx()

	tests := []struct {
		expr string
		want bool
	}{
		{"input.score >= 80", true},
		{"input.score > 85", false},
		{"input.score <= 85", true},
		{"input.score < 85", false},
		{"input.score == 85", true},
		{"input.score != 85", false},
		{"input.topic == 'quantum computing'", true},
		{"input.topic contains 'quantum'", true},
		{"input.topic contains 'classical'", false},
		{"input.tags contains 'draft'", true},
		{"input.tags contains 'final'", false},
		// Braces are optional on conditions.
		{"{{input.score >= 80}}", true},
		// Bare reference: truthiness.
		{"input.topic", true},
		{"input.empty", false},
		{"input.priority", false},
		{"input.absent", false},
		// Numeric strings compare numerically.
		{"steps.research.output.count == 10", true},
	}
	for _, tt := range tests {
		got, err := EvalCondition(tt.expr, ctx)
		require.NoError(t, err, "expr %q", tt.expr)
		assert.Equal(t, tt.want, got, "expr %q", tt.expr)
	}
}

// Missing is not null: == never matches a missing operand and != always
// does, while null equals only null.
func TestMissingVersusNull(t *testing.T) {
	ctx := mapContext{
		"input": map[string]interface{}{"explicit_null": nil},
	}

	tests := []struct {
		expr string
		want bool
	}{
		{"input.absent == 'x'", false},
		{"input.absent != 'x'", true},
		{"input.absent == input.also_absent", false},
		{"input.absent != input.also_absent", true},
		{"input.explicit_null == input.explicit_null", true},
		{"input.explicit_null != 'x'", true},
		{"input.absent < 5", false},
		{"input.absent > 5", false},
	}
	for _, tt := range tests {
		got, err := EvalCondition(tt.expr, ctx)
		require.NoError(t, err, "expr %q", tt.expr)
		assert.Equal(t, tt.want, got, "expr %q", tt.expr)
	}

	// With a default the comparison sees the substituted value.
	got, err := EvalCondition("input.absent | default:0 == 0", ctx)
	require.NoError(t, err)
	assert.True(t, got)
}

func TestConditionSyntaxErrors(t *testing.T) {
	ctx := testCtx()
	for _, expr := range []string{
		"input.score >=",
		"== 5",
		"input.score = 5",
		"input.score >= 80 extra",
		"unknownroot.field == 1", // lexes fine; CheckCondition rejects the root
	} {
		if expr == "unknownroot.field == 1" {
			_, err := CheckCondition(expr)
			require.Error(t, err, "expr %q", expr)
			continue
		}
		_, err := EvalCondition(expr, ctx)
		require.Error(t, err, "expr %q", expr)
		assert.True(t, errors.Is(err, core.ErrExpression), "expr %q", expr)
	}
}

func TestCheckTemplateRefs(t *testing.T) {
	refs, err := CheckTemplate("{{input.a}} and {{steps.research.output}} by {{trigger.user_email}}")
	require.NoError(t, err)
	require.Len(t, refs, 3)
	assert.Equal(t, Ref{Root: "input"}, refs[0])
	assert.Equal(t, Ref{Root: "steps", StepID: "research"}, refs[1])
	assert.Equal(t, Ref{Root: "trigger"}, refs[2])

	_, err = CheckTemplate("{{bogus.path}}")
	require.Error(t, err)

	_, err = CheckTemplate("{{steps}}")
	require.Error(t, err)

	_, err = CheckTemplate("stray }} here")
	require.Error(t, err)
}

func TestValueStringify(t *testing.T) {
	assert.Equal(t, "", MissingValue().Stringify())
	assert.Equal(t, "", NullValue().Stringify())
	assert.Equal(t, "true", BoolValue(true).Stringify())
	assert.Equal(t, "3.5", NumberValue(3.5).Stringify())
	assert.Equal(t, "100", NumberValue(100).Stringify())
	assert.Equal(t, "hi", StringValue("hi").Stringify())
	assert.Equal(t, `{"k":"v"}`, FromJSON(map[string]interface{}{"k": "v"}).Stringify())
}

func TestResolveJSON(t *testing.T) {
	root := map[string]interface{}{
		"list": []interface{}{
			map[string]interface{}{"name": "first"},
			map[string]interface{}{"name": "second"},
		},
	}
	v := ResolveJSON(root, []string{"list", "1", "name"})
	assert.Equal(t, "second", v.Stringify())

	assert.Equal(t, Missing, ResolveJSON(root, []string{"list", "9", "name"}).Kind)
	assert.Equal(t, Missing, ResolveJSON(root, []string{"list", "x"}).Kind)
	assert.Equal(t, Missing, ResolveJSON(root, []string{"nope"}).Kind)
	assert.Equal(t, Missing, ResolveJSON("scalar", []string{"field"}).Kind)
}
