package resolver

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/protoq/protoq/internal/variables"
	"github.com/protoq/protoq/pkg/schema"
)

func newTestResolver() *Resolver {
	vars := variables.NewMemoryStore()
	vars.Register(variables.Variable{ID: "v1", Name: "flow_rate", Value: "2.5", Type: variables.TypeNumber})
	vars.Register(variables.Variable{ID: "v2", Name: "cycles", Value: "3", Type: variables.TypeNumber})
	vars.Register(variables.Variable{ID: "v3", Name: "enabled", Value: "true", Type: variables.TypeBoolean})
	vars.Register(variables.Variable{ID: "v4", Name: "sample", Value: "S-42", Type: variables.TypeString})
	return New(vars)
}

func TestResolveTemplateExactToken(t *testing.T) {
	r := newTestResolver()
	ctx := context.Background()

	v, err := r.ResolveTemplate(ctx, "{{flow_rate}}")
	require.NoError(t, err)
	assert.Equal(t, 2.5, v)

	v, err = r.ResolveTemplate(ctx, "{{ enabled }}")
	require.NoError(t, err)
	assert.Equal(t, true, v)
}

func TestResolveTemplateEmbedded(t *testing.T) {
	r := newTestResolver()

	v, err := r.ResolveTemplate(context.Background(), "sample {{sample}} at {{flow_rate}} ml/min")
	require.NoError(t, err)
	assert.Equal(t, "sample S-42 at 2.5 ml/min", v)
}

func TestResolveTemplatePassthrough(t *testing.T) {
	r := newTestResolver()

	v, err := r.ResolveTemplate(context.Background(), "no tokens here")
	require.NoError(t, err)
	assert.Equal(t, "no tokens here", v)
}

func TestResolveTemplateUnknownVariable(t *testing.T) {
	r := newTestResolver()

	_, err := r.ResolveTemplate(context.Background(), "{{missing}}")
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeUnresolvedVar, schema.ErrorCodeOf(err))

	_, err = r.ResolveTemplate(context.Background(), "prefix {{missing}} suffix")
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeUnresolvedVar, schema.ErrorCodeOf(err))
}

func TestResolveParamsRecursive(t *testing.T) {
	r := newTestResolver()

	params := map[string]any{
		"rate":  "{{flow_rate}}",
		"label": "run {{sample}}",
		"count": 7,
		"nested": map[string]any{
			"on": "{{enabled}}",
		},
		"list": []any{"{{cycles}}", "plain"},
	}
	out, err := r.ResolveParams(context.Background(), params)
	require.NoError(t, err)
	assert.Equal(t, 2.5, out["rate"])
	assert.Equal(t, "run S-42", out["label"])
	assert.Equal(t, 7, out["count"])
	assert.Equal(t, true, out["nested"].(map[string]any)["on"])
	assert.Equal(t, 3.0, out["list"].([]any)[0])
}

func TestEvaluateSingleOperand(t *testing.T) {
	r := newTestResolver()
	ctx := context.Background()

	// A lone operand returns the typed value without going through the
	// evaluator, so arbitrary strings are safe.
	v, err := r.Evaluate(ctx, "${sample}")
	require.NoError(t, err)
	assert.Equal(t, "S-42", v)

	v, err = r.Evaluate(ctx, "${flow_rate}")
	require.NoError(t, err)
	assert.Equal(t, 2.5, v)
}

func TestEvaluateArithmetic(t *testing.T) {
	r := newTestResolver()
	ctx := context.Background()

	v, err := r.Evaluate(ctx, "${flow_rate} * ${cycles} + 1")
	require.NoError(t, err)
	assert.Equal(t, 8.5, v)

	v, err = r.Evaluate(ctx, "${enabled} && ${cycles} > 2")
	require.NoError(t, err)
	assert.Equal(t, true, v)
}

func TestEvaluateStringConcat(t *testing.T) {
	r := newTestResolver()

	v, err := r.Evaluate(context.Background(), `${sample} + "-dup"`)
	require.NoError(t, err)
	assert.Equal(t, "S-42-dup", v)
}

func TestEvaluateUnknownVariable(t *testing.T) {
	r := newTestResolver()

	_, err := r.Evaluate(context.Background(), "${missing} + 1")
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeUnresolvedVar, schema.ErrorCodeOf(err))
}

func TestEvaluateBadExpression(t *testing.T) {
	r := newTestResolver()

	_, err := r.Evaluate(context.Background(), "${cycles} +* 2")
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeEvaluation, schema.ErrorCodeOf(err))
}

func TestHasHelpers(t *testing.T) {
	assert.True(t, HasTemplate("{{a}}"))
	assert.False(t, HasTemplate("${a}"))
	assert.True(t, HasExpression("${a} + 1"))
	assert.False(t, HasExpression("{{a}}"))
}
