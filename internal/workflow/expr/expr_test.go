package expr

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvalLiterals(t *testing.T) {
	cases := []struct {
		expr string
		want interface{}
	}{
		{"42", float64(42)},
		{"-3.5", float64(-3.5)},
		{"'hello'", "hello"},
		{`"world"`, "world"},
		{"true", true},
		{"false", false},
		{"null", nil},
	}
	for _, tc := range cases {
		got, err := Eval(tc.expr, nil)
		require.NoError(t, err, tc.expr)
		assert.Equal(t, tc.want, got, tc.expr)
	}
}

func TestEvalReferences(t *testing.T) {
	vars := map[string]interface{}{
		"env": "prod",
		"build": map[string]interface{}{
			"status": "passed",
			"count":  3,
		},
	}

	got, err := Eval("env", vars)
	require.NoError(t, err)
	assert.Equal(t, "prod", got)

	got, err = Eval("build.status", vars)
	require.NoError(t, err)
	assert.Equal(t, "passed", got)

	got, err = Eval("${build.count}", vars)
	require.NoError(t, err)
	assert.Equal(t, 3, got)

	// Undefined references are null, not errors.
	got, err = Eval("build.missing.deep", vars)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestEvalBoolSemantics(t *testing.T) {
	vars := map[string]interface{}{
		"count": 3,
		"name":  "web",
		"flag":  false,
	}
	cases := []struct {
		expr string
		want bool
	}{
		{"count > 2", true},
		{"count >= 3 && name == 'web'", true},
		{"flag || count < 2", false},
		{"!flag", true},
		{"missing", false},          // undefined is null, null is false
		{"missing == null", true},   // and compares equal to null
		{"count == '3'", false},     // mismatched types never equal
		{"name > 5", false},         // mismatched order comparison is false
		{"name >= 'alpha'", true},   // strings order lexicographically
		{"(count > 1) && !(count > 5)", true},
		{"count != 3 || name != 'web'", false},
	}
	for _, tc := range cases {
		got, err := EvalBool(tc.expr, vars)
		require.NoError(t, err, tc.expr)
		assert.Equal(t, tc.want, got, tc.expr)
	}
}

func TestEvalPrecedence(t *testing.T) {
	// || binds looser than &&: true || false && false is true.
	got, err := EvalBool("true || false && false", nil)
	require.NoError(t, err)
	assert.True(t, got)

	got, err = EvalBool("(true || false) && false", nil)
	require.NoError(t, err)
	assert.False(t, got)
}

func TestEvalNumericCoercion(t *testing.T) {
	vars := map[string]interface{}{"a": 3, "b": float64(3), "c": int64(4)}
	for _, expr := range []string{"a == b", "a == 3", "c > a", "b <= c"} {
		got, err := EvalBool(expr, vars)
		require.NoError(t, err, expr)
		assert.True(t, got, expr)
	}
}

func TestParseErrors(t *testing.T) {
	for _, expr := range []string{
		"",
		"count >",
		"(count > 1",
		"'unterminated",
		"${unterminated",
		"a..b",
		"1 2",
		"= 3",
	} {
		_, err := Parse(expr)
		assert.Error(t, err, expr)
	}
}

func TestParsedNodeReusable(t *testing.T) {
	node, err := Parse("count > threshold")
	require.NoError(t, err)

	vars1 := map[string]interface{}{"count": 5, "threshold": 3}
	vars2 := map[string]interface{}{"count": 1, "threshold": 3}
	assert.Equal(t, true, node.eval(vars1))
	assert.Equal(t, false, node.eval(vars2))
}

func TestLookupYAMLMaps(t *testing.T) {
	vars := map[string]interface{}{
		"cfg": map[interface{}]interface{}{"region": "eu-1"},
	}
	assert.Equal(t, "eu-1", Lookup(vars, []string{"cfg", "region"}))
	assert.Nil(t, Lookup(vars, []string{"cfg", "zone"}))
	assert.Nil(t, Lookup(vars, []string{"cfg", "region", "deeper"}))
}
