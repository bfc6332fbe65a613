package expr

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func testContext() *Context {
	return &Context{
		Variables: map[string]interface{}{
			"quality": "high",
			"count":   float64(3),
			"flag":    true,
		},
		Nodes: map[string]map[string]interface{}{
			"motion-1": {
				"output": map[string]interface{}{
					"resources": []interface{}{
						map[string]interface{}{"url": "https://cdn.example/video.mp4", "type": "video"},
					},
					"variables": map[string]interface{}{"usage": float64(12.5)},
				},
			},
		},
	}
}

func TestResolve(t *testing.T) {
	c := testContext()

	cases := []struct {
		name string
		ref  string
		want interface{}
	}{
		{"variable", "$var.quality", "high"},
		{"missing variable is nil", "$var.nope", nil},
		{"node resource url", "$node.motion-1.output.resources[0].url", "https://cdn.example/video.mp4"},
		{"node variable", "$node.motion-1.output.variables.usage", float64(12.5)},
		{"missing node is nil", "$node.ghost.output", nil},
		{"index out of range is nil", "$node.motion-1.output.resources[5].url", nil},
		{"json literal", "$literal.42", float64(42)},
		{"literal string passthrough", "plain text", "plain text"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, c.Resolve(tc.ref))
		})
	}
}

func TestEvaluate(t *testing.T) {
	c := testContext()

	cases := []struct {
		cond string
		want bool
	}{
		{`$var.quality == 'high'`, true},
		{`$var.quality == 'low'`, false},
		{`$var.quality != 'low'`, true},
		{`$var.count > 2`, true},
		{`$var.count >= 3`, true},
		{`$var.count < 3`, false},
		{`$var.count <= 2`, false},
		{`$var.quality === "high"`, true},
		{`$var.quality !== "high"`, false},
		{`$var.count > 5 || $var.quality == 'high'`, true},
		{`$var.count > 5 && $var.quality == 'high'`, false},
		{`$var.count > 1 && $var.flag == true`, true},
		{`$var.missing == null`, true},
		{`$var.flag`, true},
		{`$var.missing`, false},
		{``, true},
		{`$node.motion-1.output.variables.usage > 10`, true},
	}
	for _, tc := range cases {
		t.Run(tc.cond, func(t *testing.T) {
			assert.Equal(t, tc.want, c.Evaluate(tc.cond), "cond: %s", tc.cond)
		})
	}
}

func TestEvaluateQuotedOperators(t *testing.T) {
	c := &Context{Variables: map[string]interface{}{"s": "a==b"}}
	// The operator inside the quoted literal must not split the expression.
	assert.True(t, c.Evaluate(`$var.s == 'a==b'`))
}

func TestNumericStringEquality(t *testing.T) {
	c := &Context{Variables: map[string]interface{}{"n": "10"}}
	assert.True(t, c.Evaluate(`$var.n == 10`))
	assert.True(t, c.Evaluate(`$var.n >= 10`))
}
