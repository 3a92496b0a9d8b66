package harness

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/expr-lang/expr"

	"github.com/botfleet/botfleet/pkg/models"
)

// staticHost handles json and workflow patterns: the code is parsed and
// returned, never executed.
type staticHost struct{}

func (h *staticHost) Execute(_ context.Context, p *models.Pattern, _, _ map[string]interface{}) (interface{}, error) {
	var doc interface{}
	if err := json.Unmarshal([]byte(p.Code), &doc); err != nil {
		return nil, fmt.Errorf("parse %s pattern: %w", p.CodeType, err)
	}
	if p.CodeType == models.CodeWorkflow {
		obj, ok := doc.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("workflow pattern must be a JSON object")
		}
		if _, ok := obj["steps"]; !ok {
			return nil, fmt.Errorf("workflow pattern missing steps")
		}
	}
	return doc, nil
}

// exprHost evaluates expression and selector patterns with expr-lang.
// The environment exposes the caller input as `input` and the execution
// context as `ctx`.
type exprHost struct{}

func (h *exprHost) Execute(_ context.Context, p *models.Pattern, input, ectx map[string]interface{}) (interface{}, error) {
	env := map[string]interface{}{
		"input": input,
		"ctx":   ectx,
	}
	program, err := expr.Compile(p.Code, expr.Env(env))
	if err != nil {
		return nil, fmt.Errorf("compile expression: %w", err)
	}
	out, err := expr.Run(program, env)
	if err != nil {
		return nil, fmt.Errorf("evaluate expression: %w", err)
	}
	if p.CodeType == models.CodeSelector && out == nil {
		return nil, fmt.Errorf("selector matched nothing")
	}
	return out, nil
}

var templateVar = regexp.MustCompile(`\{\{\s*([a-zA-Z0-9_.]+)\s*\}\}`)

// templateHost substitutes {{variable}} placeholders from the input
// map, falling back to the execution context. Unresolved placeholders
// fail the execution rather than leaking braces downstream.
type templateHost struct{}

func (h *templateHost) Execute(_ context.Context, p *models.Pattern, input, ectx map[string]interface{}) (interface{}, error) {
	var missing []string
	out := templateVar.ReplaceAllStringFunc(p.Code, func(m string) string {
		name := templateVar.FindStringSubmatch(m)[1]
		if v, ok := lookupPath(input, name); ok {
			return stringify(v)
		}
		if v, ok := lookupPath(ectx, name); ok {
			return stringify(v)
		}
		missing = append(missing, name)
		return m
	})
	if len(missing) > 0 {
		return nil, fmt.Errorf("unresolved template variables: %s", strings.Join(missing, ", "))
	}
	return out, nil
}

// lookupPath resolves dotted paths ("user.name") through nested maps.
func lookupPath(m map[string]interface{}, path string) (interface{}, bool) {
	if m == nil {
		return nil, false
	}
	parts := strings.Split(path, ".")
	var cur interface{} = m
	for _, part := range parts {
		obj, ok := cur.(map[string]interface{})
		if !ok {
			return nil, false
		}
		cur, ok = obj[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func stringify(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case nil:
		return ""
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	}
}
