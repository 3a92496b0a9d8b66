package harness

import (
	"context"
	"fmt"
	"strings"

	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"

	"github.com/botfleet/botfleet/pkg/models"
)

// scriptHost interprets script patterns with yaegi. A fresh interpreter
// per execution keeps patterns from leaking state into each other.
//
// The script must define:
//
//	func Run(input map[string]interface{}, ctx map[string]interface{}) (interface{}, error)
//
// Only whitelisted stdlib imports are allowed; filesystem, network and
// exec packages are rejected before the interpreter ever sees the code.
type scriptHost struct {
	allowedImports map[string]bool
}

func newScriptHost() *scriptHost {
	return &scriptHost{
		allowedImports: map[string]bool{
			"fmt":             true,
			"strings":         true,
			"strconv":         true,
			"math":            true,
			"regexp":          true,
			"encoding/json":   true,
			"encoding/base64": true,
			"time":            true,
			"sort":            true,
			"bytes":           true,
			"errors":          true,
			"unicode":         true,
		},
	}
}

func (h *scriptHost) Execute(ctx context.Context, p *models.Pattern, input, ectx map[string]interface{}) (interface{}, error) {
	if err := h.validateImports(p.Code); err != nil {
		return nil, err
	}

	i := interp.New(interp.Options{})
	if err := i.Use(stdlib.Symbols); err != nil {
		return nil, fmt.Errorf("load stdlib symbols: %w", err)
	}

	if _, err := i.Eval(wrapScript(p.Code)); err != nil {
		return nil, fmt.Errorf("script compile: %w", err)
	}

	v, err := i.Eval("main.Run")
	if err != nil {
		return nil, fmt.Errorf("script missing Run function: %w", err)
	}
	run, ok := v.Interface().(func(map[string]interface{}, map[string]interface{}) (interface{}, error))
	if !ok {
		return nil, fmt.Errorf("Run has wrong signature, want func(input, ctx map[string]interface{}) (interface{}, error)")
	}

	// The engine races this call against the deadline; a hung script is
	// abandoned, not cancelled. ctx is checked here so already-expired
	// deadlines skip the interpreter entirely.
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if input == nil {
		input = map[string]interface{}{}
	}
	if ectx == nil {
		ectx = map[string]interface{}{}
	}
	return run(input, ectx)
}

// validateImports rejects any import outside the whitelist.
func (h *scriptHost) validateImports(code string) error {
	var forbidden []string
	inBlock := false
	for _, line := range strings.Split(code, "\n") {
		trimmed := strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(trimmed, "import ("):
			inBlock = true
		case inBlock && strings.HasPrefix(trimmed, ")"):
			inBlock = false
		case inBlock:
			pkg := importPath(trimmed)
			if pkg != "" && !h.allowedImports[pkg] {
				forbidden = append(forbidden, pkg)
			}
		case strings.HasPrefix(trimmed, "import "):
			pkg := importPath(strings.TrimPrefix(trimmed, "import "))
			if pkg != "" && !h.allowedImports[pkg] {
				forbidden = append(forbidden, pkg)
			}
		}
	}
	if len(forbidden) > 0 {
		return fmt.Errorf("forbidden imports: %s", strings.Join(forbidden, ", "))
	}
	return nil
}

// importPath strips an optional alias and quotes from one import spec.
func importPath(spec string) string {
	spec = strings.TrimSpace(spec)
	if spec == "" || strings.HasPrefix(spec, "//") {
		return ""
	}
	if idx := strings.Index(spec, `"`); idx >= 0 {
		spec = spec[idx:]
	}
	return strings.Trim(spec, `"`)
}

// wrapScript prepends a package clause for snippet-style patterns.
func wrapScript(code string) string {
	if strings.Contains(code, "package main") {
		return code
	}
	return "package main\n\n" + code
}
