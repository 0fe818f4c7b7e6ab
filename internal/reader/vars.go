package reader

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/dop251/goja"
)

// ErrUndefined is returned when a ${...} expression evaluates to an
// undefined value, usually an unknown variable name.
var ErrUndefined = errors.New("undefined expression")

var varRe = regexp.MustCompile(`\$\{([^}]*)\}`)

// InnerExpr returns the expression inside s when s is exactly one
// ${...} reference and nothing else.
func InnerExpr(s string) (string, bool) {
	s = strings.TrimSpace(s)
	if m := varRe.FindStringIndex(s); m != nil && m[0] == 0 && m[1] == len(s) {
		return s[2 : len(s)-1], true
	}
	return "", false
}

// Engine resolves ${...} expressions against a variable scope. Each
// evaluation runs in a fresh JavaScript VM seeded with the current
// variables, so both plain lookups (${ports}) and expressions
// (${ports.slice(1)}) work.
type Engine struct {
	vars map[string]any
}

func NewEngine(vars map[string]any) *Engine {
	e := &Engine{vars: make(map[string]any, len(vars))}
	for k, v := range vars {
		e.vars[k] = v
	}
	return e
}

// Set binds one variable, replacing any previous value.
func (e *Engine) Set(name string, value any) {
	e.vars[name] = value
}

// SetAll merges bindings into the scope.
func (e *Engine) SetAll(vars map[string]any) {
	for k, v := range vars {
		e.vars[k] = v
	}
}

// Defined reports whether name is bound in the scope.
func (e *Engine) Defined(name string) bool {
	_, ok := e.vars[name]
	return ok
}

// Eval evaluates the inside of a ${...} reference and returns the
// exported Go value. Undefined results map to ErrUndefined.
func (e *Engine) Eval(expr string) (any, error) {
	vm := goja.New()
	for name, val := range e.vars {
		if err := vm.Set(name, val); err != nil {
			return nil, fmt.Errorf("binding variable %q: %w", name, err)
		}
	}
	v, err := vm.RunString(expr)
	if err != nil {
		return nil, fmt.Errorf("evaluating ${%s}: %w", expr, err)
	}
	if v == nil || goja.IsUndefined(v) {
		return nil, fmt.Errorf("%w: ${%s}", ErrUndefined, expr)
	}
	if goja.IsNull(v) {
		return nil, nil
	}
	return v.Export(), nil
}

// Replace interpolates every ${...} in s into its string form.
func (e *Engine) Replace(s string) (string, error) {
	var firstErr error
	out := varRe.ReplaceAllStringFunc(s, func(ref string) string {
		val, err := e.Eval(ref[2 : len(ref)-1])
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			return ref
		}
		return Stringify(val)
	})
	if firstErr != nil {
		return "", firstErr
	}
	return out, nil
}

// Resolve returns the typed value when s is a single ${...} reference,
// otherwise the interpolated string.
func (e *Engine) Resolve(s string) (any, error) {
	if expr, ok := InnerExpr(s); ok {
		return e.Eval(expr)
	}
	return e.Replace(s)
}

// Stringify renders a resolved value the way it should appear inside a
// command argument.
func Stringify(v any) string {
	switch vv := v.(type) {
	case nil:
		return ""
	case string:
		return vv
	default:
		return fmt.Sprint(vv)
	}
}

// StringList coerces a resolved value into a list of strings.
func StringList(v any) ([]string, bool) {
	switch vv := v.(type) {
	case []string:
		return append([]string(nil), vv...), true
	case []any:
		out := make([]string, len(vv))
		for i, item := range vv {
			out[i] = Stringify(item)
		}
		return out, true
	default:
		return nil, false
	}
}
