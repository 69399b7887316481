// Package resolver turns variable references in command parameters into
// concrete values. Two reference syntaxes exist:
//
//	{{name}}   template: replaced by the variable's current value
//	${name}    expression operand: combined with operators and evaluated
//
// A parameter that is exactly one {{name}} token keeps the variable's native
// type; tokens embedded in longer strings substitute textually.
package resolver

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/protoq/protoq/internal/variables"
	"github.com/protoq/protoq/pkg/schema"
)

var (
	templateRe = regexp.MustCompile(`\{\{\s*([^{}]+?)\s*\}\}`)
	exprVarRe  = regexp.MustCompile(`\$\{\s*([^}]+?)\s*\}`)
)

// Resolver resolves templates and evaluates expressions against the variable
// store. Thread-safe: compiled programs are cached and reused.
type Resolver struct {
	vars variables.Store

	mu    sync.RWMutex
	cache map[string]*vm.Program
}

// New creates a Resolver backed by the given variable store.
func New(vars variables.Store) *Resolver {
	return &Resolver{
		vars:  vars,
		cache: make(map[string]*vm.Program),
	}
}

// HasTemplate reports whether s contains at least one {{name}} token.
func HasTemplate(s string) bool {
	return templateRe.MatchString(s)
}

// HasExpression reports whether s contains at least one ${name} operand.
func HasExpression(s string) bool {
	return exprVarRe.MatchString(s)
}

// ResolveTemplate resolves {{name}} tokens in s. When s is exactly one token
// the variable's typed value is returned; otherwise each token is substituted
// textually and the result is a string. A string without tokens passes
// through unchanged.
func (r *Resolver) ResolveTemplate(ctx context.Context, s string) (any, error) {
	if m := templateRe.FindStringSubmatch(strings.TrimSpace(s)); m != nil && m[0] == strings.TrimSpace(s) {
		v, err := r.vars.Get(ctx, m[1])
		if err != nil {
			return nil, err
		}
		return v.TypedValue(), nil
	}

	var resolveErr error
	out := templateRe.ReplaceAllStringFunc(s, func(token string) string {
		if resolveErr != nil {
			return token
		}
		name := templateRe.FindStringSubmatch(token)[1]
		v, err := r.vars.Get(ctx, name)
		if err != nil {
			resolveErr = err
			return token
		}
		return v.Value
	})
	if resolveErr != nil {
		return nil, resolveErr
	}
	return out, nil
}

// ResolveParams returns a copy of params with every template reference in
// string values resolved, recursing into nested maps and slices.
func (r *Resolver) ResolveParams(ctx context.Context, params map[string]any) (map[string]any, error) {
	if params == nil {
		return nil, nil
	}
	out := make(map[string]any, len(params))
	for k, v := range params {
		rv, err := r.resolveValue(ctx, v)
		if err != nil {
			return nil, err
		}
		out[k] = rv
	}
	return out, nil
}

func (r *Resolver) resolveValue(ctx context.Context, v any) (any, error) {
	switch val := v.(type) {
	case string:
		if !HasTemplate(val) {
			return val, nil
		}
		return r.ResolveTemplate(ctx, val)
	case map[string]any:
		return r.ResolveParams(ctx, val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			rv, err := r.resolveValue(ctx, item)
			if err != nil {
				return nil, err
			}
			out[i] = rv
		}
		return out, nil
	default:
		return v, nil
	}
}

// Evaluate resolves every ${name} operand in expression and evaluates the
// result. An expression that is exactly one operand returns the variable's
// typed value without invoking the evaluator, so strings survive untouched.
func (r *Resolver) Evaluate(ctx context.Context, expression string) (any, error) {
	trimmed := strings.TrimSpace(expression)
	if m := exprVarRe.FindStringSubmatch(trimmed); m != nil && m[0] == trimmed {
		v, err := r.vars.Get(ctx, m[1])
		if err != nil {
			return nil, err
		}
		return v.TypedValue(), nil
	}

	values, err := r.fetchOperands(ctx, expression)
	if err != nil {
		return nil, err
	}

	substituted := exprVarRe.ReplaceAllStringFunc(expression, func(token string) string {
		name := exprVarRe.FindStringSubmatch(token)[1]
		return literal(values[name])
	})

	prg, err := r.getOrCompile(substituted)
	if err != nil {
		return nil, err
	}
	out, err := vm.Run(prg, map[string]any{})
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeEvaluation,
			"evaluation failed for %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression, "substituted": substituted})
	}
	return out, nil
}

// fetchOperands resolves every distinct ${name} in the expression. Fetches
// run concurrently; the first error wins.
func (r *Resolver) fetchOperands(ctx context.Context, expression string) (map[string]any, error) {
	names := make(map[string]struct{})
	for _, m := range exprVarRe.FindAllStringSubmatch(expression, -1) {
		names[m[1]] = struct{}{}
	}

	var (
		mu       sync.Mutex
		wg       sync.WaitGroup
		firstErr error
		values   = make(map[string]any, len(names))
	)
	for name := range names {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			v, err := r.vars.Get(ctx, name)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if firstErr == nil {
					firstErr = err
				}
				return
			}
			values[name] = v.TypedValue()
		}(name)
	}
	wg.Wait()
	if firstErr != nil {
		return nil, firstErr
	}
	return values, nil
}

// getOrCompile returns a cached compiled program or compiles and caches a new
// one. Compile errors carry the evaluation error code since the expression
// text comes from protocol authors, not operators.
func (r *Resolver) getOrCompile(expression string) (*vm.Program, error) {
	r.mu.RLock()
	if prg, ok := r.cache[expression]; ok {
		r.mu.RUnlock()
		return prg, nil
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()

	if prg, ok := r.cache[expression]; ok {
		return prg, nil
	}
	prg, err := expr.Compile(expression, expr.Env(map[string]any{}))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeEvaluation,
			"compile error in %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}
	r.cache[expression] = prg
	return prg, nil
}

// literal renders a resolved operand as expression source text.
func literal(v any) string {
	switch val := v.(type) {
	case string:
		return strconv.Quote(val)
	case float64:
		return strconv.FormatFloat(val, 'g', -1, 64)
	case bool:
		return strconv.FormatBool(val)
	case nil:
		return "nil"
	default:
		return fmt.Sprintf("%v", val)
	}
}
