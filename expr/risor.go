package expr

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/risor-io/risor"
	"github.com/risor-io/risor/compiler"
	"github.com/risor-io/risor/modules/all"
	"github.com/risor-io/risor/object"
	"github.com/risor-io/risor/parser"
)

// DefaultBudget bounds a single expression evaluation. Guard and transform
// expressions must be deterministic and cheap; anything that runs longer is
// treated as an evaluation failure.
const DefaultBudget = 250 * time.Millisecond

// RisorCompiler compiles expressions with Risor, restricted to a fixed set of
// side-effect-free globals. Expressions have no filesystem, network, or
// environment access.
type RisorCompiler struct {
	globals map[string]any
	budget  time.Duration
}

// RisorCompilerOptions configures a RisorCompiler.
type RisorCompilerOptions struct {
	// Globals overrides the default sandboxed globals. Leave nil to use
	// SafeGlobals().
	Globals map[string]any

	// Budget is the per-evaluation time limit. Zero means DefaultBudget.
	Budget time.Duration
}

// NewRisorCompiler returns a sandboxed expression compiler.
func NewRisorCompiler(opts RisorCompilerOptions) *RisorCompiler {
	globals := opts.Globals
	if globals == nil {
		globals = SafeGlobals()
	}
	budget := opts.Budget
	if budget <= 0 {
		budget = DefaultBudget
	}
	return &RisorCompiler{globals: globals, budget: budget}
}

func (c *RisorCompiler) Compile(ctx context.Context, code string) (Expression, error) {
	ast, err := parser.Parse(ctx, code)
	if err != nil {
		return nil, err
	}
	var globalNames []string
	for name := range c.globals {
		globalNames = append(globalNames, name)
	}
	// Variable namespaces are bound at evaluation time
	globalNames = append(globalNames, "state", "inputs")
	sort.Strings(globalNames)

	compiledCode, err := compiler.Compile(ast, compiler.WithGlobalNames(globalNames))
	if err != nil {
		return nil, err
	}
	return &risorExpression{compiler: c, code: compiledCode}, nil
}

// CheckSyntax reports whether code parses as a valid expression. It performs
// no evaluation, so it is safe to call on untrusted definitions.
func CheckSyntax(code string) error {
	_, err := parser.Parse(context.Background(), code)
	return err
}

type risorExpression struct {
	compiler *RisorCompiler
	code     *compiler.Code
}

func (e *risorExpression) Evaluate(ctx context.Context, globals map[string]any) (Value, error) {
	combined := make(map[string]any, len(e.compiler.globals)+len(globals))
	for name, value := range e.compiler.globals {
		combined[name] = value
	}
	for name, value := range globals {
		combined[name] = value
	}
	ctx, cancel := context.WithTimeout(ctx, e.compiler.budget)
	defer cancel()

	value, err := risor.EvalCode(ctx, e.code, risor.WithGlobals(combined))
	if err != nil {
		return nil, fmt.Errorf("failed to evaluate expression: %w", err)
	}
	return &risorValue{obj: value}, nil
}

type risorValue struct {
	obj object.Object
}

func (v *risorValue) Value() any {
	return ConvertRisorValueToGo(v.obj)
}

func (v *risorValue) IsTruthy() bool {
	switch obj := v.obj.(type) {
	case *object.Bool:
		return obj.Value()
	case *object.Int:
		return obj.Value() != 0
	case *object.Float:
		return obj.Value() != 0.0
	case *object.String:
		val := obj.Value()
		return val != "" && strings.ToLower(val) != "false"
	case *object.List:
		return len(obj.Value()) > 0
	case *object.Map:
		return len(obj.Value()) > 0
	default:
		return obj.IsTruthy()
	}
}

func (v *risorValue) String() string {
	switch o := v.obj.(type) {
	case *object.String:
		return o.Value()
	case *object.Int:
		return fmt.Sprintf("%d", o.Value())
	case *object.Float:
		return fmt.Sprintf("%g", o.Value())
	case *object.Bool:
		return fmt.Sprintf("%t", o.Value())
	case *object.Time:
		return o.Value().Format(time.RFC3339)
	case *object.NilType:
		return ""
	default:
		return v.obj.Inspect()
	}
}

// SafeGlobals returns the allow-listed Risor builtins that are deterministic
// and free of I/O. Everything else (os, exec, http, rand, time-of-day) is
// excluded so expressions cannot observe or mutate the outside world.
func SafeGlobals() map[string]any {
	safe := map[string]bool{
		"all":         true,
		"any":         true,
		"base64":      true,
		"bool":        true,
		"chunk":       true,
		"coalesce":    true,
		"decode":      true,
		"encode":      true,
		"error":       true,
		"errorf":      true,
		"float":       true,
		"getattr":     true,
		"int":         true,
		"is_hashable": true,
		"iter":        true,
		"json":        true,
		"keys":        true,
		"len":         true,
		"list":        true,
		"map":         true,
		"math":        true,
		"regexp":      true,
		"reversed":    true,
		"set":         true,
		"sorted":      true,
		"sprintf":     true,
		"string":      true,
		"strings":     true,
		"try":         true,
		"type":        true,
	}
	globals := map[string]any{}
	for name, value := range all.Builtins() {
		if safe[name] {
			globals[name] = value
		}
	}
	return globals
}
