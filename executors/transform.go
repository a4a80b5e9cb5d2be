package executors

import (
	"context"
	"fmt"

	"github.com/deepnoodle-ai/conductor"
	"github.com/deepnoodle-ai/conductor/expr"
)

// TransformOptions configures a Transform executor.
type TransformOptions struct {
	Compiler expr.Compiler
}

// Transform evaluates a pure expression over the instance variables. It has
// no collaborators and no side effects, so failures are never retried for
// effect reasons: a transform either computes or it is a definition bug.
type Transform struct {
	compiler expr.Compiler
}

// NewTransform creates the transform executor.
func NewTransform(opts TransformOptions) (*Transform, error) {
	if opts.Compiler == nil {
		return nil, fmt.Errorf("transform executor requires a compiler")
	}
	return &Transform{compiler: opts.Compiler}, nil
}

func (e *Transform) Capability() conductor.Capability {
	return conductor.CapabilityTransform
}

func (e *Transform) Execute(ctx context.Context, input conductor.ExecutionInput) (any, error) {
	code, ok := input.Config["expression"].(string)
	if !ok || code == "" {
		return nil, conductor.NewError(conductor.ErrorKindPermanent, "transform node requires an expression")
	}
	compiled, err := e.compiler.Compile(ctx, code)
	if err != nil {
		return nil, conductor.WrapError(conductor.ErrorKindPermanent, err)
	}
	value, err := compiled.Evaluate(ctx, map[string]any{
		"state":  input.Variables,
		"inputs": input.Variables,
	})
	if err != nil {
		return nil, conductor.WrapError(conductor.ErrorKindPermanent,
			fmt.Errorf("transform evaluation failed: %w", err))
	}
	return value.Value(), nil
}
