package expr

import (
	"context"
)

// Value represents the result of evaluating an expression.
type Value interface {

	// Value returns the Go value for this value as an any
	Value() any

	// String returns the string representation of this value
	String() string

	// IsTruthy returns true if this value is truthy
	IsTruthy() bool
}

// Expression is a compiled expression that can be evaluated repeatedly
// against different variable bindings.
type Expression interface {
	Evaluate(ctx context.Context, globals map[string]any) (Value, error)
}

// Compiler compiles expression source code into an Expression.
type Compiler interface {
	Compile(ctx context.Context, code string) (Expression, error)
}
