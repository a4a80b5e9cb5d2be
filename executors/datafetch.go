// Package executors provides the built-in executors for the standard
// capability classes. Each executor delegates the actual side effect to a
// narrow collaborator interface so callers can plug in real systems or fakes.
package executors

import (
	"context"
	"fmt"

	"github.com/deepnoodle-ai/conductor"
)

// DataSource is the read-only collaborator behind data-fetch nodes.
type DataSource interface {
	// Query runs a named query with bound parameters and returns rows.
	Query(ctx context.Context, query string, params map[string]any) ([]map[string]any, error)
}

// DataFetchOptions configures a DataFetch executor.
type DataFetchOptions struct {
	Source DataSource
}

// DataFetch reads from a data source. Fetches are assumed idempotent, so the
// scheduler retries them freely.
type DataFetch struct {
	source DataSource
}

// NewDataFetch creates the data-fetch executor.
func NewDataFetch(opts DataFetchOptions) (*DataFetch, error) {
	if opts.Source == nil {
		return nil, fmt.Errorf("data-fetch executor requires a data source")
	}
	return &DataFetch{source: opts.Source}, nil
}

func (e *DataFetch) Capability() conductor.Capability {
	return conductor.CapabilityDataFetch
}

// Execute runs the configured query. Parameter values naming a variable are
// resolved from the instance namespace; everything else passes through as a
// literal.
func (e *DataFetch) Execute(ctx context.Context, input conductor.ExecutionInput) (any, error) {
	query, ok := input.Config["query"].(string)
	if !ok || query == "" {
		return nil, conductor.NewError(conductor.ErrorKindPermanent, "data-fetch node requires a query")
	}
	params := resolveParams(input.Config["params"], input.Variables)

	rows, err := e.source.Query(ctx, query, params)
	if err != nil {
		return nil, conductor.Classify(err)
	}
	if input.Logger != nil {
		input.Logger.Debug("data fetch complete",
			"query", query,
			"rows", len(rows))
	}
	return map[string]any{"rows": rows, "count": len(rows)}, nil
}

// resolveParams maps param declarations to concrete values. String values
// that name an existing variable resolve to that variable; all other values
// are literals.
func resolveParams(raw any, variables map[string]any) map[string]any {
	declared, ok := raw.(map[string]any)
	if !ok {
		return map[string]any{}
	}
	params := make(map[string]any, len(declared))
	for name, value := range declared {
		if ref, isString := value.(string); isString {
			if bound, exists := variables[ref]; exists {
				params[name] = bound
				continue
			}
		}
		params[name] = value
	}
	return params
}
