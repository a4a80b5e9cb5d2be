package executors

import (
	"context"
	"fmt"
	"time"

	"github.com/deepnoodle-ai/conductor"
)

// ToolResult is the outcome of one gateway invocation.
type ToolResult struct {
	Output  any           `json:"output"`
	Latency time.Duration `json:"latency,omitempty"`
}

// ToolGateway is the collaborator behind external-call nodes. Invocations
// may have side effects in the target system; implementations must treat the
// idempotency key as the deduplication handle.
type ToolGateway interface {
	Invoke(ctx context.Context, tool string, args map[string]any, idempotencyKey string) (*ToolResult, error)
}

// ExternalCallOptions configures an ExternalCall executor.
type ExternalCallOptions struct {
	Gateway ToolGateway
}

// ExternalCall invokes a tool through a gateway. The node's "target" config
// names the downstream system for circuit-breaker scoping; "fallback"
// supplies a static result used when the breaker refuses the call.
type ExternalCall struct {
	gateway ToolGateway
}

// NewExternalCall creates the external-call executor.
func NewExternalCall(opts ExternalCallOptions) (*ExternalCall, error) {
	if opts.Gateway == nil {
		return nil, fmt.Errorf("external-call executor requires a tool gateway")
	}
	return &ExternalCall{gateway: opts.Gateway}, nil
}

func (e *ExternalCall) Capability() conductor.Capability {
	return conductor.CapabilityExternalCall
}

func (e *ExternalCall) Execute(ctx context.Context, input conductor.ExecutionInput) (any, error) {
	tool, ok := input.Config["tool"].(string)
	if !ok || tool == "" {
		return nil, conductor.NewError(conductor.ErrorKindPermanent, "external-call node requires a tool")
	}
	args := resolveParams(input.Config["args"], input.Variables)

	result, err := e.gateway.Invoke(ctx, tool, args, input.IdempotencyKey)
	if err != nil {
		return nil, conductor.Classify(err)
	}
	if input.Logger != nil {
		input.Logger.Debug("external call complete",
			"tool", tool,
			"latency", result.Latency)
	}
	return map[string]any{"output": result.Output}, nil
}

// Target returns the breaker scope target for an external-call node,
// defaulting to the tool name when no explicit target is configured.
func Target(config map[string]any) string {
	if t, ok := config["target"].(string); ok && t != "" {
		return t
	}
	if t, ok := config["tool"].(string); ok {
		return t
	}
	return "default"
}

// Fallback returns the configured static fallback result, if any.
func Fallback(config map[string]any) (any, bool) {
	v, ok := config["fallback"]
	return v, ok
}
