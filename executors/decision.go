package executors

import (
	"context"
	"fmt"

	"github.com/deepnoodle-ai/conductor"
)

// Verdict is what a judgment service returns for one decision request.
type Verdict struct {
	Result      any     `json:"result"`
	Confidence  float64 `json:"confidence,omitempty"`
	Explanation string  `json:"explanation,omitempty"`
}

// JudgmentService is the collaborator behind decision-call nodes. It applies
// a named decision policy to a set of inputs and returns a verdict.
type JudgmentService interface {
	Decide(ctx context.Context, policy string, inputs map[string]any) (*Verdict, error)
}

// DecisionCallOptions configures a DecisionCall executor.
type DecisionCallOptions struct {
	Service JudgmentService
}

// DecisionCall asks an external judgment service for a verdict. Decision
// calls are read-only against the world, so retrying them is always safe.
type DecisionCall struct {
	service JudgmentService
}

// NewDecisionCall creates the decision-call executor.
func NewDecisionCall(opts DecisionCallOptions) (*DecisionCall, error) {
	if opts.Service == nil {
		return nil, fmt.Errorf("decision-call executor requires a judgment service")
	}
	return &DecisionCall{service: opts.Service}, nil
}

func (e *DecisionCall) Capability() conductor.Capability {
	return conductor.CapabilityDecisionCall
}

func (e *DecisionCall) Execute(ctx context.Context, input conductor.ExecutionInput) (any, error) {
	policy, ok := input.Config["policy"].(string)
	if !ok || policy == "" {
		return nil, conductor.NewError(conductor.ErrorKindPermanent, "decision-call node requires a policy")
	}
	inputs := resolveParams(input.Config["inputs"], input.Variables)

	verdict, err := e.service.Decide(ctx, policy, inputs)
	if err != nil {
		return nil, conductor.Classify(err)
	}
	if input.Logger != nil {
		input.Logger.Debug("decision received",
			"policy", policy,
			"confidence", verdict.Confidence)
	}
	return map[string]any{
		"result":      verdict.Result,
		"confidence":  verdict.Confidence,
		"explanation": verdict.Explanation,
	}, nil
}
