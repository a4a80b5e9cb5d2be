package conductor

import (
	"fmt"
	"regexp"

	"github.com/deepnoodle-ai/conductor/expr"
)

// ValidationError is one structural problem found in a definition.
type ValidationError struct {
	Code    string `json:"code"`
	NodeID  string `json:"node_id,omitempty"`
	Message string `json:"message"`
}

func (e ValidationError) Error() string {
	if e.NodeID != "" {
		return fmt.Sprintf("%s: node %q: %s", e.Code, e.NodeID, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// ValidationResult is the outcome of validating a definition. Validation
// never fails with a Go error; callers decide whether to block publication.
type ValidationResult struct {
	OK     bool              `json:"ok"`
	Errors []ValidationError `json:"errors,omitempty"`
}

func (r *ValidationResult) add(code, nodeID, format string, args ...any) {
	r.OK = false
	r.Errors = append(r.Errors, ValidationError{
		Code:    code,
		NodeID:  nodeID,
		Message: fmt.Sprintf(format, args...),
	})
}

// Secret-looking values must come from collaborator configuration, never
// from the definition itself.
var secretPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(password|passwd|secret|api[_-]?key|access[_-]?token)\s*[:=]\s*\S+`),
	regexp.MustCompile(`(?i)bearer\s+[A-Za-z0-9\-._~+/]{16,}`),
	regexp.MustCompile(`AKIA[0-9A-Z]{16}`),
	regexp.MustCompile(`-----BEGIN [A-Z ]*PRIVATE KEY-----`),
}

// Validate checks a definition for structural soundness. It is a pure
// function: no side effects, no I/O, and it never panics on malformed input.
func Validate(def *Definition) *ValidationResult {
	result := &ValidationResult{OK: true}

	if def == nil {
		result.add("empty_definition", "", "definition is nil")
		return result
	}
	if def.ID == "" {
		result.add("missing_id", "", "definition id is required")
	}
	if len(def.Nodes) == 0 {
		result.add("no_nodes", "", "definition must declare at least one node")
		return result
	}

	// Unique node ids
	nodesByID := make(map[string]*Node, len(def.Nodes))
	for _, node := range def.Nodes {
		if node.ID == "" {
			result.add("missing_node_id", "", "node id is required")
			continue
		}
		if _, dup := nodesByID[node.ID]; dup {
			result.add("duplicate_node_id", node.ID, "node id declared more than once")
			continue
		}
		nodesByID[node.ID] = node
	}

	// Edges reference declared nodes; guards parse
	for _, edge := range def.Edges {
		if _, ok := nodesByID[edge.From]; !ok {
			result.add("unknown_edge_endpoint", edge.From, "edge references undeclared node %q", edge.From)
		}
		if _, ok := nodesByID[edge.To]; !ok {
			result.add("unknown_edge_endpoint", edge.To, "edge references undeclared node %q", edge.To)
		}
		if edge.Guard != "" {
			if err := expr.CheckSyntax(edge.Guard); err != nil {
				result.add("invalid_guard", edge.From, "guard %q does not parse: %v", edge.Guard, err)
			}
		}
	}

	start := def.StartNode()
	if start == nil {
		result.add("missing_start", "", "start node %q not found", def.Start)
		return result
	}

	// Compensation handlers are entered by the engine, not by edges, so they
	// are exempt from reachability and orphan checks.
	handlers := map[string]bool{}
	for _, node := range def.Nodes {
		if node.Compensation != "" {
			handlers[node.Compensation] = true
		}
	}

	validateReachability(def, start, nodesByID, handlers, result)
	validateIncoming(def, start, handlers, result)
	validateCycles(def, nodesByID, result)
	for _, node := range def.Nodes {
		validateNodeConfig(def, node, result)
		validateSecrets(node, result)
	}
	validateEdgeModes(def, result)

	return result
}

func validateReachability(def *Definition, start *Node, nodesByID map[string]*Node, handlers map[string]bool, result *ValidationResult) {
	seen := map[string]bool{start.ID: true}
	queue := []string{start.ID}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, edge := range def.Outgoing(id) {
			if !seen[edge.To] {
				seen[edge.To] = true
				queue = append(queue, edge.To)
			}
		}
	}
	for id := range nodesByID {
		if !seen[id] && !handlers[id] {
			result.add("unreachable_node", id, "node is not reachable from start node %q", start.ID)
		}
	}
}

func validateIncoming(def *Definition, start *Node, handlers map[string]bool, result *ValidationResult) {
	for _, node := range def.Nodes {
		if node.ID == start.ID || handlers[node.ID] {
			continue
		}
		if len(def.Incoming(node.ID)) == 0 {
			result.add("orphan_node", node.ID, "node has no incoming edges and is not the start node")
		}
	}
}

// validateCycles runs a DFS over the edge set. A back edge is only legal when
// the cycle it closes passes through a loop-tagged node with a positive
// iteration bound. Exactly one error is reported per offending back edge.
func validateCycles(def *Definition, nodesByID map[string]*Node, result *ValidationResult) {
	const (
		unvisited = 0
		inStack   = 1
		done      = 2
	)
	state := make(map[string]int, len(def.Nodes))
	var stack []string

	var visit func(id string)
	visit = func(id string) {
		state[id] = inStack
		stack = append(stack, id)
		for _, edge := range def.Outgoing(id) {
			switch state[edge.To] {
			case unvisited:
				visit(edge.To)
			case inStack:
				// Found a cycle: the nodes from edge.To to the top of the
				// stack, plus the back edge.
				if !cycleHasLoopBound(stack, edge.To, nodesByID) {
					result.add("unbounded_cycle", edge.To,
						"cycle through node %q has no loop-tagged node with a max iteration bound", edge.To)
				}
			}
		}
		stack = stack[:len(stack)-1]
		state[id] = done
	}

	for _, node := range def.Nodes {
		if state[node.ID] == unvisited {
			visit(node.ID)
		}
	}
}

func cycleHasLoopBound(stack []string, entry string, nodesByID map[string]*Node) bool {
	inCycle := false
	for _, id := range stack {
		if id == entry {
			inCycle = true
		}
		if !inCycle {
			continue
		}
		if node, ok := nodesByID[id]; ok && node.Loop != nil && node.Loop.MaxIterations > 0 {
			return true
		}
	}
	return false
}

func validateNodeConfig(def *Definition, node *Node, result *ValidationResult) {
	switch node.Capability {
	case CapabilityDataFetch:
		if _, ok := node.Config["query"].(string); !ok {
			result.add("invalid_config", node.ID, "data-fetch node requires a string 'query' config")
		}
	case CapabilityTransform:
		code, ok := node.Config["expression"].(string)
		if !ok || code == "" {
			result.add("invalid_config", node.ID, "transform node requires a string 'expression' config")
		} else if err := expr.CheckSyntax(code); err != nil {
			result.add("invalid_config", node.ID, "transform expression does not parse: %v", err)
		}
	case CapabilityDecisionCall:
		if _, ok := node.Config["policy"].(string); !ok {
			result.add("invalid_config", node.ID, "decision-call node requires a string 'policy' config")
		}
	case CapabilityExternalCall:
		if _, ok := node.Config["tool"].(string); !ok {
			result.add("invalid_config", node.ID, "external-call node requires a string 'tool' config")
		}
	case CapabilityControlFlow:
		hasJoin := node.Join != nil
		hasWait := node.Wait != nil
		if !hasJoin && !hasWait && node.Loop == nil && len(def.Outgoing(node.ID)) == 0 {
			result.add("invalid_config", node.ID, "control-flow node must declare join, wait, loop, or outgoing edges")
		}
		if hasJoin {
			switch node.Join.Policy {
			case JoinAll, JoinAny:
			case JoinNOfM:
				if node.Join.Count <= 0 {
					result.add("invalid_config", node.ID, "n_of_m join requires a positive count")
				}
			default:
				result.add("invalid_config", node.ID, "unknown join policy %q", node.Join.Policy)
			}
		}
		if hasWait {
			if node.Wait.Event == "" && node.Wait.Duration <= 0 {
				result.add("invalid_config", node.ID, "wait node requires an event name or a positive duration")
			}
		}
	case CapabilityHumanGate:
		if node.Approval == nil || len(node.Approval.Approvers) == 0 {
			result.add("invalid_config", node.ID, "human-gate node requires an approver set")
		} else if node.Approval.Timeout > 0 {
			switch node.Approval.OnTimeout {
			case TimeoutReject, TimeoutEscalate, TimeoutAutoApprove:
			default:
				result.add("invalid_config", node.ID, "human-gate timeout requires an on_timeout policy")
			}
		}
	default:
		result.add("unknown_capability", node.ID, "unknown capability %q", node.Capability)
	}

	if node.Compensation != "" {
		if _, ok := def.Node(node.Compensation); !ok {
			result.add("unknown_compensation", node.ID, "compensation references undeclared node %q", node.Compensation)
		}
	}
}

func validateSecrets(node *Node, result *ValidationResult) {
	var scan func(v any)
	scan = func(v any) {
		switch val := v.(type) {
		case string:
			for _, pattern := range secretPatterns {
				if pattern.MatchString(val) {
					result.add("secret_in_config", node.ID, "config contains a secret-like literal")
					return
				}
			}
		case map[string]any:
			for _, item := range val {
				scan(item)
			}
		case []any:
			for _, item := range val {
				scan(item)
			}
		}
	}
	scan(node.Config)
}

// validateEdgeModes rejects ambiguous branching: multiple unguarded edges
// with no declared mode cannot be resolved at runtime, and an exclusive
// switch must end with an unguarded default case.
func validateEdgeModes(def *Definition, result *ValidationResult) {
	for _, node := range def.Nodes {
		edges := def.Outgoing(node.ID)
		if len(edges) < 2 {
			continue
		}
		unguarded := 0
		for _, e := range edges {
			if e.Guard == "" {
				unguarded++
			}
		}
		switch node.EdgeMode {
		case EdgeModeExclusive:
			if edges[len(edges)-1].Guard != "" {
				result.add("missing_default_case", node.ID, "exclusive branch requires a final unguarded default edge")
			}
		case EdgeModeFanOut:
			// all satisfied edges fire; unguarded edges always fire
		case "":
			if unguarded > 1 {
				result.add("ambiguous_edges", node.ID,
					"multiple unguarded edges require an explicit edge_mode")
			}
		default:
			result.add("invalid_config", node.ID, "unknown edge_mode %q", node.EdgeMode)
		}
	}
}
