package conductor

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func errorCodes(result *ValidationResult) []string {
	var codes []string
	for _, e := range result.Errors {
		codes = append(codes, e.Code)
	}
	return codes
}

func TestValidateAcceptsSoundDefinition(t *testing.T) {
	def := &Definition{
		ID:    "sound",
		Start: "fetch",
		Nodes: []*Node{
			{ID: "fetch", Capability: CapabilityDataFetch, Config: map[string]any{"query": "orders"}},
			{ID: "decide", Capability: CapabilityDecisionCall, Config: map[string]any{"policy": "risk"}, Store: "decision", EdgeMode: EdgeModeExclusive},
			{ID: "accept", Capability: CapabilityExternalCall, Config: map[string]any{"tool": "erp.accept"}},
			{ID: "reject", Capability: CapabilityExternalCall, Config: map[string]any{"tool": "erp.reject"}},
		},
		Edges: []*Edge{
			{From: "fetch", To: "decide"},
			{From: "decide", To: "accept", Guard: `state["decision"]["result"] == "approve"`},
			{From: "decide", To: "reject"},
		},
	}
	result := Validate(def)
	require.True(t, result.OK, "unexpected errors: %v", result.Errors)
}

func TestValidateNilAndEmpty(t *testing.T) {
	require.Contains(t, errorCodes(Validate(nil)), "empty_definition")
	require.Contains(t, errorCodes(Validate(&Definition{ID: "x"})), "no_nodes")
	result := Validate(&Definition{Nodes: []*Node{{ID: "a", Capability: CapabilityTransform, Config: map[string]any{"expression": "1"}}}})
	require.Contains(t, errorCodes(result), "missing_id")
}

func TestValidateDuplicateNodeIDs(t *testing.T) {
	def := &Definition{
		ID: "dup",
		Nodes: []*Node{
			{ID: "a", Capability: CapabilityTransform, Config: map[string]any{"expression": "1"}},
			{ID: "a", Capability: CapabilityTransform, Config: map[string]any{"expression": "2"}},
		},
	}
	require.Contains(t, errorCodes(Validate(def)), "duplicate_node_id")
}

func TestValidateEdgeEndpointsAndGuards(t *testing.T) {
	def := &Definition{
		ID: "edges",
		Nodes: []*Node{
			{ID: "a", Capability: CapabilityTransform, Config: map[string]any{"expression": "1"}},
		},
		Edges: []*Edge{
			{From: "a", To: "ghost"},
			{From: "a", To: "a", Guard: "((("},
		},
	}
	codes := errorCodes(Validate(def))
	require.Contains(t, codes, "unknown_edge_endpoint")
	require.Contains(t, codes, "invalid_guard")
}

func TestValidateUnreachableAndOrphanNodes(t *testing.T) {
	def := &Definition{
		ID:    "island",
		Start: "a",
		Nodes: []*Node{
			{ID: "a", Capability: CapabilityTransform, Config: map[string]any{"expression": "1"}},
			{ID: "island", Capability: CapabilityTransform, Config: map[string]any{"expression": "2"}},
		},
	}
	codes := errorCodes(Validate(def))
	require.Contains(t, codes, "unreachable_node")
	require.Contains(t, codes, "orphan_node")
}

func TestValidateCompensationHandlersAreExempt(t *testing.T) {
	def := &Definition{
		ID:    "saga",
		Start: "reserve",
		Nodes: []*Node{
			{ID: "reserve", Capability: CapabilityExternalCall, Config: map[string]any{"tool": "reserve"}, Compensation: "unreserve"},
			{ID: "unreserve", Capability: CapabilityExternalCall, Config: map[string]any{"tool": "unreserve"}},
		},
	}
	result := Validate(def)
	require.True(t, result.OK, "unexpected errors: %v", result.Errors)
}

func TestValidateUnknownCompensation(t *testing.T) {
	def := &Definition{
		ID: "saga",
		Nodes: []*Node{
			{ID: "reserve", Capability: CapabilityExternalCall, Config: map[string]any{"tool": "reserve"}, Compensation: "ghost"},
		},
	}
	require.Contains(t, errorCodes(Validate(def)), "unknown_compensation")
}

func TestValidateCycles(t *testing.T) {
	t.Run("unbounded cycle rejected exactly once", func(t *testing.T) {
		def := &Definition{
			ID:    "cycle",
			Start: "a",
			Nodes: []*Node{
				{ID: "a", Capability: CapabilityTransform, Config: map[string]any{"expression": "1"}},
				{ID: "b", Capability: CapabilityTransform, Config: map[string]any{"expression": "2"}},
			},
			Edges: []*Edge{
				{From: "a", To: "b"},
				{From: "b", To: "a"},
			},
		}
		result := Validate(def)
		count := 0
		for _, e := range result.Errors {
			if e.Code == "unbounded_cycle" {
				count++
			}
		}
		require.Equal(t, 1, count)
	})

	t.Run("loop-tagged cycle accepted", func(t *testing.T) {
		def := &Definition{
			ID:    "poller",
			Start: "poll",
			Nodes: []*Node{
				{ID: "poll", Capability: CapabilityDataFetch, Config: map[string]any{"query": "status"}, Loop: &LoopConfig{MaxIterations: 5}},
			},
			Edges: []*Edge{{From: "poll", To: "poll"}},
		}
		result := Validate(def)
		require.True(t, result.OK, "unexpected errors: %v", result.Errors)
	})
}

func TestValidateNodeConfigs(t *testing.T) {
	cases := []struct {
		name string
		node *Node
	}{
		{"data-fetch without query", &Node{ID: "n", Capability: CapabilityDataFetch}},
		{"transform without expression", &Node{ID: "n", Capability: CapabilityTransform}},
		{"transform with bad expression", &Node{ID: "n", Capability: CapabilityTransform, Config: map[string]any{"expression": "((("}}},
		{"decision without policy", &Node{ID: "n", Capability: CapabilityDecisionCall}},
		{"external-call without tool", &Node{ID: "n", Capability: CapabilityExternalCall}},
		{"human-gate without approvers", &Node{ID: "n", Capability: CapabilityHumanGate}},
		{"wait without event or duration", &Node{ID: "n", Capability: CapabilityControlFlow, Wait: &WaitConfig{}}},
		{"n_of_m join without count", &Node{ID: "n", Capability: CapabilityControlFlow, Join: &JoinConfig{Policy: JoinNOfM}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			def := &Definition{ID: "d", Nodes: []*Node{tc.node}}
			require.Contains(t, errorCodes(Validate(def)), "invalid_config")
		})
	}

	t.Run("unknown capability", func(t *testing.T) {
		def := &Definition{ID: "d", Nodes: []*Node{{ID: "n", Capability: "teleport"}}}
		require.Contains(t, errorCodes(Validate(def)), "unknown_capability")
	})

	t.Run("human-gate timeout requires policy", func(t *testing.T) {
		def := &Definition{ID: "d", Nodes: []*Node{{
			ID: "n", Capability: CapabilityHumanGate,
			Approval: &ApprovalConfig{Approvers: []string{"ops"}, Timeout: Duration(1)},
		}}}
		require.Contains(t, errorCodes(Validate(def)), "invalid_config")
	})
}

func TestValidateSecretsInConfig(t *testing.T) {
	def := &Definition{
		ID: "leaky",
		Nodes: []*Node{
			{ID: "n", Capability: CapabilityExternalCall, Config: map[string]any{
				"tool":    "erp",
				"headers": map[string]any{"auth": "api_key=sk-live-123456"},
			}},
		},
	}
	require.Contains(t, errorCodes(Validate(def)), "secret_in_config")
}

func TestValidateEdgeModes(t *testing.T) {
	t.Run("exclusive requires trailing default", func(t *testing.T) {
		def := &Definition{
			ID:    "switch",
			Start: "a",
			Nodes: []*Node{
				{ID: "a", Capability: CapabilityTransform, Config: map[string]any{"expression": "1"}, EdgeMode: EdgeModeExclusive},
				{ID: "b", Capability: CapabilityTransform, Config: map[string]any{"expression": "1"}},
				{ID: "c", Capability: CapabilityTransform, Config: map[string]any{"expression": "1"}},
			},
			Edges: []*Edge{
				{From: "a", To: "b", Guard: "true"},
				{From: "a", To: "c", Guard: "false"},
			},
		}
		require.Contains(t, errorCodes(Validate(def)), "missing_default_case")
	})

	t.Run("multiple unguarded edges without mode are ambiguous", func(t *testing.T) {
		def := &Definition{
			ID:    "ambiguous",
			Start: "a",
			Nodes: []*Node{
				{ID: "a", Capability: CapabilityTransform, Config: map[string]any{"expression": "1"}},
				{ID: "b", Capability: CapabilityTransform, Config: map[string]any{"expression": "1"}},
				{ID: "c", Capability: CapabilityTransform, Config: map[string]any{"expression": "1"}},
			},
			Edges: []*Edge{
				{From: "a", To: "b"},
				{From: "a", To: "c"},
			},
		}
		require.Contains(t, errorCodes(Validate(def)), "ambiguous_edges")
	})
}
