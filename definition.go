package conductor

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Capability names the class of work a node performs. The executor registry
// maps each capability to a concrete executor; control-flow and human-gate
// nodes are handled natively by the scheduler.
type Capability string

const (
	CapabilityDataFetch    Capability = "data-fetch"
	CapabilityTransform    Capability = "transform"
	CapabilityDecisionCall Capability = "decision-call"
	CapabilityExternalCall Capability = "external-call"
	CapabilityControlFlow  Capability = "control-flow"
	CapabilityHumanGate    Capability = "human-gate"
)

// EdgeMode controls how a node's outgoing guarded edges are resolved.
type EdgeMode string

const (
	// EdgeModeExclusive takes the first edge whose guard is satisfied, in
	// declaration order. The final edge must be unguarded (the default case).
	EdgeModeExclusive EdgeMode = "exclusive"

	// EdgeModeFanOut follows every edge whose guard is satisfied, spawning a
	// parallel branch per edge.
	EdgeModeFanOut EdgeMode = "fanout"
)

// JoinPolicy decides when a fan-in node fires.
type JoinPolicy string

const (
	JoinAll    JoinPolicy = "all"
	JoinAny    JoinPolicy = "any"
	JoinNOfM   JoinPolicy = "n_of_m"
	JoinPolicyDefault    = JoinAll
)

// JoinConfig configures a fan-in (control-flow) node.
type JoinConfig struct {
	Policy JoinPolicy `json:"policy" yaml:"policy"`
	Count  int        `json:"count,omitempty" yaml:"count,omitempty"`
}

// WaitConfig configures a suspend-resume (control-flow) node. Exactly one of
// Event or Duration must be set.
type WaitConfig struct {
	Event    string   `json:"event,omitempty" yaml:"event,omitempty"`
	Duration Duration `json:"duration,omitempty" yaml:"duration,omitempty"`
}

// TimeoutPolicy decides what happens when an approval gate times out.
type TimeoutPolicy string

const (
	TimeoutReject      TimeoutPolicy = "reject"
	TimeoutEscalate    TimeoutPolicy = "escalate"
	TimeoutAutoApprove TimeoutPolicy = "auto_approve"
)

// ApprovalConfig configures a human-gate node.
type ApprovalConfig struct {
	Approvers []string      `json:"approvers" yaml:"approvers"`
	Timeout   Duration      `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	OnTimeout TimeoutPolicy `json:"on_timeout,omitempty" yaml:"on_timeout,omitempty"`
}

// LoopConfig tags a node as a bounded loop head. Cycles through untagged
// nodes are validation errors; tagged cycles stop after MaxIterations.
type LoopConfig struct {
	MaxIterations int `json:"max_iterations" yaml:"max_iterations"`
}

// BackoffKind selects the retry delay curve.
type BackoffKind string

const (
	BackoffFixed       BackoffKind = "fixed"
	BackoffLinear      BackoffKind = "linear"
	BackoffExponential BackoffKind = "exponential"
)

// RetryPolicy configures per-node retry behavior. MaxAttempts counts the
// first attempt, so MaxAttempts=3 means at most two retries.
type RetryPolicy struct {
	MaxAttempts int         `json:"max_attempts" yaml:"max_attempts"`
	Backoff     BackoffKind `json:"backoff,omitempty" yaml:"backoff,omitempty"`
	BaseDelay   Duration    `json:"base_delay,omitempty" yaml:"base_delay,omitempty"`
	MaxDelay    Duration    `json:"max_delay,omitempty" yaml:"max_delay,omitempty"`
	Jitter      bool        `json:"jitter,omitempty" yaml:"jitter,omitempty"`
	RetryOn     []ErrorKind `json:"retry_on,omitempty" yaml:"retry_on,omitempty"`
}

// BreakerPolicy configures the circuit breaker for a (capability, target)
// scope: a sliding window of the last Window outcomes opens the breaker when
// the failure ratio exceeds FailureRatio.
type BreakerPolicy struct {
	Window         int      `json:"window" yaml:"window"`
	FailureRatio   float64  `json:"failure_ratio" yaml:"failure_ratio"`
	Cooldown       Duration `json:"cooldown" yaml:"cooldown"`
	HalfOpenProbes int      `json:"half_open_probes,omitempty" yaml:"half_open_probes,omitempty"`
}

// Policies holds definition-wide defaults applied to nodes that do not
// declare their own.
type Policies struct {
	Retry   *RetryPolicy   `json:"retry,omitempty" yaml:"retry,omitempty"`
	Breaker *BreakerPolicy `json:"breaker,omitempty" yaml:"breaker,omitempty"`
}

// Node is a single unit of work in a definition.
type Node struct {
	ID           string          `json:"id" yaml:"id"`
	Capability   Capability      `json:"capability" yaml:"capability"`
	Config       map[string]any  `json:"config,omitempty" yaml:"config,omitempty"`
	Timeout      Duration        `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	Retry        *RetryPolicy    `json:"retry,omitempty" yaml:"retry,omitempty"`
	EdgeMode     EdgeMode        `json:"edge_mode,omitempty" yaml:"edge_mode,omitempty"`
	Store        string          `json:"store,omitempty" yaml:"store,omitempty"`
	Compensation string          `json:"compensation,omitempty" yaml:"compensation,omitempty"`
	Join         *JoinConfig     `json:"join,omitempty" yaml:"join,omitempty"`
	Wait         *WaitConfig     `json:"wait,omitempty" yaml:"wait,omitempty"`
	Approval     *ApprovalConfig `json:"approval,omitempty" yaml:"approval,omitempty"`
	Loop         *LoopConfig     `json:"loop,omitempty" yaml:"loop,omitempty"`
}

// Edge connects two nodes, optionally gated by a guard expression evaluated
// over the instance's variable namespace.
type Edge struct {
	From  string `json:"from" yaml:"from"`
	To    string `json:"to" yaml:"to"`
	Guard string `json:"guard,omitempty" yaml:"guard,omitempty"`
}

// Definition is an immutable, versioned workflow graph. Publishing through
// the engine assigns the version; a published definition is never mutated and
// changes always produce a new version.
type Definition struct {
	ID          string         `json:"id" yaml:"id"`
	Version     int            `json:"version,omitempty" yaml:"version,omitempty"`
	Description string         `json:"description,omitempty" yaml:"description,omitempty"`
	Start       string         `json:"start,omitempty" yaml:"start,omitempty"`
	Nodes       []*Node        `json:"nodes" yaml:"nodes"`
	Edges       []*Edge        `json:"edges,omitempty" yaml:"edges,omitempty"`
	Policies    *Policies      `json:"policies,omitempty" yaml:"policies,omitempty"`
	Variables   map[string]any `json:"variables,omitempty" yaml:"variables,omitempty"`
}

// Node returns the node with the given id.
func (d *Definition) Node(id string) (*Node, bool) {
	for _, n := range d.Nodes {
		if n.ID == id {
			return n, true
		}
	}
	return nil, false
}

// StartNode returns the declared start node, defaulting to the first node.
func (d *Definition) StartNode() *Node {
	if d.Start != "" {
		if n, ok := d.Node(d.Start); ok {
			return n
		}
	}
	if len(d.Nodes) > 0 {
		return d.Nodes[0]
	}
	return nil
}

// Outgoing returns the edges leaving a node, in declaration order.
func (d *Definition) Outgoing(nodeID string) []*Edge {
	var edges []*Edge
	for _, e := range d.Edges {
		if e.From == nodeID {
			edges = append(edges, e)
		}
	}
	return edges
}

// Incoming returns the edges arriving at a node, in declaration order.
func (d *Definition) Incoming(nodeID string) []*Edge {
	var edges []*Edge
	for _, e := range d.Edges {
		if e.To == nodeID {
			edges = append(edges, e)
		}
	}
	return edges
}

// RetryPolicyFor returns the effective retry policy for a node, falling back
// to the definition default. Nil means no retries.
func (d *Definition) RetryPolicyFor(node *Node) *RetryPolicy {
	if node.Retry != nil {
		return node.Retry
	}
	if d.Policies != nil {
		return d.Policies.Retry
	}
	return nil
}

// LoadFile loads a definition from a YAML file.
func LoadFile(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read definition file: %w", err)
	}
	return LoadString(string(data))
}

// LoadString loads a definition from a YAML string.
func LoadString(data string) (*Definition, error) {
	var def Definition
	if err := yaml.Unmarshal([]byte(data), &def); err != nil {
		return nil, fmt.Errorf("failed to unmarshal definition: %w", err)
	}
	return &def, nil
}

// Duration wraps time.Duration so definitions can say "30s" in YAML or JSON.
type Duration time.Duration

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(fmt.Sprintf("%q", time.Duration(d).String())), nil
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	s := string(data)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		parsed, err := time.ParseDuration(s[1 : len(s)-1])
		if err != nil {
			return err
		}
		*d = Duration(parsed)
		return nil
	}
	var ns int64
	if _, err := fmt.Sscanf(s, "%d", &ns); err != nil {
		return fmt.Errorf("invalid duration %q", s)
	}
	*d = Duration(ns)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err == nil {
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		*d = Duration(parsed)
		return nil
	}
	var ns int64
	if err := value.Decode(&ns); err != nil {
		return fmt.Errorf("invalid duration node")
	}
	*d = Duration(ns)
	return nil
}
