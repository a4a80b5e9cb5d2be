package conductor

import (
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"sort"

	"github.com/goccy/go-json"
)

// ExecutionInput carries everything an executor needs for one attempt.
// Variables is a copy of the instance namespace; executors never mutate
// instance state directly, they return an output the scheduler merges.
type ExecutionInput struct {
	Node           *Node
	Config         map[string]any
	Variables      map[string]any
	InstanceID     string
	Attempt        int
	IdempotencyKey string
	Logger         *slog.Logger
}

// Executor performs the work of one capability class. Implementations must
// honor ctx cancellation and should use the idempotency key to make external
// effects safe to repeat across retries and crash recovery.
type Executor interface {
	Capability() Capability
	Execute(ctx context.Context, input ExecutionInput) (any, error)
}

// Registry maps capabilities to executors. It is immutable after creation.
type Registry struct {
	executors map[Capability]Executor
}

// NewRegistry builds a registry from the given executors. Registering two
// executors for the same capability is an error.
func NewRegistry(executors ...Executor) (*Registry, error) {
	r := &Registry{executors: map[Capability]Executor{}}
	for _, e := range executors {
		cap := e.Capability()
		if _, exists := r.executors[cap]; exists {
			return nil, fmt.Errorf("duplicate executor for capability %q", cap)
		}
		r.executors[cap] = e
	}
	return r, nil
}

// Resolve returns the executor for a capability.
func (r *Registry) Resolve(capability Capability) (Executor, error) {
	e, ok := r.executors[capability]
	if !ok {
		return nil, fmt.Errorf("no executor registered for capability %q", capability)
	}
	return e, nil
}

// Capabilities returns the registered capability names, sorted.
func (r *Registry) Capabilities() []Capability {
	caps := make([]Capability, 0, len(r.executors))
	for c := range r.executors {
		caps = append(caps, c)
	}
	sort.Slice(caps, func(i, j int) bool { return caps[i] < caps[j] })
	return caps
}

// NodeIdempotencyKey derives a stable key from the node id and its resolved
// input. The same node with the same input always yields the same key, so
// retries and crash recovery repeat side effects safely.
func NodeIdempotencyKey(instanceID, nodeID string, input map[string]any) string {
	canonical, err := canonicalJSON(input)
	if err != nil {
		// Unserializable inputs degrade to a per-node key.
		canonical = []byte(nodeID)
	}
	sum := sha256.Sum256(append([]byte(instanceID+"/"+nodeID+"/"), canonical...))
	return fmt.Sprintf("%x", sum[:16])
}

// canonicalJSON marshals with sorted keys at every level so logically equal
// maps produce identical bytes.
func canonicalJSON(v any) ([]byte, error) {
	normalized := normalize(v)
	return json.Marshal(normalized)
}

func normalize(v any) any {
	switch t := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := make([]any, 0, len(keys))
		for _, k := range keys {
			out = append(out, []any{k, normalize(t[k])})
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = normalize(item)
		}
		return out
	default:
		return v
	}
}
