package conductor

import (
	"context"
	"time"
)

// Hooks defines the callback interface for instance lifecycle events.
type Hooks interface {
	// Instance-level hooks
	BeforeInstance(ctx context.Context, event *InstanceEvent)
	AfterInstance(ctx context.Context, event *InstanceEvent)

	// Node-level hooks
	BeforeNode(ctx context.Context, event *NodeEvent)
	AfterNode(ctx context.Context, event *NodeEvent)
}

// InstanceEvent provides context for instance-level lifecycle events.
type InstanceEvent struct {
	InstanceID   string
	DefinitionID string
	Status       InstanceStatus
	StartTime    time.Time
	EndTime      time.Time
	Duration     time.Duration
	Variables    map[string]any
	Reason       *FailureReason
}

// NodeEvent provides context for node execution events.
type NodeEvent struct {
	InstanceID   string
	DefinitionID string
	BranchID     string
	NodeID       string
	Capability   Capability
	Attempt      int
	Output       any
	StartTime    time.Time
	EndTime      time.Time
	Duration     time.Duration
	Error        error
}

// BaseHooks provides a default implementation that does nothing. Embed it to
// implement only the hooks you care about.
type BaseHooks struct{}

func (BaseHooks) BeforeInstance(ctx context.Context, event *InstanceEvent) {
	// noop
}

func (BaseHooks) AfterInstance(ctx context.Context, event *InstanceEvent) {
	// noop
}

func (BaseHooks) BeforeNode(ctx context.Context, event *NodeEvent) {
	// noop
}

func (BaseHooks) AfterNode(ctx context.Context, event *NodeEvent) {
	// noop
}

// HookChain fans events out to multiple hook implementations in order.
type HookChain struct {
	hooks []Hooks
}

// NewHookChain creates a chain over the given hooks.
func NewHookChain(hooks ...Hooks) *HookChain {
	return &HookChain{hooks: hooks}
}

// Add appends a hook to the chain.
func (c *HookChain) Add(h Hooks) {
	c.hooks = append(c.hooks, h)
}

func (c *HookChain) BeforeInstance(ctx context.Context, event *InstanceEvent) {
	for _, h := range c.hooks {
		h.BeforeInstance(ctx, event)
	}
}

func (c *HookChain) AfterInstance(ctx context.Context, event *InstanceEvent) {
	for _, h := range c.hooks {
		h.AfterInstance(ctx, event)
	}
}

func (c *HookChain) BeforeNode(ctx context.Context, event *NodeEvent) {
	for _, h := range c.hooks {
		h.BeforeNode(ctx, event)
	}
}

func (c *HookChain) AfterNode(ctx context.Context, event *NodeEvent) {
	for _, h := range c.hooks {
		h.AfterNode(ctx, event)
	}
}
