package conductor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/deepnoodle-ai/conductor/breaker"
	"github.com/stretchr/testify/require"
)

// stubExecutor adapts a function to the Executor interface for tests.
type stubExecutor struct {
	capability Capability
	fn         func(ctx context.Context, input ExecutionInput) (any, error)
}

func (s *stubExecutor) Capability() Capability {
	return s.capability
}

func (s *stubExecutor) Execute(ctx context.Context, input ExecutionInput) (any, error) {
	return s.fn(ctx, input)
}

func stub(capability Capability, fn func(ctx context.Context, input ExecutionInput) (any, error)) Executor {
	return &stubExecutor{capability: capability, fn: fn}
}

func okStub(capability Capability) Executor {
	return stub(capability, func(ctx context.Context, input ExecutionInput) (any, error) {
		return map[string]any{"ok": true}, nil
	})
}

func newTestScheduler(t *testing.T, def *Definition, input map[string]any, executors ...Executor) *Scheduler {
	t.Helper()
	registry, err := NewRegistry(executors...)
	require.NoError(t, err)
	s, err := NewScheduler(SchedulerOptions{
		Definition: def,
		Registry:   registry,
		Input:      input,
	})
	require.NoError(t, err)
	return s
}

func TestLinearWorkflowCompletes(t *testing.T) {
	def := &Definition{
		ID:    "order-intake",
		Start: "fetch",
		Nodes: []*Node{
			{ID: "fetch", Capability: CapabilityDataFetch, Config: map[string]any{"query": "orders"}, Store: "orders"},
			{ID: "total", Capability: CapabilityTransform, Config: map[string]any{"expression": `1`}, Store: "total"},
			{ID: "notify", Capability: CapabilityExternalCall, Config: map[string]any{"tool": "mail.send"}},
		},
		Edges: []*Edge{
			{From: "fetch", To: "total"},
			{From: "total", To: "notify"},
		},
	}

	var notified bool
	s := newTestScheduler(t, def, map[string]any{"customer": "c-1"},
		stub(CapabilityDataFetch, func(ctx context.Context, input ExecutionInput) (any, error) {
			return map[string]any{"rows": []any{"a", "b"}}, nil
		}),
		stub(CapabilityTransform, func(ctx context.Context, input ExecutionInput) (any, error) {
			return 42, nil
		}),
		stub(CapabilityExternalCall, func(ctx context.Context, input ExecutionInput) (any, error) {
			notified = true
			require.NotEmpty(t, input.IdempotencyKey)
			return map[string]any{"sent": true}, nil
		}),
	)

	status, err := s.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, status)
	require.True(t, notified)

	snap := s.Snapshot()
	require.Equal(t, StatusCompleted, snap.Status)
	require.EqualValues(t, 42, snap.Variables["total"])
	require.Equal(t, "c-1", snap.Variables["customer"])
	require.NotNil(t, snap.Variables["orders"])
	require.Empty(t, snap.Frontier)
}

func TestExclusiveSwitchTakesFirstMatch(t *testing.T) {
	def := &Definition{
		ID:    "triage",
		Start: "decide",
		Nodes: []*Node{
			{ID: "decide", Capability: CapabilityDecisionCall, Config: map[string]any{"policy": "risk"}, Store: "decision", EdgeMode: EdgeModeExclusive},
			{ID: "approve", Capability: CapabilityTransform, Config: map[string]any{"expression": `"approved"`}, Store: "outcome"},
			{ID: "review", Capability: CapabilityTransform, Config: map[string]any{"expression": `"review"`}, Store: "outcome"},
		},
		Edges: []*Edge{
			{From: "decide", To: "approve", Guard: `state["decision"]["result"] == "approve"`},
			{From: "decide", To: "review"},
		},
	}

	s := newTestScheduler(t, def, nil,
		stub(CapabilityDecisionCall, func(ctx context.Context, input ExecutionInput) (any, error) {
			return map[string]any{"result": "approve", "confidence": 0.9}, nil
		}),
		stub(CapabilityTransform, func(ctx context.Context, input ExecutionInput) (any, error) {
			code := input.Config["expression"].(string)
			if code == `"approved"` {
				return "approved", nil
			}
			return "review", nil
		}),
	)

	status, err := s.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, status)
	require.Equal(t, "approved", s.Snapshot().Variables["outcome"])

	// The losing edge's node never ran
	for _, r := range s.Snapshot().Records {
		require.NotEqual(t, "review", r.NodeID)
	}
}

func TestFanOutAndJoinAll(t *testing.T) {
	def := &Definition{
		ID:    "parallel-checks",
		Start: "split",
		Nodes: []*Node{
			{ID: "split", Capability: CapabilityControlFlow, EdgeMode: EdgeModeFanOut},
			{ID: "credit", Capability: CapabilityDataFetch, Config: map[string]any{"query": "credit"}, Store: "credit"},
			{ID: "stock", Capability: CapabilityDataFetch, Config: map[string]any{"query": "stock"}, Store: "stock"},
			{ID: "merge", Capability: CapabilityControlFlow, Join: &JoinConfig{Policy: JoinAll}},
			{ID: "finish", Capability: CapabilityTransform, Config: map[string]any{"expression": `"done"`}, Store: "result"},
		},
		Edges: []*Edge{
			{From: "split", To: "credit"},
			{From: "split", To: "stock"},
			{From: "credit", To: "merge"},
			{From: "stock", To: "merge"},
			{From: "merge", To: "finish"},
		},
	}

	s := newTestScheduler(t, def, nil,
		stub(CapabilityDataFetch, func(ctx context.Context, input ExecutionInput) (any, error) {
			return map[string]any{"checked": input.Config["query"]}, nil
		}),
		stub(CapabilityTransform, func(ctx context.Context, input ExecutionInput) (any, error) {
			return "done", nil
		}),
	)

	status, err := s.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, status)

	vars := s.Snapshot().Variables
	require.NotNil(t, vars["credit"])
	require.NotNil(t, vars["stock"])
	require.Equal(t, "done", vars["result"])
}

func TestJoinAnyCancelsSiblings(t *testing.T) {
	def := &Definition{
		ID:    "race",
		Start: "split",
		Nodes: []*Node{
			{ID: "split", Capability: CapabilityControlFlow, EdgeMode: EdgeModeFanOut},
			{ID: "fast", Capability: CapabilityDataFetch, Config: map[string]any{"query": "fast"}, Store: "fast"},
			{ID: "slow", Capability: CapabilityExternalCall, Config: map[string]any{"tool": "slow"}},
			{ID: "first", Capability: CapabilityControlFlow, Join: &JoinConfig{Policy: JoinAny}},
		},
		Edges: []*Edge{
			{From: "split", To: "fast"},
			{From: "split", To: "slow"},
			{From: "fast", To: "first"},
			{From: "slow", To: "first"},
		},
	}

	slowStarted := make(chan struct{})
	s := newTestScheduler(t, def, nil,
		stub(CapabilityDataFetch, func(ctx context.Context, input ExecutionInput) (any, error) {
			<-slowStarted // make the race deterministic
			return map[string]any{"winner": "fast"}, nil
		}),
		stub(CapabilityExternalCall, func(ctx context.Context, input ExecutionInput) (any, error) {
			close(slowStarted)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(10 * time.Second):
				return map[string]any{"winner": "slow"}, nil
			}
		}),
	)

	status, err := s.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, status)
	require.Equal(t, map[string]any{"winner": "fast"}, s.Snapshot().Variables["fast"])

	cancelled := 0
	for _, b := range s.state.Branches() {
		if b.Status == BranchCancelled {
			cancelled++
		}
	}
	require.Equal(t, 1, cancelled)
}

func TestRetrySucceedsAfterTransientFailures(t *testing.T) {
	def := &Definition{
		ID:    "flaky",
		Start: "call",
		Nodes: []*Node{
			{
				ID: "call", Capability: CapabilityExternalCall,
				Config: map[string]any{"tool": "erp"},
				Retry:  &RetryPolicy{MaxAttempts: 3, BaseDelay: Duration(time.Millisecond)},
			},
		},
	}

	attempts := 0
	s := newTestScheduler(t, def, nil,
		stub(CapabilityExternalCall, func(ctx context.Context, input ExecutionInput) (any, error) {
			attempts++
			if attempts < 3 {
				return nil, NewError(ErrorKindTransient, "connection reset")
			}
			return map[string]any{"done": true}, nil
		}),
	)

	status, err := s.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, status)
	require.Equal(t, 3, attempts)

	var statuses []RecordStatus
	for _, r := range s.Snapshot().Records {
		statuses = append(statuses, r.Status)
	}
	require.Equal(t, []RecordStatus{RecordRetrying, RecordRetrying, RecordSucceeded}, statuses)
}

func TestRetryExhaustionFailsAndDeadLetters(t *testing.T) {
	def := &Definition{
		ID:    "doomed",
		Start: "call",
		Nodes: []*Node{
			{
				ID: "call", Capability: CapabilityExternalCall,
				Config: map[string]any{"tool": "erp"},
				Retry:  &RetryPolicy{MaxAttempts: 2, BaseDelay: Duration(time.Millisecond)},
			},
		},
	}

	registry, err := NewRegistry(
		stub(CapabilityExternalCall, func(ctx context.Context, input ExecutionInput) (any, error) {
			return nil, NewError(ErrorKindTransient, "service unavailable")
		}),
	)
	require.NoError(t, err)
	deadLetters := NewMemoryDeadLetterStore()
	s, err := NewScheduler(SchedulerOptions{
		Definition:  def,
		Registry:    registry,
		DeadLetters: deadLetters,
	})
	require.NoError(t, err)

	status, err := s.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, StatusFailed, status)

	snap := s.Snapshot()
	require.NotNil(t, snap.Reason)
	require.Equal(t, "call", snap.Reason.NodeID)
	require.Equal(t, ErrorKindTransient, snap.Reason.Kind)
	require.Equal(t, 2, snap.Reason.Attempts)

	letters, err := deadLetters.ListByInstance(context.Background(), s.InstanceID())
	require.NoError(t, err)
	require.Len(t, letters, 1)
	require.Equal(t, "call", letters[0].NodeID)
	require.Equal(t, 2, letters[0].Attempts)
}

func TestPermanentErrorIsNotRetried(t *testing.T) {
	def := &Definition{
		ID:    "rejected",
		Start: "call",
		Nodes: []*Node{
			{
				ID: "call", Capability: CapabilityExternalCall,
				Config: map[string]any{"tool": "erp"},
				Retry:  &RetryPolicy{MaxAttempts: 5, BaseDelay: Duration(time.Millisecond)},
			},
		},
	}

	attempts := 0
	s := newTestScheduler(t, def, nil,
		stub(CapabilityExternalCall, func(ctx context.Context, input ExecutionInput) (any, error) {
			attempts++
			return nil, NewError(ErrorKindPermanent, "invalid input")
		}),
	)

	status, err := s.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, StatusFailed, status)
	require.Equal(t, 1, attempts)
}

func TestCompensationRunsInReverseOrder(t *testing.T) {
	def := &Definition{
		ID:    "saga",
		Start: "reserve",
		Nodes: []*Node{
			{ID: "reserve", Capability: CapabilityExternalCall, Config: map[string]any{"tool": "reserve"}, Compensation: "unreserve"},
			{ID: "charge", Capability: CapabilityExternalCall, Config: map[string]any{"tool": "charge"}, Compensation: "refund"},
			{ID: "ship", Capability: CapabilityExternalCall, Config: map[string]any{"tool": "ship"}},
			{ID: "unreserve", Capability: CapabilityExternalCall, Config: map[string]any{"tool": "unreserve"}},
			{ID: "refund", Capability: CapabilityExternalCall, Config: map[string]any{"tool": "refund"}},
		},
		Edges: []*Edge{
			{From: "reserve", To: "charge"},
			{From: "charge", To: "ship"},
		},
	}

	var mu sync.Mutex
	var calls []string
	s := newTestScheduler(t, def, nil,
		stub(CapabilityExternalCall, func(ctx context.Context, input ExecutionInput) (any, error) {
			tool := input.Config["tool"].(string)
			mu.Lock()
			calls = append(calls, tool)
			mu.Unlock()
			if tool == "ship" {
				return nil, NewError(ErrorKindPermanent, "carrier rejected shipment")
			}
			if tool == "refund" || tool == "unreserve" {
				// Compensation handlers see the compensated node's output
				if input.Variables["compensated_node"] == nil {
					return nil, errors.New("missing compensated_node")
				}
			}
			return map[string]any{"done": tool}, nil
		}),
	)

	status, err := s.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, StatusCompensated, status)
	require.Equal(t, []string{"reserve", "charge", "ship", "refund", "unreserve"}, calls)

	snap := s.Snapshot()
	require.NotNil(t, snap.Reason)
	require.Equal(t, "ship", snap.Reason.NodeID)
	require.False(t, snap.Reason.PartiallyCompensated)
}

func TestPartialCompensationMarksReason(t *testing.T) {
	def := &Definition{
		ID:    "saga-partial",
		Start: "reserve",
		Nodes: []*Node{
			{ID: "reserve", Capability: CapabilityExternalCall, Config: map[string]any{"tool": "reserve"}, Compensation: "unreserve"},
			{ID: "ship", Capability: CapabilityExternalCall, Config: map[string]any{"tool": "ship"}},
			{ID: "unreserve", Capability: CapabilityExternalCall, Config: map[string]any{"tool": "unreserve"}},
		},
		Edges: []*Edge{
			{From: "reserve", To: "ship"},
		},
	}

	registry, err := NewRegistry(
		stub(CapabilityExternalCall, func(ctx context.Context, input ExecutionInput) (any, error) {
			switch input.Config["tool"].(string) {
			case "ship":
				return nil, NewError(ErrorKindPermanent, "carrier rejected shipment")
			case "unreserve":
				return nil, NewError(ErrorKindPermanent, "inventory system refused")
			}
			return map[string]any{"done": true}, nil
		}),
	)
	require.NoError(t, err)
	deadLetters := NewMemoryDeadLetterStore()
	s, err := NewScheduler(SchedulerOptions{
		Definition:  def,
		Registry:    registry,
		DeadLetters: deadLetters,
	})
	require.NoError(t, err)

	status, err := s.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, StatusFailed, status)
	require.True(t, s.Snapshot().Reason.PartiallyCompensated)

	letters, err := deadLetters.ListByInstance(context.Background(), s.InstanceID())
	require.NoError(t, err)
	require.Len(t, letters, 2) // the node failure and the failed compensation
	require.True(t, letters[1].Compensation)
}

func TestCircuitOpenShortCircuits(t *testing.T) {
	def := &Definition{
		ID:    "breaker-guarded",
		Start: "call",
		Nodes: []*Node{
			{ID: "call", Capability: CapabilityExternalCall, Config: map[string]any{"tool": "erp", "target": "erp"}},
		},
	}

	board := breaker.NewBoard(breaker.Config{Window: 4, MinSamples: 2, Cooldown: time.Hour})
	brk := board.For(breaker.Scope("external-call", "erp"))
	brk.RecordFailure()
	brk.RecordFailure()
	require.Equal(t, breaker.Open, brk.State())

	invoked := false
	registry, err := NewRegistry(
		stub(CapabilityExternalCall, func(ctx context.Context, input ExecutionInput) (any, error) {
			invoked = true
			return map[string]any{"done": true}, nil
		}),
	)
	require.NoError(t, err)
	s, err := NewScheduler(SchedulerOptions{
		Definition: def,
		Registry:   registry,
		Breakers:   board,
	})
	require.NoError(t, err)

	status, err := s.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, StatusFailed, status)
	require.False(t, invoked, "open breaker must not dispatch the call")
	require.Equal(t, ErrorKindCircuitOpen, s.Snapshot().Reason.Kind)
}

func TestCircuitOpenUsesFallback(t *testing.T) {
	def := &Definition{
		ID:    "breaker-fallback",
		Start: "call",
		Nodes: []*Node{
			{
				ID: "call", Capability: CapabilityExternalCall,
				Config: map[string]any{"tool": "erp", "target": "erp", "fallback": map[string]any{"quote": "cached"}},
				Store:  "quote",
			},
		},
	}

	board := breaker.NewBoard(breaker.Config{Window: 4, MinSamples: 2, Cooldown: time.Hour})
	brk := board.For(breaker.Scope("external-call", "erp"))
	brk.RecordFailure()
	brk.RecordFailure()

	registry, err := NewRegistry(okStub(CapabilityExternalCall))
	require.NoError(t, err)
	s, err := NewScheduler(SchedulerOptions{
		Definition: def,
		Registry:   registry,
		Breakers:   board,
	})
	require.NoError(t, err)

	status, err := s.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, status)
	require.Equal(t, map[string]any{"quote": "cached"}, s.Snapshot().Variables["quote"])
}

func TestCircuitOpenRetriesRespectMaxAttempts(t *testing.T) {
	def := &Definition{
		ID:    "breaker-retry",
		Start: "call",
		Nodes: []*Node{
			{
				ID: "call", Capability: CapabilityExternalCall,
				Config: map[string]any{"tool": "erp", "target": "erp"},
				Retry: &RetryPolicy{
					MaxAttempts: 2,
					BaseDelay:   Duration(time.Millisecond),
					RetryOn:     []ErrorKind{ErrorKindCircuitOpen},
				},
			},
		},
	}

	board := breaker.NewBoard(breaker.Config{Window: 4, MinSamples: 2, Cooldown: time.Hour})
	brk := board.For(breaker.Scope("external-call", "erp"))
	brk.RecordFailure()
	brk.RecordFailure()
	require.Equal(t, breaker.Open, brk.State())

	invoked := false
	registry, err := NewRegistry(
		stub(CapabilityExternalCall, func(ctx context.Context, input ExecutionInput) (any, error) {
			invoked = true
			return nil, nil
		}),
	)
	require.NoError(t, err)
	s, err := NewScheduler(SchedulerOptions{
		Definition: def,
		Registry:   registry,
		Breakers:   board,
	})
	require.NoError(t, err)

	status, err := s.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, StatusFailed, status)
	require.False(t, invoked)

	snap := s.Snapshot()
	require.Equal(t, ErrorKindCircuitOpen, snap.Reason.Kind)
	require.Equal(t, 2, snap.Reason.Attempts, "short-circuited attempts count against the bound")

	var statuses []RecordStatus
	for _, r := range snap.Records {
		require.Equal(t, ErrorKindCircuitOpen, r.ErrorKind)
		statuses = append(statuses, r.Status)
	}
	require.Equal(t, []RecordStatus{RecordRetrying, RecordFailed}, statuses)
}

func TestTeardownCancellationStaysOutOfBreakerWindow(t *testing.T) {
	def := &Definition{
		ID:    "collateral",
		Start: "split",
		Nodes: []*Node{
			{ID: "split", Capability: CapabilityControlFlow, EdgeMode: EdgeModeFanOut},
			{ID: "boom", Capability: CapabilityTransform, Config: map[string]any{"expression": `1`}},
			{ID: "call", Capability: CapabilityExternalCall, Config: map[string]any{"tool": "erp", "target": "erp"}},
		},
		Edges: []*Edge{
			{From: "split", To: "boom"},
			{From: "split", To: "call"},
		},
	}

	board := breaker.NewBoard(breaker.Config{Window: 4, MinSamples: 1, Cooldown: time.Hour})

	callStarted := make(chan struct{})
	registry, err := NewRegistry(
		stub(CapabilityTransform, func(ctx context.Context, input ExecutionInput) (any, error) {
			<-callStarted
			return nil, NewError(ErrorKindPermanent, "invalid input")
		}),
		stub(CapabilityExternalCall, func(ctx context.Context, input ExecutionInput) (any, error) {
			close(callStarted)
			<-ctx.Done()
			return nil, ctx.Err()
		}),
	)
	require.NoError(t, err)
	s, err := NewScheduler(SchedulerOptions{
		Definition: def,
		Registry:   registry,
		Breakers:   board,
	})
	require.NoError(t, err)

	status, err := s.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, StatusFailed, status)
	require.Equal(t, "boom", s.Snapshot().Reason.NodeID)

	// The torn-down sibling's context cancellation is not a target failure
	brk := board.For(breaker.Scope("external-call", "erp"))
	require.Equal(t, breaker.Closed, brk.State())
	require.True(t, brk.Allow())
}

func TestWaitEventSuspendsAndResumes(t *testing.T) {
	def := &Definition{
		ID:    "wait-for-payment",
		Start: "order",
		Nodes: []*Node{
			{ID: "order", Capability: CapabilityExternalCall, Config: map[string]any{"tool": "order"}},
			{ID: "payment", Capability: CapabilityControlFlow, Wait: &WaitConfig{Event: "payment.received"}, Store: "payment"},
			{ID: "finish", Capability: CapabilityTransform, Config: map[string]any{"expression": `"done"`}, Store: "result"},
		},
		Edges: []*Edge{
			{From: "order", To: "payment"},
			{From: "payment", To: "finish"},
		},
	}

	s := newTestScheduler(t, def, nil,
		okStub(CapabilityExternalCall),
		stub(CapabilityTransform, func(ctx context.Context, input ExecutionInput) (any, error) {
			return "done", nil
		}),
	)

	status, err := s.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, StatusWaiting, status)
	require.Len(t, s.PendingWaits(), 1)
	require.Equal(t, WaitEvent, s.PendingWaits()[0].Kind)

	delivered, err := s.DeliverEvent(context.Background(), "payment.received",
		map[string]any{"amount": 99.5}, "evt-1")
	require.NoError(t, err)
	require.True(t, delivered)

	status, err = s.Continue(context.Background())
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, status)

	vars := s.Snapshot().Variables
	require.Equal(t, map[string]any{"amount": 99.5}, vars["payment"])
	require.Equal(t, "done", vars["result"])

	// Redelivery with the same dedup key is a no-op against a finished wait
	delivered, err = s.DeliverEvent(context.Background(), "payment.received",
		map[string]any{"amount": 99.5}, "evt-1")
	require.Error(t, err) // instance already terminal
	require.False(t, delivered)
}

func TestDuplicateEventDeliveryIsNoOp(t *testing.T) {
	def := &Definition{
		ID:    "dedup",
		Start: "gate",
		Nodes: []*Node{
			{ID: "gate", Capability: CapabilityControlFlow, Wait: &WaitConfig{Event: "go"}},
			{ID: "next", Capability: CapabilityControlFlow, Wait: &WaitConfig{Event: "go-again"}},
		},
		Edges: []*Edge{{From: "gate", To: "next"}},
	}

	s := newTestScheduler(t, def, nil)
	status, err := s.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, StatusWaiting, status)

	delivered, err := s.DeliverEvent(context.Background(), "go", nil, "key-1")
	require.NoError(t, err)
	require.True(t, delivered)

	// Same key again before Continue: consumed, nothing new resolved
	delivered, err = s.DeliverEvent(context.Background(), "go", nil, "key-1")
	require.NoError(t, err)
	require.False(t, delivered)

	status, err = s.Continue(context.Background())
	require.NoError(t, err)
	require.Equal(t, StatusWaiting, status)
	require.Equal(t, "go-again", s.PendingWaits()[0].Event)
}

func TestEarlyEventDeliveryDoesNotBurnDedupKey(t *testing.T) {
	def := &Definition{
		ID:    "early-bird",
		Start: "order",
		Nodes: []*Node{
			{ID: "order", Capability: CapabilityExternalCall, Config: map[string]any{"tool": "order"}},
			{ID: "gate", Capability: CapabilityControlFlow, Wait: &WaitConfig{Event: "go"}},
			{ID: "finish", Capability: CapabilityTransform, Config: map[string]any{"expression": `"done"`}, Store: "result"},
		},
		Edges: []*Edge{
			{From: "order", To: "gate"},
			{From: "gate", To: "finish"},
		},
	}

	s := newTestScheduler(t, def, nil,
		okStub(CapabilityExternalCall),
		stub(CapabilityTransform, func(ctx context.Context, input ExecutionInput) (any, error) {
			return "done", nil
		}),
	)

	// Delivery before the wait exists errors without consuming the key
	delivered, err := s.DeliverEvent(context.Background(), "go", nil, "key-1")
	require.Error(t, err)
	require.False(t, delivered)

	status, err := s.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, StatusWaiting, status)

	// At-least-once redelivery with the same key must still resolve the wait
	delivered, err = s.DeliverEvent(context.Background(), "go", nil, "key-1")
	require.NoError(t, err)
	require.True(t, delivered)

	status, err = s.Continue(context.Background())
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, status)
	require.Equal(t, "done", s.Snapshot().Variables["result"])
}

func TestTimerWaitExpires(t *testing.T) {
	def := &Definition{
		ID:    "cooldown",
		Start: "pause",
		Nodes: []*Node{
			{ID: "pause", Capability: CapabilityControlFlow, Wait: &WaitConfig{Duration: Duration(time.Hour)}},
			{ID: "finish", Capability: CapabilityTransform, Config: map[string]any{"expression": `"done"`}, Store: "result"},
		},
		Edges: []*Edge{{From: "pause", To: "finish"}},
	}

	s := newTestScheduler(t, def, nil,
		stub(CapabilityTransform, func(ctx context.Context, input ExecutionInput) (any, error) {
			return "done", nil
		}),
	)

	status, err := s.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, StatusWaiting, status)
	wait := s.PendingWaits()[0]
	require.Equal(t, WaitTimer, wait.Kind)
	require.False(t, wait.Deadline.IsZero())

	resumed, _, err := s.ExpireWait(context.Background(), wait.ID)
	require.NoError(t, err)
	require.True(t, resumed)

	status, err = s.Continue(context.Background())
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, status)
}

func TestApprovalGate(t *testing.T) {
	def := &Definition{
		ID:    "needs-signoff",
		Start: "gate",
		Nodes: []*Node{
			{
				ID: "gate", Capability: CapabilityHumanGate,
				Approval: &ApprovalConfig{Approvers: []string{"ops", "lead"}},
				Store:    "signoff",
			},
			{ID: "finish", Capability: CapabilityTransform, Config: map[string]any{"expression": `"done"`}, Store: "result"},
		},
		Edges: []*Edge{{From: "gate", To: "finish"}},
	}

	t.Run("approve", func(t *testing.T) {
		s := newTestScheduler(t, def, nil,
			stub(CapabilityTransform, func(ctx context.Context, input ExecutionInput) (any, error) {
				return "done", nil
			}),
		)
		status, err := s.Run(context.Background())
		require.NoError(t, err)
		require.Equal(t, StatusWaiting, status)

		require.Error(t, s.ResolveApproval(context.Background(), "gate", "intruder", true, ""))

		require.NoError(t, s.ResolveApproval(context.Background(), "gate", "lead", true, "lgtm"))
		status, err = s.Continue(context.Background())
		require.NoError(t, err)
		require.Equal(t, StatusCompleted, status)

		signoff := s.Snapshot().Variables["signoff"].(map[string]any)
		require.Equal(t, true, signoff["approved"])
		require.Equal(t, "lead", signoff["approver"])
	})

	t.Run("reject", func(t *testing.T) {
		s := newTestScheduler(t, def, nil,
			stub(CapabilityTransform, func(ctx context.Context, input ExecutionInput) (any, error) {
				return "done", nil
			}),
		)
		status, err := s.Run(context.Background())
		require.NoError(t, err)
		require.Equal(t, StatusWaiting, status)

		require.NoError(t, s.ResolveApproval(context.Background(), "gate", "ops", false, "budget"))
		status, err = s.Continue(context.Background())
		require.NoError(t, err)
		require.Equal(t, StatusFailed, status)
		require.Equal(t, "gate", s.Snapshot().Reason.NodeID)
	})
}

func TestApprovalTimeoutPolicies(t *testing.T) {
	build := func(onTimeout TimeoutPolicy) *Definition {
		return &Definition{
			ID:    "timed-gate",
			Start: "gate",
			Nodes: []*Node{
				{
					ID: "gate", Capability: CapabilityHumanGate,
					Approval: &ApprovalConfig{
						Approvers: []string{"ops"},
						Timeout:   Duration(time.Minute),
						OnTimeout: onTimeout,
					},
				},
				{ID: "finish", Capability: CapabilityTransform, Config: map[string]any{"expression": `"done"`}, Store: "result"},
			},
			Edges: []*Edge{{From: "gate", To: "finish"}},
		}
	}
	transform := stub(CapabilityTransform, func(ctx context.Context, input ExecutionInput) (any, error) {
		return "done", nil
	})

	t.Run("auto_approve", func(t *testing.T) {
		s := newTestScheduler(t, build(TimeoutAutoApprove), nil, transform)
		_, err := s.Run(context.Background())
		require.NoError(t, err)

		wait := s.PendingWaits()[0]
		resumed, _, err := s.ExpireWait(context.Background(), wait.ID)
		require.NoError(t, err)
		require.True(t, resumed)

		status, err := s.Continue(context.Background())
		require.NoError(t, err)
		require.Equal(t, StatusCompleted, status)
	})

	t.Run("reject", func(t *testing.T) {
		s := newTestScheduler(t, build(TimeoutReject), nil, transform)
		_, err := s.Run(context.Background())
		require.NoError(t, err)

		wait := s.PendingWaits()[0]
		resumed, _, err := s.ExpireWait(context.Background(), wait.ID)
		require.NoError(t, err)
		require.True(t, resumed)

		status, err := s.Continue(context.Background())
		require.NoError(t, err)
		require.Equal(t, StatusFailed, status)
		require.Equal(t, ErrorKindTimeout, s.Snapshot().Reason.Kind)
	})

	t.Run("escalate_then_reject", func(t *testing.T) {
		s := newTestScheduler(t, build(TimeoutEscalate), nil, transform)
		_, err := s.Run(context.Background())
		require.NoError(t, err)

		wait := s.PendingWaits()[0]
		resumed, newDeadline, err := s.ExpireWait(context.Background(), wait.ID)
		require.NoError(t, err)
		require.False(t, resumed)
		require.False(t, newDeadline.IsZero())
		require.True(t, s.PendingWaits()[0].Escalated)

		resumed, _, err = s.ExpireWait(context.Background(), wait.ID)
		require.NoError(t, err)
		require.True(t, resumed)

		status, err := s.Continue(context.Background())
		require.NoError(t, err)
		require.Equal(t, StatusFailed, status)
	})
}

func TestCancelWaitingInstanceCompensates(t *testing.T) {
	def := &Definition{
		ID:    "cancellable",
		Start: "reserve",
		Nodes: []*Node{
			{ID: "reserve", Capability: CapabilityExternalCall, Config: map[string]any{"tool": "reserve"}, Compensation: "unreserve"},
			{ID: "gate", Capability: CapabilityControlFlow, Wait: &WaitConfig{Event: "never"}},
			{ID: "unreserve", Capability: CapabilityExternalCall, Config: map[string]any{"tool": "unreserve"}},
		},
		Edges: []*Edge{{From: "reserve", To: "gate"}},
	}

	var mu sync.Mutex
	var calls []string
	s := newTestScheduler(t, def, nil,
		stub(CapabilityExternalCall, func(ctx context.Context, input ExecutionInput) (any, error) {
			mu.Lock()
			calls = append(calls, input.Config["tool"].(string))
			mu.Unlock()
			return map[string]any{"ok": true}, nil
		}),
	)

	status, err := s.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, StatusWaiting, status)

	require.NoError(t, s.Cancel(context.Background()))
	status, err = s.Continue(context.Background())
	require.NoError(t, err)
	require.Equal(t, StatusCancelled, status)
	require.Equal(t, []string{"reserve", "unreserve"}, calls)
	require.Empty(t, s.PendingWaits())
}

func TestBoundedLoopStopsAtMaxIterations(t *testing.T) {
	def := &Definition{
		ID:    "poller",
		Start: "poll",
		Nodes: []*Node{
			{
				ID: "poll", Capability: CapabilityDataFetch,
				Config: map[string]any{"query": "status"},
				Loop:   &LoopConfig{MaxIterations: 3},
				Store:  "status",
			},
		},
		Edges: []*Edge{{From: "poll", To: "poll"}},
	}

	polls := 0
	s := newTestScheduler(t, def, nil,
		stub(CapabilityDataFetch, func(ctx context.Context, input ExecutionInput) (any, error) {
			polls++
			return map[string]any{"ready": false}, nil
		}),
	)

	status, err := s.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, status)
	require.Equal(t, 3, polls)
}

func TestResumeFromCheckpointAfterCrash(t *testing.T) {
	def := &Definition{
		ID:    "durable",
		Start: "order",
		Nodes: []*Node{
			{ID: "order", Capability: CapabilityExternalCall, Config: map[string]any{"tool": "order"}, Store: "order"},
			{ID: "gate", Capability: CapabilityControlFlow, Wait: &WaitConfig{Event: "payment"}},
			{ID: "finish", Capability: CapabilityTransform, Config: map[string]any{"expression": `"done"`}, Store: "result"},
		},
		Edges: []*Edge{
			{From: "order", To: "gate"},
			{From: "gate", To: "finish"},
		},
	}

	store := NewMemoryCheckpointStore()
	executors := []Executor{
		okStub(CapabilityExternalCall),
		stub(CapabilityTransform, func(ctx context.Context, input ExecutionInput) (any, error) {
			return "done", nil
		}),
	}
	registry, err := NewRegistry(executors...)
	require.NoError(t, err)

	first, err := NewScheduler(SchedulerOptions{
		Definition:  def,
		Registry:    registry,
		Checkpoints: store,
	})
	require.NoError(t, err)
	status, err := first.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, StatusWaiting, status)
	instanceID := first.InstanceID()

	// "Crash": rebuild everything from the durable checkpoint
	cp, err := store.LoadLatest(context.Background(), instanceID)
	require.NoError(t, err)
	require.NotNil(t, cp)
	require.Equal(t, StatusWaiting, cp.Status)

	second, err := NewSchedulerFromCheckpoint(SchedulerOptions{
		Definition:  def,
		Registry:    registry,
		Checkpoints: store,
	}, cp)
	require.NoError(t, err)
	require.Equal(t, instanceID, second.InstanceID())
	require.Len(t, second.PendingWaits(), 1)

	delivered, err := second.DeliverEvent(context.Background(), "payment", nil, "pay-1")
	require.NoError(t, err)
	require.True(t, delivered)

	status, err = second.Continue(context.Background())
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, status)
	require.Equal(t, "done", second.Snapshot().Variables["result"])
}

func TestCheckpointSequencesAreMonotonic(t *testing.T) {
	def := &Definition{
		ID:    "sequenced",
		Start: "a",
		Nodes: []*Node{
			{ID: "a", Capability: CapabilityExternalCall, Config: map[string]any{"tool": "a"}},
			{ID: "b", Capability: CapabilityExternalCall, Config: map[string]any{"tool": "b"}},
		},
		Edges: []*Edge{{From: "a", To: "b"}},
	}

	store := &sequenceRecordingStore{inner: NewMemoryCheckpointStore()}
	registry, err := NewRegistry(okStub(CapabilityExternalCall))
	require.NoError(t, err)
	s, err := NewScheduler(SchedulerOptions{
		Definition:  def,
		Registry:    registry,
		Checkpoints: store,
	})
	require.NoError(t, err)

	status, err := s.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, status)

	require.GreaterOrEqual(t, len(store.sequences), 3)
	for i := 1; i < len(store.sequences); i++ {
		require.Greater(t, store.sequences[i], store.sequences[i-1])
	}
}

type sequenceRecordingStore struct {
	inner     *MemoryCheckpointStore
	mu        sync.Mutex
	sequences []int64
}

func (s *sequenceRecordingStore) Commit(ctx context.Context, cp *Checkpoint) error {
	s.mu.Lock()
	s.sequences = append(s.sequences, cp.Sequence)
	s.mu.Unlock()
	return s.inner.Commit(ctx, cp)
}

func (s *sequenceRecordingStore) LoadLatest(ctx context.Context, instanceID string) (*Checkpoint, error) {
	return s.inner.LoadLatest(ctx, instanceID)
}

func (s *sequenceRecordingStore) List(ctx context.Context) ([]*CheckpointSummary, error) {
	return s.inner.List(ctx)
}

func (s *sequenceRecordingStore) Delete(ctx context.Context, instanceID string) error {
	return s.inner.Delete(ctx, instanceID)
}
