package conductor

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/deepnoodle-ai/conductor/breaker"
	"github.com/deepnoodle-ai/conductor/expr"
)

// Scheduler drives one workflow instance. All graph logic runs in a single
// loop goroutine that owns the instance variables: node executions are
// short-lived tasks that report their result back over a channel, and the
// loop merges outputs, commits a checkpoint, and resolves outgoing edges
// before any successor is dispatched.
//
// The scheduler is not safe for concurrent entry: the engine serializes
// Run, Continue, and the wait-resolution methods per instance.
type Scheduler struct {
	def         *Definition
	registry    *Registry
	checkpoints CheckpointStore
	breakers    *breaker.Board
	deadLetters DeadLetterStore
	compiler    expr.Compiler
	hooks       Hooks
	logger      *slog.Logger

	state         *instanceState
	results       chan *taskResult
	inflight      int
	branchCancels map[string]context.CancelFunc
	guards        map[string]expr.Expression
	resolved      []*resolvedWait
	cancelRequest atomic.Bool
}

// SchedulerOptions configures a Scheduler.
type SchedulerOptions struct {
	Definition  *Definition
	Registry    *Registry
	Checkpoints CheckpointStore
	Breakers    *breaker.Board
	DeadLetters DeadLetterStore
	Compiler    expr.Compiler
	Hooks       Hooks
	Logger      *slog.Logger
	InstanceID  string
	Input       map[string]any
}

type taskResult struct {
	branchID string
	node     *Node
	output   any
	err      *Error
	attempts int
	recorded bool // the sender already appended the execution record
}

type resolvedWait struct {
	wait   *PendingWait
	output any
	err    *Error
}

// NewScheduler creates a scheduler for a fresh instance.
func NewScheduler(opts SchedulerOptions) (*Scheduler, error) {
	s, err := newScheduler(opts)
	if err != nil {
		return nil, err
	}
	if opts.InstanceID == "" {
		opts.InstanceID = NewInstanceID()
	}
	s.state = newInstanceState(opts.InstanceID, opts.Definition, opts.Input)
	return s, nil
}

// NewSchedulerFromCheckpoint restores a scheduler from a durable checkpoint.
// Branches that were mid-node when the process died are re-dispatched;
// idempotency keys make the repeated side effects safe.
func NewSchedulerFromCheckpoint(opts SchedulerOptions, cp *Checkpoint) (*Scheduler, error) {
	s, err := newScheduler(opts)
	if err != nil {
		return nil, err
	}
	s.state = newInstanceState(cp.InstanceID, opts.Definition, nil)
	s.state.FromCheckpoint(cp)
	for id, b := range s.state.Branches() {
		if b.Status == BranchRunning {
			s.state.UpdateBranch(id, func(b *BranchState) {
				b.Status = BranchPending
			})
		}
	}
	return s, nil
}

func newScheduler(opts SchedulerOptions) (*Scheduler, error) {
	if opts.Definition == nil {
		return nil, fmt.Errorf("scheduler requires a definition")
	}
	if opts.Registry == nil {
		return nil, fmt.Errorf("scheduler requires an executor registry")
	}
	if opts.Checkpoints == nil {
		opts.Checkpoints = NewMemoryCheckpointStore()
	}
	if opts.Breakers == nil {
		opts.Breakers = breaker.NewBoard(breaker.Config{})
	}
	if opts.DeadLetters == nil {
		opts.DeadLetters = NewMemoryDeadLetterStore()
	}
	if opts.Compiler == nil {
		opts.Compiler = expr.NewRisorCompiler(expr.RisorCompilerOptions{})
	}
	if opts.Hooks == nil {
		opts.Hooks = BaseHooks{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Scheduler{
		def:           opts.Definition,
		registry:      opts.Registry,
		checkpoints:   opts.Checkpoints,
		breakers:      opts.Breakers,
		deadLetters:   opts.DeadLetters,
		compiler:      opts.Compiler,
		hooks:         opts.Hooks,
		logger:        opts.Logger,
		branchCancels: map[string]context.CancelFunc{},
		guards:        map[string]expr.Expression{},
	}, nil
}

// InstanceID returns the instance identifier.
func (s *Scheduler) InstanceID() string {
	return s.state.ID()
}

// Status returns the current instance status.
func (s *Scheduler) Status() InstanceStatus {
	return s.state.Status()
}

// Snapshot returns the externally visible view of the instance.
func (s *Scheduler) Snapshot() *InstanceSnapshot {
	return s.state.Snapshot(0)
}

// PendingWaits returns the instance's open waits, for timer registration.
func (s *Scheduler) PendingWaits() []*PendingWait {
	return s.state.Waits()
}

// Run starts a fresh instance and processes it until it reaches a terminal
// status or suspends on a wait. The returned status is terminal or Waiting.
func (s *Scheduler) Run(ctx context.Context) (InstanceStatus, error) {
	if s.state.Status() != StatusPending {
		return s.state.Status(), fmt.Errorf("instance %s already started", s.state.ID())
	}
	start := s.def.StartNode()
	if start == nil {
		return StatusFailed, fmt.Errorf("definition %s has no start node", s.def.ID)
	}
	now := time.Now()
	s.state.MarkStarted(now)
	s.state.SetBranch(&BranchState{
		ID:          "main",
		Status:      BranchPending,
		CurrentNode: start.ID,
		StartedAt:   now,
		Iterations:  map[string]int{},
	})
	s.hooks.BeforeInstance(ctx, &InstanceEvent{
		InstanceID:   s.state.ID(),
		DefinitionID: s.def.ID,
		Status:       StatusRunning,
		StartTime:    now,
		Variables:    s.state.Variables(),
	})
	if err := s.checkpoint(ctx); err != nil {
		s.state.SetFinished(StatusFailed, time.Now(), &FailureReason{
			Kind:    ErrorKindPermanent,
			Message: fmt.Sprintf("initial checkpoint failed: %v", err),
		})
		return StatusFailed, err
	}
	return s.loop(ctx)
}

// Continue re-enters the processing loop after waits were resolved or after
// crash recovery. It returns when the instance is terminal or waiting again.
func (s *Scheduler) Continue(ctx context.Context) (InstanceStatus, error) {
	if s.state.Status().Terminal() {
		return s.state.Status(), nil
	}
	s.state.SetStatus(StatusRunning)
	return s.loop(ctx)
}

func (s *Scheduler) loop(ctx context.Context) (InstanceStatus, error) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.results = make(chan *taskResult, 64)
	s.inflight = 0

	var failure *FailureReason

	s.processResolvedWaits(runCtx)
	s.dispatchRunnable(runCtx)

	for {
		if s.inflight == 0 {
			return s.quiesce(ctx, failure)
		}
		select {
		case <-ctx.Done():
			// Interrupted: state up to the last checkpoint is durable and the
			// instance can be resumed from it.
			return s.state.Status(), ctx.Err()
		case res := <-s.results:
			s.inflight--
			// Merging and checkpointing use the outer context so durable
			// state survives a run context torn down by a failure.
			if fail := s.processResult(ctx, res, failure != nil); fail != nil && failure == nil {
				failure = fail
				// Stop sibling branches: the instance is going down.
				cancel()
			}
			if failure == nil {
				s.dispatchRunnable(runCtx)
			}
		}
	}
}

// quiesce decides the instance's fate once no tasks are in flight.
func (s *Scheduler) quiesce(ctx context.Context, failure *FailureReason) (InstanceStatus, error) {
	switch {
	case s.cancelRequest.Load():
		s.clearWaits()
		status := s.compensate(ctx, StatusCancelled, failure)
		return status, nil

	case failure != nil:
		s.clearWaits()
		status := s.compensate(ctx, StatusFailed, failure)
		return status, nil

	case s.state.WaitCount() > 0:
		s.state.SetStatus(StatusWaiting)
		if err := s.checkpoint(ctx); err != nil {
			return StatusWaiting, err
		}
		return StatusWaiting, nil

	default:
		if stalled, nodeID := s.stalledJoin(); stalled {
			reason := &FailureReason{
				NodeID:  nodeID,
				Kind:    ErrorKindPermanent,
				Message: fmt.Sprintf("fan-in node %q can never fire: all branches finished", nodeID),
			}
			status := s.compensate(ctx, StatusFailed, reason)
			return status, nil
		}
		return s.finish(ctx, StatusCompleted, nil), nil
	}
}

// stalledJoin detects a fan-in that collected arrivals but can never fire
// because every branch has already finished.
func (s *Scheduler) stalledJoin() (bool, string) {
	for _, node := range s.def.Nodes {
		if node.Join == nil {
			continue
		}
		j := s.state.Join(node.ID)
		if !j.Fired && len(j.Arrived) > 0 {
			return true, node.ID
		}
	}
	return false, ""
}

func (s *Scheduler) finish(ctx context.Context, status InstanceStatus, reason *FailureReason) InstanceStatus {
	now := time.Now()
	s.state.SetFinished(status, now, reason)
	if err := s.checkpoint(ctx); err != nil {
		s.logger.Error("final checkpoint failed",
			"instance_id", s.state.ID(),
			"error", err)
	}
	s.hooks.AfterInstance(ctx, &InstanceEvent{
		InstanceID:   s.state.ID(),
		DefinitionID: s.def.ID,
		Status:       status,
		StartTime:    s.state.StartedAt(),
		EndTime:      now,
		Duration:     now.Sub(s.state.StartedAt()),
		Variables:    s.state.Variables(),
		Reason:       reason,
	})
	s.logger.Info("instance finished",
		"instance_id", s.state.ID(),
		"definition_id", s.def.ID,
		"status", status)
	return status
}

// processResult merges one node outcome into the instance. A non-nil return
// is the first unrecoverable failure and triggers compensation. alreadyFailing
// suppresses escalation for branches torn down after the first failure.
func (s *Scheduler) processResult(ctx context.Context, res *taskResult, alreadyFailing bool) *FailureReason {
	delete(s.branchCancels, res.branchID)

	// A branch cancelled by an any/n-of-m join may still report the result
	// of its interrupted node; it no longer counts.
	if b, ok := s.state.Branch(res.branchID); ok && b.Status == BranchCancelled {
		return nil
	}

	if !res.recorded {
		now := time.Now()
		record := &NodeExecutionRecord{
			NodeID:    res.node.ID,
			Attempt:   s.state.NextAttempt(res.node.ID),
			Status:    RecordSucceeded,
			StartedAt: now,
			EndedAt:   now,
			Output:    res.output,
		}
		if res.err != nil {
			record.Status = RecordFailed
			record.ErrorKind = res.err.Kind
			record.ErrorMessage = res.err.Message
		}
		s.state.AppendRecord(record)
	}

	if res.err != nil {
		s.state.UpdateBranch(res.branchID, func(b *BranchState) {
			b.Status = BranchFailed
			b.EndedAt = time.Now()
			b.ErrorMessage = res.err.Message
		})
		if alreadyFailing {
			return nil
		}
		s.logger.Warn("node failed",
			"instance_id", s.state.ID(),
			"node_id", res.node.ID,
			"kind", res.err.Kind,
			"attempts", res.attempts,
			"error", res.err.Message)
		if res.err.Kind != ErrorKindCircuitOpen {
			s.appendDeadLetter(ctx, res.node.ID, res.err, res.attempts, false)
		}
		return &FailureReason{
			NodeID:   res.node.ID,
			Kind:     res.err.Kind,
			Message:  res.err.Message,
			Attempts: res.attempts,
		}
	}

	if err := s.state.MergeOutput(res.node.Store, res.output); err != nil {
		return &FailureReason{
			NodeID:  res.node.ID,
			Kind:    ErrorKindPermanent,
			Message: fmt.Sprintf("failed to merge output: %v", err),
		}
	}
	if res.node.Compensation != "" {
		s.state.AppendCompletion(CompletionEntry{
			NodeID:       res.node.ID,
			Compensation: res.node.Compensation,
			Output:       res.output,
		})
	}
	if err := s.checkpoint(ctx); err != nil {
		return &FailureReason{
			NodeID:  res.node.ID,
			Kind:    ErrorKindPermanent,
			Message: fmt.Sprintf("checkpoint failed: %v", err),
		}
	}
	return s.advance(ctx, res.branchID, res.node)
}

// advance resolves a node's outgoing edges and moves or forks the branch.
func (s *Scheduler) advance(ctx context.Context, branchID string, node *Node) *FailureReason {
	targets, err := s.resolveEdges(ctx, node)
	if err != nil {
		return &FailureReason{
			NodeID:  node.ID,
			Kind:    ErrorKindPermanent,
			Message: err.Error(),
		}
	}

	switch len(targets) {
	case 0:
		s.state.UpdateBranch(branchID, func(b *BranchState) {
			b.Status = BranchCompleted
			b.EndedAt = time.Now()
		})
	case 1:
		s.state.UpdateBranch(branchID, func(b *BranchState) {
			b.Status = BranchPending
			b.CurrentNode = targets[0]
		})
	default:
		// Fork: the parent ends and one child branch starts per target.
		parent, _ := s.state.Branch(branchID)
		s.state.UpdateBranch(branchID, func(b *BranchState) {
			b.Status = BranchCompleted
			b.EndedAt = time.Now()
		})
		for _, target := range targets {
			child := &BranchState{
				ID:          s.state.NextBranchID(branchID),
				Status:      BranchPending,
				CurrentNode: target,
				StartedAt:   time.Now(),
				Iterations:  map[string]int{},
			}
			if parent != nil {
				for k, v := range parent.Iterations {
					child.Iterations[k] = v
				}
			}
			s.state.SetBranch(child)
		}
	}
	return nil
}

// resolveEdges returns the successor node ids for a completed node,
// honoring the node's edge mode.
func (s *Scheduler) resolveEdges(ctx context.Context, node *Node) ([]string, error) {
	edges := s.def.Outgoing(node.ID)
	if len(edges) == 0 {
		return nil, nil
	}

	mode := node.EdgeMode
	if mode == "" && len(edges) == 1 {
		mode = EdgeModeExclusive
	}
	if mode == "" {
		mode = EdgeModeFanOut
	}

	var targets []string
	for _, edge := range edges {
		ok := true
		if edge.Guard != "" {
			var err error
			ok, err = s.evalGuard(ctx, edge.Guard)
			if err != nil {
				return nil, fmt.Errorf("guard %q on edge %s->%s: %w", edge.Guard, edge.From, edge.To, err)
			}
		}
		if !ok {
			continue
		}
		targets = append(targets, edge.To)
		if mode == EdgeModeExclusive {
			return targets, nil
		}
	}
	return targets, nil
}

func (s *Scheduler) evalGuard(ctx context.Context, guard string) (bool, error) {
	compiled, ok := s.guards[guard]
	if !ok {
		var err error
		compiled, err = s.compiler.Compile(ctx, guard)
		if err != nil {
			return false, err
		}
		s.guards[guard] = compiled
	}
	vars := s.state.Variables()
	value, err := compiled.Evaluate(ctx, map[string]any{"state": vars, "inputs": vars})
	if err != nil {
		return false, err
	}
	return value.IsTruthy(), nil
}

// dispatchRunnable starts every pending branch.
func (s *Scheduler) dispatchRunnable(ctx context.Context) {
	if s.cancelRequest.Load() {
		return
	}
	for id, b := range s.state.Branches() {
		if b.Status == BranchPending {
			s.dispatchNode(ctx, id, b.CurrentNode)
		}
	}
}

// dispatchNode begins executing the branch's current node. Control-flow and
// human-gate nodes are handled natively; everything else goes to an executor
// task goroutine.
func (s *Scheduler) dispatchNode(ctx context.Context, branchID, nodeID string) {
	node, ok := s.def.Node(nodeID)
	if !ok {
		s.selfSend(branchID, &Node{ID: nodeID}, nil,
			NewError(ErrorKindPermanent, "node %q not found in definition", nodeID), 0)
		return
	}
	s.state.UpdateBranch(branchID, func(b *BranchState) {
		b.Status = BranchRunning
		b.CurrentNode = nodeID
	})

	// Bounded loop heads stop the branch once the iteration budget is spent.
	if node.Loop != nil {
		exhausted := false
		s.state.UpdateBranch(branchID, func(b *BranchState) {
			if b.Iterations == nil {
				b.Iterations = map[string]int{}
			}
			b.Iterations[node.ID]++
			if b.Iterations[node.ID] > node.Loop.MaxIterations {
				exhausted = true
			}
		})
		if exhausted {
			s.recordInstant(node.ID, RecordSkipped, nil)
			s.state.UpdateBranch(branchID, func(b *BranchState) {
				b.Status = BranchCompleted
				b.EndedAt = time.Now()
			})
			return
		}
	}

	switch {
	case node.Capability == CapabilityControlFlow && node.Join != nil:
		s.arriveAtJoin(ctx, branchID, node)

	case node.Capability == CapabilityControlFlow && node.Wait != nil:
		s.suspendOnWait(ctx, branchID, node)

	case node.Capability == CapabilityHumanGate:
		s.suspendOnApproval(ctx, branchID, node)

	case node.Capability == CapabilityControlFlow:
		// Pure router: record and advance.
		s.recordInstant(node.ID, RecordSucceeded, nil)
		s.selfSendRecorded(branchID, node, nil, nil, 1)

	default:
		executor, err := s.registry.Resolve(node.Capability)
		if err != nil {
			s.selfSend(branchID, node, nil, WrapError(ErrorKindPermanent, err), 0)
			return
		}
		taskCtx, cancelTask := context.WithCancel(ctx)
		s.branchCancels[branchID] = cancelTask
		s.inflight++
		go s.runNode(taskCtx, branchID, node, executor)
	}
}

// arriveAtJoin registers a branch arrival at a fan-in node and fires the
// join when its policy is satisfied. Late arrivals after firing are absorbed.
func (s *Scheduler) arriveAtJoin(ctx context.Context, branchID string, node *Node) {
	j := s.state.Join(node.ID)
	if j.Expected == 0 {
		j.Expected = len(s.def.Incoming(node.ID))
	}
	if j.Fired {
		s.recordInstant(node.ID, RecordSkipped, nil)
		s.state.UpdateBranch(branchID, func(b *BranchState) {
			b.Status = BranchCompleted
			b.EndedAt = time.Now()
		})
		return
	}
	j.Arrived[branchID] = true

	fires := false
	switch node.Join.Policy {
	case JoinAll:
		fires = len(j.Arrived) >= j.Expected
	case JoinAny:
		fires = true
	case JoinNOfM:
		fires = len(j.Arrived) >= node.Join.Count
	}
	if !fires {
		s.recordInstant(node.ID, RecordSkipped, nil)
		s.state.UpdateBranch(branchID, func(b *BranchState) {
			b.Status = BranchCompleted
			b.EndedAt = time.Now()
		})
		return
	}

	j.Fired = true
	if node.Join.Policy == JoinAny || node.Join.Policy == JoinNOfM {
		s.cancelSiblings(branchID)
	}
	s.recordInstant(node.ID, RecordSucceeded, nil)
	s.selfSendRecorded(branchID, node, nil, nil, 1)
}

// cancelSiblings stops every other live branch after an any/n-of-m join
// fires: the losers were racing toward the same fan-in.
func (s *Scheduler) cancelSiblings(winnerID string) {
	for id, b := range s.state.Branches() {
		if id == winnerID {
			continue
		}
		switch b.Status {
		case BranchCompleted, BranchFailed, BranchCancelled:
			continue
		}
		s.state.UpdateBranch(id, func(b *BranchState) {
			b.Status = BranchCancelled
			b.EndedAt = time.Now()
		})
		if cancel, ok := s.branchCancels[id]; ok {
			cancel()
		}
		for _, w := range s.state.Waits() {
			if w.BranchID == id {
				s.state.RemoveWait(w.ID)
			}
		}
	}
}

func (s *Scheduler) suspendOnWait(ctx context.Context, branchID string, node *Node) {
	wait := &PendingWait{
		ID:        NewWaitID(),
		BranchID:  branchID,
		NodeID:    node.ID,
		CreatedAt: time.Now(),
	}
	if node.Wait.Event != "" {
		wait.Kind = WaitEvent
		wait.Event = node.Wait.Event
	} else {
		wait.Kind = WaitTimer
		wait.Deadline = time.Now().Add(node.Wait.Duration.Std())
	}
	s.state.AddWait(wait)
	s.state.UpdateBranch(branchID, func(b *BranchState) {
		b.Status = BranchSuspended
	})
	if err := s.checkpoint(ctx); err != nil {
		s.logger.Error("checkpoint failed while suspending",
			"instance_id", s.state.ID(), "error", err)
	}
	s.logger.Info("branch suspended",
		"instance_id", s.state.ID(),
		"node_id", node.ID,
		"kind", wait.Kind,
		"event", wait.Event)
}

func (s *Scheduler) suspendOnApproval(ctx context.Context, branchID string, node *Node) {
	wait := &PendingWait{
		ID:        NewWaitID(),
		BranchID:  branchID,
		NodeID:    node.ID,
		Kind:      WaitApproval,
		Approvers: node.Approval.Approvers,
		OnTimeout: node.Approval.OnTimeout,
		CreatedAt: time.Now(),
	}
	if node.Approval.Timeout > 0 {
		wait.Deadline = time.Now().Add(node.Approval.Timeout.Std())
	}
	s.state.AddWait(wait)
	s.state.UpdateBranch(branchID, func(b *BranchState) {
		b.Status = BranchSuspended
	})
	if err := s.checkpoint(ctx); err != nil {
		s.logger.Error("checkpoint failed while suspending",
			"instance_id", s.state.ID(), "error", err)
	}
	s.logger.Info("approval requested",
		"instance_id", s.state.ID(),
		"node_id", node.ID,
		"approvers", node.Approval.Approvers)
}

// runNode executes one node with retry, timeout, and circuit-breaker policy.
// It runs in its own goroutine and reports exactly one result.
func (s *Scheduler) runNode(ctx context.Context, branchID string, node *Node, executor Executor) {
	policy := s.def.RetryPolicyFor(node)
	maxAttempts := 1
	if policy != nil && policy.MaxAttempts > 0 {
		maxAttempts = policy.MaxAttempts
	}
	brk := s.breakerFor(node)

	variables := s.state.Variables()
	key := NodeIdempotencyKey(s.state.ID(), node.ID, variables)

	var lastErr *Error
	attempts := 0
	for {
		attempt := s.state.NextAttempt(node.ID)
		attempts = attempt

		if brk != nil && !brk.Allow() {
			if fallback, ok := node.Config["fallback"]; ok {
				s.recordInstant(node.ID, RecordSucceeded, fallback)
				s.logger.Warn("circuit open, using fallback",
					"instance_id", s.state.ID(), "node_id", node.ID)
				s.sendResult(&taskResult{branchID: branchID, node: node, output: fallback, attempts: attempt, recorded: true})
				return
			}
			lastErr = NewError(ErrorKindCircuitOpen, "circuit breaker open for node %q", node.ID)
			lastErr.NodeID = node.ID
			retrying := Retryable(ErrorKindCircuitOpen, policy) && attempt < maxAttempts
			status := RecordFailed
			if retrying {
				status = RecordRetrying
			}
			// Short-circuited attempts are recorded too: the attempt counter
			// must advance for the retry bound to hold.
			now := time.Now()
			s.state.AppendRecord(&NodeExecutionRecord{
				NodeID:       node.ID,
				Attempt:      attempt,
				Status:       status,
				StartedAt:    now,
				EndedAt:      now,
				ErrorKind:    ErrorKindCircuitOpen,
				ErrorMessage: lastErr.Message,
			})
			if !retrying {
				break
			}
			if !s.sleepBackoff(ctx, policy, attempt) {
				break
			}
			continue
		}

		start := time.Now()
		s.state.AppendRecord(&NodeExecutionRecord{
			NodeID:    node.ID,
			Attempt:   attempt,
			Status:    RecordRunning,
			StartedAt: start,
		})
		s.hooks.BeforeNode(ctx, &NodeEvent{
			InstanceID:   s.state.ID(),
			DefinitionID: s.def.ID,
			BranchID:     branchID,
			NodeID:       node.ID,
			Capability:   node.Capability,
			Attempt:      attempt,
			StartTime:    start,
		})

		output, err := s.executeOnce(ctx, node, executor, variables, attempt, key)

		end := time.Now()
		s.hooks.AfterNode(ctx, &NodeEvent{
			InstanceID:   s.state.ID(),
			DefinitionID: s.def.ID,
			BranchID:     branchID,
			NodeID:       node.ID,
			Capability:   node.Capability,
			Attempt:      attempt,
			Output:       output,
			StartTime:    start,
			EndTime:      end,
			Duration:     end.Sub(start),
			Error:        err,
		})

		if err == nil {
			if brk != nil {
				brk.RecordSuccess()
			}
			s.state.FinishRecord(node.ID, attempt, func(r *NodeExecutionRecord) {
				r.Status = RecordSucceeded
				r.EndedAt = end
				r.Output = output
			})
			s.sendResult(&taskResult{branchID: branchID, node: node, output: output, attempts: attempt, recorded: true})
			return
		}

		// An attempt cancelled by the scheduler's own teardown says nothing
		// about the downstream target, so it stays out of the breaker window.
		if brk != nil && ctx.Err() == nil {
			brk.RecordFailure()
		}
		lastErr = Classify(err)
		lastErr.NodeID = node.ID

		retrying := Retryable(lastErr.Kind, policy) && attempt < maxAttempts
		status := RecordFailed
		if retrying {
			status = RecordRetrying
		}
		s.state.FinishRecord(node.ID, attempt, func(r *NodeExecutionRecord) {
			r.Status = status
			r.EndedAt = end
			r.ErrorKind = lastErr.Kind
			r.ErrorMessage = lastErr.Message
		})
		if !retrying {
			break
		}
		s.logger.Warn("node attempt failed, retrying",
			"instance_id", s.state.ID(),
			"node_id", node.ID,
			"attempt", attempt,
			"kind", lastErr.Kind,
			"error", lastErr.Message)
		if !s.sleepBackoff(ctx, policy, attempt) {
			break
		}
	}
	s.sendResult(&taskResult{branchID: branchID, node: node, err: lastErr, attempts: attempts, recorded: true})
}

// executeOnce runs a single attempt under the node's timeout.
func (s *Scheduler) executeOnce(ctx context.Context, node *Node, executor Executor, variables map[string]any, attempt int, key string) (any, error) {
	if node.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, node.Timeout.Std())
		defer cancel()
	}
	return executor.Execute(ctx, ExecutionInput{
		Node:           node,
		Config:         node.Config,
		Variables:      variables,
		InstanceID:     s.state.ID(),
		Attempt:        attempt,
		IdempotencyKey: key,
		Logger:         s.logger,
	})
}

// sleepBackoff waits the policy's delay before the next attempt. Returns
// false when the context is cancelled first.
func (s *Scheduler) sleepBackoff(ctx context.Context, policy *RetryPolicy, attempt int) bool {
	delay := BackoffDelay(policy, attempt)
	if delay <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// breakerFor returns the circuit breaker guarding a node, or nil when the
// node's capability is not breaker-scoped.
func (s *Scheduler) breakerFor(node *Node) *breaker.Breaker {
	if node.Capability != CapabilityExternalCall {
		return nil
	}
	target := "default"
	if t, ok := node.Config["target"].(string); ok && t != "" {
		target = t
	} else if t, ok := node.Config["tool"].(string); ok && t != "" {
		target = t
	}
	scope := breaker.Scope(string(node.Capability), target)
	if s.def.Policies != nil && s.def.Policies.Breaker != nil {
		p := s.def.Policies.Breaker
		return s.breakers.ForWithConfig(scope, breaker.Config{
			Window:         p.Window,
			FailureRatio:   p.FailureRatio,
			Cooldown:       p.Cooldown.Std(),
			HalfOpenProbes: p.HalfOpenProbes,
		})
	}
	return s.breakers.For(scope)
}

// selfSend reports a synchronously produced result through the same channel
// the task goroutines use, keeping one merge path for everything.
func (s *Scheduler) selfSend(branchID string, node *Node, output any, err *Error, attempts int) {
	s.inflight++
	res := &taskResult{branchID: branchID, node: node, output: output, err: err, attempts: attempts}
	go func() { s.results <- res }()
}

func (s *Scheduler) selfSendRecorded(branchID string, node *Node, output any, err *Error, attempts int) {
	s.inflight++
	res := &taskResult{branchID: branchID, node: node, output: output, err: err, attempts: attempts, recorded: true}
	go func() { s.results <- res }()
}

func (s *Scheduler) sendResult(res *taskResult) {
	s.results <- res
}

// recordInstant appends an already-finished execution record for nodes the
// scheduler handles natively.
func (s *Scheduler) recordInstant(nodeID string, status RecordStatus, output any) {
	now := time.Now()
	s.state.AppendRecord(&NodeExecutionRecord{
		NodeID:    nodeID,
		Attempt:   s.state.NextAttempt(nodeID),
		Status:    status,
		StartedAt: now,
		EndedAt:   now,
		Output:    output,
	})
}

func (s *Scheduler) appendDeadLetter(ctx context.Context, nodeID string, err *Error, attempts int, compensation bool) {
	letter := &DeadLetter{
		ID:           NewDeadLetterID(),
		InstanceID:   s.state.ID(),
		DefinitionID: s.def.ID,
		NodeID:       nodeID,
		Kind:         err.Kind,
		Message:      err.Message,
		Attempts:     attempts,
		Compensation: compensation,
		CreatedAt:    time.Now(),
	}
	if storeErr := s.deadLetters.Append(ctx, letter); storeErr != nil {
		s.logger.Error("failed to append dead letter",
			"instance_id", s.state.ID(), "node_id", nodeID, "error", storeErr)
	}
}

func (s *Scheduler) clearWaits() {
	for _, w := range s.state.Waits() {
		s.state.RemoveWait(w.ID)
	}
}
