package conductor

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/deepnoodle-ai/conductor/breaker"
	"github.com/deepnoodle-ai/conductor/expr"
	"github.com/goccy/go-json"
)

// DefinitionStore persists published workflow definitions. Definitions are
// immutable once stored: Put always assigns the next version.
type DefinitionStore interface {
	Put(ctx context.Context, def *Definition) (*Definition, error)
	// Get returns one version of a definition; version 0 means latest.
	Get(ctx context.Context, id string, version int) (*Definition, error)
	List(ctx context.Context) ([]*Definition, error)
}

// MemoryDefinitionStore keeps published definitions in memory.
type MemoryDefinitionStore struct {
	mu       sync.RWMutex
	versions map[string][]*Definition
}

// NewMemoryDefinitionStore creates an empty in-memory definition store.
func NewMemoryDefinitionStore() *MemoryDefinitionStore {
	return &MemoryDefinitionStore{versions: map[string][]*Definition{}}
}

func (s *MemoryDefinitionStore) Put(ctx context.Context, def *Definition) (*Definition, error) {
	if def.ID == "" {
		return nil, fmt.Errorf("definition id is required")
	}
	clone, err := cloneDefinition(def)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	clone.Version = len(s.versions[def.ID]) + 1
	s.versions[def.ID] = append(s.versions[def.ID], clone)
	return cloneDefinition(clone)
}

func (s *MemoryDefinitionStore) Get(ctx context.Context, id string, version int) (*Definition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	versions := s.versions[id]
	if len(versions) == 0 {
		return nil, fmt.Errorf("definition %q not found", id)
	}
	if version == 0 {
		return cloneDefinition(versions[len(versions)-1])
	}
	if version < 1 || version > len(versions) {
		return nil, fmt.Errorf("definition %q has no version %d", id, version)
	}
	return cloneDefinition(versions[version-1])
}

func (s *MemoryDefinitionStore) List(ctx context.Context) ([]*Definition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Definition
	for _, versions := range s.versions {
		latest, err := cloneDefinition(versions[len(versions)-1])
		if err != nil {
			return nil, err
		}
		out = append(out, latest)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func cloneDefinition(def *Definition) (*Definition, error) {
	data, err := json.Marshal(def)
	if err != nil {
		return nil, fmt.Errorf("failed to clone definition: %w", err)
	}
	var clone Definition
	if err := json.Unmarshal(data, &clone); err != nil {
		return nil, fmt.Errorf("failed to clone definition: %w", err)
	}
	return &clone, nil
}

// Engine is the instance control surface: it publishes definitions, starts
// and tracks instances, routes events and approvals, and recovers instances
// from checkpoints after a crash.
type Engine struct {
	definitions DefinitionStore
	registry    *Registry
	checkpoints CheckpointStore
	breakers    *breaker.Board
	deadLetters DeadLetterStore
	compiler    expr.Compiler
	hooks       Hooks
	logger      *slog.Logger

	mu        sync.Mutex
	instances map[string]*instanceHandle
	timers    map[string]*time.Timer // wait id -> deadline timer
	closed    bool
	wg        sync.WaitGroup
}

// instanceHandle serializes entry into one scheduler.
type instanceHandle struct {
	mu        sync.Mutex
	scheduler *Scheduler
}

// EngineOptions configures an Engine. Definitions and Registry are required;
// everything else has an in-memory or stderr default.
type EngineOptions struct {
	Definitions DefinitionStore
	Registry    *Registry
	Checkpoints CheckpointStore
	Breakers    *breaker.Board
	DeadLetters DeadLetterStore
	Compiler    expr.Compiler
	Hooks       Hooks
	Logger      *slog.Logger
}

// NewEngine creates an engine.
func NewEngine(opts EngineOptions) (*Engine, error) {
	if opts.Registry == nil {
		return nil, fmt.Errorf("engine requires an executor registry")
	}
	if opts.Definitions == nil {
		opts.Definitions = NewMemoryDefinitionStore()
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
	return &Engine{
		definitions: opts.Definitions,
		registry:    opts.Registry,
		checkpoints: opts.Checkpoints,
		breakers:    opts.Breakers,
		deadLetters: opts.DeadLetters,
		compiler:    opts.Compiler,
		hooks:       opts.Hooks,
		logger:      opts.Logger,
		instances:   map[string]*instanceHandle{},
		timers:      map[string]*time.Timer{},
	}, nil
}

// Publish validates a definition and stores it as a new immutable version.
func (e *Engine) Publish(ctx context.Context, def *Definition) (*Definition, error) {
	result := Validate(def)
	if !result.OK {
		return nil, fmt.Errorf("definition %q failed validation: %v", def.ID, result.Errors)
	}
	published, err := e.definitions.Put(ctx, def)
	if err != nil {
		return nil, err
	}
	e.logger.Info("definition published",
		"definition_id", published.ID,
		"version", published.Version)
	return published, nil
}

// Start creates an instance of a published definition and begins executing it
// in the background. Version 0 means latest. The instance id is returned
// immediately.
func (e *Engine) Start(ctx context.Context, definitionID string, version int, input map[string]any) (string, error) {
	handle, err := e.newHandle(ctx, definitionID, version, input)
	if err != nil {
		return "", err
	}
	instanceID := handle.scheduler.InstanceID()
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		handle.mu.Lock()
		defer handle.mu.Unlock()
		if _, err := handle.scheduler.Run(context.Background()); err != nil {
			e.logger.Error("instance run failed",
				"instance_id", instanceID, "error", err)
		}
		e.syncTimers(handle.scheduler)
	}()
	return instanceID, nil
}

// StartSync runs an instance inline until it is terminal or waiting, and
// returns its snapshot.
func (e *Engine) StartSync(ctx context.Context, definitionID string, version int, input map[string]any) (*InstanceSnapshot, error) {
	handle, err := e.newHandle(ctx, definitionID, version, input)
	if err != nil {
		return nil, err
	}
	handle.mu.Lock()
	defer handle.mu.Unlock()
	if _, err := handle.scheduler.Run(ctx); err != nil {
		return handle.scheduler.Snapshot(), err
	}
	e.syncTimers(handle.scheduler)
	return handle.scheduler.Snapshot(), nil
}

func (e *Engine) newHandle(ctx context.Context, definitionID string, version int, input map[string]any) (*instanceHandle, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, fmt.Errorf("engine is closed")
	}
	e.mu.Unlock()

	def, err := e.definitions.Get(ctx, definitionID, version)
	if err != nil {
		return nil, err
	}
	scheduler, err := NewScheduler(SchedulerOptions{
		Definition:  def,
		Registry:    e.registry,
		Checkpoints: e.checkpoints,
		Breakers:    e.breakers,
		DeadLetters: e.deadLetters,
		Compiler:    e.compiler,
		Hooks:       e.hooks,
		Logger:      e.logger,
		Input:       input,
	})
	if err != nil {
		return nil, err
	}
	handle := &instanceHandle{scheduler: scheduler}
	e.mu.Lock()
	e.instances[scheduler.InstanceID()] = handle
	e.mu.Unlock()
	e.logger.Info("instance started",
		"instance_id", scheduler.InstanceID(),
		"definition_id", def.ID,
		"version", def.Version)
	return handle, nil
}

// Get returns the snapshot of a live or checkpointed instance.
func (e *Engine) Get(ctx context.Context, instanceID string) (*InstanceSnapshot, error) {
	e.mu.Lock()
	handle, ok := e.instances[instanceID]
	e.mu.Unlock()
	if ok {
		return handle.scheduler.Snapshot(), nil
	}
	cp, err := e.checkpoints.LoadLatest(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	if cp == nil {
		return nil, fmt.Errorf("instance %q not found", instanceID)
	}
	return snapshotFromCheckpoint(cp), nil
}

// Cancel requests cooperative cancellation of an instance.
func (e *Engine) Cancel(ctx context.Context, instanceID string) error {
	handle, err := e.handle(instanceID)
	if err != nil {
		return err
	}
	if err := handle.scheduler.Cancel(ctx); err != nil {
		return err
	}
	// Re-enter the loop so a waiting instance compensates and finishes. A
	// running instance observes the flag between nodes on its own.
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		handle.mu.Lock()
		defer handle.mu.Unlock()
		if handle.scheduler.Status().Terminal() {
			return
		}
		if _, err := handle.scheduler.Continue(context.Background()); err != nil {
			e.logger.Error("cancellation continue failed",
				"instance_id", instanceID, "error", err)
		}
		e.syncTimers(handle.scheduler)
	}()
	return nil
}

// DeliverEvent routes an external event to an instance's pending event wait.
// Duplicate deliveries (same dedup key) are no-ops and return false.
func (e *Engine) DeliverEvent(ctx context.Context, instanceID, event string, payload map[string]any, dedupKey string) (bool, error) {
	handle, err := e.handle(instanceID)
	if err != nil {
		return false, err
	}
	handle.mu.Lock()
	defer handle.mu.Unlock()
	delivered, err := handle.scheduler.DeliverEvent(ctx, event, payload, dedupKey)
	if err != nil || !delivered {
		return delivered, err
	}
	if _, err := handle.scheduler.Continue(ctx); err != nil {
		return true, err
	}
	e.syncTimers(handle.scheduler)
	return true, nil
}

// ResolveApproval records a human decision on a pending approval gate.
func (e *Engine) ResolveApproval(ctx context.Context, instanceID, nodeID, approver string, approve bool, note string) error {
	handle, err := e.handle(instanceID)
	if err != nil {
		return err
	}
	handle.mu.Lock()
	defer handle.mu.Unlock()
	if err := handle.scheduler.ResolveApproval(ctx, nodeID, approver, approve, note); err != nil {
		return err
	}
	if _, err := handle.scheduler.Continue(ctx); err != nil {
		return err
	}
	e.syncTimers(handle.scheduler)
	return nil
}

// ListInstances returns summaries of every checkpointed instance.
func (e *Engine) ListInstances(ctx context.Context) ([]*CheckpointSummary, error) {
	return e.checkpoints.List(ctx)
}

// DeadLetters returns the dead letters recorded for an instance.
func (e *Engine) DeadLetters(ctx context.Context, instanceID string) ([]*DeadLetter, error) {
	return e.deadLetters.ListByInstance(ctx, instanceID)
}

// Resume rebuilds schedulers for every non-terminal checkpointed instance
// after a process restart. Instances that were running are re-entered;
// instances that were waiting get their deadline timers re-registered.
func (e *Engine) Resume(ctx context.Context) error {
	summaries, err := e.checkpoints.List(ctx)
	if err != nil {
		return err
	}
	for _, summary := range summaries {
		if summary.Status.Terminal() {
			continue
		}
		e.mu.Lock()
		_, live := e.instances[summary.InstanceID]
		e.mu.Unlock()
		if live {
			continue
		}
		if err := e.resumeInstance(ctx, summary.InstanceID); err != nil {
			e.logger.Error("failed to resume instance",
				"instance_id", summary.InstanceID, "error", err)
		}
	}
	return nil
}

func (e *Engine) resumeInstance(ctx context.Context, instanceID string) error {
	cp, err := e.checkpoints.LoadLatest(ctx, instanceID)
	if err != nil {
		return err
	}
	if cp == nil {
		return fmt.Errorf("instance %q has no checkpoint", instanceID)
	}
	def, err := e.definitions.Get(ctx, cp.DefinitionID, cp.DefinitionVersion)
	if err != nil {
		return err
	}
	scheduler, err := NewSchedulerFromCheckpoint(SchedulerOptions{
		Definition:  def,
		Registry:    e.registry,
		Checkpoints: e.checkpoints,
		Breakers:    e.breakers,
		DeadLetters: e.deadLetters,
		Compiler:    e.compiler,
		Hooks:       e.hooks,
		Logger:      e.logger,
	}, cp)
	if err != nil {
		return err
	}
	handle := &instanceHandle{scheduler: scheduler}
	e.mu.Lock()
	e.instances[instanceID] = handle
	e.mu.Unlock()
	e.logger.Info("instance resumed from checkpoint",
		"instance_id", instanceID,
		"sequence", cp.Sequence,
		"status", cp.Status)

	if cp.Status == StatusWaiting {
		e.syncTimers(scheduler)
		return nil
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		handle.mu.Lock()
		defer handle.mu.Unlock()
		if _, err := scheduler.Continue(context.Background()); err != nil {
			e.logger.Error("resumed instance failed",
				"instance_id", instanceID, "error", err)
		}
		e.syncTimers(scheduler)
	}()
	return nil
}

// Close stops deadline timers and waits for in-flight instance goroutines.
// Instance state survives in the checkpoint store for a later Resume.
func (e *Engine) Close() error {
	e.mu.Lock()
	e.closed = true
	for id, timer := range e.timers {
		timer.Stop()
		delete(e.timers, id)
	}
	e.mu.Unlock()
	e.wg.Wait()
	return nil
}

func (e *Engine) handle(instanceID string) (*instanceHandle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	handle, ok := e.instances[instanceID]
	if !ok {
		return nil, fmt.Errorf("instance %q not found", instanceID)
	}
	return handle, nil
}

// syncTimers registers a deadline timer per pending wait that has one.
// Called whenever a scheduler returns control to the engine.
func (e *Engine) syncTimers(scheduler *Scheduler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	instanceID := scheduler.InstanceID()
	for _, wait := range scheduler.PendingWaits() {
		if wait.Deadline.IsZero() {
			continue
		}
		if _, exists := e.timers[wait.ID]; exists {
			continue
		}
		waitID := wait.ID
		delay := time.Until(wait.Deadline)
		if delay < 0 {
			delay = 0
		}
		e.timers[waitID] = time.AfterFunc(delay, func() {
			e.expireWait(instanceID, waitID)
		})
	}
}

func (e *Engine) expireWait(instanceID, waitID string) {
	e.mu.Lock()
	delete(e.timers, waitID)
	handle, ok := e.instances[instanceID]
	e.mu.Unlock()
	if !ok {
		return
	}
	handle.mu.Lock()
	defer handle.mu.Unlock()

	resumed, newDeadline, err := handle.scheduler.ExpireWait(context.Background(), waitID)
	if err != nil {
		e.logger.Error("failed to expire wait",
			"instance_id", instanceID, "wait_id", waitID, "error", err)
		return
	}
	if !newDeadline.IsZero() {
		// Escalation extended the deadline; re-register the timer.
		e.syncTimers(handle.scheduler)
		return
	}
	if !resumed {
		return
	}
	if _, err := handle.scheduler.Continue(context.Background()); err != nil {
		e.logger.Error("continue after wait expiry failed",
			"instance_id", instanceID, "error", err)
	}
	e.syncTimers(handle.scheduler)
}

// snapshotFromCheckpoint builds the external view of an instance that is not
// live in this process.
func snapshotFromCheckpoint(cp *Checkpoint) *InstanceSnapshot {
	var waits []*PendingWait
	for _, w := range cp.PendingWaits {
		waits = append(waits, w)
	}
	sort.Slice(waits, func(i, j int) bool { return waits[i].ID < waits[j].ID })

	seen := map[string]bool{}
	var frontier []string
	for _, b := range cp.Branches {
		if b.Status == BranchRunning || b.Status == BranchPending || b.Status == BranchSuspended {
			if !seen[b.CurrentNode] {
				seen[b.CurrentNode] = true
				frontier = append(frontier, b.CurrentNode)
			}
		}
	}
	sort.Strings(frontier)

	return &InstanceSnapshot{
		InstanceID:        cp.InstanceID,
		DefinitionID:      cp.DefinitionID,
		DefinitionVersion: cp.DefinitionVersion,
		Status:            cp.Status,
		Variables:         cp.Variables,
		Frontier:          frontier,
		PendingWaits:      waits,
		Records:           cp.Records,
		Reason:            cp.Reason,
		StartedAt:         cp.StartedAt,
		EndedAt:           cp.EndedAt,
	}
}
