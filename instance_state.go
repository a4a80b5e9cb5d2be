package conductor

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"dario.cat/mergo"
)

// instanceState consolidates all mutable instance state. Everything here is
// serializable so a checkpoint captures the instance completely.
type instanceState struct {
	mu sync.RWMutex

	instanceID        string
	definitionID      string
	definitionVersion int
	status            InstanceStatus
	variables         map[string]any
	branches          map[string]*BranchState
	joins             map[string]*JoinState
	waits             map[string]*PendingWait
	records           []*NodeExecutionRecord
	completions       []CompletionEntry
	consumedEvents    map[string]time.Time
	reason            *FailureReason
	branchCounter     int
	sequence          int64
	startedAt         time.Time
	endedAt           time.Time
}

func newInstanceState(instanceID string, def *Definition, input map[string]any) *instanceState {
	variables := copyMap(def.Variables)
	for k, v := range input {
		variables[k] = v
	}
	return &instanceState{
		instanceID:        instanceID,
		definitionID:      def.ID,
		definitionVersion: def.Version,
		status:            StatusPending,
		variables:         variables,
		branches:          map[string]*BranchState{},
		joins:             map[string]*JoinState{},
		waits:             map[string]*PendingWait{},
		consumedEvents:    map[string]time.Time{},
	}
}

func (s *instanceState) ID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.instanceID
}

func (s *instanceState) Status() InstanceStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

func (s *instanceState) SetStatus(status InstanceStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = status
}

func (s *instanceState) SetFinished(status InstanceStatus, endedAt time.Time, reason *FailureReason) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = status
	s.endedAt = endedAt
	s.reason = reason
}

func (s *instanceState) StartedAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.startedAt
}

func (s *instanceState) MarkStarted(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.startedAt.IsZero() {
		s.startedAt = now
	}
	s.status = StatusRunning
}

func (s *instanceState) Variables() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return copyMap(s.variables)
}

// MergeOutput merges a node's output into the instance variables. Map
// outputs merge key-by-key (deep, overriding existing values); any other
// output requires a store name to land anywhere.
func (s *instanceState) MergeOutput(storeAs string, output any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if storeAs != "" {
		s.variables[storeAs] = output
		return nil
	}
	if m, ok := output.(map[string]any); ok {
		return mergo.Merge(&s.variables, m, mergo.WithOverride)
	}
	// Unnamed scalar outputs are recorded but do not alter variables.
	return nil
}

func (s *instanceState) SetVariable(key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.variables[key] = value
}

// NextBranchID generates a unique branch id derived from the parent.
func (s *instanceState) NextBranchID(parentID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.branchCounter++
	return fmt.Sprintf("%s-%d", parentID, s.branchCounter)
}

func (s *instanceState) SetBranch(branch *BranchState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.branches[branch.ID] = branch.Copy()
}

func (s *instanceState) UpdateBranch(branchID string, fn func(*BranchState)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.branches[branchID]; ok {
		fn(b)
	}
}

func (s *instanceState) Branch(branchID string) (*BranchState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.branches[branchID]
	if !ok {
		return nil, false
	}
	return b.Copy(), true
}

func (s *instanceState) Branches() map[string]*BranchState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return copyBranches(s.branches)
}

func (s *instanceState) Join(nodeID string) *JoinState {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j, ok := s.joins[nodeID]; ok {
		return j
	}
	j := &JoinState{NodeID: nodeID, Arrived: map[string]bool{}}
	s.joins[nodeID] = j
	return j
}

func (s *instanceState) AddWait(wait *PendingWait) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.waits[wait.ID] = wait
}

func (s *instanceState) RemoveWait(waitID string) (*PendingWait, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.waits[waitID]
	if ok {
		delete(s.waits, waitID)
	}
	return w, ok
}

func (s *instanceState) WaitByEvent(event string) (*PendingWait, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, w := range s.waits {
		if w.Kind == WaitEvent && w.Event == event {
			return w, true
		}
	}
	return nil, false
}

func (s *instanceState) Wait(waitID string) (*PendingWait, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.waits[waitID]
	return w, ok
}

func (s *instanceState) Waits() []*PendingWait {
	s.mu.RLock()
	defer s.mu.RUnlock()
	waits := make([]*PendingWait, 0, len(s.waits))
	for _, w := range s.waits {
		waits = append(waits, w)
	}
	sort.Slice(waits, func(i, j int) bool { return waits[i].ID < waits[j].ID })
	return waits
}

func (s *instanceState) WaitCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.waits)
}

// ConsumeEvent records an idempotency key. It returns false when the key was
// already consumed, making re-delivery a no-op.
func (s *instanceState) ConsumeEvent(key string, now time.Time, retention time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, at := range s.consumedEvents {
		if retention > 0 && now.Sub(at) > retention {
			delete(s.consumedEvents, k)
		}
	}
	if _, seen := s.consumedEvents[key]; seen {
		return false
	}
	s.consumedEvents[key] = now
	return true
}

// NextAttempt returns the next attempt number for a node, strictly
// increasing per node per instance.
func (s *instanceState) NextAttempt(nodeID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	max := 0
	for _, r := range s.records {
		if r.NodeID == nodeID && r.Attempt > max {
			max = r.Attempt
		}
	}
	return max + 1
}

func (s *instanceState) AppendRecord(record *NodeExecutionRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, record)
}

// FinishRecord updates the most recent record for (nodeID, attempt).
func (s *instanceState) FinishRecord(nodeID string, attempt int, fn func(*NodeExecutionRecord)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.records) - 1; i >= 0; i-- {
		if s.records[i].NodeID == nodeID && s.records[i].Attempt == attempt {
			fn(s.records[i])
			return
		}
	}
}

func (s *instanceState) Records() []*NodeExecutionRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	records := make([]*NodeExecutionRecord, len(s.records))
	for i, r := range s.records {
		clone := *r
		records[i] = &clone
	}
	return records
}

func (s *instanceState) AppendCompletion(entry CompletionEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.completions = append(s.completions, entry)
}

func (s *instanceState) Completions() []CompletionEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	completions := make([]CompletionEntry, len(s.completions))
	copy(completions, s.completions)
	return completions
}

func (s *instanceState) NextSequence() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sequence++
	return s.sequence
}

// Frontier returns the node ids currently runnable or awaiting resolution.
func (s *instanceState) Frontier() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := map[string]bool{}
	var frontier []string
	for _, b := range s.branches {
		if b.Status == BranchRunning || b.Status == BranchPending || b.Status == BranchSuspended {
			if !seen[b.CurrentNode] {
				seen[b.CurrentNode] = true
				frontier = append(frontier, b.CurrentNode)
			}
		}
	}
	sort.Strings(frontier)
	return frontier
}

func (s *instanceState) Reason() *FailureReason {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.reason == nil {
		return nil
	}
	clone := *s.reason
	return &clone
}

// ToCheckpoint captures the full state as a durable snapshot.
func (s *instanceState) ToCheckpoint() *Checkpoint {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sequence++

	joins := make(map[string]*JoinState, len(s.joins))
	for k, v := range s.joins {
		joins[k] = v.Copy()
	}
	waits := make(map[string]*PendingWait, len(s.waits))
	for k, v := range s.waits {
		clone := *v
		waits[k] = &clone
	}
	records := make([]*NodeExecutionRecord, len(s.records))
	for i, r := range s.records {
		clone := *r
		records[i] = &clone
	}
	completions := make([]CompletionEntry, len(s.completions))
	copy(completions, s.completions)
	consumed := make(map[string]time.Time, len(s.consumedEvents))
	for k, v := range s.consumedEvents {
		consumed[k] = v
	}
	var reason *FailureReason
	if s.reason != nil {
		clone := *s.reason
		reason = &clone
	}

	return &Checkpoint{
		InstanceID:        s.instanceID,
		Sequence:          s.sequence,
		DefinitionID:      s.definitionID,
		DefinitionVersion: s.definitionVersion,
		Status:            s.status,
		Variables:         copyMap(s.variables),
		Branches:          copyBranches(s.branches),
		Joins:             joins,
		PendingWaits:      waits,
		Records:           records,
		Completions:       completions,
		ConsumedEvents:    consumed,
		BranchCounter:     s.branchCounter,
		Reason:            reason,
		StartedAt:         s.startedAt,
		EndedAt:           s.endedAt,
		CommittedAt:       time.Now(),
	}
}

// FromCheckpoint restores state from a durable snapshot.
func (s *instanceState) FromCheckpoint(cp *Checkpoint) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.instanceID = cp.InstanceID
	s.definitionID = cp.DefinitionID
	s.definitionVersion = cp.DefinitionVersion
	s.status = cp.Status
	s.variables = copyMap(cp.Variables)
	s.branches = copyBranches(cp.Branches)
	s.joins = map[string]*JoinState{}
	for k, v := range cp.Joins {
		s.joins[k] = v.Copy()
	}
	s.waits = map[string]*PendingWait{}
	for k, v := range cp.PendingWaits {
		clone := *v
		s.waits[k] = &clone
	}
	s.records = make([]*NodeExecutionRecord, len(cp.Records))
	for i, r := range cp.Records {
		clone := *r
		s.records[i] = &clone
	}
	s.completions = make([]CompletionEntry, len(cp.Completions))
	copy(s.completions, cp.Completions)
	s.consumedEvents = map[string]time.Time{}
	for k, v := range cp.ConsumedEvents {
		s.consumedEvents[k] = v
	}
	s.branchCounter = cp.BranchCounter
	s.sequence = cp.Sequence
	s.startedAt = cp.StartedAt
	s.endedAt = cp.EndedAt
	if cp.Reason != nil {
		clone := *cp.Reason
		s.reason = &clone
	} else {
		s.reason = nil
	}
}

// Snapshot builds the externally visible view.
func (s *instanceState) Snapshot(recentRecords int) *InstanceSnapshot {
	records := s.Records()
	if recentRecords > 0 && len(records) > recentRecords {
		records = records[len(records)-recentRecords:]
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	waits := make([]*PendingWait, 0, len(s.waits))
	for _, w := range s.waits {
		clone := *w
		waits = append(waits, &clone)
	}
	sort.Slice(waits, func(i, j int) bool { return waits[i].ID < waits[j].ID })
	var reason *FailureReason
	if s.reason != nil {
		clone := *s.reason
		reason = &clone
	}
	return &InstanceSnapshot{
		InstanceID:        s.instanceID,
		DefinitionID:      s.definitionID,
		DefinitionVersion: s.definitionVersion,
		Status:            s.status,
		Variables:         copyMap(s.variables),
		Frontier:          s.frontierLocked(),
		PendingWaits:      waits,
		Records:           records,
		Reason:            reason,
		StartedAt:         s.startedAt,
		EndedAt:           s.endedAt,
	}
}

func (s *instanceState) frontierLocked() []string {
	seen := map[string]bool{}
	var frontier []string
	for _, b := range s.branches {
		if b.Status == BranchRunning || b.Status == BranchPending || b.Status == BranchSuspended {
			if !seen[b.CurrentNode] {
				seen[b.CurrentNode] = true
				frontier = append(frontier, b.CurrentNode)
			}
		}
	}
	sort.Strings(frontier)
	return frontier
}

func copyMap(m map[string]any) map[string]any {
	clone := make(map[string]any, len(m))
	for k, v := range m {
		clone[k] = v
	}
	return clone
}

func copyBranches(m map[string]*BranchState) map[string]*BranchState {
	clone := make(map[string]*BranchState, len(m))
	for k, v := range m {
		clone[k] = v.Copy()
	}
	return clone
}
