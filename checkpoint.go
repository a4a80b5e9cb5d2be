package conductor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/goccy/go-json"
)

// Checkpoint is the full durable snapshot of one instance at one sequence
// number. Sequences are assigned by the scheduler and strictly increase;
// stores must reject commits that do not advance the sequence.
type Checkpoint struct {
	InstanceID        string                  `json:"instance_id"`
	Sequence          int64                   `json:"sequence"`
	DefinitionID      string                  `json:"definition_id"`
	DefinitionVersion int                     `json:"definition_version"`
	Status            InstanceStatus          `json:"status"`
	Variables         map[string]any          `json:"variables"`
	Branches          map[string]*BranchState `json:"branches"`
	Joins             map[string]*JoinState   `json:"joins,omitempty"`
	PendingWaits      map[string]*PendingWait `json:"pending_waits,omitempty"`
	Records           []*NodeExecutionRecord  `json:"records"`
	Completions       []CompletionEntry       `json:"completions,omitempty"`
	ConsumedEvents    map[string]time.Time    `json:"consumed_events,omitempty"`
	BranchCounter     int                     `json:"branch_counter"`
	Reason            *FailureReason          `json:"reason,omitempty"`
	StartedAt         time.Time               `json:"started_at"`
	EndedAt           time.Time               `json:"ended_at"`
	CommittedAt       time.Time               `json:"committed_at"`
}

// CheckpointSummary is a lightweight listing entry.
type CheckpointSummary struct {
	InstanceID   string         `json:"instance_id"`
	DefinitionID string         `json:"definition_id"`
	Status       InstanceStatus `json:"status"`
	Sequence     int64          `json:"sequence"`
	CommittedAt  time.Time      `json:"committed_at"`
}

// CheckpointStore persists instance checkpoints. Commit is called
// synchronously by the scheduler before any successor node is dispatched, so
// a slow store backpressures execution rather than losing state.
type CheckpointStore interface {
	// Commit durably writes a checkpoint. It must fail if the checkpoint's
	// sequence does not exceed the latest committed sequence for the instance.
	Commit(ctx context.Context, checkpoint *Checkpoint) error

	// LoadLatest returns the most recent checkpoint for an instance, or nil
	// when none exists.
	LoadLatest(ctx context.Context, instanceID string) (*Checkpoint, error)

	// List returns summaries of the latest checkpoint per instance.
	List(ctx context.Context) ([]*CheckpointSummary, error)

	// Delete removes all checkpoints for an instance.
	Delete(ctx context.Context, instanceID string) error
}

// MemoryCheckpointStore keeps the latest checkpoint per instance in memory.
// Useful for tests and for callers that do not need durability.
type MemoryCheckpointStore struct {
	mu     sync.RWMutex
	latest map[string]*Checkpoint
}

// NewMemoryCheckpointStore creates an empty in-memory store.
func NewMemoryCheckpointStore() *MemoryCheckpointStore {
	return &MemoryCheckpointStore{latest: map[string]*Checkpoint{}}
}

func (s *MemoryCheckpointStore) Commit(ctx context.Context, checkpoint *Checkpoint) error {
	if checkpoint.InstanceID == "" {
		return fmt.Errorf("checkpoint missing instance id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.latest[checkpoint.InstanceID]; ok && checkpoint.Sequence <= prev.Sequence {
		return fmt.Errorf("stale checkpoint for %s: sequence %d <= %d",
			checkpoint.InstanceID, checkpoint.Sequence, prev.Sequence)
	}
	// Deep copy through JSON so later state mutations cannot alias in.
	data, err := json.Marshal(checkpoint)
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint: %w", err)
	}
	var clone Checkpoint
	if err := json.Unmarshal(data, &clone); err != nil {
		return fmt.Errorf("failed to unmarshal checkpoint: %w", err)
	}
	s.latest[checkpoint.InstanceID] = &clone
	return nil
}

func (s *MemoryCheckpointStore) LoadLatest(ctx context.Context, instanceID string) (*Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cp, ok := s.latest[instanceID]
	if !ok {
		return nil, nil
	}
	data, err := json.Marshal(cp)
	if err != nil {
		return nil, err
	}
	var clone Checkpoint
	if err := json.Unmarshal(data, &clone); err != nil {
		return nil, err
	}
	return &clone, nil
}

func (s *MemoryCheckpointStore) List(ctx context.Context) ([]*CheckpointSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	summaries := make([]*CheckpointSummary, 0, len(s.latest))
	for _, cp := range s.latest {
		summaries = append(summaries, &CheckpointSummary{
			InstanceID:   cp.InstanceID,
			DefinitionID: cp.DefinitionID,
			Status:       cp.Status,
			Sequence:     cp.Sequence,
			CommittedAt:  cp.CommittedAt,
		})
	}
	sort.Slice(summaries, func(i, j int) bool { return summaries[i].InstanceID < summaries[j].InstanceID })
	return summaries, nil
}

func (s *MemoryCheckpointStore) Delete(ctx context.Context, instanceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.latest, instanceID)
	return nil
}

// FileCheckpointStore persists one JSON file per instance under a base
// directory, written atomically via rename.
type FileCheckpointStore struct {
	mu      sync.Mutex
	baseDir string
}

// NewFileCheckpointStore creates the base directory if needed.
func NewFileCheckpointStore(baseDir string) (*FileCheckpointStore, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create checkpoint directory: %w", err)
	}
	return &FileCheckpointStore{baseDir: baseDir}, nil
}

func (s *FileCheckpointStore) path(instanceID string) string {
	return filepath.Join(s.baseDir, fmt.Sprintf("checkpoint_%s.json", instanceID))
}

func (s *FileCheckpointStore) Commit(ctx context.Context, checkpoint *Checkpoint) error {
	if checkpoint.InstanceID == "" {
		return fmt.Errorf("checkpoint missing instance id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, err := s.loadLocked(checkpoint.InstanceID)
	if err != nil {
		return err
	}
	if prev != nil && checkpoint.Sequence <= prev.Sequence {
		return fmt.Errorf("stale checkpoint for %s: sequence %d <= %d",
			checkpoint.InstanceID, checkpoint.Sequence, prev.Sequence)
	}

	data, err := json.MarshalIndent(checkpoint, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint: %w", err)
	}
	target := s.path(checkpoint.InstanceID)
	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write checkpoint: %w", err)
	}
	if err := os.Rename(tmp, target); err != nil {
		return fmt.Errorf("failed to commit checkpoint: %w", err)
	}
	return nil
}

func (s *FileCheckpointStore) LoadLatest(ctx context.Context, instanceID string) (*Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked(instanceID)
}

func (s *FileCheckpointStore) loadLocked(instanceID string) (*Checkpoint, error) {
	data, err := os.ReadFile(s.path(instanceID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read checkpoint: %w", err)
	}
	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal checkpoint: %w", err)
	}
	return &cp, nil
}

func (s *FileCheckpointStore) List(ctx context.Context) ([]*CheckpointSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}
	var summaries []*CheckpointSummary
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || filepath.Ext(name) != ".json" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.baseDir, name))
		if err != nil {
			continue
		}
		var cp Checkpoint
		if err := json.Unmarshal(data, &cp); err != nil {
			continue
		}
		summaries = append(summaries, &CheckpointSummary{
			InstanceID:   cp.InstanceID,
			DefinitionID: cp.DefinitionID,
			Status:       cp.Status,
			Sequence:     cp.Sequence,
			CommittedAt:  cp.CommittedAt,
		})
	}
	sort.Slice(summaries, func(i, j int) bool { return summaries[i].InstanceID < summaries[j].InstanceID })
	return summaries, nil
}

func (s *FileCheckpointStore) Delete(ctx context.Context, instanceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(s.path(instanceID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete checkpoint: %w", err)
	}
	return nil
}
