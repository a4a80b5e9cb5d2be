package conductor

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.jetify.com/typeid"
)

// DeadLetter records a node failure that exhausted its retry policy, or a
// compensation step that could not complete. Dead letters are the operator
// escalation surface: nothing in the engine retries them automatically.
type DeadLetter struct {
	ID           string    `json:"id"`
	InstanceID   string    `json:"instance_id"`
	DefinitionID string    `json:"definition_id"`
	NodeID       string    `json:"node_id"`
	Kind         ErrorKind `json:"kind"`
	Message      string    `json:"message"`
	Attempts     int       `json:"attempts"`
	Compensation bool      `json:"compensation,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// NewDeadLetterID returns a new unique dead-letter identifier.
func NewDeadLetterID() string {
	id, err := typeid.WithPrefix("dl")
	if err != nil {
		panic(err)
	}
	return id.String()
}

// DeadLetterStore persists dead letters for operator inspection.
type DeadLetterStore interface {
	Append(ctx context.Context, letter *DeadLetter) error
	ListByInstance(ctx context.Context, instanceID string) ([]*DeadLetter, error)
}

// MemoryDeadLetterStore keeps dead letters in memory.
type MemoryDeadLetterStore struct {
	mu      sync.RWMutex
	letters []*DeadLetter
}

// NewMemoryDeadLetterStore creates an empty in-memory dead-letter store.
func NewMemoryDeadLetterStore() *MemoryDeadLetterStore {
	return &MemoryDeadLetterStore{}
}

func (s *MemoryDeadLetterStore) Append(ctx context.Context, letter *DeadLetter) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *letter
	s.letters = append(s.letters, &clone)
	return nil
}

func (s *MemoryDeadLetterStore) ListByInstance(ctx context.Context, instanceID string) ([]*DeadLetter, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*DeadLetter
	for _, l := range s.letters {
		if l.InstanceID == instanceID {
			clone := *l
			out = append(out, &clone)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}
