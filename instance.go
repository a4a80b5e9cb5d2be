package conductor

import (
	"time"

	"go.jetify.com/typeid"
)

// NewInstanceID returns a new unique workflow instance identifier.
func NewInstanceID() string {
	id, err := typeid.WithPrefix("inst")
	if err != nil {
		panic(err)
	}
	return id.String()
}

// NewWaitID returns a new unique pending-wait identifier.
func NewWaitID() string {
	id, err := typeid.WithPrefix("wait")
	if err != nil {
		panic(err)
	}
	return id.String()
}

// InstanceStatus is the lifecycle state of a workflow instance.
type InstanceStatus string

const (
	StatusPending      InstanceStatus = "pending"
	StatusRunning      InstanceStatus = "running"
	StatusWaiting      InstanceStatus = "waiting"
	StatusCompensating InstanceStatus = "compensating"
	StatusCompensated  InstanceStatus = "compensated"
	StatusCompleted    InstanceStatus = "completed"
	StatusFailed       InstanceStatus = "failed"
	StatusCancelled    InstanceStatus = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s InstanceStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusCompensated:
		return true
	}
	return false
}

// RecordStatus is the lifecycle state of one node execution attempt.
type RecordStatus string

const (
	RecordQueued      RecordStatus = "queued"
	RecordRunning     RecordStatus = "running"
	RecordSucceeded   RecordStatus = "succeeded"
	RecordFailed      RecordStatus = "failed"
	RecordRetrying    RecordStatus = "retrying"
	RecordSkipped     RecordStatus = "skipped"
	RecordCompensated RecordStatus = "compensated"
)

// NodeExecutionRecord captures one attempt of one node within one instance.
// Attempt numbers are strictly increasing per node per instance.
type NodeExecutionRecord struct {
	NodeID       string       `json:"node_id"`
	Attempt      int          `json:"attempt"`
	Status       RecordStatus `json:"status"`
	StartedAt    time.Time    `json:"started_at"`
	EndedAt      time.Time    `json:"ended_at"`
	Output       any          `json:"output,omitempty"`
	ErrorKind    ErrorKind    `json:"error_kind,omitempty"`
	ErrorMessage string       `json:"error_message,omitempty"`
}

// BranchStatus is the lifecycle state of one execution branch.
type BranchStatus string

const (
	BranchPending   BranchStatus = "pending"
	BranchRunning   BranchStatus = "running"
	BranchSuspended BranchStatus = "suspended"
	BranchCompleted BranchStatus = "completed"
	BranchFailed    BranchStatus = "failed"
	BranchCancelled BranchStatus = "cancelled"
)

// BranchState tracks one sequential execution branch. Fully JSON
// serializable for checkpointing.
type BranchState struct {
	ID           string         `json:"id"`
	Status       BranchStatus   `json:"status"`
	CurrentNode  string         `json:"current_node"`
	StartedAt    time.Time      `json:"started_at"`
	EndedAt      time.Time      `json:"ended_at"`
	ErrorMessage string         `json:"error_message,omitempty"`
	Iterations   map[string]int `json:"iterations,omitempty"` // loop node id -> count
}

// Copy returns a copy of the branch state.
func (b *BranchState) Copy() *BranchState {
	iterations := make(map[string]int, len(b.Iterations))
	for k, v := range b.Iterations {
		iterations[k] = v
	}
	clone := *b
	clone.Iterations = iterations
	return &clone
}

// JoinState tracks arrivals at a fan-in node.
type JoinState struct {
	NodeID   string          `json:"node_id"`
	Arrived  map[string]bool `json:"arrived"` // branch id -> arrived
	Fired    bool            `json:"fired"`
	Expected int             `json:"expected"`
}

func (j *JoinState) Copy() *JoinState {
	arrived := make(map[string]bool, len(j.Arrived))
	for k, v := range j.Arrived {
		arrived[k] = v
	}
	clone := *j
	clone.Arrived = arrived
	return &clone
}

// WaitKind distinguishes what a suspended branch is waiting for.
type WaitKind string

const (
	WaitEvent    WaitKind = "event"
	WaitTimer    WaitKind = "timer"
	WaitApproval WaitKind = "approval"
)

// PendingWait is the persisted descriptor of a suspended branch. No goroutine
// blocks on a wait: the engine re-enqueues the instance when the wait
// resolves or its deadline passes.
type PendingWait struct {
	ID        string        `json:"id"`
	BranchID  string        `json:"branch_id"`
	NodeID    string        `json:"node_id"`
	Kind      WaitKind      `json:"kind"`
	Event     string        `json:"event,omitempty"`
	Deadline  time.Time     `json:"deadline"`
	Approvers []string      `json:"approvers,omitempty"`
	OnTimeout TimeoutPolicy `json:"on_timeout,omitempty"`
	Escalated bool          `json:"escalated,omitempty"`
	CreatedAt time.Time     `json:"created_at"`
}

// CompletionEntry records a succeeded compensable node, in completion order.
// Compensation replays these in reverse.
type CompletionEntry struct {
	NodeID       string `json:"node_id"`
	Compensation string `json:"compensation"`
	Output       any    `json:"output,omitempty"`
}

// FailureReason is the structured reason attached to a terminal instance.
type FailureReason struct {
	NodeID               string    `json:"node_id,omitempty"`
	Kind                 ErrorKind `json:"kind,omitempty"`
	Message              string    `json:"message"`
	Attempts             int       `json:"attempts,omitempty"`
	PartiallyCompensated bool      `json:"partially_compensated,omitempty"`
}

// InstanceSnapshot is the externally visible view of an instance.
type InstanceSnapshot struct {
	InstanceID        string                 `json:"instance_id"`
	DefinitionID      string                 `json:"definition_id"`
	DefinitionVersion int                    `json:"definition_version"`
	Status            InstanceStatus         `json:"status"`
	Variables         map[string]any         `json:"variables"`
	Frontier          []string               `json:"frontier"`
	PendingWaits      []*PendingWait         `json:"pending_waits,omitempty"`
	Records           []*NodeExecutionRecord `json:"records,omitempty"`
	Reason            *FailureReason         `json:"reason,omitempty"`
	StartedAt         time.Time              `json:"started_at"`
	EndedAt           time.Time              `json:"ended_at"`
}
