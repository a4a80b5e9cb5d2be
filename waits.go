package conductor

import (
	"context"
	"fmt"
	"time"
)

// Consumed event keys are kept for a day; redeliveries older than that are
// treated as new events.
const eventDedupRetention = 24 * time.Hour

// Cancel requests cooperative cancellation. The scheduler observes the
// request between nodes: in-flight attempts finish, no successor is
// dispatched, completed compensable work is compensated, and the instance
// ends Cancelled. The engine re-enters the loop after calling this.
func (s *Scheduler) Cancel(ctx context.Context) error {
	if s.state.Status().Terminal() {
		return fmt.Errorf("instance %s is already %s", s.state.ID(), s.state.Status())
	}
	s.cancelRequest.Store(true)
	s.logger.Info("cancellation requested", "instance_id", s.state.ID())
	return nil
}

// DeliverEvent resolves an event wait. The returned bool is false when the
// delivery was a duplicate and nothing changed. The engine re-enters the
// loop after a true return.
func (s *Scheduler) DeliverEvent(ctx context.Context, event string, payload map[string]any, dedupKey string) (bool, error) {
	if s.state.Status().Terminal() {
		return false, fmt.Errorf("instance %s is already %s", s.state.ID(), s.state.Status())
	}
	// The dedup key is consumed only once a wait actually resolves. An early
	// delivery errors without burning the key, so the at-least-once
	// redelivery still lands when the wait exists.
	wait, ok := s.state.WaitByEvent(event)
	if !ok {
		return false, fmt.Errorf("instance %s has no pending wait for event %q", s.state.ID(), event)
	}
	if dedupKey == "" {
		canonical, err := canonicalJSON(payload)
		if err != nil {
			canonical = nil
		}
		dedupKey = event + "/" + string(canonical)
	}
	if !s.state.ConsumeEvent(dedupKey, time.Now(), eventDedupRetention) {
		s.logger.Info("duplicate event ignored",
			"instance_id", s.state.ID(), "event", event)
		return false, nil
	}
	s.state.RemoveWait(wait.ID)

	var output any
	if payload != nil {
		output = map[string]any(payload)
	}
	s.resolved = append(s.resolved, &resolvedWait{wait: wait, output: output})
	s.logger.Info("event delivered",
		"instance_id", s.state.ID(), "event", event, "node_id", wait.NodeID)
	return true, nil
}

// ResolveApproval records a human decision on an approval gate. A rejection
// fails the gate node permanently, which triggers compensation.
func (s *Scheduler) ResolveApproval(ctx context.Context, nodeID, approver string, approve bool, note string) error {
	if s.state.Status().Terminal() {
		return fmt.Errorf("instance %s is already %s", s.state.ID(), s.state.Status())
	}
	var wait *PendingWait
	for _, w := range s.state.Waits() {
		if w.Kind == WaitApproval && w.NodeID == nodeID {
			wait = w
			break
		}
	}
	if wait == nil {
		return fmt.Errorf("instance %s has no pending approval for node %q", s.state.ID(), nodeID)
	}
	authorized := false
	for _, a := range wait.Approvers {
		if a == approver {
			authorized = true
			break
		}
	}
	if !authorized {
		return fmt.Errorf("%q is not an approver for node %q", approver, nodeID)
	}
	s.state.RemoveWait(wait.ID)

	if approve {
		s.resolved = append(s.resolved, &resolvedWait{
			wait: wait,
			output: map[string]any{
				"approved": true,
				"approver": approver,
				"note":     note,
			},
		})
	} else {
		err := NewError(ErrorKindPermanent, "approval rejected by %q: %s", approver, note)
		err.NodeID = nodeID
		s.resolved = append(s.resolved, &resolvedWait{wait: wait, err: err})
	}
	s.logger.Info("approval resolved",
		"instance_id", s.state.ID(),
		"node_id", nodeID,
		"approver", approver,
		"approved", approve)
	return nil
}

// ExpireWait fires a wait whose deadline passed. For an escalating approval
// gate the first expiry extends the deadline and returns it; the second
// expiry rejects. The returned bool reports whether the instance needs to be
// re-entered.
func (s *Scheduler) ExpireWait(ctx context.Context, waitID string) (bool, time.Time, error) {
	if s.state.Status().Terminal() {
		return false, time.Time{}, nil
	}
	wait, ok := s.state.Wait(waitID)
	if !ok {
		return false, time.Time{}, nil
	}

	switch wait.Kind {
	case WaitTimer:
		s.state.RemoveWait(wait.ID)
		s.resolved = append(s.resolved, &resolvedWait{wait: wait})
		return true, time.Time{}, nil

	case WaitApproval:
		switch wait.OnTimeout {
		case TimeoutAutoApprove:
			s.state.RemoveWait(wait.ID)
			s.resolved = append(s.resolved, &resolvedWait{
				wait:   wait,
				output: map[string]any{"approved": true, "auto_approved": true},
			})
			return true, time.Time{}, nil

		case TimeoutEscalate:
			if !wait.Escalated {
				node, _ := s.def.Node(wait.NodeID)
				extension := time.Hour
				if node != nil && node.Approval != nil && node.Approval.Timeout > 0 {
					extension = node.Approval.Timeout.Std()
				}
				deadline := time.Now().Add(extension)
				s.state.RemoveWait(wait.ID)
				escalated := *wait
				escalated.Escalated = true
				escalated.Deadline = deadline
				s.state.AddWait(&escalated)
				s.logger.Warn("approval escalated",
					"instance_id", s.state.ID(), "node_id", wait.NodeID)
				return false, deadline, nil
			}
			fallthrough

		default: // TimeoutReject and escalation exhausted
			s.state.RemoveWait(wait.ID)
			err := NewError(ErrorKindTimeout, "approval for node %q timed out", wait.NodeID)
			err.NodeID = wait.NodeID
			s.resolved = append(s.resolved, &resolvedWait{wait: wait, err: err})
			return true, time.Time{}, nil
		}

	default:
		return false, time.Time{}, fmt.Errorf("wait %s has no deadline semantics", waitID)
	}
}

// processResolvedWaits converts resolved waits into node results so the main
// merge path handles them like any other completion.
func (s *Scheduler) processResolvedWaits(ctx context.Context) {
	for _, r := range s.resolved {
		node, ok := s.def.Node(r.wait.NodeID)
		if !ok {
			node = &Node{ID: r.wait.NodeID}
		}
		s.state.UpdateBranch(r.wait.BranchID, func(b *BranchState) {
			b.Status = BranchRunning
		})
		now := time.Now()
		record := &NodeExecutionRecord{
			NodeID:    node.ID,
			Attempt:   s.state.NextAttempt(node.ID),
			Status:    RecordSucceeded,
			StartedAt: r.wait.CreatedAt,
			EndedAt:   now,
			Output:    r.output,
		}
		if r.err != nil {
			record.Status = RecordFailed
			record.ErrorKind = r.err.Kind
			record.ErrorMessage = r.err.Message
		}
		s.state.AppendRecord(record)
		s.selfSendRecorded(r.wait.BranchID, node, r.output, r.err, 1)
	}
	s.resolved = nil
}
