package conductor

import (
	"context"
	"fmt"
	"time"
)

// compensate unwinds completed compensable work in reverse completion order,
// then finishes the instance. onFailure is the terminal status when nothing
// was compensable (StatusFailed or StatusCancelled); a fully compensated
// failure ends Compensated, a cancellation always ends Cancelled.
func (s *Scheduler) compensate(ctx context.Context, onFailure InstanceStatus, reason *FailureReason) InstanceStatus {
	completions := s.state.Completions()
	if len(completions) == 0 {
		return s.finish(ctx, onFailure, reason)
	}

	s.state.SetStatus(StatusCompensating)
	if err := s.checkpoint(ctx); err != nil {
		s.logger.Error("checkpoint failed before compensation",
			"instance_id", s.state.ID(), "error", err)
	}
	s.logger.Info("compensating",
		"instance_id", s.state.ID(),
		"steps", len(completions))

	partial := false
	for i := len(completions) - 1; i >= 0; i-- {
		entry := completions[i]
		if err := s.runCompensation(ctx, entry); err != nil {
			partial = true
			classified := Classify(err)
			classified.NodeID = entry.Compensation
			s.appendDeadLetter(ctx, entry.Compensation, classified, 0, true)
			s.logger.Error("compensation step failed",
				"instance_id", s.state.ID(),
				"node_id", entry.NodeID,
				"handler", entry.Compensation,
				"error", err)
			continue
		}
		s.recordInstant(entry.Compensation, RecordCompensated, nil)
		if err := s.checkpoint(ctx); err != nil {
			s.logger.Error("checkpoint failed during compensation",
				"instance_id", s.state.ID(), "error", err)
		}
	}

	status := onFailure
	if onFailure == StatusFailed && !partial {
		status = StatusCompensated
	}
	if partial {
		if reason == nil {
			reason = &FailureReason{Message: "compensation incomplete"}
		}
		reason.PartiallyCompensated = true
	}
	return s.finish(ctx, status, reason)
}

// runCompensation executes one compensation handler node, honoring its retry
// policy. The handler sees the instance variables plus the compensated
// node's id and recorded output.
func (s *Scheduler) runCompensation(ctx context.Context, entry CompletionEntry) error {
	handler, ok := s.def.Node(entry.Compensation)
	if !ok {
		return fmt.Errorf("compensation handler %q not found", entry.Compensation)
	}
	executor, err := s.registry.Resolve(handler.Capability)
	if err != nil {
		return err
	}

	variables := s.state.Variables()
	variables["compensated_node"] = entry.NodeID
	variables["compensated_output"] = entry.Output
	key := NodeIdempotencyKey(s.state.ID(), handler.ID, variables)

	policy := s.def.RetryPolicyFor(handler)
	maxAttempts := 1
	if policy != nil && policy.MaxAttempts > 0 {
		maxAttempts = policy.MaxAttempts
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		_, err := s.executeOnce(ctx, handler, executor, variables, attempt, key)
		if err == nil {
			return nil
		}
		lastErr = err
		classified := Classify(err)
		if !Retryable(classified.Kind, policy) || attempt >= maxAttempts {
			break
		}
		if !s.sleepBackoffCompensation(ctx, policy, attempt) {
			break
		}
	}
	return lastErr
}

// sleepBackoffCompensation waits between compensation attempts. Unlike the
// forward path it only aborts on hard context cancellation, not on the run
// context used to stop forward progress.
func (s *Scheduler) sleepBackoffCompensation(ctx context.Context, policy *RetryPolicy, attempt int) bool {
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

// checkpoint commits the current state synchronously. Nothing is dispatched
// past a failed commit.
func (s *Scheduler) checkpoint(ctx context.Context) error {
	return s.checkpoints.Commit(ctx, s.state.ToCheckpoint())
}
