package engine

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ecs"
	ecstypes "github.com/aws/aws-sdk-go-v2/service/ecs/types"

	"github.com/seantiz/stoker/internal/model"
)

const (
	// cancelReason marks an operator-initiated stop issued through the
	// canceler. The monitor classifies runs stopped with this reason as
	// Cancelled.
	cancelReason = "stopped by stoker: cancel requested"

	// timeoutReason marks a stop issued by the monitor itself after the run
	// exceeded its configured deadline.
	timeoutReason = "stopped by stoker: run timeout exceeded"

	// maxDescribeMisses is the number of consecutive describe failures
	// tolerated before the run is declared lost.
	maxDescribeMisses = 5

	// stopDrainPolls bounds how many polls the monitor waits for a task to
	// reach STOPPED after it issued a stop itself.
	stopDrainPolls = 12

	// missingExitCode is reported when a terminal task never produced a
	// container exit status but a code must still be surfaced.
	missingExitCode = -1
)

// Outcome is the final derived result of a run: terminal classification,
// exit code if any, and a human-readable reason distinguishing application
// failure from infrastructure failure from operator cancellation.
type Outcome struct {
	RunID    string `json:"run_id"`
	Kind     string `json:"kind"`
	ExitCode *int   `json:"exit_code,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// Monitor polls task status until a terminal state and derives the outcome.
type Monitor struct {
	api      TaskAPI
	interval time.Duration
	timeout  time.Duration
	logger   *slog.Logger

	// OnTransition, when set, is invoked for every observed lifecycle state
	// change. Called from the monitor goroutine.
	OnTransition func(run *model.Run, from, to string)
}

// NewMonitor creates a task monitor polling at the given interval with the
// given overall run deadline.
func NewMonitor(api TaskAPI, interval, timeout time.Duration, logger *slog.Logger) *Monitor {
	return &Monitor{
		api:      api,
		interval: interval,
		timeout:  timeout,
		logger:   logger,
	}
}

// Watch polls the run's task until it reaches a terminal state and returns
// the derived outcome. The run's lifecycle state advances monotonically;
// stale describe results never regress it. If the task has not stopped by
// the configured deadline the monitor stops it and reports a timeout
// failure. Watch mutates only the supplied run; it is the sole writer of the
// run's observed state.
func (m *Monitor) Watch(ctx context.Context, run *model.Run) (*Outcome, error) {
	deadline := time.Now().Add(m.timeout)
	seen := false
	misses := 0
	stopIssued := false
	drainPolls := 0

	for {
		task, err := m.describe(ctx, run)
		switch {
		case err != nil:
			if !isRetryable(err) {
				return m.lost(run, fmt.Sprintf("describe task failed: %v", err)), nil
			}
			misses++
			m.logger.Warn("describe task failed",
				"run_id", run.ID, "task_arn", run.TaskARN, "attempt", misses, "error", err,
			)
			if misses > maxDescribeMisses {
				return m.lost(run, fmt.Sprintf("describe task failed %d times: %v", misses, err)), nil
			}

		case task == nil:
			// The platform has no record of the task. Disappearance after
			// having been seen means it was garbage-collected out from under
			// us; a task not yet visible is a retryable condition bounded by
			// the run deadline.
			if seen {
				return m.lost(run, "task disappeared from the platform before stopping"), nil
			}

		default:
			seen = true
			misses = 0
			m.observe(run, task)

			if run.State == model.StateStopped {
				return m.conclude(run, task), nil
			}
		}

		if stopIssued {
			drainPolls++
			if drainPolls > stopDrainPolls {
				return m.timedOut(run, "task did not stop after engine-issued stop"), nil
			}
		} else if time.Now().After(deadline) {
			if !seen {
				return m.timedOut(run, "task never appeared before the run deadline"), nil
			}
			m.stopForTimeout(ctx, run)
			stopIssued = true
		}

		select {
		case <-time.After(m.jitteredInterval()):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// describe performs one status poll. A nil task with nil error means the
// platform returned no matching task.
func (m *Monitor) describe(ctx context.Context, run *model.Run) (*ecstypes.Task, error) {
	input := &ecs.DescribeTasksInput{Tasks: []string{run.TaskARN}}
	if run.Cluster != "" {
		input.Cluster = aws.String(run.Cluster)
	}

	out, err := m.api.DescribeTasks(ctx, input)
	if err != nil {
		return nil, err
	}
	if len(out.Tasks) == 0 {
		return nil, nil
	}
	return &out.Tasks[0], nil
}

// observe folds one describe result into the run, advancing its lifecycle
// state when the platform state ranks higher than what was already seen.
func (m *Monitor) observe(run *model.Run, task *ecstypes.Task) {
	state := lifecycleState(aws.ToString(task.LastStatus))
	if model.ValidTransition(run.State, state) {
		from := run.State
		run.State = state
		runTransitions.WithLabelValues(from, state).Inc()
		m.logger.Info("run state changed", "run_id", run.ID, "from", from, "to", state)
		if m.OnTransition != nil {
			m.OnTransition(run, from, state)
		}
	}

	if task.StartedAt != nil && run.StartedAt == nil {
		t := task.StartedAt.UTC()
		run.StartedAt = &t
	}
	if task.StoppedAt != nil && run.StoppedAt == nil {
		t := task.StoppedAt.UTC()
		run.StoppedAt = &t
	}
	if reason := aws.ToString(task.StoppedReason); reason != "" {
		run.StopReason = reason
	}
}

// conclude derives the outcome of a stopped task from its stop reason and
// container exit codes.
func (m *Monitor) conclude(run *model.Run, task *ecstypes.Task) *Outcome {
	reason := aws.ToString(task.StoppedReason)
	exitCode := firstExitCode(task.Containers)

	out := &Outcome{RunID: run.ID, Reason: reason, ExitCode: exitCode}
	switch {
	case strings.Contains(reason, timeoutReason):
		out.Kind = model.OutcomeFailed
		if out.ExitCode == nil {
			code := missingExitCode
			out.ExitCode = &code
		}
	case strings.Contains(reason, cancelReason) || string(task.StopCode) == "UserInitiated":
		// Cancellation before any container started carries no exit code.
		out.Kind = model.OutcomeCancelled
	case exitCode == nil:
		out.Kind = model.OutcomeFailed
		code := missingExitCode
		out.ExitCode = &code
		if out.Reason == "" {
			out.Reason = "task stopped without reporting a container exit status"
		}
	case *exitCode == 0:
		out.Kind = model.OutcomeSucceeded
	default:
		out.Kind = model.OutcomeFailed
	}

	run.Outcome = out.Kind
	run.ExitCode = out.ExitCode
	if run.StopReason == "" {
		run.StopReason = out.Reason
	}
	runOutcomes.WithLabelValues(out.Kind).Inc()
	return out
}

// firstExitCode returns the first non-zero container exit code, or zero if
// every reporting container exited cleanly, or nil if no container reported
// an exit status at all.
func firstExitCode(containers []ecstypes.Container) *int {
	var zero *int
	for _, c := range containers {
		if c.ExitCode == nil {
			continue
		}
		code := int(*c.ExitCode)
		if code != 0 {
			return &code
		}
		zero = &code
	}
	return zero
}

// stopForTimeout issues a best-effort stop after the run deadline passed.
// The subsequent polls observe the resulting STOPPED state.
func (m *Monitor) stopForTimeout(ctx context.Context, run *model.Run) {
	m.logger.Warn("run exceeded deadline, stopping task",
		"run_id", run.ID, "task_arn", run.TaskARN, "timeout", m.timeout.String(),
	)
	input := &ecs.StopTaskInput{
		Task:   aws.String(run.TaskARN),
		Reason: aws.String(timeoutReason),
	}
	if run.Cluster != "" {
		input.Cluster = aws.String(run.Cluster)
	}
	if _, err := m.api.StopTask(ctx, input); err != nil && !isNotFound(err) {
		m.logger.Error("stop task after timeout failed", "run_id", run.ID, "error", err)
	}
}

// lost finalizes the run as lost: a terminal failure, never retried.
func (m *Monitor) lost(run *model.Run, reason string) *Outcome {
	m.transitionTerminal(run, model.StateLost)
	run.Outcome = model.OutcomeLost
	run.StopReason = reason
	runOutcomes.WithLabelValues(model.OutcomeLost).Inc()
	return &Outcome{RunID: run.ID, Kind: model.OutcomeLost, Reason: reason}
}

// timedOut finalizes the run as failed with a timeout reason without having
// observed a platform STOPPED state.
func (m *Monitor) timedOut(run *model.Run, reason string) *Outcome {
	m.transitionTerminal(run, model.StateStopped)
	run.Outcome = model.OutcomeFailed
	run.StopReason = fmt.Sprintf("%s: %s", timeoutReason, reason)
	code := missingExitCode
	run.ExitCode = &code
	runOutcomes.WithLabelValues(model.OutcomeFailed).Inc()
	return &Outcome{RunID: run.ID, Kind: model.OutcomeFailed, ExitCode: &code, Reason: run.StopReason}
}

func (m *Monitor) transitionTerminal(run *model.Run, state string) {
	if !model.ValidTransition(run.State, state) {
		return
	}
	from := run.State
	run.State = state
	runTransitions.WithLabelValues(from, state).Inc()
	m.logger.Info("run state changed", "run_id", run.ID, "from", from, "to", state)
	if m.OnTransition != nil {
		m.OnTransition(run, from, state)
	}
}

// jitteredInterval spreads polls across time so many concurrent monitors do
// not align their describe calls.
func (m *Monitor) jitteredInterval() time.Duration {
	jitter := int64(m.interval / 5)
	if jitter <= 0 {
		return m.interval
	}
	return m.interval + time.Duration(rand.Int64N(jitter))
}

// lifecycleState maps a platform task status onto the run lifecycle.
// Wind-down statuses count as still running; the run only becomes terminal
// at STOPPED.
func lifecycleState(status string) string {
	switch status {
	case "PROVISIONING":
		return model.StateProvisioning
	case "PENDING", "ACTIVATING":
		return model.StatePending
	case "RUNNING", "DEACTIVATING", "STOPPING", "DEPROVISIONING":
		return model.StateRunning
	case "STOPPED", "DELETED":
		return model.StateStopped
	default:
		return model.StateSubmitted
	}
}
