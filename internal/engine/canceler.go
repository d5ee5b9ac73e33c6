package engine

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ecs"

	"github.com/seantiz/stoker/internal/model"
)

// Canceler requests the platform to stop an in-flight run. Cancellation is
// idempotent and safe to race against an active monitor: the monitor
// observes the resulting state change on its next poll and both converge on
// the same terminal outcome.
type Canceler struct {
	api    TaskAPI
	logger *slog.Logger
}

// NewCanceler creates a canceler.
func NewCanceler(api TaskAPI, logger *slog.Logger) *Canceler {
	return &Canceler{api: api, logger: logger}
}

// Cancel issues a stop for the run's task. Stopping a task that is already
// stopped, already stopping, or no longer known to the platform is a no-op
// success.
func (c *Canceler) Cancel(ctx context.Context, run *model.Run) error {
	if run.TaskARN == "" {
		// Submission never completed; there is nothing to stop remotely.
		return nil
	}

	input := &ecs.StopTaskInput{
		Task:   aws.String(run.TaskARN),
		Reason: aws.String(cancelReason),
	}
	if run.Cluster != "" {
		input.Cluster = aws.String(run.Cluster)
	}

	err := withRetry(ctx, "stop_task", defaultRetryAttempts, defaultRetryBase, func(ctx context.Context) error {
		_, err := c.api.StopTask(ctx, input)
		if err != nil && isNotFound(err) {
			// Already garbage-collected by the platform: as good as stopped.
			return nil
		}
		return err
	})
	if err != nil {
		return fmt.Errorf("stop task %s: %w", run.TaskARN, err)
	}

	c.logger.Info("cancellation requested", "run_id", run.ID, "task_arn", run.TaskARN)
	return nil
}
