package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/seantiz/stoker/internal/model"
	"github.com/seantiz/stoker/internal/store"
)

// Config carries the engine defaults applied to runs that do not specify
// their own placement.
type Config struct {
	Cluster        string
	LaunchType     string
	Subnets        []string
	SecurityGroups []string
	AssignPublicIP bool
	LogGroup       string
	Region         string
	PollInterval   time.Duration
	RunTimeout     time.Duration
}

// Engine orchestrates the remote task lifecycle: definition resolution, task
// submission, concurrent monitoring and log streaming, and outcome
// finalization. Exactly one terminal outcome is produced per submitted run.
type Engine struct {
	store  store.Store
	tasks  TaskAPI
	logs   LogAPI
	cfg    Config
	logger *slog.Logger
	broker *LogBroker
	wg     sync.WaitGroup

	// cancelRequests holds runs whose cancellation arrived while the run
	// had no task ARN yet, so the stop could not be issued directly. The
	// execute goroutine checks it around submission.
	mu             sync.Mutex
	cancelRequests map[string]bool
}

// New creates an execution engine.
func New(s store.Store, tasks TaskAPI, logs LogAPI, cfg Config, logger *slog.Logger) *Engine {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.RunTimeout <= 0 {
		cfg.RunTimeout = 2 * time.Hour
	}
	return &Engine{
		store:          s,
		tasks:          tasks,
		logs:           logs,
		cfg:            cfg,
		logger:         logger,
		broker:         NewLogBroker(),
		cancelRequests: make(map[string]bool),
	}
}

// Broker returns the engine's log broker for SSE subscription.
func (e *Engine) Broker() *LogBroker {
	return e.broker
}

// Wait blocks until all in-flight run goroutines complete.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// Submit creates a run record and launches asynchronous execution in a
// goroutine. The run is stored in the submitted state before returning.
// The goroutine operates on a copy of the run to avoid data races with the
// caller.
func (e *Engine) Submit(ctx context.Context, spec model.JobSpec, placement model.Placement) (*model.Run, error) {
	e.applyDefaults(&placement)

	run := &model.Run{
		ID:        model.NewID(),
		Cluster:   placement.Cluster,
		State:     model.StateSubmitted,
		CreatedAt: time.Now().UTC(),
	}
	if err := e.store.CreateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("create run: %w", err)
	}

	runCopy := *run
	e.wg.Go(func() {
		e.execute(&runCopy, spec, placement)
	})

	return run, nil
}

// Cancel requests the platform to stop an in-flight run. Cancelling a run
// that already reached a terminal state is a no-op success. A run whose
// task submission is still in flight is marked for cancellation instead:
// execute either finalizes it as cancelled before submitting, or stops the
// task as soon as the ARN exists.
func (e *Engine) Cancel(ctx context.Context, runID string) error {
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if model.IsTerminal(run.State) {
		return nil
	}

	if run.TaskARN == "" {
		e.markCancelRequested(runID)
		// Submission may have completed between the first read and the
		// mark; re-read so a task that just got its ARN is stopped here
		// rather than left to execute's flag check alone.
		run, err = e.store.GetRun(ctx, runID)
		if err != nil {
			return err
		}
		if run.TaskARN == "" {
			return nil
		}
	}
	return NewCanceler(e.tasks, e.logger).Cancel(ctx, run)
}

func (e *Engine) markCancelRequested(runID string) {
	e.mu.Lock()
	e.cancelRequests[runID] = true
	e.mu.Unlock()
}

func (e *Engine) cancelRequested(runID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cancelRequests[runID]
}

func (e *Engine) clearCancelRequest(runID string) {
	e.mu.Lock()
	delete(e.cancelRequests, runID)
	e.mu.Unlock()
}

// execute drives one run to its terminal outcome: resolve the definition,
// submit the task, then monitor and stream logs concurrently. The monitor
// owns the run's observed lifecycle state; the streamer owns the log
// cursor; they share only the run's identifiers.
func (e *Engine) execute(run *model.Run, spec model.JobSpec, placement model.Placement) {
	// Close the SSE log stream when execution finishes, regardless of outcome.
	defer e.broker.Close(run.ID)
	defer e.clearCancelRequest(run.ID)

	ctx := context.Background()

	resolver := NewResolver(e.tasks, e.cfg.Region, e.cfg.LogGroup, e.logger)
	def, err := resolver.Resolve(ctx, spec)
	if err != nil {
		e.finishFailed(run, fmt.Sprintf("resolve definition: %v", err))
		return
	}
	run.TaskDefinitionARN = def.ARN

	if e.cancelRequested(run.ID) {
		e.finishCancelled(run)
		return
	}

	taskARN, err := NewSubmitter(e.tasks, e.logger).Submit(ctx, run.ID, def, spec, placement)
	if err != nil {
		e.finishFailed(run, fmt.Sprintf("submit task: %v", err))
		return
	}
	run.TaskARN = taskARN
	if err := e.store.UpdateRun(ctx, run); err != nil {
		e.logger.Error("persist submitted run", "run_id", run.ID, "error", err)
	}

	// A cancel that raced the submission left its mark instead of a stop
	// call. The ARN is persisted above, so the pair of checks cannot both
	// miss: either this one fires, or Cancel's re-read saw the ARN.
	if e.cancelRequested(run.ID) {
		if err := NewCanceler(e.tasks, e.logger).Cancel(ctx, run); err != nil {
			e.logger.Error("stop task for pending cancel", "run_id", run.ID, "error", err)
		}
	}

	// The streamer dual-writes each line: persist to SQLite for historical
	// viewing, then publish to the broker for real-time SSE.
	var seq atomic.Int32
	sink := func(rec model.LogRecord) {
		currentSeq := int(seq.Add(1) - 1)
		if err := e.store.InsertLogLine(ctx, run.ID, currentSeq, rec.Container, rec.Line, rec.Timestamp); err != nil {
			e.logger.Error("persist log line", "run_id", run.ID, "seq", currentSeq, "error", err)
		}
		e.broker.Publish(run.ID, rec)
	}

	terminal := make(chan struct{})
	streamDone := make(chan struct{})
	streamRun := *run
	go func() {
		defer close(streamDone)
		streamer := NewStreamer(e.logs, e.cfg.PollInterval, e.logger)
		if err := streamer.Stream(ctx, &streamRun, def, terminal, sink); err != nil && !errors.Is(err, context.Canceled) {
			e.logger.Error("log streaming failed", "run_id", run.ID, "error", err)
		}
	}()

	monitor := NewMonitor(e.tasks, e.cfg.PollInterval, e.cfg.RunTimeout, e.logger)
	monitor.OnTransition = func(r *model.Run, from, to string) {
		if err := e.store.UpdateRunState(ctx, r.ID, to); err != nil {
			e.logger.Error("persist run state", "run_id", r.ID, "state", to, "error", err)
		}
	}

	outcome, err := monitor.Watch(ctx, run)
	close(terminal)
	// The final drain is awaited before the run is reported complete, so
	// callers never observe a terminal run with trailing logs still in flight.
	<-streamDone

	if err != nil {
		e.finishFailed(run, fmt.Sprintf("monitor aborted: %v", err))
		return
	}

	if run.StoppedAt == nil {
		now := time.Now().UTC()
		run.StoppedAt = &now
	}
	if err := e.store.UpdateRun(ctx, run); err != nil {
		e.logger.Error("persist terminal run", "run_id", run.ID, "error", err)
	}

	e.logger.Info("run complete",
		"run_id", run.ID,
		"outcome", outcome.Kind,
		"reason", outcome.Reason,
	)
}

// finishCancelled finalizes a run whose cancellation arrived before any
// task was submitted. No task exists, so nothing is stopped remotely and no
// exit code is reported.
func (e *Engine) finishCancelled(run *model.Run) {
	now := time.Now().UTC()
	run.State = model.StateStopped
	run.Outcome = model.OutcomeCancelled
	run.StopReason = cancelReason
	run.StoppedAt = &now
	runOutcomes.WithLabelValues(model.OutcomeCancelled).Inc()

	if err := e.store.UpdateRun(context.Background(), run); err != nil {
		e.logger.Error("persist cancelled run", "run_id", run.ID, "error", err)
	}
	e.logger.Info("run cancelled before submission", "run_id", run.ID)
}

// finishFailed finalizes a run that failed before or outside the monitor's
// state machine.
func (e *Engine) finishFailed(run *model.Run, reason string) {
	now := time.Now().UTC()
	run.State = model.StateStopped
	run.Outcome = model.OutcomeFailed
	run.StopReason = reason
	run.StoppedAt = &now
	runOutcomes.WithLabelValues(model.OutcomeFailed).Inc()

	if err := e.store.UpdateRun(context.Background(), run); err != nil {
		e.logger.Error("persist failed run", "run_id", run.ID, "error", err)
	}
	e.logger.Error("run failed", "run_id", run.ID, "reason", reason)
}

func (e *Engine) applyDefaults(p *model.Placement) {
	if p.Cluster == "" {
		p.Cluster = e.cfg.Cluster
	}
	if p.LaunchType == "" {
		p.LaunchType = e.cfg.LaunchType
	}
	if len(p.Subnets) == 0 {
		p.Subnets = e.cfg.Subnets
		p.AssignPublicIP = e.cfg.AssignPublicIP
	}
	if len(p.SecurityGroups) == 0 {
		p.SecurityGroups = e.cfg.SecurityGroups
	}
}
