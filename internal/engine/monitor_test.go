package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ecs"
	ecstypes "github.com/aws/aws-sdk-go-v2/service/ecs/types"

	"github.com/seantiz/stoker/internal/model"
)

func newTestMonitor(t *testing.T, api TaskAPI, timeout time.Duration) *Monitor {
	t.Helper()
	return NewMonitor(api, 2*time.Millisecond, timeout, testLogger(t))
}

func newWatchedRun() *model.Run {
	return &model.Run{
		ID:        model.NewID(),
		TaskARN:   testTaskARN,
		Cluster:   "default",
		State:     model.StateSubmitted,
		CreatedAt: time.Now().UTC(),
	}
}

func TestWatchSucceeded(t *testing.T) {
	api := &fakeTaskAPI{
		describeFn: describeScript(
			[]ecstypes.Task{taskWithStatus("PROVISIONING")},
			[]ecstypes.Task{taskWithStatus("PENDING")},
			[]ecstypes.Task{taskWithStatus("RUNNING")},
			[]ecstypes.Task{stoppedTask(0, "Essential container in task exited")},
		),
	}
	m := newTestMonitor(t, api, time.Minute)

	var mu sync.Mutex
	var transitions []string
	m.OnTransition = func(_ *model.Run, from, to string) {
		mu.Lock()
		transitions = append(transitions, from+">"+to)
		mu.Unlock()
	}

	run := newWatchedRun()
	outcome, err := m.Watch(context.Background(), run)
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}

	if outcome.Kind != model.OutcomeSucceeded {
		t.Errorf("outcome = %q, want succeeded (reason %q)", outcome.Kind, outcome.Reason)
	}
	if outcome.ExitCode == nil || *outcome.ExitCode != 0 {
		t.Errorf("exit code = %v, want 0", outcome.ExitCode)
	}
	if run.State != model.StateStopped {
		t.Errorf("run state = %q, want stopped", run.State)
	}
	if run.StartedAt == nil {
		t.Error("started_at is nil")
	}
	if run.StoppedAt == nil {
		t.Error("stopped_at is nil")
	}

	want := []string{
		"submitted>provisioning",
		"provisioning>pending",
		"pending>running",
		"running>stopped",
	}
	mu.Lock()
	defer mu.Unlock()
	if len(transitions) != len(want) {
		t.Fatalf("transitions = %v, want %v", transitions, want)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Errorf("transition[%d] = %q, want %q", i, transitions[i], want[i])
		}
	}
}

func TestWatchFailedWithExitCode(t *testing.T) {
	api := &fakeTaskAPI{
		describeFn: describeScript(
			[]ecstypes.Task{taskWithStatus("RUNNING")},
			[]ecstypes.Task{stoppedTask(2, "Essential container in task exited")},
		),
	}
	m := newTestMonitor(t, api, time.Minute)

	run := newWatchedRun()
	outcome, err := m.Watch(context.Background(), run)
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}

	if outcome.Kind != model.OutcomeFailed {
		t.Errorf("outcome = %q, want failed", outcome.Kind)
	}
	if outcome.ExitCode == nil || *outcome.ExitCode != 2 {
		t.Errorf("exit code = %v, want 2", outcome.ExitCode)
	}
	if run.Outcome != model.OutcomeFailed {
		t.Errorf("run outcome = %q, want failed", run.Outcome)
	}
}

func TestWatchStoppedWithoutExitCode(t *testing.T) {
	api := &fakeTaskAPI{
		describeFn: describeScript(
			[]ecstypes.Task{stoppedTask(-1, "")},
		),
	}
	m := newTestMonitor(t, api, time.Minute)

	run := newWatchedRun()
	outcome, err := m.Watch(context.Background(), run)
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}

	if outcome.Kind != model.OutcomeFailed {
		t.Errorf("outcome = %q, want failed", outcome.Kind)
	}
	if outcome.ExitCode == nil || *outcome.ExitCode != missingExitCode {
		t.Errorf("exit code = %v, want %d", outcome.ExitCode, missingExitCode)
	}
	if outcome.Reason == "" {
		t.Error("expected a reason explaining the missing exit status")
	}
}

func TestWatchCancelledByReason(t *testing.T) {
	api := &fakeTaskAPI{
		describeFn: describeScript(
			[]ecstypes.Task{taskWithStatus("RUNNING")},
			[]ecstypes.Task{stoppedTask(-1, cancelReason)},
		),
	}
	m := newTestMonitor(t, api, time.Minute)

	run := newWatchedRun()
	outcome, err := m.Watch(context.Background(), run)
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}

	if outcome.Kind != model.OutcomeCancelled {
		t.Errorf("outcome = %q, want cancelled", outcome.Kind)
	}
}

func TestWatchCancelledByStopCode(t *testing.T) {
	task := stoppedTask(-1, "Task stopped by user")
	task.StopCode = ecstypes.TaskStopCode("UserInitiated")
	api := &fakeTaskAPI{
		describeFn: describeScript([]ecstypes.Task{task}),
	}
	m := newTestMonitor(t, api, time.Minute)

	outcome, err := m.Watch(context.Background(), newWatchedRun())
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}
	if outcome.Kind != model.OutcomeCancelled {
		t.Errorf("outcome = %q, want cancelled", outcome.Kind)
	}
}

func TestWatchLostAfterSeen(t *testing.T) {
	api := &fakeTaskAPI{
		describeFn: describeScript(
			[]ecstypes.Task{taskWithStatus("RUNNING")},
			nil,
		),
	}
	m := newTestMonitor(t, api, time.Minute)

	run := newWatchedRun()
	outcome, err := m.Watch(context.Background(), run)
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}

	if outcome.Kind != model.OutcomeLost {
		t.Errorf("outcome = %q, want lost", outcome.Kind)
	}
	if run.State != model.StateLost {
		t.Errorf("run state = %q, want lost", run.State)
	}
}

func TestWatchNeverSeenTimesOut(t *testing.T) {
	api := &fakeTaskAPI{
		describeFn: describeScript(nil),
	}
	m := newTestMonitor(t, api, 10*time.Millisecond)

	run := newWatchedRun()
	outcome, err := m.Watch(context.Background(), run)
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}

	if outcome.Kind != model.OutcomeFailed {
		t.Errorf("outcome = %q, want failed", outcome.Kind)
	}
	if outcome.ExitCode == nil || *outcome.ExitCode != missingExitCode {
		t.Errorf("exit code = %v, want %d", outcome.ExitCode, missingExitCode)
	}
	if api.stopCount() != 0 {
		t.Errorf("stop calls = %d, want 0 for a task never seen", api.stopCount())
	}
}

func TestWatchDeadlineStopsTask(t *testing.T) {
	var mu sync.Mutex
	stopped := false
	api := &fakeTaskAPI{}
	api.describeFn = func(*ecs.DescribeTasksInput) (*ecs.DescribeTasksOutput, error) {
		mu.Lock()
		defer mu.Unlock()
		if stopped {
			return &ecs.DescribeTasksOutput{
				Tasks: []ecstypes.Task{stoppedTask(-1, timeoutReason)},
			}, nil
		}
		return &ecs.DescribeTasksOutput{
			Tasks: []ecstypes.Task{taskWithStatus("RUNNING")},
		}, nil
	}
	api.stopFn = func(input *ecs.StopTaskInput) (*ecs.StopTaskOutput, error) {
		mu.Lock()
		stopped = true
		mu.Unlock()
		if got := aws.ToString(input.Reason); got != timeoutReason {
			t.Errorf("stop reason = %q, want %q", got, timeoutReason)
		}
		return &ecs.StopTaskOutput{}, nil
	}
	m := newTestMonitor(t, api, 10*time.Millisecond)

	run := newWatchedRun()
	outcome, err := m.Watch(context.Background(), run)
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}

	if outcome.Kind != model.OutcomeFailed {
		t.Errorf("outcome = %q, want failed", outcome.Kind)
	}
	if api.stopCount() != 1 {
		t.Errorf("stop calls = %d, want 1", api.stopCount())
	}
}

func TestWatchStateNeverRegresses(t *testing.T) {
	api := &fakeTaskAPI{
		describeFn: describeScript(
			[]ecstypes.Task{taskWithStatus("RUNNING")},
			[]ecstypes.Task{taskWithStatus("PENDING")}, // stale result
			[]ecstypes.Task{stoppedTask(0, "")},
		),
	}
	m := newTestMonitor(t, api, time.Minute)

	var mu sync.Mutex
	var transitions []string
	m.OnTransition = func(_ *model.Run, from, to string) {
		mu.Lock()
		transitions = append(transitions, from+">"+to)
		mu.Unlock()
	}

	if _, err := m.Watch(context.Background(), newWatchedRun()); err != nil {
		t.Fatalf("Watch: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	for _, tr := range transitions {
		if tr == "running>pending" {
			t.Fatalf("observed regression transition %q", tr)
		}
	}
}

func TestWatchContextCancelled(t *testing.T) {
	api := &fakeTaskAPI{
		describeFn: describeScript([]ecstypes.Task{taskWithStatus("RUNNING")}),
	}
	m := newTestMonitor(t, api, time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	if _, err := m.Watch(ctx, newWatchedRun()); err != context.Canceled {
		t.Fatalf("Watch err = %v, want context.Canceled", err)
	}
}

func TestWatchNonRetryableDescribeIsLost(t *testing.T) {
	api := &fakeTaskAPI{}
	api.describeFn = func(*ecs.DescribeTasksInput) (*ecs.DescribeTasksOutput, error) {
		return nil, apiError("AccessDeniedException", "not authorized")
	}
	m := newTestMonitor(t, api, time.Minute)

	run := newWatchedRun()
	outcome, err := m.Watch(context.Background(), run)
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}
	if outcome.Kind != model.OutcomeLost {
		t.Errorf("outcome = %q, want lost", outcome.Kind)
	}
}

func TestLifecycleState(t *testing.T) {
	tests := []struct {
		status string
		want   string
	}{
		{"PROVISIONING", model.StateProvisioning},
		{"PENDING", model.StatePending},
		{"ACTIVATING", model.StatePending},
		{"RUNNING", model.StateRunning},
		{"DEACTIVATING", model.StateRunning},
		{"STOPPING", model.StateRunning},
		{"DEPROVISIONING", model.StateRunning},
		{"STOPPED", model.StateStopped},
		{"DELETED", model.StateStopped},
		{"SOMETHING_NEW", model.StateSubmitted},
	}
	for _, tt := range tests {
		if got := lifecycleState(tt.status); got != tt.want {
			t.Errorf("lifecycleState(%q) = %q, want %q", tt.status, got, tt.want)
		}
	}
}

func TestFirstExitCode(t *testing.T) {
	code := func(n int32) *int32 { return &n }

	tests := []struct {
		name       string
		containers []ecstypes.Container
		want       *int
	}{
		{"no containers", nil, nil},
		{"no exit status", []ecstypes.Container{{}}, nil},
		{"clean exit", []ecstypes.Container{{ExitCode: code(0)}}, intPtr(0)},
		{"failure wins over clean", []ecstypes.Container{{ExitCode: code(0)}, {ExitCode: code(137)}}, intPtr(137)},
		{"first failure wins", []ecstypes.Container{{ExitCode: code(1)}, {ExitCode: code(2)}}, intPtr(1)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := firstExitCode(tt.containers)
			switch {
			case got == nil && tt.want == nil:
			case got == nil || tt.want == nil:
				t.Errorf("firstExitCode = %v, want %v", got, tt.want)
			case *got != *tt.want:
				t.Errorf("firstExitCode = %d, want %d", *got, *tt.want)
			}
		})
	}
}

func intPtr(n int) *int { return &n }
