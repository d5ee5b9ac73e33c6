package engine

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs"
	"github.com/aws/aws-sdk-go-v2/service/ecs"
	ecstypes "github.com/aws/aws-sdk-go-v2/service/ecs/types"
	"github.com/aws/smithy-go"
)

// fakeTaskAPI is a scriptable mock of the ECS surface the engine consumes.
// Each operation delegates to the corresponding func when set and records
// its inputs for assertions.
type fakeTaskAPI struct {
	mu sync.Mutex

	registerFn    func(*ecs.RegisterTaskDefinitionInput) (*ecs.RegisterTaskDefinitionOutput, error)
	describeDefFn func(*ecs.DescribeTaskDefinitionInput) (*ecs.DescribeTaskDefinitionOutput, error)
	runTaskFn     func(*ecs.RunTaskInput) (*ecs.RunTaskOutput, error)
	describeFn    func(*ecs.DescribeTasksInput) (*ecs.DescribeTasksOutput, error)
	stopFn        func(*ecs.StopTaskInput) (*ecs.StopTaskOutput, error)

	registerInputs []*ecs.RegisterTaskDefinitionInput
	runInputs      []*ecs.RunTaskInput
	describeCalls  int
	stopInputs     []*ecs.StopTaskInput
}

func (f *fakeTaskAPI) RegisterTaskDefinition(_ context.Context, params *ecs.RegisterTaskDefinitionInput, _ ...func(*ecs.Options)) (*ecs.RegisterTaskDefinitionOutput, error) {
	f.mu.Lock()
	f.registerInputs = append(f.registerInputs, params)
	f.mu.Unlock()
	if f.registerFn != nil {
		return f.registerFn(params)
	}
	return &ecs.RegisterTaskDefinitionOutput{
		TaskDefinition: &ecstypes.TaskDefinition{
			TaskDefinitionArn:    aws.String("arn:aws:ecs:us-east-1:123:task-definition/" + aws.ToString(params.Family) + ":1"),
			Family:               params.Family,
			Revision:             1,
			ContainerDefinitions: params.ContainerDefinitions,
			Cpu:                  params.Cpu,
			Memory:               params.Memory,
		},
	}, nil
}

func (f *fakeTaskAPI) DescribeTaskDefinition(_ context.Context, params *ecs.DescribeTaskDefinitionInput, _ ...func(*ecs.Options)) (*ecs.DescribeTaskDefinitionOutput, error) {
	if f.describeDefFn != nil {
		return f.describeDefFn(params)
	}
	return &ecs.DescribeTaskDefinitionOutput{}, nil
}

func (f *fakeTaskAPI) RunTask(_ context.Context, params *ecs.RunTaskInput, _ ...func(*ecs.Options)) (*ecs.RunTaskOutput, error) {
	f.mu.Lock()
	f.runInputs = append(f.runInputs, params)
	f.mu.Unlock()
	if f.runTaskFn != nil {
		return f.runTaskFn(params)
	}
	return &ecs.RunTaskOutput{
		Tasks: []ecstypes.Task{{TaskArn: aws.String(testTaskARN)}},
	}, nil
}

func (f *fakeTaskAPI) DescribeTasks(_ context.Context, params *ecs.DescribeTasksInput, _ ...func(*ecs.Options)) (*ecs.DescribeTasksOutput, error) {
	f.mu.Lock()
	f.describeCalls++
	f.mu.Unlock()
	if f.describeFn != nil {
		return f.describeFn(params)
	}
	return &ecs.DescribeTasksOutput{}, nil
}

func (f *fakeTaskAPI) StopTask(_ context.Context, params *ecs.StopTaskInput, _ ...func(*ecs.Options)) (*ecs.StopTaskOutput, error) {
	f.mu.Lock()
	f.stopInputs = append(f.stopInputs, params)
	f.mu.Unlock()
	if f.stopFn != nil {
		return f.stopFn(params)
	}
	return &ecs.StopTaskOutput{}, nil
}

func (f *fakeTaskAPI) stopCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.stopInputs)
}

func (f *fakeTaskAPI) runCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.runInputs)
}

// fakeLogAPI is a scriptable mock of the CloudWatch Logs surface.
type fakeLogAPI struct {
	mu sync.Mutex

	describeStreamsFn func(*cloudwatchlogs.DescribeLogStreamsInput) (*cloudwatchlogs.DescribeLogStreamsOutput, error)
	getEventsFn       func(*cloudwatchlogs.GetLogEventsInput) (*cloudwatchlogs.GetLogEventsOutput, error)

	getEventsCalls int
}

func (f *fakeLogAPI) DescribeLogStreams(_ context.Context, params *cloudwatchlogs.DescribeLogStreamsInput, _ ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.DescribeLogStreamsOutput, error) {
	if f.describeStreamsFn != nil {
		return f.describeStreamsFn(params)
	}
	return &cloudwatchlogs.DescribeLogStreamsOutput{}, nil
}

func (f *fakeLogAPI) GetLogEvents(_ context.Context, params *cloudwatchlogs.GetLogEventsInput, _ ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.GetLogEventsOutput, error) {
	f.mu.Lock()
	f.getEventsCalls++
	f.mu.Unlock()
	if f.getEventsFn != nil {
		return f.getEventsFn(params)
	}
	return &cloudwatchlogs.GetLogEventsOutput{}, nil
}

const testTaskARN = "arn:aws:ecs:us-east-1:123:task/default/abc123def456"

func testLogger(t *testing.T) *slog.Logger {
	t.Helper()
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

// apiError builds a generic platform API error with the given code.
func apiError(code, msg string) error {
	return &smithy.GenericAPIError{Code: code, Message: msg}
}

// taskWithStatus builds a describe result in the given platform status.
func taskWithStatus(status string) ecstypes.Task {
	return ecstypes.Task{
		TaskArn:    aws.String(testTaskARN),
		LastStatus: aws.String(status),
	}
}

// stoppedTask builds a STOPPED describe result with the given exit code and
// stop reason. A negative code means no container reported an exit status.
func stoppedTask(exitCode int, reason string) ecstypes.Task {
	now := time.Now().UTC()
	task := ecstypes.Task{
		TaskArn:       aws.String(testTaskARN),
		LastStatus:    aws.String("STOPPED"),
		StoppedReason: aws.String(reason),
		StartedAt:     aws.Time(now.Add(-time.Minute)),
		StoppedAt:     aws.Time(now),
	}
	if exitCode >= 0 {
		code := int32(exitCode)
		task.Containers = []ecstypes.Container{{
			Name:     aws.String(DefaultContainerName),
			ExitCode: &code,
		}}
	}
	return task
}

// describeScript returns a describeFn that serves the given task sequences
// in order, repeating the last one once exhausted.
func describeScript(sequence ...[]ecstypes.Task) func(*ecs.DescribeTasksInput) (*ecs.DescribeTasksOutput, error) {
	var mu sync.Mutex
	i := 0
	return func(*ecs.DescribeTasksInput) (*ecs.DescribeTasksOutput, error) {
		mu.Lock()
		defer mu.Unlock()
		tasks := sequence[i]
		if i < len(sequence)-1 {
			i++
		}
		return &ecs.DescribeTasksOutput{Tasks: tasks}, nil
	}
}
