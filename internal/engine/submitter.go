package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ecs"
	ecstypes "github.com/aws/aws-sdk-go-v2/service/ecs/types"

	"github.com/seantiz/stoker/internal/model"
)

// Submitter issues the run request for a resolved definition and returns the
// platform task identity.
type Submitter struct {
	api    TaskAPI
	logger *slog.Logger
}

// NewSubmitter creates a task submitter.
func NewSubmitter(api TaskAPI, logger *slog.Logger) *Submitter {
	return &Submitter{api: api, logger: logger}
}

// Submit runs the resolved definition with the given placement and returns
// the started task's ARN. Transient failures are retried with bounded
// backoff; payload rejections surface immediately as ErrSubmissionRejected.
func (s *Submitter) Submit(ctx context.Context, runID string, def *Definition, spec model.JobSpec, placement model.Placement) (string, error) {
	input, err := s.buildRunTaskInput(runID, def, spec, placement)
	if err != nil {
		return "", err
	}

	var out *ecs.RunTaskOutput
	err = withRetry(ctx, "run_task", defaultRetryAttempts, defaultRetryBase, func(ctx context.Context) error {
		var err error
		out, err = s.api.RunTask(ctx, input)
		return err
	})
	if err != nil {
		if isValidation(err) || isNotFound(err) {
			return "", submissionRejected(friendlySubmissionError(err, placement))
		}
		return "", fmt.Errorf("run task: %w", err)
	}

	if len(out.Failures) > 0 {
		f := out.Failures[0]
		reason := aws.ToString(f.Reason)
		if detail := aws.ToString(f.Detail); detail != "" {
			reason += ": " + detail
		}
		return "", submissionRejected(reason)
	}
	if len(out.Tasks) == 0 {
		return "", submissionRejected("platform returned no tasks and no failures")
	}

	taskARN := aws.ToString(out.Tasks[0].TaskArn)
	s.logger.Info("task submitted",
		"run_id", runID,
		"task_arn", taskARN,
		"task_definition_arn", def.ARN,
		"cluster", aws.ToString(input.Cluster),
	)
	return taskARN, nil
}

// buildRunTaskInput assembles the run request. Merge order: base payload
// first, computed fields (network, overrides, tags) next, then the user's
// structured override patch last, so user values win on conflict.
func (s *Submitter) buildRunTaskInput(runID string, def *Definition, spec model.JobSpec, placement model.Placement) (*ecs.RunTaskInput, error) {
	input := &ecs.RunTaskInput{
		TaskDefinition: aws.String(def.ARN),
		Count:          aws.Int32(1),
		StartedBy:      aws.String(runID),
	}
	if placement.Cluster != "" {
		input.Cluster = aws.String(placement.Cluster)
	}

	// FARGATE_SPOT is not a launch type; it is expressed through a capacity
	// provider strategy.
	switch placement.LaunchType {
	case model.LaunchFargateSpot:
		input.CapacityProviderStrategy = []ecstypes.CapacityProviderStrategyItem{
			{CapacityProvider: aws.String("FARGATE_SPOT"), Weight: 1},
		}
	case "":
		input.LaunchType = ecstypes.LaunchTypeFargate
	default:
		input.LaunchType = ecstypes.LaunchType(placement.LaunchType)
	}

	if len(placement.Subnets) > 0 {
		assign := ecstypes.AssignPublicIpDisabled
		if placement.AssignPublicIP {
			assign = ecstypes.AssignPublicIpEnabled
		}
		input.NetworkConfiguration = &ecstypes.NetworkConfiguration{
			AwsvpcConfiguration: &ecstypes.AwsVpcConfiguration{
				Subnets:        placement.Subnets,
				SecurityGroups: placement.SecurityGroups,
				AssignPublicIp: assign,
			},
		}
	}

	override := ecstypes.ContainerOverride{Name: aws.String(def.ContainerName)}
	if len(spec.Command) > 0 {
		override.Command = spec.Command
	}
	if len(spec.Env) > 0 {
		override.Environment = envToKeyValuePairs(spec.Env)
	}
	taskOverride := &ecstypes.TaskOverride{
		ContainerOverrides: []ecstypes.ContainerOverride{override},
	}
	if spec.CPU > 0 {
		taskOverride.Cpu = aws.String(strconv.Itoa(spec.CPU))
	}
	if spec.Memory > 0 {
		taskOverride.Memory = aws.String(strconv.Itoa(spec.Memory))
	}
	input.Overrides = taskOverride

	tags := map[string]string{"stoker:run-id": runID}
	for k, v := range spec.Tags {
		tags[k] = v
	}
	input.Tags = sanitizeTags(tags)

	return applyRunOverrides(input, placement.Overrides)
}

// friendlySubmissionError rewrites common platform rejections into messages
// that point at the actual misconfiguration.
func friendlySubmissionError(err error, placement model.Placement) string {
	cluster := placement.Cluster
	if cluster == "" {
		cluster = "default"
	}

	var notFound *ecstypes.ClusterNotFoundException
	if errors.As(err, &notFound) {
		return fmt.Sprintf(
			"cluster %q not found; confirm the cluster is configured in your region", cluster)
	}
	if placement.LaunchType == model.LaunchEC2 && containsNoContainerInstances(err) {
		return fmt.Sprintf(
			"cluster %q has no container instances; confirm EC2 capacity is available", cluster)
	}
	return err.Error()
}

func containsNoContainerInstances(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(strings.ToLower(err.Error()), "no container instances")
}
