package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ecs"
	ecstypes "github.com/aws/aws-sdk-go-v2/service/ecs/types"

	"github.com/seantiz/stoker/internal/model"
)

const (
	// DefaultContainerName is the container the engine treats as the job's
	// primary container for overrides and exit-code extraction.
	DefaultContainerName = "stoker"

	// DefaultFamily is used when the job spec carries no family hint.
	DefaultFamily = "stoker"

	defaultCPU    = 1024
	defaultMemory = 2048
)

// Definition is the engine's reference to a registered, versioned task
// definition. The definition itself is owned by the remote platform.
type Definition struct {
	ARN           string
	Family        string
	Revision      int32
	ContainerName string

	// awslogs configuration, populated when log streaming is enabled on the
	// registered definition.
	LogGroup        string
	LogStreamPrefix string
	LogRegion       string
}

// FieldDiff records one divergent field between an existing definition and
// the equivalent JobSpec field.
type FieldDiff struct {
	Field   string
	Current string
	Desired string
}

func (d FieldDiff) String() string {
	return fmt.Sprintf("%s: %q -> %q", d.Field, d.Current, d.Desired)
}

// Resolver reconciles a desired job spec against an optional pre-existing
// task definition reference, registering a new revision only when the spec
// diverges from what is already registered.
type Resolver struct {
	api      TaskAPI
	region   string
	logGroup string
	logger   *slog.Logger
}

// NewResolver creates a definition resolver. region and logGroup seed the
// awslogs configuration injected when a spec requests log streaming.
func NewResolver(api TaskAPI, region, logGroup string, logger *slog.Logger) *Resolver {
	return &Resolver{
		api:      api,
		region:   region,
		logGroup: logGroup,
		logger:   logger,
	}
}

// Resolve returns a Definition to submit against. With no reference on the
// spec it registers a fresh definition; with a reference it fetches the
// existing definition, diffs it field-by-field against the spec, and
// registers a new revision only on divergence. Resolution performs no
// cross-run caching since definitions may change upstream.
func (r *Resolver) Resolve(ctx context.Context, spec model.JobSpec) (*Definition, error) {
	if spec.TaskDefinitionARN == "" {
		input := r.registerInputFromSpec(spec)
		return r.register(ctx, input)
	}

	fetched, err := r.describe(ctx, spec.TaskDefinitionARN)
	if err != nil {
		return nil, fmt.Errorf("describe task definition %s: %w", spec.TaskDefinitionARN, err)
	}

	diffs := diffDefinition(fetched, spec)
	if len(diffs) == 0 {
		r.logger.Debug("task definition unchanged, reusing",
			"task_definition_arn", aws.ToString(fetched.TaskDefinitionArn),
		)
		return definitionFromTaskDefinition(fetched), nil
	}

	fields := make([]string, len(diffs))
	for i, d := range diffs {
		fields[i] = d.String()
	}
	r.logger.Info("task definition diverged from job spec, registering new revision",
		"task_definition_arn", aws.ToString(fetched.TaskDefinitionArn),
		"diff", strings.Join(fields, "; "),
	)

	// Layer the spec's overrides onto the fetched definition so fields the
	// spec cannot express are preserved across revisions.
	input := registerInputFromTaskDefinition(fetched)
	r.overlaySpec(input, spec)
	return r.register(ctx, input)
}

func (r *Resolver) describe(ctx context.Context, ref string) (*ecstypes.TaskDefinition, error) {
	var out *ecs.DescribeTaskDefinitionOutput
	err := withRetry(ctx, "describe_task_definition", defaultRetryAttempts, defaultRetryBase, func(ctx context.Context) error {
		var err error
		out, err = r.api.DescribeTaskDefinition(ctx, &ecs.DescribeTaskDefinitionInput{
			TaskDefinition: aws.String(ref),
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	if out.TaskDefinition == nil {
		return nil, fmt.Errorf("platform returned no task definition for %s", ref)
	}
	return out.TaskDefinition, nil
}

func (r *Resolver) register(ctx context.Context, input *ecs.RegisterTaskDefinitionInput) (*Definition, error) {
	var out *ecs.RegisterTaskDefinitionOutput
	err := withRetry(ctx, "register_task_definition", defaultRetryAttempts, defaultRetryBase, func(ctx context.Context) error {
		var err error
		out, err = r.api.RegisterTaskDefinition(ctx, input)
		return err
	})
	if err != nil {
		if isValidation(err) {
			return nil, definitionInvalid(err)
		}
		return nil, fmt.Errorf("register task definition: %w", err)
	}
	if out.TaskDefinition == nil {
		return nil, fmt.Errorf("platform returned no task definition after registration")
	}

	def := definitionFromTaskDefinition(out.TaskDefinition)
	r.logger.Info("registered task definition",
		"family", def.Family,
		"revision", def.Revision,
		"task_definition_arn", def.ARN,
	)
	return def, nil
}

// registerInputFromSpec builds a fresh registration request from a JobSpec.
func (r *Resolver) registerInputFromSpec(spec model.JobSpec) *ecs.RegisterTaskDefinitionInput {
	family := slugifyFamily(spec.FamilyHint)
	if family == "" {
		family = DefaultFamily
	}

	cpu := spec.CPU
	if cpu == 0 {
		cpu = defaultCPU
	}
	memory := spec.Memory
	if memory == 0 {
		memory = defaultMemory
	}

	container := ecstypes.ContainerDefinition{
		Name:      aws.String(DefaultContainerName),
		Image:     aws.String(spec.Image),
		Essential: aws.Bool(true),
		Command:   spec.Command,
	}
	if len(spec.Env) > 0 {
		container.Environment = envToKeyValuePairs(spec.Env)
	}
	if spec.StreamLogs {
		container.LogConfiguration = r.logConfiguration(family)
	}

	networkMode := ecstypes.NetworkModeAwsvpc
	if spec.NetworkMode != "" {
		networkMode = ecstypes.NetworkMode(spec.NetworkMode)
	}

	input := &ecs.RegisterTaskDefinitionInput{
		Family:                  aws.String(family),
		ContainerDefinitions:    []ecstypes.ContainerDefinition{container},
		Cpu:                     aws.String(strconv.Itoa(cpu)),
		Memory:                  aws.String(strconv.Itoa(memory)),
		NetworkMode:             networkMode,
		RequiresCompatibilities: []ecstypes.Compatibility{ecstypes.CompatibilityFargate},
	}
	if spec.ExecutionRoleARN != "" {
		input.ExecutionRoleArn = aws.String(spec.ExecutionRoleARN)
	}
	if spec.TaskRoleARN != "" {
		input.TaskRoleArn = aws.String(spec.TaskRoleARN)
	}
	return input
}

// registerInputFromTaskDefinition converts a fetched definition back into a
// registration request. Post-registration fields (ARN, revision, status,
// registration timestamps) have no input equivalent and fall away here.
func registerInputFromTaskDefinition(td *ecstypes.TaskDefinition) *ecs.RegisterTaskDefinitionInput {
	return &ecs.RegisterTaskDefinitionInput{
		Family:                  td.Family,
		ContainerDefinitions:    td.ContainerDefinitions,
		Cpu:                     td.Cpu,
		Memory:                  td.Memory,
		NetworkMode:             td.NetworkMode,
		RequiresCompatibilities: td.RequiresCompatibilities,
		ExecutionRoleArn:        td.ExecutionRoleArn,
		TaskRoleArn:             td.TaskRoleArn,
		Volumes:                 td.Volumes,
		PlacementConstraints:    td.PlacementConstraints,
		RuntimePlatform:         td.RuntimePlatform,
		EphemeralStorage:        td.EphemeralStorage,
		ProxyConfiguration:      td.ProxyConfiguration,
		PidMode:                 td.PidMode,
		IpcMode:                 td.IpcMode,
	}
}

// overlaySpec layers JobSpec fields onto a registration request derived from
// an existing definition.
func (r *Resolver) overlaySpec(input *ecs.RegisterTaskDefinitionInput, spec model.JobSpec) {
	container := primaryContainer(input.ContainerDefinitions)
	if container == nil {
		input.ContainerDefinitions = append(input.ContainerDefinitions, ecstypes.ContainerDefinition{
			Name:      aws.String(DefaultContainerName),
			Essential: aws.Bool(true),
		})
		container = &input.ContainerDefinitions[len(input.ContainerDefinitions)-1]
	}

	if spec.Image != "" {
		container.Image = aws.String(spec.Image)
	}
	if len(spec.Command) > 0 {
		container.Command = spec.Command
	}
	if len(spec.Env) > 0 {
		container.Environment = envToKeyValuePairs(spec.Env)
	}
	if spec.StreamLogs && container.LogConfiguration == nil {
		container.LogConfiguration = r.logConfiguration(aws.ToString(input.Family))
	}
	if spec.CPU > 0 {
		input.Cpu = aws.String(strconv.Itoa(spec.CPU))
	}
	if spec.Memory > 0 {
		input.Memory = aws.String(strconv.Itoa(spec.Memory))
	}
	if spec.ExecutionRoleARN != "" {
		input.ExecutionRoleArn = aws.String(spec.ExecutionRoleARN)
	}
	if spec.TaskRoleARN != "" {
		input.TaskRoleArn = aws.String(spec.TaskRoleARN)
	}
	if spec.NetworkMode != "" {
		input.NetworkMode = ecstypes.NetworkMode(spec.NetworkMode)
	}
}

func (r *Resolver) logConfiguration(streamPrefix string) *ecstypes.LogConfiguration {
	if streamPrefix == "" {
		streamPrefix = DefaultFamily
	}
	return &ecstypes.LogConfiguration{
		LogDriver: ecstypes.LogDriverAwslogs,
		Options: map[string]string{
			"awslogs-create-group":  "true",
			"awslogs-group":         r.logGroup,
			"awslogs-region":        r.region,
			"awslogs-stream-prefix": streamPrefix,
		},
	}
}

// diffDefinition computes a field-level diff between an existing definition
// and the JobSpec's equivalent fields. Spec fields left unset are not
// compared; an empty result means the definition can be reused as-is.
func diffDefinition(td *ecstypes.TaskDefinition, spec model.JobSpec) []FieldDiff {
	var diffs []FieldDiff
	add := func(field, current, desired string) {
		if current != desired {
			diffs = append(diffs, FieldDiff{Field: field, Current: current, Desired: desired})
		}
	}

	container := primaryContainer(td.ContainerDefinitions)

	if spec.Image != "" {
		current := ""
		if container != nil {
			current = aws.ToString(container.Image)
		}
		add("image", current, spec.Image)
	}
	if spec.CPU > 0 {
		add("cpu", aws.ToString(td.Cpu), strconv.Itoa(spec.CPU))
	}
	if spec.Memory > 0 {
		add("memory", aws.ToString(td.Memory), strconv.Itoa(spec.Memory))
	}
	if len(spec.Command) > 0 {
		current := ""
		if container != nil {
			current = strings.Join(container.Command, " ")
		}
		add("command", current, strings.Join(spec.Command, " "))
	}
	if len(spec.Env) > 0 {
		current := ""
		if container != nil {
			current = formatEnv(keyValuePairsToEnv(container.Environment))
		}
		add("environment", current, formatEnv(spec.Env))
	}
	if spec.ExecutionRoleARN != "" {
		add("execution_role", aws.ToString(td.ExecutionRoleArn), spec.ExecutionRoleARN)
	}
	if spec.TaskRoleARN != "" {
		add("task_role", aws.ToString(td.TaskRoleArn), spec.TaskRoleARN)
	}
	return diffs
}

// primaryContainer picks the container the engine manages: the one named
// DefaultContainerName if present, otherwise the first.
func primaryContainer(defs []ecstypes.ContainerDefinition) *ecstypes.ContainerDefinition {
	for i := range defs {
		if aws.ToString(defs[i].Name) == DefaultContainerName {
			return &defs[i]
		}
	}
	if len(defs) > 0 {
		return &defs[0]
	}
	return nil
}

func definitionFromTaskDefinition(td *ecstypes.TaskDefinition) *Definition {
	def := &Definition{
		ARN:           aws.ToString(td.TaskDefinitionArn),
		Family:        aws.ToString(td.Family),
		Revision:      td.Revision,
		ContainerName: DefaultContainerName,
	}
	if container := primaryContainer(td.ContainerDefinitions); container != nil {
		def.ContainerName = aws.ToString(container.Name)
		if lc := container.LogConfiguration; lc != nil && lc.LogDriver == ecstypes.LogDriverAwslogs {
			def.LogGroup = lc.Options["awslogs-group"]
			def.LogStreamPrefix = lc.Options["awslogs-stream-prefix"]
			def.LogRegion = lc.Options["awslogs-region"]
		}
	}
	return def
}

func envToKeyValuePairs(env map[string]string) []ecstypes.KeyValuePair {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]ecstypes.KeyValuePair, 0, len(env))
	for _, k := range keys {
		out = append(out, ecstypes.KeyValuePair{
			Name:  aws.String(k),
			Value: aws.String(env[k]),
		})
	}
	return out
}

func keyValuePairsToEnv(pairs []ecstypes.KeyValuePair) map[string]string {
	out := make(map[string]string, len(pairs))
	for _, p := range pairs {
		out[aws.ToString(p.Name)] = aws.ToString(p.Value)
	}
	return out
}

// formatEnv renders an env map deterministically for diff output.
func formatEnv(env map[string]string) string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = k + "=" + env[k]
	}
	return strings.Join(parts, ",")
}
