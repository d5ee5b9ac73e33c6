package model

import "time"

// Run lifecycle states, mirroring the ECS task lifecycle plus the local
// "lost" state for tasks that disappear from the platform's view.
const (
	StateSubmitted    = "submitted"
	StateProvisioning = "provisioning"
	StatePending      = "pending"
	StateRunning      = "running"
	StateStopped      = "stopped"
	StateLost         = "lost"
)

// Outcome classifications for a terminal run.
const (
	OutcomeSucceeded = "succeeded"
	OutcomeFailed    = "failed"
	OutcomeCancelled = "cancelled"
	OutcomeLost      = "lost"
)

// Launch type constants for task placement.
const (
	LaunchFargate     = "FARGATE"
	LaunchFargateSpot = "FARGATE_SPOT"
	LaunchEC2         = "EC2"
)

// stateRank orders lifecycle states so that transitions are monotonic.
// A run never moves to a lower-ranked state; stale describe results that
// would regress the state are ignored.
var stateRank = map[string]int{
	StateSubmitted:    0,
	StateProvisioning: 1,
	StatePending:      2,
	StateRunning:      3,
	StateStopped:      4,
	StateLost:         4,
}

// ValidTransition reports whether moving from one lifecycle state to another
// is allowed. Terminal states accept no further transitions.
func ValidTransition(from, to string) bool {
	fromRank, ok := stateRank[from]
	if !ok {
		return false
	}
	toRank, ok := stateRank[to]
	if !ok {
		return false
	}
	if IsTerminal(from) {
		return false
	}
	return toRank > fromRank
}

// IsTerminal reports whether a lifecycle state is terminal.
func IsTerminal(state string) bool {
	return state == StateStopped || state == StateLost
}

// JobSpec is the desired containerized job. It is immutable once submission
// begins; the engine only reads it.
type JobSpec struct {
	Image   string            `json:"image"`
	Command []string          `json:"command,omitempty"`
	CPU     int               `json:"cpu,omitempty"`
	Memory  int               `json:"memory,omitempty"`
	Env     map[string]string `json:"env,omitempty"`

	// FamilyHint seeds the derived task definition family name, composed
	// from owning-workflow identifiers. Slugified before registration.
	FamilyHint string `json:"family_hint,omitempty"`

	// TaskDefinitionARN optionally references a pre-existing definition to
	// reconcile against instead of registering from scratch.
	TaskDefinitionARN string `json:"task_definition_arn,omitempty"`

	ExecutionRoleARN string            `json:"execution_role_arn,omitempty"`
	TaskRoleARN      string            `json:"task_role_arn,omitempty"`
	NetworkMode      string            `json:"network_mode,omitempty"`
	Tags             map[string]string `json:"tags,omitempty"`

	// StreamLogs enables CloudWatch log configuration on the registered
	// definition and incremental log retrieval during the run.
	StreamLogs bool `json:"stream_logs"`
}

// Placement carries the parameters for where and how a resolved definition
// is run: cluster, capacity backing, and awsvpc networking.
type Placement struct {
	Cluster        string   `json:"cluster,omitempty"`
	LaunchType     string   `json:"launch_type,omitempty"`
	Subnets        []string `json:"subnets,omitempty"`
	SecurityGroups []string `json:"security_groups,omitempty"`
	AssignPublicIP bool     `json:"assign_public_ip,omitempty"`

	// Overrides is a structured patch deep-merged into the run request
	// payload last, so advanced fields not covered by JobSpec can still be
	// expressed. Keys follow the ECS RunTask field names.
	Overrides map[string]any `json:"overrides,omitempty"`
}

// Run is one instance of JobSpec execution on the remote platform.
type Run struct {
	ID                string     `json:"id"`
	TaskARN           string     `json:"task_arn,omitempty"`
	TaskDefinitionARN string     `json:"task_definition_arn,omitempty"`
	Cluster           string     `json:"cluster,omitempty"`
	State             string     `json:"state"`
	Outcome           string     `json:"outcome,omitempty"`
	ExitCode          *int       `json:"exit_code,omitempty"`
	StopReason        string     `json:"stop_reason,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	StartedAt         *time.Time `json:"started_at,omitempty"`
	StoppedAt         *time.Time `json:"stopped_at,omitempty"`
}

// LogRecord is a single log line forwarded to the host log sink.
type LogRecord struct {
	RunID     string    `json:"run_id"`
	Timestamp time.Time `json:"timestamp"`
	Container string    `json:"container"`
	Line      string    `json:"line"`
}

// LogLine is a persisted log line captured from a run's log stream.
type LogLine struct {
	ID        int64     `json:"id"`
	RunID     string    `json:"run_id"`
	Seq       int       `json:"seq"`
	Container string    `json:"container"`
	Line      string    `json:"line"`
	Timestamp time.Time `json:"timestamp"`
}
