// Package engine provides the remote task execution engine. It reconciles
// task definitions, submits runs to ECS, drives a monitoring loop until a
// terminal state, streams CloudWatch logs incrementally, and supports
// idempotent cancellation. The monitor and log streamer for a run execute
// as independent polling loops sharing only the run's identifiers.
package engine
