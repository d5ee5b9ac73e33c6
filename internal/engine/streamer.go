package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs"

	"github.com/seantiz/stoker/internal/model"
)

// Cursor is the streamer's resume position in a run's log stream: the
// platform's forward pagination token plus the timestamp of the last emitted
// event. It only ever advances, and only after fetched lines have been
// emitted downstream.
type Cursor struct {
	Token     *string
	Timestamp time.Time
}

// Sink receives each fetched log line as a structured record. Called from
// the streamer goroutine, in non-decreasing timestamp order, each line
// exactly once.
type Sink func(model.LogRecord)

// Streamer incrementally fetches container log events for a run and
// forwards them downstream without duplication or gaps.
type Streamer struct {
	logs     LogAPI
	interval time.Duration
	logger   *slog.Logger
}

// maxDrainFetches bounds the final drain against a platform that never
// settles its forward token.
const maxDrainFetches = 10

// NewStreamer creates a log streamer polling at the given interval.
func NewStreamer(logs LogAPI, interval time.Duration, logger *slog.Logger) *Streamer {
	return &Streamer{logs: logs, interval: interval, logger: logger}
}

// Stream polls the run's log stream until terminal is closed, then drains
// the remaining pages to capture trailing lines emitted just before the
// containers stopped. A log stream that has not yet been created (group or
// stream lag after container start) is tolerated by retrying on the next
// poll rather than failing the run.
func (s *Streamer) Stream(ctx context.Context, run *model.Run, def *Definition, terminal <-chan struct{}, sink Sink) error {
	if def.LogGroup == "" {
		// Definition carries no awslogs configuration; nothing to stream.
		select {
		case <-terminal:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	streamName := logStreamName(def, run.TaskARN)
	cursor := &Cursor{}
	located := false
	expired := false

	for {
		if !expired {
			var err error
			located, err = s.poll(ctx, run, def, streamName, cursor, located, sink)
			if err != nil {
				if !isLogStreamGone(err) {
					s.logger.Warn("log fetch failed",
						"run_id", run.ID, "log_stream", streamName, "error", err,
					)
				} else if cursor.Token != nil {
					// The stream existed and is now gone: retention expired
					// mid-stream. Report the gap rather than fabricating lines.
					s.reportGap(run, streamName)
					expired = true
				}
			}
		}

		select {
		case <-terminal:
			if !expired {
				s.drain(ctx, run, def, streamName, cursor, located, sink)
			}
			return nil
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.interval):
		}
	}
}

// drain fetches after the run turned terminal until the forward token stops
// advancing, so trailing output larger than one response page is not lost.
func (s *Streamer) drain(ctx context.Context, run *model.Run, def *Definition, streamName string, cursor *Cursor, located bool, sink Sink) {
	for i := 0; i < maxDrainFetches; i++ {
		prev := aws.ToString(cursor.Token)
		ok, err := s.poll(ctx, run, def, streamName, cursor, located, sink)
		if err != nil {
			if !isLogStreamGone(err) {
				s.logger.Warn("final log drain failed",
					"run_id", run.ID, "log_stream", streamName, "error", err,
				)
			}
			return
		}
		located = ok
		if !ok || aws.ToString(cursor.Token) == prev {
			return
		}
	}
}

// poll performs one fetch cycle: locate the stream if not yet seen, then
// fetch and emit events newer than the cursor.
func (s *Streamer) poll(ctx context.Context, run *model.Run, def *Definition, streamName string, cursor *Cursor, located bool, sink Sink) (bool, error) {
	if !located {
		ok, err := s.locate(ctx, def.LogGroup, streamName)
		if err != nil || !ok {
			return false, err
		}
	}

	input := &cloudwatchlogs.GetLogEventsInput{
		LogGroupName:  aws.String(def.LogGroup),
		LogStreamName: aws.String(streamName),
		StartFromHead: aws.Bool(true),
	}
	if cursor.Token != nil {
		input.NextToken = cursor.Token
	}

	out, err := s.logs.GetLogEvents(ctx, input)
	if err != nil {
		return true, err
	}

	for _, event := range out.Events {
		ts := time.UnixMilli(aws.ToInt64(event.Timestamp)).UTC()
		if ts.Before(cursor.Timestamp) {
			// Defensive dedupe; the forward token normally prevents replays.
			continue
		}
		sink(model.LogRecord{
			RunID:     run.ID,
			Timestamp: ts,
			Container: def.ContainerName,
			Line:      aws.ToString(event.Message),
		})
		cursor.Timestamp = ts
	}

	// The token advances only after every fetched line was emitted. An
	// unchanged token on the next poll yields zero new events.
	if out.NextForwardToken != nil {
		cursor.Token = out.NextForwardToken
	}
	return true, nil
}

// locate checks whether the run's log stream exists yet.
func (s *Streamer) locate(ctx context.Context, group, streamName string) (bool, error) {
	out, err := s.logs.DescribeLogStreams(ctx, &cloudwatchlogs.DescribeLogStreamsInput{
		LogGroupName:        aws.String(group),
		LogStreamNamePrefix: aws.String(streamName),
	})
	if err != nil {
		if isLogStreamGone(err) {
			// Group not created yet; expected shortly after container start.
			return false, nil
		}
		return false, err
	}
	for _, stream := range out.LogStreams {
		if aws.ToString(stream.LogStreamName) == streamName {
			return true, nil
		}
	}
	return false, nil
}

func (s *Streamer) reportGap(run *model.Run, streamName string) {
	logGaps.Inc()
	s.logger.Warn("log stream expired mid-run, lines lost to retention",
		"run_id", run.ID, "log_stream", streamName,
	)
}

// logStreamName derives the awslogs stream name for a task:
// prefix/container-name/task-id.
func logStreamName(def *Definition, taskARN string) string {
	return fmt.Sprintf("%s/%s/%s", def.LogStreamPrefix, def.ContainerName, taskIDFromARN(taskARN))
}

// taskIDFromARN extracts the bare task ID from a task ARN
// (arn:aws:ecs:region:account:task/cluster/id).
func taskIDFromARN(arn string) string {
	if idx := strings.LastIndex(arn, "/"); idx >= 0 {
		return arn[idx+1:]
	}
	return arn
}

func isLogStreamGone(err error) bool {
	return isNotFound(err)
}
