package store

import (
	"context"
	"errors"
	"time"

	"github.com/seantiz/stoker/internal/model"
)

// ErrInvalidTransition is returned when a run lifecycle transition is not allowed.
var ErrInvalidTransition = errors.New("invalid lifecycle transition")

// RunStats holds aggregate execution statistics.
type RunStats struct {
	Total          int            `json:"total"`
	CountByState   map[string]int `json:"count_by_state"`
	CountByOutcome map[string]int `json:"count_by_outcome"`
	AvgDurationMS  float64        `json:"avg_duration_ms"`
}

// Store defines the persistence operations for runs and their captured logs.
type Store interface {
	CreateRun(ctx context.Context, r *model.Run) error
	GetRun(ctx context.Context, id string) (*model.Run, error)
	ListRuns(ctx context.Context, limit, offset int) ([]*model.Run, int, error)
	UpdateRunState(ctx context.Context, id, state string) error
	UpdateRun(ctx context.Context, r *model.Run) error
	GetRunStats(ctx context.Context) (*RunStats, error)
	InsertLogLine(ctx context.Context, runID string, seq int, container, line string, ts time.Time) error
	GetLogLines(ctx context.Context, runID string) ([]model.LogLine, error)
	Close() error
}
