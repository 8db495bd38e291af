// Package checkpoint emits stage checkpoint events for telemetry.
//
// Checkpoints are best effort. A failing sink never changes the outcome of
// a stage; callers log the error and carry on.
package checkpoint

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

// Status is the checkpoint status.
type Status string

const (
	StatusStarted   Status = "started"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Checkpoint marks a stage entering or leaving a phase.
type Checkpoint struct {
	RunID      string    `json:"run_id"`
	InstanceID string    `json:"instance_id"`
	Name       string    `json:"name"`
	Status     Status    `json:"status"`
	Timestamp  time.Time `json:"timestamp"`
}

// Sink receives checkpoints.
type Sink interface {
	WriteCheckpoint(ctx context.Context, cp Checkpoint) error
}

// Nop discards checkpoints.
type Nop struct{}

// WriteCheckpoint implements Sink.
func (Nop) WriteCheckpoint(context.Context, Checkpoint) error { return nil }

// LogSink writes checkpoints to a zap logger.
type LogSink struct {
	Logger *zap.Logger
}

// NewLogSink creates a log sink. A nil logger discards output.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{Logger: logger}
}

// WriteCheckpoint implements Sink.
func (s *LogSink) WriteCheckpoint(_ context.Context, cp Checkpoint) error {
	s.Logger.Info("checkpoint",
		zap.String("run_id", cp.RunID),
		zap.String("instance_id", cp.InstanceID),
		zap.String("checkpoint", cp.Name),
		zap.String("status", string(cp.Status)),
		zap.Time("timestamp", cp.Timestamp),
	)
	return nil
}

// Multi fans a checkpoint out to every sink.
type Multi []Sink

// WriteCheckpoint implements Sink. Every sink is attempted; errors are joined.
func (m Multi) WriteCheckpoint(ctx context.Context, cp Checkpoint) error {
	var errs []error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.WriteCheckpoint(ctx, cp); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
