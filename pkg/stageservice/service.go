// Package stageservice implements the orchestration logic of individual
// stages: starting a stage's worker jobs and reporting the stage status
// derived from them.
//
// Services never wait for job completion. The driver calls Begin once per
// stage attempt and Inspect on every poll until a terminal status.
package stageservice

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/pcflow/pkg/backend"
	"github.com/3leaps/pcflow/pkg/binary"
	"github.com/3leaps/pcflow/pkg/checkpoint"
	"github.com/3leaps/pcflow/pkg/instance"
	"github.com/3leaps/pcflow/pkg/stageflow"
)

// Result is the outcome of Inspect.
type Result struct {
	// Status is the stage's started, completed or failed status.
	Status stageflow.Status `json:"status"`

	// Message is a human-readable diagnostic, usually set on failure.
	Message string `json:"message,omitempty"`

	// Link points at backend diagnostics for a failed job, when derivable.
	Link string `json:"link,omitempty"`
}

// Service is the orchestration logic of one stage.
type Service interface {
	// Begin starts the stage's work. It appends at most one stage record
	// and never moves the instance status.
	Begin(ctx context.Context, inst *instance.Instance) (*instance.Instance, error)

	// Inspect reports the current stage status. Safe to call repeatedly; it
	// only refreshes cached job statuses of the latest record.
	Inspect(ctx context.Context, inst *instance.Instance) (Result, error)
}

// ValidatorConfig controls the pre-validation stage.
type ValidatorConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Region  string `mapstructure:"region"`
}

// Deps are the collaborators shared by stage services.
type Deps struct {
	Backend     backend.Backend
	Binaries    *binary.Catalogue
	Validator   ValidatorConfig
	Checkpoints checkpoint.Sink
	Logger      *zap.Logger
	Now         func() time.Time
}

func (d Deps) withDefaults() Deps {
	if d.Binaries == nil {
		d.Binaries = binary.Default()
	}
	if d.Checkpoints == nil {
		d.Checkpoints = checkpoint.Nop{}
	}
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.Now == nil {
		d.Now = func() time.Time { return time.Now().UTC() }
	}
	return d
}

func (d Deps) writeCheckpoint(ctx context.Context, inst *instance.Instance, stage string, status checkpoint.Status) {
	err := d.Checkpoints.WriteCheckpoint(ctx, checkpoint.Checkpoint{
		RunID:      inst.Infra.RunID,
		InstanceID: inst.ID,
		Name:       stage,
		Status:     status,
		Timestamp:  d.Now(),
	})
	if err != nil {
		d.Logger.Warn("failed to write checkpoint",
			zap.String("instance_id", inst.ID),
			zap.String("checkpoint", stage),
			zap.String("status", string(status)),
			zap.Error(err),
		)
	}
}

// NoopService completes immediately without launching jobs. Used for the
// creation stage and stages handled outside the job backend.
type NoopService struct {
	Stage stageflow.Stage
}

// Begin implements Service.
func (s NoopService) Begin(_ context.Context, inst *instance.Instance) (*instance.Instance, error) {
	return inst, nil
}

// Inspect implements Service.
func (s NoopService) Inspect(context.Context, *instance.Instance) (Result, error) {
	return Result{Status: s.Stage.Completed}, nil
}
