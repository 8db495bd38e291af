package stageservice

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/pcflow/pkg/backend"
	"github.com/3leaps/pcflow/pkg/binary"
	"github.com/3leaps/pcflow/pkg/checkpoint"
	"github.com/3leaps/pcflow/pkg/instance"
	"github.com/3leaps/pcflow/pkg/stageflow"
)

// PreValidationTimeout bounds the pre-validation job.
const PreValidationTimeout = 20 * time.Minute

const preValidationTag = "[PCPreValidation]"

// PreValidation validates input data files and binary access by running a
// single validation job. A failing validation blocks every later stage.
//
// The job only runs when the validator is enabled and the instance belongs
// to the partner. Otherwise the stage completes without launching anything.
type PreValidation struct {
	stage stageflow.Stage
	deps  Deps
}

// NewPreValidation creates the pre-validation service for a stage.
func NewPreValidation(stage stageflow.Stage, deps Deps) *PreValidation {
	return &PreValidation{stage: stage, deps: deps.withDefaults()}
}

func (s *PreValidation) shouldRun(inst *instance.Instance) bool {
	return s.deps.Validator.Enabled && inst.Role == instance.RolePartner
}

func (s *PreValidation) region(inst *instance.Instance) string {
	if s.deps.Validator.Region != "" {
		return s.deps.Validator.Region
	}
	return inst.Infra.Region
}

// Begin implements Service.
func (s *PreValidation) Begin(ctx context.Context, inst *instance.Instance) (*instance.Instance, error) {
	logger := s.deps.Logger.With(zap.String("instance_id", inst.ID))
	logger.Info(preValidationTag + " - Starting stage")
	s.deps.writeCheckpoint(ctx, inst, s.stage.Name, checkpoint.StatusStarted)

	if !s.shouldRun(inst) {
		logger.Info(preValidationTag + " - skipped run validations")
		return inst, nil
	}
	if s.deps.Backend == nil {
		return inst, fmt.Errorf("%s: job backend is required", s.stage.Name)
	}

	logger.Info(preValidationTag + " - starting a pc_pre_validation_cli run")
	binCfg := s.deps.Binaries.Get(binary.PCPreValidation)

	env := map[string]string{}
	if binCfg.RepositoryPath != "" {
		env[binary.EnvRepositoryPath] = binCfg.RepositoryPath
	}

	spec := backend.JobSpec{
		Binary:         binary.PCPreValidation,
		Version:        binCfg.Version,
		Args:           [][]string{PreValidationArgs(inst.Product.InputPath, s.region(inst), binCfg)},
		Env:            env,
		Timeout:        PreValidationTimeout,
		WaitForStartup: inst.Role == instance.RolePartner,
	}

	jobs, err := s.deps.Backend.Submit(ctx, spec)
	if err != nil {
		if len(jobs) > 0 {
			// Jobs launched before the failure still need an owner.
			recordJobs(inst, s.stage, jobs, s.deps.Now(), s.stage.Failed)
		}
		return inst, fmt.Errorf("%s: submit pre-validation job: %w", s.stage.Name, err)
	}
	recordJobs(inst, s.stage, jobs, s.deps.Now(), s.stage.Started)

	if len(jobs) > 0 {
		logger.Info(fmt.Sprintf("%s - Started container instance_id: %s status: %s", preValidationTag, jobs[0].ID, jobs[0].Status))
	}
	logger.Info(preValidationTag + " - finished run_async")
	return inst, nil
}

// Inspect implements Service.
func (s *PreValidation) Inspect(ctx context.Context, inst *instance.Instance) (Result, error) {
	if !s.shouldRun(inst) {
		s.deps.writeCheckpoint(ctx, inst, s.stage.Name, checkpoint.StatusCompleted)
		return Result{Status: s.stage.Completed}, nil
	}

	rec := inst.LatestRecordFor(s.stage.Name)
	status, err := DeriveStatus(ctx, s.deps.Backend, s.stage, rec, s.deps.Now)
	if err != nil {
		return Result{}, err
	}
	if status != s.stage.Failed {
		return Result{Status: status}, nil
	}

	taskID := lastTaskID(rec)
	if taskID == "" {
		msg := preValidationTag + " - stage failed because of some failed validations. Please check the logs in ECS"
		s.deps.Logger.Error(msg, zap.String("instance_id", inst.ID))
		return Result{Status: status, Message: msg}, nil
	}

	link := DiagnosticLink(s.region(inst), s.deps.Backend.Cluster(), taskID)
	msg := fmt.Sprintf("%s - stage failed because of some failed validations. Please check the logs in ECS for task id '%s' to see the validation issues:\nFailed task link: %s",
		preValidationTag, taskID, link)
	s.deps.Logger.Error(msg, zap.String("instance_id", inst.ID))
	return Result{Status: status, Message: msg, Link: link}, nil
}

// PreValidationArgs builds the validation CLI arguments.
func PreValidationArgs(inputPath, region string, binCfg binary.Config) []string {
	args := []string{
		"--input-file-path=" + inputPath,
		"--cloud-provider=AWS",
		"--region=" + region,
	}
	if binCfg.Version != "" {
		args = append(args, "--binary-version="+binCfg.Version)
	}
	return args
}
