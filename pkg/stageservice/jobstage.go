package stageservice

import (
	"context"
	"fmt"
	"strconv"

	"go.uber.org/zap"

	"github.com/3leaps/pcflow/pkg/backend"
	"github.com/3leaps/pcflow/pkg/binary"
	"github.com/3leaps/pcflow/pkg/checkpoint"
	"github.com/3leaps/pcflow/pkg/instance"
	"github.com/3leaps/pcflow/pkg/stageflow"
)

// JobStage runs one worker binary per shard and derives the stage status
// from the jobs. It serves every stage without dedicated logic.
type JobStage struct {
	stage  stageflow.Stage
	binary string
	deps   Deps
	flow   *stageflow.Flow
}

// NewJobStage creates a generic job stage. An empty binary name resolves
// the built-in binary of the stage at Begin time.
func NewJobStage(flow *stageflow.Flow, stage stageflow.Stage, binaryName string, deps Deps) *JobStage {
	return &JobStage{stage: stage, binary: binaryName, deps: deps.withDefaults(), flow: flow}
}

func (s *JobStage) tag() string {
	return "[" + s.stage.Name + "]"
}

func (s *JobStage) binaryFor(inst *instance.Instance) (string, error) {
	if s.binary != "" {
		return s.binary, nil
	}
	name, ok := binary.ForStage(s.stage.Name, inst.Role == instance.RolePublisher)
	if !ok {
		return "", fmt.Errorf("%s: no worker binary configured", s.stage.Name)
	}
	return name, nil
}

// Begin implements Service.
func (s *JobStage) Begin(ctx context.Context, inst *instance.Instance) (*instance.Instance, error) {
	logger := s.deps.Logger.With(zap.String("instance_id", inst.ID), zap.Bool("joint", s.stage.Joint))
	logger.Info(s.tag() + " - Starting stage")
	s.deps.writeCheckpoint(ctx, inst, s.stage.Name, checkpoint.StatusStarted)

	if s.deps.Backend == nil {
		return inst, fmt.Errorf("%s: job backend is required", s.stage.Name)
	}
	name, err := s.binaryFor(inst)
	if err != nil {
		return inst, err
	}
	binCfg := s.deps.Binaries.Get(name)

	env := map[string]string{}
	if binCfg.RepositoryPath != "" {
		env[binary.EnvRepositoryPath] = binCfg.RepositoryPath
	}

	spec := backend.JobSpec{
		Binary:         name,
		Version:        binCfg.Version,
		Args:           JobArgs(s.stage.Name, inst),
		Env:            env,
		Timeout:        s.flow.TimeoutFor(s.stage),
		WaitForStartup: inst.Role == instance.RolePartner,
	}

	jobs, err := s.deps.Backend.Submit(ctx, spec)
	if err != nil {
		if len(jobs) > 0 {
			// Jobs launched before the failure still need an owner.
			recordJobs(inst, s.stage, jobs, s.deps.Now(), s.stage.Failed)
		}
		return inst, fmt.Errorf("%s: submit jobs: %w", s.stage.Name, err)
	}
	recordJobs(inst, s.stage, jobs, s.deps.Now(), s.stage.Started)
	logger.Info(s.tag()+" - started jobs", zap.Int("jobs", len(jobs)), zap.String("binary", name))
	return inst, nil
}

// Inspect implements Service.
func (s *JobStage) Inspect(ctx context.Context, inst *instance.Instance) (Result, error) {
	rec := inst.LatestRecordFor(s.stage.Name)
	status, err := DeriveStatus(ctx, s.deps.Backend, s.stage, rec, s.deps.Now)
	if err != nil {
		return Result{}, err
	}
	if status != s.stage.Failed {
		return Result{Status: status}, nil
	}

	taskID := firstFailedTaskID(rec)
	link := DiagnosticLink(inst.Infra.Region, s.deps.Backend.Cluster(), taskID)
	msg := s.tag() + " - stage failed"
	if taskID != "" {
		msg += fmt.Sprintf(": job %s failed", taskID)
	}
	if link != "" {
		msg += "\nFailed task link: " + link
	}
	s.deps.Logger.Error(msg, zap.String("instance_id", inst.ID))
	return Result{Status: status, Message: msg, Link: link}, nil
}

// JobArgs builds one argument list per shard of a generic stage.
func JobArgs(stage string, inst *instance.Instance) [][]string {
	n := inst.Product.NumJobs
	if n <= 0 {
		n = 1
	}
	out := make([][]string, 0, n)
	for i := 0; i < n; i++ {
		args := []string{
			"--stage=" + stage,
			"--instance-id=" + inst.ID,
			"--input-path=" + inst.Product.InputPath,
			"--shard-index=" + strconv.Itoa(i),
			"--num-shards=" + strconv.Itoa(n),
		}
		if inst.Product.OutputDir != "" {
			args = append(args, "--output-dir="+inst.Product.OutputDir)
		}
		out = append(out, args)
	}
	return out
}
