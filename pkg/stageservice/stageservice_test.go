package stageservice_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/3leaps/pcflow/pkg/backend"
	"github.com/3leaps/pcflow/pkg/binary"
	"github.com/3leaps/pcflow/pkg/checkpoint"
	"github.com/3leaps/pcflow/pkg/instance"
	"github.com/3leaps/pcflow/pkg/stageflow"
	"github.com/3leaps/pcflow/pkg/stageservice"
	"github.com/3leaps/pcflow/test/backendtest"
)

var fixedNow = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type recordingSink struct {
	got []checkpoint.Checkpoint
}

func (r *recordingSink) WriteCheckpoint(_ context.Context, cp checkpoint.Checkpoint) error {
	r.got = append(r.got, cp)
	return nil
}

func newFixture(t *testing.T, role instance.Role, enabled bool) (*stageflow.Flow, *instance.Instance, *backendtest.Backend, *recordingSink, stageservice.Deps) {
	t.Helper()
	flow, err := stageflow.PrivateLift()
	require.NoError(t, err)

	inst, err := instance.New(role, flow, instance.Options{
		ID:      "inst-1",
		RunID:   "run-1",
		Region:  "us-east-1",
		Product: instance.ProductConfig{InputPath: "s3://bucket/input.csv", OutputDir: "s3://bucket/out", NumJobs: 2},
		Now:     fixedNow,
	})
	require.NoError(t, err)

	be := backendtest.New("cluster-x")
	sink := &recordingSink{}
	deps := stageservice.Deps{
		Backend:     be,
		Binaries:    binary.NewCatalogue(binary.Config{Version: "rc", RepositoryPath: "/opt/onedocker"}, nil),
		Validator:   stageservice.ValidatorConfig{Enabled: enabled, Region: "us-west-2"},
		Checkpoints: sink,
		Now:         func() time.Time { return fixedNow },
	}
	return flow, inst, be, sink, deps
}

func preValidationStage(t *testing.T, flow *stageflow.Flow) stageflow.Stage {
	t.Helper()
	st, ok := flow.Stage(stageflow.StagePreValidation)
	require.True(t, ok)
	return st
}

func TestPreValidation_SkipPath(t *testing.T) {
	tests := []struct {
		name    string
		role    instance.Role
		enabled bool
	}{
		{"publisher with validator", instance.RolePublisher, true},
		{"partner without validator", instance.RolePartner, false},
		{"publisher without validator", instance.RolePublisher, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			flow, inst, be, sink, deps := newFixture(t, tt.role, tt.enabled)
			st := preValidationStage(t, flow)
			svc := stageservice.NewPreValidation(st, deps)

			_, err := svc.Begin(context.Background(), inst)
			require.NoError(t, err)
			assert.Empty(t, inst.Records)
			assert.Empty(t, be.Submits())

			res, err := svc.Inspect(context.Background(), inst)
			require.NoError(t, err)
			assert.Equal(t, stageflow.PreValidationCompleted, res.Status)
			assert.Empty(t, inst.Records)

			require.Len(t, sink.got, 2)
			assert.Equal(t, checkpoint.StatusStarted, sink.got[0].Status)
			assert.Equal(t, checkpoint.StatusCompleted, sink.got[1].Status)
			assert.Equal(t, "run-1", sink.got[1].RunID)
			assert.Equal(t, stageflow.StagePreValidation, sink.got[1].Name)
		})
	}
}

func TestPreValidation_SubmitsOneJob(t *testing.T) {
	flow, inst, be, _, deps := newFixture(t, instance.RolePartner, true)
	svc := stageservice.NewPreValidation(preValidationStage(t, flow), deps)

	_, err := svc.Begin(context.Background(), inst)
	require.NoError(t, err)

	submits := be.Submits()
	require.Len(t, submits, 1)
	spec := submits[0]
	assert.Equal(t, binary.PCPreValidation, spec.Binary)
	assert.Equal(t, "rc", spec.Version)
	assert.Equal(t, stageservice.PreValidationTimeout, spec.Timeout)
	assert.Equal(t, 20*time.Minute, spec.Timeout)
	assert.True(t, spec.WaitForStartup)
	assert.Equal(t, "/opt/onedocker", spec.Env[binary.EnvRepositoryPath])
	assert.Equal(t, [][]string{{
		"--input-file-path=s3://bucket/input.csv",
		"--cloud-provider=AWS",
		"--region=us-west-2",
		"--binary-version=rc",
	}}, spec.Args)

	require.Len(t, inst.Records, 1)
	assert.Equal(t, stageflow.StagePreValidation, inst.Records[0].StageName)
	assert.Len(t, inst.Records[0].Jobs, 1)
	assert.Equal(t, stageflow.CreationInitialized, inst.Status, "Begin never moves status")
}

func TestPreValidation_NoRepositoryPathNoEnv(t *testing.T) {
	flow, inst, be, _, deps := newFixture(t, instance.RolePartner, true)
	deps.Binaries = binary.Default()
	svc := stageservice.NewPreValidation(preValidationStage(t, flow), deps)

	_, err := svc.Begin(context.Background(), inst)
	require.NoError(t, err)
	assert.NotContains(t, be.Submits()[0].Env, binary.EnvRepositoryPath)
}

func TestPreValidation_InspectTransitions(t *testing.T) {
	flow, inst, be, _, deps := newFixture(t, instance.RolePartner, true)
	svc := stageservice.NewPreValidation(preValidationStage(t, flow), deps)

	_, err := svc.Begin(context.Background(), inst)
	require.NoError(t, err)
	jobID := inst.Records[0].Jobs[0].ID

	be.SetStatus(jobID, instance.JobRunning)
	res, err := svc.Inspect(context.Background(), inst)
	require.NoError(t, err)
	assert.Equal(t, stageflow.PreValidationStarted, res.Status)

	// Idempotent: no backend change, same status, no new record.
	again, err := svc.Inspect(context.Background(), inst)
	require.NoError(t, err)
	assert.Equal(t, res, again)
	assert.Len(t, inst.Records, 1)

	be.SetStatus(jobID, instance.JobCompleted)
	res, err = svc.Inspect(context.Background(), inst)
	require.NoError(t, err)
	assert.Equal(t, stageflow.PreValidationCompleted, res.Status)
	assert.Empty(t, res.Link)
	assert.Equal(t, instance.JobCompleted, inst.Records[0].Jobs[0].Status)
}

func TestPreValidation_FailureLink(t *testing.T) {
	flow, inst, be, _, deps := newFixture(t, instance.RolePartner, true)
	core, logs := observer.New(zap.ErrorLevel)
	deps.Logger = zap.New(core)
	svc := stageservice.NewPreValidation(preValidationStage(t, flow), deps)

	jobID := "arn:aws:ecs:us-west-2:123:task/cluster-x/abc123"
	inst.AppendRecord(instance.StageRecord{
		StageName: stageflow.StagePreValidation,
		Jobs:      []instance.JobHandle{{ID: jobID, Status: instance.JobRunning}},
	})
	be.SetStatus(jobID, instance.JobFailed)

	res, err := svc.Inspect(context.Background(), inst)
	require.NoError(t, err)
	assert.Equal(t, stageflow.PreValidationFailed, res.Status)
	assert.Equal(t, "https://us-west-2.console.aws.amazon.com/ecs/home?region=us-west-2#/clusters/cluster-x/tasks/abc123/details", res.Link)
	assert.Contains(t, res.Message, "abc123")
	assert.Contains(t, res.Message, "[PCPreValidation]")
	assert.Equal(t, 1, logs.Len())
}

func TestPreValidation_FailureWithoutTaskID(t *testing.T) {
	flow, inst, _, _, deps := newFixture(t, instance.RolePartner, true)
	svc := stageservice.NewPreValidation(preValidationStage(t, flow), deps)

	inst.AppendRecord(instance.StageRecord{
		StageName: stageflow.StagePreValidation,
		Jobs:      []instance.JobHandle{{ID: "", Status: instance.JobFailed}},
	})

	res, err := svc.Inspect(context.Background(), inst)
	require.NoError(t, err)
	assert.Equal(t, stageflow.PreValidationFailed, res.Status)
	assert.Empty(t, res.Link)
	assert.NotEmpty(t, res.Message)
}

func TestPreValidation_BackendUnavailable(t *testing.T) {
	flow, inst, be, _, deps := newFixture(t, instance.RolePartner, true)
	svc := stageservice.NewPreValidation(preValidationStage(t, flow), deps)

	_, err := svc.Begin(context.Background(), inst)
	require.NoError(t, err)
	before := inst.Clone()

	be.SetUnavailable(true)
	_, err = svc.Inspect(context.Background(), inst)
	assert.True(t, backend.IsUnavailable(err))
	assert.Equal(t, before, inst)
}

func TestDeriveStatus(t *testing.T) {
	st := stageflow.Stage{Name: "A", Initialized: "A_I", Started: "A_S", Completed: "A_C", Failed: "A_F"}
	be := backendtest.New("c")
	now := func() time.Time { return fixedNow }

	status, err := stageservice.DeriveStatus(context.Background(), be, st, nil, now)
	require.NoError(t, err)
	assert.Equal(t, stageflow.Status("A_S"), status)

	handles, err := be.Submit(context.Background(), backend.JobSpec{Binary: "b", Args: [][]string{{}, {}, {}}})
	require.NoError(t, err)
	rec := &instance.StageRecord{StageName: "A", Jobs: handles}

	be.SetStatus(handles[0].ID, instance.JobCompleted)
	be.SetStatus(handles[1].ID, instance.JobRunning)
	status, err = stageservice.DeriveStatus(context.Background(), be, st, rec, now)
	require.NoError(t, err)
	assert.Equal(t, stageflow.Status("A_S"), status)

	be.SetStatus(handles[2].ID, instance.JobFailed)
	status, err = stageservice.DeriveStatus(context.Background(), be, st, rec, now)
	require.NoError(t, err)
	assert.Equal(t, stageflow.Status("A_F"), status)
	assert.Equal(t, stageflow.Status("A_F"), rec.Status)
	assert.Equal(t, fixedNow, rec.UpdatedAt)

	rec2 := &instance.StageRecord{StageName: "A", Jobs: []instance.JobHandle{handles[0]}}
	status, err = stageservice.DeriveStatus(context.Background(), be, st, rec2, now)
	require.NoError(t, err)
	assert.Equal(t, stageflow.Status("A_C"), status)
}

func TestDiagnosticLink(t *testing.T) {
	assert.Empty(t, stageservice.DiagnosticLink("", "c", "t"))
	assert.Empty(t, stageservice.DiagnosticLink("r", "", "t"))
	assert.Empty(t, stageservice.DiagnosticLink("r", "c", ""))
	link := stageservice.DiagnosticLink("us-west-2", "cluster-x", "abc123")
	assert.Contains(t, link, "us-west-2")
	assert.Contains(t, link, "cluster-x")
	assert.Contains(t, link, "abc123")
}

func TestJobStage(t *testing.T) {
	flow, inst, be, sink, deps := newFixture(t, instance.RolePublisher, true)
	st, ok := flow.Stage(stageflow.StageCompute)
	require.True(t, ok)
	svc := stageservice.NewJobStage(flow, st, "", deps)

	_, err := svc.Begin(context.Background(), inst)
	require.NoError(t, err)

	submits := be.Submits()
	require.Len(t, submits, 1)
	assert.Equal(t, binary.LiftCompute, submits[0].Binary)
	assert.Len(t, submits[0].Args, 2)
	assert.Contains(t, submits[0].Args[1], "--shard-index=1")
	assert.Equal(t, stageflow.LongRunningStageTimeout, submits[0].Timeout)
	assert.False(t, submits[0].WaitForStartup)
	require.Len(t, sink.got, 1)

	rec := inst.LatestRecordFor(stageflow.StageCompute)
	require.NotNil(t, rec)
	require.Len(t, rec.Jobs, 2)

	be.SetStatus(rec.Jobs[0].ID, instance.JobCompleted)
	be.SetStatus(rec.Jobs[1].ID, instance.JobFailed)
	res, err := svc.Inspect(context.Background(), inst)
	require.NoError(t, err)
	assert.Equal(t, stageflow.ComputeFailed, res.Status)
	assert.Contains(t, res.Link, "cluster-x")
	assert.Contains(t, res.Link, "job-2")
}

func TestBegin_SubmitErrorKeepsLaunchedJobs(t *testing.T) {
	tests := []struct {
		name  string
		stage string
		jobs  int
		build func(*stageflow.Flow, stageflow.Stage, stageservice.Deps) stageservice.Service
	}{
		{
			name:  "pre-validation",
			stage: stageflow.StagePreValidation,
			jobs:  1,
			build: func(_ *stageflow.Flow, st stageflow.Stage, deps stageservice.Deps) stageservice.Service {
				return stageservice.NewPreValidation(st, deps)
			},
		},
		{
			name:  "job stage",
			stage: stageflow.StageCompute,
			jobs:  1,
			build: func(flow *stageflow.Flow, st stageflow.Stage, deps stageservice.Deps) stageservice.Service {
				return stageservice.NewJobStage(flow, st, binary.LiftCompute, deps)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			flow, inst, be, _, deps := newFixture(t, instance.RolePartner, true)
			st, ok := flow.Stage(tt.stage)
			require.True(t, ok)
			be.FailSubmitsAfter(tt.jobs)

			_, err := tt.build(flow, st, deps).Begin(context.Background(), inst)
			require.Error(t, err)
			assert.True(t, backend.IsUnavailable(err))

			recs := inst.RecordsFor(tt.stage)
			require.Len(t, recs, 1)
			assert.Len(t, recs[0].Jobs, tt.jobs)
			assert.Equal(t, st.Failed, recs[0].Status)
		})
	}
}

func TestBegin_SubmitErrorWithoutJobsAppendsNothing(t *testing.T) {
	flow, inst, be, _, deps := newFixture(t, instance.RolePartner, true)
	be.SetUnavailable(true)

	_, err := stageservice.NewPreValidation(preValidationStage(t, flow), deps).Begin(context.Background(), inst)
	require.Error(t, err)
	assert.Empty(t, inst.Records)
}

func TestJobStage_IDMatchBinaryByRole(t *testing.T) {
	flow, inst, be, _, deps := newFixture(t, instance.RolePartner, false)
	st, _ := flow.Stage(stageflow.StageIDMatch)
	_, err := stageservice.NewJobStage(flow, st, "", deps).Begin(context.Background(), inst)
	require.NoError(t, err)
	assert.Equal(t, binary.PIDClient, be.Submits()[0].Binary)
	assert.True(t, be.Submits()[0].WaitForStartup)
}

func TestJobStage_UnknownBinary(t *testing.T) {
	flow, inst, _, _, deps := newFixture(t, instance.RolePartner, false)
	st := stageflow.Stage{Name: "CUSTOM"}
	_, err := stageservice.NewJobStage(flow, st, "", deps).Begin(context.Background(), inst)
	assert.Error(t, err)
}

func TestRegistry(t *testing.T) {
	flow, _, _, _, deps := newFixture(t, instance.RolePartner, true)
	reg := stageservice.NewDefaultRegistry(flow, deps)

	for _, st := range flow.Stages() {
		svc, err := reg.For(st)
		require.NoError(t, err, st.Name)
		switch st.Name {
		case stageflow.StageCreated, stageflow.StagePostProcessing:
			assert.IsType(t, stageservice.NoopService{}, svc)
		case stageflow.StagePreValidation:
			assert.IsType(t, &stageservice.PreValidation{}, svc)
		default:
			assert.IsType(t, &stageservice.JobStage{}, svc)
		}
	}

	_, err := reg.For(stageflow.Stage{Name: "UNKNOWN"})
	assert.ErrorIs(t, err, stageservice.ErrNoService)

	reg.SetFallback(func(st stageflow.Stage) stageservice.Service { return stageservice.NoopService{Stage: st} })
	svc, err := reg.For(stageflow.Stage{Name: "UNKNOWN", Completed: "U_C"})
	require.NoError(t, err)
	res, err := svc.Inspect(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, stageflow.Status("U_C"), res.Status)
}
