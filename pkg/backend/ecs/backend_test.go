package ecs

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ecs"
	"github.com/aws/aws-sdk-go-v2/service/ecs/types"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/pcflow/pkg/backend"
	"github.com/3leaps/pcflow/pkg/instance"
)

type fakeECS struct {
	runInputs []*ecs.RunTaskInput
	runErr    error
	runFail   bool

	tasks       map[string]types.Task
	describeErr error

	stopped []string
	stopErr error
}

func (f *fakeECS) RunTask(_ context.Context, in *ecs.RunTaskInput, _ ...func(*ecs.Options)) (*ecs.RunTaskOutput, error) {
	if f.runErr != nil {
		return nil, f.runErr
	}
	f.runInputs = append(f.runInputs, in)
	if f.runFail {
		return &ecs.RunTaskOutput{Failures: []types.Failure{{Reason: aws.String("RESOURCE:CPU")}}}, nil
	}
	arn := "arn:aws:ecs:us-west-2:123:task/cluster/task-" + string(rune('a'+len(f.runInputs)-1))
	return &ecs.RunTaskOutput{Tasks: []types.Task{{TaskArn: aws.String(arn), LastStatus: aws.String("PROVISIONING")}}}, nil
}

func (f *fakeECS) DescribeTasks(_ context.Context, in *ecs.DescribeTasksInput, _ ...func(*ecs.Options)) (*ecs.DescribeTasksOutput, error) {
	if f.describeErr != nil {
		return nil, f.describeErr
	}
	out := &ecs.DescribeTasksOutput{}
	for _, id := range in.Tasks {
		if t, ok := f.tasks[id]; ok {
			out.Tasks = append(out.Tasks, t)
		} else {
			out.Failures = append(out.Failures, types.Failure{Arn: aws.String(id), Reason: aws.String("MISSING")})
		}
	}
	return out, nil
}

func (f *fakeECS) StopTask(_ context.Context, in *ecs.StopTaskInput, _ ...func(*ecs.Options)) (*ecs.StopTaskOutput, error) {
	if f.stopErr != nil {
		return nil, f.stopErr
	}
	f.stopped = append(f.stopped, aws.ToString(in.Task))
	return &ecs.StopTaskOutput{}, nil
}

func testConfig() Config {
	return Config{
		Cluster:        "arn:aws:ecs:us-west-2:123:cluster/pl-cluster",
		TaskDefinition: "onedocker-task:3",
		ContainerName:  "worker",
		Subnets:        []string{"subnet-1"},
		SecurityGroups: []string{"sg-1"},
	}
}

func TestConfigValidate(t *testing.T) {
	cfg := testConfig()
	assert.NoError(t, cfg.Validate())

	missing := Config{TaskDefinition: "td", ContainerName: "c"}
	var cfgErr *ConfigError
	require.ErrorAs(t, missing.Validate(), &cfgErr)
	assert.Equal(t, "Cluster", cfgErr.Field)

	bad := testConfig()
	bad.LaunchType = "LAMBDA"
	assert.Error(t, bad.Validate())
}

func TestSubmit_OneTaskPerArgs(t *testing.T) {
	fake := &fakeECS{}
	b, err := NewWithClient(fake, testConfig())
	require.NoError(t, err)

	handles, err := b.Submit(context.Background(), backend.JobSpec{
		Binary:  "pcs/pre_validation",
		Version: "latest",
		Args:    [][]string{{"--region=us-west-2"}, {"--region=us-east-1"}},
		Env:     map[string]string{"ONEDOCKER_REPOSITORY_PATH": "/repo"},
		Timeout: 20 * time.Minute,
	})
	require.NoError(t, err)
	require.Len(t, handles, 2)
	assert.Equal(t, instance.JobPending, handles[0].Status)
	assert.Equal(t, "task-a", handles[0].TaskID())

	require.Len(t, fake.runInputs, 2)
	in := fake.runInputs[0]
	assert.Equal(t, types.LaunchTypeFargate, in.LaunchType)
	require.NotNil(t, in.NetworkConfiguration)
	assert.Equal(t, types.AssignPublicIpDisabled, in.NetworkConfiguration.AwsvpcConfiguration.AssignPublicIp)

	override := in.Overrides.ContainerOverrides[0]
	assert.Equal(t, "worker", aws.ToString(override.Name))
	assert.Equal(t, []string{"pcs/pre_validation", "--region=us-west-2"}, override.Command)

	env := map[string]string{}
	for _, kv := range override.Environment {
		env[aws.ToString(kv.Name)] = aws.ToString(kv.Value)
	}
	assert.Equal(t, "/repo", env["ONEDOCKER_REPOSITORY_PATH"])
	assert.Equal(t, "latest", env[EnvBinaryVersion])
	assert.Equal(t, "1200", env[EnvJobTimeout])
}

func TestSubmit_CapacityFailureIsUnavailable(t *testing.T) {
	b, err := NewWithClient(&fakeECS{runFail: true}, testConfig())
	require.NoError(t, err)

	_, err = b.Submit(context.Background(), backend.JobSpec{Binary: "bin", Args: [][]string{{}}})
	assert.True(t, backend.IsUnavailable(err))
}

func TestSubmit_WaitForStartup(t *testing.T) {
	const arn = "arn:aws:ecs:us-west-2:123:task/cluster/task-a"
	spec := backend.JobSpec{Binary: "pcs/pre_validation", Args: [][]string{{"--x"}}, WaitForStartup: true}

	tests := []struct {
		name        string
		task        types.Task
		wantStatus  instance.JobStatus
		wantStopped []string
	}{
		{
			name:       "running",
			task:       types.Task{TaskArn: aws.String(arn), LastStatus: aws.String("RUNNING")},
			wantStatus: instance.JobRunning,
		},
		{
			name: "failed to start",
			task: types.Task{
				TaskArn:    aws.String(arn),
				LastStatus: aws.String("STOPPED"),
				StopCode:   types.TaskStopCodeTaskFailedToStart,
			},
			wantStatus: instance.JobFailed,
		},
		{
			name:        "still pending at startup timeout",
			task:        types.Task{TaskArn: aws.String(arn), LastStatus: aws.String("PENDING")},
			wantStatus:  instance.JobFailed,
			wantStopped: []string{arn},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := &fakeECS{tasks: map[string]types.Task{arn: tt.task}}
			cfg := testConfig()
			// Shorter than the waiter's minimum delay: one describe, then give up.
			cfg.StartupTimeout = time.Second
			b, err := NewWithClient(fake, cfg)
			require.NoError(t, err)

			handles, err := b.Submit(context.Background(), spec)
			require.NoError(t, err)
			require.Len(t, handles, 1)
			assert.Equal(t, tt.wantStatus, handles[0].Status)
			assert.Equal(t, tt.wantStopped, fake.stopped)
			assert.Len(t, fake.runInputs, 1)
		})
	}
}

func TestSubmit_InvalidSpec(t *testing.T) {
	b, err := NewWithClient(&fakeECS{}, testConfig())
	require.NoError(t, err)

	_, err = b.Submit(context.Background(), backend.JobSpec{})
	assert.ErrorIs(t, err, backend.ErrInvalidSpec)
}

func TestTaskStatus(t *testing.T) {
	zero, one := int32(0), int32(1)
	tests := []struct {
		name string
		task types.Task
		want instance.JobStatus
	}{
		{"provisioning", types.Task{LastStatus: aws.String("PROVISIONING")}, instance.JobPending},
		{"running", types.Task{LastStatus: aws.String("RUNNING")}, instance.JobRunning},
		{"stopping", types.Task{LastStatus: aws.String("STOPPING")}, instance.JobRunning},
		{"stopped ok", types.Task{LastStatus: aws.String("STOPPED"), Containers: []types.Container{{ExitCode: &zero}}}, instance.JobCompleted},
		{"stopped nonzero", types.Task{LastStatus: aws.String("STOPPED"), Containers: []types.Container{{ExitCode: &zero}, {ExitCode: &one}}}, instance.JobFailed},
		{"stopped no exit code", types.Task{LastStatus: aws.String("STOPPED"), Containers: []types.Container{{}}}, instance.JobFailed},
		{"failed to start", types.Task{LastStatus: aws.String("STOPPED"), StopCode: types.TaskStopCodeTaskFailedToStart}, instance.JobFailed},
		{"garbage", types.Task{LastStatus: aws.String("???")}, instance.JobUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, taskStatus(tt.task))
		})
	}
}

func TestStatus(t *testing.T) {
	zero := int32(0)
	arn := "arn:aws:ecs:us-west-2:123:task/pl-cluster/abc"
	fake := &fakeECS{tasks: map[string]types.Task{
		arn: {
			TaskArn:    aws.String(arn),
			LastStatus: aws.String("STOPPED"),
			Containers: []types.Container{{
				ExitCode:          &zero,
				NetworkInterfaces: []types.NetworkInterface{{PrivateIpv4Address: aws.String("10.0.0.7")}},
			}},
		},
	}}
	b, err := NewWithClient(fake, testConfig())
	require.NoError(t, err)

	h, err := b.Status(context.Background(), arn)
	require.NoError(t, err)
	assert.Equal(t, instance.JobCompleted, h.Status)
	assert.Equal(t, "10.0.0.7", h.Address)
	require.NotNil(t, h.UpdatedAt)

	_, err = b.Status(context.Background(), "arn:missing")
	assert.True(t, backend.IsJobNotFound(err))
}

func TestStatus_ThrottlingIsUnavailable(t *testing.T) {
	fake := &fakeECS{describeErr: &smithy.GenericAPIError{Code: "ThrottlingException", Message: "slow down"}}
	b, err := NewWithClient(fake, testConfig())
	require.NoError(t, err)

	_, err = b.Status(context.Background(), "t")
	assert.True(t, backend.IsUnavailable(err))

	var be *backend.Error
	require.ErrorAs(t, err, &be)
	assert.Equal(t, "Status", be.Op)
}

func TestStatus_ClientErrorIsNotUnavailable(t *testing.T) {
	fake := &fakeECS{describeErr: &smithy.GenericAPIError{Code: "AccessDeniedException", Message: "no"}}
	b, err := NewWithClient(fake, testConfig())
	require.NoError(t, err)

	_, err = b.Status(context.Background(), "t")
	require.Error(t, err)
	assert.False(t, backend.IsUnavailable(err))
}

func TestStop(t *testing.T) {
	fake := &fakeECS{}
	b, err := NewWithClient(fake, testConfig())
	require.NoError(t, err)

	require.NoError(t, b.Stop(context.Background(), "task-1"))
	assert.Equal(t, []string{"task-1"}, fake.stopped)

	fake.stopErr = errors.New("connection reset")
	assert.True(t, backend.IsUnavailable(b.Stop(context.Background(), "task-2")))
}

func TestCluster_ShortName(t *testing.T) {
	b, err := NewWithClient(&fakeECS{}, testConfig())
	require.NoError(t, err)
	assert.Equal(t, "pl-cluster", b.Cluster())
	assert.Equal(t, "ecs", b.Name())
}
