package ecs

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ecs"
	"github.com/aws/aws-sdk-go-v2/service/ecs/types"
	"github.com/aws/smithy-go"

	"github.com/3leaps/pcflow/pkg/awsauth"
	"github.com/3leaps/pcflow/pkg/backend"
	"github.com/3leaps/pcflow/pkg/instance"
)

const backendName = "ecs"

// Environment variables set on every task.
const (
	EnvBinaryVersion = "PCFLOW_BINARY_VERSION"
	EnvJobTimeout    = "PCFLOW_JOB_TIMEOUT_SECONDS"
)

// API is the subset of the ECS client used by the backend.
type API interface {
	RunTask(ctx context.Context, params *ecs.RunTaskInput, optFns ...func(*ecs.Options)) (*ecs.RunTaskOutput, error)
	DescribeTasks(ctx context.Context, params *ecs.DescribeTasksInput, optFns ...func(*ecs.Options)) (*ecs.DescribeTasksOutput, error)
	StopTask(ctx context.Context, params *ecs.StopTaskInput, optFns ...func(*ecs.Options)) (*ecs.StopTaskOutput, error)
}

// Backend implements backend.Backend on ECS.
type Backend struct {
	client API
	cfg    Config
	now    func() time.Time
}

var _ backend.Backend = (*Backend)(nil)

// New creates an ECS backend using the AWS SDK default credential chain.
func New(ctx context.Context, cfg Config) (*Backend, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	awsCfg, err := awsauth.Load(ctx, awsauth.Config{
		Region:   cfg.Region,
		Profile:  cfg.Profile,
		Endpoint: cfg.Endpoint,
	})
	if err != nil {
		return nil, &backend.Error{Op: "New", Backend: backendName, Err: err}
	}

	var opts []func(*ecs.Options)
	if cfg.Endpoint != "" {
		opts = append(opts, func(o *ecs.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		})
	}

	return NewWithClient(ecs.NewFromConfig(awsCfg, opts...), cfg)
}

// NewWithClient creates a backend around an existing client.
func NewWithClient(client API, cfg Config) (*Backend, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if client == nil {
		return nil, fmt.Errorf("ecs client is required")
	}
	if cfg.StartupTimeout <= 0 {
		cfg.StartupTimeout = DefaultStartupTimeout
	}
	return &Backend{client: client, cfg: cfg, now: func() time.Time { return time.Now().UTC() }}, nil
}

// Name returns "ecs".
func (b *Backend) Name() string { return backendName }

// Cluster returns the configured cluster.
func (b *Backend) Cluster() string {
	// Console links want the short name, not the ARN.
	c := b.cfg.Cluster
	return c[strings.LastIndex(c, "/")+1:]
}

// Submit starts one task per argument list.
func (b *Backend) Submit(ctx context.Context, spec backend.JobSpec) ([]instance.JobHandle, error) {
	if err := spec.Validate(); err != nil {
		return nil, &backend.Error{Op: "Submit", Backend: backendName, Err: err}
	}

	env := taskEnvironment(spec)
	handles := make([]instance.JobHandle, 0, len(spec.Args))
	for _, args := range spec.Args {
		command := append([]string{spec.Binary}, args...)
		input := &ecs.RunTaskInput{
			Cluster:        aws.String(b.cfg.Cluster),
			TaskDefinition: aws.String(b.cfg.TaskDefinition),
			Count:          aws.Int32(1),
			StartedBy:      aws.String("pcflow"),
			Overrides: &types.TaskOverride{
				ContainerOverrides: []types.ContainerOverride{{
					Name:        aws.String(b.cfg.ContainerName),
					Command:     command,
					Environment: env,
				}},
			},
		}
		b.applyLaunchConfig(input)

		out, err := b.client.RunTask(ctx, input)
		if err != nil {
			return handles, b.wrapError("Submit", "", err)
		}
		if len(out.Tasks) == 0 {
			reason := "no task started"
			if len(out.Failures) > 0 {
				reason = failureReason(out.Failures[0])
			}
			return handles, &backend.Error{Op: "Submit", Backend: backendName, Err: fmt.Errorf("%w: %s", backend.ErrUnavailable, reason)}
		}

		handles = append(handles, b.handleFromTask(out.Tasks[0]))
	}

	if spec.WaitForStartup {
		if err := b.waitRunning(ctx, handles); err != nil {
			return handles, err
		}
	}
	return handles, nil
}

func (b *Backend) applyLaunchConfig(input *ecs.RunTaskInput) {
	switch strings.ToUpper(b.cfg.LaunchType) {
	case "EC2":
		input.LaunchType = types.LaunchTypeEc2
	default:
		input.LaunchType = types.LaunchTypeFargate
	}
	if len(b.cfg.Subnets) == 0 {
		return
	}
	assign := types.AssignPublicIpDisabled
	if b.cfg.AssignPublicIP {
		assign = types.AssignPublicIpEnabled
	}
	input.NetworkConfiguration = &types.NetworkConfiguration{
		AwsvpcConfiguration: &types.AwsVpcConfiguration{
			Subnets:        b.cfg.Subnets,
			SecurityGroups: b.cfg.SecurityGroups,
			AssignPublicIp: assign,
		},
	}
}

// waitRunning blocks until every task is running. When the waiter gives up
// (a task stopped before running or the startup timeout expired) the tasks
// that are not running are stopped and their handles marked failed, so the
// stage fails through Inspect instead of being submitted again.
func (b *Backend) waitRunning(ctx context.Context, handles []instance.JobHandle) error {
	ids := jobIDs(handles)
	waiter := ecs.NewTasksRunningWaiter(b.client)
	err := waiter.Wait(ctx, &ecs.DescribeTasksInput{
		Cluster: aws.String(b.cfg.Cluster),
		Tasks:   ids,
	}, b.cfg.StartupTimeout)
	if err == nil {
		for i := range handles {
			handles[i].Status = instance.JobRunning
		}
		return nil
	}
	if ctx.Err() != nil {
		return b.wrapError("WaitForStartup", strings.Join(ids, ","), err)
	}
	b.failUnstarted(ctx, handles)
	return nil
}

func (b *Backend) failUnstarted(ctx context.Context, handles []instance.JobHandle) {
	current := make(map[string]instance.JobHandle, len(handles))
	out, err := b.client.DescribeTasks(ctx, &ecs.DescribeTasksInput{
		Cluster: aws.String(b.cfg.Cluster),
		Tasks:   jobIDs(handles),
	})
	if err == nil {
		for _, task := range out.Tasks {
			h := b.handleFromTask(task)
			current[h.ID] = h
		}
	}

	for i, h := range handles {
		if c, ok := current[h.ID]; ok {
			h = c
		}
		switch h.Status {
		case instance.JobRunning, instance.JobCompleted:
			handles[i] = h
			continue
		case instance.JobFailed:
		default:
			// Still pending at the startup timeout, or unknown.
			_ = b.Stop(ctx, h.ID)
		}
		now := b.now()
		h.Status = instance.JobFailed
		h.UpdatedAt = &now
		handles[i] = h
	}
}

func jobIDs(handles []instance.JobHandle) []string {
	ids := make([]string, 0, len(handles))
	for _, h := range handles {
		ids = append(ids, h.ID)
	}
	return ids
}

// Status describes a task and maps its lifecycle to a job status.
func (b *Backend) Status(ctx context.Context, jobID string) (instance.JobHandle, error) {
	out, err := b.client.DescribeTasks(ctx, &ecs.DescribeTasksInput{
		Cluster: aws.String(b.cfg.Cluster),
		Tasks:   []string{jobID},
	})
	if err != nil {
		return instance.JobHandle{}, b.wrapError("Status", jobID, err)
	}
	if len(out.Tasks) == 0 {
		if len(out.Failures) > 0 && aws.ToString(out.Failures[0].Reason) != "MISSING" {
			return instance.JobHandle{}, &backend.Error{
				Op: "Status", Backend: backendName, JobID: jobID,
				Err: fmt.Errorf("%w: %s", backend.ErrUnavailable, failureReason(out.Failures[0])),
			}
		}
		return instance.JobHandle{}, &backend.Error{Op: "Status", Backend: backendName, JobID: jobID, Err: backend.ErrJobNotFound}
	}
	return b.handleFromTask(out.Tasks[0]), nil
}

// Stop stops a task. Tasks that already stopped are left alone.
func (b *Backend) Stop(ctx context.Context, jobID string) error {
	_, err := b.client.StopTask(ctx, &ecs.StopTaskInput{
		Cluster: aws.String(b.cfg.Cluster),
		Task:    aws.String(jobID),
		Reason:  aws.String("stopped by pcflow"),
	})
	if err != nil {
		return b.wrapError("Stop", jobID, err)
	}
	return nil
}

func (b *Backend) handleFromTask(task types.Task) instance.JobHandle {
	now := b.now()
	return instance.JobHandle{
		ID:        aws.ToString(task.TaskArn),
		Status:    taskStatus(task),
		Address:   taskAddress(task),
		UpdatedAt: &now,
	}
}

// taskStatus maps ECS task lifecycle states to job statuses.
//
// See https://docs.aws.amazon.com/AmazonECS/latest/developerguide/task-lifecycle-explanation.html
func taskStatus(task types.Task) instance.JobStatus {
	switch strings.ToUpper(aws.ToString(task.LastStatus)) {
	case "PROVISIONING", "PENDING", "ACTIVATING":
		return instance.JobPending
	case "RUNNING", "DEACTIVATING", "STOPPING", "DEPROVISIONING":
		return instance.JobRunning
	case "STOPPED":
		if task.StopCode == types.TaskStopCodeTaskFailedToStart || len(task.Containers) == 0 {
			return instance.JobFailed
		}
		for _, c := range task.Containers {
			if c.ExitCode == nil || *c.ExitCode != 0 {
				return instance.JobFailed
			}
		}
		return instance.JobCompleted
	}
	return instance.JobUnknown
}

func taskAddress(task types.Task) string {
	for _, c := range task.Containers {
		for _, ni := range c.NetworkInterfaces {
			if ip := aws.ToString(ni.PrivateIpv4Address); ip != "" {
				return ip
			}
		}
	}
	return ""
}

func taskEnvironment(spec backend.JobSpec) []types.KeyValuePair {
	env := make(map[string]string, len(spec.Env)+2)
	for k, v := range spec.Env {
		env[k] = v
	}
	if spec.Version != "" {
		env[EnvBinaryVersion] = spec.Version
	}
	if spec.Timeout > 0 {
		env[EnvJobTimeout] = strconv.Itoa(int(spec.Timeout.Seconds()))
	}

	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]types.KeyValuePair, 0, len(keys))
	for _, k := range keys {
		out = append(out, types.KeyValuePair{Name: aws.String(k), Value: aws.String(env[k])})
	}
	return out
}

func failureReason(f types.Failure) string {
	reason := aws.ToString(f.Reason)
	if d := aws.ToString(f.Detail); d != "" {
		reason += ": " + d
	}
	return reason
}

// wrapError converts ECS errors to backend errors with appropriate sentinel errors.
func (b *Backend) wrapError(op, jobID string, err error) error {
	wrapped := &backend.Error{Op: op, Backend: backendName, JobID: jobID, Err: err}

	if errors.Is(err, context.Canceled) {
		return wrapped
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "ThrottlingException", "ServerException", "ServiceUnavailableException",
			"RequestLimitExceeded", "InternalFailure":
			wrapped.Err = fmt.Errorf("%w: %s", backend.ErrUnavailable, apiErr.ErrorMessage())
		case "InvalidParameterException":
			if strings.Contains(strings.ToLower(apiErr.ErrorMessage()), "task") && op != "Submit" {
				wrapped.Err = backend.ErrJobNotFound
			}
		}
		return wrapped
	}

	// Transport-level failures (DNS, connection reset, timeouts) are transient.
	wrapped.Err = fmt.Errorf("%w: %v", backend.ErrUnavailable, err)
	return wrapped
}
