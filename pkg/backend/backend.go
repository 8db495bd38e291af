// Package backend defines the job backend adapter used by stage services to
// launch worker jobs and observe their status.
//
// Backends implement a minimal surface: submit, status, stop. Waiting for
// job completion is the driver's concern (it polls); backends only block
// for job submission and, when requested, job startup.
package backend

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/3leaps/pcflow/pkg/instance"
)

// JobSpec describes the worker jobs to launch for one stage attempt.
type JobSpec struct {
	// Binary is the worker binary name (e.g. "validation/pc_pre_validation_cli").
	Binary string

	// Version is the worker binary version/tag.
	Version string

	// Args holds one argument list per job. len(Args) jobs are launched.
	Args [][]string

	// Env is applied to every job.
	Env map[string]string

	// Timeout bounds each job's runtime. Zero means backend default.
	Timeout time.Duration

	// WaitForStartup blocks Submit until every job is running.
	WaitForStartup bool
}

// Validate checks that the spec can be submitted.
func (s JobSpec) Validate() error {
	if strings.TrimSpace(s.Binary) == "" {
		return fmt.Errorf("%w: binary is required", ErrInvalidSpec)
	}
	if len(s.Args) == 0 {
		return fmt.Errorf("%w: at least one job argument list is required", ErrInvalidSpec)
	}
	if s.Timeout < 0 {
		return fmt.Errorf("%w: timeout must not be negative", ErrInvalidSpec)
	}
	return nil
}

// Backend abstracts a remote execution system for worker jobs.
//
// Implementations should:
//   - Return one handle per entry of JobSpec.Args, in order
//   - Report transient failures wrapped with ErrUnavailable
//   - Be safe for concurrent use
type Backend interface {
	// Submit launches the jobs described by spec and returns their handles.
	Submit(ctx context.Context, spec JobSpec) ([]instance.JobHandle, error)

	// Status returns the latest status of a job.
	// Returns ErrJobNotFound if the backend has no record of the job.
	Status(ctx context.Context, jobID string) (instance.JobHandle, error)

	// Stop terminates a job. Stopping a finished job is not an error.
	Stop(ctx context.Context, jobID string) error

	// Cluster identifies where jobs run (used for diagnostic links).
	Cluster() string

	// Name identifies the backend type (e.g. "ecs", "local").
	Name() string
}
