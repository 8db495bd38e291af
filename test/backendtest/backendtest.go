// Package backendtest provides a scriptable in-memory job backend for tests.
//
// Usage:
//
//	b := backendtest.New("cluster-x")
//	handles, _ := b.Submit(ctx, spec)
//	b.SetStatus(handles[0].ID, instance.JobCompleted)
package backendtest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/3leaps/pcflow/pkg/backend"
	"github.com/3leaps/pcflow/pkg/instance"
)

// Backend is an in-memory backend.Backend. Submitted jobs start pending and
// only change status through SetStatus or Stop.
type Backend struct {
	mu          sync.Mutex
	cluster     string
	seq         int
	jobs        map[string]instance.JobHandle
	submits     []backend.JobSpec
	stopped     []string
	unavailable bool
	submitErr   error
	partial     int
	statusCalls int
}

var _ backend.Backend = (*Backend)(nil)

// New creates an empty fake backend.
func New(cluster string) *Backend {
	return &Backend{cluster: cluster, jobs: make(map[string]instance.JobHandle)}
}

// Name returns "fake".
func (b *Backend) Name() string { return "fake" }

// Cluster returns the cluster given to New.
func (b *Backend) Cluster() string { return b.cluster }

// Submit records the spec and returns one pending handle per argument list.
// Job IDs are ECS-style ARNs ending in "job-<n>".
func (b *Backend) Submit(_ context.Context, spec backend.JobSpec) ([]instance.JobHandle, error) {
	if err := spec.Validate(); err != nil {
		return nil, &backend.Error{Op: "Submit", Backend: b.Name(), Err: err}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.unavailable {
		return nil, &backend.Error{Op: "Submit", Backend: b.Name(), Err: backend.ErrUnavailable}
	}
	if b.submitErr != nil {
		return nil, &backend.Error{Op: "Submit", Backend: b.Name(), Err: b.submitErr}
	}

	b.submits = append(b.submits, spec)
	now := time.Now().UTC()
	out := make([]instance.JobHandle, 0, len(spec.Args))
	for range spec.Args {
		b.seq++
		h := instance.JobHandle{
			ID:        fmt.Sprintf("arn:aws:ecs:us-west-2:000000000000:task/%s/job-%d", b.cluster, b.seq),
			Status:    instance.JobPending,
			UpdatedAt: &now,
		}
		if spec.WaitForStartup {
			h.Status = instance.JobRunning
		}
		b.jobs[h.ID] = h
		out = append(out, h)
		if b.partial > 0 && len(out) == b.partial {
			return out, &backend.Error{Op: "Submit", Backend: b.Name(), Err: backend.ErrUnavailable}
		}
	}
	return out, nil
}

// Status returns the scripted status of a job.
func (b *Backend) Status(_ context.Context, jobID string) (instance.JobHandle, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.statusCalls++
	if b.unavailable {
		return instance.JobHandle{}, &backend.Error{Op: "Status", Backend: b.Name(), JobID: jobID, Err: backend.ErrUnavailable}
	}
	h, ok := b.jobs[jobID]
	if !ok {
		return instance.JobHandle{}, &backend.Error{Op: "Status", Backend: b.Name(), JobID: jobID, Err: backend.ErrJobNotFound}
	}
	return h, nil
}

// Stop marks a job failed unless it already finished.
func (b *Backend) Stop(_ context.Context, jobID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.unavailable {
		return &backend.Error{Op: "Stop", Backend: b.Name(), JobID: jobID, Err: backend.ErrUnavailable}
	}
	h, ok := b.jobs[jobID]
	if !ok {
		return &backend.Error{Op: "Stop", Backend: b.Name(), JobID: jobID, Err: backend.ErrJobNotFound}
	}
	b.stopped = append(b.stopped, jobID)
	if !h.Status.Terminal() {
		h.Status = instance.JobFailed
		b.jobs[jobID] = h
	}
	return nil
}

// SetStatus scripts the status of a job.
func (b *Backend) SetStatus(jobID string, status instance.JobStatus) {
	b.mu.Lock()
	defer b.mu.Unlock()
	h := b.jobs[jobID]
	h.ID = jobID
	h.Status = status
	now := time.Now().UTC()
	h.UpdatedAt = &now
	b.jobs[jobID] = h
}

// SetAll scripts the status of every known job.
func (b *Backend) SetAll(status instance.JobStatus) {
	b.mu.Lock()
	ids := make([]string, 0, len(b.jobs))
	for id := range b.jobs {
		ids = append(ids, id)
	}
	b.mu.Unlock()
	for _, id := range ids {
		b.SetStatus(id, status)
	}
}

// SetUnavailable makes every call fail with backend.ErrUnavailable.
func (b *Backend) SetUnavailable(v bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.unavailable = v
}

// FailSubmits makes Submit fail with err (nil to reset).
func (b *Backend) FailSubmits(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.submitErr = err
}

// FailSubmitsAfter makes Submit start n jobs and then fail with
// backend.ErrUnavailable, returning the n handles (0 to reset).
func (b *Backend) FailSubmitsAfter(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.partial = n
}

// Submits returns the specs submitted so far.
func (b *Backend) Submits() []backend.JobSpec {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]backend.JobSpec(nil), b.submits...)
}

// Stopped returns the job IDs passed to Stop.
func (b *Backend) Stopped() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.stopped...)
}

// StatusCalls returns how many times Status was called.
func (b *Backend) StatusCalls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.statusCalls
}
