package stageservice

import (
	"context"
	"fmt"
	"time"

	"github.com/3leaps/pcflow/pkg/backend"
	"github.com/3leaps/pcflow/pkg/instance"
	"github.com/3leaps/pcflow/pkg/stageflow"
)

// DeriveStatus queries every job of a stage record, refreshes the cached job
// statuses in the record and returns the stage status:
//
//   - any job failed: the stage's failed status
//   - all jobs completed: the stage's completed status
//   - otherwise (including an empty record): the stage's started status
//
// Backend errors are returned unchanged so transient failures can be told
// apart from job failures. The record is not modified on error.
func DeriveStatus(ctx context.Context, b backend.Backend, stage stageflow.Stage, rec *instance.StageRecord, now func() time.Time) (stageflow.Status, error) {
	if rec == nil || len(rec.Jobs) == 0 {
		return stage.Started, nil
	}
	if b == nil {
		return "", fmt.Errorf("job backend is required to inspect %s", stage.Name)
	}

	refreshed := make([]instance.JobHandle, len(rec.Jobs))
	for i, job := range rec.Jobs {
		if job.Status.Terminal() {
			refreshed[i] = job
			continue
		}
		h, err := b.Status(ctx, job.ID)
		if err != nil {
			return "", err
		}
		if h.ID == "" {
			h.ID = job.ID
		}
		if h.Address == "" {
			h.Address = job.Address
		}
		refreshed[i] = h
	}

	status := statusFromJobs(stage, refreshed)
	copy(rec.Jobs, refreshed)
	rec.Status = status
	rec.UpdatedAt = now()
	return status, nil
}

func statusFromJobs(stage stageflow.Stage, jobs []instance.JobHandle) stageflow.Status {
	completed := 0
	for _, job := range jobs {
		switch job.Status {
		case instance.JobFailed:
			return stage.Failed
		case instance.JobCompleted:
			completed++
		}
	}
	if completed == len(jobs) {
		return stage.Completed
	}
	return stage.Started
}

// recordJobs appends the stage record of one Begin.
func recordJobs(inst *instance.Instance, stage stageflow.Stage, jobs []instance.JobHandle, now time.Time, status stageflow.Status) {
	inst.AppendRecord(instance.StageRecord{
		StageName: stage.Name,
		Jobs:      jobs,
		Status:    status,
		CreatedAt: now,
		UpdatedAt: now,
	})
}

// lastTaskID returns the task id of the last job of a record.
func lastTaskID(rec *instance.StageRecord) string {
	if rec == nil || len(rec.Jobs) == 0 {
		return ""
	}
	return rec.Jobs[len(rec.Jobs)-1].TaskID()
}

// firstFailedTaskID returns the task id of the first failed job of a record.
func firstFailedTaskID(rec *instance.StageRecord) string {
	if rec == nil {
		return ""
	}
	for _, job := range rec.Jobs {
		if job.Status == instance.JobFailed {
			return job.TaskID()
		}
	}
	return lastTaskID(rec)
}

// DiagnosticLink builds the ECS console link of a task. Returns "" unless
// region, cluster and task id are all known.
func DiagnosticLink(region, cluster, taskID string) string {
	if region == "" || cluster == "" || taskID == "" {
		return ""
	}
	return fmt.Sprintf("https://%s.console.aws.amazon.com/ecs/home?region=%s#/clusters/%s/tasks/%s/details",
		region, region, cluster, taskID)
}
