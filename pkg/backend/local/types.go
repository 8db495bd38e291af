// Package local implements the job backend as child processes on the
// orchestrator host.
//
// It is intended for development and single-host deployments. Job records
// live on disk so status survives an orchestrator restart:
//
//	<root>/<job_id>/job.json
//	<root>/<job_id>/stdout.log
//	<root>/<job_id>/stderr.log
package local

import (
	"time"

	"github.com/3leaps/pcflow/pkg/instance"
)

// JobRecord is the persistent record written to job.json.
//
// The schema is designed for backward-compatible extension (additive fields).
type JobRecord struct {
	JobID     string             `json:"job_id"`
	Status    instance.JobStatus `json:"status"`
	Binary    string             `json:"binary"`
	Version   string             `json:"version,omitempty"`
	Args      []string           `json:"args,omitempty"`
	PID       int                `json:"pid,omitempty"`
	ExitCode  *int               `json:"exit_code,omitempty"`
	Reason    string             `json:"reason,omitempty"`
	Timeout   time.Duration      `json:"timeout,omitempty"`
	CreatedAt time.Time          `json:"created_at"`

	StartedAt  *time.Time `json:"started_at,omitempty"`
	EndedAt    *time.Time `json:"ended_at,omitempty"`
	StdoutPath string     `json:"stdout_path,omitempty"`
	StderrPath string     `json:"stderr_path,omitempty"`
}

// Handle converts the record to a job handle.
func (r *JobRecord) Handle() instance.JobHandle {
	var updated *time.Time
	switch {
	case r.EndedAt != nil:
		t := *r.EndedAt
		updated = &t
	case r.StartedAt != nil:
		t := *r.StartedAt
		updated = &t
	default:
		t := r.CreatedAt
		updated = &t
	}
	return instance.JobHandle{
		ID:        r.JobID,
		Status:    r.Status,
		Address:   "127.0.0.1",
		UpdatedAt: updated,
	}
}
