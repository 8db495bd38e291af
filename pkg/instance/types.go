// Package instance models a private computation instance: the aggregate
// root a driver moves through the stages of a flow.
package instance

import (
	"fmt"
	"strings"
	"time"

	"github.com/3leaps/pcflow/pkg/stageflow"
)

// Role identifies which party an instance runs for.
type Role string

const (
	// RolePublisher is the party that initiates a computation.
	RolePublisher Role = "publisher"

	// RolePartner is the party that joins a computation.
	RolePartner Role = "partner"
)

// ParseRole parses a role name (case-insensitive).
func ParseRole(s string) (Role, error) {
	switch Role(strings.ToLower(strings.TrimSpace(s))) {
	case RolePublisher:
		return RolePublisher, nil
	case RolePartner:
		return RolePartner, nil
	}
	return "", fmt.Errorf("unknown role %q (expected publisher or partner)", s)
}

// JobStatus is the backend-reported status of one worker job.
//
// NOTE: These values are persisted with stage records.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobUnknown   JobStatus = "unknown"
)

// Terminal reports whether the job will not change status again.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed
}

// JobHandle references one unit of work submitted to a job backend, along
// with its last known status.
type JobHandle struct {
	ID        string     `json:"id"`
	Status    JobStatus  `json:"status"`
	Address   string     `json:"address,omitempty"`
	UpdatedAt *time.Time `json:"updated_at,omitempty"`
}

// TaskID returns the final path segment of the job ID.
//
// For ECS task ARNs (arn:aws:ecs:<region>:<acct>:task/<cluster>/<task>) this
// is the task id used by the console.
func (h JobHandle) TaskID() string {
	id := strings.TrimSpace(h.ID)
	if id == "" {
		return ""
	}
	return id[strings.LastIndex(id, "/")+1:]
}

// StageRecord is the durable record of one execution attempt of a stage.
//
// A retry appends a new record; earlier records are left untouched apart
// from cached job statuses refreshed while their stage was current.
type StageRecord struct {
	ID        string           `json:"id"`
	StageName string           `json:"stage_name"`
	Jobs      []JobHandle      `json:"jobs"`
	Status    stageflow.Status `json:"status,omitempty"`
	CreatedAt time.Time        `json:"created_at"`
	UpdatedAt time.Time        `json:"updated_at"`
}

// StatusUpdate is one entry in an instance's status history.
type StatusUpdate struct {
	Status stageflow.Status `json:"status"`
	At     time.Time        `json:"at"`
}

// InfraConfig holds execution environment details of an instance.
type InfraConfig struct {
	// RunID correlates checkpoints across both parties.
	RunID   string `json:"run_id"`
	Region  string `json:"region,omitempty"`
	Cluster string `json:"cluster,omitempty"`
}

// ProductConfig holds the data locations an instance computes over.
type ProductConfig struct {
	InputPath string `json:"input_path"`
	OutputDir string `json:"output_dir,omitempty"`

	// NumJobs is the number of worker jobs launched by multi-job stages.
	NumJobs int `json:"num_jobs,omitempty"`
}

// Instance is one end-to-end computation run.
type Instance struct {
	ID              string           `json:"instance_id"`
	Flow            string           `json:"flow"`
	Role            Role             `json:"role"`
	Status          stageflow.Status `json:"status"`
	StatusUpdatedAt time.Time        `json:"status_updated_at"`
	RetryCounter    int              `json:"retry_counter"`
	Records         []StageRecord    `json:"stage_records"`
	StatusUpdates   []StatusUpdate   `json:"status_updates"`
	Infra           InfraConfig      `json:"infra"`
	Product         ProductConfig    `json:"product"`
	CreatedAt       time.Time        `json:"created_at"`
}
