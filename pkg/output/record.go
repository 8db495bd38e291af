// Package output provides JSONL machine output for the pcflow CLI.
//
// Output is structured as typed record envelopes. Each line is a
// self-contained JSON object that can be parsed independently.
package output

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/3leaps/pcflow/pkg/instance"
	"github.com/3leaps/pcflow/pkg/stageflow"
)

// Record type constants. These follow the pattern pcflow.<type>.v<version>.
const (
	TypeInstance   = "pcflow.instance.v1"
	TypeTransition = "pcflow.transition.v1"
	TypeFlow       = "pcflow.flow.v1"
	TypeError      = "pcflow.error.v1"
)

// Record is the envelope for all JSONL output.
type Record struct {
	// Type identifies the payload in Data.
	Type string `json:"type"`

	TS time.Time `json:"ts"`

	// InstanceID correlates records about one instance. Empty for flow records.
	InstanceID string `json:"instance_id,omitempty"`

	Data json.RawMessage `json:"data"`
}

// InstanceRecord summarizes an instance.
type InstanceRecord struct {
	ID              string           `json:"id"`
	Flow            string           `json:"flow"`
	Role            instance.Role    `json:"role"`
	Status          stageflow.Status `json:"status"`
	Stage           string           `json:"stage,omitempty"`
	Phase           stageflow.Phase  `json:"phase,omitempty"`
	Joint           bool             `json:"joint,omitempty"`
	RetryCounter    int              `json:"retry_counter"`
	RunID           string           `json:"run_id"`
	StatusUpdatedAt time.Time        `json:"status_updated_at"`
	CreatedAt       time.Time        `json:"created_at"`

	// Jobs lists the jobs of the current stage's latest record.
	Jobs []instance.JobHandle `json:"jobs,omitempty"`
}

// NewInstanceRecord builds an InstanceRecord. flow may be nil when the
// instance's flow is unknown to this binary; stage fields are then empty.
func NewInstanceRecord(inst *instance.Instance, flow *stageflow.Flow) *InstanceRecord {
	rec := &InstanceRecord{
		ID:              inst.ID,
		Flow:            inst.Flow,
		Role:            inst.Role,
		Status:          inst.Status,
		RetryCounter:    inst.RetryCounter,
		RunID:           inst.Infra.RunID,
		StatusUpdatedAt: inst.StatusUpdatedAt,
		CreatedAt:       inst.CreatedAt,
	}
	if flow == nil {
		return rec
	}
	stage, phase, err := flow.PhaseOf(inst.Status)
	if err != nil {
		return rec
	}
	rec.Stage = stage.Name
	rec.Phase = phase
	rec.Joint = stage.Joint
	if latest := inst.LatestRecordFor(stage.Name); latest != nil {
		rec.Jobs = latest.Jobs
	}
	return rec
}

// TransitionRecord describes one driver step that changed an instance.
type TransitionRecord struct {
	Stage   string           `json:"stage"`
	Joint   bool             `json:"joint,omitempty"`
	From    stageflow.Status `json:"from"`
	To      stageflow.Status `json:"to"`
	Done    bool             `json:"done,omitempty"`
	Halted  bool             `json:"halted,omitempty"`
	Message string           `json:"message,omitempty"`
	Link    string           `json:"link,omitempty"`
}

// FlowRecord describes a stage flow catalogue.
type FlowRecord struct {
	Name   string            `json:"name"`
	Stages []FlowStageRecord `json:"stages"`
}

// FlowStageRecord describes one stage of a flow.
type FlowStageRecord struct {
	Name        string           `json:"name"`
	Initialized stageflow.Status `json:"initialized"`
	Started     stageflow.Status `json:"started"`
	Completed   stageflow.Status `json:"completed"`
	Failed      stageflow.Status `json:"failed"`
	Joint       bool             `json:"joint"`
	Timeout     string           `json:"timeout"`
}

// NewFlowRecord builds a FlowRecord with effective stage timeouts.
func NewFlowRecord(flow *stageflow.Flow) *FlowRecord {
	rec := &FlowRecord{Name: flow.Name()}
	for _, s := range flow.Stages() {
		rec.Stages = append(rec.Stages, FlowStageRecord{
			Name:        s.Name,
			Initialized: s.Initialized,
			Started:     s.Started,
			Completed:   s.Completed,
			Failed:      s.Failed,
			Joint:       s.Joint,
			Timeout:     flow.TimeoutFor(s).String(),
		})
	}
	return rec
}

// ErrorRecord is the data payload for errors.
type ErrorRecord struct {
	// Code is a machine-readable error code.
	Code string `json:"code"`

	Message string `json:"message"`

	Details any `json:"details,omitempty"`
}

// Error codes for ErrorRecord.
const (
	ErrCodeNotFound           = "NOT_FOUND"
	ErrCodeBackendUnavailable = "BACKEND_UNAVAILABLE"
	ErrCodeLocked             = "LOCKED"
	ErrCodeInvalid            = "INVALID"
	ErrCodeInternal           = "INTERNAL"
)

// Writer errors.
var (
	// ErrWriterClosed is returned when writing to a closed writer.
	ErrWriterClosed = errors.New("writer is closed")
)

// WriteError wraps errors that occur during write operations.
type WriteError struct {
	Op  string // Operation that failed (e.g., "marshal_data", "write")
	Err error  // Underlying error
}

func (e *WriteError) Error() string {
	return "output: " + e.Op + ": " + e.Err.Error()
}

func (e *WriteError) Unwrap() error {
	return e.Err
}
