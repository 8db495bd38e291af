// Package stageflow defines the ordered stage catalogue that drives a
// private computation instance from creation to completion.
//
// A Flow is an immutable, validated sequence of Stage descriptors. Each stage
// owns four statuses (initialized, started, completed, failed) and every
// status in a flow resolves to exactly one stage.
package stageflow

// Status is an instance status value owned by exactly one stage of a flow.
//
// NOTE: Status values are persisted with instances and are part of the
// stable on-disk contract.
type Status string

// String returns the status value.
func (s Status) String() string {
	return string(s)
}

// Phase is the position of a status within its stage lifecycle.
type Phase string

const (
	PhaseInitialized Phase = "initialized"
	PhaseStarted     Phase = "started"
	PhaseCompleted   Phase = "completed"
	PhaseFailed      Phase = "failed"
)

// Terminal reports whether the phase ends a stage attempt.
func (p Phase) Terminal() bool {
	return p == PhaseCompleted || p == PhaseFailed
}

// Statuses used by the built-in flows.
const (
	CreationInitialized Status = "CREATION_INITIALIZED"
	CreationStarted     Status = "CREATION_STARTED"
	Created             Status = "CREATED"
	CreationFailed      Status = "CREATION_FAILED"

	PreValidationInitialized Status = "PC_PRE_VALIDATION_INITIALIZED"
	PreValidationStarted     Status = "PC_PRE_VALIDATION_STARTED"
	PreValidationCompleted   Status = "PC_PRE_VALIDATION_COMPLETED"
	PreValidationFailed      Status = "PC_PRE_VALIDATION_FAILED"

	IDMatchInitialized Status = "ID_MATCHING_INITIALIZED"
	IDMatchStarted     Status = "ID_MATCHING_STARTED"
	IDMatchCompleted   Status = "ID_MATCHING_COMPLETED"
	IDMatchFailed      Status = "ID_MATCHING_FAILED"

	PIDMRInitialized Status = "PID_MR_INITIALIZED"
	PIDMRStarted     Status = "PID_MR_STARTED"
	PIDMRCompleted   Status = "PID_MR_COMPLETED"
	PIDMRFailed      Status = "PID_MR_FAILED"

	IDSpineCombinerInitialized Status = "ID_SPINE_COMBINER_INITIALIZED"
	IDSpineCombinerStarted     Status = "ID_SPINE_COMBINER_STARTED"
	IDSpineCombinerCompleted   Status = "ID_SPINE_COMBINER_COMPLETED"
	IDSpineCombinerFailed      Status = "ID_SPINE_COMBINER_FAILED"

	ReshardInitialized Status = "RESHARD_INITIALIZED"
	ReshardStarted     Status = "RESHARD_STARTED"
	ReshardCompleted   Status = "RESHARD_COMPLETED"
	ReshardFailed      Status = "RESHARD_FAILED"

	ComputeInitialized Status = "COMPUTATION_INITIALIZED"
	ComputeStarted     Status = "COMPUTATION_STARTED"
	ComputeCompleted   Status = "COMPUTATION_COMPLETED"
	ComputeFailed      Status = "COMPUTATION_FAILED"

	PCF2LiftInitialized Status = "PCF2_LIFT_INITIALIZED"
	PCF2LiftStarted     Status = "PCF2_LIFT_STARTED"
	PCF2LiftCompleted   Status = "PCF2_LIFT_COMPLETED"
	PCF2LiftFailed      Status = "PCF2_LIFT_FAILED"

	AggregationInitialized Status = "AGGREGATION_INITIALIZED"
	AggregationStarted     Status = "AGGREGATION_STARTED"
	AggregationCompleted   Status = "AGGREGATION_COMPLETED"
	AggregationFailed      Status = "AGGREGATION_FAILED"

	PostProcessingInitialized Status = "POST_PROCESSING_HANDLERS_INITIALIZED"
	PostProcessingStarted     Status = "POST_PROCESSING_HANDLERS_STARTED"
	PostProcessingCompleted   Status = "POST_PROCESSING_HANDLERS_COMPLETED"
	PostProcessingFailed      Status = "POST_PROCESSING_HANDLERS_FAILED"
)
