package stageflow

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Built-in flow names.
const (
	FlowPrivateLift   = "private_lift"
	FlowMRPIDPCF2Lift = "mr_pid_pcf2_lift"
)

// Stage names shared by the built-in flows.
const (
	StageCreated         = "CREATED"
	StagePreValidation   = "PC_PRE_VALIDATION"
	StageIDMatch         = "ID_MATCH"
	StageUnionPIDMR      = "UNION_PID_MR_MULTIKEY"
	StageIDSpineCombiner = "ID_SPINE_COMBINER"
	StageReshard         = "RESHARD"
	StageCompute         = "COMPUTE"
	StagePCF2Lift        = "PCF2_LIFT"
	StageAggregate       = "AGGREGATE"
	StagePostProcessing  = "POST_PROCESSING_HANDLERS"
)

// LongRunningStageTimeout is used by the MPC computation stages.
const LongRunningStageTimeout = 12 * time.Hour

var (
	createdStage = Stage{
		Name:        StageCreated,
		Initialized: CreationInitialized,
		Started:     CreationStarted,
		Completed:   Created,
		Failed:      CreationFailed,
	}
	preValidationStage = Stage{
		Name:        StagePreValidation,
		Initialized: PreValidationInitialized,
		Started:     PreValidationStarted,
		Completed:   PreValidationCompleted,
		Failed:      PreValidationFailed,
	}
	idSpineCombinerStage = Stage{
		Name:        StageIDSpineCombiner,
		Initialized: IDSpineCombinerInitialized,
		Started:     IDSpineCombinerStarted,
		Completed:   IDSpineCombinerCompleted,
		Failed:      IDSpineCombinerFailed,
	}
	reshardStage = Stage{
		Name:        StageReshard,
		Initialized: ReshardInitialized,
		Started:     ReshardStarted,
		Completed:   ReshardCompleted,
		Failed:      ReshardFailed,
	}
	aggregateStage = Stage{
		Name:        StageAggregate,
		Initialized: AggregationInitialized,
		Started:     AggregationStarted,
		Completed:   AggregationCompleted,
		Failed:      AggregationFailed,
		Joint:       true,
	}
	postProcessingStage = Stage{
		Name:        StagePostProcessing,
		Initialized: PostProcessingInitialized,
		Started:     PostProcessingStarted,
		Completed:   PostProcessingCompleted,
		Failed:      PostProcessingFailed,
	}
)

// Specifies the order of the stages. Don't change these unless you know what you are doing.
const (
	privateLiftOrder   = "CREATED PC_PRE_VALIDATION ID_MATCH ID_SPINE_COMBINER RESHARD COMPUTE AGGREGATE POST_PROCESSING_HANDLERS"
	mrPIDPCF2LiftOrder = "CREATED PC_PRE_VALIDATION UNION_PID_MR_MULTIKEY ID_SPINE_COMBINER RESHARD PCF2_LIFT AGGREGATE POST_PROCESSING_HANDLERS"
)

// PrivateLift returns the default lift flow.
func PrivateLift() (*Flow, error) {
	return New(FlowPrivateLift, strings.Fields(privateLiftOrder), []Stage{
		createdStage,
		preValidationStage,
		{
			Name:        StageIDMatch,
			Initialized: IDMatchInitialized,
			Started:     IDMatchStarted,
			Completed:   IDMatchCompleted,
			Failed:      IDMatchFailed,
		},
		idSpineCombinerStage,
		reshardStage,
		{
			Name:        StageCompute,
			Initialized: ComputeInitialized,
			Started:     ComputeStarted,
			Completed:   ComputeCompleted,
			Failed:      ComputeFailed,
			Joint:       true,
			Timeout:     LongRunningStageTimeout,
		},
		aggregateStage,
		postProcessingStage,
	})
}

// MRPIDPCF2Lift returns the lift flow that matches identities with the
// multi-key map-reduce PID protocol.
func MRPIDPCF2Lift() (*Flow, error) {
	return New(FlowMRPIDPCF2Lift, strings.Fields(mrPIDPCF2LiftOrder), []Stage{
		createdStage,
		preValidationStage,
		{
			Name:        StageUnionPIDMR,
			Initialized: PIDMRInitialized,
			Started:     PIDMRStarted,
			Completed:   PIDMRCompleted,
			Failed:      PIDMRFailed,
		},
		idSpineCombinerStage,
		reshardStage,
		{
			Name:        StagePCF2Lift,
			Initialized: PCF2LiftInitialized,
			Started:     PCF2LiftStarted,
			Completed:   PCF2LiftCompleted,
			Failed:      PCF2LiftFailed,
			Joint:       true,
			// lift can take considerably longer than other stages
			Timeout: LongRunningStageTimeout,
		},
		aggregateStage,
		postProcessingStage,
	})
}

var builtinFlows = map[string]func() (*Flow, error){
	FlowPrivateLift:   PrivateLift,
	FlowMRPIDPCF2Lift: MRPIDPCF2Lift,
}

// Builtin constructs a built-in flow by name.
func Builtin(name string) (*Flow, error) {
	ctor, ok := builtinFlows[strings.TrimSpace(name)]
	if !ok {
		return nil, fmt.Errorf("unknown stage flow %q (available: %s)", name, strings.Join(BuiltinNames(), ", "))
	}
	return ctor()
}

// BuiltinNames lists the built-in flow names in sorted order.
func BuiltinNames() []string {
	names := make([]string, 0, len(builtinFlows))
	for name := range builtinFlows {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
