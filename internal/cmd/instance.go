package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/pcflow/internal/observability"
	"github.com/3leaps/pcflow/pkg/driver"
	"github.com/3leaps/pcflow/pkg/instance"
	"github.com/3leaps/pcflow/pkg/instancestore"
	"github.com/3leaps/pcflow/pkg/output"
)

var instanceCmd = &cobra.Command{
	Use:     "instance",
	Aliases: []string{"instances"},
	Short:   "Create and drive computation instances",
	Long: `Create computation instances and drive them through their stage flow.

Instances are persisted in the configured store (sqlite, s3 or file).
Machine output is JSONL (pcflow.instance.v1, pcflow.transition.v1,
pcflow.error.v1 records).

Examples:
  pcflow instance create --role publisher --input-path s3://bucket/in.csv
  pcflow instance list --flow private_lift --match 'lift-*'
  pcflow instance step <id>
  pcflow instance run <id>
  pcflow instance retry <id>`,
}

var instanceCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create an instance at the first stage of a flow",
	Args:  cobra.NoArgs,
	RunE:  runInstanceCreate,
}

var (
	createFlow      string
	createRole      string
	createID        string
	createRunID     string
	createRegion    string
	createCluster   string
	createInputPath string
	createOutputDir string
	createNumJobs   int
)

func init() {
	rootCmd.AddCommand(instanceCmd)
	instanceCmd.AddCommand(instanceCreateCmd)

	f := instanceCreateCmd.Flags()
	f.StringVar(&createFlow, "flow", "", "Stage flow (default: flows.default)")
	f.StringVar(&createRole, "role", "", "Party role: publisher or partner (required)")
	f.StringVar(&createID, "id", "", "Instance ID (default: generated)")
	f.StringVar(&createRunID, "run-id", "", "Run ID shared by both parties (default: generated)")
	f.StringVar(&createRegion, "region", "", "Cloud region of the computation")
	f.StringVar(&createCluster, "cluster", "", "Cluster running the worker jobs")
	f.StringVar(&createInputPath, "input-path", "", "Input data path")
	f.StringVar(&createOutputDir, "output-dir", "", "Output directory")
	f.IntVar(&createNumJobs, "num-jobs", 1, "Worker jobs per multi-job stage")
	_ = instanceCreateCmd.MarkFlagRequired("role")
}

func runInstanceCreate(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	cfg, err := currentConfig()
	if err != nil {
		return err
	}
	rt, err := newApp(cfg)
	if err != nil {
		return exitError(exitInvalidArgument, "Invalid flow definitions", err)
	}
	defer rt.Close()

	role, err := instance.ParseRole(createRole)
	if err != nil {
		return exitError(exitInvalidArgument, "Invalid --role", err)
	}
	if createNumJobs < 1 {
		return exitError(exitInvalidArgument, "Invalid --num-jobs", fmt.Errorf("must be at least 1, got %d", createNumJobs))
	}
	flow, err := rt.flow(createFlow)
	if err != nil {
		return exitError(exitInvalidArgument, "Unknown flow", err)
	}

	inst, err := instance.New(role, flow, instance.Options{
		ID:      createID,
		RunID:   createRunID,
		Region:  createRegion,
		Cluster: createCluster,
		Product: instance.ProductConfig{
			InputPath: createInputPath,
			OutputDir: createOutputDir,
			NumJobs:   createNumJobs,
		},
	})
	if err != nil {
		return exitError(exitInvalidArgument, "Invalid instance", err)
	}

	store, err := rt.openStore(ctx)
	if err != nil {
		return exitError(exitServiceUnavailable, "Failed to open instance store", err)
	}
	if err := store.Create(ctx, inst); err != nil {
		if errors.Is(err, instancestore.ErrExists) {
			return exitError(exitInvalidArgument, "Instance already exists", err)
		}
		return exitError(exitFileWriteError, "Failed to save instance", err)
	}

	observability.CLILogger.Info("Instance created",
		zap.String("instance_id", inst.ID),
		zap.String("flow", flow.Name()),
		zap.String("role", string(role)),
		zap.String("run_id", inst.Infra.RunID),
	)
	return output.NewJSONLWriter(cmd.OutOrStdout()).WriteInstance(ctx, output.NewInstanceRecord(inst, flow))
}

// transitionRecord converts a driver outcome for JSONL output.
func transitionRecord(out driver.Outcome) *output.TransitionRecord {
	return &output.TransitionRecord{
		Stage:   out.Stage,
		Joint:   out.Joint,
		From:    out.Before,
		To:      out.After,
		Done:    out.Done,
		Halted:  out.Halted,
		Message: out.Message,
		Link:    out.Link,
	}
}

// errorCode maps a driver or store error onto an output error code.
func errorCode(err error) string {
	switch {
	case errors.Is(err, instancestore.ErrNotFound):
		return output.ErrCodeNotFound
	case errors.Is(err, driver.ErrBackendUnavailable):
		return output.ErrCodeBackendUnavailable
	case errors.Is(err, driver.ErrLocked):
		return output.ErrCodeLocked
	case errors.Is(err, driver.ErrNotRetryable):
		return output.ErrCodeInvalid
	default:
		return output.ErrCodeInternal
	}
}

// exitCodeFor maps a driver or store error onto a process exit code.
func exitCodeFor(err error) int {
	switch errorCode(err) {
	case output.ErrCodeNotFound:
		return exitFileNotFound
	case output.ErrCodeBackendUnavailable, output.ErrCodeLocked:
		return exitServiceUnavailable
	case output.ErrCodeInvalid:
		return exitInvalidArgument
	default:
		return 1
	}
}
