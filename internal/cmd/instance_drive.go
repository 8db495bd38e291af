package cmd

import (
	"context"
	"errors"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/pcflow/internal/observability"
	"github.com/3leaps/pcflow/pkg/driver"
	"github.com/3leaps/pcflow/pkg/output"
)

var instanceStepCmd = &cobra.Command{
	Use:   "step <instance_id>",
	Short: "Advance an instance by one driver tick",
	Long: `Advance an instance by one driver tick: begin an initialized stage,
inspect a started stage, or move past a completed stage. A failed stage
is left alone; use 'instance retry'.`,
	Args: cobra.ExactArgs(1),
	RunE: runInstanceStep,
}

var instanceRunCmd = &cobra.Command{
	Use:   "run <instance_id>",
	Short: "Drive an instance until it completes or a stage fails",
	Long: `Drive an instance until its last stage completes or a stage fails.

The driver polls the job backend every driver.poll_interval and holds an
exclusive lock on the instance while running. Interrupt with Ctrl-C; the
instance keeps its last persisted status.`,
	Args: cobra.ExactArgs(1),
	RunE: runInstanceRun,
}

var instanceRetryCmd = &cobra.Command{
	Use:   "retry <instance_id>",
	Short: "Retry the failed stage of an instance",
	Args:  cobra.ExactArgs(1),
	RunE:  runInstanceRetry,
}

var instanceCancelCmd = &cobra.Command{
	Use:   "cancel <instance_id>",
	Short: "Stop the running jobs of the current stage",
	Long: `Stop the unfinished jobs of the instance's current stage. The next
step observes the stopped jobs and fails the stage.`,
	Args: cobra.ExactArgs(1),
	RunE: runInstanceCancel,
}

func init() {
	instanceCmd.AddCommand(instanceStepCmd)
	instanceCmd.AddCommand(instanceRunCmd)
	instanceCmd.AddCommand(instanceRetryCmd)
	instanceCmd.AddCommand(instanceCancelCmd)

	instanceRunCmd.Flags().Duration("poll-interval", 0, "Override driver.poll_interval")
}

// driverFor loads the instance's flow and wires a driver for it.
func driverFor(ctx context.Context, rt *app, id string, opts ...driver.Option) (*driver.Driver, error) {
	store, err := rt.openStore(ctx)
	if err != nil {
		return nil, exitError(exitServiceUnavailable, "Failed to open instance store", err)
	}
	inst, err := store.Get(ctx, id)
	if err != nil {
		return nil, exitError(exitCodeFor(err), "Failed to load instance", err)
	}
	flow, err := rt.flow(inst.Flow)
	if err != nil {
		return nil, exitError(exitInvalidArgument, "Unknown flow", err)
	}
	d, err := rt.newDriver(ctx, flow, opts...)
	if err != nil {
		return nil, exitError(exitServiceUnavailable, "Failed to set up driver", err)
	}
	return d, nil
}

func withApp(cmd *cobra.Command, fn func(*app) error) error {
	cfg, err := currentConfig()
	if err != nil {
		return err
	}
	rt, err := newApp(cfg)
	if err != nil {
		return exitError(exitInvalidArgument, "Invalid flow definitions", err)
	}
	defer rt.Close()
	return fn(rt)
}

func runInstanceStep(cmd *cobra.Command, args []string) error {
	return withApp(cmd, func(rt *app) error {
		ctx := cmd.Context()
		d, err := driverFor(ctx, rt, args[0])
		if err != nil {
			return err
		}
		out, err := d.StepStored(ctx, args[0])
		return reportOutcome(cmd, args[0], out, err, "Step failed")
	})
}

func runInstanceRetry(cmd *cobra.Command, args []string) error {
	return withApp(cmd, func(rt *app) error {
		ctx := cmd.Context()
		d, err := driverFor(ctx, rt, args[0])
		if err != nil {
			return err
		}
		out, err := d.RetryStored(ctx, args[0])
		return reportOutcome(cmd, args[0], out, err, "Retry failed")
	})
}

func runInstanceRun(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return withApp(cmd, func(rt *app) error {
		w := output.NewJSONLWriter(cmd.OutOrStdout())
		opts := []driver.Option{driver.WithObserver(func(out driver.Outcome) {
			if err := w.WriteTransition(ctx, out.InstanceID, transitionRecord(out)); err != nil {
				observability.CLILogger.Warn("Failed to write transition record", zap.Error(err))
			}
		})}
		if iv, _ := cmd.Flags().GetDuration("poll-interval"); iv > 0 {
			opts = append(opts, driver.WithPollInterval(iv))
		}

		d, err := driverFor(ctx, rt, args[0], opts...)
		if err != nil {
			return err
		}
		out, err := d.Run(ctx, args[0])
		if err != nil {
			if errors.Is(err, context.Canceled) && cmd.Context().Err() == nil {
				observability.CLILogger.Warn("Driver interrupted", zap.String("instance_id", args[0]))
				return exitError(exitSignalInt, "Interrupted", err)
			}
			return failOutcome(cmd, args[0], err, "Run failed")
		}
		if out.Halted {
			return exitError(1, "Instance halted at a failed stage", errors.New(out.Message))
		}
		return nil
	})
}

func runInstanceCancel(cmd *cobra.Command, args []string) error {
	return withApp(cmd, func(rt *app) error {
		ctx := cmd.Context()
		d, err := driverFor(ctx, rt, args[0])
		if err != nil {
			return err
		}
		inst, err := rt.store.Get(ctx, args[0])
		if err != nil {
			return exitError(exitCodeFor(err), "Failed to load instance", err)
		}
		if err := d.Cancel(ctx, inst, rt.backend); err != nil {
			return failOutcome(cmd, args[0], err, "Cancel failed")
		}
		observability.CLILogger.Info("Stop requested for current stage jobs",
			zap.String("instance_id", inst.ID),
			zap.String("status", string(inst.Status)),
		)
		return nil
	})
}

// reportOutcome writes a transition record for a changed outcome, or an
// error record when err is set.
func reportOutcome(cmd *cobra.Command, id string, out driver.Outcome, err error, msg string) error {
	if err != nil {
		return failOutcome(cmd, id, err, msg)
	}
	return output.NewJSONLWriter(cmd.OutOrStdout()).WriteTransition(cmd.Context(), id, transitionRecord(out))
}

func failOutcome(cmd *cobra.Command, id string, err error, msg string) error {
	rec := &output.ErrorRecord{Code: errorCode(err), Message: err.Error()}
	if werr := output.NewJSONLWriter(cmd.OutOrStdout()).WriteError(cmd.Context(), id, rec); werr != nil {
		observability.CLILogger.Debug("Failed to emit error record", zap.Error(werr))
	}
	return exitError(exitCodeFor(err), msg, err)
}
