package cmd

import (
	"fmt"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/pcflow/internal/observability"
	"github.com/3leaps/pcflow/pkg/instance"
	"github.com/3leaps/pcflow/pkg/instancestore"
	"github.com/3leaps/pcflow/pkg/output"
)

var instanceListCmd = &cobra.Command{
	Use:   "list",
	Short: "List instances, newest first",
	Long: `List instances, newest first.

--match filters instance IDs with doublestar glob semantics, e.g.
'lift-2026-*' or '{pub,part}-*'.`,
	Args: cobra.NoArgs,
	RunE: runInstanceList,
}

var instanceStatusCmd = &cobra.Command{
	Use:   "status <instance_id>",
	Short: "Show the status of an instance",
	Args:  cobra.ExactArgs(1),
	RunE:  runInstanceStatus,
}

func init() {
	instanceCmd.AddCommand(instanceListCmd)
	instanceCmd.AddCommand(instanceStatusCmd)

	f := instanceListCmd.Flags()
	f.String("flow", "", "Only instances of this flow")
	f.String("role", "", "Only instances of this role")
	f.String("run-id", "", "Only instances of this run")
	f.String("match", "", "Glob on instance IDs")
	f.Int("limit", 0, "Maximum instances to show (0 = all)")
	addFormatFlag(instanceListCmd)
	addFormatFlag(instanceStatusCmd)
}

func runInstanceList(cmd *cobra.Command, _ []string) error {
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

	flowName, _ := cmd.Flags().GetString("flow")
	roleName, _ := cmd.Flags().GetString("role")
	runID, _ := cmd.Flags().GetString("run-id")
	match, _ := cmd.Flags().GetString("match")
	limit, _ := cmd.Flags().GetInt("limit")

	if limit < 0 {
		return exitError(exitInvalidArgument, "Invalid --limit", fmt.Errorf("must be >= 0, got %d", limit))
	}
	if match != "" && !doublestar.ValidatePattern(match) {
		return exitError(exitInvalidArgument, "Invalid --match", fmt.Errorf("bad glob pattern %q", match))
	}
	opts := instancestore.ListOptions{Flow: flowName, RunID: runID}
	if roleName != "" {
		role, err := instance.ParseRole(roleName)
		if err != nil {
			return exitError(exitInvalidArgument, "Invalid --role", err)
		}
		opts.Role = role
	}
	// The glob filter runs after the store query, so the limit is applied here.
	if match == "" {
		opts.Limit = limit
	}

	format, err := resolveFormat(cmd)
	if err != nil {
		return err
	}

	store, err := rt.openStore(ctx)
	if err != nil {
		return exitError(exitServiceUnavailable, "Failed to open instance store", err)
	}
	insts, err := store.List(ctx, opts)
	if err != nil {
		return exitError(exitFileReadError, "Failed to list instances", err)
	}

	recs := make([]*output.InstanceRecord, 0, len(insts))
	for _, inst := range insts {
		if match != "" {
			ok, err := doublestar.Match(match, inst.ID)
			if err != nil || !ok {
				continue
			}
		}
		recs = append(recs, output.NewInstanceRecord(inst, rt.knownFlow(inst.Flow)))
		if limit > 0 && len(recs) == limit {
			break
		}
	}
	observability.CLILogger.Debug("Listed instances", zap.Int("count", len(recs)))

	if format == formatTable {
		renderInstances(cmd.OutOrStdout(), recs)
		return nil
	}
	w := output.NewJSONLWriter(cmd.OutOrStdout())
	for _, r := range recs {
		if err := w.WriteInstance(ctx, r); err != nil {
			return exitError(exitFileWriteError, "Failed to write output", err)
		}
	}
	return nil
}

func runInstanceStatus(cmd *cobra.Command, args []string) error {
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

	format, err := resolveFormat(cmd)
	if err != nil {
		return err
	}
	store, err := rt.openStore(ctx)
	if err != nil {
		return exitError(exitServiceUnavailable, "Failed to open instance store", err)
	}
	inst, err := store.Get(ctx, args[0])
	if err != nil {
		return exitError(exitCodeFor(err), "Failed to load instance", err)
	}

	rec := output.NewInstanceRecord(inst, rt.knownFlow(inst.Flow))
	if format == formatTable {
		renderInstanceDetail(cmd.OutOrStdout(), rec)
		return nil
	}
	return output.NewJSONLWriter(cmd.OutOrStdout()).WriteInstance(ctx, rec)
}
