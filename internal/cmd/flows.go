package cmd

import (
	"github.com/spf13/cobra"

	"github.com/3leaps/pcflow/pkg/output"
)

var flowsCmd = &cobra.Command{
	Use:   "flows",
	Short: "Inspect stage flows",
	Long: `Inspect the stage flows known to pcflow: the built-in flows plus any
definition files listed under flows.definitions in the config.`,
}

var flowsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stage flows",
	RunE:  runFlowsList,
}

var flowsShowCmd = &cobra.Command{
	Use:   "show <flow>",
	Short: "Show the stages of a flow",
	Args:  cobra.ExactArgs(1),
	RunE:  runFlowsShow,
}

func init() {
	rootCmd.AddCommand(flowsCmd)
	flowsCmd.AddCommand(flowsListCmd)
	flowsCmd.AddCommand(flowsShowCmd)
	addFormatFlag(flowsListCmd)
	addFormatFlag(flowsShowCmd)
}

func runFlowsList(cmd *cobra.Command, _ []string) error {
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

	var recs []*output.FlowRecord
	for _, name := range rt.flows.Names() {
		f, err := rt.flows.Get(name)
		if err != nil {
			return err
		}
		recs = append(recs, output.NewFlowRecord(f))
	}

	if format == formatTable {
		t := newTable(cmd.OutOrStdout(), "FLOW", "STAGES", "DEFAULT")
		for _, r := range recs {
			def := ""
			if r.Name == cfg.Flows.Default {
				def = "*"
			}
			t.AppendRow([]any{r.Name, len(r.Stages), def})
		}
		t.Render()
		return nil
	}

	w := output.NewJSONLWriter(cmd.OutOrStdout())
	for _, r := range recs {
		if err := w.WriteFlow(cmd.Context(), r); err != nil {
			return exitError(exitFileWriteError, "Failed to write output", err)
		}
	}
	return nil
}

func runFlowsShow(cmd *cobra.Command, args []string) error {
	cfg, err := currentConfig()
	if err != nil {
		return err
	}
	rt, err := newApp(cfg)
	if err != nil {
		return exitError(exitInvalidArgument, "Invalid flow definitions", err)
	}
	defer rt.Close()

	f, err := rt.flow(args[0])
	if err != nil {
		return exitError(exitInvalidArgument, "Unknown flow", err)
	}
	format, err := resolveFormat(cmd)
	if err != nil {
		return err
	}

	rec := output.NewFlowRecord(f)
	if format == formatTable {
		renderFlow(cmd.OutOrStdout(), rec)
		return nil
	}
	if err := output.NewJSONLWriter(cmd.OutOrStdout()).WriteFlow(cmd.Context(), rec); err != nil {
		return exitError(exitFileWriteError, "Failed to write output", err)
	}
	return nil
}
