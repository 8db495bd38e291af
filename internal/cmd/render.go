package cmd

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/3leaps/pcflow/pkg/output"
)

// Output formats accepted by --format.
const (
	formatAuto  = "auto"
	formatTable = "table"
	formatJSONL = "jsonl"
)

func addFormatFlag(cmd *cobra.Command) {
	cmd.Flags().String("format", formatAuto, "Output format: auto, table or jsonl (auto = table on a terminal)")
}

// resolveFormat picks the output format. auto renders tables only when
// stdout is a terminal so pipes get JSONL.
func resolveFormat(cmd *cobra.Command) (string, error) {
	format, _ := cmd.Flags().GetString("format")
	switch strings.ToLower(format) {
	case "", formatAuto:
		if isTerminal(cmd.OutOrStdout()) {
			return formatTable, nil
		}
		return formatJSONL, nil
	case formatTable, formatJSONL:
		return strings.ToLower(format), nil
	default:
		return "", exitError(exitInvalidArgument, "Invalid --format value", fmt.Errorf("unsupported format: %s", format))
	}
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

func newTable(w io.Writer, header ...any) table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row(header))
	return t
}

func dash(s string) string {
	if strings.TrimSpace(s) == "" {
		return "-"
	}
	return s
}

func renderInstances(w io.Writer, recs []*output.InstanceRecord) {
	t := newTable(w, "INSTANCE ID", "FLOW", "ROLE", "STATUS", "STAGE", "JOINT", "RETRIES", "UPDATED")
	for _, r := range recs {
		joint := ""
		if r.Joint {
			joint = "yes"
		}
		t.AppendRow(table.Row{
			r.ID, r.Flow, r.Role, r.Status, dash(r.Stage), dash(joint), r.RetryCounter,
			r.StatusUpdatedAt.UTC().Format("2006-01-02 15:04:05"),
		})
	}
	t.Render()
}

func renderInstanceDetail(w io.Writer, r *output.InstanceRecord) {
	t := newTable(w, "FIELD", "VALUE")
	t.AppendRows([]table.Row{
		{"Instance ID", r.ID},
		{"Flow", r.Flow},
		{"Role", r.Role},
		{"Status", r.Status},
		{"Stage", dash(r.Stage)},
		{"Phase", dash(string(r.Phase))},
		{"Joint", r.Joint},
		{"Retry counter", r.RetryCounter},
		{"Run ID", r.RunID},
		{"Status updated", r.StatusUpdatedAt.UTC().Format("2006-01-02 15:04:05")},
		{"Created", r.CreatedAt.UTC().Format("2006-01-02 15:04:05")},
	})
	t.Render()

	if len(r.Jobs) == 0 {
		return
	}
	jobs := newTable(w, "JOB ID", "STATUS", "ADDRESS")
	for _, j := range r.Jobs {
		jobs.AppendRow(table.Row{j.ID, j.Status, dash(j.Address)})
	}
	jobs.Render()
}

func renderFlow(w io.Writer, r *output.FlowRecord) {
	t := newTable(w, "#", "STAGE", "INITIALIZED", "STARTED", "COMPLETED", "FAILED", "JOINT", "TIMEOUT")
	t.SetTitle(r.Name)
	for i, s := range r.Stages {
		joint := ""
		if s.Joint {
			joint = "yes"
		}
		t.AppendRow(table.Row{i + 1, s.Name, s.Initialized, s.Started, s.Completed, s.Failed, dash(joint), s.Timeout})
	}
	t.Render()
}
