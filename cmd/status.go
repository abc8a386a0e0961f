package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/goosewin/servebatch/internal/client"
	"github.com/goosewin/servebatch/internal/config"
	"github.com/goosewin/servebatch/internal/fileutil"
	"github.com/goosewin/servebatch/internal/server"
	"github.com/goosewin/servebatch/internal/sink"
)

var (
	statusErrors bool
	statusJSON   bool
)

var statusCmd = &cobra.Command{
	Use:   "status [checkpoint...]",
	Short: "Show progress recorded in checkpoint files",
	RunE:  runStatus,
}

func init() {
	statusCmd.Flags().BoolVar(&statusErrors, "errors", false, "List rows whose response is an error")
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "Print status as JSON")
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	paths := checkpointPaths(args)

	statuses := make([]server.CheckpointStatus, 0, len(paths))
	for _, path := range paths {
		statuses = append(statuses, server.Describe(path, statusErrors))
	}

	if statusJSON {
		encoder := json.NewEncoder(out)
		encoder.SetIndent("", "  ")
		return encoder.Encode(statuses)
	}

	readable := 0
	tbl := newTable()
	tbl.AppendHeader(table.Row{"NAME", "ROWS", "PROCESSED", "REMAINING", "%", "MODEL", "API", "OUTPUT", "UPDATED"})
	for _, status := range statuses {
		if !status.Readable {
			continue
		}
		readable++
		state := status.State
		tbl.AppendRow(table.Row{
			status.Name,
			humanize.Comma(int64(state.TotalRows)),
			humanize.Comma(int64(state.ProcessedCount)),
			humanize.Comma(int64(status.Remaining)),
			fmt.Sprintf("%.1f", status.Percent),
			state.ModelName,
			state.APIType,
			outputSize(state.OutputFile),
			updatedAt(status),
		})
	}

	if readable == 0 {
		fmt.Fprintln(out, "No checkpoints found")
		fmt.Fprintln(out, "Start a new run with: servebatch run --csv <file>")
		return nil
	}
	fmt.Fprintln(out, tbl.Render())

	for _, status := range statuses {
		if !status.Readable && fileutil.Exists(status.Path) {
			color.New(color.FgYellow).Fprintf(out, "Warning: %s: %s\n", status.Path, status.Error)
		}
	}

	if statusErrors {
		for _, status := range statuses {
			if status.Readable {
				printErrorRows(out, status)
			}
		}
	}

	fmt.Fprintln(out, "")
	fmt.Fprintln(out, "Commands: servebatch resume <checkpoint>, servebatch logs")
	return nil
}

// checkpointPaths returns args, else the configured server checkpoints, else
// the default checkpoint.
func checkpointPaths(args []string) []string {
	if len(args) > 0 {
		return args
	}
	if paths := config.GetList("server.checkpoints"); len(paths) > 0 {
		return paths
	}
	return []string{config.GetString("defaults.checkpoint", "results.checkpoint.json")}
}

func printErrorRows(out io.Writer, status server.CheckpointStatus) {
	state := status.State
	mode := sink.ResolveMode(sink.Mode(state.OutputMode), state.OutputFile)
	results, err := sink.ReadAll(mode, state.OutputFile)
	if err != nil {
		color.New(color.FgYellow).Fprintf(out, "\nWarning: cannot read %s: %v\n", state.OutputFile, err)
		return
	}

	fmt.Fprintf(out, "\nError rows in %s:\n", state.OutputFile)
	tbl := newTable()
	tbl.AppendHeader(table.Row{"ROW", "INPUT", "RESPONSE"})
	count := 0
	for _, result := range results {
		if !client.IsErrorResponse(result.Response) {
			continue
		}
		count++
		tbl.AppendRow(table.Row{result.RowNumber, previewText(result.InputText, 40), result.Response})
	}
	if count == 0 {
		fmt.Fprintln(out, "  none")
		return
	}
	tbl.AppendFooter(table.Row{fmt.Sprintf("Total: %d rows", count), "", ""})
	fmt.Fprintln(out, tbl.Render())
}

func outputSize(path string) string {
	if path == "" {
		return "-"
	}
	info, err := os.Stat(path)
	if err != nil {
		return "missing"
	}
	return humanize.Bytes(uint64(info.Size()))
}

func updatedAt(status server.CheckpointStatus) string {
	if status.UpdatedAt == nil {
		return "?"
	}
	return humanize.Time(*status.UpdatedAt)
}
