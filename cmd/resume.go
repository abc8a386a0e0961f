package cmd

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/goosewin/servebatch/internal/checkpoint"
	"github.com/goosewin/servebatch/internal/config"
	"github.com/goosewin/servebatch/internal/dialect"
	"github.com/goosewin/servebatch/internal/sink"
)

var resumeFlags batchFlags

var resumeCmd = &cobra.Command{
	Use:   "resume [checkpoint]",
	Short: "Continue an interrupted run from its checkpoint",
	Long: "Resume reads a checkpoint file and continues the run it describes. The output file, " +
		"output mode, model and server API recorded in the checkpoint are reused unless a flag " +
		"overrides them.",
	Args: cobra.MaximumNArgs(1),
	RunE: runResume,
}

func init() {
	addBatchFlags(resumeCmd, &resumeFlags)
	rootCmd.AddCommand(resumeCmd)
}

func runResume(cmd *cobra.Command, args []string) error {
	path := config.GetString("defaults.checkpoint", "results.checkpoint.json")
	if cmd.Flags().Changed("checkpoint") && strings.TrimSpace(resumeFlags.checkpoint) != "" {
		path = strings.TrimSpace(resumeFlags.checkpoint)
	}
	if len(args) > 0 {
		path = args[0]
	}

	state, err := checkpoint.Read(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("no checkpoint found at %s", path)
		}
		return err
	}
	if state.Complete() {
		fmt.Fprintf(cmd.OutOrStdout(), "Checkpoint %s is complete (%d/%d rows). Nothing to resume.\n",
			path, state.LastAbsoluteIndex, state.TotalRows)
		return nil
	}

	settings, err := resolveRunSettings(cmd, &resumeFlags)
	if err != nil {
		return err
	}
	applyCheckpoint(cmd, &settings, path, state)
	return executeRun(cmd, settings)
}

// applyCheckpoint fills settings a flag did not set from the checkpoint.
func applyCheckpoint(cmd *cobra.Command, settings *runSettings, path string, state checkpoint.State) {
	flags := cmd.Flags()
	settings.Checkpoint = path
	settings.Resume = true

	if !flags.Changed("output") && state.OutputFile != "" {
		settings.Output = state.OutputFile
	}
	if !flags.Changed("output-mode") {
		if mode, err := sink.ParseMode(state.OutputMode); err == nil && mode != "" {
			settings.Mode = mode
		}
	}
	if !flags.Changed("model") && state.ModelName != "" {
		settings.Model = state.ModelName
	}
	if !flags.Changed("api-type") {
		settings.Kind = dialect.ParseKind(state.APIType)
	}
}
