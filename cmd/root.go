package cmd

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/goosewin/servebatch/internal/config"
	"github.com/goosewin/servebatch/internal/logging"
)

// Version is overridden at build time via -ldflags.
var Version = "dev"

var (
	rootLogLevel  string
	rootLogFormat string
	rootLogFile   string
	rootEnvFile   string

	logCloser io.Closer
)

var rootCmd = &cobra.Command{
	Use:   "servebatch",
	Short: "Resumable batch inference against a local model server",
	Long: "Servebatch sends every row of a CSV file to a local Ollama or llamafile server, " +
		"records each response and resumes from a checkpoint after interruption.",
	Version:           Version,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: setupRuntime,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&rootLogLevel, "log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&rootLogFormat, "log-format", "", "Log format (text, json)")
	rootCmd.PersistentFlags().StringVar(&rootLogFile, "log-file", "", "Also write logs to this file")
	rootCmd.PersistentFlags().StringVar(&rootEnvFile, "env-file", ".env", "Environment file loaded before configuration")
}

// exitError carries a process exit code through cobra.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }

func (e *exitError) Unwrap() error { return e.err }

// Execute runs the root command.
func Execute() {
	err := rootCmd.Execute()
	if logCloser != nil {
		_ = logCloser.Close()
	}
	if err == nil {
		return
	}

	fmt.Fprintln(os.Stderr, "Error:", err)
	var exitErr *exitError
	if errors.As(err, &exitErr) {
		os.Exit(exitErr.code)
	}
	os.Exit(1)
}

func setupRuntime(cmd *cobra.Command, args []string) error {
	if path := strings.TrimSpace(rootEnvFile); path != "" {
		if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load env file %s: %w", path, err)
		}
	}

	if err := loadConfigForCwd(); err != nil {
		return err
	}

	opts := logging.Options{
		Level:      config.GetString("logging.level", "info"),
		Format:     config.GetString("logging.format", logging.FormatText),
		File:       config.GetString("logging.file", ""),
		RetainDays: config.GetInt("logging.retain_days", 7),
	}
	flags := cmd.Flags()
	if flags.Changed("log-level") {
		opts.Level = rootLogLevel
	}
	if flags.Changed("log-format") {
		opts.Format = rootLogFormat
	}
	if flags.Changed("log-file") {
		opts.File = rootLogFile
	}

	_, closer, err := logging.Setup(opts)
	if err != nil {
		return err
	}
	logCloser = closer
	return nil
}

func loadConfigForCwd() error {
	cwd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("resolve current directory: %w", err)
	}
	_, err = config.LoadConfig(cwd)
	return err
}
