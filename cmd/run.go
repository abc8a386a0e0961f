package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/goosewin/servebatch/internal/batch"
	"github.com/goosewin/servebatch/internal/client"
	"github.com/goosewin/servebatch/internal/config"
	"github.com/goosewin/servebatch/internal/dialect"
	"github.com/goosewin/servebatch/internal/logging"
	"github.com/goosewin/servebatch/internal/metrics"
	"github.com/goosewin/servebatch/internal/notify"
	"github.com/goosewin/servebatch/internal/sink"
)

// batchFlags backs the flags shared by run and resume.
type batchFlags struct {
	host          string
	model         string
	apiType       string
	csv           string
	output        string
	checkpoint    string
	saveEvery     int
	fresh         bool
	outputMode    string
	timeout       time.Duration
	probeTimeout  time.Duration
	skipModelTest bool
	onCorrupt     string
	webhook       string
	metricsFile   string
}

// runSettings is a fully resolved batch invocation.
type runSettings struct {
	Host          string
	Model         string
	Kind          dialect.Kind
	CSV           string
	Output        string
	Checkpoint    string
	SaveEvery     int
	Resume        bool
	Mode          sink.Mode
	Timeout       time.Duration
	ProbeTimeout  time.Duration
	SkipModelTest bool
	OnCorrupt     batch.CorruptPolicy
	Webhook       string
	MetricsFile   string
}

var runFlags batchFlags

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Send every CSV row to the model server",
	Long: "Run reads the CSV, sends the first field of each non-blank row to the model server " +
		"and records the responses. Progress is checkpointed so an interrupted run resumes " +
		"where it stopped unless --fresh is given.",
	Args: cobra.NoArgs,
	RunE: runRun,
}

func init() {
	addBatchFlags(runCmd, &runFlags)
	runCmd.Flags().BoolVar(&runFlags.fresh, "fresh", false, "Ignore any existing checkpoint")
	rootCmd.AddCommand(runCmd)
}

func addBatchFlags(cmd *cobra.Command, f *batchFlags) {
	flags := cmd.Flags()
	flags.StringVar(&f.host, "host", "", "Model server host:port (default localhost:11434)")
	flags.StringVarP(&f.model, "model", "m", "", "Model name (default llama3.2)")
	flags.StringVar(&f.apiType, "api-type", "auto", "Server API (auto, llamafile, ollama)")
	flags.StringVar(&f.csv, "csv", "", "Input CSV file (default sample_data.csv)")
	flags.StringVarP(&f.output, "output", "o", "", "Output file (default results.json)")
	flags.StringVar(&f.checkpoint, "checkpoint", "", "Checkpoint file (default results.checkpoint.json)")
	flags.IntVar(&f.saveEvery, "save-every", 0, "Flush results and checkpoint every N rows (default 50)")
	flags.StringVar(&f.outputMode, "output-mode", "", "Output format: json or jsonl (default from extension)")
	flags.DurationVar(&f.timeout, "timeout", 0, "Per-request timeout (default 120s)")
	flags.DurationVar(&f.probeTimeout, "probe-timeout", 0, "Server detection timeout (default 5s)")
	flags.BoolVar(&f.skipModelTest, "skip-model-test", false, "Skip the test request before processing")
	flags.StringVar(&f.onCorrupt, "on-corrupt", "", "Unreadable JSON output on resume: fail or reset")
	flags.StringVar(&f.webhook, "webhook", "", "Notification webhook URL")
	flags.StringVar(&f.metricsFile, "metrics-file", "", "Write Prometheus textfile metrics here after the run")
}

func runRun(cmd *cobra.Command, args []string) error {
	settings, err := resolveRunSettings(cmd, &runFlags)
	if err != nil {
		return err
	}
	return executeRun(cmd, settings)
}

// resolveRunSettings merges flags over configuration over built-in defaults.
func resolveRunSettings(cmd *cobra.Command, f *batchFlags) (runSettings, error) {
	flags := cmd.Flags()
	pick := func(name, value, key, fallback string) string {
		if flags.Changed(name) && strings.TrimSpace(value) != "" {
			return strings.TrimSpace(value)
		}
		return config.GetString(key, fallback)
	}

	settings := runSettings{
		Host:          pick("host", f.host, "defaults.host", "localhost:11434"),
		Model:         pick("model", f.model, "defaults.model", "llama3.2"),
		CSV:           pick("csv", f.csv, "defaults.csv", "sample_data.csv"),
		Output:        pick("output", f.output, "defaults.output", "results.json"),
		Checkpoint:    pick("checkpoint", f.checkpoint, "defaults.checkpoint", "results.checkpoint.json"),
		SaveEvery:     config.GetInt("defaults.save_every", batch.DefaultSaveEvery),
		Resume:        !f.fresh,
		Timeout:       config.GetDuration("defaults.timeout", client.DefaultTimeout),
		ProbeTimeout:  config.GetDuration("defaults.probe_timeout", dialect.DefaultProbeTimeout),
		SkipModelTest: f.skipModelTest,
		Webhook:       pick("webhook", f.webhook, "notify.webhook", ""),
		MetricsFile:   pick("metrics-file", f.metricsFile, "metrics.textfile", ""),
	}

	if flags.Changed("save-every") {
		if f.saveEvery <= 0 {
			return settings, errors.New("save-every must be a positive integer")
		}
		settings.SaveEvery = f.saveEvery
	}
	if flags.Changed("timeout") {
		if err := positiveDuration("timeout", f.timeout); err != nil {
			return settings, err
		}
		settings.Timeout = f.timeout
	}
	if flags.Changed("probe-timeout") {
		if err := positiveDuration("probe-timeout", f.probeTimeout); err != nil {
			return settings, err
		}
		settings.ProbeTimeout = f.probeTimeout
	}

	mode, err := sink.ParseMode(pick("output-mode", f.outputMode, "defaults.output_mode", ""))
	if err != nil {
		return settings, err
	}
	settings.Mode = mode

	policy, err := batch.ParseCorruptPolicy(pick("on-corrupt", f.onCorrupt, "output.on_corrupt", string(batch.CorruptFail)))
	if err != nil {
		return settings, err
	}
	settings.OnCorrupt = policy

	kind, err := parseAPIType(f.apiType)
	if err != nil {
		return settings, err
	}
	settings.Kind = kind

	return settings, nil
}

// parseAPIType maps "auto" (or empty) to KindUnknown, which triggers detection.
func parseAPIType(name string) (dialect.Kind, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" || name == "auto" {
		return dialect.KindUnknown, nil
	}
	if kind := dialect.ParseKind(name); kind != dialect.KindUnknown {
		return kind, nil
	}
	names := []string{"auto"}
	for _, kind := range dialect.Kinds() {
		names = append(names, kind.String())
	}
	return dialect.KindUnknown, fmt.Errorf("unknown api type %q (want one of %s)", name, strings.Join(names, ", "))
}

func positiveDuration(flag string, value time.Duration) error {
	if value <= 0 {
		return fmt.Errorf("%s must be positive", flag)
	}
	return nil
}

func executeRun(cmd *cobra.Command, settings runSettings) error {
	out := cmd.OutOrStdout()
	logger, runID := logging.WithRunID(slog.Default())

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c := client.New(client.Options{
		BaseURL:      settings.Host,
		Model:        settings.Model,
		Timeout:      settings.Timeout,
		ProbeTimeout: settings.ProbeTimeout,
		Kind:         settings.Kind,
	})

	summary := notify.Summary{
		RunID:   runID,
		CSVPath: settings.CSV,
		Output:  settings.Output,
		Model:   settings.Model,
	}

	if err := preflight(ctx, out, c, settings); err != nil {
		summary.APIType = c.Kind().String()
		sendFailure(ctx, logger, settings.Webhook, notify.ReasonUnreachable, err, summary)
		return err
	}
	summary.APIType = c.Kind().String()

	logger.Info("starting batch",
		"csv", settings.CSV,
		"output", settings.Output,
		"checkpoint", settings.Checkpoint,
		"model", settings.Model,
		"api_type", c.Kind().String(),
		"resume", settings.Resume,
	)
	fmt.Fprintf(out, "\nProcessing CSV file: %s\n", settings.CSV)

	report, runErr := batch.Run(ctx, c, batch.Options{
		CSVPath:        settings.CSV,
		OutputPath:     settings.Output,
		CheckpointPath: settings.Checkpoint,
		SaveEvery:      settings.SaveEvery,
		Resume:         settings.Resume,
		Mode:           settings.Mode,
		Timeout:        settings.Timeout,
		OnCorrupt:      settings.OnCorrupt,
		Out:            out,
		Logger:         logger,
	})

	if settings.MetricsFile != "" {
		if err := metrics.WriteTextfile(settings.MetricsFile); err != nil {
			logger.Warn("could not write metrics textfile", "path", settings.MetricsFile, "error", err)
		}
	}

	summary.Processed = report.Processed
	summary.Errors = report.Errors
	summary.Skipped = report.Skipped
	summary.TotalRows = report.TotalRows
	summary.LastIndex = report.LastIndex
	summary.Duration = report.Duration

	printReport(out, report, settings)

	if runErr != nil {
		if errors.Is(runErr, context.Canceled) {
			sendFailure(context.WithoutCancel(ctx), logger, settings.Webhook, notify.ReasonInterrupted, runErr, summary)
			return &exitError{code: 130, err: runErr}
		}
		sendFailure(ctx, logger, settings.Webhook, notify.ReasonError, runErr, summary)
		return runErr
	}

	if settings.Webhook != "" {
		if err := notify.NotifyComplete(ctx, notify.CompleteOptions{WebhookURL: settings.Webhook, Summary: summary}); err != nil {
			logger.Warn("completion webhook failed", "error", err)
		}
	}
	return nil
}

// preflight checks reachability, lists models and sends a test request.
func preflight(ctx context.Context, out io.Writer, c *client.Client, settings runSettings) error {
	fmt.Fprintf(out, "Checking connection to %s...\n", c.BaseURL())
	if !c.Reachable(ctx) {
		color.New(color.FgRed).Fprintf(out, "Error: Cannot connect to server at %s\n", c.BaseURL())
		fmt.Fprintln(out, "Make sure the server is running.")
		return fmt.Errorf("server unreachable at %s", c.BaseURL())
	}
	color.New(color.FgGreen).Fprintf(out, "✓ Connected to %s server\n", c.Kind())

	models, err := c.Models(ctx)
	switch {
	case err != nil || len(models) == 0:
		color.New(color.FgYellow).Fprintln(out, "Warning: Could not retrieve available models.")
	default:
		fmt.Fprintf(out, "Available models: %s\n", strings.Join(dialect.ModelNames(models), ", "))
		if !dialect.ContainsModel(models, settings.Model) {
			color.New(color.FgYellow).Fprintf(out, "Warning: Model '%s' not found in available models.\n", settings.Model)
			fmt.Fprintln(out, "Use --model <model_name> to specify a different model.")
		}
	}

	if settings.SkipModelTest {
		return nil
	}
	fmt.Fprintln(out, "\nTesting model connection...")
	response, err := c.TestModel(ctx)
	if err != nil {
		color.New(color.FgRed).Fprintf(out, "Model test failed: %s\n", response)
		fmt.Fprintln(out, "Model test failed. Please check:")
		fmt.Fprintln(out, "1. Model is downloaded: ollama pull <model_name>")
		fmt.Fprintln(out, "2. Model name is correct (use --model <name>)")
		fmt.Fprintln(out, "3. Server has enough resources")
		return err
	}
	color.New(color.FgGreen).Fprintf(out, "Model test successful: %s\n", previewText(response, 50))
	return nil
}

func printReport(out io.Writer, report batch.Report, settings runSettings) {
	if report.Processed == 0 && report.Skipped == 0 && report.TotalRows == 0 {
		fmt.Fprintln(out, "\nNo results to process.")
		return
	}

	fmt.Fprintf(out, "\nProcessed %s rows in %s (%s skipped from earlier runs, %s of %s done).\n",
		humanize.Comma(int64(report.Processed)),
		report.Duration.Round(time.Second),
		humanize.Comma(int64(report.Skipped)),
		humanize.Comma(int64(report.LastIndex)),
		humanize.Comma(int64(report.TotalRows)),
	)
	if report.Errors > 0 {
		color.New(color.FgYellow).Fprintf(out, "%s rows returned errors; list them with: servebatch status --errors\n",
			humanize.Comma(int64(report.Errors)))
	}
	if settings.Output != "" && report.Processed > 0 {
		fmt.Fprintf(out, "Results saved to: %s\n", settings.Output)
	}
	if report.Interrupted {
		fmt.Fprintln(out, "Interrupted. Run 'servebatch resume' to continue.")
	}
}

func sendFailure(ctx context.Context, logger *slog.Logger, webhook, reason string, cause error, summary notify.Summary) {
	if webhook == "" {
		return
	}
	err := notify.NotifyFailed(ctx, notify.FailedOptions{
		WebhookURL:    webhook,
		FailureReason: reason,
		Detail:        cause.Error(),
		Summary:       summary,
	})
	if err != nil {
		logger.Warn("failure webhook failed", "error", err)
	}
}

func previewText(text string, limit int) string {
	runes := []rune(text)
	if len(runes) <= limit {
		return text + "..."
	}
	return string(runes[:limit]) + "..."
}
