package cmd

import (
	"fmt"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/goosewin/servebatch/internal/client"
	"github.com/goosewin/servebatch/internal/config"
	"github.com/goosewin/servebatch/internal/dialect"
)

var (
	checkHost     string
	checkModel    string
	checkSkipTest bool
	checkTimeout  time.Duration
	checkAPIType  string
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Detect the model server and list its models",
	Args:  cobra.NoArgs,
	RunE:  runCheck,
}

func init() {
	checkCmd.Flags().StringVar(&checkHost, "host", "", "Model server host:port")
	checkCmd.Flags().StringVarP(&checkModel, "model", "m", "", "Model to test")
	checkCmd.Flags().BoolVar(&checkSkipTest, "skip-model-test", false, "Only detect the server and list models")
	checkCmd.Flags().DurationVar(&checkTimeout, "probe-timeout", 0, "Server detection timeout (default 5s)")
	checkCmd.Flags().StringVar(&checkAPIType, "api-type", "auto", "Server API (auto, llamafile, ollama)")
	rootCmd.AddCommand(checkCmd)
}

func runCheck(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	flags := cmd.Flags()

	host := config.GetString("defaults.host", "localhost:11434")
	if flags.Changed("host") && strings.TrimSpace(checkHost) != "" {
		host = strings.TrimSpace(checkHost)
	}
	model := config.GetString("defaults.model", "llama3.2")
	if flags.Changed("model") && strings.TrimSpace(checkModel) != "" {
		model = strings.TrimSpace(checkModel)
	}
	probeTimeout := config.GetDuration("defaults.probe_timeout", dialect.DefaultProbeTimeout)
	if flags.Changed("probe-timeout") {
		if err := positiveDuration("probe-timeout", checkTimeout); err != nil {
			return err
		}
		probeTimeout = checkTimeout
	}
	kind, err := parseAPIType(checkAPIType)
	if err != nil {
		return err
	}

	c := client.New(client.Options{BaseURL: host, Model: model, ProbeTimeout: probeTimeout, Kind: kind})
	ctx := cmd.Context()

	if !c.Reachable(ctx) {
		color.New(color.FgRed).Fprintf(out, "✗ No supported server at %s\n", c.BaseURL())
		return fmt.Errorf("server unreachable at %s", c.BaseURL())
	}
	color.New(color.FgGreen).Fprintf(out, "✓ %s server at %s\n", c.Kind(), c.BaseURL())

	models, err := c.Models(ctx)
	if err != nil {
		color.New(color.FgYellow).Fprintf(out, "Warning: Could not retrieve available models: %v\n", err)
	} else {
		tbl := newTable()
		tbl.AppendHeader(table.Row{"MODEL", "SELECTED"})
		for _, ref := range models {
			selected := ""
			if dialect.ContainsModel([]dialect.ModelRef{ref}, model) {
				selected = "*"
			}
			tbl.AppendRow(table.Row{ref.String(), selected})
		}
		tbl.AppendFooter(table.Row{fmt.Sprintf("Total: %d models", len(models)), ""})
		fmt.Fprintln(out, tbl.Render())
		if !dialect.ContainsModel(models, model) {
			color.New(color.FgYellow).Fprintf(out, "Warning: Model '%s' not found in available models.\n", model)
		}
	}

	if checkSkipTest {
		return nil
	}
	response, err := c.TestModel(ctx)
	if err != nil {
		color.New(color.FgRed).Fprintf(out, "✗ Model test failed: %s\n", response)
		return err
	}
	color.New(color.FgGreen).Fprintf(out, "✓ Model test successful: %s\n", previewText(response, 50))
	return nil
}

func newTable() table.Writer {
	tbl := table.NewWriter()
	tbl.SetStyle(table.StyleLight)
	tbl.Style().Options.SeparateRows = false
	tbl.Style().Options.SeparateColumns = false
	tbl.Style().Options.DrawBorder = false
	tbl.Style().Options.SeparateHeader = false
	return tbl
}
