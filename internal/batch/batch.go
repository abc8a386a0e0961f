// Package batch drives a CSV through a model server one row at a time,
// persisting results and a resume checkpoint as it goes.
package batch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/goosewin/servebatch/internal/checkpoint"
	"github.com/goosewin/servebatch/internal/client"
	"github.com/goosewin/servebatch/internal/dialect"
	"github.com/goosewin/servebatch/internal/metrics"
	"github.com/goosewin/servebatch/internal/sink"
)

const DefaultSaveEvery = 50

// ErrOutputCorrupt reports a batch output file that no longer parses while
// the checkpoint says rows were already processed.
var ErrOutputCorrupt = errors.New("output file is corrupt")

var tracer = otel.Tracer("github.com/goosewin/servebatch/internal/batch")

// CorruptPolicy decides what happens when a batch output file fails to parse
// on resume.
type CorruptPolicy string

const (
	// CorruptFail aborts the run before anything is written.
	CorruptFail CorruptPolicy = "fail"
	// CorruptReset drops the unreadable results and starts the array empty.
	CorruptReset CorruptPolicy = "reset"
)

// ParseCorruptPolicy validates a policy name. Empty means CorruptFail.
func ParseCorruptPolicy(name string) (CorruptPolicy, error) {
	switch CorruptPolicy(strings.ToLower(strings.TrimSpace(name))) {
	case "", CorruptFail:
		return CorruptFail, nil
	case CorruptReset:
		return CorruptReset, nil
	default:
		return "", fmt.Errorf("unknown on-corrupt policy %q (want fail or reset)", name)
	}
}

// Sender sends one row and reports which server and model it talks to.
type Sender interface {
	Send(ctx context.Context, text string, timeout time.Duration) string
	Kind() dialect.Kind
	Model() string
}

type Options struct {
	CSVPath        string
	OutputPath     string
	CheckpointPath string
	SaveEvery      int
	Resume         bool
	// Mode overrides the output format derived from OutputPath.
	Mode      sink.Mode
	Timeout   time.Duration
	OnCorrupt CorruptPolicy
	// Out receives operator-facing progress lines.
	Out    io.Writer
	Logger *slog.Logger
}

// Report summarises one invocation. Results holds only rows processed by it.
type Report struct {
	Results     []sink.Result
	TotalRows   int
	Skipped     int
	Processed   int
	Errors      int
	LastIndex   int
	Mode        sink.Mode
	Duration    time.Duration
	Interrupted bool
}

// Run processes every row of opts.CSVPath not covered by the checkpoint.
// A missing or unreadable CSV, or a corrupt batch output under CorruptFail,
// aborts before any file is written. Cancellation is honoured between rows;
// the row in flight always completes.
func Run(ctx context.Context, sender Sender, opts Options) (Report, error) {
	start := time.Now()
	report := Report{}

	if sender == nil {
		return report, errors.New("sender is required")
	}
	if strings.TrimSpace(opts.CSVPath) == "" {
		return report, fmt.Errorf("%w: csv path is required", ErrCSVRead)
	}
	if opts.SaveEvery <= 0 {
		opts.SaveEvery = DefaultSaveEvery
	}
	if opts.OnCorrupt == "" {
		opts.OnCorrupt = CorruptFail
	}
	out := opts.Out
	if out == nil {
		out = io.Discard
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	mode := sink.ResolveMode(opts.Mode, opts.OutputPath)
	report.Mode = mode

	ctx, span := tracer.Start(ctx, "batch.run", trace.WithAttributes(
		attribute.String("batch.csv", opts.CSVPath),
		attribute.String("batch.output_mode", string(mode)),
		attribute.String("batch.api_type", sender.Kind().String()),
		attribute.String("batch.model", sender.Model()),
	))
	defer span.End()

	rows, err := ReadRows(opts.CSVPath)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "csv read failed")
		return report, err
	}
	report.TotalRows = len(rows)
	metrics.TotalRows.Set(float64(len(rows)))

	state := checkpoint.State{}
	resumed := false
	if opts.Resume && opts.CheckpointPath != "" {
		if loaded, ok := checkpoint.Load(opts.CheckpointPath); ok {
			state.LastAbsoluteIndex = loaded.LastAbsoluteIndex
			state.ProcessedCount = loaded.ProcessedCount
			resumed = true
			fmt.Fprintf(out, "Resuming from checkpoint at absolute row %d (%d/%d processed).\n",
				state.LastAbsoluteIndex, state.ProcessedCount, len(rows))
		}
	}

	var prior []sink.Result
	if mode == sink.ModeJSON && opts.OutputPath != "" {
		prior, err = sink.LoadBatch(opts.OutputPath)
		if err != nil {
			if resumed && state.ProcessedCount > 0 && opts.OnCorrupt == CorruptFail {
				err = fmt.Errorf("%w: %w (checkpoint reports %d processed rows; fix or remove the file, or rerun with --on-corrupt reset)",
					ErrOutputCorrupt, err, state.ProcessedCount)
				span.RecordError(err)
				span.SetStatus(codes.Error, "output corrupt")
				return report, err
			}
			logger.Warn("discarding unreadable output file", "path", opts.OutputPath, "error", err)
			prior = nil
		}
	}

	s := &session{
		sender: sender,
		opts:   opts,
		out:    out,
		logger: logger,
		state:  state,
		report: &report,
	}
	s.markDurable()
	s.state.TotalRows = len(rows)
	s.state.OutputFile = opts.OutputPath
	s.state.OutputMode = string(mode)
	s.state.ModelName = sender.Model()
	s.state.APIType = sender.Kind().String()
	if opts.OutputPath != "" {
		s.sink = sink.New(mode, opts.OutputPath, prior)
	}

	fmt.Fprintf(out, "Found %d rows to process\n", len(rows))

	var runErr error
	for _, row := range rows {
		if row.Index <= s.state.LastAbsoluteIndex {
			report.Skipped++
			continue
		}
		if err := ctx.Err(); err != nil {
			report.Interrupted = true
			runErr = fmt.Errorf("batch interrupted after row %d: %w", s.state.LastAbsoluteIndex, err)
			break
		}
		s.process(ctx, row)
		s.flush(false)
	}
	metrics.RowsSkipped.Add(float64(report.Skipped))

	s.flush(true)

	report.LastIndex = s.durableIndex
	report.Duration = time.Since(start)

	span.SetAttributes(
		attribute.Int("batch.total_rows", report.TotalRows),
		attribute.Int("batch.processed", report.Processed),
		attribute.Int("batch.errors", report.Errors),
		attribute.Int("batch.skipped", report.Skipped),
	)
	if runErr != nil {
		span.SetStatus(codes.Error, "interrupted")
	}

	logger.Info("batch finished",
		"processed", report.Processed,
		"errors", report.Errors,
		"skipped", report.Skipped,
		"total_rows", report.TotalRows,
		"last_index", report.LastIndex,
		"duration", report.Duration,
	)
	return report, runErr
}

// session carries the mutable counters of one run.
type session struct {
	sender  Sender
	opts    Options
	sink    sink.Sink
	out     io.Writer
	logger  *slog.Logger
	state   checkpoint.State
	report  *Report
	unsaved int

	// durableIndex and durableCount describe the rows known to be on disk.
	// The checkpoint never records more than this.
	durableIndex int
	durableCount int
	// stalled is set once a stream append fails; later rows no longer
	// advance the durable position.
	stalled bool
}

func (s *session) markDurable() {
	s.durableIndex = s.state.LastAbsoluteIndex
	s.durableCount = s.state.ProcessedCount
}

func (s *session) process(ctx context.Context, row Row) {
	ctx, span := tracer.Start(ctx, "batch.row", trace.WithAttributes(
		attribute.Int("row.index", row.Index),
	))
	defer span.End()

	fmt.Fprintf(s.out, "\nProcessing row %d/%d: %s\n", row.Index, s.state.TotalRows, preview(row.Text, 50))

	// The request always runs to its own timeout, even after an interrupt.
	response := s.sender.Send(context.WithoutCancel(ctx), row.Text, s.opts.Timeout)

	result := sink.Result{RowNumber: row.Index, InputText: row.Text, Response: response}
	s.report.Results = append(s.report.Results, result)
	s.report.Processed++
	s.state.ProcessedCount++
	s.state.LastAbsoluteIndex = row.Index
	s.unsaved++

	apiType := s.sender.Kind().String()
	metrics.RowsProcessed.WithLabelValues(apiType).Inc()
	metrics.LastIndex.Set(float64(row.Index))
	if client.IsErrorResponse(response) {
		s.report.Errors++
		metrics.RowsErrored.WithLabelValues(apiType).Inc()
		span.SetStatus(codes.Error, "send failed")
		s.logger.Warn("row failed", "row", row.Index, "response", response)
	}

	if s.sink != nil {
		if err := s.sink.Append(result); err != nil {
			metrics.Flushes.WithLabelValues("output", "error").Inc()
			s.logger.Warn("failed to append result", "row", row.Index, "path", s.sink.Path(),
				"checkpoint_held_at", s.durableIndex, "error", err)
			s.stalled = true
		} else if s.sink.Mode() == sink.ModeJSONL && !s.stalled {
			s.markDurable()
		}
	}

	fmt.Fprintf(s.out, "Response: %s\n", preview(response, 100))
	fmt.Fprintln(s.out, strings.Repeat("-", 50))
}

// flush writes the output then the checkpoint once save_every rows are
// pending, or unconditionally when force is set. The checkpoint only records
// rows whose output reached disk, so a failed output write holds it back.
func (s *session) flush(force bool) {
	if !force && s.unsaved < s.opts.SaveEvery {
		return
	}

	done := true
	switch {
	case s.sink == nil:
		s.markDurable()
	case s.sink.Mode() == sink.ModeJSON:
		if err := s.sink.Flush(); err != nil {
			metrics.Flushes.WithLabelValues("output", "error").Inc()
			s.logger.Warn("failed to save results", "path", s.sink.Path(),
				"checkpoint_held_at", s.durableIndex, "error", err)
			done = false
		} else {
			metrics.Flushes.WithLabelValues("output", "ok").Inc()
			s.markDurable()
			fmt.Fprintf(s.out, "Results saved to: %s\n", s.sink.Path())
		}
	}

	if s.opts.CheckpointPath != "" {
		saved := s.state
		saved.LastAbsoluteIndex = s.durableIndex
		saved.ProcessedCount = s.durableCount
		if err := checkpoint.Save(s.opts.CheckpointPath, saved); err != nil {
			metrics.Flushes.WithLabelValues("checkpoint", "error").Inc()
			s.logger.Warn("failed to save checkpoint", "path", s.opts.CheckpointPath, "error", err)
			return
		}
		metrics.Flushes.WithLabelValues("checkpoint", "ok").Inc()
		label := "Checkpoint"
		if force {
			label = "Final checkpoint"
		}
		fmt.Fprintf(s.out, "%s saved at absolute row %d (%d/%d).\n",
			label, saved.LastAbsoluteIndex, saved.ProcessedCount, saved.TotalRows)
	}

	if done {
		s.unsaved = 0
	}
}

func preview(text string, limit int) string {
	if utf8.RuneCountInString(text) <= limit {
		return text + "..."
	}
	runes := []rune(text)
	return string(runes[:limit]) + "..."
}
