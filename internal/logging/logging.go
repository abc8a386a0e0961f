// Package logging configures the process-wide slog logger.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
)

const (
	FormatText = "text"
	FormatJSON = "json"
)

// Options selects the level, format and optional log file.
type Options struct {
	Level  string
	Format string
	// File, when set, receives a copy of every record.
	File string
	// RetainDays removes rotated copies of File older than this many days.
	RetainDays int
	// Stderr defaults to os.Stderr.
	Stderr io.Writer
}

// ParseLevel accepts debug, info, warn/warning and error.
func ParseLevel(value string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", value)
	}
}

// Setup builds a logger for opts and installs it as the slog default. The
// returned closer releases the log file and is safe to call when none is open.
func Setup(opts Options) (*slog.Logger, io.Closer, error) {
	level, err := ParseLevel(opts.Level)
	if err != nil {
		return nil, nopCloser{}, err
	}

	var writer io.Writer = os.Stderr
	if opts.Stderr != nil {
		writer = opts.Stderr
	}

	var closer io.Closer = nopCloser{}
	if strings.TrimSpace(opts.File) != "" {
		RotateLogFile(opts.File, time.Now())
		file, err := openLogFile(opts.File)
		if err != nil {
			return nil, nopCloser{}, err
		}
		if opts.RetainDays > 0 {
			CleanupOldLogs(opts.File, opts.RetainDays)
		}
		writer = io.MultiWriter(writer, file)
		closer = file
	}

	handlerOpts := &slog.HandlerOptions{Level: level}
	var inner slog.Handler
	switch strings.ToLower(strings.TrimSpace(opts.Format)) {
	case "", FormatText:
		inner = slog.NewTextHandler(writer, handlerOpts)
	case FormatJSON:
		inner = slog.NewJSONHandler(writer, handlerOpts)
	default:
		_ = closer.Close()
		return nil, nopCloser{}, fmt.Errorf("unknown log format %q", opts.Format)
	}

	logger := slog.New(&traceHandler{inner: inner})
	slog.SetDefault(logger)
	return logger, closer, nil
}

// WithRunID tags logger with a fresh run identifier.
func WithRunID(logger *slog.Logger) (*slog.Logger, string) {
	if logger == nil {
		logger = slog.Default()
	}
	id := uuid.NewString()
	return logger.With("run_id", id), id
}

// rotatedDate is the date layout embedded in rotated log names.
const rotatedDate = "2006-01-02"

// RotateLogFile renames path to <stem>.<date><ext> when it was last written
// on an earlier day than now. Empty files and name clashes are left alone.
func RotateLogFile(path string, now time.Time) {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() || info.Size() == 0 {
		return
	}
	modified := info.ModTime()
	if modified.Format(rotatedDate) == now.Format(rotatedDate) {
		return
	}
	target := rotatedName(path, modified)
	if _, err := os.Stat(target); err == nil {
		return
	}
	_ = os.Rename(path, target)
}

// CleanupOldLogs deletes rotated copies of path (<stem>.<date><ext>) not
// modified within retainDays. Other files in the directory are never touched.
func CleanupOldLogs(path string, retainDays int) {
	if retainDays <= 0 || strings.TrimSpace(path) == "" {
		return
	}
	dir := filepath.Dir(path)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	cutoff := time.Now().Add(-time.Duration(retainDays) * 24 * time.Hour)
	for _, entry := range entries {
		if entry.IsDir() || !isRotatedName(path, entry.Name()) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			_ = os.Remove(filepath.Join(dir, entry.Name()))
		}
	}
}

func rotatedName(path string, day time.Time) string {
	base := filepath.Base(path)
	ext := filepath.Ext(base)
	stem := strings.TrimSuffix(base, ext)
	return filepath.Join(filepath.Dir(path), stem+"."+day.Format(rotatedDate)+ext)
}

func isRotatedName(path, name string) bool {
	base := filepath.Base(path)
	ext := filepath.Ext(base)
	prefix := strings.TrimSuffix(base, ext) + "."
	if !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, ext) {
		return false
	}
	middle := strings.TrimSuffix(strings.TrimPrefix(name, prefix), ext)
	_, err := time.Parse(rotatedDate, middle)
	return err == nil
}

func openLogFile(path string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	return file, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// traceHandler adds trace_id and span_id from the record's context.
type traceHandler struct {
	inner slog.Handler
}

func (h *traceHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *traceHandler) Handle(ctx context.Context, record slog.Record) error {
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		record.AddAttrs(
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	return h.inner.Handle(ctx, record)
}

func (h *traceHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &traceHandler{inner: h.inner.WithAttrs(attrs)}
}

func (h *traceHandler) WithGroup(name string) slog.Handler {
	return &traceHandler{inner: h.inner.WithGroup(name)}
}
