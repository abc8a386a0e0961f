// Package sink stores batch results either as one JSON array rewritten on
// flush or as JSON lines appended per row.
package sink

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/goosewin/servebatch/internal/fileutil"
)

// Mode selects the output format.
type Mode string

const (
	ModeJSON  Mode = "json"
	ModeJSONL Mode = "jsonl"
)

// ErrCorrupt reports an existing batch output file that is not a JSON array.
var ErrCorrupt = errors.New("output file is not a JSON array")

// ErrInvalidMode reports an unrecognised output mode name.
var ErrInvalidMode = errors.New("output mode must be json or jsonl")

// Result is one processed row.
type Result struct {
	RowNumber int    `json:"row_number"`
	InputText string `json:"input_text"`
	Response  string `json:"response"`
}

// ParseMode validates a mode name. The empty string is accepted and means
// "derive from the path".
func ParseMode(name string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(name))) {
	case "":
		return "", nil
	case ModeJSON:
		return ModeJSON, nil
	case ModeJSONL:
		return ModeJSONL, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidMode, name)
	}
}

// ResolveMode returns explicit when set, otherwise jsonl for a .jsonl path and
// json for anything else.
func ResolveMode(explicit Mode, path string) Mode {
	if explicit != "" {
		return explicit
	}
	if strings.EqualFold(filepath.Ext(path), ".jsonl") {
		return ModeJSONL
	}
	return ModeJSON
}

// Sink receives results in row order.
type Sink interface {
	Mode() Mode
	Path() string
	// Append records one result. Stream sinks persist it immediately.
	Append(result Result) error
	// Flush persists everything appended so far. It is a no-op for stream sinks.
	Flush() error
}

// New returns the sink for mode. prior seeds a batch sink and is ignored by a
// stream sink, whose earlier lines stay on disk untouched.
func New(mode Mode, path string, prior []Result) Sink {
	if mode == ModeJSONL {
		return &Stream{path: path}
	}
	return &Batch{path: path, results: append([]Result(nil), prior...)}
}

// Batch keeps every result in memory and rewrites the whole array on flush.
type Batch struct {
	path    string
	results []Result
}

func (b *Batch) Mode() Mode { return ModeJSON }

func (b *Batch) Path() string { return b.path }

func (b *Batch) Append(result Result) error {
	b.results = append(b.results, result)
	return nil
}

func (b *Batch) Flush() error {
	results := b.results
	if results == nil {
		results = []Result{}
	}
	data, err := fileutil.MarshalJSON(results, "  ")
	if err != nil {
		return fmt.Errorf("encode results: %w", err)
	}
	if err := fileutil.WriteFileAtomic(b.path, data, 0o644); err != nil {
		return fmt.Errorf("save results: %w", err)
	}
	return nil
}

// Stream appends one JSON object per line as results arrive.
type Stream struct {
	path string
}

func (s *Stream) Mode() Mode { return ModeJSONL }

func (s *Stream) Path() string { return s.path }

func (s *Stream) Append(result Result) error {
	data, err := fileutil.MarshalJSON(result, "")
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	if err := fileutil.AppendLine(s.path, bytes.TrimSuffix(data, []byte("\n"))); err != nil {
		return fmt.Errorf("append result: %w", err)
	}
	return nil
}

func (s *Stream) Flush() error { return nil }

// LoadBatch reads a batch output file. A missing file yields no results and
// no error; anything that does not decode as an array of results wraps
// ErrCorrupt.
func LoadBatch(path string) ([]Result, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	var results []Result
	if err := json.Unmarshal(data, &results); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, path, err)
	}
	if results == nil && !bytes.Equal(bytes.TrimSpace(data), []byte("[]")) {
		return nil, fmt.Errorf("%w: %s", ErrCorrupt, path)
	}
	return results, nil
}

// ReadStream reads a JSON lines output file. Lines that do not decode are
// skipped and counted.
func ReadStream(path string) ([]Result, int, error) {
	file, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, 0, nil
		}
		return nil, 0, fmt.Errorf("open %s: %w", path, err)
	}
	defer file.Close()

	var results []Result
	skipped := 0
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var result Result
		if err := json.Unmarshal(line, &result); err != nil {
			skipped++
			continue
		}
		results = append(results, result)
	}
	if err := scanner.Err(); err != nil {
		return results, skipped, fmt.Errorf("read %s: %w", path, err)
	}
	return results, skipped, nil
}

// ReadAll loads the results stored at path in the given mode.
func ReadAll(mode Mode, path string) ([]Result, error) {
	if mode == ModeJSONL {
		results, _, err := ReadStream(path)
		return results, err
	}
	return LoadBatch(path)
}
