// Package checkpoint persists batch progress so an interrupted run can resume
// after the last completed row.
package checkpoint

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/goosewin/servebatch/internal/fileutil"
)

// State is the on-disk checkpoint. Field order is the serialised order.
type State struct {
	LastAbsoluteIndex int    `json:"last_absolute_index"`
	ProcessedCount    int    `json:"processed_count"`
	TotalRows         int    `json:"total_rows"`
	OutputFile        string `json:"output_file"`
	OutputMode        string `json:"output_mode"`
	ModelName         string `json:"model_name"`
	APIType           string `json:"api_type"`
}

// Remaining is the number of rows a resumed run still has to send.
func (s State) Remaining() int {
	if s.LastAbsoluteIndex >= s.TotalRows {
		return 0
	}
	return s.TotalRows - s.LastAbsoluteIndex
}

// Complete reports whether every row has been processed.
func (s State) Complete() bool {
	return s.TotalRows > 0 && s.LastAbsoluteIndex >= s.TotalRows
}

// Read decodes the checkpoint at path. A missing file yields an error
// matching os.ErrNotExist.
func Read(path string) (State, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return State{}, err
	}

	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		return State{}, fmt.Errorf("parse checkpoint %s: %w", path, err)
	}
	return state, nil
}

// Load returns the checkpoint at path, or false when there is none usable.
// Unreadable or malformed files are logged and treated as absent.
func Load(path string) (State, bool) {
	if path == "" {
		return State{}, false
	}

	state, err := Read(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			slog.Warn("could not load checkpoint", "path", path, "error", err)
		}
		return State{}, false
	}
	return state, true
}

// Save writes state to path atomically as two-space indented JSON.
func Save(path string, state State) error {
	data, err := fileutil.MarshalJSON(state, "  ")
	if err != nil {
		return fmt.Errorf("encode checkpoint: %w", err)
	}
	if err := fileutil.WriteFileAtomic(path, data, 0o644); err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return nil
}
