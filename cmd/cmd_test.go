package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goosewin/servebatch/internal/batch"
	"github.com/goosewin/servebatch/internal/checkpoint"
	"github.com/goosewin/servebatch/internal/dialect"
	"github.com/goosewin/servebatch/internal/server"
	"github.com/goosewin/servebatch/internal/sink"
)

func clearEnv(t *testing.T) {
	t.Helper()
	t.Setenv("OLLAMA_HOST", "")
	t.Setenv("SERVEBATCH_MODEL", "")
}

func newBatchCommand(t *testing.T, args ...string) (*cobra.Command, *batchFlags) {
	t.Helper()
	f := &batchFlags{}
	cmd := &cobra.Command{Use: "test"}
	addBatchFlags(cmd, f)
	cmd.Flags().BoolVar(&f.fresh, "fresh", false, "")
	require.NoError(t, cmd.Flags().Parse(args))
	return cmd, f
}

func ollamaStub(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/tags":
			_, _ = io.WriteString(w, `{"models":[{"name":"llama3.2:latest"},{"name":"mistral:7b"}]}`)
		case "/api/generate":
			var body struct {
				Prompt string `json:"prompt"`
			}
			_ = json.NewDecoder(r.Body).Decode(&body)
			_ = json.NewEncoder(w).Encode(map[string]string{"response": "echo: " + body.Prompt})
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestResolveRunSettingsDefaults(t *testing.T) {
	clearEnv(t)
	cmd, f := newBatchCommand(t)

	settings, err := resolveRunSettings(cmd, f)
	require.NoError(t, err)

	assert.Equal(t, "localhost:11434", settings.Host)
	assert.Equal(t, "llama3.2", settings.Model)
	assert.Equal(t, "sample_data.csv", settings.CSV)
	assert.Equal(t, "results.json", settings.Output)
	assert.Equal(t, "results.checkpoint.json", settings.Checkpoint)
	assert.Equal(t, 50, settings.SaveEvery)
	assert.True(t, settings.Resume)
	assert.Equal(t, 120*time.Second, settings.Timeout)
	assert.Equal(t, dialect.KindUnknown, settings.Kind)
	assert.Equal(t, batch.CorruptFail, settings.OnCorrupt)
	assert.Equal(t, sink.Mode(""), settings.Mode)
}

func TestResolveRunSettingsFlags(t *testing.T) {
	clearEnv(t)
	cmd, f := newBatchCommand(t,
		"--host", "gpu-box:8080",
		"--model", "mistral",
		"--save-every", "3",
		"--output-mode", "jsonl",
		"--api-type", "llamafile",
		"--timeout", "30s",
		"--on-corrupt", "reset",
		"--fresh",
	)

	settings, err := resolveRunSettings(cmd, f)
	require.NoError(t, err)

	assert.Equal(t, "gpu-box:8080", settings.Host)
	assert.Equal(t, "mistral", settings.Model)
	assert.Equal(t, 3, settings.SaveEvery)
	assert.Equal(t, sink.ModeJSONL, settings.Mode)
	assert.Equal(t, dialect.KindLlamafile, settings.Kind)
	assert.Equal(t, 30*time.Second, settings.Timeout)
	assert.Equal(t, batch.CorruptReset, settings.OnCorrupt)
	assert.False(t, settings.Resume)
}

func TestResolveRunSettingsRejectsBadValues(t *testing.T) {
	clearEnv(t)
	for _, args := range [][]string{
		{"--save-every", "0"},
		{"--api-type", "vllm"},
		{"--output-mode", "csv"},
		{"--on-corrupt", "ignore"},
		{"--timeout=-1s"},
	} {
		cmd, f := newBatchCommand(t, args...)
		_, err := resolveRunSettings(cmd, f)
		assert.Error(t, err, "args %v", args)
	}
}

func TestApplyCheckpoint(t *testing.T) {
	clearEnv(t)
	state := checkpoint.State{
		LastAbsoluteIndex: 2,
		ProcessedCount:    2,
		TotalRows:         5,
		OutputFile:        "out/run.jsonl",
		OutputMode:        "jsonl",
		ModelName:         "mistral",
		APIType:           "ollama",
	}

	cmd, f := newBatchCommand(t)
	settings, err := resolveRunSettings(cmd, f)
	require.NoError(t, err)
	applyCheckpoint(cmd, &settings, "run.checkpoint.json", state)

	assert.Equal(t, "run.checkpoint.json", settings.Checkpoint)
	assert.Equal(t, "out/run.jsonl", settings.Output)
	assert.Equal(t, sink.ModeJSONL, settings.Mode)
	assert.Equal(t, "mistral", settings.Model)
	assert.Equal(t, dialect.KindOllama, settings.Kind)
	assert.True(t, settings.Resume)

	cmd, f = newBatchCommand(t, "--model", "llama3.2", "--api-type", "llamafile", "--fresh")
	settings, err = resolveRunSettings(cmd, f)
	require.NoError(t, err)
	applyCheckpoint(cmd, &settings, "run.checkpoint.json", state)

	assert.Equal(t, "llama3.2", settings.Model)
	assert.Equal(t, dialect.KindLlamafile, settings.Kind)
	assert.True(t, settings.Resume)
}

func TestExecuteRunAgainstStub(t *testing.T) {
	clearEnv(t)
	srv := ollamaStub(t)
	dir := t.TempDir()
	csvPath := filepath.Join(dir, "input.csv")
	require.NoError(t, os.WriteFile(csvPath, []byte("text\nhello\n\nworld\n"), 0o644))

	var out bytes.Buffer
	cmd := &cobra.Command{Use: "test"}
	cmd.SetOut(&out)
	cmd.SetContext(context.Background())

	settings := runSettings{
		Host:         srv.URL,
		Model:        "llama3.2",
		CSV:          csvPath,
		Output:       filepath.Join(dir, "results.json"),
		Checkpoint:   filepath.Join(dir, "results.checkpoint.json"),
		SaveEvery:    50,
		Resume:       true,
		Timeout:      5 * time.Second,
		ProbeTimeout: 2 * time.Second,
		OnCorrupt:    batch.CorruptFail,
	}
	require.NoError(t, executeRun(cmd, settings))

	text := out.String()
	assert.Contains(t, text, "✓ Connected to ollama server")
	assert.Contains(t, text, "Available models: llama3.2:latest, mistral:7b")
	assert.Contains(t, text, "Model test successful: echo: Hello")
	assert.Contains(t, text, "Found 2 rows to process")
	assert.Contains(t, text, "Processed 2 rows")

	results, err := sink.LoadBatch(settings.Output)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, sink.Result{RowNumber: 2, InputText: "world", Response: "echo: world"}, results[1])

	state, err := checkpoint.Read(settings.Checkpoint)
	require.NoError(t, err)
	assert.Equal(t, 2, state.LastAbsoluteIndex)
	assert.Equal(t, "ollama", state.APIType)
	assert.True(t, state.Complete())
}

func TestExecuteRunUnreachable(t *testing.T) {
	clearEnv(t)
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	var out bytes.Buffer
	cmd := &cobra.Command{Use: "test"}
	cmd.SetOut(&out)
	cmd.SetContext(context.Background())

	dir := t.TempDir()
	err := executeRun(cmd, runSettings{
		Host:         url,
		Model:        "llama3.2",
		CSV:          filepath.Join(dir, "input.csv"),
		Output:       filepath.Join(dir, "results.json"),
		Checkpoint:   filepath.Join(dir, "results.checkpoint.json"),
		SaveEvery:    50,
		ProbeTimeout: time.Second,
		OnCorrupt:    batch.CorruptFail,
	})
	require.Error(t, err)
	assert.Contains(t, out.String(), "Error: Cannot connect to server at "+url)

	_, statErr := os.Stat(filepath.Join(dir, "results.checkpoint.json"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestStatusOutput(t *testing.T) {
	dir := t.TempDir()
	output := filepath.Join(dir, "results.json")
	cp := filepath.Join(dir, "results.checkpoint.json")

	s := sink.New(sink.ModeJSON, output, nil)
	require.NoError(t, s.Append(sink.Result{RowNumber: 1, InputText: "a", Response: "ok"}))
	require.NoError(t, s.Append(sink.Result{RowNumber: 2, InputText: "b", Response: "Error: Request timed out after 120 seconds. The model might be taking too long to respond."}))
	require.NoError(t, s.Flush())
	require.NoError(t, checkpoint.Save(cp, checkpoint.State{
		LastAbsoluteIndex: 2,
		ProcessedCount:    2,
		TotalRows:         3,
		OutputFile:        output,
		OutputMode:        "json",
		ModelName:         "llama3.2",
		APIType:           "ollama",
	}))

	t.Cleanup(func() {
		statusErrors = false
		statusJSON = false
	})

	var out bytes.Buffer
	cmd := &cobra.Command{Use: "test"}
	cmd.SetOut(&out)

	statusErrors = true
	require.NoError(t, runStatus(cmd, []string{cp}))
	text := out.String()
	assert.Contains(t, text, "results.checkpoint")
	assert.Contains(t, text, "llama3.2")
	assert.Contains(t, text, "Error rows in "+output)
	assert.Contains(t, text, "Request timed out")

	out.Reset()
	statusErrors = false
	statusJSON = true
	require.NoError(t, runStatus(cmd, []string{cp}))

	var statuses []server.CheckpointStatus
	require.NoError(t, json.Unmarshal(out.Bytes(), &statuses))
	require.Len(t, statuses, 1)
	assert.Equal(t, 1, statuses[0].Remaining)
	assert.True(t, statuses[0].Readable)
}

func TestStatusWithoutCheckpoints(t *testing.T) {
	var out bytes.Buffer
	cmd := &cobra.Command{Use: "test"}
	cmd.SetOut(&out)

	require.NoError(t, runStatus(cmd, []string{filepath.Join(t.TempDir(), "none.json")}))
	assert.Contains(t, out.String(), "No checkpoints found")
}

func TestTailLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "servebatch.log")
	require.NoError(t, os.WriteFile(path, []byte("one\ntwo\nthree\nfour\n"), 0o644))

	lines, err := tailLines(path, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"three", "four"}, lines)

	lines, err = tailLines(path, 10)
	require.NoError(t, err)
	assert.Len(t, lines, 4)
}

func TestPreviewText(t *testing.T) {
	assert.Equal(t, "abc...", previewText("abc", 5))
	assert.Equal(t, "ab...", previewText("abcdef", 2))
}

func TestParseAPIType(t *testing.T) {
	kind, err := parseAPIType("")
	require.NoError(t, err)
	assert.Equal(t, dialect.KindUnknown, kind)

	kind, err = parseAPIType(" Ollama ")
	require.NoError(t, err)
	assert.Equal(t, dialect.KindOllama, kind)

	_, err = parseAPIType("vllm")
	assert.EqualError(t, err, `unknown api type "vllm" (want one of auto, llamafile, ollama)`)
}

func TestCheckRejectsNonPositiveProbeTimeout(t *testing.T) {
	clearEnv(t)
	t.Cleanup(func() {
		checkTimeout = 0
		checkCmd.Flags().Lookup("probe-timeout").Changed = false
	})

	for _, value := range []string{"0s", "-2s"} {
		require.NoError(t, checkCmd.Flags().Parse([]string{"--probe-timeout=" + value}))
		err := runCheck(checkCmd, nil)
		assert.EqualError(t, err, "probe-timeout must be positive", "value %s", value)
	}
}
