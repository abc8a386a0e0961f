package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/goosewin/servebatch/internal/checkpoint"
	"github.com/goosewin/servebatch/internal/client"
	"github.com/goosewin/servebatch/internal/metrics"
	"github.com/goosewin/servebatch/internal/sink"
)

const (
	defaultHost         = "127.0.0.1"
	defaultPort         = 8080
	defaultMaxBodyBytes = 4096
)

// Options configures the HTTP status server.
type Options struct {
	Host         string
	Port         int
	Token        string
	Open         bool
	MaxBodyBytes int64
	// Checkpoints are the checkpoint files reported on.
	Checkpoints []string
}

// StartServer runs the HTTP status server until ctx is canceled.
func StartServer(ctx context.Context, opts Options) error {
	host := strings.TrimSpace(opts.Host)
	if host == "" {
		host = defaultHost
	}
	port := opts.Port
	if port == 0 {
		port = defaultPort
	}
	if port < 1 || port > 65535 {
		return fmt.Errorf("invalid port number: %d", port)
	}
	maxBody := opts.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = defaultMaxBodyBytes
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", host, port),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       30 * time.Second,
		Handler: newHandler(handlerOptions{
			host:        host,
			token:       opts.Token,
			open:        opts.Open,
			maxBody:     maxBody,
			checkpoints: opts.Checkpoints,
		}),
	}

	shutdownErr := make(chan error, 1)
	go func() {
		<-ctx.Done()
		ctxTimeout, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		shutdownErr <- srv.Shutdown(ctxTimeout)
	}()

	err := srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		select {
		case shutdownErr := <-shutdownErr:
			return shutdownErr
		default:
			return nil
		}
	}
	return err
}

type handlerOptions struct {
	host        string
	token       string
	open        bool
	maxBody     int64
	checkpoints []string
}

func newHandler(opts handlerOptions) http.Handler {
	registry := prometheus.NewRegistry()
	registry.MustRegister(newCheckpointCollector(opts.checkpoints))
	metricsHandler := promhttp.HandlerFor(prometheus.Gatherers{metrics.Registry, registry}, promhttp.HandlerOpts{})

	mux := http.NewServeMux()
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/status" {
			writeJSONError(w, http.StatusNotFound, "Unknown endpoint")
			return
		}
		if !authorizeRequest(w, r, opts) {
			return
		}
		if r.Method != http.MethodGet {
			writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
			return
		}
		writeJSON(w, http.StatusOK, listCheckpointsResponse(opts.checkpoints))
	})

	mux.HandleFunc("/status/", func(w http.ResponseWriter, r *http.Request) {
		if !authorizeRequest(w, r, opts) {
			return
		}
		if r.Method != http.MethodGet {
			writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
			return
		}
		name, ok := pathRemainder(r.URL.Path, "/status/")
		if !ok {
			writeJSONError(w, http.StatusNotFound, "Unknown endpoint")
			return
		}
		path, found := findCheckpoint(opts.checkpoints, name)
		if !found {
			writeJSONError(w, http.StatusNotFound, fmt.Sprintf("Checkpoint not found: %s", name))
			return
		}
		writeJSON(w, http.StatusOK, Describe(path, true))
	})

	mux.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
		if !authorizeRequest(w, r, opts) {
			return
		}
		metricsHandler.ServeHTTP(w, r)
	})

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			writeJSONError(w, http.StatusNotFound, "Unknown endpoint")
			return
		}
		if !authorizeRequest(w, r, opts) {
			return
		}
		if r.Method != http.MethodGet {
			writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "servebatch-server"})
	})

	return otelhttp.NewHandler(withCORS(mux, opts), "servebatch-server")
}

func withCORS(next http.Handler, opts handlerOptions) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		corsOrigin := resolveCORSOrigin(r.Header.Get("Origin"), opts.host, opts.open)
		if corsOrigin != "" {
			w.Header().Set("Access-Control-Allow-Origin", corsOrigin)
			if corsOrigin != "*" {
				w.Header().Set("Vary", "Origin")
			}
			w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
			w.Header().Set("Access-Control-Expose-Headers", "Content-Length, Content-Type")
			w.Header().Set("Access-Control-Max-Age", "86400")
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		if opts.maxBody > 0 {
			r.Body = http.MaxBytesReader(w, r.Body, opts.maxBody)
		}

		next.ServeHTTP(w, r)
	})
}

func authorizeRequest(w http.ResponseWriter, r *http.Request, opts handlerOptions) bool {
	if opts.token == "" {
		return true
	}
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	fields := strings.Fields(header)
	if len(fields) != 2 || !strings.EqualFold(fields[0], "Bearer") || fields[1] != opts.token {
		writeJSONError(w, http.StatusUnauthorized, "Invalid or missing Bearer token")
		return false
	}
	return true
}

func resolveCORSOrigin(origin, host string, open bool) string {
	origin = strings.TrimSpace(origin)
	if origin == "" {
		return ""
	}
	if open {
		return "*"
	}

	switch origin {
	case "http://localhost", "http://127.0.0.1", "http://[::1]":
		return origin
	}

	host = strings.TrimSpace(host)
	if host != "" && host != "0.0.0.0" && host != "::" {
		if origin == "http://"+host {
			return origin
		}
	}
	return ""
}

func pathRemainder(path, prefix string) (string, bool) {
	if !strings.HasPrefix(path, prefix) {
		return "", false
	}
	remainder := strings.TrimPrefix(path, prefix)
	if remainder == "" {
		return "", false
	}
	decoded, err := url.PathUnescape(remainder)
	if err != nil {
		return "", false
	}
	return decoded, true
}

// CheckpointName is the short name a checkpoint file is addressed by.
func CheckpointName(path string) string {
	return strings.TrimSuffix(filepath.Base(path), ".json")
}

func findCheckpoint(paths []string, name string) (string, bool) {
	for _, path := range paths {
		if CheckpointName(path) == name {
			return path, true
		}
	}
	return "", false
}

// CheckpointStatus is the JSON view of one checkpoint file.
type CheckpointStatus struct {
	Name      string            `json:"name"`
	Path      string            `json:"path"`
	Readable  bool              `json:"readable"`
	Error     string            `json:"error,omitempty"`
	State     *checkpoint.State `json:"state,omitempty"`
	Remaining int               `json:"remaining"`
	Percent   float64           `json:"percent"`
	Complete  bool              `json:"complete"`
	UpdatedAt *time.Time        `json:"updated_at,omitempty"`
	// ErrorRows is only filled for single-checkpoint requests.
	ErrorRows *int `json:"error_rows,omitempty"`
}

type listResponse struct {
	Checkpoints []CheckpointStatus `json:"checkpoints"`
}

func listCheckpointsResponse(paths []string) listResponse {
	response := listResponse{Checkpoints: make([]CheckpointStatus, 0, len(paths))}
	for _, path := range paths {
		response.Checkpoints = append(response.Checkpoints, Describe(path, false))
	}
	return response
}

// Describe reads one checkpoint file. withErrors also counts error rows in
// the output it points at.
func Describe(path string, withErrors bool) CheckpointStatus {
	status := CheckpointStatus{Name: CheckpointName(path), Path: path}
	if info, err := os.Stat(path); err == nil {
		modified := info.ModTime().UTC()
		status.UpdatedAt = &modified
	}

	state, err := checkpoint.Read(path)
	if err != nil {
		status.Error = err.Error()
		return status
	}
	status.Readable = true
	status.State = &state
	status.Remaining = state.Remaining()
	status.Complete = state.Complete()
	if state.TotalRows > 0 {
		done := state.LastAbsoluteIndex
		if done > state.TotalRows {
			done = state.TotalRows
		}
		status.Percent = float64(done) * 100 / float64(state.TotalRows)
	}

	if withErrors && state.OutputFile != "" {
		mode := sink.ResolveMode(sink.Mode(state.OutputMode), state.OutputFile)
		if results, err := sink.ReadAll(mode, state.OutputFile); err == nil {
			count := 0
			for _, result := range results {
				if client.IsErrorResponse(result.Response) {
					count++
				}
			}
			status.ErrorRows = &count
		}
	}
	return status
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "Failed to encode response")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	payload := map[string]string{"error": message}
	writeJSON(w, status, payload)
}
