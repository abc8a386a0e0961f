// Package dialect knows the two REST shapes a local inference server may speak
// and how to tell them apart.
package dialect

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"
)

// Kind classifies the API shape of a server.
type Kind int

const (
	KindUnknown Kind = iota
	// KindLlamafile is the OpenAI-compatible chat completion API.
	KindLlamafile
	// KindOllama is the native Ollama generate API.
	KindOllama
)

// DefaultProbeTimeout bounds each model-listing probe.
const DefaultProbeTimeout = 5 * time.Second

var (
	ErrDialectRegistered = errors.New("dialect already registered")
	ErrDialectInvalid    = errors.New("dialect kind is required")
)

// String returns the name recorded as api_type in checkpoints.
func (k Kind) String() string {
	switch k {
	case KindLlamafile:
		return "llamafile"
	case KindOllama:
		return "ollama"
	default:
		return "unknown"
	}
}

// ParseKind is the inverse of Kind.String. Unrecognised names map to KindUnknown.
func ParseKind(name string) Kind {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "llamafile", "openai":
		return KindLlamafile
	case "ollama":
		return KindOllama
	default:
		return KindUnknown
	}
}

// Dialect shapes requests and responses for one API kind.
type Dialect interface {
	Kind() Kind
	ModelsPath() string
	NewRequest(ctx context.Context, baseURL, model, text string) (*http.Request, error)
	ParseResponse(body []byte) string
	ParseModels(body []byte) []ModelRef
}

// probeOrder is the order Classify tries dialects in.
var probeOrder = []Kind{KindLlamafile, KindOllama}

var (
	registryMu sync.RWMutex
	registry   = map[Kind]Dialect{}
)

// Register adds a dialect implementation.
func Register(d Dialect) error {
	if d == nil || d.Kind() == KindUnknown {
		return ErrDialectInvalid
	}

	registryMu.Lock()
	defer registryMu.Unlock()

	if _, exists := registry[d.Kind()]; exists {
		return ErrDialectRegistered
	}
	registry[d.Kind()] = d
	return nil
}

// Get returns the dialect for kind.
func Get(kind Kind) (Dialect, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()

	d, ok := registry[kind]
	return d, ok
}

// Kinds returns all registered kinds by name.
func Kinds() []Kind {
	registryMu.RLock()
	defer registryMu.RUnlock()

	kinds := make([]Kind, 0, len(registry))
	for kind := range registry {
		kinds = append(kinds, kind)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i].String() < kinds[j].String() })
	return kinds
}

// Classify probes the model-listing path of each dialect in turn and returns
// the first one that answers 200. Network failures and timeouts count as a
// failed probe; when every probe fails the result is KindUnknown.
func Classify(ctx context.Context, client *http.Client, baseURL string, timeout time.Duration) Kind {
	for _, kind := range probeOrder {
		if Probe(ctx, client, baseURL, kind, timeout) {
			return kind
		}
	}
	return KindUnknown
}

// Probe reports whether the model-listing path of kind answers 200.
func Probe(ctx context.Context, client *http.Client, baseURL string, kind Kind, timeout time.Duration) bool {
	d, ok := Get(kind)
	if !ok {
		return false
	}
	resp, err := get(ctx, client, baseURL+d.ModelsPath(), timeout)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode == http.StatusOK
}

// ListModels fetches and parses the model listing for kind.
func ListModels(ctx context.Context, client *http.Client, baseURL string, kind Kind, timeout time.Duration) ([]ModelRef, error) {
	d, ok := Get(kind)
	if !ok {
		return nil, errors.New("unknown server dialect")
	}
	resp, err := get(ctx, client, baseURL+d.ModelsPath(), timeout)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &StatusError{Code: resp.StatusCode, URL: baseURL + d.ModelsPath()}
	}
	return d.ParseModels(body), nil
}

// NormalizeBaseURL prefixes a scheme when host has none and drops trailing slashes.
func NormalizeBaseURL(host string) string {
	host = strings.TrimSpace(host)
	if host == "" {
		return ""
	}
	if !strings.HasPrefix(strings.ToLower(host), "http") {
		host = "http://" + host
	}
	return strings.TrimRight(host, "/")
}

// StatusError reports a non-200 answer from the server.
type StatusError struct {
	Code int
	URL  string
}

func (e *StatusError) Error() string {
	class := "HTTP"
	switch {
	case e.Code >= 400 && e.Code < 500:
		class = "Client Error"
	case e.Code >= 500:
		class = "Server Error"
	}
	return fmt.Sprintf("%d %s: %s for url: %s", e.Code, class, http.StatusText(e.Code), e.URL)
}

func get(ctx context.Context, client *http.Client, url string, timeout time.Duration) (*http.Response, error) {
	if client == nil {
		client = http.DefaultClient
	}
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		cancel()
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		cancel()
		return nil, err
	}
	resp.Body = &cancelBody{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}

// cancelBody releases the probe context once the body is closed.
type cancelBody struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b *cancelBody) Close() error {
	err := b.ReadCloser.Close()
	b.cancel()
	return err
}
