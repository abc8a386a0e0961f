// Package client sends single inference requests to a local model server and
// turns every outcome into a plain string.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"syscall"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/goosewin/servebatch/internal/dialect"
	"github.com/goosewin/servebatch/internal/metrics"
)

const (
	// ErrorPrefix marks a response string that describes a failure.
	ErrorPrefix = "Error: "

	DefaultTimeout   = 120 * time.Second
	ModelTestTimeout = 30 * time.Second
	ModelTestPrompt  = "Hello"
)

// FailureReason classifies a failed send.
type FailureReason string

const (
	ReasonTimeout    FailureReason = "timeout"
	ReasonConnection FailureReason = "connection"
	ReasonStatus     FailureReason = "status"
	ReasonDialect    FailureReason = "dialect"
	ReasonOther      FailureReason = "other"
)

// Options configures a Client.
type Options struct {
	BaseURL      string
	Model        string
	Timeout      time.Duration
	ProbeTimeout time.Duration
	// Kind skips detection when set to a known dialect.
	Kind       dialect.Kind
	HTTPClient *http.Client
}

// Client talks to one server with one model. The dialect is decided once by
// Detect (or Options.Kind) and reused for every send.
type Client struct {
	baseURL      string
	model        string
	timeout      time.Duration
	probeTimeout time.Duration
	httpClient   *http.Client
	kind         dialect.Kind
}

// New builds a client. BaseURL is normalised with dialect.NormalizeBaseURL.
func New(opts Options) *Client {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	probeTimeout := opts.ProbeTimeout
	if probeTimeout <= 0 {
		probeTimeout = dialect.DefaultProbeTimeout
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	}
	return &Client{
		baseURL:      dialect.NormalizeBaseURL(opts.BaseURL),
		model:        opts.Model,
		timeout:      timeout,
		probeTimeout: probeTimeout,
		httpClient:   httpClient,
		kind:         opts.Kind,
	}
}

func (c *Client) BaseURL() string { return c.baseURL }

func (c *Client) Model() string { return c.model }

// Kind returns the dialect currently in use.
func (c *Client) Kind() dialect.Kind { return c.kind }

// Detect classifies the server and remembers the result.
func (c *Client) Detect(ctx context.Context) dialect.Kind {
	c.kind = dialect.Classify(ctx, c.httpClient, c.baseURL, c.probeTimeout)
	return c.kind
}

// Reachable reports whether the model-listing path of the detected dialect
// answers 200. An undetected client runs detection first.
func (c *Client) Reachable(ctx context.Context) bool {
	if c.kind == dialect.KindUnknown {
		if c.Detect(ctx) == dialect.KindUnknown {
			return false
		}
	}
	return dialect.Probe(ctx, c.httpClient, c.baseURL, c.kind, c.probeTimeout)
}

// Models lists the models the server advertises.
func (c *Client) Models(ctx context.Context) ([]dialect.ModelRef, error) {
	return dialect.ListModels(ctx, c.httpClient, c.baseURL, c.kind, c.probeTimeout)
}

// TestModel sends a short prompt and fails when the answer is an error string.
func (c *Client) TestModel(ctx context.Context) (string, error) {
	response := c.Send(ctx, ModelTestPrompt, ModelTestTimeout)
	if IsErrorResponse(response) {
		return response, fmt.Errorf("model test failed: %s", strings.TrimPrefix(response, ErrorPrefix))
	}
	return response, nil
}

// Send issues one inference request for text. It never returns an error:
// failures come back as strings starting with ErrorPrefix. A timeout <= 0
// uses the client default.
func (c *Client) Send(ctx context.Context, text string, timeout time.Duration) string {
	if timeout <= 0 {
		timeout = c.timeout
	}
	response, reason := c.send(ctx, text, timeout)
	if reason != "" {
		metrics.SendFailures.WithLabelValues(c.kind.String(), string(reason)).Inc()
	}
	return response
}

func (c *Client) send(ctx context.Context, text string, timeout time.Duration) (string, FailureReason) {
	d, ok := dialect.Get(c.kind)
	if !ok {
		return ErrorPrefix + "Server API type is unknown; no request was sent. Make sure the server is running.", ReasonDialect
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := d.NewRequest(ctx, c.baseURL, c.model, text)
	if err != nil {
		return ErrorPrefix + err.Error(), ReasonOther
	}

	start := time.Now()
	defer func() {
		metrics.SendDuration.WithLabelValues(c.kind.String()).Observe(time.Since(start).Seconds())
	}()

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return describe(err, timeout)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return describe(err, timeout)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		statusErr := &dialect.StatusError{Code: resp.StatusCode, URL: req.URL.String()}
		return ErrorPrefix + statusErr.Error(), ReasonStatus
	}

	return d.ParseResponse(body), ""
}

func describe(err error, timeout time.Duration) (string, FailureReason) {
	reason := Classify(err)
	switch reason {
	case ReasonTimeout:
		seconds := strconv.FormatFloat(timeout.Seconds(), 'f', -1, 64)
		return fmt.Sprintf("%sRequest timed out after %s seconds. Model may be too slow or overloaded.", ErrorPrefix, seconds), reason
	case ReasonConnection:
		return ErrorPrefix + "Cannot connect to server. Make sure the server is running.", reason
	default:
		return ErrorPrefix + err.Error(), reason
	}
}

// Classify maps a transport error to a FailureReason without string matching.
func Classify(err error) FailureReason {
	if err == nil {
		return ""
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ReasonTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ReasonTimeout
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) {
		return ReasonConnection
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return ReasonConnection
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return ReasonConnection
	}
	return ReasonOther
}

// IsErrorResponse reports whether a Send result describes a failure.
func IsErrorResponse(response string) bool {
	return strings.HasPrefix(response, ErrorPrefix)
}
