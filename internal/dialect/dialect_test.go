package dialect

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newProbeServer(t *testing.T, okPaths ...string) *httptest.Server {
	t.Helper()
	allowed := map[string]bool{}
	for _, path := range okPaths {
		allowed[path] = true
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet && allowed[r.URL.Path] {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(`{}`))
			return
		}
		http.NotFound(w, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestClassify(t *testing.T) {
	cases := []struct {
		name  string
		paths []string
		want  Kind
	}{
		{name: "openai only", paths: []string{"/v1/models"}, want: KindLlamafile},
		{name: "ollama only", paths: []string{"/api/tags"}, want: KindOllama},
		{name: "both prefers openai", paths: []string{"/v1/models", "/api/tags"}, want: KindLlamafile},
		{name: "neither", paths: nil, want: KindUnknown},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := newProbeServer(t, tc.paths...)
			got := Classify(context.Background(), srv.Client(), srv.URL, time.Second)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestClassifyUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	assert.Equal(t, KindUnknown, Classify(context.Background(), &http.Client{}, url, 500*time.Millisecond))
}

func TestClassifyProbeTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	start := time.Now()
	kind := Classify(context.Background(), srv.Client(), srv.URL, 50*time.Millisecond)
	assert.Equal(t, KindUnknown, kind)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestKindRoundTrip(t *testing.T) {
	for _, kind := range []Kind{KindUnknown, KindLlamafile, KindOllama} {
		assert.Equal(t, kind, ParseKind(kind.String()))
	}
	assert.Equal(t, KindLlamafile, ParseKind("OpenAI"))
	assert.Equal(t, KindUnknown, ParseKind("vllm"))
}

func TestRegistryHasBothDialects(t *testing.T) {
	assert.Equal(t, []Kind{KindLlamafile, KindOllama}, Kinds())
	assert.ErrorIs(t, Register(&Ollama{}), ErrDialectRegistered)
}

func TestLlamafileRequestShape(t *testing.T) {
	d, ok := Get(KindLlamafile)
	require.True(t, ok)

	req, err := d.NewRequest(context.Background(), "http://localhost:8080", "llama3.2", "héllo")
	require.NoError(t, err)

	assert.Equal(t, http.MethodPost, req.Method)
	assert.Equal(t, "/v1/chat/completions", req.URL.Path)
	assert.Equal(t, "Bearer "+LocalAPIKey, req.Header.Get("Authorization"))
	assert.Equal(t, "application/json", req.Header.Get("Content-Type"))

	body, err := io.ReadAll(req.Body)
	require.NoError(t, err)
	var decoded chatRequest
	require.NoError(t, json.Unmarshal(body, &decoded))
	assert.Equal(t, chatRequest{
		Model:    "llama3.2",
		Messages: []chatMessage{{Role: "user", Content: "héllo"}},
	}, decoded)
	assert.Contains(t, string(body), `"stream":false`)
}

func TestOllamaRequestShape(t *testing.T) {
	d, ok := Get(KindOllama)
	require.True(t, ok)

	req, err := d.NewRequest(context.Background(), "http://localhost:11434", "llama3.2", "hello")
	require.NoError(t, err)

	assert.Equal(t, "/api/generate", req.URL.Path)
	assert.Empty(t, req.Header.Get("Authorization"))

	body, err := io.ReadAll(req.Body)
	require.NoError(t, err)
	assert.JSONEq(t, `{"model":"llama3.2","prompt":"hello","stream":false}`, string(body))
}

func TestParseResponse(t *testing.T) {
	llama := &Llamafile{}
	assert.Equal(t, "hi there", llama.ParseResponse([]byte(`{"choices":[{"message":{"role":"assistant","content":"hi there"}}]}`)))
	assert.Equal(t, "", llama.ParseResponse([]byte(`{"choices":[]}`)))
	assert.Equal(t, "", llama.ParseResponse([]byte(`{}`)))

	ollama := &Ollama{}
	assert.Equal(t, "line1\nline2", ollama.ParseResponse([]byte(`{"response":"line1\nline2","done":true}`)))
	assert.Equal(t, NoResponse, ollama.ParseResponse([]byte(`{"done":true}`)))
}

func TestParseModels(t *testing.T) {
	refs := (&Llamafile{}).ParseModels([]byte(`{"object":"list","data":[{"id":"LLaMA_CPP"},{"id":"phi"}]}`))
	assert.Equal(t, []string{"LLaMA_CPP", "phi"}, ModelNames(refs))
	assert.False(t, refs[0].IsNamed())

	refs = (&Ollama{}).ParseModels([]byte(`{"models":[{"name":"llama3.2:latest","size":1},{"name":"qwen2.5:1.5b"}]}`))
	assert.Equal(t, []string{"llama3.2:latest", "qwen2.5:1.5b"}, ModelNames(refs))
	assert.True(t, refs[0].IsNamed())

	assert.Empty(t, (&Ollama{}).ParseModels([]byte(`not json`)))
}

func TestContainsModel(t *testing.T) {
	refs := []ModelRef{Named("llama3.2:latest"), Identified("phi")}
	assert.True(t, ContainsModel(refs, "llama3.2"))
	assert.True(t, ContainsModel(refs, "llama3.2:latest"))
	assert.True(t, ContainsModel(refs, "phi"))
	assert.False(t, ContainsModel(refs, "phi:latest"))
	assert.False(t, ContainsModel(refs, ""))
}

func TestListModels(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/tags" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(`{"models":[{"name":"llama3.2:latest"}]}`))
	}))
	defer srv.Close()

	refs, err := ListModels(context.Background(), srv.Client(), srv.URL, KindOllama, time.Second)
	require.NoError(t, err)
	assert.Equal(t, []string{"llama3.2:latest"}, ModelNames(refs))

	_, err = ListModels(context.Background(), srv.Client(), srv.URL, KindLlamafile, time.Second)
	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusNotFound, statusErr.Code)
	assert.Contains(t, err.Error(), "404 Client Error: Not Found for url: ")
}

func TestNormalizeBaseURL(t *testing.T) {
	assert.Equal(t, "http://localhost:11434", NormalizeBaseURL("localhost:11434"))
	assert.Equal(t, "https://gpu.local", NormalizeBaseURL(" https://gpu.local/ "))
	assert.Equal(t, "", NormalizeBaseURL("  "))
}
