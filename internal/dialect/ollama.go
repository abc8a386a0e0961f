package dialect

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/buger/jsonparser"
)

// NoResponse is returned when an Ollama answer lacks a response field.
const NoResponse = "No response received"

type generateRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Stream bool   `json:"stream"`
}

// Ollama speaks the native /api/generate API.
type Ollama struct{}

var _ Dialect = (*Ollama)(nil)

func init() {
	if err := Register(&Ollama{}); err != nil {
		panic(err)
	}
}

func (o *Ollama) Kind() Kind { return KindOllama }

func (o *Ollama) ModelsPath() string { return "/api/tags" }

func (o *Ollama) NewRequest(ctx context.Context, baseURL, model, text string) (*http.Request, error) {
	body, err := json.Marshal(generateRequest{Model: model, Prompt: text, Stream: false})
	if err != nil {
		return nil, fmt.Errorf("ollama: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("ollama: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

func (o *Ollama) ParseResponse(body []byte) string {
	text, err := jsonparser.GetString(body, "response")
	if err != nil {
		return NoResponse
	}
	return text
}

func (o *Ollama) ParseModels(body []byte) []ModelRef {
	refs := []ModelRef{}
	_, _ = jsonparser.ArrayEach(body, func(value []byte, _ jsonparser.ValueType, _ int, err error) {
		if err != nil {
			return
		}
		if name, err := jsonparser.GetString(value, "name"); err == nil && name != "" {
			refs = append(refs, Named(name))
		}
	}, "models")
	return refs
}
