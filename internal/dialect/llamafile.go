package dialect

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/buger/jsonparser"
)

// LocalAPIKey is sent as bearer token; llamafile does not validate it.
const LocalAPIKey = "sk-local-123"

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	Stream   bool          `json:"stream"`
}

// Llamafile speaks the OpenAI chat completion API.
type Llamafile struct{}

var _ Dialect = (*Llamafile)(nil)

func init() {
	if err := Register(&Llamafile{}); err != nil {
		panic(err)
	}
}

func (l *Llamafile) Kind() Kind { return KindLlamafile }

func (l *Llamafile) ModelsPath() string { return "/v1/models" }

func (l *Llamafile) NewRequest(ctx context.Context, baseURL, model, text string) (*http.Request, error) {
	body, err := json.Marshal(chatRequest{
		Model:    model,
		Messages: []chatMessage{{Role: "user", Content: text}},
		Stream:   false,
	})
	if err != nil {
		return nil, fmt.Errorf("llamafile: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("llamafile: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+LocalAPIKey)
	return req, nil
}

// ParseResponse returns choices[0].message.content, or "" when the path is missing.
func (l *Llamafile) ParseResponse(body []byte) string {
	content, err := jsonparser.GetString(body, "choices", "[0]", "message", "content")
	if err != nil {
		return ""
	}
	return content
}

func (l *Llamafile) ParseModels(body []byte) []ModelRef {
	refs := []ModelRef{}
	_, _ = jsonparser.ArrayEach(body, func(value []byte, _ jsonparser.ValueType, _ int, err error) {
		if err != nil {
			return
		}
		if id, err := jsonparser.GetString(value, "id"); err == nil && id != "" {
			refs = append(refs, Identified(id))
		}
	}, "data")
	return refs
}
