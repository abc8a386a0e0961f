package notify

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

var fixedNow = time.Date(2026, 1, 26, 12, 0, 0, 0, time.UTC)

func sampleSummary() Summary {
	return Summary{
		RunID:     "run-1",
		CSVPath:   "data.csv",
		Output:    "results.json",
		Model:     "llama3.2",
		APIType:   "ollama",
		Processed: 1200,
		Errors:    0,
		TotalRows: 1500,
		LastIndex: 1500,
		Duration:  3661 * time.Second,
	}
}

func TestDetectWebhookType(t *testing.T) {
	cases := []struct {
		name string
		url  string
		want WebhookType
	}{
		{name: "discord", url: "https://discord.com/api/webhooks/123", want: WebhookDiscord},
		{name: "discordapp", url: "https://discordapp.com/api/webhooks/123", want: WebhookDiscord},
		{name: "slack", url: "https://hooks.slack.com/services/abc", want: WebhookSlack},
		{name: "generic", url: "https://example.com/webhook", want: WebhookGeneric},
	}

	for _, tc := range cases {
		if got := DetectWebhookType(tc.url); got != tc.want {
			t.Fatalf("%s: expected %s got %s", tc.name, tc.want, got)
		}
	}
}

func TestBuildCompletePayloadDiscord(t *testing.T) {
	opts := CompleteOptions{
		WebhookURL: "https://discord.com/api/webhooks/123",
		Summary:    sampleSummary(),
	}
	payload, err := buildCompletePayload(opts, fixedNow)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var decoded map[string]interface{}
	if err := json.Unmarshal(payload, &decoded); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}

	embed := decoded["embeds"].([]interface{})[0].(map[string]interface{})
	if embed["title"].(string) != "✅ Batch Complete" {
		t.Fatalf("unexpected title: %v", embed["title"])
	}
	if embed["description"].(string) != "Batch **data.csv** processed every row." {
		t.Fatalf("unexpected description: %v", embed["description"])
	}
	fields := embed["fields"].([]interface{})
	if len(fields) != 5 {
		t.Fatalf("expected 5 fields, got %d", len(fields))
	}
	processed := fields[2].(map[string]interface{})
	if processed["value"].(string) != "1,500/1,500" {
		t.Fatalf("unexpected processed: %v", processed["value"])
	}
	duration := fields[4].(map[string]interface{})
	if duration["value"].(string) != "1h 1m 1s" {
		t.Fatalf("unexpected duration: %v", duration["value"])
	}
}

func TestBuildCompletePayloadSlackWithErrors(t *testing.T) {
	summary := sampleSummary()
	summary.Errors = 3
	payload, err := buildCompletePayload(CompleteOptions{
		WebhookURL: "https://hooks.slack.com/services/abc",
		Summary:    summary,
	}, fixedNow)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var decoded map[string]interface{}
	if err := json.Unmarshal(payload, &decoded); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}

	attachment := decoded["attachments"].([]interface{})[0].(map[string]interface{})
	if attachment["color"].(string) != "#FEE75C" {
		t.Fatalf("unexpected color: %v", attachment["color"])
	}
	blocks := attachment["blocks"].([]interface{})
	text := blocks[1].(map[string]interface{})["text"].(map[string]interface{})
	if text["text"].(string) != "Batch *data.csv* finished but some rows returned errors." {
		t.Fatalf("unexpected slack description: %v", text["text"])
	}
	fields := blocks[2].(map[string]interface{})["fields"].([]interface{})
	errorsField := fields[3].(map[string]interface{})
	if errorsField["text"].(string) != "*Errors:*\n3" {
		t.Fatalf("unexpected errors field: %v", errorsField["text"])
	}
}

func TestBuildFailedPayloadGeneric(t *testing.T) {
	summary := sampleSummary()
	summary.LastIndex = 40
	summary.Processed = 40
	opts := FailedOptions{
		WebhookURL:    "https://example.com/webhook",
		FailureReason: ReasonInterrupted,
		Summary:       summary,
	}
	payload, err := buildFailedPayload(opts, fixedNow)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var decoded map[string]interface{}
	if err := json.Unmarshal(payload, &decoded); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}

	if decoded["event"].(string) != "failed" || decoded["reason"].(string) != "interrupted" {
		t.Fatalf("unexpected event: %v / %v", decoded["event"], decoded["reason"])
	}
	if decoded["message"].(string) != "Batch 'data.csv' was interrupted at row 40 of 1,500" {
		t.Fatalf("unexpected message: %v", decoded["message"])
	}
	if decoded["last_index"].(float64) != 40 {
		t.Fatalf("unexpected last_index: %v", decoded["last_index"])
	}
}

func TestBuildFailedPayloadDiscordIncludesDetail(t *testing.T) {
	payload, err := buildFailedPayload(FailedOptions{
		WebhookURL:    "https://discord.com/api/webhooks/1",
		FailureReason: "disk 100% full",
		Detail:        "no space left on device",
		Summary:       sampleSummary(),
	}, fixedNow)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var decoded map[string]interface{}
	if err := json.Unmarshal(payload, &decoded); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	embed := decoded["embeds"].([]interface{})[0].(map[string]interface{})
	if embed["description"].(string) != "Batch **data.csv** failed: disk 100% full" {
		t.Fatalf("unexpected description: %v", embed["description"])
	}
	fields := embed["fields"].([]interface{})
	last := fields[len(fields)-1].(map[string]interface{})
	if last["name"].(string) != "Detail" {
		t.Fatalf("expected detail field last, got %v", last["name"])
	}
}

func TestNotifyCompletePostsJSON(t *testing.T) {
	var body []byte
	var contentType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		contentType = r.Header.Get("Content-Type")
		body, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	if err := NotifyComplete(context.Background(), CompleteOptions{WebhookURL: srv.URL, Summary: sampleSummary()}); err != nil {
		t.Fatalf("notify: %v", err)
	}
	if contentType != "application/json" {
		t.Fatalf("unexpected content type %q", contentType)
	}
	var decoded map[string]interface{}
	if err := json.Unmarshal(body, &decoded); err != nil {
		t.Fatalf("unmarshal body: %v", err)
	}
	if decoded["run_id"].(string) != "run-1" {
		t.Fatalf("unexpected run id: %v", decoded["run_id"])
	}
}

func TestSendWebhookReportsHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	err := SendWebhook(context.Background(), srv.URL, []byte(`{}`), time.Second)
	if err == nil || err.Error() != "webhook returned HTTP 502" {
		t.Fatalf("expected HTTP 502 error, got %v", err)
	}
	if err := NotifyFailed(context.Background(), FailedOptions{}); err == nil {
		t.Fatalf("expected error for missing webhook URL")
	}
}
