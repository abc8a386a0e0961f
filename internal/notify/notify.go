// Package notify posts batch summaries to Discord, Slack or a generic JSON
// webhook.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

type WebhookType string

const (
	WebhookDiscord WebhookType = "discord"
	WebhookSlack   WebhookType = "slack"
	WebhookGeneric WebhookType = "generic"
)

// Failure reasons understood by NotifyFailed.
const (
	ReasonInterrupted = "interrupted"
	ReasonError       = "error"
	ReasonUnreachable = "unreachable"
)

// Summary describes one batch run.
type Summary struct {
	RunID     string
	CSVPath   string
	Output    string
	Model     string
	APIType   string
	Processed int
	Errors    int
	Skipped   int
	TotalRows int
	LastIndex int
	Duration  time.Duration
}

type CompleteOptions struct {
	WebhookURL string
	Summary    Summary
	Timeout    time.Duration
}

type FailedOptions struct {
	WebhookURL    string
	FailureReason string
	Detail        string
	Summary       Summary
	Timeout       time.Duration
}

func DetectWebhookType(url string) WebhookType {
	lower := strings.ToLower(url)
	if strings.Contains(lower, "discord.com/api/webhooks") || strings.Contains(lower, "discordapp.com/api/webhooks") {
		return WebhookDiscord
	}
	if strings.Contains(lower, "hooks.slack.com") {
		return WebhookSlack
	}
	return WebhookGeneric
}

func NotifyComplete(ctx context.Context, opts CompleteOptions) error {
	if strings.TrimSpace(opts.WebhookURL) == "" {
		return errors.New("webhook URL is required")
	}
	payload, err := buildCompletePayload(opts, time.Now())
	if err != nil {
		return err
	}
	return SendWebhook(ctx, opts.WebhookURL, payload, opts.Timeout)
}

func NotifyFailed(ctx context.Context, opts FailedOptions) error {
	if strings.TrimSpace(opts.WebhookURL) == "" {
		return errors.New("webhook URL is required")
	}
	payload, err := buildFailedPayload(opts, time.Now())
	if err != nil {
		return err
	}
	return SendWebhook(ctx, opts.WebhookURL, payload, opts.Timeout)
}

func SendWebhook(ctx context.Context, url string, payload []byte, timeout time.Duration) error {
	if strings.TrimSpace(url) == "" {
		return errors.New("webhook URL is required")
	}
	if len(payload) == 0 {
		return errors.New("payload is required")
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if ctx == nil {
		ctx = context.Background()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	client := &http.Client{Timeout: timeout}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("send webhook: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned HTTP %d", resp.StatusCode)
	}
	return nil
}

// card is the platform-neutral content of a notification.
type card struct {
	event        string
	status       string
	title        string
	discordColor int
	slackColor   string
	// description uses %s for the emphasised csv name.
	description string
	message     string
	fields      []field
	extra       map[string]interface{}
}

type field struct {
	key    string
	name   string
	value  string
	inline bool
}

func buildCompletePayload(opts CompleteOptions, now time.Time) ([]byte, error) {
	s := opts.Summary
	c := card{
		event:        "complete",
		status:       "success",
		title:        "✅ Batch Complete",
		discordColor: 5763719,
		slackColor:   "#57F287",
		description:  "Batch %s processed every row.",
		message: fmt.Sprintf("Batch '%s' finished: %s rows processed, %s errors (%s)",
			csvName(s), count(s.Processed), count(s.Errors), formatDuration(s.Duration)),
		fields: summaryFields(s),
	}
	if s.Errors > 0 {
		c.title = "⚠️ Batch Complete With Errors"
		c.discordColor = 16705372
		c.slackColor = "#FEE75C"
		c.description = "Batch %s finished but some rows returned errors."
	}
	return c.render(DetectWebhookType(opts.WebhookURL), csvName(s), s, now)
}

func buildFailedPayload(opts FailedOptions, now time.Time) ([]byte, error) {
	s := opts.Summary
	reason := defaultString(opts.FailureReason, "unknown")
	name := csvName(s)

	c := card{
		event:        "failed",
		status:       "failure",
		title:        "❌ Batch Failed",
		discordColor: 15548997,
		slackColor:   "#ED4245",
		description:  failedDescription(reason),
		message:      failedMessage(reason, name, s),
		fields: append([]field{
			{key: "reason", name: "Reason", value: reason, inline: true},
		}, summaryFields(s)...),
		extra: map[string]interface{}{"reason": reason},
	}
	if detail := strings.TrimSpace(opts.Detail); detail != "" {
		c.fields = append(c.fields, field{key: "detail", name: "Detail", value: detail})
	}
	return c.render(DetectWebhookType(opts.WebhookURL), name, s, now)
}

func summaryFields(s Summary) []field {
	return []field{
		{key: "csv", name: "Input", value: fmt.Sprintf("`%s`", defaultString(s.CSVPath, "unknown"))},
		{key: "model", name: "Model", value: fmt.Sprintf("%s (%s)", defaultString(s.Model, "unknown"), defaultString(s.APIType, "unknown")), inline: true},
		{key: "processed", name: "Processed", value: fmt.Sprintf("%s/%s", count(s.LastIndex), count(s.TotalRows)), inline: true},
		{key: "errors", name: "Errors", value: count(s.Errors), inline: true},
		{key: "duration", name: "Duration", value: formatDuration(s.Duration), inline: true},
	}
}

func (c card) render(kind WebhookType, name string, s Summary, now time.Time) ([]byte, error) {
	timestamp := now.Format(time.RFC3339)

	switch kind {
	case WebhookDiscord:
		fields := make([]map[string]interface{}, 0, len(c.fields))
		for _, f := range c.fields {
			fields = append(fields, map[string]interface{}{"name": f.name, "value": f.value, "inline": f.inline})
		}
		return json.Marshal(map[string]interface{}{
			"embeds": []map[string]interface{}{
				{
					"title":       c.title,
					"description": fmt.Sprintf(c.description, "**"+name+"**"),
					"color":       c.discordColor,
					"fields":      fields,
					"footer":      map[string]interface{}{"text": "servebatch"},
					"timestamp":   timestamp,
				},
			},
		})
	case WebhookSlack:
		fields := make([]map[string]interface{}, 0, len(c.fields))
		for _, f := range c.fields {
			fields = append(fields, map[string]interface{}{"type": "mrkdwn", "text": fmt.Sprintf("*%s:*\n%s", f.name, f.value)})
		}
		return json.Marshal(map[string]interface{}{
			"attachments": []map[string]interface{}{
				{
					"color": c.slackColor,
					"blocks": []map[string]interface{}{
						{"type": "header", "text": map[string]interface{}{"type": "plain_text", "text": c.title, "emoji": true}},
						{"type": "section", "text": map[string]interface{}{"type": "mrkdwn", "text": fmt.Sprintf(c.description, "*"+name+"*")}},
						{"type": "section", "fields": fields},
						{"type": "context", "elements": []map[string]interface{}{
							{"type": "mrkdwn", "text": fmt.Sprintf("servebatch • %s", timestamp)},
						}},
					},
				},
			},
		})
	default:
		payload := map[string]interface{}{
			"event":      c.event,
			"status":     c.status,
			"run_id":     s.RunID,
			"csv":        s.CSVPath,
			"output":     s.Output,
			"model":      s.Model,
			"api_type":   s.APIType,
			"processed":  s.Processed,
			"errors":     s.Errors,
			"skipped":    s.Skipped,
			"total_rows": s.TotalRows,
			"last_index": s.LastIndex,
			"duration":   formatDuration(s.Duration),
			"timestamp":  timestamp,
			"message":    c.message,
		}
		for key, value := range c.extra {
			payload[key] = value
		}
		return json.Marshal(payload)
	}
}

func formatDuration(duration time.Duration) string {
	if duration <= 0 {
		return "unknown"
	}
	total := int(duration.Seconds())
	if total <= 0 {
		return "unknown"
	}
	hours := total / 3600
	mins := (total % 3600) / 60
	secs := total % 60
	if hours > 0 {
		return fmt.Sprintf("%dh %dm %ds", hours, mins, secs)
	}
	if mins > 0 {
		return fmt.Sprintf("%dm %ds", mins, secs)
	}
	return fmt.Sprintf("%ds", secs)
}

func count(value int) string {
	return humanize.Comma(int64(value))
}

func csvName(s Summary) string {
	return defaultString(s.CSVPath, "batch")
}

func defaultString(value, fallback string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return fallback
	}
	return trimmed
}

func failedDescription(reason string) string {
	switch reason {
	case ReasonInterrupted:
		return "Batch %s was interrupted before the last row."
	case ReasonError:
		return "Batch %s stopped on an error."
	case ReasonUnreachable:
		return "Batch %s could not reach the model server."
	default:
		return "Batch %s failed: " + strings.ReplaceAll(reason, "%", "%%")
	}
}

func failedMessage(reason, name string, s Summary) string {
	switch reason {
	case ReasonInterrupted:
		return fmt.Sprintf("Batch '%s' was interrupted at row %s of %s", name, count(s.LastIndex), count(s.TotalRows))
	case ReasonError:
		return fmt.Sprintf("Batch '%s' failed due to an error after %s rows", name, count(s.Processed))
	case ReasonUnreachable:
		return fmt.Sprintf("Batch '%s' could not start: model server unreachable", name)
	default:
		return fmt.Sprintf("Batch '%s' failed: %s after %s rows", name, reason, count(s.Processed))
	}
}
