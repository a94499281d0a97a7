package progress

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// WebhookChannel posts events to a chat webhook as a message with a single
// attachment holding the event data.
type WebhookChannel struct {
	url    string
	client *http.Client
}

type webhookMessage struct {
	Text        string              `json:"text"`
	Attachments []webhookAttachment `json:"attachments"`
}

type webhookAttachment struct {
	Color  string         `json:"color"`
	Fields []webhookField `json:"fields"`
}

type webhookField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

// NewWebhookChannel posts events to url. timeout <= 0 means 5s.
func NewWebhookChannel(url string, timeout time.Duration) *WebhookChannel {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &WebhookChannel{url: url, client: &http.Client{Timeout: timeout}}
}

func (w *WebhookChannel) Log(ctx context.Context, ev Event) {
	if err := w.post(ctx, ev); err != nil {
		log.WithError(err).WithField("message", ev.Message).Warn("Webhook delivery failed")
	}
}

func (w *WebhookChannel) post(ctx context.Context, ev Event) error {
	body, err := json.Marshal(w.message(ev))
	if err != nil {
		return fmt.Errorf("encode webhook message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	_, _ = io.Copy(io.Discard, res.Body)

	if res.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("webhook returned status %d", res.StatusCode)
	}
	return nil
}

func (w *WebhookChannel) message(ev Event) webhookMessage {
	color := "good"
	if ev.Message == MessageError {
		color = "danger"
	}

	fields := make([]webhookField, 0, 1)
	if len(ev.Data) > 0 {
		data, err := json.MarshalIndent(ev.Data, "", "  ")
		if err != nil {
			data = []byte(fmt.Sprint(ev.Data))
		}
		fields = append(fields, webhookField{Value: "```" + string(data) + "```"})
	}

	return webhookMessage{
		Text:        ev.Message,
		Attachments: []webhookAttachment{{Color: color, Fields: fields}},
	}
}
