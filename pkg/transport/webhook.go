package transport

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/psantana5/mediabot/pkg/models"
	"github.com/psantana5/mediabot/pkg/retry"
)

// WebhookPayload is the JSON body posted to the reply URL
type WebhookPayload struct {
	Conversation models.ConversationContext `json:"conversation"`
	Text         string                     `json:"text"`
	Attachments  []WebhookAttachment        `json:"attachments,omitempty"`
	SentAt       time.Time                  `json:"sent_at"`
}

// WebhookAttachment carries one file inline
type WebhookAttachment struct {
	Name        string `json:"name"`
	ContentType string `json:"content_type"`
	Data        string `json:"data"` // base64
}

// WebhookConfig configures the outbound webhook transport
type WebhookConfig struct {
	URL             string
	Secret          string
	Timeout         time.Duration
	MaxAttachmentMB int
}

// Webhook posts replies as JSON to a fixed URL
type Webhook struct {
	cfg    WebhookConfig
	client *http.Client
}

// NewWebhook creates a webhook transport. A nil client gets a default with cfg.Timeout.
func NewWebhook(cfg WebhookConfig, client *http.Client) (*Webhook, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("webhook reply URL is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxAttachmentMB <= 0 {
		cfg.MaxAttachmentMB = 25
	}
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	return &Webhook{cfg: cfg, client: client}, nil
}

// Name implements Transport
func (w *Webhook) Name() string { return "webhook" }

// Send implements Transport
func (w *Webhook) Send(ctx context.Context, conv models.ConversationContext, msg Message) error {
	payload := WebhookPayload{
		Conversation: conv,
		Text:         msg.Text,
		SentAt:       time.Now().UTC(),
	}
	for _, a := range msg.Attachments {
		data, err := w.readAttachment(a.Path)
		if err != nil {
			return deliveryError("attach", err, false)
		}
		payload.Attachments = append(payload.Attachments, WebhookAttachment{
			Name:        a.Name,
			ContentType: a.ContentType,
			Data:        base64.StdEncoding.EncodeToString(data),
		})
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return deliveryError("encode", fmt.Errorf("failed to marshal webhook payload: %w", err), false)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return deliveryError("request", fmt.Errorf("failed to create webhook request: %w", err), false)
	}
	req.Header.Set("Content-Type", "application/json")
	if w.cfg.Secret != "" {
		req.Header.Set("Authorization", "Bearer "+w.cfg.Secret)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return deliveryError("post", fmt.Errorf("failed to send webhook request: %w", err), true)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		err := fmt.Errorf("webhook request failed with status %d", resp.StatusCode)
		return deliveryError("post", err, retry.IsRetryable(err))
	}
	return nil
}

func (w *Webhook) readAttachment(path string) ([]byte, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("attachment unavailable: %w", err)
	}
	if limit := int64(w.cfg.MaxAttachmentMB) << 20; info.Size() > limit {
		return nil, fmt.Errorf("attachment %s exceeds %d MB", info.Name(), w.cfg.MaxAttachmentMB)
	}
	return os.ReadFile(path)
}
