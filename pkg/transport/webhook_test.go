package transport

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psantana5/mediabot/pkg/models"
)

var testConv = models.ConversationContext{Platform: "webhook", ChannelID: "c1", UserID: "u1"}

func TestWebhookSendPostsJSON(t *testing.T) {
	var got WebhookPayload
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	file := filepath.Join(t.TempDir(), "out.mp3")
	require.NoError(t, os.WriteFile(file, []byte("ID3data"), 0o644))

	wh, err := NewWebhook(WebhookConfig{URL: srv.URL, Secret: "s3cret"}, nil)
	require.NoError(t, err)

	err = wh.Send(context.Background(), testConv, Message{
		Text:        "done",
		Attachments: []Attachment{{Name: "out.mp3", ContentType: "audio/mpeg", Path: file}},
	})
	require.NoError(t, err)

	assert.Equal(t, "Bearer s3cret", auth)
	assert.Equal(t, "done", got.Text)
	assert.Equal(t, "c1", got.Conversation.ChannelID)
	require.Len(t, got.Attachments, 1)
	data, err := base64.StdEncoding.DecodeString(got.Attachments[0].Data)
	require.NoError(t, err)
	assert.Equal(t, "ID3data", string(data))
}

func TestWebhookSendErrorClassification(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		transient bool
	}{
		{"server error", http.StatusBadGateway, true},
		{"rate limited", http.StatusTooManyRequests, true},
		{"rejected", http.StatusBadRequest, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			wh, err := NewWebhook(WebhookConfig{URL: srv.URL}, nil)
			require.NoError(t, err)

			err = wh.Send(context.Background(), testConv, Message{Text: "x"})
			require.Error(t, err)
			assert.True(t, errors.Is(err, models.ErrTransportDelivery))
			assert.Equal(t, tt.transient, models.IsTransient(err))
		})
	}
}

func TestWebhookSendUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	wh, err := NewWebhook(WebhookConfig{URL: url, Timeout: time.Second}, nil)
	require.NoError(t, err)

	err = wh.Send(context.Background(), testConv, Message{Text: "x"})
	require.Error(t, err)
	assert.Equal(t, models.ErrorKindTransportDelivery, models.KindOf(err))
	assert.True(t, models.IsTransient(err))
}

func TestWebhookMissingAttachment(t *testing.T) {
	wh, err := NewWebhook(WebhookConfig{URL: "http://127.0.0.1:1"}, nil)
	require.NoError(t, err)

	err = wh.Send(context.Background(), testConv, Message{
		Attachments: []Attachment{{Name: "gone", Path: filepath.Join(t.TempDir(), "gone")}},
	})
	require.Error(t, err)
	assert.False(t, models.IsTransient(err))
}

func TestNewWebhookRequiresURL(t *testing.T) {
	_, err := NewWebhook(WebhookConfig{}, nil)
	assert.Error(t, err)
}
