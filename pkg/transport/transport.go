package transport

import (
	"context"
	"errors"

	"github.com/psantana5/mediabot/pkg/models"
)

// Attachment is a local file sent alongside a reply
type Attachment struct {
	Name        string `json:"name"`
	ContentType string `json:"content_type"`
	Path        string `json:"-"`
}

// Message is one outbound reply
type Message struct {
	Text        string       `json:"text"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

// Transport delivers replies to a chat platform
type Transport interface {
	Name() string
	Send(ctx context.Context, conv models.ConversationContext, msg Message) error
}

// EventHandler receives inbound chat events. Implementations must not block.
type EventHandler interface {
	Handle(ctx context.Context, event models.ChatEvent)
}

// EventHandlerFunc adapts a function to EventHandler
type EventHandlerFunc func(ctx context.Context, event models.ChatEvent)

// Handle calls f(ctx, event)
func (f EventHandlerFunc) Handle(ctx context.Context, event models.ChatEvent) {
	f(ctx, event)
}

// deliveryError wraps a send failure. Transient follows the underlying cause
// unless the platform rejected the message outright.
func deliveryError(op string, err error, transient bool) error {
	je := models.NewJobError(models.ErrorKindTransportDelivery, op, "reply delivery failed", err)
	je.Transient = transient
	if errors.Is(err, context.Canceled) {
		je.Transient = false
	}
	return je
}
