package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/psantana5/mediabot/pkg/logging"
	"github.com/psantana5/mediabot/pkg/models"
)

// PayloadHandler accepts raw webhook bodies
type PayloadHandler interface {
	HandlePayload(ctx context.Context, body []byte) error
}

// WebhookHandler passes inbound chat platform pushes to the dispatcher
type WebhookHandler struct {
	handler      PayloadHandler
	maxBodyBytes int64
	logger       *logging.Logger
}

// ServeHTTP answers 202 once the event is accepted. Job execution and the
// reply happen later.
func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, "Payload too large", http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, "Failed to read body", http.StatusBadRequest)
		return
	}

	// The request context ends with this response; the dispatcher keeps its own
	if err := h.handler.HandlePayload(context.WithoutCancel(r.Context()), body); err != nil {
		if errors.Is(err, models.ErrInput) {
			h.logger.Debug("Rejected webhook payload", logging.Fields{"error": err.Error()})
			http.Error(w, "Invalid payload", http.StatusBadRequest)
			return
		}
		h.logger.Warn("Webhook not accepted", logging.Fields{"error": err.Error()})
		http.Error(w, "Unavailable", http.StatusServiceUnavailable)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]string{"status": "accepted"})
}
