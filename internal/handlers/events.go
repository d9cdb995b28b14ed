package handlers

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/karigai/settlement/internal/platform/events"
	"github.com/karigai/settlement/internal/platform/httpx"
	"github.com/karigai/settlement/internal/platform/requestctx"
	"github.com/karigai/settlement/internal/services"
)

const maxPushBodySize = 256 * 1024

// EventPushHandlers receives Pub/Sub push deliveries and fans them out to webhook subscribers.
// Authentication (OIDC) is applied by the /internal route group.
type EventPushHandlers struct {
	dispatcher services.WebhookDispatcher
}

// NewEventPushHandlers constructs the push endpoint handlers.
func NewEventPushHandlers(dispatcher services.WebhookDispatcher) *EventPushHandlers {
	return &EventPushHandlers{dispatcher: dispatcher}
}

// Routes registers the push endpoint.
func (h *EventPushHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/events/push", h.push)
}

// push acks malformed messages so Pub/Sub stops redelivering them, and answers 500 when the
// subscription list could not be read so the message is retried.
func (h *EventPushHandlers) push(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := requestctx.Logger(ctx)
	if h.dispatcher == nil {
		httpx.WriteError(ctx, w, httpx.NewError("dispatcher_unavailable", "webhook dispatcher unavailable", http.StatusServiceUnavailable))
		return
	}

	body, err := readLimitedBody(r, maxPushBodySize)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, errBodyTooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), status))
		return
	}

	event, err := events.DecodePush(body)
	if err != nil {
		logger.Warn("dropping malformed push message", zap.Error(err))
		w.WriteHeader(http.StatusNoContent)
		return
	}

	if err := h.dispatcher.Dispatch(ctx, event); err != nil {
		logger.Error("webhook dispatch failed", zap.String("eventId", event.ID), zap.String("eventType", event.Type), zap.Error(err))
		httpx.WriteError(ctx, w, httpx.NewError("dispatch_failed", "webhook dispatch failed", http.StatusInternalServerError))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
