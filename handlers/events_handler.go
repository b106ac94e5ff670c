package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/howardjong/AgentPrice-sub011/middleware"
	"github.com/howardjong/AgentPrice-sub011/services/broadcast"
	"github.com/howardjong/AgentPrice-sub011/utils"
)

// heartbeatInterval is how often an SSE comment is written to keep
// idle connections from being reaped by intermediaries.
const heartbeatInterval = 15 * time.Second

// EventStream manages streaming subscriptions. Implemented by
// *broadcast.Service.
type EventStream interface {
	Subscribe(id string, topics ...string) (*broadcast.Subscriber, error)
	Unsubscribe(id string)
}

// EventsHandler streams broadcast envelopes over Server-Sent Events
type EventsHandler struct {
	stream EventStream
	logger *zap.Logger
}

// NewEventsHandler creates a new EventsHandler
func NewEventsHandler(stream EventStream, logger *zap.Logger) *EventsHandler {
	return &EventsHandler{
		stream: stream,
		logger: logger,
	}
}

// HandleEvents handles GET /v1/events
// Subscribes the client to the requested topics (all topics when none
// are given) and streams envelopes until the client disconnects. The
// first frame is the subscription ack, followed by the current status
// baseline, then live deltas.
func (h *EventsHandler) HandleEvents(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	flusher, ok := w.(http.Flusher)
	if !ok {
		_ = utils.WriteInternalServerError(w, "Streaming unsupported")
		return
	}

	subscriberID := middleware.GetRequestIDFromContext(ctx)
	if subscriberID == "" {
		subscriberID = uuid.New().String()
	}

	sub, err := h.stream.Subscribe(subscriberID, parseTopics(r.URL.Query().Get("topics"))...)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	defer h.stream.Unsubscribe(subscriberID)

	// The stream outlives the server's write timeout; clear the deadline
	// for this connection. Not every ResponseWriter supports it (the
	// test recorder does not), so the error is ignored.
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	h.logger.Info("event stream opened",
		zap.String("subscriber_id", subscriberID),
		zap.Strings("topics", sub.Topics()))

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			h.logger.Debug("event stream client disconnected",
				zap.String("subscriber_id", subscriberID))
			return

		case env, open := <-sub.C:
			if !open {
				// Service shut the subscription down.
				h.logger.Debug("event stream closed by service",
					zap.String("subscriber_id", subscriberID))
				return
			}
			if err := writeEvent(w, env); err != nil {
				h.logger.Debug("event stream write failed",
					zap.String("subscriber_id", subscriberID),
					zap.Error(err))
				return
			}
			flusher.Flush()

		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// writeEvent writes one envelope as an SSE frame. The envelope type
// doubles as the SSE event name so clients can addEventListener per
// message kind.
func writeEvent(w http.ResponseWriter, env broadcast.Envelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", env.Type, payload)
	return err
}

// parseTopics splits a comma-separated topics parameter, dropping
// empty entries.
func parseTopics(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	topics := make([]string, 0, len(parts))
	for _, part := range parts {
		if topic := strings.TrimSpace(part); topic != "" {
			topics = append(topics, topic)
		}
	}
	return topics
}
