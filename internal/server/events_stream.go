package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/crosslist/autopilot/internal/events"
)

// EventsStreamHandler streams the audit event bus to clients over SSE.
type EventsStreamHandler struct {
	bus *events.Bus
	log zerolog.Logger
}

// NewEventsStreamHandler creates a new events stream handler.
func NewEventsStreamHandler(bus *events.Bus, log zerolog.Logger) *EventsStreamHandler {
	return &EventsStreamHandler{
		bus: bus,
		log: log.With().Str("component", "events_stream").Logger(),
	}
}

// ServeHTTP handles GET /api/events/stream requests (SSE).
func (h *EventsStreamHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming not supported", http.StatusInternalServerError)
		return
	}

	var allowedTypes map[events.EventType]bool
	if filter := r.URL.Query().Get("types"); filter != "" {
		allowedTypes = make(map[events.EventType]bool)
		for _, t := range strings.Split(filter, ",") {
			allowedTypes[events.EventType(strings.TrimSpace(t))] = true
		}
	}

	// Buffered so a slow client drops events instead of blocking publishers.
	eventChan := make(chan *events.Event, 100)
	h.bus.SubscribeAll(func(event *events.Event) {
		if allowedTypes != nil && !allowedTypes[event.Type] {
			return
		}
		select {
		case eventChan <- event:
		default:
			h.log.Warn().Str("event_type", string(event.Type)).Msg("Event channel full, dropping event")
		}
	})

	h.log.Info().Msg("Client connected to event stream")

	fmt.Fprintf(w, "data: %s\n\n", h.encode(map[string]interface{}{
		"type": "connected",
	}))
	flusher.Flush()

	heartbeat := time.NewTicker(30 * time.Second)
	defer heartbeat.Stop()

	done := r.Context().Done()
	for {
		select {
		case <-done:
			h.log.Info().Msg("Client disconnected from event stream")
			return

		case event := <-eventChan:
			fmt.Fprintf(w, "data: %s\n\n", h.encode(map[string]interface{}{
				"type":      string(event.Type),
				"module":    event.Module,
				"timestamp": event.Timestamp.Format(time.RFC3339),
				"data":      event.Data,
			}))
			flusher.Flush()

		case <-heartbeat.C:
			fmt.Fprintf(w, "data: %s\n\n", h.encode(map[string]interface{}{
				"type":      "heartbeat",
				"timestamp": time.Now().UTC().Format(time.RFC3339),
			}))
			flusher.Flush()
		}
	}
}

func (h *EventsStreamHandler) encode(event map[string]interface{}) string {
	data, err := json.Marshal(event)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to marshal event")
		return `{"error":"failed to encode event"}`
	}
	return string(data)
}
