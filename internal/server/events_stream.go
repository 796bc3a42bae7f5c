package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/atlasalgo/portfolio-engine/internal/events"
)

// EventsStreamHandler streams bus events to SSE clients. Each client
// gets its own buffered channel; a slow client drops events rather
// than stall the publishers.
type EventsStreamHandler struct {
	bus *events.Bus
	log zerolog.Logger
}

// NewEventsStreamHandler creates the SSE handler
func NewEventsStreamHandler(bus *events.Bus, log zerolog.Logger) *EventsStreamHandler {
	return &EventsStreamHandler{
		bus: bus,
		log: log.With().Str("handler", "events_stream").Logger(),
	}
}

// ServeHTTP streams events until the client disconnects. The ?types=
// parameter restricts the stream to a comma-separated set of event
// types.
func (h *EventsStreamHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")

	filter := parseTypeFilter(r.URL.Query().Get("types"))

	eventChan := make(chan *events.Event, 100)
	var unsubscribes []func()
	for _, eventType := range events.AllEventTypes() {
		if filter != nil && !filter[eventType] {
			continue
		}
		unsubscribes = append(unsubscribes, h.bus.Subscribe(eventType, func(event *events.Event) {
			select {
			case eventChan <- event:
			default:
				h.log.Warn().
					Str("type", string(event.Type)).
					Msg("Event stream buffer full, dropping event")
			}
		}))
	}
	defer func() {
		for _, unsubscribe := range unsubscribes {
			unsubscribe()
		}
	}()

	h.log.Info().
		Str("remote", r.RemoteAddr).
		Int("subscriptions", len(unsubscribes)).
		Msg("Client connected to event stream")

	fmt.Fprintf(w, "data: %s\n\n", h.encodeFrame(map[string]interface{}{
		"type":      "connected",
		"timestamp": time.Now().Format(time.RFC3339),
	}))
	flusher.Flush()

	heartbeat := time.NewTicker(30 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			h.log.Info().Str("remote", r.RemoteAddr).Msg("Client disconnected from event stream")
			return

		case event := <-eventChan:
			payload, err := json.Marshal(event)
			if err != nil {
				h.log.Error().Err(err).Str("type", string(event.Type)).Msg("Failed to encode event")
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", payload)
			flusher.Flush()

		case <-heartbeat.C:
			// Keeps intermediaries from reaping the idle connection
			fmt.Fprintf(w, "data: %s\n\n", h.encodeFrame(map[string]interface{}{
				"type":      "heartbeat",
				"timestamp": time.Now().Format(time.RFC3339),
			}))
			flusher.Flush()
		}
	}
}

func (h *EventsStreamHandler) encodeFrame(frame map[string]interface{}) string {
	data, err := json.Marshal(frame)
	if err != nil {
		return `{"type":"error"}`
	}
	return string(data)
}

// parseTypeFilter parses the comma-separated types parameter. A nil
// result means no filter.
func parseTypeFilter(raw string) map[events.EventType]bool {
	if raw == "" {
		return nil
	}
	filter := make(map[events.EventType]bool)
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		filter[events.EventType(part)] = true
	}
	if len(filter) == 0 {
		return nil
	}
	return filter
}
