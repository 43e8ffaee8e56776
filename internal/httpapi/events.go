package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/reflectt/boardserver/internal/events"
)

func (s *Server) registerEventRoutes() {
	s.router.HandleFunc("/events", s.handleEvents).Methods(http.MethodGet)
	s.router.HandleFunc("/ws", s.Hub.ServeWS).Methods(http.MethodGet)
}

func splitCSV(v string) []string {
	if v == "" {
		return nil
	}
	return strings.Split(v, ",")
}

// handleEvents streams the board's event bus as SSE (spec §6.1): each
// event renders as "event: <type>\ndata: <json>\n\n", and a coalesced
// batch renders as a single "batch" event wrapping a JSON array.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	q := r.URL.Query()
	topics := splitCSV(q.Get("topics"))
	types := splitCSV(q.Get("types"))
	agent := q.Get("agent")

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	if since := q.Get("since"); since != "" {
		if t, err := time.Parse(time.RFC3339, since); err == nil {
			backlog := s.Bus.Since(t, agent, 500)
			for _, ev := range backlog {
				writeSSEEvent(w, ev)
			}
			flusher.Flush()
		}
	}

	client := s.Bus.NewSSESubscriber(topics, types, agent)
	defer s.Bus.RemoveSSESubscriber(client)

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case flush, ok := <-client.Out:
			if !ok {
				return
			}
			if flush.Single != nil {
				writeSSEEvent(w, *flush.Single)
			} else if len(flush.Batch) > 0 {
				writeSSEBatch(w, flush.Batch)
			}
			flusher.Flush()
		}
	}
}

func writeSSEEvent(w http.ResponseWriter, ev events.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
}

func writeSSEBatch(w http.ResponseWriter, evs []events.Event) {
	data, err := json.Marshal(evs)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: batch\ndata: %s\n\n", data)
}
