package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	log "github.com/sirupsen/logrus"
)

// sseWriter streams server-sent events. Every event is flushed immediately so
// the UI sees progress as it happens, not when the run ends.
type sseWriter struct {
	w http.ResponseWriter
	f http.Flusher
}

func newSSEWriter(w http.ResponseWriter) (*sseWriter, error) {
	f, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("response writer does not support streaming")
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	f.Flush()
	return &sseWriter{w: w, f: f}, nil
}

func (s *sseWriter) send(event string, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		log.WithError(err).WithField("event", event).Warn("Dropped unencodable SSE event")
		return
	}
	fmt.Fprintf(s.w, "event:%s\ndata:%s\n\n", event, data)
	s.f.Flush()
}
