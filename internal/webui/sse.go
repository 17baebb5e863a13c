package webui

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/haasonsaas/teleton/internal/lifecycle"
)

// sseBuffer bounds undelivered events per client; a slow client drops old
// transitions rather than blocking the supervisor.
const sseBuffer = 16

// handleAgentEvents streams lifecycle transitions as SSE. On connect the
// current status is emitted immediately, then every transition, with a ping
// every heartbeat period. The listener is released when the client goes away;
// server Stop ends the stream with a close event instead.
func (s *Server) handleAgentEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	s.metrics.sseConnected()
	defer s.metrics.sseDisconnected()

	events := make(chan lifecycle.Event, sseBuffer)
	var unsubscribe func()
	if sup := s.config.Supervisor; sup != nil {
		unsubscribe = sup.Subscribe(func(event lifecycle.Event) {
			select {
			case events <- event:
			default:
			}
		})
		defer unsubscribe()
	}

	s.writeStatusEvent(w, s.currentStatus(), s.now())
	flusher.Flush()

	ticker := time.NewTicker(s.ping)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-s.closing:
			fmt.Fprint(w, "event: close\ndata: {}\n\n")
			flusher.Flush()
			return
		case event := <-events:
			status := agentStatus{State: event.State}
			if event.Err != nil {
				status.Error = event.Err.Error()
			}
			if uptime, ok := s.uptime(); ok {
				status.Uptime = uptime.Seconds()
			}
			s.writeStatusEvent(w, status, event.Timestamp)
			flusher.Flush()
		case <-ticker.C:
			fmt.Fprint(w, "event: ping\ndata: {}\n\n")
			flusher.Flush()
		}
	}
}

func (s *Server) uptime() (time.Duration, bool) {
	if s.config.Supervisor == nil {
		return 0, false
	}
	return s.config.Supervisor.Uptime()
}

func (s *Server) writeStatusEvent(w http.ResponseWriter, status agentStatus, at time.Time) {
	data, err := json.Marshal(status)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: status\nid: %d\ndata: %s\n\n", at.UnixMilli(), data)
}
