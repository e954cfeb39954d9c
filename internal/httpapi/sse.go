package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/mcpgate/mcpgate/internal/errs"
)

// keepAliveInterval is how often an idle stream gets a comment line so
// proxies don't cut the connection.
const keepAliveInterval = 15 * time.Second

// handleLogStream serves captured backend log lines over server-sent
// events: a backfill of recent lines first, then a live tail until the
// client goes away.
func (s *Server) handleLogStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, errs.New(errs.Internal, "streaming unsupported"))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	// Subscribe before backfilling so nothing falls in the gap; entries the
	// backfill already covered are skipped by sequence number.
	live, unsubscribe := s.logs.subscribe()
	defer unsubscribe()

	var lastSeq uint64
	for _, entry := range s.logs.snapshot() {
		if err := writeEvent(w, entry); err != nil {
			streamError(w, flusher)
			return
		}
		lastSeq = entry.Seq
	}
	flusher.Flush()

	keepAlive := time.NewTicker(keepAliveInterval)
	defer keepAlive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepAlive.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case entry := <-live:
			if entry.Seq <= lastSeq {
				continue
			}
			if err := writeEvent(w, entry); err != nil {
				streamError(w, flusher)
				return
			}
			lastSeq = entry.Seq
			flusher.Flush()
		}
	}
}

// streamError emits a best-effort terminal error event before the stream
// closes.
func streamError(w http.ResponseWriter, flusher http.Flusher) {
	_, _ = fmt.Fprint(w, "event: error\ndata: {\"message\":\"log stream failed\"}\n\n")
	flusher.Flush()
}

func writeEvent(w http.ResponseWriter, entry logEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "id: %d\nevent: log\ndata: %s\n\n", entry.Seq, data)
	return err
}
