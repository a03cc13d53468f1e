package httptransport

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"cms-job-service/internal/events"
)

const ssePingInterval = 15 * time.Second

// StreamEvents godoc
// @Summary Stream job progress events
// @Description Server-sent events for one job id. Best effort: a dropped connection loses nothing, the job row stays authoritative and can be polled. The stream closes after a terminal event.
// @Tags events
// @Produce text/event-stream
// @Param id path string true "job id (uuid)"
// @Success 200 {string} string "event stream"
// @Failure 400 {object} apiError
// @Router /articles/{id}/events [get]
func (h *Handler) StreamEvents(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(r)
	if !ok {
		writeErr(w, http.StatusBadRequest, "invalid id")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeErr(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ch, cancel := h.bus.Subscribe(id.String())
	defer cancel()

	ping := time.NewTicker(ssePingInterval)
	defer ping.Stop()

	for {
		select {
		case <-r.Context().Done():
			return

		case <-ping.C:
			// comment line keeps proxies from timing the stream out
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()

		case ev, open := <-ch:
			if !open {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
			flusher.Flush()

			switch ev.Type {
			case events.TypeCompleted, events.TypeFailed, events.TypeCancelled:
				return
			}
		}
	}
}
