package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"
)

const streamHeartbeat = 15 * time.Second

// stream pushes the member's profile and commission changes as server-sent
// events until the client disconnects.
func (h *APIHandlers) stream(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	uid := ps.ByName("uid")
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	changes, cancel, err := h.members.Subscribe(r.Context(), uid)
	if err != nil {
		h.fail(w, "subscribe", err, zap.String("uid", uid))
		return
	}
	defer cancel()

	// Streams outlive the server write timeout.
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()

	heartbeat := time.NewTicker(streamHeartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		case change, open := <-changes:
			if !open {
				return
			}
			var data any
			switch {
			case change.Commission != nil:
				data = toCommissionResponse(*change.Commission)
			case change.Profile != nil:
				data = toProfileResponse(*change.Profile)
			}
			payload, err := json.Marshal(data)
			if err != nil {
				h.logger.Warn("encode stream change", zap.String("uid", uid), zap.Error(err))
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", change.Kind, payload)
			flusher.Flush()
		}
	}
}
