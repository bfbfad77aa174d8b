package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/cybertec-postgresql/offline_sync/internal/network"
	"github.com/cybertec-postgresql/offline_sync/internal/status"
)

func (h *handlers) streamStatus(w http.ResponseWriter, r *http.Request) {
	streamEvents(w, r, "status", func(send func(any)) func() {
		return h.svc.StatusPublisher().Subscribe(func(info status.SyncInfo) {
			send(newStatusView(info))
		})
	})
}

func (h *handlers) streamNetwork(w http.ResponseWriter, r *http.Request) {
	streamEvents(w, r, "network", func(send func(any)) func() {
		m := h.svc.NetworkMonitor()
		return m.Subscribe(func(st network.Status) {
			send(networkView{Status: st, HasSession: m.HasSession()})
		})
	})
}

// eventBuffer is the number of undelivered events kept per client. A client that falls
// further behind loses the oldest events; the newest one is always delivered.
const eventBuffer = 32

// streamEvents writes server-sent events until the client goes away. Events are sent in
// publication order and a slow client never blocks the publisher.
func streamEvents(w http.ResponseWriter, r *http.Request, event string, subscribe func(send func(any)) func()) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeErrorResponse(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	updates := make(chan any, eventBuffer)
	unsubscribe := subscribe(func(v any) {
		for {
			select {
			case updates <- v:
				return
			default:
			}
			select {
			case <-updates:
			default:
			}
		}
	})
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case v := <-updates:
			data, err := json.Marshal(v)
			if err != nil {
				logrus.WithError(err).WithField("event", event).Error("Failed to encode event")
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
