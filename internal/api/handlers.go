package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/cybertec-postgresql/offline_sync/internal/network"
	"github.com/cybertec-postgresql/offline_sync/internal/record"
	"github.com/cybertec-postgresql/offline_sync/internal/status"
	"github.com/cybertec-postgresql/offline_sync/internal/store"
)

const maxBodyBytes = 1 << 20

type handlers struct {
	svc Syncer
}

// statusView is the JSON form of SyncInfo
type statusView struct {
	status.SyncInfo
	Error string `json:"error,omitempty"`
}

func newStatusView(info status.SyncInfo) statusView {
	return statusView{SyncInfo: info, Error: info.ErrorMessage()}
}

type networkView struct {
	Status     network.Status `json:"status"`
	HasSession bool           `json:"hasSession"`
}

func (h *handlers) networkView() networkView {
	m := h.svc.NetworkMonitor()
	return networkView{Status: m.CurrentStatus(), HasSession: m.HasSession()}
}

func (h *handlers) health(w http.ResponseWriter, _ *http.Request) {
	writeJSONResponse(w, map[string]string{"status": "ok"}, http.StatusOK)
}

func (h *handlers) getStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSONResponse(w, newStatusView(h.svc.StatusPublisher().Current()), http.StatusOK)
}

func (h *handlers) getNetwork(w http.ResponseWriter, _ *http.Request) {
	writeJSONResponse(w, h.networkView(), http.StatusOK)
}

func (h *handlers) putNetwork(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Online *bool `json:"online"`
	}
	if err := decodeBody(r, &body); err != nil || body.Online == nil {
		writeErrorResponse(w, "expected {\"online\": bool}", http.StatusBadRequest)
		return
	}
	h.svc.NetworkMonitor().SetNetworkOnline(*body.Online)
	writeJSONResponse(w, h.networkView(), http.StatusOK)
}

func (h *handlers) putSession(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Active *bool `json:"active"`
	}
	if err := decodeBody(r, &body); err != nil || body.Active == nil {
		writeErrorResponse(w, "expected {\"active\": bool}", http.StatusBadRequest)
		return
	}
	h.svc.NetworkMonitor().SetSession(*body.Active)
	writeJSONResponse(w, h.networkView(), http.StatusOK)
}

func (h *handlers) triggerSync(w http.ResponseWriter, _ *http.Request) {
	h.svc.TriggerDrain()
	writeJSONResponse(w, newStatusView(h.svc.StatusPublisher().Current()), http.StatusAccepted)
}

func (h *handlers) saveRecord(w http.ResponseWriter, r *http.Request) {
	collection, err := urlParam(r, "collection")
	if err != nil {
		writeErrorResponse(w, err.Error(), http.StatusBadRequest)
		return
	}

	var doc record.Document
	if err := decodeBody(r, &doc); err != nil || doc == nil {
		writeErrorResponse(w, "request body must be a JSON object", http.StatusBadRequest)
		return
	}

	id, err := h.svc.Save(r.Context(), collection, doc)
	if err != nil {
		h.storageError(w, err, collection)
		return
	}
	writeJSONResponse(w, map[string]string{"id": id}, http.StatusAccepted)
}

func (h *handlers) getRecord(w http.ResponseWriter, r *http.Request) {
	collection, id, ok := recordParams(w, r)
	if !ok {
		return
	}
	doc, found, err := h.svc.GetCached(r.Context(), collection, id)
	if err != nil {
		h.storageError(w, err, collection)
		return
	}
	if !found {
		writeErrorResponse(w, "record not cached", http.StatusNotFound)
		return
	}
	writeJSONResponse(w, doc, http.StatusOK)
}

func (h *handlers) deleteRecord(w http.ResponseWriter, r *http.Request) {
	collection, id, ok := recordParams(w, r)
	if !ok {
		return
	}
	if err := h.svc.Delete(r.Context(), collection, id); err != nil {
		h.storageError(w, err, collection)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (h *handlers) storageError(w http.ResponseWriter, err error, collection string) {
	logrus.WithError(err).WithField("collection", collection).Error("Local storage request failed")
	if errors.Is(err, store.ErrStorage) {
		writeErrorResponse(w, "change could not be stored locally", http.StatusInternalServerError)
		return
	}
	writeErrorResponse(w, err.Error(), http.StatusBadRequest)
}

func recordParams(w http.ResponseWriter, r *http.Request) (collection, id string, ok bool) {
	var err error
	if collection, err = urlParam(r, "collection"); err == nil {
		id, err = urlParam(r, "id")
	}
	if err != nil {
		writeErrorResponse(w, err.Error(), http.StatusBadRequest)
		return "", "", false
	}
	return collection, id, true
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	return dec.Decode(v)
}
