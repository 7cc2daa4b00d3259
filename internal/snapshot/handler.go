// Package snapshot exposes the small inter-service HTTP endpoint one
// engine process calls on another to fetch an event's current state
// (spec.md §6): the caller resolves the owning process's address via the
// endpoint registry (C9), then fetches the msgpack-encoded snapshot
// directly rather than going through the subscriber (C8) fan-out path.
// Routing follows r3e-network-service_layer's
// infrastructure/service.Runner pattern (one mux.Router, handlers
// registered with .Methods()).
package snapshot

import (
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/redmist-timing/engine/internal/state"
)

// Handler serves GET /internal/events/{eventId}/snapshot.
type Handler struct {
	store *state.Store
	log   *logrus.Entry
}

func NewHandler(store *state.Store, log *logrus.Entry) *Handler {
	return &Handler{store: store, log: log}
}

// Register attaches the snapshot route to router.
func (h *Handler) Register(router *mux.Router) {
	router.HandleFunc("/internal/events/{eventId}/snapshot", h.serveSnapshot).Methods(http.MethodGet)
}

func (h *Handler) serveSnapshot(w http.ResponseWriter, r *http.Request) {
	eventID, err := strconv.Atoi(mux.Vars(r)["eventId"])
	if err != nil {
		http.Error(w, "invalid event id", http.StatusBadRequest)
		return
	}

	session, ok := h.store.Get(eventID)
	if !ok {
		http.Error(w, "no live session for event", http.StatusNotFound)
		return
	}

	data, err := session.EncodeMsgpack()
	if err != nil {
		h.log.WithError(err).Warn("encoding snapshot for inter-service fetch failed")
		http.Error(w, "encode failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/msgpack")
	w.Write(data)
}
