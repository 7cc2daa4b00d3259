package snapshot

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"

	"github.com/redmist-timing/engine/internal/state"
)

func newTestHandler(t *testing.T) (*mux.Router, *state.Store) {
	t.Helper()
	store := state.NewStore()
	log, _ := test.NewNullLogger()
	router := mux.NewRouter()
	NewHandler(store, logrus.NewEntry(log)).Register(router)
	return router, store
}

func TestServeSnapshotReturnsEncodedState(t *testing.T) {
	router, store := newTestHandler(t)
	session := state.NewSessionState(7, 1)
	session.EventName = "Test Race"
	store.Put(session)

	req := httptest.NewRequest(http.MethodGet, "/internal/events/7/snapshot", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/msgpack" {
		t.Errorf("Content-Type = %q, want application/msgpack", ct)
	}

	got, err := state.DecodeSessionStateMsgpack(rec.Body.Bytes())
	if err != nil {
		t.Fatalf("decode response body: %v", err)
	}
	if got.EventID != 7 || got.EventName != "Test Race" {
		t.Errorf("decoded snapshot = %+v", got)
	}
}

func TestServeSnapshotUnknownEventReturns404(t *testing.T) {
	router, _ := newTestHandler(t)

	req := httptest.NewRequest(http.MethodGet, "/internal/events/999/snapshot", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestServeSnapshotInvalidEventIDReturns400(t *testing.T) {
	router, _ := newTestHandler(t)

	req := httptest.NewRequest(http.MethodGet, "/internal/events/not-a-number/snapshot", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}
