package subhub

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"

	"github.com/redmist-timing/engine/internal/bus"
)

func newTestHub(t *testing.T) (*Hub, *bus.MemoryBus) {
	t.Helper()
	mb := bus.NewMemoryBus()
	log, _ := test.NewNullLogger()
	return New(mb, logrus.NewEntry(log)), mb
}

func TestSubscribeToEventJoinsGroupAndRequestsFullStatus(t *testing.T) {
	hub, mb := newTestHub(t)
	ctx := context.Background()

	var mu sync.Mutex
	var received []byte
	sub, err := mb.Subscribe(ctx, "send_full_status", func(payload []byte) {
		mu.Lock()
		defer mu.Unlock()
		received = payload
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Unsubscribe()

	if err := hub.OnConnect(ctx, "conn-1", "client-a"); err != nil {
		t.Fatalf("OnConnect: %v", err)
	}
	if err := hub.SubscribeToEvent(ctx, "conn-1", 42); err != nil {
		t.Fatalf("SubscribeToEvent: %v", err)
	}

	conns, err := mb.HGetAll(ctx, "status_event_connections:42")
	if err != nil || len(conns) != 1 {
		t.Fatalf("expected one subscriber in event 42's group, got %v err=%v", conns, err)
	}

	mu.Lock()
	defer mu.Unlock()
	if received == nil {
		t.Fatal("expected a send_full_status publish")
	}
	var req struct {
		EventID      int    `json:"eventId"`
		ConnectionID string `json:"connectionId"`
	}
	if err := json.Unmarshal(received, &req); err != nil {
		t.Fatalf("unmarshal full-status request: %v", err)
	}
	if req.EventID != 42 || req.ConnectionID != "conn-1" {
		t.Errorf("got %+v, want eventId=42 connectionId=conn-1", req)
	}
}

func TestSwitchingEventLeavesPriorGroup(t *testing.T) {
	hub, mb := newTestHub(t)
	ctx := context.Background()

	hub.OnConnect(ctx, "conn-1", "client-a")
	if err := hub.SubscribeToEvent(ctx, "conn-1", 1); err != nil {
		t.Fatal(err)
	}
	if err := hub.SubscribeToEvent(ctx, "conn-1", 2); err != nil {
		t.Fatal(err)
	}

	oldGroup, _ := mb.HGetAll(ctx, "status_event_connections:1")
	if len(oldGroup) != 0 {
		t.Errorf("expected conn-1 removed from event 1's group, got %v", oldGroup)
	}
	newGroup, _ := mb.HGetAll(ctx, "status_event_connections:2")
	if len(newGroup) != 1 {
		t.Errorf("expected conn-1 present in event 2's group, got %v", newGroup)
	}
}

func TestOnDisconnectRemovesConnectionAndGroupMembership(t *testing.T) {
	hub, mb := newTestHub(t)
	ctx := context.Background()

	hub.OnConnect(ctx, "conn-1", "client-a")
	hub.SubscribeToEvent(ctx, "conn-1", 1)

	hub.OnDisconnect(ctx, "conn-1")

	if _, ok, _ := mb.HGet(ctx, "status_connections", "conn-1"); ok {
		t.Error("expected connection record removed")
	}
	group, _ := mb.HGetAll(ctx, "status_event_connections:1")
	if len(group) != 0 {
		t.Errorf("expected group membership removed on disconnect, got %v", group)
	}
}

func TestInCarSubscriptionTracksGauge(t *testing.T) {
	hub, mb := newTestHub(t)
	ctx := context.Background()

	if err := hub.SubscribeToInCarDriverEvent(ctx, "conn-1", 1, "12"); err != nil {
		t.Fatalf("SubscribeToInCarDriverEvent: %v", err)
	}
	group, err := mb.HGetAll(ctx, "status_in_car_connections:1:12")
	if err != nil || len(group) != 1 {
		t.Fatalf("expected one in-car subscriber, got %v err=%v", group, err)
	}

	if err := hub.UnsubscribeFromInCarDriverEvent(ctx, "conn-1", 1, "12"); err != nil {
		t.Fatalf("UnsubscribeFromInCarDriverEvent: %v", err)
	}
	group, _ = mb.HGetAll(ctx, "status_in_car_connections:1:12")
	if len(group) != 0 {
		t.Errorf("expected in-car subscriber removed, got %v", group)
	}
}
