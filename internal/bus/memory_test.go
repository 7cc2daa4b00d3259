package bus

import (
	"context"
	"testing"
	"time"
)

func TestMemoryBusAppendAndReadGroup(t *testing.T) {
	b := NewMemoryBus()
	ctx := context.Background()

	if _, err := b.Append(ctx, "event_status_stream:1", "rmon-1-2", []byte("$A,1,2,3")); err != nil {
		t.Fatalf("Append: %v", err)
	}

	entries, err := b.ReadGroup(ctx, "event_status_stream:1", "engine", "c1", 10, 0)
	if err != nil {
		t.Fatalf("ReadGroup: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("got %d entries, want 1", len(entries))
	}
	if entries[0].Field != "rmon-1-2" || entries[0].Value != "$A,1,2,3" {
		t.Errorf("unexpected entry: %+v", entries[0])
	}

	// A second read with no new data returns empty, not an error.
	entries, err = b.ReadGroup(ctx, "event_status_stream:1", "engine", "c1", 10, 0)
	if err != nil {
		t.Fatalf("ReadGroup (empty): %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("expected no new entries, got %d", len(entries))
	}
}

func TestMemoryBusReadGroupIndependentConsumerGroups(t *testing.T) {
	b := NewMemoryBus()
	ctx := context.Background()
	b.Append(ctx, "s", "f", []byte("1"))
	b.Append(ctx, "s", "f", []byte("2"))

	g1, _ := b.ReadGroup(ctx, "s", "group-a", "c1", 10, 0)
	g2, _ := b.ReadGroup(ctx, "s", "group-b", "c1", 10, 0)

	if len(g1) != 2 || len(g2) != 2 {
		t.Fatalf("expected both groups to read both entries independently, got %d and %d", len(g1), len(g2))
	}
}

func TestMemoryBusAckRemovesPending(t *testing.T) {
	b := NewMemoryBus()
	ctx := context.Background()
	b.Append(ctx, "s", "f", []byte("1"))
	entries, _ := b.ReadGroup(ctx, "s", "grp", "c1", 10, 0)
	if len(entries) != 1 {
		t.Fatalf("setup: expected 1 entry")
	}
	if err := b.Ack(ctx, "s", "grp", entries[0].ID); err != nil {
		t.Fatalf("Ack: %v", err)
	}
	if _, ok := b.pending[groupKey("s", "grp")][entries[0].ID]; ok {
		t.Error("entry still pending after Ack")
	}
}

func TestMemoryBusKVWithTTL(t *testing.T) {
	b := NewMemoryBus()
	ctx := context.Background()

	if err := b.Set(ctx, "k", "v", 10*time.Millisecond); err != nil {
		t.Fatalf("Set: %v", err)
	}
	v, ok, err := b.Get(ctx, "k")
	if err != nil || !ok || v != "v" {
		t.Fatalf("Get immediately after Set = %q, %v, %v", v, ok, err)
	}

	time.Sleep(20 * time.Millisecond)
	_, ok, err = b.Get(ctx, "k")
	if err != nil {
		t.Fatalf("Get after expiry: %v", err)
	}
	if ok {
		t.Error("expected key to have expired")
	}
}

func TestMemoryBusHash(t *testing.T) {
	b := NewMemoryBus()
	ctx := context.Background()

	if err := b.HSet(ctx, "h", "f1", "v1", 0); err != nil {
		t.Fatalf("HSet: %v", err)
	}
	if err := b.HSet(ctx, "h", "f2", "v2", 0); err != nil {
		t.Fatalf("HSet: %v", err)
	}

	all, err := b.HGetAll(ctx, "h")
	if err != nil {
		t.Fatalf("HGetAll: %v", err)
	}
	if len(all) != 2 || all["f1"] != "v1" || all["f2"] != "v2" {
		t.Errorf("HGetAll = %+v", all)
	}

	if err := b.HDel(ctx, "h", "f1"); err != nil {
		t.Fatalf("HDel: %v", err)
	}
	if _, ok, _ := b.HGet(ctx, "h", "f1"); ok {
		t.Error("field still present after HDel")
	}
}

func TestMemoryBusPubSub(t *testing.T) {
	b := NewMemoryBus()
	ctx := context.Background()

	received := make(chan []byte, 1)
	sub, err := b.Subscribe(ctx, "send_full_status", func(payload []byte) {
		received <- payload
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Unsubscribe()

	if err := b.Publish(ctx, "send_full_status", []byte(`{"eventId":1}`), false); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case payload := <-received:
		if string(payload) != `{"eventId":1}` {
			t.Errorf("got payload %q", payload)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for published message")
	}
}

func TestMemoryBusUnsubscribeStopsDelivery(t *testing.T) {
	b := NewMemoryBus()
	ctx := context.Background()

	count := 0
	sub, _ := b.Subscribe(ctx, "ch", func([]byte) { count++ })
	b.Publish(ctx, "ch", []byte("1"), false)
	sub.Unsubscribe()
	b.Publish(ctx, "ch", []byte("2"), false)

	if count != 1 {
		t.Errorf("count = %d, want 1 (unsubscribe should stop delivery)", count)
	}
}
