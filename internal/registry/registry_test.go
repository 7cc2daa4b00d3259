package registry

import (
	"context"
	"testing"

	"github.com/redmist-timing/engine/internal/bus"
)

func TestAdvertiseAndResolveAddsScheme(t *testing.T) {
	mb := bus.NewMemoryBus()
	reg := New(mb, "10.0.0.5:8080")

	if err := reg.Advertise(context.Background(), 1); err != nil {
		t.Fatalf("Advertise: %v", err)
	}

	endpoint, ok, err := reg.Resolve(context.Background(), 1)
	if err != nil || !ok {
		t.Fatalf("Resolve: ok=%v err=%v", ok, err)
	}
	if endpoint != "http://10.0.0.5:8080" {
		t.Errorf("endpoint = %q, want http://10.0.0.5:8080", endpoint)
	}
}

func TestResolveUnknownEventReturnsNotOK(t *testing.T) {
	mb := bus.NewMemoryBus()
	reg := New(mb, "whatever:1")

	_, ok, err := reg.Resolve(context.Background(), 999)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if ok {
		t.Error("expected ok=false for an event with no advertised endpoint")
	}
}

func TestWithdrawRemovesEndpoint(t *testing.T) {
	mb := bus.NewMemoryBus()
	reg := New(mb, "host:1")
	reg.Advertise(context.Background(), 2)

	if err := reg.Withdraw(context.Background(), 2); err != nil {
		t.Fatalf("Withdraw: %v", err)
	}
	_, ok, _ := reg.Resolve(context.Background(), 2)
	if ok {
		t.Error("expected endpoint removed after Withdraw")
	}
}
