// Package registry implements the endpoint registry (spec component C9):
// a thin wrapper over bus.Bus's KV primitive that lets other services
// discover which process owns an event's live pipeline. The env-var
// resolution this needs (event_id, job_name) already lives in
// internal/config (EventID/JobName/EndpointURL); this package only owns
// the bus-backed lease itself.
package registry

import (
	"context"
	"fmt"
	"time"

	"github.com/redmist-timing/engine/internal/bus"
	"github.com/redmist-timing/engine/internal/config"
)

const (
	endpointKeyFmt = "event_service_endpoint:%d"
	endpointTTL    = 7 * 24 * time.Hour
)

// Registry advertises this process's endpoint for the events it owns and
// resolves other events to the endpoint that owns them.
type Registry struct {
	bus      bus.Bus
	endpoint string
}

// New builds a Registry advertising endpoint (typically host:port derived
// from the HTTP listen address) for events this process owns.
func New(b bus.Bus, endpoint string) *Registry {
	return &Registry{bus: b, endpoint: endpoint}
}

// Advertise stores this process's endpoint for eventID with a 7-day TTL
// (spec.md §4.9). Call again on every bus reconnect to refresh the TTL.
func (r *Registry) Advertise(ctx context.Context, eventID int) error {
	return r.bus.Set(ctx, fmt.Sprintf(endpointKeyFmt, eventID), r.endpoint, endpointTTL)
}

// Withdraw removes the advertised endpoint, e.g. when this process stops
// owning eventID (session ended, event archived).
func (r *Registry) Withdraw(ctx context.Context, eventID int) error {
	return r.bus.Del(ctx, fmt.Sprintf(endpointKeyFmt, eventID))
}

// Resolve returns the base URL of the process currently owning eventID.
// Endpoint strings may be bare host:port and are prefixed with http://
// if missing a scheme, per spec.md §4.9.
func (r *Registry) Resolve(ctx context.Context, eventID int) (string, bool, error) {
	raw, ok, err := r.bus.Get(ctx, fmt.Sprintf(endpointKeyFmt, eventID))
	if err != nil || !ok {
		return "", ok, err
	}
	return config.EndpointURL(raw), true, nil
}
