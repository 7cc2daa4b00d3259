package bus

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// MemoryBus is an in-process Bus used by tests and by the single-instance
// deployment mode described in spec.md §9 ("a per-process registry ... when
// the process is horizontally scaled, a distributed set"). Streams are
// offset-addressed slices guarded by a mutex, the same shape as the
// in-process event stream pattern used elsewhere in the corpus for a
// single-process pub/sub log (subscribers track their own read offset
// rather than the bus tracking it for them).
type MemoryBus struct {
	mu      sync.Mutex
	streams map[string][]Entry
	groups  map[string]map[string]int // "stream|group" -> consumer -> next unread index
	pending map[string]map[string]Entry

	subMu sync.Mutex
	subs  map[string][]*memSubscription

	kvMu sync.Mutex
	kv   map[string]kvEntry
	hash map[string]map[string]string

	nextID atomic.Int64
}

type kvEntry struct {
	value   string
	expires time.Time // zero = no expiry
}

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{
		streams: make(map[string][]Entry),
		groups:  make(map[string]map[string]int),
		pending: make(map[string]map[string]Entry),
		subs:    make(map[string][]*memSubscription),
		kv:      make(map[string]kvEntry),
		hash:    make(map[string]map[string]string),
	}
}

func (b *MemoryBus) Append(_ context.Context, streamKey, field string, payload []byte) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := fmt.Sprintf("%d-0", b.nextID.Add(1))
	b.streams[streamKey] = append(b.streams[streamKey], Entry{ID: id, Field: field, Value: string(payload)})
	return id, nil
}

func (b *MemoryBus) EnsureGroup(_ context.Context, streamKey, group string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	key := groupKey(streamKey, group)
	if _, ok := b.groups[key]; !ok {
		b.groups[key] = make(map[string]int)
	}
	if _, ok := b.pending[key]; !ok {
		b.pending[key] = make(map[string]Entry)
	}
	return nil
}

func (b *MemoryBus) ReadGroup(ctx context.Context, streamKey, group, consumer string, maxCount int64, blockFor time.Duration) ([]Entry, error) {
	if err := b.EnsureGroup(ctx, streamKey, group); err != nil {
		return nil, err
	}

	deadline := time.Now().Add(blockFor)
	for {
		b.mu.Lock()
		key := groupKey(streamKey, group)
		offsets := b.groups[key]
		start := offsets[consumer]
		all := b.streams[streamKey]

		var out []Entry
		for i := start; i < len(all) && int64(len(out)) < maxCount; i++ {
			out = append(out, all[i])
			b.pending[key][all[i].ID] = all[i]
		}
		offsets[consumer] = start + len(out)
		b.mu.Unlock()

		if len(out) > 0 || blockFor <= 0 || time.Now().After(deadline) {
			return out, nil
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func (b *MemoryBus) Ack(_ context.Context, streamKey, group, entryID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.pending[groupKey(streamKey, group)], entryID)
	return nil
}

type memSubscription struct {
	bus     *MemoryBus
	channel string
	handler func([]byte)
}

func (s *memSubscription) Unsubscribe() error {
	s.bus.subMu.Lock()
	defer s.bus.subMu.Unlock()
	list := s.bus.subs[s.channel]
	for i, sub := range list {
		if sub == s {
			s.bus.subs[s.channel] = append(list[:i], list[i+1:]...)
			break
		}
	}
	return nil
}

func (b *MemoryBus) Publish(_ context.Context, channel string, payload []byte, _ bool) error {
	b.subMu.Lock()
	subs := append([]*memSubscription(nil), b.subs[channel]...)
	b.subMu.Unlock()
	for _, s := range subs {
		s.handler(payload)
	}
	return nil
}

func (b *MemoryBus) Subscribe(ctx context.Context, channel string, handler func([]byte)) (Subscription, error) {
	sub := &memSubscription{bus: b, channel: channel, handler: handler}
	b.subMu.Lock()
	b.subs[channel] = append(b.subs[channel], sub)
	b.subMu.Unlock()
	if done := ctx.Done(); done != nil {
		go func() {
			<-done
			sub.Unsubscribe()
		}()
	}
	return sub, nil
}

func (b *MemoryBus) Get(_ context.Context, key string) (string, bool, error) {
	b.kvMu.Lock()
	defer b.kvMu.Unlock()
	e, ok := b.kv[key]
	if !ok {
		return "", false, nil
	}
	if !e.expires.IsZero() && time.Now().After(e.expires) {
		delete(b.kv, key)
		return "", false, nil
	}
	return e.value, true, nil
}

func (b *MemoryBus) Set(_ context.Context, key, value string, ttl time.Duration) error {
	b.kvMu.Lock()
	defer b.kvMu.Unlock()
	var exp time.Time
	if ttl > 0 {
		exp = time.Now().Add(ttl)
	}
	b.kv[key] = kvEntry{value: value, expires: exp}
	return nil
}

func (b *MemoryBus) Del(_ context.Context, key string) error {
	b.kvMu.Lock()
	defer b.kvMu.Unlock()
	delete(b.kv, key)
	return nil
}

// HSet stores field in the in-memory hash key. The ttl argument is not
// applied: in-memory hashes never expire.
func (b *MemoryBus) HSet(_ context.Context, key, field, value string, _ time.Duration) error {
	b.kvMu.Lock()
	defer b.kvMu.Unlock()
	if b.hash[key] == nil {
		b.hash[key] = make(map[string]string)
	}
	b.hash[key][field] = value
	return nil
}

func (b *MemoryBus) HGet(_ context.Context, key, field string) (string, bool, error) {
	b.kvMu.Lock()
	defer b.kvMu.Unlock()
	h, ok := b.hash[key]
	if !ok {
		return "", false, nil
	}
	v, ok := h[field]
	return v, ok, nil
}

func (b *MemoryBus) HDel(_ context.Context, key, field string) error {
	b.kvMu.Lock()
	defer b.kvMu.Unlock()
	delete(b.hash[key], field)
	return nil
}

func (b *MemoryBus) HGetAll(_ context.Context, key string) (map[string]string, error) {
	b.kvMu.Lock()
	defer b.kvMu.Unlock()
	out := make(map[string]string, len(b.hash[key]))
	for k, v := range b.hash[key] {
		out[k] = v
	}
	return out, nil
}

func (b *MemoryBus) Close() error { return nil }
