package webhookRepo

import (
	"context"
	"sort"
	"sync"
	"time"

	"buildappswith/models"
)

type memoryBuffer struct {
	events   []models.WebhookEvent
	deadline time.Time
}

// MemoryWebhookStore is an in-process WebhookStore for local runs and tests.
type MemoryWebhookStore struct {
	mu      sync.Mutex
	seen    map[string]time.Time
	buffers map[string]*memoryBuffer
	now     func() time.Time
}

func NewMemoryWebhookStore() *MemoryWebhookStore {
	return &MemoryWebhookStore{
		seen:    make(map[string]time.Time),
		buffers: make(map[string]*memoryBuffer),
		now:     time.Now,
	}
}

// SetClock overrides the time source.
func (s *MemoryWebhookStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

func (s *MemoryWebhookStore) Claim(_ context.Context, provider models.WebhookProvider, eventID string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := seenKey(provider, eventID)
	if exp, ok := s.seen[key]; ok && s.now().Before(exp) {
		return false, nil
	}
	s.seen[key] = s.now().Add(ttl)
	return true, nil
}

func (s *MemoryWebhookStore) Release(_ context.Context, provider models.WebhookProvider, eventID string) error {
	s.mu.Lock()
	delete(s.seen, seenKey(provider, eventID))
	s.mu.Unlock()
	return nil
}

func (s *MemoryWebhookStore) Buffer(_ context.Context, key string, ev models.WebhookEvent, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	buf, ok := s.buffers[key]
	if !ok {
		buf = &memoryBuffer{deadline: s.now().Add(ttl)}
		s.buffers[key] = buf
	}
	buf.events = append(buf.events, ev)
	return nil
}

func (s *MemoryWebhookStore) Drain(_ context.Context, key string) ([]models.WebhookEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	buf, ok := s.buffers[key]
	if !ok {
		return nil, nil
	}
	delete(s.buffers, key)
	return buf.events, nil
}

func (s *MemoryWebhookStore) Expired(_ context.Context, now time.Time) ([]ExpiredBuffer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []ExpiredBuffer
	for key, buf := range s.buffers {
		if buf.deadline.After(now) {
			continue
		}
		delete(s.buffers, key)
		out = append(out, ExpiredBuffer{Key: key, Events: buf.events})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}
