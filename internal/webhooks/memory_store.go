package webhooks

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory event store for development and tests.
type MemoryStore struct {
	events map[string]*Event
	mu     sync.Mutex
	now    func() time.Time
}

// NewMemoryStore creates a new in-memory event store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		events: make(map[string]*Event),
		now:    time.Now,
	}
}

func (m *MemoryStore) Record(_ context.Context, eventID, eventType string, raw []byte) (*Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if e, ok := m.events[eventID]; ok {
		e.ProcessingAttempts++
		e.UpdatedAt = now
		return copyEvent(e), nil
	}
	e := &Event{
		EventID:            eventID,
		EventType:          eventType,
		RawPayload:         append([]byte(nil), raw...),
		ProcessingAttempts: 1,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	m.events[eventID] = e
	return copyEvent(e), nil
}

func (m *MemoryStore) Claim(_ context.Context, eventID, token string, lease time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.events[eventID]
	if !ok {
		return false, ErrEventNotFound
	}
	if e.Processed || e.Processing {
		return false, nil
	}
	now := m.now()
	expires := now.Add(lease)
	e.Processing = true
	e.LeaseToken = token
	e.LeaseExpiresAt = &expires
	e.ReclaimCount = 0
	e.UpdatedAt = now
	return true, nil
}

func (m *MemoryStore) Extend(_ context.Context, eventID, token string, lease time.Duration) (bool, error) {
	return m.withLease(eventID, token, false, func(e *Event, now time.Time) {
		expires := now.Add(lease)
		e.LeaseExpiresAt = &expires
	})
}

func (m *MemoryStore) MarkProcessed(_ context.Context, eventID, token string) (bool, error) {
	return m.withLease(eventID, token, false, func(e *Event, now time.Time) {
		e.Processed = true
		e.ProcessedAt = &now
		e.LastError = ""
		release(e)
	})
}

func (m *MemoryStore) MarkFailed(_ context.Context, eventID, token, lastError string) (bool, error) {
	return m.withLease(eventID, token, false, func(e *Event, _ time.Time) {
		e.LastError = lastError
		release(e)
	})
}

func (m *MemoryStore) ListStale(_ context.Context, limit int) ([]*Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	var out []*Event
	for _, e := range m.events {
		if e.Processing && e.LeaseExpiresAt != nil && e.LeaseExpiresAt.Before(now) {
			out = append(out, copyEvent(e))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LeaseExpiresAt.Before(*out[j].LeaseExpiresAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) Reclaim(_ context.Context, eventID, oldToken, newToken string, lease time.Duration) (bool, error) {
	return m.withLease(eventID, oldToken, true, func(e *Event, now time.Time) {
		expires := now.Add(lease)
		e.LeaseToken = newToken
		e.LeaseExpiresAt = &expires
		e.ReclaimCount++
		e.ProcessingAttempts++
	})
}

func (m *MemoryStore) ReleaseFailed(_ context.Context, eventID, oldToken, lastError string) (bool, error) {
	return m.withLease(eventID, oldToken, true, func(e *Event, _ time.Time) {
		e.LastError = lastError
		release(e)
	})
}

func (m *MemoryStore) Get(_ context.Context, eventID string) (*Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.events[eventID]
	if !ok {
		return nil, ErrEventNotFound
	}
	return copyEvent(e), nil
}

func (m *MemoryStore) List(_ context.Context, filter Filter, limit int) ([]*Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*Event
	for _, e := range m.events {
		if filter.match(e) {
			out = append(out, copyEvent(e))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// withLease applies fn when token still holds the event's lease. expired
// additionally requires the lease to have run out.
func (m *MemoryStore) withLease(eventID, token string, expired bool, fn func(e *Event, now time.Time)) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.events[eventID]
	if !ok {
		return false, ErrEventNotFound
	}
	now := m.now()
	if !e.Processing || e.LeaseToken != token {
		return false, nil
	}
	if expired && (e.LeaseExpiresAt == nil || !e.LeaseExpiresAt.Before(now)) {
		return false, nil
	}
	fn(e, now)
	e.UpdatedAt = now
	return true, nil
}

func release(e *Event) {
	e.Processing = false
	e.LeaseToken = ""
	e.LeaseExpiresAt = nil
}

func copyEvent(e *Event) *Event {
	cp := *e
	if e.LeaseExpiresAt != nil {
		t := *e.LeaseExpiresAt
		cp.LeaseExpiresAt = &t
	}
	if e.ProcessedAt != nil {
		t := *e.ProcessedAt
		cp.ProcessedAt = &t
	}
	return &cp
}
