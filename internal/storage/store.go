package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/KevinKickass/OpenKitchenCore/internal/events"
	"github.com/google/uuid"
)

// Store is the persistence collaborator. Implementations must be safe for
// concurrent use.
type Store interface {
	SaveEvent(ctx context.Context, e events.Event) error
	SaveOrderStatus(ctx context.Context, r OrderRecord) error
	OrderHistory(ctx context.Context, id uuid.UUID) ([]OrderRecord, error)
}

func toRecord(e events.Event) (EventRecord, error) {
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return EventRecord{}, fmt.Errorf("marshal %s payload: %w", e.Kind, err)
	}
	return EventRecord{
		ID:            e.ID,
		Sequence:      e.Sequence,
		Kind:          string(e.Kind),
		Source:        e.Source,
		Priority:      e.Priority.String(),
		CorrelationID: e.CorrelationID,
		Payload:       payload,
		OccurredAt:    e.Timestamp,
	}, nil
}

// MemoryStore keeps everything in process. It backs the machine when no
// database is configured.
type MemoryStore struct {
	mu     sync.Mutex
	limit  int
	events []EventRecord
	orders map[uuid.UUID][]OrderRecord
}

// NewMemoryStore keeps at most limit events; order history is unbounded per
// order but only kept for orders seen within the event window.
func NewMemoryStore(limit int) *MemoryStore {
	if limit <= 0 {
		limit = 10000
	}
	return &MemoryStore{limit: limit, orders: make(map[uuid.UUID][]OrderRecord)}
}

func (m *MemoryStore) SaveEvent(_ context.Context, e events.Event) error {
	rec, err := toRecord(e)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, rec)
	if len(m.events) > m.limit {
		m.events = m.events[len(m.events)-m.limit:]
	}
	return nil
}

func (m *MemoryStore) SaveOrderStatus(_ context.Context, r OrderRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orders[r.OrderID] = append(m.orders[r.OrderID], r)
	return nil
}

func (m *MemoryStore) OrderHistory(_ context.Context, id uuid.UUID) ([]OrderRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]OrderRecord(nil), m.orders[id]...), nil
}

func (m *MemoryStore) Events() []EventRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]EventRecord(nil), m.events...)
}
