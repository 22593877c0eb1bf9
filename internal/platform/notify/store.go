package notify

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// MemoryStore is a thread-safe in-memory Store. Endpoint registrations are
// operational configuration, not billing state, so they do not need the
// durability of the payments database.
type MemoryStore struct {
	mu            sync.RWMutex
	endpoints     map[uuid.UUID]*Endpoint
	deliveries    map[uuid.UUID]*Delivery
	endpointOrder []uuid.UUID
	deliveryOrder []uuid.UUID
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		endpoints:  make(map[uuid.UUID]*Endpoint),
		deliveries: make(map[uuid.UUID]*Delivery),
	}
}

func (s *MemoryStore) CreateEndpoint(_ context.Context, ep *Endpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.endpoints[ep.ID] = ep
	s.endpointOrder = append(s.endpointOrder, ep.ID)
	return nil
}

func (s *MemoryStore) GetEndpoint(_ context.Context, id uuid.UUID) (*Endpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ep, ok := s.endpoints[id]
	if !ok {
		return nil, fmt.Errorf("endpoint %s not found", id)
	}
	return ep, nil
}

func (s *MemoryStore) ListEndpoints(_ context.Context) ([]*Endpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Endpoint, 0, len(s.endpointOrder))
	for _, id := range s.endpointOrder {
		if ep := s.endpoints[id]; ep != nil {
			out = append(out, ep)
		}
	}
	return out, nil
}

func (s *MemoryStore) UpdateEndpoint(_ context.Context, ep *Endpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.endpoints[ep.ID]; !ok {
		return fmt.Errorf("endpoint %s not found", ep.ID)
	}
	s.endpoints[ep.ID] = ep
	return nil
}

func (s *MemoryStore) DeleteEndpoint(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.endpoints[id]; !ok {
		return fmt.Errorf("endpoint %s not found", id)
	}
	delete(s.endpoints, id)
	for i, eid := range s.endpointOrder {
		if eid == id {
			s.endpointOrder = append(s.endpointOrder[:i], s.endpointOrder[i+1:]...)
			break
		}
	}
	return nil
}

func (s *MemoryStore) RecordDelivery(_ context.Context, d *Delivery) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deliveries[d.ID] = d
	s.deliveryOrder = append(s.deliveryOrder, d.ID)
	return nil
}

func (s *MemoryStore) GetDelivery(_ context.Context, id uuid.UUID) (*Delivery, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.deliveries[id]
	if !ok {
		return nil, fmt.Errorf("delivery %s not found", id)
	}
	return d, nil
}

func (s *MemoryStore) ListDeliveries(_ context.Context, endpointID uuid.UUID, limit, offset int) ([]*Delivery, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var filtered []*Delivery
	for _, id := range s.deliveryOrder {
		d := s.deliveries[id]
		if d != nil && d.EndpointID == endpointID {
			filtered = append(filtered, d)
		}
	}
	total := len(filtered)
	if offset >= total {
		return []*Delivery{}, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return filtered[offset:end], total, nil
}
