package saga

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// ListFilter controls instance list query behavior.
type ListFilter struct {
	Status string
	Limit  int
	Offset int
}

// Store provides persistence for saga instances. Save must be atomic per
// instance: a partially written record is worse than a stale one.
type Store interface {
	Save(ctx context.Context, instance *Instance) error
	Get(ctx context.Context, sagaID string) (*Instance, error)
	List(ctx context.Context, filter ListFilter) ([]*Instance, int, error)
	Delete(ctx context.Context, sagaID string) error
}

// MemoryStore is an in-memory Store implementation.
type MemoryStore struct {
	mu        sync.RWMutex
	instances map[string]*Instance
}

// NewMemoryStore creates an in-memory instance store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		instances: make(map[string]*Instance),
	}
}

// Save saves a saga instance.
func (s *MemoryStore) Save(_ context.Context, instance *Instance) error {
	if instance == nil {
		return fmt.Errorf("saga: instance cannot be nil")
	}
	s.mu.Lock()
	s.instances[instance.ID] = cloneInstance(instance)
	s.mu.Unlock()
	return nil
}

// Get gets one saga instance by id.
func (s *MemoryStore) Get(_ context.Context, sagaID string) (*Instance, error) {
	s.mu.RLock()
	instance, ok := s.instances[sagaID]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrInstanceNotFound
	}
	return cloneInstance(instance), nil
}

// List lists saga instances with optional status filter and pagination.
func (s *MemoryStore) List(_ context.Context, filter ListFilter) ([]*Instance, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := make([]*Instance, 0, len(s.instances))
	for _, instance := range s.instances {
		if filter.Status != "" && instance.Status.String() != filter.Status {
			continue
		}
		all = append(all, cloneInstance(instance))
	}
	sortInstances(all)
	total := len(all)

	if filter.Offset < 0 {
		filter.Offset = 0
	}
	if filter.Limit < 0 {
		filter.Limit = 0
	}
	if filter.Offset > total {
		filter.Offset = total
	}
	end := total
	if filter.Limit > 0 && filter.Offset+filter.Limit < end {
		end = filter.Offset + filter.Limit
	}

	return all[filter.Offset:end], total, nil
}

// sortInstances orders by creation time, oldest first, with ID as the
// tie-break so pagination windows are stable across calls.
func sortInstances(instances []*Instance) {
	sort.Slice(instances, func(i, j int) bool {
		if instances[i].CreatedAt.Equal(instances[j].CreatedAt) {
			return instances[i].ID < instances[j].ID
		}
		return instances[i].CreatedAt.Before(instances[j].CreatedAt)
	})
}

// Delete removes one saga instance.
func (s *MemoryStore) Delete(_ context.Context, sagaID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.instances[sagaID]; !ok {
		return ErrInstanceNotFound
	}
	delete(s.instances, sagaID)
	return nil
}
