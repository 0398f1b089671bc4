// Package profile defines the read-only driver profile collaborator. The
// coordinator only ever queries it by driver id; ownership of the data lives
// with the external auth/persistence subsystem.
package profile

import (
	"context"
	"errors"
	"sync"

	"github.com/citycab/dispatch/core/model"
)

// ErrNotFound signals that no profile exists for the driver id.
var ErrNotFound = errors.New("driver profile not found")

// Store resolves driver profiles.
type Store interface {
	Find(ctx context.Context, driverID string) (model.DriverProfile, error)
}

// MemoryStore is an in-process Store used in tests and when running without
// a database.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string]model.DriverProfile
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: map[string]model.DriverProfile{}}
}

// Put stores or replaces a profile.
func (s *MemoryStore) Put(p model.DriverProfile) {
	s.mu.Lock()
	s.data[p.DriverID] = p
	s.mu.Unlock()
}

// Find implements Store.
func (s *MemoryStore) Find(_ context.Context, driverID string) (model.DriverProfile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.data[driverID]
	if !ok {
		return model.DriverProfile{}, ErrNotFound
	}
	return p, nil
}
