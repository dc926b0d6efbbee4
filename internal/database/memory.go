package database

import (
	"context"
	"sort"
	"sync"
	"time"

	"fleet-realtime/internal/models"
)

// MemoryStore is the Store used when no database is configured. Contents are lost on restart.
type MemoryStore struct {
	mu        sync.RWMutex
	locations map[string]models.RemoteEntityLocation
	statuses  map[string]models.RemoteEntityStatus
	now       func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		locations: make(map[string]models.RemoteEntityLocation),
		statuses:  make(map[string]models.RemoteEntityStatus),
		now:       time.Now,
	}
}

func (s *MemoryStore) UpsertLocation(_ context.Context, loc models.RemoteEntityLocation) (int64, error) {
	loc.Connected = true
	loc.UpdatedAt = s.now().Unix()
	loc.Distance = nil
	s.mu.Lock()
	s.locations[loc.DriverID] = loc
	s.mu.Unlock()
	return loc.UpdatedAt, nil
}

func (s *MemoryStore) MarkDisconnected(_ context.Context, driverID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	loc, ok := s.locations[driverID]
	if !ok {
		return nil
	}
	loc.Connected = false
	loc.UpdatedAt = s.now().Unix()
	s.locations[driverID] = loc
	return nil
}

func (s *MemoryStore) SaveStatus(_ context.Context, st models.RemoteEntityStatus) error {
	s.mu.Lock()
	s.statuses[st.DriverID] = st
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Status(_ context.Context, driverID string) (models.RemoteEntityStatus, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.statuses[driverID]
	return st, ok, nil
}

func (s *MemoryStore) Nearby(_ context.Context, lat, lng, radius float64) ([]models.RemoteEntityLocation, error) {
	s.mu.RLock()
	connected := make([]models.RemoteEntityLocation, 0, len(s.locations))
	for _, l := range s.locations {
		if l.Connected {
			connected = append(connected, l)
		}
	}
	s.mu.RUnlock()
	return withinRadius(connected, lat, lng, radius), nil
}

func (s *MemoryStore) Locations(_ context.Context) ([]models.RemoteEntityLocation, error) {
	s.mu.RLock()
	out := make([]models.RemoteEntityLocation, 0, len(s.locations))
	for _, l := range s.locations {
		out = append(out, l)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].DriverID < out[j].DriverID })
	return out, nil
}

func (s *MemoryStore) Close() error { return nil }
