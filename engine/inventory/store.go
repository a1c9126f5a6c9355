// Package inventory keeps the canonical vehicle records that feeds write and
// publish jobs read.
package inventory

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sort"
	"strings"
	"sync"

	"github.com/ponsauto/pons/engine/domain"
	"github.com/ponsauto/pons/pkg/fn"
)

// Query selects vehicles. Zero fields do not constrain the result.
type Query struct {
	Status   domain.VehicleStatus
	Make     string // case-insensitive substring
	Model    string // case-insensitive substring
	Year     int
	MinPrice *float64
	MaxPrice *float64
	Offset   int
	Limit    int
}

// Match reports whether v satisfies every filter in q. Price bounds never
// match a vehicle without a price.
func (q Query) Match(v domain.CanonicalVehicle) bool {
	if q.Status != "" && v.Status != q.Status {
		return false
	}
	if q.Make != "" && !strings.Contains(strings.ToLower(v.Make), strings.ToLower(q.Make)) {
		return false
	}
	if q.Model != "" && !strings.Contains(strings.ToLower(v.Model), strings.ToLower(q.Model)) {
		return false
	}
	if q.Year != 0 && v.Year != q.Year {
		return false
	}
	if q.MinPrice != nil && (v.Price == nil || *v.Price < *q.MinPrice) {
		return false
	}
	if q.MaxPrice != nil && (v.Price == nil || *v.Price > *q.MaxPrice) {
		return false
	}
	return true
}

// Store persists canonical vehicles keyed by VIN.
type Store interface {
	// Get returns domain.ErrVehicleNotFound for an unknown VIN.
	Get(ctx context.Context, vin string) (domain.CanonicalVehicle, error)
	Put(ctx context.Context, v domain.CanonicalVehicle) error
	Delete(ctx context.Context, vin string) error
	// List returns matching vehicles ordered by creation time, then VIN.
	List(ctx context.Context, q Query) ([]domain.CanonicalVehicle, error)
}

// MemoryStore keeps vehicles in process memory.
type MemoryStore struct {
	mu       sync.RWMutex
	vehicles map[string]domain.CanonicalVehicle
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{vehicles: make(map[string]domain.CanonicalVehicle)}
}

func (s *MemoryStore) Get(_ context.Context, vin string) (domain.CanonicalVehicle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.vehicles[vin]
	if !ok {
		return domain.CanonicalVehicle{}, fmt.Errorf("inventory: %s: %w", vin, domain.ErrVehicleNotFound)
	}
	return clone(v), nil
}

func (s *MemoryStore) Put(_ context.Context, v domain.CanonicalVehicle) error {
	s.mu.Lock()
	s.vehicles[v.VIN] = clone(v)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, vin string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.vehicles[vin]; !ok {
		return fmt.Errorf("inventory: %s: %w", vin, domain.ErrVehicleNotFound)
	}
	delete(s.vehicles, vin)
	return nil
}

func (s *MemoryStore) List(_ context.Context, q Query) ([]domain.CanonicalVehicle, error) {
	s.mu.RLock()
	var out []domain.CanonicalVehicle
	for _, v := range s.vehicles {
		if q.Match(v) {
			out = append(out, clone(v))
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].VIN < out[j].VIN
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return fn.Page(out, q.Offset, q.Limit), nil
}

// clone copies the reference-typed fields a caller could mutate.
func clone(v domain.CanonicalVehicle) domain.CanonicalVehicle {
	v.Features = slices.Clone(v.Features)
	v.Images = slices.Clone(v.Images)
	v.ListingIDs = maps.Clone(v.ListingIDs)
	return v
}
