package publish

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// JobStore persists jobs. Implementations must be safe for concurrent use.
type JobStore interface {
	Save(ctx context.Context, j Job) error
	Get(ctx context.Context, id string) (Job, error)
	// List returns jobs oldest first; an empty vin lists every job.
	List(ctx context.Context, vin string) ([]Job, error)
}

// MemoryStore keeps jobs in process memory.
type MemoryStore struct {
	mu   sync.RWMutex
	jobs map[string]Job
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{jobs: make(map[string]Job)}
}

func (s *MemoryStore) Save(_ context.Context, j Job) error {
	s.mu.Lock()
	s.jobs[j.ID] = j.Clone()
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.jobs[id]
	if !ok {
		return Job{}, fmt.Errorf("publish: %s: %w", id, ErrJobNotFound)
	}
	return j.Clone(), nil
}

func (s *MemoryStore) List(_ context.Context, vin string) ([]Job, error) {
	s.mu.RLock()
	out := make([]Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		if vin == "" || j.VIN == vin {
			out = append(out, j.Clone())
		}
	}
	s.mu.RUnlock()
	sortJobs(out)
	return out, nil
}

func sortJobs(jobs []Job) {
	sort.Slice(jobs, func(i, k int) bool {
		if jobs[i].CreatedAt.Equal(jobs[k].CreatedAt) {
			return jobs[i].ID < jobs[k].ID
		}
		return jobs[i].CreatedAt.Before(jobs[k].CreatedAt)
	})
}
