package publish

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/cockroachdb/pebble"
)

// Key layout:
//
//	job/<id>          JSON-encoded Job
//	vin/<vin>/<id>    empty; secondary index by VIN
const (
	jobPrefix = "job/"
	vinPrefix = "vin/"
)

// PebbleStore persists jobs in an embedded Pebble database.
type PebbleStore struct {
	db *pebble.DB
}

// OpenPebbleStore opens or creates the database in dir.
func OpenPebbleStore(dir string) (*PebbleStore, error) {
	db, err := pebble.Open(filepath.Clean(dir), &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("pebble open: %w", err)
	}
	return &PebbleStore{db: db}, nil
}

// Close flushes and closes the database.
func (s *PebbleStore) Close() error { return s.db.Close() }

func jobKey(id string) []byte { return []byte(jobPrefix + id) }
func vinKey(vin, id string) []byte { return []byte(vinPrefix + vin + "/" + id) }
func vinRange(vin string) []byte { return []byte(vinPrefix + vin + "/") }

func (s *PebbleStore) Save(_ context.Context, j Job) error {
	val, err := json.Marshal(j)
	if err != nil {
		return fmt.Errorf("publish: encode job %s: %w", j.ID, err)
	}
	b := s.db.NewBatch()
	defer b.Close()
	if err := b.Set(jobKey(j.ID), val, nil); err != nil {
		return err
	}
	if err := b.Set(vinKey(j.VIN, j.ID), nil, nil); err != nil {
		return err
	}
	return b.Commit(pebble.Sync)
}

func (s *PebbleStore) Get(_ context.Context, id string) (Job, error) {
	val, closer, err := s.db.Get(jobKey(id))
	if errors.Is(err, pebble.ErrNotFound) {
		return Job{}, fmt.Errorf("publish: %s: %w", id, ErrJobNotFound)
	}
	if err != nil {
		return Job{}, err
	}
	defer closer.Close()
	var j Job
	if err := json.Unmarshal(val, &j); err != nil {
		return Job{}, fmt.Errorf("publish: decode job %s: %w", id, err)
	}
	return j, nil
}

func (s *PebbleStore) List(ctx context.Context, vin string) ([]Job, error) {
	if vin == "" {
		return s.scanJobs()
	}
	lower := vinRange(vin)
	it, err := s.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upperBound(lower)})
	if err != nil {
		return nil, err
	}
	var ids []string
	for it.First(); it.Valid(); it.Next() {
		ids = append(ids, string(it.Key()[len(lower):]))
	}
	if err := it.Close(); err != nil {
		return nil, err
	}

	out := make([]Job, 0, len(ids))
	for _, id := range ids {
		j, err := s.Get(ctx, id)
		if errors.Is(err, ErrJobNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	sortJobs(out)
	return out, nil
}

func (s *PebbleStore) scanJobs() ([]Job, error) {
	lower := []byte(jobPrefix)
	it, err := s.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upperBound(lower)})
	if err != nil {
		return nil, err
	}
	defer it.Close()
	out := []Job{}
	for it.First(); it.Valid(); it.Next() {
		var j Job
		if err := json.Unmarshal(it.Value(), &j); err != nil {
			return nil, fmt.Errorf("publish: decode %s: %w", it.Key(), err)
		}
		out = append(out, j)
	}
	sortJobs(out)
	return out, nil
}

// upperBound returns the smallest key greater than every key with prefix p.
func upperBound(p []byte) []byte {
	end := append([]byte(nil), p...)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}
