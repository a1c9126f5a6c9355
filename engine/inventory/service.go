package inventory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/ponsauto/pons/engine/domain"
	"github.com/ponsauto/pons/engine/normalize"
)

const (
	DefaultListLimit = 100
	MaxListLimit     = 1000
)

// ErrVINChange rejects an update that tries to move a record to another VIN.
var ErrVINChange = errors.New("vin cannot be changed")

// derivedKeys are recomputed on every update and never taken from input.
var derivedKeys = []string{
	"vin_decoded", "discount", "discount_percent", "age_years",
	"listing_ids", "status", "source", "created_at", "updated_at",
}

// Service is the vehicle inventory behind the REST surface. It is the sink
// of feed ingestion and the vehicle source of publish jobs.
type Service struct {
	store    Store
	pipeline normalize.Pipeline
	log      *slog.Logger
	now      func() time.Time

	// mu serialises read-modify-write cycles against the store.
	mu sync.Mutex
}

// NewService creates a Service.
func NewService(store Store, pipeline normalize.Pipeline, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, pipeline: pipeline, log: logger, now: time.Now}
}

// Create runs a raw record through validation, normalization and enrichment
// and stores the result.
func (s *Service) Create(ctx context.Context, mapping string, rec domain.RawVehicleRecord) (domain.CanonicalVehicle, error) {
	if rec.IngestedAt.IsZero() {
		rec.IngestedAt = s.now().UTC()
	}
	v, err := s.pipeline.Process(mapping, rec)
	if err != nil {
		return domain.CanonicalVehicle{}, err
	}
	return s.Save(ctx, v)
}

// Get returns the vehicle with vin.
func (s *Service) Get(ctx context.Context, vin string) (domain.CanonicalVehicle, error) {
	vin, err := checkVIN(vin)
	if err != nil {
		return domain.CanonicalVehicle{}, err
	}
	return s.store.Get(ctx, vin)
}

// Save stores v, keeping the status, listing ids and creation time of an
// existing record with the same VIN.
func (s *Service) Save(ctx context.Context, v domain.CanonicalVehicle) (domain.CanonicalVehicle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	old, err := s.store.Get(ctx, v.VIN)
	switch {
	case err == nil:
		v.Status = old.Status
		v.ListingIDs = old.ListingIDs
		v.CreatedAt = old.CreatedAt
	case errors.Is(err, domain.ErrVehicleNotFound):
		v.CreatedAt = now
		if v.Status == "" {
			v.Status = domain.StatusAvailable
		}
	default:
		return domain.CanonicalVehicle{}, err
	}
	v.UpdatedAt = now
	if err := s.store.Put(ctx, v); err != nil {
		return domain.CanonicalVehicle{}, err
	}
	return v, nil
}

// Update merges fields into the stored record and re-runs normalization and
// enrichment. A nil value clears the field. Keys may use any feed spelling.
func (s *Service) Update(ctx context.Context, vin string, fields map[string]any) (domain.CanonicalVehicle, error) {
	vin, err := checkVIN(vin)
	if err != nil {
		return domain.CanonicalVehicle{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	old, err := s.store.Get(ctx, vin)
	if err != nil {
		return domain.CanonicalVehicle{}, err
	}
	raw, err := toFields(old)
	if err != nil {
		return domain.CanonicalVehicle{}, err
	}

	status := old.Status
	for k, val := range fields {
		switch key := domain.CanonicalKey(k); key {
		case "vin":
			if text, _ := domain.AsString(val); domain.NormalizeVIN(text) != vin {
				return domain.CanonicalVehicle{}, domain.NewValidationError("vin", text, ErrVINChange)
			}
		case "status":
			text, _ := domain.AsString(val)
			if status, err = domain.ParseVehicleStatus(text); err != nil {
				return domain.CanonicalVehicle{}, err
			}
		default:
			if val == nil {
				delete(raw, key)
			} else {
				raw[key] = val
			}
		}
	}

	now := s.now().UTC()
	v, err := s.pipeline.Process("", domain.RawVehicleRecord{Source: old.Source, Fields: raw, IngestedAt: now})
	if err != nil {
		return domain.CanonicalVehicle{}, err
	}
	v.Source = old.Source
	v.Status = status
	v.ListingIDs = old.ListingIDs
	v.CreatedAt = old.CreatedAt
	v.UpdatedAt = now
	if err := s.store.Put(ctx, v); err != nil {
		return domain.CanonicalVehicle{}, err
	}
	s.log.Info("inventory: vehicle updated", "vin", vin, "fields", len(fields))
	return v, nil
}

// toFields renders a vehicle back into a generic-mapping raw record.
func toFields(v domain.CanonicalVehicle) (map[string]any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("inventory: encode %s: %w", v.VIN, err)
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("inventory: decode %s: %w", v.VIN, err)
	}
	for _, k := range derivedKeys {
		delete(m, k)
	}
	return m, nil
}

// Delete removes the vehicle with vin.
func (s *Service) Delete(ctx context.Context, vin string) error {
	vin, err := checkVIN(vin)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.store.Delete(ctx, vin)
}

// List pages through vehicles, optionally restricted to one status.
func (s *Service) List(ctx context.Context, status string, limit, offset int) ([]domain.CanonicalVehicle, error) {
	q := Query{Limit: limit, Offset: offset}
	if status != "" {
		st, err := domain.ParseVehicleStatus(status)
		if err != nil {
			return nil, err
		}
		q.Status = st
	}
	return s.Search(ctx, q)
}

// Search returns vehicles matching q. The page size defaults to
// DefaultListLimit and is capped at MaxListLimit.
func (s *Service) Search(ctx context.Context, q Query) ([]domain.CanonicalVehicle, error) {
	switch {
	case q.Limit <= 0:
		q.Limit = DefaultListLimit
	case q.Limit > MaxListLimit:
		q.Limit = MaxListLimit
	}
	if q.Offset < 0 {
		q.Offset = 0
	}
	return s.store.List(ctx, q)
}

// SetListingID records the listing a channel created for vin.
func (s *Service) SetListingID(ctx context.Context, vin string, ch domain.Channel, id string) error {
	return s.editListings(ctx, vin, func(ids map[domain.Channel]string) { ids[ch] = id })
}

// ClearListingID forgets the listing vin has on ch.
func (s *Service) ClearListingID(ctx context.Context, vin string, ch domain.Channel) error {
	return s.editListings(ctx, vin, func(ids map[domain.Channel]string) { delete(ids, ch) })
}

func (s *Service) editListings(ctx context.Context, vin string, edit func(map[domain.Channel]string)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, err := s.store.Get(ctx, vin)
	if err != nil {
		return err
	}
	ids := maps.Clone(v.ListingIDs)
	if ids == nil {
		ids = map[domain.Channel]string{}
	}
	edit(ids)
	if len(ids) == 0 {
		ids = nil
	}
	v.ListingIDs = ids
	v.UpdatedAt = s.now().UTC()
	return s.store.Put(ctx, v)
}

func checkVIN(vin string) (string, error) {
	vin = domain.NormalizeVIN(vin)
	if err := domain.ValidateVIN(vin); err != nil {
		return "", err
	}
	return vin, nil
}
