package normalize

import (
	"math"
	"time"

	"github.com/ponsauto/pons/engine/domain"
	"github.com/ponsauto/pons/engine/vin"
)

// Enricher attaches VIN-decoded attributes and derived pricing/age fields.
type Enricher struct {
	now func() time.Time
}

// NewEnricher creates an Enricher. A nil clock uses time.Now.
func NewEnricher(now func() time.Time) *Enricher {
	if now == nil {
		now = time.Now
	}
	return &Enricher{now: now}
}

// Enrich returns a copy of v with derived fields recomputed from scratch, so
// removing price or msrp also removes the discount.
func (e *Enricher) Enrich(v domain.CanonicalVehicle) domain.CanonicalVehicle {
	v.VINDecoded = nil
	v.Discount = nil
	v.DiscountPercent = nil
	v.AgeYears = nil

	if d, err := vin.Decode(v.VIN, vin.WithYearHint(v.Year)); err == nil {
		v.VINDecoded = &d
	}

	// A zero msrp means the dealer left it blank; it yields neither field.
	if v.Price != nil && v.MSRP != nil && *v.MSRP != 0 {
		discount := *v.MSRP - *v.Price
		pct := math.Round(discount / *v.MSRP * 100 * 100) / 100
		v.Discount = &discount
		v.DiscountPercent = &pct
	}

	age := e.now().Year() - v.Year
	v.AgeYears = &age
	return v
}

// Pipeline runs validate, normalize and enrich for a single raw record.
type Pipeline struct {
	Normalizer *Normalizer
	Enricher   *Enricher
}

// Process turns a raw record into an enriched canonical vehicle. Validation
// failures are returned as *domain.ValidationError.
func (p Pipeline) Process(mapping string, rec domain.RawVehicleRecord) (domain.CanonicalVehicle, error) {
	valid, err := domain.ValidateRecord(rec)
	if err != nil {
		return domain.CanonicalVehicle{}, err
	}
	c, err := p.Normalizer.Normalize(mapping, valid)
	if err != nil {
		return domain.CanonicalVehicle{}, err
	}
	return p.Enricher.Enrich(c), nil
}
