// Package domain defines the vehicle inventory data model shared by the feed
// ingester, the channel bridges and the publishing orchestrator, and the
// validation gate that raw feed records pass before normalization.
package domain

import (
	"strings"
	"time"
)

// RawVehicleRecord is one loosely-typed record produced by a feed parser.
// Field names are already canonicalised (see CanonicalKey).
type RawVehicleRecord struct {
	Source     string         `json:"source"`
	Fields     map[string]any `json:"fields"`
	IngestedAt time.Time      `json:"ingested_at"`
}

// Text returns the field as trimmed text, or "" when absent.
func (r RawVehicleRecord) Text(key string) string {
	s, _ := AsString(r.Fields[key])
	return s
}

// ValidatedVehicle is a raw record that passed the schema checks.
type ValidatedVehicle struct {
	Record RawVehicleRecord `json:"record"`
	VIN    string           `json:"vin"`
	Year   int              `json:"year"`
	Make   string           `json:"make"`
	Model  string           `json:"model"`
}

// VehicleStatus is the inventory status of a canonical vehicle.
type VehicleStatus string

const (
	StatusAvailable VehicleStatus = "available"
	StatusPending   VehicleStatus = "pending"
	StatusSold      VehicleStatus = "sold"
	StatusArchived  VehicleStatus = "archived"
)

// ParseVehicleStatus accepts a status name in any case.
func ParseVehicleStatus(s string) (VehicleStatus, error) {
	switch st := VehicleStatus(strings.ToLower(strings.TrimSpace(s))); st {
	case StatusAvailable, StatusPending, StatusSold, StatusArchived:
		return st, nil
	}
	return "", NewValidationError("status", s, ErrUnknownStatus)
}

// DecodedVIN is the structural decomposition of a VIN.
type DecodedVIN struct {
	VIN        string `json:"vin"`
	WMI        string `json:"wmi"`
	VDS        string `json:"vds"`
	VIS        string `json:"vis"`
	CheckDigit string `json:"check_digit"`
	// CheckDigitValid reports whether position 9 matches the computed check digit.
	CheckDigitValid bool   `json:"check_digit_valid"`
	ModelYearCode   string `json:"model_year_code"`
	PlantCode       string `json:"plant_code"`
	SerialNumber    string `json:"serial_number"`
	Region          string `json:"region"`

	// ModelYear is set only when the year code could be resolved unambiguously.
	ModelYear           *int  `json:"model_year,omitempty"`
	ModelYearCandidates []int `json:"model_year_candidates"`
}

// CanonicalVehicle is the normalized, enriched record. VIN is its identity.
type CanonicalVehicle struct {
	VIN           string   `json:"vin"`
	StockNumber   *string  `json:"stock_number,omitempty"`
	Year          int      `json:"year"`
	Make          string   `json:"make"`
	Model         string   `json:"model"`
	Trim          *string  `json:"trim,omitempty"`
	BodyType      *string  `json:"body_type,omitempty"`
	Price         *float64 `json:"price,omitempty"`
	MSRP          *float64 `json:"msrp,omitempty"`
	Mileage       *int     `json:"mileage,omitempty"`
	ExteriorColor *string  `json:"exterior_color,omitempty"`
	InteriorColor *string  `json:"interior_color,omitempty"`
	Transmission  *string  `json:"transmission,omitempty"`
	FuelType      *string  `json:"fuel_type,omitempty"`
	Drivetrain    *string  `json:"drivetrain,omitempty"`
	Description   *string  `json:"description,omitempty"`
	Features      []string `json:"features"`
	Images        []string `json:"images"`

	VINDecoded      *DecodedVIN `json:"vin_decoded,omitempty"`
	Discount        *float64    `json:"discount,omitempty"`
	DiscountPercent *float64    `json:"discount_percent,omitempty"`
	AgeYears        *int        `json:"age_years,omitempty"`

	Source     string             `json:"source,omitempty"`
	Status     VehicleStatus      `json:"status"`
	ListingIDs map[Channel]string `json:"listing_ids,omitempty"`
	CreatedAt  time.Time          `json:"created_at"`
	UpdatedAt  time.Time          `json:"updated_at"`
}

// Title is the "year make model [trim]" headline used by every channel.
func (v CanonicalVehicle) Title() string {
	parts := []string{itoa(v.Year), v.Make, v.Model}
	if v.Trim != nil && *v.Trim != "" {
		parts = append(parts, *v.Trim)
	}
	return strings.Join(parts, " ")
}

// ListingID returns the stored listing identifier for ch, or "".
func (v CanonicalVehicle) ListingID(ch Channel) string {
	return v.ListingIDs[ch]
}

// Ptr returns a pointer to v.
func Ptr[T any](v T) *T { return &v }

// Deref returns *p or the zero value.
func Deref[T any](p *T) T {
	var zero T
	if p == nil {
		return zero
	}
	return *p
}
