package domain

import (
	"fmt"
	"regexp"
	"strings"
)

// VIN format: 17 alphanumeric characters, excluding I, O, Q.
var vinRegex = regexp.MustCompile(`^[A-HJ-NPR-Z0-9]{17}$`)

// NormalizeVIN upper-cases and trims v.
func NormalizeVIN(v string) string {
	return strings.ToUpper(strings.TrimSpace(v))
}

// ValidateVIN checks length and alphabet after normalization.
func ValidateVIN(v string) error {
	if !vinRegex.MatchString(NormalizeVIN(v)) {
		return NewValidationError("vin", v, ErrInvalidVIN)
	}
	return nil
}

// ValidateYear checks the inclusive model year window.
func ValidateYear(y int) error {
	if y < MinModelYear || y > MaxModelYear {
		return NewValidationError("year", itoa(y), ErrYearOutOfRange)
	}
	return nil
}

// ValidateRecord applies the required-field schema to one raw record.
// Optional fields are not inspected.
func ValidateRecord(r RawVehicleRecord) (ValidatedVehicle, error) {
	vin := NormalizeVIN(r.Text("vin"))
	if err := ValidateVIN(vin); err != nil {
		return ValidatedVehicle{}, err
	}

	rawYear, present := r.Fields["year"]
	year, ok := AsInt(rawYear)
	if !present || !ok {
		return ValidatedVehicle{}, NewValidationError("year", fmt.Sprint(rawYear), ErrInvalidYear)
	}
	if err := ValidateYear(year); err != nil {
		return ValidatedVehicle{}, err
	}

	mk := r.Text("make")
	if mk == "" {
		return ValidatedVehicle{}, NewValidationError("make", "", ErrMissingMake)
	}
	model := r.Text("model")
	if model == "" {
		return ValidatedVehicle{}, NewValidationError("model", "", ErrMissingModel)
	}

	return ValidatedVehicle{Record: r, VIN: vin, Year: year, Make: mk, Model: model}, nil
}

// Rejection is a record that failed validation, with its position in the
// submitted batch so the feed owner can correct it.
type Rejection struct {
	Index  int              `json:"index"`
	Record RawVehicleRecord `json:"record"`
	Error  string           `json:"error"`
}

// BatchResult splits a batch. len(Valid)+len(Invalid) equals the batch size.
type BatchResult struct {
	Valid   []ValidatedVehicle `json:"valid"`
	Invalid []Rejection        `json:"invalid"`
}

// ValidateBatch validates every record independently.
func ValidateBatch(records []RawVehicleRecord) BatchResult {
	res := BatchResult{Valid: []ValidatedVehicle{}, Invalid: []Rejection{}}
	for i, r := range records {
		v, err := ValidateRecord(r)
		if err != nil {
			res.Invalid = append(res.Invalid, Rejection{Index: i, Record: r, Error: err.Error()})
			continue
		}
		res.Valid = append(res.Valid, v)
	}
	return res
}
