// Package normalize maps validated feed records onto the canonical vehicle
// schema and enriches the result with VIN-derived and computed fields.
package normalize

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/ponsauto/pons/engine/domain"
)

// ErrUnknownMapping is returned for a mapping strategy name that is not registered.
var ErrUnknownMapping = errors.New("unknown mapping strategy")

// Mapping strategy names.
const (
	MappingGeneric     = "generic"
	MappingDealertrack = "dealertrack"
	MappingVAuto       = "vauto"
	MappingAutoTrader  = "autotrader"
)

// Canonical optional field names a mapping can fill.
const (
	FieldStockNumber   = "stock_number"
	FieldTrim          = "trim"
	FieldBodyType      = "body_type"
	FieldPrice         = "price"
	FieldMSRP          = "msrp"
	FieldMileage       = "mileage"
	FieldExteriorColor = "exterior_color"
	FieldInteriorColor = "interior_color"
	FieldTransmission  = "transmission"
	FieldFuelType      = "fuel_type"
	FieldDrivetrain    = "drivetrain"
	FieldDescription   = "description"
	FieldFeatures      = "features"
	FieldImages        = "images"
)

// Mapping lists, per canonical field, the source paths tried in order.
// Paths are dot-separated for nested objects; each segment matches
// case-insensitively.
type Mapping map[string][]string

var genericMapping = Mapping{
	FieldStockNumber:   {"stock_number"},
	FieldTrim:          {"trim"},
	FieldBodyType:      {"body_type", "body"},
	FieldPrice:         {"price", "sale_price", "internet_price"},
	FieldMSRP:          {"msrp", "retail_price"},
	FieldMileage:       {"mileage", "odometer", "miles"},
	FieldExteriorColor: {"exterior_color"},
	FieldInteriorColor: {"interior_color"},
	FieldTransmission:  {"transmission"},
	FieldFuelType:      {"fuel_type", "fuel"},
	FieldDrivetrain:    {"drivetrain"},
	FieldDescription:   {"description", "comments"},
	FieldFeatures:      {"features", "options"},
	FieldImages:        {"images", "photos"},
}

// Source-specific strategies. Fields they do not list fall back to generic.
var builtinMappings = map[string]Mapping{
	MappingGeneric: {},
	MappingDealertrack: {
		FieldPrice:   {"price", "internetprice"},
		FieldMSRP:    {"msrp", "retailprice"},
		FieldMileage: {"mileage"},
		FieldImages:  {"images", "photos"},
	},
	MappingVAuto: {
		FieldStockNumber: {"stock_number"},
		FieldPrice:       {"listprice", "price"},
		FieldMileage:     {"odometer", "mileage"},
		FieldFeatures:    {"features", "equipment"},
		FieldImages:      {"photos", "images"},
	},
	MappingAutoTrader: {
		FieldPrice:         {"pricing.salePrice", "pricing.price", "price"},
		FieldMSRP:          {"pricing.msrp", "msrp"},
		FieldMileage:       {"specifications.mileage", "mileage"},
		FieldExteriorColor: {"specifications.exteriorColor", "exterior_color"},
		FieldInteriorColor: {"specifications.interiorColor", "interior_color"},
		FieldTransmission:  {"specifications.transmission", "transmission"},
		FieldFuelType:      {"specifications.fuelType", "fuel_type"},
		FieldDrivetrain:    {"specifications.drivetrain", "drivetrain"},
		FieldBodyType:      {"specifications.bodyStyle", "body_type"},
		FieldImages:        {"media.photos", "images"},
	},
}

// Normalizer turns validated records into canonical vehicles.
type Normalizer struct {
	mappings map[string]Mapping
	logger   *slog.Logger
}

// NewNormalizer builds a Normalizer with the built-in strategies.
func NewNormalizer(logger *slog.Logger) *Normalizer {
	if logger == nil {
		logger = slog.Default()
	}
	n := &Normalizer{mappings: make(map[string]Mapping, len(builtinMappings)), logger: logger}
	for name, m := range builtinMappings {
		n.mappings[name] = merge(genericMapping, m)
	}
	return n
}

func merge(base, over Mapping) Mapping {
	out := make(Mapping, len(base))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range over {
		out[k] = v
	}
	return out
}

// Mappings returns the registered strategy names, sorted.
func (n *Normalizer) Mappings() []string {
	names := make([]string, 0, len(n.mappings))
	for name := range n.mappings {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// HasMapping reports whether name (or "" for generic) is registered.
func (n *Normalizer) HasMapping(name string) bool {
	_, ok := n.mappings[mappingName(name)]
	return ok
}

func mappingName(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return MappingGeneric
	}
	return name
}

// Normalize maps v onto the canonical schema using the named strategy.
func (n *Normalizer) Normalize(mapping string, v domain.ValidatedVehicle) (domain.CanonicalVehicle, error) {
	m, ok := n.mappings[mappingName(mapping)]
	if !ok {
		return domain.CanonicalVehicle{}, fmt.Errorf("normalize: %q: %w", mapping, ErrUnknownMapping)
	}
	f := v.Record.Fields
	text := func(field string) *string {
		if s, ok := domain.AsString(lookup(f, m[field])); ok {
			return &s
		}
		return nil
	}

	c := domain.CanonicalVehicle{
		VIN:           v.VIN,
		Year:          v.Year,
		Make:          domain.CanonicalMake(v.Make),
		Model:         strings.Join(strings.Fields(v.Model), " "),
		StockNumber:   text(FieldStockNumber),
		Trim:          text(FieldTrim),
		BodyType:      text(FieldBodyType),
		ExteriorColor: text(FieldExteriorColor),
		InteriorColor: text(FieldInteriorColor),
		Transmission:  text(FieldTransmission),
		FuelType:      text(FieldFuelType),
		Drivetrain:    text(FieldDrivetrain),
		Description:   text(FieldDescription),
		Features:      domain.AsStrings(lookup(f, m[FieldFeatures])),
		Images:        domain.AsStrings(lookup(f, m[FieldImages])),
		Source:        v.Record.Source,
		Status:        domain.StatusAvailable,
	}
	c.Price = n.money(v.VIN, FieldPrice, lookup(f, m[FieldPrice]))
	c.MSRP = n.money(v.VIN, FieldMSRP, lookup(f, m[FieldMSRP]))
	if raw := lookup(f, m[FieldMileage]); raw != nil {
		if mi, ok := domain.AsInt(raw); ok && mi >= 0 {
			c.Mileage = &mi
		} else {
			n.logger.Warn("normalize: dropping mileage", "vin", v.VIN, "value", raw)
		}
	}
	return c, nil
}

func (n *Normalizer) money(vin, field string, raw any) *float64 {
	if raw == nil {
		return nil
	}
	if s, isStr := raw.(string); isStr && strings.TrimSpace(s) == "" {
		return nil
	}
	f, ok := domain.AsFloat(raw)
	if !ok || f < 0 {
		n.logger.Warn("normalize: dropping "+field, "vin", vin, "value", raw)
		return nil
	}
	return &f
}

// lookup returns the first non-empty value found along paths.
func lookup(fields map[string]any, paths []string) any {
	for _, p := range paths {
		if v := lookupPath(fields, strings.Split(p, ".")); v != nil {
			if s, ok := v.(string); ok && strings.TrimSpace(s) == "" {
				continue
			}
			return v
		}
	}
	return nil
}

func lookupPath(m map[string]any, segs []string) any {
	var cur any = m
	for _, seg := range segs {
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		v, found := obj[seg]
		if !found {
			for k, candidate := range obj {
				if strings.EqualFold(k, seg) {
					v, found = candidate, true
					break
				}
			}
		}
		if !found {
			return nil
		}
		cur = v
	}
	return cur
}
