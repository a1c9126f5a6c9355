package bridge

import (
	"strconv"

	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/ponsauto/pons/engine/domain"
)

const notAvailable = "N/A"

// printer renders grouped numbers ("12,345").
var printer = message.NewPrinter(language.AmericanEnglish)

// PriceDisplay renders a price as "$28,500.00".
func PriceDisplay(p *float64) string {
	if p == nil {
		return "Call for price"
	}
	return printer.Sprintf("$%.2f", *p)
}

// MileageDisplay renders a mileage as "12,345 miles" with the given unit.
func MileageDisplay(m *int, unit string) string {
	return printer.Sprintf("%d %s", domain.Deref(m), unit)
}

func orNA(s *string) string {
	if s == nil || *s == "" {
		return notAvailable
	}
	return *s
}

// detailTable is the details table every channel preview shows, in display order.
func detailTable(v domain.CanonicalVehicle, mileageUnit string) []Detail {
	price := notAvailable
	if v.Price != nil {
		price = PriceDisplay(v.Price)
	}
	return []Detail{
		{"VIN", v.VIN},
		{"Stock Number", orNA(v.StockNumber)},
		{"Year", strconv.Itoa(v.Year)},
		{"Make", v.Make},
		{"Model", v.Model},
		{"Trim", orNA(v.Trim)},
		{"Body Style", orNA(v.BodyType)},
		{"Price", price},
		{"Mileage", MileageDisplay(v.Mileage, mileageUnit)},
		{"Exterior Color", orNA(v.ExteriorColor)},
		{"Interior Color", orNA(v.InteriorColor)},
		{"Transmission", orNA(v.Transmission)},
		{"Fuel Type", orNA(v.FuelType)},
		{"Drivetrain", orNA(v.Drivetrain)},
	}
}

// put sets key when p is non-nil.
func put[T any](m map[string]any, key string, p *T) {
	if p != nil {
		m[key] = *p
	}
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func listing(ch domain.Channel, v domain.CanonicalVehicle, title string, payload map[string]any, mileageUnit string) Listing {
	return Listing{
		Channel:     ch,
		Title:       title,
		Description: domain.Deref(v.Description),
		Price:       v.Price,
		Photos:      nonNil(v.Images),
		Details:     detailTable(v, mileageUnit),
		Payload:     payload,
	}
}
