package domain

import (
	"sort"
	"strings"
)

// fieldAliases maps lower-cased feed column names to canonical field names.
var fieldAliases = map[string]string{
	"vin":           "vin",
	"vehiclevin":    "vin",
	"stocknumber":   "stock_number",
	"stock_number":  "stock_number",
	"stock_no":      "stock_number",
	"stockno":       "stock_number",
	"stock#":        "stock_number",
	"stock_#":       "stock_number",
	"year":          "year",
	"modelyear":     "year",
	"make":          "make",
	"model":         "model",
	"trim":          "trim",
	"price":         "price",
	"mileage":       "mileage",
	"color":         "exterior_color",
	"exteriorcolor": "exterior_color",
	"interiorcolor": "interior_color",
	"bodystyle":     "body_type",
	"body_style":    "body_type",
	"bodytype":      "body_type",
	"fueltype":      "fuel_type",
	"drivetype":     "drivetrain",
	"drive_type":    "drivetrain",
	"drivetrain":    "drivetrain",
	"msrp":          "msrp",
	"transmission":  "transmission",
	"description":   "description",
	"imageurls":     "images",
	"image_urls":    "images",
	"photourls":     "images",
	"photo_urls":    "images",
	"features":      "features",
}

// CanonicalKey maps a feed field name to its canonical form: a table hit,
// otherwise the name lower-cased with spaces replaced by underscores.
func CanonicalKey(name string) string {
	k := strings.ToLower(strings.TrimSpace(strings.TrimPrefix(name, "\ufeff")))
	if c, ok := fieldAliases[k]; ok {
		return c
	}
	k = strings.ReplaceAll(k, " ", "_")
	if c, ok := fieldAliases[k]; ok {
		return c
	}
	return k
}

// CanonicalFields rewrites the top-level keys of m. When two source keys
// collapse to the same canonical key the first non-empty value in sorted key
// order wins.
func CanonicalFields(m map[string]any) map[string]any {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make(map[string]any, len(m))
	for _, k := range keys {
		v := m[k]
		ck := CanonicalKey(k)
		if prev, ok := out[ck]; ok {
			if s, isStr := prev.(string); !isStr || s != "" {
				continue
			}
		}
		out[ck] = v
	}
	return out
}
