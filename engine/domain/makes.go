package domain

import (
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// MinModelYear is the earliest year we accept.
const MinModelYear = 1900

// MaxModelYear is the latest year we accept.
const MaxModelYear = 2030

// makeAliases maps lower-cased abbreviations and spellings found in dealer
// feeds to canonical make names.
var makeAliases = map[string]string{
	"chevy":         "Chevrolet",
	"chevrolet":     "Chevrolet",
	"merc":          "Mercedes-Benz",
	"benz":          "Mercedes-Benz",
	"mercedes":      "Mercedes-Benz",
	"mercedes benz": "Mercedes-Benz",
	"mercedes-benz": "Mercedes-Benz",
	"vw":            "Volkswagen",
	"volkswagen":    "Volkswagen",
	"bmw":           "BMW",
	"gmc":           "GMC",
	"ram":           "Ram",
	"mini":          "MINI",
	"land rover":    "Land Rover",
	"landrover":     "Land Rover",
	"alfa":          "Alfa Romeo",
	"alfa romeo":    "Alfa Romeo",
	"infinity":      "Infiniti",
	"mclaren":       "McLaren",
}

// CanonicalMake maps a feed make to its canonical spelling. Unknown makes
// are title-cased.
func CanonicalMake(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	if s == "" {
		return ""
	}
	if c, ok := makeAliases[strings.ToLower(s)]; ok {
		return c
	}
	return cases.Title(language.English).String(s)
}
