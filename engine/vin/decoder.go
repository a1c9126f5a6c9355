// Package vin decodes the structure of a 17-character Vehicle Identification
// Number. Decoding is pure: no lookups leave the process.
//
// The model-year code repeats every 30 years, so a code alone maps to two
// candidate years. Decode never picks one silently: callers pass WithYearHint
// or PreferRecent to resolve it, otherwise ModelYear is left nil.
package vin

import (
	"strings"
	"time"

	"github.com/ponsauto/pons/engine/domain"
)

// UnknownRegion is reported for leading characters outside the region table.
const UnknownRegion = "Unknown"

var regions = map[byte]string{
	'1': "United States",
	'4': "United States",
	'5': "United States",
	'2': "Canada",
	'3': "Mexico",
	'J': "Japan",
	'K': "South Korea",
	'L': "China",
	'S': "United Kingdom",
	'W': "Germany",
	'Y': "Sweden",
	'Z': "Italy",
}

// yearCodes is the model-year alphabet in order. The first cycle starts at
// 1980, the second at 2010.
const yearCodes = "ABCDEFGHJKLMNPRSTVWXY123456789"

const (
	firstCycle  = 1980
	cycleLength = 30
)

// YearCandidates returns both years a model-year code can stand for, oldest
// first, or nil for characters that are not year codes.
func YearCandidates(code byte) []int {
	i := strings.IndexByte(yearCodes, code)
	if i < 0 {
		return nil
	}
	return []int{firstCycle + i, firstCycle + cycleLength + i}
}

// Option tunes model-year resolution.
type Option func(*options)

type options struct {
	hint   int
	recent *time.Time
}

// WithYearHint resolves the model year to the candidate closest to year.
// Ties go to the later cycle. A zero hint is ignored.
func WithYearHint(year int) Option {
	return func(o *options) { o.hint = year }
}

// PreferRecent resolves the model year to the latest candidate that is not
// more than one model year ahead of now.
func PreferRecent(now time.Time) Option {
	return func(o *options) { o.recent = &now }
}

// Decode splits v into its structural parts. It fails only when v is not a
// 17-character string over the VIN alphabet.
func Decode(v string, opts ...Option) (domain.DecodedVIN, error) {
	v = domain.NormalizeVIN(v)
	if err := domain.ValidateVIN(v); err != nil {
		return domain.DecodedVIN{}, err
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	d := domain.DecodedVIN{
		VIN:             v,
		WMI:             v[0:3],
		VDS:             v[3:9],
		VIS:             v[9:17],
		CheckDigit:      v[8:9],
		CheckDigitValid: CheckDigit(v) == v[8],
		ModelYearCode:   v[9:10],
		PlantCode:       v[10:11],
		SerialNumber:    v[11:17],
		Region:          Region(v),
	}
	d.ModelYearCandidates = YearCandidates(v[9])
	if d.ModelYearCandidates == nil {
		d.ModelYearCandidates = []int{}
	}
	if y, ok := resolve(d.ModelYearCandidates, o); ok {
		d.ModelYear = &y
	}
	return d, nil
}

// Region maps the first VIN character to a manufacturing region.
func Region(v string) string {
	if v == "" {
		return UnknownRegion
	}
	if r, ok := regions[strings.ToUpper(v[:1])[0]]; ok {
		return r
	}
	return UnknownRegion
}

func resolve(candidates []int, o options) (int, bool) {
	if len(candidates) == 0 {
		return 0, false
	}
	switch {
	case o.hint != 0:
		best := candidates[0]
		for _, c := range candidates[1:] {
			if abs(c-o.hint) <= abs(best-o.hint) {
				best = c
			}
		}
		return best, true
	case o.recent != nil:
		limit := o.recent.Year() + 1
		best, found := 0, false
		for _, c := range candidates {
			if c <= limit {
				best, found = c, true
			}
		}
		return best, found
	}
	return 0, false
}

var transliteration = map[byte]int{
	'A': 1, 'B': 2, 'C': 3, 'D': 4, 'E': 5, 'F': 6, 'G': 7, 'H': 8,
	'J': 1, 'K': 2, 'L': 3, 'M': 4, 'N': 5, 'P': 7, 'R': 9,
	'S': 2, 'T': 3, 'U': 4, 'V': 5, 'W': 6, 'X': 7, 'Y': 8, 'Z': 9,
}

var weights = [17]int{8, 7, 6, 5, 4, 3, 2, 10, 0, 9, 8, 7, 6, 5, 4, 3, 2}

// CheckDigit computes the expected position-9 character for a
// 17-character VIN ('0'-'9' or 'X').
func CheckDigit(v string) byte {
	sum := 0
	for i := 0; i < 17 && i < len(v); i++ {
		c := v[i]
		val := 0
		if c >= '0' && c <= '9' {
			val = int(c - '0')
		} else {
			val = transliteration[c]
		}
		sum += val * weights[i]
	}
	r := sum % 11
	if r == 10 {
		return 'X'
	}
	return byte('0' + r)
}

func abs(i int) int {
	if i < 0 {
		return -i
	}
	return i
}
