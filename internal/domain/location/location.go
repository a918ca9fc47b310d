// Package location computes geographic and address similarity between the
// optional place records carried by transactions and receipts.
package location

import (
	"math"
	"strings"
	"unicode"

	"github.com/g-caf/receipt-match-backend/internal/domain/model"
)

const earthRadiusKM = 6371.0

// Distance returns the haversine great-circle distance in kilometers.
// Returns +Inf when either side lacks valid coordinates, so callers can
// treat "too far" and "unknown" uniformly.
func Distance(a, b *model.Location) float64 {
	if !a.CoordinatesValid() || !b.CoordinatesValid() {
		return math.Inf(1)
	}

	lat1 := a.Latitude * math.Pi / 180
	lat2 := b.Latitude * math.Pi / 180
	dLat := (b.Latitude - a.Latitude) * math.Pi / 180
	dLon := (b.Longitude - a.Longitude) * math.Pi / 180

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return earthRadiusKM * 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
}

// abbreviations maps common street-suffix and directional abbreviations to
// their long forms before comparison.
var abbreviations = map[string]string{
	"st":    "street",
	"ave":   "avenue",
	"av":    "avenue",
	"blvd":  "boulevard",
	"rd":    "road",
	"dr":    "drive",
	"ln":    "lane",
	"ct":    "court",
	"pl":    "place",
	"sq":    "square",
	"hwy":   "highway",
	"pkwy":  "parkway",
	"ste":   "suite",
	"apt":   "apartment",
	"n":     "north",
	"s":     "south",
	"e":     "east",
	"w":     "west",
	"ne":    "northeast",
	"nw":    "northwest",
	"se":    "southeast",
	"sw":    "southwest",
}

// minContainmentLen guards the containment check: very short fragments
// ("12 main") match too many addresses to be trusted.
const minContainmentLen = 8

// AddressesMatch reports whether two address strings plausibly describe the
// same place: exact normalized equality, containment of a long-enough
// shorter string, or agreement of extracted components (street number +
// name, ZIP, or state plus street/ZIP).
func AddressesMatch(addr1, addr2 string) bool {
	n1 := normalizeAddress(addr1)
	n2 := normalizeAddress(addr2)
	if n1 == "" || n2 == "" {
		return false
	}
	if n1 == n2 {
		return true
	}

	shorter, longer := n1, n2
	if len(shorter) > len(longer) {
		shorter, longer = longer, shorter
	}
	if len(shorter) >= minContainmentLen && strings.Contains(longer, shorter) {
		return true
	}

	c1 := extractComponents(n1)
	c2 := extractComponents(n2)
	return c1.matches(c2)
}

type components struct {
	streetNumber string
	streetName   string
	zip          string
	state        string
}

func (c components) matches(o components) bool {
	if c.streetNumber != "" && c.streetNumber == o.streetNumber &&
		c.streetName != "" && c.streetName == o.streetName {
		return true
	}
	if c.zip != "" && c.zip == o.zip {
		return true
	}
	if c.state != "" && c.state == o.state {
		if c.streetName != "" && c.streetName == o.streetName {
			return true
		}
		if c.zip != "" && c.zip == o.zip {
			return true
		}
	}
	return false
}

func normalizeAddress(addr string) string {
	var b strings.Builder
	b.Grow(len(addr))
	for _, r := range strings.ToLower(addr) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		} else {
			b.WriteRune(' ')
		}
	}
	words := strings.Fields(b.String())
	for i, w := range words {
		if long, ok := abbreviations[w]; ok {
			words[i] = long
		}
	}
	return strings.Join(words, " ")
}

var stateNames = map[string]bool{
	"alabama": true, "alaska": true, "arizona": true, "arkansas": true,
	"california": true, "colorado": true, "connecticut": true, "delaware": true,
	"florida": true, "georgia": true, "hawaii": true, "idaho": true,
	"illinois": true, "indiana": true, "iowa": true, "kansas": true,
	"kentucky": true, "louisiana": true, "maine": true, "maryland": true,
	"massachusetts": true, "michigan": true, "minnesota": true, "mississippi": true,
	"missouri": true, "montana": true, "nebraska": true, "nevada": true,
	"ohio": true, "oklahoma": true, "oregon": true, "pennsylvania": true,
	"tennessee": true, "texas": true, "utah": true, "vermont": true,
	"virginia": true, "washington": true, "wisconsin": true, "wyoming": true,
	// Two-letter codes that survive abbreviation expansion.
	"al": true, "ak": true, "az": true, "ar": true, "ca": true, "co": true,
	"ct": true, "de": true, "fl": true, "ga": true, "hi": true, "id": true,
	"il": true, "ia": true, "ks": true, "ky": true, "la": true, "md": true,
	"ma": true, "mi": true, "mn": true, "ms": true, "mo": true, "mt": true,
	"nv": true, "nh": true, "nj": true, "nm": true, "ny": true, "nc": true,
	"nd": true, "oh": true, "ok": true, "or": true, "pa": true, "ri": true,
	"sc": true, "sd": true, "tn": true, "tx": true, "ut": true, "vt": true,
	"va": true, "wa": true, "wv": true, "wi": true, "wy": true,
}

func extractComponents(normalized string) components {
	var c components
	words := strings.Fields(normalized)
	for i, w := range words {
		switch {
		case len(w) == 5 && allDigits(w):
			c.zip = w
		case i == 0 && allDigits(w):
			c.streetNumber = w
			if i+1 < len(words) && !allDigits(words[i+1]) {
				c.streetName = words[i+1]
			}
		case stateNames[w] && c.state == "":
			c.state = w
		}
	}
	return c
}

func allDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if !unicode.IsDigit(r) {
			return false
		}
	}
	return true
}
