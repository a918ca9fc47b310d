package model

// Location is an optional place attached to a transaction or receipt.
// Latitude/longitude may be absent (zero value with HasCoordinates false);
// address fields may be partially filled by OCR.
type Location struct {
	Latitude       float64
	Longitude      float64
	HasCoordinates bool
	Address        string
	City           string
	State          string
	PostalCode     string
	Country        string
}

// CoordinatesValid reports whether the lat/lon pair is present and in range.
func (l *Location) CoordinatesValid() bool {
	if l == nil || !l.HasCoordinates {
		return false
	}
	return l.Latitude >= -90 && l.Latitude <= 90 &&
		l.Longitude >= -180 && l.Longitude <= 180
}
