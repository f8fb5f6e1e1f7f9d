package domain

import "time"

const positionCoordinateScale = 1e-7

// positionStaleAfter is how old a stored fix must be before a lower-precision
// observation is allowed to replace it.
const positionStaleAfter = 12 * time.Hour

// DecodeCoordinate converts the radio's fixed-point 1e7-scaled value.
func DecodeCoordinate(raw int32) float64 {
	return float64(raw) * positionCoordinateScale
}

// ValidCoordinates rejects decoded lat/lon outside the WGS84 envelope.
func ValidCoordinates(lat, lon float64) bool {
	if lat < -90 || lat > 90 {
		return false
	}
	if lon < -180 || lon > 180 {
		return false
	}

	return lat != 0 || lon != 0
}

// ShouldReplacePosition decides whether an incoming fix replaces the stored
// one: only on strictly higher precision, or when the stored fix has gone
// stale. Telemetry is appended regardless of this decision.
func ShouldReplacePosition(current Position, incomingPrecision uint32, now time.Time) bool {
	if current.IsZero() {
		return true
	}
	if incomingPrecision > current.PrecisionBits {
		return true
	}

	return now.Sub(current.Time) > positionStaleAfter
}
