package domain

import (
	"math"
	"time"
)

// LocationSample is one position report from the carrier on a match.
type LocationSample struct {
	MatchID    string    `json:"match_id"`
	CarrierID  string    `json:"carrier_id"`
	Lat        float64   `json:"lat"`
	Lng        float64   `json:"lng"`
	Accuracy   float64   `json:"accuracy"`
	Speed      float64   `json:"speed"`
	RecordedAt time.Time `json:"recorded_at"`
}

// ValidCoordinates checks WGS84 bounds.
func ValidCoordinates(lat, lng float64) bool {
	if math.IsNaN(lat) || math.IsNaN(lng) {
		return false
	}
	return lat >= -90 && lat <= 90 && lng >= -180 && lng <= 180
}

// NewerThan reports whether s was recorded after other.
func (s LocationSample) NewerThan(other time.Time) bool {
	return s.RecordedAt.After(other)
}
