// pkg/core/location.go
package core

import "time"

// LocationFix is a single GPS sample. It is never mutated after it is received.
type LocationFix struct {
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	Accuracy  float64   `json:"accuracy"` // meters, 0 when unknown
	Timestamp time.Time `json:"timestamp"`
	Mock      bool      `json:"mock,omitempty"` // reported by the OS mock-location API
}

// Position is a bare latitude/longitude pair in degrees (EPSG:4326).
type Position struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Position returns the fix without accuracy or time.
func (f LocationFix) Position() Position {
	return Position{Latitude: f.Latitude, Longitude: f.Longitude}
}

// IsZero reports whether the fix was never set.
func (f LocationFix) IsZero() bool {
	return f.Timestamp.IsZero() && f.Latitude == 0 && f.Longitude == 0
}

// BoundingBox is the area a nearby query covers.
type BoundingBox struct {
	MinLatitude  float64 `json:"minLat"`
	MinLongitude float64 `json:"minLng"`
	MaxLatitude  float64 `json:"maxLat"`
	MaxLongitude float64 `json:"maxLng"`
}
