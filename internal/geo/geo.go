package geo

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/geocatch/client/pkg/core"
	geom "github.com/peterstace/simplefeatures/geom"
	"github.com/wroge/wgs84"
)

// Positions arrive as EPSG:4326 degrees. Bounding boxes are sized in EPSG:3857
// so a radius in meters can be applied, then projected back.

// EarthRadiusMeters is the mean Earth radius (IUGG) used for great-circle distance.
const EarthRadiusMeters = 6371008.8

// ErrInvalidCoordinates is returned when the coordinates are invalid
var ErrInvalidCoordinates = errors.New("invalid coordinates provided")

// DistanceMeters returns the haversine distance between two positions.
func DistanceMeters(a, b core.Position) float64 {
	lat1 := a.Latitude * math.Pi / 180
	lat2 := b.Latitude * math.Pi / 180
	dLat := (b.Latitude - a.Latitude) * math.Pi / 180
	dLng := (b.Longitude - a.Longitude) * math.Pi / 180

	sinLat := math.Sin(dLat / 2)
	sinLng := math.Sin(dLng / 2)
	h := sinLat*sinLat + math.Cos(lat1)*math.Cos(lat2)*sinLng*sinLng
	if h > 1 {
		h = 1
	}
	return 2 * EarthRadiusMeters * math.Asin(math.Sqrt(h))
}

// Validate checks a position is a finite lat/lng inside the WGS84 range.
func Validate(p core.Position) error {
	if math.IsNaN(p.Latitude) || math.IsNaN(p.Longitude) ||
		math.IsInf(p.Latitude, 0) || math.IsInf(p.Longitude, 0) {
		return ErrInvalidCoordinates
	}
	if p.Latitude < -90 || p.Latitude > 90 || p.Longitude < -180 || p.Longitude > 180 {
		return ErrInvalidCoordinates
	}
	return nil
}

// FixFromString parses a string in the format "lat,lng" or "lat,lng,accuracy"
// into a LocationFix stamped with the given time.
func FixFromString(coords string, at time.Time) (core.LocationFix, error) {
	coordsSplit := strings.Split(strings.TrimSpace(coords), ",")
	if len(coordsSplit) < 2 {
		return core.LocationFix{}, ErrInvalidCoordinates
	}
	lat, err := strconv.ParseFloat(strings.TrimSpace(coordsSplit[0]), 64)
	if err != nil {
		return core.LocationFix{}, ErrInvalidCoordinates
	}
	lng, err := strconv.ParseFloat(strings.TrimSpace(coordsSplit[1]), 64)
	if err != nil {
		return core.LocationFix{}, ErrInvalidCoordinates
	}
	var acc float64
	if len(coordsSplit) > 2 {
		acc, err = strconv.ParseFloat(strings.TrimSpace(coordsSplit[2]), 64)
		if err != nil {
			return core.LocationFix{}, ErrInvalidCoordinates
		}
	}
	fix := core.LocationFix{Latitude: lat, Longitude: lng, Accuracy: acc, Timestamp: at}
	if err := Validate(fix.Position()); err != nil {
		return core.LocationFix{}, err
	}
	return fix, nil
}

// ToWebMercator projects a position to EPSG:3857 meters.
func ToWebMercator(p core.Position) geom.XY {
	f := wgs84.EPSG().Transform(4326, 3857)
	x, y, _ := f(p.Longitude, p.Latitude, 0)
	return geom.XY{X: x, Y: y}
}

// FromWebMercator projects EPSG:3857 meters back to a position.
func FromWebMercator(xy geom.XY) core.Position {
	f := wgs84.EPSG().Transform(3857, 4326)
	lng, lat, _ := f(xy.X, xy.Y, 0)
	return core.Position{Latitude: lat, Longitude: lng}
}

// maxScaleLatitude bounds the latitude used for the Mercator scale factor,
// which diverges at the poles.
const maxScaleLatitude = 89.9

// BoundingBoxAround returns a box that contains every point within
// radiusMeters of center. Web Mercator stretches distances by 1/cos(lat),
// so the half-width is scaled before projecting back.
func BoundingBoxAround(center core.Position, radiusMeters float64) (core.BoundingBox, error) {
	if err := Validate(center); err != nil {
		return core.BoundingBox{}, err
	}

	scaleLat := math.Max(-maxScaleLatitude, math.Min(maxScaleLatitude, center.Latitude))
	half := radiusMeters / math.Cos(scaleLat*math.Pi/180)

	c := ToWebMercator(center)
	env, err := geom.NewEnvelope([]geom.XY{
		{X: c.X - half, Y: c.Y - half},
		{X: c.X + half, Y: c.Y + half},
	})
	if err != nil {
		return core.BoundingBox{}, fmt.Errorf("bounding box around %v,%v: %w", center.Latitude, center.Longitude, err)
	}

	minXY, maxXY, _ := env.MinMaxXYs()
	sw := FromWebMercator(minXY)
	ne := FromWebMercator(maxXY)
	return core.BoundingBox{
		MinLatitude:  sw.Latitude,
		MinLongitude: sw.Longitude,
		MaxLatitude:  ne.Latitude,
		MaxLongitude: ne.Longitude,
	}, nil
}

// Envelope converts a bounding box to a lng/lat envelope.
func Envelope(b core.BoundingBox) (geom.Envelope, error) {
	return geom.NewEnvelope([]geom.XY{
		{X: b.MinLongitude, Y: b.MinLatitude},
		{X: b.MaxLongitude, Y: b.MaxLatitude},
	})
}

// Contains reports whether p lies inside b, edges included.
func Contains(b core.BoundingBox, p core.Position) bool {
	env, err := Envelope(b)
	if err != nil {
		return false
	}
	return env.Contains(geom.XY{X: p.Longitude, Y: p.Latitude})
}
