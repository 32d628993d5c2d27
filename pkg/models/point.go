package models

// Point is a WGS84 coordinate pair. Longitude first, matching the on-wire
// order used by the routing engines and PostGIS.
type Point struct {
	Lon float64 `json:"lon"`
	Lat float64 `json:"lat"`
}

// Valid reports whether the point lies inside the WGS84 coordinate ranges.
func (p Point) Valid() bool {
	return p.Lat >= -90 && p.Lat <= 90 && p.Lon >= -180 && p.Lon <= 180
}

// LatLng is the client-facing coordinate shape used in real-time payloads.
type LatLng struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// ToLatLng converts a Point into the client-facing shape.
func (p Point) ToLatLng() LatLng {
	return LatLng{Lat: p.Lat, Lng: p.Lon}
}
