package geo

import (
	"github.com/uber/h3-go/v4"
)

// H3 resolution levels.
// See: https://h3geo.org/docs/core-library/restable
const (
	// H3ResolutionDriver indexes driver positions (~175 m edge).
	H3ResolutionDriver = 9

	// H3ResolutionDemand aggregates pickup demand (~460 m edge).
	H3ResolutionDemand = 8
)

// CellAt converts a coordinate to an H3 cell string at the given resolution.
// Returns "" on out-of-range input.
func CellAt(lat, lon float64, resolution int) string {
	cell, err := h3.LatLngToCell(h3.NewLatLng(lat, lon), resolution)
	if err != nil {
		return ""
	}
	return cell.String()
}

// DriverCell returns the driver-index cell for a position.
func DriverCell(lat, lon float64) string {
	return CellAt(lat, lon, H3ResolutionDriver)
}

// DemandCell returns the demand-aggregation cell for a pickup point.
func DemandCell(lat, lon float64) string {
	return CellAt(lat, lon, H3ResolutionDemand)
}

// CellCenter returns the center coordinates of an H3 cell string.
func CellCenter(cell string) (lat, lon float64) {
	c := h3.CellFromString(cell)
	latLng, err := c.LatLng()
	if err != nil {
		return 0, 0
	}
	return latLng.Lat, latLng.Lng
}

// NeighborCells returns the cells within k rings of a position at the given
// resolution, origin included.
func NeighborCells(lat, lon float64, resolution, k int) []string {
	origin, err := h3.LatLngToCell(h3.NewLatLng(lat, lon), resolution)
	if err != nil {
		return nil
	}
	cells, err := origin.GridDisk(k)
	if err != nil {
		return []string{origin.String()}
	}
	out := make([]string, len(cells))
	for i, c := range cells {
		out[i] = c.String()
	}
	return out
}
