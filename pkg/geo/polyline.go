package geo

// Polyline codec used for route leg geometries. The routing engine emits
// six-decimal-digit precision, so the codec is fixed at 1e6.

const polylinePrecision = 1e6

// Coordinate is a single decoded polyline point.
type Coordinate struct {
	Lat float64
	Lon float64
}

// EncodePolyline encodes a coordinate sequence into the standard
// delta-encoded polyline string at precision 6.
func EncodePolyline(coords []Coordinate) string {
	var prevLat, prevLon int64
	buf := make([]byte, 0, len(coords)*6)

	for _, c := range coords {
		lat := int64(round(c.Lat * polylinePrecision))
		lon := int64(round(c.Lon * polylinePrecision))

		buf = appendPolylineValue(buf, lat-prevLat)
		buf = appendPolylineValue(buf, lon-prevLon)

		prevLat = lat
		prevLon = lon
	}

	return string(buf)
}

// DecodePolyline decodes a precision-6 polyline string. Points outside the
// WGS84 ranges (lat [-90,90], lon [-180,180]) are dropped; routing engines
// occasionally emit garbage deltas on degenerate legs.
func DecodePolyline(encoded string) []Coordinate {
	var lat, lon int64
	coords := make([]Coordinate, 0, len(encoded)/6)

	i := 0
	for i < len(encoded) {
		dLat, n, ok := decodePolylineValue(encoded[i:])
		if !ok {
			break
		}
		i += n

		dLon, n, ok := decodePolylineValue(encoded[i:])
		if !ok {
			break
		}
		i += n

		lat += dLat
		lon += dLon

		c := Coordinate{
			Lat: float64(lat) / polylinePrecision,
			Lon: float64(lon) / polylinePrecision,
		}
		if c.Lat < -90 || c.Lat > 90 || c.Lon < -180 || c.Lon > 180 {
			continue
		}
		coords = append(coords, c)
	}

	return coords
}

func appendPolylineValue(buf []byte, v int64) []byte {
	// zigzag: left shift and invert negatives so small magnitudes stay short
	u := v << 1
	if v < 0 {
		u = ^u
	}
	for u >= 0x20 {
		buf = append(buf, byte((0x20|(u&0x1f))+63))
		u >>= 5
	}
	return append(buf, byte(u+63))
}

func decodePolylineValue(s string) (value int64, read int, ok bool) {
	var u int64
	var shift uint
	for i := 0; i < len(s); i++ {
		b := int64(s[i]) - 63
		if b < 0 {
			return 0, 0, false
		}
		u |= (b & 0x1f) << shift
		if b < 0x20 {
			value = u >> 1
			if u&1 != 0 {
				value = ^value
			}
			return value, i + 1, true
		}
		shift += 5
	}
	return 0, 0, false
}

func round(f float64) float64 {
	if f < 0 {
		return float64(int64(f - 0.5))
	}
	return float64(int64(f + 0.5))
}
