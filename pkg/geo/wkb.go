package geo

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math"

	"github.com/parceldrop/dispatch/pkg/models"
)

// PostGIS geometry columns travel as WKB hex on the wire
// (encode(ST_AsBinary(col),'hex') on read). Only 2D points appear in this
// schema; anything else is a caller bug.

const wkbPointType = 1

// DecodeWKBPointHex parses a hex-encoded (E)WKB point into a Point.
func DecodeWKBPointHex(s string) (models.Point, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return models.Point{}, fmt.Errorf("invalid wkb hex: %w", err)
	}
	return DecodeWKBPoint(raw)
}

// DecodeWKBPoint parses a binary (E)WKB point. SRID-flagged geometries
// (EWKB, as PostGIS emits with ST_AsEWKB) are accepted and the SRID skipped.
func DecodeWKBPoint(raw []byte) (models.Point, error) {
	if len(raw) < 21 {
		return models.Point{}, fmt.Errorf("wkb point too short: %d bytes", len(raw))
	}

	var order binary.ByteOrder
	switch raw[0] {
	case 0:
		order = binary.BigEndian
	case 1:
		order = binary.LittleEndian
	default:
		return models.Point{}, fmt.Errorf("invalid wkb byte order marker %#x", raw[0])
	}

	geomType := order.Uint32(raw[1:5])
	offset := 5

	const sridFlag = 0x20000000
	if geomType&sridFlag != 0 {
		geomType &^= sridFlag
		if len(raw) < 25 {
			return models.Point{}, fmt.Errorf("ewkb point too short: %d bytes", len(raw))
		}
		offset += 4 // skip SRID
	}

	if geomType != wkbPointType {
		return models.Point{}, fmt.Errorf("expected wkb point, got geometry type %d", geomType)
	}

	lon := math.Float64frombits(order.Uint64(raw[offset : offset+8]))
	lat := math.Float64frombits(order.Uint64(raw[offset+8 : offset+16]))

	p := models.Point{Lon: lon, Lat: lat}
	if !p.Valid() {
		return models.Point{}, fmt.Errorf("wkb point out of range: lon=%v lat=%v", lon, lat)
	}

	return p, nil
}

// EncodeWKBPointHex renders a Point as hex-encoded little-endian WKB,
// the inverse of DecodeWKBPointHex.
func EncodeWKBPointHex(p models.Point) string {
	buf := make([]byte, 21)
	buf[0] = 1 // little-endian
	binary.LittleEndian.PutUint32(buf[1:5], wkbPointType)
	binary.LittleEndian.PutUint64(buf[5:13], math.Float64bits(p.Lon))
	binary.LittleEndian.PutUint64(buf[13:21], math.Float64bits(p.Lat))
	return hex.EncodeToString(buf)
}
