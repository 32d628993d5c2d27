package orders

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/parceldrop/dispatch/pkg/models"
)

// waypointRecord is the on-disk shape of one waypoints_summary entry. It
// carries the confirmation code and contact phone, which the API model
// deliberately never serializes.
type waypointRecord struct {
	Sequence         int        `json:"sequence"`
	Type             string     `json:"type"`
	AddressID        uuid.UUID  `json:"address_id"`
	Lon              float64    `json:"lon"`
	Lat              float64    `json:"lat"`
	ConfirmationCode string     `json:"confirmation_code"`
	Status           string     `json:"status"`
	StartAt          *time.Time `json:"start_at,omitempty"`
	EndAt            *time.Time `json:"end_at,omitempty"`
	PhotoURLs        []string   `json:"photo_urls,omitempty"`
	Name             *string    `json:"name,omitempty"`
	ContactPhone     *string    `json:"contact_phone,omitempty"`
	IsMandatory      bool       `json:"is_mandatory"`
	MessageIssue     *string    `json:"message_issue,omitempty"`
}

// EncodeWaypoints serializes a waypoint list for the orders.waypoints_summary
// column.
func EncodeWaypoints(waypoints []models.Waypoint) ([]byte, error) {
	records := make([]waypointRecord, len(waypoints))
	for i, w := range waypoints {
		records[i] = waypointRecord{
			Sequence:         w.Sequence,
			Type:             string(w.Type),
			AddressID:        w.AddressID,
			Lon:              w.Coordinates.Lon,
			Lat:              w.Coordinates.Lat,
			ConfirmationCode: w.ConfirmationCode,
			Status:           string(w.Status),
			StartAt:          w.StartAt,
			EndAt:            w.EndAt,
			PhotoURLs:        w.PhotoURLs,
			Name:             w.Name,
			ContactPhone:     w.ContactPhone,
			IsMandatory:      w.IsMandatory,
			MessageIssue:     w.MessageIssue,
		}
	}
	data, err := json.Marshal(records)
	if err != nil {
		return nil, fmt.Errorf("failed to encode waypoints: %w", err)
	}
	return data, nil
}

// DecodeWaypoints parses the waypoints_summary column back into models.
func DecodeWaypoints(data []byte) ([]models.Waypoint, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var records []waypointRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("failed to decode waypoints: %w", err)
	}

	waypoints := make([]models.Waypoint, len(records))
	for i, r := range records {
		waypoints[i] = models.Waypoint{
			Sequence:         r.Sequence,
			Type:             models.WaypointType(r.Type),
			AddressID:        r.AddressID,
			Coordinates:      models.Point{Lon: r.Lon, Lat: r.Lat},
			ConfirmationCode: r.ConfirmationCode,
			Status:           models.WaypointStatus(r.Status),
			StartAt:          r.StartAt,
			EndAt:            r.EndAt,
			PhotoURLs:        r.PhotoURLs,
			Name:             r.Name,
			ContactPhone:     r.ContactPhone,
			IsMandatory:      r.IsMandatory,
			MessageIssue:     r.MessageIssue,
		}
	}
	return waypoints, nil
}

// encodeManeuvers serializes the maneuvers column of a route leg.
func encodeManeuvers(maneuvers []models.Maneuver) ([]byte, error) {
	if maneuvers == nil {
		maneuvers = []models.Maneuver{}
	}
	data, err := json.Marshal(maneuvers)
	if err != nil {
		return nil, fmt.Errorf("failed to encode maneuvers: %w", err)
	}
	return data, nil
}

func decodeManeuvers(data []byte) ([]models.Maneuver, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var maneuvers []models.Maneuver
	if err := json.Unmarshal(data, &maneuvers); err != nil {
		return nil, fmt.Errorf("failed to decode maneuvers: %w", err)
	}
	return maneuvers, nil
}
