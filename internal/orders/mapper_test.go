package orders

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parceldrop/dispatch/pkg/models"
)

func TestWaypointRoundTripKeepsHiddenFields(t *testing.T) {
	phone := "+221770000001"
	name := "Awa"
	started := time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)

	original := []models.Waypoint{
		{
			Sequence:         0,
			Type:             models.WaypointTypePickup,
			AddressID:        uuid.New(),
			Coordinates:      models.Point{Lon: -17.4467, Lat: 14.6708},
			ConfirmationCode: "042917",
			Status:           models.WaypointStatusCompleted,
			StartAt:          &started,
			Name:             &name,
			ContactPhone:     &phone,
			IsMandatory:      true,
			PhotoURLs:        []string{"https://cdn.example/photo1.jpg"},
		},
		{
			Sequence:         1,
			Type:             models.WaypointTypeDelivery,
			AddressID:        uuid.New(),
			Coordinates:      models.Point{Lon: -17.4375, Lat: 14.6644},
			ConfirmationCode: "731024",
			Status:           models.WaypointStatusPending,
			IsMandatory:      false,
		},
	}

	data, err := EncodeWaypoints(original)
	require.NoError(t, err)

	// The API model hides these with json:"-"; the column must not.
	assert.Contains(t, string(data), "042917")
	assert.Contains(t, string(data), phone)

	decoded, err := DecodeWaypoints(data)
	require.NoError(t, err)
	assert.Equal(t, original, decoded)
}

func TestDecodeWaypointsEmptyColumn(t *testing.T) {
	decoded, err := DecodeWaypoints(nil)
	require.NoError(t, err)
	assert.Nil(t, decoded)
}

func TestManeuverRoundTrip(t *testing.T) {
	original := []models.Maneuver{
		{Instruction: "Turn left onto Avenue Blaise Diagne", Type: 15, LengthMeters: 230.5, TimeSeconds: 41},
	}

	data, err := encodeManeuvers(original)
	require.NoError(t, err)

	decoded, err := decodeManeuvers(data)
	require.NoError(t, err)
	assert.Equal(t, original, decoded)
}
