package notifications

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parceldrop/dispatch/pkg/models"
)

func TestAndroidConfigOffersAreHighPriority(t *testing.T) {
	cfg := androidConfig(models.NotificationTypeNewMissionOffer)

	require.NotNil(t, cfg)
	assert.Equal(t, "high", cfg.Priority)
	require.NotNil(t, cfg.Notification)
	assert.Equal(t, offerChannelID, cfg.Notification.ChannelID)
	assert.Equal(t, offerAndroidSound, cfg.Notification.Sound)
}

func TestAndroidConfigOtherTypesAreNormalPriority(t *testing.T) {
	for _, nt := range []models.NotificationType{
		models.NotificationTypeMissionUpdate,
		models.NotificationTypeAvailabilityChange,
		models.NotificationTypeAccountUpdate,
	} {
		cfg := androidConfig(nt)

		require.NotNil(t, cfg, string(nt))
		assert.Equal(t, "normal", cfg.Priority, string(nt))
		require.NotNil(t, cfg.Notification, string(nt))
		assert.Empty(t, cfg.Notification.ChannelID, string(nt))
	}
}

func TestAPNSConfigSounds(t *testing.T) {
	offer := apnsConfig(models.NotificationTypeNewMissionOffer)
	assert.Equal(t, offerAPNSSound, offer.Payload.Aps.Sound)

	update := apnsConfig(models.NotificationTypeMissionUpdate)
	assert.Equal(t, "default", update.Payload.Aps.Sound)
}
