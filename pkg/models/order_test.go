package models

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestHasLiveOfferBoundary(t *testing.T) {
	driverID := uuid.New()
	deadline := time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)
	order := &Order{OfferedDriverID: &driverID, OfferExpiresAt: &deadline}

	assert.True(t, order.HasLiveOffer(deadline.Add(-time.Second)))

	// expiration wins at the exact deadline
	assert.False(t, order.HasLiveOffer(deadline))
	assert.False(t, order.HasLiveOffer(deadline.Add(time.Second)))
}

func TestHasLiveOfferRequiresOfferFields(t *testing.T) {
	driverID := uuid.New()
	deadline := time.Now().Add(time.Minute)

	assert.False(t, (&Order{}).HasLiveOffer(time.Now()))
	assert.False(t, (&Order{OfferedDriverID: &driverID}).HasLiveOffer(time.Now()))
	assert.False(t, (&Order{OfferExpiresAt: &deadline}).HasLiveOffer(time.Now()))
}
