package notifications

import (
	"context"
	"errors"
	"strings"

	"github.com/parceldrop/dispatch/pkg/models"
)

// ErrInvalidToken marks a device token the provider rejected permanently.
// The pipeline nullifies the token and acks instead of retrying.
var ErrInvalidToken = errors.New("push token invalid or unregistered")

// PushSink delivers one push message to a device.
type PushSink interface {
	Send(ctx context.Context, msg *models.PushMessage) error
}

// tokenErrorMarkers are the provider error fragments that mean the token
// itself is dead, not the request.
var tokenErrorMarkers = []string{
	"registration-token-not-registered",
	"invalid-registration-token",
	"invalid-argument",
	"unregistered",
}

func isTokenError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range tokenErrorMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// maskToken hides all but the edges of a device token for logging.
func maskToken(token string) string {
	if len(token) <= 8 {
		return "***"
	}
	return token[:4] + "..." + token[len(token)-4:]
}
